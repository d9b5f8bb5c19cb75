package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	pemBlockPrivateKey1  = "RSA PRIVATE KEY"
	pemBlockPrivateKey8  = "PRIVATE KEY"
	pemBlockECPrivateKey = "EC PRIVATE KEY"
)

type PrivateKeyGenerationFunc func() (crypto.Signer, error)

func GenerateECDSAP256PrivateKey() (crypto.Signer, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// EncodePEMPrivateKey encodes a private key as a PKCS #8 PEM block.
func EncodePEMPrivateKey(privateKey crypto.Signer) ([]byte, error) {
	data, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot encode private key: %w", err)
	}

	block := pem.Block{
		Type:  pemBlockPrivateKey8,
		Bytes: data,
	}

	return pem.EncodeToMemory(&block), nil
}

// DecodePEMPrivateKey accepts PKCS #1, SEC 1 and PKCS #8 PEM blocks.
func DecodePEMPrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var privateKey any
	var err error

	switch block.Type {
	case pemBlockPrivateKey1:
		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemBlockECPrivateKey:
		privateKey, err = x509.ParseECPrivateKey(block.Bytes)
	case pemBlockPrivateKey8:
		privateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unknown PEM block %q", block.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("cannot parse private key: %w", err)
	}

	signer, ok := privateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot be used to sign data",
			privateKey)
	}

	return signer, nil
}
