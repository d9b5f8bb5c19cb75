package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// signJWS wraps a request body in a flattened JWS (RFC 8555 6.2). The account
// key is embedded as a JWK until the account URI is known, and referenced by
// its URI as key id afterward.
func signJWS(account *AccountData, uri, nonce string, payload []byte) ([]byte, error) {
	algorithm, err := jwsAlgorithm(account.PrivateKey.Public())
	if err != nil {
		return nil, err
	}

	signingKey := jose.SigningKey{
		Algorithm: algorithm,
		Key:       jose.JSONWebKey{Key: account.PrivateKey, KeyID: account.URI},
	}

	options := jose.SignerOptions{
		NonceSource: singleNonce(nonce),
		EmbedJWK:    account.URI == "",
	}

	signer, err := jose.NewSigner(signingKey, options.WithHeader("url", uri))
	if err != nil {
		return nil, fmt.Errorf("cannot create signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	return []byte(jws.FullSerialize()), nil
}

func jwsAlgorithm(publicKey crypto.PublicKey) (jose.SignatureAlgorithm, error) {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return jose.RS256, nil

	case *ecdsa.PublicKey:
		switch key.Curve.Params().BitSize {
		case 256:
			return jose.ES256, nil
		case 384:
			return jose.ES384, nil
		case 521:
			return jose.ES512, nil
		}

		return "", fmt.Errorf("unsupported elliptic curve %s",
			key.Curve.Params().Name)
	}

	return "", fmt.Errorf("unsupported account key type %T", publicKey)
}

// Each signer signs a single request, so the nonce source only ever has to
// provide one nonce.
type singleNonce string

func (n singleNonce) Nonce() (string, error) {
	return string(n), nil
}
