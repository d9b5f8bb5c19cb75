package acme

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"golang.org/x/net/idna"
)

var ErrNoCertificate = errors.New("no certificate found")

// CertificateInfo is the subset of the leaf certificate of a chain needed to
// decide whether it can still be used.
type CertificateInfo struct {
	NotBefore    time.Time
	NotAfter     time.Time
	DNSNames     []string
	CommonName   string
	Issuer       string
	SerialNumber *big.Int
	Fingerprint  string // SHA-256, hex encoded
}

func ParseCertificateInfo(data []byte) (*CertificateInfo, error) {
	chain, err := DecodePEMCertificateChain(data)
	if err != nil {
		return nil, err
	}

	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}

	return NewCertificateInfo(chain[0]), nil
}

func NewCertificateInfo(cert *x509.Certificate) *CertificateInfo {
	fingerprint := sha256.Sum256(cert.Raw)

	info := CertificateInfo{
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     slices.Clone(cert.DNSNames),
		CommonName:   cert.Subject.CommonName,
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
	}

	return &info
}

// Covers reports whether the certificate is valid for a DNS name. Wildcard
// names are not considered since they cannot be obtained with HTTP-01.
func (i *CertificateInfo) Covers(name string) bool {
	encodedName, err := idna.ToASCII(name)
	if err != nil {
		return false
	}

	if slices.Contains(i.DNSNames, encodedName) {
		return true
	}

	return len(i.DNSNames) == 0 && i.CommonName == encodedName
}

// GenerateCSR returns a DER encoded certificate request for a set of DNS
// identifiers. The first identifier is used as subject common name.
func GenerateCSR(ids []Identifier, privateKey crypto.Signer) ([]byte, error) {
	var tpl x509.CertificateRequest

	for _, id := range ids {
		switch id.Type {
		case IdentifierTypeDNS:
			encodedName, err := idna.ToASCII(id.Value)
			if err != nil {
				return nil, fmt.Errorf("cannot encode dns name %q: %w",
					id.Value, err)
			}

			tpl.DNSNames = append(tpl.DNSNames, encodedName)

		default:
			return nil, fmt.Errorf("unhandled identifier type %q", id.Type)
		}
	}

	if len(tpl.DNSNames) == 0 {
		return nil, fmt.Errorf("no identifier")
	}

	tpl.Subject = pkix.Name{CommonName: tpl.DNSNames[0]}

	return x509.CreateCertificateRequest(rand.Reader, &tpl, privateKey)
}

func EncodePEMCertificateChain(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer

	for _, cert := range chain {
		block := pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		}

		buf.Write(pem.EncodeToMemory(&block))
	}

	return buf.Bytes()
}

func DecodePEMCertificateChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate

	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unknown PEM block %q", block.Type)
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse certificate: %w", err)
		}

		chain = append(chain, cert)

		data = rest
	}

	return chain, nil
}
