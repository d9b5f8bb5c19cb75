package acme

import (
	"crypto"
	"encoding/base64"

	"github.com/go-jose/go-jose/v4"
)

type AccountData struct {
	URI        string
	PrivateKey crypto.Signer
}

func (a *AccountData) Thumbprint() (string, error) {
	return AccountKeyThumbprint(a.PrivateKey)
}

// AccountKeyThumbprint returns the base64url encoded SHA-256 JWK thumbprint
// of the public part of an account key (RFC 7638).
func AccountKeyThumbprint(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}

	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// RFC 8555 8.1. Key Authorizations
func KeyAuthorization(token, thumbprint string) string {
	return token + "." + thumbprint
}
