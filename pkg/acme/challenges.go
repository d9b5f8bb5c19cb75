package acme

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type ChallengeType string

const (
	ChallengeTypeHTTP01    ChallengeType = "http-01"
	ChallengeTypeDNS01     ChallengeType = "dns-01"
	ChallengeTypeTLSALPN01 ChallengeType = "tls-alpn-01"
)

type ChallengeStatus string

const (
	ChallengeStatusPending    ChallengeStatus = "pending"
	ChallengeStatusProcessing ChallengeStatus = "processing"
	ChallengeStatusValid      ChallengeStatus = "valid"
	ChallengeStatusInvalid    ChallengeStatus = "invalid"
)

// Challenge is an RFC 8555 8 challenge object. All challenge types defined
// by RFC 8555 and RFC 8737 carry a token.
type Challenge struct {
	Type      ChallengeType   `json:"type"`
	URL       string          `json:"url"`
	Status    ChallengeStatus `json:"status"`
	Token     string          `json:"token,omitempty"`
	Validated *time.Time      `json:"validated,omitempty"`
	Error     *ProblemDetails `json:"error,omitempty"`
}

// ChallengeOffer is a challenge the client needs fulfilled to prove control
// of an identifier.
type ChallengeOffer struct {
	Type             ChallengeType
	Identifier       Identifier
	Token            string
	KeyAuthorization string
}

// ChallengeSolver is called synchronously during issuance. OnChallengeOffered
// returns before the server is asked to validate the challenge;
// OnChallengeWithdrawn is called once validation is over, successful or not.
type ChallengeSolver interface {
	OnChallengeOffered(context.Context, *ChallengeOffer) error
	OnChallengeWithdrawn(context.Context, *ChallengeOffer) error
}

// offer turns an http-01 challenge into an offer for the solver. Tokens end
// up in URL paths, so anything outside the base64url alphabet is rejected
// (RFC 8555 8.3).
func (c *Client) offer(auth *Authorization, challenge *Challenge) (*ChallengeOffer, error) {
	if challenge.Type != ChallengeTypeHTTP01 {
		err := UnsupportedChallengeError{
			Identifier: auth.Identifier,
			Offered:    []ChallengeType{challenge.Type},
			Supported:  []ChallengeType{ChallengeTypeHTTP01},
		}

		return nil, &err
	}

	token := challenge.Token
	if token == "" {
		return nil, fmt.Errorf("missing challenge token")
	}

	if i := strings.IndexFunc(token, isNotBase64URL); i >= 0 {
		return nil, fmt.Errorf("invalid character %q in challenge token",
			token[i])
	}

	offer := ChallengeOffer{
		Type:             challenge.Type,
		Identifier:       auth.Identifier,
		Token:            token,
		KeyAuthorization: KeyAuthorization(token, c.thumbprint),
	}

	return &offer, nil
}

func isNotBase64URL(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return false
	case r == '-' || r == '_':
		return false
	}

	return true
}

func (c *Client) respondToChallenge(ctx context.Context, uri string) error {
	// RFC 8555 7.5.1: the response is an empty JSON object, not an empty
	// payload which would make the request a POST-as-GET request.
	_, err := c.post(ctx, uri, struct{}{}, nil)
	return err
}
