package acme

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

type AuthorizationStatus string

const (
	AuthorizationStatusPending     AuthorizationStatus = "pending"
	AuthorizationStatusValid       AuthorizationStatus = "valid"
	AuthorizationStatusInvalid     AuthorizationStatus = "invalid"
	AuthorizationStatusDeactivated AuthorizationStatus = "deactivated"
	AuthorizationStatusExpired     AuthorizationStatus = "expired"
	AuthorizationStatusRevoked     AuthorizationStatus = "revoked"
)

type Authorization struct {
	Identifier Identifier          `json:"identifier"`
	Status     AuthorizationStatus `json:"status"`
	Expires    *time.Time          `json:"expires,omitempty"`
	Challenges []*Challenge        `json:"challenges"`
}

// preferredChallenge returns the challenge whose type comes first in the
// list of accepted types, or nil if no challenge has an accepted type.
func (a *Authorization) preferredChallenge(accepted []ChallengeType) *Challenge {
	for _, cType := range accepted {
		i := slices.IndexFunc(a.Challenges, func(ch *Challenge) bool {
			return ch.Type == cType
		})

		if i >= 0 {
			return a.Challenges[i]
		}
	}

	return nil
}

func (a *Authorization) offeredTypes() []ChallengeType {
	types := make([]ChallengeType, 0, len(a.Challenges))
	for _, ch := range a.Challenges {
		types = append(types, ch.Type)
	}

	return types
}

// validationError returns the error reported by the server for the failed
// challenge of an invalid authorization.
func (a *Authorization) validationError() error {
	for _, ch := range a.Challenges {
		if ch.Error != nil {
			return ch.Error
		}
	}

	return errors.New("authorization is invalid")
}

func (c *Client) fetchAuthorization(ctx context.Context, uri string) (*Authorization, error) {
	var auth Authorization
	if _, err := c.postAsGet(ctx, uri, &auth); err != nil {
		return nil, err
	}

	return &auth, nil
}

// awaitAuthorization polls an authorization until the server is done
// validating the challenge submitted for it (RFC 8555 7.5.1).
func (c *Client) awaitAuthorization(ctx context.Context, uri string) error {
	_, err := poll(ctx, c, uri, func(auth *Authorization) (bool, error) {
		switch auth.Status {
		case AuthorizationStatusValid:
			return true, nil
		case AuthorizationStatusPending:
			return false, nil
		case AuthorizationStatusInvalid:
			return false, auth.validationError()
		}

		return false, fmt.Errorf("authorization is %s", auth.Status)
	})

	return err
}
