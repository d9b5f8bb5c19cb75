package acme

import (
	"context"
	"fmt"
	"net/http"
)

const AccountStatusValid = "valid"

// RFC 8555 7.3. Account Management
type NewAccount struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

type Account struct {
	Status               string   `json:"status"`
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	Orders               string   `json:"orders,omitempty"`
}

// register binds the client to the account of its key. A server which
// already knows the key answers with the existing account instead of
// creating a new one, so registering is idempotent.
func (c *Client) register(ctx context.Context) error {
	c.account = &AccountData{PrivateKey: c.Cfg.AccountKey}

	newAccount := NewAccount{
		Contact:              c.Cfg.ContactURIs,
		TermsOfServiceAgreed: c.Cfg.TermsOfServiceAgreed,
	}

	var account Account

	res, err := c.post(ctx, c.Directory.NewAccount, &newAccount, &account)
	if err != nil {
		return err
	}

	uri := res.Header.Get("Location")
	if uri == "" {
		return errMissingLocation
	}

	if account.Status != "" && account.Status != AccountStatusValid {
		return fmt.Errorf("account %q is %s", uri, account.Status)
	}

	if res.StatusCode == http.StatusCreated {
		c.Log.Info("account %q created", uri)
	} else {
		c.Log.Info("using existing account %q", uri)
	}

	c.account.URI = uri

	return nil
}
