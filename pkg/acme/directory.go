package acme

import (
	"context"
	"fmt"
	"net/http"

	"go.n16f.net/log"
)

const (
	LetsEncryptProductionDirectoryURI = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStagingDirectoryURI    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// ResolveDirectoryURI returns the directory to use for issuance: the override
// if there is one, else the Let's Encrypt production or staging directory.
func ResolveDirectoryURI(production bool, override string) string {
	if override != "" {
		return override
	}

	if production {
		return LetsEncryptProductionDirectoryURI
	}

	return LetsEncryptStagingDirectoryURI
}

// RFC 8555 7.1.1. Directory
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	NewAuthz   string `json:"newAuthz,omitempty"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`

	Meta DirectoryMetadata `json:"meta"`
}

type DirectoryMetadata struct {
	TermsOfService          string   `json:"termsOfService,omitempty"`
	Website                 string   `json:"website,omitempty"`
	CAAIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// FetchDirectory reads a directory without registering any account.
func FetchDirectory(ctx context.Context, httpClient *http.Client, uri string) (*Directory, error) {
	if httpClient == nil {
		httpClient = NewHTTPClient(nil)
	}

	c := Client{
		Log: log.DefaultLogger("acme"),
		Cfg: ClientCfg{
			UserAgent:    DefaultUserAgent,
			DirectoryURI: uri,
		},

		httpClient: httpClient,
	}

	if err := c.updateDirectory(ctx); err != nil {
		return nil, err
	}

	return c.Directory, nil
}

func (c *Client) updateDirectory(ctx context.Context) error {
	c.Log.Debug(1, "updating directory from %q", c.Cfg.DirectoryURI)

	var d Directory

	if _, err := c.get(ctx, c.Cfg.DirectoryURI, &d); err != nil {
		return fmt.Errorf("cannot fetch %q: %w", c.Cfg.DirectoryURI, err)
	}

	if d.NewNonce == "" || d.NewAccount == "" || d.NewOrder == "" {
		return fmt.Errorf("incomplete directory at %q", c.Cfg.DirectoryURI)
	}

	c.Directory = &d

	return nil
}
