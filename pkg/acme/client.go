package acme

import (
	"context"
	"crypto"
	"fmt"
	"net/http"

	"go.n16f.net/log"
)

const DefaultUserAgent = "certkeeper (https://go.n16f.net/certkeeper)"

type ClientCfg struct {
	Log        *log.Logger   `json:"-"`
	HTTPClient *http.Client  `json:"-"`
	AccountKey crypto.Signer `json:"-"`

	UserAgent            string   `json:"user_agent"`
	DirectoryURI         string   `json:"directory_uri"`
	ContactURIs          []string `json:"contact_uris"`
	TermsOfServiceAgreed bool     `json:"terms_of_service_agreed"`
}

// Client is a minimal RFC 8555 client bound to a single account. The account
// is created, or looked up if the key is already registered, when the client
// is created.
type Client struct {
	Log       *log.Logger
	Cfg       ClientCfg
	Directory *Directory

	httpClient *http.Client
	nonces     noncePool
	account    *AccountData
	thumbprint string
}

func NewClient(ctx context.Context, cfg ClientCfg) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("acme")
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(nil)
	}

	if cfg.AccountKey == nil {
		return nil, fmt.Errorf("missing account key")
	}

	if cfg.DirectoryURI == "" {
		return nil, fmt.Errorf("missing directory URI")
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := Client{
		Log: cfg.Log,
		Cfg: cfg,

		httpClient: cfg.HTTPClient,
	}

	if err := c.updateDirectory(ctx); err != nil {
		return nil, fmt.Errorf("cannot update directory: %w", err)
	}

	if err := c.register(ctx); err != nil {
		return nil, fmt.Errorf("cannot register account: %w", err)
	}

	thumbprint, err := c.account.Thumbprint()
	if err != nil {
		return nil, fmt.Errorf("cannot compute account key thumbprint: %w", err)
	}

	c.thumbprint = thumbprint

	return &c, nil
}

func (c *Client) Stop() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) AccountURI() string {
	return c.account.URI
}
