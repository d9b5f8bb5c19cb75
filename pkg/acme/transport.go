package acme

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var errMissingLocation = errors.New("missing or empty Location header field")

// NewHTTPClient returns an HTTP client suitable for ACME requests. If
// caCertPool is not nil, it replaces the system pool to verify the server,
// e.g. for Pebble.
func NewHTTPClient(caCertPool *x509.CertPool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: caCertPool}
	transport.MaxIdleConns = 10
	transport.IdleConnTimeout = time.Minute

	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
}

func (c *Client) nbNonceAttempts() int {
	// Pebble rejects a fraction of all nonces on purpose.
	if c.Cfg.DirectoryURI == PebbleDirectoryURI {
		return 100
	}

	return 3
}

// post sends a signed request. A nil payload is sent as an empty string,
// turning the request into a POST-as-GET request (RFC 8555 6.3). Requests
// rejected with a badNonce error are retried with a fresh nonce.
func (c *Client) post(ctx context.Context, uri string, payload, result any) (*http.Response, error) {
	body := []byte{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot encode request body: %w", err)
		}

		body = data
	}

	var res *http.Response
	var err error

	for range c.nbNonceAttempts() {
		res, err = c.postWithNonce(ctx, uri, body, result)
		if !IsProblem(err, ErrorTypeBadNonce) {
			break
		}

		c.Log.Debug(1, "nonce rejected for %s, retrying", uri)
	}

	return res, err
}

func (c *Client) postAsGet(ctx context.Context, uri string, result any) (*http.Response, error) {
	return c.post(ctx, uri, nil, result)
}

func (c *Client) postWithNonce(ctx context.Context, uri string, body []byte, result any) (*http.Response, error) {
	nonce, err := c.nonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot obtain nonce: %w", err)
	}

	jws, err := signJWS(c.account, uri, nonce, body)
	if err != nil {
		return nil, fmt.Errorf("cannot sign request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, uri, bytes.NewReader(jws))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/jose+json")

	return c.do(req, result)
}

func (c *Client) get(ctx context.Context, uri string, result any) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}

	return c.do(req, result)
}

func (c *Client) newRequest(ctx context.Context, method, uri string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	req.Header.Set("User-Agent", c.Cfg.UserAgent)

	return req, nil
}

func (c *Client) do(req *http.Request, result any) (*http.Response, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.Log.Debug(2, "%s %s %d", req.Method, req.URL, res.StatusCode)

	// Nonces obtained with HEAD requests are used right away by the caller.
	if req.Method != http.MethodHead {
		if nonce := res.Header.Get("Replay-Nonce"); nonce != "" {
			c.nonces.put(nonce)
		}
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res, fmt.Errorf("cannot read response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return res, responseError(res.StatusCode, data)
	}

	switch dest := result.(type) {
	case nil:
	case *[]byte:
		*dest = data
	default:
		if err := json.Unmarshal(data, dest); err != nil {
			return res, fmt.Errorf("cannot decode response body: %w", err)
		}
	}

	return res, nil
}

func responseError(status int, data []byte) error {
	var p ProblemDetails
	if err := json.Unmarshal(data, &p); err != nil || p.Type == "" {
		return fmt.Errorf("request failed with status %d: %s",
			status, bytes.TrimSpace(data))
	}

	if p.Status == 0 {
		p.Status = status
	}

	return &p
}
