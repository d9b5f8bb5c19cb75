package acme

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// noncePool holds the Replay-Nonce values returned by the server so that most
// requests do not need a round trip to the newNonce endpoint.
type noncePool struct {
	mutex  sync.Mutex
	nonces []string
}

func (p *noncePool) put(nonce string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.nonces = append(p.nonces, nonce)
}

func (p *noncePool) take() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.nonces) == 0 {
		return "", false
	}

	nonce := p.nonces[0]
	p.nonces = p.nonces[1:]

	return nonce, true
}

func (c *Client) nonce(ctx context.Context) (string, error) {
	if nonce, found := c.nonces.take(); found {
		return nonce, nil
	}

	req, err := c.newRequest(ctx, http.MethodHead, c.Directory.NewNonce, nil)
	if err != nil {
		return "", err
	}

	res, err := c.do(req, nil)
	if err != nil {
		return "", fmt.Errorf("cannot fetch nonce: %w", err)
	}

	nonce := res.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", errors.New("missing or empty Replay-Nonce header field")
	}

	return nonce, nil
}
