package acme

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusReady      OrderStatus = "ready"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusValid      OrderStatus = "valid"
	OrderStatusInvalid    OrderStatus = "invalid"
)

type IdentifierType string

const IdentifierTypeDNS IdentifierType = "dns"

type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

func DNSIdentifier(value string) Identifier {
	return Identifier{Type: IdentifierTypeDNS, Value: value}
}

func (id Identifier) String() string {
	return string(id.Type) + ":" + id.Value
}

// NewOrder never carries notBefore or notAfter since Let's Encrypt rejects
// orders using them.
type NewOrder struct {
	Identifiers []Identifier `json:"identifiers"`
}

type Order struct {
	Status         OrderStatus     `json:"status"`
	Expires        *time.Time      `json:"expires,omitempty"`
	Identifiers    []Identifier    `json:"identifiers"`
	Error          *ProblemDetails `json:"error,omitempty"`
	Authorizations []string        `json:"authorizations"`
	Finalize       string          `json:"finalize"`
	Certificate    string          `json:"certificate,omitempty"`
}

type OrderFinalization struct {
	CSR string `json:"csr"`
}

func (c *Client) createOrder(ctx context.Context, ids []Identifier) (string, *Order, error) {
	var order Order

	res, err := c.post(ctx, c.Directory.NewOrder, &NewOrder{Identifiers: ids},
		&order)
	if err != nil {
		return "", nil, err
	}

	uri := res.Header.Get("Location")
	if uri == "" {
		return "", nil, errMissingLocation
	}

	return uri, &order, nil
}

// awaitOrder polls an order until it reaches the target status. Any status
// other than the target or one of the transient ones ends the wait.
func (c *Client) awaitOrder(ctx context.Context, uri string, target OrderStatus, transient ...OrderStatus) (*Order, error) {
	return poll(ctx, c, uri, func(order *Order) (bool, error) {
		switch {
		case order.Status == target:
			return true, nil

		case order.Status == OrderStatusInvalid:
			if order.Error != nil {
				return false, order.Error
			}
			return false, errors.New("order is invalid")

		case slices.Contains(transient, order.Status):
			return false, nil
		}

		return false, fmt.Errorf("unexpected order status %q", order.Status)
	})
}

func (c *Client) finalizeOrder(ctx context.Context, uri string, csr []byte) error {
	finalization := OrderFinalization{
		CSR: base64.RawURLEncoding.EncodeToString(csr),
	}

	_, err := c.post(ctx, uri, &finalization, nil)
	return err
}

func (c *Client) downloadCertificate(ctx context.Context, uri string) ([]*x509.Certificate, error) {
	c.Log.Debug(1, "downloading certificate from %q", uri)

	var data []byte
	if _, err := c.postAsGet(ctx, uri, &data); err != nil {
		return nil, err
	}

	chain, err := DecodePEMCertificateChain(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse certificate chain: %w", err)
	} else if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}

	return chain, nil
}
