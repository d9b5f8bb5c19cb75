package acme

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"go.n16f.net/log"
)

// IssuanceRequest contains everything needed to obtain a certificate for a
// CSR, from account registration to certificate download.
type IssuanceRequest struct {
	DirectoryURI         string
	AccountKey           crypto.Signer
	ContactURIs          []string
	TermsOfServiceAgreed bool

	Identifiers []Identifier
	CSR         []byte // DER

	// Challenge types the solver can handle, by decreasing priority.
	ChallengeTypes  []ChallengeType
	ChallengeSolver ChallengeSolver
}

func (req *IssuanceRequest) Check() error {
	if req.DirectoryURI == "" {
		return errors.New("missing directory URI")
	}

	if req.AccountKey == nil {
		return errors.New("missing account key")
	}

	if len(req.Identifiers) == 0 {
		return errors.New("missing identifiers")
	}

	if len(req.CSR) == 0 {
		return errors.New("missing certificate request")
	}

	if len(req.ChallengeTypes) == 0 {
		return errors.New("missing challenge types")
	}

	if req.ChallengeSolver == nil {
		return errors.New("missing challenge solver")
	}

	return nil
}

type IssuerCfg struct {
	Log        *log.Logger  `json:"-"`
	HTTPClient *http.Client `json:"-"`

	UserAgent string `json:"user_agent"`
}

// Issuer runs the complete RFC 8555 issuance flow, one request at a time.
type Issuer struct {
	Cfg IssuerCfg
	Log *log.Logger
}

func NewIssuer(cfg IssuerCfg) *Issuer {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("acme")
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(nil)
	}

	iss := Issuer{
		Cfg: cfg,
		Log: cfg.Log,
	}

	return &iss
}

func (iss *Issuer) Issue(ctx context.Context, req *IssuanceRequest) ([]*x509.Certificate, error) {
	if err := req.Check(); err != nil {
		return nil, fmt.Errorf("invalid issuance request: %w", err)
	}

	clientCfg := ClientCfg{
		Log:        iss.Log,
		HTTPClient: iss.Cfg.HTTPClient,
		AccountKey: req.AccountKey,

		UserAgent:            iss.Cfg.UserAgent,
		DirectoryURI:         req.DirectoryURI,
		ContactURIs:          req.ContactURIs,
		TermsOfServiceAgreed: req.TermsOfServiceAgreed,
	}

	client, err := NewClient(ctx, clientCfg)
	if err != nil {
		return nil, err
	}
	defer client.Stop()

	return client.Issue(ctx, req)
}

// Issue orders a certificate for the identifiers and CSR of the request using
// the account of the client.
func (c *Client) Issue(ctx context.Context, req *IssuanceRequest) ([]*x509.Certificate, error) {
	w := orderWorker{
		Log:    c.Log,
		Client: c,

		ctx: ctx,
		req: req,
	}

	return w.run()
}

type orderWorker struct {
	Log    *log.Logger
	Client *Client

	ctx      context.Context
	req      *IssuanceRequest
	orderURI string
}

func (w *orderWorker) run() ([]*x509.Certificate, error) {
	uri, order, err := w.Client.createOrder(w.ctx, slices.Clone(w.req.Identifiers))
	if err != nil {
		return nil, fmt.Errorf("cannot submit order: %w", err)
	}

	w.Log.Info("order %q created", uri)
	w.orderURI = uri

	for _, authURI := range order.Authorizations {
		if err := w.authorize(authURI); err != nil {
			return nil, err
		}
	}

	certificateURI, err := w.finalize()
	if err != nil {
		return nil, fmt.Errorf("cannot finalize order: %w", err)
	}

	chain, err := w.Client.downloadCertificate(w.ctx, certificateURI)
	if err != nil {
		return nil, fmt.Errorf("cannot download certificate: %w", err)
	}

	w.Log.Info("certificate downloaded")

	return chain, nil
}

func (w *orderWorker) authorize(authURI string) error {
	auth, err := w.Client.fetchAuthorization(w.ctx, authURI)
	if err != nil {
		return fmt.Errorf("cannot fetch authorization: %w", err)
	}

	if auth.Status == AuthorizationStatusValid {
		w.Log.Info("authorization %q already valid", auth.Identifier)
		return nil
	}

	challenge := auth.preferredChallenge(w.req.ChallengeTypes)
	if challenge == nil {
		return &UnsupportedChallengeError{
			Identifier: auth.Identifier,
			Offered:    auth.offeredTypes(),
			Supported:  slices.Clone(w.req.ChallengeTypes),
		}
	}

	w.Log.Info("solving challenge %q for %q", challenge.Type, auth.Identifier)

	if err := w.solve(auth, challenge, authURI); err != nil {
		return fmt.Errorf("cannot validate authorization %q: %w",
			auth.Identifier, err)
	}

	w.Log.Info("authorization %q valid", auth.Identifier)

	return nil
}

// solve offers the challenge to the solver, asks the server to validate it
// and waits for the verdict. The offer is always withdrawn once it has been
// accepted, and a withdrawal failure only surfaces when nothing else failed.
func (w *orderWorker) solve(auth *Authorization, challenge *Challenge, authURI string) (err error) {
	offer, err := w.Client.offer(auth, challenge)
	if err != nil {
		return err
	}

	solver := w.req.ChallengeSolver

	if err := solver.OnChallengeOffered(w.ctx, offer); err != nil {
		return err
	}

	defer func() {
		if err2 := solver.OnChallengeWithdrawn(w.ctx, offer); err2 != nil {
			if err == nil {
				err = fmt.Errorf("cannot withdraw challenge: %w", err2)
			} else {
				w.Log.Error("cannot withdraw challenge: %v", err2)
			}
		}
	}()

	if err := w.Client.respondToChallenge(w.ctx, challenge.URL); err != nil {
		return fmt.Errorf("cannot submit challenge: %w", err)
	}

	return w.Client.awaitAuthorization(w.ctx, authURI)
}

func (w *orderWorker) finalize() (string, error) {
	order, err := w.Client.awaitOrder(w.ctx, w.orderURI,
		OrderStatusReady, OrderStatusPending)
	if err != nil {
		return "", err
	}

	if err := w.Client.finalizeOrder(w.ctx, order.Finalize, w.req.CSR); err != nil {
		return "", err
	}

	w.Log.Info("order finalized")

	order, err = w.Client.awaitOrder(w.ctx, w.orderURI,
		OrderStatusValid, OrderStatusReady, OrderStatusProcessing)
	if err != nil {
		return "", err
	}

	if order.Certificate == "" {
		return "", errors.New("valid order does not contain a certificate URI")
	}

	return order.Certificate, nil
}
