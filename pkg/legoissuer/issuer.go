package legoissuer

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	legolog "github.com/go-acme/lego/v4/log"
	"github.com/go-acme/lego/v4/registration"
	"go.n16f.net/certkeeper/pkg/acme"
	"go.n16f.net/log"
)

type IssuerCfg struct {
	Log        *log.Logger  `json:"-"`
	HTTPClient *http.Client `json:"-"`

	UserAgent string `json:"user_agent"`
}

// Issuer obtains certificates with the lego ACME client. Challenges are
// forwarded to the challenge solver of each request, so it can be used in
// place of acme.Issuer.
type Issuer struct {
	Cfg IssuerCfg
	Log *log.Logger

	newClient clientFactory
}

// SetLogger redirects the messages of lego to logger. The lego logger is a
// process-wide variable: it is not set by NewIssuer, programs call SetLogger
// once during initialization.
func SetLogger(logger *log.Logger) {
	legolog.Logger = logger.StdLogger(log.LevelInfo)
}

func NewIssuer(cfg IssuerCfg) *Issuer {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("lego")
	}

	iss := Issuer{
		Cfg: cfg,
		Log: cfg.Log,

		newClient: newLegoClient,
	}

	return &iss
}

func (iss *Issuer) Issue(ctx context.Context, req *acme.IssuanceRequest) ([]*x509.Certificate, error) {
	if err := req.Check(); err != nil {
		return nil, fmt.Errorf("invalid issuance request: %w", err)
	}

	if !slices.Contains(req.ChallengeTypes, acme.ChallengeTypeHTTP01) {
		return nil, fmt.Errorf("no supported challenge type in %v",
			req.ChallengeTypes)
	}

	csr, err := x509.ParseCertificateRequest(req.CSR)
	if err != nil {
		return nil, fmt.Errorf("cannot parse certificate request: %w", err)
	}

	user := accountUser{
		email: contactEmail(req.ContactURIs),
		key:   req.AccountKey,
	}

	legoCfg := lego.NewConfig(&user)
	legoCfg.CADirURL = req.DirectoryURI

	if iss.Cfg.UserAgent != "" {
		legoCfg.UserAgent = iss.Cfg.UserAgent
	}

	if iss.Cfg.HTTPClient != nil {
		legoCfg.HTTPClient = iss.Cfg.HTTPClient
	}

	client, err := iss.newClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create client: %w", err)
	}

	provider := challengeProvider{
		ctx:    ctx,
		log:    iss.Log,
		solver: req.ChallengeSolver,
	}

	if err := client.SetHTTP01Provider(&provider); err != nil {
		return nil, fmt.Errorf("cannot set HTTP-01 provider: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iss.Log.Debug(1, "registering account at %q", req.DirectoryURI)

	regOpts := registration.RegisterOptions{
		TermsOfServiceAgreed: req.TermsOfServiceAgreed,
	}

	user.registration, err = client.Register(regOpts)
	if err != nil {
		return nil, fmt.Errorf("cannot register account: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iss.Log.Debug(1, "obtaining certificate for %v", csr.DNSNames)

	res, err := client.ObtainForCSR(certificate.ObtainForCSRRequest{
		CSR:    csr,
		Bundle: true,
	})
	if err != nil {
		if provider.err != nil {
			return nil, provider.err
		}

		return nil, fmt.Errorf("cannot obtain certificate: %w", err)
	}

	chain, err := acme.DecodePEMCertificateChain(res.Certificate)
	if err != nil {
		return nil, fmt.Errorf("cannot decode certificate chain: %w", err)
	}

	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}

	return chain, nil
}

func contactEmail(uris []string) string {
	for _, uri := range uris {
		if email, found := strings.CutPrefix(uri, "mailto:"); found {
			return email
		}
	}

	return ""
}

// challengeProvider implements lego's challenge.Provider on top of a
// challenge solver.
type challengeProvider struct {
	ctx    context.Context
	log    *log.Logger
	solver acme.ChallengeSolver

	// The first error returned by the solver. Lego wraps provider errors in
	// its own error types, we want the original one.
	err error
}

var _ challenge.Provider = (*challengeProvider)(nil)

func (p *challengeProvider) offer(domain, token, keyAuth string) *acme.ChallengeOffer {
	return &acme.ChallengeOffer{
		Type:             acme.ChallengeTypeHTTP01,
		Identifier:       acme.DNSIdentifier(domain),
		Token:            token,
		KeyAuthorization: keyAuth,
	}
}

func (p *challengeProvider) Present(domain, token, keyAuth string) error {
	err := p.solver.OnChallengeOffered(p.ctx, p.offer(domain, token, keyAuth))
	if err != nil && p.err == nil {
		p.err = err
	}

	return err
}

func (p *challengeProvider) CleanUp(domain, token, keyAuth string) error {
	err := p.solver.OnChallengeWithdrawn(p.ctx, p.offer(domain, token, keyAuth))
	if err != nil {
		p.log.Error("cannot withdraw challenge for %q: %v", domain, err)
	}

	return err
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

type clientFactory func(*lego.Config) (legoClient, error)

type legoClient interface {
	Register(registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(challenge.Provider) error
	ObtainForCSR(certificate.ObtainForCSRRequest) (*certificate.Resource, error)
}

func newLegoClient(cfg *lego.Config) (legoClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (a *legoClientAdapter) Register(opts registration.RegisterOptions) (*registration.Resource, error) {
	return a.client.Registration.Register(opts)
}

func (a *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return a.client.Challenge.SetHTTP01Provider(provider)
}

func (a *legoClientAdapter) ObtainForCSR(req certificate.ObtainForCSRRequest) (*certificate.Resource, error) {
	return a.client.Certificate.ObtainForCSR(req)
}
