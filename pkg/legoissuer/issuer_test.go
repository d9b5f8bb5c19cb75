package legoissuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	legolog "github.com/go-acme/lego/v4/log"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.n16f.net/certkeeper/pkg/acme"
	"go.n16f.net/log"
)

type testSolver struct {
	offered   []*acme.ChallengeOffer
	withdrawn []*acme.ChallengeOffer

	offerErr error
}

func (s *testSolver) OnChallengeOffered(ctx context.Context, offer *acme.ChallengeOffer) error {
	s.offered = append(s.offered, offer)
	return s.offerErr
}

func (s *testSolver) OnChallengeWithdrawn(ctx context.Context, offer *acme.ChallengeOffer) error {
	s.withdrawn = append(s.withdrawn, offer)
	return nil
}

type testClient struct {
	cfg      *lego.Config
	provider challenge.Provider
	regOpts  registration.RegisterOptions

	registerErr error
}

func (c *testClient) Register(opts registration.RegisterOptions) (*registration.Resource, error) {
	c.regOpts = opts

	if c.registerErr != nil {
		return nil, c.registerErr
	}

	return &registration.Resource{URI: "https://acme.example.test/account/1"}, nil
}

func (c *testClient) SetHTTP01Provider(provider challenge.Provider) error {
	c.provider = provider
	return nil
}

func (c *testClient) ObtainForCSR(req certificate.ObtainForCSRRequest) (*certificate.Resource, error) {
	domain := req.CSR.DNSNames[0]

	if err := c.provider.Present(domain, "token1", "token1.thumbprint"); err != nil {
		return nil, errors.New("acme: error presenting token")
	}

	if err := c.provider.CleanUp(domain, "token1", "token1.thumbprint"); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     req.CSR.DNSNames,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}

	data, err := x509.CreateCertificate(rand.Reader, &template, &template,
		req.CSR.PublicKey, key)
	if err != nil {
		return nil, err
	}

	res := certificate.Resource{
		Domain: domain,
		Certificate: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: data,
		}),
	}

	return &res, nil
}

func newTestIssuer(client *testClient) *Issuer {
	iss := NewIssuer(IssuerCfg{UserAgent: "certkeeper-test"})

	iss.newClient = func(cfg *lego.Config) (legoClient, error) {
		client.cfg = cfg
		return client, nil
	}

	return iss
}

func newTestRequest(t *testing.T, solver acme.ChallengeSolver) *acme.IssuanceRequest {
	accountKey, err := acme.GenerateECDSAP256PrivateKey()
	require.NoError(t, err)

	key, err := acme.GenerateECDSAP256PrivateKey()
	require.NoError(t, err)

	ids := []acme.Identifier{acme.DNSIdentifier("example.test")}

	csr, err := acme.GenerateCSR(ids, key)
	require.NoError(t, err)

	req := acme.IssuanceRequest{
		DirectoryURI:         acme.PebbleDirectoryURI,
		AccountKey:           accountKey,
		ContactURIs:          []string{"mailto:admin@example.test"},
		TermsOfServiceAgreed: true,

		Identifiers: ids,
		CSR:         csr,

		ChallengeTypes:  []acme.ChallengeType{acme.ChallengeTypeHTTP01},
		ChallengeSolver: solver,
	}

	return &req
}

func TestIssue(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	var client testClient
	var solver testSolver

	iss := newTestIssuer(&client)
	req := newTestRequest(t, &solver)

	chain, err := iss.Issue(context.Background(), req)
	require.NoError(err)
	require.Len(chain, 1)
	assert.Equal([]string{"example.test"}, chain[0].DNSNames)

	assert.Equal(acme.PebbleDirectoryURI, client.cfg.CADirURL)
	assert.Equal("certkeeper-test", client.cfg.UserAgent)
	assert.Equal("admin@example.test", client.cfg.User.GetEmail())
	assert.Equal(req.AccountKey, client.cfg.User.GetPrivateKey())
	assert.True(client.regOpts.TermsOfServiceAgreed)

	expectedOffer := acme.ChallengeOffer{
		Type:             acme.ChallengeTypeHTTP01,
		Identifier:       acme.DNSIdentifier("example.test"),
		Token:            "token1",
		KeyAuthorization: "token1.thumbprint",
	}

	require.Len(solver.offered, 1)
	assert.Equal(expectedOffer, *solver.offered[0])
	require.Len(solver.withdrawn, 1)
	assert.Equal(expectedOffer, *solver.withdrawn[0])
}

func TestIssueSolverError(t *testing.T) {
	solverErr := errors.New("unsupported challenge")

	var client testClient
	solver := testSolver{offerErr: solverErr}

	iss := newTestIssuer(&client)

	_, err := iss.Issue(context.Background(), newTestRequest(t, &solver))
	require.ErrorIs(t, err, solverErr)
}

func TestIssueRegistrationError(t *testing.T) {
	registerErr := errors.New("terms of service not agreed")

	client := testClient{registerErr: registerErr}
	var solver testSolver

	iss := newTestIssuer(&client)

	_, err := iss.Issue(context.Background(), newTestRequest(t, &solver))
	require.ErrorIs(t, err, registerErr)
	assert.Empty(t, solver.offered)
}

func TestIssueNoHTTP01(t *testing.T) {
	var client testClient
	var solver testSolver

	iss := newTestIssuer(&client)

	req := newTestRequest(t, &solver)
	req.ChallengeTypes = []acme.ChallengeType{acme.ChallengeTypeDNS01}

	_, err := iss.Issue(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, client.cfg)
}

func TestIssueCancelled(t *testing.T) {
	var client testClient
	var solver testSolver

	iss := newTestIssuer(&client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := iss.Issue(ctx, newTestRequest(t, &solver))
	require.ErrorIs(t, err, context.Canceled)
}

func TestContactEmail(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("", contactEmail(nil))
	assert.Equal("a@example.test",
		contactEmail([]string{"tel:+33100000000", "mailto:a@example.test"}))
}

func TestNewIssuerKeepsLegoLogger(t *testing.T) {
	previous := legolog.Logger
	t.Cleanup(func() { legolog.Logger = previous })

	NewIssuer(IssuerCfg{})
	NewIssuer(IssuerCfg{Log: log.DefaultLogger("other")})
	assert.True(t, legolog.Logger == previous)

	SetLogger(log.DefaultLogger("lego"))
	assert.False(t, legolog.Logger == previous)
}
