package keeper

import (
	"context"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.n16f.net/certkeeper/pkg/acme"
	"go.n16f.net/certkeeper/pkg/acme/acmetest"
)

type testACMEKeeper struct {
	*Keeper

	Server  *acmetest.Server
	DataDir string
	Address string
}

// newTestACMEKeeper returns a keeper using the default issuer against an
// in-memory CA. The CA validates challenges by fetching the key
// authorization from the responder of the keeper.
func newTestACMEKeeper(t *testing.T) *testACMEKeeper {
	s := acmetest.NewServer(t)

	dataDir := filepath.Join(t.TempDir(), "data")
	port := testFreePort(t)
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	s.ValidateChallenge = acmetest.HTTP01Validator(address)

	cfg := Cfg{
		Issuer: acme.NewIssuer(acme.IssuerCfg{HTTPClient: s.HTTPClient()}),

		DataDir:      dataDir,
		CommonName:   testCommonName,
		Email:        "admin@example.test",
		ServerHost:   "127.0.0.1",
		ServerPort:   port,
		DirectoryURI: s.DirectoryURI(),
	}

	k, err := NewKeeper(cfg)
	require.NoError(t, err)

	tk := testACMEKeeper{
		Keeper: k,

		Server:  s,
		DataDir: dataDir,
		Address: address,
	}

	return &tk
}

func TestEnsureCertificateACME(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	k := newTestACMEKeeper(t)
	k.Server.NbPendingPolls = 1

	pair, err := k.EnsureCertificate(context.Background())
	require.NoError(err)

	assert.Equal(1, k.Server.NbAccounts())
	assert.Equal(1, k.Server.NbOrders())
	assert.Equal(1, k.Server.NbValidations())

	assert.Equal([]string{testCommonName}, pair.Info.DNSNames)

	tlsCert, err := pair.TLSCertificate()
	require.NoError(err)
	require.Len(tlsCert.Certificate, 2)

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	require.NoError(err)
	require.NoError(leaf.CheckSignatureFrom(k.Server.CACertificate()))

	assert.Equal(pair.CertificatePEM,
		testReadFile(t, filepath.Join(k.DataDir, CertificateFileName)))
	testRequirePortClosed(t, k.Address)

	// A fresh certificate is reused without contacting the CA.
	pair2, err := k.EnsureCertificate(context.Background())
	require.NoError(err)

	assert.Equal(1, k.Server.NbOrders())
	assert.Equal(pair.CertificatePEM, pair2.CertificatePEM)

	// Close to expiration, the certificate is renewed with the same
	// account.
	k.Cfg.Now = func() time.Time {
		return time.Now().Add(80 * 24 * time.Hour)
	}

	pair3, err := k.EnsureCertificate(context.Background())
	require.NoError(err)

	assert.Equal(1, k.Server.NbAccounts())
	assert.Equal(2, k.Server.NbOrders())
	assert.NotEqual(pair.CertificatePEM, pair3.CertificatePEM)
	assert.NotEqual(pair.PrivateKeyPEM, pair3.PrivateKeyPEM)
}

func TestEnsureCertificateACMEUnsupportedChallenge(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	k := newTestACMEKeeper(t)
	k.Server.ChallengeTypes = []acme.ChallengeType{acme.ChallengeTypeDNS01}

	_, err := k.EnsureCertificate(context.Background())

	var challengeErr *UnsupportedChallengeTypeError
	require.ErrorAs(err, &challengeErr)
	assert.Equal(acme.ChallengeTypeDNS01, challengeErr.Type)
	assert.Equal([]acme.ChallengeType{acme.ChallengeTypeDNS01},
		challengeErr.Offered)

	var acmeErr *acme.UnsupportedChallengeError
	require.ErrorAs(err, &acmeErr)
	assert.Equal(acme.DNSIdentifier(testCommonName), acmeErr.Identifier)

	assert.Equal(0, k.Server.NbValidations())

	_, err = os.Stat(filepath.Join(k.DataDir, CertificateFileName))
	assert.ErrorIs(err, os.ErrNotExist)

	testRequirePortClosed(t, k.Address)
}

func TestEnsureCertificateACMEValidationFailure(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	k := newTestACMEKeeper(t)

	// The CA looks for the token on a port nothing listens on.
	k.Server.ValidateChallenge = acmetest.HTTP01Validator(
		net.JoinHostPort("127.0.0.1", strconv.Itoa(testFreePort(t))))

	_, err := k.EnsureCertificate(context.Background())
	require.True(acme.IsProblem(err, acme.ErrorTypeIncorrectResponse))

	assert.Equal(1, k.Server.NbValidations())

	_, err = os.Stat(filepath.Join(k.DataDir, PrivateKeyFileName))
	assert.ErrorIs(err, os.ErrNotExist)

	testRequirePortClosed(t, k.Address)
}
