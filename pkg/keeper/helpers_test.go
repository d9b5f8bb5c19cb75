package keeper

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.n16f.net/certkeeper/pkg/acme"
)

const testCommonName = "example.test"

func intPtr(i int) *int {
	return &i
}

func testFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func testGenerateKey(t *testing.T) crypto.Signer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return key
}

func testEncodeKey(t *testing.T, key crypto.Signer) []byte {
	t.Helper()

	data, err := acme.EncodePEMPrivateKey(key)
	require.NoError(t, err)

	return data
}

// testSelfSignedPair returns a PEM encoded private key and certificate for a
// set of DNS names.
func testSelfSignedPair(t *testing.T, names []string, notAfter time.Time) *StoredKeyPair {
	t.Helper()

	key := testGenerateKey(t)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}

	certData, err := x509.CreateCertificate(rand.Reader, &template, &template,
		key.Public(), key)
	require.NoError(t, err)

	pair := StoredKeyPair{
		PrivateKeyData: testEncodeKey(t, key),
		CertificateData: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: certData,
		}),
	}

	return &pair
}

func testWriteKeyPair(t *testing.T, dirPath string, pair *StoredKeyPair) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dirPath, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dirPath, PrivateKeyFileName),
		pair.PrivateKeyData, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dirPath, CertificateFileName),
		pair.CertificateData, 0600))
}

func testReadFile(t *testing.T, filePath string) []byte {
	t.Helper()

	data, err := os.ReadFile(filePath)
	require.NoError(t, err)

	return data
}

func testRequirePortClosed(t *testing.T, address string) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", address, time.Second)
	if err == nil {
		conn.Close()
		t.Fatalf("%q is still accepting connections", address)
	}
}

// testIssuer plays the part of an ACME server: it offers a HTTP-01 challenge,
// fetches the key authorization from the responder, withdraws the challenge
// and signs the certificate request with its own CA.
type testIssuer struct {
	t *testing.T

	responderAddress string
	validity         time.Duration

	challengeType      acme.ChallengeType
	skipWithdrawal     bool
	failAfterOffer     error
	skipChallengeFetch bool

	caKey  crypto.Signer
	caCert *x509.Certificate

	mutex    sync.Mutex
	nbCalls  int
	requests []*acme.IssuanceRequest
	bodies   []string
}

func newTestIssuer(t *testing.T, responderAddress string) *testIssuer {
	caKey := testGenerateKey(t)

	caTemplate := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "certkeeper test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}

	caData, err := x509.CreateCertificate(rand.Reader, &caTemplate,
		&caTemplate, caKey.Public(), caKey)
	require.NoError(t, err)

	caCert, err := x509.ParseCertificate(caData)
	require.NoError(t, err)

	iss := testIssuer{
		t: t,

		responderAddress: responderAddress,
		validity:         90 * 24 * time.Hour,

		challengeType: acme.ChallengeTypeHTTP01,

		caKey:  caKey,
		caCert: caCert,
	}

	return &iss
}

func (iss *testIssuer) NbCalls() int {
	iss.mutex.Lock()
	defer iss.mutex.Unlock()

	return iss.nbCalls
}

func (iss *testIssuer) Bodies() []string {
	iss.mutex.Lock()
	defer iss.mutex.Unlock()

	return append([]string(nil), iss.bodies...)
}

func (iss *testIssuer) Issue(ctx context.Context, req *acme.IssuanceRequest) ([]*x509.Certificate, error) {
	iss.mutex.Lock()
	iss.nbCalls++
	iss.requests = append(iss.requests, req)
	iss.mutex.Unlock()

	if err := req.Check(); err != nil {
		return nil, err
	}

	token := "token-" + strconv.Itoa(iss.NbCalls())

	offer := acme.ChallengeOffer{
		Type:             iss.challengeType,
		Identifier:       req.Identifiers[0],
		Token:            token,
		KeyAuthorization: token + ".thumbprint",
	}

	if err := req.ChallengeSolver.OnChallengeOffered(ctx, &offer); err != nil {
		return nil, err
	}

	if iss.failAfterOffer != nil {
		return nil, iss.failAfterOffer
	}

	if !iss.skipChallengeFetch {
		body, err := iss.fetchKeyAuthorization(token)
		if err != nil {
			return nil, err
		}

		iss.mutex.Lock()
		iss.bodies = append(iss.bodies, body)
		iss.mutex.Unlock()

		if body != offer.KeyAuthorization {
			return nil, fmt.Errorf("invalid key authorization %q", body)
		}
	}

	if !iss.skipWithdrawal {
		err := req.ChallengeSolver.OnChallengeWithdrawn(ctx, &offer)
		if err != nil {
			return nil, err
		}
	}

	return iss.sign(req.CSR)
}

func (iss *testIssuer) fetchKeyAuthorization(token string) (string, error) {
	uri := "http://" + iss.responderAddress +
		"/.well-known/acme-challenge/" + token

	res, err := http.Get(uri)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}

	if res.StatusCode != 200 {
		return "", fmt.Errorf("request to %q failed with status %d",
			uri, res.StatusCode)
	}

	return string(body), nil
}

func (iss *testIssuer) sign(csrData []byte) ([]*x509.Certificate, error) {
	csr, err := x509.ParseCertificateRequest(csrData)
	if err != nil {
		return nil, err
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}

	if len(csr.DNSNames) == 0 {
		return nil, errors.New("no DNS name in certificate request")
	}

	now := time.Now()

	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:     csr.DNSNames,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(iss.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	data, err := x509.CreateCertificate(rand.Reader, &template, iss.caCert,
		csr.PublicKey, iss.caKey)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, err
	}

	return []*x509.Certificate{cert, iss.caCert}, nil
}

type testKeeper struct {
	*Keeper

	Issuer  *testIssuer
	DataDir string
	Address string
}

func newTestKeeper(t *testing.T) *testKeeper {
	dataDir := filepath.Join(t.TempDir(), "data")
	port := testFreePort(t)
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	issuer := newTestIssuer(t, address)

	cfg := Cfg{
		Issuer: issuer,

		DataDir:    dataDir,
		CommonName: testCommonName,
		Email:      "admin@example.test",
		ServerHost: "127.0.0.1",
		ServerPort: port,
	}

	k, err := NewKeeper(cfg)
	require.NoError(t, err)

	tk := testKeeper{
		Keeper: k,

		Issuer:  issuer,
		DataDir: dataDir,
		Address: address,
	}

	return &tk
}
