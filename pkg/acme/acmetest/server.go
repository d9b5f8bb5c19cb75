// Package acmetest provides an in-memory RFC 8555 server for tests. It handles
// a single order at a time, authenticates requests with go-jose the way a
// real CA does, and signs certificates with its own throwaway CA.
package acmetest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.n16f.net/certkeeper/pkg/acme"
)

// ChallengeToken is the token of every challenge offered by the server.
const ChallengeToken = "Zm9vYmFyLXRlc3QtdG9rZW4"

// ValidationFunc checks that a challenge is fulfilled. keyAuthorization is
// the value expected for the token, derived from the key of the account
// which submitted the challenge.
type ValidationFunc func(token, keyAuthorization string) error

// Server fields must be set before the first request is sent.
type Server struct {
	// Challenge types offered in authorizations, http-01 and dns-01 by
	// default. Only http-01 challenges can be validated.
	ChallengeTypes []acme.ChallengeType

	// Called when an http-01 challenge is submitted. Challenges are
	// accepted without any check when nil.
	ValidateChallenge ValidationFunc

	// Number of badNonce errors returned before accepting requests.
	NbRejectedNonces int

	// Number of times an authorization is still reported as pending after
	// its challenge was submitted.
	NbPendingPolls int

	CertificateValidity time.Duration

	t      testing.TB
	server *httptest.Server

	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	mutex          sync.Mutex
	nonces         map[string]struct{}
	nonceCounter   int
	accountKeys    map[string]*jose.JSONWebKey // account URI -> key
	accountURIs    map[string]string           // thumbprint -> account URI
	nbOrders       int
	nbValidations  int
	identifiers    []acme.Identifier
	orderStatus    acme.OrderStatus
	authzStatus    acme.AuthorizationStatus
	challStatus    acme.ChallengeStatus
	challError     *acme.ProblemDetails
	pendingPolls   int
	certificatePEM []byte
}

func NewServer(t testing.TB) *Server {
	s := Server{
		ChallengeTypes: []acme.ChallengeType{
			acme.ChallengeTypeDNS01,
			acme.ChallengeTypeHTTP01,
		},

		CertificateValidity: 90 * 24 * time.Hour,

		t: t,

		nonces:      make(map[string]struct{}),
		accountKeys: make(map[string]*jose.JSONWebKey),
		accountURIs: make(map[string]string),
	}

	s.initCA()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /dir", s.hDirectory)
	mux.HandleFunc("HEAD /nonce", s.hNonce)
	mux.HandleFunc("POST /account", s.hNewAccount)
	mux.HandleFunc("POST /order", s.hNewOrder)
	mux.HandleFunc("POST /order/1", s.hOrder)
	mux.HandleFunc("POST /authz/1", s.hAuthorization)
	mux.HandleFunc("POST /chall/{type}", s.hChallenge)
	mux.HandleFunc("POST /finalize/1", s.hFinalize)
	mux.HandleFunc("POST /cert/1", s.hCertificate)

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)

	return &s
}

func (s *Server) initCA() {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		s.t.Fatalf("cannot generate CA key: %v", err)
	}

	tpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmetest CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	data, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl,
		caKey.Public(), caKey)
	if err != nil {
		s.t.Fatalf("cannot create CA certificate: %v", err)
	}

	caCert, err := x509.ParseCertificate(data)
	if err != nil {
		s.t.Fatalf("cannot parse CA certificate: %v", err)
	}

	s.caKey = caKey
	s.caCert = caCert
}

func (s *Server) DirectoryURI() string {
	return s.URL("/dir")
}

func (s *Server) URL(path string) string {
	return s.server.URL + path
}

func (s *Server) HTTPClient() *http.Client {
	return s.server.Client()
}

// CACertificate returns the certificate issued certificates chain up to.
func (s *Server) CACertificate() *x509.Certificate {
	return s.caCert
}

func (s *Server) NbAccounts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.accountURIs)
}

func (s *Server) NbOrders() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.nbOrders
}

func (s *Server) NbValidations() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.nbValidations
}

func (s *Server) newNonce() string {
	s.nonceCounter++
	nonce := base64.RawURLEncoding.EncodeToString(
		[]byte("nonce-" + strconv.Itoa(s.nonceCounter)))
	s.nonces[nonce] = struct{}{}
	return nonce
}

func (s *Server) reply(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Replay-Nonce", s.newNonce())

	switch v := value.(type) {
	case nil:
		w.WriteHeader(status)

	case []byte:
		w.Header().Set("Content-Type", "application/pem-certificate-chain")
		w.WriteHeader(status)
		w.Write(v)

	case *acme.ProblemDetails:
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)

	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) problem(w http.ResponseWriter, status int, errType acme.ErrorType, format string, args ...any) {
	details := acme.ProblemDetails{
		Type:   errType,
		Status: status,
		Detail: fmt.Sprintf(format, args...),
	}

	s.reply(w, status, &details)
}

// verify authenticates a request and returns its payload. It must be called
// with the mutex locked.
func (s *Server) verify(w http.ResponseWriter, req *http.Request) ([]byte, *jose.JSONWebKey, bool) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		s.problem(w, 400, acme.ErrorTypeMalformed, "cannot read body: %v", err)
		return nil, nil, false
	}

	algorithms := []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.RS256}

	// go-jose rejects objects without a payload member, so POST-as-GET
	// requests must carry an empty string.
	jws, err := jose.ParseSigned(string(body), algorithms)
	if err != nil {
		s.problem(w, 400, acme.ErrorTypeMalformed, "cannot parse JWS: %v", err)
		return nil, nil, false
	}

	if len(jws.Signatures) != 1 {
		s.problem(w, 400, acme.ErrorTypeMalformed, "invalid number of signatures")
		return nil, nil, false
	}

	header := jws.Signatures[0].Protected

	if _, found := s.nonces[header.Nonce]; !found {
		s.problem(w, 400, acme.ErrorTypeBadNonce, "unknown nonce %q", header.Nonce)
		return nil, nil, false
	}
	delete(s.nonces, header.Nonce)

	if s.NbRejectedNonces > 0 {
		s.NbRejectedNonces--
		s.problem(w, 400, acme.ErrorTypeBadNonce, "nonce %q rejected", header.Nonce)
		return nil, nil, false
	}

	if url, _ := header.ExtraHeaders["url"].(string); url != s.URL(req.URL.Path) {
		s.problem(w, 400, acme.ErrorTypeUnauthorized, "invalid url %q", url)
		return nil, nil, false
	}

	key := header.JSONWebKey
	if key == nil {
		key = s.accountKeys[header.KeyID]
		if key == nil {
			s.problem(w, 400, acme.ErrorTypeAccountDoesNotExist,
				"unknown account %q", header.KeyID)
			return nil, nil, false
		}
	}

	payload, err := jws.Verify(key)
	if err != nil {
		s.problem(w, 400, acme.ErrorTypeUnauthorized, "invalid signature: %v", err)
		return nil, nil, false
	}

	return payload, key, true
}

// verifyPostAsGet authenticates a request which must not carry any payload
// (RFC 8555 6.3).
func (s *Server) verifyPostAsGet(w http.ResponseWriter, req *http.Request) bool {
	payload, _, ok := s.verify(w, req)
	if !ok {
		return false
	}

	if len(payload) > 0 {
		s.problem(w, 400, acme.ErrorTypeMalformed,
			"POST-as-GET request with a non-empty payload")
		return false
	}

	return true
}

func (s *Server) hDirectory(w http.ResponseWriter, req *http.Request) {
	d := acme.Directory{
		NewNonce:   s.URL("/nonce"),
		NewAccount: s.URL("/account"),
		NewOrder:   s.URL("/order"),
		RevokeCert: s.URL("/revoke"),
		KeyChange:  s.URL("/key-change"),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&d)
}

func (s *Server) hNonce(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	w.Header().Set("Replay-Nonce", s.newNonce())
	w.WriteHeader(200)
}

func (s *Server) hNewAccount(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	payload, key, ok := s.verify(w, req)
	if !ok {
		return
	}

	var newAccount acme.NewAccount
	if err := json.Unmarshal(payload, &newAccount); err != nil {
		s.problem(w, 400, acme.ErrorTypeMalformed, "invalid payload: %v", err)
		return
	}

	if !newAccount.TermsOfServiceAgreed {
		s.problem(w, 403, acme.ErrorTypeUserActionRequired,
			"terms of service must be agreed")
		return
	}

	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		s.problem(w, 500, acme.ErrorTypeServerInternal, "%v", err)
		return
	}

	status := 200

	uri, found := s.accountURIs[string(thumbprint)]
	if !found {
		uri = s.URL(fmt.Sprintf("/account/%d", len(s.accountURIs)+1))
		s.accountURIs[string(thumbprint)] = uri
		s.accountKeys[uri] = key
		status = 201
	}

	account := acme.Account{
		Status:  acme.AccountStatusValid,
		Contact: newAccount.Contact,
	}

	w.Header().Set("Location", uri)
	s.reply(w, status, &account)
}

func (s *Server) orderBody() *acme.Order {
	order := acme.Order{
		Status:         s.orderStatus,
		Identifiers:    s.identifiers,
		Authorizations: []string{s.URL("/authz/1")},
		Finalize:       s.URL("/finalize/1"),
	}

	if s.orderStatus == acme.OrderStatusValid {
		order.Certificate = s.URL("/cert/1")
	}

	return &order
}

func (s *Server) hNewOrder(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	payload, _, ok := s.verify(w, req)
	if !ok {
		return
	}

	var newOrder acme.NewOrder
	if err := json.Unmarshal(payload, &newOrder); err != nil {
		s.problem(w, 400, acme.ErrorTypeMalformed, "invalid payload: %v", err)
		return
	}

	if len(newOrder.Identifiers) == 0 {
		s.problem(w, 400, acme.ErrorTypeMalformed, "missing identifiers")
		return
	}

	s.nbOrders++
	s.identifiers = newOrder.Identifiers
	s.orderStatus = acme.OrderStatusPending
	s.authzStatus = acme.AuthorizationStatusPending
	s.challStatus = acme.ChallengeStatusPending
	s.challError = nil
	s.certificatePEM = nil

	w.Header().Set("Location", s.URL("/order/1"))
	s.reply(w, 201, s.orderBody())
}

func (s *Server) hOrder(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.verifyPostAsGet(w, req) {
		return
	}

	s.reply(w, 200, s.orderBody())
}

func (s *Server) challengeBody(cType acme.ChallengeType) *acme.Challenge {
	challenge := acme.Challenge{
		Type:   cType,
		URL:    s.URL("/chall/" + string(cType)),
		Status: acme.ChallengeStatusPending,
		Token:  ChallengeToken,
	}

	if cType == acme.ChallengeTypeHTTP01 {
		challenge.Status = s.challStatus
		challenge.Error = s.challError
	}

	return &challenge
}

func (s *Server) hAuthorization(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.verifyPostAsGet(w, req) {
		return
	}

	if s.challStatus == acme.ChallengeStatusProcessing {
		if s.pendingPolls > 0 {
			s.pendingPolls--
			w.Header().Set("Retry-After", "0")
		} else {
			s.completeValidation()
		}
	}

	challenges := make([]*acme.Challenge, len(s.ChallengeTypes))
	for i, cType := range s.ChallengeTypes {
		challenges[i] = s.challengeBody(cType)
	}

	auth := acme.Authorization{
		Identifier: s.identifiers[0],
		Status:     s.authzStatus,
		Challenges: challenges,
	}

	s.reply(w, 200, &auth)
}

func (s *Server) hChallenge(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	payload, key, ok := s.verify(w, req)
	if !ok {
		return
	}

	cType := acme.ChallengeType(req.PathValue("type"))
	if cType != acme.ChallengeTypeHTTP01 {
		s.problem(w, 400, acme.ErrorTypeMalformed, "unsupported challenge %q", cType)
		return
	}

	// An empty payload is a POST-as-GET request, a non-empty one is the
	// client asking for validation.
	if len(payload) > 0 && s.challStatus == acme.ChallengeStatusPending {
		if err := s.validate(key); err != nil {
			s.challError = &acme.ProblemDetails{
				Type:   acme.ErrorTypeIncorrectResponse,
				Detail: err.Error(),
			}
		}

		s.challStatus = acme.ChallengeStatusProcessing
		s.pendingPolls = s.NbPendingPolls
	}

	s.reply(w, 200, s.challengeBody(cType))
}

func (s *Server) validate(key *jose.JSONWebKey) error {
	s.nbValidations++

	if s.ValidateChallenge == nil {
		return nil
	}

	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return err
	}

	keyAuth := acme.KeyAuthorization(ChallengeToken,
		base64.RawURLEncoding.EncodeToString(thumbprint))

	return s.ValidateChallenge(ChallengeToken, keyAuth)
}

func (s *Server) completeValidation() {
	if s.challError == nil {
		s.challStatus = acme.ChallengeStatusValid
		s.authzStatus = acme.AuthorizationStatusValid
		s.orderStatus = acme.OrderStatusReady
	} else {
		s.challStatus = acme.ChallengeStatusInvalid
		s.authzStatus = acme.AuthorizationStatusInvalid
		s.orderStatus = acme.OrderStatusInvalid
	}
}

func (s *Server) hFinalize(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	payload, _, ok := s.verify(w, req)
	if !ok {
		return
	}

	if s.orderStatus != acme.OrderStatusReady {
		s.problem(w, 403, acme.ErrorTypeOrderNotReady, "order is %q", s.orderStatus)
		return
	}

	var finalization acme.OrderFinalization
	if err := json.Unmarshal(payload, &finalization); err != nil {
		s.problem(w, 400, acme.ErrorTypeMalformed, "invalid payload: %v", err)
		return
	}

	csrData, err := base64.RawURLEncoding.DecodeString(finalization.CSR)
	if err != nil {
		s.problem(w, 400, acme.ErrorTypeBadCSR, "invalid CSR encoding: %v", err)
		return
	}

	csr, err := x509.ParseCertificateRequest(csrData)
	if err != nil {
		s.problem(w, 400, acme.ErrorTypeBadCSR, "invalid CSR: %v", err)
		return
	}

	if err := csr.CheckSignature(); err != nil {
		s.problem(w, 400, acme.ErrorTypeBadCSR, "invalid CSR signature: %v", err)
		return
	}

	now := time.Now()

	tpl := x509.Certificate{
		SerialNumber: big.NewInt(int64(s.nbOrders + 1)),
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:     csr.DNSNames,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(s.CertificateValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certData, err := x509.CreateCertificate(rand.Reader, &tpl, s.caCert,
		csr.PublicKey, s.caKey)
	if err != nil {
		s.problem(w, 500, acme.ErrorTypeServerInternal, "%v", err)
		return
	}

	s.certificatePEM = append(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certData}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})...)

	s.orderStatus = acme.OrderStatusValid

	s.reply(w, 200, s.orderBody())
}

func (s *Server) hCertificate(w http.ResponseWriter, req *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.verifyPostAsGet(w, req) {
		return
	}

	if s.certificatePEM == nil {
		s.problem(w, 404, acme.ErrorTypeMalformed, "no certificate")
		return
	}

	s.reply(w, 200, s.certificatePEM)
}
