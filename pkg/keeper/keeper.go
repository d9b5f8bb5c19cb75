package keeper

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"go.n16f.net/certkeeper/pkg/acme"
	"go.n16f.net/log"
)

// Issuer obtains a certificate chain from an ACME server. The leaf
// certificate comes first.
type Issuer interface {
	Issue(context.Context, *acme.IssuanceRequest) ([]*x509.Certificate, error)
}

type KeyPair struct {
	PrivateKeyPEM  []byte
	CertificatePEM []byte
	Info           *acme.CertificateInfo
}

func (p *KeyPair) TLSCertificate() (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(p.CertificatePEM, p.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	return &cert, nil
}

// Keeper maintains a valid certificate for a single domain in a data
// directory. Only one keeper must be active for a given data directory at
// any time.
type Keeper struct {
	Cfg Cfg
	Log *log.Logger

	store *Store
}

func NewKeeper(cfg Cfg) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.setDefaults()

	if cfg.Issuer == nil {
		cfg.Issuer = acme.NewIssuer(acme.IssuerCfg{
			Log: cfg.Log.Child("acme", nil),
		})
	}

	k := Keeper{
		Cfg: cfg,
		Log: cfg.Log,

		store: NewStore(cfg.DataDir, cfg.Log.Child("store", nil)),
	}

	return &k, nil
}

// EnsureCertificate is a shortcut for NewKeeper followed by
// Keeper.EnsureCertificate.
func EnsureCertificate(ctx context.Context, cfg Cfg) (*KeyPair, error) {
	k, err := NewKeeper(cfg)
	if err != nil {
		return nil, err
	}

	return k.EnsureCertificate(ctx)
}

func (k *Keeper) Store() *Store {
	return k.store
}

// Status evaluates the stored certificate without modifying the data
// directory or contacting the ACME server.
func (k *Keeper) Status() (*Evaluation, error) {
	stored, err := k.store.LoadKeyPair()
	if err != nil {
		return nil, err
	}

	return k.evaluate(stored)
}

// EnsureCertificate returns the stored key pair if it is still valid, or
// obtains, stores and returns a new one.
func (k *Keeper) EnsureCertificate(ctx context.Context) (*KeyPair, error) {
	if err := k.store.EnsureDirectory(); err != nil {
		return nil, err
	}

	stored, err := k.store.LoadKeyPair()
	if err != nil {
		return nil, err
	}

	eval, err := k.evaluate(stored)
	if err != nil {
		return nil, err
	}

	if eval.Decision == DecisionReuse {
		k.Log.Info("reusing certificate for %q: %s", k.Cfg.CommonName,
			eval.Reason)

		pair := KeyPair{
			PrivateKeyPEM:  stored.PrivateKeyData,
			CertificatePEM: stored.CertificateData,
			Info:           eval.Info,
		}

		return &pair, nil
	}

	k.Log.Info("renewing certificate for %q: %s", k.Cfg.CommonName,
		eval.Reason)

	return k.renew(ctx)
}

func (k *Keeper) evaluate(stored *StoredKeyPair) (*Evaluation, error) {
	return EvaluateRenewal(stored, k.store.CertificatePath(),
		k.Cfg.CommonName, k.Cfg.renewThresholdDays(), k.Cfg.Now())
}

func (k *Keeper) renew(ctx context.Context) (*KeyPair, error) {
	accountKey, err := k.loadOrCreateAccountKey()
	if err != nil {
		return nil, err
	}

	privateKey, err := k.Cfg.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("cannot generate private key: %w", err)
	}

	ids := []acme.Identifier{acme.DNSIdentifier(k.Cfg.CommonName)}

	csr, err := acme.GenerateCSR(ids, privateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot generate certificate request: %w", err)
	}

	responder := NewResponder(ResponderCfg{
		Log:     k.Log,
		Tokens:  NewTokenMap(),
		Address: k.Cfg.serverAddress(),
	})

	req := acme.IssuanceRequest{
		DirectoryURI:         k.Cfg.directoryURI(),
		AccountKey:           accountKey,
		ContactURIs:          k.Cfg.contactURIs(),
		TermsOfServiceAgreed: true,

		Identifiers: ids,
		CSR:         csr,

		ChallengeTypes:  []acme.ChallengeType{acme.ChallengeTypeHTTP01},
		ChallengeSolver: &challengeSolver{log: k.Log, responder: responder},
	}

	chain, err := k.issue(ctx, responder, &req)
	if err != nil {
		return nil, err
	}

	return k.storeKeyPair(privateKey, chain)
}

func (k *Keeper) issue(ctx context.Context, responder *Responder, req *acme.IssuanceRequest) (chain []*x509.Certificate, err error) {
	if err := responder.Start(); err != nil {
		return nil, err
	}

	defer func() {
		for _, token := range responder.tokens.Tokens() {
			k.Log.Error("removing leftover challenge token %q", token)
			responder.UnregisterToken(token)
		}

		if stopErr := responder.Stop(); stopErr != nil {
			if err == nil {
				chain = nil
				err = stopErr
			} else {
				k.Log.Error("%v", stopErr)
			}
		}
	}()

	k.Log.Debug(1, "requesting certificate from %q", req.DirectoryURI)

	chain, err = k.Cfg.Issuer.Issue(ctx, req)
	if err != nil {
		var challengeErr *acme.UnsupportedChallengeError
		if errors.As(err, &challengeErr) {
			err = unsupportedChallengeTypeError(challengeErr)
		}

		return nil, fmt.Errorf("cannot obtain certificate for %q: %w",
			k.Cfg.CommonName, err)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("cannot obtain certificate for %q: empty "+
			"certificate chain", k.Cfg.CommonName)
	}

	return chain, nil
}

func (k *Keeper) storeKeyPair(privateKey crypto.Signer, chain []*x509.Certificate) (*KeyPair, error) {
	keyData, err := acme.EncodePEMPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("cannot encode private key: %w", err)
	}

	certData := acme.EncodePEMCertificateChain(chain)

	if _, err := tls.X509KeyPair(certData, keyData); err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}

	stored := StoredKeyPair{
		PrivateKeyData:  keyData,
		CertificateData: certData,
	}

	if err := k.store.StoreKeyPair(&stored); err != nil {
		return nil, err
	}

	info := acme.NewCertificateInfo(chain[0])

	k.Log.Info("certificate %s for %q valid until %s", info.Fingerprint,
		k.Cfg.CommonName, info.NotAfter.UTC().Format("2006-01-02 15:04:05"))

	pair := KeyPair{
		PrivateKeyPEM:  keyData,
		CertificatePEM: certData,
		Info:           info,
	}

	return &pair, nil
}

func (k *Keeper) loadOrCreateAccountKey() (crypto.Signer, error) {
	data, found, err := k.store.LoadAccountKey()
	if err != nil {
		return nil, err
	}

	if found {
		key, err := acme.DecodePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("cannot decode account key %q: %w",
				k.store.AccountKeyPath(), err)
		}

		return key, nil
	}

	k.Log.Info("generating account key")

	key, err := k.Cfg.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("cannot generate account key: %w", err)
	}

	data, err = acme.EncodePEMPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("cannot encode account key: %w", err)
	}

	if err := k.store.StoreAccountKey(data); err != nil {
		return nil, err
	}

	return key, nil
}

type challengeSolver struct {
	log       *log.Logger
	responder *Responder
}

func (s *challengeSolver) OnChallengeOffered(ctx context.Context, offer *acme.ChallengeOffer) error {
	if offer.Type != acme.ChallengeTypeHTTP01 {
		return &UnsupportedChallengeTypeError{Type: offer.Type}
	}

	if offer.Token == "" {
		return errors.New("empty challenge token")
	}

	s.log.Debug(1, "serving challenge token %q for %v", offer.Token,
		offer.Identifier)

	s.responder.RegisterToken(offer.Token, offer.KeyAuthorization)
	return nil
}

func (s *challengeSolver) OnChallengeWithdrawn(ctx context.Context, offer *acme.ChallengeOffer) error {
	if offer.Type != acme.ChallengeTypeHTTP01 {
		return &UnsupportedChallengeTypeError{Type: offer.Type}
	}

	s.log.Debug(1, "removing challenge token %q", offer.Token)

	s.responder.UnregisterToken(offer.Token)
	return nil
}
