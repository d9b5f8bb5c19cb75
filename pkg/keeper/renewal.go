package keeper

import (
	"crypto/tls"
	"fmt"
	"time"

	"go.n16f.net/certkeeper/pkg/acme"
)

const DefaultRenewThresholdDays = 14

type Decision string

const (
	DecisionRenew Decision = "renew"
	DecisionReuse Decision = "reuse"
)

func (d Decision) String() string {
	return string(d)
}

type Evaluation struct {
	Decision Decision
	Reason   string

	// Info is nil if there is no stored certificate.
	Info *acme.CertificateInfo

	// RenewalTime is the first instant at which the stored certificate is
	// considered due for renewal.
	RenewalTime time.Time
}

// EvaluateRenewal decides whether a stored key pair can be used as is. The
// pair is renewed if it is missing, if the private key does not match the
// certificate, if the certificate does not cover the common name, or if the
// certificate expires in thresholdDays days or less.
//
// A certificate which cannot be parsed yields a CertificateParseError: it
// is never silently replaced.
func EvaluateRenewal(stored *StoredKeyPair, certPath, commonName string, thresholdDays int, now time.Time) (*Evaluation, error) {
	if stored == nil {
		eval := Evaluation{
			Decision: DecisionRenew,
			Reason:   "no stored certificate",
		}

		return &eval, nil
	}

	info, err := acme.ParseCertificateInfo(stored.CertificateData)
	if err != nil {
		return nil, &CertificateParseError{Path: certPath, Err: err}
	}

	threshold := time.Duration(thresholdDays) * 24 * time.Hour

	eval := Evaluation{
		Info:        info,
		RenewalTime: info.NotAfter.Add(-threshold),
	}

	if _, err := tls.X509KeyPair(stored.CertificateData,
		stored.PrivateKeyData); err != nil {
		eval.Decision = DecisionRenew
		eval.Reason = fmt.Sprintf("invalid key pair: %v", err)
		return &eval, nil
	}

	if commonName != "" && !info.Covers(commonName) {
		eval.Decision = DecisionRenew
		eval.Reason = fmt.Sprintf("certificate does not cover %q", commonName)
		return &eval, nil
	}

	if now.Before(eval.RenewalTime) {
		eval.Decision = DecisionReuse
		eval.Reason = fmt.Sprintf("certificate expires on %s",
			info.NotAfter.UTC().Format(time.RFC3339))
	} else {
		eval.Decision = DecisionRenew
		eval.Reason = fmt.Sprintf("certificate expires on %s, less than %d "+
			"days from now", info.NotAfter.UTC().Format(time.RFC3339),
			thresholdDays)
	}

	return &eval, nil
}
