package acme

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType is the URN identifying an ACME problem (RFC 8555 6.7).
type ErrorType string

const errorTypePrefix = "urn:ietf:params:acme:error:"

const (
	ErrorTypeAccountDoesNotExist ErrorType = errorTypePrefix + "accountDoesNotExist"
	ErrorTypeBadCSR              ErrorType = errorTypePrefix + "badCSR"
	ErrorTypeBadNonce            ErrorType = errorTypePrefix + "badNonce"
	ErrorTypeCAA                 ErrorType = errorTypePrefix + "caa"
	ErrorTypeConnection          ErrorType = errorTypePrefix + "connection"
	ErrorTypeDNS                 ErrorType = errorTypePrefix + "dns"
	ErrorTypeIncorrectResponse   ErrorType = errorTypePrefix + "incorrectResponse"
	ErrorTypeMalformed           ErrorType = errorTypePrefix + "malformed"
	ErrorTypeOrderNotReady       ErrorType = errorTypePrefix + "orderNotReady"
	ErrorTypeRateLimited         ErrorType = errorTypePrefix + "rateLimited"
	ErrorTypeRejectedIdentifier  ErrorType = errorTypePrefix + "rejectedIdentifier"
	ErrorTypeServerInternal      ErrorType = errorTypePrefix + "serverInternal"
	ErrorTypeUnauthorized        ErrorType = errorTypePrefix + "unauthorized"
	ErrorTypeUserActionRequired  ErrorType = errorTypePrefix + "userActionRequired"
)

// ShortName returns the error type without its URN prefix, e.g. "badNonce".
func (t ErrorType) ShortName() string {
	return strings.TrimPrefix(string(t), errorTypePrefix)
}

// ProblemDetails is an RFC 7807 problem document as returned by ACME servers,
// either as an error response or embedded in an order or a challenge.
type ProblemDetails struct {
	Type     ErrorType `json:"type,omitempty"`
	Title    string    `json:"title,omitempty"`
	Status   int       `json:"status,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Instance string    `json:"instance,omitempty"`

	// RFC 8555 6.7.1: subproblems are attached to the identifier they
	// relate to.
	Identifier  *Identifier      `json:"identifier,omitempty"`
	Subproblems []ProblemDetails `json:"subproblems,omitempty"`
}

func (p *ProblemDetails) Error() string {
	var sb strings.Builder
	p.write(&sb, 0)
	return sb.String()
}

func (p *ProblemDetails) write(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)

	sb.WriteString(indent)
	if p.Identifier != nil {
		fmt.Fprintf(sb, "%v: ", *p.Identifier)
	}
	sb.WriteString(string(p.Type))
	if p.Title != "" {
		sb.WriteString(": " + p.Title)
	}

	if p.Detail != "" {
		sb.WriteString("\n" + indent + "  " + p.Detail)
	}

	for _, sub := range p.Subproblems {
		sb.WriteByte('\n')
		sub.write(sb, depth+1)
	}
}

// IsProblem reports whether err wraps a problem document of the given type.
func IsProblem(err error, errType ErrorType) bool {
	var p *ProblemDetails
	return errors.As(err, &p) && p.Type == errType
}

// UnsupportedChallengeError is returned when an authorization only offers
// challenges the issuance request cannot solve.
type UnsupportedChallengeError struct {
	Identifier Identifier
	Offered    []ChallengeType
	Supported  []ChallengeType
}

func (err *UnsupportedChallengeError) Error() string {
	return fmt.Sprintf("no supported challenge for %v (offered: %v, "+
		"supported: %v)", err.Identifier, err.Offered, err.Supported)
}
