package keeper

import (
	"fmt"

	"go.n16f.net/certkeeper/pkg/acme"
)

// StorageError is returned when the data directory or one of its files
// cannot be accessed. A missing file is not a storage error.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (err *StorageError) Error() string {
	return fmt.Sprintf("cannot %s %q: %v", err.Op, err.Path, err.Err)
}

func (err *StorageError) Unwrap() error {
	return err.Err
}

// CertificateParseError is returned when a stored certificate cannot be
// decoded. It is never interpreted as a reason to renew since it usually
// means that the data directory is corrupted.
type CertificateParseError struct {
	Path string
	Err  error
}

func (err *CertificateParseError) Error() string {
	return fmt.Sprintf("cannot parse certificate %q: %v", err.Path, err.Err)
}

func (err *CertificateParseError) Unwrap() error {
	return err.Err
}

// UnsupportedChallengeTypeError is returned when the CA only offers
// challenges other than http-01 for the common name. Type is the first
// challenge type offered.
type UnsupportedChallengeTypeError struct {
	Type    acme.ChallengeType
	Offered []acme.ChallengeType
	Err     error
}

func (err *UnsupportedChallengeTypeError) Error() string {
	if len(err.Offered) > 1 {
		return fmt.Sprintf("unsupported challenge types %v", err.Offered)
	}

	return fmt.Sprintf("unsupported challenge type %q", err.Type)
}

func (err *UnsupportedChallengeTypeError) Unwrap() error {
	return err.Err
}

func unsupportedChallengeTypeError(err *acme.UnsupportedChallengeError) *UnsupportedChallengeTypeError {
	err2 := UnsupportedChallengeTypeError{
		Offered: err.Offered,
		Err:     err,
	}

	if len(err.Offered) > 0 {
		err2.Type = err.Offered[0]
	}

	return &err2
}

type BindError struct {
	Address string
	Err     error
}

func (err *BindError) Error() string {
	return fmt.Sprintf("cannot listen on %q: %v", err.Address, err.Err)
}

func (err *BindError) Unwrap() error {
	return err.Err
}

type ShutdownError struct {
	Address string
	Err     error
}

func (err *ShutdownError) Error() string {
	return fmt.Sprintf("cannot shutdown server on %q: %v", err.Address, err.Err)
}

func (err *ShutdownError) Unwrap() error {
	return err.Err
}
