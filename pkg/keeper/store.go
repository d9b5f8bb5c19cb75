package keeper

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.n16f.net/log"
)

const (
	AccountKeyFileName  = "account.pem"
	PrivateKeyFileName  = "key.pem"
	CertificateFileName = "cert.pem"
)

// StoredKeyPair is the content of the private key and certificate files.
type StoredKeyPair struct {
	PrivateKeyData  []byte
	CertificateData []byte
}

// Store reads and writes credentials in a single directory only accessible
// by its owner. Files are always written to a temporary path first, then
// renamed.
type Store struct {
	Log *log.Logger

	rootPath        string
	accountKeyPath  string
	privateKeyPath  string
	certificatePath string
}

func NewStore(rootPath string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.DefaultLogger("store")
	}

	s := Store{
		Log: logger,

		rootPath:        rootPath,
		accountKeyPath:  filepath.Join(rootPath, AccountKeyFileName),
		privateKeyPath:  filepath.Join(rootPath, PrivateKeyFileName),
		certificatePath: filepath.Join(rootPath, CertificateFileName),
	}

	return &s
}

func (s *Store) RootPath() string {
	return s.rootPath
}

func (s *Store) AccountKeyPath() string {
	return s.accountKeyPath
}

func (s *Store) PrivateKeyPath() string {
	return s.privateKeyPath
}

func (s *Store) CertificatePath() string {
	return s.certificatePath
}

func (s *Store) EnsureDirectory() error {
	if err := os.MkdirAll(s.rootPath, 0700); err != nil {
		return &StorageError{Op: "create directory", Path: s.rootPath, Err: err}
	}

	// MkdirAll does not fail if the directory already exists, but it does
	// not change its permissions either.
	info, err := os.Stat(s.rootPath)
	if err != nil {
		return &StorageError{Op: "stat", Path: s.rootPath, Err: err}
	}

	if !info.IsDir() {
		return &StorageError{Op: "create directory", Path: s.rootPath,
			Err: errors.New("not a directory")}
	}

	if perm := info.Mode().Perm(); perm&0077 != 0 {
		s.Log.Info("directory %q is accessible to other users (mode %o)",
			s.rootPath, perm)
	}

	return nil
}

// ReadFile returns the content of a file and whether it exists. A missing
// file is not an error.
func (s *Store) ReadFile(filePath string) ([]byte, bool, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}

		return nil, false, &StorageError{Op: "read", Path: filePath, Err: err}
	}

	return data, true, nil
}

func (s *Store) WriteFile(filePath string, data []byte) error {
	tmpPath, err := s.writeTmpFile(filePath, data)
	if err != nil {
		return err
	}

	return s.renameTmpFile(tmpPath, filePath)
}

func (s *Store) writeTmpFile(filePath string, data []byte) (string, error) {
	tmpPath := filePath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return "", &StorageError{Op: "write", Path: tmpPath, Err: err}
	}

	return tmpPath, nil
}

func (s *Store) renameTmpFile(tmpPath, filePath string) error {
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return &StorageError{Op: "rename", Path: tmpPath,
			Err: fmt.Errorf("cannot rename to %q: %w", filePath, err)}
	}

	return nil
}

func (s *Store) LoadAccountKey() ([]byte, bool, error) {
	return s.ReadFile(s.accountKeyPath)
}

func (s *Store) StoreAccountKey(data []byte) error {
	if err := s.WriteFile(s.accountKeyPath, data); err != nil {
		return err
	}

	s.Log.Info("account key stored in %q", s.accountKeyPath)
	return nil
}

// LoadKeyPair returns the stored private key and certificate, or nil if any
// of them is missing.
func (s *Store) LoadKeyPair() (*StoredKeyPair, error) {
	keyData, found, err := s.ReadFile(s.privateKeyPath)
	if err != nil || !found {
		return nil, err
	}

	certData, found, err := s.ReadFile(s.certificatePath)
	if err != nil || !found {
		return nil, err
	}

	pair := StoredKeyPair{
		PrivateKeyData:  keyData,
		CertificateData: certData,
	}

	return &pair, nil
}

// StoreKeyPair writes both temporary files before renaming any of them so
// that a failed write never replaces the current pair.
func (s *Store) StoreKeyPair(pair *StoredKeyPair) error {
	keyTmpPath, err := s.writeTmpFile(s.privateKeyPath, pair.PrivateKeyData)
	if err != nil {
		return err
	}

	certTmpPath, err := s.writeTmpFile(s.certificatePath, pair.CertificateData)
	if err != nil {
		os.Remove(keyTmpPath)
		return err
	}

	if err := s.renameTmpFile(keyTmpPath, s.privateKeyPath); err != nil {
		os.Remove(certTmpPath)
		return err
	}

	if err := s.renameTmpFile(certTmpPath, s.certificatePath); err != nil {
		return err
	}

	s.Log.Info("private key and certificate stored in %q", s.rootPath)
	return nil
}
