package keeper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	return NewStore(filepath.Join(t.TempDir(), "a", "b"), nil)
}

func TestStoreEnsureDirectory(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)

	require.NoError(s.EnsureDirectory())
	require.NoError(s.EnsureDirectory())

	info, err := os.Stat(s.RootPath())
	require.NoError(err)
	assert.True(info.IsDir())
	assert.Equal(os.FileMode(0700), info.Mode().Perm())
}

func TestStoreEnsureDirectoryNotADirectory(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(filePath, []byte("foo"), 0600))

	s := NewStore(filePath, nil)

	var storageErr *StorageError
	require.ErrorAs(t, s.EnsureDirectory(), &storageErr)
	assert.Equal(t, filePath, storageErr.Path)
}

func TestStoreReadFile(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)
	require.NoError(s.EnsureDirectory())

	filePath := filepath.Join(s.RootPath(), "foo")

	data, found, err := s.ReadFile(filePath)
	require.NoError(err)
	assert.False(found)
	assert.Nil(data)

	require.NoError(s.WriteFile(filePath, []byte("hello")))

	data, found, err = s.ReadFile(filePath)
	require.NoError(err)
	assert.True(found)
	assert.Equal([]byte("hello"), data)

	info, err := os.Stat(filePath)
	require.NoError(err)
	assert.Equal(os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(filePath + ".tmp")
	assert.ErrorIs(err, os.ErrNotExist)
}

func TestStoreReadFileFailure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureDirectory())

	// Reading a directory is an error which is not "not found".
	_, found, err := s.ReadFile(s.RootPath())

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.False(t, found)
	assert.Equal(t, "read", storageErr.Op)
}

func TestStoreKeyPair(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)
	require.NoError(s.EnsureDirectory())

	pair, err := s.LoadKeyPair()
	require.NoError(err)
	assert.Nil(pair)

	stored := testSelfSignedPair(t, []string{testCommonName},
		time.Now().Add(time.Hour))
	require.NoError(s.StoreKeyPair(stored))

	pair, err = s.LoadKeyPair()
	require.NoError(err)
	require.NotNil(pair)
	assert.Equal(stored, pair)

	require.NoError(os.Remove(s.CertificatePath()))

	pair, err = s.LoadKeyPair()
	require.NoError(err)
	assert.Nil(pair)
}

func TestStoreKeyPairFailure(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)
	require.NoError(s.EnsureDirectory())

	old := testSelfSignedPair(t, []string{testCommonName},
		time.Now().Add(time.Hour))
	require.NoError(s.StoreKeyPair(old))

	// The temporary certificate file cannot be written; the private key must
	// not be replaced either.
	require.NoError(os.Mkdir(s.CertificatePath()+".tmp", 0700))

	next := testSelfSignedPair(t, []string{testCommonName},
		time.Now().Add(2*time.Hour))

	var storageErr *StorageError
	require.ErrorAs(s.StoreKeyPair(next), &storageErr)

	assert.Equal(old.PrivateKeyData, testReadFile(t, s.PrivateKeyPath()))

	_, err := os.Stat(s.PrivateKeyPath() + ".tmp")
	assert.ErrorIs(err, os.ErrNotExist)
}

func TestStoreAccountKey(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s := newTestStore(t)
	require.NoError(s.EnsureDirectory())

	_, found, err := s.LoadAccountKey()
	require.NoError(err)
	assert.False(found)

	data := testEncodeKey(t, testGenerateKey(t))
	require.NoError(s.StoreAccountKey(data))

	data2, found, err := s.LoadAccountKey()
	require.NoError(err)
	assert.True(found)
	assert.Equal(data, data2)
}
