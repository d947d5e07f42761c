package envelope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairProducesDistinctKeys(t *testing.T) {
	a, err := generateKeyPair()
	require.NoError(t, err)
	b, err := generateKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, a.public.Bytes(), b.public.Bytes())
	assert.NotEqual(t, a.id, b.id)
	assert.Len(t, a.public.Bytes(), 32)
}

func TestKeyPairWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "router.key")
	pubPath := filepath.Join(dir, "router.pub")

	original, err := generateKeyPair()
	require.NoError(t, err)
	require.NoError(t, original.writeToFiles(privPath, pubPath))

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, privateKeyMode, info.Mode().Perm())

	loaded, err := loadKeyPairFromFiles(privPath, pubPath)
	require.NoError(t, err)
	assert.Equal(t, original.public.Bytes(), loaded.public.Bytes())
	assert.Equal(t, original.id, loaded.id)
}

func TestLoadKeyPairFromFilesMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := loadKeyPairFromFiles(filepath.Join(dir, "nope.key"), filepath.Join(dir, "nope.pub"))
	assert.Error(t, err)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, fileExists(filepath.Join(dir, "missing")))

	kp, err := generateKeyPair()
	require.NoError(t, err)
	privPath := filepath.Join(dir, "router.key")
	pubPath := filepath.Join(dir, "router.pub")
	require.NoError(t, kp.writeToFiles(privPath, pubPath))
	assert.True(t, fileExists(privPath))
}
