package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	h, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Len(t, h, 64)

	again, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Equal(t, h, again)
}

func TestLockAndLoad(t *testing.T) {
	path := writeConfig(t, "service:\n  name: locked\n")

	manifestPath, err := Lock(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), ChecksumFile), manifestPath)

	info, err := os.Stat(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "locked", cfg.Service.Name)

	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: tampered\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config verification failed")
}

func TestLoadChecksums(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadChecksums(dir)
	assert.ErrorIs(t, err, ErrNoChecksums)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("version: 2\nhashes: {}\n"), 0o600))
	_, err = LoadChecksums(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported checksums version")
}

func TestVerifyUnlistedFile(t *testing.T) {
	path := writeConfig(t, "{}\n")
	m := &ChecksumManifest{Version: 1, Hashes: map[string]string{}}
	err := m.Verify(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no hash")
}

func TestLockRejectsMixedDirectories(t *testing.T) {
	a := writeConfig(t, "{}\n")
	b := writeConfig(t, "{}\n")
	_, err := Lock(a, b)
	assert.Error(t, err)
}
