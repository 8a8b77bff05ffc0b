package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to the config file.
const ChecksumFile = ".checksums"

// ErrNoChecksums is returned when no manifest exists.
var ErrNoChecksums = errors.New("checksums file not found (run 'pt2 config lock')")

// ChecksumManifest records the expected BLAKE3 hash of each locked file,
// keyed by base name.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock hashes files (which must share a directory) and writes the manifest
// into that directory. It returns the manifest path.
func Lock(files ...string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("no files to lock")
	}
	dir := filepath.Dir(files[0])
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, f := range files {
		if filepath.Dir(f) != dir {
			return "", fmt.Errorf("%s is not in %s", f, dir)
		}
		hash, err := ComputeBlake3Hash(f)
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", filepath.Base(f), err)
		}
		manifest.Hashes[filepath.Base(f)] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}
	path := filepath.Join(dir, ChecksumFile)
	// Restrictive permissions: the manifest is the trust anchor.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return path, nil
}

// LoadChecksums reads the manifest from dir.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// Verify checks path against its recorded hash.
func (m *ChecksumManifest) Verify(path string) error {
	name := filepath.Base(path)
	expected, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s\nRun: pt2 config lock", name, ChecksumFile)
	}
	actual, err := ComputeBlake3Hash(path)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("config verification failed for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: pt2 config lock", name, expected, actual)
	}
	return nil
}
