// Package discovery finds backends described by manifest.yaml files.
package discovery

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

// Discover scans roots for manifest.yaml files. Roots are processed in
// order; duplicate identifiers keep the first discovered backend. Invalid
// manifests are logged and skipped.
func Discover(roots []string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	absRoots, err := resolveRoots(roots)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			info, err := loadBackend(filepath.Dir(path))
			if err != nil {
				logger.Warn("failed to load backend", "root", root, "path", path, "error", err)
				return nil
			}
			if !registry.Add(info) {
				existing, _ := registry.Get(info.Identifier)
				logger.Warn("duplicate backend ignored (keeping first discovered)",
					"backend", info.Identifier, "ignored_path", info.Dir, "kept_path", existing.Dir)
				return nil
			}
			logger.Info("loaded backend", "backend", info.Identifier, "path", info.Dir, "version", info.Version)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan backend root %s: %w", root, err)
		}
	}
	return registry, nil
}

func resolveRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve backend root %q: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("backend root does not exist: %s", abs)
			}
			return nil, fmt.Errorf("failed to stat backend root %s: %w", abs, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("backend root is not a directory: %s", abs)
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one backend root is required")
	}
	return out, nil
}

// loadBackend reads and validates the manifest in dir.
func loadBackend(dir string) (*BackendInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	m.Identifier = strings.TrimSpace(m.Identifier)
	if !m.Valid() {
		return nil, fmt.Errorf("invalid manifest: identifier and executable are required")
	}

	// A world-writable backend directory lets anyone swap the executable.
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("backend directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return nil, fmt.Errorf("backend directory is world-writable: %s", dir)
	}

	return &BackendInfo{Manifest: m, Dir: dir}, nil
}
