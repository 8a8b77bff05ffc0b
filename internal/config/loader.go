package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies and validates configuration from a file. A directory
// is accepted and means <dir>/config.yaml. When a .checksums manifest sits
// next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyIfLocked(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	resolveRelativePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// Parse decodes configuration bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath returns the absolute config file path. A directory means
// <dir>/config.yaml.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func verifyIfLocked(absPath string) error {
	manifest, err := LoadChecksums(filepath.Dir(absPath))
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}
	return manifest.Verify(absPath)
}

// applyConfigDefaults fills in zero-valued settings and per-backend timeouts.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.WorkDir == "" {
		cfg.Service.WorkDir = defaults.Service.WorkDir
	}
	if cfg.Service.ProviderPath == "" {
		cfg.Service.ProviderPath = defaults.Service.ProviderPath
	}
	if cfg.Service.SocketDir == "" {
		cfg.Service.SocketDir = defaults.Service.SocketDir
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Backends == nil {
		cfg.Backends = make(map[string]BackendConfig)
	}
	for id, bc := range cfg.Backends {
		cfg.Backends[id] = mergeBackendDefaults(bc)
	}
}

func mergeBackendDefaults(bc BackendConfig) BackendConfig {
	d := DefaultTimeouts()
	if bc.Timeouts == nil {
		bc.Timeouts = &d
		return bc
	}
	t := *bc.Timeouts
	if t.StopGrace == 0 {
		t.StopGrace = d.StopGrace
	}
	if t.Wait == 0 {
		t.Wait = d.Wait
	}
	if t.Kill == 0 {
		t.Kill = d.Kill
	}
	if t.Request == 0 {
		t.Request = d.Request
	}
	if t.Send == 0 {
		t.Send = d.Send
	}
	// Register stays as configured: zero disables the deadline.
	bc.Timeouts = &t
	return bc
}

// resolveRelativePaths anchors relative paths at the config file directory.
func resolveRelativePaths(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.Service.WorkDir = abs(cfg.Service.WorkDir)
	cfg.Service.SocketDir = abs(cfg.Service.SocketDir)
	cfg.State.Path = abs(cfg.State.Path)
	if strings.ContainsRune(cfg.Service.ProviderPath, filepath.Separator) {
		cfg.Service.ProviderPath = abs(cfg.Service.ProviderPath)
	}
	for i, dir := range cfg.BackendsDir {
		cfg.BackendsDir[i] = abs(dir)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Service.SocketDir == "" {
		return fmt.Errorf("service.socket_dir is required")
	}
	if len(cfg.BackendsDir) == 0 {
		return fmt.Errorf("backends_dir is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			return fmt.Errorf("api.auth.api_key references an unset environment variable: %s", cfg.API.Auth.APIKey)
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
			}
			if envVarPattern.MatchString(tok.Token) {
				return fmt.Errorf("api.auth.tokens[%d].token references an unset environment variable", i)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d] has no scopes", i)
			}
		}
	}

	for id, bc := range cfg.Backends {
		if id == "" {
			return fmt.Errorf("backends: empty identifier")
		}
		if bc.Timeouts == nil {
			continue
		}
		t := bc.Timeouts
		for name, d := range map[string]int64{
			"register":   int64(t.Register),
			"stop_grace": int64(t.StopGrace),
			"wait":       int64(t.Wait),
			"kill":       int64(t.Kill),
			"request":    int64(t.Request),
			"send":       int64(t.Send),
		} {
			if d < 0 {
				return fmt.Errorf("backends.%s.timeouts.%s must not be negative", id, name)
			}
		}
	}
	return nil
}
