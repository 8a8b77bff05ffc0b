package config

import "time"

// Config represents the complete pt2 configuration.
type Config struct {
	Service     ServiceConfig            `yaml:"service"`
	State       StateConfig              `yaml:"state"`
	API         APIConfig                `yaml:"api,omitempty"`
	BackendsDir []string                 `yaml:"backends_dir"`
	Backends    map[string]BackendConfig `yaml:"backends"`

	// Path is the absolute path the configuration was loaded from.
	Path string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// WorkDir is the working directory of every backend process.
	WorkDir string `yaml:"work_dir"`
	// ProviderPath is the backend runtime substituted for $PROVIDER.
	ProviderPath string `yaml:"provider_path"`
	// SocketDir holds the backend channel endpoints.
	SocketDir string `yaml:"socket_dir"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// BackendConfig is the per-backend override keyed by identifier.
type BackendConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Autostart bool              `yaml:"autostart"`
	Arguments map[string]string `yaml:"arguments,omitempty"`
	Timeouts  *TimeoutsConfig   `yaml:"timeouts,omitempty"`
}

// TimeoutsConfig bounds each lifecycle phase of a backend.
type TimeoutsConfig struct {
	// Register is how long a launched backend has to register. Zero disables.
	Register time.Duration `yaml:"register"`
	// StopGrace is how long Shutdown waits after stop before killing.
	StopGrace time.Duration `yaml:"stop_grace"`
	// Wait bounds WaitForStopped.
	Wait time.Duration `yaml:"wait"`
	// Kill bounds the wait after SIGKILL.
	Kill time.Duration `yaml:"kill"`
	// Request bounds a synchronous call.
	Request time.Duration `yaml:"request"`
	// Send is how long a message may sit unread on the channel before the
	// backend is killed.
	Send time.Duration `yaml:"send"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "pt2",
			LogLevel:     "info",
			WorkDir:      ".",
			ProviderPath: "pt2-provider",
			SocketDir:    "./data/sockets",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		BackendsDir: []string{"./backends"},
		Backends:    make(map[string]BackendConfig),
	}
}

// DefaultTimeouts returns the lifecycle timeouts used when a backend sets none.
func DefaultTimeouts() TimeoutsConfig {
	return TimeoutsConfig{
		Register:  10 * time.Second,
		StopGrace: 5 * time.Second,
		Wait:      5 * time.Second,
		Kill:      10 * time.Second,
		Request:   30 * time.Second,
		Send:      10 * time.Second,
	}
}

// DefaultBackendConfig returns the configuration of a discovered backend
// that has no entry under backends.
func DefaultBackendConfig() BackendConfig {
	t := DefaultTimeouts()
	return BackendConfig{Enabled: true, Timeouts: &t}
}

// Backend returns the effective configuration for identifier.
func (c *Config) Backend(identifier string) BackendConfig {
	bc, ok := c.Backends[identifier]
	if !ok {
		return DefaultBackendConfig()
	}
	return bc
}
