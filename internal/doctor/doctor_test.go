package doctor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/discovery"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	timeouts := config.DefaultTimeouts()
	return &config.Config{
		Service: config.ServiceConfig{
			Name:         "test",
			LogLevel:     "info",
			WorkDir:      dir,
			ProviderPath: "pt2-provider",
			SocketDir:    dir,
		},
		State:       config.StateConfig{Path: dir + "/state.db"},
		BackendsDir: []string{dir},
		Backends: map[string]config.BackendConfig{
			"org.test": {Enabled: true, Autostart: true, Timeouts: &timeouts},
		},
	}
}

func registryWith(backends ...*discovery.BackendInfo) *discovery.Registry {
	r := discovery.NewRegistry()
	for _, b := range backends {
		_ = r.Add(b)
	}
	return r
}

func testBackend() *discovery.BackendInfo {
	return &discovery.BackendInfo{Manifest: discovery.Manifest{
		Identifier: "org.test",
		Name:       "Test",
		Executable: "$PROVIDER test",
	}}
}

func newDoctor(cfg *config.Config, reg *discovery.Registry) *Doctor {
	d := New(cfg, reg)
	d.lookPath = func(p string) (string, error) { return p, nil }
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t), registryWith(testBackend())).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingBackendsDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.BackendsDir = []string{cfg.Service.WorkDir + "/missing"}
	r := newDoctor(cfg, registryWith(testBackend())).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "service", "not readable")
}

func TestValidate_BackendNotDiscovered(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t), registryWith()).Validate()
	assertHasError(t, r, "backend_refs", "not found in backends_dir")
}

func TestValidate_DisabledBackendNotDiscoveredIsWarning(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Backends["org.test"] = config.BackendConfig{Enabled: false}
	r := newDoctor(cfg, registryWith()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "backend_refs", "not discovered")
}

func TestValidate_UnparsableExecutable(t *testing.T) {
	t.Parallel()
	b := testBackend()
	b.Executable = `"/bin/unterminated`
	r := newDoctor(validConfig(t), registryWith(b)).Validate()
	assertHasError(t, r, "executables", "unparsable")
}

func TestValidate_ProgramNotFound(t *testing.T) {
	t.Parallel()
	b := testBackend()
	b.Executable = "/opt/none/backend --fast"
	d := New(validConfig(t), registryWith(b))
	d.lookPath = func(p string) (string, error) { return "", errors.New("missing") }
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "executables", "/opt/none/backend")
}

func TestValidate_ProviderNotFound(t *testing.T) {
	t.Parallel()
	d := New(validConfig(t), registryWith(testBackend()))
	d.lookPath = func(p string) (string, error) { return "", errors.New("missing") }
	r := d.Validate()
	assertHasWarning(t, r, "executables", "backend runtime")
}

func TestValidate_UnknownScope(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API = config.APIConfig{
		Enabled: true,
		Listen:  "127.0.0.1:0",
		Auth: config.APIAuthConfig{Tokens: []config.APIToken{
			{Token: "t", Scopes: []string{"backends:ro", "jobs:rw"}},
		}},
	}
	r := newDoctor(cfg, registryWith(testBackend())).Validate()
	assertHasError(t, r, "token_scopes", `"jobs:rw"`)
}

func TestValidate_WarnUnauthenticatedAPI(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API = config.APIConfig{Enabled: true, Listen: "127.0.0.1:0"}
	r := newDoctor(cfg, registryWith(testBackend())).Validate()
	assertHasWarning(t, r, "api", "no authentication")
}

func TestValidate_WarnDisabledTimeouts(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Backends["org.test"] = config.BackendConfig{
		Enabled:  true,
		Timeouts: &config.TimeoutsConfig{StopGrace: time.Second, Wait: time.Second, Kill: time.Second},
	}
	r := newDoctor(cfg, registryWith(testBackend())).Validate()
	assertHasWarning(t, r, "timeouts", "no registration deadline")
	assertHasWarning(t, r, "timeouts", "no request timeout")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		r    *Result
		want []string
	}{
		{name: "valid", r: &Result{Valid: true}, want: []string{"Configuration valid."}},
		{
			name: "warnings",
			r:    &Result{Valid: true, Warnings: []Issue{{Category: "api", Message: "open"}}},
			want: []string{"1 warning(s)", "WARN  [api] open"},
		},
		{
			name: "errors",
			r:    &Result{Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}}},
			want: []string{"invalid", "ERROR [test] x.y: broken"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FormatHuman(tt.r)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Fatalf("expected %q in output, got: %s", w, out)
				}
			}
		})
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
