// Package doctor validates pt2 configuration against the discovered backends.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/mattjoyce/pt2/internal/auth"
	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/discovery"
	"github.com/mattjoyce/pt2/internal/storage"
	"github.com/mattjoyce/pt2/internal/supervisor"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered backends.
type Doctor struct {
	cfg      *config.Config
	registry *discovery.Registry
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config and backend registry.
func New(cfg *config.Config, registry *discovery.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateBackendRefs(r)
	d.validateExecutables(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnTimeouts(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks directories and the state database location.
func (d *Doctor) validateServiceConfig(r *Result) {
	for i, root := range d.cfg.BackendsDir {
		field := fmt.Sprintf("backends_dir[%d]", i)
		info, err := os.Stat(root)
		switch {
		case err != nil:
			d.addError(r, "service", field, fmt.Sprintf("backends directory %q is not readable: %v", root, err))
		case !info.IsDir():
			d.addError(r, "service", field, fmt.Sprintf("backends directory %q is not a directory", root))
		}
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "service", "state.path", err.Error())
	}
	if info, err := os.Stat(d.cfg.Service.WorkDir); err != nil || !info.IsDir() {
		d.addError(r, "service", "service.work_dir", fmt.Sprintf("work directory %q does not exist", d.cfg.Service.WorkDir))
	}
}

// validateBackendRefs checks that configured backends were discovered.
func (d *Doctor) validateBackendRefs(r *Result) {
	for _, id := range sortedKeys(d.cfg.Backends) {
		bc := d.cfg.Backends[id]
		field := fmt.Sprintf("backends.%s", id)
		if _, ok := d.registry.Get(id); !ok {
			if bc.Enabled {
				d.addError(r, "backend_refs", field,
					fmt.Sprintf("backend %q in config but not found in backends_dir", id))
			} else {
				d.addWarning(r, "backend_refs", field,
					fmt.Sprintf("disabled backend %q is not discovered", id))
			}
			continue
		}
		if bc.Autostart && !bc.Enabled {
			d.addWarning(r, "backend_refs", field+".autostart",
				fmt.Sprintf("backend %q is disabled; autostart has no effect", id))
		}
	}
}

// validateExecutables checks that every enabled backend's command line
// parses and that the program it names can be found.
func (d *Doctor) validateExecutables(r *Result) {
	providerChecked := false
	for _, info := range d.registry.All() {
		if !d.cfg.Backend(info.Identifier).Enabled {
			continue
		}
		field := fmt.Sprintf("backends.%s.executable", info.Identifier)
		usesProvider := strings.Contains(info.Executable, supervisor.ProviderPlaceholder)
		argv, err := shlex.Split(strings.ReplaceAll(info.Executable, supervisor.ProviderPlaceholder, "provider"))
		if err != nil || len(argv) == 0 {
			d.addError(r, "executables", field,
				fmt.Sprintf("backend %q has an unparsable executable %q", info.Identifier, info.Executable))
			continue
		}
		if usesProvider {
			if !providerChecked {
				providerChecked = true
				if _, err := d.lookPath(d.cfg.Service.ProviderPath); err != nil {
					d.addWarning(r, "executables", "service.provider_path",
						fmt.Sprintf("backend runtime %q not found: %v", d.cfg.Service.ProviderPath, err))
				}
			}
			continue
		}
		program := argv[0]
		if !filepath.IsAbs(program) && strings.Contains(program, string(filepath.Separator)) {
			program = filepath.Join(d.cfg.Service.WorkDir, program)
		}
		if _, err := d.lookPath(program); err != nil {
			d.addWarning(r, "executables", field,
				fmt.Sprintf("backend %q program %q not found: %v", info.Identifier, argv[0], err))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every caller has full access")
	}
}

// validateTokenScopes checks that scopes are ones the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnTimeouts flags timeouts that disable a safety net.
func (d *Doctor) warnTimeouts(r *Result) {
	for _, id := range sortedKeys(d.cfg.Backends) {
		bc := d.cfg.Backends[id]
		if !bc.Enabled || bc.Timeouts == nil {
			continue
		}
		field := fmt.Sprintf("backends.%s.timeouts", id)
		if bc.Timeouts.Register == 0 {
			d.addWarning(r, "timeouts", field+".register",
				fmt.Sprintf("backend %q has no registration deadline; a silent backend stays launching", id))
		}
		if bc.Timeouts.Request == 0 {
			d.addWarning(r, "timeouts", field+".request",
				fmt.Sprintf("backend %q has no request timeout; synchronous calls may wait until the client gives up", id))
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
}

func sortedKeys(m map[string]config.BackendConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, issue Issue) {
	if issue.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, issue.Category, issue.Field, issue.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, issue.Category, issue.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
