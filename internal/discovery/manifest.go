package discovery

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/pt2/internal/backend"
)

// Manifest is the manifest.yaml describing one backend.
type Manifest struct {
	Identifier  string   `yaml:"identifier" json:"identifier"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Icon        string   `yaml:"icon,omitempty" json:"icon,omitempty"`
	Executable  string   `yaml:"executable" json:"executable"`
	Author      string   `yaml:"author,omitempty" json:"author,omitempty"`
	Email       string   `yaml:"email,omitempty" json:"email,omitempty"`
	Website     string   `yaml:"website,omitempty" json:"website,omitempty"`
	Version     string   `yaml:"version,omitempty" json:"version,omitempty"`
	Country     string   `yaml:"country,omitempty" json:"country,omitempty"`
	Cities      []string `yaml:"cities,omitempty" json:"cities,omitempty"`
}

// Valid reports whether the manifest names a launchable backend.
func (m Manifest) Valid() bool {
	return strings.TrimSpace(m.Identifier) != "" && strings.TrimSpace(m.Executable) != ""
}

// BackendInfo is a discovered backend.
type BackendInfo struct {
	Manifest `yaml:",inline"`
	// Dir is the absolute directory holding the manifest.
	Dir string `json:"dir" yaml:"-"`
}

// IconPath resolves the icon relative to the backend directory.
func (b *BackendInfo) IconPath() string {
	if b.Icon == "" || filepath.IsAbs(b.Icon) {
		return b.Icon
	}
	return filepath.Join(b.Dir, b.Icon)
}

// Descriptor returns the launch descriptor with the configured arguments.
func (b *BackendInfo) Descriptor(arguments map[string]string) backend.Descriptor {
	args := make(map[string]string, len(arguments))
	for k, v := range arguments {
		args[k] = v
	}
	return backend.Descriptor{
		Identifier: b.Identifier,
		Executable: b.Executable,
		Arguments:  args,
	}
}

// ServesCountry matches case-insensitively. An empty country matches all.
func (b *BackendInfo) ServesCountry(country string) bool {
	return country == "" || strings.EqualFold(b.Country, country)
}

// Registry holds discovered backends indexed by identifier.
type Registry struct {
	backends map[string]*BackendInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]*BackendInfo)}
}

// Get retrieves a backend by identifier.
func (r *Registry) Get(identifier string) (*BackendInfo, bool) {
	b, ok := r.backends[identifier]
	return b, ok
}

// Len returns the number of backends.
func (r *Registry) Len() int { return len(r.backends) }

// All returns the backends sorted by identifier.
func (r *Registry) All() []*BackendInfo {
	out := make([]*BackendInfo, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Add registers a backend. The first registration of an identifier wins.
func (r *Registry) Add(b *BackendInfo) bool {
	if _, exists := r.backends[b.Identifier]; exists {
		return false
	}
	r.backends[b.Identifier] = b
	return true
}
