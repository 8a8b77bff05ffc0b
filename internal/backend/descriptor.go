package backend

import (
	"fmt"
	"sort"
)

// Descriptor is the immutable identity and launch configuration of a backend.
type Descriptor struct {
	Identifier string
	// Executable is a command template. It may contain the $PROVIDER placeholder.
	Executable string
	Arguments  map[string]string
}

// ArgumentList renders Arguments as "--key value" pairs in key order.
func (d Descriptor) ArgumentList() []string {
	keys := make([]string, 0, len(d.Arguments))
	for k := range d.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("--%s", k), d.Arguments[k])
	}
	return out
}

// Clone returns a deep copy so the wrapper never shares its arguments map.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Arguments != nil {
		out.Arguments = make(map[string]string, len(d.Arguments))
		for k, v := range d.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}
