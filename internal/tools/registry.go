// Package tools executes the closed set of plan tools. The registry is
// fixed at build time; plans naming anything else are rejected before
// execution.
package tools

import "sort"

// Tool classes.
const (
	ClassRead    = "read"
	ClassWrite   = "write"
	ClassNetwork = "network"
)

// Spec describes one registered tool.
type Spec struct {
	Name             string
	Class            string
	RequiresApproval bool
}

// Registry is a fixed name-to-spec lookup.
type Registry struct {
	specs map[string]Spec
}

func NewRegistry(specs ...Spec) *Registry {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return &Registry{specs: m}
}

// Default returns the closed tool set.
func Default() *Registry {
	return NewRegistry(
		Spec{Name: "fs.read_text", Class: ClassRead},
		Spec{Name: "fs.list_dir", Class: ClassRead},
		Spec{Name: "fs.propose_write_file", Class: ClassWrite},
		Spec{Name: "fs.apply_write_file", Class: ClassWrite, RequiresApproval: true},
		Spec{Name: "fs.move", Class: ClassWrite, RequiresApproval: true},
		Spec{Name: "fs.rename", Class: ClassWrite, RequiresApproval: true},
		Spec{Name: "doc.extract_text", Class: ClassRead},
		Spec{Name: "web.fetch", Class: ClassNetwork, RequiresApproval: true},
	)
}

func (r *Registry) Get(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Known reports whether name is a registered tool. Matches the gate's
// allowlist check signature.
func (r *Registry) Known(name string) bool {
	_, ok := r.specs[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
