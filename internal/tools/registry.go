// Package tools implements the tool compatibility registry: which tools
// exist, which providers may see them, and how a declaration is shaped for a
// given provider. Execution is out of scope; the registry only decides what
// goes on the wire.
package tools

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/kestrel0/kestrel/internal/llm"
)

// Capability names a provider capability a tool can require. A tool that
// requires a capability is withheld from providers that do not declare it.
type Capability string

const (
	// CapabilityTools requires native tool calling. Tools without it are
	// assumed inert declarations (e.g. documentation-only) and pass through.
	CapabilityTools Capability = "tools"

	// CapabilityImages requires multimodal input support.
	CapabilityImages Capability = "images"
)

// Registration describes one tool and its provider compatibility.
type Registration struct {
	Declaration llm.ToolDeclaration

	// Providers restricts the tool to the listed provider ids. Empty means
	// every provider.
	Providers []string

	// Requires withholds the tool from providers lacking the capability.
	Requires Capability

	// Overrides replaces the declaration for specific providers, for wire
	// formats with diverging schema dialects.
	Overrides map[string]llm.ToolDeclaration
}

// Registry is the tool compatibility table. Safe for concurrent use; reads
// dominate, registration happens at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Registration
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Registration)}
}

// Register adds a tool. A nameless declaration or a duplicate name is an
// error; an override for a provider outside the Providers list is accepted
// but unreachable, which Validate reports as a warning.
func (r *Registry) Register(reg Registration) error {
	name := reg.Declaration.Name
	if name == "" {
		return fmt.Errorf("%w: tool declaration has no name", llm.ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: tool %q already registered", llm.ErrInvalidRequest, name)
	}
	r.tools[name] = reg
	r.order = append(r.order, name)
	return nil
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// IsSupported reports whether the named tool may be offered to providerID
// with the given capabilities. Unknown tools are unsupported.
func (r *Registry) IsSupported(name, providerID string, caps llm.Capabilities) bool {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return supported(reg, providerID, caps)
}

func supported(reg Registration, providerID string, caps llm.Capabilities) bool {
	if len(reg.Providers) > 0 {
		found := false
		for _, p := range reg.Providers {
			if p == providerID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	switch reg.Requires {
	case CapabilityTools:
		return caps.Tools
	case CapabilityImages:
		return caps.Images
	}
	return true
}

// ForProvider resolves names into wire declarations for providerID, applying
// per-provider overrides and dropping unsupported or unknown tools. Nil names
// means every registered tool.
func (r *Registry) ForProvider(providerID string, caps llm.Capabilities, names []string) []llm.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		names = r.order
	}

	decls := make([]llm.ToolDeclaration, 0, len(names))
	for _, name := range names {
		reg, ok := r.tools[name]
		if !ok || !supported(reg, providerID, caps) {
			continue
		}
		if override, ok := reg.Overrides[providerID]; ok {
			decls = append(decls, override)
			continue
		}
		decls = append(decls, reg.Declaration)
	}
	return decls
}

// Filter splits names into those providerID can receive and those it cannot.
// Unknown names land in unsupported.
func (r *Registry) Filter(names []string, providerID string, caps llm.Capabilities) (supportedNames, unsupportedNames []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		reg, ok := r.tools[name]
		if ok && supported(reg, providerID, caps) {
			supportedNames = append(supportedNames, name)
		} else {
			unsupportedNames = append(unsupportedNames, name)
		}
	}
	return supportedNames, unsupportedNames
}

// Unsupported lists every registered tool providerID cannot receive, sorted.
func (r *Registry) Unsupported(providerID string, caps llm.Capabilities) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, reg := range r.tools {
		if !supported(reg, providerID, caps) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks names against the registry for providerID with the given
// capabilities. Tools the provider does not list at all (unknown names, or a
// Providers list excluding it) are warnings: the registry simply withholds
// them. A tool the provider does list but whose required capability the
// provider lacks is an error, since offering it could never work. Unreachable
// overrides are warnings. Configurations with warnings still run.
func (r *Registry) Validate(names []string, providerID string, caps llm.Capabilities) (warnings []string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		reg, ok := r.tools[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("tool %q is not registered", name))
			continue
		}

		if len(reg.Providers) > 0 && !slices.Contains(reg.Providers, providerID) {
			warnings = append(warnings,
				fmt.Sprintf("tool %q does not list provider %q", name, providerID))
			continue
		}
		if !supported(reg, providerID, caps) {
			return warnings, fmt.Errorf("%w: tool %q requires capability %q that provider %q lacks",
				llm.ErrUnsupportedFeature, name, reg.Requires, providerID)
		}

		if len(reg.Providers) == 0 {
			continue
		}
		for overrideFor := range reg.Overrides {
			reachable := false
			for _, p := range reg.Providers {
				if p == overrideFor {
					reachable = true
					break
				}
			}
			if !reachable {
				warnings = append(warnings,
					fmt.Sprintf("tool %q: override for %q is unreachable, provider not in supported list", name, overrideFor))
			}
		}
	}
	sort.Strings(warnings)
	return warnings, nil
}
