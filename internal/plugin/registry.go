package plugin

import (
	"fmt"
	"sort"
	"sync"

	"weaver/internal/logging"
)

// Registry holds all registered plugin manifests and supports lookup by
// name, kind, language, and capability, grounded on
// internal/tools/registry.go's map+RWMutex shape, generalized from a flat
// name index to the secondary language/capability indices spec §4.5
// requires.
type Registry struct {
	mu           sync.RWMutex
	byName       map[string]Manifest
	byKind       map[Kind][]string
	byLanguage   map[string][]string
	byCapability map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:       make(map[string]Manifest),
		byKind:       make(map[Kind][]string),
		byLanguage:   make(map[string][]string),
		byCapability: make(map[string][]string),
	}
}

// Register adds a manifest. Duplicate names are rejected, matching spec
// §4.5's "duplicate names rejected on register".
func (r *Registry) Register(m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[m.Name]; exists {
		return fmt.Errorf("plugin %q is already registered", m.Name)
	}

	r.byName[m.Name] = m
	r.byKind[m.Kind] = append(r.byKind[m.Kind], m.Name)
	for _, lang := range m.Languages {
		r.byLanguage[lang] = append(r.byLanguage[lang], m.Name)
	}
	for _, cap := range m.Capabilities {
		r.byCapability[cap] = append(r.byCapability[cap], m.Name)
	}

	logging.Get(logging.CategoryPlugin).Sugar().Debugf(
		"registered plugin %s (kind=%s, languages=%v, capabilities=%v)",
		m.Name, m.Kind, m.Languages, m.Capabilities)
	return nil
}

// Get returns the manifest for name, or false if absent.
func (r *Registry) Get(name string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// ByKind returns all manifest names of the given kind, sorted.
func (r *Registry) ByKind(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedCopy(r.byKind[kind])
}

// ByLanguage returns all manifest names declaring language, sorted.
func (r *Registry) ByLanguage(language string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedCopy(r.byLanguage[language])
}

// ByCapability returns all manifest names declaring capability, sorted.
func (r *Registry) ByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedCopy(r.byCapability[capability])
}

// ResolveProvider returns the single manifest serving (language, capability)
// deterministically, per spec §4.5's "at most one manifest per
// (language, capability) returned deterministically" — when several
// plugins qualify, the lexicographically first name wins.
func (r *Registry) ResolveProvider(language, capability string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for _, name := range r.byLanguage[language] {
		m := r.byName[name]
		for _, c := range m.Capabilities {
			if c == capability {
				candidates = append(candidates, name)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return Manifest{}, false
	}
	sort.Strings(candidates)
	return r.byName[candidates[0]], true
}

// Names returns every registered manifest name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered manifests.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

func (r *Registry) sortedCopy(names []string) []string {
	out := make([]string, len(names))
	copy(out, names)
	sort.Strings(out)
	return out
}
