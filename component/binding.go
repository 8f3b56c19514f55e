package component

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

type boundPipeline struct {
	conn       Connection
	pipeline   Pipeline
	configured bool
}

// Binding is a module's name→Pipeline map. Entries are added only by init
// and never removed; scrap resets their configured flags.
type Binding struct {
	order   []string
	entries map[string]*boundPipeline
	mu      sync.RWMutex
}

// NewBinding creates an empty binding
func NewBinding() *Binding {
	return &Binding{entries: make(map[string]*boundPipeline)}
}

// Add binds pipeline to conn.Name. Duplicate names are rejected.
func (b *Binding) Add(conn Connection, pipeline Pipeline) error {
	if pipeline == nil {
		return errors.Errorf(errors.ErrInitialization, "nil pipeline for connection %q", conn.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[conn.Name]; exists {
		return errors.Errorf(errors.ErrDuplicateConnection, "connection %q already bound", conn.Name)
	}
	b.entries[conn.Name] = &boundPipeline{conn: conn, pipeline: pipeline}
	b.order = append(b.order, conn.Name)
	return nil
}

// Has reports whether name is bound
func (b *Binding) Has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[name]
	return ok
}

// Get returns the pipeline bound to name
func (b *Binding) Get(name string) (Pipeline, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bp, ok := b.entries[name]
	if !ok {
		return nil, false
	}
	return bp.pipeline, true
}

// Connection returns the bound connection for name
func (b *Binding) Connection(name string) (Connection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bp, ok := b.entries[name]
	if !ok {
		return Connection{}, false
	}
	return bp.conn, true
}

// Names returns bound connection names in insertion order
func (b *Binding) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.order)
}

// Len returns the number of bound pipelines
func (b *Binding) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Configured reports whether the pipeline bound to name is configured
func (b *Binding) Configured(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bp, ok := b.entries[name]
	return ok && bp.configured
}

// AllConfigured reports whether every bound pipeline is configured
func (b *Binding) AllConfigured() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, bp := range b.entries {
		if !bp.configured {
			return false
		}
	}
	return true
}

func (b *Binding) setConfigured(name string, configured bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bp, ok := b.entries[name]; ok {
		bp.configured = configured
	}
}

// Plan validates a conf payload against the binding without mutating it.
// It fails on unknown names, on pipelines already configured, and when the
// entries would leave any pipeline unconfigured. On success it returns the
// names to configure, in binding order.
func (b *Binding) Plan(entries map[string]json.RawMessage) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var unknown []string
	for name := range entries {
		if _, ok := b.entries[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, errors.Errorf(errors.ErrUnknownConnection, "cannot find pipeline for %v", unknown)
	}

	var planned, missing []string
	for _, name := range b.order {
		bp := b.entries[name]
		_, present := entries[name]
		switch {
		case present && bp.configured:
			return nil, errors.Errorf(errors.ErrAlreadyConfigured, "pipeline %q configured twice without scrap", name)
		case present:
			planned = append(planned, name)
		case !bp.configured:
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Errorf(errors.ErrNotConfigured, "no configuration for %v", missing)
	}
	return planned, nil
}

type bindingEntry struct {
	name       string
	conn       Connection
	pipeline   Pipeline
	configured bool
}

// snapshot copies the entries so callers can iterate without holding the lock
func (b *Binding) snapshot() []bindingEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]bindingEntry, 0, len(b.order))
	for _, name := range b.order {
		bp := b.entries[name]
		out = append(out, bindingEntry{name: name, conn: bp.conn, pipeline: bp.pipeline, configured: bp.configured})
	}
	return out
}
