// Package affinity keeps the CPU pinning table consulted by pipeline workers.
//
// Keys are "<module>/<connection>"; a key of just "<module>" applies to every
// connection of that module. Workers call Apply from inside their goroutine,
// which locks the goroutine to its OS thread before pinning. The thread is
// discarded when the goroutine returns.
package affinity

import (
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Key builds the table key for a module connection
func Key(module, connection string) string {
	return module + "/" + connection
}

// Table maps worker keys to CPU sets. The zero value is not usable; a nil
// *Table pins nothing.
type Table struct {
	mu   sync.RWMutex
	pins map[string][]int
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{pins: make(map[string][]int)}
}

func normalize(key string, cpus []int) ([]int, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Table", "Set", "empty pin key")
	}
	if len(cpus) == 0 {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "pin %q has no cpus", key)
	}
	for _, cpu := range cpus {
		if cpu < 0 {
			return nil, errors.Errorf(errors.ErrInvalidConfig, "pin %q has negative cpu %d", key, cpu)
		}
	}
	out := slices.Clone(cpus)
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Set pins key to cpus
func (t *Table) Set(key string, cpus []int) error {
	set, err := normalize(key, cpus)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pins[key] = set
	t.mu.Unlock()
	return nil
}

// Replace validates every entry of pins and then swaps the whole table
func (t *Table) Replace(pins map[string][]int) error {
	next := make(map[string][]int, len(pins))
	for key, cpus := range pins {
		set, err := normalize(key, cpus)
		if err != nil {
			return err
		}
		next[key] = set
	}
	t.mu.Lock()
	t.pins = next
	t.mu.Unlock()
	return nil
}

// Clear removes every pin
func (t *Table) Clear() {
	t.mu.Lock()
	t.pins = make(map[string][]int)
	t.mu.Unlock()
}

// Len returns the number of keys
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pins)
}

// Snapshot copies the table
func (t *Table) Snapshot() map[string][]int {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]int, len(t.pins))
	for k, v := range t.pins {
		out[k] = slices.Clone(v)
	}
	return out
}

// Lookup returns the cpus for a module connection, falling back to the
// module-wide entry.
func (t *Table) Lookup(module, connection string) ([]int, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cpus, ok := t.pins[Key(module, connection)]; ok {
		return slices.Clone(cpus), true
	}
	if cpus, ok := t.pins[module]; ok {
		return slices.Clone(cpus), true
	}
	return nil, false
}

// Apply pins the calling goroutine if the table has an entry for it. It
// reports whether a pin was applied.
func (t *Table) Apply(module, connection string) (bool, error) {
	cpus, ok := t.Lookup(module, connection)
	if !ok {
		return false, nil
	}

	runtime.LockOSThread()
	if err := pin(cpus); err != nil {
		runtime.UnlockOSThread()
		return false, errors.Errorf(errors.ErrResource, "pin %s to %v: %v", Key(module, connection), cpus, err)
	}
	return true, nil
}
