package component

import (
	"fmt"
	"slices"
	"sync"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Constructor builds an unconfigured, unstarted pipeline. It must not start
// background work.
type Constructor func(pc PipelineContext) (Pipeline, error)

// Dispatcher maps exact payload-type tags to pipeline constructors. Tables
// are filled once at startup and only read afterwards.
type Dispatcher struct {
	name         string
	constructors map[string]Constructor
	mu           sync.RWMutex
}

// NewDispatcher creates an empty dispatch table
func NewDispatcher(name string) *Dispatcher {
	return &Dispatcher{
		name:         name,
		constructors: make(map[string]Constructor),
	}
}

// Name returns the table name used in error messages
func (d *Dispatcher) Name() string {
	return d.name
}

// Register adds a constructor for tag. Tags are matched by exact equality;
// registering the same tag twice fails.
func (d *Dispatcher) Register(tag string, ctor Constructor) error {
	if tag == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "Register", "empty payload type")
	}
	if ctor == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "Register",
			fmt.Sprintf("nil constructor for %q", tag))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.constructors[tag]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "Register",
			fmt.Sprintf("payload type %q already registered in %s", tag, d.name))
	}
	d.constructors[tag] = ctor
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (d *Dispatcher) MustRegister(tag string, ctor Constructor) {
	if err := d.Register(tag, ctor); err != nil {
		panic(err)
	}
}

// Tags returns the registered tags in sorted order
func (d *Dispatcher) Tags() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tags := make([]string, 0, len(d.constructors))
	for tag := range d.constructors {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// Supports reports whether tag has a constructor
func (d *Dispatcher) Supports(tag string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.constructors[tag]
	return ok
}

// ResolveTag returns the single tag advertised for connection
func (d *Dispatcher) ResolveTag(connection string, lookup PayloadTypeLookup) (string, error) {
	if lookup == nil {
		return "", errors.Errorf(errors.ErrAmbiguousPayloadType, "no payload type lookup for %q", connection)
	}
	tags := lookup.PayloadTypes(connection)
	if len(tags) != 1 {
		return "", errors.Errorf(errors.ErrAmbiguousPayloadType,
			"connection %q advertises %d payload types %v", connection, len(tags), tags)
	}
	return tags[0], nil
}

// Lookup returns the constructor registered for tag. connection only labels
// the error.
func (d *Dispatcher) Lookup(connection, tag string) (Constructor, error) {
	d.mu.RLock()
	ctor, ok := d.constructors[tag]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf(errors.ErrNoImplementation,
			"%s has no pipeline for payload type %q on connection %q", d.name, tag, connection)
	}
	return ctor, nil
}

// Resolve selects the constructor for pc.Connection and builds its pipeline.
// The resolved tag is recorded on the connection handed to the constructor.
func (d *Dispatcher) Resolve(pc PipelineContext, lookup PayloadTypeLookup) (Pipeline, error) {
	name := pc.Connection.Name

	tag, err := d.ResolveTag(name, lookup)
	if err != nil {
		return nil, err
	}

	ctor, err := d.Lookup(name, tag)
	if err != nil {
		return nil, err
	}

	pc.Connection.PayloadType = tag
	if pc.Logger != nil {
		pc.Logger = pc.Logger.With("connection", name, "payload_type", tag)
	}

	pipeline, err := ctor(pc)
	if err != nil {
		return nil, fmt.Errorf("%s: constructing %q pipeline for connection %q: %w: %w",
			d.name, tag, name, errors.ErrInitialization, err)
	}
	if pipeline == nil {
		return nil, errors.Errorf(errors.ErrInitialization,
			"%s: constructor for %q returned no pipeline", d.name, tag)
	}
	return pipeline, nil
}
