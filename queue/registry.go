package queue

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/metric"
	"github.com/DUNE-DAQ/readoutmodules/natsclient"
	"github.com/DUNE-DAQ/readoutmodules/pkg/buffer"
)

// Kind selects the queue implementation for a connection
type Kind string

const (
	KindMemory Kind = "memory"
	KindNATS   Kind = "nats"
	KindUDP    Kind = "udp"
)

// DefaultCapacity is used for memory queues declared without a capacity
const DefaultCapacity = 1000

// Spec declares one named connection
type Spec struct {
	Name         string   `json:"name"                    yaml:"name"`
	PayloadTypes []string `json:"payload_types"           yaml:"payload_types"`
	Kind         Kind     `json:"kind,omitempty"          yaml:"kind,omitempty"`
	Capacity     int      `json:"capacity,omitempty"      yaml:"capacity,omitempty"`
	Subject      string   `json:"subject,omitempty"       yaml:"subject,omitempty"`
	Address      string   `json:"address,omitempty"       yaml:"address,omitempty"`
}

// Validate checks a declaration in isolation
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.Errorf(errors.ErrInvalidConfig, "queue with empty name")
	}
	switch s.Kind {
	case "", KindMemory:
	case KindNATS:
		if s.Subject == "" {
			return errors.Errorf(errors.ErrMissingConfig, "queue %q: nats queues need a subject", s.Name)
		}
	case KindUDP:
		if s.Address == "" {
			return errors.Errorf(errors.ErrMissingConfig, "queue %q: udp queues need an address", s.Name)
		}
	default:
		return errors.Errorf(errors.ErrInvalidConfig, "queue %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.Capacity < 0 {
		return errors.Errorf(errors.ErrInvalidConfig, "queue %q: negative capacity", s.Name)
	}
	return nil
}

// builder creates the typed endpoint for one payload type
type builder func(spec Spec, r *Registry) (Endpoint, error)

// Registry holds the declared connections of an application and lazily
// creates one endpoint per name. It implements component.Transport.
type Registry struct {
	natsClient *natsclient.Client
	metrics    *metric.MetricsRegistry
	logger     *slog.Logger

	mu        sync.Mutex
	specs     map[string]Spec
	builders  map[string]builder
	endpoints map[string]Endpoint
}

var _ component.Transport = (*Registry)(nil)

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithNATSClient enables nats queues
func WithNATSClient(client *natsclient.Client) RegistryOption {
	return func(r *Registry) { r.natsClient = client }
}

// WithMetrics exports memory queue statistics
func WithMetrics(registry *metric.MetricsRegistry) RegistryOption {
	return func(r *Registry) { r.metrics = registry }
}

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    slog.Default(),
		specs:     make(map[string]Spec),
		builders:  make(map[string]builder),
		endpoints: make(map[string]Endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register teaches r how to build queues carrying T for each tag
func Register[T any](r *Registry, codec Codec[T], tags ...string) {
	if codec == nil {
		codec = MsgpackCodec[T]{}
	}
	build := func(spec Spec, r *Registry) (Endpoint, error) {
		switch spec.Kind {
		case KindNATS:
			return NewNATS[T](spec.Name, spec.Subject, r.natsClient, codec)
		case KindUDP:
			return NewUDP[T](spec.Name, spec.Address, codec)
		default:
			capacity := spec.Capacity
			if capacity == 0 {
				capacity = DefaultCapacity
			}
			return NewMemory[T](spec.Name, capacity, buffer.WithMetrics[T](r.metrics, spec.Name))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tag := range tags {
		r.builders[tag] = build
	}
}

// Declare adds connection declarations. Redeclaring a name fails.
func (r *Registry) Declare(specs ...Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, exists := r.specs[spec.Name]; exists {
			return errors.Errorf(errors.ErrDuplicateConnection, "queue %q declared twice", spec.Name)
		}
		if spec.Kind == "" {
			spec.Kind = KindMemory
		}
		r.specs[spec.Name] = spec
	}
	return nil
}

// Spec returns the declaration for name
func (r *Registry) Spec(name string) (Spec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns the declared connection names, sorted
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PayloadTypes implements component.PayloadTypeLookup
func (r *Registry) PayloadTypes(connection string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.specs[connection].PayloadTypes)
}

// Endpoint implements component.Transport. Both directions of a name share
// one endpoint; input bindings also open the receiving side.
func (r *Registry) Endpoint(ref component.ConnectionRef) (any, error) {
	ep, err := r.endpoint(ref.Name)
	if err != nil {
		return nil, err
	}

	if ref.Direction == component.DirectionInput {
		switch q := ep.(type) {
		case interface{ Subscribe() error }:
			err = q.Subscribe()
		case interface{ Listen() error }:
			err = q.Listen()
		}
		if err != nil {
			return nil, err
		}
	}
	return ep, nil
}

// Release implements component.Releaser. It undoes what Endpoint opened for
// an input binding; the queue itself stays declared and usable.
func (r *Registry) Release(ref component.ConnectionRef) error {
	if ref.Direction != component.DirectionInput {
		return nil
	}
	r.mu.Lock()
	ep, ok := r.endpoints[ref.Name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if rc, ok := ep.(interface{ CloseReceiver() error }); ok {
		return rc.CloseReceiver()
	}
	return nil
}

func (r *Registry) endpoint(name string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[name]; ok {
		return ep, nil
	}

	spec, ok := r.specs[name]
	if !ok {
		return nil, errors.Errorf(errors.ErrQueueNotFound, "cannot find queue %q", name)
	}
	if len(spec.PayloadTypes) != 1 {
		return nil, errors.Errorf(errors.ErrAmbiguousPayloadType,
			"queue %q declares %d payload types", name, len(spec.PayloadTypes))
	}
	build, ok := r.builders[spec.PayloadTypes[0]]
	if !ok {
		return nil, errors.Errorf(errors.ErrNoImplementation,
			"no queue type for payload %q on %q", spec.PayloadTypes[0], name)
	}

	ep, err := build(spec, r)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}
	r.endpoints[name] = ep
	r.logger.Debug("Created queue", "queue", name, "kind", spec.Kind, "payload_type", spec.PayloadTypes[0])
	return ep, nil
}

// Close closes every endpoint created so far
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, ep := range r.endpoints {
		if err := ep.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue %q: %w", name, err))
		}
		delete(r.endpoints, name)
	}
	return errors.Join(errs...)
}
