package modules

import (
	"fmt"
	"slices"
	"sync"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Factory builds an uninitialized module instance named name
type Factory func(name string, deps component.Dependencies) (component.Controllable, error)

// Registration describes one plugin
type Registration struct {
	Name         string   `json:"name"`                    // Plugin name used in application config
	Description  string   `json:"description"`             // Human-readable description
	PayloadTypes []string `json:"payload_types,omitempty"` // Tags the plugin can bind
	Factory      Factory  `json:"-"`
}

// Registry maps plugin names to module factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Registration
}

// NewRegistry creates an empty plugin registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*Registration)}
}

// RegisterFactory adds a plugin. Names are unique.
func (r *Registry) RegisterFactory(reg *Registration) error {
	if reg == nil || reg.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "plugin name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[reg.Name]; exists {
		msg := errors.Errorf(errors.ErrInvalidConfig, "plugin '%s' is already registered", reg.Name)
		return errors.WrapInvalid(msg, "Registry", "RegisterFactory", "duplicate plugin check")
	}
	r.factories[reg.Name] = reg
	return nil
}

// Create builds a module of the named plugin
func (r *Registry) Create(plugin, name string, deps component.Dependencies) (component.Controllable, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Create", "module name validation")
	}

	r.mu.RLock()
	reg, ok := r.factories[plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf(errors.ErrNoImplementation, "no plugin named %q", plugin)
	}

	m, err := reg.Factory(name, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", fmt.Sprintf("%s module %q construction", plugin, name))
	}
	return m, nil
}

// Lookup returns the registration for plugin
func (r *Registry) Lookup(plugin string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[plugin]
	return reg, ok
}

// Plugins lists registered plugin names in sorted order
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register adds every module flavor to registry
func Register(registry *Registry) error {
	if registry == nil {
		return errors.WrapFatal(errors.New("registry cannot be nil"), "modules", "Register", "registry validation")
	}

	flavors := []*Registration{
		{
			Name:         PluginDataLinkHandler,
			Description:  "Receives raw frames from one link into a latency buffer",
			PayloadTypes: tagsOf(DataLinkHandlerDispatcher),
			Factory:      NewDataLinkHandler,
		},
		{
			Name:         PluginFakeCardReader,
			Description:  "Emulates readout links from a frame pattern file",
			PayloadTypes: tagsOf(FakeCardReaderDispatcher),
			Factory:      NewFakeCardReader,
		},
		{
			Name:         PluginDataRecorder,
			Description:  "Streams raw frames to a file",
			PayloadTypes: tagsOf(DataRecorderDispatcher),
			Factory:      NewDataRecorder,
		},
		{
			Name:         PluginFragmentSender,
			Description:  "Publishes fragments over NATS",
			PayloadTypes: tagsOf(FragmentSenderDispatcher),
			Factory:      NewFragmentSender,
		},
		{
			Name:         PluginDummyConsumer,
			Description:  "Counts and inspects fragments, time syncs and errored frames",
			PayloadTypes: tagsOf(DummyConsumerDispatcher),
			Factory:      NewDummyConsumer,
		},
		{
			Name:        PluginCPUPinner,
			Description: "Fills the worker CPU affinity table",
			Factory:     NewCPUPinner,
		},
	}

	for _, reg := range flavors {
		if err := registry.RegisterFactory(reg); err != nil {
			return errors.WrapInvalid(err, "modules", "Register", reg.Name+" registration")
		}
	}
	return nil
}

func tagsOf(build func() (*component.Dispatcher, error)) []string {
	d, err := build()
	if err != nil {
		return nil
	}
	return d.Tags()
}
