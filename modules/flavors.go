package modules

import (
	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/consumer"
	"github.com/DUNE-DAQ/readoutmodules/emulator"
	"github.com/DUNE-DAQ/readoutmodules/readout"
	"github.com/DUNE-DAQ/readoutmodules/recorder"
	"github.com/DUNE-DAQ/readoutmodules/sender"
)

// Plugin names accepted in application config
const (
	PluginDataLinkHandler = "DataLinkHandler"
	PluginFakeCardReader  = "FakeCardReader"
	PluginDataRecorder    = "DataRecorder"
	PluginFragmentSender  = "FragmentSender"
	PluginDummyConsumer   = "DummyConsumer"
	PluginCPUPinner       = "CPUPinner"
)

func inputsOnly(ref component.ConnectionRef) bool {
	return ref.Direction == component.DirectionInput
}

func outputsOnly(ref component.ConnectionRef) bool {
	return ref.Direction == component.DirectionOutput
}

func dispatcher(name string, register func(*component.Dispatcher) error) (*component.Dispatcher, error) {
	d := component.NewDispatcher(name)
	if err := register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// DataLinkHandlerDispatcher maps every readout frame tag to a link handler pipeline
func DataLinkHandlerDispatcher() (*component.Dispatcher, error) {
	return dispatcher(PluginDataLinkHandler, readout.Register)
}

// FakeCardReaderDispatcher maps emulated frame tags to generator pipelines
func FakeCardReaderDispatcher() (*component.Dispatcher, error) {
	return dispatcher(PluginFakeCardReader, emulator.Register)
}

// DataRecorderDispatcher maps recordable frame tags to recorder pipelines
func DataRecorderDispatcher() (*component.Dispatcher, error) {
	return dispatcher(PluginDataRecorder, recorder.Register)
}

// FragmentSenderDispatcher maps fragments to sender pipelines
func FragmentSenderDispatcher() (*component.Dispatcher, error) {
	return dispatcher(PluginFragmentSender, sender.Register)
}

// DummyConsumerDispatcher maps fragments, time syncs and raw frames to consumers
func DummyConsumerDispatcher() (*component.Dispatcher, error) {
	return dispatcher(PluginDummyConsumer, consumer.Register)
}

func newModule(
	name, plugin string,
	build func() (*component.Dispatcher, error),
	deps component.Dependencies,
	opts ...component.ModuleOption,
) (component.Controllable, error) {
	d, err := build()
	if err != nil {
		return nil, err
	}
	opts = append([]component.ModuleOption{component.WithPlugin(plugin)}, opts...)
	return component.NewModule(name, d, deps, opts...), nil
}

// NewDataLinkHandler builds a module that owns exactly one raw input link.
// Its conf payload is the link handler configuration itself; the time-sync
// and errored-frame outputs it names are bound at conf.
func NewDataLinkHandler(name string, deps component.Dependencies) (component.Controllable, error) {
	return newModule(name, PluginDataLinkHandler, DataLinkHandlerDispatcher, deps,
		component.WithConnectionFilter(inputsOnly),
		component.WithSinglePipeline(),
	)
}

// NewFakeCardReader builds a module with one generator per output link.
// Input connections are ignored.
func NewFakeCardReader(name string, deps component.Dependencies) (component.Controllable, error) {
	return newModule(name, PluginFakeCardReader, FakeCardReaderDispatcher, deps,
		component.WithConnectionFilter(outputsOnly),
		component.WithConfMapper(emulator.LinkConfMapper),
		component.WithParallelStop(),
	)
}

// NewDataRecorder builds a module that writes one input to a file
func NewDataRecorder(name string, deps component.Dependencies) (component.Controllable, error) {
	return newModule(name, PluginDataRecorder, DataRecorderDispatcher, deps,
		component.WithConnectionFilter(inputsOnly),
		component.WithSinglePipeline(),
	)
}

// NewFragmentSender builds a module that publishes one fragment input
func NewFragmentSender(name string, deps component.Dependencies) (component.Controllable, error) {
	return newModule(name, PluginFragmentSender, FragmentSenderDispatcher, deps,
		component.WithConnectionFilter(inputsOnly),
		component.WithSinglePipeline(),
	)
}

// NewDummyConsumer builds a module that consumes exactly one input. Its conf
// payload is the consumer configuration itself.
func NewDummyConsumer(name string, deps component.Dependencies) (component.Controllable, error) {
	return newModule(name, PluginDummyConsumer, DummyConsumerDispatcher, deps,
		component.WithConnectionFilter(inputsOnly),
		component.WithSinglePipeline(),
	)
}
