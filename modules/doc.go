// Package modules provides the readout module flavors and the plugin registry
// that maps the plugin names used in application config to their factories.
//
// Every flavor except CPUPinner is a component.Module preconfigured with a
// dispatcher and options:
//
//	DataLinkHandler  one raw input link, latency buffer, record
//	FakeCardReader   one frame generator per output link
//	DataRecorder     one raw input streamed to a file
//	FragmentSender   one fragment input published over NATS
//	DummyConsumer    one input counted and inspected per its payload type
//	CPUPinner        fills the shared worker affinity table
//
// Typical use:
//
//	registry := modules.NewRegistry()
//	if err := modules.Register(registry); err != nil {
//		return err
//	}
//	m, err := registry.Create("DataLinkHandler", "dlh0", deps)
package modules
