// Package component provides the generic readout module lifecycle: the run
// marker shared with workers, the payload-type dispatcher, the connection
// binding and the Module that sequences run-control commands across its
// pipelines.
//
// # Lifecycle
//
// A Module moves through a fixed state machine:
//
//	Uninitialized --init--> Initialized --conf--> Configured --start--> Running
//	                            ^                     |                    |
//	                            +-------scrap---------+                   stop
//	                            |                                          v
//	                            +-----------------scrap---------------- Stopped
//
// Init reads the connections the module owns, looks up each connection's
// payload-type tag through a Transport and asks the Dispatcher for the
// pipeline registered under that exact tag. Conf validates every entry
// before applying any. Start sets the RunMarker before starting pipelines;
// Stop clears it first and then waits until every pipeline reports
// Quiescent. Scrap resets configuration but keeps the pipeline objects, so
// conf and start may be repeated without another init.
//
// # Pipelines
//
// A Pipeline owns at most one worker goroutine, typically driven by Worker
// and Loop:
//
//	func (p *myPipeline) Start(component.RunParams) error {
//		return p.worker.Start(func() {
//			component.Loop(p.marker, p.step, p.onError)
//		})
//	}
//
// Pipelines that can dump their buffers implement Recordable. Pipelines that
// can check a conf entry without side effects implement ConfValidator so a
// bad payload is rejected before any pipeline changes.
//
// # Errors
//
// Every failure wraps one sentinel from the errors package; errors.Kind maps
// it to the name reported to run control.
package component
