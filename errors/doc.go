// Package errors provides the error taxonomy for readout modules.
//
// # Overview
//
// Run control needs to tell a bad configuration apart from a command issued
// out of order, and a missing implementation apart from a queue that could not
// be bound. Every failure returned by the lifecycle wraps one of the taxonomy
// sentinels:
//
//   - ErrConfiguration: ambiguous type resolution, duplicate or unknown
//     connection names, partial configuration
//   - ErrInitialization: a pipeline constructor failed
//   - ErrNoImplementation: no constructor registered for a payload type
//     (an initialization error)
//   - ErrResource: a connection or queue could not be bound
//   - ErrCommandSequence: a command was issued in an invalid state
//   - ErrRuntimeIO: a recoverable pipeline-level I/O failure
//
// Use errors.Is or the Is* predicates to test the kind:
//
//	if errors.IsCommandSequence(err) {
//	    // retry later, after the module has been started
//	}
//
// # Wrapping
//
// Wrap adds component and method context following the pattern
// "component.method: action failed: %w". The classified variants
// (WrapTransient, WrapInvalid, WrapFatal) attach an ErrorClass used by the
// retry helpers:
//
//	if err := q.Push(ctx, f, timeout); err != nil {
//	    return errors.WrapTransient(err, "Emulator", "generate", "queue push")
//	}
//
// Errorf attaches a formatted detail to a sentinel:
//
//	return errors.Errorf(errors.ErrUnknownConnection, "cannot find queue %q", name)
//
// Poll misses are reported as ErrTimeout and are never failures; worker loops
// check IsTimeout and continue.
package errors
