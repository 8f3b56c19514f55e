package component

import (
	"sync"
	"sync/atomic"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// RunMarker is the cancellation flag shared by a module and every worker its
// pipelines spawn. It is true only between a successful start and the next stop.
type RunMarker struct {
	running atomic.Bool
}

// NewRunMarker returns a cleared marker
func NewRunMarker() *RunMarker {
	return &RunMarker{}
}

// Set flips the marker
func (m *RunMarker) Set(running bool) {
	m.running.Store(running)
}

// Running reports whether workers should keep looping
func (m *RunMarker) Running() bool {
	return m.running.Load()
}

// Worker owns the single goroutine a pipeline drives. Ready reports true when
// no loop is executing; the module's stop barrier polls it.
type Worker struct {
	name   string
	active atomic.Bool
	mu     sync.Mutex
}

// NewWorker creates an idle worker
func NewWorker(name string) *Worker {
	return &Worker{name: name}
}

// Name returns the worker name
func (w *Worker) Name() string {
	return w.name
}

// Start launches fn in a new goroutine. Starting a worker whose previous
// loop has not returned fails.
func (w *Worker) Start(fn func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active.CompareAndSwap(false, true) {
		return errors.Errorf(errors.ErrInvalidState, "worker %s still running", w.name)
	}

	go func() {
		defer w.active.Store(false)
		fn()
	}()
	return nil
}

// Ready reports whether the worker is quiescent
func (w *Worker) Ready() bool {
	return !w.active.Load()
}

// Loop repeats step while marker is set. A timeout returned by step is a
// poll miss; any other error goes to onError and the loop continues.
func Loop(marker *RunMarker, step func() error, onError func(error)) {
	for marker.Running() {
		err := step()
		if err == nil || errors.IsTimeout(err) {
			continue
		}
		if onError != nil {
			onError(err)
		}
	}
}
