package modules

import (
	"github.com/DUNE-DAQ/readoutmodules/fragment"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

// RegisterPayloads teaches r every payload type a flavor can bind: raw frames
// under each frame tag, fragments and time syncs. Items are msgpack encoded on
// remote connections.
func RegisterPayloads(r *queue.Registry) {
	queue.Register[frame.Frame](r, nil, frame.AllTypes()...)
	queue.Register[fragment.Fragment](r, nil, fragment.TypeTagFragment)
	queue.Register[fragment.TimeSync](r, nil, fragment.TypeTagTimeSync)
}
