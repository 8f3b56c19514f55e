// Package fragment defines the messages produced and consumed downstream of
// readout: data fragments answering a trigger and time-sync heartbeats.
package fragment

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/frame"
)

// Payload-type tags for connections carrying these messages
const (
	TypeTagFragment = "Fragment"
	TypeTagTimeSync = "TimeSync"
)

// Type identifies the detector data held in a fragment
type Type uint32

const (
	TypeUnknown Type = iota
	TypeProtoWIB
	TypeWIB
	TypeWIBEth
	TypeDAPHNE
	TypeTDE
	TypePACMAN
	TypeMPD
	TypeTriggerPrimitive
	TypeSSP
)

var typeNames = map[Type]string{
	TypeUnknown:          "Unknown",
	TypeProtoWIB:         "ProtoWIB",
	TypeWIB:              "WIB",
	TypeWIBEth:           "WIBEth",
	TypeDAPHNE:           "DAPHNE",
	TypeTDE:              "TDE",
	TypePACMAN:           "PACMAN",
	TypeMPD:              "MPD",
	TypeTriggerPrimitive: "TriggerPrimitive",
	TypeSSP:              "SSP",
}

// String returns the fragment type name
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint32(t))
}

// Known reports whether t is a defined, non-unknown type
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok && t != TypeUnknown
}

// TypeForFrame maps a frame payload tag to the fragment type built from it
func TypeForFrame(tag string) Type {
	switch tag {
	case frame.TypeWIB:
		return TypeProtoWIB
	case frame.TypeWIB2:
		return TypeWIB
	case frame.TypeWIBEth:
		return TypeWIBEth
	case frame.TypePDS, frame.TypePDSStream:
		return TypeDAPHNE
	case frame.TypeTDE, frame.TypeTDEAMC:
		return TypeTDE
	case frame.TypePACMAN:
		return TypePACMAN
	case frame.TypeMPD:
		return TypeMPD
	case frame.TypeTriggerPrimitive, frame.TypeFWTriggerPrimitive:
		return TypeTriggerPrimitive
	case frame.TypeSSP:
		return TypeSSP
	default:
		return TypeUnknown
	}
}

// Header describes the trigger window a fragment answers
type Header struct {
	TriggerNumber    uint64      `msgpack:"trigger_number"`
	TriggerTimestamp uint64      `msgpack:"trigger_timestamp"`
	WindowBegin      uint64      `msgpack:"window_begin"`
	WindowEnd        uint64      `msgpack:"window_end"`
	RunNumber        uint64      `msgpack:"run_number"`
	GeoID            frame.GeoID `msgpack:"geoid"`
	Type             Type        `msgpack:"type"`
	ErrorBits        uint32      `msgpack:"error_bits"`
	SequenceNumber   uint16      `msgpack:"sequence_number"`
}

// Fragment is a header plus the raw frames inside its window.
// Destination names where a sender should deliver it; empty means the
// sender's default.
type Fragment struct {
	Header      Header `msgpack:"header"`
	Data        []byte `msgpack:"data"`
	Destination string `msgpack:"destination,omitempty"`
}

// FromFrames builds a fragment from the frames whose timestamps fall in
// [header.WindowBegin, header.WindowEnd). The header type is taken from the
// first selected frame when unset.
func FromFrames(header Header, frames []frame.Frame) *Fragment {
	f := &Fragment{Header: header}
	for _, fr := range frames {
		if fr.Timestamp < header.WindowBegin || fr.Timestamp >= header.WindowEnd {
			continue
		}
		if f.Header.Type == TypeUnknown {
			f.Header.Type = TypeForFrame(fr.Type)
		}
		if fr.HasErrors() {
			f.Header.ErrorBits |= uint32(fr.ErrorBits)
		}
		f.Data = append(f.Data, fr.Payload...)
	}
	return f
}

// Size returns the data size in bytes
func (f *Fragment) Size() int {
	return len(f.Data)
}

// Validate checks the fragment carries data of a known type inside a
// well-formed window.
func (f *Fragment) Validate() error {
	switch {
	case len(f.Data) == 0:
		return errors.Errorf(errors.ErrRuntimeIO, "empty fragment for trigger %d", f.Header.TriggerNumber)
	case !f.Header.Type.Known():
		return errors.Errorf(errors.ErrRuntimeIO, "fragment for trigger %d has unknown type %s",
			f.Header.TriggerNumber, f.Header.Type)
	case f.Header.WindowEnd < f.Header.WindowBegin:
		return errors.Errorf(errors.ErrRuntimeIO, "fragment for trigger %d has inverted window [%d, %d)",
			f.Header.TriggerNumber, f.Header.WindowBegin, f.Header.WindowEnd)
	}
	return nil
}

// Marshal serializes the fragment with msgpack
func (f *Fragment) Marshal() ([]byte, error) {
	return msgpack.Marshal(f)
}

// Unmarshal decodes a msgpack-serialized fragment
func Unmarshal(data []byte) (*Fragment, error) {
	var f Fragment
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fragment: %w", err)
	}
	return &f, nil
}
