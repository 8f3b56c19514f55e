// Package frame defines the closed set of payload-type tags carried by
// readout connections and the Frame value that travels on them.
package frame

import (
	"fmt"
	"math/bits"
	"slices"
)

// Payload-type tags. Dispatch compares these by exact equality.
const (
	TypeWIB                = "WIBFrame"
	TypeWIB2               = "WIB2Frame"
	TypeWIBEth             = "WIBEthFrame"
	TypePDS                = "PDSFrame"
	TypePDSStream          = "PDSStreamFrame"
	TypeSSP                = "SSPFrame"
	TypeTDEAMC             = "TDEAMCFrame"
	TypeTDE                = "TDEFrame"
	TypeTriggerPrimitive   = "TriggerPrimitive"
	TypeFWTriggerPrimitive = "FWTriggerPrimitive"
	TypePACMAN             = "PACMANFrame"
	TypeMPD                = "MPDFrame"
)

var (
	readoutTypes = []string{
		TypeWIB, TypeWIB2, TypeWIBEth, TypePDS, TypePDSStream, TypeSSP,
		TypeTDEAMC, TypeTDE, TypeTriggerPrimitive, TypeFWTriggerPrimitive, TypePACMAN, TypeMPD,
	}
	emulatorTypes = []string{TypeWIBEth, TypeWIB2, TypeWIB, TypePDS, TypeTDE}
	recorderTypes = []string{TypeWIB2, TypeWIB, TypeWIBEth, TypePDS, TypePACMAN, TypeMPD, TypeTDE}
)

// ReadoutTypes lists the tags a link handler can read out
func ReadoutTypes() []string { return slices.Clone(readoutTypes) }

// EmulatorTypes lists the tags a fake card reader can generate
func EmulatorTypes() []string { return slices.Clone(emulatorTypes) }

// RecorderTypes lists the tags a data recorder can write
func RecorderTypes() []string { return slices.Clone(recorderTypes) }

// AllTypes lists every frame tag, sorted
func AllTypes() []string {
	all := slices.Concat(readoutTypes, emulatorTypes, recorderTypes)
	slices.Sort(all)
	return slices.Compact(all)
}

// Known reports whether tag is a frame tag
func Known(tag string) bool {
	return slices.Contains(AllTypes(), tag)
}

// GeoID locates a link in the detector
type GeoID struct {
	System  string `json:"system"  msgpack:"system"  yaml:"system"`
	Region  uint16 `json:"region"  msgpack:"region"  yaml:"region"`
	Element uint32 `json:"element" msgpack:"element" yaml:"element"`
}

// String formats the id as system:region:element
func (g GeoID) String() string {
	return fmt.Sprintf("%s:%d:%d", g.System, g.Region, g.Element)
}

// Frame is one unit of raw detector data
type Frame struct {
	Type      string `msgpack:"type"`
	Timestamp uint64 `msgpack:"ts"`
	Sequence  uint64 `msgpack:"seq"`
	GeoID     GeoID  `msgpack:"geoid"`
	ErrorBits uint16 `msgpack:"err"`
	Payload   []byte `msgpack:"payload"`
}

// HasErrors reports whether any error bit is set
func (f Frame) HasErrors() bool {
	return f.ErrorBits != 0
}

// ErrorCount returns the number of error bits set
func (f Frame) ErrorCount() int {
	return bits.OnesCount16(f.ErrorBits)
}

// Size returns the payload size in bytes
func (f Frame) Size() int {
	return len(f.Payload)
}
