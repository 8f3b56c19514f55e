package emulator

import (
	"math/rand/v2"
)

// pattern is a precomputed, seeded sequence consulted cyclically per tick
type pattern[T any] []T

func (p pattern[T]) at(i uint64) T {
	return p[i%uint64(len(p))]
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// dropoutPattern marks ticks emitted without data
func dropoutPattern(seed uint64, rate float64) pattern[bool] {
	r := newRand(seed)
	p := make(pattern[bool], patternSize)
	for i := range p {
		p[i] = r.Float64() < rate
	}
	return p
}

// errorPattern holds the error bits injected into each frame; zero means a
// clean frame.
func errorPattern(seed uint64, rate float64) pattern[uint16] {
	r := newRand(seed + 1)
	p := make(pattern[uint16], patternSize)
	for i := range p {
		if r.Float64() < rate {
			p[i] = uint16(r.IntN(0xFFFF)) + 1
		}
	}
	return p
}
