package frame

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestTagSets(t *testing.T) {
	assert.Len(t, ReadoutTypes(), 12)
	assert.Equal(t, []string{TypeWIBEth, TypeWIB2, TypeWIB, TypePDS, TypeTDE}, EmulatorTypes())
	assert.Len(t, RecorderTypes(), 7)

	all := AllTypes()
	assert.Len(t, all, 12)
	assert.True(t, Known(TypeTDE))
	assert.ElementsMatch(t, ReadoutTypes(), all, "every frame tag can be read out")
	for _, tag := range slices.Concat(EmulatorTypes(), RecorderTypes()) {
		assert.Contains(t, ReadoutTypes(), tag)
	}
	assert.False(t, Known("WIB"), "prefixes are not tags")
	assert.False(t, Known("WIBFrameExtended"))

	// callers get copies
	types := ReadoutTypes()
	types[0] = "mutated"
	assert.Equal(t, TypeWIB, ReadoutTypes()[0])
}

func TestEmulationParams(t *testing.T) {
	tests := []struct {
		tag           string
		tickDiff      uint64
		dropout       float64
		rateKHz       float64
		framesPerTick int
	}{
		{TypeWIB, 25, 0, 166, 1},
		{TypeWIB2, 32, 0, 166, 1},
		{TypeWIBEth, 2048, 0, 30.5176, 1},
		{TypePDS, 16, 0.9, 200, 1},
		{TypeTDE, 143104, 0, 62500.0 / 143104, 64},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			p, ok := EmulationParams(tt.tag)
			require.True(t, ok)
			assert.Equal(t, tt.tickDiff, p.TimeTickDiff)
			assert.InDelta(t, tt.dropout, p.DropoutRate, 1e-9)
			assert.InDelta(t, tt.rateKHz, p.RateKHz, 1e-9)
			assert.Equal(t, tt.framesPerTick, p.FramesPerTick)
			assert.Positive(t, p.FrameSize)
		})
	}

	_, ok := EmulationParams(TypeSSP)
	assert.False(t, ok)
}

func TestFrameErrors(t *testing.T) {
	f := Frame{Type: TypeWIB, ErrorBits: 0b1010_0000_0000_0001}
	assert.True(t, f.HasErrors())
	assert.Equal(t, 3, f.ErrorCount())
	assert.False(t, Frame{}.HasErrors())
}

func TestFrameMsgpack(t *testing.T) {
	in := Frame{
		Type:      TypeWIBEth,
		Timestamp: 1 << 40,
		Sequence:  7,
		GeoID:     GeoID{System: "TPC", Region: 1, Element: 4},
		ErrorBits: 2,
		Payload:   []byte{0xde, 0xad},
	}
	data, err := msgpack.Marshal(&in)
	require.NoError(t, err)

	var out Frame
	require.NoError(t, msgpack.Unmarshal(data, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, "TPC:1:4", out.GeoID.String())
}
