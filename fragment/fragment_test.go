package fragment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/frame"
)

func TestTypeForFrame(t *testing.T) {
	assert.Equal(t, TypeProtoWIB, TypeForFrame(frame.TypeWIB))
	assert.Equal(t, TypeWIB, TypeForFrame(frame.TypeWIB2))
	assert.Equal(t, TypeDAPHNE, TypeForFrame(frame.TypePDSStream))
	assert.Equal(t, TypeUnknown, TypeForFrame("WIB"))
	assert.Equal(t, "WIBEth", TypeWIBEth.String())
	assert.Equal(t, "Type(99)", Type(99).String())
}

func TestFromFrames(t *testing.T) {
	frames := []frame.Frame{
		{Type: frame.TypeWIB, Timestamp: 75, Payload: []byte{1}},
		{Type: frame.TypeWIB, Timestamp: 100, Payload: []byte{2}},
		{Type: frame.TypeWIB, Timestamp: 125, Payload: []byte{3}, ErrorBits: 4},
		{Type: frame.TypeWIB, Timestamp: 150, Payload: []byte{4}},
	}

	f := FromFrames(Header{TriggerNumber: 1, WindowBegin: 100, WindowEnd: 150}, frames)
	assert.Equal(t, []byte{2, 3}, f.Data)
	assert.Equal(t, TypeProtoWIB, f.Header.Type)
	assert.Equal(t, uint32(4), f.Header.ErrorBits)
	assert.NoError(t, f.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		frag Fragment
	}{
		{"empty", Fragment{Header: Header{Type: TypeWIB}}},
		{"unknown type", Fragment{Data: []byte{1}}},
		{"undefined type", Fragment{Header: Header{Type: 42}, Data: []byte{1}}},
		{"inverted window", Fragment{Header: Header{Type: TypeWIB, WindowBegin: 10, WindowEnd: 5}, Data: []byte{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frag.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsRuntimeIO(err))
		})
	}
}

func TestFragmentSerialization(t *testing.T) {
	in := &Fragment{
		Header: Header{
			TriggerNumber: 3,
			RunNumber:     1001,
			GeoID:         frame.GeoID{System: "TPC", Region: 2, Element: 7},
			Type:          TypeWIBEth,
		},
		Data:        []byte("adc counts"),
		Destination: "dataflow0",
	}

	data, err := in.Marshal()
	require.NoError(t, err)
	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = Unmarshal([]byte("not msgpack"))
	assert.Error(t, err)
}

func TestTimeSyncSerialization(t *testing.T) {
	in := TimeSync{DAQTime: 123456789, SystemTime: 42, RunNumber: 7, SequenceNumber: 3, SourcePID: 100}
	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalTimeSync(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
