package fragment

import (
	"github.com/vmihailenco/msgpack/v5"
)

// TimeSync pairs a detector timestamp with the host clock at which it was seen
type TimeSync struct {
	DAQTime        uint64 `msgpack:"daq_time"`
	SystemTime     uint64 `msgpack:"system_time"`
	RunNumber      uint64 `msgpack:"run_number"`
	SequenceNumber uint32 `msgpack:"sequence_number"`
	SourcePID      uint32 `msgpack:"source_pid"`
}

// Marshal serializes the message with msgpack
func (t TimeSync) Marshal() ([]byte, error) {
	return msgpack.Marshal(&t)
}

// UnmarshalTimeSync decodes a msgpack-serialized TimeSync
func UnmarshalTimeSync(data []byte) (TimeSync, error) {
	var t TimeSync
	err := msgpack.Unmarshal(data, &t)
	return t, err
}
