package frame

// Params drive the source emulator for one frame type
type Params struct {
	// TimeTickDiff is the timestamp increment between consecutive ticks
	TimeTickDiff uint64
	// DropoutRate is the fraction of ticks emitted without data
	DropoutRate float64
	// RateKHz is the nominal tick rate
	RateKHz float64
	// FramesPerTick is the number of frames emitted per tick
	FramesPerTick int
	// FrameSize is the payload size of a generated frame in bytes
	FrameSize int
}

const (
	tdeTicksBetweenSamples = 32
	tdeSamples             = 4472
	tdeChannelsPerAMC      = 64
	tdeTickDiff            = tdeTicksBetweenSamples * tdeSamples
)

var emulation = map[string]Params{
	TypeWIB:    {TimeTickDiff: 25, DropoutRate: 0.0, RateKHz: 166.0, FramesPerTick: 1, FrameSize: 464},
	TypeWIB2:   {TimeTickDiff: 32, DropoutRate: 0.0, RateKHz: 166.0, FramesPerTick: 1, FrameSize: 472},
	TypeWIBEth: {TimeTickDiff: 32 * 64, DropoutRate: 0.0, RateKHz: 30.5176, FramesPerTick: 1, FrameSize: 7200},
	TypePDS:    {TimeTickDiff: 16, DropoutRate: 0.9, RateKHz: 200.0, FramesPerTick: 1, FrameSize: 584},
	TypeTDE: {
		TimeTickDiff:  tdeTickDiff,
		DropoutRate:   0.0,
		RateKHz:       62500.0 / tdeTickDiff,
		FramesPerTick: tdeChannelsPerAMC,
		FrameSize:     8972,
	},
}

// EmulationParams returns the emulator parameters for tag
func EmulationParams(tag string) (Params, bool) {
	p, ok := emulation[tag]
	return p, ok
}
