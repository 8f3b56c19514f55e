package component

// State is a module lifecycle state
type State int32

const (
	// StateUninitialized is the state of a freshly constructed module
	StateUninitialized State = iota
	// StateInitialized means every owned pipeline exists but none is configured
	StateInitialized
	// StateConfigured means every owned pipeline is configured
	StateConfigured
	// StateRunning is entered by start
	StateRunning
	// StateStopped is entered by stop once all workers are quiescent
	StateStopped
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// States lists every lifecycle state
func States() []State {
	return []State{StateUninitialized, StateInitialized, StateConfigured, StateRunning, StateStopped}
}

// Command names accepted by run control
const (
	CommandInit    = "init"
	CommandConf    = "conf"
	CommandStart   = "start"
	CommandStop    = "stop"
	CommandScrap   = "scrap"
	CommandRecord  = "record"
	CommandGetInfo = "get_info"
)
