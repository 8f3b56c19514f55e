package component

// Info is the structured snapshot returned by get_info
type Info struct {
	Module    string         `json:"module"`
	Plugin    string         `json:"plugin,omitempty"`
	State     string         `json:"state"`
	RunNumber uint64         `json:"run_number"`
	Pipelines []PipelineInfo `json:"pipelines,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// PipelineInfo describes one bound pipeline
type PipelineInfo struct {
	Connection  string         `json:"connection"`
	Direction   string         `json:"direction"`
	PayloadType string         `json:"payload_type"`
	Configured  bool           `json:"configured"`
	Quiescent   bool           `json:"quiescent"`
	Stats       map[string]any `json:"stats,omitempty"`
}

// Info verbosity levels
const (
	InfoLevelState    = 0
	InfoLevelCounters = 1
	InfoLevelVerbose  = 2
)
