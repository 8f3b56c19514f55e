package controller

import (
	"encoding/json"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Command is one run-control request. An empty Modules list addresses every
// hosted module.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Modules []string        `json:"modules,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Reply is the outcome of a Command
type Reply struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Results []Result `json:"results"`
}

// Result is the outcome of a command on one module
type Result struct {
	Module  string          `json:"module"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	State   string          `json:"state"`
	Info    *component.Info `json:"info,omitempty"`
}

// StartParams is the start command data
type StartParams struct {
	Run *uint64 `json:"run"`
}

// InfoParams is the get_info command data
type InfoParams struct {
	Level int `json:"level"`
}

var commands = map[string]bool{
	component.CommandInit:    true,
	component.CommandConf:    true,
	component.CommandStart:   true,
	component.CommandStop:    true,
	component.CommandScrap:   true,
	component.CommandRecord:  true,
	component.CommandGetInfo: true,
}

// Commands lists the accepted command names
func Commands() []string {
	return []string{
		component.CommandInit,
		component.CommandConf,
		component.CommandStart,
		component.CommandStop,
		component.CommandScrap,
		component.CommandRecord,
		component.CommandGetInfo,
	}
}

func parseStart(data json.RawMessage) (uint64, error) {
	var params StartParams
	if len(data) > 0 {
		if err := json.Unmarshal(data, &params); err != nil {
			return 0, errors.Errorf(errors.ErrInvalidConfig, "start data: %v", err)
		}
	}
	if params.Run == nil {
		return 0, errors.Errorf(errors.ErrMissingConfig, "start needs a run number")
	}
	return *params.Run, nil
}

func parseInfo(data json.RawMessage) (int, error) {
	params := InfoParams{Level: component.InfoLevelState}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &params); err != nil {
			return 0, errors.Errorf(errors.ErrInvalidConfig, "get_info data: %v", err)
		}
	}
	if params.Level < component.InfoLevelState {
		params.Level = component.InfoLevelState
	}
	return params.Level, nil
}
