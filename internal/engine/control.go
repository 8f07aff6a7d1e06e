package engine

import (
	"encoding/json"
	"fmt"
	"os"
)

// ControlState is the operator pause/resume switch, stored in a small JSON
// file polled before every pickup.
type ControlState string

const (
	StateRun    ControlState = "RUN"
	StatePaused ControlState = "PAUSED"
)

type controlFile struct {
	State ControlState `json:"state"`
}

// ReadControl returns the control state at path. A missing file means RUN: the
// switch is opt-in.
func ReadControl(path string) (ControlState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return StateRun, nil
	}
	if err != nil {
		return "", fmt.Errorf("read control file: %w", err)
	}

	var cf controlFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return "", fmt.Errorf("parse control file %s: %w", path, err)
	}
	if cf.State != StateRun && cf.State != StatePaused {
		return "", fmt.Errorf("control file %s: unknown state %q", path, cf.State)
	}
	return cf.State, nil
}

// WriteControl persists the control state at path.
func WriteControl(path string, state ControlState) error {
	data, err := json.Marshal(controlFile{State: state})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write control file: %w", err)
	}
	return nil
}
