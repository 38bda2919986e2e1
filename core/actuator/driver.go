// Package actuator maps logical actuator kinds to driver handles and
// dispatches commands with per-device timeout and minimum cycle-time
// discipline.
package actuator

import (
	"context"
	"time"
)

// State is the reported device state.
type State string

const (
	StateOn      State = "on"
	StateOff     State = "off"
	StateUnknown State = "unknown"
	StateError   State = "error"
)

// Driver is the uniform command interface every hardware adapter satisfies.
// Adapters that can do more implement the optional extensions below.
type Driver interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// LevelSetter is implemented by dimmable drivers. Callers without it fall
// back to on/off with level > 0 meaning on.
type LevelSetter interface {
	SetLevel(ctx context.Context, level float64) error
}

// StateReporter is implemented by drivers that can read back device state.
type StateReporter interface {
	GetState(ctx context.Context) (State, error)
}

// AvailabilityChecker is implemented by drivers that can probe reachability.
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context) bool
}

// Cleaner is implemented by drivers holding resources to release on
// unregister.
type Cleaner interface {
	Cleanup()
}

// CommandKind tags the requested operation.
type CommandKind string

const (
	CmdOn       CommandKind = "on"
	CmdOff      CommandKind = "off"
	CmdSetLevel CommandKind = "set_level"
)

// Command is one controller-issued actuator operation.
type Command struct {
	ActuatorID string
	Kind       CommandKind
	Level      float64 // set_level only, [0,100]
	Strategy   string  // issuing control strategy, for metrics and logs
}

// Reading is the outcome every command returns.
type Reading struct {
	ActuatorID string   `json:"actuator_id"`
	State      State    `json:"state"`
	Level      *float64 `json:"level,omitempty"`
	RuntimeS   *float64 `json:"runtime_s,omitempty"`
	Error      string   `json:"error,omitempty"`
	Suppressed bool     `json:"suppressed,omitempty"` // cycle-time suppression, not an error
}

// OK reports whether the command took effect (suppression counts as ok).
func (r Reading) OK() bool {
	return r.State != StateError
}

// DefaultMinCycleTime guards mechanical relays against chatter.
const DefaultMinCycleTime = 60 * time.Second

// DefaultCommandTimeout bounds every driver call.
const DefaultCommandTimeout = 10 * time.Second
