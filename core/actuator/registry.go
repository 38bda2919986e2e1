package actuator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/store"
)

// ErrUnknownActuator is returned when a command targets an unregistered id.
var ErrUnknownActuator = fmt.Errorf("unknown actuator")

// Registration binds a driver handle to a logical actuator.
type Registration struct {
	ID           string
	UnitID       string
	Kind         store.ActuatorKind
	Driver       Driver
	MinCycleTime time.Duration // <= 0 means DefaultMinCycleTime
	Timeout      time.Duration // <= 0 means DefaultCommandTimeout
	FlowMLPerS   float64       // pump calibration, 0 when not a pump
}

type entry struct {
	Registration
	lastAction time.Time
	onSince    time.Time // zero when off
	state      State
}

// Registry is the process-wide actuator table. Reads dominate; mutations
// take the write lock.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*entry
	clock schedule.Clock
}

// NewRegistry creates an empty registry on the given clock.
func NewRegistry(clock schedule.Clock) *Registry {
	return &Registry{
		byID:  make(map[string]*entry),
		clock: clock,
	}
}

// Register adds or replaces an actuator binding.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" {
		return fmt.Errorf("actuator id required")
	}
	if _, err := store.ParseActuatorKind(string(reg.Kind)); err != nil {
		return err
	}
	// The zero value means unset; chatter protection keeps its default.
	if reg.MinCycleTime <= 0 {
		reg.MinCycleTime = DefaultMinCycleTime
	}
	if reg.Timeout <= 0 {
		reg.Timeout = DefaultCommandTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[reg.ID] = &entry{Registration: reg, state: StateUnknown}
	log.Printf("actuator: registered %s kind=%s unit=%s", reg.ID, reg.Kind, reg.UnitID)
	return nil
}

// Unregister removes a binding and releases driver resources.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()
	if ok {
		if c, isCleaner := e.Driver.(Cleaner); isCleaner {
			c.Cleanup()
		}
	}
}

// Lookup returns the registration for id, or false.
func (r *Registry) Lookup(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Registration{}, false
	}
	return e.Registration, true
}

// FindByKind returns the first actuator of the given kind in a unit.
func (r *Registry) FindByKind(unitID string, kind store.ActuatorKind) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byID {
		if e.UnitID == unitID && e.Kind == kind {
			return e.Registration, true
		}
	}
	return Registration{}, false
}

// FlowRate returns the calibrated flow for a pump or valve actuator in
// ml/s, or the given fallback when uncalibrated.
func (r *Registry) FlowRate(id string, fallback float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byID[id]; ok && e.FlowMLPerS > 0 {
		return e.FlowMLPerS
	}
	return fallback
}

// Execute dispatches one command and returns the resulting reading. On and
// set-level commands inside the actuator's minimum cycle time are suppressed
// (returned as the current state, Suppressed=true); off commands always pass
// so a running device can be stopped.
//
// Execute blocks on the driver; callers must not hold the bus dispatch lock.
func (r *Registry) Execute(ctx context.Context, cmd Command) Reading {
	r.mu.RLock()
	e, ok := r.byID[cmd.ActuatorID]
	r.mu.RUnlock()
	if !ok {
		observability.ActuatorCommands.WithLabelValues("unknown", "error").Inc()
		return Reading{ActuatorID: cmd.ActuatorID, State: StateError, Error: ErrUnknownActuator.Error() + ": " + cmd.ActuatorID}
	}

	now := r.clock.Now()

	if cmd.Kind != CmdOff {
		r.mu.RLock()
		last := e.lastAction
		suppressed := !last.IsZero() && now.Sub(last) < e.MinCycleTime
		var rd Reading
		if suppressed {
			rd = r.reading(e, "", true)
		}
		r.mu.RUnlock()
		if suppressed {
			observability.ActuatorSuppressed.WithLabelValues(string(e.Kind)).Inc()
			return rd
		}
	}

	cctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	var err error
	switch cmd.Kind {
	case CmdOn:
		err = e.Driver.TurnOn(cctx)
	case CmdOff:
		err = e.Driver.TurnOff(cctx)
	case CmdSetLevel:
		level := clampLevel(cmd.Level)
		if ls, can := e.Driver.(LevelSetter); can {
			err = ls.SetLevel(cctx, level)
		} else if level > 0 {
			err = e.Driver.TurnOn(cctx)
		} else {
			err = e.Driver.TurnOff(cctx)
		}
	default:
		err = fmt.Errorf("unknown command kind %q", cmd.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		e.state = StateError
		observability.ActuatorCommands.WithLabelValues(string(e.Kind), "error").Inc()
		return r.reading(e, err.Error(), false)
	}

	e.lastAction = now
	switch cmd.Kind {
	case CmdOn:
		if e.onSince.IsZero() {
			e.onSince = now
		}
		e.state = StateOn
	case CmdOff:
		e.onSince = time.Time{}
		e.state = StateOff
	case CmdSetLevel:
		if clampLevel(cmd.Level) > 0 {
			if e.onSince.IsZero() {
				e.onSince = now
			}
			e.state = StateOn
		} else {
			e.onSince = time.Time{}
			e.state = StateOff
		}
	}
	observability.ActuatorCommands.WithLabelValues(string(e.Kind), "ok").Inc()

	rd := r.reading(e, "", false)
	if cmd.Kind == CmdSetLevel {
		lv := clampLevel(cmd.Level)
		rd.Level = &lv
	}
	return rd
}

// reading builds a Reading from entry state. Callers hold at least the read lock.
func (r *Registry) reading(e *entry, errMsg string, suppressed bool) Reading {
	rd := Reading{
		ActuatorID: e.ID,
		State:      e.state,
		Error:      errMsg,
		Suppressed: suppressed,
	}
	if errMsg != "" {
		rd.State = StateError
	}
	if !e.onSince.IsZero() {
		runtime := r.clock.Since(e.onSince).Seconds()
		rd.RuntimeS = &runtime
	}
	return rd
}

func clampLevel(level float64) float64 {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
