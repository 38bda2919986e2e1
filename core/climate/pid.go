package climate

import (
	"sync"
	"time"
)

// PID is one classical proportional-integral-derivative loop. State is
// per (unit, metric); Reset clears accumulated history on setpoint jumps and
// manual overrides.
type PID struct {
	mu sync.Mutex

	kp, ki, kd  float64
	setpoint    float64
	integral    float64
	prevError   float64
	lastCompute time.Time
	outputRange float64
}

// NewPID creates a loop with the given gains and anti-windup output range.
func NewPID(kp, ki, kd, setpoint, outputRange float64) *PID {
	if outputRange <= 0 {
		outputRange = 100
	}
	return &PID{kp: kp, ki: ki, kd: kd, setpoint: setpoint, outputRange: outputRange}
}

// Compute advances the loop with the current measurement at time now and
// returns the control output. dt falls back to 1s when the loop has no
// history.
func (p *PID) Compute(current float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	dt := 1.0
	if !p.lastCompute.IsZero() {
		if elapsed := now.Sub(p.lastCompute).Seconds(); elapsed > 0 {
			dt = elapsed
		}
	}

	err := p.setpoint - current
	p.integral += err * dt

	// Anti-windup: the integral term alone may never exceed the output range.
	if p.ki != 0 {
		limit := p.outputRange / abs(p.ki)
		if p.integral > limit {
			p.integral = limit
		} else if p.integral < -limit {
			p.integral = -limit
		}
	}

	derivative := (err - p.prevError) / dt
	output := p.kp*err + p.ki*p.integral + p.kd*derivative

	p.prevError = err
	p.lastCompute = now
	return output
}

// Setpoint returns the current target.
func (p *PID) Setpoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setpoint
}

// SetSetpoint moves the target. A changed setpoint resets accumulated state.
func (p *PID) SetSetpoint(sp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp != p.setpoint {
		p.setpoint = sp
		p.resetLocked()
	}
}

// Reset zeroes the integral and previous error.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *PID) resetLocked() {
	p.integral = 0
	p.prevError = 0
	p.lastCompute = time.Time{}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
