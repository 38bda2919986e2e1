package actuator

import (
	"context"
	"sync"
)

// FakeDriver is an in-memory driver for tests and dry runs. It records every
// call and can be told to fail.
type FakeDriver struct {
	mu       sync.Mutex
	state    State
	level    float64
	OnCalls  int
	OffCalls int
	FailWith error
}

// NewFakeDriver starts in the off state.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{state: StateOff}
}

func (d *FakeDriver) TurnOn(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWith != nil {
		return d.FailWith
	}
	d.OnCalls++
	d.state = StateOn
	return nil
}

func (d *FakeDriver) TurnOff(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWith != nil {
		return d.FailWith
	}
	d.OffCalls++
	d.state = StateOff
	return nil
}

func (d *FakeDriver) SetLevel(ctx context.Context, level float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailWith != nil {
		return d.FailWith
	}
	d.level = level
	if level > 0 {
		d.state = StateOn
	} else {
		d.state = StateOff
	}
	return nil
}

func (d *FakeDriver) GetState(ctx context.Context) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

// Level returns the last level set.
func (d *FakeDriver) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// State returns the current fake state.
func (d *FakeDriver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Fail makes every subsequent call return err; nil restores success.
func (d *FakeDriver) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FailWith = err
}
