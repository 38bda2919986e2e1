package climate

import (
	"errors"
	"testing"
	"time"

	"github.com/sysgrow/sysgrow/core/actuator"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/store"
)

type rig struct {
	ctrl   *Controller
	clock  *schedule.FakeClock
	heater *actuator.FakeDriver
	fan    *actuator.FakeDriver
}

func newRig(t *testing.T, temp StrategyConfig) *rig {
	t.Helper()
	clock := schedule.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := actuator.NewRegistry(clock)

	heater := actuator.NewFakeDriver()
	fan := actuator.NewFakeDriver()
	for _, a := range []struct {
		id   string
		kind store.ActuatorKind
		d    actuator.Driver
	}{
		{"heater-1", store.KindHeater, heater},
		{"fan-1", store.KindFan, fan},
	} {
		if err := reg.Register(actuator.Registration{ID: a.id, UnitID: "u1", Kind: a.kind, Driver: a.d}); err != nil {
			t.Fatalf("register %s: %v", a.id, err)
		}
	}

	ctrl := New(Config{UnitID: "u1", Temperature: temp}, reg, nil, clock)
	return &rig{ctrl: ctrl, clock: clock, heater: heater, fan: fan}
}

func TestDeadbandSuppressesControl(t *testing.T) {
	r := newRig(t, StrategyConfig{Enabled: true, Kp: 2, Setpoint: 24, Deadband: 0.5})

	// 24.3 is within +/-0.5 of the setpoint: no commands at all.
	if err := r.ctrl.ControlTemperature(24.3); err != nil {
		t.Fatalf("ControlTemperature: %v", err)
	}
	if r.heater.OnCalls+r.heater.OffCalls+r.fan.OnCalls+r.fan.OffCalls != 0 {
		t.Fatalf("actuators touched inside deadband: heater=%d/%d fan=%d/%d",
			r.heater.OnCalls, r.heater.OffCalls, r.fan.OnCalls, r.fan.OffCalls)
	}

	// Exactly at the deadband edge the loop acts.
	if err := r.ctrl.ControlTemperature(23.5); err != nil {
		t.Fatalf("ControlTemperature at edge: %v", err)
	}
	if r.heater.OnCalls != 1 {
		t.Fatalf("expected heater command at deadband edge")
	}
}

func TestTemperaturePairSelection(t *testing.T) {
	r := newRig(t, StrategyConfig{Enabled: true, Kp: 2, Setpoint: 24, Deadband: 0.5})

	// Too cold: heater on, fan off.
	if err := r.ctrl.ControlTemperature(20); err != nil {
		t.Fatalf("cold: %v", err)
	}
	if r.heater.OnCalls != 1 || r.fan.OffCalls != 1 {
		t.Fatalf("cold pair: heater on=%d fan off=%d", r.heater.OnCalls, r.fan.OffCalls)
	}

	// Too hot, past the actuator cycle window: fan on, heater off.
	r.clock.Advance(2 * time.Minute)
	if err := r.ctrl.ControlTemperature(30); err != nil {
		t.Fatalf("hot: %v", err)
	}
	if r.fan.OnCalls != 1 || r.heater.OffCalls != 1 {
		t.Fatalf("hot pair: fan on=%d heater off=%d", r.fan.OnCalls, r.heater.OffCalls)
	}
}

func TestDisabledStrategyNeverActs(t *testing.T) {
	r := newRig(t, StrategyConfig{Enabled: false, Kp: 2, Setpoint: 24})

	if err := r.ctrl.ControlTemperature(10); err != nil {
		t.Fatalf("ControlTemperature: %v", err)
	}
	if r.heater.OnCalls != 0 {
		t.Fatalf("disabled strategy commanded the heater")
	}
}

func TestConsecutiveErrorsDisableStrategy(t *testing.T) {
	r := newRig(t, StrategyConfig{Enabled: true, Kp: 2, Setpoint: 24, Deadband: 0.5})
	r.heater.Fail(errors.New("relay dead"))
	r.fan.Fail(errors.New("relay dead"))

	// Failed commands do not advance the cycle window, so every attempt
	// reaches the driver. The third failure in a row disables the strategy.
	for i := 0; i < 3; i++ {
		if err := r.ctrl.ControlTemperature(20); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	if m := r.ctrl.Metrics(); m.Enabled[store.MetricTemperature] {
		t.Fatalf("strategy still enabled after 3 consecutive errors")
	}

	// Disabled: further readings are ignored even with working hardware.
	r.heater.Fail(nil)
	r.fan.Fail(nil)
	if err := r.ctrl.ControlTemperature(20); err != nil {
		t.Fatalf("disabled strategy returned error: %v", err)
	}
	if r.heater.OnCalls != 0 {
		t.Fatalf("disabled strategy reached the heater")
	}

	// Operator re-enable restores control with a reset loop.
	if err := r.ctrl.EnableStrategy(store.MetricTemperature); err != nil {
		t.Fatalf("EnableStrategy: %v", err)
	}
	if err := r.ctrl.ControlTemperature(20); err != nil {
		t.Fatalf("after re-enable: %v", err)
	}
	if r.heater.OnCalls != 1 {
		t.Fatalf("re-enabled strategy did not act")
	}
	if m := r.ctrl.Metrics(); m.ConsecutiveErrors[store.MetricTemperature] != 0 {
		t.Fatalf("error count not reset")
	}
}

func TestSuccessResetsErrorCount(t *testing.T) {
	r := newRig(t, StrategyConfig{Enabled: true, Kp: 2, Setpoint: 24, Deadband: 0.5})
	r.heater.Fail(errors.New("flaky"))
	r.fan.Fail(errors.New("flaky"))

	r.ctrl.ControlTemperature(20)
	r.ctrl.ControlTemperature(20)
	if m := r.ctrl.Metrics(); m.ConsecutiveErrors[store.MetricTemperature] != 2 {
		t.Fatalf("error count = %d, want 2", m.ConsecutiveErrors[store.MetricTemperature])
	}

	r.heater.Fail(nil)
	r.fan.Fail(nil)
	if err := r.ctrl.ControlTemperature(20); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if m := r.ctrl.Metrics(); m.ConsecutiveErrors[store.MetricTemperature] != 0 {
		t.Fatalf("success did not reset error count")
	}
	if m := r.ctrl.Metrics(); !m.Enabled[store.MetricTemperature] {
		t.Fatalf("strategy disabled despite recovery")
	}
}

func TestSuppressedCommandsDoNotCountAsErrors(t *testing.T) {
	clock := schedule.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := actuator.NewRegistry(clock)
	injector := actuator.NewFakeDriver()
	if err := reg.Register(actuator.Registration{
		ID: "co2-1", UnitID: "u1", Kind: store.KindCO2Injector, Driver: injector,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctrl := New(Config{
		UnitID: "u1",
		CO2:    StrategyConfig{Enabled: true, Kp: 1, Setpoint: 900, Deadband: 50},
	}, reg, nil, clock)

	if err := ctrl.ControlCO2(500); err != nil {
		t.Fatalf("first command: %v", err)
	}

	// Inside the cycle window the registry suppresses the on-command before it
	// reaches the (now failing) driver. Suppression is neither an error nor a
	// success.
	injector.Fail(errors.New("would fail"))
	clock.Advance(10 * time.Second)
	if err := ctrl.ControlCO2(500); err != nil {
		t.Fatalf("suppressed command surfaced error: %v", err)
	}
	if m := ctrl.Metrics(); m.ConsecutiveErrors[store.MetricCO2] != 0 {
		t.Fatalf("suppressed command counted as error")
	}
	if m := ctrl.Metrics(); !m.Enabled[store.MetricCO2] {
		t.Fatalf("strategy disabled by suppressed command")
	}
}
