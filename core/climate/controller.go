// Package climate drives temperature, humidity, CO2, and lux toward their
// setpoints with four independent PID loops. Irrigation is not PID
// controlled; soil moisture belongs to the irrigation workflow.
package climate

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/sysgrow/sysgrow/core/actuator"
	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/sensor"
	"github.com/sysgrow/sysgrow/core/store"
)

// StrategyConfig tunes one controlled metric.
type StrategyConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Kp       float64 `yaml:"kp"`
	Ki       float64 `yaml:"ki"`
	Kd       float64 `yaml:"kd"`
	Setpoint float64 `yaml:"setpoint"`
	Deadband float64 `yaml:"deadband"`
}

// Config is the per-unit climate configuration.
type Config struct {
	UnitID               string         `yaml:"unit_id"`
	Temperature          StrategyConfig `yaml:"temperature"`
	Humidity             StrategyConfig `yaml:"humidity"`
	CO2                  StrategyConfig `yaml:"co2"`
	Lux                  StrategyConfig `yaml:"lux"`
	MaxConsecutiveErrors int            `yaml:"max_consecutive_errors"`
	OutputRange          float64        `yaml:"output_range"`
}

// DefaultMaxConsecutiveErrors disables a strategy after this many failed
// commands in a row.
const DefaultMaxConsecutiveErrors = 3

// Controller is one unit's climate control loop set.
type Controller struct {
	cfg   Config
	reg   *actuator.Registry
	clock schedule.Clock
	bus   *bus.Bus

	mu           sync.Mutex
	loops        map[store.Metric]*PID
	deadbands    map[store.Metric]float64
	enabled      map[store.Metric]bool
	consecErrors map[store.Metric]int
}

// ControlMetrics is a point-in-time view of strategy health.
type ControlMetrics struct {
	Enabled           map[store.Metric]bool `json:"enabled"`
	ConsecutiveErrors map[store.Metric]int  `json:"consecutive_errors"`
}

// New builds a Controller from config. Strategies with Enabled=false never
// run until an operator enables them.
func New(cfg Config, reg *actuator.Registry, b *bus.Bus, clock schedule.Clock) *Controller {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.OutputRange <= 0 {
		cfg.OutputRange = 100
	}

	c := &Controller{
		cfg:          cfg,
		reg:          reg,
		clock:        clock,
		bus:          b,
		loops:        make(map[store.Metric]*PID),
		deadbands:    make(map[store.Metric]float64),
		enabled:      make(map[store.Metric]bool),
		consecErrors: make(map[store.Metric]int),
	}

	strategies := map[store.Metric]StrategyConfig{
		store.MetricTemperature: cfg.Temperature,
		store.MetricHumidity:    cfg.Humidity,
		store.MetricCO2:         cfg.CO2,
		store.MetricLux:         cfg.Lux,
	}
	for metric, sc := range strategies {
		c.loops[metric] = NewPID(sc.Kp, sc.Ki, sc.Kd, sc.Setpoint, cfg.OutputRange)
		c.deadbands[metric] = sc.Deadband
		c.enabled[metric] = sc.Enabled
	}
	return c
}

// Subscribe attaches the controller to environment updates on the bus.
func (c *Controller) Subscribe(b *bus.Bus) bus.Token {
	return b.Subscribe(bus.TopicSensorEnvUpdate, "climate-"+c.cfg.UnitID, func(ev bus.Event) {
		if ev.UnitID != c.cfg.UnitID {
			return
		}
		reading, ok := ev.Payload.(sensor.Reading)
		if !ok {
			return
		}
		c.HandleReading(reading)
	})
}

// HandleReading runs every controlled metric present in the reading.
func (c *Controller) HandleReading(r sensor.Reading) {
	if v, ok := r.Metrics[store.MetricTemperature]; ok {
		if err := c.ControlTemperature(v); err != nil {
			log.Printf("climate: unit=%s temperature: %v", c.cfg.UnitID, err)
		}
	}
	if v, ok := r.Metrics[store.MetricHumidity]; ok {
		if err := c.ControlHumidity(v); err != nil {
			log.Printf("climate: unit=%s humidity: %v", c.cfg.UnitID, err)
		}
	}
	if v, ok := r.Metrics[store.MetricCO2]; ok {
		if err := c.ControlCO2(v); err != nil {
			log.Printf("climate: unit=%s co2: %v", c.cfg.UnitID, err)
		}
	}
	if v, ok := r.Metrics[store.MetricLux]; ok {
		if err := c.ControlLux(v); err != nil {
			log.Printf("climate: unit=%s lux: %v", c.cfg.UnitID, err)
		}
	}
}

// compute gates on enablement and deadband, then advances the PID. The bool
// reports whether the caller should act on the output.
func (c *Controller) compute(metric store.Metric, current float64) (float64, bool) {
	c.mu.Lock()
	enabled := c.enabled[metric]
	deadband := c.deadbands[metric]
	c.mu.Unlock()

	loop := c.loops[metric]
	if !enabled {
		return 0, false
	}
	if diff := current - loop.Setpoint(); diff < deadband && diff > -deadband {
		// Inside the deadband the loop succeeds without acting.
		return 0, false
	}

	output := loop.Compute(current, c.clock.Now())
	observability.PIDOutput.WithLabelValues(c.cfg.UnitID, string(metric)).Set(output)
	return output, true
}

// ControlTemperature switches the heater/fan pair.
func (c *Controller) ControlTemperature(current float64) error {
	output, act := c.compute(store.MetricTemperature, current)
	if !act {
		return nil
	}
	if output > 0 {
		return c.pair(store.MetricTemperature, store.KindHeater, store.KindFan)
	}
	return c.pair(store.MetricTemperature, store.KindFan, store.KindHeater)
}

// ControlHumidity switches the humidifier/dehumidifier pair.
func (c *Controller) ControlHumidity(current float64) error {
	output, act := c.compute(store.MetricHumidity, current)
	if !act {
		return nil
	}
	if output > 0 {
		return c.pair(store.MetricHumidity, store.KindHumidifier, store.KindDehumidifier)
	}
	return c.pair(store.MetricHumidity, store.KindDehumidifier, store.KindHumidifier)
}

// ControlCO2 switches the injector.
func (c *Controller) ControlCO2(current float64) error {
	output, act := c.compute(store.MetricCO2, current)
	if !act {
		return nil
	}
	inj, ok := c.reg.FindByKind(c.cfg.UnitID, store.KindCO2Injector)
	if !ok {
		return fmt.Errorf("no co2 injector registered for unit %s", c.cfg.UnitID)
	}
	kind := actuator.CmdOff
	if output > 0 {
		kind = actuator.CmdOn
	}
	return c.issue(store.MetricCO2, actuator.Command{ActuatorID: inj.ID, Kind: kind, Strategy: string(store.MetricCO2)})
}

// ControlLux writes the clamped PID output as a dimmer level.
func (c *Controller) ControlLux(current float64) error {
	output, act := c.compute(store.MetricLux, current)
	if !act {
		return nil
	}
	light, ok := c.reg.FindByKind(c.cfg.UnitID, store.KindLight)
	if !ok {
		return fmt.Errorf("no dimmable light registered for unit %s", c.cfg.UnitID)
	}
	level := output
	if level < 0 {
		level = 0
	} else if level > 100 {
		level = 100
	}
	return c.issue(store.MetricLux, actuator.Command{
		ActuatorID: light.ID, Kind: actuator.CmdSetLevel, Level: level, Strategy: string(store.MetricLux),
	})
}

// pair turns onKind on and offKind off for the unit.
func (c *Controller) pair(metric store.Metric, onKind, offKind store.ActuatorKind) error {
	on, okOn := c.reg.FindByKind(c.cfg.UnitID, onKind)
	off, okOff := c.reg.FindByKind(c.cfg.UnitID, offKind)
	if !okOn && !okOff {
		return fmt.Errorf("no %s or %s registered for unit %s", onKind, offKind, c.cfg.UnitID)
	}
	if okOn {
		if err := c.issue(metric, actuator.Command{ActuatorID: on.ID, Kind: actuator.CmdOn, Strategy: string(metric)}); err != nil {
			return err
		}
	}
	if okOff {
		return c.issue(metric, actuator.Command{ActuatorID: off.ID, Kind: actuator.CmdOff, Strategy: string(metric)})
	}
	return nil
}

// issue executes one command, publishes the resulting state change, and
// maintains the consecutive-error discipline: the third failure in a row
// disables the strategy until an operator re-enables it.
func (c *Controller) issue(metric store.Metric, cmd actuator.Command) error {
	reading := c.reg.Execute(context.Background(), cmd)
	if reading.Suppressed {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !reading.OK() {
		c.consecErrors[metric]++
		if c.consecErrors[metric] >= c.cfg.MaxConsecutiveErrors && c.enabled[metric] {
			c.enabled[metric] = false
			observability.StrategyDisabled.WithLabelValues(c.cfg.UnitID, string(metric)).Inc()
			log.Printf("climate: unit=%s strategy %s disabled after %d consecutive errors",
				c.cfg.UnitID, metric, c.consecErrors[metric])
		}
		return fmt.Errorf("actuator %s: %s", cmd.ActuatorID, reading.Error)
	}
	c.consecErrors[metric] = 0

	if c.bus != nil {
		c.bus.Publish(bus.Event{Topic: bus.TopicActuatorStateChanged, UnitID: c.cfg.UnitID, Payload: reading})
	}
	return nil
}

// EnableStrategy re-enables a disabled strategy and resets its loop.
func (c *Controller) EnableStrategy(metric store.Metric) error {
	loop, ok := c.loops[metric]
	if !ok {
		return fmt.Errorf("unknown strategy %q", metric)
	}
	c.mu.Lock()
	c.enabled[metric] = true
	c.consecErrors[metric] = 0
	c.mu.Unlock()
	loop.Reset()
	return nil
}

// SetSetpoint moves a strategy's target; the loop resets per the anti-windup
// policy.
func (c *Controller) SetSetpoint(metric store.Metric, sp float64) error {
	loop, ok := c.loops[metric]
	if !ok {
		return fmt.Errorf("unknown strategy %q", metric)
	}
	loop.SetSetpoint(sp)
	return nil
}

// Metrics returns the strategy health snapshot.
func (c *Controller) Metrics() ControlMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := ControlMetrics{
		Enabled:           make(map[store.Metric]bool, len(c.enabled)),
		ConsecutiveErrors: make(map[store.Metric]int, len(c.consecErrors)),
	}
	for k, v := range c.enabled {
		m.Enabled[k] = v
	}
	for k, v := range c.consecErrors {
		m.ConsecutiveErrors[k] = v
	}
	return m
}
