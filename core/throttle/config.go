package throttle

import (
	"fmt"
	"strconv"

	"github.com/sysgrow/sysgrow/core/store"
)

// MetricRule is the per-metric throttling rule: store at least every
// IntervalMinutes, and immediately when the value moved at least
// ChangeThreshold from the last stored baseline.
type MetricRule struct {
	IntervalMinutes int     `yaml:"interval_minutes"`
	ChangeThreshold float64 `yaml:"change_threshold"`
}

// AlertThresholds carries the pH and EC warning levels surfaced through the
// notifier when a plant sample crosses them.
type AlertThresholds struct {
	PHWarnMin     float64 `yaml:"ph_warn_min"`
	PHWarnMax     float64 `yaml:"ph_warn_max"`
	PHCriticalMin float64 `yaml:"ph_critical_min"`
	PHCriticalMax float64 `yaml:"ph_critical_max"`
	ECWarnMax     float64 `yaml:"ec_warn_max"`
	ECCriticalMax float64 `yaml:"ec_critical_max"`
}

// Config is the full throttle configuration for one unit.
type Config struct {
	Enabled      bool                        `yaml:"throttling_enabled"`
	UseHybrid    bool                        `yaml:"use_hybrid_strategy"`
	DebugLogging bool                        `yaml:"debug_logging"`
	Rules        map[store.Metric]MetricRule `yaml:"rules"`
	Alerts       AlertThresholds             `yaml:"alerts"`
}

// DefaultConfig returns the stock per-metric rules.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		UseHybrid: true,
		Rules: map[store.Metric]MetricRule{
			store.MetricTemperature:  {IntervalMinutes: 30, ChangeThreshold: 1.0},
			store.MetricHumidity:     {IntervalMinutes: 30, ChangeThreshold: 3.0},
			store.MetricCO2:          {IntervalMinutes: 15, ChangeThreshold: 100},
			store.MetricVOC:          {IntervalMinutes: 15, ChangeThreshold: 50},
			store.MetricSoilMoisture: {IntervalMinutes: 60, ChangeThreshold: 2.0},
			store.MetricLux:          {IntervalMinutes: 30, ChangeThreshold: 500},
			store.MetricPressure:     {IntervalMinutes: 60, ChangeThreshold: 2.0},
			store.MetricPH:           {IntervalMinutes: 60, ChangeThreshold: 0.2},
			store.MetricEC:           {IntervalMinutes: 60, ChangeThreshold: 0.1},
			store.MetricAirQuality:   {IntervalMinutes: 30, ChangeThreshold: 10},
		},
		Alerts: AlertThresholds{
			PHWarnMin: 5.5, PHWarnMax: 6.8,
			PHCriticalMin: 5.0, PHCriticalMax: 7.5,
			ECWarnMax: 2.5, ECCriticalMax: 3.5,
		},
	}
}

// ToMap flattens the config into a string map. FromMap(ToMap(c)) == c.
func (c Config) ToMap() map[string]string {
	m := map[string]string{
		"throttling_enabled":  strconv.FormatBool(c.Enabled),
		"use_hybrid_strategy": strconv.FormatBool(c.UseHybrid),
		"debug_logging":       strconv.FormatBool(c.DebugLogging),
		"ph_warn_min":         formatFloat(c.Alerts.PHWarnMin),
		"ph_warn_max":         formatFloat(c.Alerts.PHWarnMax),
		"ph_critical_min":     formatFloat(c.Alerts.PHCriticalMin),
		"ph_critical_max":     formatFloat(c.Alerts.PHCriticalMax),
		"ec_warn_max":         formatFloat(c.Alerts.ECWarnMax),
		"ec_critical_max":     formatFloat(c.Alerts.ECCriticalMax),
	}
	for metric, rule := range c.Rules {
		m[string(metric)+"_interval_minutes"] = strconv.Itoa(rule.IntervalMinutes)
		m[string(metric)+"_change_threshold"] = formatFloat(rule.ChangeThreshold)
	}
	return m
}

// FromMap rebuilds a Config from a flattened string map. Unknown metric keys
// are validation errors.
func FromMap(m map[string]string) (Config, error) {
	c := Config{Rules: make(map[store.Metric]MetricRule)}
	var err error

	if c.Enabled, err = parseBool(m, "throttling_enabled"); err != nil {
		return Config{}, err
	}
	if c.UseHybrid, err = parseBool(m, "use_hybrid_strategy"); err != nil {
		return Config{}, err
	}
	if c.DebugLogging, err = parseBool(m, "debug_logging"); err != nil {
		return Config{}, err
	}

	alerts := []struct {
		key string
		dst *float64
	}{
		{"ph_warn_min", &c.Alerts.PHWarnMin},
		{"ph_warn_max", &c.Alerts.PHWarnMax},
		{"ph_critical_min", &c.Alerts.PHCriticalMin},
		{"ph_critical_max", &c.Alerts.PHCriticalMax},
		{"ec_warn_max", &c.Alerts.ECWarnMax},
		{"ec_critical_max", &c.Alerts.ECCriticalMax},
	}
	for _, a := range alerts {
		if *a.dst, err = parseFloat(m, a.key); err != nil {
			return Config{}, err
		}
	}

	for _, metric := range store.AllMetrics {
		ik := string(metric) + "_interval_minutes"
		ck := string(metric) + "_change_threshold"
		iv, iok := m[ik]
		cv, cok := m[ck]
		if !iok && !cok {
			continue
		}
		if !iok || !cok {
			return Config{}, fmt.Errorf("throttle config: incomplete rule for %s", metric)
		}
		interval, err := strconv.Atoi(iv)
		if err != nil {
			return Config{}, fmt.Errorf("throttle config: bad %s: %w", ik, err)
		}
		change, err := strconv.ParseFloat(cv, 64)
		if err != nil {
			return Config{}, fmt.Errorf("throttle config: bad %s: %w", ck, err)
		}
		c.Rules[metric] = MetricRule{IntervalMinutes: interval, ChangeThreshold: change}
	}
	return c, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseBool(m map[string]string, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, fmt.Errorf("throttle config: missing %s", key)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("throttle config: bad %s: %w", key, err)
	}
	return b, nil
}

func parseFloat(m map[string]string, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("throttle config: missing %s", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("throttle config: bad %s: %w", key, err)
	}
	return f, nil
}
