// Package irrigation implements the approval-based irrigation workflow:
// detection gates, user response handling, claim-based execution, post
// capture, and feedback-driven threshold learning.
package irrigation

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// WorkflowConfig is the per-unit irrigation policy. It round-trips through a
// string map for storage alongside other unit settings.
type WorkflowConfig struct {
	WorkflowEnabled              bool   `yaml:"workflow_enabled"`
	AutoIrrigationEnabled        bool   `yaml:"auto_irrigation_enabled"`
	ManualModeEnabled            bool   `yaml:"manual_mode_enabled"`
	RequireApproval              bool   `yaml:"require_approval"`
	DefaultScheduledTime         string `yaml:"default_scheduled_time"` // "HH:MM", interpreted in UTC
	DelayIncrementMinutes        int    `yaml:"delay_increment_minutes"`
	MaxDelayHours                int    `yaml:"max_delay_hours"`
	ExpirationHours              int    `yaml:"expiration_hours"`
	SendReminderBeforeExecution  bool   `yaml:"send_reminder_before_execution"`
	ReminderMinutesBefore        int    `yaml:"reminder_minutes_before"`
	RequestFeedbackEnabled       bool   `yaml:"request_feedback_enabled"`
	FeedbackDelayMinutes         int    `yaml:"feedback_delay_minutes"`
	MLLearningEnabled            bool   `yaml:"ml_learning_enabled"`
	MLThresholdAdjustmentEnabled bool   `yaml:"ml_threshold_adjustment_enabled"`
}

// DefaultWorkflowConfig returns the stock per-unit policy.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		WorkflowEnabled:              true,
		AutoIrrigationEnabled:        true,
		ManualModeEnabled:            true,
		RequireApproval:              true,
		DefaultScheduledTime:         "21:00",
		DelayIncrementMinutes:        30,
		MaxDelayHours:                4,
		ExpirationHours:              12,
		SendReminderBeforeExecution:  true,
		ReminderMinutesBefore:        15,
		RequestFeedbackEnabled:       true,
		FeedbackDelayMinutes:         30,
		MLLearningEnabled:            true,
		MLThresholdAdjustmentEnabled: true,
	}
}

// ParseScheduledTime validates a "HH:MM" string and returns hour and minute.
func ParseScheduledTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("scheduled time %q: want HH:MM: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// ToMap flattens the config into a string map. FromWorkflowMap(ToMap(c)) == c.
func (c WorkflowConfig) ToMap() map[string]string {
	return map[string]string{
		"workflow_enabled":                strconv.FormatBool(c.WorkflowEnabled),
		"auto_irrigation_enabled":         strconv.FormatBool(c.AutoIrrigationEnabled),
		"manual_mode_enabled":             strconv.FormatBool(c.ManualModeEnabled),
		"require_approval":                strconv.FormatBool(c.RequireApproval),
		"default_scheduled_time":          c.DefaultScheduledTime,
		"delay_increment_minutes":         strconv.Itoa(c.DelayIncrementMinutes),
		"max_delay_hours":                 strconv.Itoa(c.MaxDelayHours),
		"expiration_hours":                strconv.Itoa(c.ExpirationHours),
		"send_reminder_before_execution":  strconv.FormatBool(c.SendReminderBeforeExecution),
		"reminder_minutes_before":         strconv.Itoa(c.ReminderMinutesBefore),
		"request_feedback_enabled":        strconv.FormatBool(c.RequestFeedbackEnabled),
		"feedback_delay_minutes":          strconv.Itoa(c.FeedbackDelayMinutes),
		"ml_learning_enabled":             strconv.FormatBool(c.MLLearningEnabled),
		"ml_threshold_adjustment_enabled": strconv.FormatBool(c.MLThresholdAdjustmentEnabled),
	}
}

// FromWorkflowMap rebuilds a WorkflowConfig. Every key is required; the
// scheduled time must parse as HH:MM.
func FromWorkflowMap(m map[string]string) (WorkflowConfig, error) {
	c := WorkflowConfig{}
	var err error

	bools := []struct {
		key string
		dst *bool
	}{
		{"workflow_enabled", &c.WorkflowEnabled},
		{"auto_irrigation_enabled", &c.AutoIrrigationEnabled},
		{"manual_mode_enabled", &c.ManualModeEnabled},
		{"require_approval", &c.RequireApproval},
		{"send_reminder_before_execution", &c.SendReminderBeforeExecution},
		{"request_feedback_enabled", &c.RequestFeedbackEnabled},
		{"ml_learning_enabled", &c.MLLearningEnabled},
		{"ml_threshold_adjustment_enabled", &c.MLThresholdAdjustmentEnabled},
	}
	for _, b := range bools {
		v, ok := m[b.key]
		if !ok {
			return WorkflowConfig{}, fmt.Errorf("workflow config: missing %s", b.key)
		}
		if *b.dst, err = strconv.ParseBool(v); err != nil {
			return WorkflowConfig{}, fmt.Errorf("workflow config: bad %s: %w", b.key, err)
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"delay_increment_minutes", &c.DelayIncrementMinutes},
		{"max_delay_hours", &c.MaxDelayHours},
		{"expiration_hours", &c.ExpirationHours},
		{"reminder_minutes_before", &c.ReminderMinutesBefore},
		{"feedback_delay_minutes", &c.FeedbackDelayMinutes},
	}
	for _, n := range ints {
		v, ok := m[n.key]
		if !ok {
			return WorkflowConfig{}, fmt.Errorf("workflow config: missing %s", n.key)
		}
		if *n.dst, err = strconv.Atoi(v); err != nil {
			return WorkflowConfig{}, fmt.Errorf("workflow config: bad %s: %w", n.key, err)
		}
	}

	ts, ok := m["default_scheduled_time"]
	if !ok {
		return WorkflowConfig{}, fmt.Errorf("workflow config: missing default_scheduled_time")
	}
	if _, _, err = ParseScheduledTime(ts); err != nil {
		return WorkflowConfig{}, err
	}
	c.DefaultScheduledTime = ts

	return c, nil
}

// Tunables are process-wide knobs read once from the environment at startup.
type Tunables struct {
	CompletionInterval        time.Duration
	PostCaptureInterval       time.Duration
	PostCaptureDelay          time.Duration
	MaxDurationSeconds        int
	HysteresisMargin          float64
	StaleReadingSeconds       int
	CooldownMinutes           int
	SensorMissingAlertMinutes int
}

// DefaultTunables returns the stock values applied when an environment
// variable is absent.
func DefaultTunables() Tunables {
	return Tunables{
		CompletionInterval:        30 * time.Second,
		PostCaptureInterval:       60 * time.Second,
		PostCaptureDelay:          15 * time.Minute,
		MaxDurationSeconds:        600,
		HysteresisMargin:          5.0,
		StaleReadingSeconds:       3600,
		CooldownMinutes:           60,
		SensorMissingAlertMinutes: 30,
	}
}

// TunablesFromEnv reads the SYSGROW_IRRIGATION_* variables over the defaults.
// Malformed values are errors, not silent fallbacks.
func TunablesFromEnv() (Tunables, error) {
	t := DefaultTunables()

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{"SYSGROW_IRRIGATION_COMPLETION_INTERVAL_SECONDS", &t.CompletionInterval},
		{"SYSGROW_IRRIGATION_POST_CAPTURE_INTERVAL_SECONDS", &t.PostCaptureInterval},
		{"SYSGROW_IRRIGATION_POST_CAPTURE_DELAY_SECONDS", &t.PostCaptureDelay},
	}
	for _, s := range seconds {
		v := os.Getenv(s.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Tunables{}, fmt.Errorf("%s: want positive seconds, got %q", s.key, v)
		}
		*s.dst = time.Duration(n) * time.Second
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SYSGROW_IRRIGATION_MAX_DURATION_SECONDS", &t.MaxDurationSeconds},
		{"SYSGROW_IRRIGATION_STALE_READING_SECONDS", &t.StaleReadingSeconds},
		{"SYSGROW_IRRIGATION_COOLDOWN_MINUTES", &t.CooldownMinutes},
		{"SYSGROW_IRRIGATION_SENSOR_MISSING_ALERT_MINUTES", &t.SensorMissingAlertMinutes},
	}
	for _, n := range ints {
		v := os.Getenv(n.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return Tunables{}, fmt.Errorf("%s: want positive integer, got %q", n.key, v)
		}
		*n.dst = parsed
	}

	if v := os.Getenv("SYSGROW_IRRIGATION_HYSTERESIS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return Tunables{}, fmt.Errorf("SYSGROW_IRRIGATION_HYSTERESIS: want non-negative number, got %q", v)
		}
		t.HysteresisMargin = f
	}

	return t, nil
}
