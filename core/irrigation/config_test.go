package irrigation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowConfigRoundTrip(t *testing.T) {
	orig := DefaultWorkflowConfig()
	orig.RequireApproval = false
	orig.DefaultScheduledTime = "06:30"
	orig.MaxDelayHours = 2

	got, err := FromWorkflowMap(orig.ToMap())
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestFromWorkflowMapMissingKey(t *testing.T) {
	m := DefaultWorkflowConfig().ToMap()
	delete(m, "max_delay_hours")
	_, err := FromWorkflowMap(m)
	assert.ErrorContains(t, err, "max_delay_hours")
}

func TestFromWorkflowMapBadScheduledTime(t *testing.T) {
	for _, bad := range []string{"25:00", "9pm", "21:60", ""} {
		m := DefaultWorkflowConfig().ToMap()
		m["default_scheduled_time"] = bad
		_, err := FromWorkflowMap(m)
		assert.Error(t, err, "time %q accepted", bad)
	}
}

func TestParseScheduledTime(t *testing.T) {
	h, m, err := ParseScheduledTime("21:05")
	require.NoError(t, err)
	assert.Equal(t, 21, h)
	assert.Equal(t, 5, m)
}

func TestTunablesFromEnv(t *testing.T) {
	t.Setenv("SYSGROW_IRRIGATION_MAX_DURATION_SECONDS", "300")
	t.Setenv("SYSGROW_IRRIGATION_HYSTERESIS", "2.5")
	t.Setenv("SYSGROW_IRRIGATION_COMPLETION_INTERVAL_SECONDS", "10")

	tun, err := TunablesFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 300, tun.MaxDurationSeconds)
	assert.Equal(t, 2.5, tun.HysteresisMargin)
	assert.Equal(t, 10*time.Second, tun.CompletionInterval)
	// Untouched knobs keep their defaults.
	assert.Equal(t, 60, tun.CooldownMinutes)
}

func TestTunablesFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("SYSGROW_IRRIGATION_COOLDOWN_MINUTES", "soon")
	_, err := TunablesFromEnv()
	assert.ErrorContains(t, err, "SYSGROW_IRRIGATION_COOLDOWN_MINUTES")
}

func TestTunablesFromEnvRejectsNonPositive(t *testing.T) {
	t.Setenv("SYSGROW_IRRIGATION_MAX_DURATION_SECONDS", "0")
	_, err := TunablesFromEnv()
	assert.Error(t, err)
}
