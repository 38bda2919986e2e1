// Package notify delivers user-facing messages from the control core:
// approval requests, execution reminders, feedback solicitations, and sensor
// or nutrient alerts. The default sink is the process log; richer transports
// implement Notifier.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/store"
)

// Severity grades alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier is the outbound message contract. Every method returns the
// dispatched notification id, or an error when delivery failed.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, req *store.IrrigationRequest) (string, error)
	SendReminder(ctx context.Context, req *store.IrrigationRequest, executeAt time.Time) (string, error)
	SendFeedbackRequest(ctx context.Context, req *store.IrrigationRequest, feedbackID string) (string, error)
	SendSensorAlert(ctx context.Context, unitID, sensorID, message string) (string, error)
	SendNutrientAlert(ctx context.Context, unitID string, metric store.Metric, value float64, severity Severity) (string, error)
}

// LogNotifier writes every notification to the process log. It is the
// default sink and the test double.
type LogNotifier struct {
	mu   sync.Mutex
	sent []Sent
}

// Sent records one dispatched notification for inspection.
type Sent struct {
	ID      string
	Kind    string
	UnitID  string
	Message string
	At      time.Time
}

// NewLogNotifier creates an empty LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) dispatch(kind, unitID, message string) (string, error) {
	id := uuid.NewString()
	n.mu.Lock()
	n.sent = append(n.sent, Sent{ID: id, Kind: kind, UnitID: unitID, Message: message, At: time.Now().UTC()})
	n.mu.Unlock()
	log.Printf("notify: [%s] unit=%s %s", kind, unitID, message)
	return id, nil
}

func (n *LogNotifier) SendApprovalRequest(_ context.Context, req *store.IrrigationRequest) (string, error) {
	return n.dispatch("approval", req.UnitID,
		fmt.Sprintf("irrigation requested: moisture %.1f%% below threshold %.1f%%, scheduled %s",
			req.SoilMoistureDetected, req.Threshold, req.ScheduledAt.Format(time.RFC3339)))
}

func (n *LogNotifier) SendReminder(_ context.Context, req *store.IrrigationRequest, executeAt time.Time) (string, error) {
	return n.dispatch("reminder", req.UnitID,
		fmt.Sprintf("irrigation request %s executes at %s", req.ID, executeAt.Format(time.RFC3339)))
}

func (n *LogNotifier) SendFeedbackRequest(_ context.Context, req *store.IrrigationRequest, feedbackID string) (string, error) {
	return n.dispatch("feedback", req.UnitID,
		fmt.Sprintf("how was irrigation %s? (feedback %s)", req.ID, feedbackID))
}

func (n *LogNotifier) SendSensorAlert(_ context.Context, unitID, sensorID, message string) (string, error) {
	return n.dispatch("sensor_alert", unitID, fmt.Sprintf("sensor %s: %s", sensorID, message))
}

func (n *LogNotifier) SendNutrientAlert(_ context.Context, unitID string, metric store.Metric, value float64, severity Severity) (string, error) {
	return n.dispatch("nutrient_alert", unitID,
		fmt.Sprintf("%s %s at %.2f", severity, metric, value))
}

// Sent returns a copy of the dispatched notifications.
func (n *LogNotifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Sent, len(n.sent))
	copy(out, n.sent)
	return out
}

// Throttled rate-limits sensor alerts per (unit, sensor) so a flapping sensor
// produces at most one alert per window. All other notification kinds pass
// through unchanged.
type Throttled struct {
	Notifier

	window   time.Duration
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottled wraps next with a per-sensor alert window.
func NewThrottled(next Notifier, window time.Duration) *Throttled {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Throttled{
		Notifier: next,
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttled) allow(key string) bool {
	t.mu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.window), 1)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

func (t *Throttled) SendSensorAlert(ctx context.Context, unitID, sensorID, message string) (string, error) {
	if !t.allow("sensor|" + unitID + "|" + sensorID) {
		observability.NotificationsThrottled.WithLabelValues("sensor_alert").Inc()
		return "", nil
	}
	return t.Notifier.SendSensorAlert(ctx, unitID, sensorID, message)
}

func (t *Throttled) SendNutrientAlert(ctx context.Context, unitID string, metric store.Metric, value float64, severity Severity) (string, error) {
	if !t.allow("nutrient|" + unitID + "|" + string(metric)) {
		observability.NotificationsThrottled.WithLabelValues("nutrient_alert").Inc()
		return "", nil
	}
	return t.Notifier.SendNutrientAlert(ctx, unitID, metric, value, severity)
}
