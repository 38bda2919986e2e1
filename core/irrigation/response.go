package irrigation

import (
	"context"
	"fmt"
	"time"

	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/store"
)

// ResponseAction is the user's answer to an approval request.
type ResponseAction string

const (
	ActionApprove ResponseAction = "approve"
	ActionDelay   ResponseAction = "delay"
	ActionCancel  ResponseAction = "cancel"
)

// ParseResponseAction validates an action string.
func ParseResponseAction(s string) (ResponseAction, error) {
	switch ResponseAction(s) {
	case ActionApprove, ActionDelay, ActionCancel:
		return ResponseAction(s), nil
	}
	return "", fmt.Errorf("unknown response action %q", s)
}

// Result is the user-visible outcome of a response or feedback call.
type Result struct {
	OK      bool                `json:"ok"`
	Message string              `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Status  store.RequestStatus `json:"status,omitempty"`
}

func failure(format string, args ...interface{}) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

// responseTimeAlpha is the EMA weight for new response-latency observations.
const responseTimeAlpha = 0.2

// HandleUserResponse applies an approve, delay, or cancel to a request.
// Responses are accepted only from PENDING and DELAYED; everything else is a
// structured failure with state unchanged. delayMinutes applies to delay only
// and falls back to the unit's default increment when zero.
func (w *Workflow) HandleUserResponse(ctx context.Context, requestID string, action ResponseAction, userID string, delayMinutes int) Result {
	now := w.clock.Now()

	req, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return failure("loading request: %v", err)
	}
	if req == nil {
		return failure("request %s not found", requestID)
	}
	if req.Status != store.StatusPending && req.Status != store.StatusDelayed {
		return failure("request is %s; responses are accepted only while pending or delayed", req.Status)
	}

	cfg := w.UnitConfig(req.UnitID)
	from := req.Status
	responded := string(action)
	req.UserResponse = &responded
	req.RespondedAt = &now
	req.UpdatedAt = now

	var topic bus.Topic
	var score float64
	var message string

	switch action {
	case ActionApprove:
		req.Status = store.StatusApproved
		topic = bus.TopicRequestApproved
		score = 1.0
		message = fmt.Sprintf("irrigation approved, executes at %s", req.ScheduledAt.Format(time.RFC3339))

	case ActionDelay:
		minutes := delayMinutes
		if minutes <= 0 {
			minutes = cfg.DelayIncrementMinutes
		}
		until := now.Add(time.Duration(minutes) * time.Minute)
		limit := req.DetectedAt.Add(time.Duration(cfg.MaxDelayHours) * time.Hour)
		if until.After(limit) {
			return failure("cannot delay beyond %d hours after detection", cfg.MaxDelayHours)
		}
		req.Status = store.StatusDelayed
		req.DelayedUntil = &until
		topic = bus.TopicRequestDelayed
		score = 0.5
		message = fmt.Sprintf("irrigation delayed until %s", until.Format(time.RFC3339))

	case ActionCancel:
		req.Status = store.StatusCancelled
		topic = bus.TopicRequestCancelled
		score = -1.0
		message = "irrigation cancelled"

	default:
		return failure("unknown response action %q", action)
	}

	if !from.CanTransitionTo(req.Status) {
		return failure("transition %s -> %s is not allowed", from, req.Status)
	}
	if err := w.store.UpdateRequest(ctx, req); err != nil {
		return failure("saving response: %v", err)
	}
	observability.RequestTransitions.WithLabelValues(string(from), string(req.Status)).Inc()

	if cfg.MLLearningEnabled {
		if err := w.recordResponseLearning(ctx, userID, req, action, score, now); err != nil {
			// Learning bookkeeping never fails the user's call.
			observability.StoreErrors.WithLabelValues("user_preferences").Inc()
		}
	}

	if action == ActionApprove && cfg.SendReminderBeforeExecution {
		w.scheduleReminder(req, cfg)
	}

	w.bus.Publish(bus.Event{Topic: topic, UnitID: req.UnitID, Payload: *req})
	return Result{OK: true, Message: message, Status: req.Status}
}

// recordResponseLearning updates the user's preference counters and response
// latency EMA.
func (w *Workflow) recordResponseLearning(ctx context.Context, userID string, req *store.IrrigationRequest, action ResponseAction, score float64, now time.Time) error {
	if userID == "" {
		userID = req.UserID
	}
	prefs, err := w.store.GetUserPreferences(ctx, userID, req.UnitID)
	if err != nil {
		return err
	}
	if prefs == nil {
		prefs = &store.UserPreferences{UserID: userID, UnitID: req.UnitID}
	}

	switch action {
	case ActionApprove:
		prefs.ApproveCount++
	case ActionDelay:
		prefs.DelayCount++
	case ActionCancel:
		prefs.CancelCount++
	}
	prefs.PreferenceScore += score

	latency := now.Sub(req.DetectedAt).Seconds()
	if latency < 0 {
		latency = 0
	}
	// First observation seeds the EMA directly.
	if prefs.AvgResponseSeconds == 0 {
		prefs.AvgResponseSeconds = latency
	} else {
		prefs.AvgResponseSeconds = (1-responseTimeAlpha)*prefs.AvgResponseSeconds + responseTimeAlpha*latency
	}
	prefs.UpdatedAt = now

	return w.store.UpsertUserPreferences(ctx, prefs)
}

// scheduleReminder arms a one-shot reminder before the scheduled run. Without
// a running scheduler (tests, bring-up) the reminder is skipped.
func (w *Workflow) scheduleReminder(req *store.IrrigationRequest, cfg WorkflowConfig) {
	w.mu.Lock()
	runner := w.runner
	w.mu.Unlock()
	if runner == nil {
		return
	}

	fireAt := req.ScheduledAt.Add(-time.Duration(cfg.ReminderMinutesBefore) * time.Minute)
	delay := fireAt.Sub(w.clock.Now())
	if delay <= 0 {
		return
	}
	requestID := req.ID
	runner.After(delay, func(ctx context.Context) {
		current, err := w.store.GetRequest(ctx, requestID)
		if err != nil || current == nil || current.Status != store.StatusApproved {
			return
		}
		if _, err := w.notifier.SendReminder(ctx, current, current.ScheduledAt); err != nil {
			observability.StoreErrors.WithLabelValues("notification").Inc()
		}
	})
}
