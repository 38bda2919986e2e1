package irrigation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/store"
)

// DetectionInput carries one low-moisture observation plus the context the
// caller already resolved.
type DetectionInput struct {
	UnitID       string
	PlantID      *string
	ActuatorID   *string // plant-assigned valve or pump, when one exists
	SensorID     string
	UserID       string
	SoilMoisture float64
	Threshold    float64
	ReadingAt    time.Time

	PlantType   string
	GrowthStage string
	Variety     string
	PotSizeL    float64

	// Detection-time environment snapshot; nil when unobserved.
	TempC    *float64
	Humidity *float64
	Lux      *float64
}

// VPD computes vapor pressure deficit in kPa from temperature and relative
// humidity using the Tetens saturation curve.
func VPD(tempC, relHumidity float64) float64 {
	svp := 0.6108 * math.Exp(17.27*tempC/(tempC+237.3))
	return svp * (1 - relHumidity/100)
}

// DetectIrrigationNeed runs the gate chain and, on pass, creates a PENDING
// request and dispatches the approval notification. It returns the new
// request id, or "" when a gate skipped; gate skips are never errors — the
// trace records why.
func (w *Workflow) DetectIrrigationNeed(ctx context.Context, in DetectionInput) (string, error) {
	now := w.clock.Now()
	cfg := w.UnitConfig(in.UnitID)

	if !cfg.WorkflowEnabled {
		return "", w.skip(ctx, in, store.SkipDisabled)
	}
	if !cfg.ManualModeEnabled {
		return "", w.skip(ctx, in, store.SkipManualMode)
	}
	if in.SensorID == "" {
		if _, err := w.notifier.SendSensorAlert(ctx, in.UnitID, "", "no soil-moisture sensor assigned"); err != nil {
			return "", err
		}
		return "", w.skip(ctx, in, store.SkipNoSensor)
	}
	if now.Sub(in.ReadingAt) > time.Duration(w.tunables.StaleReadingSeconds)*time.Second {
		if _, err := w.notifier.SendSensorAlert(ctx, in.UnitID, in.SensorID,
			fmt.Sprintf("soil-moisture reading stale since %s", in.ReadingAt.Format(time.RFC3339))); err != nil {
			return "", err
		}
		return "", w.skip(ctx, in, store.SkipStaleReading)
	}

	// Scope narrows to the plant when it has its own actuator; otherwise one
	// request covers the whole unit.
	scopePlant := in.PlantID
	if in.ActuatorID == nil {
		scopePlant = nil
	}
	active, err := w.store.ActiveRequestExists(ctx, in.UnitID, scopePlant)
	if err != nil {
		return "", err
	}
	if active {
		return "", w.skip(ctx, in, store.SkipPendingRequest)
	}

	lastEnd, err := w.store.LastExecutedAt(ctx, in.UnitID)
	if err != nil {
		return "", err
	}
	var hoursSinceLast *float64
	if lastEnd != nil {
		h := now.Sub(*lastEnd).Hours()
		hoursSinceLast = &h
		if now.Sub(*lastEnd) < time.Duration(w.tunables.CooldownMinutes)*time.Minute {
			return "", w.skip(ctx, in, store.SkipCooldownActive)
		}
	}

	req := &store.IrrigationRequest{
		ID:                   uuid.NewString(),
		UnitID:               in.UnitID,
		PlantID:              in.PlantID,
		ActuatorID:           in.ActuatorID,
		SensorID:             in.SensorID,
		UserID:               in.UserID,
		Status:               store.StatusPending,
		SoilMoistureDetected: in.SoilMoisture,
		Threshold:            in.Threshold,
		DetectedAt:           now,
		ScheduledAt:          nextOccurrence(cfg.DefaultScheduledTime, now),
		ExpiresAt:            now.Add(time.Duration(cfg.ExpirationHours) * time.Hour),
		HoursSinceLast:       hoursSinceLast,
		SnapTempC:            in.TempC,
		SnapHumidity:         in.Humidity,
		SnapLux:              in.Lux,
		PlantType:            in.PlantType,
		GrowthStage:          in.GrowthStage,
		Variety:              in.Variety,
		PotSizeL:             in.PotSizeL,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if in.TempC != nil && in.Humidity != nil {
		vpd := VPD(*in.TempC, *in.Humidity)
		req.SnapVPD = &vpd
	}

	if err := w.store.CreateRequest(ctx, req); err != nil {
		return "", err
	}
	if err := w.trace(ctx, in, "NOTIFY", nil); err != nil {
		return "", err
	}
	observability.RequestTransitions.WithLabelValues("", string(store.StatusPending)).Inc()

	if cfg.RequireApproval {
		noteID, err := w.notifier.SendApprovalRequest(ctx, req)
		if err != nil {
			// The request stands; approval can still arrive through the API.
			observability.StoreErrors.WithLabelValues("notification").Inc()
		} else if noteID != "" {
			req.NotificationID = &noteID
			if err := w.store.UpdateRequest(ctx, req); err != nil {
				return "", err
			}
		}
	} else {
		// No approval needed: the request is born APPROVED.
		req.Status = store.StatusApproved
		req.UpdatedAt = now
		if err := w.store.UpdateRequest(ctx, req); err != nil {
			return "", err
		}
		observability.RequestTransitions.WithLabelValues(string(store.StatusPending), string(store.StatusApproved)).Inc()
	}

	w.bus.Publish(bus.Event{Topic: bus.TopicRequestCreated, UnitID: in.UnitID, Payload: *req})
	return req.ID, nil
}

// nextOccurrence returns the next instant the HH:MM schedule fires, rolling
// to tomorrow when today's slot already passed. The schedule is interpreted
// in UTC. A malformed schedule falls back to one hour from now.
func nextOccurrence(hhmm string, now time.Time) time.Time {
	hour, minute, err := ParseScheduledTime(hhmm)
	if err != nil {
		return now.Add(time.Hour)
	}
	now = now.UTC()
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (w *Workflow) skip(ctx context.Context, in DetectionInput, reason store.SkipReason) error {
	observability.DetectionSkips.WithLabelValues(string(reason)).Inc()
	return w.trace(ctx, in, "SKIP", &reason)
}

func (w *Workflow) trace(ctx context.Context, in DetectionInput, decision string, reason *store.SkipReason) error {
	var sensorID *string
	if in.SensorID != "" {
		sensorID = &in.SensorID
	}
	return w.store.AppendTrace(ctx, &store.EligibilityTrace{
		UnitID:      in.UnitID,
		PlantID:     in.PlantID,
		SensorID:    sensorID,
		Moisture:    in.SoilMoisture,
		Threshold:   in.Threshold,
		Decision:    decision,
		SkipReason:  reason,
		EvaluatedAt: w.clock.Now(),
	})
}
