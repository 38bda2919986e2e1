package irrigation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sysgrow/sysgrow/core/actuator"
	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/predict"
	"github.com/sysgrow/sysgrow/core/store"
)

const (
	// claimBatchSize bounds how many due requests one tick picks up.
	claimBatchSize = 10

	// minDurationSeconds is the floor for any planned run.
	minDurationSeconds = 30

	// defaultDurationSeconds is used when no predictor opinion is available.
	defaultDurationSeconds = 60

	// defaultFlowMLPerS is assumed for pumps without flow calibration.
	defaultFlowMLPerS = 16.7

	// lockMargin pads the unit-lock TTL past the longest possible run.
	lockMargin = 60 * time.Second
)

// ExecutionTick claims due requests and starts their irrigation runs. Lock
// contention requeues the request unchanged for the next tick.
func (w *Workflow) ExecutionTick(ctx context.Context) error {
	now := w.clock.Now()
	claimed, err := w.store.ClaimDueRequests(ctx, now, claimBatchSize)
	if err != nil {
		return err
	}

	for _, req := range claimed {
		if err := w.startExecution(ctx, req); err != nil {
			log.Printf("irrigation: request %s: %v", req.ID, err)
		}
	}
	return nil
}

func (w *Workflow) startExecution(ctx context.Context, req *store.IrrigationRequest) error {
	now := w.clock.Now()
	ttl := time.Duration(w.tunables.MaxDurationSeconds)*time.Second + lockMargin
	owner := w.ownerID + ":" + uuid.NewString()

	ok, err := w.locker.AcquireUnitLock(ctx, req.UnitID, owner, ttl)
	if err != nil {
		// Lock backend trouble: requeue and let the next tick retry.
		return w.requeue(ctx, req, fmt.Errorf("unit lock: %w", err))
	}
	if !ok {
		observability.UnitLockContention.WithLabelValues(req.UnitID).Inc()
		return w.requeue(ctx, req, nil)
	}

	actuatorID, err := w.resolveActuator(req)
	if err != nil {
		w.releaseLock(ctx, req.UnitID, owner)
		return w.fail(ctx, req, nil, err)
	}

	plannedSeconds := w.plannedDuration(ctx, req)
	flow := w.registry.FlowRate(actuatorID, defaultFlowMLPerS)

	logRow := &store.ExecutionLog{
		ID:                uuid.NewString(),
		RequestID:         &req.ID,
		UnitID:            req.UnitID,
		SensorID:          req.SensorID,
		ActuatorID:        actuatorID,
		Trigger:           "workflow",
		TriggeredAtUTC:    now,
		PlannedDurationS:  plannedSeconds,
		EstimatedVolumeML: float64(plannedSeconds) * flow,
		PreMoisture:       req.SoilMoistureDetected,
		Threshold:         req.Threshold,
		PostDelayS:        int(w.tunables.PostCaptureDelay.Seconds()),
	}

	reading := w.registry.Execute(ctx, actuator.Command{ActuatorID: actuatorID, Kind: actuator.CmdOn, Strategy: "irrigation"})
	if reading.Suppressed {
		// Chatter protection held the on-command back; try again next tick.
		w.releaseLock(ctx, req.UnitID, owner)
		return w.requeue(ctx, req, nil)
	}
	if !reading.OK() {
		w.releaseLock(ctx, req.UnitID, owner)
		errMsg := reading.Error
		logRow.ErrorMsg = &errMsg
		if err := w.store.CreateExecutionLog(ctx, logRow); err != nil {
			observability.StoreErrors.WithLabelValues("execution_log").Inc()
		}
		return w.fail(ctx, req, logRow, fmt.Errorf("on-command failed: %s", reading.Error))
	}

	started := w.clock.Now()
	logRow.StartedAt = &started
	if err := w.store.CreateExecutionLog(ctx, logRow); err != nil {
		observability.StoreErrors.WithLabelValues("execution_log").Inc()
	}

	req.ActuatorID = &actuatorID
	req.UpdatedAt = started
	if err := w.store.UpdateRequest(ctx, req); err != nil {
		observability.StoreErrors.WithLabelValues("request").Inc()
	}
	observability.RequestTransitions.WithLabelValues(string(req.ClaimedFrom), string(store.StatusExecuting)).Inc()

	w.mu.Lock()
	w.heldLocks[req.UnitID] = owner
	w.mu.Unlock()

	log.Printf("irrigation: unit=%s request=%s running %ds on %s (~%.0f ml)",
		req.UnitID, req.ID, plannedSeconds, actuatorID, logRow.EstimatedVolumeML)
	return nil
}

// resolveActuator picks the device to drive: the request's plant-assigned
// actuator when registered, otherwise the unit-level pump.
func (w *Workflow) resolveActuator(req *store.IrrigationRequest) (string, error) {
	if req.ActuatorID != nil {
		if _, ok := w.registry.Lookup(*req.ActuatorID); ok {
			return *req.ActuatorID, nil
		}
	}
	if pump, ok := w.registry.FindByKind(req.UnitID, store.KindPump); ok {
		return pump.ID, nil
	}
	return "", fmt.Errorf("no irrigation actuator registered for unit %s", req.UnitID)
}

// plannedDuration consults the predictor and clamps the answer. Confidence
// zero means no opinion and keeps the default.
func (w *Workflow) plannedDuration(ctx context.Context, req *store.IrrigationRequest) int {
	seconds := defaultDurationSeconds
	pc := predict.Context{PlantType: req.PlantType, GrowthStage: req.GrowthStage}
	if req.SnapTempC != nil {
		pc.TempC = *req.SnapTempC
	}
	if req.SnapHumidity != nil {
		pc.Humidity = *req.SnapHumidity
	}
	if req.SnapVPD != nil {
		pc.VPD = *req.SnapVPD
	}

	p, err := w.predictor.PredictDuration(ctx, req.UnitID, req.SoilMoistureDetected, req.Threshold, defaultDurationSeconds, pc)
	if err == nil && p.Confidence > 0 {
		seconds = p.RecommendedSeconds
	}

	if seconds < minDurationSeconds {
		seconds = minDurationSeconds
	}
	if seconds > w.tunables.MaxDurationSeconds {
		seconds = w.tunables.MaxDurationSeconds
	}
	return seconds
}

// requeue returns a claimed request to its pre-claim status.
func (w *Workflow) requeue(ctx context.Context, req *store.IrrigationRequest, cause error) error {
	if err := w.store.ReleaseClaim(ctx, req.ID, req.ClaimedFrom); err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return cause
}

// fail flips a request to FAILED and records the cause on its log row.
func (w *Workflow) fail(ctx context.Context, req *store.IrrigationRequest, logRow *store.ExecutionLog, cause error) error {
	from := req.Status
	req.Status = store.StatusFailed
	req.UpdatedAt = w.clock.Now()
	if err := w.store.UpdateRequest(ctx, req); err != nil {
		return fmt.Errorf("marking failed after %v: %w", cause, err)
	}
	observability.RequestTransitions.WithLabelValues(string(from), string(store.StatusFailed)).Inc()
	if logRow != nil && logRow.ErrorMsg == nil {
		msg := cause.Error()
		logRow.ErrorMsg = &msg
		if err := w.store.UpdateExecutionLog(ctx, logRow); err != nil {
			observability.StoreErrors.WithLabelValues("execution_log").Inc()
		}
	}
	return cause
}

func (w *Workflow) releaseLock(ctx context.Context, unitID, owner string) {
	if err := w.locker.ReleaseUnitLock(ctx, unitID, owner); err != nil {
		log.Printf("irrigation: releasing unit lock %s: %v", unitID, err)
	}
	w.mu.Lock()
	if w.heldLocks[unitID] == owner {
		delete(w.heldLocks, unitID)
	}
	w.mu.Unlock()
}

// CompletionTick stops runs whose planned duration elapsed, flips them to
// EXECUTED, releases the unit lock, and schedules feedback solicitation.
func (w *Workflow) CompletionTick(ctx context.Context) error {
	now := w.clock.Now()
	executing, err := w.store.ListRequestsByStatus(ctx, store.StatusExecuting, claimBatchSize)
	if err != nil {
		return err
	}

	for _, req := range executing {
		logRow, err := w.store.GetExecutionLogByRequest(ctx, req.ID)
		if err != nil || logRow == nil || logRow.StartedAt == nil {
			continue
		}
		due := logRow.StartedAt.Add(time.Duration(logRow.PlannedDurationS) * time.Second)
		if due.After(now) {
			continue
		}
		if err := w.complete(ctx, req, logRow); err != nil {
			log.Printf("irrigation: completing request %s: %v", req.ID, err)
		}
	}
	return nil
}

func (w *Workflow) complete(ctx context.Context, req *store.IrrigationRequest, logRow *store.ExecutionLog) error {
	now := w.clock.Now()
	cfg := w.UnitConfig(req.UnitID)

	w.mu.Lock()
	owner := w.heldLocks[req.UnitID]
	w.mu.Unlock()

	off := actuator.Command{ActuatorID: logRow.ActuatorID, Kind: actuator.CmdOff, Strategy: "irrigation"}
	reading := w.registry.Execute(ctx, off)
	if !reading.OK() {
		// Safety retry: a stuck pump floods the unit.
		reading = w.registry.Execute(ctx, off)
	}
	if !reading.OK() {
		if owner != "" {
			w.releaseLock(ctx, req.UnitID, owner)
		}
		errMsg := reading.Error
		logRow.ErrorMsg = &errMsg
		if err := w.store.UpdateExecutionLog(ctx, logRow); err != nil {
			observability.StoreErrors.WithLabelValues("execution_log").Inc()
		}
		return w.fail(ctx, req, logRow, fmt.Errorf("off-command failed twice: %s", reading.Error))
	}

	actual := int(now.Sub(*logRow.StartedAt).Seconds())
	logRow.EndedAt = &now
	logRow.ActualDurationS = &actual
	if err := w.store.UpdateExecutionLog(ctx, logRow); err != nil {
		observability.StoreErrors.WithLabelValues("execution_log").Inc()
	}
	observability.ExecutionDuration.Observe(float64(actual))

	req.Status = store.StatusExecuted
	req.UpdatedAt = now
	if err := w.store.UpdateRequest(ctx, req); err != nil {
		return err
	}
	observability.RequestTransitions.WithLabelValues(string(store.StatusExecuting), string(store.StatusExecuted)).Inc()

	if owner != "" {
		w.releaseLock(ctx, req.UnitID, owner)
	}

	if cfg.RequestFeedbackEnabled {
		w.scheduleFeedbackSolicitation(req, cfg)
	}

	w.bus.Publish(bus.Event{Topic: bus.TopicRequestExecuted, UnitID: req.UnitID, Payload: *req})
	return nil
}

// scheduleFeedbackSolicitation creates the feedback row up front and arms a
// timer to ask the user once the soil had time to respond.
func (w *Workflow) scheduleFeedbackSolicitation(req *store.IrrigationRequest, cfg WorkflowConfig) {
	w.mu.Lock()
	runner := w.runner
	w.mu.Unlock()
	if runner == nil {
		return
	}

	requestID := req.ID
	runner.After(time.Duration(cfg.FeedbackDelayMinutes)*time.Minute, func(ctx context.Context) {
		current, err := w.store.GetRequest(ctx, requestID)
		if err != nil || current == nil || current.Status != store.StatusExecuted {
			return
		}
		fb := &store.IrrigationFeedback{
			ID:        uuid.NewString(),
			RequestID: requestID,
			CreatedAt: w.clock.Now(),
		}
		if err := w.store.CreateFeedback(ctx, fb); err != nil {
			observability.StoreErrors.WithLabelValues("feedback").Inc()
			return
		}
		current.FeedbackID = &fb.ID
		if err := w.store.UpdateRequest(ctx, current); err != nil {
			observability.StoreErrors.WithLabelValues("request").Inc()
		}
		if _, err := w.notifier.SendFeedbackRequest(ctx, current, fb.ID); err != nil {
			observability.StoreErrors.WithLabelValues("notification").Inc()
		}
	})
}

// PostCaptureTick measures post-irrigation moisture for completed runs whose
// settle delay elapsed, derives the delta recommendation, and feeds the
// drydown model. Failures here log and leave request state untouched.
func (w *Workflow) PostCaptureTick(ctx context.Context) error {
	due, err := w.store.ListPostCaptureDue(ctx, w.clock.Now())
	if err != nil {
		return err
	}

	for _, logRow := range due {
		if err := w.capturePost(ctx, logRow); err != nil {
			log.Printf("irrigation: post-capture for log %s: %v", logRow.ID, err)
		}
	}
	return nil
}

func (w *Workflow) capturePost(ctx context.Context, logRow *store.ExecutionLog) error {
	if w.moisture == nil {
		return nil
	}
	post, ok := w.moisture.LatestMoisture(ctx, logRow.UnitID, logRow.SensorID)
	if !ok {
		return fmt.Errorf("no current moisture for sensor %s", logRow.SensorID)
	}

	delta := post - logRow.PreMoisture
	rec := "maintain"
	switch {
	case delta < w.tunables.HysteresisMargin:
		rec = "adjust_threshold"
	case delta > 2*w.tunables.HysteresisMargin:
		rec = "reduce_duration"
	}

	logRow.PostMoisture = &post
	logRow.DeltaMoisture = &delta
	logRow.Recommendation = &rec
	if err := w.store.UpdateExecutionLog(ctx, logRow); err != nil {
		return err
	}

	if logRow.RequestID != nil {
		if req, err := w.store.GetRequest(ctx, *logRow.RequestID); err == nil && req != nil {
			w.updateDrydownModel(ctx, req, logRow)
		}
	}

	log.Printf("irrigation: unit=%s post-capture delta=%.1f%% -> %s", logRow.UnitID, delta, rec)
	return nil
}

// updateDrydownModel folds the observed drydown since the previous irrigation
// into the plant's rate estimate.
func (w *Workflow) updateDrydownModel(ctx context.Context, req *store.IrrigationRequest, logRow *store.ExecutionLog) {
	if req.PlantID == nil || req.HoursSinceLast == nil || *req.HoursSinceLast <= 0 {
		return
	}
	if logRow.DeltaMoisture == nil {
		return
	}

	// Moisture declined from roughly (pre + last delta) to pre over the gap;
	// the previous delta approximates where the last run left the soil.
	observed := *logRow.DeltaMoisture / *req.HoursSinceLast
	if observed <= 0 {
		return
	}

	model, err := w.store.GetPlantModel(ctx, *req.PlantID)
	if err != nil {
		observability.StoreErrors.WithLabelValues("plant_model").Inc()
		return
	}
	now := w.clock.Now()
	if model == nil {
		model = &store.PlantIrrigationModel{
			PlantID:            *req.PlantID,
			UnitID:             req.UnitID,
			DrydownRatePerHour: observed,
		}
	} else {
		model.DrydownRatePerHour += 0.3 * (observed - model.DrydownRatePerHour)
	}
	model.SampleCount++
	if model.Confidence = float64(model.SampleCount) / 20; model.Confidence > 1 {
		model.Confidence = 1
	}
	model.UpdatedAt = now

	if err := w.store.UpsertPlantModel(ctx, model); err != nil {
		observability.StoreErrors.WithLabelValues("plant_model").Inc()
	}
}
