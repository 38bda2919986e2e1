package irrigation

import (
	"context"
	"math"

	"github.com/sysgrow/sysgrow/core/bayes"
	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/store"
)

// fallbackAdjustmentPct is the fixed threshold step applied when no Bayesian
// learner is wired.
const fallbackAdjustmentPct = 5.0

// RecordFeedback stores the user's post-irrigation feedback and runs the
// threshold learning pass.
func (w *Workflow) RecordFeedback(ctx context.Context, requestID string, response store.FeedbackResponse, notes string) Result {
	if _, err := store.ParseFeedbackResponse(string(response)); err != nil {
		return failure("%v", err)
	}
	now := w.clock.Now()

	req, err := w.store.GetRequest(ctx, requestID)
	if err != nil {
		return failure("loading request: %v", err)
	}
	if req == nil {
		return failure("request %s not found", requestID)
	}
	if req.FeedbackID == nil {
		// Feedback arrived before (or without) solicitation; create the row.
		fb := &store.IrrigationFeedback{ID: requestID + "-fb", RequestID: requestID, CreatedAt: now}
		if err := w.store.CreateFeedback(ctx, fb); err != nil {
			return failure("creating feedback row: %v", err)
		}
		req.FeedbackID = &fb.ID
		if err := w.store.UpdateRequest(ctx, req); err != nil {
			return failure("linking feedback: %v", err)
		}
	}

	fb, err := w.store.GetFeedback(ctx, *req.FeedbackID)
	if err != nil || fb == nil {
		return failure("loading feedback row: %v", err)
	}
	fb.Response = &response
	if notes != "" {
		fb.Notes = &notes
	}
	fb.RespondedAt = &now
	if err := w.store.UpdateFeedback(ctx, fb); err != nil {
		return failure("saving feedback: %v", err)
	}

	cfg := w.UnitConfig(req.UnitID)
	if cfg.MLLearningEnabled {
		if err := w.learnFromFeedback(ctx, req, response, cfg); err != nil {
			// Learning is best-effort; the feedback itself is saved.
			observability.StoreErrors.WithLabelValues("learning").Inc()
		}
	}

	return Result{OK: true, Message: "feedback recorded", Status: req.Status}
}

// learnFromFeedback updates the volume counters, maps volume feedback into a
// threshold signal, and applies the learned adjustment.
func (w *Workflow) learnFromFeedback(ctx context.Context, req *store.IrrigationRequest, response store.FeedbackResponse, cfg WorkflowConfig) error {
	now := w.clock.Now()
	prefs, err := w.store.GetUserPreferences(ctx, req.UserID, req.UnitID)
	if err != nil {
		return err
	}
	if prefs == nil {
		prefs = &store.UserPreferences{UserID: req.UserID, UnitID: req.UnitID}
	}

	switch response {
	case store.FeedbackTooLittle:
		prefs.TooLittleCount++
	case store.FeedbackJustRight:
		prefs.JustRightCount++
	case store.FeedbackTooMuch:
		prefs.TooMuchCount++
	}

	signal, ok := w.thresholdSignal(ctx, req, response)
	if !ok {
		prefs.UpdatedAt = now
		return w.store.UpsertUserPreferences(ctx, prefs)
	}

	if !cfg.MLThresholdAdjustmentEnabled {
		prefs.UpdatedAt = now
		return w.store.UpsertUserPreferences(ctx, prefs)
	}

	if w.learner == nil {
		// Fixed-step fallback.
		prefs.UpdatedAt = now
		if err := w.store.UpsertUserPreferences(ctx, prefs); err != nil {
			return err
		}
		return w.applyFixedAdjustment(ctx, req, signal)
	}

	beliefs, err := bayes.ParseBeliefMap(prefs.ThresholdBeliefJSON)
	if err != nil {
		return err
	}
	key := bayes.Key(req.PlantType, req.GrowthStage, req.Variety, "", req.PotSizeL)
	belief, exists := beliefs[key]
	if !exists {
		// The current threshold seeds the prior for a new configuration.
		belief = bayes.NewBelief(req.Threshold, bayes.DefaultLearnerConfig().DefaultPriorVariance)
	}

	rec, err := w.learner.UpdateFromFeedback(&belief, signal, req.Threshold, prefs)
	if err != nil {
		return err
	}
	beliefs[key] = belief
	observability.BeliefSampleCount.WithLabelValues(req.UnitID, req.PlantType).Set(float64(belief.SampleCount))

	serialized, err := beliefs.Serialize()
	if err != nil {
		return err
	}
	prefs.ThresholdBeliefJSON = serialized
	prefs.UpdatedAt = now
	if err := w.store.UpsertUserPreferences(ctx, prefs); err != nil {
		return err
	}

	if rec.Direction != "maintain" && rec.AdjustmentAmount >= 1 && w.applyThr != nil {
		return w.applyThr(ctx, req.UnitID, req.PlantID, rec.Mean)
	}
	return nil
}

// thresholdSignal maps volume feedback to a threshold-feedback signal using
// the post-irrigation moisture. Timing feedback maps directly; just_right
// reinforces; skipped carries no signal.
func (w *Workflow) thresholdSignal(ctx context.Context, req *store.IrrigationRequest, response store.FeedbackResponse) (store.FeedbackResponse, bool) {
	switch response {
	case store.FeedbackTooEarly:
		return store.FeedbackTooMuch, true
	case store.FeedbackTooLate:
		return store.FeedbackTooLittle, true
	case store.FeedbackJustRight:
		return store.FeedbackJustRight, true
	case store.FeedbackSkipped:
		return "", false
	}

	var post *float64
	if logRow, err := w.store.GetExecutionLogByRequest(ctx, req.ID); err == nil && logRow != nil {
		post = logRow.PostMoisture
	}
	if post == nil {
		// No post-capture yet: treat the volume feedback as a direct signal.
		return response, true
	}

	switch response {
	case store.FeedbackTooMuch:
		if *post <= req.Threshold+w.tunables.HysteresisMargin {
			return store.FeedbackTooMuch, true
		}
	case store.FeedbackTooLittle:
		if *post >= req.Threshold {
			return store.FeedbackTooLittle, true
		}
	}
	return "", false
}

// applyFixedAdjustment nudges the threshold by the fixed step.
func (w *Workflow) applyFixedAdjustment(ctx context.Context, req *store.IrrigationRequest, signal store.FeedbackResponse) error {
	if w.applyThr == nil {
		return nil
	}
	var next float64
	switch signal {
	case store.FeedbackTooLittle:
		next = math.Min(80, req.Threshold+fallbackAdjustmentPct)
	case store.FeedbackTooMuch:
		next = math.Max(20, req.Threshold-fallbackAdjustmentPct)
	default:
		return nil
	}
	return w.applyThr(ctx, req.UnitID, req.PlantID, next)
}
