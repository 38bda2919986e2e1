package bayes

import (
	"math"
	"testing"
	"time"

	"github.com/sysgrow/sysgrow/core/store"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestConjugateUpdate(t *testing.T) {
	l := NewLearner(LearnerConfig{}, fixedNow)
	b := NewBelief(50, 25)
	b.SampleCount = 4

	// Precision form: tau0=1/25=0.04, tau=1/6, tauN=0.2067,
	// mean=(0.04*50 + 0.1667*55)/0.2067 = 54.03, variance=1/tauN = 4.84.
	l.applyObservation(&b, 55, 6)

	if !almostEqual(b.Mean, 54.03, 0.01) {
		t.Fatalf("posterior mean = %v, want 54.03", b.Mean)
	}
	if !almostEqual(b.Variance, 4.84, 0.01) {
		t.Fatalf("posterior variance = %v, want 4.84", b.Variance)
	}
	if b.SampleCount != 5 {
		t.Fatalf("sample count = %d, want 5", b.SampleCount)
	}
	if got := Confidence(b.SampleCount); got != 0.1 {
		t.Fatalf("confidence = %v, want 0.1", got)
	}
	if !b.UpdatedAt.Equal(fixedNow()) {
		t.Fatalf("UpdatedAt = %v", b.UpdatedAt)
	}
}

func TestVarianceNeverIncreases(t *testing.T) {
	l := NewLearner(LearnerConfig{}, fixedNow)
	b := NewBelief(50, 25)

	prev := b.Variance
	for i := 0; i < 30; i++ {
		if _, err := l.UpdateFromFeedback(&b, store.FeedbackJustRight, 50, nil); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if b.Variance > prev {
			t.Fatalf("variance grew at step %d: %v -> %v", i, prev, b.Variance)
		}
		prev = b.Variance
	}

	// Floor from config: variance never collapses below MinVariance.
	if b.Variance < DefaultLearnerConfig().MinVariance {
		t.Fatalf("variance %v below floor", b.Variance)
	}
	// Just-right feedback at the current threshold keeps the mean there.
	if !almostEqual(b.Mean, 50, 1e-9) {
		t.Fatalf("mean drifted to %v", b.Mean)
	}
}

func TestFeedbackDirections(t *testing.T) {
	l := NewLearner(LearnerConfig{}, fixedNow)

	up := NewBelief(50, 25)
	rec, err := l.UpdateFromFeedback(&up, store.FeedbackTooLittle, 50, nil)
	if err != nil {
		t.Fatalf("too_little: %v", err)
	}
	if up.Mean <= 50 || rec.Direction != "increase" {
		t.Fatalf("too_little: mean=%v direction=%s", up.Mean, rec.Direction)
	}
	if !almostEqual(rec.AdjustmentAmount, up.Mean-50, 1e-9) {
		t.Fatalf("adjustment amount %v vs mean delta %v", rec.AdjustmentAmount, up.Mean-50)
	}

	down := NewBelief(50, 25)
	if _, err := l.UpdateFromFeedback(&down, store.FeedbackTooMuch, 50, nil); err != nil {
		t.Fatalf("too_much: %v", err)
	}
	if down.Mean >= 50 {
		t.Fatalf("too_much raised the mean to %v", down.Mean)
	}

	// Timing feedback maps onto the same axis.
	late := NewBelief(50, 25)
	if _, err := l.UpdateFromFeedback(&late, store.FeedbackTooLate, 50, nil); err != nil {
		t.Fatalf("too_late: %v", err)
	}
	if late.Mean <= 50 {
		t.Fatalf("too_late lowered the mean to %v", late.Mean)
	}
}

func TestSkippedFeedbackRejected(t *testing.T) {
	l := NewLearner(LearnerConfig{}, fixedNow)
	b := NewBelief(50, 25)

	if _, err := l.UpdateFromFeedback(&b, store.FeedbackSkipped, 50, nil); err == nil {
		t.Fatalf("skipped feedback produced an update")
	}
	if b.SampleCount != 0 || b.Mean != 50 {
		t.Fatalf("belief mutated by rejected feedback: %+v", b)
	}
}

func TestMeanClampedToPlausibleRange(t *testing.T) {
	l := NewLearner(LearnerConfig{}, fixedNow)
	b := NewBelief(80, 25)

	if _, err := l.UpdateFromFeedback(&b, store.FeedbackTooLittle, 90, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if b.Mean != 80 {
		t.Fatalf("mean escaped clamp: %v", b.Mean)
	}

	b = NewBelief(20, 25)
	if _, err := l.UpdateFromFeedback(&b, store.FeedbackTooMuch, 15, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if b.Mean != 20 {
		t.Fatalf("mean escaped lower clamp: %v", b.Mean)
	}
}

func TestAdjustmentMagnitudeNarrowsWithEvidence(t *testing.T) {
	l := NewLearner(LearnerConfig{}, fixedNow)

	fresh := NewBelief(50, 25)
	seasoned := NewBelief(50, 25)
	seasoned.SampleCount = 50

	if l.AdjustmentMagnitude(fresh) <= l.AdjustmentMagnitude(seasoned) {
		t.Fatalf("magnitude did not narrow: fresh=%v seasoned=%v",
			l.AdjustmentMagnitude(fresh), l.AdjustmentMagnitude(seasoned))
	}
}

func TestConsistency(t *testing.T) {
	if got := Consistency(nil); got != 0.5 {
		t.Fatalf("nil prefs = %v, want 0.5", got)
	}
	if got := Consistency(&store.UserPreferences{JustRightCount: 3}); got != 0.5 {
		t.Fatalf("under 5 samples = %v, want 0.5", got)
	}

	perfect := &store.UserPreferences{JustRightCount: 10}
	if got := Consistency(perfect); got != 1.0 {
		t.Fatalf("all just-right = %v, want 1.0", got)
	}

	oneSided := &store.UserPreferences{TooLittleCount: 10}
	if got := Consistency(oneSided); got != 0.2 {
		t.Fatalf("one-sided = %v, want 0.2", got)
	}

	balanced := &store.UserPreferences{TooLittleCount: 5, TooMuchCount: 5}
	if got := Consistency(balanced); !almostEqual(got, 0.4, 1e-9) {
		t.Fatalf("balanced extremes = %v, want 0.4", got)
	}
}

func TestInconsistentUsersGetWiderObservations(t *testing.T) {
	l := NewLearner(LearnerConfig{}, fixedNow)
	if tight, wide := l.observationVariance(1.0), l.observationVariance(0.2); tight >= wide {
		t.Fatalf("observation variance not ordered: consistent=%v inconsistent=%v", tight, wide)
	}
}
