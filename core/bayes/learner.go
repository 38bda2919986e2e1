package bayes

import (
	"fmt"
	"math"
	"time"

	"github.com/sysgrow/sysgrow/core/store"
)

// LearnerConfig tunes the threshold learner.
type LearnerConfig struct {
	DefaultPriorVariance    float64 `yaml:"default_prior_variance"`
	ObservationVarianceBase float64 `yaml:"observation_variance_base"`
	MinVariance             float64 `yaml:"min_variance"`
	MaxAdjustmentPct        float64 `yaml:"max_adjustment_pct"`
	MinAdjustmentPct        float64 `yaml:"min_adjustment_pct"`
}

// DefaultLearnerConfig returns the stock tuning.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		DefaultPriorVariance:    25,
		ObservationVarianceBase: 4,
		MinVariance:             0.5,
		MaxAdjustmentPct:        8,
		MinAdjustmentPct:        2,
	}
}

// Recommendation is the learner's output tuple. Direction is "increase",
// "decrease", or "maintain" relative to the current threshold.
type Recommendation struct {
	Mean             float64    `json:"mean"`
	Direction        string     `json:"direction"`
	AdjustmentAmount float64    `json:"adjustment_amount"`
	Confidence       float64    `json:"confidence"`
	CredibleInterval [2]float64 `json:"credible_interval"`
}

// Learner performs Normal-Normal updates on threshold beliefs. It holds no
// belief state itself; callers pass the belief in and persist the result.
type Learner struct {
	cfg LearnerConfig
	now func() time.Time
}

// NewLearner creates a Learner; zero config fields take their defaults.
func NewLearner(cfg LearnerConfig, now func() time.Time) *Learner {
	def := DefaultLearnerConfig()
	if cfg.DefaultPriorVariance <= 0 {
		cfg.DefaultPriorVariance = def.DefaultPriorVariance
	}
	if cfg.ObservationVarianceBase <= 0 {
		cfg.ObservationVarianceBase = def.ObservationVarianceBase
	}
	if cfg.MinVariance <= 0 {
		cfg.MinVariance = def.MinVariance
	}
	if cfg.MaxAdjustmentPct <= 0 {
		cfg.MaxAdjustmentPct = def.MaxAdjustmentPct
	}
	if cfg.MinAdjustmentPct <= 0 {
		cfg.MinAdjustmentPct = def.MinAdjustmentPct
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Learner{cfg: cfg, now: now}
}

// Confidence grows linearly with evidence and saturates at 50 samples.
func Confidence(sampleCount int) float64 {
	return math.Min(1, float64(sampleCount)/50)
}

// Consistency scores how coherent a user's volume feedback has been, in
// [0.2, 1.0]. A high just-right rate and balanced too-little/too-much counts
// both raise it; alternating extremes lower it. Under five samples the user
// is unknown and scores 0.5.
func Consistency(prefs *store.UserPreferences) float64 {
	if prefs == nil {
		return 0.5
	}
	total := prefs.TooLittleCount + prefs.JustRightCount + prefs.TooMuchCount
	if total < 5 {
		return 0.5
	}
	justRightRate := float64(prefs.JustRightCount) / float64(total)
	extremes := prefs.TooLittleCount + prefs.TooMuchCount
	balance := 1.0
	if extremes > 0 {
		balance = 1 - math.Abs(float64(prefs.TooLittleCount-prefs.TooMuchCount))/float64(extremes)
	}
	c := 0.2 + 0.6*justRightRate + 0.2*balance
	return clamp(c, 0.2, 1.0)
}

// AdjustmentMagnitude computes the explore/exploit step A in threshold
// percentage points: wide when evidence is thin, narrowing toward the minimum
// as confidence grows, and stretched up to 1.5x when the posterior is still
// uncertain.
func (l *Learner) AdjustmentMagnitude(b ThresholdBelief) float64 {
	conf := Confidence(b.SampleCount)
	a := l.cfg.MaxAdjustmentPct - conf*(l.cfg.MaxAdjustmentPct-l.cfg.MinAdjustmentPct)
	scale := 1 + math.Min(0.5, b.StdDev()/20)
	return a * scale
}

// observationVariance maps user consistency c into likelihood variance.
// Consistent users (c near 1) produce tight observations.
func (l *Learner) observationVariance(consistency float64) float64 {
	c := clamp(consistency, 0.2, 1.0)
	return l.cfg.ObservationVarianceBase * (2.5 - 2*c)
}

// observationTarget derives the implied threshold observation x from one
// categorical feedback at the current threshold.
func (l *Learner) observationTarget(response store.FeedbackResponse, threshold, magnitude float64) (float64, error) {
	switch response {
	case store.FeedbackTooLittle, store.FeedbackTooLate:
		return threshold + magnitude, nil
	case store.FeedbackTooMuch, store.FeedbackTooEarly:
		return threshold - magnitude, nil
	case store.FeedbackJustRight:
		return threshold, nil
	case store.FeedbackSkipped:
		return 0, fmt.Errorf("skipped feedback carries no threshold signal")
	}
	return 0, fmt.Errorf("unknown feedback response %q", response)
}

// applyObservation runs the conjugate update in place.
func (l *Learner) applyObservation(b *ThresholdBelief, x, obsVariance float64) {
	tau0 := 1 / b.Variance
	tau := 1 / obsVariance
	tauN := tau0 + tau

	b.Mean = clamp((tau0*b.Mean+tau*x)/tauN, 20, 80)
	b.Variance = math.Max(l.cfg.MinVariance, 1/tauN)
	b.SampleCount++
	b.UpdatedAt = l.now()
}

// UpdateFromFeedback performs one Bayesian update against the current
// threshold and returns the resulting recommendation. The belief is mutated;
// the caller persists it.
func (l *Learner) UpdateFromFeedback(b *ThresholdBelief, response store.FeedbackResponse, currentThreshold float64, prefs *store.UserPreferences) (Recommendation, error) {
	magnitude := l.AdjustmentMagnitude(*b)
	x, err := l.observationTarget(response, currentThreshold, magnitude)
	if err != nil {
		return Recommendation{}, err
	}
	obsVar := l.observationVariance(Consistency(prefs))
	l.applyObservation(b, x, obsVar)
	return l.recommend(*b, currentThreshold), nil
}

// Recommend reads the belief against the current threshold without mutating it.
func (l *Learner) Recommend(b ThresholdBelief, currentThreshold float64) Recommendation {
	return l.recommend(b, currentThreshold)
}

func (l *Learner) recommend(b ThresholdBelief, currentThreshold float64) Recommendation {
	low, high := b.CredibleInterval()
	rec := Recommendation{
		Mean:             b.Mean,
		Direction:        "maintain",
		AdjustmentAmount: math.Abs(b.Mean - currentThreshold),
		Confidence:       Confidence(b.SampleCount),
		CredibleInterval: [2]float64{low, high},
	}
	switch {
	case b.Mean > currentThreshold:
		rec.Direction = "increase"
	case b.Mean < currentThreshold:
		rec.Direction = "decrease"
	}
	return rec
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
