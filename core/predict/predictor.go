// Package predict defines the contract the irrigation workflow uses to
// consult an external prediction model. Implementations live outside the
// control core; the no-op predictor keeps the workflow fully functional when
// no model is wired.
package predict

import (
	"context"
	"time"
)

// DurationPrediction recommends how long to run the pump.
type DurationPrediction struct {
	RecommendedSeconds       int     `json:"recommended_seconds"`
	ExpectedMoistureIncrease float64 `json:"expected_moisture_increase"`
	Confidence               float64 `json:"confidence"`
	Reasoning                string  `json:"reasoning,omitempty"`
}

// ResponsePrediction estimates how the user will answer an approval request.
type ResponsePrediction struct {
	PApprove   float64 `json:"p_approve"`
	PDelay     float64 `json:"p_delay"`
	PCancel    float64 `json:"p_cancel"`
	MostLikely string  `json:"most_likely"`
	Confidence float64 `json:"confidence"`
}

// ThresholdPrediction proposes a better soil-moisture threshold.
type ThresholdPrediction struct {
	Optimal    float64 `json:"optimal"`
	Direction  string  `json:"direction"`
	Amount     float64 `json:"amount"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// TimingPrediction proposes when the user prefers irrigation to run.
type TimingPrediction struct {
	PreferredTime string   `json:"preferred_time"`
	Hour          int      `json:"hour"`
	Minute        int      `json:"minute"`
	AvoidTimes    []string `json:"avoid_times,omitempty"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning,omitempty"`
}

// Context carries the optional enrichment an implementation may use.
type Context struct {
	PlantType   string  `json:"plant_type,omitempty"`
	GrowthStage string  `json:"growth_stage,omitempty"`
	TempC       float64 `json:"temp_c,omitempty"`
	Humidity    float64 `json:"humidity,omitempty"`
	VPD         float64 `json:"vpd,omitempty"`
}

// Predictor is the workflow's collaborator. Every prediction carries a
// confidence in [0,1]; confidence zero means "no opinion" and callers fall
// back to their defaults.
type Predictor interface {
	PredictDuration(ctx context.Context, unitID string, currentMoisture, targetMoisture float64, defaultSeconds int, pc Context) (DurationPrediction, error)
	PredictUserResponse(ctx context.Context, unitID string, current, threshold float64, hour int, weekday time.Weekday, pc Context) (ResponsePrediction, error)
	PredictThreshold(ctx context.Context, unitID, plantType, stage string, currentThreshold float64, pc Context) (ThresholdPrediction, error)
	PredictTiming(ctx context.Context, unitID string, weekday time.Weekday, pc Context) (TimingPrediction, error)
}

// Noop is the predictor used when no model is configured. All answers carry
// confidence zero, which every caller treats as absence.
type Noop struct{}

func (Noop) PredictDuration(_ context.Context, _ string, _, _ float64, defaultSeconds int, _ Context) (DurationPrediction, error) {
	return DurationPrediction{RecommendedSeconds: defaultSeconds}, nil
}

func (Noop) PredictUserResponse(context.Context, string, float64, float64, int, time.Weekday, Context) (ResponsePrediction, error) {
	return ResponsePrediction{MostLikely: "approve"}, nil
}

func (Noop) PredictThreshold(_ context.Context, _, _, _ string, currentThreshold float64, _ Context) (ThresholdPrediction, error) {
	return ThresholdPrediction{Optimal: currentThreshold, Direction: "maintain"}, nil
}

func (Noop) PredictTiming(context.Context, string, time.Weekday, Context) (TimingPrediction, error) {
	return TimingPrediction{}, nil
}
