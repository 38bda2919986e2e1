// Package bayes maintains Normal-Normal conjugate beliefs over the optimal
// soil-moisture threshold and updates them from categorical user feedback.
package bayes

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ThresholdBelief is one posterior over the optimal threshold for a specific
// plant configuration.
type ThresholdBelief struct {
	Mean          float64   `json:"mean"`
	Variance      float64   `json:"variance"`
	SampleCount   int       `json:"sample_count"`
	PriorMean     float64   `json:"prior_mean"`
	PriorVariance float64   `json:"prior_variance"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewBelief starts a belief at its prior.
func NewBelief(priorMean, priorVariance float64) ThresholdBelief {
	return ThresholdBelief{
		Mean:          priorMean,
		Variance:      priorVariance,
		PriorMean:     priorMean,
		PriorVariance: priorVariance,
	}
}

// StdDev is the posterior standard deviation.
func (b ThresholdBelief) StdDev() float64 {
	return math.Sqrt(b.Variance)
}

// CredibleInterval returns the central 95% interval.
func (b ThresholdBelief) CredibleInterval() (low, high float64) {
	half := 1.96 * b.StdDev()
	return b.Mean - half, b.Mean + half
}

// Reset returns the belief to its prior.
func (b *ThresholdBelief) Reset() {
	b.Mean = b.PriorMean
	b.Variance = b.PriorVariance
	b.SampleCount = 0
}

// ToDict flattens the belief for storage. FromDict(ToDict(b)) preserves mean,
// variance, and sample count exactly.
func (b ThresholdBelief) ToDict() map[string]interface{} {
	return map[string]interface{}{
		"mean":           b.Mean,
		"variance":       b.Variance,
		"sample_count":   b.SampleCount,
		"prior_mean":     b.PriorMean,
		"prior_variance": b.PriorVariance,
		"updated_at":     b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// FromDict rebuilds a belief from its flattened form. Missing prior fields
// fall back to the posterior values so legacy payloads stay readable.
func FromDict(m map[string]interface{}) (ThresholdBelief, error) {
	b := ThresholdBelief{}
	var err error
	if b.Mean, err = dictFloat(m, "mean"); err != nil {
		return ThresholdBelief{}, err
	}
	if b.Variance, err = dictFloat(m, "variance"); err != nil {
		return ThresholdBelief{}, err
	}
	sc, err := dictFloat(m, "sample_count")
	if err != nil {
		return ThresholdBelief{}, err
	}
	b.SampleCount = int(sc)

	b.PriorMean = b.Mean
	if v, ok := m["prior_mean"]; ok {
		if b.PriorMean, err = toFloat(v); err != nil {
			return ThresholdBelief{}, fmt.Errorf("belief prior_mean: %w", err)
		}
	}
	b.PriorVariance = b.Variance
	if v, ok := m["prior_variance"]; ok {
		if b.PriorVariance, err = toFloat(v); err != nil {
			return ThresholdBelief{}, fmt.Errorf("belief prior_variance: %w", err)
		}
	}
	if v, ok := m["updated_at"].(string); ok {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			b.UpdatedAt = t
		}
	}
	return b, nil
}

// Key builds the belief-map key for one plant configuration.
func Key(plantType, stage, variety, strain string, potSizeL float64) string {
	return strings.Join([]string{
		orDefault(plantType), orDefault(stage), orDefault(variety), orDefault(strain),
		strconv.FormatFloat(potSizeL, 'g', -1, 64),
	}, "|")
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

// BeliefMap is the per-(user,unit) keyed belief collection persisted as JSON
// on the user-preference row.
type BeliefMap map[string]ThresholdBelief

// ParseBeliefMap reads the serialized map. An empty payload yields an empty
// map. A legacy payload holding one bare belief object is migrated under the
// default key; the migration becomes durable on the next write.
func ParseBeliefMap(raw string) (BeliefMap, error) {
	if strings.TrimSpace(raw) == "" {
		return BeliefMap{}, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("belief map: %w", err)
	}

	if _, legacy := generic["mean"]; legacy {
		var flat map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &flat); err != nil {
			return nil, fmt.Errorf("legacy belief: %w", err)
		}
		b, err := FromDict(flat)
		if err != nil {
			return nil, err
		}
		return BeliefMap{Key("", "", "", "", 0): b}, nil
	}

	m := make(BeliefMap, len(generic))
	for key, rawBelief := range generic {
		var flat map[string]interface{}
		if err := json.Unmarshal(rawBelief, &flat); err != nil {
			return nil, fmt.Errorf("belief map key %q: %w", key, err)
		}
		b, err := FromDict(flat)
		if err != nil {
			return nil, fmt.Errorf("belief map key %q: %w", key, err)
		}
		m[key] = b
	}
	return m, nil
}

// Serialize writes the map in the keyed form.
func (m BeliefMap) Serialize() (string, error) {
	flat := make(map[string]map[string]interface{}, len(m))
	for key, b := range m {
		flat[key] = b.ToDict()
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("belief map: %w", err)
	}
	return string(out), nil
}

func dictFloat(m map[string]interface{}, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("belief missing %s", key)
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("belief %s: %w", key, err)
	}
	return f, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("not a number: %T", v)
}
