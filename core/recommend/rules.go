// Package recommend turns observed symptoms, environment readings, and
// irrigation predictions into prioritized care recommendations.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sysgrow/sysgrow/core/predict"
)

// Priority orders recommendations. Urgent sorts first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

// Recommendation is one actionable suggestion.
type Recommendation struct {
	Action     string   `json:"action"`
	Priority   Priority `json:"priority"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
	Source     string   `json:"source"`
}

// EnvContext is the observation set a recommendation call works from. Nil
// pointers mean "not observed"; unobserved values never trigger environmental
// recommendations.
type EnvContext struct {
	UnitID       string
	PlantType    string
	GrowthStage  string
	TempC        *float64
	Humidity     *float64
	SoilMoisture *float64

	// Predictions already gathered by the caller; nil when absent.
	Threshold *predict.ThresholdPrediction
	Duration  *predict.DurationPrediction
	Timing    *predict.TimingPrediction
	Response  *predict.ResponsePrediction

	// Defaults the predictions are compared against.
	CurrentThresholdPct    float64
	DefaultDurationSeconds int
}

// Provider is the recommendation contract. Both core implementations return
// results ordered by descending priority.
type Provider interface {
	GetRecommendations(ctx context.Context, env EnvContext) ([]Recommendation, error)
	GetTreatmentSuggestions(ctx context.Context, symptoms []string, env *EnvContext) ([]Recommendation, error)
}

// Optimal environment ranges used by the threshold checks.
type band struct{ lo, hi float64 }

var optimal = struct {
	temp, humidity, soil band
}{
	temp:     band{18, 28},
	humidity: band{40, 70},
	soil:     band{30, 70},
}

// symptomCauses maps each canonical symptom to its likely causes, most
// likely first.
var symptomCauses = map[string][]string{
	"yellowing_leaves":   {"nitrogen deficiency", "overwatering", "insufficient light"},
	"brown_leaf_tips":    {"nutrient burn", "low humidity", "inconsistent watering"},
	"drooping_leaves":    {"underwatering", "overwatering", "heat stress"},
	"curling_leaves":     {"heat stress", "wind burn", "calcium deficiency"},
	"stunted_growth":     {"root binding", "nutrient lockout", "insufficient light"},
	"leggy_stretching":   {"insufficient light", "excessive heat"},
	"white_powder":       {"powdery mildew", "high humidity"},
	"dark_leaf_spots":    {"fungal infection", "calcium deficiency", "water splash burn"},
	"purple_stems":       {"phosphorus deficiency", "cold stress", "genetic expression"},
	"wilting":            {"underwatering", "root rot", "heat stress"},
	"pale_new_growth":    {"iron deficiency", "ph imbalance"},
	"burnt_leaf_edges":   {"nutrient burn", "light burn", "potassium deficiency"},
}

// symptomTreatments maps each symptom to its treatments, first-line first.
var symptomTreatments = map[string][]string{
	"yellowing_leaves":   {"apply balanced nitrogen feed", "reduce watering frequency", "increase light intensity"},
	"brown_leaf_tips":    {"flush medium with plain water", "raise ambient humidity", "stabilize watering schedule"},
	"drooping_leaves":    {"check soil moisture and water if dry", "improve drainage", "lower canopy temperature"},
	"curling_leaves":     {"reduce canopy temperature", "move fans off direct leaf contact", "supplement cal-mag"},
	"stunted_growth":     {"repot into larger container", "flush and reset nutrient regimen", "extend photoperiod"},
	"leggy_stretching":   {"lower light fixture", "increase light intensity", "reduce ambient temperature"},
	"white_powder":       {"isolate affected plant", "lower humidity below 55%", "apply fungicide spray"},
	"dark_leaf_spots":    {"remove affected leaves", "improve airflow", "avoid wetting foliage"},
	"purple_stems":       {"apply bloom-ratio phosphorus feed", "raise root-zone temperature", "verify ph in range"},
	"wilting":            {"water immediately if medium is dry", "inspect roots for rot", "shade during peak heat"},
	"pale_new_growth":    {"correct ph to 5.8-6.5", "apply chelated iron", "flush medium"},
	"burnt_leaf_edges":   {"reduce nutrient concentration", "raise light fixture", "supplement potassium"},
}

// RuleBased is the always-available provider built on static tables and
// environmental threshold checks.
type RuleBased struct{}

// NewRuleBased creates the rule-based provider.
func NewRuleBased() *RuleBased {
	return &RuleBased{}
}

// GetRecommendations checks observed environment values against their
// optimal ranges and translates any attached predictions. Values inside
// their optimal bands produce nothing.
func (r *RuleBased) GetRecommendations(_ context.Context, env EnvContext) ([]Recommendation, error) {
	var recs []Recommendation
	recs = append(recs, environmentChecks(env)...)
	recs = append(recs, predictionRecommendations(env)...)
	sortByPriority(recs)
	return recs, nil
}

// GetTreatmentSuggestions expands symptoms into causes and treatments.
// Unknown symptoms are skipped, not errors, so a partial symptom list still
// yields suggestions.
func (r *RuleBased) GetTreatmentSuggestions(_ context.Context, symptoms []string, env *EnvContext) ([]Recommendation, error) {
	var recs []Recommendation
	for _, raw := range symptoms {
		symptom := strings.ToLower(strings.TrimSpace(raw))
		treatments, ok := symptomTreatments[symptom]
		if !ok {
			continue
		}
		causes := symptomCauses[symptom]
		rationale := ""
		if len(causes) > 0 {
			rationale = "likely causes: " + strings.Join(causes, ", ")
		}
		for i, treatment := range treatments {
			prio := PriorityMedium
			if i == 0 {
				prio = PriorityHigh
			}
			recs = append(recs, Recommendation{
				Action:     treatment,
				Priority:   prio,
				Category:   "treatment",
				Confidence: 0.7 - 0.1*float64(i),
				Rationale:  rationale,
				Source:     "rules",
			})
		}
	}
	if env != nil {
		recs = append(recs, environmentChecks(*env)...)
	}
	sortByPriority(recs)
	return recs, nil
}

func environmentChecks(env EnvContext) []Recommendation {
	var recs []Recommendation

	if env.TempC != nil {
		t := *env.TempC
		switch {
		case t > optimal.temp.hi+7:
			recs = append(recs, envRec("reduce temperature immediately: increase exhaust and dim lights",
				PriorityUrgent, fmt.Sprintf("temperature %.1fC far above optimal %.0f-%.0fC", t, optimal.temp.lo, optimal.temp.hi)))
		case t > optimal.temp.hi:
			recs = append(recs, envRec("increase ventilation to lower temperature",
				PriorityHigh, fmt.Sprintf("temperature %.1fC above optimal %.0f-%.0fC", t, optimal.temp.lo, optimal.temp.hi)))
		case t < optimal.temp.lo-6:
			recs = append(recs, envRec("raise temperature immediately: enable heater",
				PriorityUrgent, fmt.Sprintf("temperature %.1fC far below optimal %.0f-%.0fC", t, optimal.temp.lo, optimal.temp.hi)))
		case t < optimal.temp.lo:
			recs = append(recs, envRec("raise temperature",
				PriorityMedium, fmt.Sprintf("temperature %.1fC below optimal %.0f-%.0fC", t, optimal.temp.lo, optimal.temp.hi)))
		}
	}

	if env.Humidity != nil {
		h := *env.Humidity
		switch {
		case h > optimal.humidity.hi+15:
			recs = append(recs, envRec("dehumidify now: mold risk",
				PriorityUrgent, fmt.Sprintf("humidity %.0f%% far above optimal %.0f-%.0f%%", h, optimal.humidity.lo, optimal.humidity.hi)))
		case h > optimal.humidity.hi:
			recs = append(recs, envRec("lower humidity",
				PriorityHigh, fmt.Sprintf("humidity %.0f%% above optimal %.0f-%.0f%%", h, optimal.humidity.lo, optimal.humidity.hi)))
		case h < optimal.humidity.lo:
			recs = append(recs, envRec("raise humidity",
				PriorityMedium, fmt.Sprintf("humidity %.0f%% below optimal %.0f-%.0f%%", h, optimal.humidity.lo, optimal.humidity.hi)))
		}
	}

	if env.SoilMoisture != nil {
		m := *env.SoilMoisture
		switch {
		case m < optimal.soil.lo-15:
			recs = append(recs, envRec("water immediately",
				PriorityUrgent, fmt.Sprintf("soil moisture %.0f%% critically below optimal %.0f-%.0f%%", m, optimal.soil.lo, optimal.soil.hi)))
		case m < optimal.soil.lo:
			recs = append(recs, envRec("schedule irrigation soon",
				PriorityHigh, fmt.Sprintf("soil moisture %.0f%% below optimal %.0f-%.0f%%", m, optimal.soil.lo, optimal.soil.hi)))
		case m > optimal.soil.hi:
			recs = append(recs, envRec("hold watering until medium dries",
				PriorityMedium, fmt.Sprintf("soil moisture %.0f%% above optimal %.0f-%.0f%%", m, optimal.soil.lo, optimal.soil.hi)))
		}
	}

	return recs
}

func envRec(action string, prio Priority, rationale string) Recommendation {
	return Recommendation{
		Action:     action,
		Priority:   prio,
		Category:   "environment",
		Confidence: 0.9,
		Rationale:  rationale,
		Source:     "rules",
	}
}

// predictionRecommendations translates model output into suggestions. Weak
// (confidence < 0.5) or immaterial predictions are ignored.
func predictionRecommendations(env EnvContext) []Recommendation {
	const minConfidence = 0.5
	var recs []Recommendation

	if p := env.Threshold; p != nil && p.Confidence >= minConfidence && p.Direction != "maintain" && p.Amount >= 1 {
		recs = append(recs, Recommendation{
			Action:     fmt.Sprintf("%s soil-moisture threshold by %.1f%% (to %.1f%%)", p.Direction, p.Amount, p.Optimal),
			Priority:   PriorityMedium,
			Category:   "irrigation",
			Confidence: p.Confidence,
			Rationale:  p.Reasoning,
			Source:     "prediction",
		})
	}
	if p := env.Duration; p != nil && p.Confidence >= minConfidence && env.DefaultDurationSeconds > 0 {
		diff := p.RecommendedSeconds - env.DefaultDurationSeconds
		if diff < 0 {
			diff = -diff
		}
		// A change under 20% of the default is noise.
		if diff*5 >= env.DefaultDurationSeconds {
			recs = append(recs, Recommendation{
				Action:     fmt.Sprintf("set irrigation duration to %ds (default %ds)", p.RecommendedSeconds, env.DefaultDurationSeconds),
				Priority:   PriorityMedium,
				Category:   "irrigation",
				Confidence: p.Confidence,
				Rationale:  p.Reasoning,
				Source:     "prediction",
			})
		}
	}
	if p := env.Timing; p != nil && p.Confidence >= minConfidence && p.PreferredTime != "" {
		recs = append(recs, Recommendation{
			Action:     fmt.Sprintf("schedule irrigation around %s", p.PreferredTime),
			Priority:   PriorityLow,
			Category:   "irrigation",
			Confidence: p.Confidence,
			Rationale:  p.Reasoning,
			Source:     "prediction",
		})
	}
	if p := env.Response; p != nil && p.Confidence >= minConfidence && p.MostLikely == "cancel" {
		recs = append(recs, Recommendation{
			Action:     "review irrigation settings: requests are usually cancelled",
			Priority:   PriorityLow,
			Category:   "irrigation",
			Confidence: p.Confidence,
			Source:     "prediction",
		})
	}
	return recs
}

func sortByPriority(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		if priorityRank[recs[i].Priority] != priorityRank[recs[j].Priority] {
			return priorityRank[recs[i].Priority] < priorityRank[recs[j].Priority]
		}
		return recs[i].Confidence > recs[j].Confidence
	})
}
