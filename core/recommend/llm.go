package recommend

import (
	"context"
	"log"
)

// LLM is a placeholder for a language-model-backed provider. It satisfies
// Provider so callers can wire it unconditionally; until Enabled is set it
// delegates every call to the rule-based provider, so callers never fail.
type LLM struct {
	Enabled  bool
	fallback Provider
}

// NewLLM creates the stub around the given fallback.
func NewLLM(fallback Provider) *LLM {
	if fallback == nil {
		fallback = NewRuleBased()
	}
	return &LLM{fallback: fallback}
}

func (l *LLM) GetRecommendations(ctx context.Context, env EnvContext) ([]Recommendation, error) {
	if l.Enabled {
		// TODO: call the model service once its endpoint contract lands.
		log.Printf("recommend: llm provider enabled but not implemented, using rules")
	}
	return l.fallback.GetRecommendations(ctx, env)
}

func (l *LLM) GetTreatmentSuggestions(ctx context.Context, symptoms []string, env *EnvContext) ([]Recommendation, error) {
	if l.Enabled {
		log.Printf("recommend: llm provider enabled but not implemented, using rules")
	}
	return l.fallback.GetTreatmentSuggestions(ctx, symptoms, env)
}
