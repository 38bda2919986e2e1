package bayes

import (
	"testing"
	"time"
)

func TestBeliefDictRoundTrip(t *testing.T) {
	b := NewBelief(55, 25)
	b.Mean = 54.03
	b.Variance = 4.84
	b.SampleCount = 7
	b.UpdatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := FromDict(b.ToDict())
	if err != nil {
		t.Fatalf("FromDict: %v", err)
	}
	if got.Mean != b.Mean || got.Variance != b.Variance || got.SampleCount != b.SampleCount {
		t.Fatalf("posterior lost in round trip: %+v vs %+v", got, b)
	}
	if got.PriorMean != 55 || got.PriorVariance != 25 {
		t.Fatalf("prior lost in round trip: %+v", got)
	}
	if !got.UpdatedAt.Equal(b.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, b.UpdatedAt)
	}
}

func TestFromDictLegacyPayload(t *testing.T) {
	// Old rows carry only the posterior; priors fall back to it.
	b, err := FromDict(map[string]interface{}{
		"mean":         48.5,
		"variance":     10.0,
		"sample_count": 12,
	})
	if err != nil {
		t.Fatalf("FromDict: %v", err)
	}
	if b.PriorMean != 48.5 || b.PriorVariance != 10.0 {
		t.Fatalf("legacy priors = %v/%v", b.PriorMean, b.PriorVariance)
	}

	if _, err := FromDict(map[string]interface{}{"mean": 48.5}); err == nil {
		t.Fatalf("incomplete dict accepted")
	}
}

func TestBeliefReset(t *testing.T) {
	b := NewBelief(50, 25)
	b.Mean = 60
	b.Variance = 2
	b.SampleCount = 9

	b.Reset()
	if b.Mean != 50 || b.Variance != 25 || b.SampleCount != 0 {
		t.Fatalf("reset left %+v", b)
	}
}

func TestKeyDefaults(t *testing.T) {
	if got := Key("", "", "", "", 0); got != "default|default|default|default|0" {
		t.Fatalf("empty key = %q", got)
	}
	if got := Key("tomato", "veg", "", "", 7.5); got != "tomato|veg|default|default|7.5" {
		t.Fatalf("key = %q", got)
	}
}

func TestParseBeliefMapEmpty(t *testing.T) {
	m, err := ParseBeliefMap("")
	if err != nil || len(m) != 0 {
		t.Fatalf("empty payload: %v %v", m, err)
	}
	m, err = ParseBeliefMap("  ")
	if err != nil || len(m) != 0 {
		t.Fatalf("blank payload: %v %v", m, err)
	}
}

func TestParseBeliefMapMigratesLegacySingleBelief(t *testing.T) {
	raw := `{"mean": 52.0, "variance": 8.0, "sample_count": 6}`
	m, err := ParseBeliefMap(raw)
	if err != nil {
		t.Fatalf("ParseBeliefMap: %v", err)
	}
	if len(m) != 1 {
		t.Fatalf("map size %d", len(m))
	}
	b, ok := m[Key("", "", "", "", 0)]
	if !ok {
		t.Fatalf("legacy belief not under default key: %v", m)
	}
	if b.Mean != 52.0 || b.SampleCount != 6 {
		t.Fatalf("migrated belief %+v", b)
	}
}

func TestBeliefMapSerializeRoundTrip(t *testing.T) {
	orig := BeliefMap{
		Key("tomato", "veg", "", "", 7.5): NewBelief(50, 25),
		Key("basil", "seedling", "", "", 1): func() ThresholdBelief {
			b := NewBelief(40, 25)
			b.Mean = 44.5
			b.SampleCount = 3
			return b
		}(),
	}

	raw, err := orig.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := ParseBeliefMap(raw)
	if err != nil {
		t.Fatalf("ParseBeliefMap: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("map size %d", len(got))
	}
	basil := got[Key("basil", "seedling", "", "", 1)]
	if basil.Mean != 44.5 || basil.SampleCount != 3 || basil.PriorMean != 40 {
		t.Fatalf("belief lost in round trip: %+v", basil)
	}
}

func TestParseBeliefMapRejectsGarbage(t *testing.T) {
	if _, err := ParseBeliefMap("not json"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := ParseBeliefMap(`{"k": {"variance": 1}}`); err == nil {
		t.Fatalf("incomplete belief accepted")
	}
}
