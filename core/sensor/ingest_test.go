package sensor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/store"
	"github.com/sysgrow/sysgrow/core/throttle"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeValidReading(t *testing.T) {
	r, err := Normalize("u1", "s1", map[string]interface{}{
		"temperature": 22.5,
		"co2":         800,
		"air_quality": "good",
		"pressure":    nil,
	}, testTime)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if r.Metrics[store.MetricTemperature] != 22.5 || r.Metrics[store.MetricCO2] != 800 {
		t.Fatalf("metrics %v", r.Metrics)
	}
	if r.Text[store.MetricAirQuality] != "good" {
		t.Fatalf("text %v", r.Text)
	}
	if _, ok := r.Metrics[store.MetricPressure]; ok {
		t.Fatalf("null value kept")
	}
	if !r.Timestamp.Equal(testTime) {
		t.Fatalf("timestamp %v", r.Timestamp)
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]interface{}
	}{
		{"unknown metric", map[string]interface{}{"wind_speed": 3.0}},
		{"nan", map[string]interface{}{"temperature": math.NaN()}},
		{"inf", map[string]interface{}{"temperature": math.Inf(1)}},
		{"unsupported type", map[string]interface{}{"temperature": []int{1}}},
		{"empty after nulls", map[string]interface{}{"temperature": nil}},
		{"no metrics", map[string]interface{}{}},
	}
	for _, tc := range cases {
		if _, err := Normalize("u1", "s1", tc.raw, testTime); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
	if _, err := Normalize("", "s1", map[string]interface{}{"temperature": 20.0}, testTime); err == nil {
		t.Errorf("missing unit id accepted")
	}
}

func TestSplitRoutesPlantMetrics(t *testing.T) {
	r, err := Normalize("u1", "s1", map[string]interface{}{
		"temperature":   22.0,
		"humidity":      55.0,
		"soil_moisture": 41.0,
		"ph":            6.2,
	}, testTime)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	env, plant := Split(r)
	if len(env.Metrics) != 2 || env.Metrics[store.MetricTemperature] != 22.0 {
		t.Fatalf("env share %v", env.Metrics)
	}
	if len(plant.Metrics) != 2 || plant.Metrics[store.MetricSoilMoisture] != 41.0 || plant.Metrics[store.MetricPH] != 6.2 {
		t.Fatalf("plant share %v", plant.Metrics)
	}
	if env.UnitID != "u1" || plant.SensorID != "s1" {
		t.Fatalf("identity lost in split")
	}
}

func TestRecorderThrottlesDuplicates(t *testing.T) {
	clock := schedule.NewFakeClock(testTime)
	st := store.NewMemoryStore()
	th := throttle.New(throttle.DefaultConfig(), clock)
	rc := NewRecorder(st, th)

	reading := Reading{
		UnitID:    "u1",
		SensorID:  "s1",
		Metrics:   map[store.Metric]float64{store.MetricTemperature: 22.0},
		Timestamp: clock.Now(),
	}
	rc.Record(context.Background(), reading)
	if st.SensorSampleCount() != 1 {
		t.Fatalf("first sample rows = %d, want 1", st.SensorSampleCount())
	}

	// The identical reading seconds later adds no row.
	clock.Advance(5 * time.Second)
	reading.Timestamp = clock.Now()
	rc.Record(context.Background(), reading)
	if st.SensorSampleCount() != 1 {
		t.Fatalf("duplicate reading persisted: rows = %d", st.SensorSampleCount())
	}

	// A significant move stores immediately.
	clock.Advance(5 * time.Second)
	reading.Timestamp = clock.Now()
	reading.Metrics[store.MetricTemperature] = 24.0
	rc.Record(context.Background(), reading)
	if st.SensorSampleCount() != 2 {
		t.Fatalf("significant reading dropped: rows = %d", st.SensorSampleCount())
	}
}

func TestRecorderPersistsTextWithoutThrottle(t *testing.T) {
	clock := schedule.NewFakeClock(testTime)
	st := store.NewMemoryStore()
	th := throttle.New(throttle.DefaultConfig(), clock)
	rc := NewRecorder(st, th)

	reading := Reading{
		UnitID:    "u1",
		SensorID:  "s1",
		Text:      map[store.Metric]string{store.MetricAirQuality: "good"},
		Timestamp: clock.Now(),
	}
	rc.Record(context.Background(), reading)
	rc.Record(context.Background(), reading)
	if st.SensorSampleCount() != 2 {
		t.Fatalf("text samples throttled: rows = %d", st.SensorSampleCount())
	}
}
