package plant

import (
	"context"
	"testing"
	"time"

	"github.com/sysgrow/sysgrow/core/actuator"
	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/irrigation"
	"github.com/sysgrow/sysgrow/core/notify"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/sensor"
	"github.com/sysgrow/sysgrow/core/store"
	"github.com/sysgrow/sysgrow/core/throttle"
)

type plantRig struct {
	ctrl     *Controller
	st       *store.MemoryStore
	clock    *schedule.FakeClock
	notifier *notify.LogNotifier
	cache    *MoistureCache
}

func newPlantRig(t *testing.T) *plantRig {
	t.Helper()
	clock := schedule.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	st.SetClock(clock.Now)
	b := bus.New(16)
	t.Cleanup(b.Close)

	reg := actuator.NewRegistry(clock)
	if err := reg.Register(actuator.Registration{
		ID: "pump-1", UnitID: "u1", Kind: store.KindPump, Driver: actuator.NewFakeDriver(),
	}); err != nil {
		t.Fatalf("register pump: %v", err)
	}

	notifier := notify.NewLogNotifier()
	cache := NewMoistureCache()
	resolver := NewStaticResolver()
	pumpID := "pump-1"
	resolver.Assign("u1", "s1", store.PlantContext{
		PlantID:        "plant-1",
		UnitID:         "u1",
		UserID:         "user-1",
		PlantType:      "tomato",
		GrowthStage:    "veg",
		Variety:        "roma",
		PotSizeL:       7.5,
		AssignedPump:   &pumpID,
		TargetMoisture: 40,
	})

	wf := irrigation.NewWorkflow(irrigation.Deps{
		Store:    st,
		Locker:   st,
		Registry: reg,
		Clock:    clock,
		Bus:      b,
		Notifier: notifier,
		Moisture: cache,
		Tunables: irrigation.DefaultTunables(),
	})

	th := throttle.New(throttle.DefaultConfig(), clock)
	ctrl := New(st, th, resolver, cache, wf, notifier, clock)
	return &plantRig{ctrl: ctrl, st: st, clock: clock, notifier: notifier, cache: cache}
}

func plantReading(r *plantRig, metric store.Metric, value float64) sensor.Reading {
	return sensor.Reading{
		UnitID:    "u1",
		SensorID:  "s1",
		Metrics:   map[store.Metric]float64{metric: value},
		Timestamp: r.clock.Now(),
	}
}

func TestMoistureAboveTargetSkipsWithTrace(t *testing.T) {
	r := newPlantRig(t)
	ctx := context.Background()

	r.ctrl.HandleReading(ctx, plantReading(r, store.MetricSoilMoisture, 55))

	if reqs, _ := r.st.ListRequestsByStatus(ctx, store.StatusPending, 10); len(reqs) != 0 {
		t.Fatalf("request created above target")
	}
	traces := r.st.Traces()
	if len(traces) != 1 {
		t.Fatalf("trace count %d", len(traces))
	}
	tr := traces[0]
	if tr.Decision != "SKIP" || tr.SkipReason == nil || *tr.SkipReason != store.SkipHysteresisNotMet {
		t.Fatalf("trace %+v", tr)
	}
	if tr.PlantID == nil || *tr.PlantID != "plant-1" || tr.Threshold != 40 {
		t.Fatalf("trace scope %+v", tr)
	}

	// The cache still learns the reading.
	if v, ok := r.cache.LatestMoisture(ctx, "u1", "s1"); !ok || v != 55 {
		t.Fatalf("cache %v %v", v, ok)
	}
}

func TestLowMoistureCreatesRequest(t *testing.T) {
	r := newPlantRig(t)
	ctx := context.Background()

	r.ctrl.HandleReading(ctx, plantReading(r, store.MetricSoilMoisture, 25))

	reqs, _ := r.st.ListRequestsByStatus(ctx, store.StatusPending, 10)
	if len(reqs) != 1 {
		t.Fatalf("request count %d", len(reqs))
	}
	req := reqs[0]
	if req.PlantID == nil || *req.PlantID != "plant-1" {
		t.Fatalf("plant scope %+v", req)
	}
	if req.ActuatorID == nil || *req.ActuatorID != "pump-1" {
		t.Fatalf("assigned actuator %v", req.ActuatorID)
	}
	if req.SoilMoistureDetected != 25 || req.Threshold != 40 {
		t.Fatalf("request values %+v", req)
	}
	if req.PlantType != "tomato" || req.GrowthStage != "veg" {
		t.Fatalf("plant identity %+v", req)
	}
	if req.Variety != "roma" || req.PotSizeL != 7.5 {
		t.Fatalf("plant profile %+v", req)
	}
	// The sample itself was persisted with the plant id.
	if r.st.PlantSampleCount() != 1 {
		t.Fatalf("plant samples %d", r.st.PlantSampleCount())
	}
}

func TestUnassignedSensorPersistsWithoutDetection(t *testing.T) {
	r := newPlantRig(t)
	ctx := context.Background()

	r.ctrl.HandleReading(ctx, sensor.Reading{
		UnitID:    "u1",
		SensorID:  "s-unassigned",
		Metrics:   map[store.Metric]float64{store.MetricSoilMoisture: 10},
		Timestamp: r.clock.Now(),
	})

	if reqs, _ := r.st.ListRequestsByStatus(ctx, store.StatusPending, 10); len(reqs) != 0 {
		t.Fatalf("detection ran without plant context")
	}
	if len(r.st.Traces()) != 0 {
		t.Fatalf("trace written without plant context")
	}
	if r.st.PlantSampleCount() != 1 {
		t.Fatalf("sample not persisted: %d", r.st.PlantSampleCount())
	}
}

func TestPHAlertTiers(t *testing.T) {
	r := newPlantRig(t)
	ctx := context.Background()

	// 7.0 is above the 6.8 warn ceiling but inside the critical band.
	r.ctrl.HandleReading(ctx, plantReading(r, store.MetricPH, 7.0))
	sent := r.notifier.Sent()
	if len(sent) != 1 || sent[0].Kind != "nutrient_alert" {
		t.Fatalf("warn alert %v", sent)
	}

	// 4.5 is below the 5.0 critical floor.
	r.clock.Advance(time.Hour)
	r.ctrl.HandleReading(ctx, plantReading(r, store.MetricPH, 4.5))
	sent = r.notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("critical alert missing: %v", sent)
	}

	// In-range pH stays quiet.
	r.clock.Advance(time.Hour)
	r.ctrl.HandleReading(ctx, plantReading(r, store.MetricPH, 6.2))
	if len(r.notifier.Sent()) != 2 {
		t.Fatalf("alert for in-range pH")
	}
}

func TestECAlert(t *testing.T) {
	r := newPlantRig(t)
	ctx := context.Background()

	r.ctrl.HandleReading(ctx, plantReading(r, store.MetricEC, 3.8))
	sent := r.notifier.Sent()
	if len(sent) != 1 || sent[0].Kind != "nutrient_alert" {
		t.Fatalf("ec alert %v", sent)
	}
}

func TestMoistureCacheMissesUnknownSensor(t *testing.T) {
	cache := NewMoistureCache()
	if _, ok := cache.LatestMoisture(context.Background(), "u1", "nope"); ok {
		t.Fatalf("cache hit for unknown sensor")
	}
}
