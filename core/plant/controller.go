// Package plant reacts to plant-scoped sensor events: it persists soil
// moisture, pH, and EC through the throttle, checks nutrient alert bands, and
// gates irrigation detection on the plant's target moisture.
package plant

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/irrigation"
	"github.com/sysgrow/sysgrow/core/notify"
	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/sensor"
	"github.com/sysgrow/sysgrow/core/store"
	"github.com/sysgrow/sysgrow/core/throttle"
)

// ContextResolver maps a (unit, sensor) pair to its plant scope. Nil result
// with nil error means the sensor is not assigned to a plant.
type ContextResolver interface {
	Resolve(ctx context.Context, unitID, sensorID string) (*store.PlantContext, error)
}

// StaticResolver is a fixed in-memory resolver keyed by unit|sensor.
type StaticResolver struct {
	mu sync.RWMutex
	m  map[string]store.PlantContext
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{m: make(map[string]store.PlantContext)}
}

// Assign binds a sensor to a plant context.
func (r *StaticResolver) Assign(unitID, sensorID string, pc store.PlantContext) {
	r.mu.Lock()
	r.m[unitID+"|"+sensorID] = pc
	r.mu.Unlock()
}

func (r *StaticResolver) Resolve(_ context.Context, unitID, sensorID string) (*store.PlantContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if pc, ok := r.m[unitID+"|"+sensorID]; ok {
		out := pc
		return &out, nil
	}
	return nil, nil
}

type cachedMoisture struct {
	value float64
	at    time.Time
}

// MoistureCache holds the last observed soil moisture per (unit, sensor). It
// is built before the workflow and the controller so both can share it: the
// controller writes, post-capture reads.
type MoistureCache struct {
	mu     sync.RWMutex
	latest map[string]cachedMoisture
}

// NewMoistureCache creates an empty cache.
func NewMoistureCache() *MoistureCache {
	return &MoistureCache{latest: make(map[string]cachedMoisture)}
}

// LatestMoisture implements the workflow's moisture reader.
func (m *MoistureCache) LatestMoisture(_ context.Context, unitID, sensorID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cached, ok := m.latest[unitID+"|"+sensorID]
	if !ok {
		return 0, false
	}
	return cached.value, true
}

func (m *MoistureCache) put(unitID, sensorID string, value float64, at time.Time) {
	m.mu.Lock()
	m.latest[unitID+"|"+sensorID] = cachedMoisture{value: value, at: at}
	m.mu.Unlock()
}

// Controller is the plant-event subscriber for the whole process.
type Controller struct {
	store    store.Store
	throttle *throttle.Throttle
	resolver ContextResolver
	workflow *irrigation.Workflow
	notifier notify.Notifier
	clock    schedule.Clock
	cache    *MoistureCache
}

// New builds the controller. The workflow may be nil during partial wiring;
// detection is then skipped.
func New(st store.Store, th *throttle.Throttle, resolver ContextResolver, cache *MoistureCache, wf *irrigation.Workflow, n notify.Notifier, clock schedule.Clock) *Controller {
	if cache == nil {
		cache = NewMoistureCache()
	}
	return &Controller{
		store:    st,
		throttle: th,
		resolver: resolver,
		workflow: wf,
		notifier: n,
		clock:    clock,
		cache:    cache,
	}
}

// Subscribe attaches the controller to plant updates on the bus.
func (c *Controller) Subscribe(b *bus.Bus) bus.Token {
	return b.Subscribe(bus.TopicSensorPlantUpdate, "plant-controller", func(ev bus.Event) {
		reading, ok := ev.Payload.(sensor.Reading)
		if !ok {
			return
		}
		c.HandleReading(context.Background(), reading)
	})
}

// LatestMoisture returns the last observed soil moisture for a sensor.
func (c *Controller) LatestMoisture(ctx context.Context, unitID, sensorID string) (float64, bool) {
	return c.cache.LatestMoisture(ctx, unitID, sensorID)
}

// HandleReading processes one plant reading end to end.
func (c *Controller) HandleReading(ctx context.Context, r sensor.Reading) {
	pc, err := c.resolver.Resolve(ctx, r.UnitID, r.SensorID)
	if err != nil {
		log.Printf("plant: resolving sensor %s: %v", r.SensorID, err)
		return
	}

	for metric, value := range r.Metrics {
		c.persist(ctx, r, pc, metric, value)

		switch metric {
		case store.MetricSoilMoisture:
			c.cache.put(r.UnitID, r.SensorID, value, r.Timestamp)
			c.gateIrrigation(ctx, r, pc, value)
		case store.MetricPH:
			c.checkPH(ctx, r.UnitID, value)
		case store.MetricEC:
			c.checkEC(ctx, r.UnitID, value)
		}
	}
}

// persist writes the sample through the throttle into the plant-scoped table.
func (c *Controller) persist(ctx context.Context, r sensor.Reading, pc *store.PlantContext, metric store.Metric, value float64) {
	if !c.throttle.ShouldPersist(r.UnitID, metric, value, r.Timestamp) {
		return
	}
	v := value
	sample := &store.PlantSample{
		UnitID:     r.UnitID,
		SensorID:   r.SensorID,
		Metric:     metric,
		Value:      &v,
		RecordedAt: r.Timestamp,
	}
	if pc != nil {
		sample.PlantID = &pc.PlantID
	}
	if err := c.store.InsertPlantSample(ctx, sample); err != nil {
		observability.StoreErrors.WithLabelValues("plant_sample").Inc()
		log.Printf("plant: dropping %s sample for unit %s: %v", metric, r.UnitID, err)
	}
}

// gateIrrigation applies the hysteresis gate and hands eligible readings to
// irrigation detection. No plant context means no target to compare against.
func (c *Controller) gateIrrigation(ctx context.Context, r sensor.Reading, pc *store.PlantContext, moisture float64) {
	if pc == nil || c.workflow == nil {
		return
	}

	if moisture >= pc.TargetMoisture {
		reason := store.SkipHysteresisNotMet
		sensorID := r.SensorID
		observability.DetectionSkips.WithLabelValues(string(reason)).Inc()
		if err := c.store.AppendTrace(ctx, &store.EligibilityTrace{
			UnitID:      r.UnitID,
			PlantID:     &pc.PlantID,
			SensorID:    &sensorID,
			Moisture:    moisture,
			Threshold:   pc.TargetMoisture,
			Decision:    "SKIP",
			SkipReason:  &reason,
			EvaluatedAt: c.clock.Now(),
		}); err != nil {
			observability.StoreErrors.WithLabelValues("trace").Inc()
		}
		return
	}

	in := irrigation.DetectionInput{
		UnitID:       r.UnitID,
		PlantID:      &pc.PlantID,
		SensorID:     r.SensorID,
		UserID:       pc.UserID,
		SoilMoisture: moisture,
		Threshold:    pc.TargetMoisture,
		ReadingAt:    r.Timestamp,
		PlantType:    pc.PlantType,
		GrowthStage:  pc.GrowthStage,
		Variety:      pc.Variety,
		PotSizeL:     pc.PotSizeL,
	}
	if pc.AssignedValve != nil {
		in.ActuatorID = pc.AssignedValve
	} else if pc.AssignedPump != nil {
		in.ActuatorID = pc.AssignedPump
	}

	if _, err := c.workflow.DetectIrrigationNeed(ctx, in); err != nil {
		log.Printf("plant: irrigation detection for unit %s: %v", r.UnitID, err)
	}
}

func (c *Controller) checkPH(ctx context.Context, unitID string, value float64) {
	if c.notifier == nil {
		return
	}
	alerts := c.throttle.Alerts()
	switch {
	case value < alerts.PHCriticalMin || value > alerts.PHCriticalMax:
		c.alert(ctx, unitID, store.MetricPH, value, notify.SeverityCritical)
	case value < alerts.PHWarnMin || value > alerts.PHWarnMax:
		c.alert(ctx, unitID, store.MetricPH, value, notify.SeverityWarning)
	}
}

func (c *Controller) checkEC(ctx context.Context, unitID string, value float64) {
	if c.notifier == nil {
		return
	}
	alerts := c.throttle.Alerts()
	switch {
	case value > alerts.ECCriticalMax:
		c.alert(ctx, unitID, store.MetricEC, value, notify.SeverityCritical)
	case value > alerts.ECWarnMax:
		c.alert(ctx, unitID, store.MetricEC, value, notify.SeverityWarning)
	}
}

func (c *Controller) alert(ctx context.Context, unitID string, metric store.Metric, value float64, sev notify.Severity) {
	if _, err := c.notifier.SendNutrientAlert(ctx, unitID, metric, value, sev); err != nil {
		log.Printf("plant: %s alert for unit %s: %v", metric, unitID, err)
	}
}
