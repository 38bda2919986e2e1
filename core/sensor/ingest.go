// Package sensor normalizes raw device readings into typed events and
// publishes them on the bus, split into environment and plant topics.
package sensor

import (
	"fmt"
	"math"
	"time"

	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/store"
)

// Reading is one normalized sensor report. At least one metric is present;
// numeric values are finite. Non-numeric payloads land in Text.
type Reading struct {
	UnitID    string                       `json:"unit_id"`
	SensorID  string                       `json:"sensor_id"`
	Metrics   map[store.Metric]float64     `json:"metrics"`
	Text      map[store.Metric]string      `json:"text,omitempty"`
	Timestamp time.Time                    `json:"timestamp"`
}

// plantMetrics are routed to the plant topic; everything else is environment.
var plantMetrics = map[store.Metric]bool{
	store.MetricSoilMoisture: true,
	store.MetricPH:           true,
	store.MetricEC:           true,
}

// Ingestor validates raw metric maps and fans them out on the bus.
type Ingestor struct {
	bus   *bus.Bus
	clock schedule.Clock
}

// NewIngestor creates an Ingestor publishing on b.
func NewIngestor(b *bus.Bus, clock schedule.Clock) *Ingestor {
	return &Ingestor{bus: b, clock: clock}
}

// Normalize converts a raw metric map into a Reading. Unknown metric names
// and non-finite numbers are validation errors; string values are kept as
// text metrics.
func Normalize(unitID, sensorID string, raw map[string]interface{}, at time.Time) (Reading, error) {
	if unitID == "" || sensorID == "" {
		return Reading{}, fmt.Errorf("sensor reading requires unit and sensor ids")
	}
	r := Reading{
		UnitID:    unitID,
		SensorID:  sensorID,
		Metrics:   make(map[store.Metric]float64),
		Timestamp: at.UTC(),
	}
	for name, value := range raw {
		metric, err := parseMetric(name)
		if err != nil {
			return Reading{}, err
		}
		switch v := value.(type) {
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Reading{}, fmt.Errorf("sensor %s: non-finite %s", sensorID, metric)
			}
			r.Metrics[metric] = v
		case int:
			r.Metrics[metric] = float64(v)
		case string:
			if r.Text == nil {
				r.Text = make(map[store.Metric]string)
			}
			r.Text[metric] = v
		case nil:
			// Nulls are allowed by contract and simply dropped.
		default:
			return Reading{}, fmt.Errorf("sensor %s: unsupported value type %T for %s", sensorID, value, metric)
		}
	}
	if len(r.Metrics) == 0 && len(r.Text) == 0 {
		return Reading{}, fmt.Errorf("sensor %s: reading carries no metrics", sensorID)
	}
	return r, nil
}

// Ingest normalizes and publishes one raw reading. Plant metrics go out on
// the plant topic, the rest on the environment topic; mixed readings fan out
// to both with only their share of metrics.
func (i *Ingestor) Ingest(unitID, sensorID string, raw map[string]interface{}) error {
	reading, err := Normalize(unitID, sensorID, raw, i.clock.Now())
	if err != nil {
		return err
	}

	env, plant := Split(reading)
	if len(env.Metrics) > 0 || len(env.Text) > 0 {
		i.bus.Publish(bus.Event{Topic: bus.TopicSensorEnvUpdate, UnitID: unitID, Payload: env})
	}
	if len(plant.Metrics) > 0 || len(plant.Text) > 0 {
		i.bus.Publish(bus.Event{Topic: bus.TopicSensorPlantUpdate, UnitID: unitID, Payload: plant})
	}
	return nil
}

// Split partitions a reading into its environment and plant shares.
func Split(r Reading) (env, plant Reading) {
	env = Reading{UnitID: r.UnitID, SensorID: r.SensorID, Metrics: map[store.Metric]float64{}, Timestamp: r.Timestamp}
	plant = Reading{UnitID: r.UnitID, SensorID: r.SensorID, Metrics: map[store.Metric]float64{}, Timestamp: r.Timestamp}
	for m, v := range r.Metrics {
		if plantMetrics[m] {
			plant.Metrics[m] = v
		} else {
			env.Metrics[m] = v
		}
	}
	for m, v := range r.Text {
		dst := &env
		if plantMetrics[m] {
			dst = &plant
		}
		if dst.Text == nil {
			dst.Text = make(map[store.Metric]string)
		}
		dst.Text[m] = v
	}
	return env, plant
}

func parseMetric(name string) (store.Metric, error) {
	for _, m := range store.AllMetrics {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q", name)
}
