package sensor

import (
	"context"
	"log"

	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/store"
	"github.com/sysgrow/sysgrow/core/throttle"
)

// Recorder writes environment readings to the analytics store through the
// throttle. Plant-scoped metrics are persisted by the plant controller, which
// knows the plant context; the recorder only handles the environment share.
type Recorder struct {
	store    store.Store
	throttle *throttle.Throttle
}

// NewRecorder creates a Recorder writing to st.
func NewRecorder(st store.Store, th *throttle.Throttle) *Recorder {
	return &Recorder{store: st, throttle: th}
}

// Subscribe attaches the recorder to environment updates.
func (rc *Recorder) Subscribe(b *bus.Bus) bus.Token {
	return b.Subscribe(bus.TopicSensorEnvUpdate, "env-recorder", func(ev bus.Event) {
		reading, ok := ev.Payload.(Reading)
		if !ok {
			return
		}
		rc.Record(context.Background(), reading)
	})
}

// Record persists the samples the throttle accepts. Write failures log and
// drop the sample; the pipeline never blocks on the store.
func (rc *Recorder) Record(ctx context.Context, r Reading) {
	for metric, value := range r.Metrics {
		if !rc.throttle.ShouldPersist(r.UnitID, metric, value, r.Timestamp) {
			continue
		}
		v := value
		sample := &store.SensorSample{
			UnitID:     r.UnitID,
			SensorID:   r.SensorID,
			Metric:     metric,
			Value:      &v,
			RecordedAt: r.Timestamp,
		}
		if err := rc.store.InsertSensorSample(ctx, sample); err != nil {
			observability.StoreErrors.WithLabelValues("sensor_sample").Inc()
			log.Printf("sensor: dropping %s sample for unit %s: %v", metric, r.UnitID, err)
		}
	}
	// Text payloads carry no numeric baseline and skip throttling.
	for metric, text := range r.Text {
		t := text
		sample := &store.SensorSample{
			UnitID:     r.UnitID,
			SensorID:   r.SensorID,
			Metric:     metric,
			Text:       &t,
			RecordedAt: r.Timestamp,
		}
		if err := rc.store.InsertSensorSample(ctx, sample); err != nil {
			observability.StoreErrors.WithLabelValues("sensor_sample").Inc()
			log.Printf("sensor: dropping %s text sample for unit %s: %v", metric, r.UnitID, err)
		}
	}
}
