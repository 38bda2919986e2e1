// Package throttle decides, per metric, whether an incoming sample is worth
// writing to the analytics store. The hybrid strategy stores on a time
// interval or on a significant change from the last stored baseline, so slow
// drifts still accumulate across the threshold.
package throttle

import (
	"log"
	"sync"
	"time"

	"github.com/sysgrow/sysgrow/core/observability"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/store"
)

type metricState struct {
	lastPersist time.Time
	baseline    float64
	hasBaseline bool
	persisted   bool
}

// Throttle holds per-(unit,metric) baselines. State is owned by the unit's
// pipeline and never shared across units.
type Throttle struct {
	mu    sync.Mutex
	cfg   Config
	clock schedule.Clock
	state map[string]*metricState
}

// New creates a Throttle with the given config.
func New(cfg Config, clock schedule.Clock) *Throttle {
	return &Throttle{
		cfg:   cfg,
		clock: clock,
		state: make(map[string]*metricState),
	}
}

func key(unitID string, metric store.Metric) string {
	return unitID + "|" + string(metric)
}

// ShouldPersist applies the decision algorithm for a numeric sample at time t
// and, on a store decision, advances last-persist and baseline state.
func (t *Throttle) ShouldPersist(unitID string, metric store.Metric, value float64, at time.Time) bool {
	if !t.cfg.Enabled {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[key(unitID, metric)]
	if !ok {
		st = &metricState{}
		t.state[key(unitID, metric)] = st
	}

	rule, hasRule := t.cfg.Rules[metric]
	if !hasRule {
		// Metrics without a rule are never throttled.
		t.commit(st, value, at)
		return true
	}

	interval := time.Duration(rule.IntervalMinutes) * time.Minute
	timeElapsed := !st.persisted || at.Sub(st.lastPersist) >= interval

	decision := timeElapsed
	if t.cfg.UseHybrid {
		significant := !st.hasBaseline || abs(value-st.baseline) >= rule.ChangeThreshold
		decision = timeElapsed || significant
	}

	if t.cfg.DebugLogging {
		log.Printf("throttle: unit=%s metric=%s value=%v store=%v (time_elapsed=%v baseline=%v)",
			unitID, metric, value, decision, timeElapsed, st.baseline)
	}

	if decision {
		t.commit(st, value, at)
		observability.ThrottleDecisions.WithLabelValues(string(metric), "store").Inc()
	} else {
		observability.ThrottleDecisions.WithLabelValues(string(metric), "skip").Inc()
	}
	return decision
}

// commit advances state after a store decision. Caller holds the lock.
func (t *Throttle) commit(st *metricState, value float64, at time.Time) {
	st.lastPersist = at
	st.persisted = true
	st.baseline = value
	st.hasBaseline = true
}

// Baseline returns the last stored value for a metric, or false when nothing
// has been stored yet.
func (t *Throttle) Baseline(unitID string, metric store.Metric) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[key(unitID, metric)]
	if !ok || !st.hasBaseline {
		return 0, false
	}
	return st.baseline, true
}

// Alerts returns the configured pH/EC alert thresholds.
func (t *Throttle) Alerts() AlertThresholds {
	return t.cfg.Alerts
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
