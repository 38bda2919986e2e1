package irrigation

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/sysgrow/sysgrow/core/actuator"
	"github.com/sysgrow/sysgrow/core/bayes"
	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/notify"
	"github.com/sysgrow/sysgrow/core/predict"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/store"
)

// MoistureReader supplies the latest soil-moisture value for a sensor. The
// plant controller implements it from its reading cache; post-capture uses it
// to measure the irrigation effect.
type MoistureReader interface {
	LatestMoisture(ctx context.Context, unitID, sensorID string) (value float64, ok bool)
}

// ThresholdApplier applies a learned threshold change to the plant (when
// plantID is set) or to the unit default.
type ThresholdApplier func(ctx context.Context, unitID string, plantID *string, newThreshold float64) error

// Workflow is the façade over detection, user response, execution, and
// feedback. One Workflow instance serves all units of the process; policy is
// looked up per unit.
type Workflow struct {
	store     store.Store
	locker    store.UnitLocker
	registry  *actuator.Registry
	clock     schedule.Clock
	bus       *bus.Bus
	notifier  notify.Notifier
	learner   *bayes.Learner
	predictor predict.Predictor
	moisture  MoistureReader
	applyThr  ThresholdApplier
	tunables  Tunables

	// ownerID identifies this process instance for unit locks.
	ownerID string

	mu      sync.Mutex
	runner  *schedule.Runner
	configs map[string]WorkflowConfig
	// heldLocks maps unitID to the lock owner token while an execution is in
	// flight, so completion can release what execution acquired.
	heldLocks map[string]string
}

// Deps bundles the workflow's collaborators. Everything is wired before any
// subscriber starts; the workflow has no late-binding setters.
type Deps struct {
	Store     store.Store
	Locker    store.UnitLocker
	Registry  *actuator.Registry
	Clock     schedule.Clock
	Bus       *bus.Bus
	Notifier  notify.Notifier
	Learner   *bayes.Learner
	Predictor predict.Predictor
	Moisture  MoistureReader
	ApplyThr  ThresholdApplier
	Tunables  Tunables
}

// NewWorkflow builds the workflow. A nil predictor degrades to the no-op
// predictor; a nil notifier degrades to the log notifier.
func NewWorkflow(d Deps) *Workflow {
	if d.Predictor == nil {
		d.Predictor = predict.Noop{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLogNotifier()
	}
	return &Workflow{
		store:     d.Store,
		locker:    d.Locker,
		registry:  d.Registry,
		clock:     d.Clock,
		bus:       d.Bus,
		notifier:  d.Notifier,
		learner:   d.Learner,
		predictor: d.Predictor,
		moisture:  d.Moisture,
		applyThr:  d.ApplyThr,
		tunables:  d.Tunables,
		ownerID:   uuid.NewString(),
		configs:   make(map[string]WorkflowConfig),
		heldLocks: make(map[string]string),
	}
}

// SetUnitConfig installs the policy for one unit.
func (w *Workflow) SetUnitConfig(unitID string, cfg WorkflowConfig) {
	w.mu.Lock()
	w.configs[unitID] = cfg
	w.mu.Unlock()
}

// UnitConfig returns the unit's policy, falling back to defaults.
func (w *Workflow) UnitConfig(unitID string) WorkflowConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cfg, ok := w.configs[unitID]; ok {
		return cfg
	}
	return DefaultWorkflowConfig()
}

// Start registers the workflow's periodic ticks on the runner.
func (w *Workflow) Start(runner *schedule.Runner) {
	w.mu.Lock()
	w.runner = runner
	w.mu.Unlock()
	runner.Every("irrigation-execution", w.tunables.CompletionInterval, func(ctx context.Context) {
		if err := w.ExecutionTick(ctx); err != nil {
			log.Printf("irrigation: execution tick: %v", err)
		}
	})
	runner.Every("irrigation-completion", w.tunables.CompletionInterval, func(ctx context.Context) {
		if err := w.CompletionTick(ctx); err != nil {
			log.Printf("irrigation: completion tick: %v", err)
		}
	})
	runner.Every("irrigation-post-capture", w.tunables.PostCaptureInterval, func(ctx context.Context) {
		if err := w.PostCaptureTick(ctx); err != nil {
			log.Printf("irrigation: post-capture tick: %v", err)
		}
	})
	runner.Every("irrigation-expiry", w.tunables.CompletionInterval, func(ctx context.Context) {
		if err := w.ExpiryTick(ctx); err != nil {
			log.Printf("irrigation: expiry tick: %v", err)
		}
	})
}

// ExpiryTick marks overdue PENDING/DELAYED/APPROVED requests expired.
func (w *Workflow) ExpiryTick(ctx context.Context) error {
	ids, err := w.store.ExpireRequests(ctx, w.clock.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		w.publishTransition(ctx, id, bus.TopicRequestExpired)
	}
	return nil
}

func (w *Workflow) publishTransition(ctx context.Context, requestID string, topic bus.Topic) {
	req, err := w.store.GetRequest(ctx, requestID)
	if err != nil || req == nil {
		return
	}
	w.bus.Publish(bus.Event{Topic: topic, UnitID: req.UnitID, Payload: *req})
}
