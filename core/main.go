package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sysgrow/sysgrow/core/actuator"
	"github.com/sysgrow/sysgrow/core/bayes"
	"github.com/sysgrow/sysgrow/core/bridge"
	"github.com/sysgrow/sysgrow/core/bus"
	"github.com/sysgrow/sysgrow/core/climate"
	"github.com/sysgrow/sysgrow/core/irrigation"
	"github.com/sysgrow/sysgrow/core/notify"
	"github.com/sysgrow/sysgrow/core/plant"
	"github.com/sysgrow/sysgrow/core/recommend"
	"github.com/sysgrow/sysgrow/core/schedule"
	"github.com/sysgrow/sysgrow/core/sensor"
	"github.com/sysgrow/sysgrow/core/store"
	"github.com/sysgrow/sysgrow/core/throttle"
)

func main() {
	configPath := flag.String("config", os.Getenv("SYSGROW_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tunables, err := irrigation.TunablesFromEnv()
	if err != nil {
		log.Fatalf("tunables: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := schedule.RealClock{}

	// Persistence: Postgres when configured, otherwise the in-memory store
	// for single-node bring-up.
	var st store.Store
	var locker store.UnitLocker
	mem := store.NewMemoryStore()
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("store: postgres connected")
	} else {
		st = mem
		log.Printf("store: in-memory (no postgres_dsn configured)")
	}

	// Unit locks: Redis when configured; the memory store's locks otherwise.
	var redisLocker *store.RedisLocker
	if cfg.RedisAddr != "" {
		rl, err := store.NewRedisLocker(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rl.Close()
		locker = rl
		redisLocker = rl
		log.Printf("locks: redis at %s", cfg.RedisAddr)
	} else {
		locker = mem
		log.Printf("locks: in-process (no redis_addr configured)")
	}

	b := bus.New(cfg.BusQueueSize)
	defer b.Close()

	registry := actuator.NewRegistry(clock)
	if err := registerActuators(cfg, registry); err != nil {
		log.Fatalf("actuators: %v", err)
	}

	th := throttle.New(throttle.DefaultConfig(), clock)
	notifier := notify.NewThrottled(notify.NewLogNotifier(),
		time.Duration(tunables.SensorMissingAlertMinutes)*time.Minute)
	learner := bayes.NewLearner(bayes.DefaultLearnerConfig(), nil)

	resolver := plant.NewStaticResolver()
	for _, unit := range cfg.Units {
		for _, p := range unit.Plants {
			pc := store.PlantContext{
				PlantID:        p.PlantID,
				UnitID:         unit.ID,
				UserID:         p.UserID,
				PlantType:      p.PlantType,
				GrowthStage:    p.GrowthStage,
				Variety:        p.Variety,
				PotSizeL:       p.PotSizeL,
				TargetMoisture: p.TargetMoisture,
			}
			if p.AssignedPump != "" {
				pump := p.AssignedPump
				pc.AssignedPump = &pump
			}
			if p.AssignedValve != "" {
				valve := p.AssignedValve
				pc.AssignedValve = &valve
			}
			resolver.Assign(unit.ID, p.SensorID, pc)
		}
	}

	// Threshold changes land back in the resolver so the next detection pass
	// sees the learned target.
	applyThr := func(_ context.Context, unitID string, plantID *string, newThreshold float64) error {
		for _, unit := range cfg.Units {
			if unit.ID != unitID {
				continue
			}
			for _, p := range unit.Plants {
				if plantID != nil && p.PlantID != *plantID {
					continue
				}
				pc, err := resolver.Resolve(ctx, unitID, p.SensorID)
				if err != nil || pc == nil {
					continue
				}
				pc.TargetMoisture = newThreshold
				resolver.Assign(unitID, p.SensorID, *pc)
				log.Printf("irrigation: unit=%s plant=%s threshold set to %.1f%%", unitID, p.PlantID, newThreshold)
			}
		}
		return nil
	}

	// Object-graph wiring happens before any subscriber starts; the workflow
	// and controllers never rebind collaborators at runtime.
	moisture := plant.NewMoistureCache()
	workflow := irrigation.NewWorkflow(irrigation.Deps{
		Store:    st,
		Locker:   locker,
		Registry: registry,
		Clock:    clock,
		Bus:      b,
		Notifier: notifier,
		Learner:  learner,
		Moisture: moisture,
		ApplyThr: applyThr,
		Tunables: tunables,
	})
	for _, unit := range cfg.Units {
		workflow.SetUnitConfig(unit.ID, unit.Workflow)
	}

	plantCtrl := plant.New(st, th, resolver, moisture, workflow, notifier, clock)

	ingestor := sensor.NewIngestor(b, clock)
	recorder := sensor.NewRecorder(st, th)
	recorder.Subscribe(b)
	plantCtrl.Subscribe(b)

	climateCtrls := make(map[string]*climate.Controller, len(cfg.Units))
	for _, unit := range cfg.Units {
		ctrl := climate.New(unit.Climate, registry, b, clock)
		ctrl.Subscribe(b)
		climateCtrls[unit.ID] = ctrl
	}

	hub := bridge.NewHub()
	hub.Subscribe(b)
	go hub.Run(ctx)

	runner := schedule.NewRunner(ctx)
	defer runner.Stop()
	workflow.Start(runner)

	// Lock janitor: a unit lock with no EXECUTING request means an executor
	// died mid-run. Redis expires the key on its own; the janitor makes the
	// wedged window visible instead of silent.
	if redisLocker != nil {
		runner.Every("lock-janitor", 5*time.Minute, func(ctx context.Context) {
			units, err := redisLocker.ScanUnitLocks(ctx)
			if err != nil {
				log.Printf("lock janitor: scan: %v", err)
				return
			}
			if len(units) == 0 {
				return
			}
			executing, err := st.ListRequestsByStatus(ctx, store.StatusExecuting, 0)
			if err != nil {
				log.Printf("lock janitor: list: %v", err)
				return
			}
			active := make(map[string]bool, len(executing))
			for _, r := range executing {
				active[r.UnitID] = true
			}
			for _, unit := range units {
				if active[unit] {
					continue
				}
				owner, _ := redisLocker.UnitLockOwner(ctx, unit)
				log.Printf("lock janitor: unit %s locked by %q with no executing request; waiting for TTL expiry", unit, owner)
			}
		})
	}

	provider := recommend.NewLLM(recommend.NewRuleBased())

	api := newAPI(st, workflow, ingestor, climateCtrls, provider, hub)
	mux := http.NewServeMux()
	api.routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("http: listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()
}

// registerActuators binds every configured device. MQTT topics get real
// drivers over one shared client; devices without a topic get fakes so a
// partially wired unit still runs.
func registerActuators(cfg Config, registry *actuator.Registry) error {
	var mqttClient mqtt.Client
	if cfg.MQTTBroker != "" {
		client, err := actuator.ConnectMQTT(cfg.MQTTBroker, "sysgrow-core")
		if err != nil {
			return err
		}
		mqttClient = client
	}

	for _, unit := range cfg.Units {
		for _, a := range unit.Actuators {
			kind, err := store.ParseActuatorKind(a.Kind)
			if err != nil {
				return err
			}
			var driver actuator.Driver
			if a.CommandTopic != "" && mqttClient != nil {
				driver = actuator.NewMQTTDriver(mqttClient, a.CommandTopic, "")
			} else {
				driver = actuator.NewFakeDriver()
			}
			if err := registry.Register(actuator.Registration{
				ID:           a.ID,
				UnitID:       unit.ID,
				Kind:         kind,
				Driver:       driver,
				MinCycleTime: a.MinCycleTime(),
				Timeout:      a.Timeout(),
				FlowMLPerS:   a.FlowMLPerS,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
