package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sysgrow/sysgrow/core/climate"
	"github.com/sysgrow/sysgrow/core/irrigation"
)

// ActuatorConfig declares one device binding for a unit.
type ActuatorConfig struct {
	ID             string  `yaml:"id"`
	Kind           string  `yaml:"kind"`
	CommandTopic   string  `yaml:"command_topic"` // MQTT command topic; empty binds a fake driver
	MinCycleTimeS  int     `yaml:"min_cycle_time_s"`
	TimeoutS       int     `yaml:"timeout_s"`
	FlowMLPerS     float64 `yaml:"flow_ml_per_s"`
	Dimmable       bool    `yaml:"dimmable"`
}

// PlantConfig binds a soil-moisture sensor to its plant scope.
type PlantConfig struct {
	PlantID        string  `yaml:"plant_id"`
	SensorID       string  `yaml:"sensor_id"`
	UserID         string  `yaml:"user_id"`
	PlantType      string  `yaml:"plant_type"`
	GrowthStage    string  `yaml:"growth_stage"`
	Variety        string  `yaml:"variety"`
	PotSizeL       float64 `yaml:"pot_size_l"`
	TargetMoisture float64 `yaml:"target_moisture"`
	AssignedPump   string  `yaml:"assigned_pump"`
	AssignedValve  string  `yaml:"assigned_valve"`
}

// UnitConfig is the full configuration of one grow unit.
type UnitConfig struct {
	ID        string                     `yaml:"id"`
	Climate   climate.Config             `yaml:"climate"`
	Workflow  irrigation.WorkflowConfig  `yaml:"workflow"`
	Actuators []ActuatorConfig           `yaml:"actuators"`
	Plants    []PlantConfig              `yaml:"plants"`
}

// Config is the process configuration loaded at startup.
type Config struct {
	ListenAddr   string       `yaml:"listen_addr"`
	PostgresDSN  string       `yaml:"postgres_dsn"`
	RedisAddr    string       `yaml:"redis_addr"`
	MQTTBroker   string       `yaml:"mqtt_broker"`
	BusQueueSize int          `yaml:"bus_queue_size"`
	Units        []UnitConfig `yaml:"units"`
}

// LoadConfig reads the YAML config file and applies environment overrides
// for the connection addresses.
func LoadConfig(path string) (Config, error) {
	cfg := Config{ListenAddr: ":8080"}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := os.Getenv("SYSGROW_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("SYSGROW_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SYSGROW_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}
	if v := os.Getenv("SYSGROW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	for i, unit := range cfg.Units {
		if unit.ID == "" {
			return Config{}, fmt.Errorf("unit %d: id is required", i)
		}
		if unit.Climate.UnitID == "" {
			cfg.Units[i].Climate.UnitID = unit.ID
		}
		for _, a := range unit.Actuators {
			if a.ID == "" {
				return Config{}, fmt.Errorf("unit %s: actuator without id", unit.ID)
			}
		}
	}
	return cfg, nil
}

// MinCycleTime converts the configured seconds into a duration; zero keeps
// the registry default.
func (a ActuatorConfig) MinCycleTime() time.Duration {
	return time.Duration(a.MinCycleTimeS) * time.Second
}

// Timeout converts the configured seconds into a duration; zero keeps the
// registry default.
func (a ActuatorConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutS) * time.Second
}
