package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tiiuae/missioncontroller/internal/types"
)

const (
	EnvConnection = "ARDU_SERIAL_CONN"
	EnvDeviceID   = "MC_DEVICE_ID"
	EnvMQTTBroker = "MC_MQTT_BROKER"
	EnvPlan       = "MC_PLAN"

	DefaultConnection = "udp://:14540"
)

type Config struct {
	DeviceID   string     `yaml:"device_id"`
	Connection string     `yaml:"connection"`
	Plan       string     `yaml:"plan"`
	PlanRepo   PlanRepo   `yaml:"plan_repo"`
	Log        LogConfig  `yaml:"log"`
	Link       LinkConfig `yaml:"link"`
	Mission    Mission    `yaml:"mission"`
	MQTT       MQTTConfig `yaml:"mqtt"`
}

// PlanRepo points at a git repository holding the mission plan. Plan is
// then relative to Dir.
type PlanRepo struct {
	URL          string         `yaml:"url"`
	Dir          string         `yaml:"dir"`
	HostKey      string         `yaml:"host_key"`
	IdentityFile string         `yaml:"identity_file"`
	SyncTimeout  types.Duration `yaml:"sync_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LinkConfig struct {
	ConnectAttempts  int            `yaml:"connect_attempts"`
	ConnectTimeout   types.Duration `yaml:"connect_timeout"`
	AckTimeout       types.Duration `yaml:"ack_timeout"`
	HeartbeatTimeout types.Duration `yaml:"heartbeat_timeout"`
	SystemID         int            `yaml:"system_id"`
	GuidedMode       string         `yaml:"guided_mode"`
	StreamRate       float64        `yaml:"stream_rate"`
}

type Mission struct {
	TakeoffAltitude   float64        `yaml:"takeoff_altitude"`
	AltitudeTolerance float64        `yaml:"altitude_tolerance"`
	AcceptanceRadius  float64        `yaml:"acceptance_radius"`
	GroundTolerance   float64        `yaml:"ground_tolerance"`
	MinBatteryPct     float64        `yaml:"min_battery_pct"`
	FullChargePct     float64        `yaml:"full_charge_pct"`
	MinAltitude       float64        `yaml:"min_altitude"`
	MaxAltitude       float64        `yaml:"max_altitude"`
	PollInterval      types.Duration `yaml:"poll_interval"`
	DisarmGrace       types.Duration `yaml:"disarm_grace"`
	Timeouts          Timeouts       `yaml:"timeouts"`
	Retries           Retries        `yaml:"retries"`
	Backoff           Backoff        `yaml:"backoff"`
}

// Timeouts bound how long each kind of action may take to be confirmed by
// telemetry once the flight controller accepted the command.
type Timeouts struct {
	Arm      types.Duration `yaml:"arm"`
	Takeoff  types.Duration `yaml:"takeoff"`
	Waypoint types.Duration `yaml:"waypoint"`
	Land     types.Duration `yaml:"land"`
	Disarm   types.Duration `yaml:"disarm"`
	Charge   types.Duration `yaml:"charge"`
}

// Retries is the number of retries after the first attempt.
type Retries struct {
	Arm     int `yaml:"arm"`
	Takeoff int `yaml:"takeoff"`
	Command int `yaml:"command"`
	Land    int `yaml:"land"`
}

type Backoff struct {
	Initial    types.Duration `yaml:"initial"`
	Max        types.Duration `yaml:"max"`
	Multiplier float64        `yaml:"multiplier"`
}

type MQTTConfig struct {
	Broker        string  `yaml:"broker"`
	PrivateKey    string  `yaml:"private_key"`
	Algorithm     string  `yaml:"algorithm"`
	ProjectID     string  `yaml:"project_id"`
	Region        string  `yaml:"region"`
	Registry      string  `yaml:"registry"`
	TelemetryRate float64 `yaml:"telemetry_rate"`
}

func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

func dur(d time.Duration) types.Duration {
	return types.Duration{Duration: d}
}

// Default returns a configuration that flies a small multicopter against
// a local SITL instance.
func Default() *Config {
	return &Config{
		DeviceID:   "drone-1",
		Connection: DefaultConnection,
		Plan:       "data/mission.yaml",
		PlanRepo:   PlanRepo{SyncTimeout: dur(time.Minute)},
		Log:        LogConfig{Level: "info", Format: "text"},
		Link: LinkConfig{
			ConnectAttempts:  3,
			ConnectTimeout:   dur(10 * time.Second),
			AckTimeout:       dur(3 * time.Second),
			HeartbeatTimeout: dur(3 * time.Second),
			SystemID:         255,
			GuidedMode:       "GUIDED",
			StreamRate:       4,
		},
		Mission: Mission{
			TakeoffAltitude:   5,
			AltitudeTolerance: 0.5,
			AcceptanceRadius:  1.5,
			GroundTolerance:   0.3,
			MinBatteryPct:     25,
			FullChargePct:     95,
			MinAltitude:       2,
			MaxAltitude:       120,
			PollInterval:      dur(200 * time.Millisecond),
			DisarmGrace:       dur(5 * time.Second),
			Timeouts: Timeouts{
				Arm:      dur(10 * time.Second),
				Takeoff:  dur(45 * time.Second),
				Waypoint: dur(3 * time.Minute),
				Land:     dur(2 * time.Minute),
				Disarm:   dur(10 * time.Second),
				Charge:   dur(6 * time.Hour),
			},
			Retries: Retries{Arm: 3, Takeoff: 2, Command: 3, Land: 5},
			Backoff: Backoff{
				Initial:    dur(500 * time.Millisecond),
				Max:        dur(8 * time.Second),
				Multiplier: 2,
			},
		},
		MQTT: MQTTConfig{
			PrivateKey:    "/enclave/rsa_private.pem",
			Algorithm:     "RS256",
			ProjectID:     "auto-fleet-mgnt",
			Region:        "europe-west1",
			Registry:      "fleet-registry",
			TelemetryRate: 1,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvConnection); v != "" {
		c.Connection = v
	}
	if v := os.Getenv(EnvDeviceID); v != "" {
		c.DeviceID = v
	}
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv(EnvPlan); v != "" {
		c.Plan = v
	}
}

func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("device_id must be set")
	}
	if _, err := ParseEndpoint(c.Connection); err != nil {
		return err
	}
	if c.Plan == "" {
		return errors.New("plan must be set")
	}
	m := c.Mission
	if m.TakeoffAltitude < m.MinAltitude {
		return errors.Errorf("takeoff_altitude %.1f below min_altitude %.1f", m.TakeoffAltitude, m.MinAltitude)
	}
	if m.MaxAltitude <= m.MinAltitude {
		return errors.New("max_altitude must exceed min_altitude")
	}
	if m.MinBatteryPct < 0 || m.FullChargePct > 100 || m.MinBatteryPct >= m.FullChargePct {
		return errors.Errorf("battery thresholds out of order: min %.0f%%, full %.0f%%", m.MinBatteryPct, m.FullChargePct)
	}
	if m.Retries.Arm < 0 || m.Retries.Takeoff < 0 || m.Retries.Command < 0 || m.Retries.Land < 0 {
		return errors.New("retries cannot be negative")
	}
	if m.PollInterval.Duration <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if m.Backoff.Multiplier < 1 {
		return errors.New("backoff multiplier must be at least 1")
	}
	if c.Link.ConnectAttempts < 1 {
		return errors.New("connect_attempts must be at least 1")
	}
	if c.Link.SystemID < 1 || c.Link.SystemID > 255 {
		return errors.Errorf("system_id %d out of range", c.Link.SystemID)
	}
	return nil
}

// IsSimulation is true unless the flight controller is on a serial port.
func (c *Config) IsSimulation() bool {
	ep, err := ParseEndpoint(c.Connection)
	return err != nil || ep.Scheme != SchemeSerial
}

// SetupLogging configures the global logrus logger.
func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	log.SetLevel(level)
	switch c.Log.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
