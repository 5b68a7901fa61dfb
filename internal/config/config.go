// Package config loads hapticd settings from YAML, .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/haptics/internal/core/device/sim"
	"github.com/zeusync/haptics/internal/core/haptics"
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

const DriverSim = "sim"

var (
	ErrInvalidConfig = errors.New("config: invalid configuration")
	ErrUnknownDriver = errors.New("config: unknown device driver")
)

type Config struct {
	Log       LogConfig                `yaml:"log"`
	Device    DeviceConfig             `yaml:"device"`
	Contact   physics.ContactConstants `yaml:"contact"`
	Readiness ReadinessConfig          `yaml:"readiness"`
	// Sphere is set once the device is ready. A radius <= 0 starts with no object.
	Sphere    physics.Sphere  `yaml:"sphere"`
	Simulator sim.Config      `yaml:"simulator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// StatsInterval is how often loop statistics are logged. Zero disables it.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Encoding is "json" or "console".
	Encoding string `yaml:"encoding"`
}

type DeviceConfig struct {
	Driver string `yaml:"driver"`
	Index  int    `yaml:"index"`
}

type ReadinessConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
	// Scale magnifies device meters for display. It never reaches the loop.
	Scale float64 `yaml:"scale"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Device: DeviceConfig{
			Driver: DriverSim,
			Index:  0,
		},
		Contact: physics.DefaultContactConstants(),
		Readiness: ReadinessConfig{
			Timeout:      haptics.DefaultReadyTimeout,
			PollInterval: haptics.DefaultReadyPollInterval,
		},
		Sphere:    physics.Sphere{Center: physics.Zero, Radius: 0.05},
		Simulator: sim.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Enabled:  true,
			Addr:     "127.0.0.1:8765",
			Interval: 20 * time.Millisecond,
			Scale:    10,
		},
		StatsInterval: 10 * time.Second,
	}
}

// LoadYAML decodes r over the defaults. Unknown keys are rejected.
func LoadYAML(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return c, nil
}

func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	return LoadYAML(f)
}

// Load reads path (defaults when empty), then any .env file, then HAPTICS_*
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		var err error
		if c, err = LoadFile(path); err != nil {
			return nil, err
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from HAPTICS_* variables that are set.
func (c *Config) ApplyEnv() error {
	var errs []error
	parse := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c.Log.Level = getEnv("HAPTICS_LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnv("HAPTICS_LOG_ENCODING", c.Log.Encoding)

	c.Device.Driver = getEnv("HAPTICS_DEVICE_DRIVER", c.Device.Driver)
	var err error
	c.Device.Index, err = getEnvInt("HAPTICS_DEVICE_INDEX", c.Device.Index)
	parse(err)

	c.Contact.Stiffness, err = getEnvFloat("HAPTICS_STIFFNESS", c.Contact.Stiffness)
	parse(err)
	c.Contact.Damping, err = getEnvFloat("HAPTICS_DAMPING", c.Contact.Damping)
	parse(err)

	c.Readiness.Timeout, err = getEnvDuration("HAPTICS_READY_TIMEOUT", c.Readiness.Timeout)
	parse(err)

	c.Telemetry.Enabled, err = getEnvBool("HAPTICS_TELEMETRY_ENABLED", c.Telemetry.Enabled)
	parse(err)
	c.Telemetry.Addr = getEnv("HAPTICS_TELEMETRY_ADDR", c.Telemetry.Addr)
	c.Telemetry.Scale, err = getEnvFloat("HAPTICS_DISPLAY_SCALE", c.Telemetry.Scale)
	parse(err)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Device.Driver {
	case DriverSim:
	default:
		errs = append(errs, fmt.Errorf("%w %q", ErrUnknownDriver, c.Device.Driver))
	}
	if c.Device.Index < 0 {
		fail("device.index must not be negative, got %d", c.Device.Index)
	}

	if !finiteNonNegative(c.Contact.Stiffness) {
		fail("contact.stiffness must be finite and >= 0, got %g", c.Contact.Stiffness)
	}
	if !finiteNonNegative(c.Contact.Damping) {
		fail("contact.damping must be finite and >= 0, got %g", c.Contact.Damping)
	}

	if c.Readiness.Timeout <= 0 {
		fail("readiness.timeout must be positive")
	}
	if c.Readiness.PollInterval <= 0 || c.Readiness.PollInterval > c.Readiness.Timeout {
		fail("readiness.poll_interval must be positive and not exceed the timeout")
	}

	if !c.Sphere.Center.IsFinite() || math.IsNaN(c.Sphere.Radius) || math.IsInf(c.Sphere.Radius, 0) {
		fail("sphere must be finite")
	}

	if c.Simulator.Tick < 0 {
		fail("simulator.tick must not be negative")
	}
	if c.Simulator.OrbitPeriod < 0 {
		fail("simulator.orbit_period must not be negative")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Addr == "" {
			fail("telemetry.addr is required when telemetry is enabled")
		}
		if c.Telemetry.Interval <= 0 {
			fail("telemetry.interval must be positive")
		}
		if !(c.Telemetry.Scale > 0) || math.IsInf(c.Telemetry.Scale, 0) {
			fail("telemetry.scale must be positive, got %g", c.Telemetry.Scale)
		}
	}

	if c.StatsInterval < 0 {
		fail("stats_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Controller returns the control loop settings.
func (c *Config) Controller() haptics.Config {
	return haptics.Config{
		DeviceIndex:       c.Device.Index,
		Contact:           c.Contact,
		ReadyTimeout:      c.Readiness.Timeout,
		ReadyPollInterval: c.Readiness.PollInterval,
	}
}

func finiteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 1)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
