package conveyor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flexforge/conveyor/internal/alerting"
	"github.com/flexforge/conveyor/internal/anomaly"
	"github.com/flexforge/conveyor/internal/archive"
	"github.com/flexforge/conveyor/internal/journal"
	"github.com/flexforge/conveyor/internal/processor"
	"github.com/flexforge/conveyor/internal/remotewrite"
	"github.com/flexforge/conveyor/internal/sensor"
	"github.com/flexforge/conveyor/internal/stats"
	"github.com/flexforge/conveyor/internal/transport"
)

// Config defines monitor configuration.
type Config struct {
	// Loop configures cycle timing.
	Loop LoopConfig `yaml:"loop"`

	// Sensor selects the snapshot source used by Run.
	Sensor sensor.Config `yaml:"sensor"`

	// Stats configures history sizes and the vibration baseline.
	Stats stats.Config `yaml:"stats"`

	// Anomaly configures detector thresholds. Its nominal speed, speed
	// tolerance, critical vibration and environment limits are the only
	// copies that can be configured; Stats and Alerts take theirs from here.
	Anomaly anomaly.Config `yaml:"anomaly"`

	// Alerts configures suppression and escalation.
	Alerts alerting.Config `yaml:"alerts"`

	// Transport selects the uplink gateway.
	Transport transport.Config `yaml:"transport"`

	// Journal configures the local SQLite record. Leave Path empty to
	// disable it.
	Journal journal.Config `yaml:"journal"`

	// Archive configures uploads of journaled telemetry to object storage.
	Archive archive.Config `yaml:"archive"`

	// RemoteWrite configures pushes to a Prometheus remote-write endpoint.
	RemoteWrite remotewrite.Config `yaml:"remote_write"`

	// HTTP configures the operator and observability server.
	HTTP HTTPConfig `yaml:"http"`

	// Logging configures the console logger.
	Logging LoggingConfig `yaml:"logging"`
}

// LoopConfig groups cycle timing.
type LoopConfig struct {
	// ProcessInterval is how often Run reads a snapshot and ticks.
	// Default: 500ms.
	ProcessInterval time.Duration `yaml:"process_interval"`

	// TelemetryInterval is how often a telemetry note is sent and pending
	// alerts are retried even without new ones.
	// Default: 1 minute.
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`

	// HealthInterval is how often gateway and error health is logged.
	// Default: 30 seconds.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// HTTPConfig groups HTTP server settings.
type HTTPConfig struct {
	// Enabled starts the HTTP server in Run.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address.
	// Default: 127.0.0.1:8086.
	Addr string `yaml:"addr"`

	// APIKeys may call every endpoint. When both key lists are empty no
	// authentication is required.
	APIKeys []string `yaml:"api_keys"`

	// ReadOnlyKeys may only call GET endpoints.
	ReadOnlyKeys []string `yaml:"read_only_keys"`
}

// LoggingConfig groups console logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// NoColor disables ANSI colours.
	NoColor bool `yaml:"no_color"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	pc := processor.DefaultConfig()
	cfg := Config{
		Loop: LoopConfig{
			ProcessInterval:   500 * time.Millisecond,
			TelemetryInterval: time.Minute,
			HealthInterval:    30 * time.Second,
		},
		Sensor:      sensor.DefaultConfig(),
		Stats:       pc.Stats,
		Anomaly:     pc.Anomaly,
		Alerts:      alerting.DefaultConfig(),
		Transport:   transport.DefaultConfig(),
		Journal:     journal.DefaultConfig(),
		Archive:     archive.DefaultConfig(),
		RemoteWrite: remotewrite.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8086",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
	return cfg.withSharedThresholds()
}

// withSharedThresholds copies the detector thresholds into the analyzer
// reference values and the auto-clear bounds, so an alert is only cleared
// by the band that raised it.
func (c Config) withSharedThresholds() Config {
	a := c.Anomaly
	c.Stats.NominalSpeedRPM = a.NominalSpeedRPM
	c.Stats.CriticalVibrationG = a.VibrationCriticalG
	c.Alerts.NominalSpeedRPM = a.NominalSpeedRPM
	c.Alerts.SpeedTolerancePct = a.SpeedTolerancePct
	c.Alerts.TempMinC = a.TempMinC
	c.Alerts.TempMaxC = a.TempMaxC
	c.Alerts.HumidityMaxPct = a.HumidityMaxPct
	return c
}

// Validate reports every problem in c, joined, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if c.Loop.ProcessInterval <= 0 {
		errs = append(errs, errors.New("loop.process_interval must be positive"))
	}
	if c.Loop.HealthInterval <= 0 {
		errs = append(errs, errors.New("loop.health_interval must be positive"))
	}
	if c.Loop.TelemetryInterval < c.Loop.ProcessInterval {
		errs = append(errs, errors.New("loop.telemetry_interval must not be shorter than loop.process_interval"))
	}
	if c.Anomaly.NominalSpeedRPM <= 0 {
		errs = append(errs, errors.New("anomaly.nominal_speed_rpm must be positive"))
	}
	if c.Anomaly.SpeedTolerancePct <= 0 {
		errs = append(errs, errors.New("anomaly.speed_tolerance_pct must be positive"))
	}
	if c.Anomaly.VibrationCriticalG <= c.Anomaly.VibrationWarningG {
		errs = append(errs, errors.New("anomaly.vibration_critical_g must be above anomaly.vibration_warning_g"))
	}
	if c.Anomaly.TempMinC >= c.Anomaly.TempMaxC {
		errs = append(errs, errors.New("anomaly.temp_min_c must be below anomaly.temp_max_c"))
	}
	if c.Alerts.MaxAlerts <= 0 {
		errs = append(errs, errors.New("alerts.max_alerts must be positive"))
	}
	if c.Alerts.EscalateCriticalAfter < c.Alerts.EscalateWarningAfter {
		errs = append(errs, errors.New("alerts.escalate_critical_after must not be below alerts.escalate_warning_after"))
	}
	for _, v := range []interface{ Validate() error }{c.Transport, c.Archive, c.RemoteWrite} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Archive.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("archive requires the journal"))
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// processorConfig extracts the processing core's view of c.
func (c Config) processorConfig() processor.Config {
	return processor.Config{Stats: c.Stats, Anomaly: c.Anomaly}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
// Durations use Go syntax ("500ms", "1m").
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}
	cfg = cfg.withSharedThresholds()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

const redacted = "<redacted>"

// Redacted returns a copy of c with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.Transport.HTTP.Token)
	mask(&c.Transport.MQTT.Password)
	mask(&c.Transport.WebSocket.Token)
	mask(&c.Archive.SecretAccessKey)
	mask(&c.Archive.Password)
	keys := func(in []string) []string {
		out := make([]string, len(in))
		for i := range out {
			out[i] = redacted
		}
		return out
	}
	c.HTTP.APIKeys = keys(c.HTTP.APIKeys)
	c.HTTP.ReadOnlyKeys = keys(c.HTTP.ReadOnlyKeys)
	return c
}

// YAML encodes c.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
