// Package processor coordinates the statistical analyzer and the anomaly
// detector for one conveyor. Each Update refreshes statistics first so the
// detector always sees the current cycle's aggregates.
package processor

import (
	"log/slog"
	"time"

	"github.com/flexforge/conveyor/internal/anomaly"
	"github.com/flexforge/conveyor/internal/model"
	"github.com/flexforge/conveyor/internal/stats"
)

// Config groups the sub-component configurations.
type Config struct {
	Stats   stats.Config   `yaml:"stats"`
	Anomaly anomaly.Config `yaml:"anomaly"`
}

// DefaultConfig returns the factory configuration.
func DefaultConfig() Config {
	return Config{
		Stats:   stats.DefaultConfig(),
		Anomaly: anomaly.DefaultConfig(),
	}
}

// Processor owns exactly one Analyzer and one Detector. It is not safe for
// concurrent use.
type Processor struct {
	analyzer *stats.Analyzer
	detector *anomaly.Detector
}

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Processor.
type Option func(*options)

// WithClock injects the clock used for jam timing.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger passed to both sub-components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a processor.
func New(cfg Config, opts ...Option) *Processor {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Processor{
		analyzer: stats.NewAnalyzer(cfg.Stats, stats.WithLogger(o.logger)),
		detector: anomaly.NewDetector(cfg.Anomaly, anomaly.WithClock(o.now), anomaly.WithLogger(o.logger)),
	}
}

// Update advances processing by one tick.
func (p *Processor) Update(s model.SystemState) {
	p.analyzer.Update(s)
	p.detector.Update(s,
		p.analyzer.AverageSpeed(),
		p.analyzer.SpeedVariance(),
		p.analyzer.VibrationBaseline())
}

// DetectSpeedAnomaly reports an average speed outside the tolerance band
// or an unstable speed history.
func (p *Processor) DetectSpeedAnomaly() bool {
	return p.detector.DetectSpeedAnomaly(p.analyzer.AverageSpeed(), p.analyzer.SpeedVariance())
}

// DetectJam reports low vibration on a running belt for longer than the
// jam window.
func (p *Processor) DetectJam() bool { return p.detector.DetectJam() }

// DetectVibrationAnomaly is false until the vibration baseline exists.
func (p *Processor) DetectVibrationAnomaly() bool {
	if !p.analyzer.BaselineEstablished() {
		return false
	}
	return p.detector.DetectVibrationAnomaly(
		p.analyzer.CurrentVibration(),
		p.analyzer.VibrationBaseline(),
		p.analyzer.VibrationTrend())
}

// DetectEnvironmentalAnomaly checks the newest temperature and humidity
// against their limits and the temperature history for instability.
func (p *Processor) DetectEnvironmentalAnomaly() bool {
	return p.detector.DetectEnvironmentalAnomaly(
		p.analyzer.CurrentTemperature(),
		p.analyzer.CurrentHumidity(),
		p.analyzer.TemperatureVariance())
}

// IsJamDetected is the detector's current jam verdict.
func (p *Processor) IsJamDetected() bool { return p.detector.IsJamDetected() }

// JamDuration is the time spent in the low-vibration state.
func (p *Processor) JamDuration() time.Duration { return p.detector.JamDuration() }

// VibrationTrend is the analyzer's vibration slope.
func (p *Processor) VibrationTrend() float64 { return p.analyzer.VibrationTrend() }

// AverageSpeed is the analyzer's mean speed.
func (p *Processor) AverageSpeed() float64 { return p.analyzer.AverageSpeed() }

// SpeedStability is the speed variance; lower is more stable.
func (p *Processor) SpeedStability() float64 { return p.analyzer.SpeedStability() }

// PredictMaintenanceHours estimates hours until vibration reaches the
// critical level.
func (p *Processor) PredictMaintenanceHours() float64 { return p.analyzer.PredictMaintenanceHours() }

// EfficiencyScore uses the detector's current jam verdict.
func (p *Processor) EfficiencyScore() float64 {
	return p.analyzer.EfficiencyScore(p.detector.IsJamDetected())
}

// Analyzer exposes the analyzer for read-only queries.
func (p *Processor) Analyzer() *stats.Analyzer { return p.analyzer }

// Detector exposes the detector for read-only queries.
func (p *Processor) Detector() *anomaly.Detector { return p.detector }

// Snapshot is every derived metric at one instant.
type Snapshot struct {
	AverageSpeed        float64       `json:"avg_speed_rpm"`
	SpeedVariance       float64       `json:"speed_variance"`
	Vibration           float64       `json:"vibration_g"`
	VibrationBaseline   float64       `json:"vibration_baseline_g"`
	BaselineEstablished bool          `json:"baseline_established"`
	VibrationTrend      float64       `json:"vibration_trend"`
	Temperature         float64       `json:"temperature_c"`
	Humidity            float64       `json:"humidity_pct"`
	EfficiencyScore     float64       `json:"efficiency_score"`
	MaintenanceHours    float64       `json:"maintenance_hours"`
	JamDetected         bool          `json:"jam_detected"`
	JamDuration         time.Duration `json:"jam_duration_ns"`
	JamPhase            string        `json:"jam_phase"`
}

// Snapshot collects the current derived metrics.
func (p *Processor) Snapshot() Snapshot {
	a := p.analyzer
	return Snapshot{
		AverageSpeed:        a.AverageSpeed(),
		SpeedVariance:       a.SpeedVariance(),
		Vibration:           a.CurrentVibration(),
		VibrationBaseline:   a.VibrationBaseline(),
		BaselineEstablished: a.BaselineEstablished(),
		VibrationTrend:      a.VibrationTrend(),
		Temperature:         a.CurrentTemperature(),
		Humidity:            a.CurrentHumidity(),
		EfficiencyScore:     p.EfficiencyScore(),
		MaintenanceHours:    a.PredictMaintenanceHours(),
		JamDetected:         p.detector.IsJamDetected(),
		JamDuration:         p.detector.JamDuration(),
		JamPhase:            p.detector.Phase().String(),
	}
}
