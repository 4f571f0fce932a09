// Package stats maintains rolling sensor histories and derives the
// conveyor's aggregate metrics: speed mean/variance, vibration baseline and
// trend, efficiency score and a maintenance estimate.
package stats

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/flexforge/conveyor/internal/history"
	"github.com/flexforge/conveyor/internal/model"
)

// UnknownMaintenanceHours is returned by PredictMaintenanceHours when no
// degradation can be inferred.
const UnknownMaintenanceHours = 999.0

// Config holds the analyzer's reference values and history depths. The
// nominal speed and critical vibration mirror the detector thresholds and
// are not read from YAML.
type Config struct {
	NominalSpeedRPM    float64 `yaml:"-"`
	CriticalVibrationG float64 `yaml:"-"`
	BaselineVibrationG float64 `yaml:"baseline_vibration_g"`
	SpeedHistory       int     `yaml:"speed_history"`
	VibrationHistory   int     `yaml:"vibration_history"`
	EnvHistory         int     `yaml:"env_history"`
}

// DefaultConfig returns the conveyor's factory reference values.
func DefaultConfig() Config {
	return Config{
		NominalSpeedRPM:    60.0,
		CriticalVibrationG: 2.0,
		BaselineVibrationG: 0.5,
		SpeedHistory:       10,
		VibrationHistory:   30,
		EnvHistory:         10,
	}
}

const (
	defaultTemperature = 20.0
	defaultHumidity    = 50.0
	degenerateDenom    = 0.001
)

// Analyzer owns one history per tracked metric. It performs pure
// aggregation; anomaly classification lives elsewhere.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger

	speed       *history.Ring[float64]
	vibration   *history.Ring[float64]
	temperature *history.Ring[float64]
	humidity    *history.Ring[float64]

	averageSpeed  float64
	speedVariance float64

	vibrationBaseline   float64
	baselineEstablished bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger used for baseline notices.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAnalyzer creates an analyzer. Zero-valued config fields fall back to
// DefaultConfig.
func NewAnalyzer(cfg Config, opts ...Option) *Analyzer {
	def := DefaultConfig()
	if cfg.NominalSpeedRPM <= 0 {
		cfg.NominalSpeedRPM = def.NominalSpeedRPM
	}
	if cfg.CriticalVibrationG <= 0 {
		cfg.CriticalVibrationG = def.CriticalVibrationG
	}
	if cfg.BaselineVibrationG <= 0 {
		cfg.BaselineVibrationG = def.BaselineVibrationG
	}
	if cfg.SpeedHistory <= 0 {
		cfg.SpeedHistory = def.SpeedHistory
	}
	if cfg.VibrationHistory <= 0 {
		cfg.VibrationHistory = def.VibrationHistory
	}
	if cfg.EnvHistory <= 0 {
		cfg.EnvHistory = def.EnvHistory
	}

	a := &Analyzer{
		cfg:               cfg,
		logger:            slog.Default(),
		speed:             history.New[float64](cfg.SpeedHistory),
		vibration:         history.New[float64](cfg.VibrationHistory),
		temperature:       history.New[float64](cfg.EnvHistory),
		humidity:          history.New[float64](cfg.EnvHistory),
		vibrationBaseline: cfg.BaselineVibrationG,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Update pushes one cycle of readings and refreshes the cached speed
// statistics. The vibration baseline is fixed the first time the vibration
// history fills and never recomputed.
func (a *Analyzer) Update(s model.SystemState) {
	a.speed.Push(s.SpeedRPM)
	a.averageSpeed = a.speed.Average()
	a.speedVariance = a.speed.Variance(a.averageSpeed)

	a.vibration.Push(s.VibrationLevel)
	if !a.baselineEstablished && a.vibration.IsFull() {
		a.vibrationBaseline = a.vibration.Average()
		a.baselineEstablished = true
		a.logger.Info("vibration baseline established", "baseline_g", a.vibrationBaseline)
	}

	a.temperature.Push(s.Temperature)
	a.humidity.Push(s.Humidity)
}

// AverageSpeed is the mean of the speed history as of the last Update.
func (a *Analyzer) AverageSpeed() float64 { return a.averageSpeed }

// SpeedVariance is the population variance of the speed history.
func (a *Analyzer) SpeedVariance() float64 { return a.speedVariance }

// SpeedStability is an alias of SpeedVariance; lower is more stable.
func (a *Analyzer) SpeedStability() float64 { return a.speedVariance }

// VibrationBaseline is the mean of the first full vibration history, or
// zero before it fills.
func (a *Analyzer) VibrationBaseline() float64 { return a.vibrationBaseline }

// BaselineEstablished reports whether VibrationBaseline is set.
func (a *Analyzer) BaselineEstablished() bool { return a.baselineEstablished }

// VibrationTrend is the least-squares slope of vibration against sample
// index over the whole retained history. It is zero until the baseline is
// established.
func (a *Analyzer) VibrationTrend() float64 {
	if !a.baselineEstablished {
		return 0
	}
	return trend(a.vibration)
}

// HumidityTrend is the least-squares slope of the humidity history.
func (a *Analyzer) HumidityTrend() float64 {
	return trend(a.humidity)
}

// TemperatureVariance is the population variance of the temperature history.
func (a *Analyzer) TemperatureVariance() float64 {
	if a.temperature.IsEmpty() {
		return 0
	}
	return a.temperature.Variance(a.temperature.Average())
}

// CurrentVibration is the newest vibration sample, or the configured
// baseline before any Update.
func (a *Analyzer) CurrentVibration() float64 {
	if a.vibration.IsEmpty() {
		return a.cfg.BaselineVibrationG
	}
	return a.vibration.Newest()
}

// CurrentTemperature is the newest temperature sample, or 20 C when empty.
func (a *Analyzer) CurrentTemperature() float64 {
	if a.temperature.IsEmpty() {
		return defaultTemperature
	}
	return a.temperature.Newest()
}

// CurrentHumidity is the newest humidity sample, or 50 % when empty.
func (a *Analyzer) CurrentHumidity() float64 {
	if a.humidity.IsEmpty() {
		return defaultHumidity
	}
	return a.humidity.Newest()
}

// SpeedSamples reports how many speed samples are retained.
func (a *Analyzer) SpeedSamples() int { return a.speed.Len() }

// EfficiencyScore weighs speed (40%), vibration (40%) and jam state (20%)
// into a score in [0, 100].
func (a *Analyzer) EfficiencyScore(jamDetected bool) float64 {
	speedScore := 0.0
	if !a.speed.IsEmpty() {
		ratio := a.averageSpeed / a.cfg.NominalSpeedRPM
		speedScore = clamp(100*(1-math.Abs(1-ratio)), 0, 100)
	}

	vibrationScore := 100.0
	if a.baselineEstablished {
		vibrationScore = clamp(100*(1-a.CurrentVibration()/a.cfg.CriticalVibrationG), 0, 100)
	}

	jamScore := 100.0
	if jamDetected {
		jamScore = 0
	}

	return speedScore*0.4 + vibrationScore*0.4 + jamScore*0.2
}

// PredictMaintenanceHours extrapolates the vibration trend to the critical
// level. The per-sample slope is read as a per-day rate; the result is a
// heuristic, not a calibrated time-to-failure.
func (a *Analyzer) PredictMaintenanceHours() float64 {
	if !a.baselineEstablished {
		return UnknownMaintenanceHours
	}
	tr := a.VibrationTrend()
	if tr <= 0 {
		return UnknownMaintenanceHours
	}
	remaining := a.cfg.CriticalVibrationG - a.CurrentVibration()
	return math.Max(0, remaining/tr*24)
}

// trend returns the OLS slope of r's samples against their index, or 0
// when the regression is degenerate.
func trend(r *history.Ring[float64]) float64 {
	n := r.Len()
	if n < 2 {
		return 0
	}
	xs := make([]float64, n)
	var sumX, sumX2 float64
	for i := range xs {
		x := float64(i)
		xs[i] = x
		sumX += x
		sumX2 += x * x
	}
	if math.Abs(float64(n)*sumX2-sumX*sumX) < degenerateDenom {
		return 0
	}
	_, slope := stat.LinearRegression(xs, r.Values(), nil, false)
	return slope
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
