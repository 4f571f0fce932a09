// Package anomaly classifies conveyor readings: a stateful jam detector
// plus stateless speed, vibration and environment classifiers.
package anomaly

import (
	"log/slog"
	"math"
	"time"

	"github.com/flexforge/conveyor/internal/model"
)

const jamLogInterval = 5 * time.Second

// Detector tracks jam state across cycles. It is not safe for concurrent
// use; callers serialize access.
type Detector struct {
	config Config
	now    func() time.Time
	logger *slog.Logger

	inLowVibration bool
	lowSince       time.Time
	lastJamLog     time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDetector creates a detector. Non-positive thresholds fall back to
// DefaultConfig.
func NewDetector(config Config, opts ...Option) *Detector {
	def := DefaultConfig()
	if config.MinRunningRPM <= 0 {
		config.MinRunningRPM = def.MinRunningRPM
	}
	if config.NominalSpeedRPM <= 0 {
		config.NominalSpeedRPM = def.NominalSpeedRPM
	}
	if config.SpeedTolerancePct <= 0 {
		config.SpeedTolerancePct = def.SpeedTolerancePct
	}
	if config.JamVibrationG <= 0 {
		config.JamVibrationG = def.JamVibrationG
	}
	if config.JamWindow <= 0 {
		config.JamWindow = def.JamWindow
	}
	if config.VibrationWarningG <= 0 {
		config.VibrationWarningG = def.VibrationWarningG
	}
	if config.VibrationCriticalG <= 0 {
		config.VibrationCriticalG = def.VibrationCriticalG
	}
	if config.VibrationTrendLimit <= 0 {
		config.VibrationTrendLimit = def.VibrationTrendLimit
	}
	if config.TempMaxC <= config.TempMinC {
		config.TempMinC, config.TempMaxC = def.TempMinC, def.TempMaxC
	}
	if config.HumidityMaxPct <= 0 {
		config.HumidityMaxPct = def.HumidityMaxPct
	}
	if config.TempVarianceLimit <= 0 {
		config.TempVarianceLimit = def.TempVarianceLimit
	}

	d := &Detector{
		config: config,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lowSince = d.now()
	return d
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config { return d.config }

// Update advances the jam state machine by one cycle. averageSpeed,
// speedVariance and vibrationBaseline are the current cycle's statistics;
// jam tracking itself only depends on the raw snapshot.
func (d *Detector) Update(s model.SystemState, averageSpeed, speedVariance, vibrationBaseline float64) {
	now := d.now()

	if !s.ConveyorRunning || s.SpeedRPM <= d.config.MinRunningRPM {
		d.inLowVibration = false
		d.lowSince = now
		return
	}

	if s.VibrationLevel < d.config.JamVibrationG {
		if !d.inLowVibration {
			d.inLowVibration = true
			d.lowSince = now
			d.logger.Info("jam detection: low vibration while running",
				"vibration_g", s.VibrationLevel, "threshold_g", d.config.JamVibrationG)
		} else if now.Sub(d.lowSince) > d.config.JamWindow && now.Sub(d.lastJamLog) > jamLogInterval {
			d.logger.Warn("jam detected: low vibration for extended period",
				"duration", now.Sub(d.lowSince), "baseline_g", vibrationBaseline)
			d.lastJamLog = now
		}
	} else {
		if d.inLowVibration {
			d.logger.Info("jam detection: vibration returned to normal", "vibration_g", s.VibrationLevel)
		}
		d.inLowVibration = false
		d.lowSince = now
	}
}

// Phase reports the current jam state.
func (d *Detector) Phase() JamPhase {
	if d.inLowVibration {
		return JamLowVibration
	}
	return JamNormal
}

// JamState returns a copy of the tracking record.
func (d *Detector) JamState() JamState {
	return JamState{InLowVibration: d.inLowVibration, LowSince: d.lowSince}
}

// DetectJam reports whether vibration has stayed low for longer than the
// confirmation window. A shorter dip is not yet a jam.
func (d *Detector) DetectJam() bool {
	return d.inLowVibration && d.now().Sub(d.lowSince) > d.config.JamWindow
}

// IsJamDetected is DetectJam under the name used by reporting code.
func (d *Detector) IsJamDetected() bool { return d.DetectJam() }

// JamDuration is the time spent in the low-vibration state, or zero.
func (d *Detector) JamDuration() time.Duration {
	if !d.inLowVibration {
		return 0
	}
	return d.now().Sub(d.lowSince)
}

// DetectSpeedAnomaly flags a mean deviation beyond tolerance or an
// unstable speed. A stopped belt is never anomalous.
func (d *Detector) DetectSpeedAnomaly(averageSpeed, speedVariance float64) bool {
	if averageSpeed < d.config.MinRunningRPM {
		return false
	}
	tolerance := d.config.ToleranceRPM()
	deviation := math.Abs(averageSpeed - d.config.NominalSpeedRPM)
	return deviation > tolerance || speedVariance > tolerance*0.5
}

// DetectVibrationAnomaly flags a critical level, or a warning level that is
// still rising.
func (d *Detector) DetectVibrationAnomaly(current, baseline, trend float64) bool {
	if current > d.config.VibrationCriticalG {
		return true
	}
	return current > d.config.VibrationWarningG && trend > d.config.VibrationTrendLimit
}

// DetectEnvironmentalAnomaly flags out-of-band temperature, high humidity
// or a rapid temperature swing.
func (d *Detector) DetectEnvironmentalAnomaly(temperature, humidity, tempVariance float64) bool {
	switch {
	case temperature < d.config.TempMinC || temperature > d.config.TempMaxC:
		return true
	case humidity > d.config.HumidityMaxPct:
		return true
	case tempVariance > d.config.TempVarianceLimit:
		return true
	}
	return false
}
