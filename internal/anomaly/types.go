package anomaly

import "time"

// Config holds the classification thresholds.
type Config struct {
	// MinRunningRPM is the speed at or below which the belt counts as stopped.
	MinRunningRPM float64 `yaml:"min_running_rpm"`

	// NominalSpeedRPM and SpeedTolerancePct define the acceptable speed band.
	NominalSpeedRPM   float64 `yaml:"nominal_speed_rpm"`
	SpeedTolerancePct float64 `yaml:"speed_tolerance_pct"`

	// JamVibrationG is the level below which a running belt is suspected jammed.
	JamVibrationG float64 `yaml:"jam_vibration_g"`

	// JamWindow is how long vibration must stay low before a jam is confirmed.
	JamWindow time.Duration `yaml:"jam_window"`

	VibrationWarningG  float64 `yaml:"vibration_warning_g"`
	VibrationCriticalG float64 `yaml:"vibration_critical_g"`

	// VibrationTrendLimit is the rising slope that escalates a warning level.
	VibrationTrendLimit float64 `yaml:"vibration_trend_limit"`

	TempMinC          float64 `yaml:"temp_min_c"`
	TempMaxC          float64 `yaml:"temp_max_c"`
	HumidityMaxPct    float64 `yaml:"humidity_max_pct"`
	TempVarianceLimit float64 `yaml:"temp_variance_limit"`
}

// DefaultConfig returns the factory thresholds.
func DefaultConfig() Config {
	return Config{
		MinRunningRPM:       5.0,
		NominalSpeedRPM:     60.0,
		SpeedTolerancePct:   10.0,
		JamVibrationG:       0.3,
		JamWindow:           10 * time.Second,
		VibrationWarningG:   1.0,
		VibrationCriticalG:  2.0,
		VibrationTrendLimit: 0.01,
		TempMinC:            10.0,
		TempMaxC:            40.0,
		HumidityMaxPct:      80.0,
		TempVarianceLimit:   5.0,
	}
}

// ToleranceRPM is the absolute speed tolerance around nominal.
func (c Config) ToleranceRPM() float64 {
	return c.NominalSpeedRPM * c.SpeedTolerancePct / 100
}

// JamPhase is the jam detector's state.
type JamPhase int

const (
	// JamNormal means vibration is present or the belt is not expected to run.
	JamNormal JamPhase = iota
	// JamLowVibration means the running belt has gone quiet.
	JamLowVibration
)

func (p JamPhase) String() string {
	switch p {
	case JamNormal:
		return "normal"
	case JamLowVibration:
		return "low_vibration"
	default:
		return "unknown"
	}
}

// JamState is a copy of the jam tracking record.
type JamState struct {
	InLowVibration bool      `json:"in_low_vibration"`
	LowSince       time.Time `json:"low_since"`
}
