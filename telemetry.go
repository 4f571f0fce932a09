package conveyor

import (
	"math"

	"github.com/flexforge/conveyor/internal/model"
	"github.com/flexforge/conveyor/internal/processor"
)

// Telemetry is the periodic telemetry.qo body: the raw reading plus the
// derived metrics the cloud side charts.
type Telemetry struct {
	SpeedRPM        float64 `json:"speed_rpm"`
	PartsPerMinute  int     `json:"parts_per_min"`
	Vibration       float64 `json:"vibration"`
	Temperature     float64 `json:"temp"`
	Humidity        float64 `json:"humidity"`
	Pressure        float64 `json:"pressure"`
	GasResistance   uint32  `json:"gas_resistance"`
	Running         bool    `json:"running"`
	OperatorPresent bool    `json:"operator"`

	AverageSpeed     float64 `json:"avg_speed_rpm"`
	SpeedStability   float64 `json:"speed_stability"`
	VibrationTrend   float64 `json:"vibration_trend"`
	Efficiency       float64 `json:"efficiency"`
	MaintenanceHours float64 `json:"maintenance_hours"`
	JamActive        bool    `json:"jam"`
	ActiveAlerts     int     `json:"active_alerts"`
}

// FormatTelemetry builds the telemetry body. Readings are rounded to the
// precision of the underlying sensors; s is expected to be sanitized.
func FormatTelemetry(s model.SystemState, snap processor.Snapshot, stability float64, activeAlerts int) Telemetry {
	return Telemetry{
		SpeedRPM:        round(s.SpeedRPM, 1),
		PartsPerMinute:  s.PartsPerMinute,
		Vibration:       round(s.VibrationLevel, 2),
		Temperature:     round(s.Temperature, 1),
		Humidity:        round(s.Humidity, 1),
		Pressure:        round(s.Pressure, 1),
		GasResistance:   s.GasResistance,
		Running:         s.ConveyorRunning,
		OperatorPresent: s.OperatorPresent,

		AverageSpeed:     round(snap.AverageSpeed, 1),
		SpeedStability:   round(stability, 1),
		VibrationTrend:   round(snap.VibrationTrend, 4),
		Efficiency:       round(snap.EfficiencyScore, 1),
		MaintenanceHours: round(snap.MaintenanceHours, 1),
		JamActive:        snap.JamDetected,
		ActiveAlerts:     activeAlerts,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
