// Package model holds the per-cycle sensor snapshot shared by the
// processing core and the outer loop.
package model

import (
	"math"
	"time"
)

// SystemState is one read cycle of the conveyor sensors.
type SystemState struct {
	ConveyorRunning bool      `json:"running" yaml:"running"`
	SpeedRPM        float64   `json:"speed_rpm" yaml:"speed_rpm"`
	PartsPerMinute  int       `json:"parts_per_min" yaml:"parts_per_min"`
	VibrationLevel  float64   `json:"vibration" yaml:"vibration"` // g RMS
	Temperature     float64   `json:"temp" yaml:"temp"`           // °C
	Humidity        float64   `json:"humidity" yaml:"humidity"`   // %
	Pressure        float64   `json:"pressure" yaml:"pressure"`   // hPa
	GasResistance   uint32    `json:"gas_resistance" yaml:"gas_resistance"`
	LastJamTime     time.Time `json:"last_jam_time,omitzero" yaml:"last_jam_time,omitempty"`
	OperatorPresent bool      `json:"operator" yaml:"operator"`
}

// Substitutes used when a reading is not finite.
const (
	DefaultSpeedRPM    = 0.0
	DefaultVibration   = 0.0
	DefaultTemperature = 22.0
	DefaultHumidity    = 50.0
	DefaultPressure    = 1013.25

	MaxSpeedRPM = 200.0
)

// Sanitize replaces non-finite readings with safe defaults and clamps the
// speed to [0, MaxSpeedRPM]. It returns the corrected state and the names
// of the fields that were changed.
func Sanitize(s SystemState) (SystemState, []string) {
	var fixed []string
	fix := func(name string, v *float64, def float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = def
			fixed = append(fixed, name)
		}
	}
	fix("speed_rpm", &s.SpeedRPM, DefaultSpeedRPM)
	fix("vibration", &s.VibrationLevel, DefaultVibration)
	fix("temp", &s.Temperature, DefaultTemperature)
	fix("humidity", &s.Humidity, DefaultHumidity)
	fix("pressure", &s.Pressure, DefaultPressure)

	switch {
	case s.SpeedRPM < 0:
		s.SpeedRPM = 0
		fixed = append(fixed, "speed_rpm")
	case s.SpeedRPM > MaxSpeedRPM:
		s.SpeedRPM = MaxSpeedRPM
		fixed = append(fixed, "speed_rpm")
	}
	if s.VibrationLevel < 0 {
		s.VibrationLevel = 0
		fixed = append(fixed, "vibration")
	}
	if s.PartsPerMinute < 0 {
		s.PartsPerMinute = 0
		fixed = append(fixed, "parts_per_min")
	}
	return s, fixed
}
