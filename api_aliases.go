package conveyor

import (
	"github.com/flexforge/conveyor/internal/alerting"
	"github.com/flexforge/conveyor/internal/model"
	"github.com/flexforge/conveyor/internal/transport"
)

// Aliases for the types callers handle directly, so embedding programs do
// not need the internal packages.

// SystemState is one read cycle of the conveyor sensors.
type SystemState = model.SystemState

// AlertType identifies what an alert is about.
type AlertType = alerting.Type

// AlertLevel is alert severity.
type AlertLevel = alerting.Level

// Publisher is an uplink that accepts notes. Pass one to WithPublisher.
type Publisher = transport.Publisher

// Note is one payload handed to a Publisher.
type Note = transport.Note

// AlertNote is the Body of a note in FileAlerts.
type AlertNote = transport.AlertNote

// Notefiles a Publisher receives.
const (
	FileEvents    = transport.FileEvents
	FileAlerts    = transport.FileAlerts
	FileTelemetry = transport.FileTelemetry
)

// Alert types.
const (
	SpeedAnomaly  = alerting.SpeedAnomaly
	JamDetected   = alerting.JamDetected
	VibrationHigh = alerting.VibrationHigh
	Environmental = alerting.Environmental
	SensorFailure = alerting.SensorFailure
	CommFailure   = alerting.CommFailure
)

// ParseAlertType maps a wire name such as "jam_detected" to its type.
func ParseAlertType(name string) (AlertType, error) {
	t, ok := alerting.ParseType(name)
	if !ok {
		return alerting.TypeNone, ErrUnknownAlertType
	}
	return t, nil
}
