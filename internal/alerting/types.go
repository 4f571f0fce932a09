package alerting

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies what an alert is about. Values are stable and appear on
// the wire as integers in acknowledgment events.
type Type int

const (
	TypeNone Type = iota
	SpeedAnomaly
	JamDetected
	VibrationHigh
	Environmental
	SensorFailure
	CommFailure
)

// Types lists every real alert type in wire order.
var Types = []Type{SpeedAnomaly, JamDetected, VibrationHigh, Environmental, SensorFailure, CommFailure}

// String returns the wire name of the alert type.
func (t Type) String() string {
	switch t {
	case SpeedAnomaly:
		return "speed_anomaly"
	case JamDetected:
		return "jam_detected"
	case VibrationHigh:
		return "vibration_high"
	case Environmental:
		return "environmental"
	case SensorFailure:
		return "sensor_failure"
	case CommFailure:
		return "comm_failure"
	default:
		return "none"
	}
}

// ParseType maps a wire name back to its Type.
func ParseType(name string) (Type, bool) {
	for _, t := range Types {
		if t.String() == name {
			return t, true
		}
	}
	return TypeNone, false
}

// Level is alert severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// baseLevel is the severity of a type before escalation.
func baseLevel(t Type) Level {
	switch t {
	case JamDetected, SensorFailure, CommFailure:
		return LevelCritical
	case SpeedAnomaly, VibrationHigh:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// Alert is one tracked alert record.
type Alert struct {
	ID           uuid.UUID `json:"id"`
	Type         Type      `json:"type"`
	Level        Level     `json:"level"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
	Sent         bool      `json:"sent"`
}

// Pending reports whether the alert still needs delivery.
func (a Alert) Pending() bool { return !a.Sent && !a.Acknowledged }

// Sender delivers alerts and events. A non-nil error means the delivery
// did not happen and will be retried on a later cycle.
type Sender interface {
	SendEvent(ctx context.Context, name string, payload any) error
	SendAlert(ctx context.Context, a Alert) error
}

// Event names an alert lifecycle transition reported to observers.
type Event string

const (
	EventTriggered    Event = "triggered"
	EventUpdated      Event = "updated"
	EventSuppressed   Event = "suppressed"
	EventDropped      Event = "dropped"
	EventSent         Event = "sent"
	EventSendFailed   Event = "send_failed"
	EventAcknowledged Event = "acknowledged"
	EventCleared      Event = "cleared"
)

// Observer is notified of every lifecycle transition. Calls happen while
// the handler is mid-operation and must not call back into it.
type Observer interface {
	OnAlert(event Event, a Alert)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event Event, a Alert)

func (f ObserverFunc) OnAlert(event Event, a Alert) { f(event, a) }

// AckEvent is the event name emitted on acknowledgment.
const AckEvent = "alert.acknowledged"

// AckPayload is the acknowledgment event body.
type AckPayload struct {
	AlertType int    `json:"alert_type"`
	Alert     string `json:"alert"`
	Action    string `json:"action"`
}
