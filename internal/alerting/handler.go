// Package alerting implements the alert lifecycle: creation with
// suppression and escalation, acknowledgment, auto-clear on recovery and
// level-triggered delivery through a Sender.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/flexforge/conveyor/internal/model"
)

// ErrNoOpenAlert is returned when acknowledging a type with no open alert.
var ErrNoOpenAlert = errors.New("alerting: no open alert of that type")

// Config holds the lifecycle policy.
type Config struct {
	// MaxAlerts bounds the tracked records. Triggers for new types beyond
	// it are dropped.
	MaxAlerts int `yaml:"max_alerts"`

	// SuppressWindow rate-limits repeats of non-critical types;
	// CriticalSuppressWindow applies to critical ones.
	SuppressWindow         time.Duration `yaml:"suppress_window"`
	CriticalSuppressWindow time.Duration `yaml:"critical_suppress_window"`

	// Occurrence counts above which a type escalates.
	EscalateWarningAfter  int `yaml:"escalate_warning_after"`
	EscalateCriticalAfter int `yaml:"escalate_critical_after"`

	// Recovery bounds used by auto-clear. They must match the detector
	// thresholds that raise the alerts, so they are not read from YAML.
	NominalSpeedRPM   float64 `yaml:"-"`
	SpeedTolerancePct float64 `yaml:"-"`
	TempMinC          float64 `yaml:"-"`
	TempMaxC          float64 `yaml:"-"`
	HumidityMaxPct    float64 `yaml:"-"`
}

// DefaultConfig returns the factory policy.
func DefaultConfig() Config {
	return Config{
		MaxAlerts:              10,
		SuppressWindow:         60 * time.Second,
		CriticalSuppressWindow: 5 * time.Second,
		EscalateWarningAfter:   3,
		EscalateCriticalAfter:  5,
		NominalSpeedRPM:        60,
		SpeedTolerancePct:      10,
		TempMinC:               10,
		TempMaxC:               40,
		HumidityMaxPct:         80,
	}
}

// Handler tracks alerts. It is not safe for concurrent use; the caller
// serializes ticks and operator input.
type Handler struct {
	cfg      Config
	sender   Sender
	observer Observer
	now      func() time.Time
	logger   *slog.Logger

	alerts      []Alert
	lastAlert   map[Type]time.Time
	occurrences map[Type]int
}

// Option configures a Handler.
type Option func(*Handler)

// WithSender sets the delivery target. Without one, deliveries are not
// attempted and alerts stay pending.
func WithSender(s Sender) Option {
	return func(h *Handler) { h.sender = s }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a handler. Non-positive config values fall back to
// DefaultConfig.
func NewHandler(cfg Config, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}
	if cfg.SuppressWindow <= 0 {
		cfg.SuppressWindow = def.SuppressWindow
	}
	if cfg.CriticalSuppressWindow <= 0 {
		cfg.CriticalSuppressWindow = def.CriticalSuppressWindow
	}
	if cfg.EscalateWarningAfter <= 0 {
		cfg.EscalateWarningAfter = def.EscalateWarningAfter
	}
	if cfg.EscalateCriticalAfter <= 0 {
		cfg.EscalateCriticalAfter = def.EscalateCriticalAfter
	}
	if cfg.NominalSpeedRPM <= 0 {
		cfg.NominalSpeedRPM = def.NominalSpeedRPM
	}
	if cfg.SpeedTolerancePct <= 0 {
		cfg.SpeedTolerancePct = def.SpeedTolerancePct
	}
	if cfg.TempMaxC <= cfg.TempMinC {
		cfg.TempMinC, cfg.TempMaxC = def.TempMinC, def.TempMaxC
	}
	if cfg.HumidityMaxPct <= 0 {
		cfg.HumidityMaxPct = def.HumidityMaxPct
	}

	h := &Handler{
		cfg:         cfg,
		now:         time.Now,
		logger:      slog.Default(),
		alerts:      make([]Alert, 0, cfg.MaxAlerts),
		lastAlert:   make(map[Type]time.Time),
		occurrences: make(map[Type]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the effective policy.
func (h *Handler) Config() Config { return h.cfg }

// TriggerAlert raises an alert of type t. It reports whether the trigger
// was accepted; suppressed and dropped triggers return false.
func (h *Handler) TriggerAlert(t Type, message string) bool {
	now := h.now()
	level := h.determineLevel(t)

	if h.shouldSuppress(t, level, now) {
		h.notify(EventSuppressed, Alert{Type: t, Level: level, Message: message, Timestamp: now})
		return false
	}

	h.lastAlert[t] = now
	h.occurrences[t]++

	if i := h.openIndex(t); i >= 0 {
		a := &h.alerts[i]
		a.Message = message
		a.Timestamp = now
		a.Sent = false
		h.notify(EventUpdated, *a)
		return true
	}

	if len(h.alerts) >= h.cfg.MaxAlerts {
		h.logger.Warn("alert table full, dropping alert", "type", t.String(), "max", h.cfg.MaxAlerts)
		h.notify(EventDropped, Alert{Type: t, Level: level, Message: message, Timestamp: now})
		return false
	}

	a := Alert{
		ID:        uuid.New(),
		Type:      t,
		Level:     level,
		Message:   message,
		Timestamp: now,
	}
	h.alerts = append(h.alerts, a)
	h.logger.Info("alert raised", "type", t.String(), "level", level.String(), "message", message)
	h.notify(EventTriggered, a)
	return true
}

// determineLevel escalates a type's base severity by its occurrence count.
func (h *Handler) determineLevel(t Type) Level {
	base := baseLevel(t)
	n := h.occurrences[t]
	switch {
	case n > h.cfg.EscalateCriticalAfter && base < LevelCritical:
		return LevelCritical
	case n > h.cfg.EscalateWarningAfter && base < LevelWarning:
		return LevelWarning
	}
	return base
}

func (h *Handler) shouldSuppress(t Type, level Level, now time.Time) bool {
	last, ok := h.lastAlert[t]
	if !ok {
		return false
	}
	window := h.cfg.SuppressWindow
	if level == LevelCritical {
		window = h.cfg.CriticalSuppressWindow
	}
	return now.Sub(last) < window
}

// AcknowledgeAlert marks the open alert of type t acknowledged and emits an
// acknowledgment event. The record is acknowledged even when the event
// cannot be delivered; the delivery error is returned.
func (h *Handler) AcknowledgeAlert(ctx context.Context, t Type) error {
	i := h.openIndex(t)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNoOpenAlert, t)
	}
	h.alerts[i].Acknowledged = true
	h.logger.Info("alert acknowledged", "type", t.String(), "message", h.alerts[i].Message)
	h.notify(EventAcknowledged, h.alerts[i])

	if h.sender == nil {
		return nil
	}
	payload := AckPayload{AlertType: int(t), Alert: t.String(), Action: "acknowledged"}
	if err := h.sender.SendEvent(ctx, AckEvent, payload); err != nil {
		return fmt.Errorf("alerting: send acknowledgment: %w", err)
	}
	return nil
}

// ClearAlert removes every record of type t and resets its occurrence
// counter. It reports whether any record was removed.
func (h *Handler) ClearAlert(t Type) bool {
	h.occurrences[t] = 0
	kept := h.alerts[:0]
	removed := false
	for _, a := range h.alerts {
		if a.Type == t {
			removed = true
			h.notify(EventCleared, a)
			continue
		}
		kept = append(kept, a)
	}
	h.alerts = kept
	if removed {
		h.logger.Info("alert cleared", "type", t.String())
	}
	return removed
}

// ProcessAlerts applies the auto-clear rules for the current snapshot.
func (h *Handler) ProcessAlerts(s model.SystemState) {
	if s.ConveyorRunning && s.PartsPerMinute > 0 && h.indexOf(JamDetected) >= 0 {
		h.ClearAlert(JamDetected)
	}

	tolerance := h.cfg.NominalSpeedRPM * h.cfg.SpeedTolerancePct / 100
	if math.Abs(s.SpeedRPM-h.cfg.NominalSpeedRPM) < tolerance {
		h.ClearAlert(SpeedAnomaly)
	}

	if s.Temperature >= h.cfg.TempMinC && s.Temperature <= h.cfg.TempMaxC &&
		s.Humidity <= h.cfg.HumidityMaxPct {
		h.ClearAlert(Environmental)
	}
}

// SendPendingAlerts attempts delivery of every pending alert. Failed alerts
// stay pending for the next call; the returned error joins every failure.
func (h *Handler) SendPendingAlerts(ctx context.Context) error {
	if h.sender == nil {
		return nil
	}
	var errs []error
	for i := range h.alerts {
		a := &h.alerts[i]
		if !a.Pending() {
			continue
		}
		if err := h.sender.SendAlert(ctx, *a); err != nil {
			h.logger.Warn("alert delivery failed", "type", a.Type.String(), "err", err)
			h.notify(EventSendFailed, *a)
			errs = append(errs, fmt.Errorf("%s: %w", a.Type, err))
			continue
		}
		a.Sent = true
		h.notify(EventSent, *a)
	}
	return errors.Join(errs...)
}

// HasPendingAlerts reports whether any alert is unsent and unacknowledged.
func (h *Handler) HasPendingAlerts() bool {
	for _, a := range h.alerts {
		if a.Pending() {
			return true
		}
	}
	return false
}

// ActiveAlerts returns a copy of every tracked record.
func (h *Handler) ActiveAlerts() []Alert {
	out := make([]Alert, len(h.alerts))
	copy(out, h.alerts)
	return out
}

// ActiveCount is the number of unacknowledged alerts.
func (h *Handler) ActiveCount() int {
	n := 0
	for _, a := range h.alerts {
		if !a.Acknowledged {
			n++
		}
	}
	return n
}

// Occurrences returns the escalation counter for t.
func (h *Handler) Occurrences(t Type) int { return h.occurrences[t] }

func (h *Handler) openIndex(t Type) int {
	for i, a := range h.alerts {
		if a.Type == t && !a.Acknowledged {
			return i
		}
	}
	return -1
}

func (h *Handler) indexOf(t Type) int {
	for i, a := range h.alerts {
		if a.Type == t {
			return i
		}
	}
	return -1
}

func (h *Handler) notify(event Event, a Alert) {
	if h.observer != nil {
		h.observer.OnAlert(event, a)
	}
}
