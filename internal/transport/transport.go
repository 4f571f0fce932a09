// Package transport delivers events, alerts and telemetry to the uplink
// gateway. Every payload travels as a Note addressed to a notefile, the
// way a cellular notecard queues data: events.qo and alerts.qo sync
// immediately, telemetry.qo waits for the periodic sync.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexforge/conveyor/internal/retry"
)

// Notefiles.
const (
	FileEvents    = "events.qo"
	FileAlerts    = "alerts.qo"
	FileTelemetry = "telemetry.qo"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: gateway closed")

// Note is one queued payload.
type Note struct {
	File   string `json:"file"`
	Sync   bool   `json:"sync"`
	Urgent bool   `json:"urgent,omitempty"`
	Device string `json:"device,omitempty"`
	Body   any    `json:"body"`
}

// AlertNote is the alert as the gateway sees it.
type AlertNote struct {
	ID      string `json:"id,omitempty"`
	Alert   string `json:"alert"`
	Message string `json:"message"`
	Level   int    `json:"level"`
	Time    int64  `json:"time"`
}

// Critical alerts are flagged urgent.
const criticalLevel = 2

type eventBody struct {
	Event string `json:"event"`
	Time  int64  `json:"time"`
	Data  any    `json:"data,omitempty"`
}

type telemetryBody struct {
	Time int64 `json:"time"`
	Data any   `json:"data"`
}

// Publisher moves one note over a concrete link.
type Publisher interface {
	Publish(ctx context.Context, n Note) error
	Close() error
}

// Gateway turns events, alerts and telemetry into notes and publishes them
// with bounded retries behind a circuit breaker. Mirrors receive a
// best-effort copy of every note. It is safe for concurrent use if the
// publishers are.
type Gateway struct {
	pub     Publisher
	mirrors []Publisher
	device  string
	retryer *retry.Retryer
	breaker *retry.Breaker
	now     func() time.Time
	logger  *slog.Logger

	breakerFailures int
	breakerReset    time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDevice stamps every note with a device identifier.
func WithDevice(id string) Option {
	return func(g *Gateway) { g.device = id }
}

// WithMirror adds a best-effort publisher such as the live Hub.
func WithMirror(p Publisher) Option {
	return func(g *Gateway) {
		if p != nil {
			g.mirrors = append(g.mirrors, p)
		}
	}
}

// WithRetry replaces the retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(g *Gateway) {
		if cfg.RetryIf == nil {
			cfg.RetryIf = retry.IsRetryable
		}
		g.retryer = retry.New(cfg)
	}
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(maxFailures int, reset time.Duration) Option {
	return func(g *Gateway) { g.breakerFailures, g.breakerReset = maxFailures, reset }
}

// WithClock replaces time.Now for note timestamps and breaker timing.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway wraps a publisher.
func NewGateway(pub Publisher, opts ...Option) *Gateway {
	g := &Gateway{
		pub:     pub,
		retryer: retry.New(retry.DefaultConfig()),
		now:     time.Now,
		logger:  slog.Default(),

		breakerFailures: 5,
		breakerReset:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = retry.NewBreaker(g.breakerFailures, g.breakerReset, retry.WithBreakerClock(g.now))
	return g
}

// SendEvent queues a named event for immediate sync.
func (g *Gateway) SendEvent(ctx context.Context, name string, payload any) error {
	return g.send(ctx, Note{
		File: FileEvents,
		Sync: true,
		Body: eventBody{Event: name, Time: g.now().Unix(), Data: payload},
	})
}

// SendAlert queues an alert for immediate sync; critical alerts are urgent.
func (g *Gateway) SendAlert(ctx context.Context, a AlertNote) error {
	if a.Time == 0 {
		a.Time = g.now().Unix()
	}
	return g.send(ctx, Note{
		File:   FileAlerts,
		Sync:   true,
		Urgent: a.Level >= criticalLevel,
		Body:   a,
	})
}

// SendTelemetry queues a telemetry record for the periodic sync.
func (g *Gateway) SendTelemetry(ctx context.Context, data any) error {
	return g.send(ctx, Note{
		File: FileTelemetry,
		Body: telemetryBody{Time: g.now().Unix(), Data: data},
	})
}

// BreakerState reports the circuit breaker state.
func (g *Gateway) BreakerState() string { return g.breaker.State() }

func (g *Gateway) send(ctx context.Context, n Note) error {
	n.Device = g.device
	for _, m := range g.mirrors {
		if err := m.Publish(ctx, n); err != nil {
			g.logger.Debug("mirror publish failed", "file", n.File, "err", err)
		}
	}
	err := g.breaker.Execute(func() error {
		return g.retryer.Do(ctx, func() error { return g.pub.Publish(ctx, n) }).LastErr
	})
	if err != nil {
		return fmt.Errorf("transport: publish %s: %w", n.File, err)
	}
	return nil
}

// Close closes the publisher and every mirror.
func (g *Gateway) Close() error {
	errs := []error{g.pub.Close()}
	for _, m := range g.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
