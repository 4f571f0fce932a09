package conveyor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flexforge/conveyor/internal/alerting"
	"github.com/flexforge/conveyor/internal/archive"
	"github.com/flexforge/conveyor/internal/journal"
	"github.com/flexforge/conveyor/internal/model"
	"github.com/flexforge/conveyor/internal/processor"
	"github.com/flexforge/conveyor/internal/remotewrite"
	"github.com/flexforge/conveyor/internal/sensor"
	"github.com/flexforge/conveyor/internal/transport"
)

// Monitor is the outer loop: it feeds snapshots through the processing
// core, raises and delivers alerts, and publishes telemetry. Tick,
// Acknowledge and Clear are serialized by one mutex. Readers such as
// Status and Alerts use the view those calls leave behind and never wait
// on a delivery.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	proc    *processor.Processor
	alerts  *alerting.Handler
	gateway *transport.Gateway
	hub     *transport.Hub
	journal *journal.Journal
	metrics *Metrics
	errors  *ErrorTracker

	remote   *remotewrite.Exporter
	archiver *archive.Archiver

	now    func() time.Time
	logger *slog.Logger

	state         model.SystemState
	snapshot      processor.Snapshot
	ticks         uint64
	lastJam       time.Time
	lastTelemetry time.Time
	closed        bool

	archiveMu     sync.Mutex
	archiveCursor time.Time

	viewMu sync.RWMutex
	view   monitorView
}

// monitorView is the read-side copy of the tick state.
type monitorView struct {
	ticks     uint64
	state     model.SystemState
	snapshot  processor.Snapshot
	stability float64
	alerts    []AlertView
	active    int
}

type monitorOptions struct {
	now        func() time.Time
	logger     *slog.Logger
	publisher  transport.Publisher
	store      archive.ObjectStore
	httpClient *http.Client
}

// Option configures a Monitor.
type Option func(*monitorOptions)

// WithClock sets the time source shared by every component.
func WithClock(now func() time.Time) Option {
	return func(o *monitorOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *monitorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPublisher replaces the uplink selected by Config.Transport.Kind.
func WithPublisher(p Publisher) Option {
	return func(o *monitorOptions) { o.publisher = p }
}

// WithObjectStore replaces the S3 store used for archives.
func WithObjectStore(s archive.ObjectStore) Option {
	return func(o *monitorOptions) { o.store = s }
}

// WithHTTPClient sets the client used for remote-write pushes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *monitorOptions) { o.httpClient = c }
}

// New validates cfg and builds a monitor.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withSharedThresholds()
	o := monitorOptions{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Monitor{
		cfg:     cfg,
		metrics: NewMetrics(),
		errors:  NewErrorTracker(),
		now:     o.now,
		logger:  o.logger,
	}
	m.proc = processor.New(cfg.processorConfig(),
		processor.WithClock(o.now),
		processor.WithLogger(o.logger))

	gwOpts := []transport.Option{transport.WithClock(o.now)}
	if cfg.HTTP.Enabled {
		m.hub = transport.NewHub(o.logger)
		gwOpts = append(gwOpts, transport.WithMirror(m.hub))
	}
	if o.publisher != nil {
		gwOpts = append(gwOpts,
			transport.WithDevice(cfg.Transport.Device),
			transport.WithRetry(cfg.Transport.Retry),
			transport.WithLogger(o.logger))
		if cfg.Transport.BreakerFailures > 0 {
			gwOpts = append(gwOpts, transport.WithBreaker(cfg.Transport.BreakerFailures, cfg.Transport.BreakerReset))
		}
		m.gateway = transport.NewGateway(o.publisher, gwOpts...)
	} else {
		gw, err := transport.New(cfg.Transport, o.logger, gwOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, NewError(ErrorGatewayInitFailed, cfg.Transport.Kind, err))
		}
		m.gateway = gw
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			_ = m.gateway.Close()
			return nil, err
		}
		m.journal = j
	}

	m.alerts = alerting.NewHandler(cfg.Alerts,
		alerting.WithSender(gatewaySender{m.gateway}),
		alerting.WithObserver(alerting.ObserverFunc(m.onAlert)),
		alerting.WithClock(o.now),
		alerting.WithLogger(o.logger))

	if cfg.RemoteWrite.Enabled {
		m.remote = remotewrite.New(cfg.RemoteWrite, cfg.Transport.Device, o.httpClient, o.logger)
	}
	if cfg.Archive.Enabled {
		store := o.store
		if store == nil {
			s3, err := archive.NewS3Store(context.Background(), cfg.Archive)
			if err != nil {
				_ = m.Close()
				return nil, err
			}
			store = s3
		}
		m.archiver = archive.NewArchiver(cfg.Archive, cfg.Transport.Device, m.journal, store, o.logger)
	}

	o.logger.Info("monitor started",
		"device", cfg.Transport.Device,
		"gateway", cfg.Transport.Kind,
		"journal", cfg.Journal.Path != "",
		"archive", cfg.Archive.Enabled,
		"remote_write", cfg.RemoteWrite.Enabled)
	return m, nil
}

// gatewaySender adapts the gateway to the alert handler.
type gatewaySender struct{ gw *transport.Gateway }

func (s gatewaySender) SendEvent(ctx context.Context, name string, payload any) error {
	return s.gw.SendEvent(ctx, name, payload)
}

func (s gatewaySender) SendAlert(ctx context.Context, a alerting.Alert) error {
	return s.gw.SendAlert(ctx, transport.AlertNote{
		ID:      a.ID.String(),
		Alert:   a.Type.String(),
		Message: a.Message,
		Level:   int(a.Level),
		Time:    a.Timestamp.Unix(),
	})
}

// onAlert runs inside the handler, under m.mu.
func (m *Monitor) onAlert(event alerting.Event, a alerting.Alert) {
	m.metrics.OnAlert(event, a)
	switch event {
	case alerting.EventDropped:
		m.errors.Record(NewError(ErrorBufferOverflow, a.Type.String(), ErrAlertTableFull), m.now())
	case alerting.EventSuppressed:
		m.logger.Debug("alert suppressed", "type", a.Type.String())
		return
	}
	if m.journal == nil {
		return
	}
	err := m.journal.RecordAlertEvent(context.Background(), journal.AlertEvent{
		Time:    m.now(),
		AlertID: a.ID.String(),
		Type:    a.Type.String(),
		Level:   a.Level.String(),
		Event:   string(event),
		Message: a.Message,
	})
	if err != nil {
		m.logger.Warn("journal alert event failed", "event", string(event), "err", err)
	}
}

// Tick runs one processing cycle on s.
func (m *Monitor) Tick(ctx context.Context, s model.SystemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	start := m.now()

	s, fixed := model.Sanitize(s)
	if len(fixed) > 0 {
		m.metrics.observeSanitized(fixed)
		m.errors.Record(NewError(ErrorSensorDataInvalid, fmt.Sprint(fixed), nil), start)
		m.logger.Warn("sanitized snapshot", "fields", fixed)
	}

	m.proc.Update(s)
	m.alerts.ProcessAlerts(s)
	m.detect(s)
	if m.proc.IsJamDetected() {
		m.lastJam = start
	}
	s.LastJamTime = m.lastJam
	m.state = s
	m.snapshot = m.proc.Snapshot()
	m.ticks++
	m.publishLocked()
	defer m.publishLocked()

	telemetryDue := m.lastTelemetry.IsZero() || start.Sub(m.lastTelemetry) >= m.cfg.Loop.TelemetryInterval
	if m.alerts.HasPendingAlerts() || telemetryDue {
		if err := m.alerts.SendPendingAlerts(ctx); err != nil {
			m.deliveryFailed(transport.FileAlerts, err)
		}
	}
	if telemetryDue {
		m.lastTelemetry = start
		m.sendTelemetry(ctx, start)
	}

	m.metrics.observeTick(s, m.snapshot, m.alerts.ActiveCount(), m.now().Sub(start))
	return nil
}

// publishLocked refreshes the read-side view. The caller holds m.mu.
func (m *Monitor) publishLocked() {
	v := monitorView{
		ticks:     m.ticks,
		state:     m.state,
		snapshot:  m.snapshot,
		stability: m.proc.SpeedStability(),
		alerts:    alertViews(m.alerts.ActiveAlerts()),
		active:    m.alerts.ActiveCount(),
	}
	m.viewMu.Lock()
	m.view = v
	m.viewMu.Unlock()
}

func (v monitorView) alertsCopy() []AlertView {
	out := make([]AlertView, len(v.alerts))
	copy(out, v.alerts)
	return out
}

func (m *Monitor) currentView() monitorView {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view
}

// detect polls the detectors and raises the matching alerts.
func (m *Monitor) detect(s model.SystemState) {
	if m.proc.DetectSpeedAnomaly() {
		m.alerts.TriggerAlert(alerting.SpeedAnomaly, fmt.Sprintf(
			"Speed anomaly: %.1f RPM (expected %.1f)", m.proc.AverageSpeed(), m.cfg.Anomaly.NominalSpeedRPM))
	}
	if m.proc.DetectJam() {
		m.alerts.TriggerAlert(alerting.JamDetected, fmt.Sprintf(
			"Conveyor jam detected for %d s", int(m.proc.JamDuration()/time.Second)))
	}
	if m.proc.DetectVibrationAnomaly() {
		m.alerts.TriggerAlert(alerting.VibrationHigh, fmt.Sprintf(
			"High vibration: %.2f g (trend %+.4f)", s.VibrationLevel, m.proc.VibrationTrend()))
	}
	if m.proc.DetectEnvironmentalAnomaly() {
		m.alerts.TriggerAlert(alerting.Environmental, fmt.Sprintf(
			"Environmental: %.1f C, %.1f%% RH", s.Temperature, s.Humidity))
	}
}

func (m *Monitor) sendTelemetry(ctx context.Context, ts time.Time) {
	body := FormatTelemetry(m.state, m.snapshot, m.proc.SpeedStability(), m.alerts.ActiveCount())
	if m.journal != nil {
		if err := m.journal.RecordTelemetry(ctx, ts, body); err != nil {
			m.logger.Warn("journal telemetry failed", "err", err)
		}
	}
	if err := m.gateway.SendTelemetry(ctx, body); err != nil {
		m.deliveryFailed(transport.FileTelemetry, err)
	}
}

// deliveryFailed records a gateway failure and raises CommFailure. The
// CommFailure alert itself stays pending until the link recovers.
func (m *Monitor) deliveryFailed(file string, err error) {
	m.metrics.observeSendError(file)
	m.errors.Record(NewError(ErrorGatewaySendFailed, file, err), m.now())
	m.logger.Warn("gateway delivery failed", "file", file, "breaker", m.gateway.BreakerState(), "err", err)
	m.alerts.TriggerAlert(alerting.CommFailure, "Gateway delivery failed: "+file)
}

// SensorFailed records a failed snapshot read and raises SensorFailure.
func (m *Monitor) SensorFailed(ctx context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	defer m.publishLocked()
	m.metrics.observeSensorError()
	m.errors.Record(NewError(ErrorSensorReadTimeout, "", err), m.now())
	m.logger.Warn("sensor read failed", "err", err)
	if m.alerts.TriggerAlert(alerting.SensorFailure, "Sensor read failed: "+err.Error()) {
		if err := m.alerts.SendPendingAlerts(ctx); err != nil {
			m.deliveryFailed(transport.FileAlerts, err)
		}
	}
}

// Acknowledge acknowledges the open alert of type t. The acknowledgment
// holds even when the event could not be delivered; that error is
// returned wrapped in ErrDeliveryFailed.
func (m *Monitor) Acknowledge(ctx context.Context, t alerting.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	defer m.publishLocked()
	err := m.alerts.AcknowledgeAlert(ctx, t)
	if errors.Is(err, alerting.ErrNoOpenAlert) {
		return err
	}
	if err != nil {
		m.deliveryFailed(transport.FileEvents, err)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return nil
}

// Clear removes every record of type t.
func (m *Monitor) Clear(t alerting.Type) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	defer m.publishLocked()
	return m.alerts.ClearAlert(t), nil
}

// Alerts returns the alert table as of the last tick or operator call.
func (m *Monitor) Alerts() []AlertView {
	return m.currentView().alertsCopy()
}

// Metrics exposes the Prometheus collectors.
func (m *Monitor) Metrics() *Metrics { return m.metrics }

// Errors exposes the fault tracker.
func (m *Monitor) Errors() *ErrorTracker { return m.errors }

// Journal returns the local journal, or nil when disabled.
func (m *Monitor) Journal() *journal.Journal { return m.journal }

// Stream returns the websocket note feed, or nil when HTTP is disabled.
func (m *Monitor) Stream() *transport.Hub { return m.hub }

// AlertView is the operator-facing form of an alert.
type AlertView struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
	Sent         bool      `json:"sent"`
}

func alertViews(in []alerting.Alert) []AlertView {
	out := make([]AlertView, 0, len(in))
	for _, a := range in {
		out = append(out, AlertView{
			ID:           a.ID.String(),
			Type:         a.Type.String(),
			Level:        a.Level.String(),
			Message:      a.Message,
			Timestamp:    a.Timestamp,
			Acknowledged: a.Acknowledged,
			Sent:         a.Sent,
		})
	}
	return out
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Device         string             `json:"device"`
	Time           time.Time          `json:"time"`
	Ticks          uint64             `json:"ticks"`
	State          model.SystemState  `json:"state"`
	Metrics        processor.Snapshot `json:"metrics"`
	SpeedStability float64            `json:"speed_stability"`
	Alerts         []AlertView        `json:"alerts"`
	ActiveAlerts   int                `json:"active_alerts"`
	Breaker        string             `json:"breaker"`
	Errors         []ErrorRecord      `json:"errors"`
	ErrorCount     int                `json:"error_count"`
	CriticalFault  bool               `json:"critical_fault"`
	Subscribers    int                `json:"subscribers"`
}

// Status returns the monitor status as of the last tick or operator call.
func (m *Monitor) Status() Status {
	v := m.currentView()
	st := Status{
		Device:         m.cfg.Transport.Device,
		Time:           m.now(),
		Ticks:          v.ticks,
		State:          v.state,
		Metrics:        v.snapshot,
		SpeedStability: v.stability,
		Alerts:         v.alertsCopy(),
		ActiveAlerts:   v.active,
		Breaker:        m.gateway.BreakerState(),
		Errors:         m.errors.Recent(0),
		ErrorCount:     m.errors.Count(),
		CriticalFault:  m.errors.HasCritical(),
	}
	if m.hub != nil {
		st.Subscribers = m.hub.Subscribers()
	}
	return st
}

// PushRemoteWrite sends the latest derived metrics to the remote-write
// endpoint. It is a no-op when remote write is disabled.
func (m *Monitor) PushRemoteWrite(ctx context.Context) error {
	if m.remote == nil {
		return nil
	}
	snap, ts := m.currentView().snapshot, m.now()
	if err := m.remote.Push(ctx, snap, ts); err != nil {
		m.errors.Record(NewError(ErrorGatewaySendFailed, "remote_write", err), ts)
		return err
	}
	return nil
}

// Archive uploads journaled telemetry from since until the journal is
// drained and returns every upload made. A zero since continues from the
// previous call.
func (m *Monitor) Archive(ctx context.Context, since time.Time) ([]archive.Result, error) {
	if m.archiver == nil {
		return nil, errors.New("archive is disabled")
	}
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()
	if since.IsZero() {
		since = m.archiveCursor
	}

	var out []archive.Result
	for {
		res, err := m.archiver.Archive(ctx, since)
		if err != nil {
			m.archiveCursor = since
			return out, err
		}
		if res.Records == 0 {
			break
		}
		out = append(out, res)
		since = res.Next
	}
	m.archiveCursor = since
	return out, nil
}

// Run reads snapshots from src every Loop.ProcessInterval and ticks until
// ctx is cancelled or a replay source is exhausted. Remote write, archive
// uploads, journal pruning and the health log run on their own intervals.
// When HTTP is enabled the operator server runs for the lifetime of Run.
func (m *Monitor) Run(ctx context.Context, src sensor.Source) error {
	if m.cfg.HTTP.Enabled {
		srv, err := StartServer(m, m.cfg.HTTP)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
	}

	process := time.NewTicker(m.cfg.Loop.ProcessInterval)
	defer process.Stop()
	health := time.NewTicker(m.cfg.Loop.HealthInterval)
	defer health.Stop()

	var remoteC, archiveC, pruneC <-chan time.Time
	if m.remote != nil {
		t := time.NewTicker(m.cfg.RemoteWrite.Interval)
		defer t.Stop()
		remoteC = t.C
	}
	if m.archiver != nil {
		t := time.NewTicker(m.cfg.Archive.Interval)
		defer t.Stop()
		archiveC = t.C
	}
	if m.journal != nil && m.cfg.Journal.Retention > 0 {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		pruneC = t.C
	}

	m.logger.Info("monitor running", "source", src.Kind(), "interval", m.cfg.Loop.ProcessInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping", "ticks", m.Ticks())
			return nil

		case <-process.C:
			s, err := src.Read(ctx)
			if errors.Is(err, io.EOF) {
				m.logger.Info("sensor source exhausted", "source", src.Kind())
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.SensorFailed(ctx, fmt.Errorf("%w: %w", ErrSensorRead, err))
				continue
			}
			if err := m.Tick(ctx, s); err != nil {
				return err
			}

		case <-health.C:
			m.logHealth()

		case <-remoteC:
			if err := m.PushRemoteWrite(ctx); err != nil {
				m.logger.Warn("remote write failed", "err", err)
			}

		case <-archiveC:
			res, err := m.Archive(ctx, time.Time{})
			if err != nil {
				m.logger.Warn("archive upload failed", "err", err)
			}
			if len(res) > 0 {
				m.logger.Info("archive uploaded", "objects", len(res), "last", res[len(res)-1].Key)
			}

		case <-pruneC:
			n, err := m.journal.Prune(ctx, m.now().Add(-m.cfg.Journal.Retention))
			if err != nil {
				m.logger.Warn("journal prune failed", "err", err)
			} else if n > 0 {
				m.logger.Debug("journal pruned", "rows", n)
			}
		}
	}
}

// Ticks returns the number of completed cycles.
func (m *Monitor) Ticks() uint64 { return m.currentView().ticks }

func (m *Monitor) logHealth() {
	v := m.currentView()
	level := slog.LevelInfo
	if m.errors.HasCritical() {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "health",
		"ticks", v.ticks,
		"breaker", m.gateway.BreakerState(),
		"active_alerts", v.active,
		"errors", m.errors.Count(),
		"last_error", m.errors.Last().String(),
		"efficiency", round(v.snapshot.EfficiencyScore, 1))
}

// Close releases the gateway and the journal. It is safe to call more
// than once.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	if m.gateway != nil {
		errs = append(errs, m.gateway.Close())
	}
	if m.journal != nil {
		errs = append(errs, m.journal.Close())
	}
	m.logger.Info("monitor closed", "ticks", m.ticks)
	return errors.Join(errs...)
}
