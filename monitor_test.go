package conveyor

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flexforge/conveyor/internal/alerting"
	"github.com/flexforge/conveyor/internal/archive"
	"github.com/flexforge/conveyor/internal/sensor"
	"github.com/flexforge/conveyor/internal/testutil"
	"github.com/flexforge/conveyor/internal/transport"
)

type recordingPublisher struct {
	mu    sync.Mutex
	notes []transport.Note
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, n transport.Note) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.notes = append(p.notes, n)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *recordingPublisher) file(name string) []transport.Note {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []transport.Note
	for _, n := range p.notes {
		if n.File == name {
			out = append(out, n)
		}
	}
	return out
}

type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, _ transport.Note) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPublisher) Close() error { return nil }

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStore) Put(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[key] = body
	return nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Transport.Retry.InitialBackoff = time.Millisecond
	cfg.Transport.Retry.MaxBackoff = time.Millisecond
	return cfg
}

func newTestMonitor(t *testing.T, cfg Config, opts ...Option) (*Monitor, *recordingPublisher, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	pub := &recordingPublisher{}
	opts = append([]Option{WithClock(clock.Now), WithPublisher(pub)}, opts...)
	m, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, pub, clock
}

func nominal() SystemState {
	return SystemState{
		ConveyorRunning: true,
		SpeedRPM:        60,
		PartsPerMinute:  30,
		VibrationLevel:  0.8,
		Temperature:     24,
		Humidity:        45,
		Pressure:        1013,
	}
}

func TestMonitor_NominalTick(t *testing.T) {
	m, pub, clock := newTestMonitor(t, testConfig(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := m.Tick(ctx, nominal()); err != nil {
			t.Fatal(err)
		}
		clock.Advance(500 * time.Millisecond)
	}

	tel := pub.file(transport.FileTelemetry)
	if len(tel) != 1 {
		t.Fatalf("expected one telemetry note in the first interval, got %d", len(tel))
	}
	if tel[0].Device != "LINE_001" || tel[0].Sync {
		t.Errorf("unexpected telemetry note %+v", tel[0])
	}
	if n := len(pub.file(transport.FileAlerts)); n != 0 {
		t.Errorf("nominal operation raised %d alerts", n)
	}

	st := m.Status()
	if st.Ticks != 5 || st.ActiveAlerts != 0 || st.Breaker != "closed" {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Metrics.AverageSpeed != 60 {
		t.Errorf("average speed = %v, want 60", st.Metrics.AverageSpeed)
	}

	recs, err := m.Journal().Telemetry(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !strings.Contains(string(recs[0].Body), `"avg_speed_rpm":60`) {
		t.Errorf("unexpected journal telemetry %+v", recs)
	}

	clock.Advance(time.Minute)
	if err := m.Tick(ctx, nominal()); err != nil {
		t.Fatal(err)
	}
	if n := len(pub.file(transport.FileTelemetry)); n != 2 {
		t.Errorf("expected a second telemetry note after the interval, got %d", n)
	}
}

func TestMonitor_StatusDuringSlowDelivery(t *testing.T) {
	pub := &blockingPublisher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m, _, _ := newTestMonitor(t, testConfig(t), WithPublisher(pub))
	release := sync.OnceFunc(func() { close(pub.release) })
	t.Cleanup(release)

	done := make(chan error, 1)
	go func() { done <- m.Tick(context.Background(), nominal()) }()
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	got := make(chan Status, 1)
	go func() { got <- m.Status() }()
	select {
	case st := <-got:
		if st.Ticks != 1 || st.Metrics.AverageSpeed != 60 {
			t.Errorf("status should reflect the tick in flight: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("Status waited on the uplink")
	}

	release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestMonitor_JamLifecycle(t *testing.T) {
	m, pub, clock := newTestMonitor(t, testConfig(t))
	ctx := context.Background()

	jammed := nominal()
	jammed.VibrationLevel = 0.05
	jammed.PartsPerMinute = 0
	for i := 0; i < 25; i++ {
		if err := m.Tick(ctx, jammed); err != nil {
			t.Fatal(err)
		}
		clock.Advance(500 * time.Millisecond)
	}

	alerts := pub.file(transport.FileAlerts)
	if len(alerts) != 1 {
		t.Fatalf("expected one jam alert, got %d", len(alerts))
	}
	note, ok := alerts[0].Body.(transport.AlertNote)
	if !ok {
		t.Fatalf("unexpected alert body %T", alerts[0].Body)
	}
	if note.Alert != "jam_detected" || note.Level != int(alerting.LevelCritical) || !alerts[0].Urgent {
		t.Errorf("unexpected jam alert %+v urgent=%v", note, alerts[0].Urgent)
	}
	if !strings.HasPrefix(note.Message, "Conveyor jam detected for ") {
		t.Errorf("unexpected message %q", note.Message)
	}

	st := m.Status()
	if !st.Metrics.JamDetected || st.State.LastJamTime.IsZero() {
		t.Errorf("status should report the jam: %+v", st.Metrics)
	}

	// Recovery clears the alert.
	if err := m.Tick(ctx, nominal()); err != nil {
		t.Fatal(err)
	}
	if got := m.Alerts(); len(got) != 0 {
		t.Errorf("jam alert should auto-clear, got %+v", got)
	}

	events, err := m.Journal().AlertEvents(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	var seq []string
	for _, e := range events {
		if e.Type == "jam_detected" {
			seq = append(seq, e.Event)
		}
	}
	if strings.Join(seq, ",") != "triggered,sent,cleared" {
		t.Errorf("journaled transitions = %v", seq)
	}
}

func TestMonitor_StartupSpeedAlertIsDelivered(t *testing.T) {
	m, pub, clock := newTestMonitor(t, testConfig(t))
	ctx := context.Background()

	stopped := nominal()
	stopped.ConveyorRunning = false
	stopped.SpeedRPM = 0
	stopped.PartsPerMinute = 0
	if err := m.Tick(ctx, stopped); err != nil {
		t.Fatal(err)
	}
	clock.Advance(500 * time.Millisecond)

	// The reading is on target but the average still lags far behind.
	if err := m.Tick(ctx, nominal()); err != nil {
		t.Fatal(err)
	}
	alerts := pub.file(transport.FileAlerts)
	if len(alerts) != 1 || alerts[0].Body.(transport.AlertNote).Alert != "speed_anomaly" {
		t.Fatalf("expected the speed alert to be delivered, got %+v", alerts)
	}

	// The next on-target reading clears it.
	clock.Advance(500 * time.Millisecond)
	if err := m.Tick(ctx, nominal()); err != nil {
		t.Fatal(err)
	}
	for _, a := range m.Alerts() {
		if a.Type == "speed_anomaly" {
			t.Errorf("speed alert should clear on recovery: %+v", a)
		}
	}
}

func TestMonitor_EnvironmentalAlertHoldsInsideCustomBand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Anomaly.TempMaxC = 35
	m, _, clock := newTestMonitor(t, cfg)
	ctx := context.Background()

	warm := nominal()
	warm.Temperature = 38
	for i := 0; i < 3; i++ {
		if err := m.Tick(ctx, warm); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
		got := m.Alerts()
		if len(got) != 1 || got[0].Type != "environmental" {
			t.Fatalf("tick %d: environmental alert should stay open at 38 C, got %+v", i, got)
		}
	}

	if err := m.Tick(ctx, nominal()); err != nil {
		t.Fatal(err)
	}
	if got := m.Alerts(); len(got) != 0 {
		t.Errorf("alert should clear back inside the band, got %+v", got)
	}
}

func TestMonitor_SyntheticJamHolds(t *testing.T) {
	m, _, clock := newTestMonitor(t, testConfig(t))
	src := sensor.NewSynthetic(sensor.DefaultConfig(), sensor.WithClock(clock.Now))
	ctx := context.Background()

	tick := func() {
		t.Helper()
		clock.Advance(time.Second)
		s, err := src.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Tick(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 30; i++ {
		tick()
	}

	src.ForceJam(true)
	raised := false
	for i := 0; i < 30; i++ {
		tick()
		open := false
		for _, a := range m.Alerts() {
			if a.Type == "jam_detected" {
				open = true
			}
		}
		if raised && !open {
			t.Fatalf("%ds into the jam: jam alert cleared while the belt is still jammed", i+1)
		}
		raised = raised || open
	}
	if !raised {
		t.Fatal("jam alert never raised")
	}

	events, err := m.Journal().AlertEvents(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if e.Type == "jam_detected" && e.Event == "cleared" {
			t.Errorf("unexpected jam clear at %v", e.Time)
		}
	}
}

func TestMonitor_Acknowledge(t *testing.T) {
	m, pub, clock := newTestMonitor(t, testConfig(t))
	ctx := context.Background()

	hot := nominal()
	hot.Temperature = 45
	if err := m.Tick(ctx, hot); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)

	if err := m.Acknowledge(ctx, Environmental); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	events := pub.file(transport.FileEvents)
	if len(events) != 1 {
		t.Fatalf("expected one acknowledgment event, got %d", len(events))
	}
	got := m.Alerts()
	if len(got) != 1 || !got[0].Acknowledged {
		t.Errorf("alert should stay tracked and acknowledged: %+v", got)
	}
	if m.Status().ActiveAlerts != 0 {
		t.Error("acknowledged alerts are not active")
	}

	if err := m.Acknowledge(ctx, Environmental); !errors.Is(err, alerting.ErrNoOpenAlert) {
		t.Errorf("second acknowledgment: expected ErrNoOpenAlert, got %v", err)
	}
	if err := m.Acknowledge(ctx, JamDetected); !errors.Is(err, alerting.ErrNoOpenAlert) {
		t.Errorf("expected ErrNoOpenAlert, got %v", err)
	}
}

func TestMonitor_AcknowledgeDeliveryFailure(t *testing.T) {
	m, pub, _ := newTestMonitor(t, testConfig(t))
	ctx := context.Background()

	hot := nominal()
	hot.Humidity = 95
	if err := m.Tick(ctx, hot); err != nil {
		t.Fatal(err)
	}
	pub.setErr(errors.New("uplink rejected note"))

	err := m.Acknowledge(ctx, Environmental)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	for _, a := range m.Alerts() {
		if a.Type == "environmental" && !a.Acknowledged {
			t.Error("acknowledgment should hold locally")
		}
	}
}

func TestMonitor_CommFailure(t *testing.T) {
	m, pub, clock := newTestMonitor(t, testConfig(t))
	ctx := context.Background()
	pub.setErr(errors.New("uplink rejected note"))

	if err := m.Tick(ctx, nominal()); err != nil {
		t.Fatal(err)
	}

	var comm *AlertView
	for _, a := range m.Alerts() {
		if a.Type == "comm_failure" {
			comm = &a
		}
	}
	if comm == nil || comm.Sent || comm.Level != "critical" {
		t.Fatalf("expected a pending critical comm_failure alert, got %+v", m.Alerts())
	}
	if m.Errors().Last() != ErrorGatewaySendFailed {
		t.Errorf("last error = %v", m.Errors().Last())
	}

	// Once the link is back the pending alert goes out on the next tick.
	pub.setErr(nil)
	clock.Advance(time.Second)
	if err := m.Tick(ctx, nominal()); err != nil {
		t.Fatal(err)
	}
	alerts := pub.file(transport.FileAlerts)
	if len(alerts) != 1 || alerts[0].Body.(transport.AlertNote).Alert != "comm_failure" {
		t.Errorf("expected the comm_failure alert to be delivered, got %+v", alerts)
	}
}

func TestMonitor_SensorFailed(t *testing.T) {
	m, pub, _ := newTestMonitor(t, testConfig(t))

	m.SensorFailed(context.Background(), errors.New("i2c timeout"))

	alerts := pub.file(transport.FileAlerts)
	if len(alerts) != 1 {
		t.Fatalf("expected an immediate sensor_failure alert, got %d", len(alerts))
	}
	note := alerts[0].Body.(transport.AlertNote)
	if note.Alert != "sensor_failure" || !strings.Contains(note.Message, "i2c timeout") {
		t.Errorf("unexpected alert %+v", note)
	}
	if m.Errors().Last() != ErrorSensorReadTimeout {
		t.Errorf("last error = %v", m.Errors().Last())
	}
}

func TestMonitor_SanitizesSnapshot(t *testing.T) {
	m, _, _ := newTestMonitor(t, testConfig(t))

	bad := nominal()
	bad.SpeedRPM = math.NaN()
	bad.Temperature = math.Inf(1)
	if err := m.Tick(context.Background(), bad); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if st.State.SpeedRPM != 0 || st.State.Temperature != 22 {
		t.Errorf("snapshot not sanitized: %+v", st.State)
	}
	if m.Errors().Last() != ErrorSensorDataInvalid {
		t.Errorf("last error = %v, want %v", m.Errors().Last(), ErrorSensorDataInvalid)
	}
}

func TestMonitor_Archive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive.Enabled = true
	cfg.Archive.Bucket = "lines"
	store := &memStore{}
	m, _, clock := newTestMonitor(t, cfg, WithObjectStore(store))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.Tick(ctx, nominal()); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}

	res, err := m.Archive(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Records != 3 {
		t.Fatalf("unexpected archive results %+v", res)
	}
	lines, err := archive.Decode(store.objects[res[0].Key], "")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Errorf("decoded %d lines, want 3", len(lines))
	}

	// The cursor moves past what was uploaded.
	res, err = m.Archive(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Errorf("expected nothing new to archive, got %+v", res)
	}
}

func TestMonitor_ArchiveDisabled(t *testing.T) {
	m, _, _ := newTestMonitor(t, testConfig(t))
	if _, err := m.Archive(context.Background(), time.Time{}); err == nil {
		t.Error("expected an error with archive disabled")
	}
}

func TestMonitor_Closed(t *testing.T) {
	m, _, _ := newTestMonitor(t, testConfig(t))
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := m.Tick(context.Background(), nominal()); !errors.Is(err, ErrClosed) {
		t.Errorf("Tick after Close: expected ErrClosed, got %v", err)
	}
	if err := m.Acknowledge(context.Background(), JamDetected); !errors.Is(err, ErrClosed) {
		t.Errorf("Acknowledge after Close: expected ErrClosed, got %v", err)
	}
}

func TestMonitor_RunReplay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loop.ProcessInterval = time.Millisecond
	pub := &recordingPublisher{}
	m, err := New(cfg, WithPublisher(pub))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Close() }()

	data := `{"running":true,"speed_rpm":60,"parts_per_min":30,"vibration":0.8,"temp":24,"humidity":45}
{"running":true,"speed_rpm":61,"parts_per_min":31,"vibration":0.9,"temp":24,"humidity":45}
{"running":true,"speed_rpm":59,"parts_per_min":29,"vibration":0.7,"temp":24,"humidity":45}
`
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx, sensor.NewReplay(strings.NewReader(data), false)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Ticks() != 3 {
		t.Errorf("ticks = %d, want 3", m.Ticks())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loop.ProcessInterval = 0
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
