package conveyor_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/flexforge/conveyor"
)

type noteCollector struct {
	mu    sync.Mutex
	notes []conveyor.Note
}

var _ conveyor.Publisher = (*noteCollector)(nil)

func (c *noteCollector) Publish(_ context.Context, n conveyor.Note) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

func (c *noteCollector) Close() error { return nil }

func TestWithPublisher_CustomUplink(t *testing.T) {
	cfg := conveyor.DefaultConfig()
	cfg.Journal.Path = ""
	cfg.Transport.Device = "LINE_042"
	c := &noteCollector{}

	m, err := conveyor.New(cfg,
		conveyor.WithPublisher(c),
		conveyor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Close() }()

	hot := conveyor.SystemState{
		ConveyorRunning: true,
		SpeedRPM:        60,
		PartsPerMinute:  30,
		VibrationLevel:  0.8,
		Temperature:     45,
		Humidity:        45,
	}
	if err := m.Tick(context.Background(), hot); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var telemetry, alerts int
	for _, n := range c.notes {
		if n.Device != "LINE_042" {
			t.Errorf("note not stamped with the device: %+v", n)
		}
		switch n.File {
		case conveyor.FileTelemetry:
			telemetry++
		case conveyor.FileAlerts:
			if a, ok := n.Body.(conveyor.AlertNote); !ok || a.Alert != "environmental" {
				t.Errorf("unexpected alert body %+v", n.Body)
			}
			alerts++
		}
	}
	if telemetry != 1 || alerts != 1 {
		t.Errorf("got %d telemetry and %d alert notes, want 1 and 1", telemetry, alerts)
	}
}
