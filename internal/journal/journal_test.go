package journal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flexforge/conveyor/internal/testutil"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	_, path := testutil.TempDBPath(t)
	j, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_Telemetry(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		body := map[string]any{"speed_rpm": 60 + i}
		if err := j.RecordTelemetry(ctx, base.Add(time.Duration(i)*time.Second), body); err != nil {
			t.Fatal(err)
		}
	}

	all, err := j.Telemetry(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 records, got %d", len(all))
	}
	if !all[0].Time.Equal(base) {
		t.Errorf("expected oldest first, got %v", all[0].Time)
	}

	recent, err := j.Telemetry(ctx, base.Add(3*time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records since cursor, got %d", len(recent))
	}
	var body map[string]float64
	if err := json.Unmarshal(recent[0].Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["speed_rpm"] != 63 {
		t.Errorf("unexpected body %v", body)
	}

	limited, err := j.Telemetry(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestJournal_AlertEvents(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []AlertEvent{
		{Time: now, AlertID: "a1", Type: "jam_detected", Level: "critical", Event: "triggered", Message: "stalled"},
		{Time: now.Add(time.Second), AlertID: "a1", Type: "jam_detected", Level: "critical", Event: "sent", Message: "stalled"},
		{Time: now.Add(2 * time.Second), AlertID: "a1", Type: "jam_detected", Level: "critical", Event: "cleared", Message: "stalled"},
	}
	for _, e := range events {
		if err := j.RecordAlertEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := j.AlertEvents(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Event != events[i].Event || e.AlertID != "a1" || !e.Time.Equal(events[i].Time) {
			t.Errorf("event %d mismatch: %+v", i, e)
		}
		if e.ID == 0 {
			t.Errorf("event %d missing id", i)
		}
	}
}

func TestJournal_Prune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := old.Add(48 * time.Hour)

	_ = j.RecordTelemetry(ctx, old, 1)
	_ = j.RecordTelemetry(ctx, fresh, 2)
	_ = j.RecordAlertEvent(ctx, AlertEvent{Time: old, AlertID: "x", Type: "environmental", Level: "info", Event: "triggered"})

	n, err := j.Prune(ctx, old.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows pruned, got %d", n)
	}
	left, _ := j.Telemetry(ctx, time.Time{}, 0)
	if len(left) != 1 || !left[0].Time.Equal(fresh) {
		t.Errorf("unexpected remaining telemetry %+v", left)
	}
}

func TestJournal_ReopenKeepsData(t *testing.T) {
	_, path := testutil.TempDBPath(t)
	ctx := context.Background()

	j, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	_ = j.RecordTelemetry(ctx, time.Now(), map[string]int{"parts_per_min": 30})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j, err = Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = j.Close() }()
	recs, err := j.Telemetry(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("expected data to persist, got %d records", len(recs))
	}
}

func TestJournal_Closed(t *testing.T) {
	_, path := testutil.TempDBPath(t)
	j, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	_ = j.Close()
	if err := j.RecordTelemetry(context.Background(), time.Now(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}
