package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flexforge/conveyor/internal/journal"
)

type memSource struct {
	recs []journal.TelemetryRecord
}

func (m *memSource) Telemetry(_ context.Context, since time.Time, limit int) ([]journal.TelemetryRecord, error) {
	var out []journal.TelemetryRecord
	for _, r := range m.recs {
		if r.Time.Before(since) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    []error
}

func (m *memStore) Put(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fail) > 0 {
		err := m.fail[0]
		m.fail = m.fail[1:]
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSource(n int) (*memSource, time.Time) {
	base := time.Date(2025, 2, 1, 6, 0, 0, 0, time.UTC)
	src := &memSource{}
	for i := 0; i < n; i++ {
		body, _ := json.Marshal(map[string]any{"speed_rpm": 60.0 + float64(i)/10, "parts_per_min": 30})
		src.recs = append(src.recs, journal.TelemetryRecord{
			ID:   int64(i + 1),
			Time: base.Add(time.Duration(i) * time.Minute),
			Body: body,
		})
	}
	return src, base
}

func TestArchiver_RoundTrip(t *testing.T) {
	src, base := sampleSource(5)
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	a := NewArchiver(cfg, "LINE_001", src, store, quietLogger())
	ctx := context.Background()

	res, err := a.Archive(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if res.Records != 3 {
		t.Fatalf("expected 3 records in first batch, got %d", res.Records)
	}
	last := base.Add(2 * time.Minute)
	wantKey := "conveyor/LINE_001/" + strconv.FormatInt(last.Unix(), 10) + ".jsonl.sz"
	if res.Key != wantKey {
		t.Errorf("key = %q, want %q", res.Key, wantKey)
	}
	if !res.Next.After(last) {
		t.Errorf("cursor %v should be past %v", res.Next, last)
	}

	lines, err := Decode(store.objects[res.Key], "")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(lines) != 3 || !lines[0].Time.Equal(base) {
		t.Fatalf("unexpected lines %+v", lines)
	}

	res2, err := a.Archive(ctx, res.Next)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Records != 2 {
		t.Errorf("expected remaining 2 records, got %d", res2.Records)
	}

	res3, err := a.Archive(ctx, res2.Next)
	if err != nil {
		t.Fatal(err)
	}
	if res3.Records != 0 || res3.Key != "" || !res3.Next.Equal(res2.Next) {
		t.Errorf("empty batch should be a no-op, got %+v", res3)
	}
	if len(store.objects) != 2 {
		t.Errorf("expected 2 objects, got %d", len(store.objects))
	}
}

func TestArchiver_Encrypted(t *testing.T) {
	src, _ := sampleSource(2)
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.Password = "line-secret"
	a := NewArchiver(cfg, "LINE_001", src, store, quietLogger())

	res, err := a.Archive(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(res.Key, ".jsonl.sz.enc") {
		t.Errorf("encrypted key should carry .enc, got %q", res.Key)
	}
	blob := store.objects[res.Key]
	if !IsEncrypted(blob) {
		t.Fatal("object should be encrypted")
	}

	if _, err := Decode(blob, ""); err == nil {
		t.Error("expected error without password")
	}
	if _, err := Decode(blob, "wrong"); !errors.Is(err, ErrBadPassword) {
		t.Errorf("expected ErrBadPassword, got %v", err)
	}
	lines, err := Decode(blob, "line-secret")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Errorf("expected 2 lines, got %d", len(lines))
	}
}

func TestArchiver_RetriesUpload(t *testing.T) {
	src, _ := sampleSource(1)
	store := &memStore{fail: []error{errors.New("connection reset by peer")}}
	a := NewArchiver(DefaultConfig(), "LINE_001", src, store, quietLogger())

	res, err := a.Archive(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("transient failure should be retried: %v", err)
	}
	if _, ok := store.objects[res.Key]; !ok {
		t.Error("object not stored after retry")
	}
}

func TestArchiver_UploadFailureKeepsCursor(t *testing.T) {
	src, _ := sampleSource(1)
	store := &memStore{fail: []error{errors.New("access denied")}}
	a := NewArchiver(DefaultConfig(), "LINE_001", src, store, quietLogger())

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := a.Archive(context.Background(), since)
	if err == nil {
		t.Fatal("expected upload error")
	}
	if !res.Next.Equal(since) {
		t.Errorf("cursor should not advance on failure, got %v", res.Next)
	}
}

func TestEncryptor_SaltPerObject(t *testing.T) {
	enc := NewEncryptor("pw")
	a, err := enc.Seal([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Seal([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(b) {
		t.Error("two seals of the same plaintext should differ")
	}
	if NewEncryptor("") != nil {
		t.Error("empty password should disable encryption")
	}
	if IsEncrypted([]byte("plain")) {
		t.Error("short plaintext reported as encrypted")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled config should validate: %v", err)
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing bucket")
	}
	cfg.Bucket = "telemetry"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestS3Store_Put(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewS3Store(context.Background(), Config{
		Bucket:          "archive",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), "conveyor/LINE_001/1.jsonl.sz", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if path != "/archive/conveyor/LINE_001/1.jsonl.sz" {
		t.Errorf("path = %s", path)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), Config{}); err == nil {
		t.Error("expected error for missing bucket")
	}
}
