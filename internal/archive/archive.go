// Package archive uploads journaled telemetry to object storage as
// snappy-compressed JSON lines, optionally encrypted.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/flexforge/conveyor/internal/journal"
	"github.com/flexforge/conveyor/internal/retry"
)

// Config configures archiving.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// AccessKeyID and SecretAccessKey are optional; the default AWS
	// credential chain is used when they are empty.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`

	// Password enables encryption when set.
	Password string `yaml:"password"`

	// BatchSize caps records per object.
	BatchSize int `yaml:"batch_size"`
}

// DefaultConfig returns archiving disabled with hourly uploads.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Hour,
		Region:    "us-east-1",
		Prefix:    "conveyor",
		BatchSize: 10000,
	}
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	if c.Interval <= 0 {
		return errors.New("archive: interval must be positive")
	}
	return nil
}

// ObjectStore receives archive objects.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Source supplies telemetry to archive; *journal.Journal satisfies it.
type Source interface {
	Telemetry(ctx context.Context, since time.Time, limit int) ([]journal.TelemetryRecord, error)
}

// Result describes one upload.
type Result struct {
	Key     string    `json:"key"`
	Records int       `json:"records"`
	Bytes   int       `json:"bytes"`
	Next    time.Time `json:"next"`
}

// Line is one archived record.
type Line struct {
	Time time.Time       `json:"ts"`
	Body json.RawMessage `json:"body"`
}

// Archiver moves telemetry from a Source into an ObjectStore.
type Archiver struct {
	src       Source
	store     ObjectStore
	enc       *Encryptor
	device    string
	prefix    string
	batchSize int
	retryer   *retry.Retryer
	logger    *slog.Logger
}

// NewArchiver creates an archiver. device names the conveyor in object keys.
func NewArchiver(cfg Config, device string, src Source, store ObjectStore, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		src:       src,
		store:     store,
		enc:       NewEncryptor(cfg.Password),
		device:    device,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		batchSize: cfg.BatchSize,
		retryer:   retry.New(retry.DefaultConfig()),
		logger:    logger,
	}
}

// Archive uploads one batch of records at or after since. Result.Next is
// the cursor for the following call; an empty batch uploads nothing and
// returns since unchanged.
func (a *Archiver) Archive(ctx context.Context, since time.Time) (Result, error) {
	recs, err := a.src.Telemetry(ctx, since, a.batchSize)
	if err != nil {
		return Result{Next: since}, fmt.Errorf("archive: read telemetry: %w", err)
	}
	if len(recs) == 0 {
		return Result{Next: since}, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(Line{Time: r.Time, Body: r.Body}); err != nil {
			return Result{Next: since}, fmt.Errorf("archive: encode: %w", err)
		}
	}

	blob := snappy.Encode(nil, buf.Bytes())
	if a.enc != nil {
		blob, err = a.enc.Seal(blob)
		if err != nil {
			return Result{Next: since}, fmt.Errorf("archive: encrypt: %w", err)
		}
	}

	last := recs[len(recs)-1].Time
	key := a.key(last)
	res := a.retryer.Do(ctx, func() error { return a.store.Put(ctx, key, blob) })
	if res.LastErr != nil {
		return Result{Next: since}, fmt.Errorf("archive: upload %s: %w", key, res.LastErr)
	}

	a.logger.Info("telemetry archived", "key", key, "records", len(recs), "bytes", len(blob))
	return Result{
		Key:     key,
		Records: len(recs),
		Bytes:   len(blob),
		Next:    last.Add(time.Nanosecond),
	}, nil
}

func (a *Archiver) key(last time.Time) string {
	name := fmt.Sprintf("%d.jsonl.sz", last.Unix())
	if a.enc != nil {
		name += ".enc"
	}
	parts := []string{a.device, name}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// Decode reverses Archive's encoding. password is needed only for
// encrypted objects.
func Decode(blob []byte, password string) ([]Line, error) {
	if IsEncrypted(blob) {
		enc := NewEncryptor(password)
		if enc == nil {
			return nil, errors.New("archive: object is encrypted but no password given")
		}
		var err error
		if blob, err = enc.Open(blob); err != nil {
			return nil, err
		}
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress: %w", err)
	}

	var out []Line
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var l Line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("archive: decode line: %w", err)
		}
		out = append(out, l)
	}
	return out, sc.Err()
}
