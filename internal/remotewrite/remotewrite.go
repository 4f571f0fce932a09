// Package remotewrite pushes derived conveyor metrics to a Prometheus
// remote-write endpoint.
package remotewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"

	"github.com/flexforge/conveyor/internal/processor"
	"github.com/flexforge/conveyor/internal/retry"
)

// Config configures the exporter.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// Labels are attached to every series in addition to device.
	Labels map[string]string `yaml:"labels"`
}

// DefaultConfig returns the exporter disabled with a 15s push interval.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("remotewrite: url is required")
	}
	if c.Interval <= 0 {
		return errors.New("remotewrite: interval must be positive")
	}
	return nil
}

// Exporter turns processor snapshots into remote-write requests.
type Exporter struct {
	url     string
	device  string
	labels  []prompb.Label
	client  *http.Client
	retryer *retry.Retryer
	logger  *slog.Logger
}

// New creates an exporter. client may be nil.
func New(cfg Config, device string, client *http.Client, logger *slog.Logger) *Exporter {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	labels := []prompb.Label{{Name: "device", Value: device}}
	for k, v := range cfg.Labels {
		if k == "__name__" || k == "device" {
			continue
		}
		labels = append(labels, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

	return &Exporter{
		url:     cfg.URL,
		device:  device,
		labels:  labels,
		client:  client,
		retryer: retry.New(retry.DefaultConfig()),
		logger:  logger,
	}
}

// Series returns the metric name/value pairs derived from a snapshot.
func Series(s processor.Snapshot) map[string]float64 {
	jam := 0.0
	if s.JamDetected {
		jam = 1
	}
	return map[string]float64{
		"conveyor_speed_avg_rpm":     s.AverageSpeed,
		"conveyor_speed_variance":    s.SpeedVariance,
		"conveyor_vibration_g":       s.Vibration,
		"conveyor_vibration_trend":   s.VibrationTrend,
		"conveyor_efficiency_score":  s.EfficiencyScore,
		"conveyor_maintenance_hours": s.MaintenanceHours,
		"conveyor_temperature_c":     s.Temperature,
		"conveyor_humidity_pct":      s.Humidity,
		"conveyor_jam_active":        jam,
	}
}

// WriteRequest builds the protobuf request for one snapshot taken at ts.
func (e *Exporter) WriteRequest(s processor.Snapshot, ts time.Time) *prompb.WriteRequest {
	series := Series(s)
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	req := &prompb.WriteRequest{Timeseries: make([]prompb.TimeSeries, 0, len(names))}
	for _, name := range names {
		labels := make([]prompb.Label, 0, len(e.labels)+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: name})
		labels = append(labels, e.labels...)
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: series[name], Timestamp: ts.UnixMilli()}},
		})
	}
	return req
}

// Push sends one snapshot.
func (e *Exporter) Push(ctx context.Context, s processor.Snapshot, ts time.Time) error {
	raw, err := e.WriteRequest(s, ts).Marshal()
	if err != nil {
		return fmt.Errorf("remotewrite: marshal: %w", err)
	}
	body := snappy.Encode(nil, raw)

	res := e.retryer.Do(ctx, func() error { return e.post(ctx, body) })
	if res.LastErr != nil {
		e.logger.Warn("remote write failed", "url", e.url, "attempts", res.Attempts, "err", res.LastErr)
		return fmt.Errorf("remotewrite: push: %w", res.LastErr)
	}
	return nil
}

func (e *Exporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("User-Agent", "conveyormon")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
