package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures the HTTP publisher.
type HTTPConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPPublisher POSTs each note as JSON.
type HTTPPublisher struct {
	cfg    HTTPConfig
	client HTTPDoer
}

// NewHTTPPublisher creates a publisher. A nil client gets a default one
// with the configured timeout.
func NewHTTPPublisher(cfg HTTPConfig, client HTTPDoer) *HTTPPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPPublisher{cfg: cfg, client: client}
}

// Publish sends one note. 5xx and 429 responses are reported with the
// status code in the error so the retry policy can classify them.
func (p *HTTPPublisher) Publish(ctx context.Context, n Note) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode note: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op.
func (p *HTTPPublisher) Close() error { return nil }
