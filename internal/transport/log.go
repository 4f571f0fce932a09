package transport

import (
	"context"
	"log/slog"
)

// LogPublisher logs notes instead of sending them. It is the dry-run
// gateway used when no uplink is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, n Note) error {
	p.logger.Info("note", "file", n.File, "sync", n.Sync, "urgent", n.Urgent, "body", n.Body)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
