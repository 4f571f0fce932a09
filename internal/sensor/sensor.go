// Package sensor supplies SystemState snapshots to the monitor loop. Real
// hardware drivers live outside this module; Synthetic generates virtual
// readings and Replay plays back recorded ones.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/flexforge/conveyor/internal/model"
)

// Source kinds.
const (
	KindSynthetic = "synthetic"
	KindReplay    = "replay"
)

// ErrUnknownKind is returned by New for an unsupported kind.
var ErrUnknownKind = errors.New("sensor: unknown source kind")

// Source produces one snapshot per call.
type Source interface {
	Read(ctx context.Context) (model.SystemState, error)
	Kind() string
}

// Config selects and configures a source.
type Config struct {
	Kind string `yaml:"kind"`

	// ReplayPath is the JSON-lines file read by the replay source.
	ReplayPath string `yaml:"replay_path"`
	// Loop restarts the replay at end of file.
	Loop bool `yaml:"loop"`

	// Seed makes synthetic noise reproducible; zero picks a fixed seed.
	Seed            int64   `yaml:"seed"`
	NominalSpeedRPM float64 `yaml:"nominal_speed_rpm"`
}

// DefaultConfig returns a synthetic source at 60 RPM.
func DefaultConfig() Config {
	return Config{
		Kind:            KindSynthetic,
		NominalSpeedRPM: 60,
	}
}

// New builds the source named by cfg.Kind. The caller closes the returned
// closer when done; it is a no-op for synthetic sources.
func New(cfg Config) (Source, func() error, error) {
	switch cfg.Kind {
	case "", KindSynthetic:
		return NewSynthetic(cfg), func() error { return nil }, nil
	case KindReplay:
		if cfg.ReplayPath == "" {
			return nil, nil, errors.New("sensor: replay path is required")
		}
		f, err := os.Open(cfg.ReplayPath)
		if err != nil {
			return nil, nil, fmt.Errorf("sensor: open replay: %w", err)
		}
		return NewReplay(f, cfg.Loop), f.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
