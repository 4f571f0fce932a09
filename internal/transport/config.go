package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/flexforge/conveyor/internal/retry"
)

// Gateway kinds.
const (
	KindLog       = "log"
	KindHTTP      = "http"
	KindMQTT      = "mqtt"
	KindWebSocket = "websocket"
)

// Config selects and configures the uplink.
type Config struct {
	Kind      string          `yaml:"kind"`
	Device    string          `yaml:"device"`
	HTTP      HTTPConfig      `yaml:"http"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Retry     retry.Config    `yaml:"retry"`

	// BreakerFailures consecutive failures open the circuit for
	// BreakerReset.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// DefaultConfig logs notes locally.
func DefaultConfig() Config {
	return Config{
		Kind:            KindLog,
		Device:          "LINE_001",
		Retry:           retry.DefaultConfig(),
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

// Validate checks that the selected kind has what it needs.
func (c Config) Validate() error {
	switch c.Kind {
	case KindLog, "":
	case KindHTTP:
		if c.HTTP.URL == "" {
			return fmt.Errorf("transport: http gateway requires url")
		}
	case KindMQTT:
		if c.MQTT.Address == "" {
			return fmt.Errorf("transport: mqtt gateway requires address")
		}
	case KindWebSocket:
		if c.WebSocket.URL == "" {
			return fmt.Errorf("transport: websocket gateway requires url")
		}
	default:
		return fmt.Errorf("transport: unknown gateway kind %q", c.Kind)
	}
	return nil
}

// New builds the gateway selected by cfg.Kind. Extra options are applied
// after the ones derived from cfg.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var pub Publisher
	switch cfg.Kind {
	case KindHTTP:
		pub = NewHTTPPublisher(cfg.HTTP, nil)
	case KindMQTT:
		pub = NewMQTTPublisher(cfg.MQTT, logger)
	case KindWebSocket:
		pub = NewWebSocketPublisher(cfg.WebSocket)
	default:
		pub = NewLogPublisher(logger)
	}

	base := []Option{
		WithDevice(cfg.Device),
		WithRetry(cfg.Retry),
		WithLogger(logger),
	}
	if cfg.BreakerFailures > 0 {
		base = append(base, WithBreaker(cfg.BreakerFailures, cfg.BreakerReset))
	}
	return NewGateway(pub, append(base, opts...)...), nil
}
