package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Network     string        `yaml:"network"`
	Address     string        `yaml:"address"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// MQTTPublisher publishes notes to <prefix>/<notefile>. Sync notes use
// QoS 1, queued telemetry QoS 0. The connection is opened lazily and
// dropped after any error so the next publish reconnects.
type MQTTPublisher struct {
	cfg    MQTTConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *paho.Client
	closed bool
}

// NewMQTTPublisher creates a publisher without connecting.
func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "conveyor"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "conveyormon"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{cfg: cfg, logger: logger}
}

// Topic returns the topic a notefile maps to.
func (p *MQTTPublisher) Topic(file string) string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/" + strings.TrimSuffix(file, ".qo")
}

// Publish sends one note.
func (p *MQTTPublisher) Publish(ctx context.Context, n Note) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode note: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.client == nil {
		if err := p.connectLocked(ctx); err != nil {
			return err
		}
	}

	var qos byte
	if n.Sync {
		qos = 1
	}
	_, err = p.client.Publish(ctx, &paho.Publish{
		Topic:   p.Topic(n.File),
		QoS:     qos,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	})
	if err != nil {
		p.dropLocked()
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (p *MQTTPublisher) connectLocked(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, p.cfg.Network, p.cfg.Address)
	if err != nil {
		return fmt.Errorf("mqtt dial: %w", err)
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: p.cfg.ClientID,
		Conn:     conn,
		OnClientError: func(err error) {
			p.logger.Warn("mqtt client error", "err", err)
		},
	})

	connect := &paho.Connect{
		ClientID:   p.cfg.ClientID,
		KeepAlive:  uint16(p.cfg.KeepAlive / time.Second),
		CleanStart: true,
	}
	if p.cfg.Username != "" {
		connect.Username = p.cfg.Username
		connect.UsernameFlag = true
	}
	if p.cfg.Password != "" {
		connect.Password = []byte(p.cfg.Password)
		connect.PasswordFlag = true
	}

	ack, err := client.Connect(ctx, connect)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if ack.ReasonCode != 0 {
		_ = conn.Close()
		return fmt.Errorf("mqtt connect refused: reason code %d", ack.ReasonCode)
	}
	p.logger.Info("mqtt connected", "address", p.cfg.Address, "client_id", p.cfg.ClientID)
	p.client = client
	return nil
}

func (p *MQTTPublisher) dropLocked() {
	if p.client == nil {
		return
	}
	_ = p.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	p.client = nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropLocked()
	return nil
}
