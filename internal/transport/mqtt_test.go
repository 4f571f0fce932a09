package transport

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// startBroker spins up an in-process MQTT broker.
func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	broker := mochi.New(nil)
	if err := broker.AddHook(&auth.AllowHook{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := broker.AddListener(listeners.NewTCP(listeners.Config{Type: "tcp", ID: "t1", Address: addr})); err != nil {
		t.Fatal(err)
	}
	if err := broker.Serve(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = broker.Close() })
	return addr
}

type received struct {
	topic string
	qos   byte
	note  Note
}

func subscribe(ctx context.Context, t *testing.T, addr, filter string) <-chan received {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan received, 8)
	client := paho.NewClient(paho.ClientConfig{
		ClientID: "observer",
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				var n Note
				_ = json.Unmarshal(pr.Packet.Payload, &n)
				out <- received{topic: pr.Packet.Topic, qos: pr.Packet.QoS, note: n}
				return true, nil
			},
		},
	})
	if _, err := client.Connect(ctx, &paho.Connect{ClientID: "observer", KeepAlive: 5, CleanStart: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Disconnect(&paho.Disconnect{}) })
	return out
}

func TestMQTTPublisher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr := startBroker(t)
	msgs := subscribe(ctx, t, addr, "plant/line1/#")

	p := NewMQTTPublisher(MQTTConfig{Address: addr, ClientID: "line1", TopicPrefix: "plant/line1"}, quietLogger())
	defer func() { _ = p.Close() }()
	g := NewGateway(p, WithDevice("LINE_001"))

	if err := g.SendAlert(ctx, AlertNote{Alert: "jam_detected", Message: "stalled", Level: 2}); err != nil {
		t.Fatal(err)
	}
	if err := g.SendTelemetry(ctx, map[string]float64{"speed_rpm": 60}); err != nil {
		t.Fatal(err)
	}

	want := map[string]byte{"plant/line1/alerts": 1, "plant/line1/telemetry": 0}
	for range want {
		select {
		case m := <-msgs:
			qos, ok := want[m.topic]
			if !ok {
				t.Errorf("unexpected topic %s", m.topic)
				continue
			}
			if m.qos != qos {
				t.Errorf("%s: expected QoS %d, got %d", m.topic, qos, m.qos)
			}
			if m.note.Device != "LINE_001" {
				t.Errorf("%s: device missing from note", m.topic)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for publishes")
		}
	}
}

func TestMQTTPublisher_Topic(t *testing.T) {
	p := NewMQTTPublisher(MQTTConfig{TopicPrefix: "conveyor/"}, nil)
	if got := p.Topic(FileEvents); got != "conveyor/events" {
		t.Errorf("unexpected topic %q", got)
	}
}

func TestMQTTPublisher_UnreachableBroker(t *testing.T) {
	p := NewMQTTPublisher(MQTTConfig{Address: freeAddr(t)}, quietLogger())
	if err := p.Publish(context.Background(), Note{File: FileEvents, Sync: true}); err == nil {
		t.Error("expected dial error")
	}
	_ = p.Close()
	if err := p.Publish(context.Background(), Note{File: FileEvents}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
