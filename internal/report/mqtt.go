package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 5 * time.Second
	// mqttIdle is how long a connection may sit unused before it is
	// re-established; it stays below the broker keepalive.
	mqttIdle = 45 * time.Second
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// MQTT publishes over a plain TCP connection to a broker. The connection
// is opened lazily and re-dialed after errors or long idle periods.
type MQTT struct {
	addr     string
	clientID string
	log      *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	client  *mqtt.Client
	lastUse time.Time
	userBuf [1024]byte
}

// NewMQTT returns a publisher for the broker at addr (host:port).
func NewMQTT(addr, clientID string, log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{addr: addr, clientID: clientID, log: log}
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && time.Since(m.lastUse) > mqttIdle {
		m.closeLocked(errors.New("idle"))
	}
	if m.client == nil || !m.client.IsConnected() {
		if err := m.connectLocked(ctx); err != nil {
			return err
		}
	}

	m.conn.SetDeadline(time.Now().Add(mqttTimeout))
	vp := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: uint16(rand.Uint32()),
	}
	if err := m.client.PublishPayload(pubFlags, vp, payload); err != nil {
		m.closeLocked(err)
		return fmt.Errorf("report: publish: %w", err)
	}
	m.lastUse = time.Now()
	return nil
}

func (m *MQTT) connectLocked(ctx context.Context) error {
	m.closeLocked(errors.New("reconnect"))

	dialer := net.Dialer{Timeout: mqttTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("report: dial %s: %w", m.addr, err)
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: m.userBuf[:]},
		OnPub: func(_ mqtt.Header, _ mqtt.VariablesPublish, _ io.Reader) error {
			return nil
		},
	}
	client := mqtt.NewClient(cfg)

	// A random suffix keeps several daemons on one broker apart.
	clientID := fmt.Sprintf("%s-%04x", m.clientID, rand.Uint32()&0xffff)
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(clientID))

	m.log.Info("[MQTT] connecting", "broker", m.addr, "client_id", clientID)
	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := client.StartConnect(conn, &varconn); err != nil {
		conn.Close()
		return fmt.Errorf("report: start connect: %w", err)
	}

	deadline := time.Now().Add(mqttTimeout)
	for !client.IsConnected() && time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			conn.Close()
			return err
		}
		if err := client.HandleNext(); err != nil {
			m.log.Debug("[MQTT] handle next", "error", err)
			time.Sleep(50 * time.Millisecond)
		}
	}
	if !client.IsConnected() {
		conn.Close()
		return errors.New("report: mqtt connect timeout")
	}

	m.conn = conn
	m.client = client
	m.lastUse = time.Now()
	m.log.Info("[MQTT] connected", "broker", m.addr)
	return nil
}

func (m *MQTT) closeLocked(reason error) {
	if m.client != nil {
		m.client.Disconnect(reason)
		m.client = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(errors.New("shutdown"))
	return nil
}

var _ Publisher = (*MQTT)(nil)
