// Package mqtt provides a broker-backed radio adapter. Chunk frames are
// published base64-encoded to "{prefix}/{node}" topics, which lets a
// gateway serve clients attached through an MQTT uplink instead of a
// local radio. When a channel PSK is configured, frames are sealed before
// publishing.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/core/crypto"
	"github.com/the-Drunken-coder/atlas-meshtastic-bridge-go/radio"
)

// Compile-time interface check.
var _ radio.Radio = (*Radio)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "atlas-mesh"

	recvDepth = 64
)

// Config holds the configuration for an MQTT radio.
type Config struct {
	// Broker is the MQTT broker URL (e.g. "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. Random when empty.
	ClientID string
	// TopicPrefix is the topic prefix (default "atlas-mesh").
	TopicPrefix string
	// NodeID is this node's mesh identifier; the adapter subscribes to
	// "{TopicPrefix}/{NodeID}".
	NodeID string
	// PSK enables the channel cipher on published frames when non-empty.
	PSK string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type inbound struct {
	sender  string
	payload []byte
}

// Radio implements radio.Radio over an MQTT broker.
type Radio struct {
	cfg    Config
	log    *slog.Logger
	cipher *crypto.ChannelCipher

	mu     sync.Mutex
	client paho.Client

	recv   chan inbound
	closed chan struct{}
	once   sync.Once
}

// Open connects to the broker and subscribes this node's topic.
func Open(cfg Config) (*Radio, error) {
	if cfg.Broker == "" {
		return nil, errors.New("broker URL is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node ID is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "atlas-mesh-" + randomString(16)
	}

	r := &Radio{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("mqtt"),
		recv:   make(chan inbound, recvDepth),
		closed: make(chan struct{}),
	}
	if cfg.PSK != "" {
		r.cipher = crypto.NewChannelCipher(cfg.PSK)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(r.onConnected).
		SetConnectionLostHandler(r.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	return r, nil
}

func (r *Radio) NodeID() string { return r.cfg.NodeID }

func (r *Radio) topicFor(node string) string {
	return r.cfg.TopicPrefix + "/" + node
}

func (r *Radio) onConnected(client paho.Client) {
	topic := r.topicFor(r.cfg.NodeID)
	token := client.Subscribe(topic, 1, r.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		r.log.Error("subscribe failed", "topic", topic, "error", err)
		return
	}
	r.log.Info("connected to broker", "broker", r.cfg.Broker, "topic", topic)
}

func (r *Radio) onConnectionLost(_ paho.Client, err error) {
	r.log.Warn("broker connection lost", "error", err)
}

func (r *Radio) onMessage(_ paho.Client, msg paho.Message) {
	raw, err := base64.StdEncoding.DecodeString(string(msg.Payload()))
	if err != nil {
		r.log.Warn("dropping non-base64 message", "topic", msg.Topic())
		return
	}
	if r.cipher != nil {
		raw, err = r.cipher.Open(raw)
		if err != nil {
			r.log.Warn("dropping frame that failed PSK check", "error", err)
			return
		}
	}
	if len(raw) < 1 || 1+int(raw[0]) > len(raw) {
		r.log.Warn("dropping frame with bad sender header")
		return
	}
	senderLen := int(raw[0])
	in := inbound{
		sender:  string(raw[1 : 1+senderLen]),
		payload: raw[1+senderLen:],
	}
	select {
	case r.recv <- in:
	default:
		r.log.Warn("receive queue full, dropping frame", "sender", in.sender)
	}
}

// Send publishes one chunk frame to the destination node's topic.
func (r *Radio) Send(ctx context.Context, destination string, payload []byte) error {
	if err := radio.CheckFrameSize(payload); err != nil {
		return err
	}
	select {
	case <-r.closed:
		return radio.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return radio.ErrClosed
	}

	if len(r.cfg.NodeID) > 255 {
		return fmt.Errorf("node id too long: %d bytes", len(r.cfg.NodeID))
	}
	frame := make([]byte, 0, 1+len(r.cfg.NodeID)+len(payload))
	frame = append(frame, byte(len(r.cfg.NodeID)))
	frame = append(frame, r.cfg.NodeID...)
	frame = append(frame, payload...)

	if r.cipher != nil {
		sealed, err := r.cipher.Seal(frame)
		if err != nil {
			return err
		}
		frame = sealed
	}

	token := client.Publish(r.topicFor(destination), 1, false,
		base64.StdEncoding.EncodeToString(frame))

	deadline, ok := ctx.Deadline()
	wait := 30 * time.Second
	if ok {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing frame: %w", err)
	}
	return nil
}

// Recv returns the next frame received from the broker.
func (r *Radio) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case in := <-r.recv:
		return in.sender, in.payload, nil
	case <-r.closed:
		return "", nil, radio.ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Close disconnects from the broker and unblocks pending Recv calls.
func (r *Radio) Close() error {
	r.once.Do(func() {
		close(r.closed)
		r.mu.Lock()
		client := r.client
		r.client = nil
		r.mu.Unlock()
		if client != nil {
			client.Disconnect(250)
		}
		r.log.Info("disconnected from broker")
	})
	return nil
}

const randomChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randomChars[rand.Intn(len(randomChars))]
	}
	return string(b)
}
