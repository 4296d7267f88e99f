// Package mqtt provides MQTT client functionality
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when the broker connection is not open,
// including while paho is reconnecting
var ErrNotConnected = errors.New("MQTT client is not connected")

// publishTimeout bounds how long a publish waits for its token
const publishTimeout = 5 * time.Second

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)
	Prefix   string // Topic prefix for all messages
	UseTLS   bool   // Enable TLS connection

	// Last will, published by the broker if the connection drops
	WillTopic   string // Full topic (prefix is applied)
	WillPayload string
}

// MessageHandler receives messages for a subscription
type MessageHandler func(topic string, payload []byte)

// Client wraps the MQTT client with additional functionality
type Client struct {
	client   mqtt.Client
	config   Config
	mu       sync.RWMutex
	logger   *zap.Logger
	isActive bool

	subsMu sync.Mutex
	subs   map[string]MessageHandler
	onUp   []func()
	onLost []func(error)
}

// New creates a new MQTT client
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "plantnode-" + uuid.NewString()
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config: cfg,
		logger: logger.Named("mqtt"),
		subs:   make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if cfg.WillTopic != "" {
		opts.SetWill(c.buildTopic(cfg.WillTopic), cfg.WillPayload, 1, true)
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("connection lost", zap.Error(err))
		c.subsMu.Lock()
		hooks := append([]func(error){}, c.onLost...)
		c.subsMu.Unlock()
		for _, h := range hooks {
			h(err)
		}
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("connected to broker", zap.String("broker", cfg.Broker))
		c.resubscribe()
		c.subsMu.Lock()
		hooks := append([]func(){}, c.onUp...)
		c.subsMu.Unlock()
		for _, h := range hooks {
			go h()
		}
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logger.Info("attempting to reconnect")
	})

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActive {
		return nil // Already connected
	}

	c.logger.Info("connecting to broker", zap.String("broker", c.config.Broker), zap.String("client_id", c.config.ClientID))

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.isActive = true
	return nil
}

// Disconnect closes connection to MQTT broker
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return
	}

	c.client.Disconnect(250) // Wait up to 250ms for graceful disconnect
	c.isActive = false

	c.logger.Info("disconnected from broker")
}

// OnConnect registers a hook run after every (re)connect
func (c *Client) OnConnect(fn func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.onUp = append(c.onUp, fn)
}

// OnConnectionLost registers a hook run when an open connection drops
func (c *Client) OnConnectionLost(fn func(error)) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.onLost = append(c.onLost, fn)
}

// Publish publishes a message to the specified topic with QoS 0 (default for telemetry)
func (c *Client) Publish(topic string, payload interface{}) error {
	return c.PublishWithQoS(topic, 0, false, payload)
}

// PublishWithQoS publishes a message with explicit QoS and retained settings
func (c *Client) PublishWithQoS(topic string, qos byte, retained bool, payload interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// paho accepts QoS 0 publishes while reconnecting and drops them
	if !c.isActive || !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	fullTopic := c.buildTopic(topic)

	token := c.client.Publish(fullTopic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", fullTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("published", zap.String("topic", fullTopic), zap.Uint8("qos", qos), zap.Bool("retained", retained))
	return nil
}

// PublishRaw publishes a message without adding prefix (for discovery topics)
func (c *Client) PublishRaw(topic string, payload interface{}, retained bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive || !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("published raw", zap.String("topic", topic))
	return nil
}

// Subscribe subscribes to a prefixed topic. The subscription is restored
// after reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.subsMu.Lock()
	c.subs[topic] = handler
	c.subsMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return ErrNotConnected
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	fullTopic := c.buildTopic(topic)
	token := c.client.Subscribe(fullTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", fullTopic, token.Error())
	}
	c.logger.Info("subscribed", zap.String("topic", fullTopic))
	return nil
}

// resubscribe restores subscriptions after a clean-session reconnect
func (c *Client) resubscribe() {
	c.subsMu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.subsMu.Unlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// buildTopic constructs full topic path with prefix
func (c *Client) buildTopic(topic string) string {
	return BuildTopic(c.config.Prefix, topic)
}

// BuildTopic joins a prefix and a topic
func BuildTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

// IsConnected returns true if the connection to the broker is open. It is
// false while paho is reconnecting.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnectionOpen()
}

// GetConfig returns the current MQTT configuration
func (c *Client) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}
