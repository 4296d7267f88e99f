package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Publisher provides MQTT publishing for cloud properties
type Publisher struct {
	client *Client
	logger *zap.Logger
}

// NewPublisher creates a new Publisher instance
func NewPublisher(client *Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger.Named("publisher"),
	}
}

// Connect connects the underlying client
func (p *Publisher) Connect() error {
	return p.client.Connect()
}

// Disconnect disconnects the underlying client
func (p *Publisher) Disconnect() {
	p.client.Disconnect()
}

// IsConnected reports whether the underlying client is connected
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// OnConnect registers a hook run after every (re)connect
func (p *Publisher) OnConnect(fn func()) {
	p.client.OnConnect(fn)
}

// OnConnectionLost registers a hook run when the broker connection drops
func (p *Publisher) OnConnectionLost(fn func(error)) {
	p.client.OnConnectionLost(fn)
}

// PublishState publishes a single property state
func (p *Publisher) PublishState(thingID string, state PropertyState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal property %s: %w", state.Name, err)
	}

	if err := p.client.Publish(PropertyTopic(thingID, state.Name), payload); err != nil {
		p.logger.Warn("failed to publish property", zap.String("property", state.Name), zap.Error(err))
		return err
	}
	return nil
}

// PublishAvailability publishes the retained availability payload of a thing
func (p *Publisher) PublishAvailability(thingID, payload string) error {
	return p.client.PublishWithQoS(AvailabilityTopic(thingID), 1, true, []byte(payload))
}

// SubscribeSet subscribes to cloud writes of a property. Payloads that do not
// parse as a number are logged and dropped.
func (p *Publisher) SubscribeSet(thingID, name string, fn func(value float64)) error {
	return p.client.Subscribe(PropertySetTopic(thingID, name), func(topic string, payload []byte) {
		value, err := ParseValue(payload)
		if err != nil {
			p.logger.Warn("ignoring property write", zap.String("topic", topic), zap.Error(err))
			return
		}
		fn(value)
	})
}

// ParseValue parses a property write payload: either a bare JSON number or a
// PropertyState object.
func ParseValue(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}

	var state PropertyState
	if err := json.Unmarshal(payload, &state); err != nil {
		return 0, fmt.Errorf("invalid property value %q", s)
	}
	return state.Value, nil
}

// sanitizeSensorIDFast creates a safe ID for MQTT topics
// Optimized version using byte operations
func sanitizeSensorIDFast(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A') // to lowercase
		case c == ' ' || c == '/' || c == '.' || c == '+' || c == '#':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
