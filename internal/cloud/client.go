// Package cloud is the node's cloud client. It holds the device identity and
// the registered properties, connects a transport once the network is up and
// publishes every readable property at its own interval.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"plantnode/internal/events"
	"plantnode/internal/metrics"
	"plantnode/internal/mqtt"
	"plantnode/internal/sensors"
	"plantnode/internal/storage"
)

var (
	ErrMissingThingID    = errors.New("thing id is not set")
	ErrMissingBoardID    = errors.New("board id is not set")
	ErrMissingDeviceKey  = errors.New("device key is not set")
	ErrDuplicateProperty = errors.New("property registered twice")
	ErrInvalidInterval   = errors.New("publish interval must be positive")
	ErrNilVariable       = errors.New("property has no variable")
	ErrAlreadyStarted    = errors.New("cloud client already started")
	ErrNotStarted        = errors.New("cloud client not started")
	ErrNotConnected      = errors.New("cloud transport not connected")
)

const defaultHistorySize = 500

// Identity authenticates the node to the cloud service
type Identity struct {
	ThingID   string
	BoardID   string
	DeviceKey string
}

// Transport carries property traffic to the cloud
type Transport interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	OnConnect(fn func())
	OnConnectionLost(fn func(err error))
	PublishState(thingID string, state mqtt.PropertyState) error
	PublishAvailability(thingID, payload string) error
	SubscribeSet(thingID, name string, fn func(value float64)) error
}

// TransportFactory builds a transport for an identity
type TransportFactory func(id Identity) (Transport, error)

// Network is the connection handler the client waits on before connecting
type Network interface {
	AwaitConnected(ctx context.Context) error
}

// Announcer advertises registered properties after each connect
type Announcer interface {
	Announce(id Identity, props []*Property) error
}

// Update describes one publish attempt
type Update struct {
	Property  string    `json:"property"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Client is the cloud client
type Client struct {
	newTransport TransportFactory
	logger       *zap.Logger
	metrics      *metrics.Metrics
	store        storage.Storage
	events       *events.Store
	announcer    Announcer
	historySize  int

	mu        sync.RWMutex
	identity  Identity
	props     []*Property
	byName    map[string]*Property
	dupes     []string
	transport Transport
	started   bool
	observers []func(Update)
}

// Option configures a Client
type Option func(c *Client)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithStorage persists last values and sample history
func WithStorage(s storage.Storage, historySize int) Option {
	return func(c *Client) {
		c.store = s
		if historySize > 0 {
			c.historySize = historySize
		}
	}
}

// WithEvents records connection and publish events
func WithEvents(e *events.Store) Option {
	return func(c *Client) {
		c.events = e
	}
}

// WithAnnouncer advertises properties after each connect
func WithAnnouncer(a Announcer) Option {
	return func(c *Client) {
		c.announcer = a
	}
}

// NewClient creates a client that builds its transport with factory
func NewClient(factory TransportFactory, opts ...Option) *Client {
	c := &Client{
		newTransport: factory,
		logger:       zap.NewNop(),
		historySize:  defaultHistorySize,
		byName:       make(map[string]*Property),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.Named("cloud")
	return c
}

// SetThingID sets the cloud-assigned thing identifier
func (c *Client) SetThingID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.ThingID = id
}

// SetBoardID sets the board identifier
func (c *Client) SetBoardID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.BoardID = id
}

// SetSecretDeviceKey sets the device key
func (c *Client) SetSecretDeviceKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.DeviceKey = key
}

// Identity returns the configured identity
func (c *Client) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// AddProperty registers a variable under name. A second registration of the
// same name is remembered and reported by Begin.
func (c *Client) AddProperty(name string, v *sensors.Variable, perm Permission) *Property {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := newProperty(name, v, perm)
	if _, exists := c.byName[name]; exists {
		c.dupes = append(c.dupes, name)
		return p
	}
	c.byName[name] = p
	c.props = append(c.props, p)
	return p
}

// Properties returns registered properties in registration order
func (c *Client) Properties() []*Property {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Property(nil), c.props...)
}

// Property returns a property by name
func (c *Client) Property(name string) (*Property, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byName[name]
	return p, ok
}

// OnPublish registers an observer called after every publish attempt
func (c *Client) OnPublish(fn func(Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Connected reports whether the transport is connected
func (c *Client) Connected() bool {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	return t != nil && t.IsConnected()
}

// Validate checks identity and registrations
func (c *Client) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.identity.ThingID == "" {
		errs = append(errs, ErrMissingThingID)
	}
	if c.identity.BoardID == "" {
		errs = append(errs, ErrMissingBoardID)
	}
	if c.identity.DeviceKey == "" {
		errs = append(errs, ErrMissingDeviceKey)
	}
	for _, name := range c.dupes {
		errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateProperty, name))
	}
	for _, p := range c.props {
		if p.variable == nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNilVariable, p.name))
		}
		if p.perm.Publishes() && p.Interval() <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidInterval, p.name))
		}
	}
	return errors.Join(errs...)
}

// Begin validates the configuration, restores persisted values, waits for
// the network and connects the transport.
func (c *Client) Begin(ctx context.Context, network Network) error {
	if err := c.Validate(); err != nil {
		c.events.Add(events.EventCloudBeginFailed, "", "cloud", false, err.Error())
		return fmt.Errorf("invalid cloud configuration: %w", err)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	id := c.identity
	c.mu.Unlock()

	ok := false
	defer func() {
		if !ok {
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
		}
	}()

	c.restoreValues()

	if network != nil {
		c.logger.Info("waiting for network")
		if err := network.AwaitConnected(ctx); err != nil {
			return fmt.Errorf("await network: %w", err)
		}
	}

	transport, err := c.newTransport(id)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	transport.OnConnect(func() {
		c.onConnected(transport, id)
	})
	transport.OnConnectionLost(c.onConnectionLost)

	if err := transport.Connect(); err != nil {
		c.events.Add(events.EventCloudBeginFailed, "", "cloud", false, err.Error())
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	for _, p := range c.Properties() {
		if !p.perm.Writable() {
			continue
		}
		prop := p
		if err := transport.SubscribeSet(id.ThingID, prop.name, func(value float64) {
			prop.variable.Set(value)
			c.events.Add(events.EventPropertyWritten, prop.name, "cloud", true, "")
			c.logger.Info("property written by cloud", zap.String("property", prop.name), zap.Float64("value", value))
		}); err != nil {
			transport.Disconnect()
			c.mu.Lock()
			c.transport = nil
			c.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", prop.name, err)
		}
	}

	ok = true
	c.logger.Info("cloud client started",
		zap.String("thing_id", id.ThingID),
		zap.String("board_id", id.BoardID),
		zap.Int("properties", len(c.Properties())),
	)
	return nil
}

// onConnected runs after every (re)connect of the transport
func (c *Client) onConnected(t Transport, id Identity) {
	c.metrics.SetCloudConnected(true)
	c.events.Add(events.EventCloudConnected, "", "cloud", true, "")

	if err := t.PublishAvailability(id.ThingID, mqtt.PayloadOnline); err != nil {
		c.logger.Warn("failed to publish availability", zap.Error(err))
	}

	if c.announcer != nil {
		if err := c.announcer.Announce(id, c.Properties()); err != nil {
			c.logger.Warn("failed to announce properties", zap.Error(err))
		}
	}
}

// onConnectionLost runs when an open transport connection drops. The
// transport reconnects on its own and onConnected runs again.
func (c *Client) onConnectionLost(err error) {
	c.metrics.SetCloudConnected(false)
	details := ""
	if err != nil {
		details = err.Error()
	}
	c.events.Add(events.EventCloudDisconnected, "", "cloud", false, details)
}

// Run publishes every readable property at its interval until ctx is
// cancelled, then marks the thing offline and disconnects.
func (c *Client) Run(ctx context.Context) error {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return ErrNotStarted
	}

	var wg sync.WaitGroup
	for _, p := range c.Properties() {
		if !p.perm.Publishes() {
			continue
		}
		prop := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPeriodic(ctx, prop.Interval(), func(context.Context) {
				c.Publish(prop)
			})
		}()
	}

	wg.Wait()
	c.shutdown(t)
	return nil
}

func (c *Client) shutdown(t Transport) {
	id := c.Identity()
	if t.IsConnected() {
		if err := t.PublishAvailability(id.ThingID, mqtt.PayloadOffline); err != nil {
			c.logger.Warn("failed to publish offline availability", zap.Error(err))
		}
	}
	t.Disconnect()
	c.metrics.SetCloudConnected(false)
	c.logger.Info("cloud client stopped")
}

// Publish sends the current value of p and records the outcome
func (c *Client) Publish(p *Property) Update {
	c.mu.RLock()
	t := c.transport
	thingID := c.identity.ThingID
	c.mu.RUnlock()

	now := time.Now()
	value := p.Value()
	update := Update{Property: p.name, Value: value, Timestamp: now}

	var err error
	switch {
	case t == nil:
		err = ErrNotStarted
	case !t.IsConnected():
		err = ErrNotConnected
	default:
		err = t.PublishState(thingID, mqtt.PropertyState{
			Name:      p.name,
			Value:     value,
			Timestamp: now.Unix(),
		})
	}

	c.metrics.ObservePublish(p.name, value, err)
	if err != nil {
		update.Error = err.Error()
		c.events.Add(events.EventPublishFailed, p.name, "cloud", false, err.Error())
		c.logger.Debug("publish failed", zap.String("property", p.name), zap.Error(err))
	} else {
		p.markSent(now)
		c.persist(p.name, value, now)
	}

	c.notify(update)
	return update
}

func (c *Client) notify(u Update) {
	c.mu.RLock()
	observers := append([]func(Update){}, c.observers...)
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(u)
	}
}

// persist stores the last value and appends to the sample history
func (c *Client) persist(name string, value float64, at time.Time) {
	if c.store == nil {
		return
	}
	if err := c.store.SetLastValue(name, value); err != nil {
		c.logger.Warn("failed to store last value", zap.String("property", name), zap.Error(err))
	}
	if err := c.store.AppendSample(name, storage.Sample{Value: value, Timestamp: at}); err != nil {
		c.logger.Warn("failed to append sample", zap.String("property", name), zap.Error(err))
		return
	}
	if err := c.store.TrimSamples(name, c.historySize); err != nil {
		c.logger.Warn("failed to trim samples", zap.String("property", name), zap.Error(err))
	}
}

// restoreValues loads persisted values into variables that were never set
func (c *Client) restoreValues() {
	if c.store == nil {
		return
	}
	for _, p := range c.Properties() {
		if !p.variable.UpdatedAt().IsZero() {
			continue
		}
		v, err := c.store.LastValue(p.name)
		if err != nil {
			continue
		}
		p.variable.Set(v)
		c.logger.Info("restored last value", zap.String("property", p.name), zap.Float64("value", v))
	}
}

// History returns recent published samples of a property
func (c *Client) History(name string, limit int) ([]storage.Sample, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.GetSamples(name, limit)
}
