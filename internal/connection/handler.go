// Package connection owns the node's network session.
//
// A WiFiHandler is built once at startup from the stored SSID and password.
// Check drives its state machine one step; Run polls Check at a fixed period
// until the context is cancelled. Joining the network itself is delegated to
// a Joiner so the handler can run on hosts where the OS owns networking.
package connection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the network session
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultCheckPeriod is how often Run re-checks the session
const DefaultCheckPeriod = 5 * time.Second

// Joiner brings the node onto a network
type Joiner interface {
	Join(ctx context.Context, ssid, password string) error
	Connected(ctx context.Context, ssid string) (bool, error)
	Leave(ctx context.Context, ssid string) error
}

// WiFiHandler owns the Wi-Fi session lifecycle
type WiFiHandler struct {
	ssid     string
	password string

	joiner      Joiner
	logger      *zap.Logger
	checkPeriod time.Duration

	mu       sync.Mutex
	state    State
	changed  chan struct{} // closed and replaced on every state change
	watchers []func(State)
}

// Option configures a WiFiHandler
type Option func(h *WiFiHandler)

// WithJoiner sets the joiner used to reach the network
func WithJoiner(j Joiner) Option {
	return func(h *WiFiHandler) {
		h.joiner = j
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(h *WiFiHandler) {
		h.logger = l
	}
}

// WithCheckPeriod sets how often Run re-checks the session
func WithCheckPeriod(d time.Duration) Option {
	return func(h *WiFiHandler) {
		if d > 0 {
			h.checkPeriod = d
		}
	}
}

// NewWiFiHandler creates a handler for the given network. It does not touch
// the network until Check or Run is called.
func NewWiFiHandler(ssid, password string, opts ...Option) *WiFiHandler {
	h := &WiFiHandler{
		ssid:        ssid,
		password:    password,
		joiner:      HostJoiner{},
		logger:      zap.NewNop(),
		checkPeriod: DefaultCheckPeriod,
		state:       StateInit,
		changed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.Named("wifi")
	return h
}

// SSID returns the configured network name
func (h *WiFiHandler) SSID() string {
	return h.ssid
}

// State returns the current state
func (h *WiFiHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// OnStateChange registers a callback invoked after every transition
func (h *WiFiHandler) OnStateChange(fn func(State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers = append(h.watchers, fn)
}

func (h *WiFiHandler) setState(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	prev := h.state
	h.state = s
	close(h.changed)
	h.changed = make(chan struct{})
	watchers := append([]func(State){}, h.watchers...)
	h.mu.Unlock()

	h.logger.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", s), zap.String("ssid", h.ssid))
	for _, w := range watchers {
		w(s)
	}
}

// Check advances the state machine by one step and returns the new state
func (h *WiFiHandler) Check(ctx context.Context) State {
	switch h.State() {
	case StateInit, StateDisconnected:
		h.setState(StateConnecting)
		if err := h.joiner.Join(ctx, h.ssid, h.password); err != nil {
			h.logger.Warn("join failed", zap.String("ssid", h.ssid), zap.Error(err))
			h.setState(StateDisconnected)
			break
		}
		h.setState(StateConnected)

	case StateConnected:
		ok, err := h.joiner.Connected(ctx, h.ssid)
		if err != nil {
			h.logger.Warn("connectivity check failed", zap.Error(err))
		}
		if !ok {
			h.setState(StateDisconnected)
		}
	}

	return h.State()
}

// Run checks the session immediately and then every check period until ctx
// is cancelled or the handler is closed.
func (h *WiFiHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.checkPeriod)
	defer ticker.Stop()

	if h.Check(ctx) == StateClosed {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Check(ctx) == StateClosed {
				return
			}
		}
	}
}

// AwaitConnected blocks until the session is connected or ctx is done
func (h *WiFiHandler) AwaitConnected(ctx context.Context) error {
	for {
		h.mu.Lock()
		state, changed := h.state, h.changed
		h.mu.Unlock()

		if state == StateConnected {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close stops managing the session and leaves the network up
func (h *WiFiHandler) Close() {
	h.setState(StateClosed)
}

// Disconnect leaves the network and closes the handler
func (h *WiFiHandler) Disconnect(ctx context.Context) error {
	if h.State() == StateClosed {
		return nil
	}
	err := h.joiner.Leave(ctx, h.ssid)
	h.setState(StateClosed)
	return err
}
