package cloud

import (
	"sync"
	"time"

	"plantnode/internal/sensors"
)

// Permission controls which direction a property value may flow
type Permission int

const (
	// Read properties are published by the node and read by the cloud
	Read Permission = iota
	// Write properties are written by the cloud and never published
	Write
	// ReadWrite properties flow both ways
	ReadWrite
)

func (p Permission) String() string {
	switch p {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read_write"
	default:
		return "unknown"
	}
}

// Publishes reports whether the node publishes properties with this permission
func (p Permission) Publishes() bool {
	return p == Read || p == ReadWrite
}

// Writable reports whether the cloud may write properties with this permission
func (p Permission) Writable() bool {
	return p == Write || p == ReadWrite
}

// Property binds a sensor variable to a named cloud property
type Property struct {
	name     string
	variable *sensors.Variable
	perm     Permission

	mu       sync.RWMutex
	interval time.Duration
	lastSent time.Time
}

func newProperty(name string, v *sensors.Variable, perm Permission) *Property {
	return &Property{
		name:     name,
		variable: v,
		perm:     perm,
	}
}

// PublishEvery sets the publish interval in seconds and returns the property
func (p *Property) PublishEvery(seconds int) *Property {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = time.Duration(seconds) * time.Second
	return p
}

// Name returns the property name
func (p *Property) Name() string {
	return p.name
}

// Permission returns the property permission
func (p *Property) Permission() Permission {
	return p.perm
}

// Interval returns the publish interval
func (p *Property) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// Variable returns the bound variable
func (p *Property) Variable() *sensors.Variable {
	return p.variable
}

// Value returns the current value of the bound variable
func (p *Property) Value() float64 {
	return p.variable.Get()
}

// LastSent returns when the property was last published successfully
func (p *Property) LastSent() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSent
}

func (p *Property) markSent(t time.Time) {
	p.mu.Lock()
	p.lastSent = t
	p.mu.Unlock()
}
