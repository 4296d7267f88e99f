package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")
)

// Sample is a single published value of a property
type Sample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Storage is the node's persistent state: the last published value of each
// property, named markers and per-property sample history.
type Storage interface {
	// LastValue returns the last published value of a property
	// Returns ErrNotFound if the property was never published
	LastValue(property string) (float64, error)

	// SetLastValue records the last published value of a property
	SetLastValue(property string, value float64) error

	// Marker returns a named marker, such as the fingerprint of the
	// discovery configs last published
	// Returns ErrNotFound if the marker was never set
	Marker(name string) (string, error)

	// SetMarker stores a named marker
	SetMarker(name, value string) error

	// AppendSample records a published value of a property
	AppendSample(property string, sample Sample) error

	// GetSamples returns up to limit most recent samples, oldest first
	GetSamples(property string, limit int) ([]Sample, error)

	// TrimSamples keeps only the last maxSamples samples of a property
	TrimSamples(property string, maxSamples int) error

	// Close closes the storage
	Close() error
}
