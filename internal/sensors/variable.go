// Package sensors holds the node's sensor variables
package sensors

import (
	"math"
	"sync/atomic"
	"time"
)

// Variable is a float value shared between the code that samples a sensor
// and the cloud client that publishes it.
type Variable struct {
	bits    atomic.Uint64
	updated atomic.Int64 // unix nanos of the last Set, 0 if never set
}

// Get returns the current value
func (v *Variable) Get() float64 {
	return math.Float64frombits(v.bits.Load())
}

// Set stores a new value
func (v *Variable) Set(value float64) {
	v.bits.Store(math.Float64bits(value))
	v.updated.Store(time.Now().UnixNano())
}

// UpdatedAt returns when the value was last set (zero time if never)
func (v *Variable) UpdatedAt() time.Time {
	n := v.updated.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Range documents the expected bounds of a variable. Nothing enforces it.
type Range struct {
	Min  float64
	Max  float64
	Unit string
}

// Contains reports whether value falls inside the range
func (r Range) Contains(value float64) bool {
	return value >= r.Min && value <= r.Max
}

// Node groups the five variables of the plant sensor node
type Node struct {
	Temperature   Variable // °C
	Humidity      Variable // %RH
	LightPercent  Variable // 0–100 (% of ADC range)
	AirQualityRaw Variable // raw ADC (0–4095)
	SoilPercent   Variable // 0–100 (% moisture estimate)
}

// NewNode creates a node with all variables at zero
func NewNode() *Node {
	return &Node{}
}

// Ranges maps property names to their documented ranges
var Ranges = map[string]Range{
	"temperature":   {Min: -40, Max: 85, Unit: "°C"},
	"humidity":      {Min: 0, Max: 100, Unit: "%"},
	"lightPercent":  {Min: 0, Max: 100, Unit: "%"},
	"airQualityRaw": {Min: 0, Max: 4095, Unit: ""},
	"soilPercent":   {Min: 0, Max: 100, Unit: "%"},
}
