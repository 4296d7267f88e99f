// Package properties binds the node's sensor variables to cloud properties.
package properties

import (
	"plantnode/internal/cloud"
	"plantnode/internal/sensors"
)

// DefaultPublishInterval is the publish interval, in seconds, shared by all
// sensor properties.
const DefaultPublishInterval = 10

// Property names as seen by the cloud
const (
	Temperature   = "temperature"
	Humidity      = "humidity"
	LightPercent  = "lightPercent"
	AirQualityRaw = "airQualityRaw"
	SoilPercent   = "soilPercent"
)

// Names lists the sensor properties in registration order
var Names = []string{Temperature, Humidity, LightPercent, AirQualityRaw, SoilPercent}

// Config carries the device identity and publish cadence
type Config struct {
	ThingID   string
	BoardID   string
	DeviceKey string
	Interval  int // seconds; DefaultPublishInterval when zero
}

// Binding is one row of the registration table
type Binding struct {
	Variable   *sensors.Variable
	Name       string
	Permission cloud.Permission
	Interval   int
}

// Cloud is the part of the cloud client the registrar drives
type Cloud interface {
	SetThingID(id string)
	SetBoardID(id string)
	SetSecretDeviceKey(key string)
	AddProperty(name string, v *sensors.Variable, perm cloud.Permission) *cloud.Property
}

// Table returns the bindings for every sensor variable of node
func Table(node *sensors.Node, interval int) []Binding {
	if interval == 0 {
		interval = DefaultPublishInterval
	}
	return []Binding{
		{&node.Temperature, Temperature, cloud.Read, interval},
		{&node.Humidity, Humidity, cloud.Read, interval},
		{&node.LightPercent, LightPercent, cloud.Read, interval},
		{&node.AirQualityRaw, AirQualityRaw, cloud.Read, interval},
		{&node.SoilPercent, SoilPercent, cloud.Read, interval},
	}
}

// Init sets the device identity on c and registers every sensor property.
// It performs no validation; the cloud client reports problems on Begin.
func Init(c Cloud, cfg Config, node *sensors.Node) {
	c.SetThingID(cfg.ThingID)
	c.SetBoardID(cfg.BoardID)
	c.SetSecretDeviceKey(cfg.DeviceKey)

	for _, b := range Table(node, cfg.Interval) {
		c.AddProperty(b.Name, b.Variable, b.Permission).PublishEvery(b.Interval)
	}
}
