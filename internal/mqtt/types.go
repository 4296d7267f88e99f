package mqtt

// SensorType defines the type of sensor for Home Assistant
type SensorType string

const (
	SensorTypeTemperature SensorType = "temperature"
	SensorTypeHumidity    SensorType = "humidity"
	SensorTypeIlluminance SensorType = "illuminance"
	SensorTypeAirQuality  SensorType = "air_quality"
	SensorTypeMoisture    SensorType = "moisture"
	SensorTypePercentage  SensorType = "percentage"
)

// PropertyState is the payload published for a cloud property
type PropertyState struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"ts"` // unix seconds
}

// SensorConfig contains sensor configuration for Home Assistant Discovery
type SensorConfig struct {
	SensorID   string     // Unique sensor ID
	Name       string     // Display name
	SensorType SensorType // Sensor type (temperature, humidity, etc.)

	Unit string // °C, %, etc.

	StateTopic    string // Topic for value (prefix is applied)
	ValueTemplate string // Template extracting the value from the state payload

	DeviceClass string // temperature, humidity, moisture, etc.
	StateClass  string // measurement, total, total_increasing

	AvailabilityTopic string // Availability topic (prefix is applied)

	DeviceInfo *DeviceInfo
}

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string
	Name         string
	Model        string
	Manufacturer string
}

// Topic layout under the client prefix

// PropertyTopic returns the state topic of a property
func PropertyTopic(thingID, name string) string {
	return "things/" + thingID + "/properties/" + name
}

// PropertySetTopic returns the topic the cloud writes property values to
func PropertySetTopic(thingID, name string) string {
	return PropertyTopic(thingID, name) + "/set"
}

// AvailabilityTopic returns the availability topic of a thing
func AvailabilityTopic(thingID string) string {
	return "things/" + thingID + "/availability"
}

// Availability payloads
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)
