package mqtt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"plantnode/internal/storage"
)

// discoveryMarker names the stored fingerprint of the last published configs
const discoveryMarker = "ha_discovery"

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	mqttClient *Client
	logger     *zap.Logger
	storage    storage.Storage
	nodeID     string

	// Cache of pre-generated discovery configs, keyed by config topic and
	// state topic
	discoveryConfigs map[string][]byte
	discoveryMu      sync.RWMutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance
func NewDiscoveryManager(client *Client, logger *zap.Logger, store storage.Storage, nodeID string) *DiscoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscoveryManager{
		mqttClient:       client,
		logger:           logger.Named("discovery"),
		storage:          store,
		nodeID:           sanitizeSensorIDFast(nodeID),
		discoveryConfigs: make(map[string][]byte),
	}
}

// ShouldRepublishDiscovery reports whether discovery configs must be
// published: never published before, or any topic or payload changed since
// the last complete publish. A new board id, thing id or topic prefix
// changes the fingerprint.
func (d *DiscoveryManager) ShouldRepublishDiscovery(configs []*SensorConfig) bool {
	if d.storage == nil {
		return true
	}
	last, err := d.storage.Marker(discoveryMarker)
	if err != nil {
		return true
	}
	return last != d.fingerprint(configs)
}

// DiscoveryTopic returns the retained config topic for a sensor
func (d *DiscoveryManager) DiscoveryTopic(sensorID string) string {
	return "homeassistant/sensor/" + d.nodeID + "/" + sensorID + "/config"
}

// PublishDiscoveryConfig publishes discovery config for a single sensor
func (d *DiscoveryManager) PublishDiscoveryConfig(cfg *SensorConfig) error {
	if cfg == nil {
		return nil
	}

	configJSON := d.generateDiscoveryConfig(cfg)
	if configJSON == nil {
		return nil
	}

	return d.mqttClient.PublishRaw(d.DiscoveryTopic(cfg.SensorID), configJSON, true)
}

// PublishMultipleDiscoveryConfigs publishes discovery configs for multiple
// sensors and remembers their fingerprint once all were published.
func (d *DiscoveryManager) PublishMultipleDiscoveryConfigs(configs []*SensorConfig) error {
	published := 0
	for _, cfg := range configs {
		if err := d.PublishDiscoveryConfig(cfg); err != nil {
			d.logger.Warn("failed to publish discovery", zap.String("sensor", cfg.SensorID), zap.Error(err))
			continue
		}
		published++
	}

	if published == len(configs) {
		d.markDiscoveryPublished(d.fingerprint(configs))
	}

	d.logger.Info("published discovery configs", zap.Int("sensors", published))
	return nil
}

// fingerprint hashes every config topic with its payload
func (d *DiscoveryManager) fingerprint(configs []*SensorConfig) string {
	h := sha256.New()
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		h.Write([]byte(d.DiscoveryTopic(cfg.SensorID)))
		h.Write([]byte{0})
		h.Write(d.generateDiscoveryConfig(cfg))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// generateDiscoveryConfig generates and caches Home Assistant discovery config
func (d *DiscoveryManager) generateDiscoveryConfig(cfg *SensorConfig) []byte {
	key := d.DiscoveryTopic(cfg.SensorID) + " " + cfg.StateTopic
	d.discoveryMu.RLock()
	if config, ok := d.discoveryConfigs[key]; ok {
		d.discoveryMu.RUnlock()
		return config
	}
	d.discoveryMu.RUnlock()

	prefix := d.mqttClient.GetConfig().Prefix

	discoveryConfig := map[string]interface{}{
		"name":        cfg.Name,
		"unique_id":   d.nodeID + "_" + cfg.SensorID,
		"state_topic": BuildTopic(prefix, cfg.StateTopic),
	}

	if cfg.Unit != "" {
		discoveryConfig["unit_of_measurement"] = cfg.Unit
	}

	if cfg.ValueTemplate != "" {
		discoveryConfig["value_template"] = cfg.ValueTemplate
	}

	if cfg.DeviceClass != "" {
		discoveryConfig["device_class"] = cfg.DeviceClass
	}

	if cfg.StateClass != "" {
		discoveryConfig["state_class"] = cfg.StateClass
	}

	if cfg.AvailabilityTopic != "" {
		discoveryConfig["availability_topic"] = BuildTopic(prefix, cfg.AvailabilityTopic)
		discoveryConfig["payload_available"] = PayloadOnline
		discoveryConfig["payload_not_available"] = PayloadOffline
	}

	if cfg.DeviceInfo != nil {
		discoveryConfig["device"] = map[string]interface{}{
			"identifiers":  cfg.DeviceInfo.Identifiers,
			"name":         cfg.DeviceInfo.Name,
			"model":        cfg.DeviceInfo.Model,
			"manufacturer": cfg.DeviceInfo.Manufacturer,
		}
	}

	configJSON, err := json.Marshal(discoveryConfig)
	if err != nil {
		d.logger.Error("failed to marshal discovery config", zap.Error(err))
		return nil
	}

	d.discoveryMu.Lock()
	d.discoveryConfigs[key] = configJSON
	d.discoveryMu.Unlock()

	return configJSON
}

// markDiscoveryPublished records the fingerprint of the published configs
func (d *DiscoveryManager) markDiscoveryPublished(fingerprint string) {
	if d.storage == nil {
		return
	}
	if err := d.storage.SetMarker(discoveryMarker, fingerprint); err != nil {
		d.logger.Warn("failed to mark discovery as published", zap.Error(err))
	}
}

// SensorConfigFor builds the discovery config of a cloud property
func SensorConfigFor(thingID, name, unit string, device *DeviceInfo) *SensorConfig {
	id := sanitizeSensorIDFast(name)
	cfg := &SensorConfig{
		SensorID:          id,
		Name:              name,
		Unit:              unit,
		StateTopic:        PropertyTopic(thingID, name),
		ValueTemplate:     "{{ value_json.value }}",
		StateClass:        "measurement",
		AvailabilityTopic: AvailabilityTopic(thingID),
		DeviceInfo:        device,
	}

	switch name {
	case "temperature":
		cfg.SensorType = SensorTypeTemperature
		cfg.DeviceClass = "temperature"
	case "humidity":
		cfg.SensorType = SensorTypeHumidity
		cfg.DeviceClass = "humidity"
	case "soilPercent":
		cfg.SensorType = SensorTypeMoisture
		cfg.DeviceClass = "moisture"
	case "airQualityRaw":
		cfg.SensorType = SensorTypeAirQuality
	default:
		cfg.SensorType = SensorTypePercentage
	}
	return cfg
}
