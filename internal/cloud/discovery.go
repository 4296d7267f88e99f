package cloud

import (
	"plantnode/internal/mqtt"
	"plantnode/internal/sensors"
)

// DiscoveryAnnouncer publishes Home Assistant discovery configs for the
// readable properties
type DiscoveryAnnouncer struct {
	Manager *mqtt.DiscoveryManager
	Device  *mqtt.DeviceInfo
}

// Announce implements Announcer
func (a *DiscoveryAnnouncer) Announce(id Identity, props []*Property) error {
	if a.Manager == nil {
		return nil
	}
	configs := make([]*mqtt.SensorConfig, 0, len(props))
	for _, p := range props {
		if !p.Permission().Publishes() {
			continue
		}
		unit := ""
		if r, ok := sensors.Ranges[p.Name()]; ok {
			unit = r.Unit
		}
		configs = append(configs, mqtt.SensorConfigFor(id.ThingID, p.Name(), unit, a.Device))
	}

	if !a.Manager.ShouldRepublishDiscovery(configs) {
		return nil
	}
	return a.Manager.PublishMultipleDiscoveryConfigs(configs)
}
