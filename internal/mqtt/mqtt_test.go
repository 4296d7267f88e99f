package mqtt

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"plantnode/internal/storage"
)

func TestNewRequiresBroker(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("New() without broker succeeded")
	}

	c, err := New(Config{Broker: "tcp://localhost:1883"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.GetConfig().ClientID == "" {
		t.Error("client id not generated")
	}
	if c.IsConnected() {
		t.Error("new client reports connected")
	}
	if err := c.Publish("x", "y"); err == nil {
		t.Error("Publish() on disconnected client succeeded")
	}
}

// fakeBroker accepts one session, acknowledges CONNECT and closes both the
// session and the listener when drop is closed.
func fakeBroker(t *testing.T) (addr string, drop chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	drop = make(chan struct{})

	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := packets.ReadPacket(conn); err != nil {
			return
		}
		ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		ack.ReturnCode = packets.Accepted
		if err := ack.Write(conn); err != nil {
			return
		}
		<-drop
	}()

	return "tcp://" + ln.Addr().String(), drop
}

func TestBrokerOutageIsNotReportedAsConnected(t *testing.T) {
	broker, drop := fakeBroker(t)

	c, err := New(Config{Broker: broker, ClientID: "B1"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after CONNACK")
	}

	close(drop)
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss was not reported")
	}

	if c.IsConnected() {
		t.Error("IsConnected() = true while reconnecting")
	}

	p := NewPublisher(c, nil)
	err = p.PublishState("T1", PropertyState{Name: "temperature", Value: 21, Timestamp: 1})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishState() during outage error = %v; want ErrNotConnected", err)
	}
	if err := p.PublishAvailability("T1", PayloadOnline); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishAvailability() during outage error = %v; want ErrNotConnected", err)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{PropertyTopic("T1", "soilPercent"), "things/T1/properties/soilPercent"},
		{PropertySetTopic("T1", "soilPercent"), "things/T1/properties/soilPercent/set"},
		{AvailabilityTopic("T1"), "things/T1/availability"},
		{BuildTopic("plantnode", "things/T1/availability"), "plantnode/things/T1/availability"},
		{BuildTopic("", "a/b"), "a/b"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q; want %q", tt.got, tt.want)
		}
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantErr bool
	}{
		{"42", 42, false},
		{" 3.5\n", 3.5, false},
		{`{"name":"soilPercent","value":61,"ts":1700000000}`, 61, false},
		{"wet", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseValue([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseValue() error = %v; wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseValue() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeSensorID(t *testing.T) {
	if got := sanitizeSensorIDFast("Soil Percent/1.a+#"); got != "soil_percent_1_a__" {
		t.Errorf("sanitizeSensorIDFast() = %q", got)
	}
}

func newDiscoveryStore(t *testing.T) *storage.BoltStorage {
	t.Helper()
	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "disc.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newDiscoveryManager(t *testing.T, store storage.Storage, prefix, board string) *DiscoveryManager {
	t.Helper()
	client, err := New(Config{Broker: "tcp://localhost:1883", Prefix: prefix}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewDiscoveryManager(client, nil, store, board)
}

func plantConfigs(thingID, board string) []*SensorConfig {
	device := &DeviceInfo{Identifiers: []string{board}, Name: "Plant node " + board}
	return []*SensorConfig{
		SensorConfigFor(thingID, "temperature", "°C", device),
		SensorConfigFor(thingID, "humidity", "%", device),
		SensorConfigFor(thingID, "lightPercent", "%", device),
		SensorConfigFor(thingID, "airQualityRaw", "", device),
		SensorConfigFor(thingID, "soilPercent", "%", device),
	}
}

func TestDiscoveryConfig(t *testing.T) {
	d := newDiscoveryManager(t, newDiscoveryStore(t), "plantnode", "B1")
	device := &DeviceInfo{Identifiers: []string{"B1"}, Name: "Plant node B1"}
	cfg := SensorConfigFor("T1", "soilPercent", "%", device)

	if got := d.DiscoveryTopic(cfg.SensorID); got != "homeassistant/sensor/b1/soilpercent/config" {
		t.Errorf("DiscoveryTopic() = %q", got)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(d.generateDiscoveryConfig(cfg), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]interface{}{
		"unique_id":           "b1_soilpercent",
		"state_topic":         "plantnode/things/T1/properties/soilPercent",
		"availability_topic":  "plantnode/things/T1/availability",
		"unit_of_measurement": "%",
		"device_class":        "moisture",
		"value_template":      "{{ value_json.value }}",
	}
	for k, v := range want {
		if payload[k] != v {
			t.Errorf("%s = %v; want %v", k, payload[k], v)
		}
	}
}

func TestShouldRepublishDiscovery(t *testing.T) {
	store := newDiscoveryStore(t)
	d := newDiscoveryManager(t, store, "plantnode", "B1")
	configs := plantConfigs("T1", "B1")

	if !d.ShouldRepublishDiscovery(configs) {
		t.Error("ShouldRepublishDiscovery() = false before anything was published")
	}
	d.markDiscoveryPublished(d.fingerprint(configs))
	if d.ShouldRepublishDiscovery(configs) {
		t.Error("ShouldRepublishDiscovery() = true for the configs just published")
	}

	tests := []struct {
		name    string
		manager *DiscoveryManager
		configs []*SensorConfig
	}{
		{"fewer sensors", d, configs[:4]},
		{"new thing id", d, plantConfigs("T2", "B1")},
		{"new board id", newDiscoveryManager(t, store, "plantnode", "B2"), plantConfigs("T1", "B2")},
		{"same configs on another board", newDiscoveryManager(t, store, "plantnode", "B2"), configs},
		{"new prefix", newDiscoveryManager(t, store, "greenhouse", "B1"), plantConfigs("T1", "B1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.manager.ShouldRepublishDiscovery(tt.configs) {
				t.Error("ShouldRepublishDiscovery() = false after the discovery configs changed")
			}
		})
	}

	// a restart with the same identity does not republish
	again := newDiscoveryManager(t, store, "plantnode", "B1")
	if again.ShouldRepublishDiscovery(plantConfigs("T1", "B1")) {
		t.Error("ShouldRepublishDiscovery() = true after restart with unchanged identity")
	}
}

func TestFailedDiscoveryPublishIsNotMarked(t *testing.T) {
	d := newDiscoveryManager(t, newDiscoveryStore(t), "plantnode", "B1")
	configs := plantConfigs("T1", "B1")

	// disconnected client: nothing is marked
	if err := d.PublishMultipleDiscoveryConfigs(configs); err != nil {
		t.Errorf("PublishMultipleDiscoveryConfigs() error = %v", err)
	}
	if !d.ShouldRepublishDiscovery(configs) {
		t.Error("failed publish marked discovery as done")
	}
}
