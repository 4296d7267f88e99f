package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")

	cfg, err := Load(path, filepath.Join(dir, "missing_secrets.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PublishInterval() != DefaultPublishInterval {
		t.Errorf("PublishInterval() = %d; want %d", cfg.PublishInterval(), DefaultPublishInterval)
	}
	if cfg.Addr() != DefaultAddr || cfg.MQTTBroker() != DefaultMQTTBroker || !cfg.HADiscovery() {
		t.Errorf("unexpected defaults: %s", cfg)
	}
	if len(cfg.APISecret()) != 64 {
		t.Errorf("generated API secret length = %d; want 64", len(cfg.APISecret()))
	}
	if cfg.ThingID() != "" || cfg.DeviceKey() != "" {
		t.Error("identity should default to empty")
	}
	if cfg.TrustProxy() || cfg.WiFiLeaveOnExit() {
		t.Error("proxy headers and leaving Wi-Fi on exit should be off by default")
	}

	saved, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if saved[EnvAPISecret] != cfg.APISecret() {
		t.Error("generated secret was not persisted")
	}

	again, err := Load(path, "")
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if again.APISecret() != cfg.APISecret() {
		t.Error("API secret changed between loads")
	}
}

func TestLoadReadsIdentityAndSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	secrets := filepath.Join(dir, "arduino_secrets.env")

	writeFile(t, path, strings.Join([]string{
		"THING_ID=T1",
		"BOARD_ID=B1",
		"PLANTNODE_PUBLISH_INTERVAL=30",
		"PLANTNODE_API_SECRET=abc",
		"PLANTNODE_MQTT_USE_TLS=yes",
		"PLANTNODE_HA_DISCOVERY=false",
		"PLANTNODE_TOKEN_EXPIRATION=3600",
		"PLANTNODE_TRUST_PROXY=1",
		"PLANTNODE_WIFI_LEAVE_ON_EXIT=true",
	}, "\n"))
	writeFile(t, secrets, "SECRET_DEVICE_KEY=K1\nSECRET_WIFI_SSID=\"green house\"\nSECRET_WIFI_PASS=p@ss\n")

	cfg, err := Load(path, secrets)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"ThingID", cfg.ThingID(), "T1"},
		{"BoardID", cfg.BoardID(), "B1"},
		{"DeviceKey", cfg.DeviceKey(), "K1"},
		{"WiFiSSID", cfg.WiFiSSID(), "green house"},
		{"WiFiPass", cfg.WiFiPass(), "p@ss"},
		{"PublishInterval", cfg.PublishInterval(), 30},
		{"APISecret", cfg.APISecret(), "abc"},
		{"MQTTUseTLS", cfg.MQTTUseTLS(), true},
		{"HADiscovery", cfg.HADiscovery(), false},
		{"TokenExpiration", cfg.TokenExpiration(), time.Hour},
		{"TrustProxy", cfg.TrustProxy(), true},
		{"WiFiLeaveOnExit", cfg.WiFiLeaveOnExit(), true},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s() = %v; want %v", c.name, c.got, c.want)
		}
	}

	if s := cfg.String(); strings.Contains(s, "K1") || strings.Contains(s, "p@ss") {
		t.Errorf("String() leaks secrets: %s", s)
	}
}

func TestSaveNeverWritesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	secrets := filepath.Join(dir, "secrets.env")
	writeFile(t, secrets, "SECRET_DEVICE_KEY=K1\nSECRET_WIFI_PASS=p@ss\n")

	cfg, err := Load(path, secrets)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "K1") || strings.Contains(string(data), EnvWiFiPass) {
		t.Errorf("config file contains secrets:\n%s", data)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero interval", "PLANTNODE_PUBLISH_INTERVAL=0"},
		{"bad port", "PLANTNODE_ADDR=:99999"},
		{"bad address", "PLANTNODE_ADDR=localhost"},
		{"zero history", "PLANTNODE_HISTORY_SIZE=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".env")
			writeFile(t, path, tt.content+"\nPLANTNODE_API_SECRET=x\n")
			if _, err := Load(path, ""); err == nil {
				t.Errorf("Load() accepted %q", tt.content)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"true": true, "YES": true, " 1 ": true, "on": true, "false": false, "": false, "nope": false} {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v; want %v", in, got, want)
		}
	}
}
