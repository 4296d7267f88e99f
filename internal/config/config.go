package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Secrets file keys. The secrets file is read-only for the node.
const (
	EnvDeviceKey = "SECRET_DEVICE_KEY"
	EnvWiFiSSID  = "SECRET_WIFI_SSID"
	EnvWiFiPass  = "SECRET_WIFI_PASS"
)

// Environment variable names
const (
	EnvThingID         = "THING_ID"
	EnvBoardID         = "BOARD_ID"
	EnvPublishInterval = "PLANTNODE_PUBLISH_INTERVAL"
	EnvAddr            = "PLANTNODE_ADDR"
	EnvDB              = "PLANTNODE_DB"
	EnvAPISecret       = "PLANTNODE_API_SECRET"
	EnvTokenExpiration = "PLANTNODE_TOKEN_EXPIRATION"
	EnvNoAuth          = "PLANTNODE_NO_AUTH"
	EnvTrustProxy      = "PLANTNODE_TRUST_PROXY"
	EnvHistorySize     = "PLANTNODE_HISTORY_SIZE"
	EnvWiFiLeaveOnExit = "PLANTNODE_WIFI_LEAVE_ON_EXIT"
	// MQTT settings
	EnvMQTTBroker  = "PLANTNODE_MQTT_BROKER"
	EnvMQTTPrefix  = "PLANTNODE_MQTT_PREFIX"
	EnvMQTTUseTLS  = "PLANTNODE_MQTT_USE_TLS"
	EnvHADiscovery = "PLANTNODE_HA_DISCOVERY"
)

// Default values
const (
	DefaultPublishInterval = 10 // seconds
	DefaultAddr            = ":8080"
	DefaultDB              = "plantnode.db"
	DefaultTokenExpiration = 30 * 24 * time.Hour
	DefaultNoAuth          = false
	DefaultTrustProxy      = false
	DefaultHistorySize     = 500
	DefaultWiFiLeaveOnExit = false
	// MQTT defaults
	DefaultMQTTBroker  = "tcp://localhost:1883"
	DefaultMQTTPrefix  = "plantnode"
	DefaultMQTTUseTLS  = false
	DefaultHADiscovery = true
)

// Config holds all node configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu          sync.RWMutex
	filePath    string
	secretsPath string
	dirty       bool // tracks if config was modified

	// Identity
	thingID   string
	boardID   string
	deviceKey string

	// Network
	wifiSSID        string
	wifiPass        string
	wifiLeaveOnExit bool

	// Cloud
	publishInterval int
	historySize     int

	// Server settings
	addr   string
	dbPath string

	// Security settings
	apiSecret       string
	tokenExpiration time.Duration
	noAuth          bool
	trustProxy      bool

	// MQTT settings
	mqttBroker  string
	mqttPrefix  string
	mqttUseTLS  bool
	haDiscovery bool
}

// Load loads configuration from the .env file at filePath, creating it with
// defaults when missing, and the secrets from secretsPath. A missing secrets
// file leaves the secrets empty.
func Load(filePath, secretsPath string) (*Config, error) {
	cfg := &Config{
		filePath:    filePath,
		secretsPath: secretsPath,
	}

	cfg.setDefaults()

	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	if err := cfg.loadSecrets(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	if cfg.apiSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate API secret: %w", err)
		}
		cfg.apiSecret = secret
		cfg.dirty = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

// setDefaults initializes all non-secret fields with default values.
func (c *Config) setDefaults() {
	c.thingID = ""
	c.boardID = ""
	c.publishInterval = DefaultPublishInterval
	c.historySize = DefaultHistorySize
	c.addr = DefaultAddr
	c.dbPath = DefaultDB
	c.apiSecret = ""
	c.tokenExpiration = DefaultTokenExpiration
	c.noAuth = DefaultNoAuth
	c.trustProxy = DefaultTrustProxy
	c.wifiLeaveOnExit = DefaultWiFiLeaveOnExit
	c.mqttBroker = DefaultMQTTBroker
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = DefaultMQTTUseTLS
	c.haDiscovery = DefaultHADiscovery
}

func readEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values, err := godotenv.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return values, nil
}

// loadFromFile reads configuration from .env file.
func (c *Config) loadFromFile() error {
	values, err := readEnvFile(c.filePath)
	if err != nil {
		return err
	}
	c.applyValues(values)
	return nil
}

// loadSecrets reads the device key and Wi-Fi credentials.
func (c *Config) loadSecrets() error {
	if c.secretsPath == "" {
		return nil
	}
	values, err := readEnvFile(c.secretsPath)
	if err != nil {
		return err
	}
	c.deviceKey = values[EnvDeviceKey]
	c.wifiSSID = values[EnvWiFiSSID]
	c.wifiPass = values[EnvWiFiPass]
	return nil
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) {
	if v, ok := values[EnvThingID]; ok {
		c.thingID = strings.TrimSpace(v)
	}
	if v, ok := values[EnvBoardID]; ok {
		c.boardID = strings.TrimSpace(v)
	}

	if v, ok := values[EnvPublishInterval]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.publishInterval = n
		}
	}
	if v, ok := values[EnvHistorySize]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.historySize = n
		}
	}

	if v, ok := values[EnvAddr]; ok && v != "" {
		c.addr = v
	}
	if v, ok := values[EnvDB]; ok && v != "" {
		c.dbPath = v
	}

	if v, ok := values[EnvAPISecret]; ok && v != "" {
		c.apiSecret = v
	}
	if v, ok := values[EnvTokenExpiration]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.tokenExpiration = time.Duration(seconds) * time.Second
		}
	}
	if v, ok := values[EnvNoAuth]; ok {
		c.noAuth = parseBool(v)
	}
	if v, ok := values[EnvTrustProxy]; ok {
		c.trustProxy = parseBool(v)
	}
	if v, ok := values[EnvWiFiLeaveOnExit]; ok {
		c.wifiLeaveOnExit = parseBool(v)
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
	if v, ok := values[EnvMQTTPrefix]; ok {
		c.mqttPrefix = v
	}
	if v, ok := values[EnvMQTTUseTLS]; ok {
		c.mqttUseTLS = parseBool(v)
	}
	if v, ok := values[EnvHADiscovery]; ok {
		c.haDiscovery = parseBool(v)
	}
}

// validate checks if configuration is valid.
// Empty identity values are accepted here; the cloud client rejects them.
func (c *Config) validate() error {
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}

	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		if _, err := strconv.Atoi(strings.TrimPrefix(c.addr, ":")); err != nil {
			return fmt.Errorf("invalid server address format: %s", c.addr)
		}
	} else {
		portNum, err := strconv.Atoi(port)
		if err != nil || portNum < 1 || portNum > 65535 {
			return fmt.Errorf("invalid port number: %s", port)
		}
	}

	if c.publishInterval < 1 {
		return fmt.Errorf("publish interval must be at least 1 second, got %d", c.publishInterval)
	}
	if c.historySize < 1 {
		return fmt.Errorf("history size must be positive, got %d", c.historySize)
	}

	if c.tokenExpiration < time.Minute {
		return errors.New("token expiration must be at least 1 minute")
	}
	if c.tokenExpiration > 365*24*time.Hour {
		return errors.New("token expiration cannot exceed 1 year")
	}

	if c.dbPath == "" {
		return errors.New("database path cannot be empty")
	}

	return nil
}

// Save writes current configuration to the .env file. Secrets are never
// written.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := godotenv.Write(values, filePath); err != nil {
		return err
	}
	if err := os.Chmod(filePath, 0600); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvThingID:         c.thingID,
		EnvBoardID:         c.boardID,
		EnvPublishInterval: strconv.Itoa(c.publishInterval),
		EnvHistorySize:     strconv.Itoa(c.historySize),
		EnvAddr:            c.addr,
		EnvDB:              c.dbPath,
		EnvAPISecret:       c.apiSecret,
		EnvTokenExpiration: strconv.Itoa(int(c.tokenExpiration.Seconds())),
		EnvNoAuth:          strconv.FormatBool(c.noAuth),
		EnvTrustProxy:      strconv.FormatBool(c.trustProxy),
		EnvWiFiLeaveOnExit: strconv.FormatBool(c.wifiLeaveOnExit),
		// MQTT settings
		EnvMQTTBroker:  c.mqttBroker,
		EnvMQTTPrefix:  c.mqttPrefix,
		EnvMQTTUseTLS:  strconv.FormatBool(c.mqttUseTLS),
		EnvHADiscovery: strconv.FormatBool(c.haDiscovery),
	}
}

// Getters (thread-safe)

// ThingID returns the cloud-assigned thing identifier.
func (c *Config) ThingID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thingID
}

// BoardID returns the board identifier.
func (c *Config) BoardID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boardID
}

// DeviceKey returns the secret device key.
func (c *Config) DeviceKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceKey
}

// WiFiSSID returns the Wi-Fi network name.
func (c *Config) WiFiSSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wifiSSID
}

// WiFiPass returns the Wi-Fi password.
func (c *Config) WiFiPass() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wifiPass
}

// PublishInterval returns the property publish interval in seconds.
func (c *Config) PublishInterval() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.publishInterval
}

// HistorySize returns how many samples are kept per property.
func (c *Config) HistorySize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historySize
}

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// APISecret returns the API token signing secret.
func (c *Config) APISecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiSecret
}

// TokenExpiration returns the API token lifetime.
func (c *Config) TokenExpiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenExpiration
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// TrustProxy returns whether X-Real-IP and X-Forwarded-For identify the
// client.
func (c *Config) TrustProxy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trustProxy
}

// WiFiLeaveOnExit returns whether the node leaves the Wi-Fi network on
// shutdown.
func (c *Config) WiFiLeaveOnExit() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wifiLeaveOnExit
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// MQTTPrefix returns the MQTT topic prefix.
func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// HADiscovery returns whether Home Assistant discovery is published.
func (c *Config) HADiscovery() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.haDiscovery
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no, on (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := func(s string) string {
		if s == "" {
			return "[not set]"
		}
		return "[set]"
	}

	return fmt.Sprintf(
		"Config{ThingID: %q, BoardID: %q, DeviceKey: %s, WiFiSSID: %q, WiFiPass: %s, PublishInterval: %ds, Addr: %q, DB: %q, APISecret: %s, NoAuth: %v, MQTTBroker: %q}",
		c.thingID, c.boardID, secretDisplay(c.deviceKey), c.wifiSSID, secretDisplay(c.wifiPass),
		c.publishInterval, c.addr, c.dbPath, secretDisplay(c.apiSecret), c.noAuth, c.mqttBroker,
	)
}
