package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the OPC-UA agent.
// All configuration is loaded from YAML and can be overridden by
// environment variables.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	OPCUA      OPCUAConfig      `yaml:"opcua"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Database   DatabaseConfig   `yaml:"database"`
	Encryption EncryptionConfig `yaml:"encryption"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AgentConfig identifies this agent instance.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// OPCUAConfig contains OPC-UA server connection settings.
type OPCUAConfig struct {
	// Endpoint is the server URL, e.g. "opc.tcp://plc-01:4840".
	Endpoint string `yaml:"endpoint"`

	// SecurityPolicy selects the OPC-UA security policy:
	// "none", "basic256", "basic256sha256". Empty picks the most
	// secure endpoint the server offers.
	SecurityPolicy string `yaml:"security_policy"`

	// SecurityMode is "none", "sign" or "signandencrypt".
	SecurityMode string `yaml:"security_mode"`

	Auth          OPCUAAuthConfig           `yaml:"auth"`
	Subscriptions []OPCUASubscriptionConfig `yaml:"subscriptions"`
	Reconnect     ReconnectConfig           `yaml:"reconnect"`

	// SessionTimeout is the requested OPC-UA session lifetime.
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// OPCUAAuthConfig contains OPC-UA identity token settings.
// Empty username means anonymous authentication.
type OPCUAAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// OPCUASubscriptionConfig groups monitored nodes by sampling interval.
// One OPC-UA subscription is created per entry.
type OPCUASubscriptionConfig struct {
	// PublishInterval is the requested publishing interval.
	PublishInterval time.Duration `yaml:"publish_interval"`

	// Nodes lists the node identifiers to monitor,
	// e.g. "ns=2;s=Pumps.Pump1.Flow".
	Nodes []string `yaml:"nodes"`

	// Timestamps selects which server timestamps to request:
	// "none", "source", "server", "both". Default: "source".
	Timestamps string `yaml:"timestamps"`
}

// ReconnectConfig contains retry/backoff settings shared by the
// OPC-UA and MQTT transports.
type ReconnectConfig struct {
	// InitialDelay is the first backoff delay in seconds.
	InitialDelay int `yaml:"initial_delay"`

	// MaxDelay caps the exponential backoff in seconds.
	MaxDelay int `yaml:"max_delay"`

	// MaxAttempts limits consecutive failed attempts before the
	// failure is treated as fatal. 0 means retry forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig `yaml:"broker"`
	Auth      MQTTAuthConfig   `yaml:"auth"`
	QoS       int              `yaml:"qos"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
	Queue     MQTTQueueConfig  `yaml:"queue"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTQueueConfig controls the publisher's delivery queue.
type MQTTQueueConfig struct {
	// Size is the bounded queue capacity in messages.
	Size int `yaml:"size"`

	// FullPolicy selects the behaviour when the queue is full:
	// "block" applies backpressure to the pipeline (default),
	// "drop" discards the newest sample and counts it.
	FullPolicy string `yaml:"full_policy"`
}

// DatabaseConfig contains SQLite settings for the ratchet state store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// EncryptionConfig controls the Megolm payload protection engine.
type EncryptionConfig struct {
	// Mandatory refuses to publish a channel's samples in the clear
	// when its session state cannot be persisted. When false a
	// persistence failure only fails the affected channel's
	// encryption path.
	Mandatory bool `yaml:"mandatory"`

	// PickleKey protects exported session pickles. Required when any
	// channel enables encryption. Set via OPCAGENT_PICKLE_KEY.
	PickleKey string `yaml:"pickle_key"`
}

// InfluxDBConfig contains the optional local telemetry recorder settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// ChannelConfig maps one OPC-UA node to one MQTT topic.
// Channels are created at startup and are immutable for the process
// lifetime.
type ChannelConfig struct {
	// Device is the stable device identifier, e.g. "pump-1".
	Device string `yaml:"device"`

	// Node is the OPC-UA node identifier this channel publishes.
	Node string `yaml:"node"`

	// Topic is the MQTT topic template. The "{device}" placeholder is
	// replaced with the device identifier. Default: "telemetry/{device}".
	Topic string `yaml:"topic"`

	// QoS overrides the broker default QoS for this channel.
	// Omitted (or -1) keeps the broker default.
	QoS int `yaml:"qos"`

	// Encrypted enables Megolm payload protection for this channel.
	Encrypted bool `yaml:"encrypted"`
}

// UnmarshalYAML decodes a ChannelConfig, defaulting QoS to -1 so an
// omitted qos can be told apart from an explicit QoS 0.
func (c *ChannelConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw ChannelConfig
	r := raw{QoS: -1}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = ChannelConfig(r)
	return nil
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: OPCAGENT_SECTION_KEY,
// e.g. OPCAGENT_MQTT_PASSWORD, OPCAGENT_OPCUA_ENDPOINT.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:   "opcua-agent-001",
			Name: "OPC-UA Agent",
		},
		OPCUA: OPCUAConfig{
			SecurityPolicy: "none",
			SecurityMode:   "none",
			SessionTimeout: 15 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     120,
				MaxAttempts:  0,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			Queue: MQTTQueueConfig{
				Size:       1024,
				FullPolicy: "block",
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/opcua-agent.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
// Only secrets and deployment-specific endpoints are overridable; the
// channel table always comes from the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPCAGENT_OPCUA_ENDPOINT"); v != "" {
		cfg.OPCUA.Endpoint = v
	}
	if v := os.Getenv("OPCAGENT_OPCUA_USERNAME"); v != "" {
		cfg.OPCUA.Auth.Username = v
	}
	if v := os.Getenv("OPCAGENT_OPCUA_PASSWORD"); v != "" {
		cfg.OPCUA.Auth.Password = v
	}

	if v := os.Getenv("OPCAGENT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("OPCAGENT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("OPCAGENT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("OPCAGENT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OPCAGENT_PICKLE_KEY"); v != "" {
		cfg.Encryption.PickleKey = v
	}
	if v := os.Getenv("OPCAGENT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// minPickleKeyLength is the minimum accepted pickle key length.
// The key feeds an HKDF so any length works cryptographically, but a
// short key would make exported session material trivially brute-forced.
const minPickleKeyLength = 16

// Validate checks the configuration for errors.
//
// Returns a description of every validation failure found, or nil if
// the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.ID == "" {
		errs = append(errs, "agent.id is required")
	}

	if c.OPCUA.Endpoint == "" {
		errs = append(errs, "opcua.endpoint is required")
	}
	for i, sub := range c.OPCUA.Subscriptions {
		if len(sub.Nodes) == 0 {
			errs = append(errs, fmt.Sprintf("opcua.subscriptions[%d].nodes must not be empty", i))
		}
		switch strings.ToLower(sub.Timestamps) {
		case "", "none", "source", "server", "both":
		default:
			errs = append(errs, fmt.Sprintf("opcua.subscriptions[%d].timestamps must be none, source, server or both", i))
		}
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Queue.Size < 1 {
		errs = append(errs, "mqtt.queue.size must be at least 1")
	}
	switch strings.ToLower(c.MQTT.Queue.FullPolicy) {
	case "", "block", "drop":
	default:
		errs = append(errs, "mqtt.queue.full_policy must be block or drop")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	encrypted := false
	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Device == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].device is required", i))
			continue
		}
		if seen[ch.Device] {
			errs = append(errs, fmt.Sprintf("channels[%d]: duplicate device %q", i, ch.Device))
		}
		seen[ch.Device] = true
		if ch.Node == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].node is required", i))
		}
		if ch.QoS > 2 || ch.QoS < -1 {
			errs = append(errs, fmt.Sprintf("channels[%d].qos must be 0, 1, or 2", i))
		}
		if ch.Encrypted {
			encrypted = true
		}
	}

	// A pickle key is only needed once encrypted sessions exist.
	if encrypted && c.Encryption.PickleKey == "" {
		errs = append(errs, "encryption.pickle_key is required when any channel is encrypted (set OPCAGENT_PICKLE_KEY)")
	} else if encrypted && len(c.Encryption.PickleKey) < minPickleKeyLength {
		errs = append(errs, fmt.Sprintf("encryption.pickle_key must be at least %d characters", minPickleKeyLength))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ChannelQoS returns the effective QoS for a channel, falling back to
// the broker default when the channel does not set one.
func (c *Config) ChannelQoS(ch ChannelConfig) byte {
	if ch.QoS >= 0 && ch.QoS <= 2 {
		return byte(ch.QoS)
	}
	return byte(c.MQTT.QoS)
}

// InitialBackoff returns the initial reconnect delay as a Duration.
func (r ReconnectConfig) InitialBackoff() time.Duration {
	if r.InitialDelay <= 0 {
		return time.Second
	}
	return time.Duration(r.InitialDelay) * time.Second
}

// MaxBackoff returns the backoff cap as a Duration.
func (r ReconnectConfig) MaxBackoff() time.Duration {
	if r.MaxDelay <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(r.MaxDelay) * time.Second
}
