package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the nmfleet console.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Console   ConsoleConfig   `yaml:"console"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Push      PushConfig      `yaml:"push"`
	Command   CommandConfig   `yaml:"command"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ConsoleConfig identifies this console instance.
type ConsoleConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DiscoveryConfig contains the UDP listener settings.
type DiscoveryConfig struct {
	// BindHost is the local address both listener sockets bind to.
	// Default: "0.0.0.0"
	BindHost string `yaml:"bind_host"`

	// ConfigPort receives configuration announcements. Default: 12346
	ConfigPort int `yaml:"config_port"`

	// StatusPort receives status beacons. Default: 12345
	StatusPort int `yaml:"status_port"`

	// PollIntervalMS bounds each receive so the loops stay responsive to Stop.
	// Default: 100
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// ReadBufferSize is the maximum datagram size accepted. Default: 4096
	ReadBufferSize int `yaml:"read_buffer_size"`

	// RegisterOnBeacon creates a registry record for a status beacon from an
	// unseen address. When false, such beacons are dropped until the device
	// announces itself on the configuration channel.
	RegisterOnBeacon bool `yaml:"register_on_beacon"`

	// LivenessTimeout marks a device offline when nothing has been heard from
	// it for this long. Zero disables the check.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
}

// PushConfig contains configuration-push settings.
type PushConfig struct {
	// Port is the device-side UDP port for configuration pushes. Default: 12347
	Port int `yaml:"port"`

	// Attempts is how many identical datagrams are sent per push. Default: 10
	Attempts int `yaml:"attempts"`

	// IntervalMS is the delay between datagrams. Default: 100
	IntervalMS int `yaml:"interval_ms"`

	// BroadcastAddress is used when the target is 0.0.0.0.
	// Default: "255.255.255.255"
	BroadcastAddress string `yaml:"broadcast_address"`
}

// CommandConfig contains settings for the synchronous command channel.
type CommandConfig struct {
	// TCPPort is the device command port used over the network. Default: 12345
	TCPPort int `yaml:"tcp_port"`

	// ConnectTimeoutMS bounds the TCP dial. Default: 1000
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`

	// ResponseTimeoutMS bounds each reply read. Default: 1000
	ResponseTimeoutMS int `yaml:"response_timeout_ms"`

	// SettleDelayMS is how long the client waits for the firmware to process a
	// WiFi provisioning line before draining its output. Default: 500
	SettleDelayMS int `yaml:"settle_delay_ms"`

	Serial SerialConfig `yaml:"serial"`
}

// SerialConfig contains the direct serial link settings.
type SerialConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: NMFLEET_SECTION_KEY
// For example: NMFLEET_DATABASE_PATH, NMFLEET_SERIAL_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config populated with the firmware's well-known ports and
// the console's standard timings.
func Default() *Config {
	return &Config{
		Console: ConsoleConfig{
			ID:   "console-001",
			Name: "NM Fleet Console",
		},
		Discovery: DiscoveryConfig{
			BindHost:       "0.0.0.0",
			ConfigPort:     12346,
			StatusPort:     12345,
			PollIntervalMS: 100,
			ReadBufferSize: 4096,
		},
		Push: PushConfig{
			Port:             12347,
			Attempts:         10,
			IntervalMS:       100,
			BroadcastAddress: "255.255.255.255",
		},
		Command: CommandConfig{
			TCPPort:           12345,
			ConnectTimeoutMS:  1000,
			ResponseTimeoutMS: 1000,
			SettleDelayMS:     500,
			Serial: SerialConfig{
				BaudRate: 115200,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/nmfleet.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "nmfleet-console",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: NMFLEET_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Discovery
	if v := os.Getenv("NMFLEET_DISCOVERY_BIND_HOST"); v != "" {
		cfg.Discovery.BindHost = v
	}

	// Push
	if v := os.Getenv("NMFLEET_PUSH_BROADCAST_ADDRESS"); v != "" {
		cfg.Push.BroadcastAddress = v
	}

	// Serial
	if v := os.Getenv("NMFLEET_SERIAL_PORT"); v != "" {
		cfg.Command.Serial.Port = v
		cfg.Command.Serial.Enabled = true
	}
	if v := os.Getenv("NMFLEET_SERIAL_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			cfg.Command.Serial.BaudRate = baud
		}
	}

	// Database
	if v := os.Getenv("NMFLEET_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("NMFLEET_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("NMFLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("NMFLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("NMFLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// API
	if v := os.Getenv("NMFLEET_API_HOST"); v != "" {
		cfg.API.Host = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Console.ID == "" {
		errs = append(errs, "console.id is required")
	}

	// Discovery validation
	if !validPort(c.Discovery.ConfigPort, true) {
		errs = append(errs, "discovery.config_port must be between 0 and 65535")
	}
	if !validPort(c.Discovery.StatusPort, true) {
		errs = append(errs, "discovery.status_port must be between 0 and 65535")
	}
	if c.Discovery.ConfigPort != 0 && c.Discovery.ConfigPort == c.Discovery.StatusPort {
		errs = append(errs, "discovery.config_port and discovery.status_port must differ")
	}
	if c.Discovery.PollIntervalMS <= 0 {
		errs = append(errs, "discovery.poll_interval_ms must be positive")
	}
	if c.Discovery.ReadBufferSize <= 0 {
		errs = append(errs, "discovery.read_buffer_size must be positive")
	}
	if c.Discovery.LivenessTimeout < 0 {
		errs = append(errs, "discovery.liveness_timeout cannot be negative")
	}

	// Push validation
	if !validPort(c.Push.Port, false) {
		errs = append(errs, "push.port must be between 1 and 65535")
	}
	if c.Push.Attempts < 1 {
		errs = append(errs, "push.attempts must be at least 1")
	}
	if c.Push.IntervalMS < 0 {
		errs = append(errs, "push.interval_ms cannot be negative")
	}
	if net.ParseIP(c.Push.BroadcastAddress) == nil {
		errs = append(errs, "push.broadcast_address must be an IP address")
	}

	// Command validation
	if !validPort(c.Command.TCPPort, false) {
		errs = append(errs, "command.tcp_port must be between 1 and 65535")
	}
	if c.Command.ResponseTimeoutMS <= 0 {
		errs = append(errs, "command.response_timeout_ms must be positive")
	}
	if c.Command.Serial.Enabled {
		if c.Command.Serial.Port == "" {
			errs = append(errs, "command.serial.port is required when serial is enabled")
		}
		if c.Command.Serial.BaudRate <= 0 {
			errs = append(errs, "command.serial.baud_rate must be positive")
		}
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// API validation
	if !validPort(c.API.Port, false) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validPort reports whether p is a usable port number. Zero is accepted only
// where the OS may pick an ephemeral port.
func validPort(p int, allowZero bool) bool {
	if p == 0 {
		return allowZero
	}
	return p > 0 && p <= 65535
}

// PollInterval returns the listener poll interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Discovery.PollIntervalMS) * time.Millisecond
}

// PushInterval returns the delay between push datagrams as a Duration.
func (c *Config) PushInterval() time.Duration {
	return time.Duration(c.Push.IntervalMS) * time.Millisecond
}

// ResponseTimeout returns the command reply timeout as a Duration.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Command.ResponseTimeoutMS) * time.Millisecond
}

// ConnectTimeout returns the command channel dial timeout as a Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Command.ConnectTimeoutMS) * time.Millisecond
}

// SettleDelay returns the WiFi provisioning settle delay as a Duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Command.SettleDelayMS) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
