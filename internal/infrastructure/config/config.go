package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCapacity is the ring buffer size used when a sensor entry omits one.
const DefaultCapacity = 1024

// Config is the root configuration structure for SensorHub.
// It is loaded from YAML and can be overridden by SENSORHUB_* environment
// variables.
type Config struct {
	Hub        HubConfig        `yaml:"hub"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Sensors    []SensorConfig   `yaml:"sensors"`
}

// HubConfig identifies this SensorHub instance.
type HubConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite settings for the sensor catalogue.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// EventRetention is how long health events are kept. Zero keeps them
	// forever.
	EventRetention time.Duration `yaml:"event_retention"`
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

// MQTTAuthConfig contains MQTT credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS settings. With RequireClientCert set, clients must
// present a certificate signed by ClientCAFile.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// APITimeoutConfig contains HTTP timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains streaming protocol settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// SupervisorConfig tunes adapter health supervision.
type SupervisorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	FailureGrace  time.Duration `yaml:"failure_grace"`
	RestartBudget int           `yaml:"restart_budget"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	ChildCapacity int           `yaml:"child_capacity"`
}

// TelemetryConfig controls what is mirrored to MQTT and InfluxDB.
type TelemetryConfig struct {
	Interval       time.Duration `yaml:"interval"`
	PublishSamples bool          `yaml:"publish_samples"`
	SampleRate     float64       `yaml:"sample_rate"`
}

// SensorConfig declares one adapter to build at startup. Params is decoded
// by the adapter factory according to Kind.
type SensorConfig struct {
	ID          string    `yaml:"id"`
	Kind        string    `yaml:"kind"`
	Description string    `yaml:"description"`
	Capacity    int       `yaml:"capacity"`
	Disabled    bool      `yaml:"disabled"`
	Params      yaml.Node `yaml:"params"`
}

// BufferCapacity returns the configured capacity or DefaultCapacity.
func (s SensorConfig) BufferCapacity() int {
	if s.Capacity > 0 {
		return s.Capacity
	}
	return DefaultCapacity
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The loading order is:
//  1. Default values
//  2. YAML file values
//  3. SENSORHUB_* environment variables
//
// Parameters:
//   - path: path to the YAML configuration file
//
// Returns:
//   - *Config: loaded and validated configuration
//   - error: if the file cannot be read, parsed, or fails validation
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

func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			ID:   "sensorhub-01",
			Name: "SensorHub",
		},
		Database: DatabaseConfig{
			Path:           "./data/sensorhub.db",
			WALMode:        true,
			BusyTimeout:    5,
			EventRetention: 30 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "sensorhub",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     500,
			FlushInterval: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Supervisor: SupervisorConfig{
			Interval:      time.Second,
			FailureGrace:  5 * time.Second,
			RestartBudget: 3,
			StopTimeout:   2 * time.Second,
			ChildCapacity: DefaultCapacity,
		},
		Telemetry: TelemetryConfig{
			Interval:   10 * time.Second,
			SampleRate: 1,
		},
	}
}

// applyEnvOverrides applies SENSORHUB_SECTION_KEY environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENSORHUB_HUB_ID"); v != "" {
		cfg.Hub.ID = v
	}
	if v := os.Getenv("SENSORHUB_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("SENSORHUB_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SENSORHUB_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SENSORHUB_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("SENSORHUB_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("SENSORHUB_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("SENSORHUB_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("SENSORHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Hub.ID == "" {
		errs = append(errs, "hub.id is required")
	} else if strings.ContainsAny(c.Hub.ID, "/+#") {
		errs = append(errs, "hub.id must not contain MQTT wildcards or '/'")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.EventRetention < 0 {
		errs = append(errs, "database.event_retention must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "" {
			errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when tls is enabled")
		}
		if c.API.TLS.RequireClientCert && c.API.TLS.ClientCAFile == "" {
			errs = append(errs, "api.tls.client_ca_file is required when require_client_cert is set")
		}
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with '/'")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, "websocket.max_message_size must be positive")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}

	if c.Supervisor.RestartBudget < 0 {
		errs = append(errs, "supervisor.restart_budget must not be negative")
	}
	if c.Telemetry.SampleRate < 0 {
		errs = append(errs, "telemetry.sample_rate must not be negative")
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("sensors[%d].id is required", i))
		} else if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("sensors[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true
		if s.Kind == "" {
			errs = append(errs, fmt.Sprintf("sensors[%d].kind is required", i))
		}
		if s.Capacity < 0 {
			errs = append(errs, fmt.Sprintf("sensors[%d].capacity must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
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
