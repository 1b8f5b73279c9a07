// Package config handles weather station configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/weatherstation/config.yaml,
// /etc/weatherstation/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "weatherstation", "config.yaml"))
	}

	paths = append(paths, "/etc/weatherstation/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all weather station configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LEDs      LEDsConfig      `yaml:"leds"`
	Retry     RetryConfig     `yaml:"retry"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// MQTTConfig defines the broker connection and topic layout.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. mqtt://broker.hivemq.com:1883.
	// mqtts:// and ssl:// enable TLS.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	KeepAliveSec int `yaml:"keepalive_sec"`

	TelemetryTopic string `yaml:"telemetry_topic"`
	ControlTopic   string `yaml:"control_topic"`

	// DeviceName identifies the station in Home Assistant and in the
	// generated client ID when ClientID is empty.
	DeviceName string `yaml:"device_name"`

	// DiscoveryPrefix enables Home Assistant MQTT discovery when set
	// (usually "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// InboundRateLimit caps control messages handled per second.
	InboundRateLimit int `yaml:"inbound_rate_limit"`
}

// KeepAlive returns the MQTT keepalive in seconds, clamped to the
// protocol's 16-bit field.
func (c MQTTConfig) KeepAlive() uint16 {
	if c.KeepAliveSec <= 0 {
		return 0
	}
	if c.KeepAliveSec > 65535 {
		return 65535
	}
	return uint16(c.KeepAliveSec)
}

// AvailabilityTopic is where the retained online/offline status lives.
func (c MQTTConfig) AvailabilityTopic() string {
	return c.TelemetryTopic + "/availability"
}

// SensorConfig selects and tunes the environmental sensor.
type SensorConfig struct {
	// Driver is "bme" (periph.io bmxx80 over I²C) or "sim".
	Driver string `yaml:"driver"`
	// Bus is the I²C bus name; empty selects the first available bus.
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`

	SeaLevelHPa float64 `yaml:"sea_level_hpa"`

	ReadAttempts int `yaml:"read_attempts"`
	ReadDelayMs  int `yaml:"read_delay_ms"`
}

// ReadDelay returns the pause between sensor read attempts.
func (c SensorConfig) ReadDelay() time.Duration {
	return time.Duration(c.ReadDelayMs) * time.Millisecond
}

// TelemetryConfig controls the publish loop and temperature calibration.
type TelemetryConfig struct {
	IntervalSec int `yaml:"interval_sec"`

	// TemperatureOffset is added to the raw Celsius reading before unit
	// conversion.
	TemperatureOffset float64 `yaml:"temperature_offset"`
	// TemperatureUnit is "fahrenheit" (default) or "celsius".
	TemperatureUnit string `yaml:"temperature_unit"`

	// SettleDelaySec is how long to wait after start before the first
	// broker connect, giving the network time to come up.
	SettleDelaySec int `yaml:"settle_delay_sec"`
}

// Interval returns the publish period.
func (c TelemetryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// SettleDelay returns the pre-connect delay.
func (c TelemetryConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelaySec) * time.Second
}

// LEDsConfig describes the two indicator outputs.
type LEDsConfig struct {
	// Driver is "gpio" (character device lines) or "memory".
	Driver string        `yaml:"driver"`
	Chip   string        `yaml:"chip"`
	Board  LEDLineConfig `yaml:"board"`
	Temp   LEDLineConfig `yaml:"temp"`
	// Persist restores the last commanded state on restart.
	Persist bool `yaml:"persist"`
}

// LEDLineConfig is a single GPIO output line.
type LEDLineConfig struct {
	Line      int  `yaml:"line"`
	ActiveLow bool `yaml:"active_low"`
}

// RetryConfig bounds broker reconnection.
type RetryConfig struct {
	InitialDelaySec int     `yaml:"initial_delay_sec"`
	MaxDelaySec     int     `yaml:"max_delay_sec"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxRetries      int     `yaml:"max_retries"`
	ProbeTimeoutSec int     `yaml:"probe_timeout_sec"`
	// MaxSessions caps consecutive failed sessions (0 = unlimited).
	MaxSessions int `yaml:"max_sessions"`
}

// MonitorConfig tunes the monitor command.
type MonitorConfig struct {
	// HighTempF is the threshold above which TEMP_LED is considered on.
	HighTempF float64 `yaml:"high_temp_f"`
	// AutoTempLED publishes a control record whenever the high-temperature
	// state changes.
	AutoTempLED bool `yaml:"auto_temp_led"`
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${NAME} are expanded before parsing, so broker
// credentials can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a field is absent from
// the file: one second cadence, five second network settle, a -5 °C
// calibration offset and an hour of MQTT keepalive.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			KeepAliveSec:     3600,
			TelemetryTopic:   "drew/weather_station",
			ControlTopic:     "drew/led_status_update",
			DeviceName:       "weather-station",
			InboundRateLimit: 20,
		},
		Sensor: SensorConfig{
			Driver:       "bme",
			Address:      0x76,
			SeaLevelHPa:  1013.25,
			ReadAttempts: 3,
			ReadDelayMs:  100,
		},
		Telemetry: TelemetryConfig{
			IntervalSec:       1,
			TemperatureOffset: -5,
			TemperatureUnit:   "fahrenheit",
			SettleDelaySec:    5,
		},
		LEDs: LEDsConfig{
			Driver:  "gpio",
			Chip:    "gpiochip0",
			Board:   LEDLineConfig{Line: 17},
			Temp:    LEDLineConfig{Line: 27},
			Persist: true,
		},
		Retry: RetryConfig{
			InitialDelaySec: 2,
			MaxDelaySec:     60,
			Multiplier:      2.0,
			MaxRetries:      10,
			ProbeTimeoutSec: 10,
		},
		Monitor: MonitorConfig{
			HighTempF: 70,
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// applyDefaults fills values that an explicit empty string in the file
// would otherwise blank out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.MQTT.TelemetryTopic == "" {
		c.MQTT.TelemetryTopic = d.MQTT.TelemetryTopic
	}
	if c.MQTT.ControlTopic == "" {
		c.MQTT.ControlTopic = d.MQTT.ControlTopic
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = d.MQTT.DeviceName
	}
	if c.Sensor.Driver == "" {
		c.Sensor.Driver = d.Sensor.Driver
	}
	if c.Telemetry.TemperatureUnit == "" {
		c.Telemetry.TemperatureUnit = d.Telemetry.TemperatureUnit
	}
	if c.LEDs.Driver == "" {
		c.LEDs.Driver = d.LEDs.Driver
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker: unsupported scheme %q (valid: mqtt, tcp, mqtts, ssl, ws, wss)", u.Scheme)
	}
	if c.MQTT.TelemetryTopic == c.MQTT.ControlTopic {
		return fmt.Errorf("mqtt.telemetry_topic and mqtt.control_topic must differ")
	}
	if c.MQTT.KeepAliveSec < 0 {
		return fmt.Errorf("mqtt.keepalive_sec must not be negative")
	}
	if c.MQTT.InboundRateLimit <= 0 {
		return fmt.Errorf("mqtt.inbound_rate_limit must be positive")
	}

	switch c.Sensor.Driver {
	case "bme", "sim":
	default:
		return fmt.Errorf("sensor.driver: unknown driver %q (valid: bme, sim)", c.Sensor.Driver)
	}
	if c.Sensor.SeaLevelHPa <= 0 {
		return fmt.Errorf("sensor.sea_level_hpa must be positive")
	}
	if c.Sensor.ReadAttempts < 1 {
		return fmt.Errorf("sensor.read_attempts must be at least 1")
	}

	if c.Telemetry.IntervalSec < 1 {
		return fmt.Errorf("telemetry.interval_sec must be at least 1")
	}
	switch c.Telemetry.TemperatureUnit {
	case "fahrenheit", "celsius":
	default:
		return fmt.Errorf("telemetry.temperature_unit: unknown unit %q (valid: fahrenheit, celsius)", c.Telemetry.TemperatureUnit)
	}
	if c.Telemetry.SettleDelaySec < 0 {
		return fmt.Errorf("telemetry.settle_delay_sec must not be negative")
	}

	switch c.LEDs.Driver {
	case "gpio", "memory":
	default:
		return fmt.Errorf("leds.driver: unknown driver %q (valid: gpio, memory)", c.LEDs.Driver)
	}
	if c.LEDs.Driver == "gpio" && c.LEDs.Board.Line == c.LEDs.Temp.Line {
		return fmt.Errorf("leds.board.line and leds.temp.line must differ")
	}

	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Retry.InitialDelaySec < 0 || c.Retry.MaxDelaySec < c.Retry.InitialDelaySec {
		return fmt.Errorf("retry delays must satisfy 0 <= initial_delay_sec <= max_delay_sec")
	}
	if c.Retry.MaxSessions < 0 {
		return fmt.Errorf("retry.max_sessions must not be negative")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
