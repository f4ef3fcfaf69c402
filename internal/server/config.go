package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
	"github.com/shaunagostinho/elm327-dash/internal/mqtt"
)

const defaultConfigPath = "/etc/elm327-dash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Adapters, one poller each
	Vehicles []VehicleConfig `yaml:"vehicles" json:"vehicles"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	MQTT    mqtt.Config   `yaml:"mqtt" json:"mqtt"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

// Adapter types.
const (
	TypeTCP    = "tcp"
	TypeSerial = "serial"
	TypeDemo   = "demo"
)

type VehicleConfig struct {
	Name             string   `yaml:"name" json:"name"`
	Type             string   `yaml:"type" json:"type"`          // "tcp", "serial" or "demo"
	Host             string   `yaml:"host" json:"host"`          // WiFi adapters, e.g. 192.168.0.10
	Port             int      `yaml:"port" json:"port"`          // usually 35000
	PortPath         string   `yaml:"port_path" json:"portPath"` // e.g. /dev/rfcomm0
	BaudRate         int      `yaml:"baud_rate" json:"baudRate"`
	TimeoutS         float64  `yaml:"timeout_s" json:"timeoutS"`                  // connect
	ExchangeTimeoutS float64  `yaml:"exchange_timeout_s" json:"exchangeTimeoutS"` // per command
	PollIntervalS    float64  `yaml:"poll_interval_s" json:"pollIntervalS"`
	PIDs             []string `yaml:"pids" json:"pids"` // empty = all supported
}

type DisplayConfig struct {
	Units      UnitsConfig     `yaml:"units" json:"units"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

type UnitsConfig struct {
	Temperature string `yaml:"temperature" json:"temperature"` // "C" or "F"
	Pressure    string `yaml:"pressure" json:"pressure"`       // "kpa" or "psi"
	Speed       string `yaml:"speed" json:"speed"`             // "kph" or "mph"
}

type ThresholdConfig struct {
	RPMWarn   float64 `yaml:"rpm_warn" json:"rpmWarn"`
	RPMDanger float64 `yaml:"rpm_danger" json:"rpmDanger"`
	RPMMax    float64 `yaml:"rpm_max" json:"rpmMax"`
	FuelLow   float64 `yaml:"fuel_low" json:"fuelLow"` // %
	BattLow   float64 `yaml:"batt_low" json:"battLow"`
	BattHigh  float64 `yaml:"batt_high" json:"battHigh"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
	File   string `yaml:"file" json:"file"`     // empty = stderr
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultVehicle is a WiFi adapter at its factory address.
func DefaultVehicle() VehicleConfig {
	return VehicleConfig{
		Name:             "car",
		Type:             TypeTCP,
		Host:             "192.168.0.10",
		Port:             35000,
		PortPath:         "/dev/rfcomm0",
		BaudRate:         38400,
		TimeoutS:         elm327.DefaultTimeout.Seconds(),
		ExchangeTimeoutS: elm327.DefaultExchangeTimeout.Seconds(),
		PollIntervalS:    30,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Vehicles: []VehicleConfig{DefaultVehicle()},
		Display: DisplayConfig{
			Units: UnitsConfig{
				Temperature: "C",
				Pressure:    "kpa",
				Speed:       "kph",
			},
			Thresholds: ThresholdConfig{
				RPMWarn:   5500,
				RPMDanger: 6500,
				RPMMax:    7000,
				FuelLow:   15,
				BattLow:   12.0,
				BattHigh:  14.8,
			},
		},
		MQTT: mqtt.Config{
			Broker:      mqtt.DefaultBroker,
			TopicPrefix: mqtt.DefaultTopicPrefix,
			Retain:      true,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log logrus.FieldLogger) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithField("path", path).Info("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithError(err).WithField("path", path).Warn("error parsing config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.WithField("path", path).Info("config loaded")
	}
	cfg.fillVehicleDefaults()

	// .env next to the config, then the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// fillVehicleDefaults backfills fields a partial YAML vehicle left at zero.
func (c *Config) fillVehicleDefaults() {
	def := DefaultVehicle()
	for i := range c.Vehicles {
		v := &c.Vehicles[i]
		if v.Name == "" {
			v.Name = fmt.Sprintf("vehicle%d", i+1)
		}
		if v.Type == "" {
			v.Type = def.Type
		}
		if v.Port == 0 {
			v.Port = def.Port
		}
		if v.BaudRate == 0 {
			v.BaudRate = def.BaudRate
		}
		if v.TimeoutS == 0 {
			v.TimeoutS = def.TimeoutS
		}
		if v.ExchangeTimeoutS == 0 {
			v.ExchangeTimeoutS = def.ExchangeTimeoutS
		}
		if v.PollIntervalS == 0 {
			v.PollIntervalS = def.PollIntervalS
		}
	}
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log logrus.FieldLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.WithField("path", path).Debug("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Adapter overrides (ELM_*, POLL_INTERVAL) apply to the first vehicle.
func (c *Config) applyEnvOverrides() {
	if len(c.Vehicles) == 0 {
		c.Vehicles = []VehicleConfig{DefaultVehicle()}
	}
	v := &c.Vehicles[0]
	if s := os.Getenv("ELM_TYPE"); s != "" {
		v.Type = s
	}
	if s := os.Getenv("ELM_HOST"); s != "" {
		v.Host = s
	}
	if s := os.Getenv("ELM_PORT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			v.Port = n
		}
	}
	if s := os.Getenv("ELM_SERIAL_PORT"); s != "" {
		v.PortPath = s
	}
	if s := os.Getenv("ELM_BAUD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			v.BaudRate = n
		}
	}
	if s := os.Getenv("ELM_TIMEOUT"); s != "" {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			v.TimeoutS = n
			v.ExchangeTimeoutS = n
		}
	}
	if s := os.Getenv("POLL_INTERVAL"); s != "" {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			v.PollIntervalS = n
		}
	}
	if s := os.Getenv("LISTEN_ADDR"); s != "" {
		c.Server.ListenAddr = s
	}
	if s := os.Getenv("MQTT_BROKER"); s != "" {
		c.MQTT.Broker = s
	}
	if s := os.Getenv("MQTT_ENABLED"); s != "" {
		c.MQTT.Enabled = s == "1" || s == "true" || s == "yes"
	}
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		c.Log.Level = s
	}
	if s := os.Getenv("LOG_FORMAT"); s != "" {
		c.Log.Format = s
	}
	if s := os.Getenv("TEMP_UNIT"); s != "" {
		c.Display.Units.Temperature = s
	}
	if s := os.Getenv("SPEED_UNIT"); s != "" {
		c.Display.Units.Speed = s
	}
}

// Validate reports every problem in the vehicle list at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.Vehicles) == 0 {
		return errors.New("config: no vehicles configured")
	}
	var errs []error
	seen := make(map[string]bool)
	for i, v := range c.Vehicles {
		where := fmt.Sprintf("vehicles[%d] %q", i, v.Name)
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name required", where))
		} else if seen[v.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name", where))
		}
		seen[v.Name] = true

		switch v.Type {
		case TypeTCP:
			if v.Host == "" || v.Port <= 0 || v.Port > 65535 {
				errs = append(errs, fmt.Errorf("%s: tcp needs host and a port in 1-65535", where))
			}
		case TypeSerial:
			if v.PortPath == "" {
				errs = append(errs, fmt.Errorf("%s: serial needs port_path", where))
			}
		case TypeDemo:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown type %q", where, v.Type))
		}

		if v.TimeoutS <= 0 || v.ExchangeTimeoutS <= 0 || v.PollIntervalS <= 0 {
			errs = append(errs, fmt.Errorf("%s: timeouts and poll interval must be positive", where))
		}
		if _, err := elm327.SelectPIDs(v.PIDs); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}
	return errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// PollInterval is the time between collection cycles.
func (v VehicleConfig) PollInterval() time.Duration { return seconds(v.PollIntervalS) }

// ExchangeTimeout bounds a single command round trip.
func (v VehicleConfig) ExchangeTimeout() time.Duration { return seconds(v.ExchangeTimeoutS) }

// Dialer builds the transport dialer for the adapter type.
func (v VehicleConfig) Dialer() (elm327.Dialer, error) {
	switch v.Type {
	case TypeTCP:
		return elm327.TCPDialer(elm327.Endpoint{Host: v.Host, Port: v.Port}, seconds(v.TimeoutS)), nil
	case TypeSerial:
		return elm327.SerialDialer(elm327.SerialConfig{PortPath: v.PortPath, BaudRate: v.BaudRate}), nil
	case TypeDemo:
		return elm327.DemoDialer(), nil
	}
	return nil, fmt.Errorf("unknown adapter type %q", v.Type)
}

// ClientConfig builds the elm327 client settings for this vehicle.
func (v VehicleConfig) ClientConfig(log logrus.FieldLogger, obs elm327.Observer) (elm327.Config, error) {
	dial, err := v.Dialer()
	if err != nil {
		return elm327.Config{}, err
	}
	pids, err := elm327.SelectPIDs(v.PIDs)
	if err != nil {
		return elm327.Config{}, err
	}
	return elm327.Config{
		Dialer:          dial,
		ExchangeTimeout: v.ExchangeTimeout(),
		PIDs:            pids,
		Logger:          log,
		Observer:        obs,
	}, nil
}

// DisplaySnapshot returns a copy of the display settings.
func (c *Config) DisplaySnapshot() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.savePath()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// savePath is the file Save writes to. Callers hold mu.
func (c *Config) savePath() string {
	if c.path == "" {
		return defaultConfigPath
	}
	return c.path
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Vehicle changes take effect on restart.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
