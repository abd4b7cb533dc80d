// Package config loads the servient configuration from YAML.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/twinfer/wotkit/pkg/binding/httpbinding"
	"github.com/twinfer/wotkit/pkg/binding/mqttbinding"
	"github.com/twinfer/wotkit/pkg/servient"
)

//go:embed default.yaml
var defaultConfigYAML []byte

// Config is the complete servient configuration.
type Config struct {
	Log         LogConfig                       `yaml:"log"`
	HTTP        HTTPConfig                      `yaml:"http"`
	MQTT        MQTTConfig                      `yaml:"mqtt"`
	Client      ClientConfig                    `yaml:"client"`
	Metrics     MetricsConfig                   `yaml:"metrics"`
	Credentials map[string]servient.Credentials `yaml:"credentials"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// HTTPConfig configures the HTTP binding server.
type HTTPConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Host    string                 `yaml:"host"`
	Port    int                    `yaml:"port"`
	BaseURL string                 `yaml:"base_url"`
	Auth    httpbinding.AuthConfig `yaml:"auth"`
}

// MQTTConfig configures the MQTT binding server and client discovery.
type MQTTConfig struct {
	Enabled         bool                     `yaml:"enabled"`
	Broker          mqttbinding.BrokerConfig `yaml:"broker"`
	Prefix          string                   `yaml:"prefix"`
	QoS             int                      `yaml:"qos"`
	DiscoveryWindow time.Duration            `yaml:"discovery_window"`
}

// ClientConfig lists the client bindings in priority order.
type ClientConfig struct {
	Schemes     []string      `yaml:"schemes"`
	Timeout     time.Duration `yaml:"timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultConfigYAML, cfg); err != nil {
		panic(fmt.Sprintf("invalid embedded default config: %v", err))
	}
	return cfg
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg, keeping the values data does not set.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks the values the servient cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.HTTP.Enabled && (c.HTTP.Port < 0 || c.HTTP.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid http port %d", c.HTTP.Port))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker.URL == "" {
			errs = append(errs, errors.New("mqtt broker url is required"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("invalid mqtt qos %d", c.MQTT.QoS))
		}
	}
	for i, s := range c.Client.Schemes {
		c.Client.Schemes[i] = strings.ToLower(s)
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger.
func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
