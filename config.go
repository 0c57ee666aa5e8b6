package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the startup configuration of the bridge server
type Config struct {
	Listen         string               `yaml:"listen"`
	WSPath         string               `yaml:"ws_path"`
	StaticDir      string               `yaml:"static_dir"`
	Broker         BrokerConfig         `yaml:"broker"`
	Admin          AdminConfig          `yaml:"admin"`
	Store          StoreConfig          `yaml:"store"`
	Log            LogConfig            `yaml:"log"`
	EmbeddedBroker EmbeddedBrokerConfig `yaml:"embedded_broker"`
}

type BrokerConfig struct {
	URL            string        `yaml:"url"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	TLS            TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type AdminConfig struct {
	GRPCListen    string `yaml:"grpc_listen"`
	MetricsListen string `yaml:"metrics_listen"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// EmbeddedBrokerConfig starts an in-process MQTT broker when Listen is set
type EmbeddedBrokerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen: ":3000",
		WSPath: "/ws",
		Broker: BrokerConfig{
			URL:            "tcp://127.0.0.1:1883",
			QoS:            0,
			ConnectTimeout: defaultConnectTimeout,
			PublishTimeout: defaultPublishTimeout,
			KeepAlive:      defaultKeepAlive,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults. An empty
// path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}

	u, err := url.Parse(c.Broker.URL)
	switch {
	case c.Broker.URL == "":
		errs = append(errs, errors.New("broker.url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("broker.url: %w", err))
	default:
		switch u.Scheme {
		case "tcp", "mqtt", "ssl", "tls", "mqtts", "tcps", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("broker.url scheme %q is not supported", u.Scheme))
		}
	}

	if c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("broker.qos %d must be 0, 1 or 2", c.Broker.QoS))
	}
	if c.Broker.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("broker.connect_timeout must be positive"))
	}
	if c.Broker.PublishTimeout <= 0 {
		errs = append(errs, errors.New("broker.publish_timeout must be positive"))
	}
	if c.Broker.TLS.Enabled && (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		errs = append(errs, errors.New("broker.tls.cert_file and key_file must be set together"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// NewLogger builds the zap logger described by the log section
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ConnectorOptions translates the broker section into connector options
func (c BrokerConfig) ConnectorOptions(logger *zap.Logger) ([]ConnectorOption, error) {
	opts := []ConnectorOption{
		WithQoS(c.QoS),
		WithConnectTimeout(c.ConnectTimeout),
		WithPublishTimeout(c.PublishTimeout),
		WithConnectorLogger(logger),
	}
	if c.KeepAlive > 0 {
		opts = append(opts, WithKeepAlive(c.KeepAlive))
	}
	if c.TLS.Enabled {
		tlsConfig, err := c.TLS.Build()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTLSConfig(tlsConfig))
	}
	return opts, nil
}

// Build loads the CA and client certificate files into a tls.Config
func (c TLSConfig) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 -- opt-in for test brokers
	}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
