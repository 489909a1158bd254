package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/idmgr/pkg/types"
)

const (
	defaultServerPort  = 50061
	defaultMetricsPort = 9090
)

// Config represents the complete configuration file.
// Maps config file fields through YAML tags.
type Config struct {
	Resource types.Resource `yaml:"resource"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Snapshot struct {
		Path string `yaml:"path"`
	} `yaml:"snapshot"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = defaultMetricsPort
	}

	return &cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *Config) (*logrus.Entry, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level := logrus.InfoLevel
	if cfg.Log.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	switch cfg.Log.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", cfg.Log.Format)
	}

	return logger.WithField("component", "idmgr"), nil
}
