package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

const (
	CollectorFileName  = "kvcollect.properties"
	CollectorEnvPrefix = "KVCOLLECT"
)

// Collector is the kvcollect configuration.
type Collector struct {
	Port           int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	Host           string        `mapstructure:"host" validate:"omitempty,hostname|ip"`
	OutputPath     string        `mapstructure:"outputPath"`
	MaxConcurrent  int           `mapstructure:"maxConcurrent" validate:"min=1"`
	ShutdownGrace  time.Duration `mapstructure:"shutdownGrace"`
	StrictStatus   bool          `mapstructure:"strictStatus"`
	MetricsEnabled bool          `mapstructure:"metricsEnabled"`
	LogLevel       string        `mapstructure:"logLevel" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogFormat      string        `mapstructure:"logFormat" validate:"omitempty,oneof=console json"`
	LogFile        string        `mapstructure:"logFile"`

	Path string `mapstructure:"-"`
}

var collectorKeys = []string{
	"port", "host", "outputPath", "maxConcurrent", "shutdownGrace",
	"strictStatus", "metricsEnabled", "logLevel", "logFormat", "logFile",
}

// LoadCollector reads kvcollect.properties from dir (or dir itself if it is
// a file), applies defaults and environment overrides, and validates.
func LoadCollector(dir string) (Collector, error) {
	var cfg Collector

	path, err := resolvePath(dir, CollectorFileName)
	if err != nil {
		return cfg, err
	}

	v, err := newViper(path, CollectorEnvPrefix, map[string]any{
		"maxConcurrent":  model.DefaultMaxConcurrent,
		"shutdownGrace":  model.DefaultShutdownGrace,
		"strictStatus":   false,
		"metricsEnabled": true,
		"logLevel":       "info",
		"logFormat":      "console",
	}, collectorKeys)
	if err != nil {
		return cfg, err
	}

	if err := unmarshal(v, path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Path = path

	if err := check(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.ShutdownGrace < 0 {
		return cfg, fmt.Errorf("%w: %s: shutdownGrace must not be negative, got %s", ErrConfiguration, path, cfg.ShutdownGrace)
	}
	return cfg, nil
}

// Addr is the listen address; an empty host binds all interfaces.
func (c Collector) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
