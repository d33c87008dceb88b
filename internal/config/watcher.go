package config

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

const (
	WatcherFileName  = "kvwatch.properties"
	WatcherEnvPrefix = "KVWATCH"
	DefaultTarget    = "default"
)

// Target is one directory to watch and where its records go.
type Target struct {
	WatchDirectory string `mapstructure:"watchDirectory" validate:"required"`
	FilterPattern  string `mapstructure:"watchDirectoryFilterPattern" validate:"required,regexp"`
	ServerURL      string `mapstructure:"scannerServerURL" validate:"required,url"`
}

// Watcher is the kvwatch configuration.
type Watcher struct {
	Target `mapstructure:",squash"`

	RequestTimeout    time.Duration `mapstructure:"requestTimeout"`
	RetryMaxAttempts  int           `mapstructure:"retryMaxAttempts" validate:"min=1,max=100"`
	RetryInitialDelay time.Duration `mapstructure:"retryInitialDelay"`
	RetryMaxDelay     time.Duration `mapstructure:"retryMaxDelay"`
	SettleDelay       time.Duration `mapstructure:"settleDelay"`
	QuietPeriod       time.Duration `mapstructure:"quietPeriod"`
	LogLevel          string        `mapstructure:"logLevel" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogFormat         string        `mapstructure:"logFormat" validate:"omitempty,oneof=console json"`
	LogFile           string        `mapstructure:"logFile"`
	MetricsAddress    string        `mapstructure:"metricsAddress" validate:"omitempty,hostname_port"`

	Targets map[string]Target `mapstructure:"targets" validate:"dive"`

	Path string `mapstructure:"-"`
}

var watcherKeys = []string{
	"watchDirectory", "watchDirectoryFilterPattern", "scannerServerURL",
	"requestTimeout", "retryMaxAttempts", "retryInitialDelay", "retryMaxDelay",
	"settleDelay", "quietPeriod", "logLevel", "logFormat", "logFile", "metricsAddress",
}

// LoadWatcher reads kvwatch.properties from dir (or dir itself if it is a
// file), applies defaults and environment overrides, and validates.
func LoadWatcher(dir string) (Watcher, error) {
	var cfg Watcher

	path, err := resolvePath(dir, WatcherFileName)
	if err != nil {
		return cfg, err
	}

	v, err := newViper(path, WatcherEnvPrefix, map[string]any{
		"requestTimeout":    model.DefaultRequestTimeout,
		"retryMaxAttempts":  model.DefaultRetryAttempts,
		"retryInitialDelay": model.DefaultRetryInitialDelay,
		"retryMaxDelay":     model.DefaultRetryMaxDelay,
		"settleDelay":       time.Duration(0),
		"quietPeriod":       model.DefaultQuietPeriod,
		"logLevel":          "info",
		"logFormat":         "console",
	}, watcherKeys)
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
	if err := cfg.checkRanges(); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrConfiguration, path, err)
	}
	return cfg, nil
}

func (w Watcher) checkRanges() error {
	switch {
	case w.RequestTimeout < 0:
		return fmt.Errorf("requestTimeout must not be negative, got %s", w.RequestTimeout)
	case w.SettleDelay < 0:
		return fmt.Errorf("settleDelay must not be negative, got %s", w.SettleDelay)
	case w.QuietPeriod < 0:
		return fmt.Errorf("quietPeriod must not be negative, got %s", w.QuietPeriod)
	case w.RetryInitialDelay < 0 || w.RetryMaxDelay < 0:
		return fmt.Errorf("retry delays must not be negative")
	case w.RetryMaxDelay > 0 && w.RetryMaxDelay < w.RetryInitialDelay:
		return fmt.Errorf("retryMaxDelay %s is below retryInitialDelay %s", w.RetryMaxDelay, w.RetryInitialDelay)
	}
	seen := make(map[string]string)
	for _, t := range w.WatchTargets() {
		u, err := url.Parse(t.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("target %q: scannerServerURL %q must be an absolute http(s) URL", t.Name, t.ServerURL)
		}
		if other, dup := seen[t.Directory]; dup {
			return fmt.Errorf("targets %q and %q watch the same directory %s", other, t.Name, t.Directory)
		}
		seen[t.Directory] = t.Name
	}
	return nil
}

// WatchTargets lists the top-level target first, then any targets.<name>
// entries in name order.
func (w Watcher) WatchTargets() []model.WatchTarget {
	out := []model.WatchTarget{w.Target.watchTarget(DefaultTarget)}

	names := make([]string, 0, len(w.Targets))
	for name := range w.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, w.Targets[name].watchTarget(name))
	}
	return out
}

func (t Target) watchTarget(name string) model.WatchTarget {
	return model.WatchTarget{
		Name:          name,
		Directory:     t.WatchDirectory,
		FilterPattern: t.FilterPattern,
		ServerURL:     t.ServerURL,
	}
}
