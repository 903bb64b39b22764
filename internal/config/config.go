package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/subtype/internal/broker"
	"github.com/dshills/subtype/internal/logging"
	"github.com/dshills/subtype/internal/modwatch"
	"github.com/dshills/subtype/internal/service"
)

// Config is the complete subtype configuration.
type Config struct {
	Log     LogConfig     `toml:"log" yaml:"log"`
	Service ServiceConfig `toml:"service" yaml:"service"`
	Broker  BrokerConfig  `toml:"broker" yaml:"broker"`
	Watcher WatcherConfig `toml:"watcher" yaml:"watcher"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" yaml:"level"`
	// Format is json or console.
	Format string `toml:"format" yaml:"format"`
}

// ServiceConfig describes how language services are spawned.
type ServiceConfig struct {
	Command          string   `toml:"command" yaml:"command"`
	Args             []string `toml:"args" yaml:"args"`
	Env              []string `toml:"env" yaml:"env"`
	BootstrapDir     string   `toml:"bootstrap_dir" yaml:"bootstrap_dir"`
	HandshakeTimeout Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	StopTimeout      Duration `toml:"stop_timeout" yaml:"stop_timeout"`
}

// BrokerConfig holds the editor event timings and source detection.
type BrokerConfig struct {
	UpdateDelay      Duration `toml:"update_delay" yaml:"update_delay"`
	ErrorsDelay      Duration `toml:"errors_delay" yaml:"errors_delay"`
	ReloadDelay      Duration `toml:"reload_delay" yaml:"reload_delay"`
	RequestTimeout   Duration `toml:"request_timeout" yaml:"request_timeout"`
	Extensions       []string `toml:"extensions" yaml:"extensions"`
	FileTypes        []string `toml:"file_types" yaml:"file_types"`
	StrictInvariants bool     `toml:"strict_invariants" yaml:"strict_invariants"`
}

// WatcherConfig configures the module watcher.
type WatcherConfig struct {
	Backend  string   `toml:"backend" yaml:"backend"`
	Interval Duration `toml:"interval" yaml:"interval"`
	Code     string   `toml:"code" yaml:"code"`
	Ignore   []string `toml:"ignore" yaml:"ignore"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `toml:"addr" yaml:"addr"`
	// Namespace prefixes every metric name.
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() Config {
	b := broker.DefaultConfig()
	w := modwatch.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info", Format: logging.FormatJSON},
		Service: ServiceConfig{
			Command:          "node",
			HandshakeTimeout: Duration(30 * time.Second),
			StopTimeout:      Duration(2 * time.Second),
		},
		Broker: BrokerConfig{
			UpdateDelay:    Duration(b.UpdateDelay),
			ErrorsDelay:    Duration(b.ErrorsDelay),
			ReloadDelay:    Duration(b.ReloadDelay),
			RequestTimeout: Duration(b.RequestTimeout),
			Extensions:     b.Extensions,
			FileTypes:      b.FileTypes,
		},
		Watcher: WatcherConfig{
			Backend:  w.Backend,
			Interval: Duration(w.Interval),
			Code:     w.Code,
			Ignore:   w.Ignore,
		},
		Metrics: MetricsConfig{Namespace: "subtype"},
	}
}

// ServiceConfig returns the process configuration.
func (c Config) ServiceConfig() service.Config {
	return service.Config{
		Command:          c.Service.Command,
		Args:             append([]string(nil), c.Service.Args...),
		Env:              append([]string(nil), c.Service.Env...),
		BootstrapDir:     c.Service.BootstrapDir,
		HandshakeTimeout: c.Service.HandshakeTimeout.Std(),
		StopTimeout:      c.Service.StopTimeout.Std(),
	}
}

// BrokerConfig returns the broker configuration.
func (c Config) BrokerConfig() broker.Config {
	return broker.Config{
		UpdateDelay:      c.Broker.UpdateDelay.Std(),
		ErrorsDelay:      c.Broker.ErrorsDelay.Std(),
		ReloadDelay:      c.Broker.ReloadDelay.Std(),
		RequestTimeout:   c.Broker.RequestTimeout.Std(),
		Extensions:       append([]string(nil), c.Broker.Extensions...),
		FileTypes:        append([]string(nil), c.Broker.FileTypes...),
		StrictInvariants: c.Broker.StrictInvariants,
		Watcher: modwatch.Config{
			Code:     c.Watcher.Code,
			Interval: c.Watcher.Interval.Std(),
			Backend:  c.Watcher.Backend,
			Ignore:   append([]string(nil), c.Watcher.Ignore...),
		},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Path: "log.level", Message: "invalid level", Err: err}
	}
	switch c.Log.Format {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		return &ValidationError{Path: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	if c.Service.Command == "" {
		return &ValidationError{Path: "service.command", Message: "must not be empty"}
	}
	if c.Service.HandshakeTimeout < 0 || c.Service.StopTimeout < 0 {
		return &ValidationError{Path: "service", Message: "timeouts must not be negative"}
	}
	switch c.Watcher.Backend {
	case "", modwatch.BackendPoll, modwatch.BackendFSNotify:
	default:
		return &ValidationError{Path: "watcher.backend", Message: fmt.Sprintf("unknown backend %q", c.Watcher.Backend)}
	}
	if _, err := modwatch.NewIgnore(c.Watcher.Ignore...); err != nil {
		return &ValidationError{Path: "watcher.ignore", Message: "invalid pattern", Err: err}
	}
	if err := c.BrokerConfig().Validate(); err != nil {
		return &ValidationError{Path: "broker", Message: "invalid timings", Err: err}
	}
	return nil
}
