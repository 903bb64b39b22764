package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SUBTYPE_"

// Load returns the defaults overlaid with the file at path and then with
// the environment. An empty path or a missing file leaves the defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes path over cfg. Unknown keys are rejected.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			pe := &ParseError{Path: path, Err: err}
			var de *toml.DecodeError
			if errors.As(err, &de) {
				pe.Line, pe.Column = de.Position()
			}
			return pe
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return &ParseError{Path: path, Err: err}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

// envSetting applies one environment variable.
type envSetting struct {
	name  string
	apply func(cfg *Config, value string) error
}

var envSettings = []envSetting{
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"SERVICE_COMMAND", func(c *Config, v string) error { c.Service.Command = v; return nil }},
	{"SERVICE_ARGS", func(c *Config, v string) error { c.Service.Args = strings.Fields(v); return nil }},
	{"BOOTSTRAP_DIR", func(c *Config, v string) error { c.Service.BootstrapDir = v; return nil }},
	{"WATCHER_BACKEND", func(c *Config, v string) error { c.Watcher.Backend = v; return nil }},
	{"WATCHER_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Watcher.Interval, v) }},
	{"UPDATE_DELAY", func(c *Config, v string) error { return setDuration(&c.Broker.UpdateDelay, v) }},
	{"ERRORS_DELAY", func(c *Config, v string) error { return setDuration(&c.Broker.ErrorsDelay, v) }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Metrics.Addr = v; return nil }},
	{"STRICT", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Broker.StrictInvariants = b
		return nil
	}},
}

// applyEnv overlays SUBTYPE_* variables on cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, s := range envSettings {
		v, ok := lookup(EnvPrefix + s.name)
		if !ok {
			continue
		}
		if err := s.apply(cfg, v); err != nil {
			return &ValidationError{Path: EnvPrefix + s.name, Message: fmt.Sprintf("invalid value %q", v), Err: err}
		}
	}
	return nil
}

func setDuration(d *Duration, v string) error {
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
