// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/backoff"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "20s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return errors.NotValidf("duration %q", string(b))
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the file form of the connector options.
type Config struct {
	URL               string          `yaml:"url" toml:"url"`
	Codec             string          `yaml:"codec" toml:"codec"`
	CallTimeout       Duration        `yaml:"call_timeout" toml:"call_timeout"`
	ConnectTimeout    Duration        `yaml:"connect_timeout" toml:"connect_timeout"`
	Buffering         *bool           `yaml:"buffering" toml:"buffering"`
	KeepAlive         KeepAliveConfig `yaml:"keepalive" toml:"keepalive"`
	Reconnect         ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	ResetOnDisconnect bool            `yaml:"reset_on_disconnect" toml:"reset_on_disconnect"`
	EventBuffer       int             `yaml:"event_buffer" toml:"event_buffer"`
	Log               LogConfig       `yaml:"log" toml:"log"`
}

type KeepAliveConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	Method   string   `yaml:"method" toml:"method"`
}

type ReconnectConfig struct {
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	BaseDelay   Duration `yaml:"base_delay" toml:"base_delay"`
	Multiplier  float64  `yaml:"multiplier" toml:"multiplier"`
	Jitter      float64  `yaml:"jitter" toml:"jitter"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// DefaultConfig returns the configuration matching the option defaults.
func DefaultConfig() Config {
	buffering := true
	return Config{
		Codec:          "msgpack",
		CallTimeout:    Duration(DefaultCallTimeout),
		ConnectTimeout: Duration(DefaultConnectTimeout),
		Buffering:      &buffering,
		KeepAlive:      KeepAliveConfig{Method: PingMethod},
		Reconnect: ReconnectConfig{
			BaseDelay:  Duration(backoff.DefaultConfig.BaseDelay),
			Multiplier: backoff.DefaultConfig.Multiplier,
			Jitter:     backoff.DefaultConfig.Jitter,
			MaxDelay:   Duration(backoff.DefaultConfig.MaxDelay),
		},
		EventBuffer: DefaultEventBuffer,
		Log:         LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML or TOML file, picked by extension, over the
// defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return Config{}, errors.Annotatef(err, "config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes data in the given format ("yaml", "yml" or "toml")
// over the defaults and validates the result.
func ParseConfig(data []byte, format string) (Config, error) {
	cfg := DefaultConfig()
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.NewNotValid(err, "yaml config")
		}
	case "toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, errors.NewNotValid(err, "toml config")
		}
	default:
		return Config{}, errors.NotSupportedf("config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the connector cannot use.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.NotValidf("empty url")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" {
		return errors.NotValidf("url %q", c.URL)
	}
	if _, err := CodecByName(c.Codec); err != nil {
		return errors.Trace(err)
	}
	if c.CallTimeout < 0 || c.ConnectTimeout < 0 || c.KeepAlive.Interval < 0 {
		return errors.NotValidf("negative timeout")
	}
	if c.EventBuffer < 0 {
		return errors.NotValidf("event_buffer %d", c.EventBuffer)
	}
	if c.Reconnect.Enabled {
		r := c.Reconnect
		if r.BaseDelay < 0 || r.MaxDelay < r.BaseDelay {
			return errors.NotValidf("reconnect delays %s..%s", time.Duration(r.BaseDelay), time.Duration(r.MaxDelay))
		}
		if r.Multiplier < 1 {
			return errors.NotValidf("reconnect multiplier %v", r.Multiplier)
		}
		if r.Jitter < 0 || r.Jitter > 1 {
			return errors.NotValidf("reconnect jitter %v", r.Jitter)
		}
		if r.MaxAttempts < 0 {
			return errors.NotValidf("reconnect max_attempts %d", r.MaxAttempts)
		}
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return errors.NewNotValid(err, "log level")
		}
	}
	return nil
}

// Options converts the configuration to connector options. logger is
// leveled per Log.Level.
func (c Config) Options(logger zerolog.Logger) ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	codec, _ := CodecByName(c.Codec)
	if c.Log.Level != "" {
		lvl, _ := zerolog.ParseLevel(c.Log.Level)
		logger = logger.Level(lvl)
	}
	opts := []Option{
		WithCodec(codec),
		WithLogger(logger),
		WithCallTimeout(time.Duration(c.CallTimeout)),
		WithConnectTimeout(time.Duration(c.ConnectTimeout)),
	}
	if c.Buffering != nil && !*c.Buffering {
		opts = append(opts, WithoutBuffering())
	}
	if c.KeepAlive.Interval > 0 {
		opts = append(opts, WithKeepAlive(time.Duration(c.KeepAlive.Interval)))
		if c.KeepAlive.Method != "" {
			opts = append(opts, WithKeepAliveMethod(c.KeepAlive.Method))
		}
	}
	if c.Reconnect.Enabled {
		opts = append(opts, WithReconnect(backoff.Config{
			BaseDelay:  time.Duration(c.Reconnect.BaseDelay),
			Multiplier: c.Reconnect.Multiplier,
			Jitter:     c.Reconnect.Jitter,
			MaxDelay:   time.Duration(c.Reconnect.MaxDelay),
		}, c.Reconnect.MaxAttempts))
	}
	if c.ResetOnDisconnect {
		opts = append(opts, WithResetOnDisconnect())
	}
	if c.EventBuffer > 0 {
		opts = append(opts, WithEventBuffer(c.EventBuffer))
	}
	return opts, nil
}
