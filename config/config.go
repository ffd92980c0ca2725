// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config builds server options from YAML or JSON configuration files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	rv8 "github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	mqtt "github.com/mochi-mqtt/qos2"
	"github.com/mochi-mqtt/qos2/hooks/auth"
	"github.com/mochi-mqtt/qos2/hooks/debug"
	"github.com/mochi-mqtt/qos2/hooks/storage/badger"
	"github.com/mochi-mqtt/qos2/hooks/storage/bolt"
	"github.com/mochi-mqtt/qos2/hooks/storage/pebble"
	"github.com/mochi-mqtt/qos2/hooks/storage/redis"
	"github.com/mochi-mqtt/qos2/listeners"
)

var (
	// ErrRetryIntervalRange indicates the first resend delay exceeds the backoff ceiling.
	ErrRetryIntervalRange = errors.New("retry_interval must not exceed maximum_retry_interval")

	// ErrUnknownLogFormat indicates a logging format other than text or json.
	ErrUnknownLogFormat = errors.New("unknown logging format")
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options     mqtt.Options       `yaml:"options" json:"options"`
	Listeners   []listeners.Config `yaml:"listeners" json:"listeners"`
	HookConfigs HookConfigs        `yaml:"hooks" json:"hooks"`
	Logging     *LoggingConfig     `yaml:"logging" json:"logging"`
}

// LoggingConfig selects the level and output format of the server logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn or error
	Format string `yaml:"format" json:"format"` // text or json
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Auth    *HookAuthConfig    `yaml:"auth" json:"auth"`
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
}

// HookAuthConfig contains configurations for the auth hook.
type HookAuthConfig struct {
	Ledger   auth.Ledger `yaml:"ledger" json:"ledger"`
	AllowAll bool        `yaml:"allow_all" json:"allow_all"`
}

// HookStorageConfig contains configurations for the different storage hooks.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *RedisConfig    `yaml:"redis" json:"redis"`
}

// RedisConfig contains the connection settings of the redis storage hook.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Database int    `yaml:"database" json:"database"`
	HPrefix  string `yaml:"h_prefix" json:"h_prefix"`
}

// ToHooks converts Hook file configurations into Hooks to be added to the server.
func (hc HookConfigs) ToHooks() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig

	if hc.Auth != nil {
		hlc = append(hlc, hc.toHooksAuth()...)
	}

	if hc.Storage != nil {
		hlc = append(hlc, hc.toHooksStorage()...)
	}

	if hc.Debug != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: hc.Debug,
		})
	}

	return hlc
}

// toHooksAuth converts auth hook configurations into auth hooks.
func (hc HookConfigs) toHooksAuth() []mqtt.HookLoadConfig {
	if hc.Auth.AllowAll {
		return []mqtt.HookLoadConfig{{Hook: new(auth.AllowHook)}}
	}

	return []mqtt.HookLoadConfig{
		{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Users: hc.Auth.Ledger.Users,
					Auth:  hc.Auth.Ledger.Auth,
					ACL:   hc.Auth.Ledger.ACL,
				},
			},
		},
	}
}

// toHooksStorage converts storage hook configurations into storage hooks.
func (hc HookConfigs) toHooksStorage() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig
	if hc.Storage.Badger != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		})
	}

	if hc.Storage.Bolt != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		})
	}

	if hc.Storage.Redis != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis.toOptions(),
		})
	}

	if hc.Storage.Pebble != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(pebble.Hook),
			Config: hc.Storage.Pebble,
		})
	}
	return hlc
}

// toOptions converts the file settings into redis hook options. An empty
// address leaves the hook to connect to its default.
func (rc *RedisConfig) toOptions() *redis.Options {
	o := &redis.Options{HPrefix: rc.HPrefix}
	if rc.Address != "" {
		o.Options = &rv8.Options{
			Addr:     rc.Address,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.Database,
		}
	}
	return o
}

// Logger builds a structured logger writing to w.
func (lc *LoggingConfig) Logger(w io.Writer) (*slog.Logger, error) {
	opts := new(slog.HandlerOptions)
	if lc.Level != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		opts.Level = level
	}

	switch strings.ToLower(lc.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownLogFormat, lc.Format)
	}
}

// validate checks capabilities which cannot be corrected with a default.
func validate(o *mqtt.Options) error {
	c := o.Capabilities
	if c == nil {
		return nil
	}

	if c.MaximumRetryInterval > 0 && c.RetryInterval > c.MaximumRetryInterval {
		return ErrRetryIntervalRange
	}

	return nil
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid server options value.
// Any hooks configurations are converted into Hooks using the toHooks methods in this package.
func FromBytes(b []byte) (*mqtt.Options, error) {
	if len(b) == 0 {
		return nil, nil
	}

	c := new(config)
	if b[0] == '{' {
		err := json.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	} else {
		err := yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}

	o := c.Options
	o.Hooks = c.HookConfigs.ToHooks()
	o.Listeners = c.Listeners

	if c.Logging != nil {
		l, err := c.Logging.Logger(os.Stdout)
		if err != nil {
			return nil, err
		}
		o.Logger = l
	}

	if err := validate(&o); err != nil {
		return nil, err
	}

	return &o, nil
}

// FromFile reads and parses a configuration file.
func FromFile(path string) (*mqtt.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return FromBytes(b)
}
