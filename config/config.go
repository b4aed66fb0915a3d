// Package config loads the relay server settings from flags, the environment and defaults.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Setting keys, each is a flag name and, upper cased with - replaced by _,
// an environment variable.
const (
	KeyPort            = "port"
	KeyLogLevel        = "log-level"
	KeyAllowedOrigins  = "allowed-origins"
	KeyMaxMessageBytes = "max-message-bytes"
	KeySendBuffer      = "send-buffer"
	KeyWriteTimeout    = "write-timeout"
	KeyPongTimeout     = "pong-timeout"
)

// Config holds the server settings.
type Config struct {
	Port     string
	LogLevel string
	// AllowedOrigins restricts websocket upgrades to these origins, empty allows all.
	AllowedOrigins  []string
	MaxMessageBytes int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
}

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Port:            "3000",
		LogLevel:        zerolog.InfoLevel.String(),
		MaxMessageBytes: 1 << 20,
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
	}
}

// EnvName is the environment variable read for key.
func EnvName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Flags registers every setting on fs.
func Flags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP(KeyPort, "p", d.Port, "port to listen on")
	fs.String(KeyLogLevel, d.LogLevel, "log level (trace, debug, info, warn, error)")
	fs.StringSlice(KeyAllowedOrigins, nil, "origins allowed to connect, empty allows all")
	fs.Int64(KeyMaxMessageBytes, d.MaxMessageBytes, "largest frame accepted from a member")
	fs.Int(KeySendBuffer, d.SendBuffer, "frames queued per member before frames are dropped")
	fs.Duration(KeyWriteTimeout, d.WriteTimeout, "time allowed to write a frame to a member")
	fs.Duration(KeyPongTimeout, d.PongTimeout, "time to wait for a pong before dropping a member")
}

// Load reads the settings from the flags set in fs, then the environment, then
// the defaults. fs can be nil to skip flags.
//
// A value that cannot be parsed is an error, range checks are left to Validate.
func Load(fs *pflag.FlagSet) (*Config, error) {
	d := Default()
	v := viper.New()
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyMaxMessageBytes, d.MaxMessageBytes)
	v.SetDefault(KeySendBuffer, d.SendBuffer)
	v.SetDefault(KeyWriteTimeout, d.WriteTimeout)
	v.SetDefault(KeyPongTimeout, d.PongTimeout)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "failed to bind flags")
		}
	}

	cfg := &Config{
		Port:           strings.TrimSpace(v.GetString(KeyPort)),
		LogLevel:       strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		AllowedOrigins: stringList(v.Get(KeyAllowedOrigins)),
	}
	var err error
	if cfg.MaxMessageBytes, err = cast.ToInt64E(v.Get(KeyMaxMessageBytes)); err != nil {
		return nil, invalid(KeyMaxMessageBytes, err)
	}
	if cfg.SendBuffer, err = cast.ToIntE(v.Get(KeySendBuffer)); err != nil {
		return nil, invalid(KeySendBuffer, err)
	}
	if cfg.WriteTimeout, err = duration(v.Get(KeyWriteTimeout)); err != nil {
		return nil, invalid(KeyWriteTimeout, err)
	}
	if cfg.PongTimeout, err = duration(v.Get(KeyPongTimeout)); err != nil {
		return nil, invalid(KeyPongTimeout, err)
	}
	return cfg, nil
}

func invalid(key string, err error) error {
	return errors.Wrapf(err, "invalid %s (--%s)", EnvName(key), key)
}

// Validate checks the config can be used to start a server.
func (c *Config) Validate() error {
	p, err := strconv.Atoi(c.Port)
	if err != nil || p < 0 || p > 65535 {
		return errors.Errorf("invalid port %q", c.Port)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid log level %q", c.LogLevel)
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("max message bytes must be greater than 0")
	}
	if c.SendBuffer <= 0 {
		return errors.New("send buffer must be greater than 0")
	}
	if c.WriteTimeout <= 0 || c.PongTimeout <= 0 {
		return errors.New("timeouts must be greater than 0")
	}
	return nil
}

// Addr is the listen address for the configured port on all interfaces.
func (c *Config) Addr() string {
	return net.JoinHostPort("", c.Port)
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	l, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// stringList flattens a comma separated env value or a slice flag into its non empty entries.
func stringList(raw interface{}) []string {
	var parts []string
	switch t := raw.(type) {
	case string:
		parts = strings.Split(t, ",")
	case []string:
		for _, s := range t {
			parts = append(parts, strings.Split(s, ",")...)
		}
	}
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// duration accepts a Go duration ("15s") or a whole number of seconds.
func duration(raw interface{}) (time.Duration, error) {
	s, ok := raw.(string)
	if !ok {
		return cast.ToDurationE(raw)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%q is not a duration", s)
	}
	return d, nil
}
