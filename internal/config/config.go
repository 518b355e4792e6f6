// Package config loads framectl settings from a TOML file.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Zereker/framing"
	"github.com/Zereker/framing/internal/message"
)

// Config holds the settings shared by the serve and send commands.
type Config struct {
	Addr            string
	Serializer      string
	LogLevel        string
	IdleTimeout     time.Duration
	StallTimeout    time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	ReadChunkSize   int
	MaxFrameSize    int
	MaxConns        int
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:            "127.0.0.1:8080",
		Serializer:      message.SerializerCBOR,
		LogLevel:        "info",
		StallTimeout:    10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		ReadChunkSize:   4096,
		MaxFrameSize:    framing.MaxFrameSize,
	}
}

type fileConfig struct {
	Addr            string `toml:"addr"`
	Serializer      string `toml:"serializer"`
	LogLevel        string `toml:"log_level"`
	IdleTimeout     string `toml:"idle_timeout"`
	StallTimeout    string `toml:"stall_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	ReadChunkSize   int    `toml:"read_chunk_size"`
	MaxFrameSize    int    `toml:"max_frame_size"`
	MaxConns        int    `toml:"max_conns"`
}

// Load reads path and overlays the keys it defines on Default().
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	return fromFile(raw, meta)
}

// Decode parses TOML text the same way Load parses a file.
func Decode(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("config: unknown key %q", undecoded[0].String())
	}

	cfg := Default()

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("serializer") {
		cfg.Serializer = strings.TrimSpace(raw.Serializer)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"stall_timeout", raw.StallTimeout, &cfg.StallTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("read_chunk_size") {
		cfg.ReadChunkSize = raw.ReadChunkSize
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("max_conns") {
		cfg.MaxConns = raw.MaxConns
	}

	return cfg, cfg.Validate()
}

// Validate checks ranges that the framing options would otherwise clamp silently.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is empty")
	}
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > framing.MaxFrameSize {
		return errors.Errorf("config: max_frame_size %d outside (0, %d]", c.MaxFrameSize, framing.MaxFrameSize)
	}
	if c.ReadChunkSize <= 0 {
		return errors.Errorf("config: read_chunk_size %d must be positive", c.ReadChunkSize)
	}
	if c.IdleTimeout < 0 || c.StallTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	if c.MaxConns < 0 {
		return errors.Errorf("config: max_conns %d must not be negative", c.MaxConns)
	}
	if _, err := message.NewSerializer(c.Serializer); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

// ConnOptions returns the framing options for one connection.
func (c Config) ConnOptions(logger framing.Logger) []framing.Option {
	return []framing.Option{
		framing.IdleTimeoutOption(c.IdleTimeout),
		framing.StallTimeoutOption(c.StallTimeout),
		framing.WriteTimeoutOption(c.WriteTimeout),
		framing.ReadChunkSizeOption(c.ReadChunkSize),
		framing.MessageMaxSize(c.MaxFrameSize),
		framing.LoggerOption(logger),
	}
}

// ServerOptions returns the framing options for the listener.
func (c Config) ServerOptions(logger framing.Logger) []framing.ServerOption {
	return []framing.ServerOption{
		framing.ServerLoggerOption(logger),
		framing.ServerShutdownTimeoutOption(c.ShutdownTimeout),
		framing.ServerMaxConnsOption(c.MaxConns),
	}
}
