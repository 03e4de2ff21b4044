package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/progrium/chanmux/bridge"
	"github.com/progrium/chanmux/codec"
	"github.com/progrium/chanmux/mux"
	"github.com/rs/zerolog"
)

const (
	envCodec    = "CHANMUX_CODEC"
	envLogLevel = "CHANMUX_LOG_LEVEL"
)

// Config holds the settings shared by every command.
type Config struct {
	Codec        string
	LogLevel     string
	Host         string
	Window       int64
	PingInterval int64
	MaxFrameSize int
}

// chanmux config.toml key mapping to Config.
type fileConfig struct {
	Codec        string `toml:"codec"`
	LogLevel     string `toml:"log_level"`
	Host         string `toml:"host"`
	Window       int64  `toml:"window"`
	PingInterval int64  `toml:"ping_interval"`
	MaxFrameSize int    `toml:"max_frame_size"`
}

func defaultConfig() Config {
	b := bridge.DefaultConfig()
	return Config{
		Codec:        "json",
		LogLevel:     "info",
		Host:         b.Host,
		Window:       b.Window,
		PingInterval: b.PingInterval,
		MaxFrameSize: b.MaxFrameSize,
	}
}

// loadConfig overlays the TOML file at path, if any, and then the
// environment onto the defaults.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if keys := meta.Undecoded(); len(keys) > 0 {
			return Config{}, fmt.Errorf("load config: unknown key %q", keys[0].String())
		}
		if meta.IsDefined("codec") {
			cfg.Codec = strings.TrimSpace(raw.Codec)
		}
		if meta.IsDefined("log_level") {
			cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
		}
		if meta.IsDefined("host") {
			cfg.Host = strings.TrimSpace(raw.Host)
		}
		if meta.IsDefined("window") {
			cfg.Window = raw.Window
		}
		if meta.IsDefined("ping_interval") {
			cfg.PingInterval = raw.PingInterval
		}
		if meta.IsDefined("max_frame_size") {
			cfg.MaxFrameSize = raw.MaxFrameSize
		}
	}

	if v := getenv(envCodec); v != "" {
		cfg.Codec = v
	}
	if v := getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if _, err := codec.ByName(cfg.Codec); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.Window <= 0 || cfg.PingInterval <= 0 || cfg.MaxFrameSize <= 0 {
		return Config{}, fmt.Errorf("load config: window, ping_interval and max_frame_size must be positive")
	}
	return cfg, nil
}

func (c Config) level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c Config) codec() codec.Codec {
	cd, err := codec.ByName(c.Codec)
	if err != nil {
		return codec.JSONCodec{}
	}
	return cd
}

func (c Config) bridgeConfig(logger zerolog.Logger) bridge.Config {
	cfg := bridge.DefaultConfig()
	cfg.Host = c.Host
	cfg.Codec = c.codec()
	cfg.Window = c.Window
	cfg.PingInterval = c.PingInterval
	cfg.MaxFrameSize = c.MaxFrameSize
	cfg.Logger = logger
	return cfg
}

func (c Config) muxConfig(logger zerolog.Logger) mux.Config {
	cfg := mux.DefaultConfig()
	cfg.Codec = c.codec()
	cfg.Logger = logger
	return cfg
}
