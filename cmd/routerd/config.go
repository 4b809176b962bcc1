package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/config"
)

// fileConfig accepts both duration strings and millisecond integers, so
// hand-written configs can say "90s" while generated ones stay numeric.
type fileConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	StatusAddr          string `toml:"status_addr"`
	AuthKey             string `toml:"auth_key"`
	RegisterTimeout     string `toml:"register_timeout"`
	RegisterTimeoutMS   int64  `toml:"register_timeout_ms"`
	HeartbeatInterval   string `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64  `toml:"heartbeat_interval_ms"`
	HeartbeatTimeout    string `toml:"heartbeat_timeout"`
	HeartbeatTimeoutMS  int64  `toml:"heartbeat_timeout_ms"`
	WriteTimeoutMS      int64  `toml:"write_timeout_ms"`
	SendBuffer          int    `toml:"send_buffer"`
}

// loadRouterConfig overlays the file onto the defaults; only keys the
// file actually defines are applied.
func loadRouterConfig(path string) (config.RouterConfig, error) {
	cfg := config.DefaultRouterConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.RouterConfig{}, fmt.Errorf("load router config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		if v := strings.TrimSpace(raw.ListenAddr); v != "" {
			cfg.ListenAddr = v
		}
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("auth_key") {
		cfg.AuthKey = strings.TrimSpace(raw.AuthKey)
	}

	if meta.IsDefined("register_timeout") {
		ms, err := parseDurationMS("register_timeout", raw.RegisterTimeout)
		if err != nil {
			return config.RouterConfig{}, err
		}
		cfg.RegisterTimeoutMS = ms
	}
	if meta.IsDefined("register_timeout_ms") {
		cfg.RegisterTimeoutMS = raw.RegisterTimeoutMS
	}

	if meta.IsDefined("heartbeat_interval") {
		ms, err := parseDurationMS("heartbeat_interval", raw.HeartbeatInterval)
		if err != nil {
			return config.RouterConfig{}, err
		}
		cfg.HeartbeatIntervalMS = ms
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatIntervalMS = raw.HeartbeatIntervalMS
	}

	if meta.IsDefined("heartbeat_timeout") {
		ms, err := parseDurationMS("heartbeat_timeout", raw.HeartbeatTimeout)
		if err != nil {
			return config.RouterConfig{}, err
		}
		cfg.HeartbeatTimeoutMS = ms
	}
	if meta.IsDefined("heartbeat_timeout_ms") {
		cfg.HeartbeatTimeoutMS = raw.HeartbeatTimeoutMS
	}

	if meta.IsDefined("write_timeout_ms") {
		cfg.WriteTimeoutMS = raw.WriteTimeoutMS
	}
	if meta.IsDefined("send_buffer") {
		cfg.SendBuffer = raw.SendBuffer
	}

	if err := config.ValidateRouterConfig(cfg); err != nil {
		return config.RouterConfig{}, err
	}
	return cfg, nil
}

func parseDurationMS(key, value string) (int64, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d.Milliseconds(), nil
}
