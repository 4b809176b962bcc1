package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// RouterConfig is the routerd file config. Durations are carried in
// milliseconds to match the wire-facing defaults.
type RouterConfig struct {
	ListenAddr          string `toml:"listen_addr"`
	StatusAddr          string `toml:"status_addr"`
	AuthKey             string `toml:"auth_key"`
	RegisterTimeoutMS   int64  `toml:"register_timeout_ms"`
	HeartbeatIntervalMS int64  `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int64  `toml:"heartbeat_timeout_ms"`
	WriteTimeoutMS      int64  `toml:"write_timeout_ms"`
	SendBuffer          int    `toml:"send_buffer"`
}

// CardhostConfig is the cardhostd file config.
type CardhostConfig struct {
	RouterURL   string `toml:"router_url"`
	CardhostID  string `toml:"cardhost_id"`
	DisplayName string `toml:"display_name"`
	PublicKey   string `toml:"public_key"`

	Reconnect            bool  `toml:"reconnect"`
	ReconnectIntervalMS  int64 `toml:"reconnect_interval_ms"`
	MaxReconnectAttempts int   `toml:"max_reconnect_attempts"`
	HeartbeatIntervalMS  int64 `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS   int64 `toml:"heartbeat_timeout_ms"`
	CallTimeoutMS        int64 `toml:"call_timeout_ms"`
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ListenAddr:          ":9200",
		StatusAddr:          ":9201",
		RegisterTimeoutMS:   10_000,
		HeartbeatIntervalMS: 30_000,
		HeartbeatTimeoutMS:  90_000,
		WriteTimeoutMS:      15_000,
		SendBuffer:          64,
	}
}

func DefaultCardhostConfig() CardhostConfig {
	return CardhostConfig{
		Reconnect:            true,
		ReconnectIntervalMS:  5_000,
		MaxReconnectAttempts: 10,
		HeartbeatIntervalMS:  30_000,
		HeartbeatTimeoutMS:   90_000,
		CallTimeoutMS:        30_000,
	}
}

// LoadRouterConfig reads path over the defaults; keys absent from the
// file keep their default values.
func LoadRouterConfig(path string) (RouterConfig, error) {
	cfg := DefaultRouterConfig()
	if err := loadToml(path, &cfg); err != nil {
		return RouterConfig{}, err
	}
	if err := ValidateRouterConfig(cfg); err != nil {
		return RouterConfig{}, err
	}
	return cfg, nil
}

func LoadCardhostConfig(path string) (CardhostConfig, error) {
	cfg := DefaultCardhostConfig()
	if err := loadToml(path, &cfg); err != nil {
		return CardhostConfig{}, err
	}
	if err := ValidateCardhostConfig(cfg); err != nil {
		return CardhostConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRouterConfig(cfg RouterConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("router config missing listen_addr")
	}
	if cfg.HeartbeatTimeoutMS <= cfg.HeartbeatIntervalMS {
		return fmt.Errorf("router config heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	return nil
}

func ValidateCardhostConfig(cfg CardhostConfig) error {
	if strings.TrimSpace(cfg.RouterURL) == "" {
		return fmt.Errorf("cardhost config missing router_url")
	}
	if strings.TrimSpace(cfg.CardhostID) == "" {
		return fmt.Errorf("cardhost config missing cardhost_id")
	}
	if cfg.HeartbeatTimeoutMS <= cfg.HeartbeatIntervalMS {
		return fmt.Errorf("cardhost config heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return fmt.Errorf("cardhost config max_reconnect_attempts must not be negative")
	}
	return nil
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
