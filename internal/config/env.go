package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Env is the JSAPDU_* environment overlay. It wins over file values so
// deployments can inject identity and secrets without editing configs.
type Env struct {
	RouterURL  string `envconfig:"ROUTER_URL"`
	CardhostID string `envconfig:"CARDHOST_ID"`
	PublicKey  string `envconfig:"PUBLIC_KEY"`
	AuthKey    string `envconfig:"AUTH_KEY"`
	ListenAddr string `envconfig:"LISTEN_ADDR"`
	StatusAddr string `envconfig:"STATUS_ADDR"`

	// Pointers distinguish unset from explicit zero values.
	Reconnect            *bool  `envconfig:"RECONNECT"`
	ReconnectIntervalMS  *int64 `envconfig:"RECONNECT_INTERVAL_MS"`
	MaxReconnectAttempts *int   `envconfig:"MAX_RECONNECT_ATTEMPTS"`
	HeartbeatIntervalMS  *int64 `envconfig:"HEARTBEAT_INTERVAL_MS"`
	HeartbeatTimeoutMS   *int64 `envconfig:"HEARTBEAT_TIMEOUT_MS"`
}

func FromEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("jsapdu", &env); err != nil {
		return Env{}, err
	}
	return env, nil
}

// ApplyRouter overlays the non-empty env values onto a router config.
func (e Env) ApplyRouter(cfg RouterConfig) RouterConfig {
	if v := strings.TrimSpace(e.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(e.StatusAddr); v != "" {
		cfg.StatusAddr = v
	}
	if v := strings.TrimSpace(e.AuthKey); v != "" {
		cfg.AuthKey = v
	}
	if e.HeartbeatIntervalMS != nil {
		cfg.HeartbeatIntervalMS = *e.HeartbeatIntervalMS
	}
	if e.HeartbeatTimeoutMS != nil {
		cfg.HeartbeatTimeoutMS = *e.HeartbeatTimeoutMS
	}
	return cfg
}

// ApplyCardhost overlays the non-empty env values onto a cardhost config.
func (e Env) ApplyCardhost(cfg CardhostConfig) CardhostConfig {
	if v := strings.TrimSpace(e.RouterURL); v != "" {
		cfg.RouterURL = v
	}
	if v := strings.TrimSpace(e.CardhostID); v != "" {
		cfg.CardhostID = v
	}
	if v := strings.TrimSpace(e.PublicKey); v != "" {
		cfg.PublicKey = v
	}
	if e.Reconnect != nil {
		cfg.Reconnect = *e.Reconnect
	}
	if e.ReconnectIntervalMS != nil {
		cfg.ReconnectIntervalMS = *e.ReconnectIntervalMS
	}
	if e.MaxReconnectAttempts != nil {
		cfg.MaxReconnectAttempts = *e.MaxReconnectAttempts
	}
	if e.HeartbeatIntervalMS != nil {
		cfg.HeartbeatIntervalMS = *e.HeartbeatIntervalMS
	}
	if e.HeartbeatTimeoutMS != nil {
		cfg.HeartbeatTimeoutMS = *e.HeartbeatTimeoutMS
	}
	return cfg
}
