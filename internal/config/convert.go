package config

import (
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/cardhost"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/router"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/wsconn"
)

// RouterService converts the file config into the service's runtime
// configuration.
func (cfg RouterConfig) RouterService() router.ServiceConfig {
	return router.ServiceConfig{
		ListenAddr:      cfg.ListenAddr,
		RegisterTimeout: ms(cfg.RegisterTimeoutMS),
		Session: router.SessionConfig{
			HeartbeatInterval: ms(cfg.HeartbeatIntervalMS),
			HeartbeatTimeout:  ms(cfg.HeartbeatTimeoutMS),
			WriteTimeout:      ms(cfg.WriteTimeoutMS),
			SendBuffer:        cfg.SendBuffer,
		},
	}
}

// Host converts the file config into the agent's runtime configuration.
func (cfg CardhostConfig) Host() cardhost.Config {
	ws := wsconn.DefaultConfig()
	ws.Reconnect = cfg.Reconnect
	ws.ReconnectInterval = ms(cfg.ReconnectIntervalMS)
	ws.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	ws.HeartbeatInterval = ms(cfg.HeartbeatIntervalMS)
	ws.HeartbeatTimeout = ms(cfg.HeartbeatTimeoutMS)
	return cardhost.Config{
		RouterURL:   cfg.RouterURL,
		CardhostID:  cfg.CardhostID,
		DisplayName: cfg.DisplayName,
		PublicKey:   cfg.PublicKey,
		CallTimeout: ms(cfg.CallTimeoutMS),
		Conn:        ws,
	}
}
