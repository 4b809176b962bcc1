package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "router":
		return routerTemplate, nil
	case "cardhost":
		return cardhostTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const routerTemplate = `listen_addr = ":9200"
status_addr = ":9201"
auth_key = ""
register_timeout_ms = 10000
heartbeat_interval_ms = 30000
heartbeat_timeout_ms = 90000
write_timeout_ms = 15000
send_buffer = 64
`

const cardhostTemplate = `router_url = "ws://localhost:9200"
cardhost_id = "00000000-0000-0000-0000-000000000000"
display_name = "workbench reader"
public_key = ""
reconnect = true
reconnect_interval_ms = 5000
max_reconnect_attempts = 10
heartbeat_interval_ms = 30000
heartbeat_timeout_ms = 90000
call_timeout_ms = 30000
`
