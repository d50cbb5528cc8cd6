// Package config handles configuration loading for sacmes-gateway.
//
// Configuration is loaded from a YAML file. The default location is
// $SACMES_CONFIG, then $XDG_CONFIG_HOME/sacmes/gateway.yaml, then
// ~/.config/sacmes/gateway.yaml.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}; unset
// variables expand to the empty string:
//
//	auth:
//	  agent_secret: "${SACMES_AGENT_SECRET}"
//
// # Durations
//
// Duration values use time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  reconnect_grace_period: "5s"   # 0 unregisters immediately
//	mirror:
//	  timeout: "2s"
//	  remote_ttl: "30s"
//	broker:
//	  dedupe_ttl: "5m"               # 0 disables duplicate suppression
//
// # Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # health service
//	  http_addr: "0.0.0.0:8080"    # websocket endpoints and status API
//	  instance_id: "gw-east-1"     # defaults to the hostname
//	database:
//	  path: "/var/lib/sacmes/mirror.db"   # ":memory:" keeps the mirror in-process
//	mirror:
//	  hash: "sacmes:agents"
//	  queue_size: 1024
//	broker:
//	  dedupe_max_entries: 10000
//	  send_buffer: 256
//	tailscale:
//	  enabled: false
//	  hostname: "sacmes"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Load applies defaults and then calls Validate, which reports the first
// problem found.
package config
