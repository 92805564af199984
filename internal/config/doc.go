// Package config handles configuration loading for atende-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Unset fields take defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from the ATENDE_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/atende/gateway.yaml
//  4. ~/.config/atende/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	messaging:
//	  tenants:
//	    acme:
//	      phone_number_id: "106540352242922"
//	      token: "${ACME_WA_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	idempotency:
//	  ttl: "30m"
//	jobs:
//	  auto_close_interval: "1m"
//
// Job thresholds that the business states in minutes, hours or days
// (sla_minutes, idle_hours, archive_delay_days, purge_grace_days) are plain
// integers.
//
// # Configuration Sections
//
//	server:        http_addr, shutdown_timeout
//	database:      driver (sqlite|postgres), path, dsn
//	queue:         driver (memory|amqp), concurrency, buffer_size, amqp{url, exchange, queue, routing_key, prefetch}
//	idempotency:   ttl, sweep_interval, max_entries
//	contexts:      idle_ttl, sweep_interval
//	jobs:          sla_minutes, idle_hours, archive_delay_days, purge_grace_days,
//	               log_rotation_max_bytes, batch_size, auto_close_interval,
//	               archive_interval, purge_interval
//	archive:       dir, timeout
//	ai:            api_key, base_url, model, system_prompt, timeout, budget{...}
//	messaging:     base_url, verify_token, rate_per_second, burst, timeout, tenants{id: {phone_number_id, token}}
//	logging:       level (debug|info|warn|error), format (text|json)
//
// An empty ai.api_key runs a scripted echo assistant, which is useful for
// local runs.
package config
