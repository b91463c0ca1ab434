package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateHub(cfg, ve)
	validateNode(cfg, ve)
	validateBridge(cfg, ve)
	validateDiscovery(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateHub(cfg *Config, ve *ValidationError) {
	if cfg.Hub.Addr == "" {
		ve.Add("hub.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Hub.Addr); err != nil {
		ve.Add("hub.addr %q is not a valid host:port", cfg.Hub.Addr)
	}

	if cfg.Hub.Auth.Type != "" && cfg.Hub.Auth.Type != "static" {
		ve.Add("hub.auth.type %q is invalid (want: static)", cfg.Hub.Auth.Type)
	}
	if cfg.Hub.Auth.Type == "static" && len(cfg.Hub.Auth.Tokens) == 0 {
		ve.Add("hub.auth.tokens must have at least one entry when auth type is static")
	}
	for i, t := range cfg.Hub.Auth.Tokens {
		if t.Token == "" {
			ve.Add("hub.auth.tokens[%d].token must not be empty", i)
		}
	}

	if cfg.Hub.InvokeTimeout < 0 {
		ve.Add("hub.invoke_timeout must not be negative")
	}
	if cfg.Hub.StaleInterval < 0 {
		ve.Add("hub.stale_interval must not be negative")
	}
	if cfg.Hub.RateLimitPerMin < 0 {
		ve.Add("hub.rate_limit_per_min must not be negative")
	}

	if cfg.Hub.MCP.Enabled {
		if cfg.Hub.MCP.Path == "" {
			ve.Add("hub.mcp.path is required when mcp is enabled")
		} else if !strings.HasPrefix(cfg.Hub.MCP.Path, "/") {
			ve.Add("hub.mcp.path %q must start with /", cfg.Hub.MCP.Path)
		}
	}

	if cfg.Hub.Audit.Enabled && cfg.Hub.Audit.Path == "" {
		ve.Add("hub.audit.path is required when audit is enabled")
	}
	if cfg.Hub.Audit.Retention.MaxAge != "" {
		if _, err := time.ParseDuration(cfg.Hub.Audit.Retention.MaxAge); err != nil {
			ve.Add("hub.audit.retention.max_age %q is not a valid duration", cfg.Hub.Audit.Retention.MaxAge)
		}
	}

	if cfg.Hub.Store.Enabled && cfg.Hub.Store.Path == "" {
		ve.Add("hub.store.path is required when the store is enabled")
	}
	if cfg.Hub.Store.Retention != "" {
		if _, err := time.ParseDuration(cfg.Hub.Store.Retention); err != nil {
			ve.Add("hub.store.retention %q is not a valid duration", cfg.Hub.Store.Retention)
		}
	}

	if cfg.Hub.Maintenance.Enabled && cfg.Hub.Maintenance.RetentionCron == "" {
		ve.Add("hub.maintenance.retention_cron is required when maintenance is enabled")
	}
}

func validateNode(cfg *Config, ve *ValidationError) {
	if cfg.Node.HubURL != "" {
		u, err := url.Parse(cfg.Node.HubURL)
		if err != nil {
			ve.Add("node.hub_url %q is not a valid URL", cfg.Node.HubURL)
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			ve.Add("node.hub_url %q must use ws:// or wss://", cfg.Node.HubURL)
		}
		if cfg.Node.ID == "" {
			ve.Add("node.id is required when hub_url is set")
		}
	}

	if cfg.Node.RefreshInterval < 0 {
		ve.Add("node.refresh_interval must not be negative")
	}

	b := cfg.Node.Backoff
	if b.Floor < 0 || b.Ceiling < 0 {
		ve.Add("node.backoff floor and ceiling must not be negative")
	}
	if b.Floor > 0 && b.Ceiling > 0 && b.Floor > b.Ceiling {
		ve.Add("node.backoff.floor %s must not exceed ceiling %s", b.Floor, b.Ceiling)
	}
	if b.Growth != 0 && b.Growth < 1 {
		ve.Add("node.backoff.growth must be >= 1 (got %g)", b.Growth)
	}
}

func validateBridge(cfg *Config, ve *ValidationError) {
	if cfg.Bridge.BrokerURL == "" {
		return
	}
	u, err := url.Parse(cfg.Bridge.BrokerURL)
	if err != nil {
		ve.Add("bridge.broker_url %q is not a valid URL", cfg.Bridge.BrokerURL)
		return
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		ve.Add("bridge.broker_url scheme %q is invalid (want: tcp, ssl, ws, wss)", u.Scheme)
	}
	if cfg.Bridge.MaxCallsPerMinute < 0 {
		ve.Add("bridge.max_calls_per_minute must not be negative")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if !cfg.Discovery.Enabled {
		return
	}
	if cfg.Discovery.ScanTimeout <= 0 {
		ve.Add("discovery.scan_timeout must be > 0 when discovery is enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	validExporters := map[string]bool{"stdout": true, "noop": true}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}
