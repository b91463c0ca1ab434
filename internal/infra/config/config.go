package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the hub and node binaries.
// Each binary reads the sections relevant to its role and ignores the rest,
// so one file can describe a whole deployment.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Node      NodeConfig      `yaml:"node"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// HubConfig holds hub-side settings: gateway listen address, operator and
// node authentication, invocation tuning, and persistence.
type HubConfig struct {
	// Addr is the gateway listen address, e.g. ":4820".
	Addr string `yaml:"addr"`
	// Name identifies this hub in MCP handshakes and mDNS advertisements.
	Name string     `yaml:"name"`
	Auth AuthConfig `yaml:"auth"`
	// NodeToken is the shared secret nodes present when dialing /ws.
	// Empty means open mode: nodes without per-node tokens connect freely.
	NodeToken string `yaml:"node_token"`
	// AllowedNodes restricts which node IDs may connect. Empty = allow all.
	AllowedNodes []string `yaml:"allowed_nodes,omitempty"`
	// InvokeTimeout bounds a forwarded tools/call round trip.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	// StaleInterval is the node health sweep cadence. Zero disables the sweep.
	StaleInterval time.Duration `yaml:"stale_interval"`
	// InitTimeout bounds how long a fresh node connection may take to send
	// its announcing manifest.
	InitTimeout time.Duration `yaml:"init_timeout"`
	// RateLimitPerMin caps REST requests per client IP. Zero disables.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	RateLimitBurst  int `yaml:"rate_limit_burst"`

	MCP         MCPConfig         `yaml:"mcp"`
	Audit       AuditConfig       `yaml:"audit"`
	Store       StoreConfig       `yaml:"store"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// AuthConfig holds operator REST authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single operator auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// MCPConfig holds the hub's MCP surface settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds audit log retention policy settings.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age"`  // duration string, e.g. "2160h" (90 days)
	MaxSize string `yaml:"max_size"` // e.g. "100MB"
}

// StoreConfig holds invocation store settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention is a duration string; recorded invocations older than this
	// are pruned by the maintenance scheduler. Empty = keep forever.
	Retention string `yaml:"retention"`
}

// MaintenanceConfig holds the hub maintenance scheduler settings.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`
	// RetentionCron is the cron spec for the retention sweep, e.g. "@daily".
	RetentionCron string `yaml:"retention_cron"`
}

// NodeConfig holds node-side settings: identity, hub uplink, and capability
// refresh cadence.
type NodeConfig struct {
	// ID is the node's stable identifier, embedded in every tool name it
	// advertises. Required when the uplink is enabled.
	ID string `yaml:"id"`
	// HubURL is the hub's WebSocket endpoint, e.g. "ws://hub.local:4820/ws".
	// Empty means the uplink is disabled unless discovery finds a hub.
	HubURL string `yaml:"hub_url"`
	// Token is the credential presented to the hub on dial.
	Token string `yaml:"token"`
	// AdvertiseHost/AdvertisePort are stamped onto pushed manifests so the
	// hub can report where the node lives.
	AdvertiseHost string `yaml:"advertise_host"`
	AdvertisePort int    `yaml:"advertise_port"`
	// RefreshInterval is the periodic capability re-derivation cadence.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	// CallTimeout bounds a single local tool invocation.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// PermissiveDetection treats devices without an exposes list as
	// switchable instead of skipping them.
	PermissiveDetection bool          `yaml:"permissive_detection"`
	Backoff             BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds uplink reconnect backoff tuning.
type BackoffConfig struct {
	Floor   time.Duration `yaml:"floor"`
	Ceiling time.Duration `yaml:"ceiling"`
	Growth  float64       `yaml:"growth"`
}

// BridgeConfig holds the zigbee2mqtt bridge connection settings.
type BridgeConfig struct {
	// BrokerURL is the MQTT broker address, e.g. "tcp://localhost:1883".
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// BaseTopic is the zigbee2mqtt topic prefix. Default: "zigbee2mqtt".
	BaseTopic      string        `yaml:"base_topic"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// MaxCallsPerMinute caps device state changes. Zero disables the limit.
	MaxCallsPerMinute int           `yaml:"max_calls_per_minute"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds bridge circuit breaker settings.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// DiscoveryConfig holds mDNS discovery settings. On the hub this controls
// service advertisement; on a node with an empty hub_url it controls hub
// browsing. Both code paths are always compiled; this flag selects at runtime.
type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.switchyard/data. Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".switchyard", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Hub: HubConfig{
			Addr:           ":4820",
			Name:           "switchyard",
			InvokeTimeout:  20 * time.Second,
			StaleInterval:  60 * time.Second,
			InitTimeout:    10 * time.Second,
			RateLimitBurst: 30,
			MCP: MCPConfig{
				Enabled: true,
				Path:    "/mcp",
			},
			Audit: AuditConfig{
				Enabled: true,
				Path:    filepath.Join(dataDir, "audit.jsonl"),
			},
			Store: StoreConfig{
				Enabled:   true,
				Path:      filepath.Join(dataDir, "invocations.db"),
				Retention: "2160h", // 90 days
			},
			Maintenance: MaintenanceConfig{
				Enabled:       true,
				RetentionCron: "@daily",
			},
		},
		Node: NodeConfig{
			RefreshInterval: 5 * time.Minute,
			DialTimeout:     10 * time.Second,
			CallTimeout:     15 * time.Second,
			Backoff: BackoffConfig{
				Floor:   1 * time.Second,
				Ceiling: 60 * time.Second,
				Growth:  2.0,
			},
		},
		Bridge: BridgeConfig{
			BrokerURL:         "tcp://localhost:1883",
			ClientID:          "switchyard-node",
			BaseTopic:         "zigbee2mqtt",
			ConnectTimeout:    10 * time.Second,
			PublishTimeout:    5 * time.Second,
			MaxCallsPerMinute: 60,
		},
		Discovery: DiscoveryConfig{
			Enabled:     false,
			ScanTimeout: 5 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	hasIncludes := len(cfg.Includes) > 0
	if hasIncludes {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("SWITCHYARD_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps SWITCHYARD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWITCHYARD_HUB_ADDR"); v != "" {
		cfg.Hub.Addr = v
	}
	if v := os.Getenv("SWITCHYARD_HUB_NAME"); v != "" {
		cfg.Hub.Name = v
	}
	if v := os.Getenv("SWITCHYARD_HUB_NODE_TOKEN"); v != "" {
		cfg.Hub.NodeToken = v
	}
	if v := os.Getenv("SWITCHYARD_HUB_ALLOWED_NODES"); v != "" {
		cfg.Hub.AllowedNodes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SWITCHYARD_HUB_INVOKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Hub.InvokeTimeout = d
		}
	}
	if v := os.Getenv("SWITCHYARD_HUB_STALE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Hub.StaleInterval = d
		}
	}
	if v := os.Getenv("SWITCHYARD_HUB_RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Hub.RateLimitPerMin = n
		}
	}
	if v := os.Getenv("SWITCHYARD_HUB_MCP_ENABLED"); v == "true" {
		cfg.Hub.MCP.Enabled = true
	} else if v == "false" {
		cfg.Hub.MCP.Enabled = false
	}
	if v := os.Getenv("SWITCHYARD_HUB_MCP_PATH"); v != "" {
		cfg.Hub.MCP.Path = v
	}
	if v := os.Getenv("SWITCHYARD_HUB_AUDIT_ENABLED"); v == "true" {
		cfg.Hub.Audit.Enabled = true
	} else if v == "false" {
		cfg.Hub.Audit.Enabled = false
	}
	if v := os.Getenv("SWITCHYARD_HUB_AUDIT_PATH"); v != "" {
		cfg.Hub.Audit.Path = v
	}
	if v := os.Getenv("SWITCHYARD_HUB_STORE_ENABLED"); v == "true" {
		cfg.Hub.Store.Enabled = true
	} else if v == "false" {
		cfg.Hub.Store.Enabled = false
	}
	if v := os.Getenv("SWITCHYARD_HUB_STORE_PATH"); v != "" {
		cfg.Hub.Store.Path = v
	}
	if v := os.Getenv("SWITCHYARD_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("SWITCHYARD_NODE_HUB_URL"); v != "" {
		cfg.Node.HubURL = v
	}
	if v := os.Getenv("SWITCHYARD_NODE_TOKEN"); v != "" {
		cfg.Node.Token = v
	}
	if v := os.Getenv("SWITCHYARD_NODE_ADVERTISE_HOST"); v != "" {
		cfg.Node.AdvertiseHost = v
	}
	if v := os.Getenv("SWITCHYARD_NODE_ADVERTISE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Node.AdvertisePort = n
		}
	}
	if v := os.Getenv("SWITCHYARD_NODE_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Node.RefreshInterval = d
		}
	}
	if v := os.Getenv("SWITCHYARD_NODE_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Node.DialTimeout = d
		}
	}
	if v := os.Getenv("SWITCHYARD_NODE_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Node.CallTimeout = d
		}
	}
	if v := os.Getenv("SWITCHYARD_NODE_PERMISSIVE_DETECTION"); v == "true" {
		cfg.Node.PermissiveDetection = true
	} else if v == "false" {
		cfg.Node.PermissiveDetection = false
	}
	if v := os.Getenv("SWITCHYARD_BRIDGE_BROKER_URL"); v != "" {
		cfg.Bridge.BrokerURL = v
	}
	if v := os.Getenv("SWITCHYARD_BRIDGE_CLIENT_ID"); v != "" {
		cfg.Bridge.ClientID = v
	}
	if v := os.Getenv("SWITCHYARD_BRIDGE_USERNAME"); v != "" {
		cfg.Bridge.Username = v
	}
	if v := os.Getenv("SWITCHYARD_BRIDGE_PASSWORD"); v != "" {
		cfg.Bridge.Password = v
	}
	if v := os.Getenv("SWITCHYARD_BRIDGE_BASE_TOPIC"); v != "" {
		cfg.Bridge.BaseTopic = v
	}
	if v := os.Getenv("SWITCHYARD_DISCOVERY_ENABLED"); v == "true" {
		cfg.Discovery.Enabled = true
	} else if v == "false" {
		cfg.Discovery.Enabled = false
	}
	if v := os.Getenv("SWITCHYARD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SWITCHYARD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SWITCHYARD_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("SWITCHYARD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SWITCHYARD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in credential fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Hub.NodeToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Hub.NodeToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("hub node_token: %w", err)
		}
		cfg.Hub.NodeToken = decrypted
	}

	for i := range cfg.Hub.Auth.Tokens {
		tok := cfg.Hub.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("hub auth token %s: %w", cfg.Hub.Auth.Tokens[i].Name, err)
			}
			cfg.Hub.Auth.Tokens[i].Token = decrypted
		}
	}

	if strings.HasPrefix(cfg.Node.Token, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Node.Token, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("node token: %w", err)
		}
		cfg.Node.Token = decrypted
	}

	if strings.HasPrefix(cfg.Bridge.Password, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Bridge.Password, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("bridge password: %w", err)
		}
		cfg.Bridge.Password = decrypted
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
