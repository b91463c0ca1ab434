package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Hub.Addr != ":4820" {
		t.Errorf("Hub.Addr = %q, want %q", cfg.Hub.Addr, ":4820")
	}
	if cfg.Hub.Name != "switchyard" {
		t.Errorf("Hub.Name = %q, want %q", cfg.Hub.Name, "switchyard")
	}
	if cfg.Node.RefreshInterval != 5*time.Minute {
		t.Errorf("Node.RefreshInterval = %v, want 5m", cfg.Node.RefreshInterval)
	}
	if cfg.Node.Backoff.Floor != 1*time.Second || cfg.Node.Backoff.Ceiling != 60*time.Second {
		t.Errorf("Backoff = %+v, want floor 1s ceiling 60s", cfg.Node.Backoff)
	}
	if cfg.Node.Backoff.Growth != 2.0 {
		t.Errorf("Backoff.Growth = %g, want 2.0", cfg.Node.Backoff.Growth)
	}
	if cfg.Bridge.BaseTopic != "zigbee2mqtt" {
		t.Errorf("Bridge.BaseTopic = %q, want %q", cfg.Bridge.BaseTopic, "zigbee2mqtt")
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if !cfg.Hub.MCP.Enabled || cfg.Hub.MCP.Path != "/mcp" {
		t.Errorf("MCP = %+v, want enabled at /mcp", cfg.Hub.MCP)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Addr != ":4820" {
		t.Errorf("expected defaults, got Hub.Addr=%q", cfg.Hub.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
hub:
  addr: ":9000"
  node_token: "hub-secret"
  allowed_nodes: [node1, node2]
  auth:
    type: static
    tokens:
      - token: "op-token"
        name: "ops"
node:
  id: "node1"
  hub_url: "ws://hub.local:9000/ws"
  token: "node-secret"
bridge:
  broker_url: "tcp://broker.local:1883"
  username: "mqtt-user"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Hub.Addr != ":9000" {
		t.Errorf("Hub.Addr = %q, want %q", cfg.Hub.Addr, ":9000")
	}
	if cfg.Hub.NodeToken != "hub-secret" {
		t.Errorf("Hub.NodeToken = %q, want %q", cfg.Hub.NodeToken, "hub-secret")
	}
	if len(cfg.Hub.AllowedNodes) != 2 || cfg.Hub.AllowedNodes[0] != "node1" {
		t.Errorf("AllowedNodes mismatch: %v", cfg.Hub.AllowedNodes)
	}
	if len(cfg.Hub.Auth.Tokens) != 1 || cfg.Hub.Auth.Tokens[0].Name != "ops" {
		t.Errorf("Auth.Tokens mismatch: %+v", cfg.Hub.Auth.Tokens)
	}
	if cfg.Node.HubURL != "ws://hub.local:9000/ws" {
		t.Errorf("Node.HubURL = %q", cfg.Node.HubURL)
	}
	if cfg.Bridge.BrokerURL != "tcp://broker.local:1883" {
		t.Errorf("Bridge.BrokerURL = %q", cfg.Bridge.BrokerURL)
	}
	// Unset fields keep their defaults.
	if cfg.Bridge.BaseTopic != "zigbee2mqtt" {
		t.Errorf("Bridge.BaseTopic = %q, want default", cfg.Bridge.BaseTopic)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
hub:
  addr: "not-a-hostport"
node:
  hub_url: "http://wrong-scheme"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(ve.Errors) < 2 {
		t.Errorf("Errors = %v, want both addr and hub_url reported", ve.Errors)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWITCHYARD_HUB_ADDR", ":7777")
	t.Setenv("SWITCHYARD_LOGGER_LEVEL", "debug")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Hub.Addr != ":7777" {
		t.Errorf("Hub.Addr = %q, want %q", cfg.Hub.Addr, ":7777")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestApplyEnvOverridesAllowedNodes(t *testing.T) {
	t.Setenv("SWITCHYARD_HUB_ALLOWED_NODES", "node1, node2 ,node3")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	want := []string{"node1", "node2", "node3"}
	if len(cfg.Hub.AllowedNodes) != len(want) {
		t.Fatalf("AllowedNodes = %v, want %v", cfg.Hub.AllowedNodes, want)
	}
	for i := range want {
		if cfg.Hub.AllowedNodes[i] != want[i] {
			t.Errorf("AllowedNodes[%d] = %q, want %q", i, cfg.Hub.AllowedNodes[i], want[i])
		}
	}
}

func TestApplyEnvOverridesDurations(t *testing.T) {
	t.Setenv("SWITCHYARD_HUB_INVOKE_TIMEOUT", "45s")
	t.Setenv("SWITCHYARD_NODE_REFRESH_INTERVAL", "90s")
	t.Setenv("SWITCHYARD_NODE_DIAL_TIMEOUT", "garbage")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Hub.InvokeTimeout != 45*time.Second {
		t.Errorf("InvokeTimeout = %v, want 45s", cfg.Hub.InvokeTimeout)
	}
	if cfg.Node.RefreshInterval != 90*time.Second {
		t.Errorf("RefreshInterval = %v, want 90s", cfg.Node.RefreshInterval)
	}
	// Unparseable values leave the default untouched.
	if cfg.Node.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want default 10s", cfg.Node.DialTimeout)
	}
}

func TestApplyEnvOverridesMCPDisabled(t *testing.T) {
	t.Setenv("SWITCHYARD_HUB_MCP_ENABLED", "false")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Hub.MCP.Enabled {
		t.Error("MCP.Enabled should be false")
	}
}

func TestApplyEnvOverridesAuditDisabled(t *testing.T) {
	t.Setenv("SWITCHYARD_HUB_AUDIT_ENABLED", "false")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Hub.Audit.Enabled {
		t.Error("Audit.Enabled should be false")
	}
}

func TestApplyEnvOverridesAuditEnabled(t *testing.T) {
	t.Setenv("SWITCHYARD_HUB_AUDIT_ENABLED", "true")

	cfg := Defaults()
	cfg.Hub.Audit.Enabled = false
	ApplyEnvOverrides(cfg)

	if !cfg.Hub.Audit.Enabled {
		t.Error("Audit.Enabled should be true")
	}
}

func TestApplyEnvOverridesNodeIdentity(t *testing.T) {
	t.Setenv("SWITCHYARD_NODE_ID", "garage")
	t.Setenv("SWITCHYARD_NODE_HUB_URL", "ws://10.0.0.5:4820/ws")
	t.Setenv("SWITCHYARD_NODE_TOKEN", "env-token")
	t.Setenv("SWITCHYARD_NODE_ADVERTISE_PORT", "8443")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Node.ID != "garage" {
		t.Errorf("Node.ID = %q", cfg.Node.ID)
	}
	if cfg.Node.HubURL != "ws://10.0.0.5:4820/ws" {
		t.Errorf("Node.HubURL = %q", cfg.Node.HubURL)
	}
	if cfg.Node.Token != "env-token" {
		t.Errorf("Node.Token = %q", cfg.Node.Token)
	}
	if cfg.Node.AdvertisePort != 8443 {
		t.Errorf("Node.AdvertisePort = %d", cfg.Node.AdvertisePort)
	}
}

func TestApplyEnvOverridesBridge(t *testing.T) {
	t.Setenv("SWITCHYARD_BRIDGE_BROKER_URL", "tcp://env-broker:1883")
	t.Setenv("SWITCHYARD_BRIDGE_PASSWORD", "env-pass")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Bridge.BrokerURL != "tcp://env-broker:1883" {
		t.Errorf("Bridge.BrokerURL = %q", cfg.Bridge.BrokerURL)
	}
	if cfg.Bridge.Password != "env-pass" {
		t.Errorf("Bridge.Password = %q", cfg.Bridge.Password)
	}
}

func TestApplyEnvOverridesDiscoveryEnabled(t *testing.T) {
	t.Setenv("SWITCHYARD_DISCOVERY_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Discovery.Enabled {
		t.Error("Discovery.Enabled should be true")
	}
}

func TestApplyEnvOverridesTracerEnabled(t *testing.T) {
	t.Setenv("SWITCHYARD_TRACER_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled should be true")
	}
}

func TestApplyEnvOverridesTracerExporter(t *testing.T) {
	t.Setenv("SWITCHYARD_TRACER_EXPORTER", "stdout")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer.Exporter = %q, want %q", cfg.Tracer.Exporter, "stdout")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "hub-node-token-value"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptValue(encrypted, "wrong-pass")
	if err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"

	nodeToken, err := EncryptValue("shared-node-secret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	opToken, err := EncryptValue("operator-secret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}
	mqttPass, err := EncryptValue("broker-secret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.Hub.NodeToken = "enc:" + nodeToken
	cfg.Hub.Auth.Tokens = []TokenConfig{{Token: "enc:" + opToken, Name: "ops"}}
	cfg.Bridge.Password = "enc:" + mqttPass

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.Hub.NodeToken != "shared-node-secret" {
		t.Errorf("NodeToken = %q", cfg.Hub.NodeToken)
	}
	if cfg.Hub.Auth.Tokens[0].Token != "operator-secret" {
		t.Errorf("Auth token = %q", cfg.Hub.Auth.Tokens[0].Token)
	}
	if cfg.Bridge.Password != "broker-secret" {
		t.Errorf("Bridge.Password = %q", cfg.Bridge.Password)
	}
}

func TestDecryptSecretsNoEncPrefix(t *testing.T) {
	cfg := Defaults()
	cfg.Node.Token = "plain-token"

	if err := decryptSecrets(cfg, "any-passphrase"); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.Node.Token != "plain-token" {
		t.Errorf("Token should remain unchanged")
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Node.Token = "enc:notvalidhex"

	err := decryptSecrets(cfg, "passphrase")
	if err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestDecryptValueInvalidFormat(t *testing.T) {
	_, err := DecryptValue("no-colon-separator", "pass")
	if err == nil {
		t.Error("expected error for missing separator")
	}
}

func TestDecryptValueInvalidSalt(t *testing.T) {
	_, err := DecryptValue("zzzz:abcdef", "pass")
	if err == nil {
		t.Error("expected error for invalid salt hex")
	}
}

func TestDecryptValueTooShort(t *testing.T) {
	_, err := DecryptValue("abcd:ab", "pass")
	if err == nil {
		t.Error("expected error for short ciphertext")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(path, []byte("hub:\n  addr: \":4820\"\n"), 0666); err != nil {
		t.Fatal(err)
	}
	// WriteFile mode is reduced by the process umask; force the insecure bits.
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	plainToken := "decrypted-node-token"

	encrypted, err := EncryptValue(plainToken, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
node:
  id: "node1"
  hub_url: "ws://hub.local:4820/ws"
  token: "enc:` + encrypted + `"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SWITCHYARD_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Node.Token != plainToken {
		t.Errorf("Node.Token = %q, want %q", cfg.Node.Token, plainToken)
	}
}

func TestLoadDecryptSecretsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
node:
  id: "node1"
  hub_url: "ws://hub.local:4820/ws"
  token: "enc:invalid-not-hex"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SWITCHYARD_CONFIG_KEY", "some-passphrase")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error from decrypt secrets")
	}
	if err != nil && !strings.Contains(err.Error(), "decrypt secrets") {
		t.Errorf("error = %v, want decrypt secrets context", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("invalid: [yaml: bad"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()

	// 0600 should pass
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("test"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := validatePermissions(good); err != nil {
		t.Errorf("0600 should pass: %v", err)
	}

	// 0644 should pass
	readable := filepath.Join(dir, "readable.yaml")
	if err := os.WriteFile(readable, []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := validatePermissions(readable); err != nil {
		t.Errorf("0644 should pass: %v", err)
	}

	// 0666 should fail (world-writable)
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("test"), 0666); err != nil {
		t.Fatal(err)
	}
	// WriteFile mode is reduced by the process umask; force the insecure bits.
	if err := os.Chmod(bad, 0666); err != nil {
		t.Fatal(err)
	}
	if err := validatePermissions(bad); err == nil {
		t.Error("0666 should fail")
	}
}

func TestValidatePermissionsStatError(t *testing.T) {
	err := validatePermissions("/tmp/nonexistent-file-for-stat-test-xyz.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a ,b, c", ",")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
