package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"switchyard/internal/domain"
)

// Connection constants.
const (
	defaultBaseTopic      = "zigbee2mqtt"
	defaultClientID       = "switchyard-node"
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	defaultKeepAlive            = 60 * time.Second
	defaultConnectRetryInterval = 2 * time.Second
	defaultMaxReconnectInterval = 60 * time.Second
)

// MQTTConfig configures the zigbee2mqtt bridge connection.
type MQTTConfig struct {
	// BrokerURL is the broker address, e.g. "tcp://localhost:1883".
	BrokerURL string `yaml:"broker_url"`
	// ClientID identifies this node on the broker.
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// BaseTopic is the zigbee2mqtt topic prefix. Default: "zigbee2mqtt".
	BaseTopic string `yaml:"base_topic"`
	// ConnectTimeout bounds the initial broker connection.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// PublishTimeout bounds state-command acknowledgment.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.BaseTopic == "" {
		c.BaseTopic = defaultBaseTopic
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	return c
}

// MQTT is a device bridge backed by a zigbee2mqtt instance. It caches the
// retained device list published on <base>/bridge/devices and sends state
// commands to <base>/<device>/set. Subscriptions are restored automatically
// on reconnect.
type MQTT struct {
	cfg    MQTTConfig
	client pahomqtt.Client
	logger *slog.Logger

	mu          sync.Mutex
	devices     []domain.DeviceRecord
	haveDevices bool
	watchers    map[int]func([]domain.DeviceRecord)
	nextWatcher int
}

// ConnectMQTT connects to the broker and subscribes to the zigbee2mqtt
// device list. The retained device-list message usually arrives within
// milliseconds of subscribing; until then ListDevices reports the bridge
// as unavailable.
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	cfg = cfg.withDefaults()
	if cfg.BrokerURL == "" {
		return nil, domain.NewSubSystemError("bridge", "connect", domain.ErrInvalidInput, "broker_url is required")
	}

	m := &MQTT{
		cfg:      cfg,
		logger:   logger,
		watchers: make(map[int]func([]domain.DeviceRecord)),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultConnectRetryInterval)
	opts.SetMaxReconnectInterval(defaultMaxReconnectInterval)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// Re-subscribe on every (re)connect so the retained device list is
	// replayed after a broker outage.
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		topic := cfg.BaseTopic + "/bridge/devices"
		token := client.Subscribe(topic, 1, m.handleDevices)
		go func() {
			token.Wait()
			if err := token.Error(); err != nil {
				logger.Error("mqtt subscribe failed", "topic", topic, "error", err)
				return
			}
			logger.Info("mqtt connected", "broker", cfg.BrokerURL, "topic", topic)
		}()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	m.client = pahomqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, domain.NewSubSystemError("bridge", "connect", domain.ErrBridgeUnavailable,
			fmt.Sprintf("timeout after %v", cfg.ConnectTimeout))
	}
	if err := token.Error(); err != nil {
		return nil, domain.NewSubSystemError("bridge", "connect", domain.ErrBridgeUnavailable, err.Error())
	}
	return m, nil
}

// z2mDevice mirrors the fields of a zigbee2mqtt bridge/devices entry that
// the bridge consumes. Exposes unmarshal directly into the domain feature
// tree; both use the same wire names.
type z2mDevice struct {
	IEEEAddress        string         `json:"ieee_address"`
	FriendlyName       string         `json:"friendly_name"`
	Type               string         `json:"type"`
	Supported          bool           `json:"supported"`
	InterviewCompleted bool           `json:"interview_completed"`
	Definition         *z2mDefinition `json:"definition"`
}

type z2mDefinition struct {
	Description string                 `json:"description"`
	Exposes     []domain.DeviceFeature `json:"exposes"`
}

// handleDevices ingests a bridge/devices payload. Malformed payloads are
// logged and dropped; the previous device list stays in effect.
func (m *MQTT) handleDevices(_ pahomqtt.Client, msg pahomqtt.Message) {
	var raw []z2mDevice
	if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
		m.logger.Warn("malformed device list, keeping previous", "topic", msg.Topic(), "error", err)
		return
	}

	devices := make([]domain.DeviceRecord, 0, len(raw))
	for _, d := range raw {
		// The coordinator and half-interviewed devices expose nothing usable.
		if d.Type == "Coordinator" || d.Definition == nil {
			continue
		}
		rec := domain.DeviceRecord{
			ID:           d.IEEEAddress,
			FriendlyName: d.FriendlyName,
			Description:  d.Definition.Description,
			Exposes:      d.Definition.Exposes,
		}
		devices = append(devices, rec)
	}

	m.mu.Lock()
	m.devices = devices
	m.haveDevices = true
	watchers := make([]func([]domain.DeviceRecord), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("device list updated", "devices", len(devices))
	snapshot := make([]domain.DeviceRecord, len(devices))
	copy(snapshot, devices)
	for _, fn := range watchers {
		fn(snapshot)
	}
}

// ListDevices implements domain.DeviceBridge. It serves the cached list;
// before the first retained message arrives the bridge is unavailable.
func (m *MQTT) ListDevices(ctx context.Context) ([]domain.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveDevices {
		return nil, domain.NewSubSystemError("bridge", "list_devices", domain.ErrBridgeUnavailable,
			"device list not yet received from broker")
	}
	out := make([]domain.DeviceRecord, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// SetState implements domain.DeviceBridge. zigbee2mqtt accepts the hardware
// (ieee) address in the command topic, so no friendly-name lookup is needed.
func (m *MQTT) SetState(ctx context.Context, deviceID, command string) error {
	if !m.client.IsConnected() {
		return domain.NewSubSystemError("bridge", "set_state", domain.ErrBridgeUnavailable, "not connected to broker")
	}

	payload, err := json.Marshal(map[string]string{"state": command})
	if err != nil {
		return domain.NewSubSystemError("bridge", "set_state", err, "encode command")
	}
	topic := m.cfg.BaseTopic + "/" + deviceID + "/set"
	token := m.client.Publish(topic, 0, false, payload)

	timeout := m.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return domain.NewSubSystemError("bridge", "set_state", domain.ErrTimeout,
			fmt.Sprintf("publish to %s not acknowledged within %v", topic, timeout))
	}
	if err := token.Error(); err != nil {
		return domain.NewSubSystemError("bridge", "set_state", err, "publish to "+topic)
	}
	m.logger.Debug("state command sent", "device", deviceID, "command", command)
	return nil
}

// OnDevicesChanged implements domain.DeviceWatcher.
func (m *MQTT) OnDevicesChanged(fn func([]domain.DeviceRecord)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

// Close disconnects from the broker with a quiesce period for in-flight
// publishes.
func (m *MQTT) Close() error {
	if m.client == nil {
		return nil
	}
	m.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

// Compile-time interface checks.
var (
	_ domain.DeviceBridge  = (*MQTT)(nil)
	_ domain.DeviceWatcher = (*MQTT)(nil)
)
