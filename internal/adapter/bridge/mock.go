// Package bridge provides device bridge implementations: the zigbee2mqtt
// MQTT bridge used in production, an in-memory mock for development and
// tests, and resilience wrappers (circuit breaker, rate limiter) that
// compose around any domain.DeviceBridge.
package bridge

import (
	"context"
	"sync"

	"switchyard/internal/domain"
)

// StateCall records one SetState invocation against the mock.
type StateCall struct {
	DeviceID string
	Command  string
}

// Mock is an in-memory bridge for development and tests. It serves a fixed
// device list, records state commands, and notifies watchers when the list
// is replaced. Used as the node's bridge when no MQTT broker is configured.
type Mock struct {
	mu          sync.Mutex
	devices     []domain.DeviceRecord
	calls       []StateCall
	listErr     error
	setErr      error
	watchers    map[int]func([]domain.DeviceRecord)
	nextWatcher int
}

// NewMock creates a mock bridge serving the given devices.
func NewMock(devices ...domain.DeviceRecord) *Mock {
	return &Mock{
		devices:  devices,
		watchers: make(map[int]func([]domain.DeviceRecord)),
	}
}

// ListDevices implements domain.DeviceBridge.
func (m *Mock) ListDevices(_ context.Context) ([]domain.DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.DeviceRecord, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// SetState implements domain.DeviceBridge. The command is recorded even when
// the device is unknown, matching a real bridge's fire-and-forget publish.
func (m *Mock) SetState(_ context.Context, deviceID, command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.calls = append(m.calls, StateCall{DeviceID: deviceID, Command: command})
	return nil
}

// OnDevicesChanged implements domain.DeviceWatcher.
func (m *Mock) OnDevicesChanged(fn func([]domain.DeviceRecord)) func() {
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

// SetDevices replaces the device list and notifies watchers.
func (m *Mock) SetDevices(devices ...domain.DeviceRecord) {
	m.mu.Lock()
	m.devices = devices
	snapshot := make([]domain.DeviceRecord, len(devices))
	copy(snapshot, devices)
	watchers := make([]func([]domain.DeviceRecord), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(snapshot)
	}
}

// Calls returns the recorded state commands (for test assertions).
func (m *Mock) Calls() []StateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateCall{}, m.calls...)
}

// FailList makes subsequent ListDevices calls return err (nil to clear).
func (m *Mock) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// FailSet makes subsequent SetState calls return err (nil to clear).
func (m *Mock) FailSet(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// Compile-time interface checks.
var (
	_ domain.DeviceBridge  = (*Mock)(nil)
	_ domain.DeviceWatcher = (*Mock)(nil)
)
