package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"switchyard/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the bridge circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// BreakerBridge wraps a DeviceBridge with circuit breaker protection. When
// the broker or zigbee2mqtt stops responding, the circuit opens and bridge
// calls fail fast instead of piling up blocked invocations.
type BreakerBridge struct {
	inner   domain.DeviceBridge
	breaker *gobreaker.CircuitBreaker[[]domain.DeviceRecord]
	logger  *slog.Logger
}

// NewBreakerBridge wraps inner with a circuit breaker.
// If cfg is zero-valued, sensible defaults are used.
func NewBreakerBridge(inner domain.DeviceBridge, cfg BreakerConfig, logger *slog.Logger) *BreakerBridge {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]domain.DeviceRecord](gobreaker.Settings{
		Name:        "bridge",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerBridge{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// ListDevices implements domain.DeviceBridge. Calls are routed through the
// circuit breaker.
func (b *BreakerBridge) ListDevices(ctx context.Context) ([]domain.DeviceRecord, error) {
	devices, err := b.breaker.Execute(func() ([]domain.DeviceRecord, error) {
		return b.inner.ListDevices(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("bridge circuit open: %w", domain.ErrBridgeUnavailable)
		}
		return nil, err
	}
	return devices, nil
}

// SetState implements domain.DeviceBridge.
func (b *BreakerBridge) SetState(ctx context.Context, deviceID, command string) error {
	_, err := b.breaker.Execute(func() ([]domain.DeviceRecord, error) {
		return nil, b.inner.SetState(ctx, deviceID, command)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("bridge circuit open: %w", domain.ErrBridgeUnavailable)
		}
		return err
	}
	return nil
}

// OnDevicesChanged forwards to the inner bridge when it supports watching.
// Change notifications are push traffic from the broker and bypass the
// breaker.
func (b *BreakerBridge) OnDevicesChanged(fn func([]domain.DeviceRecord)) func() {
	if w, ok := b.inner.(domain.DeviceWatcher); ok {
		return w.OnDevicesChanged(fn)
	}
	return func() {}
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerBridge) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *BreakerBridge) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

// Compile-time interface checks.
var (
	_ domain.DeviceBridge  = (*BreakerBridge)(nil)
	_ domain.DeviceWatcher = (*BreakerBridge)(nil)
)
