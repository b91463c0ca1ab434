package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"switchyard/internal/domain"
)

// RateLimiter implements a sliding-window rate limiter.
// It tracks timestamps of allowed calls and rejects new calls
// when the count within the window exceeds the limit.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time // for testing
}

// NewRateLimiter creates a rate limiter that allows limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow returns true if a call is allowed under the rate limit, and records it.
// Returns false if the limit has been reached within the current window.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	// Trim expired entries.
	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]

	if len(r.calls) >= r.limit {
		return false
	}

	r.calls = append(r.calls, now)
	return true
}

// Reset clears all recorded calls. Useful for testing.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = r.calls[:0]
}

// LimitedBridge caps the rate of state commands flowing to the underlying
// bridge. Zigbee meshes degrade badly under command storms; a runaway caller
// gets an error instead of flooding the radio. Device listing is read-only
// and is not limited.
type LimitedBridge struct {
	inner   domain.DeviceBridge
	limiter *RateLimiter
}

// NewLimitedBridge wraps inner, allowing at most maxCommands SetState calls
// per window. A non-positive limit disables limiting.
func NewLimitedBridge(inner domain.DeviceBridge, maxCommands int, window time.Duration) *LimitedBridge {
	var limiter *RateLimiter
	if maxCommands > 0 {
		limiter = NewRateLimiter(maxCommands, window)
	}
	return &LimitedBridge{inner: inner, limiter: limiter}
}

// ListDevices implements domain.DeviceBridge.
func (l *LimitedBridge) ListDevices(ctx context.Context) ([]domain.DeviceRecord, error) {
	return l.inner.ListDevices(ctx)
}

// SetState implements domain.DeviceBridge.
func (l *LimitedBridge) SetState(ctx context.Context, deviceID, command string) error {
	if l.limiter != nil && !l.limiter.Allow() {
		return fmt.Errorf("state commands: %w", domain.ErrRateLimit)
	}
	return l.inner.SetState(ctx, deviceID, command)
}

// OnDevicesChanged forwards to the inner bridge when it supports watching.
func (l *LimitedBridge) OnDevicesChanged(fn func([]domain.DeviceRecord)) func() {
	if w, ok := l.inner.(domain.DeviceWatcher); ok {
		return w.OnDevicesChanged(fn)
	}
	return func() {}
}

// Compile-time interface checks.
var (
	_ domain.DeviceBridge  = (*LimitedBridge)(nil)
	_ domain.DeviceWatcher = (*LimitedBridge)(nil)
)
