// Package uplink owns the node's persistent connection to the hub: the
// reconnect/backoff state machine, the manifest push pipeline with its
// change-detection dedup, and the node-side RPC answering surface.
package uplink

import "time"

// Backoff default bounds.
const (
	DefaultBackoffFloor   = time.Second
	DefaultBackoffCeiling = 60 * time.Second
	DefaultBackoffGrowth  = 2.0
)

// Backoff produces capped exponentially growing reconnect delays. The delay
// handed out for attempt N is min(floor * growth^(N-1), ceiling): growth is
// applied after the current value is returned, so the first attempt always
// waits exactly the floor.
//
// Not safe for concurrent use; the connector's run loop is the only caller.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration
	growth  float64
	current time.Duration
}

// NewBackoff creates a backoff starting at floor. Non-positive or nonsensical
// arguments fall back to the defaults.
func NewBackoff(floor, ceiling time.Duration, growth float64) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = DefaultBackoffCeiling
		if ceiling < floor {
			ceiling = floor
		}
	}
	if growth <= 1 {
		growth = DefaultBackoffGrowth
	}
	return &Backoff{floor: floor, ceiling: ceiling, growth: growth, current: floor}
}

// Next returns the delay to use for the upcoming attempt, then grows the
// stored delay and clamps it to the ceiling.
func (b *Backoff) Next() time.Duration {
	d := b.current
	grown := time.Duration(float64(b.current) * b.growth)
	if grown > b.ceiling || grown < b.current {
		grown = b.ceiling
	}
	b.current = grown
	return d
}

// Reset returns the delay to its floor. Called on every successful open.
func (b *Backoff) Reset() {
	b.current = b.floor
}

// Current reports the delay the next call to Next would return.
func (b *Backoff) Current() time.Duration {
	return b.current
}
