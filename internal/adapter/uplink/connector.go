package uplink

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"switchyard/internal/domain"
	"switchyard/internal/usecase/capability"
)

// State is the connector's link state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateStopped      State = "stopped"
)

// Config holds the connector's wiring and tuning knobs.
type Config struct {
	NodeID string
	// HubURL is the full WebSocket endpoint, e.g. ws://hub.local:4820/ws.
	// Empty means the uplink is disabled: Start logs one diagnostic and the
	// connector degrades to a no-op instead of failing the process.
	HubURL string
	Token  string

	// Advertisement metadata stamped onto decorated manifests.
	AdvertiseHost string
	AdvertisePort int

	// RefreshInterval is the periodic re-derivation cadence, a safety net
	// against missed device-change notifications.
	RefreshInterval time.Duration
	DialTimeout     time.Duration
	// CallTimeout bounds a single local tools/call handler invocation.
	CallTimeout time.Duration

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	BackoffGrowth  float64
}

func (c *Config) defaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
}

type eventKind int

const (
	evDialOK eventKind = iota
	evDialFailed
	evLinkClosed
	evInbound
	evDevicesChanged
)

type connEvent struct {
	kind  eventKind
	epoch uint64
	link  *hubLink
	ws    *websocket.Conn
	data  []byte
	err   error
}

// Connector owns the node's persistent connection to the hub. All state
// transitions happen on one run-loop goroutine that selects over socket
// events, the reconnect timer, the periodic refresh ticker, and device-change
// notifications; nothing else mutates connection state.
type Connector struct {
	cfg      Config
	registry *capability.Registry
	builder  *capability.Builder
	bridge   domain.DeviceBridge
	logger   *slog.Logger

	events    chan connEvent
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	started   atomic.Bool
	disabled  bool

	stateVal atomic.Value // State, mirror for cross-goroutine reads

	runCtx    context.Context
	runCancel context.CancelFunc

	// Run-loop-owned fields. Never touched off-loop.
	st               State
	epoch            uint64
	link             *hubLink
	backoff          *Backoff
	attempts         int
	reconnectTimer   *time.Timer
	refreshTicker    *time.Ticker
	unsubDevices     func()
	lastDynamicSig   string
	lastDecoratedSig string
}

// NewConnector wires a connector; Start begins connecting.
func NewConnector(cfg Config, registry *capability.Registry, builder *capability.Builder, bridge domain.DeviceBridge, logger *slog.Logger) *Connector {
	cfg.defaults()
	c := &Connector{
		cfg:      cfg,
		registry: registry,
		builder:  builder,
		bridge:   bridge,
		logger:   logger,
		events:   make(chan connEvent, 32),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		backoff:  NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling, cfg.BackoffGrowth),
	}
	c.setState(StateDisconnected)
	return c
}

// Start launches the run loop and the first connection attempt. With no hub
// address configured the connector logs one diagnostic and stays inert; the
// rest of the process keeps running.
func (c *Connector) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if c.cfg.HubURL == "" {
		c.disabled = true
		c.setState(StateStopped)
		close(c.doneCh)
		c.logger.Warn("no hub address configured, uplink disabled")
		return nil
	}

	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	if watcher, ok := c.bridge.(domain.DeviceWatcher); ok {
		c.unsubDevices = watcher.OnDevicesChanged(func(_ []domain.DeviceRecord) {
			// Coalesce: one queued notification is enough.
			select {
			case c.events <- connEvent{kind: evDevicesChanged}:
			default:
			}
		})
	}
	c.refreshTicker = time.NewTicker(c.cfg.RefreshInterval)

	go c.run()
	return nil
}

// Close disposes the connector: cancels the reconnect timer and refresh
// ticker, unsubscribes device listeners, and closes the socket if open.
// Idempotent; after Close no further timers are ever scheduled.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		<-c.doneCh
	}
	return nil
}

// State reports the current link state. Safe from any goroutine.
func (c *Connector) State() State {
	return c.stateVal.Load().(State)
}

func (c *Connector) setState(s State) {
	c.st = s
	c.stateVal.Store(s)
}

func (c *Connector) run() {
	defer close(c.doneCh)

	c.connect()

	for {
		select {
		case <-c.stopCh:
			c.teardown()
			return

		case <-c.timerC():
			c.reconnectTimer = nil
			c.connect()

		case <-c.refreshTicker.C:
			c.refresh(domain.KindToolsUpdate, false)

		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// timerC returns the pending reconnect timer's channel, or nil (blocks
// forever in select) when none is scheduled.
func (c *Connector) timerC() <-chan time.Time {
	if c.reconnectTimer == nil {
		return nil
	}
	return c.reconnectTimer.C
}

func (c *Connector) handleEvent(ev connEvent) {
	switch ev.kind {
	case evDialOK:
		if ev.epoch != c.epoch || c.st != StateConnecting {
			// A dial from a superseded attempt; discard its socket.
			ev.ws.Close(websocket.StatusGoingAway, "superseded")
			return
		}
		c.onOpen(ev.ws)

	case evDialFailed:
		if ev.epoch != c.epoch || c.st != StateConnecting {
			return
		}
		c.logger.Warn("hub dial failed", "error", ev.err, "attempt", c.attempts+1)
		c.setState(StateDisconnected)
		c.scheduleReconnect()

	case evLinkClosed:
		if c.link == nil || ev.epoch != c.link.epoch {
			return // already handled or from an older connection
		}
		c.logger.Info("hub link closed", "error", ev.err)
		c.link.close(websocket.StatusNormalClosure, "")
		c.link = nil
		c.lastDynamicSig = ""
		c.lastDecoratedSig = ""
		c.setState(StateDisconnected)
		c.scheduleReconnect()

	case evInbound:
		if c.link == nil || ev.epoch != c.link.epoch {
			return
		}
		c.handleInbound(c.link, ev.data)

	case evDevicesChanged:
		c.refresh(domain.KindToolsUpdate, false)
	}
}

// connect is a no-op while already connecting, open, or stopped.
func (c *Connector) connect() {
	switch c.st {
	case StateConnecting, StateOpen, StateClosing, StateStopped:
		return
	}
	c.setState(StateConnecting)
	c.epoch++
	go c.dial(c.epoch)
}

func (c *Connector) dial(epoch uint64) {
	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.DialTimeout)
	defer cancel()

	endpoint := c.cfg.HubURL
	if c.cfg.Token != "" {
		endpoint += "?token=" + url.QueryEscape(c.cfg.Token)
	}
	ws, _, err := websocket.Dial(ctx, endpoint, nil) //nolint:bodyclose // nhooyr owns the response body
	if err != nil {
		c.emit(connEvent{kind: evDialFailed, epoch: epoch, err: err})
		return
	}
	c.emit(connEvent{kind: evDialOK, epoch: epoch, ws: ws})
}

func (c *Connector) onOpen(ws *websocket.Conn) {
	c.setState(StateOpen)
	c.backoff.Reset()
	c.attempts = 0
	c.lastDynamicSig = ""
	c.lastDecoratedSig = ""

	link := newHubLink(ws, c.epoch, c.logger)
	c.link = link

	go link.writePump(func(err error) {
		c.emit(connEvent{kind: evLinkClosed, epoch: link.epoch, err: err})
	})
	go link.readPump(c.runCtx,
		func(data []byte) {
			c.emit(connEvent{kind: evInbound, epoch: link.epoch, data: data})
		},
		func(err error) {
			c.emit(connEvent{kind: evLinkClosed, epoch: link.epoch, err: err})
		})

	c.logger.Info("hub link open", "hub", c.cfg.HubURL)

	// Full-state resync: rebuild ignoring the dedup check and announce.
	c.refresh(domain.KindInit, true)
}

// scheduleReconnect arms the reconnect timer with the current backoff delay,
// then grows the delay. At most one timer is ever pending; while stopped,
// nothing is scheduled.
func (c *Connector) scheduleReconnect() {
	if c.st == StateStopped || c.st == StateClosing {
		return
	}
	if c.reconnectTimer != nil {
		return
	}
	delay := c.backoff.Next()
	c.attempts++
	c.logger.Info("reconnect scheduled", "delay", delay, "attempt", c.attempts)
	c.reconnectTimer = time.NewTimer(delay)
}

// refresh re-derives the manifest from the live device list, replaces the
// registry's dynamic partition, and pushes an update when either the
// dynamic-set signature or the decorated-list signature differs from the last
// value sent on this connection. force bypasses the dedup check. Failures are
// logged and never crash the loop.
func (c *Connector) refresh(kind domain.MessageKind, force bool) {
	ctx, cancel := context.WithTimeout(c.runCtx, 30*time.Second)
	defer cancel()

	devices, err := c.bridge.ListDevices(ctx)
	if err != nil {
		c.logger.Warn("device listing failed, keeping previous manifest", "error", err)
		return
	}

	descriptors := c.builder.Build(devices, c.cfg.NodeID)
	c.registry.Replace(descriptors)

	dynamicSig := capability.Sign(descriptors)
	advertised := c.registry.Advertised(true)
	decoratedSig := capability.SignAdvertised(advertised)

	if c.st != StateOpen || c.link == nil {
		return
	}
	if !force && dynamicSig == c.lastDynamicSig && decoratedSig == c.lastDecoratedSig {
		c.logger.Debug("manifest unchanged, skipping push", "signature", dynamicSig)
		return
	}

	manifest := domain.NewManifest(kind, c.cfg.NodeID, c.cfg.AdvertiseHost, c.cfg.AdvertisePort, advertised, dynamicSig)
	if !c.link.send(manifest) {
		c.logger.Warn("manifest push dropped, send queue full", "kind", kind)
		return
	}
	c.lastDynamicSig = dynamicSig
	c.lastDecoratedSig = decoratedSig
	c.logger.Info("manifest pushed", "kind", kind, "tools", len(advertised), "signature", dynamicSig)
}

// teardown runs the disposal steps. Each step is independent: a nil check
// guards every one so a missing piece never skips the rest.
func (c *Connector) teardown() {
	c.setState(StateClosing)

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.refreshTicker != nil {
		c.refreshTicker.Stop()
	}
	if c.unsubDevices != nil {
		c.unsubDevices()
		c.unsubDevices = nil
	}
	if c.link != nil {
		c.link.close(websocket.StatusNormalClosure, "node shutting down")
		c.link = nil
	}
	if c.runCancel != nil {
		c.runCancel()
	}

	c.setState(StateStopped)
}

// emit delivers an event to the run loop, giving up once the connector stops.
func (c *Connector) emit(ev connEvent) {
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}
