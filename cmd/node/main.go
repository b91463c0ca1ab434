package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"switchyard/internal/adapter/bridge"
	"switchyard/internal/adapter/discovery"
	"switchyard/internal/adapter/uplink"
	"switchyard/internal/domain"
	"switchyard/internal/infra/config"
	"switchyard/internal/infra/logger"
	"switchyard/internal/infra/tracer"
	"switchyard/internal/usecase/capability"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "version":
			fmt.Println("switchyard-node " + version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`switchyard-node - edge agent advertising device capabilities to a hub

USAGE:
    switchyard-node [COMMAND] [FLAGS]

    Watches a zigbee2mqtt bridge over MQTT, derives switch capabilities
    from the live device list, and keeps a persistent WebSocket uplink
    to the hub, pushing manifest updates as devices come and go.

COMMANDS:
    version     Print the build version

    (no command) - Run the node

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: SWITCHYARD_* variables override config

EXAMPLES:
    switchyard-node --config /etc/switchyard.yaml
    SWITCHYARD_NODE_ID=shed SWITCHYARD_NODE_HUB_URL=ws://hub.local:4820/ws switchyard-node`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Device bridge, wrapped in breaker + rate limiter
	if cfg.Bridge.BrokerURL == "" {
		return fmt.Errorf("config: bridge.broker_url is required on a node")
	}
	mqttBridge, err := bridge.ConnectMQTT(bridge.MQTTConfig{
		BrokerURL:      cfg.Bridge.BrokerURL,
		ClientID:       cfg.Bridge.ClientID,
		Username:       cfg.Bridge.Username,
		Password:       cfg.Bridge.Password,
		BaseTopic:      cfg.Bridge.BaseTopic,
		ConnectTimeout: cfg.Bridge.ConnectTimeout,
		PublishTimeout: cfg.Bridge.PublishTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer mqttBridge.Close()

	var devBridge domain.DeviceBridge = bridge.NewBreakerBridge(mqttBridge, bridge.BreakerConfig{
		MaxFailures: cfg.Bridge.Breaker.MaxFailures,
		Timeout:     cfg.Bridge.Breaker.Timeout,
		Interval:    cfg.Bridge.Breaker.Interval,
	}, log)
	devBridge = bridge.NewLimitedBridge(devBridge, cfg.Bridge.MaxCallsPerMinute, time.Minute)

	// 4. Capability registry & builder
	registry := capability.NewRegistry(log)
	registry.SetAdvertisement(cfg.Node.AdvertiseHost, cfg.Node.AdvertisePort)
	builder := capability.NewBuilder(devBridge, log, cfg.Node.PermissiveDetection)

	// 5. Hub endpoint, via discovery when none is configured
	hubURL := cfg.Node.HubURL
	if hubURL == "" && cfg.Discovery.Enabled {
		hubURL, err = discoverHub(ctx, cfg.Discovery.ScanTimeout, log)
		if err != nil {
			log.Warn("hub discovery failed, uplink disabled", "error", err)
		}
	}

	// 6. Uplink connector
	connector := uplink.NewConnector(uplink.Config{
		NodeID:          cfg.Node.ID,
		HubURL:          hubURL,
		Token:           cfg.Node.Token,
		AdvertiseHost:   cfg.Node.AdvertiseHost,
		AdvertisePort:   cfg.Node.AdvertisePort,
		RefreshInterval: cfg.Node.RefreshInterval,
		DialTimeout:     cfg.Node.DialTimeout,
		CallTimeout:     cfg.Node.CallTimeout,
		BackoffFloor:    cfg.Node.Backoff.Floor,
		BackoffCeiling:  cfg.Node.Backoff.Ceiling,
		BackoffGrowth:   cfg.Node.Backoff.Growth,
	}, registry, builder, devBridge, log)

	// 7. Built-in capabilities (status + device listing)
	started := time.Now()
	for _, d := range capability.Builtins(cfg.Node.ID, devBridge, started, func() string {
		return string(connector.State())
	}) {
		if err := registry.RegisterStatic(d); err != nil {
			return fmt.Errorf("builtin capability: %w", err)
		}
	}

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Start
	if err := connector.Start(ctx); err != nil {
		return fmt.Errorf("uplink: %w", err)
	}
	defer connector.Close()

	log.Info("switchyard node starting",
		"version", version,
		"node_id", cfg.Node.ID,
		"hub", hubURL,
		"broker", cfg.Bridge.BrokerURL,
		"permissive_detection", cfg.Node.PermissiveDetection,
	)

	<-ctx.Done()
	log.Info("switchyard node shutting down")
	return nil
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("SWITCHYARD_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// discoverHub browses the local network and returns the WebSocket endpoint
// of the first advertised hub.
func discoverHub(ctx context.Context, scanTimeout time.Duration, log *slog.Logger) (string, error) {
	mdns := discovery.NewMDNS(log, scanTimeout)
	hubs, err := mdns.Scan(ctx)
	if err != nil {
		return "", err
	}
	if len(hubs) == 0 {
		return "", fmt.Errorf("no hub advertised on the local network")
	}
	hub := hubs[0]
	log.Info("hub discovered", "id", hub.ID, "address", hub.Address, "hub_version", hub.Version)
	return "ws://" + hub.Address + "/ws", nil
}
