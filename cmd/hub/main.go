package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"switchyard/internal/adapter/auditlog"
	"switchyard/internal/adapter/discovery"
	"switchyard/internal/adapter/gateway"
	"switchyard/internal/adapter/mcpserver"
	"switchyard/internal/domain"
	"switchyard/internal/infra/config"
	"switchyard/internal/infra/logger"
	"switchyard/internal/infra/tracer"
	"switchyard/internal/usecase/eventbus"
	"switchyard/internal/usecase/hub"
	"switchyard/internal/usecase/scheduling"
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
			fmt.Println("switchyard-hub " + version)
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`switchyard-hub - capability hub for switchyard nodes

USAGE:
    switchyard-hub [COMMAND] [FLAGS]

    Accepts node uplinks over WebSocket, aggregates the capability
    manifests they push, and serves the combined tool set over MCP
    and an authenticated REST API.

COMMANDS:
    version     Print the build version

    (no command) - Run the hub

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: SWITCHYARD_* variables override config

EXAMPLES:
    switchyard-hub                               # Run with config.yaml or defaults
    switchyard-hub --config /etc/switchyard.yaml
    SWITCHYARD_HUB_ADDR=:9000 switchyard-hub`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
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

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Audit trail
	var audit domain.AuditLogger
	var fileAudit *auditlog.FileAuditLogger
	if cfg.Hub.Audit.Enabled {
		fileAudit, err = openAuditLog(cfg.Hub.Audit)
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer fileAudit.Close()
		audit = fileAudit
	}

	// 5. Invocation store
	var store domain.InvocationStore
	if cfg.Hub.Store.Enabled {
		s, err := openStore(cfg.Hub.Store.Path)
		if err != nil {
			return fmt.Errorf("invocation store: %w", err)
		}
		defer s.Close()
		store = s
	}

	// 6. Node table & invocation router
	manager := hub.NewManager(bus, audit, store, hub.ManagerConfig{
		AllowedNodes:  cfg.Hub.AllowedNodes,
		InvokeTimeout: cfg.Hub.InvokeTimeout,
		StaleInterval: cfg.Hub.StaleInterval,
	}, log)

	// 7. Gateway: node uplinks + operator REST
	nodeTokens := hub.NewAuth(cfg.Hub.NodeToken)
	server := gateway.NewServer(gateway.ServerConfig{
		Addr:            cfg.Hub.Addr,
		InitTimeout:     cfg.Hub.InitTimeout,
		RateLimitPerMin: cfg.Hub.RateLimitPerMin,
		RateLimitBurst:  cfg.Hub.RateLimitBurst,
	}, manager, nodeTokens, log)

	gateway.RegisterAPIHandlers(server, gateway.HandlerDeps{
		Auth:    operatorAuth(cfg.Hub.Auth, log),
		Manager: manager,
		Tokens:  nodeTokens,
		Store:   store,
		Audit:   audit,
		Bus:     bus,
		Logger:  log,
	})

	// 8. MCP surface
	if cfg.Hub.MCP.Enabled {
		mcpSrv := mcpserver.New(mcpserver.Config{
			Name:    cfg.Hub.Name,
			Version: version,
		}, manager, log)
		mcpSrv.Bind(bus)
		mcpSrv.Refresh(ctx)
		defer mcpSrv.Close()
		server.Mount(cfg.Hub.MCP.Path, mcpSrv.Handler())
	}

	// 9. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 10. mDNS advertisement
	if cfg.Discovery.Enabled {
		if port := advertisePort(cfg.Hub.Addr); port > 0 {
			mdns := discovery.NewMDNS(log, cfg.Discovery.ScanTimeout)
			go func() {
				if err := mdns.Advertise(ctx, cfg.Hub.Name, port, map[string]string{
					"id":      cfg.Hub.Name,
					"version": version,
				}); err != nil {
					log.Warn("mdns advertise failed", "error", err)
				}
			}()
		} else {
			log.Warn("discovery enabled but listen address has no fixed port, not advertising", "addr", cfg.Hub.Addr)
		}
	}

	// 11. Maintenance scheduler
	if cfg.Hub.Maintenance.Enabled {
		sched, err := buildScheduler(cfg, manager, fileAudit, store, log)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// 12. Serve
	log.Info("switchyard hub starting",
		"version", version,
		"addr", cfg.Hub.Addr,
		"mcp", cfg.Hub.MCP.Enabled,
		"audit", audit != nil,
		"store", store != nil,
		"allowed_nodes", len(cfg.Hub.AllowedNodes),
		"node_auth_open", nodeTokens.Open(),
	)

	return server.Start(ctx)
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

// openAuditLog opens the JSONL audit trail and applies the configured
// retention policy.
func openAuditLog(cfg config.AuditConfig) (*auditlog.FileAuditLogger, error) {
	if err := ensureDir(cfg.Path); err != nil {
		return nil, err
	}
	fa, err := auditlog.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}

	var policy auditlog.RetentionPolicy
	if cfg.Retention.MaxAge != "" {
		d, err := time.ParseDuration(cfg.Retention.MaxAge)
		if err != nil {
			fa.Close()
			return nil, fmt.Errorf("retention max_age: %w", err)
		}
		policy.MaxAge = d
	}
	if cfg.Retention.MaxSize != "" {
		n, err := auditlog.ParseRetentionMaxSize(cfg.Retention.MaxSize)
		if err != nil {
			fa.Close()
			return nil, fmt.Errorf("retention max_size: %w", err)
		}
		policy.MaxSize = n
	}
	if policy.MaxAge > 0 || policy.MaxSize > 0 {
		fa.SetRetention(policy)
	}
	return fa, nil
}

func openStore(path string) (*auditlog.SQLiteInvocationStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return auditlog.NewSQLiteInvocationStore(path)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

// operatorAuth builds the REST authenticator from the config. With no
// tokens configured the surface runs in open mode.
func operatorAuth(cfg config.AuthConfig, log *slog.Logger) gateway.Authenticator {
	if cfg.Type == "static" && len(cfg.Tokens) > 0 {
		entries := make([]struct {
			Token string
			Name  string
		}, len(cfg.Tokens))
		for i, t := range cfg.Tokens {
			entries[i].Token = t.Token
			entries[i].Name = t.Name
		}
		return gateway.NewStaticTokenAuth(entries)
	}
	log.Warn("no operator tokens configured, REST surface is open")
	return gateway.OpenAuth{}
}

// advertisePort extracts the numeric port from the listen address. Zero
// means the port cannot be known before binding and nothing is advertised.
func advertisePort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// buildScheduler wires the maintenance jobs: audit retention, invocation
// pruning, and the stale-node sweep.
func buildScheduler(
	cfg *config.Config,
	manager *hub.Manager,
	fileAudit *auditlog.FileAuditLogger,
	store domain.InvocationStore,
	log *slog.Logger,
) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(log)

	if fileAudit != nil {
		sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			_, err := fileAudit.EnforceRetention(ctx)
			return err
		})
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "audit-retention",
			Schedule: cfg.Hub.Maintenance.RetentionCron,
			Action:   scheduling.ActionAuditRetention,
		}); err != nil {
			return nil, err
		}
	}

	if store != nil && cfg.Hub.Store.Retention != "" {
		retention, err := time.ParseDuration(cfg.Hub.Store.Retention)
		if err != nil {
			return nil, fmt.Errorf("store retention: %w", err)
		}
		if retention > 0 {
			sched.RegisterAction(scheduling.ActionInvocationPrune, func(ctx context.Context) error {
				_, err := store.Prune(ctx, time.Now().Add(-retention))
				return err
			})
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     "invocation-prune",
				Schedule: cfg.Hub.Maintenance.RetentionCron,
				Action:   scheduling.ActionInvocationPrune,
			}); err != nil {
				return nil, err
			}
		}
	}

	if cfg.Hub.StaleInterval > 0 {
		sched.RegisterAction(scheduling.ActionStaleSweep, manager.SweepStale)
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "stale-sweep",
			Schedule: cfg.Hub.StaleInterval.String(),
			Action:   scheduling.ActionStaleSweep,
		}); err != nil {
			return nil, err
		}
	}

	return sched, nil
}
