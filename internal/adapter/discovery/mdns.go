// Package discovery implements zero-configuration hub discovery over
// mDNS/DNS-SD. The hub advertises itself as a _switchyard._tcp service;
// nodes with no hub address configured browse the local network and pick
// the first hub they find. Both sides are always compiled in; the
// discovery section of the config decides whether they run.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_switchyard._tcp"
	mdnsDomain  = "local."

	defaultScanTimeout = 5 * time.Second
)

// Hub describes a hub instance found on the local network.
type Hub struct {
	Name     string            // mDNS instance name
	ID       string            // hub id from the TXT record
	Version  string            // hub version from the TXT record
	Address  string            // host:port, ready for a ws:// URL
	Metadata map[string]string // all TXT key=value pairs
}

// MDNS browses for and advertises switchyard hubs via mDNS.
type MDNS struct {
	logger      *slog.Logger
	scanTimeout time.Duration
}

// NewMDNS creates an MDNS discoverer. scanTimeout bounds how long Scan
// listens for responses; zero or negative selects the default.
func NewMDNS(logger *slog.Logger, scanTimeout time.Duration) *MDNS {
	if scanTimeout <= 0 {
		scanTimeout = defaultScanTimeout
	}
	return &MDNS{logger: logger, scanTimeout: scanTimeout}
}

// Scan browses for switchyard hubs on the local network. It listens for
// the full scan window before returning, so callers see every hub that
// answered, not just the fastest.
func (d *MDNS) Scan(ctx context.Context) ([]Hub, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var hubs []Hub
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, d.scanTimeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			hub := entryToHub(entry)
			if hub.Address == "" {
				continue // nothing to dial
			}
			mu.Lock()
			hubs = append(hubs, hub)
			mu.Unlock()
			d.logger.Debug("mdns discovered hub", "id", hub.ID, "address", hub.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, serviceType, mdnsDomain, entries); err != nil {
		cancel()
		// Wait for consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// Wait for the scan timeout to complete, then wait for the consumer
	// goroutine to finish processing all entries.
	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]Hub, len(hubs))
	copy(result, hubs)
	mu.Unlock()

	return result, nil
}

// Advertise registers this hub on the local network. This method blocks
// until ctx is cancelled. Call it in a goroutine.
func (d *MDNS) Advertise(ctx context.Context, name string, port int, metadata map[string]string) error {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}

	server, err := zeroconf.Register(name, serviceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	d.logger.Info("mdns advertising", "name", name, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToHub(entry *zeroconf.ServiceEntry) Hub {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	metadata := parseTXTRecords(entry.Text)

	return Hub{
		Name:     entry.ServiceRecord.Instance,
		ID:       metadata["id"],
		Version:  metadata["version"],
		Address:  address,
		Metadata: metadata,
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}
