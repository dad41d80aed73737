package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/venomlabs/venom-mesh/internal/cluster"
	"github.com/venomlabs/venom-mesh/internal/config"
	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
)

// MDNS advertises this node over zeroconf and browses for other nodes as a
// secondary discovery path. Browsed entries go through the same validation
// and handler as multicast announcements.
type MDNS struct {
	nodeID         string
	instance       string
	service        string
	domain         string
	grpcPort       int
	restPort       int
	capabilities   []string
	browseInterval time.Duration
	browseTimeout  time.Duration
	logger         logger.Logger
	metrics        *metrics.Discovery
}

// NewMDNS creates the zeroconf component for nodeID.
func NewMDNS(cfg *config.Config, nodeID string, log logger.Logger, m *metrics.Discovery) *MDNS {
	return &MDNS{
		nodeID:         nodeID,
		instance:       nodeID,
		service:        cfg.MDNS.Service,
		domain:         cfg.MDNS.Domain,
		grpcPort:       cfg.Discovery.GRPCPort,
		restPort:       cfg.Discovery.RESTPort,
		capabilities:   cfg.Discovery.Capabilities,
		browseInterval: cfg.MDNS.BrowseInterval,
		browseTimeout:  cfg.MDNS.BrowseTimeout,
		logger:         log,
		metrics:        m,
	}
}

func (m *MDNS) txtRecords() []string {
	txt := []string{
		"id=" + m.nodeID,
		"grpc_port=" + strconv.Itoa(m.grpcPort),
		"rest_port=" + strconv.Itoa(m.restPort),
	}
	if len(m.capabilities) > 0 {
		txt = append(txt, "capabilities="+strings.Join(m.capabilities, ","))
	}
	return txt
}

// Run registers the service and browses on every interval until ctx is
// cancelled.
func (m *MDNS) Run(ctx context.Context, handle Handler) error {
	m.logger.Info("Starting mDNS service %s.%s", m.service, m.domain)

	server, err := zeroconf.Register(m.instance, m.service, m.domain, m.restPort, m.txtRecords(), nil)
	if err != nil {
		return fmt.Errorf("failed to register zeroconf server: %w", err)
	}
	defer server.Shutdown()
	m.logger.Info("mDNS service registered on port %d", m.restPort)

	ticker := time.NewTicker(m.browseInterval)
	defer ticker.Stop()

	for {
		if err := m.browse(ctx, handle); err != nil {
			m.logger.Warn("mDNS browse failed: %v", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("mDNS discovery stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// browse runs one bounded browse and feeds every entry to handle.
func (m *MDNS) browse(ctx context.Context, handle Handler) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			m.handleEntry(entry, handle)
		}
	}()

	browseCtx, cancel := context.WithTimeout(ctx, m.browseTimeout)
	defer cancel()

	if err := resolver.Browse(browseCtx, m.service, m.domain, entries); err != nil {
		return fmt.Errorf("failed to browse services: %w", err)
	}
	// Browse returns at once; the resolver closes entries when browseCtx ends.
	<-browseCtx.Done()
	<-done
	return nil
}

// handleEntry converts a browsed service entry to an announcement. It
// reports whether handle was called.
func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry, handle Handler) bool {
	txt := make(map[string]string)
	for _, t := range entry.Text {
		if parts := strings.SplitN(t, "=", 2); len(parts) == 2 {
			txt[parts[0]] = parts[1]
		}
	}

	nodeID := txt["id"]
	if nodeID == "" {
		m.logger.Debug("Discovered service missing id in TXT records - Host: %s, IP: %v, Port: %d",
			entry.HostName, entry.AddrIPv4, entry.Port)
		m.metrics.AnnouncementReceived(metrics.ResultMalformed)
		return false
	}
	if nodeID == m.nodeID {
		m.metrics.AnnouncementReceived(metrics.ResultSelf)
		return false
	}

	ip := cluster.UsableIPv4(entry.AddrIPv4)
	if ip == nil {
		m.logger.Debug("Skipping %s: no usable IPv4 address in %v", nodeID, entry.AddrIPv4)
		m.metrics.AnnouncementReceived(metrics.ResultMalformed)
		return false
	}

	msg := Announcement{ID: nodeID, GRPCPort: -1, RESTPort: entry.Port}
	if v, err := strconv.Atoi(txt["grpc_port"]); err == nil {
		msg.GRPCPort = v
	}
	if v, err := strconv.Atoi(txt["rest_port"]); err == nil {
		msg.RESTPort = v
	}
	if caps := txt["capabilities"]; caps != "" {
		msg.Capabilities = strings.Split(caps, ",")
	}
	if err := msg.validate(); err != nil {
		m.logger.Debug("Dropping mDNS entry for %s: %v", nodeID, err)
		m.metrics.AnnouncementReceived(metrics.ResultMalformed)
		return false
	}

	m.metrics.AnnouncementReceived(metrics.ResultOK)
	handle(msg, ip)
	return true
}
