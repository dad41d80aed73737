package discovery

import (
	"context"
	"time"

	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
)

// Announcer periodically sends this node's announcement to the group.
type Announcer struct {
	conn         PacketConn
	nodeID       string
	grpcPort     int
	restPort     int
	capabilities []string
	interval     time.Duration
	logger       logger.Logger
	metrics      *metrics.Discovery
	now          func() time.Time
}

// AnnounceOnce encodes and sends a single announcement. Errors are returned
// to the caller, which logs them and tries again on the next tick.
func (a *Announcer) AnnounceOnce() error {
	msg := NewAnnouncement(a.nodeID, a.grpcPort, a.restPort, a.now(), a.capabilities)
	b, err := msg.Encode()
	if err != nil {
		a.metrics.AnnouncementSent(err)
		return err
	}
	err = a.conn.Send(b)
	a.metrics.AnnouncementSent(err)
	return err
}

// Run announces immediately and then on every interval until ctx is done.
func (a *Announcer) Run(ctx context.Context) {
	a.logger.Info("Announcing %s every %v (grpc %d, rest %d)", a.nodeID, a.interval, a.grpcPort, a.restPort)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.AnnounceOnce(); err != nil {
			a.logger.Warn("Failed to send announcement: %v", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Debug("Announcer stopping")
			return
		case <-ticker.C:
		}
	}
}
