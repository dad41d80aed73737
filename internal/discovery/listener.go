package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
)

// Handler receives every valid announcement from another node.
type Handler func(msg Announcement, src net.IP)

// Listener reads datagrams from the group and hands valid announcements from
// other nodes to a Handler.
type Listener struct {
	conn    PacketConn
	selfID  string
	logger  logger.Logger
	metrics *metrics.Discovery
}

// Run reads until the connection is closed. Read errors while ctx is live
// are logged and the loop continues.
func (l *Listener) Run(ctx context.Context, handle Handler) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Debug("Listener stopping")
				return
			}
			l.logger.Warn("Error reading announcement: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		l.Process(buf[:n], src, handle)
	}
}

// Process decodes one datagram. Malformed payloads and our own announcements
// are dropped; it reports whether handle was called.
func (l *Listener) Process(data []byte, src net.IP, handle Handler) bool {
	msg, err := DecodeAnnouncement(data)
	if err != nil {
		l.logger.Debug("Dropping datagram from %v: %v", src, err)
		l.metrics.AnnouncementReceived(metrics.ResultMalformed)
		return false
	}
	if msg.ID == l.selfID {
		l.metrics.AnnouncementReceived(metrics.ResultSelf)
		return false
	}
	if src == nil {
		l.logger.Debug("Dropping announcement from %s with no source address", msg.ID)
		l.metrics.AnnouncementReceived(metrics.ResultMalformed)
		return false
	}
	l.metrics.AnnouncementReceived(metrics.ResultOK)
	handle(msg, src)
	return true
}
