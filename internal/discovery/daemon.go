package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/venomlabs/venom-mesh/internal/cluster"
	"github.com/venomlabs/venom-mesh/internal/config"
	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
	"github.com/venomlabs/venom-mesh/internal/storage"
)

// Options configures a Daemon.
type Options struct {
	NodeID       string
	GRPCPort     int
	RESTPort     int
	Capabilities []string

	AnnounceInterval time.Duration
	PeerTimeout      time.Duration
	GracePeriod      time.Duration
	SweepInterval    time.Duration
	PersistInterval  time.Duration
}

// OptionsFromConfig builds daemon options for nodeID.
func OptionsFromConfig(cfg *config.Config, nodeID string) Options {
	d := cfg.Discovery
	return Options{
		NodeID:           nodeID,
		GRPCPort:         d.GRPCPort,
		RESTPort:         d.RESTPort,
		Capabilities:     d.Capabilities,
		AnnounceInterval: d.AnnounceInterval,
		PeerTimeout:      d.PeerTimeout,
		GracePeriod:      d.GracePeriod,
		SweepInterval:    d.SweepInterval,
		PersistInterval:  d.PersistInterval,
	}
}

// Daemon owns the peer table and runs the announce, listen, sweep and persist
// loops. Other processes see the table only through the persisted file.
type Daemon struct {
	opts    Options
	conn    PacketConn
	table   *cluster.Table
	store   storage.PeerStore
	logger  logger.Logger
	metrics *metrics.Discovery

	announcer *Announcer
	listener  *Listener
	sweeper   *cluster.Sweeper
	mdns      *MDNS

	// dirty asks the persist loop for an early write after a join.
	dirty chan struct{}
	now   func() time.Time
}

// NewDaemon wires a daemon around an open transport. m may be nil.
func NewDaemon(opts Options, conn PacketConn, store storage.PeerStore, log logger.Logger, m *metrics.Discovery) *Daemon {
	d := &Daemon{
		opts:    opts,
		conn:    conn,
		table:   cluster.NewTable(log),
		store:   store,
		logger:  log,
		metrics: m,
		dirty:   make(chan struct{}, 1),
		now:     time.Now,
	}

	d.announcer = &Announcer{
		conn:         conn,
		nodeID:       opts.NodeID,
		grpcPort:     opts.GRPCPort,
		restPort:     opts.RESTPort,
		capabilities: opts.Capabilities,
		interval:     opts.AnnounceInterval,
		logger:       log,
		metrics:      m,
		now:          d.clock,
	}
	d.listener = &Listener{
		conn:    conn,
		selfID:  opts.NodeID,
		logger:  log,
		metrics: m,
	}

	d.sweeper = cluster.NewSweeper(d.table, log, opts.SweepInterval, opts.PeerTimeout, opts.GracePeriod)
	d.sweeper.OnSweep = d.recordSweep

	d.table.Subscribe(func(e cluster.Event) {
		if e.Type == cluster.PeerJoined {
			d.markDirty()
		}
	})
	return d
}

func (d *Daemon) clock() time.Time { return d.now() }

// Table exposes the live peer table.
func (d *Daemon) Table() *cluster.Table { return d.table }

// NodeID is the id this daemon announces.
func (d *Daemon) NodeID() string { return d.opts.NodeID }

// EnableMDNS runs m alongside the multicast loops. Must be called before Run.
func (d *Daemon) EnableMDNS(m *MDNS) { d.mdns = m }

// HandleAnnouncement upserts a peer from a valid announcement received from
// src. The receive time, not the sender's timestamp, is used as last_seen so
// clock skew between nodes cannot affect liveness.
func (d *Daemon) HandleAnnouncement(msg Announcement, src net.IP) {
	addr := cluster.Address{
		Host:     src.String(),
		GRPCPort: msg.GRPCPort,
		RESTPort: msg.RESTPort,
	}
	d.table.Upsert(msg.ID, addr, d.now(), msg.Capabilities...)
}

// HandleDatagram feeds one raw datagram through the listener path. It
// reports whether the table was updated.
func (d *Daemon) HandleDatagram(data []byte, src net.IP) bool {
	return d.listener.Process(data, src, d.HandleAnnouncement)
}

// Persist writes a snapshot of the table. Failures are logged and counted;
// the daemon keeps running from memory and tries again later.
func (d *Daemon) Persist() error {
	if err := d.store.Save(d.table.Snapshot()); err != nil {
		d.logger.Error("Failed to persist peer table to %s: %v", d.store.Path(), err)
		d.metrics.PersistFailed()
		return err
	}
	return nil
}

// Run starts every loop and blocks until ctx is cancelled. Shutdown stops
// the announcer, leaves the group, waits for the listener and writes a final
// snapshot.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("Discovery daemon %s starting", d.opts.NodeID)

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(loopCtx)
		}()
	}

	run(d.announcer.Run)
	run(d.sweeper.Run)
	run(d.persistLoop)
	if d.mdns != nil {
		run(func(ctx context.Context) {
			if err := d.mdns.Run(ctx, d.HandleAnnouncement); err != nil {
				d.logger.Error("mDNS discovery stopped: %v", err)
			}
		})
	}

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		d.listener.Run(loopCtx, d.HandleAnnouncement)
	}()

	<-ctx.Done()
	d.logger.Info("Discovery daemon shutting down")

	cancel()
	wg.Wait()

	closeErr := d.conn.Close()
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		d.logger.Warn("Error closing multicast transport: %v", closeErr)
	}
	<-listenerDone

	if err := d.Persist(); err != nil {
		return err
	}
	d.logger.Info("Final peer table with %d peer(s) written to %s", d.table.Len(), d.store.Path())
	return nil
}

func (d *Daemon) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.dirty:
		}
		d.Persist()
	}
}

func (d *Daemon) markDirty() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

func (d *Daemon) recordSweep(res cluster.SweepResult) {
	d.metrics.SetPeers(res.Healthy, res.Tracked-res.Healthy)
	d.metrics.Evicted(len(res.Evicted))
}
