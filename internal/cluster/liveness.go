package cluster

import (
	"context"
	"time"

	"github.com/venomlabs/venom-mesh/internal/logger"
)

// SweepResult summarises one liveness pass.
type SweepResult struct {
	Healthy int
	Tracked int
	Evicted []PeerRecord
}

// Sweeper periodically moves peers through Healthy -> Stale -> Evicted.
// It replaces per-peer timers with a single ticker.
type Sweeper struct {
	table       *Table
	logger      logger.Logger
	interval    time.Duration
	peerTimeout time.Duration
	gracePeriod time.Duration
	now         func() time.Time

	// OnSweep, if set, is called after every pass.
	OnSweep func(SweepResult)
}

// NewSweeper creates a sweeper over table. gracePeriod must exceed
// peerTimeout so that a stale peer is kept for a while before it is forgotten.
func NewSweeper(table *Table, log logger.Logger, interval, peerTimeout, gracePeriod time.Duration) *Sweeper {
	return &Sweeper{
		table:       table,
		logger:      log,
		interval:    interval,
		peerTimeout: peerTimeout,
		gracePeriod: gracePeriod,
		now:         time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting liveness sweep with %v interval (timeout %v, grace %v)",
		s.interval, s.peerTimeout, s.gracePeriod)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Liveness sweep stopping due to context cancellation")
			return
		case <-ticker.C:
			s.SweepOnce(s.now())
		}
	}
}

// SweepOnce runs a single recency check followed by an eviction pass.
func (s *Sweeper) SweepOnce(now time.Time) SweepResult {
	healthy := s.table.MarkHealthyByRecency(now, s.peerTimeout)
	evicted := s.table.Evict(now, s.gracePeriod)

	res := SweepResult{
		Healthy: healthy,
		Tracked: s.table.Len(),
		Evicted: evicted,
	}
	s.logger.Debug("Liveness sweep complete: %d healthy of %d tracked, %d evicted",
		res.Healthy, res.Tracked, len(res.Evicted))

	if s.OnSweep != nil {
		s.OnSweep(res)
	}
	return res
}
