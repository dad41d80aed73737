package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/venomlabs/venom-mesh/internal/cluster"
	"github.com/venomlabs/venom-mesh/internal/config"
	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
	"github.com/venomlabs/venom-mesh/internal/storage"
)

// maxConcurrentProbes bounds the probe fan-out.
const maxConcurrentProbes = 64

// Options configures an Orchestrator.
type Options struct {
	PeerTimeout    time.Duration
	ReloadInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	Alpha          float64
	WatchPeerFile  bool
}

// OptionsFromConfig builds orchestrator options. The peer timeout is shared
// with the discovery daemon.
func OptionsFromConfig(cfg *config.Config) Options {
	o := cfg.Orchestrator
	return Options{
		PeerTimeout:    cfg.Discovery.PeerTimeout,
		ReloadInterval: o.ReloadInterval,
		ProbeInterval:  o.ProbeInterval,
		ProbeTimeout:   o.ProbeTimeout,
		Alpha:          o.Alpha,
		WatchPeerFile:  o.WatchPeerFile,
	}
}

// Task is a submission from a caller. Payload is opaque and Capability is a
// hint that routing does not use.
type Task struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	Capability string          `json:"capability,omitempty"`
}

// Assignment is the chosen target for a task. The orchestrator does not run
// the task itself.
type Assignment struct {
	TaskID   string  `json:"task_id"`
	NodeID   string  `json:"node_id"`
	Host     string  `json:"host"`
	GRPCPort int     `json:"grpc_port"`
	RESTPort int     `json:"rest_port"`
	LoadEMA  float64 `json:"load_ema"`
}

// Feedback reports a finished task. Load, when present, is folded into the
// peer's estimate.
type Feedback struct {
	NodeID  string   `json:"node_id"`
	TaskID  string   `json:"task_id"`
	Success bool     `json:"success"`
	Load    *float64 `json:"load,omitempty"`
}

// PeerStatus is the orchestrator's view of one peer.
type PeerStatus struct {
	NodeID        string    `json:"node_id"`
	Host          string    `json:"host"`
	GRPCPort      int       `json:"grpc_port"`
	RESTPort      int       `json:"rest_port"`
	LastSeen      time.Time `json:"last_seen"`
	Healthy       bool      `json:"healthy"`
	State         string    `json:"state"`
	LoadEMA       float64   `json:"load_ema"`
	InFlight      int       `json:"in_flight"`
	ProbeFailures int       `json:"probe_failures"`
	Capabilities  []string  `json:"capabilities,omitempty"`
}

// Orchestrator reads the peer table written by the discovery daemon, probes
// peers, keeps load estimates and picks a target for every task.
type Orchestrator struct {
	opts      Options
	table     *cluster.Table
	store     storage.PeerStore
	prober    Prober
	estimator *Estimator
	logger    logger.Logger
	metrics   *metrics.Orchestrator
	now       func() time.Time

	mutex    sync.Mutex
	inflight map[string]int    // node_id -> dispatched, unreported tasks
	tasks    map[string]string // task_id -> node_id
}

// New creates an orchestrator. prober may be nil to rely on announcement
// recency alone; m may be nil.
func New(opts Options, store storage.PeerStore, prober Prober, log logger.Logger, m *metrics.Orchestrator) *Orchestrator {
	table := cluster.NewTable(log)
	o := &Orchestrator{
		opts:      opts,
		table:     table,
		store:     store,
		prober:    prober,
		estimator: NewEstimator(table, opts.Alpha),
		logger:    log,
		metrics:   m,
		now:       time.Now,
		inflight:  make(map[string]int),
		tasks:     make(map[string]string),
	}

	table.Subscribe(func(e cluster.Event) {
		if e.Type == cluster.PeerEvicted {
			o.forget(e.Peer.NodeID)
		}
	})
	return o
}

// Table exposes the orchestrator's copy of the peer table.
func (o *Orchestrator) Table() *cluster.Table { return o.table }

// Reload syncs the table with the peer file and re-marks health by recency.
// A missing file counts as an empty table; a corrupt one leaves the table
// as it was.
func (o *Orchestrator) Reload() error {
	records, err := o.store.Load()
	if err != nil {
		if !errors.Is(err, storage.ErrFileNotFound) {
			o.metrics.Reloaded(err)
			return err
		}
		o.logger.Debug("Peer file %s does not exist yet", o.store.Path())
		records = map[string]cluster.PeerRecord{}
	}

	now := o.now()
	added, removed := o.table.Sync(records, now)
	healthy := o.table.MarkHealthyByRecency(now, o.opts.PeerTimeout)
	if added > 0 || removed > 0 {
		o.logger.Info("Reloaded peer table: %d added, %d removed, %d of %d healthy",
			added, removed, healthy, o.table.Len())
	}

	o.metrics.Reloaded(nil)
	o.metrics.SetPeers(healthy, o.table.Len()-healthy)
	return nil
}

// ProbeAll probes every peer seen within the peer timeout concurrently, each
// bounded by the probe timeout. Peers that failed earlier are probed too so
// they can recover. It returns the number of successful probes.
func (o *Orchestrator) ProbeAll(ctx context.Context) int {
	if o.prober == nil {
		return 0
	}

	now := o.now()
	var targets []cluster.PeerRecord
	for _, p := range o.table.Peers() {
		if p.Silence(now) <= o.opts.PeerTimeout {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return 0
	}

	var (
		mu sync.Mutex
		ok int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, p := range targets {
		p := p
		g.Go(func() error {
			if o.probeOne(gctx, p) {
				mu.Lock()
				ok++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	healthy := o.table.MarkHealthyByRecency(o.now(), o.opts.PeerTimeout)
	o.metrics.SetPeers(healthy, o.table.Len()-healthy)
	o.logger.Debug("Probed %d peer(s): %d ok", len(targets), ok)
	return ok
}

func (o *Orchestrator) probeOne(ctx context.Context, p cluster.PeerRecord) bool {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	sample, err := o.prober.Probe(ctx, p)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		result := metrics.ResultFailure
		if errors.Is(err, ErrProbeTimeout) {
			result = metrics.ResultTimeout
		}
		o.metrics.Probed(result, elapsed)
		if o.table.MarkProbeFailed(p.NodeID) {
			o.logger.Warn("Probe of %s (%s) failed, marking unhealthy: %v", p.NodeID, p.Address.Host, err)
		}
		return false
	}

	o.metrics.Probed(metrics.ResultOK, elapsed)
	if !o.table.Touch(p.NodeID, o.now()) {
		return false
	}
	if sample.HasLoad {
		v, err := o.estimator.Update(p.NodeID, sample.Load)
		if err != nil {
			o.logger.Warn("Ignoring load sample from %s: %v", p.NodeID, err)
		} else {
			o.metrics.SetLoad(p.NodeID, v)
		}
	}
	return true
}

// Dispatch picks the least-loaded healthy peer for task. It never runs the
// task and never falls back to local execution.
func (o *Orchestrator) Dispatch(task Task) (Assignment, error) {
	peer, err := Select(o.table.Peers(), o.now(), o.opts.PeerTimeout)
	if err != nil {
		o.metrics.Dispatched(metrics.ResultNoPeers)
		o.logger.Warn("Dispatch failed: %v", err)
		return Assignment{}, err
	}

	a := Assignment{
		TaskID:   uuid.New().String(),
		NodeID:   peer.NodeID,
		Host:     peer.Address.Host,
		GRPCPort: peer.Address.GRPCPort,
		RESTPort: peer.Address.RESTPort,
		LoadEMA:  peer.LoadEMA,
	}

	o.mutex.Lock()
	o.tasks[a.TaskID] = a.NodeID
	o.inflight[a.NodeID]++
	n := o.inflight[a.NodeID]
	o.mutex.Unlock()

	o.metrics.Dispatched(metrics.ResultOK)
	o.metrics.SetInflight(a.NodeID, n)
	o.logger.Debug("Dispatched task %s to %s (load %.3f)", a.TaskID, a.NodeID, a.LoadEMA)
	return a, nil
}

// ReportCompletion is the feedback hook for finished tasks. A rejected
// report leaves the task in flight so the caller can retry it.
func (o *Orchestrator) ReportCompletion(fb Feedback) error {
	if _, ok := o.table.Get(fb.NodeID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, fb.NodeID)
	}
	if fb.Load != nil {
		if err := validSample(*fb.Load); err != nil {
			return err
		}
	}

	o.mutex.Lock()
	if owner, ok := o.tasks[fb.TaskID]; ok && owner == fb.NodeID {
		delete(o.tasks, fb.TaskID)
		if o.inflight[fb.NodeID] > 0 {
			o.inflight[fb.NodeID]--
		}
	}
	n := o.inflight[fb.NodeID]
	o.mutex.Unlock()
	o.metrics.SetInflight(fb.NodeID, n)

	if !fb.Success {
		o.logger.Info("Task %s on %s reported failure", fb.TaskID, fb.NodeID)
	}
	if fb.Load == nil {
		return nil
	}
	v, err := o.estimator.Update(fb.NodeID, *fb.Load)
	if err != nil {
		return err
	}
	o.metrics.SetLoad(fb.NodeID, v)
	return nil
}

// InFlight returns the number of dispatched tasks not yet reported for
// nodeID.
func (o *Orchestrator) InFlight(nodeID string) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.inflight[nodeID]
}

// Peers returns the current view of every peer ordered by node_id.
func (o *Orchestrator) Peers() []PeerStatus {
	peers := o.table.Peers()

	o.mutex.Lock()
	defer o.mutex.Unlock()

	out := make([]PeerStatus, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerStatus{
			NodeID:        p.NodeID,
			Host:          p.Address.Host,
			GRPCPort:      p.Address.GRPCPort,
			RESTPort:      p.Address.RESTPort,
			LastSeen:      p.LastSeen,
			Healthy:       p.Healthy,
			State:         p.State.String(),
			LoadEMA:       p.LoadEMA,
			InFlight:      o.inflight[p.NodeID],
			ProbeFailures: p.ProbeFailures,
			Capabilities:  p.Capabilities,
		})
	}
	return out
}

func (o *Orchestrator) forget(nodeID string) {
	o.mutex.Lock()
	delete(o.inflight, nodeID)
	for id, owner := range o.tasks {
		if owner == nodeID {
			delete(o.tasks, id)
		}
	}
	o.mutex.Unlock()
	o.metrics.ForgetPeer(nodeID)
}

// Run reloads and probes on their own tickers, and on peer file changes when
// watching is enabled, until ctx is cancelled. In-flight probes are abandoned
// at their timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Orchestrator reading %s (reload %v, probe %v)",
		o.store.Path(), o.opts.ReloadInterval, o.opts.ProbeInterval)

	if err := o.Reload(); err != nil {
		o.logger.Warn("Initial peer table load failed: %v", err)
	}

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(o.reloadLoop)
	if o.prober != nil {
		run(o.probeLoop)
	}
	if o.opts.WatchPeerFile {
		watcher, err := o.watch()
		if err != nil {
			o.logger.Warn("Watching %s failed, relying on periodic reload: %v", o.store.Path(), err)
		} else {
			run(func(ctx context.Context) { o.watchLoop(ctx, watcher) })
		}
	}

	<-ctx.Done()
	wg.Wait()
	o.logger.Info("Orchestrator stopped")
	return nil
}

func (o *Orchestrator) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.Reload(); err != nil {
				o.logger.Warn("Peer table reload failed: %v", err)
			}
		}
	}
}

func (o *Orchestrator) probeLoop(ctx context.Context) {
	o.ProbeAll(ctx)

	ticker := time.NewTicker(o.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ProbeAll(ctx)
		}
	}
}

// watch observes the peer file's directory, since the daemon replaces the
// file by rename.
func (o *Orchestrator) watch() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(o.store.Path())); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}

func (o *Orchestrator) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(o.store.Path())

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			if err := o.Reload(); err != nil {
				o.logger.Debug("Reload after change to %s failed: %v", target, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			o.logger.Warn("Peer file watcher error: %v", err)
		}
	}
}
