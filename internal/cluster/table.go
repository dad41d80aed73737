package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/venomlabs/venom-mesh/internal/logger"
)

// Table is the single source of truth for known peers. It is owned by the
// discovery daemon; the orchestrator keeps its own Table synced from the
// persisted file. All methods are safe for concurrent use and hand out copies,
// never pointers to live records.
type Table struct {
	mutex       sync.RWMutex
	peers       map[string]*PeerRecord
	subscribers []EventFunc
	logger      logger.Logger
}

// NewTable creates an empty peer table.
func NewTable(log logger.Logger) *Table {
	return &Table{
		peers:  make(map[string]*PeerRecord),
		logger: log,
	}
}

// Subscribe adds an event listener. Events are delivered asynchronously.
func (t *Table) Subscribe(fn EventFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// notify must be called with the mutex held.
func (t *Table) notify(typ EventType, p *PeerRecord, now time.Time) {
	if len(t.subscribers) == 0 {
		return
	}
	event := Event{Type: typ, Peer: p.clone(), Timestamp: now}
	for _, fn := range t.subscribers {
		go fn(event)
	}
}

// Upsert inserts a new peer or refreshes an existing one and returns a copy of
// the resulting record. A re-announcement never duplicates a record; a
// different address for a known node_id replaces the old one. last_seen never
// moves backwards. Non-empty capabilities replace the stored ones.
func (t *Table) Upsert(nodeID string, addr Address, now time.Time, capabilities ...string) PeerRecord {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p, exists := t.peers[nodeID]
	if !exists {
		p = &PeerRecord{
			NodeID:   nodeID,
			Address:  addr,
			LastSeen: now,
			Healthy:  true,
			State:    Healthy,
		}
		if len(capabilities) > 0 {
			p.Capabilities = append([]string(nil), capabilities...)
		}
		t.peers[nodeID] = p
		t.logger.Info("Added new peer %s at %s (task %d, status %d)",
			nodeID, addr.Host, addr.GRPCPort, addr.RESTPort)
		t.notify(PeerJoined, p, now)
		return p.clone()
	}

	if p.Address != addr {
		t.logger.Info("Peer %s moved from %s to %s",
			nodeID, p.Address.TaskAddr(), addr.TaskAddr())
		p.Address = addr
	}
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
	if len(capabilities) > 0 {
		p.Capabilities = append(p.Capabilities[:0:0], capabilities...)
	}

	wasStale := p.State == Stale
	p.State = Healthy
	p.Healthy = p.ProbeFailures == 0
	if wasStale {
		t.logger.Info("Peer %s recovered from stale state", nodeID)
		t.notify(PeerRecovered, p, now)
	}
	return p.clone()
}

// MarkHealthyByRecency sets healthy = (now - last_seen) <= timeout for every
// record, moving peers between Healthy and Stale. It returns the number of
// healthy peers.
func (t *Table) MarkHealthyByRecency(now time.Time, timeout time.Duration) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	healthy := 0
	for _, p := range t.peers {
		recent := p.Silence(now) <= timeout
		p.Healthy = recent && p.ProbeFailures == 0

		switch {
		case !recent && p.State != Stale:
			t.logger.Warn("Peer %s (%s) hasn't been seen for %v, marking as stale",
				p.NodeID, p.Address.Host, p.Silence(now).Round(time.Second))
			p.State = Stale
			t.notify(PeerStale, p, now)
		case recent && p.State == Stale:
			t.logger.Info("Peer %s recovered from stale state", p.NodeID)
			p.State = Healthy
			t.notify(PeerRecovered, p, now)
		case recent:
			p.State = Healthy
		}

		if p.Healthy {
			healthy++
		}
	}
	return healthy
}

// Evict removes every record silent for longer than grace and returns copies
// of the removed records in the Evicted state.
func (t *Table) Evict(now time.Time, grace time.Duration) []PeerRecord {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var evicted []PeerRecord
	for id, p := range t.peers {
		if p.Silence(now) <= grace {
			continue
		}
		t.logger.Info("Removing peer %s (%s) after %v of silence",
			id, p.Address.Host, p.Silence(now).Round(time.Second))
		delete(t.peers, id)
		p.State = Evicted
		p.Healthy = false
		t.notify(PeerEvicted, p, now)
		evicted = append(evicted, p.clone())
	}

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].NodeID < evicted[j].NodeID })
	return evicted
}

// Snapshot returns an immutable copy of the table keyed by node_id.
func (t *Table) Snapshot() map[string]PeerRecord {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	snap := make(map[string]PeerRecord, len(t.peers))
	for id, p := range t.peers {
		snap[id] = p.clone()
	}
	return snap
}

// Peers returns copies of all records ordered by node_id.
func (t *Table) Peers() []PeerRecord {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make([]PeerRecord, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Get returns a copy of the record for nodeID.
func (t *Table) Get(nodeID string) (PeerRecord, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	p, ok := t.peers[nodeID]
	if !ok {
		return PeerRecord{}, false
	}
	return p.clone(), true
}

// Len returns the number of tracked peers, stale ones included.
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.peers)
}

// Touch records a successful probe: last_seen moves forward, the probe
// failure mark is cleared and the peer becomes healthy again.
func (t *Table) Touch(nodeID string, now time.Time) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
	if p.ProbeFailures > 0 {
		t.logger.Info("Peer %s passed its health probe after %d failures", nodeID, p.ProbeFailures)
	}
	wasStale := p.State == Stale
	p.ProbeFailures = 0
	p.Healthy = true
	p.State = Healthy
	if wasStale {
		t.notify(PeerRecovered, p, now)
	}
	return true
}

// MarkProbeFailed marks the peer unhealthy after a failed probe. last_seen and
// load_ema are left untouched.
func (t *Table) MarkProbeFailed(nodeID string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	p.ProbeFailures++
	p.Healthy = false
	return true
}

// UpdateLoad replaces load_ema with fn(load_ema) and returns the new value.
func (t *Table) UpdateLoad(nodeID string, fn func(old float64) float64) (float64, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p, ok := t.peers[nodeID]
	if !ok {
		return 0, false
	}
	p.LoadEMA = fn(p.LoadEMA)
	return p.LoadEMA, true
}

// Sync reconciles the table with records read from another process. Known
// peers keep their load_ema and probe state, new peers start at zero load and
// peers absent from records are dropped.
func (t *Table) Sync(records map[string]PeerRecord, now time.Time) (added, removed int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for id, p := range t.peers {
		if _, ok := records[id]; ok {
			continue
		}
		delete(t.peers, id)
		p.State = Evicted
		p.Healthy = false
		t.notify(PeerEvicted, p, now)
		removed++
	}

	for id, r := range records {
		p, ok := t.peers[id]
		if !ok {
			p = &PeerRecord{
				NodeID:   id,
				Address:  r.Address,
				LastSeen: r.LastSeen,
				Healthy:  r.Healthy,
				State:    Healthy,
			}
			if !r.Healthy {
				p.State = Stale
			}
			if r.Capabilities != nil {
				p.Capabilities = append([]string(nil), r.Capabilities...)
			}
			t.peers[id] = p
			t.notify(PeerJoined, p, now)
			added++
			continue
		}

		p.Address = r.Address
		if r.LastSeen.After(p.LastSeen) {
			p.LastSeen = r.LastSeen
		}
		if r.Capabilities != nil {
			p.Capabilities = append(p.Capabilities[:0:0], r.Capabilities...)
		}
	}
	return added, removed
}
