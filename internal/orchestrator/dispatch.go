package orchestrator

import (
	"errors"
	"time"

	"github.com/venomlabs/venom-mesh/internal/cluster"
)

// ErrNoHealthyPeers is returned when no peer can take a task. Callers must
// retry, back off or queue; there is no local fallback.
var ErrNoHealthyPeers = errors.New("no healthy peers")

// Select picks the peer for the next task. Candidates are healthy peers seen
// within timeout at now. The lowest load_ema wins; ties go to the most
// recently seen peer and then to the lowest node_id.
func Select(peers []cluster.PeerRecord, now time.Time, timeout time.Duration) (cluster.PeerRecord, error) {
	var (
		best  cluster.PeerRecord
		found bool
	)
	for _, p := range peers {
		if !p.Healthy || p.Silence(now) > timeout {
			continue
		}
		if !found || better(p, best) {
			best, found = p, true
		}
	}
	if !found {
		return cluster.PeerRecord{}, ErrNoHealthyPeers
	}
	return best, nil
}

func better(a, b cluster.PeerRecord) bool {
	if a.LoadEMA != b.LoadEMA {
		return a.LoadEMA < b.LoadEMA
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.NodeID < b.NodeID
}
