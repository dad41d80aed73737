package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/venomlabs/venom-mesh/internal/cluster"
)

// PeerFile stores the peer table as one JSON object keyed by node_id:
//
//	{"<node_id>": {"addr": ["10.0.0.2", 50051], "rest_port": 8000,
//	               "last_seen": 1760000000.25, "healthy": true}}
type PeerFile struct {
	path string
}

// NewPeerFile returns a store backed by path.
func NewPeerFile(path string) *PeerFile {
	return &PeerFile{path: path}
}

// Path implements PeerStore.
func (f *PeerFile) Path() string { return f.path }

type peerEntry struct {
	Addr         hostPort `json:"addr"`
	RESTPort     int      `json:"rest_port,omitempty"`
	LastSeen     float64  `json:"last_seen"`
	Healthy      bool     `json:"healthy"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// hostPort encodes as a two element array [host, port].
type hostPort struct {
	Host string
	Port int
}

func (hp hostPort) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{hp.Host, hp.Port})
}

func (hp *hostPort) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("addr must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &hp.Host); err != nil {
		return fmt.Errorf("addr host: %w", err)
	}
	if err := json.Unmarshal(raw[1], &hp.Port); err != nil {
		return fmt.Errorf("addr port: %w", err)
	}
	return nil
}

// EpochSeconds converts t to fractional Unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Save implements PeerStore. Every failure wraps ErrPersistenceWrite.
func (f *PeerFile) Save(snapshot map[string]cluster.PeerRecord) error {
	doc := make(map[string]peerEntry, len(snapshot))
	for id, p := range snapshot {
		doc[id] = peerEntry{
			Addr:         hostPort{Host: p.Address.Host, Port: p.Address.GRPCPort},
			RESTPort:     p.Address.RESTPort,
			LastSeen:     EpochSeconds(p.LastSeen),
			Healthy:      p.Healthy,
			Capabilities: p.Capabilities,
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceWrite, err)
	}
	if err := writeFileAtomic(f.path, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceWrite, err)
	}
	return nil
}

// Load implements PeerStore. A missing file yields ErrFileNotFound and
// unparseable content yields ErrCorruptFile.
func (f *PeerFile) Load() (map[string]cluster.PeerRecord, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, f.path)
		}
		return nil, fmt.Errorf("failed to read peer file: %w", err)
	}

	var doc map[string]peerEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	peers := make(map[string]cluster.PeerRecord, len(doc))
	for id, e := range doc {
		if id == "" || e.Addr.Host == "" {
			continue
		}
		state := cluster.Healthy
		if !e.Healthy {
			state = cluster.Stale
		}
		peers[id] = cluster.PeerRecord{
			NodeID: id,
			Address: cluster.Address{
				Host:     e.Addr.Host,
				GRPCPort: e.Addr.Port,
				RESTPort: e.RESTPort,
			},
			LastSeen:     FromEpochSeconds(e.LastSeen),
			Healthy:      e.Healthy,
			State:        state,
			Capabilities: e.Capabilities,
		}
	}
	return peers, nil
}
