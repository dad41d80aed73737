package cluster

import "time"

// EventType defines the type of table event
type EventType int

const (
	PeerJoined EventType = iota
	PeerStale
	PeerRecovered
	PeerEvicted
)

func (t EventType) String() string {
	switch t {
	case PeerJoined:
		return "join"
	case PeerStale:
		return "stale"
	case PeerRecovered:
		return "recovered"
	case PeerEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Event represents a liveness change of a single peer.
type Event struct {
	Type      EventType
	Peer      PeerRecord
	Timestamp time.Time
}

// EventFunc is a callback function type for table events
type EventFunc func(event Event)
