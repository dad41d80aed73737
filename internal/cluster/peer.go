package cluster

import (
	"net"
	"strconv"
	"time"
)

// State is the liveness state of a peer.
type State int

const (
	// Unknown means the peer has never been seen.
	Unknown State = iota
	// Healthy means the peer was heard from within the peer timeout.
	Healthy
	// Stale means the timeout elapsed but the record is still tracked.
	Stale
	// Evicted is terminal; the record has been removed from the table.
	Evicted
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Stale:
		return "stale"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Address locates a peer's task and status endpoints.
type Address struct {
	Host     string
	GRPCPort int
	RESTPort int
}

// TaskAddr is the host:port of the peer's task/RPC endpoint.
func (a Address) TaskAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.GRPCPort))
}

// StatusAddr is the host:port of the peer's REST/status endpoint.
func (a Address) StatusAddr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.RESTPort))
}

// PeerRecord is one entry per known remote node.
type PeerRecord struct {
	NodeID       string
	Address      Address
	LastSeen     time.Time
	Healthy      bool
	State        State
	LoadEMA      float64
	Capabilities []string

	// ProbeFailures counts consecutive failed health probes. While non-zero the
	// peer is unhealthy regardless of how recently it announced.
	ProbeFailures int
}

// Silence returns how long the peer has been quiet at now.
func (p PeerRecord) Silence(now time.Time) time.Duration {
	return now.Sub(p.LastSeen)
}

// clone returns a copy that shares no memory with p.
func (p *PeerRecord) clone() PeerRecord {
	c := *p
	if p.Capabilities != nil {
		c.Capabilities = append([]string(nil), p.Capabilities...)
	}
	return c
}
