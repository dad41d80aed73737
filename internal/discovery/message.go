package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedAnnouncement is returned for datagrams that are not valid JSON
// or miss a required field. Such datagrams are dropped, never propagated.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// MaxDatagramSize bounds a single announcement on the wire.
const MaxDatagramSize = 2048

const maxNodeIDLength = 256

// Announcement is the multicast presence message:
//
//	{"id": "venom-...", "grpc_port": 50051, "rest_port": 8000, "timestamp": 1760000000.5}
type Announcement struct {
	ID           string   `json:"id"`
	GRPCPort     int      `json:"grpc_port"`
	RESTPort     int      `json:"rest_port"`
	Timestamp    float64  `json:"timestamp"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// wireAnnouncement detects missing fields.
type wireAnnouncement struct {
	ID           *string  `json:"id"`
	GRPCPort     *int     `json:"grpc_port"`
	RESTPort     *int     `json:"rest_port"`
	Timestamp    *float64 `json:"timestamp"`
	Capabilities []string `json:"capabilities"`
}

// NewAnnouncement builds the announcement for this node at now.
func NewAnnouncement(id string, grpcPort, restPort int, now time.Time, capabilities []string) Announcement {
	return Announcement{
		ID:           id,
		GRPCPort:     grpcPort,
		RESTPort:     restPort,
		Timestamp:    float64(now.Unix()) + float64(now.Nanosecond())/1e9,
		Capabilities: capabilities,
	}
}

// Encode returns the UTF-8 JSON datagram.
func (a Announcement) Encode() ([]byte, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding announcement: %w", err)
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("announcement is %d bytes, limit %d", len(b), MaxDatagramSize)
	}
	return b, nil
}

// DecodeAnnouncement parses and validates a datagram. Every failure wraps
// ErrMalformedAnnouncement.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	var w wireAnnouncement
	if err := json.Unmarshal(data, &w); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}

	switch {
	case w.ID == nil:
		return Announcement{}, fmt.Errorf("%w: missing id", ErrMalformedAnnouncement)
	case w.GRPCPort == nil:
		return Announcement{}, fmt.Errorf("%w: missing grpc_port", ErrMalformedAnnouncement)
	case w.RESTPort == nil:
		return Announcement{}, fmt.Errorf("%w: missing rest_port", ErrMalformedAnnouncement)
	case w.Timestamp == nil:
		return Announcement{}, fmt.Errorf("%w: missing timestamp", ErrMalformedAnnouncement)
	}

	a := Announcement{
		ID:           *w.ID,
		GRPCPort:     *w.GRPCPort,
		RESTPort:     *w.RESTPort,
		Timestamp:    *w.Timestamp,
		Capabilities: w.Capabilities,
	}
	if err := a.validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func (a Announcement) validate() error {
	if a.ID == "" || len(a.ID) > maxNodeIDLength {
		return fmt.Errorf("%w: invalid id length %d", ErrMalformedAnnouncement, len(a.ID))
	}
	if !validPort(a.GRPCPort) {
		return fmt.Errorf("%w: grpc_port %d out of range", ErrMalformedAnnouncement, a.GRPCPort)
	}
	if !validPort(a.RESTPort) {
		return fmt.Errorf("%w: rest_port %d out of range", ErrMalformedAnnouncement, a.RESTPort)
	}
	if math.IsNaN(a.Timestamp) || math.IsInf(a.Timestamp, 0) || a.Timestamp < 0 {
		return fmt.Errorf("%w: invalid timestamp", ErrMalformedAnnouncement)
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }
