package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/venomlabs/venom-mesh/internal/cluster"
	"github.com/venomlabs/venom-mesh/internal/config"
)

var (
	// ErrProbeTimeout means the peer did not answer within the probe timeout.
	ErrProbeTimeout = errors.New("probe timed out")

	// ErrProbeFailure means the peer answered with an error or bad payload,
	// or could not be reached.
	ErrProbeFailure = errors.New("probe failed")
)

// Sample is the outcome of a successful probe.
type Sample struct {
	Load    float64
	HasLoad bool
}

// Prober checks one peer. Implementations must honour ctx's deadline and
// wrap failures in ErrProbeTimeout or ErrProbeFailure.
type Prober interface {
	Probe(ctx context.Context, peer cluster.PeerRecord) (Sample, error)
}

// NewProber returns the prober for the configured mode, or nil when probing
// is disabled.
func NewProber(cfg config.OrchestratorConfig) Prober {
	switch cfg.ProbeMode {
	case config.ProbeHTTP:
		return NewHTTPProber(cfg.ProbePath, cfg.ProbeTimeout)
	case config.ProbeGRPC:
		return NewGRPCProber(cfg.GRPCHealthService)
	default:
		return nil
	}
}

// HTTPProber calls GET http://host:rest_port<path> and reads an optional
// "load" number from the JSON body.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates an HTTP prober. timeout bounds the whole request in
// addition to the per-probe context.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

type statusBody struct {
	Load *float64 `json:"load"`
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, peer cluster.PeerRecord) (Sample, error) {
	url := "http://" + peer.Address.StatusAddr() + p.path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrProbeFailure, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Sample{}, fmt.Errorf("%w: %s returned status %d", ErrProbeFailure, url, resp.StatusCode)
	}

	var body statusBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return Sample{}, nil
		}
		if ctxErr := classify(ctx, err); errors.Is(ctxErr, ErrProbeTimeout) {
			return Sample{}, ctxErr
		}
		return Sample{}, fmt.Errorf("%w: decoding %s: %v", ErrProbeFailure, url, err)
	}
	if body.Load == nil {
		return Sample{}, nil
	}
	return Sample{Load: *body.Load, HasLoad: true}, nil
}

// GRPCProber calls grpc.health.v1.Health/Check on the peer's task port. It
// reports liveness only, never a load sample.
type GRPCProber struct {
	service string
	opts    []grpc.DialOption
}

// NewGRPCProber creates a gRPC health prober for service ("" checks the
// whole server).
func NewGRPCProber(service string) *GRPCProber {
	return &GRPCProber{
		service: service,
		opts:    []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, peer cluster.PeerRecord) (Sample, error) {
	conn, err := grpc.NewClient(peer.Address.TaskAddr(), p.opts...)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrProbeFailure, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return Sample{}, classify(ctx, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return Sample{}, fmt.Errorf("%w: %s reports %s", ErrProbeFailure, peer.Address.TaskAddr(), resp.GetStatus())
	}
	return Sample{}, nil
}

// classify maps transport errors to ErrProbeTimeout or ErrProbeFailure.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	if status.Code(err) == codes.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProbeFailure, err)
}
