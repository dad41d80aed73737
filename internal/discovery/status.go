package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/venomlabs/venom-mesh/internal/logger"
)

// LoadFunc reports the node's current load.
type LoadFunc func() (float64, error)

// SystemLoad returns the one minute load average divided by the CPU count.
func SystemLoad() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	return parseLoadAvg(string(data), runtime.NumCPU())
}

func parseLoadAvg(s string, cpus int) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("empty loadavg")
	}
	avg, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing loadavg: %w", err)
	}
	if cpus < 1 {
		cpus = 1
	}
	return avg / float64(cpus), nil
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	NodeID string   `json:"node_id"`
	Load   *float64 `json:"load,omitempty"`
}

// StatusServer answers orchestrator probes for this node: GET /status on the
// REST port and the standard gRPC health service on the task port.
type StatusServer struct {
	nodeID   string
	load     LoadFunc
	logger   logger.Logger
	restAddr string
	grpcAddr string

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

// NewStatusServer creates a status server for nodeID. Empty addresses skip
// the corresponding listener.
func NewStatusServer(nodeID, restAddr, grpcAddr string, load LoadFunc, log logger.Logger) *StatusServer {
	if load == nil {
		load = SystemLoad
	}
	s := &StatusServer{
		nodeID:   nodeID,
		load:     load,
		logger:   log,
		restAddr: restAddr,
		grpcAddr: grpcAddr,
		health:   health.NewServer(),
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Router returns the HTTP routes.
func (s *StatusServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{NodeID: s.nodeID}
	if load, err := s.load(); err == nil {
		resp.Load = &load
	} else {
		s.logger.Debug("Load unavailable: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write status response: %v", err)
	}
}

// Run serves until ctx is cancelled, then marks the node NOT_SERVING and
// stops both servers.
func (s *StatusServer) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.restAddr != "" {
		ln, err := net.Listen("tcp", s.restAddr)
		if err != nil {
			return fmt.Errorf("status listener on %s: %w", s.restAddr, err)
		}
		s.logger.Info("Serving /status on %s", ln.Addr())
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if s.grpcAddr != "" {
		ln, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			s.httpServer.Close()
			return fmt.Errorf("grpc health listener on %s: %w", s.grpcAddr, err)
		}
		s.logger.Info("Serving gRPC health on %s", ln.Addr())
		go func() {
			if err := s.grpcServer.Serve(ln); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.logger.Error("Status server failed: %v", runErr)
	}

	s.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Status server shutdown: %v", err)
	}
	s.grpcServer.GracefulStop()
	return runErr
}
