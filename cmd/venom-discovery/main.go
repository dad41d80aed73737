package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/venomlabs/venom-mesh/internal/cluster"
	"github.com/venomlabs/venom-mesh/internal/config"
	"github.com/venomlabs/venom-mesh/internal/discovery"
	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
	"github.com/venomlabs/venom-mesh/internal/storage"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "venom-discovery",
	Short: "Announce this node and track mesh peers over UDP multicast",
	Long: `venom-discovery announces this node on the mesh multicast group, listens
for other nodes, tracks their liveness and writes the peer table to a local
file for the orchestrator.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	defaults := config.DefaultConfig()
	f := rootCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "Config file (default ./venom-mesh.yaml or /etc/venom/venom-mesh.yaml)")
	f.String("node-id", "", "Node id (default: loaded from or generated into node_id_file)")
	f.String("peer-file", defaults.PeerFile, "Peer table file")
	f.String("log-level", defaults.Logging.Level, "Log level (debug, info, warn, error, fatal)")
	f.String("log-dir", "", "Directory for log files (default stdout only)")
	f.String("group", defaults.Discovery.Group, "Multicast group")
	f.Int("port", defaults.Discovery.Port, "Multicast port")
	f.String("interface", "", "Network interface for multicast (default all)")
	f.Int("grpc-port", defaults.Discovery.GRPCPort, "Task/RPC port to announce")
	f.Int("rest-port", defaults.Discovery.RESTPort, "REST/status port to announce")
	f.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint (default disabled)")
	f.Bool("mdns", false, "Also advertise and browse over mDNS")
	f.Bool("serve-status", defaults.Status.Enabled,
		"Serve /status on rest-port and gRPC health on grpc-port; disable only when the node serves its own, or orchestrator probes will fail")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.New("venom-discovery", logger.Options{
		Dir:   cfg.Logging.Dir,
		Level: logger.ParseLevel(cfg.Logging.Level),
	})
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("Starting venom-discovery...")
	log.Debug("Loaded configuration: %+v", cfg)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, err = storage.LoadOrCreateNodeID(cfg.NodeIDFile)
		if err != nil {
			if nodeID == "" {
				log.Fatal("Failed to load node id from %s: %v", cfg.NodeIDFile, err)
			}
			log.Warn("Node id %s will not survive a restart: %v", nodeID, err)
		}
	}
	log.Info("Node id: %s", nodeID)

	// Create root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := cfg.Discovery
	transport, err := discovery.Open(ctx, discovery.TransportConfig{
		Group:     d.Group,
		Port:      d.Port,
		TTL:       d.TTL,
		Interface: d.Interface,
		Loopback:  d.Loopback,
	}, log)
	if err != nil {
		log.Fatal("Cannot start discovery on %s:%d: %v", d.Group, d.Port, err)
	}

	m := metrics.NewDiscovery()
	daemon := discovery.NewDaemon(
		discovery.OptionsFromConfig(cfg, nodeID),
		transport,
		storage.NewPeerFile(cfg.PeerFile),
		log,
		m,
	)

	// Subscribe to peer events
	daemon.Table().Subscribe(func(event cluster.Event) {
		switch event.Type {
		case cluster.PeerJoined:
			log.Info("Peer joined: %s (%s)", event.Peer.NodeID, event.Peer.Address.TaskAddr())
		case cluster.PeerStale:
			log.Info("Peer stale: %s (%s)", event.Peer.NodeID, event.Peer.Address.Host)
		case cluster.PeerRecovered:
			log.Info("Peer recovered: %s (%s)", event.Peer.NodeID, event.Peer.Address.Host)
		case cluster.PeerEvicted:
			log.Info("Peer evicted: %s (%s)", event.Peer.NodeID, event.Peer.Address.Host)
		}
	})

	if cfg.MDNS.Enabled {
		daemon.EnableMDNS(discovery.NewMDNS(cfg, nodeID, log, m))
	}

	done := make(chan struct{})
	var background []<-chan struct{}

	if cfg.Status.Enabled {
		status := discovery.NewStatusServer(nodeID,
			net.JoinHostPort("", strconv.Itoa(d.RESTPort)),
			net.JoinHostPort("", strconv.Itoa(d.GRPCPort)),
			discovery.SystemLoad, log)
		background = append(background, goRun(func() {
			if err := status.Run(ctx); err != nil {
				log.Error("Status server: %v", err)
			}
		}))
	}

	if d.MetricsAddr != "" {
		background = append(background, goRun(func() {
			serveMetrics(ctx, d.MetricsAddr, m.Handler(), log)
		}))
	}

	go func() {
		defer close(done)
		if err := daemon.Run(ctx); err != nil {
			log.Error("Discovery daemon stopped with error: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
		log.Warn("Discovery daemon exited unexpectedly")
	case sig := <-sigChan:
		log.Info("Received signal %v, initiating shutdown...", sig)
	}
	cancel()

	// Graceful shutdown with timeout
	shutdownTimer := time.NewTimer(30 * time.Second)
	defer shutdownTimer.Stop()

	for _, ch := range append(background, done) {
		select {
		case <-ch:
		case <-shutdownTimer.C:
			log.Error("Shutdown timed out")
			return nil
		}
	}
	log.Info("Shutdown complete")
	return nil
}

func goRun(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, log logger.Logger) {
	r := mux.NewRouter()
	r.Handle("/metrics", handler).Methods(http.MethodGet)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Metrics server: %v", err)
	}
}
