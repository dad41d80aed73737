package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/venomlabs/venom-mesh/internal/api"
	"github.com/venomlabs/venom-mesh/internal/config"
	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
	"github.com/venomlabs/venom-mesh/internal/orchestrator"
	"github.com/venomlabs/venom-mesh/internal/storage"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "venom-orchestrator",
	Short: "Dispatch tasks to the least-loaded healthy mesh peer",
	Long: `venom-orchestrator reads the peer table written by venom-discovery, probes
peers for health and load, and answers task submissions with the peer that
should run them.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	defaults := config.DefaultConfig()
	f := rootCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "Config file (default ./venom-mesh.yaml or /etc/venom/venom-mesh.yaml)")
	f.String("peer-file", defaults.PeerFile, "Peer table file written by venom-discovery")
	f.String("log-level", defaults.Logging.Level, "Log level (debug, info, warn, error, fatal)")
	f.String("log-dir", "", "Directory for log files (default stdout only)")
	f.String("listen", defaults.Orchestrator.ListenAddr, "API listen address")
	f.String("probe-mode", defaults.Orchestrator.ProbeMode, "Peer probe: http (GET /status on rest_port), grpc (health on grpc_port) or none; peers must serve the endpoint")
	f.Duration("probe-interval", defaults.Orchestrator.ProbeInterval, "Interval between probe rounds")
	f.Duration("reload-interval", defaults.Orchestrator.ReloadInterval, "Interval between peer file reloads")
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
	log, err := logger.New("venom-orchestrator", logger.Options{
		Dir:   cfg.Logging.Dir,
		Level: logger.ParseLevel(cfg.Logging.Level),
	})
	if err != nil {
		return err
	}
	defer log.Close()

	log.Info("Starting venom-orchestrator...")
	log.Debug("Loaded configuration: %+v", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewOrchestrator()
	orch := orchestrator.New(
		orchestrator.OptionsFromConfig(cfg),
		storage.NewPeerFile(cfg.PeerFile),
		orchestrator.NewProber(cfg.Orchestrator),
		log,
		m,
	)
	server := api.NewServer(orch, m.Handler(), log)

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(ctx)
	}()

	apiDone := make(chan error, 1)
	go func() {
		apiDone <- server.Run(ctx, cfg.Orchestrator.ListenAddr)
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var apiErr error
	select {
	case apiErr = <-apiDone:
		if apiErr != nil {
			log.Error("API server stopped: %v", apiErr)
		}
	case sig := <-sigChan:
		log.Info("Received signal %v, initiating shutdown...", sig)
	}
	cancel()

	// Graceful shutdown with timeout
	shutdownTimer := time.NewTimer(30 * time.Second)
	defer shutdownTimer.Stop()

	select {
	case <-orchDone:
	case <-shutdownTimer.C:
		log.Error("Shutdown timed out")
		return apiErr
	}
	if apiErr == nil {
		select {
		case apiErr = <-apiDone:
		case <-shutdownTimer.C:
			log.Error("Shutdown timed out")
		}
	}
	log.Info("Shutdown complete")
	return apiErr
}
