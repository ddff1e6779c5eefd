package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/config"
	"github.com/cuemby/warren/frontend"
	"github.com/cuemby/warren/kvstore"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/raft"
	"github.com/cuemby/warren/raft/raftlog"
	"github.com/cuemby/warren/raft/snapshot"
	"github.com/cuemby/warren/raft/termstate"
	"github.com/cuemby/warren/raft/transport"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "warrend",
	Short:   "warrend runs one node of a Raft-replicated key-value cache",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("warrend version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().StringVar(&configPath, "config", "warrend.yaml", "path to the node's YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	metrics.SetVersion(Version)

	logger := log.WithComponent("warrend")
	logger.Info().Str("node_id", cfg.NodeID).Str("bind_addr", cfg.BindAddr).Msg("starting node")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	raftLog, err := raftlog.Open(filepath.Join(cfg.DataDir, "raft.log"))
	if err != nil {
		return fmt.Errorf("open raft log: %w", err)
	}
	defer raftLog.Close()

	termStore, err := termstate.Open(filepath.Join(cfg.DataDir, "term.db"))
	if err != nil {
		return fmt.Errorf("open term state: %w", err)
	}
	defer termStore.Close()

	snapStore, err := snapshot.Open(filepath.Join(cfg.DataDir, "snapshots"))
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	tracker := kvstore.NewTracker()
	defer tracker.Stop()
	store := kvstore.New(cfg.Capacity, kvstore.LRUFallback(), tracker)

	tr := transport.New(cfg.NodeID, cfg.BindAddr, cfg.PeerMap())

	node, err := raft.New(cfg, store, raftLog, termStore, snapStore, tr)
	if err != nil {
		return fmt.Errorf("construct raft node: %w", err)
	}

	if err := tr.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer tr.Stop()

	node.Start()
	defer node.Stop()
	metrics.RegisterComponent("raft", true, "started")
	metrics.RegisterComponent("kvstore", true, "started")

	collector := metrics.NewCollector(node)
	collector.Start()
	defer collector.Stop()

	front := frontend.New(cfg.FrontEndAddr, node, store)
	frontErrCh := make(chan error, 1)
	go func() {
		if err := front.Start(); err != nil {
			frontErrCh <- err
		}
	}()
	metrics.RegisterComponent("frontend", true, "started")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", metrics.HealthHandler())
	metricsMux.Handle("/ready", metrics.ReadyHandler())
	metricsMux.Handle("/live", metrics.LivenessHandler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	metricsErrCh := make(chan error, 1)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metricsErrCh <- err
		}
	}()

	logger.Info().Str("front_end_addr", cfg.FrontEndAddr).Str("metrics_addr", cfg.MetricsAddr).Msg("node ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-frontErrCh:
		logger.Error().Err(err).Msg("front end failed")
	case err := <-metricsErrCh:
		logger.Error().Err(err).Msg("metrics server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := front.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("front end shutdown error")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
