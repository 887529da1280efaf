package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/internal/alert"
	"github.com/driftsync/driftsync/internal/apply"
	"github.com/driftsync/driftsync/internal/capture"
	"github.com/driftsync/driftsync/internal/catchup"
	"github.com/driftsync/driftsync/internal/change"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/registry"
	"github.com/driftsync/driftsync/internal/server"
	"github.com/driftsync/driftsync/internal/storage"
	"github.com/driftsync/driftsync/internal/worker"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "Driftsync - peer-to-peer database change replication",
	Long:  `Replicates row-level changes between peer servers and repairs divergence with data-presence catch-up`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "driftsync.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("driftsync v0.1.0")
		fmt.Println("Peer-to-peer database change replication")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize driftsync node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		dbPath := filepath.Join(cfg.Node.DataDir, "driftsync.db")
		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		fmt.Printf("Initialized driftsync node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Database path: %s\n", dbPath)

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start driftsync node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		log.Info().Str("node_id", cfg.Node.ID).Str("bind_addr", cfg.Node.BindAddr).Msg("starting driftsync node")

		catalog, err := buildCatalog(cfg)
		if err != nil {
			return err
		}

		dbPath := filepath.Join(cfg.Node.DataDir, "driftsync.db")
		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		reg, err := registry.Load(store, log)
		if err != nil {
			return fmt.Errorf("failed to load server registry: %w", err)
		}
		if err := seedPeers(reg, cfg); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		appDB, err := db.Connect(ctx, change.OriginApp, cfg.Databases.App.ConnectionString(), cfg.Node.ID, catalog, log)
		if err != nil {
			return fmt.Errorf("failed to connect to app database: %w", err)
		}
		defer appDB.Close()

		authDB, err := db.Connect(ctx, change.OriginAuth, cfg.Databases.Auth.ConnectionString(), cfg.Node.ID, catalog, log)
		if err != nil {
			return fmt.Errorf("failed to connect to auth database: %w", err)
		}
		defer authDB.Close()

		sources := map[change.Origin]catchup.Source{
			change.OriginApp:  appDB,
			change.OriginAuth: authDB,
		}

		applier := apply.NewApplier(cfg.Node.ID, catalog, []apply.Target{appDB, authDB}, store, log)

		q := queue.New()
		hook := capture.NewHook(cfg.Node.ID, catalog, q, log)

		var walSources []*capture.WALSource
		if cfg.Capture.Mode == "wal" {
			walSources = buildWALSources(cfg, hook, log)
		} else {
			log.Info().Msg("hook capture mode: mutations are recorded through the in-process capture hook")
		}

		gate := engine.NewGate(true)
		client := worker.NewClient(cfg.Replication.RequestTimeout)

		w := worker.New(cfg.Node.ID, q, reg, client, gate, worker.Config{
			BatchSize:   cfg.Replication.BatchSize,
			BatchWindow: cfg.Replication.BatchWindow,
			MaxRetries:  cfg.Replication.MaxRetries,
		}, log)

		prober := registry.NewProber(reg, client, cfg.Replication.ProbeInterval, cfg.Replication.ProbeFailureThreshold, log)
		scheduler := catchup.New(cfg.Node.ID, reg, catalog, sources, client, gate, catchup.Config{
			Interval:       cfg.Catchup.Interval,
			ChunkSize:      cfg.Catchup.ChunkSize,
			FailureBackoff: cfg.Catchup.FailureBackoff,
		}, log)

		if cfg.Alerts.Enabled {
			alerts := alert.NewManager(true, cfg.Alerts.SlackWebhook)
			prober.SetAlertManager(alerts)
			scheduler.SetAlertManager(alerts)
		}

		eng := engine.New(engine.Config{
			SourceID:        cfg.Node.ID,
			Gate:            gate,
			Queue:           q,
			Worker:          w,
			Scheduler:       scheduler,
			Registry:        reg,
			Prober:          prober,
			Store:           store,
			WALSources:      walSources,
			LedgerRetention: cfg.Replication.LedgerRetention,
		}, log)

		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}

		srv := server.New(server.Config{
			ServerID:   cfg.Node.ID,
			ServerName: cfg.Node.Name,
			Addr:       cfg.Node.BindAddr,
		}, applier, eng, reg, scheduler, prober, sources, catalog, log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				eng.Stop()
				return err
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server did not shut down cleanly")
		}
		eng.Stop()

		log.Info().Msg("driftsync node stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		dbPath := filepath.Join(cfg.Node.DataDir, "driftsync.db")
		store, err := storage.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		reg, err := registry.Load(store, logging.New("error", cfg.Logging.Format))
		if err != nil {
			return fmt.Errorf("failed to load server registry: %w", err)
		}

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("\nTracked Tables:\n")
		for _, table := range cfg.Tables {
			fmt.Printf("  - %s (%s)\n", table.Name, table.Origin)
		}

		fmt.Printf("\nPeer Servers:\n")
		servers := reg.List()
		if len(servers) == 0 {
			fmt.Println("  (none registered)")
		}
		for _, server := range servers {
			state := "inactive"
			if server.IsActive {
				state = "active"
			}
			fmt.Printf("  - %s %s (%s)\n", server.Name, server.BaseURL(), state)
			if !server.LastSync.IsZero() {
				fmt.Printf("    Last sync: %s\n", server.LastSync.Format(time.RFC3339))
			}
			if !server.LastPing.IsZero() {
				fmt.Printf("    Last ping: %s\n", server.LastPing.Format(time.RFC3339))
			}
		}

		return nil
	},
}

func buildCatalog(cfg *config.Config) (*change.Catalog, error) {
	specs := make([]change.TableSpec, len(cfg.Tables))
	for i, table := range cfg.Tables {
		specs[i] = change.TableSpec{
			Name:       table.Name,
			Origin:     change.Origin(table.Origin),
			PrimaryKey: table.PrimaryKey,
			Aliases:    table.Aliases,
		}
	}

	catalog, err := change.NewCatalog(specs)
	if err != nil {
		return nil, fmt.Errorf("invalid table configuration: %w", err)
	}
	return catalog, nil
}

// seedPeers registers configured peers that are not yet in the persisted
// registry. Matching is by name so restarts do not duplicate peers, and
// runtime edits made through the admin API win over the config file.
func seedPeers(reg *registry.Registry, cfg *config.Config) error {
	existing := make(map[string]bool)
	for _, server := range reg.List() {
		existing[server.Name] = true
	}

	for _, peer := range cfg.Peers {
		if existing[peer.Name] {
			continue
		}
		if err := reg.Add(&registry.Server{
			Name:         peer.Name,
			Host:         peer.Host,
			Port:         peer.Port,
			Protocol:     peer.Protocol,
			IsActive:     true,
			SyncEnabled:  true,
			DatabaseSync: true,
		}); err != nil {
			return fmt.Errorf("failed to register peer %s: %w", peer.Name, err)
		}
	}
	return nil
}

func buildWALSources(cfg *config.Config, recorder capture.Recorder, log zerolog.Logger) []*capture.WALSource {
	sources := make([]*capture.WALSource, 0, 2)
	for _, entry := range []struct {
		origin change.Origin
		db     config.DatabaseConfig
	}{
		{change.OriginApp, cfg.Databases.App},
		{change.OriginAuth, cfg.Databases.Auth},
	} {
		sources = append(sources, capture.NewWALSource(&capture.WALConfig{
			ConnString:            entry.db.ConnectionString(),
			ReplicationConnString: entry.db.ReplicationConnectionString(),
			SlotName:              fmt.Sprintf("%s_%s_%s", cfg.Capture.SlotPrefix, cfg.Node.ID, entry.origin),
			PublicationName:       cfg.Capture.Publication,
		}, recorder, log))
	}
	return sources
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
