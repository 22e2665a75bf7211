package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoyogias2011/TUID/pkg/config"
	"github.com/yoyogias2011/TUID/pkg/daemon"
	"github.com/yoyogias2011/TUID/pkg/events"
	"github.com/yoyogias2011/TUID/pkg/hg"
	"github.com/yoyogias2011/TUID/pkg/log"
	"github.com/yoyogias2011/TUID/pkg/metrics"
	"github.com/yoyogias2011/TUID/pkg/service"
	"github.com/yoyogias2011/TUID/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tuid",
	Short: "TUID - stable line identifiers across repository history",
	Long: `TUID assigns stable, monotonically increasing identifiers to
individual lines of source files across the full history of a
Mercurial repository. Code-coverage aggregators and blame viewers
join analytics across revisions using these identifiers.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"TUID version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TUID resolution service",
	Long: `Run the TUID resolution service: open the annotation and frontier
stores, connect to the upstream hg server, and start the prefetch
daemon and the metrics listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		noDaemon, _ := cmd.Flags().GetBool("no-daemon")
		onlyCoverage, _ := cmd.Flags().GetBool("only-coverage-revisions")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		metrics.SetVersion(Version)

		// Open stores
		annotations, err := storage.NewBoltAnnotationStore(cfg.Annotations.Path)
		if err != nil {
			metrics.MarkStorageFailed(err)
			return fmt.Errorf("failed to open annotation store: %v", err)
		}
		defer annotations.Close()

		db, err := storage.NewSqliteStore(cfg.Database.Path)
		if err != nil {
			metrics.MarkStorageFailed(err)
			return fmt.Errorf("failed to open database: %v", err)
		}
		defer db.Close()

		metrics.MarkStorageReady()

		// Upstream client and changelog oracle
		client := hg.NewClient(hg.Config{
			URL:      cfg.Hg.URL,
			CacheURL: cfg.HgCache.URL,
			Branch:   cfg.Hg.Branch,
		})
		oracle := hg.NewChangelogOracle(client, cfg.MaxCsetsProc*10)

		broker := events.NewBroker()
		defer broker.Close()

		// Trace service events at debug level.
		sub := broker.Subscribe(64)
		go func() {
			for event := range sub {
				log.Logger.Debug().
					Str("type", string(event.Type)).
					Str("file", event.File).
					Str("revision", event.Revision).
					Msg(event.Detail)
			}
		}()

		svc, err := service.New(service.Deps{
			Config:      cfg,
			Annotations: annotations,
			Frontiers:   db,
			Temporal:    db,
			Upstream:    client,
			Oracle:      oracle,
			Broker:      broker,
		})
		if err != nil {
			return fmt.Errorf("failed to create service: %v", err)
		}
		defer svc.Stop()

		metrics.MarkResolverReady()

		if !noDaemon {
			d := daemon.New(db, client, svc, daemon.NopCoverageIndex{}, daemon.Config{
				Branch:                cfg.Hg.Branch,
				WaitAtNewest:          time.Duration(cfg.DaemonWaitAtNewest),
				OnlyCoverageRevisions: onlyCoverage,
			})
			d.Start()
			defer d.Stop()
		}

		// Metrics and health listener
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		go func() {
			log.Info(fmt.Sprintf("Metrics listening on %s", cfg.ListenAddr))
			if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
				log.Errorf("Metrics listener failed", err)
			}
		}()

		log.Info("TUID service started")

		// Wait for shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down TUID service")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
	serveCmd.Flags().Bool("no-daemon", false, "Disable the prefetch daemon")
	serveCmd.Flags().Bool("only-coverage-revisions", false, "Prefetch only revisions with code coverage")
}
