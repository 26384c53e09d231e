// Package commands implements the transmit CLI commands.
package commands

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veloxdata/transmit/internal/logger"
	"github.com/veloxdata/transmit/pkg/cache"
	"github.com/veloxdata/transmit/pkg/config"
	"github.com/veloxdata/transmit/pkg/engine"
	"github.com/veloxdata/transmit/pkg/metrics"
	"github.com/veloxdata/transmit/pkg/objectstore"
	"github.com/veloxdata/transmit/pkg/transformapi"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	endpoint string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "transmit",
	Short: "Transmit - bulk data transform client",
	Long: `Transmit submits columnar data transforms to a remote transform service,
monitors their execution and collects the produced files, deduplicating
identical requests through a machine-wide result cache.

Use "transmit [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/transmit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "transform service URL (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(transformsCmd)
	rootCmd.AddCommand(cacheCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("transmit %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

// loadConfig loads the configuration and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if endpoint == "" {
			return nil, err
		}
		// An endpoint flag alone is enough to talk to the service.
		cfg = &config.Config{Endpoint: endpoint}
		config.ApplyDefaults(cfg)
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no service endpoint configured; set endpoint in %s or pass --endpoint",
			config.GetDefaultConfigPath())
	}
	return cfg, nil
}

// initLogger initializes the structured logger from configuration.
func initLogger(cfg *config.Config) {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}

// newAPIClient builds the transform service client from configuration.
func newAPIClient(cfg *config.Config) *transformapi.Client {
	return transformapi.New(cfg.Endpoint, transformapi.Options{
		Token:        cfg.Auth.Token,
		TokenFile:    cfg.Auth.TokenFile,
		RefreshToken: cfg.Auth.RefreshToken,
		MaxRetries:   cfg.Retry.MaxAttempts,
	})
}

// buildEngine wires the engine, cache and metrics from configuration. The
// returned cleanup closes the cache.
func buildEngine(cfg *config.Config, progress engine.ProgressSink) (*engine.Engine, *cache.Cache, func(), error) {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		startMetricsServer(cfg.Metrics.Port)
	}

	c, err := cache.Open(cache.Config{
		Dir:                cfg.Cache.Dir,
		IgnoreCache:        cfg.Cache.Ignore,
		LedgerPollInterval: cfg.Poll.Ledger,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	eng := engine.New(engine.Options{
		API:                newAPIClient(cfg),
		Cache:              c,
		Limits:             objectstore.NewLimits(cfg.Concurrency.Downloads, cfg.Concurrency.Listings),
		StatusPollInterval: cfg.Poll.Status,
		ResultPollInterval: cfg.Poll.Results,
		AllowIncomplete:    cfg.AllowIncomplete,
		ShortenNames:       cfg.ShortenedFilenames,
		SignExpiry:         cfg.SignExpiry,
		Progress:           progress,
		StoreMetrics:       metrics.NewStoreMetrics(),
	})

	cleanup := func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close cache", logger.Err(err))
		}
	}
	return eng, c, cleanup, nil
}

// startMetricsServer serves the Prometheus endpoint in the background.
func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", logger.Err(err))
		}
	}()
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
