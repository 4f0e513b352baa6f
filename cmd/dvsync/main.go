package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/schaermu/dvsync/internal/config"
	"github.com/schaermu/dvsync/internal/dataverse"
	"github.com/schaermu/dvsync/internal/manifest"
	"github.com/schaermu/dvsync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	envFile      string
	manifestFile string
	logLevel     string
	logFormat    string
	dryRun       bool
	reportFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dvsync",
	Short: "Synchronize a manifest of collections and datasets into Dataverse",
	Long: `dvsync creates the collections and datasets described in a manifest below an
existing Dataverse collection, uploads their files and publishes the nodes
flagged for release.

Every run is idempotent: nodes that already exist are left alone and files
whose checksum matches the remote copy are skipped.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the manifest into the configured Dataverse installation",
	Long: `Sync loads the manifest, probes the remote hierarchy level by level, creates
missing collections and datasets, uploads new or changed files and finally
publishes flagged nodes parent before child.

A summary of every node is printed when the run finishes. The exit status is
non-zero if any node failed.`,
	RunE: runSync,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration, manifest and local files without contacting Dataverse",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dvsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&manifestFile, "manifest", "", "manifest file (default is $DVSYNC_MANIFEST or manifest.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringVar(&reportFormat, "report-format", sync.FormatTable, "summary format (table, json)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if reportFormat != sync.FormatTable && reportFormat != sync.FormatJSON {
		return fmt.Errorf("unknown report format %q (must be %s or %s)", reportFormat, sync.FormatTable, sync.FormatJSON)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	runID := uuid.NewString()
	logger := setupLogger().With("run_id", runID)

	cfg, tree, err := loadInputs(logger)
	if err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	engine := sync.NewEngine(cfg, client, logger, sync.Options{DryRun: dryRun, RunID: runID})

	logger.Info("starting sync operation", "auth", cfg.AuthMethod())
	report, runErr := engine.Run(ctx, tree)
	if runErr != nil {
		logger.Error("sync failed", "error", runErr)
	}

	if err := report.Render(cmd.OutOrStdout(), reportFormat); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	if runErr != nil {
		return runErr
	}
	if report.Failed() {
		return sync.ErrRunFailed
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, tree, err := loadInputs(logger)
	if err != nil {
		return err
	}
	if _, err := cfg.Token(); err != nil {
		return err
	}

	if errs := sync.CheckFiles(cfg, tree); len(errs) > 0 {
		for _, err := range errs {
			logger.Error("declared file unavailable", "error", err)
		}
		return fmt.Errorf("%d declared file(s) unavailable: %w", len(errs), errors.Join(errs...))
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "manifest OK: %d node(s) below %s\n", tree.Len(), tree.Root())
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadInputs reads the environment and the manifest. Both must be valid
// before any remote call is made.
func loadInputs(logger *slog.Logger) (*config.Config, *manifest.Tree, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("loading manifest", "path", cfg.Paths.Manifest)
	tree, err := manifest.Load(cfg.Paths.Manifest, cfg.Dataverse.ParentAlias)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("manifest loaded", "nodes", tree.Len(), "levels", len(tree.Levels()))

	return cfg, tree, nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if envFile != "" {
		logger.Info("loading env file", "path", envFile)
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return nil, err
	}
	if manifestFile != "" {
		cfg.Paths.Manifest = manifestFile
	}

	logger.Debug("configuration loaded",
		"base_url", cfg.Dataverse.BaseURL,
		"parent_alias", cfg.Dataverse.ParentAlias,
		"data_root", cfg.Paths.DataRoot,
		"manifest", cfg.Paths.Manifest,
		"workers", cfg.Sync.MaxWorkers,
		"retries", cfg.Sync.UploadRetries)

	return cfg, nil
}

func newClient(cfg *config.Config) (*dataverse.Client, error) {
	token, err := cfg.Token()
	if err != nil {
		return nil, err
	}
	return dataverse.NewClient(dataverse.ClientConfig{
		BaseURL:   cfg.Dataverse.BaseURL,
		APIToken:  token,
		RateLimit: cfg.Dataverse.RateLimit,
		UserAgent: "dvsync/" + version,
	})
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
