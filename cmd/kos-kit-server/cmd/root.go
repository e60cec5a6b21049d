// Package cmd provides the CLI commands for kos-kit-server.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kos-kit/kos-kit-server/internal/config"
	"github.com/kos-kit/kos-kit-server/internal/index"
	"github.com/kos-kit/kos-kit-server/internal/logging"
	"github.com/kos-kit/kos-kit-server/internal/projection"
	"github.com/kos-kit/kos-kit-server/internal/query"
	"github.com/kos-kit/kos-kit-server/internal/store"
	"github.com/kos-kit/kos-kit-server/pkg/version"
)

// Persistent flags shared by all subcommands. Flags have the highest
// precedence: flags > env > config file > defaults.
var (
	configPath string
	storePath  string
	indexPath  string
	logLevel   string
)

// NewRootCmd creates the root command for the kos-kit-server CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kos-kit-server",
		Short: "Knowledge organization system server with graph and full-text search",
		Long: `kos-kit-server keeps a triple store and a derived full-text index
mutually consistent and serves graph, text, and joint queries over HTTP.

Load an N-Triples dump and serve it:

  kos-kit-server serve --init-path concepts.nt`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("kos-kit-server version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&storePath, "store-path", "", "Triple store directory")
	cmd.PersistentFlags().StringVar(&indexPath, "index-path", "", "Text index directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoadCmd())
	cmd.AddCommand(newRebuildCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig resolves configuration with the global flags applied on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if indexPath != "" {
		cfg.Index.Path = indexPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, cfg.Validate()
}

// setupLogging installs the configured default logger and returns its
// cleanup.
func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	if cfg.Logging.File != "" {
		lc.FilePath = cfg.Logging.File
	}
	cleanup, err := logging.SetupDefault(lc)
	if err != nil {
		return nil, nil, err
	}
	return slog.Default(), cleanup, nil
}

// app bundles the wired components every data-touching command needs.
type app struct {
	cfg     *config.Config
	store   *store.SQLiteTripleStore
	index   *store.BleveTextIndex
	coord   *index.Coordinator
	gateway *query.Gateway
	loader  *index.Loader
	logger  *slog.Logger
}

// newApp opens both stores and wires the coordinator, gateway, and loader.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	ts, err := store.NewSQLiteTripleStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	ti, err := store.NewBleveTextIndex(cfg.Index.Path)
	if err != nil {
		_ = ts.Close()
		return nil, err
	}

	engine := projection.New(cfg.Projection)
	coord := index.NewCoordinator(ts, ti, engine, cfg.Sync, logger)
	gw, err := query.NewGateway(ts, ti, cfg.Query, logger)
	if err != nil {
		_ = ti.Close()
		_ = ts.Close()
		return nil, err
	}
	coord.SetOnChanged(gw.Invalidate)

	return &app{
		cfg:     cfg,
		store:   ts,
		index:   ti,
		coord:   coord,
		gateway: gw,
		loader:  index.NewLoader(coord, cfg.Index.RebuildBatchSize, logger),
		logger:  logger,
	}, nil
}

// Close closes both stores, index first so its final writes can still
// consult the store.
func (a *app) Close() {
	if err := a.index.Close(); err != nil {
		a.logger.Warn("index_close_failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store_close_failed", "error", err)
	}
}
