package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/kos-kit/kos-kit-server/internal/config"
	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/server"
	"github.com/kos-kit/kos-kit-server/internal/watcher"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var (
		bind     string
		initPath string
		readOnly bool
		watch    bool
		reset    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load data if requested, verify integrity, and serve HTTP",
		Long: `Serve runs the startup barrier before opening the listener: an optional
bulk load from --init-path, or an integrity check that rebuilds the text
index when its stamp does not match the store. No request is answered
before the barrier completes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if initPath != "" {
				cfg.Store.InitPath = initPath
			}
			if cmd.Flags().Changed("read-only") {
				cfg.Server.ReadOnly = readOnly
			}
			if cmd.Flags().Changed("watch") {
				cfg.Store.Watch = watch
			}
			return runServe(cmd.Context(), cfg, reset)
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (host:port)")
	cmd.Flags().StringVar(&initPath, "init-path", "", "N-Triples file or directory to bulk load at startup")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Serve without mutation endpoints")
	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the init directory for new dump files")
	cmd.Flags().BoolVar(&reset, "reset", false, "Replace existing data with the init dump")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, reset bool) error {
	logger, cleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// One server per data directory. The lock lives inside the store dir so
	// it is removed together with the data.
	if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
		return err
	}
	lock := flock.New(filepath.Join(cfg.Store.Path, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return kerrors.New(kerrors.ErrCodeLocked,
			"data directory is locked by another kos-kit-server instance", nil)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Startup barrier. Nothing listens until this returns.
	if err := runBarrier(ctx, a, reset); err != nil {
		return err
	}

	a.coord.Start(ctx)
	defer a.coord.Stop()

	if cfg.Store.Watch && cfg.Store.InitPath != "" {
		if info, err := os.Stat(cfg.Store.InitPath); err == nil && info.IsDir() {
			w := watcher.New(cfg.Store.InitPath, a.loader, logger)
			go func() {
				if err := w.Run(ctx); err != nil {
					logger.Warn("watcher_stopped", "error", err)
				}
			}()
		} else {
			logger.Warn("watch_requires_directory", "init_path", cfg.Store.InitPath)
		}
	}

	srv := server.New(cfg.Server, a.gateway, a.coord, a.store, a.index, logger)
	if err := srv.Run(ctx); err != nil {
		return err
	}

	// Graceful shutdown: drain the dirty set and stamp the index so the next
	// startup skips the rebuild.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.coord.Quiesce(shutdownCtx); err != nil {
		logger.Warn("quiesce_failed", "error", err)
	}
	logger.Info("server_stopped")
	return nil
}

// runBarrier performs the bulk-load-or-integrity startup step.
//
// An init path only triggers a load into an empty store (or with --reset); a
// populated store is served as-is after an integrity check, so restarting
// with the same flags does not clobber accumulated mutations.
func runBarrier(ctx context.Context, a *app, reset bool) error {
	if a.cfg.Store.InitPath != "" {
		empty, err := a.store.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if empty || reset {
			report, err := a.loader.LoadInit(ctx, a.cfg.Store.InitPath, reset)
			if err != nil {
				return err
			}
			a.logger.Info("startup_load_complete",
				"triples", report.Triples,
				"subjects", report.Subjects)
			return nil
		}
		a.logger.Info("startup_load_skipped", "reason", "store not empty")
	}

	rebuilt, err := a.coord.VerifyOrRebuild(ctx, a.cfg.Index.RebuildBatchSize)
	if err != nil {
		return err
	}
	if rebuilt {
		a.logger.Info("startup_rebuild_complete")
	}
	return nil
}
