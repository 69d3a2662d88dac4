package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/config"
)

func newWatchCmd() *cobra.Command {
	var flagStop bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run in the foreground, applying remote changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dataDir, err := resolvedCfg.ResolveDataDir()
			if err != nil {
				return err
			}

			pidPath := watchPIDPath(dataDir)

			if flagStop {
				if err := stopWatchDaemon(pidPath); err != nil {
					return err
				}

				printf("Daemon stopped.\n")

				return nil
			}

			if err := requireLogin(); err != nil {
				return err
			}

			cleanup, err := writePIDFile(pidPath)
			if err != nil {
				return err
			}
			defer cleanup()

			logger := newLogger()
			ctx := shutdownContext(cmd.Context(), logger)

			sess, err := openSession(ctx, func() {
				logger.Info("remote changes applied")
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.engine.FullSync(ctx); err != nil {
				logger.Warn("initial sync failed, continuing with notifications",
					slog.String("error", err.Error()))
			}

			stopReload, err := watchConfig(logger)
			if err != nil {
				logger.Warn("config hot reload unavailable", slog.String("error", err.Error()))
			} else {
				defer stopReload()
			}

			sess.engine.StartNotifications()
			logger.Info("watching for remote changes")

			// SIGUSR1 forces an immediate pull without restarting the daemon.
			kick := make(chan os.Signal, 1)
			signal.Notify(kick, syscall.SIGUSR1)
			defer signal.Stop(kick)

			go func() {
				for range kick {
					logger.Info("received SIGUSR1, pulling now")
					sess.engine.Resume(ctx)
				}
			}()

			<-ctx.Done()

			sess.engine.StopNotifications()

			return nil
		},
	}

	cmd.Flags().BoolVar(&flagStop, "stop", false, "stop a running watch daemon")

	return cmd
}

// watchConfig re-reads the config file when it changes and applies the log
// level without restarting the daemon. Only the level is hot-reloadable;
// everything else requires a restart.
func watchConfig(logger *slog.Logger) (stop func(), err error) {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files on save, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if event.Name != path || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}

				cfg, loadErr := config.Load(path)
				if loadErr != nil {
					logger.Warn("config reload failed", slog.String("error", loadErr.Error()))
					continue
				}

				level := parseLogLevel(cfg.Log.Level)
				if level != logLevel.Level() {
					logLevel.Set(level)
					logger.Info("log level changed", slog.String("level", cfg.Log.Level))
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("config watcher error", slog.String("error", watchErr.Error()))
			}
		}
	}()

	return cancel, nil
}
