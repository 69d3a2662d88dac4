// Command taskvault is an offline-first task manager that syncs tasks,
// lists, folders, tags, and smart lists to a remote object store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/config"
	"github.com/juholehto/taskvault/internal/remote"
	"github.com/juholehto/taskvault/internal/store"
	"github.com/juholehto/taskvault/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg is the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// No transport-level timeout: longpoll holds connections open for its full
// window and carries its own per-request deadline.
const httpClientTimeout time.Duration = 0

// newRootCmd builds the fully-assembled root command. Called once from main.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "taskvault",
		Short:   "Offline-first task manager with object-store sync",
		Version: version,
		// Silence Cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newDoneCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves the config path (flag > default) and loads it.
func loadConfig() error {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return err
	}

	resolvedCfg = cfg

	return nil
}

// logLevel is shared by every handler so the watch daemon can adjust
// verbosity at runtime when the config file changes.
var logLevel = new(slog.LevelVar)

// newLogger builds the CLI logger from config and flags: text handler on a
// TTY, JSON otherwise, unless the format is pinned in the config file.
func newLogger() *slog.Logger {
	level := slog.LevelInfo

	switch {
	case flagVerbose:
		level = slog.LevelDebug
	case flagQuiet:
		level = slog.LevelWarn
	default:
		level = parseLogLevel(resolvedCfg.Log.Level)
	}

	logLevel.Set(level)

	opts := &slog.HandlerOptions{Level: logLevel}

	format := resolvedCfg.Log.Format
	if format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// parseLogLevel maps a config level string to a slog level. Unknown values
// are caught by config validation; default to info anyway.
func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// session bundles everything a command needs: the engine plus the resources
// it must close.
type session struct {
	engine *sync.Engine
	store  *store.SQLiteStore
	logger *slog.Logger
}

// Close shuts the engine down (flushing pending changes) and closes the
// database.
func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("engine close failed", slog.String("error", err.Error()))
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
}

// openSession wires config, local store, remote client, and engine.
// Works signed out: network operations short-circuit until login.
func openSession(ctx context.Context, onRemoteChange func()) (*session, error) {
	logger := newLogger()

	dataDir, err := resolvedCfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, config.DBPath(dataDir), logger)
	if err != nil {
		return nil, err
	}

	tokenPath := config.TokenPath(dataDir)

	var tokenSource remote.TokenSource = notLoggedInSource{}

	if remote.LoggedIn(tokenPath) {
		// context.Background so token refresh outlives any single command
		// context.
		src, srcErr := remote.TokenSourceFromPath(context.Background(), authEndpoints(), tokenPath, logger)
		if srcErr != nil {
			db.Close()
			return nil, srcErr
		}

		tokenSource = src
	}

	client := remote.NewClient(
		resolvedCfg.Store.BaseURL,
		&http.Client{Timeout: httpClientTimeout},
		tokenSource,
		logger,
	)

	engine, err := sync.NewEngine(ctx, &sync.EngineConfig{
		Remote:          client,
		Store:           db,
		Session:         func() bool { return remote.LoggedIn(tokenPath) },
		Debounce:        resolvedCfg.Debounce(),
		DownloadWorkers: resolvedCfg.Sync.DownloadWorkers,
		UploadWorkers:   resolvedCfg.Sync.UploadWorkers,
		OnRemoteChange:  onRemoteChange,
		Logger:          logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &session{engine: engine, store: db, logger: logger}, nil
}

// authEndpoints builds the OAuth endpoints from config.
func authEndpoints() remote.AuthEndpoints {
	return remote.AuthEndpoints{
		AuthURL:  resolvedCfg.Store.AuthURL,
		TokenURL: resolvedCfg.Store.TokenURL,
	}
}

// notLoggedInSource fails every token request; reached only if a network
// operation slips past the session precondition check.
type notLoggedInSource struct{}

func (notLoggedInSource) Token() (string, error) {
	return "", remote.ErrNotLoggedIn
}

// tokenPathFromConfig resolves the token path for auth commands.
func tokenPathFromConfig() (string, error) {
	dataDir, err := resolvedCfg.ResolveDataDir()
	if err != nil {
		return "", err
	}

	return config.TokenPath(dataDir), nil
}

// printf writes user-facing output to stdout (logs go to stderr).
func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
