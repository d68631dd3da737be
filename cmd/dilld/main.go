package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dillproject/dill/internal/commands"
	"github.com/dillproject/dill/internal/config"
	"github.com/dillproject/dill/internal/daemon"
	"github.com/dillproject/dill/internal/db"
	"github.com/dillproject/dill/internal/events"
	"github.com/dillproject/dill/internal/logging"
	"github.com/dillproject/dill/internal/savedtrees"
	"github.com/dillproject/dill/internal/session"
	"github.com/dillproject/dill/internal/trees"
)

const retentionInterval = time.Hour

type flags struct {
	Config           string `help:"Config file. Defaults to dill.yaml in the usual locations." type:"path"`
	Address          string `help:"Listen address."`
	DataDir          string `help:"State directory for the journal, lock and saved trees." type:"path"`
	DownloadsDir     string `help:"Directory downloaded trees are copied to." type:"path"`
	InitialSessionID int32  `help:"First session id to allocate." default:"-1"`
	LogLevel         string `help:"Log level (debug, info, warn, error)."`
	LogFormat        string `help:"Log format (auto, json, console)."`
}

func main() {
	var f flags
	kong.Parse(&f,
		kong.Name("dilld"),
		kong.Description("Dill coordinator: receives parser trees from debuggees and serves them to the client."),
		kong.UsageOnError(),
	)

	cfg, err := loadConfig(f)
	if err != nil {
		fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, clock.New(), nil); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("coordinator stopped", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(f flags) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if f.Config != "" {
		cfg, err = config.LoadFromFile(f.Config)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(&cfg, f)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyFlags overlays the flags that were given. A new data dir moves the
// derived paths with it unless they were configured explicitly.
func applyFlags(cfg *config.Config, f flags) {
	if f.Address != "" {
		cfg.Address = f.Address
	}
	if f.DataDir != "" && f.DataDir != cfg.DataDir {
		if cfg.SavedTreeDir == filepath.Join(cfg.DataDir, "saved_trees") {
			cfg.SavedTreeDir = ""
		}
		if cfg.DBPath == filepath.Join(cfg.DataDir, "journal.db") {
			cfg.DBPath = ""
		}
		cfg.DataDir = f.DataDir
	}
	if f.DownloadsDir != "" {
		cfg.DownloadsDir = f.DownloadsDir
	}
	if f.InitialSessionID >= 0 {
		cfg.InitialSessionID = f.InitialSessionID
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}
}

// run wires the coordinator and serves until ctx ends. ready, when set, is
// called with the server once it is constructed.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger, clk clock.Clock, ready func(*daemon.Server)) error {
	store, err := db.OpenWithClock(ctx, cfg.DBPath, clk)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}
	if err := store.BeginRun(ctx, cfg.Address); err != nil {
		return err
	}
	startRetentionLoop(ctx, store, cfg.JournalRetention, clk, logger)

	saved, err := savedtrees.Open(cfg.SavedTreeDir)
	if err != nil {
		return fmt.Errorf("open saved trees: %w", err)
	}
	hub := events.NewHub(cfg.EventBuffer, clk, logger.Named("events"))
	manager := session.NewManager(
		session.WithEmitter(hub),
		session.WithSaver(saved),
		session.WithLogger(logger.Named("session")),
		session.WithInitialSessionID(trees.SessionID(cfg.InitialSessionID)),
	)
	cmds := commands.New(commands.Deps{
		State:        manager,
		Store:        saved,
		Emitter:      hub,
		Journal:      store,
		DownloadsDir: cfg.DownloadsDir,
		Logger:       logger.Named("commands"),
	})
	srv := daemon.NewServer(cfg, daemon.Deps{
		Manager:  manager,
		Commands: cmds,
		Hub:      hub,
		Journal:  store,
		Logger:   logger.Named("server"),
	})
	if ready != nil {
		ready(srv)
	}
	logger.Info("coordinator starting",
		zap.String("run_id", store.RunID()),
		zap.String("address", cfg.Address),
		zap.String("data_dir", cfg.DataDir),
	)
	return srv.Start(ctx)
}

func startRetentionLoop(ctx context.Context, store *db.Store, retention time.Duration, clk clock.Clock, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	prune := func() {
		n, err := store.PruneBefore(ctx, clk.Now().Add(-retention))
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("journal retention failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			logger.Info("pruned journal runs", zap.Int64("runs", n))
		}
	}

	prune()
	go func() {
		ticker := clk.Ticker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prune()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "dilld: %v\n", err)
	os.Exit(1)
}
