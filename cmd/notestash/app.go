package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/notestash/relay/internal/config"
	"github.com/notestash/relay/internal/db"
	"github.com/notestash/relay/internal/errors"
	"github.com/notestash/relay/internal/events"
	"github.com/notestash/relay/internal/hub"
	"github.com/notestash/relay/internal/logging"
	"github.com/notestash/relay/internal/services"
	syncpkg "github.com/notestash/relay/internal/sync"
	"github.com/notestash/relay/internal/sync/queue"
	"github.com/notestash/relay/internal/sync/scheduler"
	"github.com/notestash/relay/internal/sync/session"
	"github.com/notestash/relay/internal/telemetry"
)

// ownerWait bounds how long serve waits for a one-shot command to release
// the data directory.
const ownerWait = 5 * time.Second

// app holds the wired relay for one command invocation.
type app struct {
	configPath string
	lock       *db.DirLock
	owner      bool
	config     *config.Store
	database   *db.DB
	repo       *db.Repository
	client     *hub.Client
	queue      *queue.Queue
	engine     *syncpkg.Engine
	scheduler  *scheduler.Scheduler
	sessions   *session.Manager
	events     *events.Hub
	metrics    *telemetry.Recorder
	relay      *services.RelayService
}

type appOptions struct {
	events bool

	// owner requires the data directory lock instead of running without it.
	owner bool
}

func loadConfig(cmd *cobra.Command) (string, *config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	return path, cfg, nil
}

// openApp loads configuration, opens the database and wires every component.
func openApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	path, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	lock, err := lockDataDir(commandContext(cmd), cfg.DataDir, opts.owner)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	repo := db.NewRepository(database.DB)

	metrics, err := telemetry.New(&telemetry.Config{Enabled: cfg.Telemetry.Enabled})
	if err != nil {
		repo.Close()
		database.Close()
		lock.Unlock()
		return nil, err
	}

	store := config.NewStore(cfg)
	client := hub.NewClient(&hub.Config{
		URL:          cfg.Hub.URL,
		Token:        cfg.Hub.Token,
		Timeout:      cfg.Hub.Timeout,
		ChunkTimeout: cfg.Hub.ChunkTimeout,
		StatsTop:     cfg.Hub.StatsTop,
		StatsBottom:  cfg.Hub.StatsBottom,
	})

	q := queue.NewQueue(repo)
	engine := syncpkg.NewEngine(q, client, store, cfg.RetryPolicy(), metrics)
	sched := scheduler.NewScheduler(engine, &scheduler.SchedulerConfig{
		QueueInterval: cfg.Scheduler.QueueInterval,
		PassTimeout:   cfg.Scheduler.PassTimeout,
	})
	sessions := session.NewManager(repo, client, store, &session.Config{
		MaxConcurrent: cfg.Sessions.MaxConcurrent,
		MaxChunkBytes: cfg.Sessions.MaxChunkBytes,
	}, metrics)

	a := &app{
		configPath: path,
		lock:       lock,
		owner:      lock != nil,
		config:     store,
		database:   database,
		repo:       repo,
		client:     client,
		queue:      q,
		engine:     engine,
		scheduler:  sched,
		sessions:   sessions,
		metrics:    metrics,
	}

	deps := services.Dependencies{
		Queue:     q,
		Engine:    engine,
		Scheduler: sched,
		Sessions:  sessions,
		Store:     repo,
		Hub:       client,
		Resolver:  store,
		Metrics:   metrics,
	}
	if opts.events {
		a.events = events.NewHub()
		deps.Events = a.events
	}
	a.relay = services.NewRelayService(deps)

	if !a.owner {
		return a, nil
	}
	if _, err := sessions.Recover(commandContext(cmd)); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// lockDataDir takes the data directory lock. An owner waits up to ownerWait
// for it; any other command runs without it when it is taken, and gets a nil
// lock.
func lockDataDir(ctx context.Context, dataDir string, owner bool) (*db.DirLock, error) {
	lock, err := db.LockDataDir(dataDir)
	if err == nil || !errors.Is(err, errors.ErrDataDirBusy) {
		return lock, err
	}
	if !owner {
		logging.Info("Data directory owned by another process, delivery left to it", map[string]interface{}{
			"data_dir": dataDir,
		})
		return nil, nil
	}

	logging.Info("Waiting for data directory lock", map[string]interface{}{"data_dir": dataDir})
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(ownerWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, err
		case <-ticker.C:
		}
		lock, err = db.LockDataDir(dataDir)
		if err == nil || !errors.Is(err, errors.ErrDataDirBusy) {
			return lock, err
		}
	}
}

// syncNow runs a delivery pass when this process owns the data directory.
// ok is false when the pass was left to the owning process.
func (a *app) syncNow(ctx context.Context) (result *syncpkg.PassResult, ok bool, err error) {
	if !a.owner {
		return nil, false, nil
	}
	result, err = a.relay.SyncNow(ctx)
	return result, err == nil, err
}

// Close stops background work and releases the database.
func (a *app) Close() {
	a.scheduler.Stop()
	a.sessions.Close()
	if a.events != nil {
		a.events.Close()
	}
	a.repo.Close()
	a.database.Close()
	if err := a.metrics.Shutdown(context.Background()); err != nil {
		logging.Warn("Failed to stop telemetry", map[string]interface{}{"error": err.Error()})
	}
	a.lock.Unlock()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
