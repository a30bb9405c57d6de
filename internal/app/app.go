// Package app assembles the headless learning client: local progress store,
// HTTP transport, sync engine and its periodic wake-up.
package app

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/example/microlearn/internal/client"
	"github.com/example/microlearn/internal/config"
	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/internal/progress"
	"github.com/example/microlearn/internal/progresssync"
	"github.com/example/microlearn/internal/reviewflow"
	"github.com/example/microlearn/internal/scheduler"
	"github.com/example/microlearn/internal/storage"
	"github.com/example/microlearn/pkg/models"
)

type App struct {
	Store     *progress.Store
	Client    *client.Client
	Engine    *progresssync.Engine
	Scheduler *scheduler.Scheduler

	cfg     *config.ClientConfig
	log     *logger.Logger
	closers []io.Closer
}

// New wires the client. Sync stays disabled until Start, and only turns on
// when a token is configured.
func New(cfg *config.ClientConfig, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{cfg: cfg, log: log}

	kv, err := a.openKV()
	if err != nil {
		return nil, err
	}

	opts := []progress.Option{
		progress.WithLogger(log),
		progress.WithStorageErrorHandler(func(op string, err error) {
			log.Warn("Progress storage degraded", "op", op, "error", err)
		}),
	}
	if cfg.Locale != "" {
		opts = append(opts, progress.WithLocale(cfg.Locale))
	}
	a.Store = progress.NewStore(kv, opts...)

	a.Client = client.New(cfg.APIURL, cfg.Token, client.WithLogger(log))
	a.Engine = progresssync.New(a.Store, a.Client,
		progresssync.WithDebounce(cfg.SyncDebounce),
		progresssync.WithInterval(cfg.SyncInterval),
		progresssync.WithLogger(log),
		progresssync.WithErrorHandler(func(reason string, err error) {
			log.Warn("Progress sync failed", "reason", reason, "error", err)
		}),
	)
	a.Scheduler = scheduler.New(log)
	return a, nil
}

func (a *App) openKV() (storage.KV, error) {
	switch a.cfg.StorageType {
	case "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		path := a.cfg.StatePath
		if !strings.HasSuffix(path, ".db") && path != ":memory:" {
			path = filepath.Join(path, "progress.db")
		}
		kv, err := storage.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kv)
		return kv, nil
	case "file", "":
		return storage.NewFile(a.cfg.StatePath)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.cfg.StorageType)
	}
}

// SyncEnabled reports whether a token is configured.
func (a *App) SyncEnabled() bool {
	return a.cfg.Token != ""
}

// Start enables sync (when authenticated) and the periodic wake-up.
func (a *App) Start() error {
	if !a.SyncEnabled() {
		a.log.Info("No token configured, progress stays local")
		return nil
	}
	a.Engine.SetEnabled(true)
	if err := a.Engine.StartLoop(a.Scheduler); err != nil {
		return err
	}
	a.Scheduler.Start()
	return nil
}

// SetOnline forwards host connectivity to the transport. Coming back online
// schedules a sync.
func (a *App) SetOnline(online bool) {
	a.Client.SetOnline(online)
	if online {
		a.Engine.NotifyOnline()
	}
}

// Foreground is called when the host UI becomes visible again.
func (a *App) Foreground() {
	a.Engine.NotifyVisible()
}

// AddTime records reading time bounded by the configured per-call maximum.
func (a *App) AddTime(lessonID, deltaMs int64) models.LessonProgress {
	p := a.Store.AddTime(lessonID, deltaMs, a.cfg.MaxTimeDelta.Milliseconds())
	a.Engine.Schedule("time")
	return p
}

// MarkSeen records a lesson open and schedules a sync.
func (a *App) MarkSeen(lessonID int64) models.LessonProgress {
	p := a.Store.MarkSeen(lessonID)
	a.Engine.Schedule("seen")
	return p
}

// SetCompletion records a completion toggle and schedules a sync.
func (a *App) SetCompletion(lessonID int64, completed bool) models.LessonProgress {
	p := a.Store.SetCompletion(lessonID, completed)
	a.Engine.Schedule("completion")
	return p
}

// ReviewSession opens a review session over the API client.
func (a *App) ReviewSession(filter models.NextQuery) *reviewflow.Session {
	return reviewflow.NewSession(a.Client, filter, a.log)
}

// Close stops background work and releases storage.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Engine.SetEnabled(false)

	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
