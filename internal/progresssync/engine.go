// Package progresssync pushes locally pending lesson progress to the server
// of record and merges the server's view back, one round at a time.
package progresssync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/microlearn/internal/clock"
	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/pkg/models"
)

const (
	DefaultDebounce = 1500 * time.Millisecond
	DefaultInterval = 5 * time.Minute
)

// Trigger reasons passed to Schedule.
const (
	ReasonEnable   = "enable"
	ReasonOnline   = "online"
	ReasonVisible  = "visible"
	ReasonInterval = "interval"
	ReasonStartup  = "startup"
	ReasonRerun    = "rerun"
)

var (
	ErrSyncDisabled = errors.New("progress sync is disabled")
	ErrOffline      = errors.New("transport is offline")
	ErrInFlight     = errors.New("a sync round is already in flight")
)

// State is the engine's scheduling state.
type State int

const (
	StateDisabled State = iota
	StateIdle
	StateScheduled
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateInFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LocalStore is the part of the progress store a sync round needs.
type LocalStore interface {
	ExportPayload() (string, map[int64]models.LessonProgress)
	ClearPendingIfUnchanged(sent map[int64]models.LessonProgress)
	MergeServer(rows []models.LessonProgressRow)
	SetLastSyncAt(t time.Time)
	PendingCount() int
}

// Transport talks to the server of record.
type Transport interface {
	Online() bool
	FetchProgress(ctx context.Context) ([]models.LessonProgressRow, error)
	ImportProgress(ctx context.Context, req models.ProgressImportRequest) (models.ProgressImportResult, error)
}

// PeriodicRunner runs fn every interval until stopped.
type PeriodicRunner interface {
	Every(interval time.Duration, name string, fn func()) error
}

// ErrorHandler observes failed rounds. It must not call back into the engine synchronously.
type ErrorHandler func(reason string, err error)

// Engine is a debounced, single-flight sync loop. Disabled until SetEnabled(true).
type Engine struct {
	store     LocalStore
	transport Transport
	clock     clock.Clock
	debounce  time.Duration
	interval  time.Duration
	onError   ErrorHandler
	log       *logger.Logger

	mu        sync.Mutex
	enabled   bool
	scheduled bool
	inFlight  bool
	rerun     bool
	timer     clock.Timer
	gen       uint64
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.debounce = d
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(e *Engine) { e.onError = h }
}

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func New(store LocalStore, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		transport: transport,
		clock:     clock.Real{},
		debounce:  DefaultDebounce,
		interval:  DefaultInterval,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetEnabled turns syncing on (and schedules a round) or off. Turning it off
// drops a pending debounce but leaves local data untouched. A round already in
// flight runs to completion.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	if !enabled {
		e.enabled = false
		e.cancelTimerLocked()
		e.rerun = false
		e.mu.Unlock()
		e.log.Debug("Progress sync disabled")
		return
	}
	e.enabled = true
	e.mu.Unlock()

	e.log.Debug("Progress sync enabled")
	e.Schedule(ReasonEnable)
}

func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.enabled:
		return StateDisabled
	case e.inFlight:
		return StateInFlight
	case e.scheduled:
		return StateScheduled
	default:
		return StateIdle
	}
}

// Schedule requests a round after the debounce delay. Requests are coalesced
// while one is scheduled; a request made during a round starts a fresh
// debounce once that round ends. Ignored while disabled or offline.
func (e *Engine) Schedule(reason string) {
	if !e.transport.Online() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return
	}
	if e.inFlight {
		e.rerun = true
		return
	}
	if e.scheduled {
		return
	}

	e.scheduled = true
	e.gen++
	gen := e.gen
	e.timer = e.clock.AfterFunc(e.debounce, func() { e.fire(gen, reason) })
}

func (e *Engine) NotifyOnline() { e.Schedule(ReasonOnline) }

func (e *Engine) NotifyVisible() { e.Schedule(ReasonVisible) }

// Tick is the periodic wake-up. It only schedules when there is something to push.
func (e *Engine) Tick() {
	if e.store.PendingCount() == 0 {
		return
	}
	e.Schedule(ReasonInterval)
}

// StartLoop registers the periodic tick with r and schedules a startup round.
func (e *Engine) StartLoop(r PeriodicRunner) error {
	if err := r.Every(e.interval, "progress-sync", e.Tick); err != nil {
		return fmt.Errorf("failed to register periodic sync: %w", err)
	}
	e.Schedule(ReasonStartup)
	return nil
}

// SyncNow runs a round immediately, replacing any pending debounce, and
// returns its error. It never overlaps another round.
func (e *Engine) SyncNow(ctx context.Context, reason string) error {
	online := e.transport.Online()

	e.mu.Lock()
	switch {
	case !e.enabled:
		e.mu.Unlock()
		return ErrSyncDisabled
	case e.inFlight:
		e.mu.Unlock()
		return ErrInFlight
	case !online:
		e.mu.Unlock()
		return ErrOffline
	}
	e.cancelTimerLocked()
	e.inFlight = true
	e.mu.Unlock()

	err := e.round(ctx)
	e.finish(reason, err)
	return err
}

func (e *Engine) fire(gen uint64, reason string) {
	e.mu.Lock()
	if !e.enabled || !e.scheduled || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.scheduled = false
	e.timer = nil
	e.inFlight = true
	e.mu.Unlock()

	e.finish(reason, e.round(context.Background()))
}

func (e *Engine) finish(reason string, err error) {
	e.mu.Lock()
	e.inFlight = false
	rerun := e.rerun && e.enabled
	e.rerun = false
	e.mu.Unlock()

	if err != nil {
		e.log.Debug("Progress sync round failed", "reason", reason, "error", err)
		if e.onError != nil {
			e.onError(reason, err)
		}
	}
	if rerun {
		e.Schedule(ReasonRerun)
	}
}

// round pushes the pending snapshot, then pulls and merges the server list.
// Pending ids are only cleared for records that did not change meanwhile.
func (e *Engine) round(ctx context.Context) error {
	deviceID, sent := e.store.ExportPayload()

	if len(sent) > 0 {
		res, err := e.transport.ImportProgress(ctx, models.ProgressImportRequest{
			DeviceID: deviceID,
			Lessons:  sent,
		})
		if err != nil {
			return fmt.Errorf("push progress: %w", err)
		}
		e.store.ClearPendingIfUnchanged(sent)
		e.log.Debug("Pushed progress", "lessons", len(sent), "imported", res.Imported, "updated", res.Updated)
	}

	rows, err := e.transport.FetchProgress(ctx)
	if err != nil {
		return fmt.Errorf("pull progress: %w", err)
	}
	e.store.MergeServer(rows)
	e.store.SetLastSyncAt(e.clock.Now())
	return nil
}

func (e *Engine) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.scheduled = false
	e.gen++
}
