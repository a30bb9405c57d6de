// Package progress implements the client-local lesson progress store: a
// versioned record persisted through a key-value port, with a pending set of
// lessons whose changes have not been confirmed by the server yet.
package progress

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/microlearn/internal/clock"
	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/internal/storage"
	"github.com/example/microlearn/pkg/models"
)

const (
	// DefaultStorageKey is the key of the persisted ProgressState.
	DefaultStorageKey = "pp_progress_v1"
	// DefaultMaxTimeDeltaMs bounds a single AddTime call (30 minutes).
	DefaultMaxTimeDeltaMs int64 = 30 * 60 * 1000
)

// StorageErrorHandler observes storage failures the store otherwise swallows.
type StorageErrorHandler func(op string, err error)

// Store is the local progress cache. All methods are safe for concurrent use
// and never return errors: storage problems degrade to an in-memory session.
type Store struct {
	mu      sync.Mutex
	kv      storage.KV
	key     string
	clock   clock.Clock
	locale  *string
	log     *logger.Logger
	onError StorageErrorHandler

	state *models.ProgressState
	dirty map[int64]struct{}
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLocale(locale string) Option {
	return func(s *Store) {
		if locale != "" {
			s.locale = &locale
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithStorageErrorHandler(h StorageErrorHandler) Option {
	return func(s *Store) { s.onError = h }
}

func WithStorageKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// NewStore creates a store over kv. State is read lazily on first use.
func NewStore(kv storage.KV, opts ...Option) *Store {
	s := &Store{
		kv:    kv,
		key:   DefaultStorageKey,
		clock: clock.Real{},
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the stored progress for a lesson.
func (s *Store) Get(id int64) (models.LessonProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	p, ok := s.state.Lessons[id]
	if !ok {
		return models.LessonProgress{}, false
	}
	return p.Clone(), true
}

// Upsert applies a partial update to a lesson, marks it pending and persists.
func (s *Store) Upsert(id int64, patch models.LessonProgressPatch) models.LessonProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	p := s.applyLocked(id, patch)
	s.persistLocked()
	return p.Clone()
}

// MarkSeen records that the learner opened a lesson.
func (s *Store) MarkSeen(id int64) models.LessonProgress {
	now := s.clock.Now()
	return s.Upsert(id, models.LessonProgressPatch{
		Seen:       models.Ptr(true),
		LastSeenAt: &now,
		UpdatedAt:  &now,
	})
}

// SetCompletion marks a lesson done (percent 100) or not done (percent 0).
func (s *Store) SetCompletion(id int64, completed bool) models.LessonProgress {
	now := s.clock.Now()
	percent := 0
	if completed {
		percent = 100
	}
	return s.Upsert(id, models.LessonProgressPatch{
		Seen:       models.Ptr(true),
		Completed:  &completed,
		Percent:    &percent,
		LastSeenAt: &now,
		UpdatedAt:  &now,
	})
}

// AddTime adds deltaMs of reading time, clamped into [0, maxDeltaMs].
// A non-positive maxDeltaMs selects DefaultMaxTimeDeltaMs.
func (s *Store) AddTime(id int64, deltaMs, maxDeltaMs int64) models.LessonProgress {
	if maxDeltaMs <= 0 {
		maxDeltaMs = DefaultMaxTimeDeltaMs
	}
	if deltaMs < 0 {
		deltaMs = 0
	}
	if deltaMs > maxDeltaMs {
		deltaMs = maxDeltaMs
	}
	now := s.clock.Now()
	return s.Upsert(id, models.LessonProgressPatch{
		Seen:        models.Ptr(true),
		TimeMsDelta: &deltaMs,
		LastSeenAt:  &now,
		UpdatedAt:   &now,
	})
}

// Pending returns the records of every lesson in the pending set.
func (s *Store) Pending() map[int64]models.LessonProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.pendingLocked()
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return len(s.dirty)
}

// ExportPayload returns the device id and the pending records as one snapshot.
func (s *Store) ExportPayload() (string, map[int64]models.LessonProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.state.DeviceID, s.pendingLocked()
}

// ClearPendingIfUnchanged drops ids from the pending set unless the local
// record was updated after the snapshot in sent was taken.
func (s *Store) ClearPendingIfUnchanged(sent map[int64]models.LessonProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	changed := false
	for id, snap := range sent {
		if _, ok := s.dirty[id]; !ok {
			continue
		}
		local, ok := s.state.Lessons[id]
		if ok && local.UpdatedAt.After(snap.UpdatedAt) {
			continue
		}
		delete(s.dirty, id)
		changed = true
	}
	if changed {
		s.persistLocked()
	}
}

// MergeServer applies server rows with last-writer-wins. A row replaces the
// local record only when there is none or the row is strictly newer.
func (s *Store) MergeServer(rows []models.LessonProgressRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	changed := false
	for _, row := range rows {
		local, ok := s.state.Lessons[row.LessonID]
		if ok && !row.UpdatedAt.After(local.UpdatedAt) {
			continue
		}
		s.state.Lessons[row.LessonID] = normalize(row.LessonProgress.Clone())
		delete(s.dirty, row.LessonID)
		changed = true
	}
	if changed {
		s.persistLocked()
	}
}

// SetLastSyncAt records the end of a successful sync round.
func (s *Store) SetLastSyncAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	t = t.UTC()
	s.state.LastSyncAt = &t
	s.persistLocked()
}

func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.state.DeviceID
}

// State returns a deep copy of the whole record.
func (s *Store) State() models.ProgressState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.snapshotLocked()
}

func (s *Store) applyLocked(id int64, patch models.LessonProgressPatch) models.LessonProgress {
	p := s.state.Lessons[id]

	if patch.Seen != nil {
		p.Seen = *patch.Seen
	}
	if patch.Completed != nil {
		p.Completed = *patch.Completed
	}
	if patch.Percent != nil {
		p.Percent = *patch.Percent
	} else if patch.Completed != nil && *patch.Completed {
		p.Percent = 100
	}
	if patch.TimeMs != nil {
		p.TimeMs = *patch.TimeMs
	}
	if patch.TimeMsDelta != nil && *patch.TimeMsDelta > 0 {
		p.TimeMs += *patch.TimeMsDelta
	}
	if patch.ScoreBest != nil {
		p.ScoreBest = models.Ptr(*patch.ScoreBest)
	}
	if patch.ScoreLast != nil {
		p.ScoreLast = models.Ptr(*patch.ScoreLast)
	}
	if patch.LastSeenAt != nil {
		t := patch.LastSeenAt.UTC()
		p.LastSeenAt = &t
	}
	if patch.UpdatedAt != nil && !patch.UpdatedAt.IsZero() {
		p.UpdatedAt = patch.UpdatedAt.UTC()
	} else {
		p.UpdatedAt = s.clock.Now()
	}

	p = normalize(p)
	s.state.Lessons[id] = p
	s.dirty[id] = struct{}{}
	return p
}

func normalize(p models.LessonProgress) models.LessonProgress {
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	if p.TimeMs < 0 {
		p.TimeMs = 0
	}
	p.ScoreBest = clampScore(p.ScoreBest)
	p.ScoreLast = clampScore(p.ScoreLast)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p
}

func clampScore(score *int) *int {
	if score == nil {
		return nil
	}
	return models.Ptr(min(max(*score, 0), 100))
}

func (s *Store) pendingLocked() map[int64]models.LessonProgress {
	out := make(map[int64]models.LessonProgress, len(s.dirty))
	for id := range s.dirty {
		if p, ok := s.state.Lessons[id]; ok {
			out[id] = p.Clone()
		}
	}
	return out
}

func (s *Store) snapshotLocked() models.ProgressState {
	out := models.ProgressState{
		SchemaVersion: s.state.SchemaVersion,
		DeviceID:      s.state.DeviceID,
		Lessons:       make(map[int64]models.LessonProgress, len(s.state.Lessons)),
		Pending:       make(models.LessonIDs, 0, len(s.dirty)),
	}
	if s.state.Locale != nil {
		out.Locale = models.Ptr(*s.state.Locale)
	}
	if s.state.LastSyncAt != nil {
		out.LastSyncAt = models.Ptr(*s.state.LastSyncAt)
	}
	for id, p := range s.state.Lessons {
		out.Lessons[id] = p.Clone()
	}
	for id := range s.dirty {
		out.Pending = append(out.Pending, id)
	}
	return out
}

func (s *Store) ensureLoaded() {
	if s.state != nil {
		return
	}

	state, err := s.read()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case errors.Is(err, errSchemaMismatch):
			s.log.Debug("Discarding progress of another schema version", "key", s.key)
		default:
			s.reportLocked("read", err)
		}
		state = s.defaultState()
	}

	s.state = state
	s.dirty = make(map[int64]struct{}, len(state.Pending))
	for _, id := range state.Pending {
		s.dirty[id] = struct{}{}
	}
}

var errSchemaMismatch = errors.New("progress: schema version mismatch")

func (s *Store) read() (*models.ProgressState, error) {
	data, err := s.kv.Get(s.key)
	if err != nil {
		return nil, err
	}
	var state models.ProgressState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.SchemaVersion != models.SchemaVersion {
		return nil, errSchemaMismatch
	}
	if state.DeviceID == "" {
		state.DeviceID = uuid.NewString()
	}
	if state.Lessons == nil {
		state.Lessons = make(map[int64]models.LessonProgress)
	}
	for id, p := range state.Lessons {
		state.Lessons[id] = normalize(p)
	}
	if state.Locale == nil && s.locale != nil {
		state.Locale = models.Ptr(*s.locale)
	}
	return &state, nil
}

func (s *Store) defaultState() *models.ProgressState {
	state := &models.ProgressState{
		SchemaVersion: models.SchemaVersion,
		DeviceID:      uuid.NewString(),
		Lessons:       make(map[int64]models.LessonProgress),
	}
	if s.locale != nil {
		state.Locale = models.Ptr(*s.locale)
	}
	return state
}

func (s *Store) persistLocked() {
	snap := s.snapshotLocked()
	data, err := json.Marshal(snap)
	if err != nil {
		s.reportLocked("encode", err)
		return
	}
	if err := s.kv.Set(s.key, data); err != nil {
		s.reportLocked("write", err)
	}
}

func (s *Store) reportLocked(op string, err error) {
	s.log.Warn("Progress storage failure", "op", op, "key", s.key, "error", err)
	if s.onError != nil {
		s.onError(op, err)
	}
}
