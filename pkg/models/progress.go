package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// LessonProgress tracks a learner's progress on a single lesson.
type LessonProgress struct {
	Seen       bool       `json:"seen" db:"seen"`
	Completed  bool       `json:"completed" db:"completed"`
	Percent    int        `json:"percent" db:"percent"` // 0-100
	TimeMs     int64      `json:"time_ms" db:"time_ms"` // cumulative time spent
	ScoreBest  *int       `json:"score_best" db:"score_best"`
	ScoreLast  *int       `json:"score_last" db:"score_last"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"` // authority for conflict resolution
	LastSeenAt *time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (p LessonProgress) Clone() LessonProgress {
	out := p
	out.ScoreBest = clonePtr(p.ScoreBest)
	out.ScoreLast = clonePtr(p.ScoreLast)
	out.LastSeenAt = clonePtr(p.LastSeenAt)
	return out
}

// LessonProgressRow is one row of the server-side progress list.
type LessonProgressRow struct {
	LessonID int64 `json:"lesson_id" db:"lesson_id"`
	LessonProgress
}

// LessonProgressPatch is a partial update. Nil fields are left untouched.
type LessonProgressPatch struct {
	Seen        *bool      `json:"seen,omitempty"`
	Completed   *bool      `json:"completed,omitempty"`
	Percent     *int       `json:"percent,omitempty"`
	TimeMs      *int64     `json:"time_ms,omitempty"`
	TimeMsDelta *int64     `json:"time_ms_delta,omitempty"`
	ScoreBest   *int       `json:"score_best,omitempty"`
	ScoreLast   *int       `json:"score_last,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// ErrInvalidProgress is returned when an incoming progress update is out of range.
var ErrInvalidProgress = errors.New("invalid progress update")

// Validate checks an update received from a client.
func (p LessonProgressPatch) Validate() error {
	if p.UpdatedAt == nil || p.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: updated_at is required", ErrInvalidProgress)
	}
	if p.Percent != nil && (*p.Percent < 0 || *p.Percent > 100) {
		return fmt.Errorf("%w: percent must be between 0 and 100", ErrInvalidProgress)
	}
	if p.TimeMs != nil && *p.TimeMs < 0 {
		return fmt.Errorf("%w: time_ms must not be negative", ErrInvalidProgress)
	}
	for name, score := range map[string]*int{"score_best": p.ScoreBest, "score_last": p.ScoreLast} {
		if score != nil && (*score < 0 || *score > 100) {
			return fmt.Errorf("%w: %s must be between 0 and 100", ErrInvalidProgress, name)
		}
	}
	return nil
}

// ProgressImportRequest is the outbound sync payload.
type ProgressImportRequest struct {
	DeviceID string                   `json:"device_id"`
	Lessons  map[int64]LessonProgress `json:"lessons"`
}

// ProgressImport is the server-side view of an import payload. Lesson keys
// stay strings so that malformed ids can be skipped instead of failing the batch.
type ProgressImport struct {
	DeviceID string                         `json:"device_id"`
	Lessons  map[string]LessonProgressPatch `json:"lessons"`
}

// ProgressImportResult holds informational import counters.
type ProgressImportResult struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
}

// SchemaVersion is the current layout of the persisted ProgressState.
const SchemaVersion = 1

// ProgressState is the durable client-local record, one per device profile.
type ProgressState struct {
	SchemaVersion int                      `json:"schema_version"`
	DeviceID      string                   `json:"device_id"`
	Locale        *string                  `json:"locale"`
	Lessons       map[int64]LessonProgress `json:"lessons"`
	Pending       LessonIDs                `json:"pending"`
	LastSyncAt    *time.Time               `json:"last_sync_at"`
}

// LessonIDs is a list of lesson ids encoded as JSON strings.
type LessonIDs []int64

// MarshalJSON writes the ids as decimal strings in ascending order.
func (ids LessonIDs) MarshalJSON() ([]byte, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]string, len(sorted))
	for i, id := range sorted {
		out[i] = strconv.FormatInt(id, 10)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both string and numeric ids. Unparseable entries are dropped.
func (ids *LessonIDs) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(LessonIDs, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if id, err := strconv.ParseInt(s, 10, 64); err == nil {
				out = append(out, id)
			}
			continue
		}
		var n int64
		if err := json.Unmarshal(item, &n); err == nil {
			out = append(out, n)
		}
	}
	*ids = out
	return nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
