package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/microlearn/pkg/models"
)

// ProgressRepository handles database operations for lesson progress
type ProgressRepository struct {
	db *sqlx.DB
}

// NewProgressRepository creates a new repository instance
func NewProgressRepository(db *sqlx.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

const progressColumns = `lesson_id, seen, completed, percent, time_ms, score_best, score_last, updated_at, last_seen_at`

// List returns every progress row of a user ordered by lesson id
func (r *ProgressRepository) List(ctx context.Context, userID int64) ([]models.LessonProgressRow, error) {
	rows := []models.LessonProgressRow{}
	err := r.db.SelectContext(ctx, &rows,
		"SELECT "+progressColumns+" FROM lesson_progress WHERE user_id = $1 ORDER BY lesson_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	for i := range rows {
		normalizeRowTimes(&rows[i])
	}
	return rows, nil
}

// Get returns the progress of one lesson
func (r *ProgressRepository) Get(ctx context.Context, userID, lessonID int64) (*models.LessonProgressRow, error) {
	row, err := getProgress(ctx, r.db, userID, lessonID, false)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

// Apply merges a single-lesson update into the stored row and returns the result.
func (r *ProgressRepository) Apply(ctx context.Context, userID, lessonID int64, patch models.LessonProgressPatch) (*models.LessonProgressRow, error) {
	if lessonID <= 0 {
		return nil, fmt.Errorf("%w: lesson id must be positive", models.ErrInvalidProgress)
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var out models.LessonProgressRow
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		existing, err := getProgress(ctx, tx, userID, lessonID, true)
		if err != nil {
			return err
		}
		var current *models.LessonProgress
		if existing != nil {
			current = &existing.LessonProgress
		}
		out = models.LessonProgressRow{LessonID: lessonID, LessonProgress: MergeProgress(current, patch)}
		return saveProgress(ctx, tx, userID, out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Import merges a batch of lesson updates from one device in a single
// transaction. Keys that are not positive integers are skipped.
func (r *ProgressRepository) Import(ctx context.Context, userID int64, req models.ProgressImport) (models.ProgressImportResult, error) {
	var res models.ProgressImportResult

	type entry struct {
		id    int64
		patch models.LessonProgressPatch
	}
	entries := make([]entry, 0, len(req.Lessons))
	for key, patch := range req.Lessons {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		if err := patch.Validate(); err != nil {
			return res, fmt.Errorf("lesson %s: %w", key, err)
		}
		entries = append(entries, entry{id: id, patch: patch})
	}
	// Stable lock order
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, e := range entries {
			existing, err := getProgress(ctx, tx, userID, e.id, true)
			if err != nil {
				return err
			}

			var current *models.LessonProgress
			var before *time.Time
			if existing != nil {
				current = &existing.LessonProgress
				before = &existing.UpdatedAt
			}

			merged := MergeProgress(current, e.patch)
			if err := saveProgress(ctx, tx, userID, models.LessonProgressRow{LessonID: e.id, LessonProgress: merged}); err != nil {
				return err
			}

			res.Imported++
			if before == nil || merged.UpdatedAt.After(*before) {
				res.Updated++
			}
		}

		payload, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return recordEvent(ctx, tx, userID, req.DeviceID, "progress_import", nil, payload)
	})
	if err != nil {
		return models.ProgressImportResult{}, err
	}
	return res, nil
}

// MergeProgress folds an incoming update into the stored record. Flags and
// scores are only replaced when the update is strictly newer; time_ms and
// score_best never decrease.
func MergeProgress(existing *models.LessonProgress, in models.LessonProgressPatch) models.LessonProgress {
	updatedAt := in.UpdatedAt.UTC()

	if existing == nil {
		p := models.LessonProgress{UpdatedAt: updatedAt}
		if in.Seen != nil {
			p.Seen = *in.Seen
		}
		if in.Completed != nil {
			p.Completed = *in.Completed
		}
		if in.Percent != nil {
			p.Percent = *in.Percent
		} else if p.Completed {
			p.Percent = 100
		}
		if in.TimeMs != nil {
			p.TimeMs = *in.TimeMs
		}
		if in.TimeMsDelta != nil && *in.TimeMsDelta > 0 {
			p.TimeMs += *in.TimeMsDelta
		}
		p.ScoreBest = copyInt(in.ScoreBest)
		p.ScoreLast = copyInt(in.ScoreLast)
		if in.LastSeenAt != nil {
			t := in.LastSeenAt.UTC()
			p.LastSeenAt = &t
		}
		return p
	}

	p := existing.Clone()
	if updatedAt.After(p.UpdatedAt) {
		if in.Seen != nil {
			p.Seen = *in.Seen
		}
		if in.Completed != nil {
			p.Completed = *in.Completed
		}
		if in.Percent != nil {
			p.Percent = *in.Percent
		}
		if in.ScoreLast != nil {
			p.ScoreLast = copyInt(in.ScoreLast)
		}
		if in.LastSeenAt != nil {
			t := in.LastSeenAt.UTC()
			p.LastSeenAt = &t
		}
	}
	if in.TimeMs != nil && *in.TimeMs > p.TimeMs {
		p.TimeMs = *in.TimeMs
	}
	if in.TimeMsDelta != nil && *in.TimeMsDelta > 0 {
		p.TimeMs += *in.TimeMsDelta
	}
	if in.ScoreBest != nil && (p.ScoreBest == nil || *in.ScoreBest > *p.ScoreBest) {
		p.ScoreBest = copyInt(in.ScoreBest)
	}
	if updatedAt.After(p.UpdatedAt) {
		p.UpdatedAt = updatedAt
	}
	return p
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func getProgress(ctx context.Context, q sqlx.ExtContext, userID, lessonID int64, forUpdate bool) (*models.LessonProgressRow, error) {
	query := "SELECT " + progressColumns + " FROM lesson_progress WHERE user_id = $1 AND lesson_id = $2"
	if forUpdate && isPostgres(q) {
		query += " FOR UPDATE"
	}

	var row models.LessonProgressRow
	err := sqlx.GetContext(ctx, q, &row, query, userID, lessonID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	normalizeRowTimes(&row)
	return &row, nil
}

func saveProgress(ctx context.Context, q sqlx.ExtContext, userID int64, row models.LessonProgressRow) error {
	var lastSeen *time.Time
	if row.LastSeenAt != nil {
		t := row.LastSeenAt.UTC()
		lastSeen = &t
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO lesson_progress (user_id, lesson_id, seen, completed, percent, time_ms, score_best, score_last, updated_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, lesson_id) DO UPDATE SET
			seen = excluded.seen,
			completed = excluded.completed,
			percent = excluded.percent,
			time_ms = excluded.time_ms,
			score_best = excluded.score_best,
			score_last = excluded.score_last,
			updated_at = excluded.updated_at,
			last_seen_at = excluded.last_seen_at
	`,
		userID, row.LessonID, row.Seen, row.Completed, row.Percent, row.TimeMs,
		row.ScoreBest, row.ScoreLast, row.UpdatedAt.UTC(), lastSeen,
	)
	if err != nil {
		return fmt.Errorf("failed to save progress for lesson %d: %w", row.LessonID, err)
	}
	return nil
}

func recordEvent(ctx context.Context, q sqlx.ExtContext, userID int64, deviceID, eventType string, lessonID *int64, payload []byte) error {
	var body any
	if payload != nil {
		body = string(payload)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO learning_events (user_id, device_id, type, lesson_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, deviceID, eventType, lessonID, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	return nil
}

func normalizeRowTimes(row *models.LessonProgressRow) {
	row.UpdatedAt = row.UpdatedAt.UTC()
	if row.LastSeenAt != nil {
		t := row.LastSeenAt.UTC()
		row.LastSeenAt = &t
	}
}
