package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/example/microlearn/pkg/models"
)

// SRSRepository handles database operations for card review schedules
type SRSRepository struct {
	db *sqlx.DB
}

// NewSRSRepository creates a new repository instance
func NewSRSRepository(db *sqlx.DB) *SRSRepository {
	return &SRSRepository{db: db}
}

const srsColumns = `user_id, card_id, level, due_at, last_reviewed_at, reviews_count, last_rating`

// Get returns the schedule of one card, or ErrNotFound if it was never reviewed
func (r *SRSRepository) Get(ctx context.Context, userID, cardID int64) (*models.SrsState, error) {
	var state models.SrsState
	err := r.db.GetContext(ctx, &state,
		"SELECT "+srsColumns+" FROM card_srs_state WHERE user_id = $1 AND card_id = $2", userID, cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get srs state: %w", err)
	}
	normalizeStateTimes(&state)
	return &state, nil
}

// Save inserts or replaces a schedule
func (r *SRSRepository) Save(ctx context.Context, state *models.SrsState) error {
	return saveState(ctx, r.db, state)
}

// Update runs fn on the stored schedule of initial's user and card inside one
// transaction and saves the result. A missing schedule starts from initial.
// Concurrent updates of the same card are serialized.
func (r *SRSRepository) Update(ctx context.Context, initial models.SrsState, fn func(*models.SrsState)) (*models.SrsState, error) {
	var state models.SrsState
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var lastReviewed any
		if initial.LastReviewedAt != nil {
			lastReviewed = initial.LastReviewedAt.UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO card_srs_state (user_id, card_id, level, due_at, last_reviewed_at, reviews_count, last_rating)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, card_id) DO NOTHING
		`, initial.UserID, initial.CardID, initial.Level, initial.DueAt.UTC(), lastReviewed, initial.ReviewsCount, string(initial.LastRating))
		if err != nil {
			return err
		}

		query := "SELECT " + srsColumns + " FROM card_srs_state WHERE user_id = $1 AND card_id = $2"
		if isPostgres(tx) {
			query += " FOR UPDATE"
		}
		if err := tx.GetContext(ctx, &state, query, initial.UserID, initial.CardID); err != nil {
			return err
		}
		normalizeStateTimes(&state)

		fn(&state)
		return saveState(ctx, tx, &state)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update srs state: %w", err)
	}
	return &state, nil
}

// ListInScope returns the user's schedules for cards in scope, by card id
func (r *SRSRepository) ListInScope(ctx context.Context, userID int64, scope CardScope) ([]models.SrsState, error) {
	filter, filterArgs := scopeFilter("card_id", userID, scope)
	query, args, err := sqlx.In(
		"SELECT "+srsColumns+" FROM card_srs_state WHERE user_id = ?"+filter+" ORDER BY card_id",
		append([]any{userID}, filterArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to build srs query: %w", err)
	}

	var states []models.SrsState
	if err := r.db.SelectContext(ctx, &states, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list srs states: %w", err)
	}
	for i := range states {
		normalizeStateTimes(&states[i])
	}
	return states, nil
}

// ListAll returns every schedule, used for statistics
func (r *SRSRepository) ListAll(ctx context.Context) ([]models.SrsState, error) {
	var states []models.SrsState
	if err := r.db.SelectContext(ctx, &states, "SELECT "+srsColumns+" FROM card_srs_state ORDER BY user_id, card_id"); err != nil {
		return nil, fmt.Errorf("failed to list srs states: %w", err)
	}
	for i := range states {
		normalizeStateTimes(&states[i])
	}
	return states, nil
}

func normalizeStateTimes(s *models.SrsState) {
	s.DueAt = s.DueAt.UTC()
	if s.LastReviewedAt != nil {
		t := s.LastReviewedAt.UTC()
		s.LastReviewedAt = &t
	}
}

func saveState(ctx context.Context, q sqlx.ExecerContext, state *models.SrsState) error {
	var lastReviewed any
	if state.LastReviewedAt != nil {
		lastReviewed = state.LastReviewedAt.UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO card_srs_state (user_id, card_id, level, due_at, last_reviewed_at, reviews_count, last_rating)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, card_id) DO UPDATE SET
			level = excluded.level,
			due_at = excluded.due_at,
			last_reviewed_at = excluded.last_reviewed_at,
			reviews_count = excluded.reviews_count,
			last_rating = excluded.last_rating
	`, state.UserID, state.CardID, state.Level, state.DueAt.UTC(), lastReviewed, state.ReviewsCount, string(state.LastRating))
	if err != nil {
		return fmt.Errorf("failed to save srs state: %w", err)
	}
	return nil
}
