package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/microlearn/pkg/models"
)

// CardRepository handles database operations for cards
type CardRepository struct {
	db *sqlx.DB
}

// NewCardRepository creates a new repository instance
func NewCardRepository(db *sqlx.DB) *CardRepository {
	return &CardRepository{db: db}
}

const cardColumns = `id, slug, title, answer_express, takeaway, key_points, created_at, updated_at`

// Upsert creates a card or updates the one with the same slug. It reports
// whether a new card was created.
func (r *CardRepository) Upsert(ctx context.Context, card *models.Card) (bool, error) {
	keyPoints := card.KeyPoints
	if keyPoints == nil {
		keyPoints = []string{}
	}
	encoded, err := json.Marshal(keyPoints)
	if err != nil {
		return false, fmt.Errorf("failed to encode key points: %w", err)
	}
	card.KeyPointsJSON = string(encoded)
	now := time.Now().UTC()

	created := false
	err = withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.GetContext(ctx, &id, "SELECT id FROM cards WHERE slug = $1", card.Slug)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
			card.CreatedAt, card.UpdatedAt = now, now
			return tx.QueryRowxContext(ctx, `
				INSERT INTO cards (slug, title, answer_express, takeaway, key_points, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id
			`, card.Slug, card.Title, card.AnswerExpress, card.Takeaway, card.KeyPointsJSON, now, now).Scan(&card.ID)
		case err != nil:
			return err
		}

		card.ID = id
		card.UpdatedAt = now
		_, err = tx.ExecContext(ctx, `
			UPDATE cards SET title = $1, answer_express = $2, takeaway = $3, key_points = $4, updated_at = $5
			WHERE id = $6
		`, card.Title, card.AnswerExpress, card.Takeaway, card.KeyPointsJSON, now, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to save card %q: %w", card.Slug, err)
	}
	return created, nil
}

// GetByID returns a card by ID
func (r *CardRepository) GetByID(ctx context.Context, id int64) (*models.Card, error) {
	var card models.Card
	err := r.db.GetContext(ctx, &card, "SELECT "+cardColumns+" FROM cards WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card by ID: %w", err)
	}
	if err := decodeKeyPoints(&card); err != nil {
		return nil, err
	}
	return &card, nil
}

// FirstUnseen returns the lowest card id in scope the user has no schedule
// for. ok is false when every card in scope has been reviewed.
func (r *CardRepository) FirstUnseen(ctx context.Context, userID int64, scope CardScope) (id int64, ok bool, err error) {
	filter, filterArgs := scopeFilter("c.id", userID, scope)
	query := `
		SELECT c.id FROM cards c
		WHERE NOT EXISTS (
			SELECT 1 FROM card_srs_state s WHERE s.user_id = ? AND s.card_id = c.id
		)` + filter + " ORDER BY c.id LIMIT 1"

	query, args, err := sqlx.In(query, append([]any{userID}, filterArgs...)...)
	if err != nil {
		return 0, false, fmt.Errorf("failed to build unseen card query: %w", err)
	}
	err = r.db.GetContext(ctx, &id, r.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find unseen card: %w", err)
	}
	return id, true, nil
}

func decodeKeyPoints(card *models.Card) error {
	card.KeyPoints = []string{}
	if card.KeyPointsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(card.KeyPointsJSON), &card.KeyPoints); err != nil {
		return fmt.Errorf("failed to decode key points of card %d: %w", card.ID, err)
	}
	return nil
}
