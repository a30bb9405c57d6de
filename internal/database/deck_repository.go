package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/microlearn/pkg/models"
)

// DeckRepository handles database operations for decks
type DeckRepository struct {
	db *sqlx.DB
}

// NewDeckRepository creates a new repository instance
func NewDeckRepository(db *sqlx.DB) *DeckRepository {
	return &DeckRepository{db: db}
}

// Create inserts a new deck
func (r *DeckRepository) Create(ctx context.Context, deck *models.Deck) error {
	deck.CreatedAt = time.Now().UTC()
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO decks (user_id, name, is_default, sort_order, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, deck.UserID, deck.Name, deck.IsDefault, deck.SortOrder, deck.CreatedAt).Scan(&deck.ID)
	if err != nil {
		return fmt.Errorf("failed to create deck: %w", err)
	}
	return nil
}

// GetByName returns a user's deck by name
func (r *DeckRepository) GetByName(ctx context.Context, userID int64, name string) (*models.Deck, error) {
	var deck models.Deck
	err := r.db.GetContext(ctx, &deck,
		"SELECT id, user_id, name, is_default, sort_order, created_at FROM decks WHERE user_id = $1 AND name = $2",
		userID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deck by name: %w", err)
	}
	return &deck, nil
}

// ListByUser returns a user's decks in display order
func (r *DeckRepository) ListByUser(ctx context.Context, userID int64) ([]models.Deck, error) {
	decks := []models.Deck{}
	err := r.db.SelectContext(ctx, &decks,
		"SELECT id, user_id, name, is_default, sort_order, created_at FROM decks WHERE user_id = $1 ORDER BY sort_order, id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decks: %w", err)
	}
	return decks, nil
}

// AddCard puts a card into a deck. Adding it twice is a no-op.
func (r *DeckRepository) AddCard(ctx context.Context, deckID, cardID int64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO deck_cards (deck_id, card_id) VALUES ($1, $2) ON CONFLICT (deck_id, card_id) DO NOTHING",
		deckID, cardID)
	if err != nil {
		return fmt.Errorf("failed to add card %d to deck %d: %w", cardID, deckID, err)
	}
	return nil
}
