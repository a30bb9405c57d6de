// Package review selects the next card to study and records ratings.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/microlearn/internal/clock"
	"github.com/example/microlearn/internal/database"
	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/internal/srs"
	"github.com/example/microlearn/pkg/models"
)

var (
	ErrInvalidScope  = errors.New("scope must be one of: all_decks, deck, decks, all_cards")
	ErrDeckRequired  = errors.New("deck id is required for this scope")
	ErrCardNotFound  = errors.New("card not found")
	ErrInvalidRating = errors.New("rating must be one of: know, medium, again")
)

// CardStore looks up cards and the first never-reviewed card of a scope.
type CardStore interface {
	GetByID(ctx context.Context, id int64) (*models.Card, error)
	FirstUnseen(ctx context.Context, userID int64, scope database.CardScope) (int64, bool, error)
}

// StateStore persists review schedules.
type StateStore interface {
	Update(ctx context.Context, initial models.SrsState, fn func(*models.SrsState)) (*models.SrsState, error)
	ListInScope(ctx context.Context, userID int64, scope database.CardScope) ([]models.SrsState, error)
	ListAll(ctx context.Context) ([]models.SrsState, error)
}

// Service is the server side of the next-card / review protocol.
type Service struct {
	cards  CardStore
	states StateStore
	algo   *srs.Leitner
	clock  clock.Clock
	log    *logger.Logger
}

func NewService(cards CardStore, states StateStore, clk clock.Clock, log *logger.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{cards: cards, states: states, algo: srs.NewLeitner(), clock: clk, log: log}
}

// Next picks the card to review under q: the earliest overdue card, then the
// first card never reviewed, then (only when q.OnlyDue is false) the card
// due soonest. An empty response means nothing is eligible.
func (s *Service) Next(ctx context.Context, userID int64, q models.NextQuery) (models.NextResponse, error) {
	if err := validateQuery(q); err != nil {
		return models.NextResponse{}, err
	}
	scope := cardScope(q)
	states, err := s.states.ListInScope(ctx, userID, scope)
	if err != nil {
		return models.NextResponse{}, err
	}
	now := s.clock.Now()

	if state, ok := srs.FirstDue(states, now); ok {
		return s.respond(ctx, state)
	}

	id, ok, err := s.cards.FirstUnseen(ctx, userID, scope)
	if err != nil {
		return models.NextResponse{}, err
	}
	if ok {
		return s.respond(ctx, srs.NewState(userID, id, now))
	}

	if q.OnlyDue {
		return models.NextResponse{}, nil
	}
	if state, ok := srs.Earliest(states); ok {
		return s.respond(ctx, state)
	}
	return models.NextResponse{}, nil
}

// Review applies a rating to a card and returns the next card under the
// filter carried by the request, plus the rated card's new schedule.
func (s *Service) Review(ctx context.Context, userID int64, req models.ReviewRequest) (models.NextResponse, error) {
	if !req.Rating.Valid() {
		return models.NextResponse{}, ErrInvalidRating
	}
	q := req.Query()
	if err := validateQuery(q); err != nil {
		return models.NextResponse{}, err
	}
	if _, err := s.cards.GetByID(ctx, req.CardID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.NextResponse{}, ErrCardNotFound
		}
		return models.NextResponse{}, err
	}

	now := s.clock.Now()
	state, err := s.states.Update(ctx, srs.NewState(userID, req.CardID, now), func(st *models.SrsState) {
		s.algo.Process(st, req.Rating, now)
	})
	if err != nil {
		return models.NextResponse{}, err
	}
	s.log.Debug("Card reviewed", "user_id", userID, "card_id", req.CardID, "rating", req.Rating, "level", state.Level)

	next, err := s.Next(ctx, userID, q)
	if err != nil {
		return models.NextResponse{}, err
	}
	next.Reviewed = state
	return next, nil
}

// Stats summarizes every user's schedule: tracked cards, due now, mastered.
func (s *Service) Stats(ctx context.Context) ([]models.ReviewStats, error) {
	states, err := s.states.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	byUser := make(map[int64]*models.ReviewStats)
	for _, st := range states {
		stats, ok := byUser[st.UserID]
		if !ok {
			stats = &models.ReviewStats{UserID: st.UserID}
			byUser[st.UserID] = stats
		}
		stats.Tracked++
		if !st.DueAt.After(now) {
			stats.Due++
		}
		if s.algo.IsMastered(st) {
			stats.Mastered++
		}
	}

	out := make([]models.ReviewStats, 0, len(byUser))
	for _, stats := range byUser {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// LogDueStats writes one log line per user with a review backlog.
func (s *Service) LogDueStats(ctx context.Context) {
	stats, err := s.Stats(ctx)
	if err != nil {
		s.log.Error("Failed to compute review stats", "error", err)
		return
	}
	for _, st := range stats {
		s.log.Info("Review backlog", "user_id", st.UserID, "tracked", st.Tracked, "due", st.Due, "mastered", st.Mastered)
	}
}

func validateQuery(q models.NextQuery) error {
	switch q.Scope {
	case models.ScopeDeck:
		if q.DeckID == nil {
			return ErrDeckRequired
		}
	case models.ScopeDecks:
		if len(q.DeckIDs) == 0 {
			return ErrDeckRequired
		}
	case "", models.ScopeAllDecks, models.ScopeAllCards:
	default:
		return ErrInvalidScope
	}
	return nil
}

func cardScope(q models.NextQuery) database.CardScope {
	switch q.Scope {
	case models.ScopeAllCards:
		return database.CardScope{All: true}
	case models.ScopeDeck:
		return database.CardScope{DeckIDs: []int64{*q.DeckID}}
	case models.ScopeDecks:
		return database.CardScope{DeckIDs: q.DeckIDs}
	default:
		return database.CardScope{}
	}
}

func (s *Service) respond(ctx context.Context, state models.SrsState) (models.NextResponse, error) {
	card, err := s.cards.GetByID(ctx, state.CardID)
	if err != nil {
		return models.NextResponse{}, fmt.Errorf("failed to load card %d: %w", state.CardID, err)
	}
	return models.NextResponse{Card: card, Srs: &state}, nil
}
