// Package reviewflow drives one learner's review session against the review API.
package reviewflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/pkg/models"
)

type State int

const (
	// StateIdle means nothing has been loaded yet, or the filter changed.
	StateIdle State = iota
	StateCardLoaded
	StateAnswerShown
	// StateExhausted means the server had no eligible card for the filter.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCardLoaded:
		return "card_loaded"
	case StateAnswerShown:
		return "answer_shown"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when an action does not apply to the current state.
var ErrInvalidTransition = errors.New("action not allowed in current state")

// ReviewAPI is the remote side of the session.
type ReviewAPI interface {
	FetchNext(ctx context.Context, q models.NextQuery) (models.NextResponse, error)
	PostReview(ctx context.Context, req models.ReviewRequest) (models.NextResponse, error)
}

// Session is safe for concurrent use, but actions are expected to come
// from a single UI loop. Failed calls leave the state unchanged.
type Session struct {
	api ReviewAPI
	log *logger.Logger

	mu       sync.Mutex
	gen      uint64 // bumped by SetFilter, stale responses are dropped
	state    State
	filter   models.NextQuery
	card     *models.Card
	srs      *models.SrsState
	lastErr  error
	reviewed int
}

func NewSession(api ReviewAPI, filter models.NextQuery, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Nop()
	}
	return &Session{api: api, filter: filter, log: log}
}

// Start loads the first card for the current filter. It may be called from
// any state to retry or restart. A response that arrives after SetFilter is
// discarded.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	filter, gen := s.filter, s.gen
	s.mu.Unlock()

	resp, err := s.api.FetchNext(ctx, filter)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.Debug("Dropping next card fetched for an old filter")
		return nil
	}
	if err != nil {
		s.lastErr = err
		return fmt.Errorf("fetch next card: %w", err)
	}
	s.lastErr = nil
	s.loadLocked(resp)
	return nil
}

// Reveal shows the answer of the loaded card.
func (s *Session) Reveal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCardLoaded {
		return fmt.Errorf("reveal in %s: %w", s.state, ErrInvalidTransition)
	}
	s.state = StateAnswerShown
	return nil
}

// Rate submits a rating for the revealed card and loads the next one.
func (s *Session) Rate(ctx context.Context, rating models.Rating) error {
	s.mu.Lock()
	if s.state != StateAnswerShown {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("rate in %s: %w", state, ErrInvalidTransition)
	}
	req := models.ReviewRequest{
		CardID:  s.card.ID,
		Rating:  rating,
		Scope:   s.filter.Scope,
		DeckID:  s.filter.DeckID,
		DeckIDs: s.filter.DeckIDs,
		OnlyDue: models.Ptr(s.filter.OnlyDue),
	}
	gen := s.gen
	s.mu.Unlock()

	resp, err := s.api.PostReview(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// filter changed while the rating was in flight
		if err != nil {
			return fmt.Errorf("post review: %w", err)
		}
		return nil
	}
	if err != nil {
		s.lastErr = err
		return fmt.Errorf("post review: %w", err)
	}
	if s.state != StateAnswerShown || s.card == nil || s.card.ID != req.CardID {
		return nil
	}
	s.lastErr = nil
	s.reviewed++
	s.log.Debug("Card rated", "card_id", req.CardID, "rating", rating)
	s.loadLocked(resp)
	return nil
}

// SetFilter changes the card selection and resets the session to Idle.
func (s *Session) SetFilter(q models.NextQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.filter = q
	s.state = StateIdle
	s.card = nil
	s.srs = nil
	s.lastErr = nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the loaded card and its schedule, or nils.
func (s *Session) Current() (*models.Card, *models.SrsState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card, s.srs
}

func (s *Session) Filter() models.NextQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Err returns the error of the last failed call until it is dismissed or a call succeeds.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) DismissError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

// Reviewed counts the ratings accepted in this session.
func (s *Session) Reviewed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviewed
}

func (s *Session) loadLocked(resp models.NextResponse) {
	s.card = resp.Card
	s.srs = resp.Srs
	if resp.Card == nil {
		s.state = StateExhausted
		return
	}
	s.state = StateCardLoaded
}
