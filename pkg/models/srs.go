package models

import "time"

// Rating is the learner's self-assessment of a reviewed card.
type Rating string

const (
	RatingKnow   Rating = "know"
	RatingMedium Rating = "medium"
	RatingAgain  Rating = "again"
)

// Valid reports whether r is one of the known ratings.
func (r Rating) Valid() bool {
	switch r {
	case RatingKnow, RatingMedium, RatingAgain:
		return true
	}
	return false
}

// Scope selects the candidate cards for the next-card lookup.
type Scope string

const (
	ScopeDeck     Scope = "deck"
	ScopeDecks    Scope = "decks"
	ScopeAllDecks Scope = "all_decks"
	ScopeAllCards Scope = "all_cards"
)

// SrsState is the spaced-repetition schedule of one card for one user.
type SrsState struct {
	UserID         int64      `json:"-" db:"user_id"`
	CardID         int64      `json:"-" db:"card_id"`
	Level          int        `json:"level" db:"level"`
	DueAt          time.Time  `json:"due_at" db:"due_at"`
	LastReviewedAt *time.Time `json:"last_reviewed_at" db:"last_reviewed_at"`
	ReviewsCount   int        `json:"reviews_count" db:"reviews_count"`
	LastRating     Rating     `json:"last_rating" db:"last_rating"`
}

// NextQuery is the filter of a next-card request.
type NextQuery struct {
	Scope   Scope   `json:"scope,omitempty"`
	DeckID  *int64  `json:"deck_id,omitempty"`
	DeckIDs []int64 `json:"deck_ids,omitempty"`
	OnlyDue bool    `json:"only_due"`
}

// ReviewRequest rates a card and asks for the next one under the same filter.
type ReviewRequest struct {
	CardID  int64   `json:"card_id"`
	Rating  Rating  `json:"rating"`
	Scope   Scope   `json:"scope,omitempty"`
	DeckID  *int64  `json:"deck_id,omitempty"`
	DeckIDs []int64 `json:"deck_ids,omitempty"`
	OnlyDue *bool   `json:"only_due,omitempty"`
}

// Query returns the next-card filter carried by the review request.
// only_due defaults to true.
func (r ReviewRequest) Query() NextQuery {
	q := NextQuery{Scope: r.Scope, DeckID: r.DeckID, DeckIDs: r.DeckIDs, OnlyDue: true}
	if r.OnlyDue != nil {
		q.OnlyDue = *r.OnlyDue
	}
	return q
}

// NextResponse carries the next card to review. A nil Card means the scope is exhausted.
type NextResponse struct {
	Card     *Card     `json:"card"`
	Srs      *SrsState `json:"srs"`
	Reviewed *SrsState `json:"reviewed,omitempty"`
}
