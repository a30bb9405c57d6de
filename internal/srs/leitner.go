// Package srs schedules card reviews with a Leitner box system.
package srs

import (
	"sort"
	"time"

	"github.com/example/microlearn/pkg/models"
)

const (
	MinLevel = 1
	MaxLevel = 5
)

// Leitner implements a five-box Leitner system for spaced repetition
type Leitner struct {
	// Интервал повторения в днях для каждого уровня
	Intervals map[int]int
}

// NewLeitner создает экземпляр с интервалами по умолчанию
func NewLeitner() *Leitner {
	return &Leitner{
		Intervals: map[int]int{1: 1, 2: 3, 3: 7, 4: 14, 5: 30},
	}
}

// Next returns the level and due time after a card at level is rated.
func (l *Leitner) Next(level int, rating models.Rating, now time.Time) (int, time.Time) {
	level = clampLevel(level)

	switch rating {
	case models.RatingKnow:
		level++
	case models.RatingAgain:
		level--
	}
	level = clampLevel(level)

	days, ok := l.Intervals[level]
	if !ok {
		days = 1
	}
	return level, now.Add(time.Duration(days) * 24 * time.Hour)
}

// Process applies a rating to state in place.
func (l *Leitner) Process(state *models.SrsState, rating models.Rating, now time.Time) {
	now = now.UTC()
	state.Level, state.DueAt = l.Next(state.Level, rating, now)
	state.LastReviewedAt = &now
	state.ReviewsCount++
	state.LastRating = rating
}

// NewState is the implicit state of a card that was never reviewed: due now.
func NewState(userID, cardID int64, now time.Time) models.SrsState {
	return models.SrsState{
		UserID: userID,
		CardID: cardID,
		Level:  MinLevel,
		DueAt:  now.UTC(),
	}
}

// IsMastered reports whether a card reached the top box
func (l *Leitner) IsMastered(state models.SrsState) bool {
	return state.Level >= MaxLevel && state.LastRating == models.RatingKnow
}

// FirstDue returns the earliest-due state with due_at <= now. Ties go to the
// lowest card id.
func FirstDue(states []models.SrsState, now time.Time) (models.SrsState, bool) {
	var due []models.SrsState
	for _, s := range states {
		if !s.DueAt.After(now) {
			due = append(due, s)
		}
	}
	return Earliest(due)
}

// Earliest returns the state with the earliest due_at regardless of now.
func Earliest(states []models.SrsState) (models.SrsState, bool) {
	if len(states) == 0 {
		return models.SrsState{}, false
	}
	sorted := append([]models.SrsState(nil), states...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DueAt.Equal(sorted[j].DueAt) {
			return sorted[i].CardID < sorted[j].CardID
		}
		return sorted[i].DueAt.Before(sorted[j].DueAt)
	})
	return sorted[0], true
}

func clampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
