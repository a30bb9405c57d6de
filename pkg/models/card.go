package models

import "time"

// Card is a micro-article flashcard.
type Card struct {
	ID            int64     `json:"id" db:"id"`
	Slug          string    `json:"slug" db:"slug"`
	Title         string    `json:"title" db:"title"`
	AnswerExpress string    `json:"answer_express" db:"answer_express"`
	Takeaway      string    `json:"takeaway" db:"takeaway"`
	KeyPoints     []string  `json:"key_points" db:"-"`
	KeyPointsJSON string    `json:"-" db:"key_points"`
	CreatedAt     time.Time `json:"-" db:"created_at"`
	UpdatedAt     time.Time `json:"-" db:"updated_at"`
}
