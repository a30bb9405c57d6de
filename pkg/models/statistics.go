package models

// ReviewStats summarizes one user's spaced-repetition backlog.
type ReviewStats struct {
	UserID   int64 `json:"user_id" db:"user_id"`
	Tracked  int   `json:"tracked" db:"tracked"`
	Due      int   `json:"due" db:"due"`
	Mastered int   `json:"mastered" db:"mastered"`
}
