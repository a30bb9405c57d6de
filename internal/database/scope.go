package database

// CardScope narrows card queries to part of the catalog. All covers every
// card; otherwise cards must sit in one of the user's decks, restricted to
// DeckIDs when that is non-empty.
type CardScope struct {
	All     bool
	DeckIDs []int64
}

// scopeFilter returns an AND clause (with ? placeholders, for sqlx.In) that
// keeps rows whose column is a card inside scope.
func scopeFilter(column string, userID int64, scope CardScope) (string, []any) {
	if scope.All {
		return "", nil
	}
	clause := ` AND ` + column + ` IN (
		SELECT dc.card_id FROM deck_cards dc
		JOIN decks d ON d.id = dc.deck_id
		WHERE d.user_id = ?`
	args := []any{userID}
	if len(scope.DeckIDs) > 0 {
		clause += " AND d.id IN (?)"
		args = append(args, scope.DeckIDs)
	}
	return clause + ")", args
}
