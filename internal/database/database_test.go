package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/microlearn/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := Connect(Options{Type: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

func TestConnectRejectsUnknownType(t *testing.T) {
	_, err := Connect(Options{Type: "oracle"})
	assert.Error(t, err)
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, InitializeSchema(db))
}

func TestMergeProgress(t *testing.T) {
	existing := &models.LessonProgress{
		Seen: true, Percent: 40, TimeMs: 5000, ScoreBest: models.Ptr(70), ScoreLast: models.Ptr(70), UpdatedAt: t0,
	}

	t.Run("newer update overwrites flags", func(t *testing.T) {
		got := MergeProgress(existing, models.LessonProgressPatch{
			Completed: models.Ptr(true), Percent: models.Ptr(100), TimeMs: models.Ptr(int64(3000)),
			ScoreBest: models.Ptr(60), ScoreLast: models.Ptr(60), UpdatedAt: at(time.Minute),
		})
		assert.True(t, got.Completed)
		assert.Equal(t, 100, got.Percent)
		assert.Equal(t, int64(5000), got.TimeMs, "time never shrinks")
		assert.Equal(t, 70, *got.ScoreBest, "best score never shrinks")
		assert.Equal(t, 60, *got.ScoreLast)
		assert.Equal(t, t0.Add(time.Minute), got.UpdatedAt)
	})

	t.Run("older update only raises counters", func(t *testing.T) {
		got := MergeProgress(existing, models.LessonProgressPatch{
			Completed: models.Ptr(true), Percent: models.Ptr(100), TimeMs: models.Ptr(int64(9000)),
			ScoreBest: models.Ptr(95), UpdatedAt: at(-time.Minute),
		})
		assert.False(t, got.Completed)
		assert.Equal(t, 40, got.Percent)
		assert.Equal(t, int64(9000), got.TimeMs)
		assert.Equal(t, 95, *got.ScoreBest)
		assert.Equal(t, t0, got.UpdatedAt)
	})

	t.Run("tie keeps stored flags", func(t *testing.T) {
		got := MergeProgress(existing, models.LessonProgressPatch{Seen: models.Ptr(false), UpdatedAt: at(0)})
		assert.True(t, got.Seen)
	})

	t.Run("new record", func(t *testing.T) {
		got := MergeProgress(nil, models.LessonProgressPatch{Completed: models.Ptr(true), UpdatedAt: at(0)})
		assert.True(t, got.Completed)
		assert.Equal(t, 100, got.Percent)
		assert.Nil(t, got.ScoreBest)
	})

	t.Run("existing is not mutated", func(t *testing.T) {
		MergeProgress(existing, models.LessonProgressPatch{ScoreBest: models.Ptr(99), UpdatedAt: at(time.Hour)})
		assert.Equal(t, 70, *existing.ScoreBest)
	})
}

func TestProgressApplyAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewProgressRepository(newTestDB(t))

	rows, err := repo.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)

	row, err := repo.Apply(ctx, 1, 42, models.LessonProgressPatch{
		Seen: models.Ptr(true), TimeMs: models.Ptr(int64(1200)), UpdatedAt: at(0), LastSeenAt: at(0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), row.LessonID)

	_, err = repo.Apply(ctx, 1, 42, models.LessonProgressPatch{Percent: models.Ptr(50), UpdatedAt: at(time.Second)})
	require.NoError(t, err)
	_, err = repo.Apply(ctx, 2, 7, models.LessonProgressPatch{Seen: models.Ptr(true), UpdatedAt: at(0)})
	require.NoError(t, err)

	got, err := repo.Get(ctx, 1, 42)
	require.NoError(t, err)
	assert.True(t, got.Seen)
	assert.Equal(t, 50, got.Percent)
	assert.Equal(t, int64(1200), got.TimeMs)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Second)))
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, got.LastSeenAt.Equal(t0))

	rows, err = repo.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(42), rows[0].LessonID)

	_, err = repo.Get(ctx, 1, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgressApplyValidates(t *testing.T) {
	ctx := context.Background()
	repo := NewProgressRepository(newTestDB(t))

	_, err := repo.Apply(ctx, 1, 42, models.LessonProgressPatch{Seen: models.Ptr(true)})
	assert.ErrorIs(t, err, models.ErrInvalidProgress)

	_, err = repo.Apply(ctx, 1, 0, models.LessonProgressPatch{UpdatedAt: at(0)})
	assert.ErrorIs(t, err, models.ErrInvalidProgress)
}

func TestProgressImport(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewProgressRepository(db)

	_, err := repo.Apply(ctx, 1, 1, models.LessonProgressPatch{TimeMs: models.Ptr(int64(500)), UpdatedAt: at(time.Hour)})
	require.NoError(t, err)

	res, err := repo.Import(ctx, 1, models.ProgressImport{
		DeviceID: "device-a",
		Lessons: map[string]models.LessonProgressPatch{
			"1":   {Seen: models.Ptr(true), TimeMs: models.Ptr(int64(900)), UpdatedAt: at(0)},
			"2":   {Completed: models.Ptr(true), UpdatedAt: at(0)},
			"abc": {UpdatedAt: at(0)},
			"-3":  {UpdatedAt: at(0)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProgressImportResult{Imported: 2, Updated: 1}, res)

	first, err := repo.Get(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, first.Seen, "stale import does not flip flags")
	assert.Equal(t, int64(900), first.TimeMs, "time merges by max")

	second, err := repo.Get(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 100, second.Percent)

	var events []struct {
		DeviceID string `db:"device_id"`
		Type     string `db:"type"`
		Payload  string `db:"payload"`
	}
	require.NoError(t, db.Select(&events, "SELECT device_id, type, payload FROM learning_events"))
	require.Len(t, events, 1)
	assert.Equal(t, "device-a", events[0].DeviceID)
	assert.Equal(t, "progress_import", events[0].Type)
	assert.JSONEq(t, `{"imported":2,"updated":1}`, events[0].Payload)
}

func TestProgressImportRejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	repo := NewProgressRepository(newTestDB(t))

	_, err := repo.Import(ctx, 1, models.ProgressImport{Lessons: map[string]models.LessonProgressPatch{
		"1": {Percent: models.Ptr(120), UpdatedAt: at(0)},
	}})
	assert.ErrorIs(t, err, models.ErrInvalidProgress)

	rows, err := repo.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCardsAndDecks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cards := NewCardRepository(db)
	decks := NewDeckRepository(db)

	card := &models.Card{Slug: "metformin", Title: "Metformin", KeyPoints: []string{"lowers hepatic glucose output"}}
	created, err := cards.Upsert(ctx, card)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, card.ID)

	created, err = cards.Upsert(ctx, &models.Card{Slug: "metformin", Title: "Metformin (updated)"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := cards.GetByID(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, "Metformin (updated)", got.Title)
	assert.Equal(t, []string{}, got.KeyPoints)

	_, err = cards.GetByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	other := &models.Card{Slug: "insulin", Title: "Insulin"}
	_, err = cards.Upsert(ctx, other)
	require.NoError(t, err)

	mine := &models.Deck{UserID: 1, Name: "Diabetes", IsDefault: true}
	require.NoError(t, decks.Create(ctx, mine))
	theirs := &models.Deck{UserID: 2, Name: "Diabetes"}
	require.NoError(t, decks.Create(ctx, theirs))

	require.NoError(t, decks.AddCard(ctx, mine.ID, other.ID))
	require.NoError(t, decks.AddCard(ctx, mine.ID, other.ID))
	require.NoError(t, decks.AddCard(ctx, theirs.ID, card.ID))

	id, ok, err := cards.FirstUnseen(ctx, 1, CardScope{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, other.ID, id)

	_, ok, err = cards.FirstUnseen(ctx, 1, CardScope{DeckIDs: []int64{theirs.ID}})
	require.NoError(t, err)
	assert.False(t, ok, "foreign decks contribute nothing")

	id, ok, err = cards.FirstUnseen(ctx, 1, CardScope{All: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, card.ID, id)

	require.NoError(t, NewSRSRepository(db).Save(ctx, &models.SrsState{UserID: 1, CardID: card.ID, Level: 1, DueAt: t0}))
	id, ok, err = cards.FirstUnseen(ctx, 1, CardScope{All: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, other.ID, id, "reviewed cards are skipped")

	_, ok, err = cards.FirstUnseen(ctx, 2, CardScope{})
	require.NoError(t, err)
	assert.True(t, ok, "user 2 has card in their deck and has not reviewed it")

	found, err := decks.GetByName(ctx, 1, "Diabetes")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, found.ID)
	assert.True(t, found.IsDefault)

	_, err = decks.GetByName(ctx, 1, "Missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := decks.ListByUser(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, theirs.ID, list[0].ID)
}

func TestSRSRepository(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cards := NewCardRepository(db)
	repo := NewSRSRepository(db)

	card := &models.Card{Slug: "a", Title: "A"}
	_, err := cards.Upsert(ctx, card)
	require.NoError(t, err)

	_, err = repo.Get(ctx, 1, card.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	reviewed := t0
	state := &models.SrsState{UserID: 1, CardID: card.ID, Level: 2, DueAt: t0.Add(72 * time.Hour),
		LastReviewedAt: &reviewed, ReviewsCount: 1, LastRating: models.RatingKnow}
	require.NoError(t, repo.Save(ctx, state))

	state.Level = 3
	require.NoError(t, repo.Save(ctx, state))

	got, err := repo.Get(ctx, 1, card.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Level)
	assert.True(t, got.DueAt.Equal(state.DueAt))
	assert.Equal(t, models.RatingKnow, got.LastRating)

	list, err := repo.ListInScope(ctx, 1, CardScope{All: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = repo.ListInScope(ctx, 1, CardScope{})
	require.NoError(t, err)
	assert.Empty(t, list, "card is not in any deck of the user")

	deck := &models.Deck{UserID: 1, Name: "Mixed"}
	require.NoError(t, NewDeckRepository(db).Create(ctx, deck))
	require.NoError(t, NewDeckRepository(db).AddCard(ctx, deck.ID, card.ID))
	list, err = repo.ListInScope(ctx, 1, CardScope{DeckIDs: []int64{deck.ID}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = repo.ListInScope(ctx, 2, CardScope{All: true})
	require.NoError(t, err)
	assert.Empty(t, list)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSRSUpdateCreatesAndSerializes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewSRSRepository(db)
	card := &models.Card{Slug: "b", Title: "B"}
	_, err := NewCardRepository(db).Upsert(ctx, card)
	require.NoError(t, err)

	initial := models.SrsState{UserID: 1, CardID: card.ID, Level: 1, DueAt: t0}
	bump := func(s *models.SrsState) {
		s.ReviewsCount++
		s.Level++
	}

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, initial, bump)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, 1, card.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.ReviewsCount)
	assert.Equal(t, 1+n, got.Level)
	assert.True(t, got.DueAt.Equal(t0))
}
