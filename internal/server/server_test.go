package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/microlearn/internal/clock"
	"github.com/example/microlearn/internal/database"
	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/internal/review"
	"github.com/example/microlearn/pkg/models"
)

const testSecret = "test-secret"

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	cards   []*models.Card
	deck    *models.Deck
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := database.Connect(database.Options{Type: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cardRepo := database.NewCardRepository(db)
	deckRepo := database.NewDeckRepository(db)
	ts := &testServer{deck: &models.Deck{UserID: 1, Name: "Cardiology"}}
	require.NoError(t, deckRepo.Create(ctx, ts.deck))
	for _, slug := range []string{"afib", "heart-failure"} {
		card := &models.Card{Slug: slug, Title: slug, KeyPoints: []string{"one", "two"}}
		_, err := cardRepo.Upsert(ctx, card)
		require.NoError(t, err)
		require.NoError(t, deckRepo.AddCard(ctx, ts.deck.ID, card.ID))
		ts.cards = append(ts.cards, card)
	}

	svc := review.NewService(cardRepo, database.NewSRSRepository(db), clock.NewFake(t0), logger.Nop())
	h := NewHandler(database.NewProgressRepository(db), svc, logger.Nop())
	ts.handler = NewRouter(h, NewJWTAuth(testSecret), logger.Nop())
	return ts
}

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T, userID interface{}) string {
	return signToken(t, jwt.MapClaims{"user_id": userID, "exp": time.Now().Add(time.Hour).Unix()}, testSecret)
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", "UNAUTHORIZED"},
		{"wrong secret", signToken(t, jwt.MapClaims{"user_id": 1}, "other"), "UNAUTHORIZED"},
		{"expired", signToken(t, jwt.MapClaims{"user_id": 1, "exp": time.Now().Add(-time.Hour).Unix()}, testSecret), "TOKEN_EXPIRED"},
		{"no user", signToken(t, jwt.MapClaims{"sub": "x"}, testSecret), "UNAUTHORIZED"},
		{"negative user", userToken(t, -4), "UNAUTHORIZED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/api/v1/learning/progress/", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error.Code)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/learning/progress/", userToken(t, "1"), nil)
	assert.Equal(t, http.StatusOK, rec.Code, "numeric string user id is accepted")
}

func TestProgressEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := userToken(t, 1)

	rec := ts.do(t, http.MethodGet, "/api/v1/learning/progress/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/learning/progress/import/", token, map[string]interface{}{
		"device_id": "dev-1",
		"lessons": map[string]interface{}{
			"42":  map[string]interface{}{"seen": true, "percent": 40, "time_ms": 1000, "updated_at": t0},
			"abc": map[string]interface{}{"seen": true, "updated_at": t0},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.ProgressImportResult{Imported: 1, Updated: 1}, decode[models.ProgressImportResult](t, rec))

	rec = ts.do(t, http.MethodPatch, "/api/v1/learning/progress/42/", token, map[string]interface{}{
		"completed": true, "percent": 100, "updated_at": t0.Add(time.Minute),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	row := decode[models.LessonProgressRow](t, rec)
	assert.Equal(t, int64(42), row.LessonID)
	assert.True(t, row.Completed)
	assert.True(t, row.Seen)
	assert.Equal(t, int64(1000), row.TimeMs)

	rows := decode[[]models.LessonProgressRow](t, ts.do(t, http.MethodGet, "/api/v1/learning/progress", token, nil))
	require.Len(t, rows, 1)
	assert.Equal(t, 100, rows[0].Percent)

	other := decode[[]models.LessonProgressRow](t, ts.do(t, http.MethodGet, "/api/v1/learning/progress/", userToken(t, 2), nil))
	assert.Empty(t, other, "progress is per user")
}

func TestProgressValidation(t *testing.T) {
	ts := newTestServer(t)
	token := userToken(t, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"missing lessons", http.MethodPost, "/api/v1/learning/progress/import/", map[string]interface{}{"device_id": "d"}},
		{"bad percent", http.MethodPost, "/api/v1/learning/progress/import/", map[string]interface{}{
			"lessons": map[string]interface{}{"1": map[string]interface{}{"percent": 140, "updated_at": t0}},
		}},
		{"bad lesson id", http.MethodPatch, "/api/v1/learning/progress/abc/", map[string]interface{}{"updated_at": t0}},
		{"missing updated_at", http.MethodPatch, "/api/v1/learning/progress/3/", map[string]interface{}{"seen": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, rec).Error.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/learning/progress/import/", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewFlow(t *testing.T) {
	ts := newTestServer(t)
	token := userToken(t, 1)
	deckQuery := "/api/v1/learning/srs/next/?scope=deck&deck_id=" + jsonNumber(ts.deck.ID)

	next := decode[models.NextResponse](t, ts.do(t, http.MethodGet, deckQuery, token, nil))
	require.NotNil(t, next.Card)
	assert.Equal(t, ts.cards[0].ID, next.Card.ID)
	assert.Equal(t, []string{"one", "two"}, next.Card.KeyPoints)
	assert.Equal(t, 1, next.Srs.Level)

	rec := ts.do(t, http.MethodPost, "/api/v1/learning/srs/review/", token, map[string]interface{}{
		"card_id": ts.cards[0].ID, "rating": "know", "scope": "deck", "deck_id": ts.deck.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[models.NextResponse](t, rec)
	require.NotNil(t, resp.Card)
	assert.Equal(t, ts.cards[1].ID, resp.Card.ID)
	require.NotNil(t, resp.Reviewed)
	assert.Equal(t, 2, resp.Reviewed.Level)

	ts.do(t, http.MethodPost, "/api/v1/learning/srs/review/", token, map[string]interface{}{
		"card_id": ts.cards[1].ID, "rating": "again", "scope": "deck", "deck_id": ts.deck.ID,
	})
	rec = ts.do(t, http.MethodGet, deckQuery, token, nil)
	assert.JSONEq(t, `{"card":null,"srs":null}`, rec.Body.String())

	fallback := decode[models.NextResponse](t, ts.do(t, http.MethodGet, deckQuery+"&only_due=no", token, nil))
	require.NotNil(t, fallback.Card)
	assert.Equal(t, ts.cards[1].ID, fallback.Card.ID, "earliest due wins when only_due is off")
}

func TestReviewErrors(t *testing.T) {
	ts := newTestServer(t)
	token := userToken(t, 1)

	rec := ts.do(t, http.MethodPost, "/api/v1/learning/srs/review/", token, map[string]interface{}{"card_id": 999, "rating": "know"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, rec).Error.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/learning/srs/review/", token, map[string]interface{}{"card_id": ts.cards[0].ID, "rating": "meh"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/learning/srs/review/", token, map[string]interface{}{"rating": "know"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/learning/srs/next/?scope=deck", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/learning/srs/next/?scope=galaxy", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryParsing(t *testing.T) {
	assert.True(t, parseBool("", true))
	assert.True(t, parseBool("garbage", true))
	assert.False(t, parseBool("0", true))
	assert.False(t, parseBool("False", true))
	assert.True(t, parseBool("on", false))

	assert.Nil(t, parseInt("x"))
	assert.Equal(t, int64(7), *parseInt("7"))
	assert.Equal(t, []int64{1, 3}, parseIntList("1, x,3"))
	assert.Nil(t, parseIntList(""))
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
