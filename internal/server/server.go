// Package server exposes lesson progress sync and card review over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/internal/review"
	"github.com/example/microlearn/pkg/models"
)

const maxBodyBytes = 1 << 20

// ProgressStore is the server of record for lesson progress.
type ProgressStore interface {
	List(ctx context.Context, userID int64) ([]models.LessonProgressRow, error)
	Apply(ctx context.Context, userID, lessonID int64, patch models.LessonProgressPatch) (*models.LessonProgressRow, error)
	Import(ctx context.Context, userID int64, req models.ProgressImport) (models.ProgressImportResult, error)
}

// Reviewer serves the next-card / review protocol.
type Reviewer interface {
	Next(ctx context.Context, userID int64, q models.NextQuery) (models.NextResponse, error)
	Review(ctx context.Context, userID int64, req models.ReviewRequest) (models.NextResponse, error)
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Handler holds the learning API endpoints.
type Handler struct {
	progress ProgressStore
	review   Reviewer
	log      *logger.Logger
}

func NewHandler(progress ProgressStore, reviewer Reviewer, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{progress: progress, review: reviewer, log: log}
}

// NewRouter wires middleware and routes. Trailing slashes are optional.
func NewRouter(h *Handler, auth *JWTAuth, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.StripSlashes)
	r.Use(RequestID)
	r.Use(RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/learning", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/progress", h.ListProgress)
		r.Post("/progress/import", h.ImportProgress)
		r.Patch("/progress/{lessonID}", h.PatchProgress)

		r.Get("/srs/next", h.Next)
		r.Post("/srs/review", h.Review)
	})

	return r
}

// ListProgress returns every progress row of the caller
func (h *Handler) ListProgress(w http.ResponseWriter, r *http.Request) {
	rows, err := h.progress.List(r.Context(), GetUserID(r.Context()))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// ImportProgress merges a device's pending lessons
func (h *Handler) ImportProgress(w http.ResponseWriter, r *http.Request) {
	var req models.ProgressImport
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Lessons == nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "lessons is required", r))
		return
	}

	userID := GetUserID(r.Context())
	res, err := h.progress.Import(r.Context(), userID, req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.log.Debug("Progress imported", "user_id", userID, "device_id", req.DeviceID, "imported", res.Imported, "updated", res.Updated)
	writeJSON(w, http.StatusOK, res)
}

// PatchProgress merges a single lesson update
func (h *Handler) PatchProgress(w http.ResponseWriter, r *http.Request) {
	lessonID, err := strconv.ParseInt(chi.URLParam(r, "lessonID"), 10, 64)
	if err != nil || lessonID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid lesson id", r))
		return
	}

	var patch models.LessonProgressPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	row, err := h.progress.Apply(r.Context(), GetUserID(r.Context()), lessonID, patch)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Next returns the next card to review for the filter in the query string
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.NextQuery{
		Scope:   models.Scope(q.Get("scope")),
		DeckID:  parseInt(q.Get("deck_id")),
		DeckIDs: parseIntList(q.Get("deck_ids")),
		OnlyDue: parseBool(q.Get("only_due"), true),
	}
	if query.Scope == "" {
		query.Scope = models.ScopeAllDecks
	}

	resp, err := h.review.Next(r.Context(), GetUserID(r.Context()), query)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Review records a rating and returns the next card under the same filter
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	var req models.ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CardID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "card_id is required", r))
		return
	}
	if req.Scope == "" {
		req.Scope = models.ScopeAllDecks
	}

	resp, err := h.review.Review(r.Context(), GetUserID(r.Context()), req)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Shared helpers

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) ErrorResponse {
	return ErrorResponse{
		Error: APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidProgress),
		errors.Is(err, review.ErrInvalidScope),
		errors.Is(err, review.ErrDeckRequired),
		errors.Is(err, review.ErrInvalidRating):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
	case errors.Is(err, review.ErrCardNotFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Card not found", r))
	default:
		h.log.Error("Request failed", "path", r.URL.Path, "error", err, "request_id", r.Header.Get("X-Request-ID"))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Internal server error", r))
	}
}

func parseInt(value string) *int64 {
	if value == "" {
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parseIntList(value string) []int64 {
	var out []int64
	for _, part := range strings.Split(value, ",") {
		if n := parseInt(strings.TrimSpace(part)); n != nil {
			out = append(out, *n)
		}
	}
	return out
}

func parseBool(value string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
