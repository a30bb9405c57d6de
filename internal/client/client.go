// Package client is the HTTP transport to the learning API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/microlearn/internal/logger"
	"github.com/example/microlearn/pkg/models"
)

const (
	apiPrefix      = "/api/v1/learning"
	defaultTimeout = 15 * time.Second
)

// ErrOffline is returned without touching the network while the host is offline.
var ErrOffline = errors.New("client is offline")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Client calls the progress and review endpoints. Safe for concurrent use.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	log        *logger.Logger

	mu     sync.RWMutex
	token  string
	online bool
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client that starts online.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		log:        logger.Nop(),
		token:      token,
		online:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOnline records host connectivity.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
}

func (c *Client) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// SetToken replaces the bearer token. An empty token sends no Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// FetchProgress pulls every progress row of the authenticated user.
func (c *Client) FetchProgress(ctx context.Context) ([]models.LessonProgressRow, error) {
	var rows []models.LessonProgressRow
	if err := c.do(ctx, http.MethodGet, "/progress/", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ImportProgress pushes a batch of pending lessons.
func (c *Client) ImportProgress(ctx context.Context, req models.ProgressImportRequest) (models.ProgressImportResult, error) {
	if req.Lessons == nil {
		req.Lessons = map[int64]models.LessonProgress{}
	}
	var res models.ProgressImportResult
	err := c.do(ctx, http.MethodPost, "/progress/import/", req, &res)
	return res, err
}

// PatchProgress merges a single lesson update on the server.
func (c *Client) PatchProgress(ctx context.Context, lessonID int64, patch models.LessonProgressPatch) (*models.LessonProgressRow, error) {
	var row models.LessonProgressRow
	path := "/progress/" + strconv.FormatInt(lessonID, 10) + "/"
	if err := c.do(ctx, http.MethodPatch, path, patch, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// FetchNext asks for the next card to review under q.
func (c *Client) FetchNext(ctx context.Context, q models.NextQuery) (models.NextResponse, error) {
	var resp models.NextResponse
	err := c.do(ctx, http.MethodGet, "/srs/next/?"+encodeQuery(q).Encode(), nil, &resp)
	return resp, err
}

// PostReview rates a card and returns the next one under the request's filter.
func (c *Client) PostReview(ctx context.Context, req models.ReviewRequest) (models.NextResponse, error) {
	var resp models.NextResponse
	err := c.do(ctx, http.MethodPost, "/srs/review/", req, &resp)
	return resp, err
}

func encodeQuery(q models.NextQuery) url.Values {
	v := url.Values{}
	if q.Scope != "" {
		v.Set("scope", string(q.Scope))
	}
	if q.DeckID != nil {
		v.Set("deck_id", strconv.FormatInt(*q.DeckID, 10))
	}
	if len(q.DeckIDs) > 0 {
		parts := make([]string, len(q.DeckIDs))
		for i, id := range q.DeckIDs {
			parts[i] = strconv.FormatInt(id, 10)
		}
		v.Set("deck_ids", strings.Join(parts, ","))
	}
	if q.OnlyDue {
		v.Set("only_due", "1")
	} else {
		v.Set("only_due", "0")
	}
	return v
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.Online() {
		return ErrOffline
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		c.log.Debug("API request failed", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
