// Package styleapi is a thin HTTP client for the remote Style Preference API.
package styleapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"stylebench/internal/domain"
)

const identityHeader = "AI-ID"

// Error is a non-2xx reply from the remote API.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type CreatePreferenceResponse struct {
	PreferenceID string `json:"preference_id"`
	AIID         string `json:"ai_id"`
}

type IterationRequest struct {
	Feedback domain.Feedback `json:"feedback"`
	Style    string          `json:"style,omitempty"`
	ImageKey string          `json:"image_key,omitempty"`
}

type IterationResponse struct {
	ImageURL  *string `json:"image_url"`
	Iteration int     `json:"iteration"`
	Completed bool    `json:"completed"`
	Style     string  `json:"style,omitempty"`
	ImageKey  string  `json:"image_key,omitempty"`
}

type SaveProfileResponse struct {
	Message string `json:"message"`
}

// ProfileResponse keeps top_styles raw; its shape has varied between
// server revisions and is normalised by the caller.
type ProfileResponse struct {
	TopStyles        json.RawMessage          `json:"top_styles"`
	SelectionHistory []domain.SelectionRecord `json:"selection_history"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for baseURL. A zero timeout leaves requests
// bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, "health check", http.MethodGet, "/api", "", nil, &out)
	return out, err
}

func (c *Client) CreatePreference(ctx context.Context, accessID string, gender domain.Gender) (CreatePreferenceResponse, error) {
	body := map[string]string{
		"access_id": accessID,
		"gender":    string(gender),
	}
	var out CreatePreferenceResponse
	err := c.do(ctx, "create preference", http.MethodPost, "/api/preference", "", body, &out)
	return out, err
}

func (c *Client) Iterate(ctx context.Context, identityToken, preferenceID string, iteration int, req IterationRequest) (IterationResponse, error) {
	path := "/api/preference/" + url.PathEscape(preferenceID) + "/iteration/" + strconv.Itoa(iteration)
	var out IterationResponse
	err := c.do(ctx, "advance iteration", http.MethodPost, path, identityToken, req, &out)
	return out, err
}

func (c *Client) SaveProfile(ctx context.Context, identityToken, preferenceID string) (SaveProfileResponse, error) {
	path := "/api/preference/" + url.PathEscape(preferenceID) + "/profile"
	var out SaveProfileResponse
	err := c.do(ctx, "save profile", http.MethodPost, path, identityToken, nil, &out)
	return out, err
}

func (c *Client) GetProfile(ctx context.Context, identityToken, preferenceID string) (ProfileResponse, error) {
	path := "/api/preference/" + url.PathEscape(preferenceID) + "/profile"
	var out ProfileResponse
	err := c.do(ctx, "get profile", http.MethodGet, path, identityToken, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path, identityToken string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identityToken != "" {
		req.Header.Set(identityHeader, identityToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func errorMessage(status int, raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return http.StatusText(status)
}
