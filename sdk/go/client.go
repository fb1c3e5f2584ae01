package chapterlinesdk

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
)

// Client is a minimal Chapterline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Generation can take a while, so the
// default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  5 * time.Minute,
	}
}

// RunRequest triggers a manual run for the authenticated owner.
type RunRequest struct {
	TemplateID  string `json:"template_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Force       bool   `json:"force,omitempty"`
	PeriodsBack int    `json:"periods_back,omitempty"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
}

// TemplateResult is the outcome of one template within a run.
type TemplateResult struct {
	TemplateID string `json:"template_id"`
	OwnerID    string `json:"owner_id"`
	PeriodKey  string `json:"period_key,omitempty"`
	ChapterID  string `json:"chapter_id,omitempty"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type BatchResult struct {
	Mode      string           `json:"mode"`
	Processed int              `json:"processed"`
	Generated int              `json:"generated"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Results   []TemplateResult `json:"results"`
}

// Chapter represents the API chapter model; JSON documents are left raw.
type Chapter struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	TemplateID   string          `json:"template_id"`
	PeriodKey    string          `json:"period_key"`
	PeriodStart  string          `json:"period_start"`
	PeriodEnd    string          `json:"period_end"`
	PeriodLabel  string          `json:"period_label"`
	Status       string          `json:"status"`
	InputSummary json.RawMessage `json:"input_summary"`
	Metrics      json.RawMessage `json:"metrics"`
	Evidence     json.RawMessage `json:"evidence,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

type ChapterQuery struct {
	TemplateID string
	Status     string
	Limit      int
}

// Template represents the API template model.
type Template struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name"`
	Cadence  string `json:"cadence"`
	Timezone string `json:"timezone"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
	Enabled  bool   `json:"enabled"`
	Filter   any    `json:"filter,omitempty"`
}

type CreateTemplateRequest struct {
	Name     string `json:"name"`
	Cadence  string `json:"cadence"`
	Timezone string `json:"timezone,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Filter   any    `json:"filter,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunManual generates chapters for the caller's templates.
func (c *Client) RunManual(ctx context.Context, req RunRequest) (BatchResult, error) {
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "runs", req, &resp)
	return resp, err
}

// RunScheduled processes every enabled scheduled template; the caller needs the scheduler role.
func (c *Client) RunScheduled(ctx context.Context, limit int) (BatchResult, error) {
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "runs/scheduled", map[string]any{"limit": limit}, &resp)
	return resp, err
}

// ListChapters returns the caller's chapters, newest period first.
func (c *Client) ListChapters(ctx context.Context, q ChapterQuery) ([]Chapter, error) {
	v := url.Values{}
	if q.TemplateID != "" {
		v.Set("template_id", q.TemplateID)
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "chapters"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp struct {
		Items []Chapter `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetChapter(ctx context.Context, id string) (Chapter, error) {
	var resp Chapter
	err := c.do(ctx, http.MethodGet, "chapters/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateTemplate(ctx context.Context, req CreateTemplateRequest) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, "templates", req, &resp)
	return resp, err
}

func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	var resp struct {
		Items []Template `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "templates", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
