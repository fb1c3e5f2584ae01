package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// Generator returns the raw model text for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// RateLimitWaits and ServerErrorWaits are indexed by attempt.
	RateLimitWaits   []time.Duration
	ServerErrorWaits []time.Duration
}

type OpenAIGenerator struct {
	client           openai.Client
	timeout          time.Duration
	maxRetries       int
	rateLimitWaits   []time.Duration
	serverErrorWaits []time.Duration
}

func NewOpenAIGenerator(opts OpenAIOptions) *OpenAIGenerator {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	g := &OpenAIGenerator{
		client:           openai.NewClient(clientOpts...),
		timeout:          opts.Timeout,
		maxRetries:       opts.MaxRetries,
		rateLimitWaits:   opts.RateLimitWaits,
		serverErrorWaits: opts.ServerErrorWaits,
	}
	if g.timeout <= 0 {
		g.timeout = 90 * time.Second
	}
	if g.maxRetries <= 0 {
		g.maxRetries = 3
	}
	if len(g.rateLimitWaits) == 0 {
		g.rateLimitWaits = []time.Duration{20 * time.Second, 45 * time.Second, 90 * time.Second}
	}
	if len(g.serverErrorWaits) == 0 {
		g.serverErrorWaits = []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second}
	}
	return g
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		return "", errors.New("openai generator: model is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := responses.ResponseNewParams{
		Model:           req.Model,
		MaxOutputTokens: openai.Int(req.Profile.MaxOutputTokens),
		Temperature:     openai.Float(req.Profile.Temperature),
		Instructions:    openai.String(req.Instructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Input, responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:        SchemaName,
					Schema:      OutputSchema(),
					Strict:      openai.Bool(true),
					Description: openai.String("Grounded chapter JSON"),
					Type:        "json_schema",
				},
			},
		},
	}
	resp, err := g.callWithRetry(ctx, params)
	if err != nil {
		return "", err
	}
	if string(resp.Status) == "incomplete" {
		return "", fmt.Errorf("openai response incomplete: %v", resp.IncompleteDetails.Reason)
	}
	text := resp.OutputText()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("openai response had no output text")
	}
	return text, nil
}

func (g *OpenAIGenerator) callWithRetry(ctx context.Context, params responses.ResponseNewParams) (*responses.Response, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		resp, err := g.client.Responses.New(ctx, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var waits []time.Duration
		switch {
		case isRateLimitError(err):
			waits = g.rateLimitWaits
		case isServerError(err):
			waits = g.serverErrorWaits
		default:
			return nil, err
		}
		if attempt == g.maxRetries-1 {
			break
		}
		if err := sleep(ctx, waits[min(attempt, len(waits)-1)]); err != nil {
			return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", g.maxRetries, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusOf(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func isRateLimitError(err error) bool {
	if statusOf(err) == http.StatusTooManyRequests {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests")
}

func isServerError(err error) bool {
	if code := statusOf(err); code >= 500 {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "internal server error") || strings.Contains(s, "server_error")
}

// DecodeModelJSON unmarshals model output, tolerating text around the top-level object.
func DecodeModelJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}
