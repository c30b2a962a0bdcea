package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultLimit is the number of history rows requested per identity.
const DefaultLimit = 500

// Source fetches durable history for one identity.
type Source interface {
	Fetch(ctx context.Context, identity string, limit int) ([]Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, identity string, limit int) ([]Record, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, identity string, limit int) ([]Record, error) {
	return f(ctx, identity, limit)
}

// HTTPSource calls the history service: GET {base}/api/messages/{identity}?limit=N.
type HTTPSource struct {
	client *resty.Client
}

// NewHTTPSource creates a client for the history service at baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &HTTPSource{client: c}
}

// SetRetries sets how many times a failed request is retried.
func (s *HTTPSource) SetRetries(n int) *HTTPSource {
	s.client.SetRetryCount(n)
	return s
}

type recordsEnvelope struct {
	Messages []Record `json:"messages"`
}

// Fetch implements Source. A 404 means the identity has no history yet.
func (s *HTTPSource) Fetch(ctx context.Context, identity string, limit int) ([]Record, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, errors.New("history: identity is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get("/api/messages/" + url.PathEscape(identity))
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode() != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	body := resp.Body()
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}
	var envelope recordsEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return envelope.Messages, nil
}

type fallbackSource struct {
	primary   Source
	secondary Source
}

// WithFallback returns a Source that asks secondary only when primary fails.
func WithFallback(primary, secondary Source) Source {
	if secondary == nil {
		return primary
	}
	return fallbackSource{primary: primary, secondary: secondary}
}

func (f fallbackSource) Fetch(ctx context.Context, identity string, limit int) ([]Record, error) {
	records, err := f.primary.Fetch(ctx, identity, limit)
	if err == nil {
		return records, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	records, ferr := f.secondary.Fetch(ctx, identity, limit)
	if ferr != nil {
		return nil, errors.Join(err, fmt.Errorf("fallback: %w", ferr))
	}
	return records, nil
}
