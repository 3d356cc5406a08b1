// Package search looks up a predicted label on the Google Custom Search API.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/image-classifier/internal/errdefs"
)

// DefaultBaseURL is the Custom Search JSON API endpoint.
const DefaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// Result is one search hit.
type Result struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Snippet     string `json:"snippet"`
	DisplayLink string `json:"displayLink"`
}

type response struct {
	Items []Result `json:"items"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Key     string
	CX      string
	Timeout time.Duration
	Retries int
}

// Client queries the search API. A Client without credentials is disabled
// and returns no results.
type Client struct {
	http    *resty.Client
	key     string
	cx      string
	logger  *zap.Logger
	enabled bool
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100*time.Millisecond).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
		})

	return &Client{
		http:    rc,
		key:     cfg.Key,
		cx:      cfg.CX,
		logger:  logger.Named("search"),
		enabled: cfg.Key != "" && cfg.CX != "",
	}
}

// Enabled reports whether the client has credentials.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Search returns the hits for term.
func (c *Client) Search(ctx context.Context, term string) ([]Result, error) {
	if !c.enabled || term == "" {
		return nil, nil
	}

	var out response
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key": c.key,
			"cx":  c.cx,
			"q":   term,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Get("")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrSearch, err)
	}
	if resp.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("%w: status %d: %s", errdefs.ErrSearch, resp.StatusCode(), msg)
	}

	c.logger.Debug("search completed", zap.String("term", term), zap.Int("results", len(out.Items)))
	return out.Items, nil
}
