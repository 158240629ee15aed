// Package api is the HTTP client for the POS backend.
//
// Every call except login and refresh carries a bearer token from a
// TokenSource. A 401 triggers exactly one TokenSource.Refresh followed by a
// single retry; concurrent rejections share the refresh through the
// session manager.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned when a request is still rejected after
	// a refresh.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, body)
}

// Is reports ErrUnauthorized for 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// IsTransient reports whether err is worth retrying later: network
// failures, timeouts and 5xx/429 responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// TokenSource supplies and refreshes bearer tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://pos.example.com/api
	BaseURL string

	// Timeout bounds each request (default: 30s)
	Timeout time.Duration

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// Client talks to the POS backend.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	logger *log.Logger
}

// New creates a client. SetTokenSource must be called before any
// authenticated call.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host required", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}, nil
}

// SetTokenSource sets the bearer token provider.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// Host returns host:port of the API, used for connectivity probes.
func (c *Client) Host() string {
	if c.base.Port() != "" {
		return c.base.Host
	}
	if c.base.Scheme == "https" {
		return c.base.Host + ":443"
	}
	return c.base.Host + ":80"
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.base.String() + path
}

// do sends a request without authentication and decodes a JSON response
// into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(raw)}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

// authed sends a bearer-authenticated request, refreshing once on 401.
func (c *Client) authed(ctx context.Context, method, path string, body, out interface{}) error {
	if c.tokens == nil {
		return fmt.Errorf("%s %s: no token source", method, path)
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	err = c.do(ctx, method, path, token, body, out)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.logger.Printf("%s %s rejected, refreshing token", method, path)
	fresh, rerr := c.tokens.Refresh(ctx, token)
	if rerr != nil {
		return rerr
	}
	return c.do(ctx, method, path, fresh, body, out)
}
