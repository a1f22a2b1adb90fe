// Package api is the HTTP client for the counseling backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mitalk/internal/logger"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Code)
	}
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Message)
}

// IsUnauthorized reports whether err is a 401 StatusError.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

// TokenSource supplies the access token for authorised calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Refresher renews the access token after a 401.
type Refresher interface {
	TokenRefresh(ctx context.Context) error
}

// Client calls the backend. Authorised calls carry "Authorization: Bearer <access>"
// and are retried once after a refresh when the server answers 401.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    TokenSource
	refresher Refresher
}

// New returns a client for baseURL; hc may be nil.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: hc}
}

// SetAuth wires the token source and refresher; both may be the auth manager.
func (c *Client) SetAuth(ts TokenSource, r Refresher) {
	c.tokens = ts
	c.refresher = r
}

// BaseURL returns the server root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// requestFunc builds a fresh request; it is called again for the retry.
type requestFunc func(ctx context.Context) (*http.Request, error)

func (c *Client) jsonRequest(method, path string, body any) requestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		var rd io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			rd = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// doAuthorized sends the request with the access token, refreshing once on 401.
func (c *Client) doAuthorized(ctx context.Context, op string, build requestFunc, out any) error {
	err := c.doOnce(ctx, op, build, true, out)
	if err == nil || !IsUnauthorized(err) || c.refresher == nil {
		return err
	}
	logger.Debugf("api %s: 401, refreshing token", op)
	if rerr := c.refresher.TokenRefresh(ctx); rerr != nil {
		return fmt.Errorf("api.%s: refresh: %w", op, rerr)
	}
	return c.doOnce(ctx, op, build, true, out)
}

func (c *Client) doOnce(ctx context.Context, op string, build requestFunc, authorized bool, out any) error {
	defer logger.DeferLogDuration("api."+op, time.Now())()
	req, err := build(ctx)
	if err != nil {
		return fmt.Errorf("api.%s: build request: %w", op, err)
	}
	if authorized && c.tokens != nil {
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("api.%s: access token: %w", op, err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api.%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("api.%s: %w", op, readStatusError(resp))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api.%s: decode: %w", op, err)
	}
	return nil
}

func readStatusError(resp *http.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		se.Message = body.Error
		if se.Message == "" {
			se.Message = body.Message
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}
