package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/upload"
)

// TokenResponse is returned by login and reissue.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiredAt    string `json:"expired_at"`
}

// Token converts the response; ExpiredAt is RFC3339 and kept at second granularity.
func (r TokenResponse) Token() (model.Token, error) {
	t := model.Token{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	if r.ExpiredAt != "" {
		exp, err := time.Parse(time.RFC3339, r.ExpiredAt)
		if err != nil {
			return model.Token{}, fmt.Errorf("api: bad expired_at %q: %w", r.ExpiredAt, err)
		}
		t.RefreshExpiresAt = time.Unix(exp.Unix(), 0)
	}
	return t, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, cred model.Credentials) (model.Token, error) {
	var resp TokenResponse
	if err := c.doOnce(ctx, "Login", c.jsonRequest(http.MethodPost, "/auth/login", cred), false, &resp); err != nil {
		return model.Token{}, err
	}
	return resp.Token()
}

// Reissue trades a refresh token for a new pair. The refresh token is the bearer.
func (c *Client) Reissue(ctx context.Context, refreshToken string) (model.Token, error) {
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := c.jsonRequest(http.MethodPut, "/auth/reissue", nil)(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+refreshToken)
		return req, nil
	}
	var resp TokenResponse
	if err := c.doOnce(ctx, "Reissue", build, false, &resp); err != nil {
		return model.Token{}, err
	}
	return resp.Token()
}

// Questions returns the FAQ list.
func (c *Client) Questions(ctx context.Context) ([]model.Question, error) {
	var out []model.Question
	if err := c.doAuthorized(ctx, "Questions", c.jsonRequest(http.MethodGet, "/question", nil), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostReview submits a review of the last counsellor.
func (c *Client) PostReview(ctx context.Context, r model.Review) error {
	return c.doAuthorized(ctx, "PostReview", c.jsonRequest(http.MethodPost, "/review", r), nil)
}

// ReviewState reports which counsellor, if any, still awaits a review.
func (c *Client) ReviewState(ctx context.Context) (model.ReviewState, error) {
	var out model.ReviewState
	err := c.doAuthorized(ctx, "ReviewState", c.jsonRequest(http.MethodGet, "/review", nil), &out)
	return out, err
}

// Record returns the transcript of a finished room.
func (c *Client) Record(ctx context.Context, id string) (model.RecordDetail, error) {
	var out model.RecordDetail
	err := c.doAuthorized(ctx, "Record", c.jsonRequest(http.MethodGet, "/record/"+url.PathEscape(id), nil), &out)
	return out, err
}

type fileResponse struct {
	File string `json:"file"`
}

// Upload streams f as multipart field "file" and returns the remote URL.
func (c *Client) Upload(ctx context.Context, f upload.FileRef) (string, error) {
	if f.Open == nil {
		return "", fmt.Errorf("api.Upload: %s has no content", f.Name)
	}
	build := func(ctx context.Context) (*http.Request, error) {
		src, err := f.Open()
		if err != nil {
			return nil, err
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer src.Close()
			part, err := mw.CreateFormFile("file", f.Name)
			if err == nil {
				_, err = io.Copy(part, src)
			}
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/file", pr)
		if err != nil {
			pr.Close()
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}
	var out fileResponse
	if err := c.doAuthorized(ctx, "Upload", build, &out); err != nil {
		return "", err
	}
	if out.File == "" {
		return "", fmt.Errorf("api.Upload: empty file url")
	}
	return out.File, nil
}
