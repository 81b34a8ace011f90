// Package transport implements the HTTP request pipeline shared by every
// collaborator client: it attaches the current access token, tags requests,
// maps response statuses onto the error taxonomy and funnels traffic through
// a circuit breaker so a failing API is not hammered.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"socialclient/infrastructure/persistence"
	apperrors "socialclient/pkg/errors"
)

// Refresher exchanges the stored refresh token for a new access token.
// Implemented by the session manager; concurrent calls coalesce there.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Response is a settled HTTP response with its body fully read.
type Response struct {
	StatusCode int
	Body       []byte
}

// Pipeline is the shared request pipeline.
type Pipeline struct {
	base    *url.URL
	client  *http.Client
	store   persistence.TokenStore
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu        sync.RWMutex
	refresher Refresher
}

// NewPipeline creates a pipeline rooted at baseURL. The token store is only
// ever read here; writes stay with the session manager.
func NewPipeline(baseURL string, store persistence.TokenStore, logger *zap.Logger) (*Pipeline, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid API base URL: %v", err))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "api",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.8
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Pipeline{
		base:    base,
		client:  &http.Client{},
		store:   store,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// SetRefresher installs the lazy 401 refresh hook. Called once during
// assembly; the pipeline works without it but will not retry on 401.
func (p *Pipeline) SetRefresher(r Refresher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresher = r
}

// Get issues a GET request.
func (p *Pipeline) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return p.Do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST request with an optional JSON body.
func (p *Pipeline) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return p.Do(ctx, http.MethodPost, path, nil, body)
}

// Patch issues a PATCH request with a JSON body.
func (p *Pipeline) Patch(ctx context.Context, path string, body interface{}) (*Response, error) {
	return p.Do(ctx, http.MethodPatch, path, nil, body)
}

// Delete issues a DELETE request.
func (p *Pipeline) Delete(ctx context.Context, path string) (*Response, error) {
	return p.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do performs one request. On a 401 from a non-auth endpoint it refreshes the
// access token (coalesced in the session manager) and retries exactly once.
// Non-2xx responses are returned as typed errors alongside the raw response.
func (p *Pipeline) Do(ctx context.Context, method, path string, query url.Values, body interface{}) (*Response, error) {
	resp, err := p.roundTrip(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !isAuthEndpoint(path) {
		refresher := p.currentRefresher()
		if refresher != nil {
			if _, rerr := refresher.Refresh(ctx); rerr == nil {
				resp, err = p.roundTrip(ctx, method, path, query, body)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if resp.StatusCode >= 400 {
		return resp, p.mapStatus(resp, method, path)
	}
	return resp, nil
}

// DecodeJSON unmarshals a response body.
func DecodeJSON(resp *Response, v interface{}) error {
	if resp == nil || len(resp.Body) == 0 {
		return apperrors.NewInternalError("empty response body")
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return apperrors.Wrap(err, "failed to decode response")
	}
	return nil
}

func (p *Pipeline) currentRefresher() Refresher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refresher
}

func (p *Pipeline) roundTrip(ctx context.Context, method, path string, query url.Values, body interface{}) (*Response, error) {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.New().String())

	// Attach the current access token unless the caller set one already.
	if req.Header.Get("Authorization") == "" {
		if token, terr := p.store.AccessToken(); terr == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		resp, derr := p.client.Do(req)
		if derr != nil {
			return nil, derr
		}
		defer resp.Body.Close()

		data, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return nil, rerr
		}

		out := &Response{StatusCode: resp.StatusCode, Body: data}
		// Only server-side failures count against the breaker.
		if resp.StatusCode >= 500 {
			return out, fmt.Errorf("server error: %d", resp.StatusCode)
		}
		return out, nil
	})

	if err != nil {
		if resp, ok := result.(*Response); ok {
			// 5xx: the breaker counted it, the caller still gets a
			// typed error with the response attached.
			return resp, nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperrors.NewNetworkError("service unavailable", err)
		}
		return nil, apperrors.NewNetworkError("request failed", err)
	}

	return result.(*Response), nil
}

// mapStatus converts a non-2xx response into the error taxonomy. The server's
// detail message is propagated verbatim when present.
func (p *Pipeline) mapStatus(resp *Response, method, path string) error {
	detail := extractDetail(resp.Body)

	var err *apperrors.AppError
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		err = apperrors.NewAuthError(detail)
	case resp.StatusCode == http.StatusForbidden:
		err = apperrors.NewPermissionError(detail)
	case resp.StatusCode == http.StatusNotFound:
		err = apperrors.NewNotFoundError(resourceFromPath(path))
	case resp.StatusCode == http.StatusBadRequest && isAuthEndpoint(path):
		// Credential and refresh-token rejections arrive as 400 from
		// the auth collaborator.
		err = apperrors.NewAuthError(detail)
	case resp.StatusCode == http.StatusBadRequest:
		if detail == "" {
			detail = "invalid request"
		}
		err = apperrors.NewValidationError(detail)
	case resp.StatusCode >= 500:
		if detail == "" {
			detail = "server error"
		}
		err = apperrors.NewNetworkError(detail, nil)
	default:
		if detail == "" {
			detail = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		err = apperrors.NewInternalError(detail)
	}

	p.logger.Debug("Request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return err.WithStatus(resp.StatusCode)
}

func isAuthEndpoint(path string) bool {
	return strings.HasPrefix(path, "/auth/login") ||
		strings.HasPrefix(path, "/auth/logout") ||
		strings.HasPrefix(path, "/auth/token/refresh")
}

// extractDetail pulls the human-readable message out of an error payload.
func extractDetail(body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Detail != "":
		return payload.Detail
	case payload.Message != "":
		return payload.Message
	default:
		return payload.Error
	}
}

// resourceFromPath names the entity for not-found errors, e.g.
// /posts/7/comments -> "post", /comments/12 -> "comment".
func resourceFromPath(path string) string {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		return "resource"
	}
	return strings.TrimSuffix(parts[0], "s")
}
