package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

// TokenSource supplies (and refreshes) a bearer token for an HTTP
// executor. A static token can be wrapped with StaticToken.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error)   { return string(s), nil }
func (s staticToken) Refresh(ctx context.Context) (string, error) { return string(s), nil }

// StaticToken wraps a fixed bearer token as a TokenSource.
func StaticToken(token string) TokenSource { return staticToken(token) }

// HTTPExecutor adapts a remote tool reachable over plain HTTP/REST. Each
// capability maps to one endpoint; a 401/403 response triggers exactly
// one token refresh and retry before the call is treated as a failure.
type HTTPExecutor struct {
	baseURL     string
	client      *http.Client
	tokens      TokenSource
	endpoints   map[string]string // capability -> path
	healthPath  string

	mu          sync.Mutex
	cachedToken string
}

// HTTPExecutorOption configures an HTTPExecutor at construction time.
type HTTPExecutorOption func(*HTTPExecutor)

// WithHTTPClient overrides the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPExecutorOption {
	return func(e *HTTPExecutor) { e.client = c }
}

// WithHealthPath sets the path polled by HealthCheck. Default "/healthz".
func WithHealthPath(path string) HTTPExecutorOption {
	return func(e *HTTPExecutor) { e.healthPath = path }
}

// NewHTTPExecutor builds an adapter that POSTs capability input as JSON
// to baseURL+endpoints[capability] and expects a JSON toolsdk.ExecResult
// shaped body back.
func NewHTTPExecutor(baseURL string, endpoints map[string]string, tokens TokenSource, opts ...HTTPExecutorOption) *HTTPExecutor {
	e := &HTTPExecutor{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		endpoints:  endpoints,
		healthPath: "/healthz",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *HTTPExecutor) Execute(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
	path, ok := e.endpoints[capability]
	if !ok {
		return nil, fmt.Errorf("http executor: no endpoint registered for capability %q", capability)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("http executor: marshal input: %w", err)
	}

	result, err := e.doOnce(ctx, path, body, execCtx, false)
	if authErr, ok := err.(*authRejectedError); ok {
		_ = authErr
		return e.doOnce(ctx, path, body, execCtx, true)
	}
	return result, err
}

// authRejectedError marks a 401/403 response eligible for exactly one
// refresh-and-retry.
type authRejectedError struct{ status int }

func (e *authRejectedError) Error() string {
	return fmt.Sprintf("http executor: auth rejected, status %d", e.status)
}

func (e *HTTPExecutor) doOnce(ctx context.Context, path string, body []byte, execCtx toolsdk.ExecContext, refreshed bool) (any, error) {
	token, err := e.token(ctx, refreshed)
	if err != nil {
		return nil, fmt.Errorf("http executor: token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Trace-Id", execCtx.TraceID)
	req.Header.Set("X-User-Id", execCtx.UserID)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && !refreshed {
		return nil, &authRejectedError{status: resp.StatusCode}
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http executor: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result toolsdk.ExecResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("http executor: decode response: %w", err)
	}
	return result, nil
}

func (e *HTTPExecutor) token(ctx context.Context, forceRefresh bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !forceRefresh && e.cachedToken != "" {
		return e.cachedToken, nil
	}
	var (
		token string
		err   error
	)
	if forceRefresh {
		token, err = e.tokens.Refresh(ctx)
	} else {
		token, err = e.tokens.Token(ctx)
	}
	if err != nil {
		return "", err
	}
	e.cachedToken = token
	return token, nil
}

func (e *HTTPExecutor) HealthCheck(ctx context.Context) (toolsdk.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+e.healthPath, nil)
	if err != nil {
		return toolsdk.Health{}, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return toolsdk.Health{Healthy: false, Component: "http", Message: err.Error()}, nil
	}
	defer resp.Body.Close()
	return toolsdk.Health{Healthy: resp.StatusCode < 300, Component: "http"}, nil
}

func (e *HTTPExecutor) ValidateInput(ctx context.Context, capability string, input map[string]any) []string {
	return nil
}

func (e *HTTPExecutor) GetCapabilities(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(e.endpoints))
	for name := range e.endpoints {
		names = append(names, name)
	}
	return names, nil
}
