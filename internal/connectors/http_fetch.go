package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxBody = 1 << 20
	maxRedirects   = 5
)

// HTTPFetchAdapter: инструмент http_fetch: action get|post|put|delete, params {url, headers, body}.
// Исходный URL проверяет движок политик до вызова, каждый редирект: HostGuard из контекста.
type HTTPFetchAdapter struct {
	client  *http.Client
	maxBody int64
}

func NewHTTPFetchAdapter(client *http.Client, maxBody int64) *HTTPFetchAdapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	c := *client
	c.CheckRedirect = checkRedirect
	return &HTTPFetchAdapter{client: &c, maxBody: maxBody}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if guard := hostGuardFrom(req.Context()); guard != nil {
		if err := guard(req.URL.Hostname()); err != nil {
			return fmt.Errorf("redirect to %s: %w", req.URL.Host, err)
		}
	}
	return nil
}

func (a *HTTPFetchAdapter) Call(ctx context.Context, tool, action string, params map[string]any) (any, error) {
	target, _ := params["url"].(string)
	if target == "" {
		return nil, &UpstreamError{Tool: tool, Status: http.StatusBadRequest, Message: "params.url is required"}
	}
	method := strings.ToUpper(action)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, &UpstreamError{Tool: tool, Status: http.StatusBadRequest, Message: "unsupported action " + action}
	}

	var body io.Reader
	if b, ok := params["body"]; ok && b != nil {
		switch v := b.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("connectors: encode body: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &UpstreamError{Tool: tool, Status: http.StatusBadRequest, Message: err.Error()}
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connectors: %s %s: %w", method, req.URL.Host, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody))
	if err != nil {
		return nil, fmt.Errorf("connectors: read body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ThrottleError{
			Tool:       tool,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{Tool: tool, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	out := map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
	}
	var decoded any
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && json.Unmarshal(raw, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(raw)
	}
	return out, nil
}

// parseRetryAfter понимает только секунды; дата в заголовке встречается редко.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
