package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// MockConnector имитирует инструменты serpapi, llm и email для стендов без реальных ключей.
type MockConnector struct {
	MinLatency time.Duration
	MaxLatency time.Duration
}

func (c *MockConnector) Call(ctx context.Context, tool, action string, params map[string]any) (any, error) {
	if span := c.MaxLatency - c.MinLatency; span > 0 {
		latency := c.MinLatency + time.Duration(rand.Int64N(int64(span)))
		select {
		case <-time.After(latency):
			// Имитация работы
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch tool + ":" + action {
	case "serpapi:search":
		q, _ := params["q"].(string)
		return map[string]any{
			"query": q,
			"results": []any{
				map[string]any{"title": "Result for " + q, "link": "https://example.com/1", "snippet": "First organic result"},
				map[string]any{"title": "Another result", "link": "https://example.com/2", "snippet": "Second organic result"},
			},
		}, nil
	case "llm:complete":
		prompt, _ := params["prompt"].(string)
		return map[string]any{"completion": "echo: " + prompt, "tokens": len(prompt) / 4}, nil
	case "email:send":
		to, _ := params["to"].(string)
		return map[string]any{"status": "queued", "to": to, "message_id": fmt.Sprintf("msg-%d", rand.Int64())}, nil
	case "unstable:call":
		return nil, &UpstreamError{Tool: tool, Status: http.StatusServiceUnavailable, Message: "service internal error"}
	}
	return nil, &UpstreamError{Tool: tool, Status: http.StatusNotFound, Message: fmt.Sprintf("%s:%s not supported by mock connector", tool, action)}
}
