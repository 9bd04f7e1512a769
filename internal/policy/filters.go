package policy

import (
	"encoding/json"
	"fmt"
)

const (
	RedactedValue   = "[REDACTED]"
	TruncatedMarker = "...[truncated]"
)

// AppliedFilters: что фильтры ответа сделали с данными.
type AppliedFilters struct {
	Redacted        []string `json:"redacted,omitempty"`
	Truncated       []string `json:"truncated,omitempty"`
	BlockedPatterns []string `json:"blockedPatterns,omitempty"`
}

func (a AppliedFilters) Empty() bool {
	return len(a.Redacted) == 0 && len(a.Truncated) == 0 && len(a.BlockedPatterns) == 0
}

// blockedBy ищет blockPatterns в сериализованном ответе до редактирования.
func (c *compiled) blockedBy(raw []byte) []string {
	var hits []string
	for _, re := range c.blockPatterns {
		if re.Match(raw) {
			hits = append(hits, re.String())
		}
	}
	return hits
}

// filterResponse работает с копией ответа, исходные данные адаптера не меняются.
func (c *compiled) filterResponse(raw []byte) (any, AppliedFilters, error) {
	var applied AppliedFilters
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, applied, fmt.Errorf("policy: decode response copy: %w", err)
	}
	if len(c.redact) == 0 && len(c.truncate) == 0 {
		return data, applied, nil
	}
	data = c.applyFields(data, &applied)
	applied.Redacted = dedupe(applied.Redacted)
	applied.Truncated = dedupe(applied.Truncated)
	return data, applied, nil
}

func (c *compiled) applyFields(v any, applied *AppliedFilters) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, ok := c.redact[k]; ok {
				t[k] = RedactedValue
				applied.Redacted = append(applied.Redacted, k)
				continue
			}
			if limit, ok := c.truncate[k]; ok {
				if s, isStr := child.(string); isStr {
					if cut, done := truncate(s, limit); done {
						t[k] = cut
						applied.Truncated = append(applied.Truncated, k)
						continue
					}
				}
			}
			t[k] = c.applyFields(child, applied)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = c.applyFields(child, applied)
		}
		return t
	}
	return v
}

// truncate режет по рунам, чтобы не ломать UTF-8.
func truncate(s string, limit int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit]) + TruncatedMarker, true
}
