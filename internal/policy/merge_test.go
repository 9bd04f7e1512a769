package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentgw/internal/domain"
)

var t0 = time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)

func TestMergeIntersectsScopes(t *testing.T) {
	role := rolePolicy("p-role", "researcher", domain.PolicySpec{
		Scopes: []string{"serpapi:search"},
	}, t0)
	agent := agentPolicy("p-agent", "agent-1", domain.PolicySpec{
		Scopes: []string{"serpapi:search", "http_fetch:get"},
	}, t0.Add(-time.Hour))

	m, err := Merge([]domain.Policy{agent, role})
	require.NoError(t, err)
	assert.Equal(t, []string{"serpapi:search"}, m.Spec.Scopes)
	// Персональная политика всегда последняя, даже если создана раньше
	assert.Equal(t, []string{"p-role", "p-agent"}, m.SourcePolicies)
	assert.Equal(t, "p-agent", m.LastPolicyID())
}

func TestMergeNarrowsGuards(t *testing.T) {
	a := rolePolicy("a", "r", domain.PolicySpec{
		Scopes: []string{"http_fetch:get"},
		Guards: domain.Guards{
			MaxRequestSize: 4096,
			AllowedDomains: []string{"example.com", "docs.io"},
			BlockedDomains: []string{"evil.com"},
			PIIFilters:     []string{"email"},
		},
		Quotas: []domain.Quota{{Action: "get", Limit: 100, Window: domain.WindowDay}},
		ResponseFilters: domain.ResponseFilters{
			RedactFields:   []string{"password"},
			TruncateFields: []domain.TruncateRule{{Field: "body", MaxLength: 200}},
		},
	}, t0)
	b := agentPolicy("b", "agent-1", domain.PolicySpec{
		Scopes: []string{"http_fetch:get"},
		Guards: domain.Guards{
			MaxRequestSize: 8192,
			AllowedDomains: []string{"example.com"},
			PIIFilters:     []string{"ssn"},
		},
		Quotas: []domain.Quota{{Action: "get", Limit: 10, Window: domain.WindowHour}},
		ResponseFilters: domain.ResponseFilters{
			RedactFields:   []string{"token"},
			TruncateFields: []domain.TruncateRule{{Field: "body", MaxLength: 50}},
		},
	}, t0)

	m, err := Merge([]domain.Policy{a, b})
	require.NoError(t, err)
	assert.EqualValues(t, 4096, m.Spec.MaxRequestSize)
	assert.True(t, m.Spec.DomainsRestricted)
	assert.Equal(t, []string{"example.com"}, m.Spec.AllowedDomains)
	assert.Equal(t, []string{"evil.com"}, m.Spec.BlockedDomains)
	assert.Equal(t, []string{"email", "ssn"}, m.Spec.PIIFilters)
	require.Len(t, m.Spec.Quotas, 2)
	assert.Equal(t, "a", m.Spec.Quotas[0].PolicyID)
	assert.Equal(t, "b", m.Spec.Quotas[1].PolicyID)
	assert.Equal(t, []string{"password", "token"}, m.Spec.ResponseFilters.RedactFields)
	assert.Equal(t, []domain.TruncateRule{{Field: "body", MaxLength: 50}}, m.Spec.ResponseFilters.TruncateFields)
}

func TestMergeDisjointAllowListsDenyEverything(t *testing.T) {
	a := rolePolicy("a", "r", domain.PolicySpec{
		Scopes: []string{"http_fetch:get"},
		Guards: domain.Guards{AllowedDomains: []string{"a.com"}},
	}, t0)
	b := rolePolicy("b", "r", domain.PolicySpec{
		Scopes: []string{"http_fetch:get"},
		Guards: domain.Guards{AllowedDomains: []string{"b.com"}},
	}, t0.Add(time.Second))

	m, err := Merge([]domain.Policy{a, b})
	require.NoError(t, err)
	assert.True(t, m.Spec.DomainsRestricted)
	assert.Empty(t, m.Spec.AllowedDomains)
	assert.NotNil(t, checkDomains(&m.Spec, map[string]any{"url": "https://a.com/x"}))
}

func TestMergeEmpty(t *testing.T) {
	m, err := Merge(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMergeRejectsBadPattern(t *testing.T) {
	p := rolePolicy("a", "r", domain.PolicySpec{
		Scopes:          []string{"x:y"},
		ResponseFilters: domain.ResponseFilters{BlockPatterns: []string{"("}},
	}, t0)
	_, err := Merge([]domain.Policy{p})
	require.Error(t, err)
}
