package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentgw/internal/domain"
)

const testBundle = `
agents:
  - id: research-bot
    role: researcher
    encryptionKey: age1example
  - id: mailer
    name: Mailer
    role: notifier
    status: blocked
policies:
  - id: researcher-base
    name: Researchers
    role: researcher
    spec:
      scopes: ["serpapi:search", "http_fetch:get"]
      guards:
        blockedDomains: ["evil.example"]
      quotas:
        - action: search
          limit: 100
          window: 24h
  - id: research-bot-narrow
    agentId: research-bot
    spec:
      scopes: ["serpapi:search"]
  - id: disabled
    role: researcher
    active: false
    spec:
      scopes: ["email:send"]
`

func TestLoadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testBundle), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := s.ListApplicable(ctx, "research-bot", "researcher")
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
		assert.NotEmpty(t, p.SpecHash)
	}
	assert.ElementsMatch(t, []string{"researcher-base", "research-bot-narrow"}, ids)

	a, err := s.GetAgent(ctx, "research-bot")
	require.NoError(t, err)
	assert.Equal(t, "research-bot", a.Name)
	assert.Equal(t, domain.StatusActive, a.Status)
	assert.Equal(t, "age1example", a.EncryptionKey)

	blocked, err := s.ListBlockedAgentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mailer"}, blocked)

	require.NoError(t, s.UpdateStatus(ctx, "mailer", domain.StatusActive))
	blocked, err = s.ListBlockedAgentIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, blocked)

	_, err = s.GetAgent(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBundleOrderDefinesMergeOrder(t *testing.T) {
	b, err := Parse([]byte(testBundle))
	require.NoError(t, err)
	assert.True(t, b.Policies[0].CreatedAt.Before(b.Policies[1].CreatedAt))
	assert.True(t, b.Policies[0].Policy.Active)
	assert.False(t, b.Policies[2].Policy.Active)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad spec": `
policies:
  - id: p
    role: r
    spec: {scopes: ["no-colon"]}`,
		"both owners": `
policies:
  - id: p
    role: r
    agentId: a
    spec: {scopes: ["t:a"]}`,
		"duplicate": `
policies:
  - {id: p, role: r, spec: {scopes: ["t:a"]}}
  - {id: p, role: r, spec: {scopes: ["t:a"]}}`,
		"agent without role": `
agents:
  - id: a`,
		"not yaml": `policies: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}
