package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agentgw/internal/audit"
)

const decisionFields = 17

// WriteBatch вставляет пачку решений одним INSERT.
func (s *Store) WriteBatch(ctx context.Context, events []audit.Decision) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(events)*decisionFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for j := 1; j <= decisionFields; j++ {
			if j > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*decisionFields+j)
		}
		sb.WriteByte(')')

		sources, _ := json.Marshal(e.Sources)
		if e.Sources == nil {
			sources = []byte("[]")
		}
		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.PolicyID, sources, e.SpecHash,
			e.Tool, e.Action, e.Phase, e.Allowed, e.Reason, e.Message,
			e.RequestHash, e.RequestPreview, e.ResponseHash, e.ResponsePreview, e.Timestamp,
		)
	}

	query := `INSERT INTO policy_logs (id, trace_id, agent_id, policy_id, source_policies, spec_hash,
		tool, action, phase, allowed, reason, message,
		request_hash, request_preview, response_hash, response_preview, timestamp) VALUES ` + sb.String() +
		` ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write %d decisions: %w", len(events), err)
	}
	return nil
}
