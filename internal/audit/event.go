package audit

import "time"

// Decision: запись журнала решений политики. Одна запись на каждый вызов Evaluate.
type Decision struct {
	ID       string   `json:"id"`       // UUID записи
	TraceID  string   `json:"trace_id"` // Сквозной ID запроса
	AgentID  string   `json:"agent_id"`
	PolicyID string   `json:"policy_id"` // Последняя (самая узкая) из примененных политик
	Sources  []string `json:"source_policies"`
	SpecHash string   `json:"spec_hash"` // Для корреляции с версией политики

	Tool   string `json:"tool"`
	Action string `json:"action"`
	Phase  string `json:"phase"` // "request" или "response"

	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"` // Код отказа или "ALLOWED"
	Message string `json:"message,omitempty"`

	// Запрос и ответ не храним целиком: только хэш и обрезанное превью
	RequestHash     string `json:"request_hash,omitempty"`
	RequestPreview  string `json:"request_preview,omitempty"`
	ResponseHash    string `json:"response_hash,omitempty"`
	ResponsePreview string `json:"response_preview,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
