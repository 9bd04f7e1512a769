package domain

import "time"

// Window: окно квоты.
type Window string

const (
	WindowHour Window = "1h"
	WindowDay  Window = "24h"
	WindowWeek Window = "7d"
)

func (w Window) Valid() bool {
	return w == WindowHour || w == WindowDay || w == WindowWeek
}

type ResetStrategy string

const (
	ResetSliding ResetStrategy = "sliding"
	ResetFixed   ResetStrategy = "fixed"
)

// TimeWindow: разрешенное время суток "HH:MM"-"HH:MM" в заданной зоне.
// Если start > end, окно переходит через полночь.
type TimeWindow struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// Guards: ограничения на запрос и ответ.
type Guards struct {
	MaxRequestSize  int64       `json:"maxRequestSize,omitempty" yaml:"maxRequestSize,omitempty"`
	MaxResponseSize int64       `json:"maxResponseSize,omitempty" yaml:"maxResponseSize,omitempty"`
	AllowedDomains  []string    `json:"allowedDomains,omitempty" yaml:"allowedDomains,omitempty"`
	BlockedDomains  []string    `json:"blockedDomains,omitempty" yaml:"blockedDomains,omitempty"`
	PIIFilters      []string    `json:"piiFilters,omitempty" yaml:"piiFilters,omitempty"`
	TimeWindow      *TimeWindow `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"`
}

// Quota: лимит вызовов action за окно.
type Quota struct {
	Action        string        `json:"action" yaml:"action"`
	Limit         int64         `json:"limit" yaml:"limit"`
	Window        Window        `json:"window" yaml:"window"`
	ResetStrategy ResetStrategy `json:"resetStrategy,omitempty" yaml:"resetStrategy,omitempty"`
}

// Matches: квота с action "*" действует на все действия, "tool:action": на конкретную пару.
func (q Quota) Matches(tool, action string) bool {
	return q.Action == "*" || q.Action == action || q.Action == tool+":"+action
}

type HourRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Schedule: дни недели (0 = воскресенье) и часы, когда агенту разрешено работать.
type Schedule struct {
	Enabled      bool       `json:"enabled" yaml:"enabled"`
	Timezone     string     `json:"timezone" yaml:"timezone"`
	AllowedDays  []int      `json:"allowedDays,omitempty" yaml:"allowedDays,omitempty"`
	AllowedHours *HourRange `json:"allowedHours,omitempty" yaml:"allowedHours,omitempty"`
}

type TruncateRule struct {
	Field     string `json:"field" yaml:"field"`
	MaxLength int    `json:"maxLength" yaml:"maxLength"`
}

type ResponseFilters struct {
	RedactFields   []string       `json:"redactFields,omitempty" yaml:"redactFields,omitempty"`
	TruncateFields []TruncateRule `json:"truncateFields,omitempty" yaml:"truncateFields,omitempty"`
	BlockPatterns  []string       `json:"blockPatterns,omitempty" yaml:"blockPatterns,omitempty"`
}

// PolicySpec: содержимое политики. Хранится в БД как JSON.
type PolicySpec struct {
	Scopes          []string        `json:"scopes" yaml:"scopes"`
	Intent          string          `json:"intent,omitempty" yaml:"intent,omitempty"`
	Guards          Guards          `json:"guards" yaml:"guards"`
	Quotas          []Quota         `json:"quotas,omitempty" yaml:"quotas,omitempty"`
	Schedule        *Schedule       `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	ResponseFilters ResponseFilters `json:"responseFilters" yaml:"responseFilters"`
}

// Policy: персистентная политика. AgentID == nil означает политику на всю роль.
// Политики не удаляются, пока на них ссылаются логи, а выключаются через Active=false.
type Policy struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	AgentID   *string    `json:"agent_id,omitempty" yaml:"agentId,omitempty"`
	Role      *string    `json:"role,omitempty" yaml:"role,omitempty"`
	Spec      PolicySpec `json:"spec" yaml:"spec"`
	SpecHash  string     `json:"spec_hash" yaml:"-"`
	Active    bool       `json:"active" yaml:"-"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"-"`
}

// AppliesTo: политика агента или политика его роли.
func (p *Policy) AppliesTo(agentID, role string) bool {
	if !p.Active {
		return false
	}
	if p.AgentID != nil {
		return *p.AgentID == agentID
	}
	return p.Role != nil && *p.Role == role
}

// IsAgentSpecific: персональные политики мержатся последними.
func (p *Policy) IsAgentSpecific() bool {
	return p.AgentID != nil
}
