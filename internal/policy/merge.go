package policy

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"time"

	"github.com/xela07ax/agentgw/internal/domain"
)

// BoundQuota: квота вместе с политикой, которой принадлежит ее счетчик.
type BoundQuota struct {
	PolicyID string `json:"policy_id"`
	domain.Quota
}

// MergedSpec: результат слияния всех применимых политик.
// Поля, где ограничения складываются, хранят все исходные правила: проверяются все.
type MergedSpec struct {
	Scopes []string `json:"scopes"` // Пересечение scope всех политик
	Intent []string `json:"intent,omitempty"`

	MaxRequestSize  int64 `json:"maxRequestSize,omitempty"` // 0 = без ограничения
	MaxResponseSize int64 `json:"maxResponseSize,omitempty"`

	// DomainsRestricted: хотя бы одна политика задала allow-list.
	// Тогда AllowedDomains: пересечение, и пустой список запрещает все домены.
	DomainsRestricted bool     `json:"domainsRestricted"`
	AllowedDomains    []string `json:"allowedDomains,omitempty"`
	BlockedDomains    []string `json:"blockedDomains,omitempty"`
	PIIFilters        []string `json:"piiFilters,omitempty"`

	TimeWindows []domain.TimeWindow `json:"timeWindows,omitempty"`
	Schedules   []domain.Schedule   `json:"schedules,omitempty"`
	Quotas      []BoundQuota        `json:"quotas,omitempty"`

	ResponseFilters domain.ResponseFilters `json:"responseFilters"`
}

// MergeResult: слитая спецификация и ID исходных политик в порядке слияния.
type MergeResult struct {
	Spec           MergedSpec `json:"mergedSpec"`
	SourcePolicies []string   `json:"sourcePolicies"`
	SourceHashes   []string   `json:"-"`

	compiled *compiled
}

// LastPolicyID: самая узкая политика (персональная, если есть).
func (m *MergeResult) LastPolicyID() string {
	if len(m.SourcePolicies) == 0 {
		return ""
	}
	return m.SourcePolicies[len(m.SourcePolicies)-1]
}

func (m *MergeResult) allowsScope(scope string) bool {
	_, found := slices.BinarySearch(m.Spec.Scopes, scope)
	return found
}

// compiled: регулярки и зоны, подготовленные один раз на слияние.
type compiled struct {
	pii           []piiMatcher
	blockPatterns []*regexp.Regexp
	windows       []compiledWindow
	schedules     []compiledSchedule
	truncate      map[string]int
	redact        map[string]struct{}
}

// orderPolicies: фиксированный порядок слияния: сначала ролевые, затем персональные,
// внутри группы по CreatedAt и ID.
func orderPolicies(policies []domain.Policy) []domain.Policy {
	out := slices.Clone(policies)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsAgentSpecific() != b.IsAgentSpecific() {
			return !a.IsAgentSpecific()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Merge сливает политики. Каждая следующая политика может только сузить доступ.
// Пустой список дает nil: вызывающий отвечает NoPolicy.
func Merge(policies []domain.Policy) (*MergeResult, error) {
	if len(policies) == 0 {
		return nil, nil
	}
	ordered := orderPolicies(policies)

	res := &MergeResult{}
	m := &res.Spec
	var allowed map[string]struct{}

	for i, p := range ordered {
		spec := Normalize(p.Spec)
		res.SourcePolicies = append(res.SourcePolicies, p.ID)
		res.SourceHashes = append(res.SourceHashes, p.SpecHash)

		if i == 0 {
			m.Scopes = slices.Clone(spec.Scopes)
		} else {
			m.Scopes = intersect(m.Scopes, spec.Scopes)
		}
		if spec.Intent != "" {
			m.Intent = append(m.Intent, spec.Intent)
		}

		g := spec.Guards
		m.MaxRequestSize = minLimit(m.MaxRequestSize, g.MaxRequestSize)
		m.MaxResponseSize = minLimit(m.MaxResponseSize, g.MaxResponseSize)
		if len(g.AllowedDomains) > 0 {
			if !m.DomainsRestricted {
				allowed = toSet(g.AllowedDomains)
				m.DomainsRestricted = true
			} else {
				next := toSet(g.AllowedDomains)
				for d := range allowed {
					if _, ok := next[d]; !ok {
						delete(allowed, d)
					}
				}
			}
		}
		m.BlockedDomains = append(m.BlockedDomains, g.BlockedDomains...)
		m.PIIFilters = append(m.PIIFilters, g.PIIFilters...)
		if g.TimeWindow != nil {
			m.TimeWindows = append(m.TimeWindows, *g.TimeWindow)
		}
		if spec.Schedule != nil && spec.Schedule.Enabled {
			m.Schedules = append(m.Schedules, *spec.Schedule)
		}
		for _, q := range spec.Quotas {
			m.Quotas = append(m.Quotas, BoundQuota{PolicyID: p.ID, Quota: q})
		}

		rf := spec.ResponseFilters
		m.ResponseFilters.RedactFields = append(m.ResponseFilters.RedactFields, rf.RedactFields...)
		m.ResponseFilters.TruncateFields = append(m.ResponseFilters.TruncateFields, rf.TruncateFields...)
		m.ResponseFilters.BlockPatterns = append(m.ResponseFilters.BlockPatterns, rf.BlockPatterns...)
	}

	if m.DomainsRestricted {
		m.AllowedDomains = setKeys(allowed)
	}
	m.BlockedDomains = sortedSet(m.BlockedDomains)
	m.PIIFilters = sortedSet(m.PIIFilters)
	m.ResponseFilters.RedactFields = sortedSet(m.ResponseFilters.RedactFields)
	m.ResponseFilters.TruncateFields = mergeTruncate(m.ResponseFilters.TruncateFields)
	m.ResponseFilters.BlockPatterns = dedupe(m.ResponseFilters.BlockPatterns)

	c, err := compile(m)
	if err != nil {
		return nil, err
	}
	res.compiled = c
	return res, nil
}

func compile(m *MergedSpec) (*compiled, error) {
	c := &compiled{
		truncate: make(map[string]int, len(m.ResponseFilters.TruncateFields)),
		redact:   toSet(m.ResponseFilters.RedactFields),
	}
	for _, name := range m.PIIFilters {
		pm, err := compilePII(name)
		if err != nil {
			return nil, err
		}
		c.pii = append(c.pii, pm)
	}
	for _, p := range m.ResponseFilters.BlockPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("policy: block pattern %q: %w", p, err)
		}
		c.blockPatterns = append(c.blockPatterns, re)
	}
	for _, tw := range m.TimeWindows {
		w, err := compileWindow(tw)
		if err != nil {
			return nil, err
		}
		c.windows = append(c.windows, w)
	}
	for _, s := range m.Schedules {
		loc, err := loadLocation(s.Timezone)
		if err != nil {
			return nil, fmt.Errorf("policy: schedule timezone %q: %w", s.Timezone, err)
		}
		c.schedules = append(c.schedules, compiledSchedule{Schedule: s, loc: loc})
	}
	for _, t := range m.ResponseFilters.TruncateFields {
		c.truncate[t.Field] = t.MaxLength
	}
	return c, nil
}

// minLimit: 0 означает "не задано", иначе берем меньший лимит.
func minLimit(cur, next int64) int64 {
	switch {
	case next <= 0:
		return cur
	case cur <= 0 || next < cur:
		return next
	}
	return cur
}

// intersect ожидает отсортированные входы.
func intersect(a, b []string) []string {
	out := make([]string, 0, min(len(a), len(b)))
	for _, s := range a {
		if _, ok := slices.BinarySearch(b, s); ok {
			out = append(out, s)
		}
	}
	return out
}

// mergeTruncate: одно правило на поле, с минимальной длиной.
func mergeTruncate(rules []domain.TruncateRule) []domain.TruncateRule {
	if len(rules) == 0 {
		return nil
	}
	byField := make(map[string]int, len(rules))
	var order []string
	for _, r := range rules {
		cur, ok := byField[r.Field]
		if !ok {
			order = append(order, r.Field)
			byField[r.Field] = r.MaxLength
			continue
		}
		byField[r.Field] = min(cur, r.MaxLength)
	}
	out := make([]domain.TruncateRule, 0, len(order))
	for _, f := range order {
		out = append(out, domain.TruncateRule{Field: f, MaxLength: byField[f]})
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}

func setKeys(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

type compiledSchedule struct {
	domain.Schedule
	loc *time.Location
}
