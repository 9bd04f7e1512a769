package policy

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/xela07ax/agentgw/internal/domain"
)

// ValidationResult: результат проверки спецификации: ok или список сообщений по полям.
type ValidationResult struct {
	OK     bool                `json:"ok"`
	Fields map[string][]string `json:"fields,omitempty"`
}

func (r *ValidationResult) add(field, format string, args ...any) {
	if r.Fields == nil {
		r.Fields = make(map[string][]string)
	}
	r.Fields[field] = append(r.Fields[field], fmt.Sprintf(format, args...))
	r.OK = false
}

// Err сворачивает результат в одну ошибку, поля по алфавиту.
func (r ValidationResult) Err() error {
	if r.OK {
		return nil
	}
	fields := make([]string, 0, len(r.Fields))
	for f := range r.Fields {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(r.Fields[f], "; "))
	}
	return fmt.Errorf("invalid policy spec: %s", strings.Join(parts, ", "))
}

// ValidateSpec проверяет спецификацию до записи в хранилище.
func ValidateSpec(spec *domain.PolicySpec) ValidationResult {
	res := ValidationResult{OK: true}

	if len(spec.Scopes) == 0 {
		res.add("scopes", "must not be empty")
	}
	for _, s := range spec.Scopes {
		tool, action, ok := strings.Cut(s, ":")
		if !ok || tool == "" || action == "" {
			res.add("scopes", "%q must have form tool:action", s)
		}
	}

	g := spec.Guards
	if g.MaxRequestSize < 0 {
		res.add("guards.maxRequestSize", "must be >= 0")
	}
	if g.MaxResponseSize < 0 {
		res.add("guards.maxResponseSize", "must be >= 0")
	}
	for _, f := range g.PIIFilters {
		if _, err := compilePII(f); err != nil {
			res.add("guards.piiFilters", "%v", err)
		}
	}
	if tw := g.TimeWindow; tw != nil {
		if _, err := parseClock(tw.Start); err != nil {
			res.add("guards.timeWindow.start", "%v", err)
		}
		if _, err := parseClock(tw.End); err != nil {
			res.add("guards.timeWindow.end", "%v", err)
		}
		if _, err := loadLocation(tw.Timezone); err != nil {
			res.add("guards.timeWindow.timezone", "%v", err)
		}
	}

	for i, q := range spec.Quotas {
		field := fmt.Sprintf("quotas[%d]", i)
		if q.Action == "" {
			res.add(field+".action", "must not be empty")
		}
		if q.Limit <= 0 {
			res.add(field+".limit", "must be > 0")
		}
		if !q.Window.Valid() {
			res.add(field+".window", "must be one of 1h, 24h, 7d")
		}
		if q.ResetStrategy != "" && q.ResetStrategy != domain.ResetFixed && q.ResetStrategy != domain.ResetSliding {
			res.add(field+".resetStrategy", "must be sliding or fixed")
		}
	}

	if s := spec.Schedule; s != nil && s.Enabled {
		if _, err := loadLocation(s.Timezone); err != nil {
			res.add("schedule.timezone", "%v", err)
		}
		for _, d := range s.AllowedDays {
			if d < 0 || d > 6 {
				res.add("schedule.allowedDays", "%d is not a weekday (0..6)", d)
			}
		}
		if h := s.AllowedHours; h != nil && (h.Start < 0 || h.Start > 24 || h.End < 0 || h.End > 24) {
			res.add("schedule.allowedHours", "hours must be within 0..24")
		}
	}

	for i, t := range spec.ResponseFilters.TruncateFields {
		if t.Field == "" || t.MaxLength <= 0 {
			res.add(fmt.Sprintf("responseFilters.truncateFields[%d]", i), "field and positive maxLength are required")
		}
	}
	for _, p := range spec.ResponseFilters.BlockPatterns {
		if _, err := regexp.Compile(p); err != nil {
			res.add("responseFilters.blockPatterns", "%q: %v", p, err)
		}
	}

	return res
}

// Normalize сортирует и дедуплицирует множества. Списки с порядком (quotas,
// truncateFields, blockPatterns) не трогает.
func Normalize(spec domain.PolicySpec) domain.PolicySpec {
	spec.Scopes = sortedSet(spec.Scopes)
	spec.Guards.AllowedDomains = sortedSet(lowerAll(spec.Guards.AllowedDomains))
	spec.Guards.BlockedDomains = sortedSet(lowerAll(spec.Guards.BlockedDomains))
	spec.Guards.PIIFilters = sortedSet(spec.Guards.PIIFilters)
	spec.ResponseFilters.RedactFields = sortedSet(spec.ResponseFilters.RedactFields)
	if spec.Schedule != nil {
		s := *spec.Schedule
		s.AllowedDays = sortedSet(s.AllowedDays)
		spec.Schedule = &s
	}
	return spec
}

// SpecHash: детерминированный blake3 от канонического JSON: одинаковая
// спецификация дает одинаковый хэш независимо от порядка полей и элементов множеств.
func SpecHash(spec domain.PolicySpec) (string, error) {
	canonical, err := json.Marshal(Normalize(spec))
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize spec: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func sortedSet[T interface{ ~string | ~int }](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
