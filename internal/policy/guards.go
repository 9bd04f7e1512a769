package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/agentgw/internal/domain"
)

// Встроенные PII-фильтры. Пользовательский фильтр задается как "re:<regexp>".
var builtinPII = map[string]string{
	"email":       `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
	"phone":       `\+?\d[\d\s().\-]{8,}\d`,
	"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
	"credit_card": `\b(?:\d[ \-]?){12,15}\d\b`,
	"ip_address":  `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
	"api_key":     `\b(?:sk|pk|api)[_\-][A-Za-z0-9]{16,}\b`,
}

const customPIIPrefix = "re:"

type piiMatcher struct {
	name string
	re   *regexp.Regexp
}

func compilePII(name string) (piiMatcher, error) {
	if pattern, ok := strings.CutPrefix(name, customPIIPrefix); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return piiMatcher{}, fmt.Errorf("policy: pii filter %q: %w", name, err)
		}
		return piiMatcher{name: name, re: re}, nil
	}
	pattern, ok := builtinPII[name]
	if !ok {
		return piiMatcher{}, fmt.Errorf("policy: unknown pii filter %q", name)
	}
	return piiMatcher{name: name, re: regexp.MustCompile(pattern)}, nil
}

// Ключи параметров, значения которых считаем доменом или URL.
var urlKeys = map[string]bool{
	"url": true, "uri": true, "href": true, "link": true, "endpoint": true,
	"domain": true, "host": true, "target": true,
}

// checkRequestSize сравнивает размер сериализованного запроса с лимитом.
func checkRequestSize(m *MergedSpec, size int) *domain.Denial {
	if m.MaxRequestSize > 0 && int64(size) > m.MaxRequestSize {
		return domain.Deny(domain.CodeGuardViolation, "request size %d exceeds limit %d", size, m.MaxRequestSize)
	}
	return nil
}

func checkResponseSize(m *MergedSpec, size int) *domain.Denial {
	if m.MaxResponseSize > 0 && int64(size) > m.MaxResponseSize {
		return domain.Deny(domain.CodeGuardViolation, "response size %d exceeds limit %d", size, m.MaxResponseSize)
	}
	return nil
}

// checkDomains: deny-list важнее allow-list.
func checkDomains(m *MergedSpec, data any) *domain.Denial {
	if !m.DomainsRestricted && len(m.BlockedDomains) == 0 {
		return nil
	}
	for _, host := range extractHosts(data) {
		if d := m.CheckHost(host); d != nil {
			return d
		}
	}
	return nil
}

// CheckHost проверяет один хост по спискам доменов. Нужен и коннекторам,
// которые сами ходят по адресам, не видным в параметрах (редиректы).
func (m *MergedSpec) CheckHost(host string) *domain.Denial {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, pattern := range m.BlockedDomains {
		if matchDomain(host, pattern) {
			return domain.Deny(domain.CodeGuardViolation, "domain %s is blocked", host)
		}
	}
	if !m.DomainsRestricted {
		return nil
	}
	for _, pattern := range m.AllowedDomains {
		if matchDomain(host, pattern) {
			return nil
		}
	}
	return domain.Deny(domain.CodeGuardViolation, "domain %s is not in the allow list", host)
}

// matchDomain: точное совпадение или поддомен. "*.example.com" совпадает только с поддоменами.
func matchDomain(host, pattern string) bool {
	if wildcard, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+wildcard)
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

func extractHosts(data any) []string {
	var hosts []string
	walkStrings(data, "", func(key, value string) {
		isURL := strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
		if !isURL && !urlKeys[strings.ToLower(key)] {
			return
		}
		if host := hostOf(value); host != "" {
			hosts = append(hosts, host)
		}
	})
	return hosts
}

func hostOf(value string) string {
	value = strings.TrimSpace(value)
	if !strings.Contains(value, "://") {
		value = "http://" + value
	}
	u, err := url.Parse(value)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// checkPII отклоняет запрос при совпадении. Запрос никогда не редактируется.
func (c *compiled) checkPII(data any) *domain.Denial {
	if len(c.pii) == 0 {
		return nil
	}
	var hit string
	walkStrings(data, "", func(key, value string) {
		if hit != "" {
			return
		}
		for _, pm := range c.pii {
			if pm.re.MatchString(value) {
				hit = pm.name
				return
			}
		}
	})
	if hit != "" {
		return domain.Deny(domain.CodeGuardViolation, "request contains %s", hit)
	}
	return nil
}

type compiledWindow struct {
	start, end int // Минуты от полуночи
	loc        *time.Location
	raw        domain.TimeWindow
}

func compileWindow(tw domain.TimeWindow) (compiledWindow, error) {
	start, err := parseClock(tw.Start)
	if err != nil {
		return compiledWindow{}, err
	}
	end, err := parseClock(tw.End)
	if err != nil {
		return compiledWindow{}, err
	}
	loc, err := loadLocation(tw.Timezone)
	if err != nil {
		return compiledWindow{}, fmt.Errorf("policy: time window timezone %q: %w", tw.Timezone, err)
	}
	return compiledWindow{start: start, end: end, loc: loc, raw: tw}, nil
}

// parseClock разбирает "HH:MM".
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("policy: %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("policy: bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("policy: bad minute in %q", s)
	}
	return h*60 + m, nil
}

// inRange: полуоткрытый интервал [start, end) с переходом через полночь.
// start == end означает весь день.
func inRange(v, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return v >= start && v < end
	default:
		return v >= start || v < end
	}
}

// checkSchedule проверяет все окна времени и расписания: должны пройти все.
func (c *compiled) checkSchedule(now time.Time) *domain.Denial {
	for _, w := range c.windows {
		local := now.In(w.loc)
		if !inRange(local.Hour()*60+local.Minute(), w.start, w.end) {
			return domain.Deny(domain.CodeOutsideSchedule, "outside time window %s-%s %s", w.raw.Start, w.raw.End, w.loc)
		}
	}
	for _, s := range c.schedules {
		local := now.In(s.loc)
		if len(s.AllowedDays) > 0 && !slices.Contains(s.AllowedDays, int(local.Weekday())) {
			return domain.Deny(domain.CodeOutsideSchedule, "%s is not an allowed day", local.Weekday())
		}
		if h := s.AllowedHours; h != nil && !inRange(local.Hour(), h.Start, h.End) {
			return domain.Deny(domain.CodeOutsideSchedule, "hour %d is outside allowed hours %d-%d", local.Hour(), h.Start, h.End)
		}
	}
	return nil
}

// walkStrings обходит JSON-подобное дерево и вызывает fn для каждой строки
// вместе с ключом ближайшего объекта.
func walkStrings(v any, key string, fn func(key, value string)) {
	switch t := v.(type) {
	case string:
		fn(key, t)
	case map[string]any:
		for k, child := range t {
			walkStrings(child, k, fn)
		}
	case []any:
		for _, child := range t {
			walkStrings(child, key, fn)
		}
	case []string:
		for _, s := range t {
			fn(key, s)
		}
	}
}
