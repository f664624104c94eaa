package tab

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DomainMatcher matches tab URLs against user domain patterns.
//
// A plain pattern ("example.com") matches that host and any subdomain of it.
// A pattern with glob syntax is matched against the whole host with '.' as
// separator, so "*.example.com" matches one label and "**.example.com" any depth.
type DomainMatcher struct {
	plain []string
	globs []glob.Glob
}

// NewDomainMatcher compiles patterns. Blank entries are ignored.
func NewDomainMatcher(patterns []string) (*DomainMatcher, error) {
	m := &DomainMatcher{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		p = strings.TrimPrefix(p, "www.")
		if p == "" {
			continue
		}
		if !strings.ContainsAny(p, "*?[{") {
			m.plain = append(m.plain, p)
			continue
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid domain pattern %q: %w", p, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Empty reports whether the matcher has no patterns.
func (m *DomainMatcher) Empty() bool {
	return m == nil || (len(m.plain) == 0 && len(m.globs) == 0)
}

// Match reports whether the host of rawURL matches any pattern.
func (m *DomainMatcher) Match(rawURL string) bool {
	if m.Empty() {
		return false
	}
	host := Hostname(rawURL)
	if host == "" {
		return false
	}
	for _, p := range m.plain {
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	for _, g := range m.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}
