package tab

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OtherGroup collects tabs whose URL has no usable host (chrome://, file://, blank).
const OtherGroup = "Other"

// Hostname returns the lowercased host of rawURL without a leading "www.".
// Non-web schemes yield "".
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http", "https", "ftp":
	default:
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// Domain returns the registrable domain (eTLD+1) of rawURL, e.g.
// "docs.github.com" -> "github.com", "a.b.co.uk" -> "b.co.uk".
// IP addresses and single-label hosts are returned as is.
func Domain(rawURL string) string {
	host := Hostname(rawURL)
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// Group is a set of tabs sharing a registrable domain.
type Group struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tabs  []Record `json:"tabs"`
}

// GroupByDomain buckets open records by Domain. Groups are sorted by size
// descending then name; tabs inside a group by window then index.
func GroupByDomain(records []Record) []Group {
	byName := make(map[string][]Record)
	for _, r := range records {
		if r.Closed() {
			continue
		}
		name := Domain(r.URL)
		if name == "" {
			name = OtherGroup
		}
		byName[name] = append(byName[name], r)
	}

	groups := make([]Group, 0, len(byName))
	for name, tabs := range byName {
		sort.Slice(tabs, func(i, j int) bool {
			if tabs[i].WindowID != tabs[j].WindowID {
				return tabs[i].WindowID < tabs[j].WindowID
			}
			return tabs[i].Index < tabs[j].Index
		})
		groups = append(groups, Group{Name: name, Count: len(tabs), Tabs: tabs})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Name < groups[j].Name
	})
	return groups
}
