// Package policy decides whether a tab may be hibernated.
//
// The automatic rule set hibernates a tab only if every check passes:
//
//  1. hibernation is enabled
//  2. the tab is not the active tab
//  3. the tab is not already hibernated
//  4. it is not pinned, unless pinned tabs are allowed
//  5. it is not audible, unless audible tabs are allowed
//  6. it has no unsaved form data, unless such tabs are allowed
//  7. it is not protected
//  8. it has been inactive for longer than the threshold
//
// Whitelisted domains are never hibernated automatically or in bulk.
// Blacklisted domains skip check 8. Manual requests only honor check 7.
package policy

import (
	"time"

	"github.com/hpungsan/weaver/internal/tab"
)

// Reason explains why a tab is not eligible. The zero value means eligible.
type Reason string

const (
	Eligible          Reason = ""
	ReasonDisabled    Reason = "hibernation disabled"
	ReasonClosed      Reason = "tab closed"
	ReasonActive      Reason = "tab is active"
	ReasonHibernated  Reason = "already hibernated"
	ReasonPinned      Reason = "tab is pinned"
	ReasonAudible     Reason = "tab is playing audio"
	ReasonUnsavedData Reason = "tab has unsaved form data"
	ReasonProtected   Reason = "tab is protected"
	ReasonWhitelisted Reason = "domain is whitelisted"
	ReasonRecent      Reason = "tab used recently"
)

// Candidate is what the rules look at for one tab.
type Candidate struct {
	Record    tab.Record
	Active    bool
	Protected bool
}

// Rules is a compiled hibernation settings snapshot. Build one per cycle so
// live settings edits are picked up.
type Rules struct {
	settings  tab.HibernationSettings
	whitelist *tab.DomainMatcher
	blacklist *tab.DomainMatcher
}

// Compile builds Rules from settings. It fails only on invalid domain patterns.
func Compile(s tab.HibernationSettings) (*Rules, error) {
	wl, err := tab.NewDomainMatcher(s.WhitelistedDomains)
	if err != nil {
		return nil, err
	}
	bl, err := tab.NewDomainMatcher(s.BlacklistedDomains)
	if err != nil {
		return nil, err
	}
	return &Rules{settings: s, whitelist: wl, blacklist: bl}, nil
}

// Settings returns the settings the rules were compiled from.
func (r *Rules) Settings() tab.HibernationSettings {
	return r.settings
}

// Automatic evaluates the full rule set at now.
func (r *Rules) Automatic(c Candidate, now time.Time) Reason {
	if !r.settings.Enabled {
		return ReasonDisabled
	}
	if reason := r.Bulk(c); reason != Eligible {
		return reason
	}
	if r.blacklist.Match(c.Record.URL) {
		return Eligible
	}
	if now.UnixMilli()-c.Record.LastAccessed <= r.settings.ThresholdMillis() {
		return ReasonRecent
	}
	return Eligible
}

// Bulk evaluates checks 2 to 7 and the whitelist; it ignores the enabled
// flag and the inactivity threshold.
func (r *Rules) Bulk(c Candidate) Reason {
	rec := c.Record
	switch {
	case rec.Closed():
		return ReasonClosed
	case c.Active || rec.Active:
		return ReasonActive
	case rec.Hibernated:
		return ReasonHibernated
	case r.settings.ExcludePinned && rec.Pinned:
		return ReasonPinned
	case r.settings.ExcludeAudible && rec.Audible:
		return ReasonAudible
	case r.settings.ExcludeWithForms && rec.HasUnsavedData:
		return ReasonUnsavedData
	case c.Protected:
		return ReasonProtected
	case r.whitelist.Match(rec.URL):
		return ReasonWhitelisted
	}
	return Eligible
}

// Manual evaluates an explicit request for one tab: only protection blocks it.
func Manual(c Candidate) Reason {
	if c.Protected {
		return ReasonProtected
	}
	return Eligible
}
