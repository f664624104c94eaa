// Package browser defines the tab lifecycle source: the live tab list, the
// primitives that act on tabs, and the events the browser reports.
package browser

import "context"

// WindowNone is the focus-changed window id when the browser lost OS focus.
const WindowNone = -1

// Tab is the browser's view of a tab.
type Tab struct {
	ID         int    `json:"id"`
	WindowID   int    `json:"windowId"`
	Index      int    `json:"index"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"favIconUrl,omitempty"`
	Status     string `json:"status,omitempty"`
	Active     bool   `json:"active"`
	Pinned     bool   `json:"pinned"`
	Audible    bool   `json:"audible"`
	Muted      bool   `json:"muted"`
	Discarded  bool   `json:"discarded"`
}

// ChangeInfo lists the properties that changed in an update event.
type ChangeInfo struct {
	Status     string  `json:"status,omitempty"`
	URL        *string `json:"url,omitempty"`
	Title      *string `json:"title,omitempty"`
	FavIconURL *string `json:"favIconUrl,omitempty"`
	Pinned     *bool   `json:"pinned,omitempty"`
	Audible    *bool   `json:"audible,omitempty"`
	Muted      *bool   `json:"muted,omitempty"`
	Discarded  *bool   `json:"discarded,omitempty"`
}

// StatusComplete is the ChangeInfo status once a page finished loading.
const StatusComplete = "complete"

// Query filters the live tab list. Nil fields match anything.
type Query struct {
	Active    *bool `json:"active,omitempty"`
	WindowID  *int  `json:"windowId,omitempty"`
	Pinned    *bool `json:"pinned,omitempty"`
	Discarded *bool `json:"discarded,omitempty"`
}

// Matches reports whether t satisfies q.
func (q Query) Matches(t Tab) bool {
	if q.Active != nil && *q.Active != t.Active {
		return false
	}
	if q.WindowID != nil && *q.WindowID != t.WindowID {
		return false
	}
	if q.Pinned != nil && *q.Pinned != t.Pinned {
		return false
	}
	if q.Discarded != nil && *q.Discarded != t.Discarded {
		return false
	}
	return true
}

// CreateProps describes a tab to open.
type CreateProps struct {
	URL      string `json:"url"`
	WindowID *int   `json:"windowId,omitempty"`
	Active   bool   `json:"active"`
}

// Browser is the set of tab primitives the core relies on. Every call may
// block on the browser and should honor ctx.
type Browser interface {
	// Query returns the live tabs matching q.
	Query(ctx context.Context, q Query) ([]Tab, error)
	// Discard unloads a tab's content while keeping it in the tab strip.
	Discard(ctx context.Context, tabID int) (Tab, error)
	// Reload reloads a tab, bringing a discarded tab back.
	Reload(ctx context.Context, tabID int) error
	// Create opens a new tab.
	Create(ctx context.Context, props CreateProps) (Tab, error)
	// Remove closes tabs.
	Remove(ctx context.Context, tabIDs ...int) error
	// Focus activates a tab and focuses its window.
	Focus(ctx context.Context, tabID int) error
	// RequestFormCheck asks the tab's content script to report unsaved form data.
	RequestFormCheck(ctx context.Context, tabID int) error
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventCreated      EventKind = "tab.created"
	EventUpdated      EventKind = "tab.updated"
	EventRemoved      EventKind = "tab.removed"
	EventActivated    EventKind = "tab.activated"
	EventFocusChanged EventKind = "window.focusChanged"
	EventTeardown     EventKind = "teardown"
)

// Event is one lifecycle notification. Which fields are set depends on Kind:
// Tabs for snapshot (with WindowID as the focused window), Tab for created,
// TabID+Change+Tab for updated, TabID+WindowID for removed and activated,
// WindowID for focus changes.
type Event struct {
	Kind     EventKind   `json:"type"`
	TabID    int         `json:"tabId,omitempty"`
	WindowID int         `json:"windowId,omitempty"`
	Tab      *Tab        `json:"tab,omitempty"`
	Tabs     []Tab       `json:"tabs,omitempty"`
	Change   *ChangeInfo `json:"changeInfo,omitempty"`
}
