// Package tracker turns activation and focus events into accumulated active time.
//
// A session is open on a record while its sessionStartTime is set. Activating
// a tab closes the previous session in that window before opening the new
// one; losing focus closes the session without opening another; regaining
// focus reopens it for the window's active tab. A periodic Checkpoint rolls
// open sessions into totalActiveDuration so a crash loses at most one interval.
package tracker

import (
	"sync"
	"time"

	"github.com/hpungsan/weaver/internal/cache"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/rs/zerolog"
)

// NoWindow is the window id reported when the browser lost OS focus.
const NoWindow = -1

// Tracker is safe for concurrent use. Events are applied in call order.
type Tracker struct {
	cache *cache.Cache
	now   func() time.Time
	log   zerolog.Logger

	mu             sync.Mutex
	activeByWindow map[int]int
	focusedWindow  int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// New returns a tracker writing into c.
func New(c *cache.Cache, opts ...Option) *Tracker {
	t := &Tracker{
		cache:          c,
		now:            time.Now,
		log:            zerolog.Nop(),
		activeByWindow: make(map[int]int),
		focusedWindow:  NoWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnActivated handles a tab becoming the active tab of its window.
func (t *Tracker) OnActivated(windowID, tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	if prev, ok := t.activeByWindow[windowID]; ok {
		t.closeSession(prev, now)
		if prev != tabID {
			t.cache.Upsert(prev, tab.Patch{Active: tab.Ptr(false)})
		}
	}
	t.activeByWindow[windowID] = tabID

	t.cache.Apply(tabID, func(r tab.Record) tab.Patch {
		return tab.Patch{
			Active:           tab.Ptr(true),
			WindowID:         tab.Ptr(windowID),
			LastAccessed:     tab.Ptr(now),
			ViewCount:        tab.Ptr(r.ViewCount + 1),
			SessionStartTime: tab.Ptr(now),
		}
	})
	t.log.Debug().Int("tab_id", tabID).Int("window_id", windowID).Msg("session opened")
}

// SetActive records the active tab of a window without counting a view or
// opening a session. Used when syncing from a snapshot.
func (t *Tracker) SetActive(windowID, tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeByWindow[windowID] = tabID
}

// ActiveTab returns the active tab id of windowID.
func (t *Tracker) ActiveTab(windowID int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.activeByWindow[windowID]
	return id, ok
}

// FocusedWindow returns the focused window id, or NoWindow.
func (t *Tracker) FocusedWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focusedWindow
}

// IsActive reports whether tabID is the active tab of any window.
func (t *Tracker) IsActive(tabID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.activeByWindow {
		if id == tabID {
			return true
		}
	}
	return false
}

// OnWindowBlur closes every open session; the browser no longer has OS focus.
func (t *Tracker) OnWindowBlur() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	for _, id := range t.activeByWindow {
		t.closeSession(id, now)
	}
	t.focusedWindow = NoWindow
}

// OnWindowFocus handles windowID gaining focus. A windowID of NoWindow is a blur.
func (t *Tracker) OnWindowFocus(windowID int) {
	if windowID == NoWindow {
		t.OnWindowBlur()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	if t.focusedWindow != NoWindow && t.focusedWindow != windowID {
		if prev, ok := t.activeByWindow[t.focusedWindow]; ok {
			t.closeSession(prev, now)
		}
	}
	t.focusedWindow = windowID

	id, ok := t.activeByWindow[windowID]
	if !ok {
		return
	}
	r, exists := t.cache.Lookup(id)
	if !exists || r.InSession() || r.Closed() {
		return
	}
	t.cache.Upsert(id, tab.Patch{SessionStartTime: tab.Ptr(now)})
}

// OnRemoved closes the session of a removed tab and forgets it as active.
func (t *Tracker) OnRemoved(windowID, tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeSession(tabID, t.now().UnixMilli())
	if t.activeByWindow[windowID] == tabID {
		delete(t.activeByWindow, windowID)
	}
}

// OnWindowRemoved forgets a closed window.
func (t *Tracker) OnWindowRemoved(windowID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.activeByWindow[windowID]; ok {
		t.closeSession(id, t.now().UnixMilli())
		delete(t.activeByWindow, windowID)
	}
	if t.focusedWindow == windowID {
		t.focusedWindow = NoWindow
	}
}

// Touch records user activity on a tab at the given time. Older timestamps
// than the stored lastAccessed are ignored, and so are tabs that were never
// observed or are already closed.
func (t *Tracker) Touch(tabID int, at time.Time) {
	ms := at.UnixMilli()
	if at.IsZero() {
		ms = t.now().UnixMilli()
	}
	t.cache.Update(tabID, func(r tab.Record) tab.Patch {
		if r.Closed() || ms <= r.LastAccessed {
			return tab.Patch{}
		}
		return tab.Patch{LastAccessed: tab.Ptr(ms)}
	})
}

// Checkpoint recomputes estimatedMemory for every open record and rolls the
// elapsed time of open sessions into totalActiveDuration.
func (t *Tracker) Checkpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ms := now.UnixMilli()
	updated := 0
	for _, r := range t.cache.Records() {
		if r.Closed() {
			continue
		}
		t.cache.Apply(r.TabID, func(cur tab.Record) tab.Patch {
			p := tab.Patch{}
			if mem := tab.EstimateMemory(cur.FirstSeen, now); mem != cur.EstimatedMemory {
				p.EstimatedMemory = tab.Ptr(mem)
			}
			if cur.SessionStartTime != nil {
				p.TotalActiveDuration = tab.Ptr(cur.TotalActiveDuration + elapsed(*cur.SessionStartTime, ms))
				p.SessionStartTime = tab.Ptr(ms)
			}
			return p
		})
		updated++
	}
	t.log.Debug().Int("records", updated).Msg("checkpoint")
}

// closeSession rolls an open session of id into its total. Caller holds t.mu.
func (t *Tracker) closeSession(id int, now int64) {
	if _, ok := t.cache.Lookup(id); !ok {
		return
	}
	t.cache.Apply(id, func(r tab.Record) tab.Patch {
		if r.SessionStartTime == nil {
			return tab.Patch{}
		}
		return tab.Patch{
			TotalActiveDuration: tab.Ptr(r.TotalActiveDuration + elapsed(*r.SessionStartTime, now)),
			ClearSessionStart:   true,
		}
	})
}

func elapsed(start, now int64) int64 {
	if now < start {
		return 0
	}
	return now - start
}
