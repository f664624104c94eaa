package tab

import "time"

// Mode distinguishes the two hibernation mechanisms.
type Mode string

const (
	// ModeDiscard unloads the page but keeps the tab and its id (soft hibernation).
	ModeDiscard Mode = "discard"
	// ModeClose closes the tab and keeps a HibernatedTab to recreate it by URL.
	ModeClose Mode = "close"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDiscard || m == ModeClose
}

// Record is the metadata tracked for one tab id.
// Timestamps are Unix milliseconds.
type Record struct {
	TabID      int    `json:"tabId"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"favIconUrl,omitempty"`

	WindowID int  `json:"windowId"`
	Index    int  `json:"index"`
	Active   bool `json:"active"`
	Pinned   bool `json:"pinned"`
	Audible  bool `json:"audible"`
	Muted    bool `json:"muted"`

	FirstSeen           int64  `json:"firstSeen"`
	LastAccessed        int64  `json:"lastAccessed"`
	ViewCount           int    `json:"viewCount"`
	TotalActiveDuration int64  `json:"totalActiveDuration"`
	SessionStartTime    *int64 `json:"sessionStartTime"`

	Hibernated       bool   `json:"hibernated"`
	HibernationCount int    `json:"hibernationCount"`
	HibernatedAt     *int64 `json:"hibernatedAt"`
	HibernationMode  Mode   `json:"hibernationMode,omitempty"`

	EstimatedMemory int  `json:"estimatedMemory"`
	HasUnsavedData  bool `json:"hasUnsavedData"`

	// ClosedAt is set when the browser reported the tab removed. The record is
	// kept until the retention purge drops it.
	ClosedAt *int64 `json:"closedAt,omitempty"`
}

// NewRecord returns a fresh record first seen at now: counters zero, not hibernated.
func NewRecord(tabID int, now time.Time) Record {
	ms := now.UnixMilli()
	return Record{
		TabID:        tabID,
		FirstSeen:    ms,
		LastAccessed: ms,
	}
}

// Clone returns a deep copy so callers cannot mutate shared pointer fields.
func (r Record) Clone() Record {
	r.SessionStartTime = clonePtr(r.SessionStartTime)
	r.HibernatedAt = clonePtr(r.HibernatedAt)
	r.ClosedAt = clonePtr(r.ClosedAt)
	return r
}

// Closed reports whether the browser has removed the tab.
func (r Record) Closed() bool {
	return r.ClosedAt != nil
}

// InSession reports whether the tab is the foregrounded, focused tab right now.
func (r Record) InSession() bool {
	return r.SessionStartTime != nil
}

// Patch is a typed partial update. Nil fields are left untouched. The Clear*
// flags null out the nullable timestamps and win over the matching value.
// TabID and FirstSeen are not patchable.
type Patch struct {
	URL        *string
	Title      *string
	FavIconURL *string

	WindowID *int
	Index    *int
	Active   *bool
	Pinned   *bool
	Audible  *bool
	Muted    *bool

	LastAccessed        *int64
	ViewCount           *int
	TotalActiveDuration *int64
	SessionStartTime    *int64
	ClearSessionStart   bool

	Hibernated        *bool
	HibernationCount  *int
	HibernatedAt      *int64
	ClearHibernatedAt bool
	HibernationMode   *Mode

	EstimatedMemory *int
	HasUnsavedData  *bool

	ClosedAt      *int64
	ClearClosedAt bool
}

// Apply merges p into r field by field.
func (p Patch) Apply(r *Record) {
	setIf(&r.URL, p.URL)
	setIf(&r.Title, p.Title)
	setIf(&r.FavIconURL, p.FavIconURL)

	setIf(&r.WindowID, p.WindowID)
	setIf(&r.Index, p.Index)
	setIf(&r.Active, p.Active)
	setIf(&r.Pinned, p.Pinned)
	setIf(&r.Audible, p.Audible)
	setIf(&r.Muted, p.Muted)

	setIf(&r.LastAccessed, p.LastAccessed)
	setIf(&r.ViewCount, p.ViewCount)
	setIf(&r.TotalActiveDuration, p.TotalActiveDuration)
	setNullable(&r.SessionStartTime, p.SessionStartTime, p.ClearSessionStart)

	setIf(&r.Hibernated, p.Hibernated)
	setIf(&r.HibernationCount, p.HibernationCount)
	setNullable(&r.HibernatedAt, p.HibernatedAt, p.ClearHibernatedAt)
	setIf(&r.HibernationMode, p.HibernationMode)

	setIf(&r.EstimatedMemory, p.EstimatedMemory)
	setIf(&r.HasUnsavedData, p.HasUnsavedData)

	setNullable(&r.ClosedAt, p.ClosedAt, p.ClearClosedAt)
}

// IsEmpty reports whether applying p would change nothing.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Millis converts t to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setNullable(dst **int64, v *int64, clear bool) {
	switch {
	case clear:
		*dst = nil
	case v != nil:
		*dst = clonePtr(v)
	}
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
