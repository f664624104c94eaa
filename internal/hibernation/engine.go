// Package hibernation moves tabs between the Active and Hibernated states.
//
// Two mechanisms are supported and recorded on the tab's record:
// ModeDiscard unloads the page in place and keeps the tab id; ModeClose
// closes the tab, keeps a HibernatedTab entry and recreates the tab by URL on
// restore, moving the metadata to the new id. Discard is the default.
package hibernation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/cache"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/policy"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/rs/zerolog"
)

// DefaultBulkDelay is the pause between items of a bulk operation.
const DefaultBulkDelay = 200 * time.Millisecond

// Store is the persisted state the engine reads and writes besides the cache.
// kv.Store satisfies it.
type Store interface {
	LoadSettings(ctx context.Context) (tab.Settings, error)
	LoadHibernatedTabs(ctx context.Context) ([]tab.HibernatedTab, error)
	SaveHibernatedTabs(ctx context.Context, list []tab.HibernatedTab) error
}

// ActivityView tells the engine which tabs are currently active.
// tracker.Tracker satisfies it.
type ActivityView interface {
	IsActive(tabID int) bool
}

// Engine owns the hibernate and restore transitions.
type Engine struct {
	cache     *cache.Cache
	protected *cache.Protected
	browser   browser.Browser
	store     Store
	activity  ActivityView
	now       func() time.Time
	log       zerolog.Logger
	bulkDelay time.Duration

	running atomic.Bool
	// listMu guards read-modify-write of the hibernated tabs list.
	listMu sync.Mutex

	locksMu sync.Mutex
	locks   map[int]*tabLock
}

// tabLock serializes transitions of one tab. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type tabLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithBulkDelay sets the pause between bulk items. Zero disables pacing.
func WithBulkDelay(d time.Duration) Option {
	return func(e *Engine) { e.bulkDelay = d }
}

// WithActivity sets the view used to exclude active tabs.
func WithActivity(a ActivityView) Option {
	return func(e *Engine) { e.activity = a }
}

// New creates an engine.
func New(c *cache.Cache, p *cache.Protected, b browser.Browser, store Store, opts ...Option) *Engine {
	e := &Engine{
		cache:     c,
		protected: p,
		browser:   b,
		store:     store,
		now:       time.Now,
		log:       zerolog.Nop(),
		bulkDelay: DefaultBulkDelay,
		locks:     make(map[int]*tabLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CycleResult summarizes one automatic evaluation.
type CycleResult struct {
	Evaluated  int  `json:"evaluated"`
	Hibernated int  `json:"hibernated"`
	Failed     int  `json:"failed"`
	Disabled   bool `json:"disabled,omitempty"`
	// Skipped is set when another cycle was still running.
	Skipped bool `json:"skipped,omitempty"`
}

// Cycle evaluates every tracked tab against the automatic rules and
// hibernates the eligible ones. Settings are re-read on every call. Only one
// cycle runs at a time; an overlapping call returns immediately with Skipped.
// A failed discard is logged and left for the next cycle.
func (e *Engine) Cycle(ctx context.Context) (CycleResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return CycleResult{Skipped: true}, nil
	}
	defer e.running.Store(false)

	settings, err := e.store.LoadSettings(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	rules, err := policy.Compile(settings.Hibernation)
	if err != nil {
		return CycleResult{}, errors.NewInvalidRequest(err.Error())
	}
	if !settings.Hibernation.Enabled {
		return CycleResult{Disabled: true}, nil
	}

	var res CycleResult
	now := e.now()
	for _, rec := range e.cache.Records() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Evaluated++
		if reason := rules.Automatic(e.candidate(rec), now); reason != policy.Eligible {
			continue
		}
		if _, err := e.transition(ctx, rec.TabID, tab.ModeDiscard, func(cur tab.Record) policy.Reason {
			return rules.Automatic(e.candidate(cur), e.now())
		}); err != nil {
			if !errors.Is(err, errors.ErrPolicyViolation) {
				res.Failed++
			}
			continue
		}
		res.Hibernated++
	}

	if res.Hibernated > 0 || res.Failed > 0 {
		e.log.Info().
			Int("evaluated", res.Evaluated).
			Int("hibernated", res.Hibernated).
			Int("failed", res.Failed).
			Msg("hibernation cycle")
	}
	return res, nil
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Hibernate handles an explicit request for one tab. Only protection blocks
// it; a protected tab yields a POLICY_VIOLATION error. Hibernating an already
// hibernated tab succeeds without doing anything.
func (e *Engine) Hibernate(ctx context.Context, tabID int, mode tab.Mode) (tab.Record, error) {
	if mode == "" {
		mode = tab.ModeDiscard
	}
	if !mode.Valid() {
		return tab.Record{}, errors.NewInvalidRequest("unknown hibernation mode: " + string(mode))
	}
	rec, ok := e.cache.Lookup(tabID)
	if !ok || rec.Closed() {
		return tab.Record{}, errors.NewNotFound(tabID)
	}
	if reason := policy.Manual(e.candidate(rec)); reason != policy.Eligible {
		return rec, errors.NewPolicyViolation(tabID, string(reason))
	}
	return e.transition(ctx, tabID, mode, func(cur tab.Record) policy.Reason {
		return policy.Manual(e.candidate(cur))
	})
}

// transition re-checks the tab under its lock and hibernates it.
func (e *Engine) transition(ctx context.Context, tabID int, mode tab.Mode, recheck func(tab.Record) policy.Reason) (tab.Record, error) {
	unlock := e.lockTab(tabID)
	defer unlock()

	rec, ok := e.cache.Lookup(tabID)
	if !ok || rec.Closed() {
		return tab.Record{}, errors.NewNotFound(tabID)
	}
	if rec.Hibernated {
		return rec, nil
	}
	if reason := recheck(rec); reason != policy.Eligible {
		return rec, errors.NewPolicyViolation(tabID, string(reason))
	}

	switch mode {
	case tab.ModeClose:
		return e.closeTab(ctx, rec)
	default:
		return e.discardTab(ctx, rec)
	}
}

func (e *Engine) discardTab(ctx context.Context, rec tab.Record) (tab.Record, error) {
	t, err := e.browser.Discard(ctx, rec.TabID)
	if err != nil {
		e.log.Warn().Err(err).Int("tab_id", rec.TabID).Msg("discard failed")
		return rec, errors.NewHostUnavailable("discard", err)
	}

	id := rec.TabID
	if t.ID != 0 && t.ID != id {
		// Some browsers hand back a replacement tab id for a discarded tab.
		e.cache.Reassign(id, t.ID, tab.Patch{})
		if err := e.protected.Reassign(ctx, id, t.ID); err != nil {
			e.log.Warn().Err(err).Int("tab_id", t.ID).Msg("move protection failed")
		}
		id = t.ID
	}
	out := e.markHibernated(id, tab.ModeDiscard)
	e.log.Info().Int("tab_id", id).Str("mode", string(tab.ModeDiscard)).Msg("tab hibernated")
	return out, nil
}

func (e *Engine) closeTab(ctx context.Context, rec tab.Record) (tab.Record, error) {
	at := e.now().UnixMilli()
	entry := tab.HibernatedFromRecord(rec, at)
	if err := e.addHibernated(ctx, entry); err != nil {
		e.log.Warn().Err(err).Int("tab_id", rec.TabID).Msg("save hibernated tab failed")
		return rec, err
	}
	if err := e.browser.Remove(ctx, rec.TabID); err != nil {
		e.log.Warn().Err(err).Int("tab_id", rec.TabID).Msg("close for hibernation failed")
		if _, rbErr := e.takeHibernated(ctx, rec.TabID); rbErr != nil {
			e.log.Error().Err(rbErr).Int("tab_id", rec.TabID).Msg("roll back hibernated tab failed")
		}
		return rec, errors.NewHostUnavailable("remove", err)
	}
	out := e.markHibernated(rec.TabID, tab.ModeClose)
	e.log.Info().Int("tab_id", rec.TabID).Str("mode", string(tab.ModeClose)).Msg("tab hibernated")
	return out, nil
}

func (e *Engine) markHibernated(id int, mode tab.Mode) tab.Record {
	now := e.now().UnixMilli()
	return e.cache.Apply(id, func(r tab.Record) tab.Patch {
		if r.Hibernated {
			return tab.Patch{}
		}
		return tab.Patch{
			Hibernated:       tab.Ptr(true),
			HibernationCount: tab.Ptr(r.HibernationCount + 1),
			HibernatedAt:     tab.Ptr(now),
			HibernationMode:  tab.Ptr(mode),
			Active:           tab.Ptr(false),
		}
	})
}

// Restore brings a hibernated tab back. Restoring an active tab succeeds
// without doing anything. For ModeClose the tab is recreated and the
// returned record carries the new tab id.
func (e *Engine) Restore(ctx context.Context, tabID int) (tab.Record, error) {
	unlock := e.lockTab(tabID)
	defer unlock()

	rec, ok := e.cache.Lookup(tabID)
	if !ok {
		// The record may have been purged while the closed tab sat in the list.
		entry, found, err := e.findHibernated(ctx, tabID)
		if err != nil {
			return tab.Record{}, err
		}
		if !found {
			return tab.Record{}, errors.NewNotFound(tabID)
		}
		return e.recreate(ctx, tabID, entry.URL)
	}
	if !rec.Hibernated {
		return rec, nil
	}

	if rec.HibernationMode == tab.ModeClose {
		url := rec.URL
		if entry, found, err := e.findHibernated(ctx, tabID); err == nil && found && entry.URL != "" {
			url = entry.URL
		}
		return e.recreate(ctx, tabID, url)
	}

	if err := e.browser.Reload(ctx, tabID); err != nil {
		e.log.Warn().Err(err).Int("tab_id", tabID).Msg("restore failed")
		return rec, errors.NewHostUnavailable("reload", err)
	}
	out := e.markRestored(tabID)
	e.log.Info().Int("tab_id", tabID).Msg("tab restored")
	return out, nil
}

// MarkRestored records that the browser itself brought a soft-hibernated tab
// back, e.g. because the user activated it. It reports whether anything changed.
func (e *Engine) MarkRestored(tabID int) bool {
	rec, ok := e.cache.Lookup(tabID)
	if !ok || !rec.Hibernated || rec.HibernationMode == tab.ModeClose {
		return false
	}
	e.markRestored(tabID)
	e.log.Info().Int("tab_id", tabID).Msg("tab restored by activation")
	return true
}

func (e *Engine) markRestored(id int) tab.Record {
	now := e.now().UnixMilli()
	return e.cache.Upsert(id, tab.Patch{
		Hibernated:        tab.Ptr(false),
		ClearHibernatedAt: true,
		LastAccessed:      tab.Ptr(now),
		ClearClosedAt:     true,
	})
}

func (e *Engine) recreate(ctx context.Context, oldID int, url string) (tab.Record, error) {
	if url == "" {
		return tab.Record{}, errors.NewInvalidRequest("hibernated tab has no URL to restore")
	}
	t, err := e.browser.Create(ctx, browser.CreateProps{URL: url, Active: false})
	if err != nil {
		e.log.Warn().Err(err).Int("tab_id", oldID).Msg("recreate failed")
		return tab.Record{}, errors.NewHostUnavailable("create", err)
	}

	now := e.now().UnixMilli()
	out := e.cache.Reassign(oldID, t.ID, tab.Patch{
		URL:               tab.Ptr(t.URL),
		WindowID:          tab.Ptr(t.WindowID),
		Index:             tab.Ptr(t.Index),
		Active:            tab.Ptr(t.Active),
		Hibernated:        tab.Ptr(false),
		ClearHibernatedAt: true,
		LastAccessed:      tab.Ptr(now),
		ClearClosedAt:     true,
	})
	if err := e.protected.Reassign(ctx, oldID, t.ID); err != nil {
		e.log.Warn().Err(err).Int("tab_id", t.ID).Msg("move protection failed")
	}
	if _, err := e.takeHibernated(ctx, oldID); err != nil {
		e.log.Warn().Err(err).Int("tab_id", oldID).Msg("drop hibernated entry failed")
	}
	e.log.Info().Int("old_tab_id", oldID).Int("tab_id", t.ID).Msg("tab recreated")
	return out, nil
}

// HibernatedTabs returns the hard-hibernation list.
func (e *Engine) HibernatedTabs(ctx context.Context) ([]tab.HibernatedTab, error) {
	e.listMu.Lock()
	defer e.listMu.Unlock()
	return e.store.LoadHibernatedTabs(ctx)
}

func (e *Engine) addHibernated(ctx context.Context, entry tab.HibernatedTab) error {
	e.listMu.Lock()
	defer e.listMu.Unlock()

	list, err := e.store.LoadHibernatedTabs(ctx)
	if err != nil {
		return err
	}
	out := list[:0]
	for _, h := range list {
		if h.ID != entry.ID {
			out = append(out, h)
		}
	}
	return e.store.SaveHibernatedTabs(ctx, append(out, entry))
}

func (e *Engine) takeHibernated(ctx context.Context, id int) (tab.HibernatedTab, error) {
	e.listMu.Lock()
	defer e.listMu.Unlock()

	list, err := e.store.LoadHibernatedTabs(ctx)
	if err != nil {
		return tab.HibernatedTab{}, err
	}
	var taken tab.HibernatedTab
	found := false
	out := list[:0]
	for _, h := range list {
		if h.ID == id && !found {
			taken, found = h, true
			continue
		}
		out = append(out, h)
	}
	if !found {
		return taken, nil
	}
	return taken, e.store.SaveHibernatedTabs(ctx, out)
}

func (e *Engine) findHibernated(ctx context.Context, id int) (tab.HibernatedTab, bool, error) {
	list, err := e.HibernatedTabs(ctx)
	if err != nil {
		return tab.HibernatedTab{}, false, err
	}
	for _, h := range list {
		if h.ID == id {
			return h, true, nil
		}
	}
	return tab.HibernatedTab{}, false, nil
}

func (e *Engine) candidate(r tab.Record) policy.Candidate {
	c := policy.Candidate{Record: r}
	if e.activity != nil {
		c.Active = e.activity.IsActive(r.TabID)
	}
	if e.protected != nil {
		c.Protected = e.protected.Has(r.TabID)
	}
	return c
}

func (e *Engine) lockTab(id int) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &tabLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}

// lockCount reports how many per-tab locks are held or awaited.
func (e *Engine) lockCount() int {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	return len(e.locks)
}
