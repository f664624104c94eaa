package router

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/browser/browsertest"
	"github.com/hpungsan/weaver/internal/cache"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/hibernation"
	"github.com/hpungsan/weaver/internal/kv"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/hpungsan/weaver/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	router  *Router
	cache   *cache.Cache
	tracker *tracker.Tracker
	browser *browsertest.Fake
	store   *kv.Store
	clock   *clock
}

func newFixture(t *testing.T, tabs ...browser.Tab) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)}
	store := kv.New(kv.NewMemory())
	c := cache.New(store, cache.WithClock(clk.Now), cache.WithPersistWindow(time.Hour))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	p := cache.NewProtected(store)
	tr := tracker.New(c, tracker.WithClock(clk.Now))
	fake := browsertest.New(tabs...)
	eng := hibernation.New(c, p, fake, store,
		hibernation.WithClock(clk.Now),
		hibernation.WithActivity(tr),
		hibernation.WithBulkDelay(0),
	)
	for _, tb := range tabs {
		c.Upsert(tb.ID, hibernation.LivePatch(tb))
		if tb.Active {
			tr.SetActive(tb.WindowID, tb.ID)
		}
	}
	h := NewHandlers(Deps{
		Cache:     c,
		Protected: p,
		Engine:    eng,
		Tracker:   tr,
		Settings:  store,
		Browser:   fake,
	})
	return &fixture{router: New(h), cache: c, tracker: tr, browser: fake, store: store, clock: clk}
}

func (f *fixture) send(t *testing.T, msg string, sender ...Sender) map[string]any {
	t.Helper()
	var s Sender
	if len(sender) > 0 {
		s = sender[0]
	}
	resp := f.router.Dispatch(context.Background(), json.RawMessage(msg), s)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func threeTabs() []browser.Tab {
	return []browser.Tab{
		{ID: 1, WindowID: 1, Index: 0, URL: "https://news.example.com/a", Active: true},
		{ID: 2, WindowID: 1, Index: 1, URL: "https://docs.example.com/b"},
		{ID: 3, WindowID: 1, Index: 2, URL: "https://other.test/c", Pinned: true},
	}
}

func TestDispatch_UnknownType(t *testing.T) {
	f := newFixture(t)
	out := f.send(t, `{"type":"NOPE"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Unknown message type", out["error"])
	assert.Equal(t, string(errors.ErrUnknownMessage), out["code"])
}

func TestDispatch_MalformedMessage(t *testing.T) {
	f := newFixture(t)
	out := f.send(t, `not json`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])

	out = f.send(t, `{"type":"HIBERNATE_TAB","tabId":"seven"}`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])
}

func TestDispatch_RecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.router.handlers["BOOM"] = func(context.Context, Request) (any, error) {
		panic("kaboom")
	}

	out := f.send(t, `{"type":"BOOM"}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, string(errors.ErrInternal), out["code"])
	assert.NotContains(t, out["error"], "kaboom")
}

func TestDispatch_PlainErrorsBecomeInternal(t *testing.T) {
	f := newFixture(t)
	f.router.handlers["FAIL"] = func(context.Context, Request) (any, error) {
		return nil, stderrors.New("disk on fire")
	}

	out := f.send(t, `{"type":"FAIL"}`)
	assert.Equal(t, string(errors.ErrInternal), out["code"])
	assert.NotContains(t, out["error"], "disk on fire")
}

func TestTypes_CoverRegistry(t *testing.T) {
	types := Types()
	assert.Len(t, types, len(handlerRegistry))
	assert.Contains(t, types, TypeHibernateTab)
	assert.IsIncreasing(t, types)
}

func TestGetTabData(t *testing.T) {
	f := newFixture(t, threeTabs()...)

	one := f.send(t, `{"type":"GET_TAB_DATA","tabId":2}`)
	assert.Equal(t, float64(2), one["tabId"])
	assert.Equal(t, "https://docs.example.com/b", one["url"])

	all := f.send(t, `{"type":"GET_TAB_DATA"}`)
	assert.Len(t, all, 3)
	assert.Contains(t, all, "1")

	missing := f.send(t, `{"type":"GET_TAB_DATA","tabId":99}`)
	assert.Equal(t, string(errors.ErrNotFound), missing["code"])
}

func TestHibernateAndRestoreTab(t *testing.T) {
	f := newFixture(t, threeTabs()...)

	out := f.send(t, `{"type":"HIBERNATE_TAB","tabId":2}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "discard", out["mode"])

	rec, _ := f.cache.Lookup(2)
	assert.True(t, rec.Hibernated)
	assert.Equal(t, 1, rec.HibernationCount)

	out = f.send(t, `{"type":"RESTORE_TAB","tabId":2}`)
	assert.Equal(t, true, out["success"])
	rec, _ = f.cache.Lookup(2)
	assert.False(t, rec.Hibernated)
	assert.Equal(t, 1, rec.HibernationCount)

	// Restoring an active tab is a no-op success.
	out = f.send(t, `{"type":"RESTORE_TAB","tabId":2}`)
	assert.Equal(t, true, out["success"])
}

func TestHibernateTab_Protected(t *testing.T) {
	f := newFixture(t, threeTabs()...)

	require.Equal(t, true, f.send(t, `{"type":"PROTECT_TAB","tabId":2}`)["success"])
	out := f.send(t, `{"type":"HIBERNATE_TAB","tabId":2}`)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, string(errors.ErrPolicyViolation), out["code"])

	rec, _ := f.cache.Lookup(2)
	assert.False(t, rec.Hibernated)

	protected := f.router.Dispatch(context.Background(), json.RawMessage(`{"type":"GET_PROTECTED_TABS"}`), Sender{})
	assert.Equal(t, []int{2}, protected)

	require.Equal(t, true, f.send(t, `{"type":"UNPROTECT_TAB","tabId":2}`)["success"])
	assert.Equal(t, true, f.send(t, `{"type":"HIBERNATE_TAB","tabId":2}`)["success"])
}

func TestHibernateTab_MissingID(t *testing.T) {
	f := newFixture(t)
	out := f.send(t, `{"type":"HIBERNATE_TAB"}`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])
}

func TestHibernateTab_HostFailure(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	f.browser.FailTab(browsertest.OpDiscard, 2, stderrors.New("tab crashed"))

	out := f.send(t, `{"type":"HIBERNATE_TAB","tabId":2}`)
	assert.Equal(t, string(errors.ErrHostUnavailable), out["code"])
	rec, _ := f.cache.Lookup(2)
	assert.False(t, rec.Hibernated)
}

func TestUpdateTabActivity(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	ts := f.clock.Now().Add(time.Minute).UnixMilli()

	out := f.send(t, `{"type":"UPDATE_TAB_ACTIVITY","tabId":2,"timestamp":`+jsonInt(ts)+`}`)
	assert.Equal(t, true, out["success"])
	rec, _ := f.cache.Lookup(2)
	assert.Equal(t, ts, rec.LastAccessed)
}

func TestContentScriptMessages_AreSenderScoped(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	sender := Sender{Tab: &browser.Tab{ID: 2, WindowID: 1}}

	out := f.send(t, `{"type":"FORM_DATA_DETECTED","hasUnsavedData":true}`, sender)
	assert.Equal(t, true, out["success"])
	rec, _ := f.cache.Lookup(2)
	assert.True(t, rec.HasUnsavedData)

	f.clock.Advance(time.Minute)
	out = f.send(t, `{"type":"PAGE_ACTIVITY","timestamp":0}`, sender)
	assert.Equal(t, true, out["success"])
	rec, _ = f.cache.Lookup(2)
	assert.Equal(t, f.clock.Now().UnixMilli(), rec.LastAccessed)

	out = f.send(t, `{"type":"FORM_DATA_DETECTED","hasUnsavedData":true}`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])
	out = f.send(t, `{"type":"PAGE_ACTIVITY","timestamp":1}`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])
}

func TestActivityMessages_UnknownTabCreatesNoRecord(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	before := f.cache.Len()

	out := f.send(t, `{"type":"UPDATE_TAB_ACTIVITY","tabId":999,"timestamp":1}`)
	assert.Equal(t, true, out["success"])
	out = f.send(t, `{"type":"FORM_DATA_DETECTED","hasUnsavedData":true}`,
		Sender{Tab: &browser.Tab{ID: 777, WindowID: 1}})
	assert.Equal(t, true, out["success"])
	out = f.send(t, `{"type":"PAGE_ACTIVITY","timestamp":0}`,
		Sender{Tab: &browser.Tab{ID: 555, WindowID: 1}})
	assert.Equal(t, true, out["success"])

	assert.Equal(t, before, f.cache.Len())
	for _, id := range []int{999, 777, 555} {
		_, ok := f.cache.Lookup(id)
		assert.False(t, ok, "tab %d", id)
	}
	out = f.send(t, `{"type":"GET_PERFORMANCE_METRICS"}`)
	assert.Equal(t, float64(before), out["totalTabsManaged"])
}

func TestActivityMessages_ClosedTabUnchanged(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	closedAt := f.clock.Now().UnixMilli()
	f.cache.Upsert(3, tab.Patch{ClosedAt: tab.Ptr(closedAt)})
	before, _ := f.cache.Lookup(3)

	f.clock.Advance(time.Minute)
	sender := Sender{Tab: &browser.Tab{ID: 3, WindowID: 1}}
	f.send(t, `{"type":"PAGE_ACTIVITY","timestamp":0}`, sender)
	f.send(t, `{"type":"FORM_DATA_DETECTED","hasUnsavedData":true}`, sender)

	after, ok := f.cache.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, before.LastAccessed, after.LastAccessed)
	assert.False(t, after.HasUnsavedData)
}

func TestGetPerformanceMetrics(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	f.send(t, `{"type":"HIBERNATE_TAB","tabId":2}`)

	out := f.send(t, `{"type":"GET_PERFORMANCE_METRICS"}`)
	assert.Equal(t, float64(3), out["totalTabsManaged"])
	assert.Equal(t, float64(1), out["hibernatedTabs"])
	assert.Equal(t, float64(50), out["memorySavedMB"])
}

func TestGetTabGroups(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	groups, ok := f.router.Dispatch(context.Background(), json.RawMessage(`{"type":"GET_TAB_GROUPS"}`), Sender{}).([]tab.Group)
	require.True(t, ok)
	require.Len(t, groups, 2)
	assert.Equal(t, "example.com", groups[0].Name)
	assert.Equal(t, 2, groups[0].Count)
}

func TestHibernateAllAndRestoreAll(t *testing.T) {
	f := newFixture(t, threeTabs()...)

	out := f.send(t, `{"type":"HIBERNATE_ALL"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["succeeded"])
	assert.Equal(t, float64(2), out["skipped"])
	assert.Equal(t, "Hibernated 1 tab(s)", out["message"])

	out = f.send(t, `{"type":"RESTORE_ALL"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["succeeded"])
	assert.Equal(t, "Restored 1 tab(s)", out["message"])
}

func TestHibernateAll_BadMode(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	out := f.send(t, `{"type":"HIBERNATE_ALL","mode":"freeze"}`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])
}

func TestSettings(t *testing.T) {
	f := newFixture(t)

	out := f.send(t, `{"type":"GET_SETTINGS"}`)
	hib := out["hibernation"].(map[string]any)
	assert.Equal(t, float64(15), hib["timeThreshold"])

	out = f.send(t, `{"type":"SAVE_SETTINGS","settings":{"hibernation":{"timeThreshold":30,"excludePinned":false},"ui":{"theme":"dark"}}}`)
	assert.Equal(t, true, out["success"])

	s, err := f.store.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, s.Hibernation.TimeThresholdMinutes)
	assert.False(t, s.Hibernation.ExcludePinned)
	assert.True(t, s.Hibernation.ExcludeAudible, "omitted fields keep defaults")
	assert.JSONEq(t, `{"theme":"dark"}`, string(s.UI))

	// Omitted sections keep their stored value.
	out = f.send(t, `{"type":"SAVE_SETTINGS","settings":{"hibernation":{"timeThreshold":20}}}`)
	assert.Equal(t, true, out["success"])
	s, err = f.store.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(s.UI))
}

func TestSaveSettings_Invalid(t *testing.T) {
	f := newFixture(t)

	out := f.send(t, `{"type":"SAVE_SETTINGS","settings":{"hibernation":{"timeThreshold":0}}}`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])

	out = f.send(t, `{"type":"SAVE_SETTINGS"}`)
	assert.Equal(t, string(errors.ErrInvalidRequest), out["code"])

	s, err := f.store.LoadSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, s.Hibernation.TimeThresholdMinutes)
}

func TestGetHibernatedTabs(t *testing.T) {
	f := newFixture(t, threeTabs()...)

	empty := f.router.Dispatch(context.Background(), json.RawMessage(`{"type":"GET_HIBERNATED_TABS"}`), Sender{})
	assert.Equal(t, []tab.HibernatedTab{}, empty)

	out := f.send(t, `{"type":"HIBERNATE_TAB","tabId":2,"mode":"close"}`)
	require.Equal(t, true, out["success"])

	list, ok := f.router.Dispatch(context.Background(), json.RawMessage(`{"type":"GET_HIBERNATED_TABS"}`), Sender{}).([]tab.HibernatedTab)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].ID)
	assert.Equal(t, "https://docs.example.com/b", list[0].URL)
}

func TestSwitchToTab(t *testing.T) {
	f := newFixture(t, threeTabs()...)

	out := f.send(t, `{"type":"SWITCH_TO_TAB","tabId":3}`)
	assert.Equal(t, true, out["success"])
	live, _ := f.browser.Tab(3)
	assert.True(t, live.Active)

	out = f.send(t, `{"type":"SWITCH_TO_TAB","tabId":404}`)
	assert.Equal(t, string(errors.ErrHostUnavailable), out["code"])
}

func TestHibernateCurrent(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	f.tracker.OnWindowFocus(1)

	// The browser refuses to discard the active tab.
	out := f.send(t, `{"type":"HIBERNATE_CURRENT"}`)
	assert.Equal(t, string(errors.ErrHostUnavailable), out["code"])

	out = f.send(t, `{"type":"HIBERNATE_CURRENT","mode":"close"}`)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["tabId"])
	_, live := f.browser.Tab(1)
	assert.False(t, live)
}

func TestRunHibernationCheck(t *testing.T) {
	f := newFixture(t, threeTabs()...)
	f.clock.Advance(16 * time.Minute)

	out := f.send(t, `{"type":"RUN_HIBERNATION_CHECK"}`)
	assert.Equal(t, float64(1), out["hibernated"], "active and pinned tabs stay")
	rec, _ := f.cache.Lookup(2)
	assert.True(t, rec.Hibernated)
}

func jsonInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
