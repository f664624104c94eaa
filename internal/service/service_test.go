package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/browser/browsertest"
	"github.com/hpungsan/weaver/internal/config"
	"github.com/hpungsan/weaver/internal/kv"
	"github.com/hpungsan/weaver/internal/tab"
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
	svc     *Service
	mem     *kv.Memory
	store   *kv.Store
	browser *browsertest.Fake
	clock   *clock
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PersistWindow = config.Duration(time.Hour)
	cfg.BulkDelay = 0
	cfg.InitRetryDelay = config.Duration(10 * time.Millisecond)
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, tabs ...browser.Tab) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	mem := kv.NewMemory()
	store := kv.New(mem)
	fake := browsertest.New(tabs...)
	clk := &clock{t: time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)}
	svc := New(store, fake, cfg, WithClock(clk.Now))
	return &fixture{svc: svc, mem: mem, store: store, browser: fake, clock: clk}
}

func (f *fixture) record(t *testing.T, id int) tab.Record {
	t.Helper()
	r, ok := f.svc.Cache().Lookup(id)
	require.True(t, ok, "record %d", id)
	return r
}

func liveTab(id, window, index int, url string) browser.Tab {
	return browser.Tab{ID: id, WindowID: window, Index: index, URL: url}
}

func TestInit_RetriesUntilStoreAvailable(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.FailGets(stderrors.New("storage not ready"))

	done := make(chan error, 1)
	go func() { done <- f.svc.Init(context.Background()) }()

	require.Eventually(t, func() bool { return f.svc.Stats().InitAttempts >= 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, f.svc.Ready())
	f.mem.FailGets(nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("init did not finish")
	}
	assert.True(t, f.svc.Ready())
}

func TestInit_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.InitMaxAttempts = 3
	f := newFixture(t, cfg)
	f.mem.FailGets(stderrors.New("storage gone"))

	err := f.svc.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(3), f.svc.Stats().InitAttempts)
	assert.False(t, f.svc.Ready())
}

func TestInit_Cancelled(t *testing.T) {
	cfg := testConfig()
	cfg.InitRetryDelay = config.Duration(time.Hour)
	f := newFixture(t, cfg)
	f.mem.FailGets(stderrors.New("storage gone"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.svc.Init(ctx), context.DeadlineExceeded)
}

func TestInit_SyncsLiveTabsAndPurgesStale(t *testing.T) {
	f := newFixture(t, nil,
		liveTab(1, 1, 0, "https://a.example"),
		liveTab(2, 1, 1, "https://b.example"),
	)
	now := f.clock.Now()
	old := now.Add(-10 * 24 * time.Hour).UnixMilli()

	stored := map[int]tab.Record{}
	for id := 100; id < 110; id++ {
		r := tab.NewRecord(id, now)
		r.URL = "https://gone.example"
		r.LastAccessed = old
		stored[id] = r
	}
	fresh := tab.NewRecord(50, now)
	fresh.URL = "https://recent.example"
	stored[50] = fresh
	require.NoError(t, f.store.SaveTabData(context.Background(), stored, tab.Metrics{}))

	require.NoError(t, f.svc.Init(context.Background()))

	assert.Equal(t, 3, f.svc.Cache().Len(), "two live tabs and one recent record")
	assert.Equal(t, "https://b.example", f.record(t, 2).URL)
	assert.Equal(t, int64(10), f.svc.Stats().Purged)
}

func TestInit_BrowserUnavailable(t *testing.T) {
	f := newFixture(t, nil, liveTab(1, 1, 0, "https://a.example"))
	f.browser.Fail(browsertest.OpQuery, stderrors.New("extension not connected"))

	require.NoError(t, f.svc.Init(context.Background()))
	assert.True(t, f.svc.Ready())
	assert.Zero(t, f.svc.Cache().Len())
}

func TestHandleEvent_SessionLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx))

	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventSnapshot, WindowID: 1, Tabs: []browser.Tab{
		{ID: 1, WindowID: 1, Index: 0, URL: "https://a.example", Active: true},
		{ID: 2, WindowID: 1, Index: 1, URL: "https://b.example"},
	}})
	assert.True(t, f.record(t, 1).InSession(), "focused window's active tab is in session")
	assert.Zero(t, f.record(t, 1).ViewCount, "a snapshot is not a view")
	assert.Zero(t, f.record(t, 2).ViewCount)

	f.clock.Advance(time.Minute)
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventActivated, TabID: 2, WindowID: 1})
	r1 := f.record(t, 1)
	assert.False(t, r1.InSession())
	assert.Equal(t, int64(time.Minute/time.Millisecond), r1.TotalActiveDuration)
	r2 := f.record(t, 2)
	assert.True(t, r2.InSession())
	assert.Equal(t, 1, r2.ViewCount)

	f.clock.Advance(30 * time.Second)
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventFocusChanged, WindowID: browser.WindowNone})
	assert.Equal(t, int64(30_000), f.record(t, 2).TotalActiveDuration)
	assert.False(t, f.record(t, 2).InSession())

	f.clock.Advance(time.Hour)
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventFocusChanged, WindowID: 1})
	assert.True(t, f.record(t, 2).InSession())
	assert.Equal(t, int64(30_000), f.record(t, 2).TotalActiveDuration, "blurred time is not counted")
	assert.Equal(t, int64(4), f.svc.Stats().Events)
}

func TestHandleEvent_CreatedAndUpdated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created := browser.Tab{ID: 7, WindowID: 2, Index: 3, URL: "https://new.example", Title: "New"}
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventCreated, Tab: &created})
	r := f.record(t, 7)
	assert.Equal(t, "New", r.Title)
	assert.Zero(t, r.ViewCount)

	title := "Renamed"
	pinned := true
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventUpdated, TabID: 7, Change: &browser.ChangeInfo{Title: &title, Pinned: &pinned}})
	r = f.record(t, 7)
	assert.Equal(t, "Renamed", r.Title)
	assert.True(t, r.Pinned)
	assert.Equal(t, "https://new.example", r.URL)

	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventCreated})
	assert.Equal(t, 1, f.svc.Cache().Len(), "created without tab is ignored")
}

func TestHandleEvent_LoadCompleteRequestsFormCheck(t *testing.T) {
	f := newFixture(t, nil, liveTab(4, 1, 0, "https://form.example"))
	live, _ := f.browser.Tab(4)

	f.svc.HandleEvent(context.Background(), browser.Event{
		Kind:   browser.EventUpdated,
		TabID:  4,
		Tab:    &live,
		Change: &browser.ChangeInfo{Status: browser.StatusComplete},
	})

	require.Eventually(t, func() bool {
		return len(f.browser.CallsFor(browsertest.OpFormCheck)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{4}, f.browser.CallsFor(browsertest.OpFormCheck))
}

func TestHandleEvent_RemovedKeepsRecord(t *testing.T) {
	f := newFixture(t, nil,
		liveTab(1, 1, 0, "https://a.example"),
		liveTab(2, 1, 1, "https://b.example"),
	)
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx))

	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventActivated, TabID: 1, WindowID: 1})
	f.clock.Advance(time.Minute)
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventRemoved, TabID: 1, WindowID: 1})

	r := f.record(t, 1)
	require.NotNil(t, r.ClosedAt)
	assert.Equal(t, f.clock.Now().UnixMilli(), *r.ClosedAt)
	assert.False(t, r.Active)
	assert.Nil(t, r.SessionStartTime)
	assert.Equal(t, int64(60_000), r.TotalActiveDuration)
	assert.Equal(t, 1, f.svc.Cache().Metrics().TotalTabsManaged, "closed records are not counted")

	// A tab closed by hard hibernation stays restorable.
	_, err := f.svc.Engine().Hibernate(ctx, 2, tab.ModeClose)
	require.NoError(t, err)
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventRemoved, TabID: 2, WindowID: 1})
	r = f.record(t, 2)
	assert.Nil(t, r.ClosedAt)
	assert.True(t, r.Hibernated)
}

func TestHandleEvent_ActivationRestoresDiscarded(t *testing.T) {
	f := newFixture(t, nil,
		liveTab(1, 1, 0, "https://a.example"),
		liveTab(2, 1, 1, "https://b.example"),
	)
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx))

	_, err := f.svc.Engine().Hibernate(ctx, 2, tab.ModeDiscard)
	require.NoError(t, err)
	require.True(t, f.record(t, 2).Hibernated)

	f.clock.Advance(time.Minute)
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventActivated, TabID: 2, WindowID: 1})
	r := f.record(t, 2)
	assert.False(t, r.Hibernated)
	assert.Nil(t, r.HibernatedAt)
	assert.Equal(t, 1, r.HibernationCount)
	assert.Equal(t, 1, r.ViewCount)
}

func TestHandleEvent_ReloadedDiscardedTab(t *testing.T) {
	f := newFixture(t, nil, liveTab(1, 1, 0, "https://a.example"), liveTab(2, 1, 1, "https://b.example"))
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx))
	_, err := f.svc.Engine().Hibernate(ctx, 2, tab.ModeDiscard)
	require.NoError(t, err)

	discarded := false
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventUpdated, TabID: 2, Change: &browser.ChangeInfo{Discarded: &discarded}})
	assert.False(t, f.record(t, 2).Hibernated)
}

func TestHandleEvent_SnapshotMarksMissingClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventSnapshot, Tabs: []browser.Tab{
		liveTab(1, 1, 0, "https://a.example"),
		liveTab(2, 1, 1, "https://b.example"),
	}})
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventSnapshot, Tabs: []browser.Tab{
		liveTab(2, 1, 0, "https://b.example"),
	}})

	assert.NotNil(t, f.record(t, 1).ClosedAt)
	assert.Nil(t, f.record(t, 2).ClosedAt)
}

func TestHandleEvent_TeardownFlushes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created := liveTab(3, 1, 0, "https://a.example")
	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventCreated, Tab: &created})
	assert.Zero(t, f.mem.Puts(), "write is still coalescing")

	f.svc.HandleEvent(ctx, browser.Event{Kind: browser.EventTeardown})
	assert.Equal(t, 1, f.mem.Puts())

	var data map[string]tab.Record
	require.NoError(t, json.Unmarshal(f.mem.Raw(kv.KeyTabData), &data))
	assert.Contains(t, data, "3")
}

func TestRun_ConsumesEventsAndFlushesOnCancel(t *testing.T) {
	events := make(chan browser.Event, 4)
	mem := kv.NewMemory()
	svc := New(kv.New(mem), browsertest.New(), testConfig(), WithEvents(events))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	created := liveTab(9, 1, 0, "https://a.example")
	events <- browser.Event{Kind: browser.EventCreated, Tab: &created}
	require.Eventually(t, func() bool { return svc.Cache().Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	var data map[string]tab.Record
	require.NoError(t, json.Unmarshal(mem.Raw(kv.KeyTabData), &data))
	assert.Contains(t, data, "9")
}

func TestRun_PeriodicHibernationCycle(t *testing.T) {
	cfg := testConfig()
	cfg.HibernationCheckInterval = config.Duration(10 * time.Millisecond)
	f := newFixture(t, cfg,
		browser.Tab{ID: 1, WindowID: 1, Index: 0, URL: "https://a.example", Active: true},
		liveTab(2, 1, 1, "https://b.example"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	require.Eventually(t, f.svc.Ready, time.Second, 5*time.Millisecond)
	f.clock.Advance(16 * time.Minute)

	require.Eventually(t, func() bool {
		r, ok := f.svc.Cache().Lookup(2)
		return ok && r.Hibernated
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.record(t, 1).Hibernated, "active tab stays")

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, f.svc.Stats().AutoHibernated, int64(1))
}

func TestPurge_RequiresLiveTabs(t *testing.T) {
	f := newFixture(t, nil)
	f.browser.Fail(browsertest.OpQuery, stderrors.New("offline"))

	_, err := f.svc.Purge(context.Background())
	assert.Error(t, err)
}

func TestInit_PurgeDropsProtection(t *testing.T) {
	f := newFixture(t, nil, liveTab(1, 1, 0, "https://a.example"))
	ctx := context.Background()
	now := f.clock.Now()

	stale := tab.NewRecord(100, now)
	stale.URL = "https://gone.example"
	stale.LastAccessed = now.Add(-10 * 24 * time.Hour).UnixMilli()
	recent := tab.NewRecord(50, now)
	recent.URL = "https://recent.example"
	require.NoError(t, f.store.SaveTabData(ctx, map[int]tab.Record{100: stale, 50: recent}, tab.Metrics{}))
	require.NoError(t, f.store.SaveSavedTabs(ctx, []int{1, 50, 100}))

	require.NoError(t, f.svc.Init(ctx))

	assert.Equal(t, []int{1, 50}, f.svc.protected.IDs())
	saved, err := f.store.LoadSavedTabs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 50}, saved)
}

func TestPurge_DropsProtectionOfPurgedTabs(t *testing.T) {
	f := newFixture(t, nil, liveTab(1, 1, 0, "https://a.example"))
	ctx := context.Background()
	require.NoError(t, f.svc.Init(ctx))

	f.svc.Cache().Upsert(9, tab.Patch{
		URL:          tab.Ptr("https://gone.example"),
		LastAccessed: tab.Ptr(f.clock.Now().UnixMilli()),
	})
	require.NoError(t, f.svc.protected.Add(ctx, 1))
	require.NoError(t, f.svc.protected.Add(ctx, 9))

	n, err := f.svc.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recent record is kept")
	assert.True(t, f.svc.protected.Has(9))

	f.clock.Advance(8 * 24 * time.Hour)
	n, err = f.svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.svc.protected.Has(9))
	assert.True(t, f.svc.protected.Has(1), "live tab keeps its protection")
}
