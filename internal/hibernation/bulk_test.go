package hibernation

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/hpungsan/weaver/internal/browser"
	"github.com/hpungsan/weaver/internal/browser/browsertest"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHibernateAll_SkipsPinnedAndActive(t *testing.T) {
	tabs := liveTabs(5)
	tabs[0].Pinned = true
	tabs[0].Active = true
	tabs[1].Pinned = true
	env := newEnv(t, nil, browsertest.New(tabs...))
	env.seed(t)

	res, err := env.engine.HibernateAll(context.Background(), BulkOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Failed)
	assert.Equal(t, []int{3, 4, 5}, env.browser.CallsFor(browsertest.OpDiscard))
	assert.Equal(t, "Hibernated 3 tab(s)", res.Message("hibernate"))
}

func TestHibernateAll_IgnoresThresholdButHonorsProtection(t *testing.T) {
	env := newEnv(t, nil, browsertest.New(liveTabs(3)...))
	env.seed(t)
	ctx := context.Background()
	require.NoError(t, env.protected.Add(ctx, 2))

	res, err := env.engine.HibernateAll(ctx, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.False(t, rec(t, env.cache, 2).Hibernated)
}

func TestHibernateAll_ContinuesPastFailures(t *testing.T) {
	fake := browsertest.New(liveTabs(4)...)
	env := newEnv(t, nil, fake)
	env.seed(t)
	fake.FailTab(browsertest.OpDiscard, 2, stderrors.New("boom"))

	res, err := env.engine.HibernateAll(context.Background(), BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Errors[0].TabID)
	assert.Equal(t, "Hibernated 3 of 4 tab(s), 1 failed", res.Message("hibernate"))
}

func TestHibernateAll_WindowFilterAndMode(t *testing.T) {
	tabs := liveTabs(3)
	tabs[2].WindowID = 2
	fake := browsertest.New(tabs...)
	env := newEnv(t, nil, fake)
	env.seed(t)

	res, err := env.engine.HibernateAll(context.Background(), BulkOptions{WindowID: tab.Ptr(2), Mode: tab.ModeClose})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	r := rec(t, env.cache, 3)
	assert.Equal(t, tab.ModeClose, r.HibernationMode)
	_, live := fake.Tab(3)
	assert.False(t, live)
}

func TestHibernateAll_QueryFailure(t *testing.T) {
	fake := browsertest.New(liveTabs(2)...)
	env := newEnv(t, nil, fake)
	fake.Fail(browsertest.OpQuery, stderrors.New("extension gone"))

	_, err := env.engine.HibernateAll(context.Background(), BulkOptions{})
	assert.Error(t, err)
}

func TestHibernateAll_Paced(t *testing.T) {
	fake := browsertest.New(liveTabs(3)...)
	env := newEnv(t, nil, fake)
	env.seed(t)
	env.engine.bulkDelay = 30 * time.Millisecond

	start := time.Now()
	res, err := env.engine.HibernateAll(context.Background(), BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond, "two waits between three items")
}

func TestHibernateAll_Cancelled(t *testing.T) {
	fake := browsertest.New(liveTabs(3)...)
	env := newEnv(t, nil, fake)
	env.seed(t)
	env.engine.bulkDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := env.engine.HibernateAll(ctx, BulkOptions{})
	assert.Error(t, err)
	assert.Equal(t, 1, res.Succeeded, "first item runs before the first wait")
}

func TestRestoreAll(t *testing.T) {
	fake := browsertest.New(liveTabs(3)...)
	env := newEnv(t, nil, fake)
	env.seed(t)
	ctx := context.Background()

	_, err := env.engine.Hibernate(ctx, 1, tab.ModeDiscard)
	require.NoError(t, err)
	_, err = env.engine.Hibernate(ctx, 2, tab.ModeClose)
	require.NoError(t, err)

	res, err := env.engine.RestoreAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, "Restored 2 tab(s)", res.Message("restore"))

	for _, r := range env.cache.Records() {
		assert.False(t, r.Hibernated, "tab %d", r.TabID)
	}
	list, err := env.engine.HibernatedTabs(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRestoreAll_Nothing(t *testing.T) {
	env := newEnv(t, nil, browsertest.New(liveTabs(1)...))
	env.seed(t)

	res, err := env.engine.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, "No tabs to restore", res.Message("restore"))
}

func TestLivePatch(t *testing.T) {
	r := tab.Record{TabID: 1, FavIconURL: "keep", ClosedAt: tab.Ptr(int64(1))}
	LivePatch(browser.Tab{ID: 1, URL: "https://x.example", Pinned: true, WindowID: 4}).Apply(&r)

	assert.Equal(t, "https://x.example", r.URL)
	assert.True(t, r.Pinned)
	assert.Equal(t, 4, r.WindowID)
	assert.Equal(t, "keep", r.FavIconURL, "empty favicon does not clear")
	assert.Nil(t, r.ClosedAt)
}
