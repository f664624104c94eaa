package kv

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/hpungsan/weaver/internal/db"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/tab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQL(conn)
}

// backends runs fn against both the SQLite and the in-memory backend.
func backends(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, New(NewMemory())) })
}

func TestTabData_RoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		empty, err := s.LoadTabData(ctx)
		require.NoError(t, err)
		assert.Empty(t, empty)

		records := map[int]tab.Record{
			1: {TabID: 1, URL: "https://a.example", ViewCount: 2},
			2: {TabID: 2, URL: "https://b.example", Hibernated: true, HibernatedAt: tab.Ptr(int64(50))},
		}
		metrics := tab.Metrics{TotalTabsManaged: 2, HibernatedTabs: 1, MemorySavedMB: 50, CPUSavedPercent: 10}
		require.NoError(t, s.SaveTabData(ctx, records, metrics))

		got, err := s.LoadTabData(ctx)
		require.NoError(t, err)
		assert.Equal(t, records, got)

		m, ok, err := s.LoadMetrics(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, metrics, m)
	})
}

func TestLoadTabData_IgnoresNonNumericKeys(t *testing.T) {
	mem := NewMemory()
	s := New(mem)
	ctx := context.Background()

	require.NoError(t, mem.Put(ctx, map[string][]byte{
		KeyTabData: []byte(`{"7":{"url":"https://x.example"},"junk":{"url":"y"}}`),
	}))

	got, err := s.LoadTabData(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[7].TabID, "tab id comes from the key")
}

func TestLoadTabData_Corrupt(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Put(context.Background(), map[string][]byte{KeyTabData: []byte(`[1,2`)}))

	_, err := New(mem).LoadTabData(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInternal))
}

func TestSettings(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		got, err := s.LoadSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, tab.DefaultSettings(), got)

		custom := tab.DefaultSettings()
		custom.Hibernation.TimeThresholdMinutes = 45
		custom.Hibernation.WhitelistedDomains = []string{"github.com"}
		require.NoError(t, s.SaveSettings(ctx, custom))

		got, err = s.LoadSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 45, got.Hibernation.TimeThresholdMinutes)
		assert.Equal(t, []string{"github.com"}, got.Hibernation.WhitelistedDomains)
	})
}

func TestSaveSettings_Invalid(t *testing.T) {
	mem := NewMemory()
	s := New(mem)

	bad := tab.DefaultSettings()
	bad.Hibernation.TimeThresholdMinutes = 0

	err := s.SaveSettings(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Zero(t, mem.Puts(), "nothing written")
}

func TestHibernatedTabs(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		list, err := s.LoadHibernatedTabs(ctx)
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)

		want := []tab.HibernatedTab{{ID: 3, URL: "https://c.example", Title: "C", HibernatedAt: 10}}
		require.NoError(t, s.SaveHibernatedTabs(ctx, want))

		list, err = s.LoadHibernatedTabs(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, list)

		require.NoError(t, s.SaveHibernatedTabs(ctx, nil))
		list, err = s.LoadHibernatedTabs(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestSavedTabs(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		ids, err := s.LoadSavedTabs(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)

		require.NoError(t, s.SaveSavedTabs(ctx, []int{9, 2, 5}))
		ids, err = s.LoadSavedTabs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 5, 9}, ids)
	})
}

func TestMemory_FailureInjection(t *testing.T) {
	mem := NewMemory()
	s := New(mem)
	ctx := context.Background()
	boom := stderrors.New("quota exceeded")

	mem.FailPuts(boom)
	err := s.SaveTabData(ctx, map[int]tab.Record{}, tab.Metrics{})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, mem.Puts())

	mem.FailPuts(nil)
	require.NoError(t, s.SaveTabData(ctx, map[int]tab.Record{}, tab.Metrics{}))
	assert.Equal(t, 1, mem.Puts())

	mem.FailGets(boom)
	_, err = s.LoadSettings(ctx)
	assert.ErrorIs(t, err, boom)
}
