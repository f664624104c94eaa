package tab

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hpungsan/weaver/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewRecord(t *testing.T) {
	r := NewRecord(42, t0)

	assert.Equal(t, 42, r.TabID)
	assert.Equal(t, t0.UnixMilli(), r.FirstSeen)
	assert.Equal(t, t0.UnixMilli(), r.LastAccessed)
	assert.Zero(t, r.ViewCount)
	assert.Zero(t, r.TotalActiveDuration)
	assert.False(t, r.Hibernated)
	assert.Nil(t, r.SessionStartTime)
	assert.Nil(t, r.HibernatedAt)
	assert.False(t, r.Closed())
}

func TestPatchApply(t *testing.T) {
	r := NewRecord(1, t0)
	r.URL = "https://a.example.com"
	r.Title = "A"

	Patch{
		Title:            Ptr("B"),
		Pinned:           Ptr(true),
		ViewCount:        Ptr(3),
		SessionStartTime: Ptr(int64(99)),
	}.Apply(&r)

	assert.Equal(t, "https://a.example.com", r.URL, "nil fields are untouched")
	assert.Equal(t, "B", r.Title)
	assert.True(t, r.Pinned)
	assert.Equal(t, 3, r.ViewCount)
	require.NotNil(t, r.SessionStartTime)
	assert.Equal(t, int64(99), *r.SessionStartTime)
}

func TestPatchApply_ClearWins(t *testing.T) {
	r := NewRecord(1, t0)
	r.SessionStartTime = Ptr(int64(5))
	r.HibernatedAt = Ptr(int64(6))

	Patch{
		SessionStartTime:  Ptr(int64(7)),
		ClearSessionStart: true,
		ClearHibernatedAt: true,
	}.Apply(&r)

	assert.Nil(t, r.SessionStartTime)
	assert.Nil(t, r.HibernatedAt)
}

func TestPatchApply_DoesNotAlias(t *testing.T) {
	v := int64(10)
	r := NewRecord(1, t0)
	Patch{HibernatedAt: &v}.Apply(&r)
	v = 20
	assert.Equal(t, int64(10), *r.HibernatedAt)
}

func TestPatchIsEmpty(t *testing.T) {
	assert.True(t, Patch{}.IsEmpty())
	assert.False(t, Patch{Active: Ptr(false)}.IsEmpty())
	assert.False(t, Patch{ClearClosedAt: true}.IsEmpty())
}

func TestRecordClone(t *testing.T) {
	r := NewRecord(1, t0)
	r.SessionStartTime = Ptr(int64(1))

	c := r.Clone()
	*c.SessionStartTime = 2

	assert.Equal(t, int64(1), *r.SessionStartTime)
}

func TestRecordJSON(t *testing.T) {
	r := NewRecord(7, t0)
	r.URL = "https://example.com"
	r.HibernationMode = ModeDiscard

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(7), raw["tabId"])
	assert.Equal(t, "discard", raw["hibernationMode"])
	assert.Contains(t, raw, "sessionStartTime")
	assert.Nil(t, raw["sessionStartTime"])
	assert.NotContains(t, raw, "closedAt")
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeDiscard.Valid())
	assert.True(t, ModeClose.Valid())
	assert.False(t, Mode("").Valid())
	assert.False(t, Mode("freeze").Valid())
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	h := s.Hibernation

	assert.True(t, h.Enabled)
	assert.Equal(t, 15, h.TimeThresholdMinutes)
	assert.True(t, h.ExcludePinned)
	assert.True(t, h.ExcludeAudible)
	assert.True(t, h.ExcludeWithForms)
	assert.Empty(t, h.WhitelistedDomains)
	assert.Empty(t, h.BlacklistedDomains)
	assert.Equal(t, int64(15*60*1000), h.ThresholdMillis())
	assert.NoError(t, s.Validate())
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"zero threshold", func(s *Settings) { s.Hibernation.TimeThresholdMinutes = 0 }},
		{"negative threshold", func(s *Settings) { s.Hibernation.TimeThresholdMinutes = -5 }},
		{"bad whitelist glob", func(s *Settings) { s.Hibernation.WhitelistedDomains = []string{"[abc"} }},
		{"bad blacklist glob", func(s *Settings) { s.Hibernation.BlacklistedDomains = []string{"[xyz"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
		})
	}
}

func TestDecodeSettings_MergesDefaults(t *testing.T) {
	s, err := DecodeSettings([]byte(`{"hibernation":{"enabled":false,"timeThreshold":30},"ui":{"theme":"dark"}}`))
	require.NoError(t, err)

	assert.False(t, s.Hibernation.Enabled)
	assert.Equal(t, 30, s.Hibernation.TimeThresholdMinutes)
	assert.True(t, s.Hibernation.ExcludePinned, "absent field keeps default")
	assert.NotNil(t, s.Hibernation.WhitelistedDomains)
	assert.JSONEq(t, `{"theme":"dark"}`, string(s.UI))
}

func TestDecodeSettings_EmptyAndInvalid(t *testing.T) {
	s, err := DecodeSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)

	s, err = DecodeSettings([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestComputeMetrics(t *testing.T) {
	recs := []Record{
		{TabID: 1, Hibernated: true},
		{TabID: 2, Hibernated: true},
		{TabID: 3},
		{TabID: 4},
		{TabID: 5, Hibernated: true, ClosedAt: Ptr(int64(1))},
	}

	m := ComputeMetrics(recs, t0)

	assert.Equal(t, 4, m.TotalTabsManaged)
	assert.Equal(t, 2, m.HibernatedTabs)
	assert.Equal(t, 100, m.MemorySavedMB)
	assert.InDelta(t, 10.0, m.CPUSavedPercent, 1e-9)
	assert.Equal(t, t0.UnixMilli(), m.LastCalculated)
}

func TestComputeMetrics_NoTabs(t *testing.T) {
	m := ComputeMetrics(nil, t0)
	assert.Zero(t, m.TotalTabsManaged)
	assert.Zero(t, m.CPUSavedPercent)
}

func TestEstimateMemory(t *testing.T) {
	first := t0.UnixMilli()
	tests := []struct {
		age  time.Duration
		want int
	}{
		{0, 20},
		{10 * time.Minute, 25},
		{60 * time.Minute, 50},
		{100 * time.Minute, 70},
		{10 * time.Hour, 70},
		{-time.Minute, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateMemory(first, t0.Add(tt.age)), "age %s", tt.age)
	}
}

func TestHibernatedFromRecord(t *testing.T) {
	r := NewRecord(9, t0)
	r.URL = "https://example.com/page"
	r.Title = "Page"
	r.WindowID = 3

	h := HibernatedFromRecord(r, 123)
	assert.Equal(t, HibernatedTab{ID: 9, URL: r.URL, Title: "Page", WindowID: 3, HibernatedAt: 123}, h)
}
