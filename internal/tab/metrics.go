package tab

import (
	"math"
	"time"
)

const (
	// MemorySavedPerTabMB is the fixed estimate credited for each hibernated tab.
	MemorySavedPerTabMB = 50
	// CPUSavedPerTabPercent is scaled by the hibernated fraction of tabs.
	CPUSavedPerTabPercent = 20.0

	baseMemoryMB   = 20
	memoryPerMinMB = 0.5
	maxAgeMemoryMB = 50
)

// Metrics is the derived performance summary.
type Metrics struct {
	TotalTabsManaged int     `json:"totalTabsManaged"`
	HibernatedTabs   int     `json:"hibernatedTabs"`
	MemorySavedMB    int     `json:"memorySavedMB"`
	CPUSavedPercent  float64 `json:"cpuSavedPercent"`
	LastCalculated   int64   `json:"lastCalculated"`
}

// ComputeMetrics derives metrics from the records of open tabs.
// Closed records are ignored.
func ComputeMetrics(records []Record, now time.Time) Metrics {
	m := Metrics{LastCalculated: now.UnixMilli()}
	for _, r := range records {
		if r.Closed() {
			continue
		}
		m.TotalTabsManaged++
		if r.Hibernated {
			m.HibernatedTabs++
		}
	}
	m.MemorySavedMB = m.HibernatedTabs * MemorySavedPerTabMB
	if m.TotalTabsManaged > 0 {
		m.CPUSavedPercent = float64(m.HibernatedTabs) / float64(m.TotalTabsManaged) * CPUSavedPerTabPercent
	}
	return m
}

// EstimateMemory returns the heuristic memory footprint in MB for a tab first
// seen at firstSeen: 20 plus half a MB per minute of age, the age part capped at 50.
func EstimateMemory(firstSeen int64, now time.Time) int {
	ageMin := float64(now.UnixMilli()-firstSeen) / float64(time.Minute.Milliseconds())
	if ageMin < 0 {
		ageMin = 0
	}
	return int(math.Round(baseMemoryMB + math.Min(ageMin*memoryPerMinMB, maxAgeMemoryMB)))
}
