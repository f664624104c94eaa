package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hpungsan/weaver/internal/bridge"
	"github.com/hpungsan/weaver/internal/service"
)

// newRegistry exposes the cache and service counters. Values are read at
// scrape time so nothing in the hot path touches Prometheus.
func newRegistry(svc *service.Service, b *bridge.Bridge) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weaver_tabs_managed",
		Help: "Open tabs with a metadata record",
	}, func() float64 { return float64(svc.Handlers().Metrics().TotalTabsManaged) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weaver_tabs_hibernated",
		Help: "Open tabs currently hibernated",
	}, func() float64 { return float64(svc.Handlers().Metrics().HibernatedTabs) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weaver_memory_saved_megabytes",
		Help: "Estimated memory freed by hibernated tabs",
	}, func() float64 { return float64(svc.Handlers().Metrics().MemorySavedMB) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weaver_tab_records",
		Help: "Records in the metadata cache, including closed tabs awaiting purge",
	}, func() float64 { return float64(svc.Cache().Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weaver_extension_connected",
		Help: "1 when the browser extension is connected to the bridge",
	}, func() float64 { return boolGauge(b.Connected()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weaver_ready",
		Help: "1 once persisted state has been loaded",
	}, func() float64 { return boolGauge(svc.Ready()) })

	counters := []struct {
		name string
		help string
		get  func(service.Stats) int64
	}{
		{"weaver_events_total", "Tab lifecycle events applied", func(s service.Stats) int64 { return s.Events }},
		{"weaver_hibernation_cycles_total", "Automatic hibernation cycles completed", func(s service.Stats) int64 { return s.Cycles }},
		{"weaver_auto_hibernated_total", "Tabs hibernated by the automatic cycle", func(s service.Stats) int64 { return s.AutoHibernated }},
		{"weaver_hibernation_failures_total", "Automatic hibernations the browser rejected", func(s service.Stats) int64 { return s.CycleFailures }},
		{"weaver_purged_records_total", "Stale records removed by the retention purge", func(s service.Stats) int64 { return s.Purged }},
		{"weaver_init_attempts_total", "Attempts to load persisted state", func(s service.Stats) int64 { return s.InitAttempts }},
		{"weaver_checkpoints_total", "Active-duration checkpoints taken", func(s service.Stats) int64 { return s.Checkpoints }},
	}
	for _, c := range counters {
		get := c.get
		f.NewCounterFunc(prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(get(svc.Stats())) })
	}

	return reg
}

func newRequestCounter(reg *prometheus.Registry) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "weaver_http_requests_total",
		Help: "HTTP requests by status code and method",
	}, []string{"code", "method"})
}

// instrument counts requests. The promhttp delegator keeps http.Hijacker
// available for the websocket upgrade.
func instrument(counter *prometheus.CounterVec, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(counter, next)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
