package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collector implements prometheus.Collector, reading engine and WAN state
// on each scrape.
type collector struct {
	srv *Server

	passesTotal       *prometheus.Desc
	failedPassesTotal *prometheus.Desc
	dryRunsTotal      *prometheus.Desc
	instanceErrsTotal *prometheus.Desc
	passInProgress    *prometheus.Desc
	lastPassDuration  *prometheus.Desc
	lastAppliedTime   *prometheus.Desc
	instances         *prometheus.Desc
	eventsDropped     *prometheus.Desc

	wanReady       *prometheus.Desc
	wanActive      *prometheus.Desc
	wanPendingTest *prometheus.Desc
	wanCarrier     *prometheus.Desc
	wanFailures    *prometheus.Desc
	wanRenewals    *prometheus.Desc
	wanDiscarded   *prometheus.Desc
}

func newCollector(srv *Server) *collector {
	wanLabels := []string{"wan", "iface"}
	return &collector{
		srv: srv,

		passesTotal: prometheus.NewDesc(
			"netcfgd_reconcile_passes_total",
			"Reconciliation passes run, dry runs excluded.",
			nil, nil,
		),
		failedPassesTotal: prometheus.NewDesc(
			"netcfgd_reconcile_failed_passes_total",
			"Passes in which at least one instance failed.",
			nil, nil,
		),
		dryRunsTotal: prometheus.NewDesc(
			"netcfgd_reconcile_dry_runs_total",
			"Dry-run passes planned.",
			nil, nil,
		),
		instanceErrsTotal: prometheus.NewDesc(
			"netcfgd_reconcile_instance_errors_total",
			"Instance operations that failed.",
			nil, nil,
		),
		passInProgress: prometheus.NewDesc(
			"netcfgd_reconcile_in_progress",
			"1 while a pass is running.",
			nil, nil,
		),
		lastPassDuration: prometheus.NewDesc(
			"netcfgd_reconcile_last_duration_seconds",
			"Duration of the last pass.",
			nil, nil,
		),
		lastAppliedTime: prometheus.NewDesc(
			"netcfgd_reconcile_last_applied_timestamp_seconds",
			"Unix time the last pass finished.",
			nil, nil,
		),
		instances: prometheus.NewDesc(
			"netcfgd_instances",
			"Live plugin instances.",
			[]string{"category"}, nil,
		),
		eventsDropped: prometheus.NewDesc(
			"netcfgd_events_dropped_total",
			"Events dropped because the dispatcher queue was full.",
			nil, nil,
		),
		wanReady: prometheus.NewDesc(
			"netcfgd_wan_ready",
			"1 if the WAN link is ready to carry traffic.",
			wanLabels, nil,
		),
		wanActive: prometheus.NewDesc(
			"netcfgd_wan_active",
			"1 if the last health probe succeeded.",
			wanLabels, nil,
		),
		wanPendingTest: prometheus.NewDesc(
			"netcfgd_wan_pending_test",
			"1 while the link waits for its first probe after a change.",
			wanLabels, nil,
		),
		wanCarrier: prometheus.NewDesc(
			"netcfgd_wan_carrier",
			"1 if the link has carrier.",
			wanLabels, nil,
		),
		wanFailures: prometheus.NewDesc(
			"netcfgd_wan_consecutive_failures",
			"Consecutive failed health probes.",
			wanLabels, nil,
		),
		wanRenewals: prometheus.NewDesc(
			"netcfgd_wan_dhcp_renewals_total",
			"DHCP renewals requested by the health monitor.",
			wanLabels, nil,
		),
		wanDiscarded: prometheus.NewDesc(
			"netcfgd_wan_probes_discarded_total",
			"Probe cycles discarded because they raced a pass.",
			wanLabels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.passesTotal
	ch <- c.failedPassesTotal
	ch <- c.dryRunsTotal
	ch <- c.instanceErrsTotal
	ch <- c.passInProgress
	ch <- c.lastPassDuration
	ch <- c.lastAppliedTime
	ch <- c.instances
	ch <- c.eventsDropped
	ch <- c.wanReady
	ch <- c.wanActive
	ch <- c.wanPendingTest
	ch <- c.wanCarrier
	ch <- c.wanFailures
	ch <- c.wanRenewals
	ch <- c.wanDiscarded
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.srv
	st := s.engine.Stats()
	ch <- prometheus.MustNewConstMetric(c.passesTotal, prometheus.CounterValue, float64(st.Passes))
	ch <- prometheus.MustNewConstMetric(c.failedPassesTotal, prometheus.CounterValue, float64(st.FailedPasses))
	ch <- prometheus.MustNewConstMetric(c.dryRunsTotal, prometheus.CounterValue, float64(st.DryRuns))
	ch <- prometheus.MustNewConstMetric(c.instanceErrsTotal, prometheus.CounterValue, float64(st.InstanceErrs))
	ch <- prometheus.MustNewConstMetric(c.passInProgress, prometheus.GaugeValue, boolGauge(st.InProgress))
	ch <- prometheus.MustNewConstMetric(c.lastPassDuration, prometheus.GaugeValue, st.LastDuration.Seconds())
	if !st.LastApplied.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastAppliedTime, prometheus.GaugeValue,
			float64(st.LastApplied.UnixNano())/1e9)
	}

	counts := make(map[string]int)
	for _, in := range s.engine.Registry().Snapshot() {
		counts[in.ID.Category]++
	}
	for cat, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(n), cat)
	}

	if s.dropped != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(s.dropped()))
	}

	for name, ws := range s.wan.Statuses() {
		labels := []string{name, ws.Interface}
		ch <- prometheus.MustNewConstMetric(c.wanReady, prometheus.GaugeValue, boolGauge(ws.Ready), labels...)
		ch <- prometheus.MustNewConstMetric(c.wanActive, prometheus.GaugeValue, boolGauge(ws.Active), labels...)
		ch <- prometheus.MustNewConstMetric(c.wanPendingTest, prometheus.GaugeValue, boolGauge(ws.PendingTest), labels...)
		ch <- prometheus.MustNewConstMetric(c.wanCarrier, prometheus.GaugeValue, boolGauge(ws.Carrier), labels...)
		ch <- prometheus.MustNewConstMetric(c.wanFailures, prometheus.GaugeValue, float64(ws.FailureCount), labels...)
		ch <- prometheus.MustNewConstMetric(c.wanRenewals, prometheus.CounterValue, float64(ws.Renewals), labels...)
		ch <- prometheus.MustNewConstMetric(c.wanDiscarded, prometheus.CounterValue, float64(ws.Discarded), labels...)
	}
}
