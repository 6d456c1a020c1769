package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/contenderproject/contender/internal/contender/scenario"
	"github.com/contenderproject/contender/internal/contender/workload"
)

const MetricPrefix = "contender_"

// StatusSource reports a point-in-time snapshot of an engine. All scenario
// engines satisfy this.
type StatusSource interface {
	Status() *scenario.EngineStatus
}

// ExposeEngineMetrics registers an EngineCollector for the given engines with
// the default prometheus registry and returns it.
func ExposeEngineMetrics(sources ...StatusSource) *EngineCollector {
	collector := NewEngineCollector(sources...)
	prometheus.MustRegister(collector)
	return collector
}

// EngineCollector exposes engine run state as prometheus metrics. Counters
// are read from status snapshots on every scrape rather than incremented in
// the hot path, so workers never touch prometheus state.
type EngineCollector struct {
	mu      sync.Mutex
	sources []StatusSource
}

func NewEngineCollector(sources ...StatusSource) *EngineCollector {
	return &EngineCollector{sources: sources}
}

// Register adds an engine to the set scraped by this collector.
func (c *EngineCollector) Register(source StatusSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source)
}

var scenarioRunningDesc = prometheus.NewDesc(
	MetricPrefix+"scenario_running",
	"Whether a run is in progress, 1 indicates running, 0 indicates stopped.",
	[]string{"scenario"},
	nil,
)

var scenarioUptimeDesc = prometheus.NewDesc(
	MetricPrefix+"scenario_uptime_seconds",
	"Seconds since the current run started.",
	[]string{"scenario"},
	nil,
)

var operationsDesc = prometheus.NewDesc(
	MetricPrefix+"operations_total",
	"Operations committed since the run started, by kind.",
	[]string{"scenario", "kind"},
	nil,
)

var transactionsDesc = prometheus.NewDesc(
	MetricPrefix+"transactions_total",
	"Transactions committed since the run started.",
	[]string{"scenario"},
	nil,
)

var errorsDesc = prometheus.NewDesc(
	MetricPrefix+"errors_total",
	"Failed operations since the run started.",
	[]string{"scenario"},
	nil,
)

var expectedErrorsDesc = prometheus.NewDesc(
	MetricPrefix+"expected_errors_total",
	"Failed operations matched by the scenario's expected error classifier.",
	[]string{"scenario"},
	nil,
)

var invalidationsDesc = prometheus.NewDesc(
	MetricPrefix+"invalidations_total",
	"Routine invalidations issued since the run started.",
	[]string{"scenario"},
	nil,
)

var poolConnectionsDesc = prometheus.NewDesc(
	MetricPrefix+"pool_connections",
	"Connection pool state, by state.",
	[]string{"scenario", "state"},
	nil,
)

var namespaceTransactionsDesc = prometheus.NewDesc(
	MetricPrefix+"namespace_transactions_total",
	"Transactions committed since the run started, per namespace.",
	[]string{"scenario", "namespace"},
	nil,
)

var namespaceWorkersDesc = prometheus.NewDesc(
	MetricPrefix+"namespace_workers",
	"Configured worker count, per namespace.",
	[]string{"scenario", "namespace"},
	nil,
)

func (c *EngineCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- scenarioRunningDesc
	desc <- scenarioUptimeDesc
	desc <- operationsDesc
	desc <- transactionsDesc
	desc <- errorsDesc
	desc <- expectedErrorsDesc
	desc <- invalidationsDesc
	desc <- poolConnectionsDesc
	desc <- namespaceTransactionsDesc
	desc <- namespaceWorkersDesc
}

func (c *EngineCollector) Collect(metrics chan<- prometheus.Metric) {
	for _, source := range c.snapshot() {
		status := source.Status()
		if status == nil {
			continue
		}
		collectEngine(metrics, status)
	}
}

func (c *EngineCollector) snapshot() []StatusSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StatusSource(nil), c.sources...)
}

func collectEngine(metrics chan<- prometheus.Metric, status *scenario.EngineStatus) {
	running := float64(0)
	if status.Running {
		running = 1
	}
	metrics <- prometheus.MustNewConstMetric(scenarioRunningDesc, prometheus.GaugeValue, running, status.Scenario)
	if !status.Running {
		return
	}

	metrics <- prometheus.MustNewConstMetric(scenarioUptimeDesc, prometheus.GaugeValue, status.Uptime.Seconds(), status.Scenario)

	totals := status.Totals
	metrics <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(totals.Inserts), status.Scenario, string(workload.KindInsert))
	metrics <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(totals.Updates), status.Scenario, string(workload.KindUpdate))
	metrics <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(totals.Deletes), status.Scenario, string(workload.KindDelete))
	metrics <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(totals.Selects), status.Scenario, string(workload.KindSelect))
	metrics <- prometheus.MustNewConstMetric(transactionsDesc, prometheus.CounterValue, float64(totals.Transactions), status.Scenario)
	metrics <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(totals.Errors), status.Scenario)
	metrics <- prometheus.MustNewConstMetric(expectedErrorsDesc, prometheus.CounterValue, float64(totals.ExpectedErrors), status.Scenario)
	metrics <- prometheus.MustNewConstMetric(invalidationsDesc, prometheus.CounterValue, float64(totals.Invalidations), status.Scenario)

	pool := status.Pool
	metrics <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(pool.AcquiredConns), status.Scenario, "acquired")
	metrics <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(pool.IdleConns), status.Scenario, "idle")
	metrics <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(pool.TotalConns), status.Scenario, "total")
	metrics <- prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, float64(pool.MaxConns), status.Scenario, "max")

	for _, ns := range status.Namespaces {
		metrics <- prometheus.MustNewConstMetric(namespaceTransactionsDesc, prometheus.CounterValue, float64(ns.Totals.Transactions), status.Scenario, ns.Namespace)
		metrics <- prometheus.MustNewConstMetric(namespaceWorkersDesc, prometheus.GaugeValue, float64(ns.Concurrency), status.Scenario, ns.Namespace)
	}
}
