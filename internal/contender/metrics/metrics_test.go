package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/scenario"
	"github.com/contenderproject/contender/internal/contender/workload"
)

type stubSource struct {
	status *scenario.EngineStatus
}

func (s *stubSource) Status() *scenario.EngineStatus {
	return s.status
}

func TestEngineCollector_IdleEngine(t *testing.T) {
	collector := NewEngineCollector(&stubSource{status: &scenario.EngineStatus{Scenario: scenario.ScenarioMix}})

	actual := getCurrentMetrics(collector)
	assert.Len(t, actual, 1)
	assert.Equal(t,
		prometheus.MustNewConstMetric(scenarioRunningDesc, prometheus.GaugeValue, 0, scenario.ScenarioMix),
		actual[0])
}

func TestEngineCollector_RunningEngine(t *testing.T) {
	status := &scenario.EngineStatus{
		Scenario: scenario.ScenarioMix,
		Running:  true,
		RunID:    "01H0000000000000000000TEST",
		Uptime:   90 * time.Second,
		Pool:     database.Stat{AcquiredConns: 3, IdleConns: 2, TotalConns: 5, MaxConns: 10},
		Totals: workload.Totals{
			Inserts:      100,
			Updates:      40,
			Deletes:      10,
			Selects:      50,
			Transactions: 200,
			Errors:       2,
		},
		Namespaces: []scenario.NamespaceStatus{
			{Namespace: "alpha", Concurrency: 4, Totals: workload.Totals{Transactions: 120}},
			{Namespace: "beta", Concurrency: 2, Totals: workload.Totals{Transactions: 80}},
		},
	}
	collector := NewEngineCollector(&stubSource{status: status})

	actual := getCurrentMetrics(collector)
	assert.Len(t, actual, 18)
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(scenarioRunningDesc, prometheus.GaugeValue, 1, scenario.ScenarioMix))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(scenarioUptimeDesc, prometheus.GaugeValue, 90, scenario.ScenarioMix))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, 100, scenario.ScenarioMix, "insert"))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, 50, scenario.ScenarioMix, "select"))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(transactionsDesc, prometheus.CounterValue, 200, scenario.ScenarioMix))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, 2, scenario.ScenarioMix))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, 3, scenario.ScenarioMix, "acquired"))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(poolConnectionsDesc, prometheus.GaugeValue, 10, scenario.ScenarioMix, "max"))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(namespaceTransactionsDesc, prometheus.CounterValue, 120, scenario.ScenarioMix, "alpha"))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(namespaceWorkersDesc, prometheus.GaugeValue, 2, scenario.ScenarioMix, "beta"))
}

func TestEngineCollector_MultipleEngines(t *testing.T) {
	collector := NewEngineCollector(
		&stubSource{status: &scenario.EngineStatus{Scenario: scenario.ScenarioMix}},
	)
	collector.Register(&stubSource{status: &scenario.EngineStatus{Scenario: scenario.ScenarioHotIndex}})

	actual := getCurrentMetrics(collector)
	assert.Len(t, actual, 2)
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(scenarioRunningDesc, prometheus.GaugeValue, 0, scenario.ScenarioMix))
	assert.Contains(t, actual,
		prometheus.MustNewConstMetric(scenarioRunningDesc, prometheus.GaugeValue, 0, scenario.ScenarioHotIndex))
}

func TestEngineCollector_SkipsNilStatus(t *testing.T) {
	collector := NewEngineCollector(&stubSource{status: nil})

	actual := getCurrentMetrics(collector)
	assert.Empty(t, actual)
}

func getCurrentMetrics(collector *EngineCollector) []prometheus.Metric {
	metricChan := make(chan prometheus.Metric, 1000)
	collector.Collect(metricChan)
	close(metricChan)

	actual := make([]prometheus.Metric, 0)
	for m := range metricChan {
		actual = append(actual, m)
	}
	return actual
}
