package scenario

import (
	"context"
	"strings"
	"time"

	"github.com/contenderproject/contender/internal/contender/configuration"
	"github.com/contenderproject/contender/internal/contender/database"
	"github.com/contenderproject/contender/internal/contender/event"
	"github.com/contenderproject/contender/internal/contender/workload"
)

// testServices wires an engine to the given fake pool and an in-memory
// event collector, with telemetry cadence fast enough for Eventually
// assertions. The fixed instance label skips the backend address lookup.
func testServices(pool *database.FakePool) (Services, *event.Collector) {
	collector := &event.Collector{}
	services := Services{
		OpenPool:  func(ctx context.Context) (database.Pool, error) { return pool, nil },
		Publisher: collector,
		Workload:  configuration.WorkloadConfig{DrainTimeout: 100 * time.Millisecond},
		Stats: configuration.StatsConfig{
			WorkloadInterval:  10 * time.Millisecond,
			WaitEventInterval: 10 * time.Millisecond,
		},
		WaitEvents: configuration.WaitEventsConfig{Instance: "test"},
	}
	return services, collector
}

func countMatching(statements []string, substring string) int {
	count := 0
	for _, statement := range statements {
		if strings.Contains(statement, substring) {
			count++
		}
	}
	return count
}

// phases lists the lifecycle phases published so far, in publish order.
func phases(collector *event.Collector) []string {
	var out []string
	for _, e := range collector.OfType(event.TypeStatus) {
		if payload, ok := e.Payload.(event.StatusPayload); ok {
			out = append(out, payload.Phase)
		}
	}
	return out
}

func statusMessages(collector *event.Collector) []string {
	var out []string
	for _, e := range collector.OfType(event.TypeStatus) {
		if payload, ok := e.Payload.(event.StatusPayload); ok {
			out = append(out, payload.Message)
		}
	}
	return out
}

func namespaceTotals(status *EngineStatus, ns string) (workload.Totals, bool) {
	for _, nsStatus := range status.Namespaces {
		if nsStatus.Namespace == ns {
			return nsStatus.Totals, true
		}
	}
	return workload.Totals{}, false
}
