package workload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/clock"
)

func TestCountersTotals(t *testing.T) {
	counters := &Counters{}
	counters.ForKind(KindInsert).Add(3)
	counters.ForKind(KindUpdate).Add(2)
	counters.ForKind(KindDelete).Add(1)
	counters.ForKind(KindSelect).Add(5)
	counters.Transactions.Add(11)
	counters.Errors.Add(1)

	assert.Equal(t,
		Totals{Inserts: 3, Updates: 2, Deletes: 1, Selects: 5, Transactions: 11, Errors: 1},
		counters.Totals())
}

func TestTotalsAdd(t *testing.T) {
	a := Totals{Inserts: 1, Transactions: 1, Errors: 2}
	b := Totals{Inserts: 4, Selects: 3, Transactions: 7, ExpectedErrors: 5}
	assert.Equal(t,
		Totals{Inserts: 5, Selects: 3, Transactions: 8, Errors: 2, ExpectedErrors: 5},
		a.Add(b))
}

func TestNewRunState(t *testing.T) {
	testClock := clock.NewFakeClock(time.Now())
	state := NewRunState("mix", "alpha", testClock)
	assert.True(t, state.Running())
	assert.NotEmpty(t, state.RunID)
	assert.Equal(t, testClock.Now(), state.StartTime)

	second := NewRunState("mix", "alpha", testClock)
	assert.NotEqual(t, state.RunID, second.RunID)
}
