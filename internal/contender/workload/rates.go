package workload

import (
	"math/rand"

	"github.com/contenderproject/contender/internal/common/contendererrors"
)

// Kind identifies one of the operations a worker can run against the
// database in a single transaction.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindSelect Kind = "select"
)

// AllKinds lists the operation kinds in the order used for weighted
// selection. Pick scans cumulative weights in exactly this order.
var AllKinds = []Kind{KindInsert, KindUpdate, KindDelete, KindSelect}

// Rates holds the relative weights used to pick the next operation.
// A weight of zero excludes that operation entirely.
type Rates struct {
	Insert int `yaml:"insert" json:"insert"`
	Update int `yaml:"update" json:"update"`
	Delete int `yaml:"delete" json:"delete"`
	Select int `yaml:"select" json:"select"`
}

func (r Rates) Total() int {
	return r.Insert + r.Update + r.Delete + r.Select
}

func (r Rates) weight(kind Kind) int {
	switch kind {
	case KindInsert:
		return r.Insert
	case KindUpdate:
		return r.Update
	case KindDelete:
		return r.Delete
	case KindSelect:
		return r.Select
	}
	return 0
}

// Validate rejects negative weights and the degenerate all-zero
// configuration, for which no operation could ever be picked.
func (r Rates) Validate() error {
	for _, kind := range AllKinds {
		if w := r.weight(kind); w < 0 {
			return &contendererrors.ErrInvalidConfig{
				Name:    "rates." + string(kind),
				Value:   w,
				Message: "rate weights must be non-negative",
			}
		}
	}
	if r.Total() == 0 {
		return &contendererrors.ErrInvalidConfig{
			Name:    "rates",
			Value:   r,
			Message: "at least one rate weight must be positive",
		}
	}
	return nil
}

// Pick draws an operation kind at random, weighted by the configured
// rates. The draw is uniform in [0, Total()) and the first kind whose
// cumulative weight exceeds it wins. Callers must have validated the
// rates first; Pick panics on a non-positive total.
func (r Rates) Pick(rnd *rand.Rand) Kind {
	draw := rnd.Intn(r.Total())
	cumulative := 0
	for _, kind := range AllKinds {
		cumulative += r.weight(kind)
		if draw < cumulative {
			return kind
		}
	}
	// Unreachable: the total of the weights bounds the draw.
	return KindSelect
}
