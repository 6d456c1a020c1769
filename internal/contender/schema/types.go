package schema

import (
	"github.com/contenderproject/contender/internal/common/contendererrors"
)

// IndexStrategy selects how the hot table's key side is organised. It is
// mutable at runtime; the segment allocation policy below is not.
type IndexStrategy string

const (
	// IndexNone leaves the hot table as a bare heap with no key constraint.
	IndexNone IndexStrategy = "none"
	// IndexBtree is a bigint primary key fed by one shared sequence, which
	// concentrates all inserts on the rightmost index leaf.
	IndexBtree IndexStrategy = "btree"
	// IndexReverse replaces the primary key with a unique index on the
	// reversed text of the id, scattering monotonic values across the index.
	IndexReverse IndexStrategy = "reverse"
	// IndexHashPart rebuilds the hot table hash-partitioned on id.
	IndexHashPart IndexStrategy = "hashpart"
	// IndexShardedSeq keeps the primary key but composes ids client side as
	// (shard << 40) | nextval, so each worker slot writes its own key range.
	IndexShardedSeq IndexStrategy = "shardedseq"
)

var indexStrategies = map[IndexStrategy]bool{
	IndexNone:       true,
	IndexBtree:      true,
	IndexReverse:    true,
	IndexHashPart:   true,
	IndexShardedSeq: true,
}

func ParseIndexStrategy(s string) (IndexStrategy, error) {
	strategy := IndexStrategy(s)
	if !indexStrategies[strategy] {
		return "", &contendererrors.ErrInvalidConfig{
			Name:    "indexStrategy",
			Value:   s,
			Message: "must be one of none, btree, reverse, hashpart, shardedseq",
		}
	}
	return strategy, nil
}

// AllocationPolicy selects how the segment table's storage is prepared.
// Fixed for the lifetime of a run.
type AllocationPolicy string

const (
	// AllocationNone starts from an empty heap; every insert extends it.
	AllocationNone AllocationPolicy = "none"
	// AllocationPreallocated pre-extends the heap by writing and deleting
	// filler rows, leaving allocated pages behind.
	AllocationPreallocated AllocationPolicy = "preallocated"
	// AllocationPartitioned spreads inserts over hash partitions.
	AllocationPartitioned AllocationPolicy = "partitioned"
)

var allocationPolicies = map[AllocationPolicy]bool{
	AllocationNone:         true,
	AllocationPreallocated: true,
	AllocationPartitioned:  true,
}

func ParseAllocationPolicy(s string) (AllocationPolicy, error) {
	policy := AllocationPolicy(s)
	if !allocationPolicies[policy] {
		return "", &contendererrors.ErrInvalidConfig{
			Name:    "allocationPolicy",
			Value:   s,
			Message: "must be one of none, preallocated, partitioned",
		}
	}
	return policy, nil
}

// GatherStatsSpec controls a statistics-gathering pass over one table.
type GatherStatsSpec struct {
	// Table is the base (un-namespaced) table name; empty means the segment
	// table.
	Table string `yaml:"table"`
	// StatisticsTarget sets the per-column statistics target before analysing;
	// zero leaves the column default untouched.
	StatisticsTarget int `yaml:"statisticsTarget"`
	// Columns to analyse and report on.
	Columns []string `yaml:"columns"`
}

// ColumnStats is the histogram metadata reported for one column after a
// statistics-gathering pass.
type ColumnStats struct {
	Column           string  `json:"column"`
	NDistinct        float64 `json:"nDistinct"`
	HistogramBuckets int     `json:"histogramBuckets"`
}

// StatsReport is the result of Manager.GatherStats.
type StatsReport struct {
	Table            string        `json:"table"`
	StatisticsTarget int           `json:"statisticsTarget"`
	Columns          []ColumnStats `json:"columns"`
}
