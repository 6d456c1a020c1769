package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contenderproject/contender/internal/common/contendererrors"
)

func TestParseIndexStrategy(t *testing.T) {
	for _, s := range []string{"none", "btree", "reverse", "hashpart", "shardedseq"} {
		strategy, err := ParseIndexStrategy(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(strategy))
	}

	_, err := ParseIndexStrategy("bitmap")
	var invalid *contendererrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "indexStrategy", invalid.Name)
}

func TestParseAllocationPolicy(t *testing.T) {
	for _, s := range []string{"none", "preallocated", "partitioned"} {
		policy, err := ParseAllocationPolicy(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(policy))
	}

	_, err := ParseAllocationPolicy("extents")
	var invalid *contendererrors.ErrInvalidConfig
	require.ErrorAs(t, err, &invalid)
}
