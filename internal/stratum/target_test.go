package stratum

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTargetRejectsNonPositive(t *testing.T) {
	_, err := ComputeTarget(0)
	assert.Error(t, err)

	_, err = ComputeTarget(-1)
	assert.Error(t, err)
}

func TestComputeTargetLength(t *testing.T) {
	target, err := ComputeTarget(1)
	require.NoError(t, err)
	assert.Len(t, target, 64)
	assert.Equal(t, strings.ToLower(target), target)
}

func TestComputeTargetMonotonicallyDecreasing(t *testing.T) {
	low, err := ComputeTarget(1)
	require.NoError(t, err)
	high, err := ComputeTarget(1000)
	require.NoError(t, err)

	// Higher difficulty means a smaller (harder) target.
	assert.True(t, high < low, "target at diff 1000 (%s) should be less than at diff 1 (%s)", high, low)
}
