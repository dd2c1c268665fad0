package memutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(256, "alignment"))
	require.NoError(t, CheckPow2(uint64(1), "alignment"))

	err := CheckPow2(0, "alignment")
	require.ErrorIs(t, err, PowerOfTwoError)

	err = CheckPow2(384, "alignment")
	require.ErrorIs(t, err, PowerOfTwoError)
	require.ErrorContains(t, err, "alignment is 384")
}

func TestAlign(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 256))
	require.Equal(t, 256, AlignUp(1, 256))
	require.Equal(t, 256, AlignUp(256, 256))
	require.Equal(t, uint64(0x20000), AlignUp(uint64(0x10001), 0x10000))

	require.Equal(t, 0, AlignDown(255, 256))
	require.Equal(t, 512, AlignDown(700, 256))

	require.True(t, IsAligned(512, 256))
	require.False(t, IsAligned(513, 256))

	require.Equal(t, uint32(4), DivideRoundingUp(uint32(25), 8))
	require.Equal(t, uint32(3), DivideRoundingUp(uint32(24), 8))
}

func TestDetailedStatistics(t *testing.T) {
	var stats DetailedStatistics
	stats.Clear()

	stats.PageCount = 2
	stats.PageUnits = 512
	stats.AddAllocation(16)
	stats.AddAllocation(64)
	stats.AddUnusedRange(432)

	var other DetailedStatistics
	other.Clear()
	other.AddAllocation(8)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 88, stats.AllocationUnits)
	require.Equal(t, 8, stats.AllocationSizeMin)
	require.Equal(t, 64, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 432, stats.UnusedRangeSizeMin)
}
