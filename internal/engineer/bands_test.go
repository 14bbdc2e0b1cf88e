package engineer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBandRegistry(t *testing.T) {
	require.Len(t, DynamicBands, 17)
	require.Len(t, StaticBands, 2)
	require.Equal(t, 19, RawBandsPerTimestep)
	require.Equal(t, 206, SceneBandCount)
	require.Equal(t, 18, FinalBandsPerTimestep)
	require.Len(t, FinalBands, FinalBandsPerTimestep)
}

func TestRawIndex(t *testing.T) {
	require.Equal(t, 0, RawIndex("VV"))
	require.Equal(t, 1, RawIndex("VH"))
	require.Equal(t, 5, RawIndex("B4"))
	require.Equal(t, 9, RawIndex("B8"))
	require.Equal(t, 17, RawIndex("elevation"))
	require.Equal(t, 18, RawIndex("slope"))
	require.Equal(t, -1, RawIndex("B99"))
}

func TestFinalIndex(t *testing.T) {
	require.Equal(t, 0, FinalIndex("VV"))
	require.Equal(t, 16, FinalIndex("slope"))
	require.Equal(t, 17, FinalIndex(NDVIBand))
	require.Equal(t, FinalBandsPerTimestep-1, FinalIndex(NDVIBand))

	// Removed bands have no instance column.
	require.Equal(t, -1, FinalIndex("B1"))
	require.Equal(t, -1, FinalIndex("B10"))
}
