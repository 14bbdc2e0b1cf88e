package engineer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

// observationFixture builds deterministic, non-trivial vectors.
func observationFixture(n, bands int) [][]float64 {
	vecs := make([][]float64, n)
	for i := range vecs {
		vec := make([]float64, bands)
		for b := range vec {
			vec[b] = float64(i*i)*0.25 + float64(b+1)*float64(i) - 3.0*float64(b)
		}
		vecs[i] = vec
	}
	return vecs
}

func TestFinalizeMatchesDirectStatistics(t *testing.T) {
	const bands = 4
	vecs := observationFixture(25, bands)

	z := NewNormalizer(bands)
	for _, vec := range vecs {
		z.Update(vec)
	}
	stats, err := Finalize(z.Snapshot())
	require.NoError(t, err)
	require.Equal(t, int64(25), stats.N)

	for b := 0; b < bands; b++ {
		column := make([]float64, len(vecs))
		for i, vec := range vecs {
			column[i] = vec[b]
		}
		mean, std := stat.MeanStdDev(column, nil)
		require.InDelta(t, mean, stats.Mean[b], 1e-9)
		require.InDelta(t, std, stats.Std[b], 1e-9)
	}
}

func TestFinalizeRejectsDegeneratePartials(t *testing.T) {
	_, err := Finalize(Partial{})
	require.Error(t, err)

	_, err = Finalize(Partial{N: 5, Mean: []float64{1, 2}, M2: []float64{1}})
	require.Error(t, err)

	z := NewNormalizer(2)
	z.Update([]float64{1, 2})
	_, err = Finalize(z.Snapshot())
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least 2 observations")
}

func TestMergePartialsEqualsSinglePass(t *testing.T) {
	const bands = 3
	vecs := observationFixture(30, bands)

	full := NewNormalizer(bands)
	for _, vec := range vecs {
		full.Update(vec)
	}
	want := full.Snapshot()

	// Unequal splits, as different scenes contribute different pixel
	// counts.
	var parts []Partial
	for _, chunk := range [][2]int{{0, 7}, {7, 18}, {18, 30}} {
		z := NewNormalizer(bands)
		for _, vec := range vecs[chunk[0]:chunk[1]] {
			z.Update(vec)
		}
		parts = append(parts, z.Snapshot())
	}

	merged, ok := MergePartials(parts)
	require.True(t, ok)
	require.Equal(t, want.N, merged.N)
	for b := 0; b < bands; b++ {
		require.InDelta(t, want.Mean[b], merged.Mean[b], 1e-9)
		require.InDelta(t, want.M2[b], merged.M2[b], 1e-9)
	}
}

func TestMergePartialsRejectsInvalid(t *testing.T) {
	valid := Partial{N: 2, Mean: []float64{1}, M2: []float64{0.5}}

	_, ok := MergePartials(nil)
	require.False(t, ok)

	_, ok = MergePartials([]Partial{valid, {}})
	require.False(t, ok)

	_, ok = MergePartials([]Partial{valid, {N: 2, Mean: []float64{1, 2}, M2: []float64{0.5, 0.5}}})
	require.False(t, ok)
}

func TestUpdateInstanceCountsEveryTimestep(t *testing.T) {
	z := NewNormalizer(FinalBandsPerTimestep)
	inst := &FeatureInstance{}
	for t := range inst.Values {
		for b := range inst.Values[t] {
			inst.Values[t][b] = float64(t + b)
		}
	}
	z.UpdateInstance(inst)
	require.Equal(t, int64(NumTimesteps), z.Snapshot().N)
}
