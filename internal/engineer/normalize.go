package engineer

import (
	"fmt"
	"math"
)

// Normalizer accumulates per-band mean and M2 online (Welford update) with
// one shared observation counter. Every timestep row of every instance is
// one observation.
type Normalizer struct {
	n    int64
	mean []float64
	m2   []float64
}

func NewNormalizer(bands int) *Normalizer {
	return &Normalizer{
		mean: make([]float64, bands),
		m2:   make([]float64, bands),
	}
}

// Update folds one observation in. vec must have the normalizer's band
// count.
func (z *Normalizer) Update(vec []float64) {
	z.n++
	for i := range z.mean {
		delta := vec[i] - z.mean[i]
		z.mean[i] += delta / float64(z.n)
		z.m2[i] += delta * (vec[i] - z.mean[i])
	}
}

// UpdateInstance folds every timestep of an instance in.
func (z *Normalizer) UpdateInstance(inst *FeatureInstance) {
	for t := range inst.Values {
		z.Update(inst.Values[t][:])
	}
}

// Snapshot copies the accumulator out as a mergeable partial.
func (z *Normalizer) Snapshot() Partial {
	p := Partial{
		N:    z.n,
		Mean: make([]float64, len(z.mean)),
		M2:   make([]float64, len(z.m2)),
	}
	copy(p.Mean, z.mean)
	copy(p.M2, z.m2)
	return p
}

// Partial is one scene's normalization contribution: N observations with
// per-band running mean and M2. Partials from different runs over disjoint
// scenes merge exactly.
type Partial struct {
	N    int64
	Mean []float64
	M2   []float64
}

func (p Partial) valid() bool {
	return p.N > 0 && len(p.Mean) > 0 && len(p.Mean) == len(p.M2)
}

// Stats is a finalized normalization: per-band mean and standard deviation
// using the n-1 estimator.
type Stats struct {
	N    int64
	Mean []float64
	Std  []float64
}

// Finalize turns an accumulated partial into mean/std.
func Finalize(p Partial) (Stats, error) {
	if !p.valid() {
		return Stats{}, fmt.Errorf("finalize: partial is empty or malformed")
	}
	if p.N < 2 {
		return Stats{}, fmt.Errorf("finalize: variance needs at least 2 observations, have %d", p.N)
	}

	stats := Stats{
		N:    p.N,
		Mean: make([]float64, len(p.Mean)),
		Std:  make([]float64, len(p.M2)),
	}
	copy(stats.Mean, p.Mean)
	for i, m2 := range p.M2 {
		stats.Std[i] = math.Sqrt(m2 / float64(p.N-1))
	}
	return stats, nil
}

// MergePartials combines per-scene partials into the accumulator a single
// pass over all observations would have produced (pairwise Chan merge).
// Parts must agree on band count; any empty or malformed part yields no
// merge.
func MergePartials(parts []Partial) (Partial, bool) {
	if len(parts) == 0 {
		return Partial{}, false
	}
	bands := len(parts[0].Mean)
	for _, p := range parts {
		if !p.valid() || len(p.Mean) != bands {
			return Partial{}, false
		}
	}

	merged := Partial{
		N:    parts[0].N,
		Mean: append([]float64(nil), parts[0].Mean...),
		M2:   append([]float64(nil), parts[0].M2...),
	}
	for _, p := range parts[1:] {
		n := merged.N + p.N
		for i := range merged.Mean {
			delta := p.Mean[i] - merged.Mean[i]
			merged.Mean[i] += delta * float64(p.N) / float64(n)
			merged.M2[i] += p.M2[i] + delta*delta*float64(merged.N)*float64(p.N)/float64(n)
		}
		merged.N = n
	}
	return merged, true
}
