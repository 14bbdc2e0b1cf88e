package benchmark

import (
	"fmt"
	"math/rand"

	"cropharvest-orchestrator/internal/engineer"
)

// Sample is one training example: a flattened feature row and its binary
// label.
type Sample struct {
	X []float64
	Y float64
}

// Dataset is the in-memory training view of one dataset's persisted
// instances.
type Dataset struct {
	Name    string
	Samples []Sample
}

// Flatten lays an instance's timestep × band matrix out as one feature row.
func Flatten(values [engineer.NumTimesteps][engineer.FinalBandsPerTimestep]float64) []float64 {
	flat := make([]float64, 0, engineer.NumTimesteps*engineer.FinalBandsPerTimestep)
	for t := range values {
		flat = append(flat, values[t][:]...)
	}
	return flat
}

// FromInstances converts persisted feature instances into samples; the crop
// flag is the binary target.
func FromInstances(name string, instances []engineer.FeatureInstance) Dataset {
	d := Dataset{Name: name, Samples: make([]Sample, 0, len(instances))}
	for _, inst := range instances {
		y := 0.0
		if inst.IsCrop {
			y = 1.0
		}
		d.Samples = append(d.Samples, Sample{X: Flatten(inst.Values), Y: y})
	}
	return d
}

// Shuffle returns a copy permuted deterministically by seed.
func (d Dataset) Shuffle(seed int64) Dataset {
	out := Dataset{Name: d.Name, Samples: append([]Sample(nil), d.Samples...)}
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out.Samples), func(i, j int) {
		out.Samples[i], out.Samples[j] = out.Samples[j], out.Samples[i]
	})
	return out
}

// SplitAt splits into the first n samples and the remainder.
func (d Dataset) SplitAt(n int) (Dataset, Dataset) {
	if n >= len(d.Samples) {
		return d, Dataset{Name: d.Name}
	}
	return Dataset{Name: d.Name, Samples: d.Samples[:n]},
		Dataset{Name: d.Name, Samples: d.Samples[n:]}
}

// Standardize shifts and scales every feature column by per-band
// statistics. Flattened rows repeat the band axis, so column j uses band
// j % len(mean). A zero std leaves the column shifted but unscaled.
func (d Dataset) Standardize(mean, std []float64) (Dataset, error) {
	if len(mean) == 0 || len(mean) != len(std) {
		return Dataset{}, fmt.Errorf("standardize: mean and std must be non-empty and equal length")
	}
	out := Dataset{Name: d.Name, Samples: make([]Sample, len(d.Samples))}
	for i, s := range d.Samples {
		if len(s.X)%len(mean) != 0 {
			return Dataset{}, fmt.Errorf("standardize: row width %d is not a multiple of %d bands", len(s.X), len(mean))
		}
		x := make([]float64, len(s.X))
		for j, v := range s.X {
			b := j % len(mean)
			x[j] = v - mean[b]
			if std[b] != 0 {
				x[j] /= std[b]
			}
		}
		out.Samples[i] = Sample{X: x, Y: s.Y}
	}
	return out, nil
}

// XY unpacks the dataset into model inputs.
func (d Dataset) XY() ([][]float64, []float64) {
	X := make([][]float64, len(d.Samples))
	y := make([]float64, len(d.Samples))
	for i, s := range d.Samples {
		X[i] = s.X
		y[i] = s.Y
	}
	return X, y
}
