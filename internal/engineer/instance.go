package engineer

import (
	"errors"
	"fmt"
	"math"

	"cropharvest-orchestrator/internal/labels"
)

// ErrUnfillableGap marks a pixel whose gaps cannot be interpolated: some
// band has no finite observation in any timestep. Scenes hitting it are
// skipped, not failed.
var ErrUnfillableGap = errors.New("band has no finite values across timesteps")

// FeatureInstance is one engineered training example: a year of satellite
// data at the pixel nearest a harmonized label.
type FeatureInstance struct {
	Dataset     string                                       `json:"dataset"`
	Index       int                                          `json:"index"`
	Label       string                                       `json:"label,omitempty"`
	IsCrop      bool                                         `json:"is_crop"`
	LabelLat    float64                                      `json:"label_lat"`
	LabelLon    float64                                      `json:"label_lon"`
	InstanceLat float64                                      `json:"instance_lat"`
	InstanceLon float64                                      `json:"instance_lon"`
	Values      [NumTimesteps][FinalBandsPerTimestep]float64 `json:"values"`
}

// AppendNDVI appends (B8-B4)/(B8+B4) to every timestep of a raw series.
// A denominator that is not strictly positive yields 0, never NaN or Inf.
func AppendNDVI(series [][]float64) [][]float64 {
	b8 := RawIndex("B8")
	b4 := RawIndex("B4")

	out := make([][]float64, len(series))
	for t, row := range series {
		ndvi := 0.0
		if denom := row[b8] + row[b4]; denom > 0 {
			ndvi = (row[b8] - row[b4]) / denom
		}
		out[t] = append(append(make([]float64, 0, len(row)+1), row...), ndvi)
	}
	return out
}

// RemoveBands drops the removed raw band columns (B1, B10) from every
// timestep. Columns appended after the raw layout, like NDVI, ride along
// untouched.
func RemoveBands(series [][]float64) [][]float64 {
	drop := make(map[int]bool, len(RemovedBands))
	for _, b := range RemovedBands {
		drop[RawIndex(b)] = true
	}

	out := make([][]float64, len(series))
	for t, row := range series {
		kept := make([]float64, 0, len(row)-len(RemovedBands))
		for i, v := range row {
			if !drop[i] {
				kept = append(kept, v)
			}
		}
		out[t] = kept
	}
	return out
}

// FillGaps replaces NaNs in place with the band's mean over timesteps. A
// slope column with no finite values falls back to avgSlope; any other
// all-NaN band is an unfillable gap.
func FillGaps(series [][]float64, avgSlope float64) error {
	if len(series) == 0 {
		return nil
	}
	cols := len(series[0])
	slopeCol := FinalIndex("slope")

	for col := 0; col < cols; col++ {
		sum, n := 0.0, 0
		for _, row := range series {
			if v := row[col]; !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n == len(series) {
			continue
		}

		var fill float64
		switch {
		case n > 0:
			fill = sum / float64(n)
		case col == slopeCol && !math.IsNaN(avgSlope):
			fill = avgSlope
		default:
			return fmt.Errorf("column %d: %w", col, ErrUnfillableGap)
		}
		for _, row := range series {
			if math.IsNaN(row[col]) {
				row[col] = fill
			}
		}
	}
	return nil
}

// BuildInstance engineers the labeled pixel of a scene: nearest pixel to
// the label's coordinates, NDVI appended, B1/B10 removed, gaps filled.
func BuildInstance(scene *Scene, point labels.LabeledPoint) (*FeatureInstance, error) {
	xi := NearestIndex(scene.X, point.Lon)
	yi := NearestIndex(scene.Y, point.Lat)
	if xi < 0 || yi < 0 {
		return nil, fmt.Errorf("scene has an empty coordinate grid")
	}

	series := RemoveBands(AppendNDVI(scene.PixelSeries(xi, yi)))
	if err := FillGaps(series, scene.AverageSlope()); err != nil {
		return nil, err
	}

	inst := &FeatureInstance{
		Dataset:     point.Dataset,
		Index:       point.Index,
		Label:       point.Label,
		IsCrop:      point.IsCrop == nil || *point.IsCrop,
		LabelLat:    point.Lat,
		LabelLon:    point.Lon,
		InstanceLat: scene.Y[yi],
		InstanceLon: scene.X[xi],
	}
	for t, row := range series {
		if len(row) != FinalBandsPerTimestep {
			return nil, fmt.Errorf("timestep %d has %d bands after engineering, expected %d", t, len(row), FinalBandsPerTimestep)
		}
		copy(inst.Values[t][:], row)
	}
	return inst, nil
}
