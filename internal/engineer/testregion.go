package engineer

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// MissingLabel marks a pixel covered by neither crop nor non-crop ground
// truth. Evaluation excludes these pixels.
const MissingLabel = -1

// RegionLabels is the ground truth of one evaluation region for a
// (crop, year) pair: geometries known to be that crop and geometries known
// to be something else.
type RegionLabels struct {
	Crop    []orb.Geometry
	NonCrop []orb.Geometry
}

// TestInstance engineers a whole scene for benchmark evaluation: one row
// per pixel with a {1, 0, -1} label.
type TestInstance struct {
	Dataset string
	Lats    []float64
	Lons    []float64
	Labels  []int
	Values  [][][]float64
}

// BuildTestInstance engineers every pixel of a scene against region labels.
// Point-in-polygon is planar on lon/lat. Gaps are filled with the
// scene-global per-band mean; a band with no finite value anywhere in the
// scene is an unfillable gap.
func BuildTestInstance(scene *Scene, region RegionLabels) (*TestInstance, error) {
	nPix := scene.Height * scene.Width
	inst := &TestInstance{
		Lats:   make([]float64, 0, nPix),
		Lons:   make([]float64, 0, nPix),
		Labels: make([]int, 0, nPix),
		Values: make([][][]float64, 0, nPix),
	}

	sums := make([]float64, FinalBandsPerTimestep)
	counts := make([]int, FinalBandsPerTimestep)

	for yi := 0; yi < scene.Height; yi++ {
		for xi := 0; xi < scene.Width; xi++ {
			series := RemoveBands(AppendNDVI(scene.PixelSeries(xi, yi)))
			for _, row := range series {
				for col, v := range row {
					if !math.IsNaN(v) {
						sums[col] += v
						counts[col]++
					}
				}
			}

			lon, lat := scene.X[xi], scene.Y[yi]
			inst.Lons = append(inst.Lons, lon)
			inst.Lats = append(inst.Lats, lat)
			inst.Labels = append(inst.Labels, labelFor(region, orb.Point{lon, lat}))
			inst.Values = append(inst.Values, series)
		}
	}

	means := make([]float64, FinalBandsPerTimestep)
	for col := range means {
		if counts[col] == 0 {
			return nil, fmt.Errorf("column %d: %w", col, ErrUnfillableGap)
		}
		means[col] = sums[col] / float64(counts[col])
	}
	for _, series := range inst.Values {
		for _, row := range series {
			for col, v := range row {
				if math.IsNaN(v) {
					row[col] = means[col]
				}
			}
		}
	}
	return inst, nil
}

func labelFor(region RegionLabels, p orb.Point) int {
	if containsAny(region.Crop, p) {
		return 1
	}
	if containsAny(region.NonCrop, p) {
		return 0
	}
	return MissingLabel
}

func containsAny(geoms []orb.Geometry, p orb.Point) bool {
	for _, g := range geoms {
		switch geom := g.(type) {
		case orb.Polygon:
			if planar.PolygonContains(geom, p) {
				return true
			}
		case orb.MultiPolygon:
			if planar.MultiPolygonContains(geom, p) {
				return true
			}
		}
	}
	return false
}
