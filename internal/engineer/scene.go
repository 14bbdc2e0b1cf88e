package engineer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/sbinet/npyio"
)

// Scene is one decoded satellite export: a float64 cube of shape
// [SceneBandCount][height][width] plus the coordinate vectors of its pixel
// grid (x holds per-column longitudes, y per-row latitudes).
type Scene struct {
	Height int
	Width  int
	X      []float64
	Y      []float64

	values []float64
}

type sceneSidecar struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// DecodeScene parses an exported .npy cube and its JSON coordinate sidecar.
// The band axis must match the export contract exactly.
func DecodeScene(npy, sidecar []byte) (*Scene, error) {
	r, err := npyio.NewReader(bytes.NewReader(npy))
	if err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 3 {
		return nil, fmt.Errorf("scene export must be 3-dimensional, got shape %v", shape)
	}
	if r.Header.Descr.Fortran {
		return nil, fmt.Errorf("scene export must be C-ordered")
	}
	bands, height, width := shape[0], shape[1], shape[2]
	if bands != SceneBandCount {
		return nil, fmt.Errorf("scene has %d bands, export contract requires %d", bands, SceneBandCount)
	}

	var flat []float64
	if err := r.Read(&flat); err != nil {
		return nil, fmt.Errorf("read npy data: %w", err)
	}
	if len(flat) != bands*height*width {
		return nil, fmt.Errorf("scene data has %d values, shape %v requires %d", len(flat), shape, bands*height*width)
	}

	var sc sceneSidecar
	if err := json.Unmarshal(sidecar, &sc); err != nil {
		return nil, fmt.Errorf("parse coordinate sidecar: %w", err)
	}
	if len(sc.X) != width || len(sc.Y) != height {
		return nil, fmt.Errorf("sidecar coordinates (%d x, %d y) do not match scene grid (%d x, %d y)",
			len(sc.X), len(sc.Y), width, height)
	}

	return &Scene{Height: height, Width: width, X: sc.X, Y: sc.Y, values: flat}, nil
}

func (s *Scene) at(band, yi, xi int) float64 {
	return s.values[(band*s.Height+yi)*s.Width+xi]
}

// PixelSeries extracts one pixel as [NumTimesteps][RawBandsPerTimestep]
// rows: the timestep's dynamic bands followed by the scene's static bands,
// which repeat into every timestep.
func (s *Scene) PixelSeries(xi, yi int) [][]float64 {
	series := make([][]float64, NumTimesteps)
	for t := 0; t < NumTimesteps; t++ {
		row := make([]float64, RawBandsPerTimestep)
		for b := 0; b < numDynamicBands; b++ {
			row[b] = s.at(t*numDynamicBands+b, yi, xi)
		}
		for b := 0; b < numStaticBands; b++ {
			row[numDynamicBands+b] = s.at(NumTimesteps*numDynamicBands+b, yi, xi)
		}
		series[t] = row
	}
	return series
}

// AverageSlope is the mean of the scene's finite slope values, NaN when the
// slope plane holds none.
func (s *Scene) AverageSlope() float64 {
	slopeBand := NumTimesteps*numDynamicBands + 1
	sum, n := 0.0, 0
	for yi := 0; yi < s.Height; yi++ {
		for xi := 0; xi < s.Width; xi++ {
			v := s.at(slopeBand, yi, xi)
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// NearestIndex returns the index of the coordinate closest to v, -1 for an
// empty vector. Ties resolve to the lower index.
func NearestIndex(coords []float64, v float64) int {
	best, bestDist := -1, math.Inf(1)
	for i, c := range coords {
		if d := math.Abs(c - v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
