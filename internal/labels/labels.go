package labels

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Drop reasons recorded in the harmonization report.
const (
	DropUnsupportedGeometry = "unsupported_geometry"
	DropInvalidCoordinates  = "invalid_coordinates"
	DropMissingExportEnd    = "missing_export_end"
	DropDuplicateIndex      = "duplicate_index"
)

// Canonical export window: scene exports end on February 1st.
const (
	ExportEndDay   = 1
	ExportEndMonth = time.February
)

// LabeledPoint is one harmonized label: a ground-truth location with its
// class, crop flag, and the export end date its satellite data is aligned
// to.
type LabeledPoint struct {
	Dataset       string
	Index         int
	Lon           float64
	Lat           float64
	Label         string
	IsCrop        *bool
	ExportEndDate time.Time
	Geometry      orb.Geometry
}

// Collection is the canonical labels collection the platform trains and
// engineers against.
type Collection struct {
	Points []LabeledPoint
}

// FieldMapping names the raw properties a source uses for each canonical
// field. Empty names mean the source does not carry that field.
type FieldMapping struct {
	Label     string
	IsCrop    string
	Index     string
	ExportEnd string
}

// RawSource is one raw GeoJSON collection plus the instructions for
// harmonizing it. Year is the collection year, used when features carry no
// export end date. IsCrop applies dataset-wide when the source has no
// per-feature crop property.
type RawSource struct {
	Dataset    string
	Year       int
	Mapping    FieldMapping
	IsCrop     *bool
	Collection *geojson.FeatureCollection
}

// Report summarizes a harmonization pass.
type Report struct {
	Kept       int
	Dropped    map[string]int
	PerDataset map[string]int
}

func (r Report) DroppedTotal() int {
	total := 0
	for _, n := range r.Dropped {
		total += n
	}
	return total
}

// Harmonize folds raw sources into one canonical collection. Features are
// processed in order; per dataset the kept features are re-indexed from 0.
// Polygon labels contribute their centroid as the point location. Features
// with out-of-range coordinates, unusable geometry, no resolvable export
// end, or a duplicate source index are dropped and counted, never fatal.
func Harmonize(sources []RawSource) (Collection, Report, error) {
	col := Collection{}
	report := Report{
		Dropped:    map[string]int{},
		PerDataset: map[string]int{},
	}

	for _, src := range sources {
		if src.Dataset == "" {
			return Collection{}, Report{}, fmt.Errorf("raw source without dataset name")
		}
		if src.Collection == nil {
			return Collection{}, Report{}, fmt.Errorf("raw source %s has no feature collection", src.Dataset)
		}

		next := 0
		seen := map[int]bool{}
		for _, feat := range src.Collection.Features {
			point, ok := anchorPoint(feat.Geometry)
			if !ok {
				report.Dropped[DropUnsupportedGeometry]++
				continue
			}
			if !validCoordinates(point) {
				report.Dropped[DropInvalidCoordinates]++
				continue
			}

			exportEnd, ok := exportEndFor(src, feat)
			if !ok {
				report.Dropped[DropMissingExportEnd]++
				continue
			}

			if src.Mapping.Index != "" {
				if idx, ok := intProperty(feat, src.Mapping.Index); ok {
					if seen[idx] {
						report.Dropped[DropDuplicateIndex]++
						continue
					}
					seen[idx] = true
				}
			}

			col.Points = append(col.Points, LabeledPoint{
				Dataset:       src.Dataset,
				Index:         next,
				Lon:           point.Lon(),
				Lat:           point.Lat(),
				Label:         stringProperty(feat, src.Mapping.Label),
				IsCrop:        cropFlag(src, feat),
				ExportEndDate: exportEnd,
				Geometry:      feat.Geometry,
			})
			next++
			report.Kept++
			report.PerDataset[src.Dataset]++
		}
	}
	return col, report, nil
}

// anchorPoint reduces a label geometry to one location: points pass
// through, polygons contribute their planar centroid.
func anchorPoint(g orb.Geometry) (orb.Point, bool) {
	switch geom := g.(type) {
	case orb.Point:
		return geom, true
	case orb.Polygon, orb.MultiPolygon:
		centroid, _ := planar.CentroidArea(geom)
		return centroid, true
	}
	return orb.Point{}, false
}

func validCoordinates(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// AlignExportEnd snaps a date to the canonical export day: the first
// February 1st on or after it.
func AlignExportEnd(d time.Time) time.Time {
	feb1 := time.Date(d.Year(), ExportEndMonth, ExportEndDay, 0, 0, 0, 0, time.UTC)
	if d.After(feb1) {
		return time.Date(d.Year()+1, ExportEndMonth, ExportEndDay, 0, 0, 0, 0, time.UTC)
	}
	return feb1
}

// ExportEndForYear is the canonical export end of a collection year:
// February 1st of the following year.
func ExportEndForYear(year int) time.Time {
	return time.Date(year+1, ExportEndMonth, ExportEndDay, 0, 0, 0, 0, time.UTC)
}

func exportEndFor(src RawSource, feat *geojson.Feature) (time.Time, bool) {
	if src.Mapping.ExportEnd != "" {
		if raw := stringProperty(feat, src.Mapping.ExportEnd); raw != "" {
			if d, err := parseDate(raw); err == nil {
				return AlignExportEnd(d), true
			}
			return time.Time{}, false
		}
	}
	if src.Year > 0 {
		return ExportEndForYear(src.Year), true
	}
	return time.Time{}, false
}

func parseDate(raw string) (time.Time, error) {
	if d, err := time.Parse("2006-01-02", raw); err == nil {
		return d, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func cropFlag(src RawSource, feat *geojson.Feature) *bool {
	if src.Mapping.IsCrop != "" {
		if v, ok := boolProperty(feat, src.Mapping.IsCrop); ok {
			return &v
		}
	}
	if src.IsCrop != nil {
		v := *src.IsCrop
		return &v
	}
	return nil
}
