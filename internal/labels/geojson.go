package labels

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// MarshalGeoJSON serializes the collection as a GeoJSON FeatureCollection.
// Each point becomes a Point feature carrying the canonical properties, so
// downstream tooling (and LoadCollection) can read it without the raw
// source mappings.
func (c Collection) MarshalGeoJSON() ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, p := range c.Points {
		feat := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		feat.Properties = geojson.Properties{
			"dataset":         p.Dataset,
			"index":           p.Index,
			"label":           p.Label,
			"export_end_date": p.ExportEndDate.Format("2006-01-02"),
		}
		if p.IsCrop != nil {
			feat.Properties["is_crop"] = *p.IsCrop
		}
		fc.Append(feat)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal labels collection: %w", err)
	}
	return data, nil
}

// LoadCollection parses a canonical collection produced by MarshalGeoJSON.
func LoadCollection(data []byte) (Collection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return Collection{}, fmt.Errorf("parse labels collection: %w", err)
	}

	col := Collection{Points: make([]LabeledPoint, 0, len(fc.Features))}
	for i, feat := range fc.Features {
		point, ok := feat.Geometry.(orb.Point)
		if !ok {
			return Collection{}, fmt.Errorf("feature %d: canonical collections hold Point geometry only", i)
		}

		dataset := stringProperty(feat, "dataset")
		if dataset == "" {
			return Collection{}, fmt.Errorf("feature %d: missing dataset property", i)
		}
		index, ok := intProperty(feat, "index")
		if !ok {
			return Collection{}, fmt.Errorf("feature %d: missing index property", i)
		}

		lp := LabeledPoint{
			Dataset:  dataset,
			Index:    index,
			Lon:      point.Lon(),
			Lat:      point.Lat(),
			Label:    stringProperty(feat, "label"),
			Geometry: point,
		}
		if raw := stringProperty(feat, "export_end_date"); raw != "" {
			d, err := parseDate(raw)
			if err != nil {
				return Collection{}, fmt.Errorf("feature %d: export_end_date: %w", i, err)
			}
			lp.ExportEndDate = d
		}
		if v, ok := boolProperty(feat, "is_crop"); ok {
			lp.IsCrop = &v
		}
		col.Points = append(col.Points, lp)
	}
	return col, nil
}

// Property coercion. Raw collections are loose about types: indexes arrive
// as JSON numbers or strings, crop flags as booleans, 0/1, or "True".

func stringProperty(feat *geojson.Feature, key string) string {
	if key == "" {
		return ""
	}
	switch v := feat.Properties[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

func intProperty(feat *geojson.Feature, key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	switch v := feat.Properties[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func boolProperty(feat *geojson.Feature, key string) (bool, bool) {
	if key == "" {
		return false, false
	}
	switch v := feat.Properties[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	}
	return false, false
}
