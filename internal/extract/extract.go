// Package extract holds the pluggable functions that turn a decoded feed
// response into entity ids and positions.
package extract

import (
	"encoding/json"
	"math"
	"strconv"

	"datatracker/internal/domain"
)

// ItemsFunc pulls the raw item sequence out of a decoded response. The
// boolean is false when the response does not hold a sequence.
type ItemsFunc func(response any) ([]any, bool)

// FilterFunc reports whether a raw item takes part in the cycle.
type FilterFunc func(item any) bool

// IDFunc returns the entity id of a raw item.
type IDFunc func(item any) (domain.EntityID, bool)

// MetadataFunc returns the position record of a raw item.
type MetadataFunc func(item any) (domain.Position, bool)

// CoordFunc reads one coordinate axis from a position.
type CoordFunc func(pos domain.Position) (float64, bool)

// Set is the full extraction configuration. Nil fields fall back to the
// matching default when passed through WithDefaults.
type Set struct {
	Items    ItemsFunc
	Filter   FilterFunc
	ID       IDFunc
	Metadata MetadataFunc
	Lon      CoordFunc
	Lat      CoordFunc
}

// Defaults returns extractors for feeds shaped like
// {"data": [{"id": ..., "lon": ..., "lat": ...}]}.
func Defaults() Set {
	return Set{
		Items:    DefaultItems,
		Filter:   AcceptAll,
		ID:       DefaultID,
		Metadata: DefaultMetadata,
		Lon:      Field("lon"),
		Lat:      Field("lat"),
	}
}

// WithDefaults fills every nil field of s from Defaults.
func (s Set) WithDefaults() Set {
	d := Defaults()
	if s.Items == nil {
		s.Items = d.Items
	}
	if s.Filter == nil {
		s.Filter = d.Filter
	}
	if s.ID == nil {
		s.ID = d.ID
	}
	if s.Metadata == nil {
		s.Metadata = d.Metadata
	}
	if s.Lon == nil {
		s.Lon = d.Lon
	}
	if s.Lat == nil {
		s.Lat = d.Lat
	}
	return s
}

// Coordinates extracts both axes of a position.
func (s Set) Coordinates(pos domain.Position) (lon, lat float64, ok bool) {
	lon, ok = s.Lon(pos)
	if !ok {
		return 0, 0, false
	}
	lat, ok = s.Lat(pos)
	if !ok {
		return 0, 0, false
	}
	return lon, lat, true
}

// DefaultItems returns response.data when present, otherwise the response.
func DefaultItems(response any) ([]any, bool) {
	if obj, ok := response.(map[string]any); ok {
		if data, present := obj["data"]; present && data != nil {
			response = data
		}
	}
	items, ok := response.([]any)
	return items, ok
}

func AcceptAll(any) bool { return true }

// DefaultID reads item.id.
func DefaultID(item any) (domain.EntityID, bool) {
	return ID(item, "id")
}

// DefaultMetadata builds {lon, lat} from lon|longitude and lat|latitude.
func DefaultMetadata(item any) (domain.Position, bool) {
	return pick(item, []string{"lon", "longitude"}, []string{"lat", "latitude"})
}

// Field returns a CoordFunc reading a numeric field of the position.
func Field(name string) CoordFunc {
	return func(pos domain.Position) (float64, bool) {
		if pos == nil {
			return 0, false
		}
		v, ok := pos[name]
		if !ok {
			return 0, false
		}
		return Float(v)
	}
}

// ID resolves a dotted path on item and renders the value as an entity id.
func ID(item any, path string) (domain.EntityID, bool) {
	v, ok := Lookup(item, path)
	if !ok {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return domain.EntityID(id), true
	case json.Number:
		return domain.EntityID(id.String()), true
	case float64:
		if math.IsNaN(id) || math.IsInf(id, 0) {
			return "", false
		}
		return domain.EntityID(strconv.FormatFloat(id, 'f', -1, 64)), true
	case int:
		return domain.EntityID(strconv.Itoa(id)), true
	case int64:
		return domain.EntityID(strconv.FormatInt(id, 10)), true
	case bool:
		return domain.EntityID(strconv.FormatBool(id)), true
	default:
		return "", false
	}
}

// Float coerces a decoded JSON scalar to a finite float64.
func Float(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func pick(item any, lonFields, latFields []string) (domain.Position, bool) {
	lon, ok := first(item, lonFields)
	if !ok {
		return nil, false
	}
	lat, ok := first(item, latFields)
	if !ok {
		return nil, false
	}
	return domain.Position{"lon": lon, "lat": lat}, true
}

func first(item any, paths []string) (any, bool) {
	for _, p := range paths {
		if v, ok := Lookup(item, p); ok {
			return v, true
		}
	}
	return nil, false
}
