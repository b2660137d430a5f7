package domain

// EntityID identifies a tracked entity across polling cycles
type EntityID string

// Position is an opaque position record. Longitude and latitude are only
// read through the configured extractors.
type Position map[string]any

// History maps each entity to its positions, oldest first
type History map[EntityID][]Position

// Track is the derived polyline of an entity with enough history
type Track struct {
	ID           EntityID     `json:"id"`
	PointCount   int          `json:"pointCount"`
	Coordinates  [][2]float64 `json:"coordinates"`
	LengthMeters float64      `json:"lengthMeters"`
}

const (
	TypeFeatureCollection = "FeatureCollection"
	TypeFeature           = "Feature"
	TypeLineString        = "LineString"
)

// FeatureCollection is the GeoJSON envelope handed to renderers
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewFeatureCollection returns an empty collection that encodes features as []
func NewFeatureCollection() FeatureCollection {
	return FeatureCollection{Type: TypeFeatureCollection, Features: []Feature{}}
}

type Feature struct {
	Type       string            `json:"type"`
	Properties FeatureProperties `json:"properties"`
	Geometry   LineString        `json:"geometry"`
}

type FeatureProperties struct {
	ID         EntityID `json:"id"`
	PointCount int      `json:"pointCount"`
}

type LineString struct {
	Type        string       `json:"type"`
	Coordinates [][2]float64 `json:"coordinates"`
}

// Head returns the newest coordinate of the feature's line
func (f *Feature) Head() (lon, lat float64, ok bool) {
	c := f.Geometry.Coordinates
	if len(c) == 0 {
		return 0, 0, false
	}
	return c[len(c)-1][0], c[len(c)-1][1], true
}
