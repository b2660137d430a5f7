package domain

// BoundingBox represents a geographic rectangle
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Contains checks if a point is within the bounding box
func (bb *BoundingBox) Contains(lat, lon float64) bool {
	return lat >= bb.MinLat && lat <= bb.MaxLat &&
		lon >= bb.MinLon && lon <= bb.MaxLon
}

// Intersects reports whether any coordinate of the line lies in the box
func (bb *BoundingBox) Intersects(coords [][2]float64) bool {
	for _, c := range coords {
		if bb.Contains(c[1], c[0]) {
			return true
		}
	}
	return false
}
