package track

import (
	"sort"

	"github.com/golang/geo/s2"

	"datatracker/internal/domain"
	"datatracker/internal/history"
)

// EarthRadiusMeters is the mean Earth radius used for track lengths
const EarthRadiusMeters = 6371008.8

const DefaultMinPositions = 2

// Builder derives line tracks from entity history.
type Builder struct {
	minPositions int
	coords       history.CoordFunc
}

// New creates a builder. Entities need at least minPositions retained
// positions to produce a track.
func New(minPositions int, coords history.CoordFunc) *Builder {
	return &Builder{minPositions: minPositions, coords: coords}
}

// Moved returns the entities whose history is long enough to draw.
func (b *Builder) Moved(h domain.History) domain.History {
	moved := make(domain.History)
	for id, positions := range h {
		if len(positions) >= b.minPositions && len(positions) > 0 {
			moved[id] = positions
		}
	}
	return moved
}

// Tracks returns the moved entities as tracks ordered by id.
func (b *Builder) Tracks(h domain.History) []domain.Track {
	moved := b.Moved(h)

	ids := make([]domain.EntityID, 0, len(moved))
	for id := range moved {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tracks := make([]domain.Track, 0, len(ids))
	for _, id := range ids {
		positions := moved[id]
		coords := make([][2]float64, 0, len(positions))
		for _, pos := range positions {
			lon, lat, ok := b.coords(pos)
			if !ok {
				continue
			}
			coords = append(coords, [2]float64{lon, lat})
		}
		tracks = append(tracks, domain.Track{
			ID:           id,
			PointCount:   len(positions),
			Coordinates:  coords,
			LengthMeters: Length(coords),
		})
	}
	return tracks
}

// Build returns the moved entities as a GeoJSON collection of line features.
func (b *Builder) Build(h domain.History) domain.FeatureCollection {
	return Collection(b.Tracks(h))
}

// Collection wraps tracks in a FeatureCollection.
func Collection(tracks []domain.Track) domain.FeatureCollection {
	fc := domain.NewFeatureCollection()
	for _, t := range tracks {
		fc.Features = append(fc.Features, domain.Feature{
			Type: domain.TypeFeature,
			Properties: domain.FeatureProperties{
				ID:         t.ID,
				PointCount: t.PointCount,
			},
			Geometry: domain.LineString{
				Type:        domain.TypeLineString,
				Coordinates: t.Coordinates,
			},
		})
	}
	return fc
}

// Length sums the great-circle distance along [lon, lat] coordinates.
func Length(coords [][2]float64) float64 {
	var total float64
	for i := 1; i < len(coords); i++ {
		p1 := s2.LatLngFromDegrees(coords[i-1][1], coords[i-1][0])
		p2 := s2.LatLngFromDegrees(coords[i][1], coords[i][0])
		total += p1.Distance(p2).Radians() * EarthRadiusMeters
	}
	return total
}
