package hub

import (
	"fmt"
	"math"

	"datatracker/internal/domain"
)

// TileID calculates the slippy map tile containing a point
func TileID(lat, lon float64, zoom int) string {
	n := math.Pow(2, float64(zoom))
	x := int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	maxTile := int(n) - 1
	if x < 0 {
		x = 0
	}
	if x > maxTile {
		x = maxTile
	}
	if y < 0 {
		y = 0
	}
	if y > maxTile {
		y = maxTile
	}

	return fmt.Sprintf("%d/%d/%d", zoom, x, y)
}

// ParseTileID extracts zoom, x, y from a tile ID string
func ParseTileID(tileID string) (zoom, x, y int, ok bool) {
	n, err := fmt.Sscanf(tileID, "%d/%d/%d", &zoom, &x, &y)
	if err != nil || n != 3 {
		return 0, 0, 0, false
	}
	return zoom, x, y, true
}

// TilesInBBox returns all tile IDs that intersect the given bounding box
func TilesInBBox(bb domain.BoundingBox, zoom int) []string {
	topLeft := TileID(bb.MaxLat, bb.MinLon, zoom)
	bottomRight := TileID(bb.MinLat, bb.MaxLon, zoom)

	z1, x1, y1, ok1 := ParseTileID(topLeft)
	z2, x2, y2, ok2 := ParseTileID(bottomRight)

	if !ok1 || !ok2 || z1 != z2 {
		return nil
	}

	var tiles []string
	for x := x1; x <= x2; x++ {
		for y := y1; y <= y2; y++ {
			tiles = append(tiles, fmt.Sprintf("%d/%d/%d", zoom, x, y))
		}
	}
	return tiles
}
