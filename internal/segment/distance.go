package segment

import (
	"math"

	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"tripwatch/internal/models"
)

const earthRadiusKm = 6371.0

// pathDistanceKm sums the great-circle distance over a segment's point
// geometries. Samples without a decodable point are skipped.
func pathDistanceKm(locs []models.Location) float64 {
	var (
		total    float64
		havePrev bool
		prevLat  float64
		prevLng  float64
	)
	for _, l := range locs {
		if len(l.Geometry) == 0 {
			continue
		}
		var g geom.T
		if err := geojson.Unmarshal(l.Geometry, &g); err != nil {
			continue
		}
		pt, ok := g.(*geom.Point)
		if !ok {
			continue
		}
		coords := pt.Coords()
		if len(coords) < 2 {
			continue
		}
		lng, lat := coords[0], coords[1]
		if havePrev {
			total += haversineKm(prevLat, prevLng, lat, lng)
		}
		prevLat, prevLng = lat, lng
		havePrev = true
	}
	return total
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
