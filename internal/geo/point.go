package geo

import (
	"encoding/json"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
)

// ParsePoint reads a location property value: an object carrying
// latitude/longitude (or lat/lon, lat/lng). It reports false for anything
// else.
func ParsePoint(raw any) (index.Point, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return index.Point{}, false
	}
	lat, okLat := coordinate(m, "latitude", "lat")
	lon, okLon := coordinate(m, "longitude", "lon", "lng")
	if !okLat || !okLon {
		return index.Point{}, false
	}
	return index.Point{Lat: lat, Lon: lon}, true
}

func coordinate(m map[string]any, names ...string) (float64, bool) {
	for k, v := range m {
		for _, n := range names {
			if strings.EqualFold(k, n) {
				return toFloat(v)
			}
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
