package catalog

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// GeoJSON renders the catalog as a FeatureCollection of points, one per
// location in catalog order. Feature IDs are the canonical names.
func (c *Catalog) GeoJSON() ([]byte, error) {
	fc := &geojson.FeatureCollection{
		Features: make([]*geojson.Feature, 0, len(c.locations)),
	}
	for _, loc := range c.locations {
		aliases := loc.Aliases
		if aliases == nil {
			aliases = []string{}
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       loc.Name,
			Geometry: geom.NewPointFlat(geom.XY, []float64{loc.Longitude, loc.Latitude}),
			Properties: map[string]any{
				"name":    loc.Name,
				"aliases": aliases,
			},
		})
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding catalog as geojson: %w", err)
	}
	return data, nil
}
