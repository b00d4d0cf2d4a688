// Package catalog holds the static set of known campus locations. A Catalog
// is validated once when it is built and never mutated afterwards.
package catalog

import "github.com/golang/geo/s2"

// Location is a known place with its canonical name and the alternative
// spellings people use for it.
type Location struct {
	Name      string   `json:"name" yaml:"name"`
	Aliases   []string `json:"aliases" yaml:"aliases"`
	Latitude  float64  `json:"latitude" yaml:"latitude"`
	Longitude float64  `json:"longitude" yaml:"longitude"`
}

// Keys returns the name followed by every alias, in declaration order.
func (l Location) Keys() []string {
	keys := make([]string, 0, len(l.Aliases)+1)
	keys = append(keys, l.Name)
	return append(keys, l.Aliases...)
}

// LatLng returns the location's coordinates as an s2 point.
func (l Location) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(l.Latitude, l.Longitude)
}

func (l Location) clone() Location {
	c := l
	c.Aliases = append([]string(nil), l.Aliases...)
	return c
}
