// Package resolver maps free-text location queries onto catalog locations.
// It flattens every canonical name and alias into one searchable index and
// accepts the best fuzzy match only when its score clears a threshold.
package resolver

import (
	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/internal/resolver/tokenizer"
)

// Index is the flattened, immutable key set of a catalog. Keys keep the
// position of their first registration; when two locations declare the same
// key, the location registered last owns it.
type Index struct {
	locations  []catalog.Location
	keys       []string
	normalized []string
	owner      map[string]int
}

// Build registers every location's name and then its aliases, walking the
// catalog in order. It is a pure function of its input.
func Build(locations []catalog.Location) *Index {
	ix := &Index{
		locations: locations,
		owner:     make(map[string]int),
	}
	for i, loc := range locations {
		for _, key := range loc.Keys() {
			if _, seen := ix.owner[key]; !seen {
				ix.keys = append(ix.keys, key)
				ix.normalized = append(ix.normalized, tokenizer.Normalize(key))
			}
			ix.owner[key] = i
		}
	}
	return ix
}

// Len returns the number of unique searchable keys.
func (ix *Index) Len() int {
	return len(ix.keys)
}

// Keys returns the searchable keys in registration order.
func (ix *Index) Keys() []string {
	return append([]string(nil), ix.keys...)
}

// Lookup returns the location that owns key exactly as registered.
func (ix *Index) Lookup(key string) (catalog.Location, bool) {
	i, ok := ix.owner[key]
	if !ok {
		return catalog.Location{}, false
	}
	return ix.locations[i], true
}

// Mapping returns a copy of the key to canonical-name mapping.
func (ix *Index) Mapping() map[string]string {
	m := make(map[string]string, len(ix.owner))
	for key, i := range ix.owner {
		m[key] = ix.locations[i].Name
	}
	return m
}
