package catalog

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fourma/bikelocator/internal/resolver/tokenizer"
	apperrors "github.com/fourma/bikelocator/pkg/errors"
)

// DuplicatePolicy decides what happens when two different locations declare
// the same name or alias string.
type DuplicatePolicy string

const (
	// LastWins keeps the catalog and lets the location processed last own
	// the colliding key.
	LastWins DuplicatePolicy = "last-wins"
	// Reject fails catalog construction on the first collision.
	Reject DuplicatePolicy = "reject"
)

// Collision records a key declared by more than one location.
type Collision struct {
	Key    string
	Owners []string
}

// Catalog is an immutable, validated, ordered list of locations.
type Catalog struct {
	locations  []Location
	collisions []Collision
}

// New validates locations and builds a Catalog. Names and aliases are
// trimmed; blank aliases and invalid coordinates are rejected.
func New(locations []Location, policy DuplicatePolicy) (*Catalog, error) {
	if policy == "" {
		policy = LastWins
	}
	if policy != LastWins && policy != Reject {
		return nil, fmt.Errorf("%w: unknown duplicate policy %q", apperrors.ErrInvalidCatalog, policy)
	}

	cleaned := make([]Location, 0, len(locations))
	names := make(map[string]int, len(locations))
	for i, loc := range locations {
		loc, err := normalizeLocation(loc)
		if err != nil {
			return nil, fmt.Errorf("%w: location #%d: %v", apperrors.ErrInvalidCatalog, i, err)
		}
		if prev, ok := names[loc.Name]; ok {
			return nil, fmt.Errorf("%w: location name %q declared twice (#%d and #%d)",
				apperrors.ErrInvalidCatalog, loc.Name, prev, i)
		}
		names[loc.Name] = i
		cleaned = append(cleaned, loc)
	}

	collisions := findCollisions(cleaned)
	if len(collisions) > 0 {
		if policy == Reject {
			c := collisions[0]
			return nil, fmt.Errorf("%w: key %q declared by %s",
				apperrors.ErrInvalidCatalog, c.Key, strings.Join(c.Owners, ", "))
		}
		logger := slog.Default().With("component", "catalog")
		for _, c := range collisions {
			logger.Warn("duplicate location key, last declaration wins",
				"key", c.Key,
				"owners", c.Owners,
				"winner", c.Owners[len(c.Owners)-1],
			)
		}
	}

	return &Catalog{locations: cleaned, collisions: collisions}, nil
}

// Locations returns a copy of the catalog in declaration order.
func (c *Catalog) Locations() []Location {
	out := make([]Location, len(c.locations))
	for i, loc := range c.locations {
		out[i] = loc.clone()
	}
	return out
}

// Len returns the number of locations.
func (c *Catalog) Len() int {
	return len(c.locations)
}

// Names returns the canonical names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.locations))
	for i, loc := range c.locations {
		names[i] = loc.Name
	}
	return names
}

// Get returns the location with the given canonical name.
func (c *Catalog) Get(name string) (Location, bool) {
	for _, loc := range c.locations {
		if loc.Name == name {
			return loc.clone(), true
		}
	}
	return Location{}, false
}

// Collisions lists keys shared by more than one location, in the order they
// were first declared.
func (c *Catalog) Collisions() []Collision {
	return append([]Collision(nil), c.collisions...)
}

func normalizeLocation(loc Location) (Location, error) {
	loc.Name = strings.TrimSpace(loc.Name)
	if loc.Name == "" {
		return Location{}, fmt.Errorf("name is required")
	}
	if !loc.LatLng().IsValid() {
		return Location{}, fmt.Errorf("%s: coordinates (%v, %v) are not valid WGS84",
			loc.Name, loc.Latitude, loc.Longitude)
	}
	aliases := make([]string, 0, len(loc.Aliases))
	for j, alias := range loc.Aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			return Location{}, fmt.Errorf("%s: alias #%d is blank", loc.Name, j)
		}
		aliases = append(aliases, alias)
	}
	loc.Aliases = aliases
	return loc, nil
}

// findCollisions groups keys by their normalized form, so "NG" and "ng" or
// "听5" and "听５" count as the same key.
func findCollisions(locations []Location) []Collision {
	owners := make(map[string][]string)
	first := make(map[string]string)
	var order []string
	for _, loc := range locations {
		for _, key := range loc.Keys() {
			norm := tokenizer.Normalize(key)
			prev := owners[norm]
			if len(prev) > 0 && prev[len(prev)-1] == loc.Name {
				continue
			}
			if prev == nil {
				order = append(order, norm)
				first[norm] = key
			}
			owners[norm] = append(prev, loc.Name)
		}
	}

	var collisions []Collision
	for _, norm := range order {
		if len(owners[norm]) > 1 {
			collisions = append(collisions, Collision{Key: first[norm], Owners: owners[norm]})
		}
	}
	return collisions
}
