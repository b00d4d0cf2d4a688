package resolver

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/internal/resolver/fuzz"
	"github.com/fourma/bikelocator/internal/resolver/tokenizer"
)

// DefaultThreshold is the minimum weighted-ratio score a match must reach.
const DefaultThreshold = 70

// Match is the outcome of a single resolution. Score and Key are diagnostic
// only.
type Match struct {
	Location catalog.Location
	Key      string
	Score    int
	Found    bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThreshold sets the default threshold used by Find.
func WithThreshold(threshold int) Option {
	return func(r *Resolver) {
		r.threshold = clampThreshold(threshold)
	}
}

// Resolver answers "which location does this text mean" queries. The index is
// built at most once, on Warm or on the first query, and is read-only after
// that, so a Resolver is safe for concurrent use.
type Resolver struct {
	catalog   *catalog.Catalog
	threshold int
	index     func() *Index
	logger    *slog.Logger
}

// New creates a Resolver over c. The index is not built until Warm or the
// first query.
func New(c *catalog.Catalog, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:   c,
		threshold: DefaultThreshold,
		logger:    slog.Default().With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.index = sync.OnceValue(func() *Index {
		ix := Build(r.catalog.Locations())
		r.logger.Info("alias mappings built",
			"locations", r.catalog.Len(),
			"unique_names", ix.Len(),
		)
		return ix
	})
	return r
}

// Warm builds the index now instead of on the first query and returns it.
func (r *Resolver) Warm() *Index {
	return r.index()
}

// Index returns the search index, building it if needed.
func (r *Resolver) Index() *Index {
	return r.index()
}

// Threshold returns the default threshold used by Find.
func (r *Resolver) Threshold() int {
	return r.threshold
}

// Find resolves query with the default threshold.
func (r *Resolver) Find(query string) (catalog.Location, bool) {
	return r.Resolve(query, r.threshold)
}

// Resolve returns the location whose name or alias best matches query, if
// that match scores at least threshold. Thresholds outside 0..100 are
// clamped.
func (r *Resolver) Resolve(query string, threshold int) (catalog.Location, bool) {
	m := r.Lookup(query, threshold)
	return m.Location, m.Found
}

// Lookup is Resolve with the winning key and score attached. Key and Score
// describe the best candidate even when it falls below threshold.
func (r *Resolver) Lookup(query string, threshold int) Match {
	threshold = clampThreshold(threshold)

	query = strings.TrimSpace(query)
	ix := r.index()
	// A key typed exactly belongs to its declarer, even when another key
	// normalizes to the same text.
	if loc, ok := ix.Lookup(query); ok {
		return Match{Location: loc, Key: query, Score: 100, Found: true}
	}

	q := tokenizer.Normalize(query)
	if q == "" {
		return Match{}
	}
	i, score, ok := fuzz.ExtractOne(q, ix.normalized)
	if !ok {
		return Match{}
	}

	key := ix.keys[i]
	loc, _ := ix.Lookup(key)
	m := Match{Location: loc, Key: key, Score: score}
	if score < threshold {
		m.Location = catalog.Location{}
		return m
	}
	m.Found = true
	return m
}

func clampThreshold(threshold int) int {
	return min(max(threshold, 0), 100)
}
