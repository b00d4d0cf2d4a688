// Package locator answers "where can I find a bike near X": it resolves the
// free-text place name against the catalog, fetches availability around the
// winning location and packages both into a Response meant to be read by an
// LLM.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fourma/bikelocator/internal/analytics"
	"github.com/fourma/bikelocator/internal/bikes"
	"github.com/fourma/bikelocator/internal/bikes/cache"
	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/internal/resolver"
	apperrors "github.com/fourma/bikelocator/pkg/errors"
	"github.com/fourma/bikelocator/pkg/logger"
	"github.com/fourma/bikelocator/pkg/metrics"
	"github.com/fourma/bikelocator/pkg/tracing"
)

// Response is the result of one FindBikes call. MatchedName and BikeData
// are null in JSON when absent.
type Response struct {
	Query       string              `json:"query"`
	MatchFound  bool                `json:"match_found"`
	MatchedName *string             `json:"matched_name"`
	Message     string              `json:"message"`
	BikeData    *bikes.Availability `json:"bike_data"`
}

// Option configures a Service.
type Option func(*Service)

// WithCache serves repeated lookups for a location from c.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithTracker reports every call to t.
func WithTracker(t analytics.Tracker) Option {
	return func(s *Service) { s.tracker = t }
}

// WithMetrics records resolution outcomes into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service wires the resolver to the bike availability source.
type Service struct {
	resolver *resolver.Resolver
	fetcher  bikes.Fetcher
	cache    *cache.Cache
	tracker  analytics.Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Service. fetcher is called only after a location matched.
func New(r *resolver.Resolver, fetcher bikes.Fetcher, opts ...Option) *Service {
	s := &Service{
		resolver: r,
		fetcher:  fetcher,
		logger:   slog.Default().With("component", "locator"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver returns the resolver the service matches queries with.
func (s *Service) Resolver() *resolver.Resolver {
	return s.resolver
}

// Cache returns the availability cache, or nil when caching is off.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// FindBikes resolves query and, on a match, fetches nearby bikes. It never
// returns an error: unmatched queries and upstream failures are described
// in the Response message.
func (s *Service) FindBikes(ctx context.Context, query string) Response {
	start := time.Now()
	log := logger.FromContext(ctx).With("component", "locator")
	log.Info("received query", "query", query)

	ctx, root := tracing.Start(ctx, "find_bikes", logger.RequestID(ctx))
	defer func() {
		root.End()
		root.Log(ctx, log)
	}()

	_, span := tracing.Child(ctx, "resolve")
	m := s.resolver.Lookup(query, s.resolver.Threshold())
	span.Set("key", m.Key)
	span.Set("score", m.Score)
	span.End()
	s.observeScore(m)

	ev := analytics.ResolutionEvent{
		Query:     query,
		Score:     m.Score,
		Transport: TransportFrom(ctx),
		RequestID: logger.RequestID(ctx),
	}

	if !m.Found {
		resp := Response{
			Query:   query,
			Message: fmt.Sprintf("No matching location found for query: '%s'", query),
		}
		log.Info("no matching location", "query", query, "best_key", m.Key, "best_score", m.Score)
		ev.Outcome = analytics.OutcomeNoMatch
		s.finish(ctx, ev, start)
		return resp
	}

	name := m.Location.Name
	log.Info("matched location", "query", query, "location", name, "key", m.Key, "score", m.Score)
	ev.MatchedName = name
	ev.MatchedKey = m.Key

	resp := Response{
		Query:       query,
		MatchFound:  true,
		MatchedName: &name,
	}

	fetchCtx, span := tracing.Child(ctx, "bike_fetch")
	avail, hit, err := s.nearby(fetchCtx, m.Location)
	span.Set("cache_hit", hit)
	span.End()
	ev.CacheHit = hit
	switch {
	case errors.Is(err, apperrors.ErrMalformedPayload):
		resp.Message = fmt.Sprintf("Error parsing bike API data: %v", err)
		ev.Outcome = analytics.OutcomeParseError
	case err != nil:
		resp.Message = fmt.Sprintf("Error fetching bike API data: %v", err)
		ev.Outcome = analytics.OutcomeFetchError
	default:
		resp.BikeData = avail
		resp.Message = fmt.Sprintf("Found %d bikes near %s.", avail.Total, name)
		ev.Outcome = analytics.OutcomeMatched
		ev.BikeTotal = avail.Total
		if s.metrics != nil {
			s.metrics.BikesReturned.Observe(float64(avail.Total))
		}
	}
	if err != nil {
		log.Warn("bike lookup failed", "location", name, "error", err)
	} else {
		log.Info("bike lookup succeeded", "location", name, "total", avail.Total, "cache_hit", hit)
	}

	s.finish(ctx, ev, start)
	return resp
}

func (s *Service) nearby(ctx context.Context, loc catalog.Location) (*bikes.Availability, bool, error) {
	if s.cache != nil {
		return s.cache.GetOrFetch(ctx, loc, s.fetcher.Nearby)
	}
	avail, err := s.fetcher.Nearby(ctx, loc)
	return avail, false, err
}

func (s *Service) observeScore(m resolver.Match) {
	if s.metrics != nil && m.Key != "" {
		s.metrics.ResolutionScore.Observe(float64(m.Score))
	}
}

func (s *Service) finish(ctx context.Context, ev analytics.ResolutionEvent, start time.Time) {
	if span := tracing.FromContext(ctx); span != nil {
		span.Set("outcome", string(ev.Outcome))
	}
	ev.Timestamp = time.Now().UTC()
	ev.LatencyMs = time.Since(start).Milliseconds()

	if s.metrics != nil {
		outcome := string(ev.Outcome)
		if ev.Outcome == analytics.OutcomeParseError {
			outcome = metrics.OutcomeFetchError
		}
		s.metrics.ResolutionsTotal.WithLabelValues(outcome).Inc()
	}
	if s.tracker != nil {
		s.tracker.Track(ev)
	}
}

type transportKey struct{}

// WithTransport tags ctx with the surface a call arrived on ("mcp",
// "http").
func WithTransport(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, transportKey{}, name)
}

// TransportFrom returns the transport set by WithTransport, or "".
func TransportFrom(ctx context.Context) string {
	name, _ := ctx.Value(transportKey{}).(string)
	return name
}
