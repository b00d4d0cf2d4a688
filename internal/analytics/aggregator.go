package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fourma/bikelocator/pkg/kafka"
)

const (
	// maxLatencySamples bounds the latency window used for percentiles.
	maxLatencySamples = 10000
	// maxTrackedQueries bounds each counting map; new keys past the limit
	// are not counted individually.
	maxTrackedQueries = 10000
	topN              = 10
)

// Stats is a snapshot of everything the aggregator has seen.
type Stats struct {
	TotalQueries     int64       `json:"total_queries"`
	Matched          int64       `json:"matched"`
	NoMatch          int64       `json:"no_match"`
	FetchErrors      int64       `json:"fetch_errors"`
	ParseErrors      int64       `json:"parse_errors"`
	MatchRate        float64     `json:"match_rate"`
	CacheHits        int64       `json:"cache_hits"`
	AvgLatencyMs     float64     `json:"avg_latency_ms"`
	P50LatencyMs     int64       `json:"p50_latency_ms"`
	P95LatencyMs     int64       `json:"p95_latency_ms"`
	P99LatencyMs     int64       `json:"p99_latency_ms"`
	TopLocations     []NameCount `json:"top_locations"`
	UnmatchedQueries []NameCount `json:"unmatched_queries"`
	QueriesPerMinute float64     `json:"queries_per_minute"`
	Since            time.Time   `json:"since"`
}

// NameCount pairs a location name or query text with how often it was seen.
type NameCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Aggregator keeps running totals of resolution events in memory.
type Aggregator struct {
	mu        sync.Mutex
	total     int64
	byOutcome map[Outcome]int64
	cacheHits int64
	latencies []int64
	next      int
	locations map[string]int64
	unmatched map[string]int64
	start     time.Time
	now       func() time.Time
	logger    *slog.Logger
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		byOutcome: make(map[Outcome]int64),
		latencies: make([]int64, 0, 1024),
		locations: make(map[string]int64),
		unmatched: make(map[string]int64),
		start:     time.Now(),
		now:       time.Now,
		logger:    slog.Default().With("component", "analytics-aggregator"),
	}
}

// Track records event. It implements Tracker.
func (a *Aggregator) Track(event ResolutionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.byOutcome[event.Outcome]++
	if event.CacheHit {
		a.cacheHits++
	}

	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, event.LatencyMs)
	} else {
		a.latencies[a.next] = event.LatencyMs
		a.next = (a.next + 1) % maxLatencySamples
	}

	if event.Outcome == OutcomeNoMatch {
		bump(a.unmatched, event.Query)
	} else if event.MatchedName != "" {
		bump(a.locations, event.MatchedName)
	}
}

func bump(counts map[string]int64, key string) {
	if _, ok := counts[key]; ok || len(counts) < maxTrackedQueries {
		counts[key]++
	}
}

// Stats returns a snapshot listing the top 10 locations and unmatched
// queries.
func (a *Aggregator) Stats() Stats {
	return a.Snapshot(topN)
}

// Snapshot is Stats with the top lists cut to n entries.
func (a *Aggregator) Snapshot(n int) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		TotalQueries:     a.total,
		Matched:          a.byOutcome[OutcomeMatched],
		NoMatch:          a.byOutcome[OutcomeNoMatch],
		FetchErrors:      a.byOutcome[OutcomeFetchError],
		ParseErrors:      a.byOutcome[OutcomeParseError],
		CacheHits:        a.cacheHits,
		TopLocations:     top(a.locations, n),
		UnmatchedQueries: top(a.unmatched, n),
		Since:            a.start.UTC(),
	}
	if a.total > 0 {
		s.MatchRate = float64(a.total-s.NoMatch) / float64(a.total)
	}

	if len(a.latencies) > 0 {
		sorted := append([]int64(nil), a.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum int64
		for _, l := range sorted {
			sum += l
		}
		s.AvgLatencyMs = float64(sum) / float64(len(sorted))
		s.P50LatencyMs = percentile(sorted, 50)
		s.P95LatencyMs = percentile(sorted, 95)
		s.P99LatencyMs = percentile(sorted, 99)
	}

	if elapsed := a.now().Sub(a.start).Minutes(); elapsed > 0 {
		s.QueriesPerMinute = float64(a.total) / elapsed
	}
	return s
}

// HandleMessage returns a Kafka handler that feeds published events back
// into a.
func (a *Aggregator) HandleMessage() kafka.MessageHandler {
	return func(_ context.Context, _, value []byte) error {
		event, err := kafka.DecodeJSON[ResolutionEvent](value)
		if err != nil {
			a.logger.Error("skipping undecodable analytics event", "error", err)
			return nil
		}
		a.Track(event)
		return nil
	}
}

func percentile(sorted []int64, pct int) int64 {
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func top(counts map[string]int64, n int) []NameCount {
	out := make([]NameCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NameCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
