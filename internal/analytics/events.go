// Package analytics records what people ask the locator for: which
// locations they resolve to, which queries match nothing, and how the
// upstream behaves. Events are aggregated in memory and can optionally be
// published to Kafka.
package analytics

import "time"

// Outcome is how a find_bikes call ended.
type Outcome string

const (
	OutcomeMatched    Outcome = "matched"
	OutcomeNoMatch    Outcome = "no_match"
	OutcomeFetchError Outcome = "fetch_error"
	OutcomeParseError Outcome = "parse_error"
)

// ResolutionEvent describes one find_bikes call.
type ResolutionEvent struct {
	Outcome     Outcome   `json:"outcome"`
	Query       string    `json:"query"`
	MatchedName string    `json:"matched_name,omitempty"`
	MatchedKey  string    `json:"matched_key,omitempty"`
	Score       int       `json:"score"`
	BikeTotal   int       `json:"bike_total"`
	LatencyMs   int64     `json:"latency_ms"`
	CacheHit    bool      `json:"cache_hit"`
	Transport   string    `json:"transport,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id,omitempty"`
}

// Tracker accepts events. Implementations must not block the caller.
type Tracker interface {
	Track(event ResolutionEvent)
}

// Trackers fans one event out to several trackers.
type Trackers []Tracker

// Track implements Tracker.
func (ts Trackers) Track(event ResolutionEvent) {
	for _, t := range ts {
		t.Track(event)
	}
}
