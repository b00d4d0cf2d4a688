package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/pkg/health"
)

type loadConfig struct {
	BaseURL     string
	Endpoint    string
	Concurrency int
	Duration    time.Duration
	Queries     []string
}

type loadStats struct {
	total     atomic.Int64
	success   atomic.Int64
	errors    atomic.Int64
	matched   atomic.Int64
	latencyMu sync.Mutex
	latencies []time.Duration
	statusMu  sync.Mutex
	statuses  map[int]int64
}

func newLoadStats() *loadStats {
	return &loadStats{
		latencies: make([]time.Duration, 0, 10000),
		statuses:  make(map[int]int64),
	}
}

func (s *loadStats) record(d time.Duration, status int, matched bool, err error) {
	s.total.Add(1)
	if err != nil {
		s.errors.Add(1)
		return
	}
	if status >= 200 && status < 300 {
		s.success.Add(1)
	} else {
		s.errors.Add(1)
	}
	if matched {
		s.matched.Add(1)
	}

	s.latencyMu.Lock()
	s.latencies = append(s.latencies, d)
	s.latencyMu.Unlock()

	s.statusMu.Lock()
	s.statuses[status]++
	s.statusMu.Unlock()
}

func newLoadTestCmd(c *cli) *cobra.Command {
	lc := loadConfig{}
	var bikes bool

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive a running HTTP API with catalog-derived queries",
		Long: "Sends every catalog name and alias, plus a truncated and a padded variant of each, to a running " +
			"server. By default /api/v1/resolve is used so the upstream bike API is not hit; --bikes targets /api/v1/bikes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := &app{cfg: c.cfg, checker: health.NewChecker()}
			cat, err := a.loadCatalog(cmd.Context())
			a.close()
			if err != nil {
				return err
			}

			lc.Queries = loadQueries(cat)
			lc.Endpoint = "/api/v1/resolve"
			if bikes {
				lc.Endpoint = "/api/v1/bikes"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== Bike Locator Load Test ===")
			fmt.Fprintf(out, "Target:      %s%s\n", lc.BaseURL, lc.Endpoint)
			fmt.Fprintf(out, "Concurrency: %d\n", lc.Concurrency)
			fmt.Fprintf(out, "Duration:    %s\n", lc.Duration)
			fmt.Fprintf(out, "Queries:     %d unique\n\n", len(lc.Queries))

			stats := runLoadTest(cmd.Context(), lc)
			return printLoadReport(out, stats, lc.Duration)
		},
	}
	cmd.Flags().StringVar(&lc.BaseURL, "url", "http://localhost:8080", "base URL of a running bikelocator serve")
	cmd.Flags().IntVar(&lc.Concurrency, "concurrency", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&lc.Duration, "duration", 30*time.Second, "test duration")
	cmd.Flags().BoolVar(&bikes, "bikes", false, "hit /api/v1/bikes instead of /api/v1/resolve")
	return cmd
}

// loadQueries returns every key in the catalog plus near-miss variants, so
// the run exercises both exact and fuzzy matches.
func loadQueries(c *catalog.Catalog) []string {
	var queries []string
	for _, loc := range c.Locations() {
		for _, key := range loc.Keys() {
			queries = append(queries, key, "  "+key+"  ")
			if r := []rune(key); len(r) > 2 {
				queries = append(queries, string(r[:len(r)-1]))
			}
		}
	}
	return queries
}

func runLoadTest(ctx context.Context, cfg loadConfig) *loadStats {
	stats := newLoadStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(next int) {
			defer wg.Done()
			for ctx.Err() == nil {
				query := cfg.Queries[next%len(cfg.Queries)]
				next++

				target := cfg.BaseURL + cfg.Endpoint + "?q=" + url.QueryEscape(query)
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
				if err != nil {
					stats.record(0, 0, false, err)
					return
				}

				start := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						stats.record(time.Since(start), 0, false, err)
					}
					continue
				}
				var body struct {
					MatchFound bool `json:"match_found"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&body)
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				stats.record(time.Since(start), resp.StatusCode, body.MatchFound, nil)
			}
		}(w)
	}
	wg.Wait()
	return stats
}

func printLoadReport(out io.Writer, stats *loadStats, duration time.Duration) error {
	total := stats.total.Load()
	success := stats.success.Load()
	failed := stats.errors.Load()

	fmt.Fprintln(out, "=== Results ===")
	fmt.Fprintf(out, "Total Requests:  %d\n", total)
	fmt.Fprintf(out, "Successful:      %d\n", success)
	fmt.Fprintf(out, "Errors:          %d\n", failed)
	if total > 0 {
		fmt.Fprintf(out, "Error Rate:      %.2f%%\n", float64(failed)/float64(total)*100)
		fmt.Fprintf(out, "Match Rate:      %.2f%%\n", float64(stats.matched.Load())/float64(total)*100)
		fmt.Fprintf(out, "Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.latencyMu.Lock()
	latencies := append([]time.Duration(nil), stats.latencies...)
	stats.latencyMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Fprintln(out, "\n=== Latency ===")
		fmt.Fprintf(out, "Min:    %s\n", latencies[0])
		fmt.Fprintf(out, "Avg:    %s\n", sum/time.Duration(len(latencies)))
		for _, p := range []float64{50, 90, 95, 99} {
			fmt.Fprintf(out, "P%-2.0f:    %s\n", p, latencyPercentile(latencies, p))
		}
		fmt.Fprintf(out, "Max:    %s\n", latencies[len(latencies)-1])
	}

	stats.statusMu.Lock()
	codes := make([]string, 0, len(stats.statuses))
	for code, n := range stats.statuses {
		codes = append(codes, fmt.Sprintf("  %d: %d", code, n))
	}
	stats.statusMu.Unlock()
	sort.Strings(codes)
	fmt.Fprintf(out, "\n=== Status Codes ===\n%s\n", strings.Join(codes, "\n"))

	if total == 0 {
		return fmt.Errorf("no requests completed; is the server running at the target URL?")
	}
	return nil
}

func latencyPercentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}
