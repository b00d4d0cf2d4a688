package bikes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fourma/bikelocator/internal/catalog"
	"github.com/fourma/bikelocator/pkg/config"
	apperrors "github.com/fourma/bikelocator/pkg/errors"
	"github.com/fourma/bikelocator/pkg/logger"
	"github.com/fourma/bikelocator/pkg/metrics"
	"github.com/fourma/bikelocator/pkg/resilience"
)

// maxBodyBytes bounds how much of an upstream response is read.
const maxBodyBytes = 4 << 20

// Fetch statuses used as the "status" metric label.
const (
	statusOK          = "ok"
	statusFailed      = "error"
	statusMalformed   = "malformed"
	statusCircuitOpen = "circuit_open"
)

// Fetcher reports the bikes near a location.
type Fetcher interface {
	Nearby(ctx context.Context, loc catalog.Location) (*Availability, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records fetch outcomes, latency and breaker state into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client calls the upstream availability endpoint. Each attempt is bounded by
// the configured timeout; transport failures, 5xx and 429 answers are retried
// with backoff, and repeated failures open a circuit breaker that fails
// calls fast until the upstream recovers.
type Client struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
	retry     resilience.RetryConfig
	http      *http.Client
	breaker   *resilience.CircuitBreaker
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient builds a Client from the bikeAPI configuration section.
func NewClient(cfg config.BikeAPIConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialDelay:   cfg.Retry.InitialDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			JitterFraction: 0.1,
		},
		http:   &http.Client{},
		logger: slog.Default().With("component", "bike-client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = resilience.NewCircuitBreaker("bike-api", resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			if c.metrics != nil {
				c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	if c.metrics != nil {
		c.metrics.CircuitBreakerState.WithLabelValues(c.breaker.Name()).Set(float64(resilience.StateClosed))
	}
	return c
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// Nearby fetches availability around loc. Errors wrap
// apperrors.ErrUpstream when the upstream could not be reached or answered
// with a failure status, and apperrors.ErrMalformedPayload when it answered
// with something that is not a valid availability payload.
func (c *Client) Nearby(ctx context.Context, loc catalog.Location) (*Availability, error) {
	start := time.Now()
	log := logger.FromContext(ctx).With("component", "bike-client", "location", loc.Name)

	var result *Availability
	err := c.breaker.Execute(func() error {
		return resilience.Retry(ctx, "bike-api", c.retry, func(attempt int) error {
			var got *Availability
			err := resilience.WithTimeout(ctx, c.timeout, "bike-api", func(actx context.Context) error {
				var err error
				got, err = c.fetchOnce(actx, loc)
				return err
			})
			if err != nil {
				log.Debug("bike api attempt failed", "attempt", attempt, "error", err)
				if !retryable(err) {
					return resilience.Permanent(err)
				}
				return err
			}
			result = got
			return nil
		})
	}, func(err error) bool {
		return ctx.Err() == nil && !errors.Is(err, apperrors.ErrMalformedPayload)
	})

	status := statusOK
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = statusCircuitOpen
		err = fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
	case errors.Is(err, apperrors.ErrMalformedPayload):
		status = statusMalformed
	default:
		status = statusFailed
		if !errors.Is(err, apperrors.ErrUpstream) {
			err = fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
		}
	}
	c.observe(status, time.Since(start))

	if err != nil {
		log.Warn("bike api fetch failed", "status", status, "error", err)
		return nil, err
	}
	log.Debug("bike api fetch succeeded", "total", result.Total, "cars", len(result.Cars))
	return result, nil
}

func (c *Client) fetchOnce(ctx context.Context, loc catalog.Location) (*Availability, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base url: %v", apperrors.ErrUpstream, err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", apperrors.ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", apperrors.ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode}
	}
	return Parse(body, loc.LatLng())
}

func (c *Client) observe(status string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.BikeFetchTotal.WithLabelValues(status).Inc()
	c.metrics.BikeFetchDuration.Observe(d.Seconds())
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", apperrors.ErrUpstream, e.code, http.StatusText(e.code))
}

func (e *statusError) Unwrap() error { return apperrors.ErrUpstream }

func retryable(err error) bool {
	if errors.Is(err, apperrors.ErrMalformedPayload) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}
