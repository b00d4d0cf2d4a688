package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fourma/bikelocator/pkg/kafka"
)

// Publisher is the part of *kafka.Producer the collector needs.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// CollectorConfig sizes the collector's buffer and batching.
type CollectorConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c CollectorConfig) withDefaults() CollectorConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// Collector publishes events to Kafka in batches from a background
// goroutine. Track never blocks: when the buffer is full the event is
// dropped and counted.
type Collector struct {
	publisher Publisher
	cfg       CollectorConfig
	events    chan ResolutionEvent
	done      chan struct{}
	logger    *slog.Logger

	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewCollector creates a collector. Call Start before tracking.
func NewCollector(publisher Publisher, cfg CollectorConfig) *Collector {
	cfg = cfg.withDefaults()
	return &Collector{
		publisher: publisher,
		cfg:       cfg,
		events:    make(chan ResolutionEvent, cfg.BufferSize),
		done:      make(chan struct{}),
		logger:    slog.Default().With("component", "analytics-collector"),
	}
}

// Start runs the flush loop until ctx is done or Close is called.
func (c *Collector) Start(ctx context.Context) {
	go c.loop(ctx)
	c.logger.Info("analytics collector started",
		"buffer_size", c.cfg.BufferSize,
		"batch_size", c.cfg.BatchSize,
		"flush_interval", c.cfg.FlushInterval,
	)
}

// Track queues event for publishing.
func (c *Collector) Track(event ResolutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
		c.dropped++
		c.logger.Warn("analytics event dropped (buffer full)", "dropped_total", c.dropped)
	}
}

// Dropped returns how many events were discarded because the buffer was
// full.
func (c *Collector) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close stops accepting events, flushes what is buffered and waits for the
// flush loop to exit.
func (c *Collector) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Event, 0, c.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := c.publisher.PublishBatch(ctx, batch); err != nil {
			c.logger.Error("analytics batch dropped", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}
	finalFlush := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		flush(flushCtx)
	}

	for {
		select {
		case event, ok := <-c.events:
			if !ok {
				finalFlush()
				return
			}
			batch = append(batch, kafka.Event{Key: event.MatchedName, Value: event})
			if len(batch) >= c.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
		drain:
			for {
				select {
				case event, ok := <-c.events:
					if !ok {
						break drain
					}
					batch = append(batch, kafka.Event{Key: event.MatchedName, Value: event})
				default:
					break drain
				}
			}
			finalFlush()
			return
		}
	}
}
