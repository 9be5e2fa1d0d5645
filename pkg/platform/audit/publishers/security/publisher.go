// Package security provides a non-blocking audit publisher for security events.
//
// SecurityAuditor emits events into a bounded ring buffer drained by a
// background flusher. Emit never blocks the login path: when the buffer is
// full the oldest event is dropped and counted. Persistence failures are
// retried on the next flush because dequeued batches are re-enqueued.
//
// Use for: FAILED_LOGIN, ACCOUNT_LOCKED, RISK_DENIED, PASSKEY_COUNTER_REGRESSION
package security

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "authd/pkg/platform/audit"
)

const (
	defaultFlushInterval = 500 * time.Millisecond
	defaultBatchSize     = 64
	flushTimeout         = 5 * time.Second
)

// Publisher emits security events asynchronously via a ring buffer.
type Publisher struct {
	store   audit.Store
	buffer  *RingBuffer
	logger  *slog.Logger
	metrics *Metrics

	flushInterval time.Duration
	batchSize     int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithBufferSize sets the ring buffer capacity.
func WithBufferSize(capacity int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(capacity)
	}
}

// WithFlushInterval sets how often the background flusher drains the buffer.
func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

// New creates a security publisher and starts its background flusher.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:         store,
		buffer:        NewRingBuffer(0), // default capacity
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Emit queues a security event for asynchronous persistence.
// Never blocks and never fails: when the buffer is full the oldest
// event is dropped to make room.
func (p *Publisher) Emit(ctx context.Context, event audit.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = audit.SeverityInfo
	}

	before := p.buffer.Dropped()
	p.buffer.Enqueue(event)

	if p.metrics != nil {
		p.metrics.IncEventsEmitted()
		if dropped := p.buffer.Dropped() - before; dropped > 0 {
			p.metrics.AddDropped(float64(dropped))
			if p.logger != nil {
				p.logger.WarnContext(ctx, "security audit buffer full, dropped oldest event",
					"action", event.Action,
				)
			}
		}
		p.metrics.SetBufferDepth(float64(p.buffer.Len()))
	}
}

// Flush synchronously drains the buffer to the store. Events that fail to
// persist are re-enqueued for the next attempt.
func (p *Publisher) Flush(ctx context.Context) {
	for {
		batch := p.buffer.DequeueBatch(p.batchSize)
		if len(batch) == 0 {
			return
		}
		for i, event := range batch {
			if err := p.store.Append(ctx, event.ToEvent()); err != nil {
				if p.metrics != nil {
					p.metrics.IncPersistFailures()
				}
				if p.logger != nil {
					p.logger.ErrorContext(ctx, "failed to persist security event",
						"action", event.Action,
						"error", err,
					)
				}
				// Put the unpersisted tail back and retry on the next tick.
				for _, remaining := range batch[i:] {
					p.buffer.Enqueue(remaining)
				}
				return
			}
		}
		if p.metrics != nil {
			p.metrics.SetBufferDepth(float64(p.buffer.Len()))
		}
	}
}

// Close stops the flusher after a final drain.
func (p *Publisher) Close() error {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			p.Flush(ctx)
			cancel()
		case <-p.stop:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			p.Flush(ctx)
			cancel()
			return
		}
	}
}
