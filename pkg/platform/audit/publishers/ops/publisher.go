// Package ops provides a fire-and-forget audit publisher for operational events.
//
// OpsAuditor emits high-volume events with minimal overhead: events pass a
// sampler and a circuit breaker before being queued for asynchronous
// persistence. Track never blocks and never fails the calling operation.
//
// Use for: TOKEN_ISSUED, TOKEN_REFRESHED
package ops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "authd/pkg/platform/audit"
)

const (
	defaultQueueSize = 1024
	persistTimeout   = 2 * time.Second
)

// Publisher emits operational events with sampling and circuit breaking.
type Publisher struct {
	store   audit.Store
	sampler *Sampler
	breaker *CircuitBreaker
	logger  *slog.Logger
	metrics *Metrics

	queue    chan audit.OpsEvent
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

// WithSampler replaces the default keep-everything sampler.
func WithSampler(s *Sampler) Option {
	return func(p *Publisher) {
		p.sampler = s
	}
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(p *Publisher) {
		p.breaker = cb
	}
}

// WithQueueSize sets the async queue capacity.
func WithQueueSize(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.queue = make(chan audit.OpsEvent, size)
		}
	}
}

// New creates an ops publisher and starts its persistence worker.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:   store,
		sampler: NewSampler(1.0),
		breaker: NewCircuitBreaker(5, time.Minute),
		queue:   make(chan audit.OpsEvent, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// Track records an operational event. Never blocks: events are dropped when
// sampled out, when the circuit is open, or when the queue is full.
func (p *Publisher) Track(ctx context.Context, event audit.OpsEvent) {
	if !p.sampler.ShouldSample(event.Action) {
		if p.metrics != nil {
			p.metrics.IncSampled()
		}
		return
	}

	if !p.breaker.Allow() {
		if p.metrics != nil {
			p.metrics.IncCircuitBreakerDropped()
			p.metrics.SetCircuitBreakerState(true)
		}
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case p.queue <- event:
	default:
		// Queue full. Ops events are best-effort, drop silently.
		if p.metrics != nil {
			p.metrics.IncCircuitBreakerDropped()
		}
		if p.logger != nil {
			p.logger.DebugContext(ctx, "ops audit queue full, dropping event",
				"action", event.Action,
			)
		}
	}
}

// Close stops the worker after draining queued events.
func (p *Publisher) Close() error {
	p.stopOnce.Do(func() {
		close(p.queue)
		<-p.done
	})
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)

	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := p.store.Append(ctx, event.ToEvent())
		cancel()

		if err != nil {
			p.breaker.RecordFailure()
			if p.metrics != nil {
				p.metrics.IncPersistFailures()
				p.metrics.SetCircuitBreakerState(p.breaker.IsOpen())
			}
			if p.logger != nil {
				p.logger.Debug("failed to persist ops event",
					"action", event.Action,
					"error", err,
				)
			}
			continue
		}

		p.breaker.RecordSuccess()
		if p.metrics != nil {
			p.metrics.IncTracked()
			p.metrics.SetCircuitBreakerState(false)
		}
	}
}
