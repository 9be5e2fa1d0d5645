// Package publisher provides a general-purpose audit publisher.
//
// Publisher writes events synchronously by default. With WithAsyncBuffer it
// switches to a buffered channel drained by a background worker: Emit never
// blocks, and events still queued are drained on Close. Callers that need
// fail-closed guarantees should use the compliance publisher instead.
package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	id "authd/pkg/domain"
	audit "authd/pkg/platform/audit"
)

var errBufferFull = errors.New("audit buffer full")

// Publisher emits audit events to a Store.
type Publisher struct {
	store audit.Store

	// Async mode fields. When inbox is nil the publisher is synchronous.
	inbox chan audit.Event
	wg    sync.WaitGroup
	once  sync.Once
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithAsyncBuffer enables asynchronous emission with the given buffer size.
// Events are dropped with an error when the buffer is full.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.inbox = make(chan audit.Event, size)
		}
	}
}

// NewPublisher creates a publisher backed by the given store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records an audit event. The timestamp is set when not provided.
// In async mode the event is queued; a full buffer returns an error rather
// than blocking the caller.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}

	select {
	case p.inbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errBufferFull
	}
}

// List returns all events recorded for a user.
func (p *Publisher) List(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	return p.store.ListByUser(ctx, userID)
}

// Close drains queued events and stops the background worker.
// Safe to call multiple times.
func (p *Publisher) Close() error {
	p.once.Do(func() {
		if p.inbox != nil {
			close(p.inbox)
			p.wg.Wait()
		}
	})
	return nil
}

// drain persists queued events until the inbox closes. It uses a background
// context so request cancellation cannot lose already-accepted events.
func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.inbox {
		_ = p.store.Append(context.Background(), event)
	}
}
