// Package outbox publishes audit events from the transactional outbox to Kafka.
//
// Domain code appends events to the outbox table inside its own transaction;
// the relay drains unpublished rows and produces them to the per-category
// audit topics. Rows are marked published only after the broker acks, so a
// crash between produce and mark yields at-least-once delivery. Consumers
// deduplicate by event ID.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	audit "authd/pkg/platform/audit"

	"github.com/google/uuid"
)

const (
	defaultInterval  = time.Second
	defaultBatchSize = 100
)

// Producer publishes a single message to a topic.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// Relay drains the outbox table into Kafka.
type Relay struct {
	db       *sql.DB
	producer Producer
	logger   *slog.Logger
	metrics  *Metrics

	interval  time.Duration
	batchSize int
}

// Option configures the Relay.
type Option func(*Relay)

// WithLogger sets a logger for relay diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithInterval sets how often the relay polls for unpublished rows.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets how many rows are drained per poll.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New creates an outbox relay.
func New(db *sql.DB, producer Producer, opts ...Option) *Relay {
	r := &Relay{
		db:        db,
		producer:  producer,
		logger:    slog.Default(),
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls the outbox until the context is cancelled.
// Publish failures are logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain relays batches until the outbox is empty or a publish fails.
func (r *Relay) drain(ctx context.Context) {
	for {
		n, err := r.relayBatch(ctx)
		if err != nil {
			if r.metrics != nil {
				r.metrics.IncPublishFailures()
			}
			r.logger.ErrorContext(ctx, "outbox relay batch failed", "error", err)
			return
		}
		if n < r.batchSize {
			r.observePending(ctx)
			return
		}
	}
}

type outboxRow struct {
	id        uuid.UUID
	eventType string
	payload   []byte
}

// relayBatch publishes up to batchSize rows inside one transaction.
// FOR UPDATE SKIP LOCKED lets multiple relay instances drain concurrently
// without double-publishing within the lock window.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("select outbox rows: %w", err)
	}

	var batch []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.eventType, &row.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate outbox rows: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		return 0, nil
	}

	for _, row := range batch {
		topic := audit.TopicFor(audit.AuditEvent(row.eventType).Category())
		if err := r.producer.Produce(ctx, topic, eventKey(row), row.payload); err != nil {
			return 0, fmt.Errorf("publish outbox row %s: %w", row.id, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET published_at = NOW() WHERE id = $1`, row.id,
		); err != nil {
			return 0, fmt.Errorf("mark outbox row %s published: %w", row.id, err)
		}

		if r.metrics != nil {
			r.metrics.IncPublished()
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}
	return len(batch), nil
}

// eventKey extracts the event ID from the payload for use as the Kafka key.
// Consumers key their idempotent inserts on it. Falls back to the outbox
// row ID for payloads without one.
func eventKey(row outboxRow) []byte {
	var payload struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(row.payload, &payload); err == nil && payload.ID != "" {
		return []byte(payload.ID)
	}
	return []byte(row.id.String())
}

func (r *Relay) observePending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	var pending int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`,
	).Scan(&pending)
	if err != nil {
		return
	}
	r.metrics.SetPending(float64(pending))
}
