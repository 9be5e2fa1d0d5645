// The auditsink binary consumes the audit topics and lands each event in
// its category table: security, compliance, ops. Inserts are idempotent by
// event ID, so at-least-once delivery from the outbox relay is safe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"authd/internal/platform/config"
	"authd/internal/platform/kafka/consumer"
	"authd/internal/platform/logger"
	platformpostgres "authd/internal/platform/postgres"
	audit "authd/pkg/platform/audit"
	auditconsumer "authd/pkg/platform/audit/consumer"
	auditpostgres "authd/pkg/platform/audit/store/postgres"
)

const (
	exitOK          = 0
	exitConfig      = 64
	exitUnavailable = 69
	exitInternal    = 70
)

// The sinks convert the wire-level records into the store's row types. The
// structs are field-identical, so each conversion is a cast.

type securitySink struct{ store *auditpostgres.Store }

func (s securitySink) AppendSecurity(ctx context.Context, eventID uuid.UUID, record auditconsumer.SecurityRecord) error {
	return s.store.AppendSecurity(ctx, eventID, auditpostgres.SecurityRecord(record))
}

type complianceSink struct{ store *auditpostgres.Store }

func (s complianceSink) AppendCompliance(ctx context.Context, eventID uuid.UUID, record auditconsumer.ComplianceRecord) error {
	return s.store.AppendCompliance(ctx, eventID, auditpostgres.ComplianceRecord(record))
}

type opsSink struct{ store *auditpostgres.Store }

func (s opsSink) AppendOps(ctx context.Context, eventID uuid.UUID, record auditconsumer.OpsRecord) error {
	return s.store.AppendOps(ctx, eventID, auditpostgres.OpsRecord(record))
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditsink: %v\n", err)
		return exitConfig
	}
	if len(cfg.Kafka.Brokers) == 0 {
		fmt.Fprintln(os.Stderr, "auditsink: KAFKA_BROKERS is required")
		return exitConfig
	}

	log := logger.New(cfg.Server.LogLevel)
	slog.SetDefault(log)

	db, err := platformpostgres.Open(cfg.Postgres)
	if err != nil {
		log.Error("postgres unavailable", "error", err)
		return exitUnavailable
	}
	defer func() { _ = db.Close() }()

	store := auditpostgres.New(db)
	router := auditconsumer.NewRouter(log, nil)
	router.Register(audit.TopicSecurity, auditconsumer.NewSecurityHandler(securitySink{store}, log))
	router.Register(audit.TopicCompliance, auditconsumer.NewComplianceHandler(complianceSink{store}, log))
	router.Register(audit.TopicOps, auditconsumer.NewOpsHandler(opsSink{store}, log))

	sink, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, audit.Topics(), router,
		consumer.WithLogger(log))
	if err != nil {
		log.Error("kafka unavailable", "error", err)
		return exitUnavailable
	}
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("auditsink consuming", "group", cfg.Kafka.ConsumerGroup, "topics", audit.Topics())
	if err := sink.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("auditsink exited", "error", err)
		return exitInternal
	}
	log.Info("auditsink stopped")
	return exitOK
}
