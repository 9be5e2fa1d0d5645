package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"authd/internal/platform/kafka/consumer"
	audit "authd/pkg/platform/audit"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedHandler struct {
	topics []string
	err    error
}

func (h *recordedHandler) Handle(_ context.Context, msg *consumer.Message) error {
	h.topics = append(h.topics, msg.Topic)
	return h.err
}

func TestRouter_DispatchesByTopic(t *testing.T) {
	security := &recordedHandler{}
	ops := &recordedHandler{}

	router := NewRouter(testLogger(), nil)
	router.Register(audit.TopicSecurity, security)
	router.Register(audit.TopicOps, ops)

	err := router.Handle(context.Background(), &consumer.Message{Topic: audit.TopicSecurity})
	require.NoError(t, err)
	err = router.Handle(context.Background(), &consumer.Message{Topic: audit.TopicOps})
	require.NoError(t, err)

	assert.Equal(t, []string{audit.TopicSecurity}, security.topics)
	assert.Equal(t, []string{audit.TopicOps}, ops.topics)
}

func TestRouter_UnknownTopicUsesFallback(t *testing.T) {
	fallback := &recordedHandler{}
	router := NewRouter(testLogger(), fallback)

	err := router.Handle(context.Background(), &consumer.Message{Topic: "unknown.topic"})
	require.NoError(t, err)
	assert.Equal(t, []string{"unknown.topic"}, fallback.topics)
}

func TestRouter_UnknownTopicWithoutFallbackCommits(t *testing.T) {
	router := NewRouter(testLogger(), nil)

	err := router.Handle(context.Background(), &consumer.Message{Topic: "unknown.topic"})
	assert.NoError(t, err, "unroutable messages must commit to avoid redelivery loops")
}

type fakeSecurityStore struct {
	records map[uuid.UUID]SecurityRecord
	err     error
}

func (s *fakeSecurityStore) AppendSecurity(_ context.Context, eventID uuid.UUID, record SecurityRecord) error {
	if s.err != nil {
		return s.err
	}
	if s.records == nil {
		s.records = make(map[uuid.UUID]SecurityRecord)
	}
	s.records[eventID] = record
	return nil
}

func TestSecurityHandler_StoresEvent(t *testing.T) {
	store := &fakeSecurityStore{}
	handler := NewSecurityHandler(store, testLogger())

	eventID := uuid.New()
	payload, err := json.Marshal(map[string]any{
		"Timestamp": "2025-03-01T10:00:00Z",
		"Subject":   "user-1",
		"Action":    string(audit.EventAccountLocked),
		"Reason":    "too_many_failures",
		"IP":        "203.0.113.9",
		"Severity":  "warning",
		"Details":   map[string]string{"failed_attempts": "5"},
	})
	require.NoError(t, err)

	err = handler.Handle(context.Background(), &consumer.Message{
		Topic: audit.TopicSecurity,
		Key:   []byte(eventID.String()),
		Value: payload,
	})
	require.NoError(t, err)

	record, ok := store.records[eventID]
	require.True(t, ok)
	assert.Equal(t, string(audit.EventAccountLocked), record.Action)
	assert.Equal(t, "203.0.113.9", record.IP)
	assert.Equal(t, "warning", record.Severity)
	assert.Equal(t, "5", record.Details["failed_attempts"])
}

func TestSecurityHandler_DefaultsSeverity(t *testing.T) {
	store := &fakeSecurityStore{}
	handler := NewSecurityHandler(store, testLogger())

	eventID := uuid.New()
	err := handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte(eventID.String()),
		Value: []byte(`{"Action":"FAILED_LOGIN"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "info", store.records[eventID].Severity)
}

func TestSecurityHandler_SkipsMalformedMessages(t *testing.T) {
	store := &fakeSecurityStore{}
	handler := NewSecurityHandler(store, testLogger())

	// Bad key: not a UUID
	err := handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte("not-a-uuid"),
		Value: []byte(`{"Action":"FAILED_LOGIN"}`),
	})
	require.NoError(t, err, "malformed key must commit, not block the partition")

	// Bad value: not JSON
	err = handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte(uuid.New().String()),
		Value: []byte("not json"),
	})
	require.NoError(t, err)

	assert.Empty(t, store.records)
}

func TestSecurityHandler_StoreFailurePropagates(t *testing.T) {
	store := &fakeSecurityStore{err: errors.New("db down")}
	handler := NewSecurityHandler(store, testLogger())

	err := handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte(uuid.New().String()),
		Value: []byte(`{"Action":"FAILED_LOGIN"}`),
	})
	assert.Error(t, err, "store failures must not commit so the event is redelivered")
}

type fakeComplianceStore struct {
	records map[uuid.UUID]ComplianceRecord
}

func (s *fakeComplianceStore) AppendCompliance(_ context.Context, eventID uuid.UUID, record ComplianceRecord) error {
	if s.records == nil {
		s.records = make(map[uuid.UUID]ComplianceRecord)
	}
	s.records[eventID] = record
	return nil
}

func TestComplianceHandler_StoresEvent(t *testing.T) {
	store := &fakeComplianceStore{}
	handler := NewComplianceHandler(store, testLogger())

	eventID := uuid.New()
	userID := uuid.New()
	payload, err := json.Marshal(map[string]any{
		"Timestamp": "2025-03-01T10:00:00Z",
		"UserID":    userID.String(),
		"Subject":   "new user registration",
		"Action":    string(audit.EventUserCreated),
		"Decision":  "created",
		"Email":     "taken@example.com",
	})
	require.NoError(t, err)

	err = handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte(eventID.String()),
		Value: payload,
	})
	require.NoError(t, err)

	record, ok := store.records[eventID]
	require.True(t, ok)
	assert.Equal(t, string(audit.EventUserCreated), record.Action)
	assert.Equal(t, userID.String(), record.UserID.String())
	assert.Equal(t, "taken@example.com", record.Email)
}

func TestComplianceHandler_RejectsMissingUserID(t *testing.T) {
	store := &fakeComplianceStore{}
	handler := NewComplianceHandler(store, testLogger())

	err := handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte(uuid.New().String()),
		Value: []byte(`{"Action":"USER_CREATED"}`),
	})
	require.NoError(t, err, "invalid compliance events commit after logging")
	assert.Empty(t, store.records)
}

type fakeOpsStore struct {
	count int
	err   error
}

func (s *fakeOpsStore) AppendOps(context.Context, uuid.UUID, OpsRecord) error {
	if s.err != nil {
		return s.err
	}
	s.count++
	return nil
}

func TestOpsHandler_BestEffort(t *testing.T) {
	store := &fakeOpsStore{err: errors.New("db down")}
	handler := NewOpsHandler(store, testLogger())

	err := handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte(uuid.New().String()),
		Value: []byte(`{"Action":"TOKEN_ISSUED"}`),
	})
	assert.NoError(t, err, "ops events are best-effort and never block the consumer")
}

func TestOpsHandler_StoresEvent(t *testing.T) {
	store := &fakeOpsStore{}
	handler := NewOpsHandler(store, testLogger())

	err := handler.Handle(context.Background(), &consumer.Message{
		Key:   []byte(uuid.New().String()),
		Value: []byte(`{"Action":"TOKEN_ISSUED","Subject":"user-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.count)
}
