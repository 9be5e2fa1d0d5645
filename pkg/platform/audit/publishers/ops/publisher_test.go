package ops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	id "authd/pkg/domain"
	audit "authd/pkg/platform/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_RateZeroDropsEverything(t *testing.T) {
	s := NewSampler(0)
	for i := 0; i < 100; i++ {
		assert.False(t, s.ShouldSample("TOKEN_ISSUED"))
	}
}

func TestSampler_RateOneKeepsEverything(t *testing.T) {
	s := NewSampler(1.0)
	for i := 0; i < 100; i++ {
		assert.True(t, s.ShouldSample("TOKEN_ISSUED"))
	}
}

func TestSampler_PerActionOverride(t *testing.T) {
	s := NewSampler(1.0)
	s.SetRate("TOKEN_REFRESHED", 0)

	assert.True(t, s.ShouldSample("TOKEN_ISSUED"), "default rate applies to other actions")
	assert.False(t, s.ShouldSample("TOKEN_REFRESHED"), "override drops the noisy action")
}

func TestSampler_ClampsRates(t *testing.T) {
	s := NewSampler(5.0)
	assert.True(t, s.ShouldSample("anything"))

	s.SetDefaultRate(-1)
	assert.False(t, s.ShouldSample("anything"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)

	require.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	require.False(t, cb.IsOpen(), "below threshold stays closed")

	cb.RecordFailure()
	require.True(t, cb.IsOpen())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.False(t, cb.IsOpen(), "success resets the consecutive failure count")
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	require.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow(), "cooldown expiry allows a probe request")
}

// opsStore records appends and can be toggled to fail.
type opsStore struct {
	mu     sync.Mutex
	events []audit.Event
	fail   bool
}

func (s *opsStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *opsStore) ListByUser(context.Context, id.UserID) ([]audit.Event, error) {
	return nil, nil
}

func (s *opsStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublisher_TrackPersistsThroughWorker(t *testing.T) {
	store := &opsStore{}
	pub := New(store)

	pub.Track(context.Background(), audit.OpsEvent{
		Action:  string(audit.EventTokenIssued),
		Subject: "user-1",
	})

	require.NoError(t, pub.Close())
	require.Equal(t, 1, store.len())
	assert.Equal(t, audit.CategoryOperations, store.events[0].Category)
	assert.False(t, store.events[0].Timestamp.IsZero())
}

func TestPublisher_SampledOutEventsNeverPersist(t *testing.T) {
	store := &opsStore{}
	pub := New(store, WithSampler(NewSampler(0)))

	for i := 0; i < 50; i++ {
		pub.Track(context.Background(), audit.OpsEvent{Action: string(audit.EventTokenIssued)})
	}

	require.NoError(t, pub.Close())
	assert.Equal(t, 0, store.len())
}

func TestPublisher_OpenBreakerDropsEvents(t *testing.T) {
	store := &opsStore{}
	cb := NewCircuitBreaker(1, time.Hour)
	cb.RecordFailure() // force open

	pub := New(store, WithCircuitBreaker(cb))
	pub.Track(context.Background(), audit.OpsEvent{Action: string(audit.EventTokenIssued)})

	require.NoError(t, pub.Close())
	assert.Equal(t, 0, store.len())
}

func TestPublisher_StoreFailuresOpenBreaker(t *testing.T) {
	store := &opsStore{fail: true}
	cb := NewCircuitBreaker(2, time.Hour)
	pub := New(store, WithCircuitBreaker(cb))

	for i := 0; i < 5; i++ {
		pub.Track(context.Background(), audit.OpsEvent{Action: string(audit.EventTokenIssued)})
	}

	require.NoError(t, pub.Close())
	assert.True(t, cb.IsOpen(), "consecutive persist failures should open the circuit")
}
