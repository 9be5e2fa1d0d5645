package security

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

func TestRingBuffer_EnqueueDequeue(t *testing.T) {
	buf := NewRingBuffer(4)

	buf.Enqueue(audit.SecurityEvent{Action: "a"})
	buf.Enqueue(audit.SecurityEvent{Action: "b"})
	buf.Enqueue(audit.SecurityEvent{Action: "c"})
	require.Equal(t, 3, buf.Len())

	batch := buf.DequeueBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].Action)
	assert.Equal(t, "b", batch[1].Action)
	assert.Equal(t, 1, buf.Len())
}

func TestRingBuffer_DropsOldestWhenFull(t *testing.T) {
	buf := NewRingBuffer(2)

	buf.Enqueue(audit.SecurityEvent{Action: "a"})
	buf.Enqueue(audit.SecurityEvent{Action: "b"})
	buf.Enqueue(audit.SecurityEvent{Action: "c"})

	require.Equal(t, 2, buf.Len())
	assert.Equal(t, int64(1), buf.Dropped())

	batch := buf.DequeueBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "b", batch[0].Action, "oldest event should have been dropped")
	assert.Equal(t, "c", batch[1].Action)
}

func TestRingBuffer_TryEnqueueRejectsWhenFull(t *testing.T) {
	buf := NewRingBuffer(1)

	require.True(t, buf.TryEnqueue(audit.SecurityEvent{Action: "a"}))
	require.False(t, buf.TryEnqueue(audit.SecurityEvent{Action: "b"}))

	require.True(t, buf.DropOldest())
	require.True(t, buf.TryEnqueue(audit.SecurityEvent{Action: "b"}))
}

func TestRingBuffer_WrapsAround(t *testing.T) {
	buf := NewRingBuffer(3)

	for _, action := range []string{"a", "b", "c"} {
		buf.Enqueue(audit.SecurityEvent{Action: action})
	}
	_ = buf.DequeueBatch(2)
	buf.Enqueue(audit.SecurityEvent{Action: "d"})
	buf.Enqueue(audit.SecurityEvent{Action: "e"})

	batch := buf.DequeueBatch(3)
	require.Len(t, batch, 3)
	assert.Equal(t, "c", batch[0].Action)
	assert.Equal(t, "d", batch[1].Action)
	assert.Equal(t, "e", batch[2].Action)
}

// recordingStore captures appended events and can be set to fail.
type recordingStore struct {
	mu     sync.Mutex
	events []audit.Event
	fail   bool
}

func (s *recordingStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingStore) ListByUser(context.Context, id.UserID) ([]audit.Event, error) {
	return nil, nil
}

func (s *recordingStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func TestPublisher_EmitNeverBlocks(t *testing.T) {
	store := &recordingStore{}
	pub := newTestPublisher(store, WithBufferSize(2))
	defer pub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			pub.Emit(context.Background(), audit.SecurityEvent{Action: string(audit.EventFailedLogin)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
}

func TestPublisher_FlushPersistsQueuedEvents(t *testing.T) {
	store := &recordingStore{}
	pub := newTestPublisher(store, WithBufferSize(16))
	defer pub.Close()

	pub.Emit(context.Background(), audit.SecurityEvent{
		Action:  string(audit.EventAccountLocked),
		Subject: "user-1",
		Reason:  "too_many_failures",
	})
	pub.Emit(context.Background(), audit.SecurityEvent{
		Action: string(audit.EventFailedLogin),
		IP:     "203.0.113.7",
	})

	pub.Flush(context.Background())

	require.Equal(t, 2, store.len())
	assert.Equal(t, string(audit.EventAccountLocked), store.events[0].Action)
	assert.Equal(t, audit.CategorySecurity, store.events[0].Category)
	assert.Equal(t, "203.0.113.7", store.events[1].IP)
}

func TestPublisher_FlushRetainsEventsOnStoreFailure(t *testing.T) {
	store := &recordingStore{}
	store.setFail(true)
	pub := newTestPublisher(store, WithBufferSize(16))
	defer pub.Close()

	pub.Emit(context.Background(), audit.SecurityEvent{Action: string(audit.EventRiskDenied)})
	pub.Flush(context.Background())
	require.Equal(t, 0, store.len())

	// Store recovers; the retained event persists on the next flush.
	store.setFail(false)
	pub.Flush(context.Background())
	require.Equal(t, 1, store.len())
	assert.Equal(t, string(audit.EventRiskDenied), store.events[0].Action)
}

func TestPublisher_CloseDrainsBuffer(t *testing.T) {
	store := &recordingStore{}
	pub := newTestPublisher(store, WithBufferSize(16))

	for i := 0; i < 5; i++ {
		pub.Emit(context.Background(), audit.SecurityEvent{Action: string(audit.EventFailedLogin)})
	}

	require.NoError(t, pub.Close())
	assert.Equal(t, 5, store.len(), "all buffered events should persist on close")
}

func TestPublisher_DefaultsSeverityAndTimestamp(t *testing.T) {
	store := &recordingStore{}
	pub := newTestPublisher(store, WithBufferSize(16))
	defer pub.Close()

	pub.Emit(context.Background(), audit.SecurityEvent{Action: string(audit.EventFailedLogin)})
	pub.Flush(context.Background())

	require.Equal(t, 1, store.len())
	assert.False(t, store.events[0].Timestamp.IsZero())
}

// newTestPublisher builds a publisher with a long flush interval so tests
// control flushing explicitly.
func newTestPublisher(store audit.Store, opts ...Option) *Publisher {
	opts = append(opts, WithFlushInterval(time.Hour))
	return New(store, opts...)
}
