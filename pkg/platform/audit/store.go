package audit

import (
	"context"

	id "authd/pkg/domain"
)

// Store persists audit events. Implementations include the in-memory store
// for tests and the PostgreSQL outbox store for production.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}
