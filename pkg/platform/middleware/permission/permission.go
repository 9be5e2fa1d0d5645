// Package permission gates routes on the caller's effective permission set.
// It runs after auth middleware, so an authenticated user is already in the
// context; the actual transitive-closure evaluation lives in the role
// resolver service.
package permission

import (
	"context"
	"log/slog"
	"net/http"

	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/httputil"
	"authd/pkg/requestcontext"
)

// Checker evaluates whether a user holds a permission, including permissions
// inherited from role ancestors.
type Checker interface {
	HasPermission(ctx context.Context, userID id.UserID, permission string) (bool, error)
}

// Require rejects requests whose authenticated user lacks the permission.
func Require(checker Checker, permission string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			userID := requestcontext.UserID(ctx)
			if userID.IsNil() {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}

			allowed, err := checker.HasPermission(ctx, userID, permission)
			if err != nil {
				logger.ErrorContext(ctx, "permission check failed",
					"request_id", requestcontext.RequestID(ctx),
					"permission", permission,
					"error", err,
				)
				httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "permission check failed"))
				return
			}
			if !allowed {
				logger.WarnContext(ctx, "permission denied",
					"request_id", requestcontext.RequestID(ctx),
					"user_id", userID,
					"permission", permission,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "permission denied"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
