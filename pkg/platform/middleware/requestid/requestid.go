// Package requestid assigns every request a correlation ID. An inbound
// X-Request-ID is honoured so IDs survive proxy hops; otherwise a fresh UUID
// is generated. The ID is echoed in the response header and stored in the
// context for log correlation.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"authd/pkg/requestcontext"
)

// Header is the request/response header carrying the correlation ID.
const Header = "X-Request-ID"

// maxInboundLen caps attacker-supplied IDs before they reach logs.
const maxInboundLen = 64

// Middleware stamps the request ID into the context and response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > maxInboundLen {
			id = uuid.NewString()
		}

		w.Header().Set(Header, id)
		ctx := requestcontext.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
