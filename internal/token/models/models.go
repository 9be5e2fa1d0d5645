// Package models defines the token domain: JWT claims, issued pairs and
// refresh-token lineage. A session is the token family an access/refresh
// pair belongs to; every rotation stays inside the family, so revoking the
// session kills every descendant.
package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "authd/pkg/domain"
)

// Token types carried in the `type` claim. Validation matches the expected
// type exactly; an access token can never pass as a refresh token.
const (
	TypeAccess       = "access"
	TypeRefresh      = "refresh"
	TypeMFAChallenge = "mfa_challenge"
)

// Claims is the JWT payload for every token this server signs.
type Claims struct {
	Type  string `json:"type"`
	Scope string `json:"scope,omitempty"`
	// SessionID ties the token to its family for replay containment.
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Pair is an issued access/refresh credential pair.
type Pair struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	SessionID    id.SessionID `json:"-"`
}

// RefreshRecord is the server-side state of one refresh token. RotatedTo
// links to the successor after rotation; a presented token whose record is
// already rotated or revoked is a replay.
type RefreshRecord struct {
	JTI       uuid.UUID
	UserID    id.UserID
	SessionID id.SessionID
	IssuedAt  time.Time
	ExpiresAt time.Time
	RotatedTo *uuid.UUID
	RevokedAt *time.Time
}

// Active reports whether the record can still be exchanged.
func (r *RefreshRecord) Active() bool {
	return r.RotatedTo == nil && r.RevokedAt == nil
}
