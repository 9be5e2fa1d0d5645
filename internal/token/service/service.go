// Package service issues and validates the server's signed tokens: the
// access/refresh pair, and the short-lived MFA challenge token the login
// pipeline hands out on a CHALLENGE verdict. Refresh tokens rotate on every
// exchange; presenting an already-rotated or revoked token is treated as a
// replay and kills the whole session family.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"authd/internal/identity/models"
	tokenmodels "authd/internal/token/models"
	"authd/internal/token/store"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/platform/sentinel"
	"authd/pkg/platform/tx"
	"authd/pkg/requestcontext"
)

// Default lifetimes. Clock skew is the leeway applied to every temporal
// claim on validation.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultMFATTL     = 5 * time.Minute
	DefaultClockSkew  = 10 * time.Second
)

// Config carries the signing material and lifetimes.
type Config struct {
	SigningKey []byte
	KeyID      string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	MFATTL     time.Duration
	ClockSkew  time.Duration
}

func (c *Config) applyDefaults() {
	if c.AccessTTL == 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	if c.MFATTL == 0 {
		c.MFATTL = DefaultMFATTL
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = DefaultClockSkew
	}
}

// UserSource resolves token subjects so verification can reject tokens for
// disabled or deleted accounts.
type UserSource interface {
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
}

// SecurityPublisher receives security-relevant token events.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// OpsPublisher receives high-volume operational events.
type OpsPublisher interface {
	Track(ctx context.Context, event audit.OpsEvent)
}

// Principal is the verified identity behind an access token.
type Principal struct {
	UserID    id.UserID
	SessionID id.SessionID
	Scope     string
}

// Service signs, verifies and revokes tokens.
type Service struct {
	cfg         Config
	refresh     store.RefreshStore
	revocations store.RevocationList
	cutoffs     store.UserRevocationStore
	users       UserSource
	db          *sql.DB
	logger      *slog.Logger
	security    SecurityPublisher
	ops         OpsPublisher
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDB enables transactional rotation and revoke-all.
func WithDB(db *sql.DB) Option {
	return func(s *Service) { s.db = db }
}

func WithUserSource(users UserSource) Option {
	return func(s *Service) { s.users = users }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

func WithOpsPublisher(p OpsPublisher) Option {
	return func(s *Service) { s.ops = p }
}

// New constructs the service.
func New(cfg Config, refresh store.RefreshStore, revocations store.RevocationList, cutoffs store.UserRevocationStore, opts ...Option) (*Service, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("token service: signing key is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("token service: issuer and audience are required")
	}
	cfg.applyDefaults()

	s := &Service{
		cfg:         cfg,
		refresh:     refresh,
		revocations: revocations,
		cutoffs:     cutoffs,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssuePair mints an access/refresh pair in a fresh session.
func (s *Service) IssuePair(ctx context.Context, userID id.UserID, scope string) (*tokenmodels.Pair, error) {
	sessionID := id.NewSessionID()
	var pair *tokenmodels.Pair
	err := s.runTx(ctx, func(ctx context.Context) error {
		minted, err := s.mint(ctx, userID, sessionID, scope)
		if err != nil {
			return err
		}
		pair = minted.Pair
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.trackOps(ctx, audit.OpsEvent{
		Subject: userID.String(),
		Action:  string(audit.EventTokenIssued),
	})
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair in the same session. A
// token whose server-side record is already rotated or revoked is a replay:
// the whole session family is revoked and the exchange rejected.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*tokenmodels.Pair, error) {
	claims, err := s.parse(ctx, refreshToken, tokenmodels.TypeRefresh)
	if err != nil {
		return nil, err
	}
	jti, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "revocation check unavailable")
	}
	if revoked {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has been revoked")
	}

	record, err := s.refresh.Find(ctx, jti)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "unknown refresh token")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "refresh store unavailable")
	}
	if claims.Subject != record.UserID.String() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !record.Active() {
		return nil, s.containReplay(ctx, record)
	}

	var pair *tokenmodels.Pair
	errConcurrent := errors.New("concurrent rotation")
	err = s.runTx(ctx, func(ctx context.Context) error {
		minted, err := s.mint(ctx, record.UserID, record.SessionID, claims.Scope)
		if err != nil {
			return err
		}
		rotated, err := s.refresh.MarkRotated(ctx, jti, minted.refreshJTI, requestcontext.Now(ctx))
		if err != nil {
			return fmt.Errorf("mark rotated: %w", err)
		}
		if !rotated {
			return errConcurrent
		}
		pair = minted.Pair
		return nil
	})
	if errors.Is(err, errConcurrent) {
		// Two concurrent exchanges of the same token: one of them is not
		// the legitimate client.
		return nil, s.containReplay(ctx, record)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "rotate refresh token")
	}

	s.trackOps(ctx, audit.OpsEvent{
		Subject: record.UserID.String(),
		Action:  string(audit.EventTokenRefreshed),
	})
	return pair, nil
}

// VerifyAccessToken validates an access token end to end and returns the
// principal it authenticates.
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.parse(ctx, token, tokenmodels.TypeAccess)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(claims.Subject)
	if err != nil {
		s.revokeBestEffort(ctx, claims)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "revocation check unavailable")
	}
	if revoked {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has been revoked")
	}

	cutoff, err := s.cutoffs.RevokedAt(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "revocation check unavailable")
	}
	if cutoff != nil && !claims.IssuedAt.Time.After(*cutoff) {
		s.revokeBestEffort(ctx, claims)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token has been revoked")
	}

	if s.users != nil {
		user, err := s.users.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				s.revokeBestEffort(ctx, claims)
				return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "user lookup unavailable")
		}
		if !user.Status.Enabled || user.Deleted() {
			s.revokeBestEffort(ctx, claims)
			return nil, dErrors.New(dErrors.CodeUnauthorized, "account is not active")
		}
	}

	principal := &Principal{UserID: userID, Scope: claims.Scope}
	if claims.SessionID != "" {
		sessionID, err := id.ParseSessionID(claims.SessionID)
		if err != nil {
			s.revokeBestEffort(ctx, claims)
			return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
		}
		principal.SessionID = sessionID
	}
	return principal, nil
}

// IssueMFAChallenge mints the short-lived token a challenged login must
// present back together with its second factor.
func (s *Service) IssueMFAChallenge(ctx context.Context, userID id.UserID) (string, error) {
	now := requestcontext.Now(ctx)
	return s.sign(s.buildClaims(tokenmodels.TypeMFAChallenge, userID, id.SessionID{}, "", now, s.cfg.MFATTL, uuid.NewString()))
}

// VerifyMFAChallenge validates a challenge token and consumes it. A token
// can pass verification at most once.
func (s *Service) VerifyMFAChallenge(ctx context.Context, token string) (id.UserID, error) {
	claims, err := s.parse(ctx, token, tokenmodels.TypeMFAChallenge)
	if err != nil {
		return id.UserID{}, err
	}
	userID, err := id.ParseUserID(claims.Subject)
	if err != nil {
		return id.UserID{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return id.UserID{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "revocation check unavailable")
	}
	if revoked {
		return id.UserID{}, dErrors.New(dErrors.CodeUnauthorized, "challenge already used")
	}
	if err := s.revocations.Revoke(ctx, claims.ID, s.remainingTTL(ctx, claims)); err != nil {
		return id.UserID{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "challenge consumption failed")
	}
	return userID, nil
}

// RevokeToken invalidates a presented token. Refresh tokens take their
// whole session family down with them. Tokens that fail signature checks
// are ignored, matching RFC 7009.
func (s *Service) RevokeToken(ctx context.Context, token, reason string) error {
	claims := &tokenmodels.Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.keyFunc, s.parserOptions(ctx)...)
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return nil
	}
	if parsed == nil || claims.ID == "" {
		return nil
	}

	if claims.Type == tokenmodels.TypeRefresh {
		if jti, parseErr := uuid.Parse(claims.ID); parseErr == nil {
			if record, findErr := s.refresh.Find(ctx, jti); findErr == nil {
				return s.revokeSessionFamily(ctx, record.UserID, record.SessionID, reason)
			}
		}
	}

	if err := s.revocations.Revoke(ctx, claims.ID, s.remainingTTL(ctx, claims)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "revocation store unavailable")
	}
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:  claims.Subject,
		Action:   string(audit.EventTokenRevoked),
		Reason:   reason,
		Severity: audit.SeverityInfo,
		Details:  map[string]string{"jti": claims.ID, "type": claims.Type},
	})
	return nil
}

// RevokeAllForUser records a cutoff invalidating every token issued to the
// user so far and revokes all of their refresh tokens. Implements the
// identity service's SessionRevoker.
func (s *Service) RevokeAllForUser(ctx context.Context, userID id.UserID, reason string) error {
	now := requestcontext.Now(ctx)
	var revoked []uuid.UUID
	err := s.runTx(ctx, func(ctx context.Context) error {
		if err := s.cutoffs.RecordRevocation(ctx, userID, now, reason); err != nil {
			return err
		}
		jtis, err := s.refresh.RevokeAllForUser(ctx, userID, now)
		if err != nil {
			return err
		}
		revoked = jtis
		return s.revocations.RevokeBatch(ctx, uuidStrings(jtis), s.cfg.RefreshTTL+s.cfg.ClockSkew)
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "revoke user tokens")
	}

	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:  userID.String(),
		Action:   string(audit.EventTokenRevoked),
		Reason:   reason,
		Severity: audit.SeverityWarning,
		Details:  map[string]string{"refresh_tokens_revoked": strconv.Itoa(len(revoked))},
	})
	return nil
}

// mintedPair carries the successor refresh jti alongside the pair so
// rotation can link the records.
type mintedPair struct {
	*tokenmodels.Pair
	refreshJTI uuid.UUID
}

func (s *Service) mint(ctx context.Context, userID id.UserID, sessionID id.SessionID, scope string) (*mintedPair, error) {
	now := requestcontext.Now(ctx)
	refreshJTI := uuid.New()

	access, err := s.sign(s.buildClaims(tokenmodels.TypeAccess, userID, sessionID, scope, now, s.cfg.AccessTTL, uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := s.sign(s.buildClaims(tokenmodels.TypeRefresh, userID, sessionID, scope, now, s.cfg.RefreshTTL, refreshJTI.String()))
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	record := &tokenmodels.RefreshRecord{
		JTI:       refreshJTI,
		UserID:    userID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	if err := s.refresh.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("persist refresh record: %w", err)
	}

	return &mintedPair{
		Pair: &tokenmodels.Pair{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
			SessionID:    sessionID,
		},
		refreshJTI: refreshJTI,
	}, nil
}

func (s *Service) buildClaims(typ string, userID id.UserID, sessionID id.SessionID, scope string, now time.Time, ttl time.Duration, jti string) tokenmodels.Claims {
	claims := tokenmodels.Claims{
		Type:  typ,
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	if !sessionID.IsNil() {
		claims.SessionID = sessionID.String()
	}
	return claims
}

func (s *Service) sign(claims tokenmodels.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	return token.SignedString(s.cfg.SigningKey)
}

func (s *Service) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenUnverifiable
	}
	return s.cfg.SigningKey, nil
}

func (s *Service) parserOptions(ctx context.Context) []jwt.ParserOption {
	now := requestcontext.Now(ctx)
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithLeeway(s.cfg.ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
}

// parse verifies signature and claims. Claim failures on a token whose
// signature verified revoke its jti before rejecting, so a token that
// slipped past a skewed clock once cannot be retried.
func (s *Service) parse(ctx context.Context, token, expectedType string) (*tokenmodels.Claims, error) {
	claims := &tokenmodels.Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.keyFunc, s.parserOptions(ctx)...)
	if err != nil || !parsed.Valid {
		if signatureVerified(err) {
			s.revokeBestEffort(ctx, claims)
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if err := requireClaims(claims, expectedType); err != nil {
		s.revokeBestEffort(ctx, claims)
		return nil, err
	}
	return claims, nil
}

// signatureVerified reports whether the parse error happened after signature
// verification. Unverified claims never drive a revocation: an attacker must
// not be able to revoke arbitrary jtis with forged tokens.
func signatureVerified(err error) bool {
	return !errors.Is(err, jwt.ErrTokenMalformed) &&
		!errors.Is(err, jwt.ErrTokenSignatureInvalid) &&
		!errors.Is(err, jwt.ErrTokenUnverifiable)
}

func requireClaims(claims *tokenmodels.Claims, expectedType string) error {
	switch {
	case claims.ID == "",
		claims.Subject == "",
		claims.IssuedAt == nil,
		claims.NotBefore == nil,
		claims.ExpiresAt == nil:
		return dErrors.New(dErrors.CodeUnauthorized, "token is missing required claims")
	case claims.Type != expectedType:
		return dErrors.New(dErrors.CodeUnauthorized, "unexpected token type")
	}
	return nil
}

// containReplay revokes the session family of a replayed refresh token.
func (s *Service) containReplay(ctx context.Context, record *tokenmodels.RefreshRecord) error {
	now := requestcontext.Now(ctx)
	jtis, err := s.refresh.RevokeSession(ctx, record.SessionID, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "session family revocation failed",
			"session_id", record.SessionID.String(), "error", err)
	}
	if err := s.revocations.RevokeBatch(ctx, uuidStrings(jtis), s.cfg.RefreshTTL+s.cfg.ClockSkew); err != nil {
		s.logger.ErrorContext(ctx, "session family revocation failed",
			"session_id", record.SessionID.String(), "error", err)
	}

	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:  record.UserID.String(),
		Action:   string(audit.EventReplayDetected),
		Reason:   "refresh token presented after rotation or revocation",
		Severity: audit.SeverityCritical,
		Details: map[string]string{
			"session_id": record.SessionID.String(),
			"jti":        record.JTI.String(),
		},
	})
	return dErrors.New(dErrors.CodeUnauthorized, "refresh token replay detected")
}

func (s *Service) revokeSessionFamily(ctx context.Context, userID id.UserID, sessionID id.SessionID, reason string) error {
	now := requestcontext.Now(ctx)
	jtis, err := s.refresh.RevokeSession(ctx, sessionID, now)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "revoke session")
	}
	if err := s.revocations.RevokeBatch(ctx, uuidStrings(jtis), s.cfg.RefreshTTL+s.cfg.ClockSkew); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "revocation store unavailable")
	}
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:  userID.String(),
		Action:   string(audit.EventTokenRevoked),
		Reason:   reason,
		Severity: audit.SeverityInfo,
		Details:  map[string]string{"session_id": sessionID.String()},
	})
	return nil
}

func (s *Service) revokeBestEffort(ctx context.Context, claims *tokenmodels.Claims) {
	if claims == nil || claims.ID == "" {
		return
	}
	if err := s.revocations.Revoke(ctx, claims.ID, s.remainingTTL(ctx, claims)); err != nil {
		s.logger.WarnContext(ctx, "best-effort token revocation failed",
			"jti", claims.ID, "error", err)
	}
}

// remainingTTL is how long a revocation entry must outlive the token.
func (s *Service) remainingTTL(ctx context.Context, claims *tokenmodels.Claims) time.Duration {
	ttl := s.cfg.ClockSkew
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Time.Sub(requestcontext.Now(ctx)); remaining > 0 {
			ttl = remaining + s.cfg.ClockSkew
		}
	}
	return ttl
}

func (s *Service) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.db == nil {
		return fn(ctx)
	}
	return tx.Run(ctx, s.db, fn)
}

func (s *Service) emitSecurity(ctx context.Context, event audit.SecurityEvent) {
	if s.security == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.IP == "" {
		event.IP = requestcontext.ClientIP(ctx)
	}
	s.security.Emit(ctx, event)
}

func (s *Service) trackOps(ctx context.Context, event audit.OpsEvent) {
	if s.ops == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	s.ops.Track(ctx, event)
}

func uuidStrings(jtis []uuid.UUID) []string {
	out := make([]string, 0, len(jtis))
	for _, jti := range jtis {
		out = append(out, jti.String())
	}
	return out
}
