// Package service is the authentication pipeline: the strictly ordered,
// fail-closed sequence every credential-bearing request walks through.
// Rate limits come first so everything downstream is shielded, the CAPTCHA
// gate only engages for suspicious sources, account status is evaluated
// before the credential so a locked account never leaks whether the
// password was right, and the risk engine has the last word on an otherwise
// valid login.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	geomodels "authd/internal/geoip/models"
	identitymodels "authd/internal/identity/models"
	"authd/internal/identity/password"
	identityservice "authd/internal/identity/service"
	identitystore "authd/internal/identity/store"
	passkeyservice "authd/internal/passkey/service"
	ratelimitmodels "authd/internal/ratelimit/models"
	riskmodels "authd/internal/risk/models"
	riskservice "authd/internal/risk/service"
	tokenmodels "authd/internal/token/models"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/platform/sentinel"
	"authd/pkg/requestcontext"
)

// Defaults for the lockout policy and CAPTCHA gating thresholds.
const (
	DefaultMaxLoginAttempts       = 5
	DefaultLockoutDuration        = 15 * time.Minute
	DefaultSuspiciousIPThreshold  = 3
	DefaultRecentFailureWindow    = 10 * time.Minute
	DefaultRecentFailureThreshold = 3
)

// Config carries the pipeline's tunables.
type Config struct {
	MaxLoginAttempts       int
	LockoutDuration        time.Duration
	SuspiciousIPThreshold  int
	RecentFailureWindow    time.Duration
	RecentFailureThreshold int
}

func (c *Config) applyDefaults() {
	if c.MaxLoginAttempts == 0 {
		c.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = DefaultLockoutDuration
	}
	if c.SuspiciousIPThreshold == 0 {
		c.SuspiciousIPThreshold = DefaultSuspiciousIPThreshold
	}
	if c.RecentFailureWindow == 0 {
		c.RecentFailureWindow = DefaultRecentFailureWindow
	}
	if c.RecentFailureThreshold == 0 {
		c.RecentFailureThreshold = DefaultRecentFailureThreshold
	}
}

// RateLimiter admits or denies one attempt for a key.
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string) (*ratelimitmodels.Decision, error)
}

// CaptchaVerifier validates a client-supplied challenge token.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// TokenIssuer is the token service surface the pipeline drives.
type TokenIssuer interface {
	IssuePair(ctx context.Context, userID id.UserID, scope string) (*tokenmodels.Pair, error)
	IssueMFAChallenge(ctx context.Context, userID id.UserID) (string, error)
	VerifyMFAChallenge(ctx context.Context, token string) (id.UserID, error)
	RevokeToken(ctx context.Context, token, reason string) error
}

// RiskEngine scores a login attempt.
type RiskEngine interface {
	Evaluate(ctx context.Context, input riskservice.Input) riskmodels.Verdict
}

// GeoRecorder supplies IP reputation and records sightings.
type GeoRecorder interface {
	IPMetadata(ctx context.Context, ip string) (*geomodels.IPMetadata, error)
	Observe(ctx context.Context, userID id.UserID, ip string, suspicious bool) (*geomodels.Observation, error)
}

// PasskeyAuthenticator runs the WebAuthn assertion ceremony.
type PasskeyAuthenticator interface {
	BeginAuthentication(ctx context.Context, handle *id.UserHandle) (*protocol.CredentialAssertion, string, error)
	FinishAuthentication(ctx context.Context, ref string, r *http.Request) (*passkeyservice.AuthenticationResult, error)
}

// Registrar creates accounts.
type Registrar interface {
	CreateUser(ctx context.Context, params identityservice.CreateUserParams) (*identitymodels.User, error)
}

// SecurityPublisher receives the pipeline's security events.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// AuthMethod names how a login was proven.
type AuthMethod string

const (
	MethodPassword AuthMethod = "password"
	MethodPasskey  AuthMethod = "passkey"
	MethodMFA      AuthMethod = "mfa"
)

// Outcome is the terminal state of a pipeline run that was not rejected.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeMFARequired Outcome = "mfa_required"
)

// LoginResult is what such a run produced: either a token pair, or an MFA
// challenge the client must answer first.
type LoginResult struct {
	Outcome      Outcome
	Pair         *tokenmodels.Pair
	MFAChallenge string
	User         *identitymodels.User
}

// Service runs the pipeline.
type Service struct {
	cfg       Config
	users     identitystore.UserStore
	limiter   RateLimiter
	tokens    TokenIssuer
	captcha   CaptchaVerifier
	geo       GeoRecorder
	risk      RiskEngine
	passkeys  PasskeyAuthenticator
	registrar Registrar
	logger    *slog.Logger
	security  SecurityPublisher
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithCaptcha(captcha CaptchaVerifier) Option {
	return func(s *Service) { s.captcha = captcha }
}

func WithGeo(geo GeoRecorder) Option {
	return func(s *Service) { s.geo = geo }
}

func WithRisk(risk RiskEngine) Option {
	return func(s *Service) { s.risk = risk }
}

func WithPasskeys(passkeys PasskeyAuthenticator) Option {
	return func(s *Service) { s.passkeys = passkeys }
}

func WithRegistrar(registrar Registrar) Option {
	return func(s *Service) { s.registrar = registrar }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

// New constructs the pipeline.
func New(users identitystore.UserStore, limiter RateLimiter, tokens TokenIssuer, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth pipeline: user store is required")
	}
	if limiter == nil {
		return nil, errors.New("auth pipeline: rate limiter is required")
	}
	if tokens == nil {
		return nil, errors.New("auth pipeline: token issuer is required")
	}
	s := &Service{
		users:   users,
		limiter: limiter,
		tokens:  tokens,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.applyDefaults()
	return s, nil
}

// PasswordLogin runs the password pipeline end to end.
func (s *Service) PasswordLogin(ctx context.Context, email, plaintext, captchaToken string) (*LoginResult, error) {
	ip, err := s.clientIP(ctx)
	if err != nil {
		return nil, err
	}
	normalised := identitymodels.NormaliseEmail(email)

	if err := s.acquire(ctx, ratelimitmodels.IPKey(ip)); err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, ratelimitmodels.UserKey(normalised)); err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, normalised)
	if err != nil {
		return nil, err
	}

	if err := s.captchaGate(ctx, user, ip, captchaToken); err != nil {
		return nil, err
	}

	if user == nil {
		// Unknown account: burn the same hashing work as a real
		// verification so response timing does not oracle existence.
		password.VerifyDummy(plaintext)
		return nil, invalidCredentials()
	}

	if err := s.checkAccountStatus(ctx, user); err != nil {
		return nil, err
	}

	if !user.HasPassword() {
		password.VerifyDummy(plaintext)
		return nil, s.recordFailure(ctx, user, ip)
	}
	ok, err := password.Verify(plaintext, user.PasswordHash)
	if err != nil {
		s.logger.ErrorContext(ctx, "password verification errored",
			"user_id", user.ID.String(), "error", err)
		return nil, s.recordFailure(ctx, user, ip)
	}
	if !ok {
		return nil, s.recordFailure(ctx, user, ip)
	}

	rehash := ""
	if password.NeedsRehash(user.PasswordHash) {
		if h, hashErr := password.Hash(plaintext); hashErr == nil {
			rehash = h
		} else {
			s.logger.WarnContext(ctx, "password rehash failed", "error", hashErr)
		}
	}

	verdict := s.evaluateRisk(ctx, user.ID, ip)
	return s.finish(ctx, user, ip, verdict, MethodPassword, false, rehash)
}

// BeginPasskeyLogin issues assertion options. An unknown email falls back
// to a discoverable-credential ceremony so the endpoint does not oracle
// account existence.
func (s *Service) BeginPasskeyLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, string, error) {
	if s.passkeys == nil {
		return nil, "", dErrors.New(dErrors.CodeNotFound, "passkey login is not enabled")
	}
	ip, err := s.clientIP(ctx)
	if err != nil {
		return nil, "", err
	}
	if err := s.acquire(ctx, ratelimitmodels.IPKey(ip)); err != nil {
		return nil, "", err
	}

	var handle *id.UserHandle
	if email != "" {
		user, err := s.loadUser(ctx, identitymodels.NormaliseEmail(email))
		if err != nil {
			return nil, "", err
		}
		if user != nil {
			h := user.Handle
			handle = &h
		}
	}
	return s.passkeys.BeginAuthentication(ctx, handle)
}

// FinishPasskeyLogin completes the assertion and the rest of the pipeline.
// The CAPTCHA gate is bypassed when the authenticator performed user
// verification and the risk verdict is not a denial.
func (s *Service) FinishPasskeyLogin(ctx context.Context, ref string, r *http.Request, captchaToken string) (*LoginResult, error) {
	if s.passkeys == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "passkey login is not enabled")
	}
	ip, err := s.clientIP(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, ratelimitmodels.IPKey(ip)); err != nil {
		return nil, err
	}

	result, err := s.passkeys.FinishAuthentication(ctx, ref, r)
	if err != nil {
		return nil, err
	}
	user := result.User

	if err := s.acquire(ctx, ratelimitmodels.UserKey(user.Email)); err != nil {
		return nil, err
	}
	if err := s.checkAccountStatus(ctx, user); err != nil {
		return nil, err
	}

	verdict := s.evaluateRisk(ctx, user.ID, ip)
	if !(result.UserVerified && !verdict.Denied()) {
		if err := s.captchaGate(ctx, user, ip, captchaToken); err != nil {
			return nil, err
		}
	}
	return s.finish(ctx, user, ip, verdict, MethodPasskey, result.UserVerified, "")
}

// CompleteMFA answers a CHALLENGE verdict: the client presents the MFA
// challenge token together with a passkey assertion for the same user. The
// challenge token is consumed on first verification regardless of the
// assertion outcome.
func (s *Service) CompleteMFA(ctx context.Context, challengeToken, ref string, r *http.Request) (*LoginResult, error) {
	if s.passkeys == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "passkey login is not enabled")
	}
	ip, err := s.clientIP(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, ratelimitmodels.IPKey(ip)); err != nil {
		return nil, err
	}

	userID, err := s.tokens.VerifyMFAChallenge(ctx, challengeToken)
	if err != nil {
		s.emitSecurity(ctx, audit.SecurityEvent{
			Action:   string(audit.EventMfaChallengeFailed),
			Reason:   "challenge token rejected",
			Severity: audit.SeverityWarning,
		})
		return nil, err
	}

	result, err := s.passkeys.FinishAuthentication(ctx, ref, r)
	if err != nil {
		s.emitSecurity(ctx, audit.SecurityEvent{
			Subject:  userID.String(),
			Action:   string(audit.EventMfaChallengeFailed),
			Reason:   "assertion rejected",
			Severity: audit.SeverityWarning,
		})
		return nil, err
	}
	if result.User.ID != userID {
		s.emitSecurity(ctx, audit.SecurityEvent{
			Subject:  userID.String(),
			ActorID:  result.User.ID.String(),
			Action:   string(audit.EventMfaChallengeFailed),
			Reason:   "assertion user does not match challenge",
			Severity: audit.SeverityCritical,
		})
		return nil, dErrors.New(dErrors.CodeUnauthorized, "challenge does not match credential")
	}
	if err := s.checkAccountStatus(ctx, result.User); err != nil {
		return nil, err
	}

	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:  userID.String(),
		Action:   string(audit.EventMfaChallengePassed),
		Severity: audit.SeverityInfo,
	})
	return s.issueSuccess(ctx, result.User, ip, MethodMFA)
}

// RegisterParams is a registration request plus its CAPTCHA token.
type RegisterParams struct {
	identityservice.CreateUserParams
	CaptchaToken string
}

// Register runs the registration front of the pipeline: rate limits and
// the CAPTCHA gate, then account creation. No tokens are issued; the new
// user logs in through the normal flow.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*identitymodels.User, error) {
	if s.registrar == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "registration is not enabled")
	}
	ip, err := s.clientIP(ctx)
	if err != nil {
		return nil, err
	}
	normalised := identitymodels.NormaliseEmail(params.Email)

	if err := s.acquire(ctx, ratelimitmodels.IPKey(ip)); err != nil {
		return nil, err
	}
	if err := s.acquire(ctx, ratelimitmodels.UserKey(normalised)); err != nil {
		return nil, err
	}
	if err := s.captchaGate(ctx, nil, ip, params.CaptchaToken); err != nil {
		return nil, err
	}

	return s.registrar.CreateUser(ctx, params.CreateUserParams)
}

// Logout revokes the presented access token for its remaining lifetime.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	return s.tokens.RevokeToken(ctx, accessToken, "logout")
}

// finish is the shared back half of a proven login: success side effects,
// risk branching, token issuance.
func (s *Service) finish(ctx context.Context, user *identitymodels.User, ip string, verdict riskmodels.Verdict, method AuthMethod, userVerified bool, rehash string) (*LoginResult, error) {
	now := requestcontext.Now(ctx)
	if err := s.users.RecordLoginSuccess(ctx, user.ID, now, rehash); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record login success")
	}
	s.observe(ctx, user.ID, ip, verdict.Denied())

	if verdict.Denied() {
		s.emitSecurity(ctx, audit.SecurityEvent{
			Subject:  user.ID.String(),
			Action:   string(audit.EventSuccessfulLoginBlocked),
			Reason:   "risk score exceeded deny threshold",
			Severity: audit.SeverityWarning,
			Details:  map[string]string{"score": strconv.Itoa(verdict.Score)},
		})
		return nil, dErrors.New(dErrors.CodeForbidden, "login blocked").
			WithKind(dErrors.KindRiskDenied)
	}

	// A challenge verdict on a user-verified passkey assertion is already
	// satisfied: the authenticator performed the second factor.
	if verdict.Challenged() && !(method == MethodPasskey && userVerified) {
		challenge, err := s.tokens.IssueMFAChallenge(ctx, user.ID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue mfa challenge")
		}
		s.emitSecurity(ctx, audit.SecurityEvent{
			Subject:  user.ID.String(),
			Action:   string(audit.EventMfaChallengeIssued),
			Severity: audit.SeverityInfo,
			Details:  map[string]string{"score": strconv.Itoa(verdict.Score)},
		})
		return &LoginResult{Outcome: OutcomeMFARequired, MFAChallenge: challenge, User: user}, nil
	}

	return s.issueSuccess(ctx, user, ip, method)
}

func (s *Service) issueSuccess(ctx context.Context, user *identitymodels.User, ip string, method AuthMethod) (*LoginResult, error) {
	pair, err := s.tokens.IssuePair(ctx, user.ID, "")
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "issue tokens")
	}
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:  user.ID.String(),
		Action:   string(audit.EventSuccessfulLogin),
		IP:       ip,
		Severity: audit.SeverityInfo,
		Details:  map[string]string{"method": string(method)},
	})
	return &LoginResult{Outcome: OutcomeSuccess, Pair: pair, User: user}, nil
}

// recordFailure runs the failure leg: atomic counter increment, failure
// event for the recent-failures window, lockout on crossing the maximum.
// Always returns InvalidCredentials; the lockout itself only surfaces on
// the next attempt.
func (s *Service) recordFailure(ctx context.Context, user *identitymodels.User, ip string) error {
	now := requestcontext.Now(ctx)

	record, err := s.users.RecordLoginFailure(ctx, user.ID, now, s.cfg.MaxLoginAttempts, now.Add(s.cfg.LockoutDuration))
	if err != nil {
		s.logger.ErrorContext(ctx, "login failure write failed",
			"user_id", user.ID.String(), "error", err)
	}
	if err := s.users.AppendFailureEvent(ctx, user.ID, ip, now); err != nil {
		s.logger.WarnContext(ctx, "failure event write failed",
			"user_id", user.ID.String(), "error", err)
	}

	details := map[string]string{}
	if record != nil {
		details["failed_attempts"] = strconv.Itoa(record.FailedLoginAttempts)
	}
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:  user.ID.String(),
		Action:   string(audit.EventFailedLogin),
		IP:       ip,
		Severity: audit.SeverityInfo,
		Details:  details,
	})

	if record != nil && record.Locked {
		lockDetails := map[string]string{}
		if record.LockoutExpiresAt != nil {
			lockDetails["lockout_until"] = record.LockoutExpiresAt.UTC().Format(time.RFC3339)
		}
		s.emitSecurity(ctx, audit.SecurityEvent{
			Subject:  user.ID.String(),
			Action:   string(audit.EventAccountLocked),
			IP:       ip,
			Severity: audit.SeverityWarning,
			Details:  lockDetails,
		})
	}
	return invalidCredentials()
}

// checkAccountStatus walks the status flags in pipeline order. An expired
// lockout auto-unlocks on the way through.
func (s *Service) checkAccountStatus(ctx context.Context, user *identitymodels.User) error {
	now := requestcontext.Now(ctx)
	status := user.Status

	switch {
	case !status.Enabled:
		return dErrors.New(dErrors.CodeForbidden, "account is disabled").
			WithKind(dErrors.KindAccountDisabled)
	case !status.AccountNonExpired:
		return dErrors.New(dErrors.CodeForbidden, "account has expired").
			WithKind(dErrors.KindAccountExpired)
	case !status.CredentialsNonExpired:
		return dErrors.New(dErrors.CodeForbidden, "credentials have expired").
			WithKind(dErrors.KindCredentialsExpired)
	}

	if status.LockedAt(now) {
		return dErrors.New(dErrors.CodeForbidden, "account is locked").
			WithKind(dErrors.KindAccountLocked)
	}
	if status.LockoutExpiresAt != nil {
		cleared, err := s.users.ClearExpiredLockout(ctx, user.ID, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "clear expired lockout")
		}
		if cleared {
			user.Status.FailedLoginAttempts = 0
			user.Status.LockoutExpiresAt = nil
			s.emitSecurity(ctx, audit.SecurityEvent{
				Subject:  user.ID.String(),
				Action:   string(audit.EventAccountUnlocked),
				Reason:   "lockout window elapsed",
				Severity: audit.SeverityInfo,
			})
		}
	}
	return nil
}

// captchaGate engages when the source looks suspicious: a flagged IP or an
// account with recent failures.
func (s *Service) captchaGate(ctx context.Context, user *identitymodels.User, ip, token string) error {
	if s.captcha == nil {
		return nil
	}
	if !s.captchaRequired(ctx, user, ip) {
		return nil
	}
	return s.captcha.Verify(ctx, token, ip)
}

func (s *Service) captchaRequired(ctx context.Context, user *identitymodels.User, ip string) bool {
	if s.geo != nil {
		meta, err := s.geo.IPMetadata(ctx, ip)
		if err != nil {
			s.logger.WarnContext(ctx, "ip metadata lookup failed", "error", err)
		} else if meta != nil && meta.SuspiciousCount >= s.cfg.SuspiciousIPThreshold {
			return true
		}
	}
	if user != nil {
		since := requestcontext.Now(ctx).Add(-s.cfg.RecentFailureWindow)
		count, err := s.users.CountRecentFailures(ctx, user.ID, since)
		if err != nil {
			s.logger.WarnContext(ctx, "recent failure count failed", "error", err)
		} else if count >= s.cfg.RecentFailureThreshold {
			return true
		}
	}
	return false
}

func (s *Service) evaluateRisk(ctx context.Context, userID id.UserID, ip string) riskmodels.Verdict {
	if s.risk == nil {
		return riskmodels.Verdict{Recommendation: riskmodels.RecommendAllow}
	}
	uid := userID
	return s.risk.Evaluate(ctx, riskservice.Input{
		UserID:            &uid,
		IP:                ip,
		DeviceFingerprint: requestcontext.DeviceFingerprint(ctx),
	})
}

func (s *Service) observe(ctx context.Context, userID id.UserID, ip string, suspicious bool) {
	if s.geo == nil {
		return
	}
	if _, err := s.geo.Observe(ctx, userID, ip, suspicious); err != nil {
		s.logger.WarnContext(ctx, "geo observation failed",
			"user_id", userID.String(), "error", err)
	}
}

func (s *Service) acquire(ctx context.Context, key string) error {
	decision, err := s.limiter.TryAcquire(ctx, key)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return dErrors.New(dErrors.CodeTooManyRequests, "too many attempts").
			WithKind(dErrors.KindRateLimitExceeded)
	}
	return nil
}

func (s *Service) loadUser(ctx context.Context, normalisedEmail string) (*identitymodels.User, error) {
	user, err := s.users.FindByEmail(ctx, normalisedEmail)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "user lookup failed")
	}
	return user, nil
}

func (s *Service) clientIP(ctx context.Context) (string, error) {
	ip := requestcontext.ClientIP(ctx)
	if ip == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "client address unavailable")
	}
	return ip, nil
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

func invalidCredentials() error {
	return dErrors.New(dErrors.CodeUnauthorized, "invalid credentials").
		WithKind(dErrors.KindInvalidCredentials)
}
