package audit

import (
	"time"

	id "authd/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// These require tamper-proof storage and long retention (e.g., 7 years).
	// Examples: user creation/deletion, data subject rights.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and forensics.
	// These feed into SIEM systems and alerting pipelines.
	// Examples: auth failures, lockouts, passkey compromise, risk denials.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for debugging and operational visibility.
	// These can be sampled or aggregated with shorter retention.
	// Examples: token issuance, token refresh, routine access patterns.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	UserID    id.UserID
	Subject   string
	Action    string
	Decision  string
	Reason    string
	// Severity carries the SIEM routing level for security events.
	Severity Severity
	// IP is the client address involved; critical for security forensics.
	IP string
	// Email is captured where the user record may no longer resolve
	// (e.g., during deletion) so the trail stays complete.
	Email     string
	RequestID string
	// ActorID tracks who performed the action when different from UserID.
	// Used for admin operations where an admin acts on a user's behalf.
	ActorID string
	// Details carries event-specific structured attributes (risk signals,
	// credential ids, lockout windows) without widening the schema.
	Details map[string]string
}

// AuditEvent names the action recorded in the trail. Values are the stable
// wire identifiers persisted and consumed by SIEM tooling; they never change
// once shipped.
type AuditEvent string

const (
	// Account lifecycle events
	EventUserCreated     AuditEvent = "USER_CREATED"
	EventUserDeleted     AuditEvent = "USER_DELETED"
	EventPasswordChanged AuditEvent = "PASSWORD_CHANGED"

	// Login pipeline events
	EventSuccessfulLogin        AuditEvent = "SUCCESSFUL_LOGIN"
	EventFailedLogin            AuditEvent = "FAILED_LOGIN"
	EventSuccessfulLoginBlocked AuditEvent = "SUCCESSFUL_LOGIN_BLOCKED"
	EventAccountLocked          AuditEvent = "ACCOUNT_LOCKED"
	EventAccountUnlocked        AuditEvent = "ACCOUNT_UNLOCKED"
	EventRiskDenied             AuditEvent = "RISK_DENIED"
	EventRateLimitExceeded      AuditEvent = "RATE_LIMIT_EXCEEDED"

	// MFA events
	EventMfaChallengeIssued AuditEvent = "MFA_CHALLENGE_ISSUED"
	EventMfaChallengePassed AuditEvent = "MFA_CHALLENGE_PASSED"
	EventMfaChallengeFailed AuditEvent = "MFA_CHALLENGE_FAILED"

	// Passkey events
	EventPasskeyRegistered        AuditEvent = "PASSKEY_REGISTERED"
	EventPasskeyRemoved           AuditEvent = "PASSKEY_REMOVED"
	EventPasskeyCounterRegression AuditEvent = "PASSKEY_COUNTER_REGRESSION"

	// Authorization events
	EventRoleAssignment AuditEvent = "ROLE_ASSIGNMENT"
	EventRoleRevocation AuditEvent = "ROLE_REVOCATION"
	EventCacheCleared   AuditEvent = "CACHE_CLEARED"
	EventIPBlocked      AuditEvent = "IP_BLOCKED"

	// Token events
	EventTokenIssued    AuditEvent = "TOKEN_ISSUED"
	EventTokenRefreshed AuditEvent = "TOKEN_REFRESHED"
	EventTokenRevoked   AuditEvent = "TOKEN_REVOKED"
	EventReplayDetected AuditEvent = "REPLAY_DETECTED"
)

// eventCategories maps each audit event to its category.
// Compliance: legal/regulatory significance, long retention required.
// Security: security monitoring, SIEM integration, alerting.
// Operations: debugging, operational visibility, can be sampled.
var eventCategories = map[AuditEvent]EventCategory{
	// Compliance events - require tamper-proof storage
	EventUserCreated: CategoryCompliance,
	EventUserDeleted: CategoryCompliance,

	// Security events - feed into SIEM and alerting
	EventPasswordChanged:          CategorySecurity,
	EventSuccessfulLogin:          CategorySecurity,
	EventFailedLogin:              CategorySecurity,
	EventSuccessfulLoginBlocked:   CategorySecurity,
	EventAccountLocked:            CategorySecurity,
	EventAccountUnlocked:          CategorySecurity,
	EventRiskDenied:               CategorySecurity,
	EventRateLimitExceeded:        CategorySecurity,
	EventMfaChallengeIssued:       CategorySecurity,
	EventMfaChallengePassed:       CategorySecurity,
	EventMfaChallengeFailed:       CategorySecurity,
	EventPasskeyRegistered:        CategorySecurity,
	EventPasskeyRemoved:           CategorySecurity,
	EventPasskeyCounterRegression: CategorySecurity,
	EventRoleAssignment:           CategorySecurity,
	EventRoleRevocation:           CategorySecurity,
	EventCacheCleared:             CategorySecurity,
	EventIPBlocked:                CategorySecurity,
	EventTokenRevoked:             CategorySecurity,
	EventReplayDetected:           CategorySecurity,

	// Operations events - routine activity, can be sampled
	EventTokenIssued:    CategoryOperations,
	EventTokenRefreshed: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// -----------------------------------------------------------------------------
// Right-sized event types for tri-publisher architecture
// -----------------------------------------------------------------------------

// ComplianceEvent captures regulatory-significant actions requiring guaranteed persistence.
// Use with the compliance publisher for fail-closed semantics.
type ComplianceEvent struct {
	Timestamp time.Time // When the event occurred (set automatically if zero)
	UserID    id.UserID // The user affected (required)
	Subject   string    // Human-readable subject identifier
	Action    string    // The action taken (e.g., "USER_CREATED")
	Decision  string    // Outcome of the action (e.g., "created", "deleted")
	Email     string    // Email snapshot for trails that outlive the user row
	RequestID string    // Correlation ID for request tracing
	ActorID   string    // Admin who performed action (if different from UserID)
}

// Category returns CategoryCompliance (always).
func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

// ToEvent converts to the transport-agnostic Event for the store layer.
func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:  CategoryCompliance,
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		Subject:   e.Subject,
		Action:    e.Action,
		Decision:  e.Decision,
		Email:     e.Email,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
	}
}

// SecurityEvent captures security-relevant actions for SIEM and alerting.
// Events are processed asynchronously with buffering and retry.
// Use with the security publisher for non-blocking emission.
type SecurityEvent struct {
	Timestamp time.Time         // When the event occurred (set automatically if zero)
	Subject   string            // Entity involved (user id, IP, credential id)
	Action    string            // Security action (e.g., "FAILED_LOGIN", "ACCOUNT_LOCKED")
	Reason    string            // Why this happened (e.g., "invalid_password", "counter_regression")
	IP        string            // Client IP address (critical for security forensics)
	RequestID string            // Correlation ID
	ActorID   string            // Actor if different from subject
	Severity  Severity          // "info", "warning", "critical" for SIEM routing
	Details   map[string]string // Event-specific structured attributes
}

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category returns CategorySecurity (always).
func (e SecurityEvent) Category() EventCategory { return CategorySecurity }

// ToEvent converts to the transport-agnostic Event for the store layer.
func (e SecurityEvent) ToEvent() Event {
	return Event{
		Category:  CategorySecurity,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		Reason:    e.Reason,
		Severity:  e.Severity,
		IP:        e.IP,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Details:   e.Details,
	}
}

// OpsEvent captures operational events with minimal overhead.
// Events are fire-and-forget with optional sampling.
type OpsEvent struct {
	Timestamp time.Time // When the event occurred (set automatically if zero)
	Subject   string    // Entity involved
	Action    string    // Operational action (e.g., "TOKEN_ISSUED")
	RequestID string    // Correlation ID
}

// Category returns CategoryOperations (always).
func (e OpsEvent) Category() EventCategory { return CategoryOperations }

// ToEvent converts to the transport-agnostic Event for the store layer.
func (e OpsEvent) ToEvent() Event {
	return Event{
		Category:  CategoryOperations,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		RequestID: e.RequestID,
	}
}
