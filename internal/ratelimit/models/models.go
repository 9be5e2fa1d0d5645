// Package models holds the rate limiter's domain types and key scheme.
package models

import (
	"time"
)

// Key prefixes. Callers namespace their keys so one store serves every
// limiter concern without collisions.
const (
	// KeyPrefixIP buckets credential-bearing requests per client IP.
	KeyPrefixIP = "auth-sw:ip:"
	// KeyPrefixUser buckets credential-bearing requests per normalised email.
	KeyPrefixUser = "auth-sw:user:"
	// KeyCaptchaGlobal throttles outbound CAPTCHA verification calls.
	KeyCaptchaGlobal = "captcha:global"
)

// IPKey returns the admission key for a client IP. Raw addresses are used
// deliberately: hashing would break operator lookups during incident
// response.
func IPKey(ip string) string { return KeyPrefixIP + ip }

// UserKey returns the admission key for a normalised email.
func UserKey(normalisedEmail string) string { return KeyPrefixUser + normalisedEmail }

// Decision is the outcome of a single acquisition attempt.
type Decision struct {
	Allowed bool
	// Limit is the configured maximum for the key's window.
	Limit int
	// Remaining approximates how many acquisitions are left in the
	// current window. -1 means unknown.
	Remaining int
	// ResetAt is when the oldest in-window entry leaves the window.
	ResetAt time.Time
	// RetryAfter is the suggested client backoff on denial.
	RetryAfter time.Duration
}

// KeyConfig is the per-namespace (limit, window) pair.
type KeyConfig struct {
	Limit  int
	Window time.Duration
}
