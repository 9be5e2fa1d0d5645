// Package models defines the risk verdict vocabulary. A verdict is advisory:
// the authentication pipeline decides what to do with it, the engine only
// scores.
package models

// Recommendation is the engine's advice for a login attempt.
type Recommendation string

const (
	RecommendAllow     Recommendation = "ALLOW"
	RecommendChallenge Recommendation = "CHALLENGE"
	RecommendDeny      Recommendation = "DENY"
)

// Signal names. Stable identifiers; they appear in audit trails.
const (
	SignalIPBlocklisted    = "ip_blocklisted"
	SignalImpossibleTravel = "impossible_travel"
	SignalCountryChange    = "country_change"
	SignalASNChange        = "asn_change"
	SignalNewDevice        = "new_device"
	SignalSuspiciousIP     = "suspicious_ip"
	SignalRecentFailures   = "recent_failures"
)

// Signal is one contributing factor with the weight it added.
type Signal struct {
	Name   string
	Weight int
	Detail string
}

// Verdict is the scored outcome. Score is clamped to [0, 100].
type Verdict struct {
	Score          int
	Signals        []Signal
	Recommendation Recommendation
}

// Denied reports whether the engine advised rejecting the attempt outright.
func (v Verdict) Denied() bool { return v.Recommendation == RecommendDeny }

// Challenged reports whether the engine advised stepping up to MFA.
func (v Verdict) Challenged() bool { return v.Recommendation == RecommendChallenge }
