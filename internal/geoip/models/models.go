// Package models defines the geo/IP domain: resolved locations, ASN info,
// per-user location history and per-IP reputation metadata.
package models

import (
	"time"

	id "authd/pkg/domain"
)

// HistoryLimit caps the per-user location history; older observations fall
// off the end.
const HistoryLimit = 10

// GeoLocation is a resolved IP location. Zero-value fields mean the database
// had no answer for that attribute; Known reports whether the lookup
// resolved at all.
type GeoLocation struct {
	CountryCode     string
	CountryName     string
	City            string
	PostalCode      string
	Latitude        float64
	Longitude       float64
	TimeZone        string
	SubdivisionName string
	SubdivisionCode string
}

// Known reports whether the location carries any resolved attribute. An
// unknown location never contributes travel or country-change signals.
func (g GeoLocation) Known() bool {
	return g.CountryCode != "" || g.Latitude != 0 || g.Longitude != 0
}

// HasCoordinates reports whether the location can participate in distance
// calculations.
func (g GeoLocation) HasCoordinates() bool {
	return g.Latitude != 0 || g.Longitude != 0
}

// ASNInfo is a resolved autonomous system.
type ASNInfo struct {
	Number       uint
	Organization string
}

// Known reports whether the ASN lookup resolved.
func (a ASNInfo) Known() bool { return a.Number != 0 }

// Observation is one login-time sighting of a user at an IP.
type Observation struct {
	UserID   id.UserID
	IP       string
	Location GeoLocation
	ASN      ASNInfo
	// DeviceFingerprint is the device hash seen with this login, empty
	// when fingerprinting is disabled.
	DeviceFingerprint string
	ObservedAt        time.Time
}

// IPMetadata is the per-IP reputation record the risk engine consults.
// FirstSeenAt is set on the first observation and never moves; the last-seen
// fields track the most recent sighting.
type IPMetadata struct {
	IP              string
	SuspiciousCount int
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	// LastLocation is where the IP was last placed; zero when the
	// resolver could not locate it.
	LastLocation GeoLocation
}

// BlocklistEntry is an administratively blocked IP. A nil ExpiresAt blocks
// indefinitely.
type BlocklistEntry struct {
	IP        string
	Reason    string
	BlockedAt time.Time
	ExpiresAt *time.Time
}

// ActiveAt reports whether the block applies at the given instant.
func (b BlocklistEntry) ActiveAt(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
