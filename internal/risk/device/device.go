// Package device derives display names and stable fingerprints from
// User-Agent strings. Fingerprints feed the risk engine's new-device signal
// and session binding; display names feed session listings.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mssola/useragent"
)

// Service computes device fingerprints. A disabled service computes
// nothing, which downstream consumers read as "no device signal".
type Service struct {
	enabled bool
}

// NewService constructs the service.
func NewService(enabled bool) *Service {
	return &Service{enabled: enabled}
}

// ParseUserAgent renders a human-readable device name, e.g.
// "Chrome on Mac OS X" or "Safari on iPhone".
func ParseUserAgent(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Unknown Device"
	}
	agent := useragent.New(raw)

	browser, _ := agent.Browser()
	if browser == "" {
		browser = "Unknown Browser"
	}

	platform := agent.OSInfo().Name
	if agent.Mobile() && agent.Platform() != "" {
		platform = agent.Platform()
	}
	if platform == "" {
		platform = "Unknown OS"
	}

	return strings.TrimSpace(browser + " on " + platform)
}

// ComputeFingerprint hashes the stable parts of a User-Agent: browser name,
// browser major version, OS and platform. Minor and patch versions are
// dropped so routine browser updates do not read as new devices; a major
// upgrade does.
func (s *Service) ComputeFingerprint(raw string) string {
	if !s.enabled || strings.TrimSpace(raw) == "" {
		return ""
	}
	agent := useragent.New(raw)

	browser, version := agent.Browser()
	parts := []string{
		browser,
		majorVersion(version),
		agent.OSInfo().Name,
		agent.Platform(),
	}
	if agent.Mobile() {
		parts = append(parts, "mobile")
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// CompareFingerprints reports whether two fingerprints match and whether
// the difference counts as drift. Missing fingerprints compare as neither.
func (s *Service) CompareFingerprints(stored, observed string) (matched, drift bool) {
	if stored == "" || observed == "" {
		return false, false
	}
	if stored == observed {
		return true, false
	}
	return false, true
}

func majorVersion(version string) string {
	if idx := strings.Index(version, "."); idx >= 0 {
		return version[:idx]
	}
	return version
}
