package password

import (
	"context"
	"strings"
	"unicode"

	dErrors "authd/pkg/domain-errors"
)

// Complexity bounds enforced on every new password.
const (
	minLength          = 12
	maxLength          = 128
	maxConsecutiveRuns = 3
)

// CompromisedOracle answers whether a password appears in a breach corpus.
// The production deployment plugs in an external service; the default is a
// local top-list.
type CompromisedOracle interface {
	IsCompromised(ctx context.Context, password string) (bool, error)
}

// Policy validates new passwords before they are hashed.
type Policy struct {
	oracle CompromisedOracle
}

// NewPolicy builds a policy. A nil oracle skips the breach check.
func NewPolicy(oracle CompromisedOracle) *Policy {
	return &Policy{oracle: oracle}
}

// Validate enforces the write-time complexity rules: length in [12,128], at
// least one upper, lower, digit and special character, no more than three
// consecutive repeats, and absence from the compromised-passwords oracle.
func (p *Policy) Validate(ctx context.Context, password string) error {
	if len(password) < minLength {
		return dErrors.New(dErrors.CodeValidation, "password must be at least 12 characters")
	}
	if len(password) > maxLength {
		return dErrors.New(dErrors.CodeValidation, "password must be at most 128 characters")
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	run := 0
	var prev rune = -1
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}

		if r == prev {
			run++
			if run > maxConsecutiveRuns {
				return dErrors.New(dErrors.CodeValidation, "password must not repeat a character more than 3 times in a row")
			}
		} else {
			run = 1
			prev = r
		}
	}

	switch {
	case !hasUpper:
		return dErrors.New(dErrors.CodeValidation, "password must contain an uppercase letter")
	case !hasLower:
		return dErrors.New(dErrors.CodeValidation, "password must contain a lowercase letter")
	case !hasDigit:
		return dErrors.New(dErrors.CodeValidation, "password must contain a digit")
	case !hasSpecial:
		return dErrors.New(dErrors.CodeValidation, "password must contain a special character")
	}

	if p.oracle != nil {
		compromised, err := p.oracle.IsCompromised(ctx, password)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "compromised password check failed")
		}
		if compromised {
			return dErrors.New(dErrors.CodeValidation, "password appears in a known breach corpus")
		}
	}

	return nil
}

// TopListOracle rejects passwords from a small local list of the most
// common breached passwords (compared case-insensitively). It serves as the
// default when no external oracle is configured.
type TopListOracle struct {
	entries map[string]struct{}
}

// NewTopListOracle builds the oracle from the given entries, or from a
// built-in list when none are supplied.
func NewTopListOracle(entries ...string) *TopListOracle {
	if len(entries) == 0 {
		entries = defaultTopList
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[strings.ToLower(e)] = struct{}{}
	}
	return &TopListOracle{entries: set}
}

// IsCompromised reports membership in the local list.
func (o *TopListOracle) IsCompromised(_ context.Context, password string) (bool, error) {
	_, ok := o.entries[strings.ToLower(password)]
	return ok, nil
}

var defaultTopList = []string{
	"password12345!",
	"p@ssw0rd12345",
	"qwertyuiop123!",
	"administrator1!",
	"welcome12345!",
	"letmein12345!",
	"changeme12345!",
	"iloveyou12345!",
	"sunshine12345!",
	"trustno1trustno1",
}
