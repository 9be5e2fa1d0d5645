package domain

import (
	"crypto/rand"
	"encoding/base64"

	dErrors "authd/pkg/domain-errors"
)

// handleByteLen is the entropy of a user handle before encoding.
const handleByteLen = 16

// UserHandle is the external opaque identifier for a user: URL-safe base64
// of 16 random bytes, assigned at registration and immutable afterwards. It
// doubles as the WebAuthn user handle, so it must never encode anything an
// authenticator could correlate across accounts.
type UserHandle string

// NewUserHandle generates a fresh handle from crypto/rand.
func NewUserHandle() (UserHandle, error) {
	buf := make([]byte, handleByteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "generate user handle")
	}
	return UserHandle(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// ParseUserHandle validates an external string as a user handle.
func ParseUserHandle(s string) (UserHandle, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "user handle must not be empty")
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid user handle encoding")
	}
	if len(raw) != handleByteLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "user handle has wrong length")
	}
	return UserHandle(s), nil
}

// UserHandleFromBytes reconstructs a handle from its decoded form, as
// received in a WebAuthn assertion's userHandle field.
func UserHandleFromBytes(raw []byte) (UserHandle, error) {
	if len(raw) != handleByteLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "user handle has wrong length")
	}
	return UserHandle(base64.RawURLEncoding.EncodeToString(raw)), nil
}

// Bytes returns the decoded handle for WebAuthn user.id fields. The handle
// is assumed valid; invalid handles decode to nil.
func (h UserHandle) Bytes() []byte {
	raw, err := base64.RawURLEncoding.DecodeString(string(h))
	if err != nil {
		return nil
	}
	return raw
}

func (h UserHandle) String() string { return string(h) }
func (h UserHandle) IsNil() bool    { return h == "" }
