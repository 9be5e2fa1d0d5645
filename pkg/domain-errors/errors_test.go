package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("direct error carries its code", func(t *testing.T) {
		err := New(CodeNotFound, "user missing")
		assert.True(t, HasCode(err, CodeNotFound))
		assert.False(t, HasCode(err, CodeInternal))
	})

	t.Run("wrapped error is found through the chain", func(t *testing.T) {
		cause := errors.New("sql: no rows")
		err := fmt.Errorf("load user: %w", Wrap(cause, CodeNotFound, "user missing"))
		assert.True(t, HasCode(err, CodeNotFound))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.False(t, HasCode(nil, CodeInternal))
	})
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeUnavailable, "redis unreachable")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "redis unreachable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithKind(t *testing.T) {
	base := New(CodeForbidden, "account is locked")
	kinded := base.WithKind(KindAccountLocked)

	t.Run("kind is attached to the copy only", func(t *testing.T) {
		assert.Equal(t, KindAccountLocked, kinded.Kind())
		assert.Equal(t, Kind(""), base.Kind())
	})

	t.Run("code survives the kind attachment", func(t *testing.T) {
		assert.True(t, HasCode(kinded, CodeForbidden))
	})

	t.Run("HasKind sees through wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("login: %w", kinded)
		assert.True(t, HasKind(wrapped, KindAccountLocked))
		assert.False(t, HasKind(wrapped, KindAccountDisabled))
	})
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeConflict, CodeOf(New(CodeConflict, "duplicate email")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("untyped")))
}

func TestKindOf(t *testing.T) {
	err := New(CodeUnauthorized, "bad password").WithKind(KindInvalidCredentials)
	assert.Equal(t, KindInvalidCredentials, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("untyped")))
}
