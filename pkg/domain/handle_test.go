package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "authd/pkg/domain-errors"
)

func TestNewUserHandle(t *testing.T) {
	t.Run("generates 16 bytes of entropy", func(t *testing.T) {
		h, err := NewUserHandle()
		require.NoError(t, err)
		assert.Len(t, h.Bytes(), 16)
	})

	t.Run("handles are unique", func(t *testing.T) {
		a, err := NewUserHandle()
		require.NoError(t, err)
		b, err := NewUserHandle()
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("round-trips through parse", func(t *testing.T) {
		h, err := NewUserHandle()
		require.NoError(t, err)

		parsed, err := ParseUserHandle(h.String())
		require.NoError(t, err)
		assert.Equal(t, h, parsed)
	})
}

func TestParseUserHandle(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty", "", true},
		{"not base64", "!!!not-base64!!!", true},
		{"wrong length", "AAAA", true},
		{"standard base64 padding rejected", "AAAAAAAAAAAAAAAAAAAAAA==", true},
		{"valid 16-byte handle", "AAAAAAAAAAAAAAAAAAAAAA", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUserHandle(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
			} else {
				require.NoError(t, err)
			}
		})
	}
}
