package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"leading zero", "0700123456", "256700123456"},
		{"e164 with plus", "+256700123456", "256700123456"},
		{"country code no plus", "256700123456", "256700123456"},
		{"bare subscriber number", "700123456", "256700123456"},
		{"separators stripped", "0750-123-456", "256750123456"},
		{"spaces stripped", "0700 123 456", "256700123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePhone_EquivalentForms(t *testing.T) {
	forms := []string{"0700123456", "+256700123456", "256700123456"}

	first, err := NormalizePhone(forms[0])
	require.NoError(t, err)

	for _, f := range forms[1:] {
		got, err := NormalizePhone(f)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestNormalizePhone_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "12345"},
		{"empty", ""},
		{"letters", "07001abcde"},
		{"too long", "25670012345678"},
		{"truncated with country code", "2567001234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizePhone(tt.input)
			assert.ErrorIs(t, err, ErrInvalidPhone)
		})
	}
}
