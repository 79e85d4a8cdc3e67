package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates credential sealing at rest.
// Scope: Unit Test
// Security: Confidentiality of stored lab credentials
// Expected: Sealed values round-trip, differ per call, and fail to open under another record ID or key.
// Test Case ID: SEC-01
func TestSealer_RoundTrip(t *testing.T) {
	s, err := New("0123456789abcdef-test-key")
	require.NoError(t, err)
	require.True(t, s.Enabled())

	a, err := s.Seal("hunter2", "env-1")
	require.NoError(t, err)
	b, err := s.Seal("hunter2", "env-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "v1:"))
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "hunter2")

	plain, err := s.Open(a, "env-1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	_, err = s.Open(a, "env-2")
	assert.ErrorIs(t, err, ErrMalformed)

	other, err := New("another-key-of-sufficient-length")
	require.NoError(t, err)
	_, err = other.Open(a, "env-1")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = s.Open("v1:!!notbase64", "env-1")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = s.Open("v1:AAAA", "env-1")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSealer_PassThrough(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	assert.False(t, s.Enabled())

	v, err := s.Seal("hunter2", "env-1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	v, err = s.Open("hunter2", "env-1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = s.Open("v1:AAAA", "env-1")
	assert.ErrorIs(t, err, ErrNoKey)

	keyed, err := New("0123456789abcdef")
	require.NoError(t, err)
	v, err = keyed.Open("legacy-plaintext", "env-1")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", v)

	_, err = New("short")
	assert.ErrorIs(t, err, ErrKeyTooShort)
}
