package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomToken(t *testing.T) {
	a := RandomToken(16)
	b := RandomToken(16)

	assert.Len(t, a, 32) // hex doubles the byte count
	assert.Len(t, b, 32)
	assert.NotEqual(t, a, b)
}

func TestHubSignature(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		body     string
		expected string
	}{
		{
			name:     "known vector",
			secret:   "secret",
			body:     "hello",
			expected: "sha1=5112055c05f944f85755efc5cd8970e194e9f45b",
		},
		{
			name:     "empty body",
			secret:   "secret",
			body:     "",
			expected: "sha1=25af6174a0fcecc4d346680a72b7ce644b9a88e8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HubSignature([]byte(tt.secret), []byte(tt.body))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.True(t, CheckPassword("hunter2", hash))
	assert.False(t, CheckPassword("hunter3", hash))
	assert.False(t, CheckPassword("hunter2", "not-a-hash"))
}
