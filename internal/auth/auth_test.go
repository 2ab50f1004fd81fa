package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	a := New([]byte("test-secret"))
	token, err := a.IssueToken("alice")
	require.NoError(t, err)

	username, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	a := New([]byte("secret-a"))
	token, err := a.IssueToken("alice")
	require.NoError(t, err)

	other := New([]byte("secret-b"))
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	a := New([]byte("secret"))
	_, err := a.ValidateToken("not-a-jwt")
	assert.Error(t, err)
}
