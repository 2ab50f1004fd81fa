package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUsernameRejectsDuplicate(t *testing.T) {
	s := New()
	assert.True(t, s.RegisterUsername("alice"))
	assert.False(t, s.RegisterUsername("alice"))
	assert.False(t, s.UsernameAvailable("alice"))
	assert.True(t, s.UsernameAvailable("bob"))
}

func TestSendListViewImage(t *testing.T) {
	s := New()
	id := s.SendImage("alice", "bob", []byte("ciphertext"), 2, 1000)

	list := s.ListImages("bob")
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ImageID)
	assert.Equal(t, 2, list[0].RemainingViews)

	bytes1, remaining, err := s.ViewImage("bob", id)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), bytes1)
	assert.Equal(t, 1, remaining)

	_, remaining, err = s.ViewImage("bob", id)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, _, err = s.ViewImage("bob", id)
	assert.Error(t, err)

	assert.Empty(t, s.ListImages("bob"))
}

func TestViewImageWrongRecipient(t *testing.T) {
	s := New()
	id := s.SendImage("alice", "bob", []byte("x"), 1, 0)
	_, _, err := s.ViewImage("carol", id)
	assert.Error(t, err)
}
