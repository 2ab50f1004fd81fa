package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionRequestRoundTrip(t *testing.T) {
	req := &EncryptionRequest{
		Type:                   TypeEncryptionRequest,
		RequestID:              "abc-123",
		ClientUsername:         "alice",
		ImageBytes:             []byte{0xFF, 0xD8, 0x01, 0x02},
		AuthorizedUsernames:    []string{"bob", "carol"},
		Quota:                  5,
		Forwarded:              false,
		OriginalClientEndpoint: "127.0.0.1:9001",
	}

	data, err := Encode(req)
	require.NoError(t, err)

	msgType, decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeEncryptionRequest, msgType)

	got, ok := decoded.(*EncryptionRequest)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, got.RequestID)
	assert.Equal(t, req.ImageBytes, got.ImageBytes)
	assert.Equal(t, req.AuthorizedUsernames, got.AuthorizedUsernames)
	assert.Equal(t, req.Quota, got.Quota)
	assert.False(t, got.Forwarded)
	assert.Equal(t, req.OriginalClientEndpoint, got.OriginalClientEndpoint)
}

func TestDecodeFieldOrderIrrelevant(t *testing.T) {
	// Fields appear out of declaration order and with an unknown extra field;
	// decode must still succeed per spec §6 ("field order irrelevant").
	raw := []byte(`{"processed_count": 7, "unexpected_field": true, "type": "Heartbeat", "from": 2, "load": 1.5}`)

	msgType, decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, msgType)

	hb, ok := decoded.(*Heartbeat)
	require.True(t, ok)
	assert.Equal(t, 2, hb.From)
	assert.Equal(t, 1.5, hb.Load)
	assert.EqualValues(t, 7, hb.ProcessedCount)
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := Decode([]byte(`{"type": "Bogus"}`))
	assert.Error(t, err)
}

func TestPeekType(t *testing.T) {
	data, err := Encode(&Election{Type: TypeElection, From: 3, Load: 0.2})
	require.NoError(t, err)

	typ, err := PeekType(data)
	require.NoError(t, err)
	assert.Equal(t, TypeElection, typ)
}
