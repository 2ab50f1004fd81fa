package udp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketHeaderRoundTrip(t *testing.T) {
	h := packetHeader{
		flags:          flagData,
		chunkID:        123456789,
		fragmentIndex:  2,
		totalFragments: 5,
		checksum:       987654321,
	}

	encoded := encodeHeader(h)
	require.Len(t, encoded, HeaderSize)

	decoded, err := decodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHeaderRejectsShortOrBadMagic(t *testing.T) {
	_, err := decodeHeader(make([]byte, HeaderSize-1))
	assert.Error(t, err)

	bad := make([]byte, HeaderSize)
	bad[0], bad[1] = 0, 0
	_, err = decodeHeader(bad)
	assert.Error(t, err)
}

func TestEncodeDecodeIndices(t *testing.T) {
	want := []uint16{0, 3, 7, 65535}
	got := decodeIndices(encodeIndices(want))
	assert.Equal(t, want, got)
}
