package crypto

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgcluster/node/internal/errs"
)

func testImage(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: byte(x * 7), G: byte(y * 13), B: byte(x + y), A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	original := testImage(64, 64)
	encrypted, err := Encrypt(original, []string{"alice", "bob"}, 7)
	require.NoError(t, err)

	recovered, meta, err := Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, meta.Usernames)
	assert.Equal(t, 7, meta.Quota)

	origImg, _, err := image.Decode(bytes.NewReader(original))
	require.NoError(t, err)
	recImg, _, err := image.Decode(bytes.NewReader(recovered))
	require.NoError(t, err)
	assert.Equal(t, toNRGBA(origImg).Pix, toNRGBA(recImg).Pix)
}

func TestEncryptRejectsUndersizedImage(t *testing.T) {
	tiny := testImage(1, 1)
	_, err := Encrypt(tiny, []string{"a-very-long-username-that-cannot-possibly-fit"}, 1)
	require.Error(t, err)
	assert.Equal(t, errs.CapacityExceeded, errs.KindOf(err))
}

func TestDecryptRejectsGarbage(t *testing.T) {
	plain := testImage(8, 8)
	_, _, err := Decrypt(plain)
	// A plain image's LSBs decode to an arbitrary "length" that almost
	// certainly overruns capacity or fails JSON parsing either way.
	require.Error(t, err)
}

func TestDeriveSeedIsDeterministic(t *testing.T) {
	m := Metadata{Usernames: []string{"x", "y"}, Quota: 3}
	assert.Equal(t, deriveSeed(m), deriveSeed(m))

	other := Metadata{Usernames: []string{"x", "y"}, Quota: 4}
	assert.NotEqual(t, deriveSeed(m), deriveSeed(other))
}

func TestPermutationRoundTrip(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	want := append([]byte(nil), buf...)
	swaps := genSwaps(len(buf), 42)

	applyPermutation(buf, swaps)
	assert.NotEqual(t, want, buf)

	invertPermutation(buf, swaps)
	assert.Equal(t, want, buf)
}
