// Package crypto implements the LSB-steganography encryption engine (spec
// §4.5, component C5): embed {usernames, quota} metadata into an image's
// pixel LSBs, then scramble the remaining pixel bytes with a
// metadata-seeded, reversible permutation so the image is unusable without
// the same (usernames, quota) pair.
package crypto

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/imgcluster/node/internal/errs"
)

// MaxOutputBytes is the output size budget an encrypted image must fit
// within (spec §4.5, §8 property P... "output size budget"). Crossing it
// triggers the bounded down-scale-and-retry loop.
const MaxOutputBytes = 50 * 1024

// maxAttempts bounds the down-scale retry loop: one attempt at full
// resolution plus a small, fixed number of shrink retries (spec §4.5
// "a bounded down-scale and retry loop").
const maxAttempts = 4

// downscaleFactor shrinks linear dimensions (so area, and so encoded size,
// drops roughly by its square) between retry attempts.
const downscaleFactor = 0.75

// Encrypt embeds usernames/quota into imageBytes and permutes the
// remaining pixel bytes, returning a PNG-encoded result. If the encoded
// result exceeds MaxOutputBytes it retries at progressively smaller
// resolutions before giving up.
func Encrypt(imageBytes []byte, usernames []string, quota int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, errs.Wrap(errs.Decode, "decode source image", err)
	}
	src := toNRGBA(img)
	meta := Metadata{Usernames: usernames, Quota: quota}

	var lastSize int
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := encryptOnce(src, meta)
		if err == nil {
			if len(out) <= MaxOutputBytes {
				return out, nil
			}
			lastSize = len(out)
		} else {
			// Shrinking only lowers capacity, so a CapacityExceeded (or any
			// other) failure is final.
			return nil, err
		}

		if attempt == maxAttempts-1 {
			break
		}
		src = nearestNeighborResize(src, downscaleFactor)
	}
	return nil, errs.New(errs.OutputTooLarge,
		fmt.Sprintf("encrypted output still exceeds %d bytes after %d attempts (last: %d)", MaxOutputBytes, maxAttempts, lastSize))
}

func encryptOnce(src *image.NRGBA, meta Metadata) ([]byte, error) {
	metaBytes, err := meta.serialize()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "serialize metadata", err)
	}

	pix := make([]byte, len(src.Pix))
	copy(pix, src.Pix)

	headerLen := lengthHeaderBytes*8 + len(metaBytes)*8
	if headerLen > len(pix) {
		return nil, errs.New(errs.CapacityExceeded, "image too small to hold embedded metadata")
	}

	writeBits(pix, 0, encodeLength(len(metaBytes)))
	writeBits(pix, lengthHeaderBytes*8, metaBytes)

	seed := deriveSeed(meta)
	body := pix[headerLen:]
	applyPermutation(body, genSwaps(len(body), seed))

	out := image.NewNRGBA(src.Bounds())
	out.Stride = src.Stride
	out.Pix = pix

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, errs.Wrap(errs.Internal, "encode result image", err)
	}
	return buf.Bytes(), nil
}

// Decrypt reverses Encrypt: decodes the image, recovers the metadata
// header (left unpermuted by design so it can be read before the
// permutation is known), re-derives the seed, and inverts the permutation
// of the remaining pixel bytes.
func Decrypt(encryptedBytes []byte) ([]byte, Metadata, error) {
	img, _, err := image.Decode(bytes.NewReader(encryptedBytes))
	if err != nil {
		return nil, Metadata{}, errs.Wrap(errs.Decode, "decode encrypted image", err)
	}
	src := toNRGBA(img)
	pix := make([]byte, len(src.Pix))
	copy(pix, src.Pix)

	if lengthHeaderBytes*8 > len(pix) {
		return nil, Metadata{}, errs.New(errs.Decode, "image too small to contain a length header")
	}
	metaLen := decodeLength(readBits(pix, 0, lengthHeaderBytes))

	headerLen := lengthHeaderBytes*8 + metaLen*8
	if headerLen > len(pix) {
		return nil, Metadata{}, errs.New(errs.Decode, "declared metadata length exceeds image capacity")
	}
	metaBytes := readBits(pix, lengthHeaderBytes*8, metaLen)

	meta, err := deserializeMetadata(metaBytes)
	if err != nil {
		return nil, Metadata{}, errs.Wrap(errs.Decode, "parse embedded metadata", err)
	}

	seed := deriveSeed(meta)
	body := pix[headerLen:]
	invertPermutation(body, genSwaps(len(body), seed))

	out := image.NewNRGBA(src.Bounds())
	out.Stride = src.Stride
	out.Pix = pix

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, Metadata{}, errs.Wrap(errs.Internal, "encode recovered image", err)
	}
	return buf.Bytes(), meta, nil
}
