package crypto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Metadata is the {usernames, quota} pair embedded into an image's pixel
// LSBs (spec §3, §4.5).
type Metadata struct {
	Usernames []string `json:"usernames"`
	Quota     int      `json:"quota"`
}

// serialize renders Metadata into the compact textual form §4.5 step 2
// calls for. JSON gives a deterministic byte sequence for a given
// (usernames, quota) pair, which is exactly what seed derivation and
// round-tripping need.
func (m Metadata) serialize() ([]byte, error) {
	return json.Marshal(m)
}

func deserializeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("parse embedded metadata: %w", err)
	}
	return m, nil
}

// deriveSeed computes the 64-bit permutation seed from the metadata (spec
// §4.5 step 6): "a stable hash over the username list in order and the
// quota integer." BLAKE2b-256 gives a reproducible, well-distributed digest;
// its first 8 bytes are folded into the LCG seed.
func deriveSeed(m Metadata) uint64 {
	h, _ := blake2b.New256(nil) // nil key, no error possible
	for _, u := range m.Usernames {
		h.Write([]byte(u))
		h.Write([]byte{0}) // separator so ["ab","c"] != ["a","bc"]
	}
	var quotaBuf [8]byte
	binary.BigEndian.PutUint64(quotaBuf[:], uint64(int64(m.Quota)))
	h.Write(quotaBuf[:])

	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
