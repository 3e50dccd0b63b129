// Package hash implements deterministic content hashing for pipeline records.
//
// A record's identity hash is the SHA-256 of a canonical JSON encoding of its
// normalized fields. The encoding is invariant to map insertion order, so two
// semantically identical records always produce the identical hash. Hashes are
// used both as dedup keys and as stage-ledger entries; collisions are treated
// as cryptographically negligible.
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// Fields computes the identity hash of a normalized field map.
//
// encoding/json sorts map keys when marshaling, which gives us the canonical
// byte stream for free; the map must only contain JSON-representable values
// (strings, numbers, bools, nil, slices, nested string-keyed maps).
func Fields(fields map[string]any) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("hash: marshal fields: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MustFields is Fields for maps known to be JSON-representable at compile
// time (the HashFields methods on pkg/types entities). It panics on marshal
// failure, which for those maps cannot happen.
func MustFields(fields map[string]any) string {
	h, err := Fields(fields)
	if err != nil {
		panic(err)
	}
	return h
}

// Vector computes the hash of an embedding vector from its little-endian
// IEEE 754 float32 encoding, matching how vectors are serialized at rest.
func Vector(vector []float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range vector {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Text computes the hash of a raw text, used to memoize embedding calls.
func Text(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
