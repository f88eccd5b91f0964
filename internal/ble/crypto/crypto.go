// Package crypto provides the image digest used by the OTA protocol.
// SHA-256 is the protocol default; BLAKE2b-256 and SHA3-256 are available
// for deployments that configure both ends to use them. Every algorithm
// yields 32 bytes so the file_hash characteristic is unchanged.
package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DigestSize is the length of every supported digest in bytes.
const DigestSize = 32

// Digest is an image digest as carried by the file_hash characteristic.
type Digest [DigestSize]byte

// Algorithm selects the digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE2b256 Algorithm = "blake2b-256"
	SHA3256    Algorithm = "sha3-256"
)

// ErrUnknownAlgorithm is returned for an unsupported algorithm name.
var ErrUnknownAlgorithm = errors.New("ble/crypto: unknown digest algorithm")

// ParseAlgorithm accepts an algorithm name, case-insensitively. An empty
// name selects SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return SHA256, nil
	case SHA256, BLAKE2b256, SHA3256:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// New returns a fresh running hash for a.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case BLAKE2b256:
		// Unkeyed BLAKE2b never fails.
		return blake2b.New256(nil)
	case SHA3256:
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
}

// Sum computes the digest of data in one call.
func (a Algorithm) Sum(data []byte) (Digest, error) {
	h, err := a.New()
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	return DigestFromHash(h), nil
}

// DigestFromHash returns the current sum of h without resetting it.
func DigestFromHash(h hash.Hash) Digest {
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// ParseDigest converts a raw 32-byte characteristic value into a Digest.
func ParseDigest(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != DigestSize {
		return d, fmt.Errorf("ble/crypto: digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// ParseHexDigest parses a hex-encoded digest, as printed by sha256sum.
func ParseHexDigest(s string) (Digest, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Digest{}, fmt.Errorf("ble/crypto: decode hex digest: %w", err)
	}
	return ParseDigest(raw)
}

// Equal compares two digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }
