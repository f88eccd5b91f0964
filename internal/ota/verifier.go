package ota

import (
	"fmt"
	"hash"

	"github.com/dk731/esp32-gatt-ota/internal/ble/crypto"
)

// Verifier keeps a running digest of accepted bytes and compares it with
// the digest declared by the sender.
type Verifier struct {
	alg      crypto.Algorithm
	h        hash.Hash
	expected crypto.Digest
	hasExp   bool
}

// NewVerifier returns a verifier using alg.
func NewVerifier(alg crypto.Algorithm) (*Verifier, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	return &Verifier{alg: alg, h: h}, nil
}

// Update feeds chunk into the running digest.
func (v *Verifier) Update(chunk []byte) {
	v.h.Write(chunk)
}

// Expect records the sender-declared digest. A later call replaces it.
func (v *Verifier) Expect(d crypto.Digest) {
	v.expected = d
	v.hasExp = true
}

// Expected returns the declared digest, if any.
func (v *Verifier) Expected() (crypto.Digest, bool) {
	return v.expected, v.hasExp
}

// Sum returns the digest of the bytes seen so far.
func (v *Verifier) Sum() crypto.Digest {
	return crypto.DigestFromHash(v.h)
}

// Finalize compares the running digest with the expected one.
func (v *Verifier) Finalize() error {
	if !v.hasExp {
		return protocolError("finalize", ErrNoExpectedHash)
	}
	got := v.Sum()
	if !got.Equal(v.expected) {
		return integrityError("finalize", fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, got, v.expected))
	}
	return nil
}

// Reset clears the running digest and the expected digest.
func (v *Verifier) Reset() {
	v.h.Reset()
	v.expected = crypto.Digest{}
	v.hasExp = false
}
