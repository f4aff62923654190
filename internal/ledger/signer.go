// signer.go implements the optional detached-signature hardening layer. A
// hash chain proves internal consistency; a signature over each EntryHash
// additionally proves the bytes were produced by the service holding the
// signing key. This matters against an attacker with direct database write
// access who could otherwise rewrite an entry and recompute every downstream
// hash — they cannot re-sign without the key, which is why the seed lives
// outside the database (see internal/crypto).
package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSeed is returned when a signing seed is not exactly 32 bytes.
var ErrBadSeed = errors.New("ledger: signing seed must be exactly 32 bytes")

// Signer produces detached Ed25519 signatures over entry hashes.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner builds a Signer from a 32-byte Ed25519 seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrBadSeed
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign signs the raw digest bytes behind the hex entryHash and returns the
// signature base64-encoded.
func (s *Signer) Sign(entryHash string) (string, error) {
	digest, err := hex.DecodeString(entryHash)
	if err != nil {
		return "", fmt.Errorf("ledger: entry hash is not valid hex: %w", err)
	}
	sig := ed25519.Sign(s.priv, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKey returns the verification key for this signer.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// VerifySignature reports whether sig is a valid detached signature over
// entryHash under pub. A malformed signature or hash counts as invalid
// rather than an error: from the verifier's point of view both mean the
// stored signature does not authenticate the stored hash.
func VerifySignature(pub ed25519.PublicKey, entryHash, sig string) bool {
	digest, err := hex.DecodeString(entryHash)
	if err != nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, digest, raw)
}
