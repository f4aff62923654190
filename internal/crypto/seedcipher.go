// Package crypto provides AES-256-GCM authenticated encryption for the
// Ed25519 signing seed that must be stored at rest on disk. The seed is the
// one secret the activity ledger's signature defense depends on: an attacker
// with direct database write access can recompute entry hashes, but cannot
// forge signatures without it, which is exactly why it lives in an encrypted
// file outside the database rather than in a table. AES-256-GCM is chosen
// because it provides both confidentiality and authenticated integrity, so a
// tampered seed file fails to decrypt instead of silently yielding a
// different key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext fails base64 decoding or is too short to contain a valid nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication or decryption fails, indicating tampering or a wrong passphrase.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when the provided salt is fewer than 16 bytes, which would weaken PBKDF2 key derivation.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// seedFileSaltLen is the salt prefix length of an encrypted seed file.
const seedFileSaltLen = 16

// SeedCipher encrypts and decrypts the signing seed
type SeedCipher struct {
	masterKey []byte
}

// NewSeedCipher creates a cipher with a 32-byte master key
func NewSeedCipher(masterKey []byte) (*SeedCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, masterKey)
	return &SeedCipher{masterKey: keyCopy}, nil
}

// DeriveSeedCipher creates a cipher by deriving a key from a passphrase
func DeriveSeedCipher(passphrase string, salt []byte, iterations int) (*SeedCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000 // Secure default
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewSeedCipher(derivedKey)
}

// Seal encrypts plaintext and returns a base64-encoded ciphertext
func (sc *SeedCipher) Seal(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	blockCipher, err := aes.NewCipher(sc.masterKey)
	if err != nil {
		return "", err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64-encoded ciphertext and returns the plaintext
func (sc *SeedCipher) Open(encodedCiphertext string) ([]byte, error) {
	if encodedCiphertext == "" {
		return nil, nil
	}

	ciphertext, err := base64.URLEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return nil, ErrCiphertextCorrupted
	}

	blockCipher, err := aes.NewCipher(sc.masterKey)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonceLen := aead.NonceSize()
	if len(ciphertext) < nonceLen {
		return nil, ErrCiphertextCorrupted
	}

	nonce := ciphertext[:nonceLen]
	actualCiphertext := ciphertext[nonceLen:]

	plaintext, err := aead.Open(nil, nonce, actualCiphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// WriteSeedFile encrypts the seed under the passphrase and writes it to path
// with owner-only permissions. The file format is a 16-byte random salt
// followed by the base64 ciphertext.
func WriteSeedFile(path string, seed []byte, passphrase string) error {
	salt, err := GenerateSalt(seedFileSaltLen)
	if err != nil {
		return err
	}
	sc, err := DeriveSeedCipher(passphrase, salt, 0)
	if err != nil {
		return err
	}
	sealed, err := sc.Seal(seed)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(salt, []byte(sealed)...), 0600)
}

// ReadSeedFile reads and decrypts a seed file written by WriteSeedFile.
func ReadSeedFile(path string, passphrase string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	if len(data) <= seedFileSaltLen {
		return nil, ErrCiphertextCorrupted
	}
	salt, sealed := data[:seedFileSaltLen], data[seedFileSaltLen:]

	sc, err := DeriveSeedCipher(passphrase, salt, 0)
	if err != nil {
		return nil, err
	}
	return sc.Open(string(sealed))
}

// GenerateKey creates a cryptographically secure random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		length = 16
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
