package encryption

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Argon2id parameters used for new files. Existing files carry their own
// parameters in the header.
const (
	DefaultKDFTime    uint32 = 1
	DefaultKDFMemory  uint32 = 64 * 1024 // KiB
	DefaultKDFThreads uint8  = 4
)

var verifierMessage = []byte("gojolite key verifier v1")

// KDFParams describes how a page key is derived from caller key material.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	Salt    [16]byte
}

// NewKDFParams returns default parameters with a fresh random salt.
func NewKDFParams() (KDFParams, error) {
	p := KDFParams{Time: DefaultKDFTime, Memory: DefaultKDFMemory, Threads: DefaultKDFThreads}
	if _, err := io.ReadFull(rand.Reader, p.Salt[:]); err != nil {
		return p, fmt.Errorf("failed to generate salt: %w", err)
	}
	return p, nil
}

// DeriveKey stretches key material into a 32-byte AES key with Argon2id.
func DeriveKey(material []byte, p KDFParams) []byte {
	return argon2.IDKey(material, p.Salt[:], p.Time, p.Memory, p.Threads, KeySize)
}

// KeyVerifier is a blake3 keyed hash of a fixed message. Storing it lets a
// wrong key be rejected at open without touching any data page.
func KeyVerifier(key []byte) ([32]byte, error) {
	var out [32]byte
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return out, fmt.Errorf("failed to create keyed hasher: %w", err)
	}
	h.Write(verifierMessage)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// InitHeader derives a key for a new database file and records the KDF
// parameters and verifier in its header. The key itself is never stored.
func InitHeader(h *pagemanager.DBFileHeader, material []byte, p KDFParams) ([]byte, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("%w: empty encryption key", flushmanager.ErrInvalidConfig)
	}
	key := DeriveKey(material, p)
	verifier, err := KeyVerifier(key)
	if err != nil {
		return nil, err
	}
	h.KDF = pagemanager.KDFArgon2id
	h.KDFTime = p.Time
	h.KDFMemory = p.Memory
	h.KDFThreads = p.Threads
	h.Salt = p.Salt
	h.KeyVerifier = verifier
	return key, nil
}

// KeyFromHeader re-derives the page key for an existing file and checks it
// against the stored verifier.
func KeyFromHeader(h *pagemanager.DBFileHeader, material []byte) ([]byte, error) {
	switch {
	case !h.Encrypted() && len(material) == 0:
		return nil, nil
	case !h.Encrypted():
		return nil, fmt.Errorf("%w: database is not encrypted but an encryption key was supplied", flushmanager.ErrInvalidConfig)
	case len(material) == 0:
		return nil, fmt.Errorf("%w: database is encrypted and no encryption key was supplied", flushmanager.ErrInvalidConfig)
	case h.KDF != pagemanager.KDFArgon2id:
		return nil, fmt.Errorf("%w: unknown key derivation function %d", flushmanager.ErrCorruption, h.KDF)
	}
	key := DeriveKey(material, KDFParams{Time: h.KDFTime, Memory: h.KDFMemory, Threads: h.KDFThreads, Salt: h.Salt})
	verifier, err := KeyVerifier(key)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(verifier[:], h.KeyVerifier[:]) != 1 {
		return nil, fmt.Errorf("%w: encryption key does not match", flushmanager.ErrCorruption)
	}
	return key, nil
}
