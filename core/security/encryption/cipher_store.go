package encryption

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

var (
	pageDomain = []byte("gjl-page")
	walDomain  = []byte("gjl-wal")
	blobDomain = []byte("gjl-blob")
)

// CipherStore wraps a PageStore and seals every page payload with AES-256-GCM.
// The nonce is the page number followed by 8 random bytes; the page number is
// also bound into the additional data, so a page copied to another slot fails
// authentication.
type CipherStore struct {
	inner  pagemanager.PageStore
	crypto *CryptoUtils
}

var _ pagemanager.PageStore = (*CipherStore)(nil)

// NewCipherStore wraps inner with page encryption under key.
func NewCipherStore(inner pagemanager.PageStore, key []byte) (*CipherStore, error) {
	c, err := NewCryptoUtils(key)
	if err != nil {
		return nil, err
	}
	if inner.PayloadSize() <= Overhead+pagemanager.PageHeaderSize {
		return nil, fmt.Errorf("page payload %d too small for encryption", inner.PayloadSize())
	}
	return &CipherStore{inner: inner, crypto: c}, nil
}

func pageAAD(pageID pagemanager.PageID) []byte {
	aad := make([]byte, len(pageDomain)+8)
	copy(aad, pageDomain)
	binary.LittleEndian.PutUint64(aad[len(pageDomain):], uint64(pageID))
	return aad
}

func (cs *CipherStore) PayloadSize() int { return cs.inner.PayloadSize() - Overhead }
func (cs *CipherStore) NumPages() uint64 { return cs.inner.NumPages() }
func (cs *CipherStore) Sync() error      { return cs.inner.Sync() }

// AllocatePage and FreePage only touch allocation metadata, which the inner
// store keeps in plaintext. Freeing overwrites the old sealed contents.
func (cs *CipherStore) AllocatePage() (pagemanager.PageID, error) { return cs.inner.AllocatePage() }
func (cs *CipherStore) FreePage(pageID pagemanager.PageID) error  { return cs.inner.FreePage(pageID) }

// ReadPage reads and decrypts a page. Authentication failures are reported as
// corruption, the same as a checksum mismatch.
func (cs *CipherStore) ReadPage(pageID pagemanager.PageID, buf []byte) error {
	if len(buf) != cs.PayloadSize() {
		return fmt.Errorf("page buffer size (%d) != payload size (%d)", len(buf), cs.PayloadSize())
	}
	sealed := make([]byte, cs.inner.PayloadSize())
	if err := cs.inner.ReadPage(pageID, sealed); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(sealed[:4]) != uint32(pageID) {
		return fmt.Errorf("%w: page %d nonce belongs to another page", flushmanager.ErrCorruption, pageID)
	}
	plain, err := cs.crypto.openTo(buf[:0], sealed, pageAAD(pageID))
	if err != nil {
		return fmt.Errorf("%w: page %d failed authentication: %v", flushmanager.ErrCorruption, pageID, err)
	}
	if len(plain) != len(buf) {
		return fmt.Errorf("%w: page %d decrypted to %d bytes", flushmanager.ErrCorruption, pageID, len(plain))
	}
	return nil
}

// WritePage encrypts payload and writes it through the inner store.
func (cs *CipherStore) WritePage(pageID pagemanager.PageID, payload []byte) error {
	if len(payload) != cs.PayloadSize() {
		return fmt.Errorf("page payload size (%d) != payload size (%d)", len(payload), cs.PayloadSize())
	}
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(nonce[:4], uint32(pageID))
	if _, err := io.ReadFull(rand.Reader, nonce[4:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := cs.crypto.sealTo(make([]byte, 0, cs.inner.PayloadSize()), nonce, payload, pageAAD(pageID))
	return cs.inner.WritePage(pageID, sealed)
}

// --- WAL image sealing ---

func walAAD(lsn uint64, pageID pagemanager.PageID, kind byte) []byte {
	aad := make([]byte, len(walDomain)+17)
	n := copy(aad, walDomain)
	binary.LittleEndian.PutUint64(aad[n:], lsn)
	binary.LittleEndian.PutUint64(aad[n+8:], uint64(pageID))
	aad[n+16] = kind
	return aad
}

// SealImage encrypts a page image destined for the WAL.
func (cs *CipherStore) SealImage(lsn uint64, pageID pagemanager.PageID, kind byte, image []byte) ([]byte, error) {
	return cs.crypto.Encrypt(image, walAAD(lsn, pageID, kind))
}

// OpenImage decrypts a page image read back from the WAL.
func (cs *CipherStore) OpenImage(lsn uint64, pageID pagemanager.PageID, kind byte, sealed []byte) ([]byte, error) {
	plain, err := cs.crypto.Decrypt(sealed, walAAD(lsn, pageID, kind))
	if err != nil {
		return nil, fmt.Errorf("%w: wal image for page %d at lsn %d: %v", flushmanager.ErrCorruption, pageID, lsn, err)
	}
	return plain, nil
}

// --- Blob sealing (backups) ---

// SealBlob encrypts data under a key derived from passphrase. The KDF
// parameters must be stored alongside the blob to open it again.
func SealBlob(passphrase []byte, p KDFParams, data []byte) ([]byte, error) {
	c, err := NewCryptoUtils(DeriveKey(passphrase, p))
	if err != nil {
		return nil, err
	}
	return c.Encrypt(data, blobDomain)
}

// OpenBlob decrypts data produced by SealBlob.
func OpenBlob(passphrase []byte, p KDFParams, sealed []byte) ([]byte, error) {
	c, err := NewCryptoUtils(DeriveKey(passphrase, p))
	if err != nil {
		return nil, err
	}
	plain, err := c.Decrypt(sealed, blobDomain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrCorruption, err)
	}
	return plain, nil
}
