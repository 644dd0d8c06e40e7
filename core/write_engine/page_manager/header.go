package pagemanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
)

const (
	FormatVersion   uint32 = 1
	MinPageSize            = 1024
	MaxPageSize            = 65536
	DefaultPageSize        = 4096

	// KDF identifiers stored in the header.
	KDFNone     uint8 = 0
	KDFArgon2id uint8 = 1
)

// DBMagic identifies a gojolite database file.
var DBMagic = [8]byte{'G', 'J', 'L', 'I', 'T', 'E', 0, 1}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// DBFileHeader is the content of page 0.
// All fields have fixed sizes so binary.Read/Write produce a stable layout.
type DBFileHeader struct {
	Magic          [8]byte
	Version        uint32
	PageSize       uint32
	DatabaseID     [16]byte
	PageCount      uint64
	FreeListHead   PageID
	FreeListLength uint64
	CheckpointLSN  LSN
	KDF            uint8
	KDFThreads     uint8
	_              [2]byte
	KDFTime        uint32
	KDFMemory      uint32
	Salt           [16]byte
	KeyVerifier    [32]byte
}

// Encrypted reports whether the file was created with an encryption key.
func (h *DBFileHeader) Encrypted() bool { return h.KDF != KDFNone }

var dbFileHeaderSize = binary.Size(DBFileHeader{})

func encodeHeader(h *DBFileHeader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("%w: serializing header: %v", flushmanager.ErrSerialization, err)
	}
	sum := crc32.Checksum(buf.Bytes(), castagnoli)
	if err := binary.Write(buf, binary.LittleEndian, sum); err != nil {
		return nil, fmt.Errorf("%w: serializing header checksum: %v", flushmanager.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

func decodeHeader(data []byte, h *DBFileHeader) error {
	if len(data) < dbFileHeaderSize+checksumSize {
		return fmt.Errorf("%w: header too short (%d bytes)", flushmanager.ErrCorruption, len(data))
	}
	stored := binary.LittleEndian.Uint32(data[dbFileHeaderSize:])
	if computed := crc32.Checksum(data[:dbFileHeaderSize], castagnoli); computed != stored {
		return fmt.Errorf("%w: header checksum mismatch (stored %08x, computed %08x)", flushmanager.ErrCorruption, stored, computed)
	}
	if err := binary.Read(bytes.NewReader(data[:dbFileHeaderSize]), binary.LittleEndian, h); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", flushmanager.ErrDeserialization, err)
	}
	if h.Magic != DBMagic {
		return fmt.Errorf("%w: invalid database file magic number", flushmanager.ErrCorruption)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", flushmanager.ErrCorruption, h.Version)
	}
	if err := ValidatePageSize(int(h.PageSize)); err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrCorruption, err)
	}
	return nil
}

// ValidatePageSize checks that size is a power of two within the supported range.
func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return fmt.Errorf("page size %d must be a power of two between %d and %d", size, MinPageSize, MaxPageSize)
	}
	return nil
}
