package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
)

// --- DiskManager ---

// PageStore is the page-granular storage contract shared by the DiskManager and
// the encryption layer wrapped around it. Buffers passed to ReadPage and
// WritePage are payloads of exactly PayloadSize bytes.
type PageStore interface {
	ReadPage(pageID PageID, buf []byte) error
	WritePage(pageID PageID, payload []byte) error
	AllocatePage() (PageID, error)
	FreePage(pageID PageID) error
	Sync() error
	PayloadSize() int
	NumPages() uint64
}

// DiskOptions controls how a database file is opened.
type DiskOptions struct {
	PageSize int
	MaxPages uint64 // 0 means unlimited
	Create   bool   // create the file if it does not exist
	// Init is called once on the fresh header of a newly created file.
	Init func(h *DBFileHeader) error
}

// DiskManager owns the database file: page 0 header, page I/O with checksums,
// and the free list.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	header   DBFileHeader
	numPages uint64
	maxPages uint64
	created  bool
	mu       sync.Mutex
	rbuf     []byte
	wbuf     []byte
	logger   *zap.Logger
}

var _ PageStore = (*DiskManager)(nil)

// OpenDiskManager opens (or creates) the database file at filePath and takes an
// exclusive lock on it.
func OpenDiskManager(filePath string, opts DiskOptions, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DiskManager{
		filePath: filePath,
		maxPages: opts.MaxPages,
		logger:   logger.Named("disk_manager"),
	}

	_, statErr := os.Stat(filePath)
	switch {
	case os.IsNotExist(statErr):
		if !opts.Create {
			return nil, fmt.Errorf("%w: %s", flushmanager.ErrDBFileNotFound, filePath)
		}
		if err := dm.create(opts); err != nil {
			return nil, err
		}
	case statErr == nil:
		if err := dm.open(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", flushmanager.ErrIO, filePath, statErr)
	}

	dm.rbuf = make([]byte, dm.pageSize)
	dm.wbuf = make([]byte, dm.pageSize)
	dm.logger.Info("Database file opened",
		zap.String("path", filePath),
		zap.Int("pageSize", dm.pageSize),
		zap.Uint64("numPages", dm.numPages),
		zap.Bool("created", dm.created))
	return dm, nil
}

func (dm *DiskManager) create(opts DiskOptions) error {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if err := ValidatePageSize(pageSize); err != nil {
		return fmt.Errorf("%w: %v", flushmanager.ErrInvalidConfig, err)
	}
	file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating file %s: %v", flushmanager.ErrIO, dm.filePath, err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return err
	}
	dm.file = file
	dm.pageSize = pageSize
	dm.created = true

	id := uuid.New()
	dm.header = DBFileHeader{
		Magic:     DBMagic,
		Version:   FormatVersion,
		PageSize:  uint32(pageSize),
		PageCount: 1,
	}
	copy(dm.header.DatabaseID[:], id[:])
	if opts.Init != nil {
		if err := opts.Init(&dm.header); err != nil {
			dm.abandon()
			return err
		}
	}
	dm.numPages = 1

	// Page 0 is written in full so the file is always a whole number of pages.
	page0 := make([]byte, pageSize)
	encoded, err := encodeHeader(&dm.header)
	if err != nil {
		dm.abandon()
		return err
	}
	copy(page0, encoded)
	if _, err := dm.file.WriteAt(page0, 0); err != nil {
		dm.abandon()
		return fmt.Errorf("%w: writing initial header: %v", flushmanager.ErrIO, err)
	}
	if err := dm.file.Sync(); err != nil {
		dm.abandon()
		return fmt.Errorf("%w: syncing new database file: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) abandon() {
	unlockFile(dm.file)
	dm.file.Close()
	os.Remove(dm.filePath)
	dm.file = nil
}

func (dm *DiskManager) open() error {
	file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening file %s: %v", flushmanager.ErrIO, dm.filePath, err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return err
	}
	dm.file = file

	data := make([]byte, dbFileHeaderSize+checksumSize)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, int64(len(data))), data); err != nil {
		dm.closeFile()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: database file is too small (header too short)", flushmanager.ErrCorruption)
		}
		return fmt.Errorf("%w: reading header from disk: %v", flushmanager.ErrIO, err)
	}
	if err := decodeHeader(data, &dm.header); err != nil {
		dm.closeFile()
		return fmt.Errorf("failed to read database header: %w", err)
	}
	dm.pageSize = int(dm.header.PageSize)

	fi, err := file.Stat()
	if err != nil {
		dm.closeFile()
		return fmt.Errorf("%w: getting file info: %v", flushmanager.ErrIO, err)
	}
	// Pages appended after the last header sync still count; a torn partial
	// page at the tail is ignored and overwritten by the next allocation.
	dm.numPages = max(dm.header.PageCount, uint64(fi.Size())/uint64(dm.pageSize))
	return nil
}

// Created reports whether OpenDiskManager created a new file.
func (dm *DiskManager) Created() bool { return dm.created }

func (dm *DiskManager) PageSize() int    { return dm.pageSize }
func (dm *DiskManager) PayloadSize() int { return dm.pageSize - checksumSize }
func (dm *DiskManager) FilePath() string { return dm.filePath }

func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// Header returns a copy of the in-memory header.
func (dm *DiskManager) Header() DBFileHeader {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.header
}

// DatabaseID returns the UUID stored in the header.
func (dm *DiskManager) DatabaseID() uuid.UUID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return uuid.UUID(dm.header.DatabaseID)
}

// ReadPage reads a page and verifies its checksum. buf receives the payload.
func (dm *DiskManager) ReadPage(pageID PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readPageInternal(pageID, buf)
}

func (dm *DiskManager) readPageInternal(pageID PageID, buf []byte) error {
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", flushmanager.ErrIO)
	}
	if len(buf) != dm.PayloadSize() {
		return fmt.Errorf("page buffer size (%d) != payload size (%d)", len(buf), dm.PayloadSize())
	}
	if pageID == HeaderPageID || uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d out of range (page count %d)", flushmanager.ErrIO, pageID, dm.numPages)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(dm.rbuf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == dm.pageSize) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", flushmanager.ErrIO, pageID, offset, err)
	}
	stored := binary.LittleEndian.Uint32(dm.rbuf[:checksumSize])
	if computed := crc32.Checksum(dm.rbuf[checksumSize:], castagnoli); computed != stored {
		return fmt.Errorf("%w: page %d checksum mismatch (stored %08x, computed %08x)",
			flushmanager.ErrCorruption, pageID, stored, computed)
	}
	copy(buf, dm.rbuf[checksumSize:])
	return nil
}

// WritePage checksums payload and writes it to pageID's location. The page
// must already be allocated.
func (dm *DiskManager) WritePage(pageID PageID, payload []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writePageInternal(pageID, payload)
}

func (dm *DiskManager) writePageInternal(pageID PageID, payload []byte) error {
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", flushmanager.ErrIO)
	}
	if len(payload) != dm.PayloadSize() {
		return fmt.Errorf("page payload size (%d) != payload size (%d)", len(payload), dm.PayloadSize())
	}
	if pageID == HeaderPageID || uint64(pageID) > dm.numPages {
		return fmt.Errorf("%w: page %d out of range (page count %d)", flushmanager.ErrIO, pageID, dm.numPages)
	}
	copy(dm.wbuf[checksumSize:], payload)
	binary.LittleEndian.PutUint32(dm.wbuf[:checksumSize], crc32.Checksum(dm.wbuf[checksumSize:], castagnoli))
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.WriteAt(dm.wbuf, offset)
	if err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", flushmanager.ErrIO, pageID, offset, err)
	}
	if n != dm.pageSize {
		return fmt.Errorf("%w: short write for page %d: %d of %d bytes", flushmanager.ErrIO, pageID, n, dm.pageSize)
	}
	// No fsync here; durability points are Sync and the WAL.
	return nil
}

func (dm *DiskManager) writeFreePageInternal(pageID PageID, next PageID) error {
	payload := make([]byte, dm.PayloadSize())
	FormatPage(payload, PageTypeFree, 0, InvalidLSN)
	putFreeNext(payload, next)
	return dm.writePageInternal(pageID, payload)
}

// AllocatePage returns a page from the free list, or grows the file by one
// formatted page when the list is empty.
func (dm *DiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if head := dm.header.FreeListHead; head != InvalidPageID {
		payload := make([]byte, dm.PayloadSize())
		if err := dm.readPageInternal(head, payload); err != nil {
			return InvalidPageID, fmt.Errorf("failed to read free list head %d: %w", head, err)
		}
		if GetPageType(payload) != PageTypeFree {
			return InvalidPageID, fmt.Errorf("%w: free list head %d has page type %d", flushmanager.ErrCorruption, head, GetPageType(payload))
		}
		dm.header.FreeListHead = getFreeNext(payload)
		if dm.header.FreeListLength > 0 {
			dm.header.FreeListLength--
		}
		dm.logger.Debug("Reused free page", zap.Uint64("pageID", uint64(head)))
		return head, nil
	}

	if dm.maxPages > 0 && dm.numPages >= dm.maxPages {
		return InvalidPageID, fmt.Errorf("%w: page limit %d reached", flushmanager.ErrResourceExhausted, dm.maxPages)
	}
	newPageID := PageID(dm.numPages)
	if err := dm.writeFreePageInternal(newPageID, InvalidPageID); err != nil {
		return InvalidPageID, fmt.Errorf("extending file for new page %d: %w", newPageID, err)
	}
	dm.numPages++
	dm.header.PageCount = dm.numPages
	return newPageID, nil
}

// FreePage formats pageID as a free page and pushes it on the free list. The
// previous contents of the page are overwritten.
func (dm *DiskManager) FreePage(pageID PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if pageID <= CatalogPageID || uint64(pageID) >= dm.numPages {
		return fmt.Errorf("cannot free page %d", pageID)
	}
	if err := dm.writeFreePageInternal(pageID, dm.header.FreeListHead); err != nil {
		return err
	}
	dm.header.FreeListHead = pageID
	dm.header.FreeListLength++
	return nil
}

// RebuildFreeList replaces the free list with exactly the given pages. Each page
// is rewritten, so torn or stale pages on the list are repaired.
func (dm *DiskManager) RebuildFreeList(free []PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	next := InvalidPageID
	for i := len(free) - 1; i >= 0; i-- {
		if err := dm.writeFreePageInternal(free[i], next); err != nil {
			return fmt.Errorf("rebuilding free list at page %d: %w", free[i], err)
		}
		next = free[i]
	}
	dm.header.FreeListHead = next
	dm.header.FreeListLength = uint64(len(free))
	dm.logger.Info("Free list rebuilt", zap.Int("freePages", len(free)))
	return nil
}

// FreeListPages walks the free list. A cycle or a non-free page on the list is
// reported as corruption.
func (dm *DiskManager) FreeListPages() ([]PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	var pages []PageID
	seen := make(map[PageID]struct{})
	payload := make([]byte, dm.PayloadSize())
	for id := dm.header.FreeListHead; id != InvalidPageID; id = getFreeNext(payload) {
		if _, dup := seen[id]; dup {
			return pages, fmt.Errorf("%w: free list cycle at page %d", flushmanager.ErrCorruption, id)
		}
		seen[id] = struct{}{}
		if err := dm.readPageInternal(id, payload); err != nil {
			return pages, err
		}
		if GetPageType(payload) != PageTypeFree {
			return pages, fmt.Errorf("%w: page %d on free list has type %d", flushmanager.ErrCorruption, id, GetPageType(payload))
		}
		pages = append(pages, id)
	}
	return pages, nil
}

// EnsurePageCount grows the file with formatted free pages until it holds at
// least n pages. The new pages are not put on the free list.
func (dm *DiskManager) EnsurePageCount(n uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for dm.numPages < n {
		id := PageID(dm.numPages)
		dm.numPages++
		if err := dm.writeFreePageInternal(id, InvalidPageID); err != nil {
			dm.numPages--
			return err
		}
	}
	dm.header.PageCount = dm.numPages
	return nil
}

// UpdateHeader applies fn to the header and writes it durably.
func (dm *DiskManager) UpdateHeader(fn func(h *DBFileHeader)) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	fn(&dm.header)
	if err := dm.writeHeaderInternal(); err != nil {
		return err
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing header: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) writeHeaderInternal() error {
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", flushmanager.ErrIO)
	}
	dm.header.PageCount = dm.numPages
	encoded, err := encodeHeader(&dm.header)
	if err != nil {
		return err
	}
	if _, err := dm.file.WriteAt(encoded, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", flushmanager.ErrIO, err)
	}
	return nil
}

// Sync persists the header (page count and free list) and fsyncs the file.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.writeHeaderInternal(); err != nil {
		return err
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing database file: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) closeFile() {
	if dm.file != nil {
		unlockFile(dm.file)
		dm.file.Close()
		dm.file = nil
	}
}

// Release closes the file without writing the header or syncing. The on-disk
// state is left exactly as the last successful write put it.
func (dm *DiskManager) Release() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.closeFile()
}

// Close syncs and closes the file, releasing the lock.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	var firstErr error
	if err := dm.writeHeaderInternal(); err != nil {
		firstErr = err
	}
	if err := dm.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: syncing file on close: %v", flushmanager.ErrIO, err)
	}
	unlockFile(dm.file)
	if err := dm.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: closing file: %v", flushmanager.ErrIO, err)
	}
	dm.file = nil
	dm.logger.Info("Database file closed", zap.String("path", dm.filePath))
	return firstErr
}
