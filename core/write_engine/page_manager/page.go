package pagemanager

import (
	"container/list" // For LRU
	"encoding/binary"
	"math"
	"sync"
)

// --- Page Management ---

type LSN uint64 // Log Sequence Number

const (
	InvalidLSN LSN = 0
	// PendingLSN marks a frame that an in-flight commit is modifying. Such a
	// frame is invisible to snapshot readers and is never written to disk.
	PendingLSN LSN = math.MaxUint64
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

const (
	InvalidPageID PageID = 0 // Page 0 is the file header and never a data page.
	HeaderPageID  PageID = 0
	CatalogPageID PageID = 1
)

// Page types stored in the first byte of every payload.
const (
	PageTypeFree  byte = 0
	PageTypeData  byte = 1
	PageTypeIndex byte = 2
	PageTypeMeta  byte = 3
)

// FlagLeaf is set in the flags byte of B-tree leaf pages.
const FlagLeaf byte = 1 << 0

// Logical page header layout (offsets into the payload).
const (
	pageTypeOffset = 0
	pageFlagOffset = 1
	pageLSNOffset  = 2
	PageHeaderSize = 10

	freeNextOffset = PageHeaderSize
	checksumSize   = 4
)

func GetPageType(data []byte) byte       { return data[pageTypeOffset] }
func GetPageFlags(data []byte) byte      { return data[pageFlagOffset] }
func SetPageFlags(data []byte, f byte)   { data[pageFlagOffset] = f }
func GetPageLSN(data []byte) LSN         { return LSN(binary.LittleEndian.Uint64(data[pageLSNOffset:])) }
func PutPageLSN(data []byte, lsn LSN)    { binary.LittleEndian.PutUint64(data[pageLSNOffset:], uint64(lsn)) }
func getFreeNext(data []byte) PageID     { return PageID(binary.LittleEndian.Uint64(data[freeNextOffset:])) }
func putFreeNext(data []byte, n PageID)  { binary.LittleEndian.PutUint64(data[freeNextOffset:], uint64(n)) }
func (p PageID) GetID() uint64           { return uint64(p) }
func ValidPageType(t byte) bool          { return t <= PageTypeMeta }
func IsLeaf(data []byte) bool            { return data[pageFlagOffset]&FlagLeaf != 0 }

// FormatPage zeroes data and writes a fresh logical header.
func FormatPage(data []byte, pageType byte, flags byte, lsn LSN) {
	clear(data)
	data[pageTypeOffset] = pageType
	data[pageFlagOffset] = flags
	PutPageLSN(data, lsn)
}

// Page represents an in-memory copy of a disk page (a cache frame).
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	lsn      LSN // LSN of the last log record that modified this page
	// For LRU
	lruElement *list.Element

	// latch protects the in-memory contents of this specific page.
	latch sync.RWMutex
}

// NewPage creates a new Page instance with a payload of the given size.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
		lsn:  InvalidLSN,
	}
}

func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	p.lruElement = nil
	clear(p.data)
}
func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) SetData(newData []byte)           { copy(p.data, newData) }
func (p *Page) GetPageID() PageID                { return p.id }
func (p *Page) SetPageID(id PageID)              { p.id = id }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) SetDirty(dirty bool)              { p.isDirty = dirty }
func (p *Page) Pin()                             { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) GetLSN() LSN                 { return p.lsn }
func (p *Page) SetLSN(lsn LSN)              { p.lsn = lsn }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() { p.latch.Lock() }

func (p *Page) TryLock() bool { return p.latch.TryLock() }

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() { p.latch.Unlock() }
