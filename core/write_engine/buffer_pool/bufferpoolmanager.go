package bufferpool

import (
	"container/list" // For LRU
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// DefaultCapacity is the number of frames used when no capacity is configured.
const DefaultCapacity = 1024

// LogFlusher makes log records durable up to an LSN. A dirty frame is never
// written to the page store before the log covering it has been flushed.
type LogFlusher interface {
	Flush(upTo pagemanager.LSN) error
}

type deferredFree struct {
	pageID    pagemanager.PageID
	commitLSN pagemanager.LSN
}

// BufferPoolManager manages in-memory pages (frames) on top of a PageStore.
// It implements a simple LRU (Least Recently Used) eviction policy and keeps
// older images of modified pages for snapshot readers.
type BufferPoolManager struct {
	store       pagemanager.PageStore
	log         LogFlusher
	logger      *zap.Logger
	metrics     *internaltelemetry.EngineMetrics
	capacity    int
	payloadSize int

	mu        sync.Mutex
	pageTable map[pagemanager.PageID]*pagemanager.Page
	lruList   *list.List // front is most recently used; values are *pagemanager.Page
	spare     []*pagemanager.Page
	deferred  []deferredFree
	// pending holds the resident frames modified by the commit in flight.
	pending map[pagemanager.PageID]*touchedPage
	stolen  uint64
	// freed records pages returned to the store since the last checkpoint and
	// the commit that freed them, so older log images are not written back.
	freed map[pagemanager.PageID]pagemanager.LSN

	versionsMu sync.Mutex
	versions   map[pagemanager.PageID][]*version
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(capacity int, store pagemanager.PageStore, log LogFlusher, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) *BufferPoolManager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		store:       store,
		log:         log,
		logger:      logger.Named("buffer_pool"),
		metrics:     metrics,
		capacity:    capacity,
		payloadSize: store.PayloadSize(),
		pageTable:   make(map[pagemanager.PageID]*pagemanager.Page),
		lruList:     list.New(),
		pending:     make(map[pagemanager.PageID]*touchedPage),
		freed:       make(map[pagemanager.PageID]pagemanager.LSN),
		versions:    make(map[pagemanager.PageID][]*version),
	}
	bpm.logger.Info("buffer pool initialized", zap.Int("capacity", capacity), zap.Int("payload_size", bpm.payloadSize))
	return bpm
}

func (bpm *BufferPoolManager) Capacity() int    { return bpm.capacity }
func (bpm *BufferPoolManager) PayloadSize() int { return bpm.payloadSize }

// SetLog replaces the log flusher. It is used while the engine is wiring the
// log and the pool together during open.
func (bpm *BufferPoolManager) SetLog(log LogFlusher) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.log = log
}

// FetchPage retrieves a page from the buffer pool. If not present, it fetches from disk.
// It pins the page and moves it to the front of the LRU list.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if pageID == pagemanager.HeaderPageID || uint64(pageID) >= bpm.store.NumPages() {
		return nil, fmt.Errorf("%w: page %d out of range (%d pages)", flushmanager.ErrCorruption, pageID, bpm.store.NumPages())
	}

	// 1. Check if page is already in the buffer pool
	if page, ok := bpm.pageTable[pageID]; ok {
		page.Pin()
		bpm.lruList.MoveToFront(page.GetLruElement())
		bpm.metrics.CacheHit()
		return page, nil
	}
	bpm.metrics.CacheMiss()

	// 2. Page not in pool, find a frame for it
	frame, err := bpm.getFrameInternal()
	if err != nil {
		return nil, err
	}

	// 3. Load page data from disk
	if err := bpm.store.ReadPage(pageID, frame.GetData()); err != nil {
		bpm.spare = append(bpm.spare, frame)
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}

	// 4. Track the page; its LSN is the stamp stored in the page itself
	frame.SetPageID(pageID)
	frame.SetPinCount(1)
	frame.SetDirty(false)
	frame.SetLSN(pagemanager.GetPageLSN(frame.GetData()))
	bpm.installInternal(frame)
	return frame, nil
}

// UnpinPage drops one pin on page.
func (bpm *BufferPoolManager) UnpinPage(page *pagemanager.Page) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("unpin of page with pin count 0", zap.Uint64("pageID", uint64(page.GetPageID())))
		return
	}
	page.Unpin()
}

// installInternal adds frame to the page table and LRU list.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) installInternal(frame *pagemanager.Page) {
	bpm.pageTable[frame.GetPageID()] = frame
	frame.SetLruElement(bpm.lruList.PushFront(frame))
}

// removeInternal drops frame from the pool without writing it.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) removeInternal(frame *pagemanager.Page) {
	delete(bpm.pageTable, frame.GetPageID())
	if e := frame.GetLruElement(); e != nil {
		bpm.lruList.Remove(e)
	}
	frame.Reset()
	bpm.spare = append(bpm.spare, frame)
}

// getFrameInternal returns an empty frame, evicting the least recently used
// unpinned frame when the pool is full. Frames of the commit in flight are
// only taken when nothing else can go; see stealInternal.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getFrameInternal() (*pagemanager.Page, error) {
	if len(bpm.pageTable) < bpm.capacity {
		if n := len(bpm.spare); n > 0 {
			frame := bpm.spare[n-1]
			bpm.spare = bpm.spare[:n-1]
			return frame, nil
		}
		return pagemanager.NewPage(pagemanager.InvalidPageID, bpm.payloadSize), nil
	}

	if e, err := bpm.victimInternal(); e != nil || err != nil {
		if err != nil {
			return nil, err
		}
		return bpm.evictInternal(e), nil
	}
	if err := bpm.stealInternal(); err != nil {
		return nil, err
	}
	if e, err := bpm.victimInternal(); e != nil || err != nil {
		if err != nil {
			return nil, err
		}
		return bpm.evictInternal(e), nil
	}
	return nil, fmt.Errorf("%w: all %d buffer pool frames are pinned", flushmanager.ErrResourceExhausted, bpm.capacity)
}

// victimInternal finds the least recently used unpinned frame outside the
// running commit and writes it if it is dirty. It returns nil if there is
// none.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) victimInternal() (*list.Element, error) {
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		victim := e.Value.(*pagemanager.Page)
		if victim.GetPinCount() > 0 {
			continue
		}
		if _, ok := bpm.pending[victim.GetPageID()]; ok {
			continue
		}
		if victim.IsDirty() {
			if err := bpm.writeFrameInternal(victim); err != nil {
				return nil, err
			}
		}
		return e, nil
	}
	return nil, nil
}

// evictInternal unlinks the clean, unpinned frame at e and returns it reset.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) evictInternal(e *list.Element) *pagemanager.Page {
	victim := e.Value.(*pagemanager.Page)
	bpm.logger.Debug("evicting page", zap.Uint64("pageID", uint64(victim.GetPageID())))
	delete(bpm.pageTable, victim.GetPageID())
	bpm.lruList.Remove(e)
	victim.Reset()
	bpm.metrics.CacheEvicted()
	return victim
}

// stealInternal writes every unpinned frame of the running commit to the
// page store. Frames without a log record get a page-write record first,
// carrying the commit's pre-image the first time the page is logged, and
// the log is flushed past all of them before any page is written. The pages
// stay part of the commit: a later MarkDirty takes them back and Rollback
// restores them from the pre-image.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) stealInternal() error {
	var frames []*touchedPage
	var upTo pagemanager.LSN
	for id, t := range bpm.pending {
		frame := t.page
		if frame.GetPinCount() > 0 {
			continue
		}
		if frame.GetLSN() == pagemanager.PendingLSN {
			if t.owner.logPage == nil {
				return fmt.Errorf("%w: all %d buffer pool frames are held by the running commit", flushmanager.ErrResourceExhausted, bpm.capacity)
			}
			var before []byte
			if !t.logged {
				before = t.before
			}
			// The log stamps the record's LSN into the frame.
			lsn, err := t.owner.logPage(id, before, frame.GetData())
			if err != nil {
				return fmt.Errorf("failed to log stolen page %d: %w", id, err)
			}
			t.logged = true
			frame.SetLSN(lsn)
		}
		upTo = max(upTo, frame.GetLSN())
		frames = append(frames, t)
	}
	if len(frames) == 0 {
		return nil
	}
	if bpm.log != nil {
		if err := bpm.log.Flush(upTo); err != nil {
			return fmt.Errorf("failed to flush log for stolen pages (LSN %d): %w", upTo, err)
		}
	}
	for _, t := range frames {
		if err := bpm.writeFrameInternal(t.page); err != nil {
			return err
		}
		delete(bpm.pending, t.id)
		t.page = nil
		t.stolen = true
		bpm.stolen++
		bpm.metrics.CacheStolen()
	}
	bpm.logger.Debug("wrote out pages of running commit", zap.Int("pages", len(frames)), zap.Uint64("lsn", uint64(upTo)))
	return nil
}

// writeFrameInternal writes an unpinned dirty frame after flushing the log
// up to its LSN.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) writeFrameInternal(frame *pagemanager.Page) error {
	if bpm.log != nil && frame.GetLSN() != pagemanager.InvalidLSN {
		if err := bpm.log.Flush(frame.GetLSN()); err != nil {
			return fmt.Errorf("failed to flush log for page %d (LSN %d): %w", frame.GetPageID(), frame.GetLSN(), err)
		}
	}
	if err := bpm.store.WritePage(frame.GetPageID(), frame.GetData()); err != nil {
		return fmt.Errorf("failed to write page %d: %w", frame.GetPageID(), err)
	}
	frame.SetDirty(false)
	return nil
}

// flushFrame writes a pinned frame if it is dirty and not part of an
// in-flight commit.
func (bpm *BufferPoolManager) flushFrame(frame *pagemanager.Page) error {
	bpm.mu.Lock()
	dirty, lsn := frame.IsDirty(), frame.GetLSN()
	bpm.mu.Unlock()
	if !dirty || lsn == pagemanager.PendingLSN {
		return nil
	}

	frame.RLock()
	data := slices.Clone(frame.GetData())
	frame.RUnlock()

	if bpm.log != nil && lsn != pagemanager.InvalidLSN {
		if err := bpm.log.Flush(lsn); err != nil {
			return fmt.Errorf("failed to flush log for page %d (LSN %d): %w", frame.GetPageID(), lsn, err)
		}
	}
	if err := bpm.store.WritePage(frame.GetPageID(), data); err != nil {
		return fmt.Errorf("failed to write page %d: %w", frame.GetPageID(), err)
	}

	bpm.mu.Lock()
	if frame.GetLSN() == lsn {
		frame.SetDirty(false)
	}
	bpm.mu.Unlock()
	return nil
}

// FlushAllPages writes every dirty frame and syncs the store. Frames are
// pinned one at a time so readers can still get frames meanwhile.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	var dirty []pagemanager.PageID
	for id, page := range bpm.pageTable {
		if page.IsDirty() {
			dirty = append(dirty, id)
		}
	}
	bpm.mu.Unlock()

	var firstErr error
	for _, id := range dirty {
		bpm.mu.Lock()
		page, ok := bpm.pageTable[id]
		if !ok || !page.IsDirty() {
			bpm.mu.Unlock()
			continue
		}
		page.Pin()
		bpm.mu.Unlock()
		if err := bpm.flushFrame(page); err != nil && firstErr == nil {
			firstErr = err
		}
		bpm.UnpinPage(page)
	}
	if err := bpm.store.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ApplyPageImage brings the stored copy of a page up to a committed image
// during a checkpoint. A resident frame is at least as new as any logged
// image, so it is written instead. Images older than a later free of the page
// are skipped.
func (bpm *BufferPoolManager) ApplyPageImage(pageID pagemanager.PageID, lsn pagemanager.LSN, image []byte) error {
	bpm.mu.Lock()
	if freedAt, ok := bpm.freed[pageID]; ok && lsn < freedAt {
		bpm.mu.Unlock()
		return nil
	}
	if frame, ok := bpm.pageTable[pageID]; ok {
		frame.Pin()
		bpm.mu.Unlock()
		defer bpm.UnpinPage(frame)
		return bpm.flushFrame(frame)
	}
	bpm.mu.Unlock()

	if len(image) != bpm.payloadSize {
		return fmt.Errorf("%w: image for page %d has %d bytes", flushmanager.ErrCorruption, pageID, len(image))
	}
	current := make([]byte, bpm.payloadSize)
	if err := bpm.store.ReadPage(pageID, current); err == nil && pagemanager.GetPageLSN(current) >= lsn {
		return nil
	}
	return bpm.store.WritePage(pageID, image)
}

// CheckpointDone forgets the pages freed before a completed checkpoint.
func (bpm *BufferPoolManager) CheckpointDone() {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	clear(bpm.freed)
}

// DeferFree schedules pages freed by the commit at commitLSN. They go back to
// the store only once no snapshot older than the commit remains.
func (bpm *BufferPoolManager) DeferFree(pages []pagemanager.PageID, commitLSN pagemanager.LSN) {
	if len(pages) == 0 {
		return
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, id := range pages {
		bpm.deferred = append(bpm.deferred, deferredFree{pageID: id, commitLSN: commitLSN})
	}
}

// ReclaimDeferred returns deferred pages whose freeing commit is at or below
// horizon to the store. Their frames are dropped without being written.
func (bpm *BufferPoolManager) ReclaimDeferred(horizon pagemanager.LSN) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	keep := bpm.deferred[:0]
	for _, d := range bpm.deferred {
		if d.commitLSN > horizon {
			keep = append(keep, d)
			continue
		}
		if frame, ok := bpm.pageTable[d.pageID]; ok {
			if frame.GetPinCount() > 0 {
				keep = append(keep, d)
				continue
			}
			bpm.removeInternal(frame)
		}
		bpm.dropVersions(d.pageID)
		if err := bpm.store.FreePage(d.pageID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		bpm.freed[d.pageID] = d.commitLSN
	}
	bpm.deferred = keep
	return firstErr
}

// DeferredCount is the number of pages waiting to be reclaimed.
func (bpm *BufferPoolManager) DeferredCount() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.deferred)
}

// DeferredPages lists the pages waiting to be reclaimed.
func (bpm *BufferPoolManager) DeferredPages() []pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	out := make([]pagemanager.PageID, 0, len(bpm.deferred))
	for _, d := range bpm.deferred {
		out = append(out, d.pageID)
	}
	return out
}

// DiscardAll empties the pool without writing anything. Pending frees are
// forgotten; the caller rebuilds allocation state from the store.
func (bpm *BufferPoolManager) DiscardAll() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, frame := range bpm.pageTable {
		if frame.GetPinCount() > 0 {
			return fmt.Errorf("%w: page %d is pinned", flushmanager.ErrTxnActive, frame.GetPageID())
		}
	}
	for _, frame := range bpm.pageTable {
		bpm.removeInternal(frame)
	}
	bpm.deferred = nil
	clear(bpm.pending)
	clear(bpm.freed)
	bpm.versionsMu.Lock()
	clear(bpm.versions)
	bpm.versionsMu.Unlock()
	return nil
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int
	Resident int
	Dirty    int
	Pinned   int
	Pending  int
	Stolen   uint64 // frames of running commits written out, since open
	Versions int
	Deferred int
}

func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	s := Stats{Capacity: bpm.capacity, Resident: len(bpm.pageTable), Pending: len(bpm.pending), Stolen: bpm.stolen, Deferred: len(bpm.deferred)}
	for _, frame := range bpm.pageTable {
		if frame.IsDirty() {
			s.Dirty++
		}
		if frame.GetPinCount() > 0 {
			s.Pinned++
		}
	}
	bpm.mu.Unlock()

	bpm.versionsMu.Lock()
	for _, chain := range bpm.versions {
		s.Versions += len(chain)
	}
	bpm.versionsMu.Unlock()
	return s
}
