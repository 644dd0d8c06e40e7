package bufferpool

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// touchedPage is one page of a commit. page and stolen are guarded by the
// pool mutex: the pool clears page when it steals the frame.
type touchedPage struct {
	id        pagemanager.PageID
	owner     *PageSet
	page      *pagemanager.Page // resident frame, nil after a steal
	before    []byte
	prevLSN   pagemanager.LSN
	prevDirty bool
	allocated bool
	stolen    bool
	logged    bool // a page-write record with the pre-image exists
	ver       *version
}

// DirtyPage is one page changed by a commit, with the images that go into
// its page-write log record.
type DirtyPage struct {
	ID pagemanager.PageID
	// Before is nil for pages allocated by the commit and for pages whose
	// pre-image was already logged when the pool wrote them out.
	Before []byte
	After  []byte
}

// PageLogFunc appends a page-write record of the running commit and returns
// its LSN. The log stamps the LSN into after.
type PageLogFunc func(pageID pagemanager.PageID, before, after []byte) (pagemanager.LSN, error)

// PageSet tracks the pages one commit modifies. Until Finish or Rollback the
// touched frames are hidden from snapshot readers. They are not pinned: when
// the pool runs out of frames it writes them out through the page log and
// reads them back on demand. A PageSet is used by a single goroutine.
type PageSet struct {
	bpm     *BufferPoolManager
	logPage PageLogFunc
	touched map[pagemanager.PageID]*touchedPage
	order   []pagemanager.PageID
	freed   []pagemanager.PageID
	closed  bool
}

// NewPageSet starts tracking the pages of one commit.
func (bpm *BufferPoolManager) NewPageSet() *PageSet {
	return &PageSet{bpm: bpm, touched: make(map[pagemanager.PageID]*touchedPage)}
}

// SetPageLog lets the pool evict the commit's frames once fn has logged
// them. Without it a commit must fit in the pool.
func (ps *PageSet) SetPageLog(fn PageLogFunc) { ps.logPage = fn }

func (ps *PageSet) Fetch(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	return ps.bpm.FetchPage(pageID)
}

func (ps *PageSet) Release(page *pagemanager.Page) { ps.bpm.UnpinPage(page) }

// MarkDirty records the pre-image of page the first time the commit touches
// it and hides the frame from readers. The caller must hold the page's pin
// and exclusive latch.
func (ps *PageSet) MarkDirty(page *pagemanager.Page) {
	id := page.GetPageID()
	bpm := ps.bpm
	t, seen := ps.touched[id]
	if !seen {
		t = &touchedPage{
			id:      id,
			owner:   ps,
			before:  slices.Clone(page.GetData()),
			prevLSN: page.GetLSN(),
		}
		t.ver = &version{data: t.before, lsn: t.prevLSN, supersededAt: pagemanager.PendingLSN}
		bpm.pushVersion(id, t.ver)
		ps.touched[id] = t
		ps.order = append(ps.order, id)
	}

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if t.page == page && page.GetLSN() == pagemanager.PendingLSN {
		return
	}
	if !seen {
		t.prevDirty = page.IsDirty()
	}
	t.page = page
	page.SetDirty(true)
	page.SetLSN(pagemanager.PendingLSN)
	bpm.pending[id] = t
}

// Allocate takes a page from the store and returns it formatted, pinned once
// for the caller and already marked dirty.
func (ps *PageSet) Allocate(pageType, flags byte) (*pagemanager.Page, error) {
	bpm := ps.bpm
	id, err := bpm.store.AllocatePage()
	if err != nil {
		return nil, err
	}

	bpm.mu.Lock()
	if stale, ok := bpm.pageTable[id]; ok {
		if stale.GetPinCount() > 0 {
			bpm.mu.Unlock()
			return nil, fmt.Errorf("%w: allocated page %d is still pinned", flushmanager.ErrCorruption, id)
		}
		bpm.removeInternal(stale)
	}
	frame, err := bpm.getFrameInternal()
	if err != nil {
		bpm.mu.Unlock()
		if ferr := bpm.store.FreePage(id); ferr != nil {
			bpm.logger.Warn("failed to return page after allocation failure", zap.Uint64("pageID", uint64(id)), zap.Error(ferr))
		}
		return nil, err
	}
	pagemanager.FormatPage(frame.GetData(), pageType, flags, pagemanager.InvalidLSN)
	frame.SetPageID(id)
	frame.SetPinCount(1)
	frame.SetDirty(true)
	frame.SetLSN(pagemanager.PendingLSN)
	bpm.installInternal(frame)
	delete(bpm.freed, id)
	t := &touchedPage{id: id, owner: ps, page: frame, allocated: true}
	bpm.pending[id] = t
	bpm.mu.Unlock()
	bpm.dropVersions(id)
	bpm.metrics.PageAllocated()

	ps.touched[id] = t
	ps.order = append(ps.order, id)
	return frame, nil
}

// Free schedules pageID to be returned to the store once the commit is
// finished and no older snapshot can reach it.
func (ps *PageSet) Free(pageID pagemanager.PageID) {
	ps.freed = append(ps.freed, pageID)
}

func (ps *PageSet) Freed() []pagemanager.PageID { return ps.freed }

// Len is the number of pages touched so far.
func (ps *PageSet) Len() int { return len(ps.order) }

// Stolen is the number of touched pages the pool wrote out before the
// commit finished.
func (ps *PageSet) Stolen() int {
	ps.bpm.mu.Lock()
	defer ps.bpm.mu.Unlock()
	n := 0
	for _, t := range ps.touched {
		if t.stolen {
			n++
		}
	}
	return n
}

// pin returns t's resident frame pinned, or nil once it was stolen.
func (ps *PageSet) pin(t *touchedPage) *pagemanager.Page {
	ps.bpm.mu.Lock()
	defer ps.bpm.mu.Unlock()
	if t.page == nil {
		return nil
	}
	t.page.Pin()
	return t.page
}

// Dirty returns the touched pages still held in memory with copies of their
// current contents, in the order they were first touched. Pages the pool
// stole and nobody touched again are already logged and left out.
func (ps *PageSet) Dirty() []DirtyPage {
	out := make([]DirtyPage, 0, len(ps.order))
	for _, id := range ps.order {
		t := ps.touched[id]
		page := ps.pin(t)
		if page == nil {
			continue
		}
		page.RLock()
		after := slices.Clone(page.GetData())
		page.RUnlock()
		ps.bpm.mu.Lock()
		before := t.before
		if t.logged {
			before = nil
		}
		page.Unpin()
		ps.bpm.mu.Unlock()
		out = append(out, DirtyPage{ID: id, Before: before, After: after})
	}
	return out
}

// Stamp sets the LSN of the page-write record for pageID on its frame.
func (ps *PageSet) Stamp(pageID pagemanager.PageID, lsn pagemanager.LSN) {
	t, ok := ps.touched[pageID]
	if !ok {
		return
	}
	page := ps.pin(t)
	if page == nil {
		return
	}
	page.Lock()
	pagemanager.PutPageLSN(page.GetData(), lsn)
	ps.bpm.mu.Lock()
	if t.page == page {
		page.SetLSN(lsn)
	}
	page.Unpin()
	ps.bpm.mu.Unlock()
	page.Unlock()
}

// release forgets the resident frames of the commit.
func (ps *PageSet) release() {
	bpm := ps.bpm
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, id := range ps.order {
		if t := ps.touched[id]; bpm.pending[id] == t {
			delete(bpm.pending, id)
		}
	}
}

// Finish publishes the commit at commitLSN: replaced images are closed at
// commitLSN and freed pages are handed to the pool for deferred reclaim.
func (ps *PageSet) Finish(commitLSN pagemanager.LSN) {
	if ps.closed {
		return
	}
	ps.closed = true
	bpm := ps.bpm

	bpm.versionsMu.Lock()
	for _, id := range ps.order {
		if v := ps.touched[id].ver; v != nil {
			v.supersededAt = commitLSN
		}
	}
	bpm.versionsMu.Unlock()

	ps.release()
	bpm.DeferFree(ps.freed, commitLSN)
}

// Rollback restores every touched page to its pre-image and returns pages
// allocated by the commit to the store. A page the pool stole is read back
// and restored; it stays dirty so the pre-image replaces the stolen one on
// disk.
func (ps *PageSet) Rollback() error {
	if ps.closed {
		return nil
	}
	ps.closed = true
	bpm := ps.bpm

	// Resident frames first, so reading stolen pages back cannot steal them.
	var stolen []*touchedPage
	var errs []error
	for i := len(ps.order) - 1; i >= 0; i-- {
		id := ps.order[i]
		t := ps.touched[id]
		if t.allocated {
			bpm.mu.Lock()
			if frame, ok := bpm.pageTable[id]; ok && frame.GetPinCount() == 0 {
				bpm.removeInternal(frame)
			}
			if bpm.pending[id] == t {
				delete(bpm.pending, id)
			}
			bpm.mu.Unlock()
			if err := bpm.store.FreePage(id); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		page := ps.pin(t)
		if page == nil {
			stolen = append(stolen, t)
			continue
		}
		ps.restore(t, page)
	}

	for _, t := range stolen {
		page, err := bpm.FetchPage(t.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("restoring stolen page %d: %w", t.id, err))
			continue
		}
		ps.restore(t, page)
	}
	ps.freed = nil
	return errors.Join(errs...)
}

// restore copies t's pre-image into the pinned frame page and unpins it.
func (ps *PageSet) restore(t *touchedPage, page *pagemanager.Page) {
	bpm := ps.bpm
	page.Lock()
	copy(page.GetData(), t.before)
	bpm.mu.Lock()
	page.SetLSN(t.prevLSN)
	page.SetDirty(t.prevDirty || t.stolen)
	page.Unpin()
	if bpm.pending[t.id] == t {
		delete(bpm.pending, t.id)
	}
	t.page = nil
	bpm.mu.Unlock()
	page.Unlock()
	bpm.popVersion(t.id, t.ver)
}
