package bufferpool

import (
	"fmt"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// version is an image of a page that a later commit replaced. It stays
// visible to snapshots in [lsn, supersededAt).
type version struct {
	data         []byte
	lsn          pagemanager.LSN
	supersededAt pagemanager.LSN // PendingLSN until the replacing commit finishes
}

// View calls fn with the contents of pageID as of snapshot snap. fn must not
// keep data after it returns or modify it.
func (bpm *BufferPoolManager) View(pageID pagemanager.PageID, snap pagemanager.LSN, fn func(data []byte) error) error {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return err
	}
	defer bpm.UnpinPage(page)

	page.RLock()
	if lsn := page.GetLSN(); lsn != pagemanager.PendingLSN && lsn <= snap {
		err = fn(page.GetData())
		page.RUnlock()
		return err
	}
	// Lock order is always page latch, then versionsMu.
	data := bpm.versionAt(pageID, snap)
	page.RUnlock()
	if data == nil {
		return fmt.Errorf("%w: no image of page %d visible at snapshot %d", flushmanager.ErrCorruption, pageID, snap)
	}
	return fn(data)
}

// versionAt returns the newest retained image of pageID with lsn <= snap.
func (bpm *BufferPoolManager) versionAt(pageID pagemanager.PageID, snap pagemanager.LSN) []byte {
	bpm.versionsMu.Lock()
	defer bpm.versionsMu.Unlock()
	chain := bpm.versions[pageID]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].lsn <= snap {
			return chain[i].data
		}
	}
	return nil
}

func (bpm *BufferPoolManager) pushVersion(pageID pagemanager.PageID, v *version) {
	bpm.versionsMu.Lock()
	defer bpm.versionsMu.Unlock()
	bpm.versions[pageID] = append(bpm.versions[pageID], v)
}

func (bpm *BufferPoolManager) popVersion(pageID pagemanager.PageID, v *version) {
	bpm.versionsMu.Lock()
	defer bpm.versionsMu.Unlock()
	chain := bpm.versions[pageID]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i] == v {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(bpm.versions, pageID)
	} else {
		bpm.versions[pageID] = chain
	}
}

func (bpm *BufferPoolManager) dropVersions(pageID pagemanager.PageID) {
	bpm.versionsMu.Lock()
	defer bpm.versionsMu.Unlock()
	delete(bpm.versions, pageID)
}

// Prune drops every image that no snapshot at or above horizon can see.
func (bpm *BufferPoolManager) Prune(horizon pagemanager.LSN) int {
	bpm.versionsMu.Lock()
	defer bpm.versionsMu.Unlock()
	dropped := 0
	for id, chain := range bpm.versions {
		keep := chain[:0]
		for _, v := range chain {
			if v.supersededAt <= horizon {
				dropped++
				continue
			}
			keep = append(keep, v)
		}
		if len(keep) == 0 {
			delete(bpm.versions, id)
		} else {
			bpm.versions[id] = keep
		}
	}
	return dropped
}
