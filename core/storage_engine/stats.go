package storageengine

import (
	"github.com/sushant-115/gojolite/core/indexmanager"
	"github.com/sushant-115/gojolite/core/transaction"
	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Stats is a point-in-time view of an engine.
type Stats struct {
	Path          string
	DatabaseID    string
	PageSize      int
	Pages         uint64
	FreePages     uint64
	Encrypted     bool
	CheckpointLSN pagemanager.LSN
	Watermark     pagemanager.LSN
	ActiveTxns    int
	WALBytes      int64
	WALRecords    int
	Cache         bufferpool.Stats
	// Corrupt is the reason write commits are refused, if any.
	Corrupt string
}

func (e *Engine) Stats() (Stats, error) {
	if err := e.rlock(); err != nil {
		return Stats{}, err
	}
	defer e.mu.RUnlock()

	h := e.dm.Header()
	s := Stats{
		Path:          e.path,
		DatabaseID:    e.dm.DatabaseID().String(),
		PageSize:      e.dm.PageSize(),
		Pages:         e.dm.NumPages(),
		FreePages:     h.FreeListLength,
		Encrypted:     h.Encrypted(),
		CheckpointLSN: h.CheckpointLSN,
		Watermark:     e.tm.Watermark(),
		ActiveTxns:    e.tm.ActiveCount(),
		WALBytes:      e.log.BytesSinceCheckpoint(),
		WALRecords:    e.log.Records(),
		Cache:         e.bpm.Stats(),
	}
	if err := e.tm.Err(); err != nil {
		s.Corrupt = err.Error()
	}
	return s, nil
}

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Trees     []indexmanager.TreeReport
	Reachable int
	Free      int
	// Pending pages were freed by a commit some open snapshot can still see.
	Pending int
	// Leaked pages are neither reachable, free nor pending. They are
	// returned to the free list by the next recovery.
	Leaked int
}

// Verify checks every tree reachable from the catalog at the current
// snapshot and that the free list is acyclic and disjoint from them.
func (e *Engine) Verify() (*VerifyReport, error) {
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()

	// An open transaction keeps the snapshot's pages from being reclaimed.
	tx := e.tm.Begin()
	defer func() {
		if tx.State == transaction.TxnStateActive {
			e.tm.Commit(tx)
		}
	}()

	report, err := e.im.Verify(tx.Snapshot())
	if err != nil {
		e.failTx(tx, err)
		return nil, err
	}
	free, err := e.checkFreeList(report.Pages)
	if err != nil {
		e.failTx(tx, err)
		return nil, err
	}
	pending := e.bpm.DeferredPages()
	out := &VerifyReport{
		Trees:     report.Trees,
		Reachable: len(report.Pages),
		Free:      len(free),
		Pending:   len(pending),
	}
	known := uint64(1 + out.Reachable + out.Free + out.Pending) // + header page
	if n := e.dm.NumPages(); n > known {
		out.Leaked = int(n - known)
	}
	return out, nil
}
