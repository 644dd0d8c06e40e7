package storageengine

import (
	"context"
	"fmt"
	"math"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// latestSnapshot sees every committed page image.
const latestSnapshot = pagemanager.LSN(math.MaxUint64 - 1)

// redoImages returns, per page, the image the page must hold once every
// committed transaction in recs has happened and no other has: the last
// committed after-image, or for pages only losers touched the before-image
// of the first loser.
func redoImages(recs []*wal.LogRecord) map[pagemanager.PageID][]byte {
	committed := make(map[uint64]bool)
	for _, r := range recs {
		if r.Type == wal.LogRecordTypeCommit {
			committed[r.TxnID] = true
		}
	}
	images := make(map[pagemanager.PageID][]byte)
	for _, r := range recs {
		if r.Type != wal.LogRecordTypePageWrite {
			continue
		}
		if committed[r.TxnID] {
			images[r.PageID] = r.NewData
			continue
		}
		// Commits are serialized, so a loser's before-image equals the
		// last committed image already recorded for the page.
		if _, seen := images[r.PageID]; !seen && len(r.OldData) > 0 {
			images[r.PageID] = r.OldData
		}
	}
	return images
}

// recover replays the log into the page file and returns the new commit
// watermark. full forces the free list rebuild even when the log is empty
// and turns a corrupt tree into an error; otherwise the corruption is
// returned separately so the engine can still open.
func (e *Engine) recover(full bool) (watermark pagemanager.LSN, corrupt error, err error) {
	_, span := e.tracer.Start(context.Background(), "gojolite.recover")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := e.log.Flush(wal.InvalidLSN); err != nil {
		return 0, nil, err
	}
	if e.log.Records() == 0 && !full {
		return e.log.LastLSN(), nil, nil
	}

	recs, err := e.log.Replay()
	if err != nil {
		return 0, nil, err
	}
	checkpointLSN := e.dm.Header().CheckpointLSN
	recs = slices.DeleteFunc(recs, func(r *wal.LogRecord) bool { return r.LSN <= checkpointLSN })

	images := redoImages(recs)
	ids := make([]pagemanager.PageID, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) > 0 {
		if err := e.dm.EnsurePageCount(uint64(ids[len(ids)-1]) + 1); err != nil {
			return 0, nil, err
		}
	}
	payload := e.store.PayloadSize()
	for _, id := range ids {
		img := images[id]
		if len(img) != payload || id <= pagemanager.HeaderPageID {
			return 0, nil, fmt.Errorf("%w: log image for page %d has %d bytes", flushmanager.ErrCorruption, id, len(img))
		}
		if err := e.store.WritePage(id, img); err != nil {
			return 0, nil, fmt.Errorf("redo of page %d: %w", id, err)
		}
	}

	reachable, werr := e.im.ReachablePages(latestSnapshot)
	switch {
	case werr == nil:
		if err := e.dm.RebuildFreeList(unreachable(reachable, e.dm.NumPages())); err != nil {
			return 0, nil, err
		}
	case full:
		return 0, nil, werr
	default:
		e.logger.Error("database is damaged, free list left as is", zap.Error(werr))
		corrupt = werr
	}

	if err := e.store.Sync(); err != nil {
		return 0, nil, err
	}
	last := max(e.log.LastLSN(), checkpointLSN)
	if err := e.dm.UpdateHeader(func(h *pagemanager.DBFileHeader) { h.CheckpointLSN = last }); err != nil {
		return 0, nil, err
	}
	if err := e.log.Reset(last); err != nil {
		return 0, nil, err
	}

	span.SetAttributes(
		attribute.Int("records", len(recs)),
		attribute.Int("pages", len(ids)),
		attribute.Int64("lsn", int64(last)))
	e.logger.Info("recovery complete",
		zap.Int("records", len(recs)),
		zap.Int("pages_redone", len(ids)),
		zap.Uint64("checkpoint_lsn", uint64(last)))
	return e.log.LastLSN(), corrupt, nil
}

// unreachable lists the data pages below numPages that no tree uses.
func unreachable(reachable []pagemanager.PageID, numPages uint64) []pagemanager.PageID {
	used := make(map[pagemanager.PageID]struct{}, len(reachable))
	for _, id := range reachable {
		used[id] = struct{}{}
	}
	var free []pagemanager.PageID
	for id := pagemanager.CatalogPageID + 1; uint64(id) < numPages; id++ {
		if _, ok := used[id]; !ok {
			free = append(free, id)
		}
	}
	return free
}

// Recover drops the cache, replays the log again, rebuilds the free list and
// verifies every reachable page. On success the corruption flag is cleared.
// No transaction may be open.
func (e *Engine) Recover() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return flushmanager.ErrEngineClosed
	}
	if n := e.tm.ActiveCount(); n > 0 {
		return fmt.Errorf("%w: %d transactions are open", flushmanager.ErrTxnActive, n)
	}
	e.tm.Lock()
	defer e.tm.Unlock()

	if err := e.bpm.DiscardAll(); err != nil {
		return err
	}
	watermark, _, err := e.recover(true)
	if err != nil {
		return err
	}
	report, err := e.im.Verify(watermark)
	if err != nil {
		return err
	}
	if _, err := e.checkFreeList(report.Pages); err != nil {
		return err
	}
	e.tm.SetWatermark(watermark)
	e.tm.ClearCorrupt()
	e.logger.Info("database recovered and verified", zap.Int("trees", len(report.Trees)), zap.Int("pages", len(report.Pages)))
	return nil
}

// checkFreeList walks the free list and fails if it shares a page with
// reachable.
func (e *Engine) checkFreeList(reachable []pagemanager.PageID) ([]pagemanager.PageID, error) {
	free, err := e.dm.FreeListPages()
	if err != nil {
		return free, err
	}
	used := make(map[pagemanager.PageID]struct{}, len(reachable))
	for _, id := range reachable {
		used[id] = struct{}{}
	}
	for _, id := range free {
		if _, ok := used[id]; ok {
			return free, fmt.Errorf("%w: page %d is both free and in use", flushmanager.ErrCorruption, id)
		}
	}
	return free, nil
}
