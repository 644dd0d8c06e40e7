package storageengine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// checkpointTarget folds committed log images into the page file.
type checkpointTarget struct{ e *Engine }

func (t checkpointTarget) ApplyPageImage(pageID pagemanager.PageID, lsn wal.LSN, image []byte) error {
	return t.e.bpm.ApplyPageImage(pageID, lsn, image)
}

// SyncCheckpoint writes every dirty frame, including pages restored after a
// failed commit whose only undo image is in the log about to be dropped.
func (t checkpointTarget) SyncCheckpoint(lsn wal.LSN) error {
	if err := t.e.bpm.FlushAllPages(); err != nil {
		return err
	}
	if err := t.e.dm.UpdateHeader(func(h *pagemanager.DBFileHeader) { h.CheckpointLSN = lsn }); err != nil {
		return err
	}
	t.e.bpm.CheckpointDone()
	return nil
}

// CheckpointResult describes a finished checkpoint.
type CheckpointResult = wal.CheckpointResult

// Checkpoint writes every committed page to the file and empties the log. A
// second checkpoint with no commits in between does nothing and reports
// Skipped.
func (e *Engine) Checkpoint(ctx context.Context) (CheckpointResult, error) {
	if err := ctx.Err(); err != nil {
		return CheckpointResult{}, err
	}
	if err := e.rlock(); err != nil {
		return CheckpointResult{}, err
	}
	defer e.mu.RUnlock()

	_, span := e.tracer.Start(ctx, "gojolite.checkpoint")
	defer span.End()
	e.tm.Lock()
	defer e.tm.Unlock()
	return e.checkpointLocked(span)
}

// checkpointLocked runs a checkpoint. The caller holds the commit lock.
func (e *Engine) checkpointLocked(span trace.Span) (CheckpointResult, error) {
	res, err := e.log.Checkpoint(checkpointTarget{e})
	if err != nil {
		if errors.Is(err, flushmanager.ErrCorruption) {
			e.tm.MarkCorrupt(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("skipped", res.Skipped),
		attribute.Int64("lsn", int64(res.LSN)),
		attribute.Int("pages", res.Pages))
	return res, nil
}

func (e *Engine) backgroundCheckpoint(ctx context.Context) error {
	_, err := e.Checkpoint(ctx)
	return err
}

// Backup checkpoints and copies the page file into dir. Commits wait until
// the copy is finished.
func (e *Engine) Backup(ctx context.Context, dir string, opts backup.Options) (*backup.Meta, error) {
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()

	ctx, span := e.tracer.Start(ctx, "gojolite.backup")
	defer span.End()
	e.tm.Lock()
	defer e.tm.Unlock()

	if _, err := e.checkpointLocked(span); err != nil {
		return nil, err
	}
	header := e.dm.Header()
	meta, err := backup.Write(ctx, e.path, backup.SourceInfo{
		DatabaseID:    e.dm.DatabaseID().String(),
		PageSize:      e.dm.PageSize(),
		Pages:         e.dm.NumPages(),
		CheckpointLSN: header.CheckpointLSN,
		Encrypted:     header.Encrypted(),
	}, dir, opts, e.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("path", meta.Path),
		attribute.Int64("size", meta.Size),
		attribute.Int64("stored_size", meta.StoredSize))
	return meta, nil
}
