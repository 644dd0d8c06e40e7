package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

const (
	walMagic      = "GJLWAL01"
	walVersion    = 1
	walHeaderSize = 48

	// DefaultFlushInterval is how often the background flusher pushes buffered
	// records to disk when nobody asked for a flush.
	DefaultFlushInterval = 100 * time.Millisecond

	// maxRecordBody bounds a single record; anything larger is a torn length.
	maxRecordBody = 4 * (pagemanager.MaxPageSize + 64)
)

var walCRC = crc32.MakeTable(crc32.Castagnoli)

// ImageSealer encrypts and decrypts page images stored in the log.
type ImageSealer interface {
	SealImage(lsn uint64, pageID pagemanager.PageID, kind byte, image []byte) ([]byte, error)
	OpenImage(lsn uint64, pageID pagemanager.PageID, kind byte, sealed []byte) ([]byte, error)
}

// CheckpointTarget receives the committed page images during a checkpoint.
type CheckpointTarget interface {
	ApplyPageImage(pageID pagemanager.PageID, lsn LSN, image []byte) error
	SyncCheckpoint(lsn LSN) error
}

// CheckpointResult describes a finished checkpoint.
type CheckpointResult struct {
	Skipped bool
	LSN     LSN
	Pages   int
}

// Options configures a LogManager.
type Options struct {
	PageSize      int
	DatabaseID    uuid.UUID
	BaseLSN       LSN
	Sealer        ImageSealer
	FlushInterval time.Duration
	Metrics       *internaltelemetry.EngineMetrics
}

type walHeader struct {
	pageSize   uint32
	databaseID uuid.UUID
	baseLSN    LSN
}

// LogManager owns the single write-ahead log file that sits next to the
// database file. Records are buffered by Append and made durable by Flush;
// concurrent Flush calls share one write and fsync.
type LogManager struct {
	path    string
	file    *os.File
	opts    Options
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics

	mu           sync.Mutex // protects everything below up to flushMu
	buffer       bytes.Buffer
	nextLSN      LSN
	lastAppended LSN
	baseLSN      LSN
	records      int
	bytesSince   int64
	failed       error
	closed       bool

	flushMu    sync.Mutex // serializes writes to the file
	fileSize   int64
	flushedLSN atomic.Uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLogManager opens or creates the log at path. A torn tail left by a crash
// is cut off; a log that belongs to another database is rejected.
func NewLogManager(path string, opts Options, logger *zap.Logger) (*LogManager, error) {
	if err := pagemanager.ValidatePageSize(opts.PageSize); err != nil {
		return nil, err
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open wal %s: %v", flushmanager.ErrIO, path, err)
	}
	lm := &LogManager{
		path:     path,
		file:     f,
		opts:     opts,
		logger:   logger.Named("wal"),
		metrics:  opts.Metrics,
		stopChan: make(chan struct{}),
	}
	if err := lm.load(); err != nil {
		f.Close()
		return nil, err
	}

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("log manager initialized",
		zap.String("path", path),
		zap.Uint64("base_lsn", uint64(lm.baseLSN)),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)),
		zap.Int("records", lm.records))
	return lm, nil
}

func encodeWALHeader(h walHeader) []byte {
	buf := make([]byte, walHeaderSize)
	copy(buf[0:8], walMagic)
	binary.LittleEndian.PutUint32(buf[8:12], walVersion)
	binary.LittleEndian.PutUint32(buf[12:16], h.pageSize)
	copy(buf[16:32], h.databaseID[:])
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.baseLSN))
	binary.LittleEndian.PutUint32(buf[44:48], crc32.Checksum(buf[:44], walCRC))
	return buf
}

func decodeWALHeader(buf []byte) (walHeader, bool) {
	var h walHeader
	if len(buf) < walHeaderSize || string(buf[0:8]) != walMagic {
		return h, false
	}
	if binary.LittleEndian.Uint32(buf[44:48]) != crc32.Checksum(buf[:44], walCRC) {
		return h, false
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != walVersion {
		return h, false
	}
	h.pageSize = binary.LittleEndian.Uint32(buf[12:16])
	copy(h.databaseID[:], buf[16:32])
	h.baseLSN = LSN(binary.LittleEndian.Uint64(buf[32:40]))
	return h, true
}

// load validates the header and scans the records, truncating anything after
// the last intact record.
func (lm *LogManager) load() error {
	data, err := io.ReadAll(lm.file)
	if err != nil {
		return fmt.Errorf("%w: failed to read wal: %v", flushmanager.ErrIO, err)
	}

	h, ok := decodeWALHeader(data)
	if !ok {
		if len(data) > 0 {
			lm.logger.Warn("wal header unreadable, starting a fresh log", zap.Int("bytes", len(data)))
		}
		return lm.rewrite(lm.opts.BaseLSN, 0)
	}
	if lm.opts.DatabaseID != uuid.Nil && h.databaseID != lm.opts.DatabaseID {
		return fmt.Errorf("%w: wal %s belongs to database %s, expected %s",
			flushmanager.ErrCorruption, lm.path, h.databaseID, lm.opts.DatabaseID)
	}
	if int(h.pageSize) != lm.opts.PageSize {
		return fmt.Errorf("%w: wal page size %d does not match database page size %d",
			flushmanager.ErrCorruption, h.pageSize, lm.opts.PageSize)
	}

	recs, end := scanFrames(data[walHeaderSize:], h.baseLSN)
	validEnd := int64(walHeaderSize + end)
	if validEnd < int64(len(data)) {
		lm.logger.Warn("truncating torn wal tail",
			zap.Int64("valid_bytes", validEnd),
			zap.Int("file_bytes", len(data)))
		if err := lm.file.Truncate(validEnd); err != nil {
			return fmt.Errorf("%w: failed to truncate wal: %v", flushmanager.ErrIO, err)
		}
		if err := lm.file.Sync(); err != nil {
			return fmt.Errorf("%w: failed to sync wal: %v", flushmanager.ErrIO, err)
		}
	}

	last := h.baseLSN
	if len(recs) > 0 {
		last = recs[len(recs)-1].LSN
	}
	lm.baseLSN = h.baseLSN
	lm.records = len(recs)
	lm.bytesSince = validEnd - walHeaderSize
	lm.fileSize = validEnd
	lm.lastAppended = last
	lm.nextLSN = max(last, h.baseLSN, lm.opts.BaseLSN) + 1
	lm.flushedLSN.Store(uint64(last))
	return nil
}

// scanFrames decodes frames until the first one that is torn, fails its
// checksum, or breaks the LSN sequence. It returns the records (images still
// sealed) and the byte length of the valid prefix.
func scanFrames(data []byte, base LSN) ([]*LogRecord, int) {
	var recs []*LogRecord
	off := 0
	expect := base + 1
	for off+frameHeaderSize <= len(data) {
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		sum := binary.LittleEndian.Uint64(data[off+4 : off+12])
		if n <= 0 || n > maxRecordBody || off+frameHeaderSize+n > len(data) {
			break
		}
		body := data[off+frameHeaderSize : off+frameHeaderSize+n]
		if xxhash.Sum64(body) != sum {
			break
		}
		rec := &LogRecord{}
		if err := rec.deserializeBody(body); err != nil {
			break
		}
		if rec.LSN != expect {
			break
		}
		recs = append(recs, rec)
		expect++
		off += frameHeaderSize + n
	}
	return recs, off
}

// rewrite truncates the file to an empty log whose records start after base.
func (lm *LogManager) rewrite(base LSN, nextLSN LSN) error {
	if err := lm.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: failed to truncate wal: %v", flushmanager.ErrIO, err)
	}
	hdr := encodeWALHeader(walHeader{
		pageSize:   uint32(lm.opts.PageSize),
		databaseID: lm.opts.DatabaseID,
		baseLSN:    base,
	})
	if _, err := lm.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: failed to write wal header: %v", flushmanager.ErrIO, err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync wal: %v", flushmanager.ErrIO, err)
	}
	lm.baseLSN = base
	lm.records = 0
	lm.bytesSince = 0
	lm.fileSize = walHeaderSize
	if nextLSN <= base {
		nextLSN = base + 1
	}
	lm.nextLSN = nextLSN
	lm.lastAppended = nextLSN - 1
	lm.flushedLSN.Store(uint64(nextLSN - 1))
	return nil
}

// Append assigns the next LSN to record and buffers it. Page-write records
// get that LSN stamped into their after-image before it is encoded. Nothing
// is durable until Flush returns for an LSN at or past the returned one.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.closed {
		return InvalidLSN, flushmanager.ErrEngineClosed
	}
	if lm.failed != nil {
		return InvalidLSN, lm.failed
	}

	lsn := lm.nextLSN
	record.LSN = lsn
	oldData, newData := record.OldData, record.NewData
	if record.Type == LogRecordTypePageWrite {
		if len(newData) >= pagemanager.PageHeaderSize {
			pagemanager.PutPageLSN(newData, lsn)
		}
		if lm.opts.Sealer != nil {
			var err error
			if oldData, err = lm.sealImage(lsn, record.PageID, imageBefore, oldData); err != nil {
				return InvalidLSN, err
			}
			if newData, err = lm.sealImage(lsn, record.PageID, imageAfter, newData); err != nil {
				return InvalidLSN, err
			}
		}
	}

	body, err := record.serializeBody(oldData, newData)
	if err != nil {
		return InvalidLSN, err
	}
	if len(body) > maxRecordBody {
		return InvalidLSN, fmt.Errorf("%w: log record of %d bytes", flushmanager.ErrRecordTooLarge, len(body))
	}
	frame := encodeFrame(body)
	lm.buffer.Write(frame)

	lm.nextLSN++
	lm.lastAppended = lsn
	lm.records++
	lm.bytesSince += int64(len(frame))
	lm.metrics.WALAppended(len(frame))
	return lsn, nil
}

func (lm *LogManager) sealImage(lsn LSN, pageID pagemanager.PageID, kind byte, image []byte) ([]byte, error) {
	if len(image) == 0 {
		return nil, nil
	}
	return lm.opts.Sealer.SealImage(uint64(lsn), pageID, kind, image)
}

func (lm *LogManager) openImage(lsn LSN, pageID pagemanager.PageID, kind byte, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 || lm.opts.Sealer == nil {
		return sealed, nil
	}
	return lm.opts.Sealer.OpenImage(uint64(lsn), pageID, kind, sealed)
}

// Flush makes every record up to upTo durable. upTo == InvalidLSN flushes
// everything appended so far. Callers whose LSN was covered by another
// caller's flush return without touching the file.
func (lm *LogManager) Flush(upTo LSN) error {
	if upTo != InvalidLSN && LSN(lm.flushedLSN.Load()) >= upTo {
		return nil
	}
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	if upTo != InvalidLSN && LSN(lm.flushedLSN.Load()) >= upTo {
		return nil
	}

	lm.mu.Lock()
	if lm.failed != nil {
		err := lm.failed
		lm.mu.Unlock()
		return err
	}
	if lm.buffer.Len() == 0 {
		lm.mu.Unlock()
		return nil
	}
	data := append([]byte(nil), lm.buffer.Bytes()...)
	lm.buffer.Reset()
	last := lm.lastAppended
	lm.mu.Unlock()

	start := time.Now()
	if _, err := lm.file.WriteAt(data, lm.fileSize); err != nil {
		return lm.fail(fmt.Errorf("failed to write wal: %w", err))
	}
	if err := lm.file.Sync(); err != nil {
		return lm.fail(fmt.Errorf("failed to sync wal: %w", err))
	}
	lm.fileSize += int64(len(data))
	lm.flushedLSN.Store(uint64(last))
	lm.metrics.WALFlushed(time.Since(start))
	return nil
}

// fail poisons the log. A failed write leaves the file in an unknown state,
// so every later Append and Flush returns the same error.
func (lm *LogManager) fail(err error) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.failed == nil {
		lm.failed = fmt.Errorf("%w: %v", flushmanager.ErrIO, err)
		lm.logger.Error("wal failed", zap.Error(err))
	}
	return lm.failed
}

// Err returns the sticky failure, if any.
func (lm *LogManager) Err() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.failed
}

func (lm *LogManager) FlushedLSN() LSN { return LSN(lm.flushedLSN.Load()) }

// NextLSN is the LSN the next Append will assign.
func (lm *LogManager) NextLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// LastLSN is the LSN of the most recent record, or the log's base LSN.
func (lm *LogManager) LastLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.lastAppended
}

func (lm *LogManager) BaseLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.baseLSN
}

// BytesSinceCheckpoint is the size of the records appended since the log was
// last reset.
func (lm *LogManager) BytesSinceCheckpoint() int64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.bytesSince
}

// Records is the number of records in the log, flushed or not.
func (lm *LogManager) Records() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.records
}

func (lm *LogManager) Path() string { return lm.path }

// Replay reads every durable record in LSN order with images decrypted.
// Reading stops at the first record that fails validation.
func (lm *LogManager) Replay() ([]*LogRecord, error) {
	lm.flushMu.Lock()
	size := lm.fileSize
	data := make([]byte, size-walHeaderSize)
	_, err := lm.file.ReadAt(data, walHeaderSize)
	lm.flushMu.Unlock()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to read wal: %v", flushmanager.ErrIO, err)
	}

	recs, end := scanFrames(data, lm.BaseLSN())
	if end < len(data) {
		lm.logger.Warn("wal replay stopped at invalid record", zap.Int("offset", walHeaderSize+end))
	}
	for _, rec := range recs {
		if rec.Type != LogRecordTypePageWrite {
			continue
		}
		if rec.OldData, err = lm.openImage(rec.LSN, rec.PageID, imageBefore, rec.OldData); err != nil {
			return nil, err
		}
		if rec.NewData, err = lm.openImage(rec.LSN, rec.PageID, imageAfter, rec.NewData); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// CommittedImages reduces records to the last after-image each committed
// transaction left on each page, ordered by page.
func CommittedImages(recs []*LogRecord) []*LogRecord {
	committed := make(map[uint64]bool)
	for _, r := range recs {
		if r.Type == LogRecordTypeCommit {
			committed[r.TxnID] = true
		}
	}
	last := make(map[pagemanager.PageID]*LogRecord)
	for _, r := range recs {
		if r.Type == LogRecordTypePageWrite && committed[r.TxnID] {
			last[r.PageID] = r
		}
	}
	out := make([]*LogRecord, 0, len(last))
	for _, r := range last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out
}

// Checkpoint appends a checkpoint record, hands every committed page image to
// target and, once target has synced, empties the log. A log with no records
// is left alone.
func (lm *LogManager) Checkpoint(target CheckpointTarget) (CheckpointResult, error) {
	if lm.Records() == 0 {
		return CheckpointResult{Skipped: true, LSN: lm.BaseLSN()}, nil
	}
	start := time.Now()

	lsn, err := lm.Append(&LogRecord{Type: LogRecordTypeCheckpoint})
	if err != nil {
		return CheckpointResult{}, err
	}
	if err := lm.Flush(lsn); err != nil {
		return CheckpointResult{}, err
	}
	recs, err := lm.Replay()
	if err != nil {
		return CheckpointResult{}, err
	}
	images := CommittedImages(recs)
	for _, r := range images {
		if err := target.ApplyPageImage(r.PageID, r.LSN, r.NewData); err != nil {
			return CheckpointResult{}, fmt.Errorf("checkpoint: page %d: %w", r.PageID, err)
		}
	}
	if err := target.SyncCheckpoint(lsn); err != nil {
		return CheckpointResult{}, fmt.Errorf("checkpoint: %w", err)
	}
	if err := lm.Reset(lsn); err != nil {
		return CheckpointResult{}, err
	}

	lm.metrics.CheckpointDone(time.Since(start))
	lm.logger.Info("checkpoint complete",
		zap.Uint64("lsn", uint64(lsn)),
		zap.Int("records", len(recs)),
		zap.Int("pages", len(images)),
		zap.Duration("took", time.Since(start)))
	return CheckpointResult{LSN: lsn, Pages: len(images)}, nil
}

// Reset discards every record and starts an empty log after base. LSNs keep
// increasing across resets. The caller must have made the database file
// reflect everything up to base.
func (lm *LogManager) Reset(base LSN) error {
	lm.flushMu.Lock()
	defer lm.flushMu.Unlock()
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return flushmanager.ErrEngineClosed
	}
	next := lm.nextLSN
	if base < next-1 {
		base = next - 1
	}
	lm.buffer.Reset()
	return lm.rewrite(base, next)
}

// flusher is a goroutine that periodically flushes the log buffer.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			if err := lm.Flush(InvalidLSN); err != nil {
				lm.logger.Error("periodic wal flush failed", zap.Error(err))
			}
		}
	}
}

func (lm *LogManager) stop() bool {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return false
	}
	lm.closed = true
	lm.mu.Unlock()
	close(lm.stopChan)
	lm.wg.Wait()
	return true
}

// Close flushes buffered records and closes the file.
func (lm *LogManager) Close() error {
	if !lm.stop() {
		return nil
	}
	var firstErr error
	if err := lm.Flush(InvalidLSN); err != nil {
		firstErr = err
	}
	if err := lm.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%w: failed to close wal: %v", flushmanager.ErrIO, err)
	}
	lm.logger.Info("log manager closed", zap.Uint64("flushed_lsn", lm.flushedLSN.Load()))
	return firstErr
}

// Release closes the file without flushing, dropping buffered records the way
// a crash would.
func (lm *LogManager) Release() {
	if lm.stop() {
		lm.file.Close()
	}
}
