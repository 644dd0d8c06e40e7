// Package storageengine ties the page store, log, cache, transaction manager
// and record layer into one embedded database engine per file.
package storageengine

import (
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/indexmanager"
	"github.com/sushant-115/gojolite/core/security/encryption"
	"github.com/sushant-115/gojolite/core/storage_engine/backup"
	"github.com/sushant-115/gojolite/core/transaction"
	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	gologger "github.com/sushant-115/gojolite/pkg/logger"
)

// Record-layer types, re-exported so callers need only this package.
type (
	Row         = indexmanager.Row
	TableSchema = indexmanager.TableSchema
	IndexSchema = indexmanager.IndexSchema
	Column      = indexmanager.Column
	TableDef    = indexmanager.TableDef
	Transaction = transaction.Transaction
	ColumnType  = indexmanager.ColumnType
)

const (
	TypeInteger = indexmanager.TypeInteger
	TypeReal    = indexmanager.TypeReal
	TypeText    = indexmanager.TypeText
	TypeBlob    = indexmanager.TypeBlob
	TypeBoolean = indexmanager.TypeBoolean
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	meter     metric.Meter
	tracer    trace.Tracer
	kdf       *encryption.KDFParams
	mustExist bool
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMeter records engine metrics on m.
func WithMeter(m metric.Meter) Option { return func(o *options) { o.meter = m } }

// WithTracer records checkpoint, recovery and backup spans on t.
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithKDFCost sets the Argon2id cost used when an encrypted file is created.
func WithKDFCost(time, memoryKiB uint32, threads uint8) Option {
	return func(o *options) {
		o.kdf = &encryption.KDFParams{Time: time, Memory: memoryKiB, Threads: threads}
	}
}

// MustExist makes Open fail with ErrDBFileNotFound instead of creating a file.
func MustExist() Option { return func(o *options) { o.mustExist = true } }

// Engine is one open database file. All methods are safe for concurrent use.
type Engine struct {
	path    string
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.EngineMetrics

	// mu excludes Close and Recover from everything else.
	mu     sync.RWMutex
	closed bool

	dm    *pagemanager.DiskManager
	store pagemanager.PageStore
	log   *wal.LogManager
	bpm   *bufferpool.BufferPoolManager
	im    *indexmanager.Manager
	tm    *transaction.TransactionManager
	ckpt  *flushmanager.Checkpointer
}

// Open opens the database at path, creating it if needed, and recovers it
// from its log.
func Open(path string, cfg Config, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer("gojolite")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := gologger.ForDatabase(o.logger, gologger.Database{Path: path})

	metrics, err := internaltelemetry.NewEngineMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("creating engine metrics: %w", err)
	}

	var key []byte
	dm, err := pagemanager.OpenDiskManager(path, pagemanager.DiskOptions{
		PageSize: cfg.PageSize,
		MaxPages: cfg.MaxPages,
		Create:   !o.mustExist,
		Init: func(h *pagemanager.DBFileHeader) error {
			if len(cfg.EncryptionKey) == 0 {
				return nil
			}
			p, err := encryption.NewKDFParams()
			if err != nil {
				return err
			}
			if o.kdf != nil {
				p.Time, p.Memory, p.Threads = o.kdf.Time, o.kdf.Memory, o.kdf.Threads
			}
			key, err = encryption.InitHeader(h, cfg.EncryptionKey, p)
			return err
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	e := &Engine{path: path, cfg: cfg, tracer: o.tracer, metrics: metrics, dm: dm}
	e.logger = gologger.ForDatabase(o.logger, gologger.Database{
		Path:      path,
		ID:        dm.DatabaseID().String(),
		PageSize:  dm.PageSize(),
		Encrypted: len(cfg.EncryptionKey) > 0,
	})
	if err := e.open(key); err != nil {
		if e.log != nil {
			e.log.Release()
		}
		dm.Release()
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(key []byte) error {
	header := e.dm.Header()
	if !e.dm.Created() {
		var err error
		if key, err = encryption.KeyFromHeader(&header, e.cfg.EncryptionKey); err != nil {
			return err
		}
	}

	var sealer wal.ImageSealer
	e.store = e.dm
	if key != nil {
		cs, err := encryption.NewCipherStore(e.dm, key)
		if err != nil {
			return err
		}
		e.store, sealer = cs, cs
	}

	log, err := wal.NewLogManager(backup.WALPath(e.path), wal.Options{
		PageSize:   e.dm.PageSize(),
		DatabaseID: e.dm.DatabaseID(),
		BaseLSN:    header.CheckpointLSN,
		Sealer:     sealer,
		Metrics:    e.metrics,
	}, e.logger)
	if err != nil {
		return err
	}
	e.log = log

	e.bpm = bufferpool.NewBufferPoolManager(e.cfg.CacheFrames, e.store, e.log, e.logger, e.metrics)
	e.im = indexmanager.New(e.bpm, e.logger)

	if e.dm.NumPages() <= uint64(pagemanager.CatalogPageID) {
		if err := e.bootstrap(); err != nil {
			return err
		}
	}

	watermark, corrupt, err := e.recover(false)
	if err != nil {
		return err
	}

	e.ckpt = flushmanager.NewCheckpointer(e.backgroundCheckpoint, e.cfg.CheckpointInterval, e.cfg.CheckpointRateLimit, e.logger)
	e.tm = transaction.NewTransactionManager(e.log, e.bpm, e.im, watermark, transaction.Options{
		CheckpointIntervalBytes: e.cfg.CheckpointIntervalBytes,
		OnLogGrowth:             e.ckpt.Trigger,
		Metrics:                 e.metrics,
	}, e.logger)
	if corrupt != nil {
		e.tm.MarkCorrupt(corrupt)
	}
	e.ckpt.Start()

	e.logger.Info("engine opened",
		zap.Uint64("pages", e.dm.NumPages()),
		zap.Uint64("watermark", uint64(watermark)))
	return nil
}

// bootstrap writes the empty catalog root of a new file.
func (e *Engine) bootstrap() error {
	id, err := e.dm.AllocatePage()
	if err != nil {
		return err
	}
	if id != pagemanager.CatalogPageID {
		return fmt.Errorf("%w: catalog allocated at page %d", flushmanager.ErrCorruption, id)
	}
	payload := make([]byte, e.store.PayloadSize())
	btree.InitRoot(payload, pagemanager.PageTypeMeta)
	if err := e.store.WritePage(id, payload); err != nil {
		return err
	}
	return e.dm.Sync()
}

// Close checkpoints and closes the file. Transactions still open are left
// unusable.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.ckpt.Stop()
	var errs []error
	if e.tm.Err() == nil {
		e.tm.Lock()
		if _, err := e.log.Checkpoint(checkpointTarget{e}); err != nil {
			errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
		}
		e.tm.Unlock()
	}
	if err := e.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dm.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine closed")
	return errors.Join(errs...)
}

// Path is the database file path.
func (e *Engine) Path() string { return e.path }

func (e *Engine) rlock() error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return flushmanager.ErrEngineClosed
	}
	return nil
}

// Begin starts a snapshot-isolated transaction.
func (e *Engine) Begin() (*Transaction, error) {
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	return e.tm.Begin(), nil
}

// Commit makes tx durable. On error tx is aborted.
func (e *Engine) Commit(tx *Transaction) error {
	if err := e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	return e.tm.Commit(tx)
}

// Rollback discards tx.
func (e *Engine) Rollback(tx *Transaction) error {
	if err := e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	return e.tm.Rollback(tx)
}

// failTx aborts tx after a record operation failed.
func (e *Engine) failTx(tx *Transaction, err error) {
	if errors.Is(err, flushmanager.ErrTxnInvalidState) {
		return
	}
	if errors.Is(err, flushmanager.ErrCorruption) {
		e.tm.MarkCorrupt(err)
	}
	if tx.State == transaction.TxnStateActive {
		e.logger.Debug("aborting transaction after failed operation", zap.Uint64("txnID", tx.ID), zap.Error(err))
		e.tm.Abort(tx, transaction.AbortReason(err))
	}
}

func (e *Engine) do(tx *Transaction, op func() error) error {
	if err := e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	if err := op(); err != nil {
		e.failTx(tx, err)
		return err
	}
	return nil
}

func (e *Engine) Get(tx *Transaction, table string, pk any) (Row, error) {
	var row Row
	err := e.do(tx, func() (err error) {
		row, err = e.im.Get(tx, table, pk)
		return err
	})
	return row, err
}

func (e *Engine) Insert(tx *Transaction, table string, row Row) error {
	return e.do(tx, func() error { return e.im.Insert(tx, table, row) })
}

func (e *Engine) Update(tx *Transaction, table string, row Row) error {
	return e.do(tx, func() error { return e.im.Update(tx, table, row) })
}

func (e *Engine) Delete(tx *Transaction, table string, pk any) error {
	return e.do(tx, func() error { return e.im.Delete(tx, table, pk) })
}

func (e *Engine) CreateTable(tx *Transaction, schema TableSchema) error {
	return e.do(tx, func() error { return e.im.CreateTable(tx, schema) })
}

func (e *Engine) CreateIndex(tx *Transaction, schema IndexSchema) error {
	return e.do(tx, func() error { return e.im.CreateIndex(tx, schema) })
}

func (e *Engine) GetTable(tx *Transaction, table string) (*TableDef, error) {
	var def *TableDef
	err := e.do(tx, func() (err error) {
		def, err = e.im.GetTable(tx, table)
		return err
	})
	return def, err
}

func (e *Engine) Tables(tx *Transaction) ([]*TableDef, error) {
	var defs []*TableDef
	err := e.do(tx, func() (err error) {
		defs, err = e.im.Tables(tx)
		return err
	})
	return defs, err
}

// ScanRange returns the rows of table with lo <= pk < hi. A nil bound is
// open.
func (e *Engine) ScanRange(tx *Transaction, table string, lo, hi any) (*Rows, error) {
	var rows *indexmanager.Rows
	err := e.do(tx, func() (err error) {
		rows, err = e.im.ScanRange(tx, table, lo, hi)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Rows{Rows: rows, e: e, tx: tx}, nil
}

// ScanIndex returns the rows of table whose indexed column is in [lo, hi),
// in index order.
func (e *Engine) ScanIndex(tx *Transaction, table, index string, lo, hi any) (*Rows, error) {
	var rows *indexmanager.Rows
	err := e.do(tx, func() (err error) {
		rows, err = e.im.ScanIndex(tx, table, index, lo, hi)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Rows{Rows: rows, e: e, tx: tx}, nil
}

// Rows iterates a scan. A failed step aborts the scan's transaction.
type Rows struct {
	*indexmanager.Rows
	e  *Engine
	tx *Transaction
}

func (r *Rows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	if err := r.Rows.Err(); err != nil {
		r.e.failTx(r.tx, err)
	}
	return false
}

func (r *Rows) Seek(key any) error {
	if err := r.Rows.Seek(key); err != nil {
		r.e.failTx(r.tx, err)
		return err
	}
	return nil
}
