package transaction

import (
	"bytes"
	"fmt"
	"slices"
	"sort"

	"github.com/google/btree"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // Operations are being buffered
	TxnStatePreparing                         // Inside Commit, holding or waiting for the commit lock
	TxnStateCommitted                         // Durable and visible to later snapshots
	TxnStateAborted                           // Rolled back, conflicted or failed
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStatePreparing:
		return "preparing"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// WriteItem is one buffered write. Deleted items are tombstones that hide the
// key from the transaction's own reads and remove it at commit.
type WriteItem struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

func lessWriteItem(a, b WriteItem) bool { return bytes.Compare(a.Key, b.Key) < 0 }

const writeSetDegree = 16

type savepoint struct {
	name   string
	writes map[string]*btree.BTreeG[WriteItem]
	reads  map[string]struct{}
}

// Transaction represents an in-memory record of an active transaction. Its
// writes are private until commit. A Transaction must not be used from more
// than one goroutine at a time.
type Transaction struct {
	ID        uint64
	State     TransactionState
	snapshot  pagemanager.LSN
	commitLSN pagemanager.LSN

	writes     map[string]*btree.BTreeG[WriteItem] // tree name -> ordered writes
	reads      map[string]struct{}                 // conflict keys read, see ConflictKey
	savepoints []savepoint
}

func newTransaction(id uint64, snapshot pagemanager.LSN) *Transaction {
	return &Transaction{
		ID:       id,
		State:    TxnStateActive,
		snapshot: snapshot,
		writes:   make(map[string]*btree.BTreeG[WriteItem]),
		reads:    make(map[string]struct{}),
	}
}

// Snapshot is the commit watermark the transaction reads at.
func (tx *Transaction) Snapshot() pagemanager.LSN { return tx.snapshot }

// CommitLSN is the LSN of the commit record once the transaction committed.
func (tx *Transaction) CommitLSN() pagemanager.LSN { return tx.commitLSN }

// ConflictKey joins a tree name and a key into the form used by conflict
// detection.
func ConflictKey(tree string, key []byte) string {
	return tree + "\x00" + string(key)
}

func (tx *Transaction) checkActive() error {
	if tx.State != TxnStateActive {
		return fmt.Errorf("%w: transaction %d is %s", flushmanager.ErrTxnInvalidState, tx.ID, tx.State)
	}
	return nil
}

// CheckActive returns ErrTxnInvalidState unless the transaction is active.
func (tx *Transaction) CheckActive() error { return tx.checkActive() }

func (tx *Transaction) tree(name string) *btree.BTreeG[WriteItem] {
	t, ok := tx.writes[name]
	if !ok {
		t = btree.NewG(writeSetDegree, lessWriteItem)
		tx.writes[name] = t
	}
	return t
}

// Put buffers key=value in tree.
func (tx *Transaction) Put(tree string, key, value []byte) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.tree(tree).ReplaceOrInsert(WriteItem{Key: slices.Clone(key), Value: slices.Clone(value)})
	return nil
}

// Delete buffers a tombstone for key in tree.
func (tx *Transaction) Delete(tree string, key []byte) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.tree(tree).ReplaceOrInsert(WriteItem{Key: slices.Clone(key), Deleted: true})
	return nil
}

// Lookup reports the transaction's own write for key, if any.
func (tx *Transaction) Lookup(tree string, key []byte) (WriteItem, bool) {
	t, ok := tx.writes[tree]
	if !ok {
		return WriteItem{}, false
	}
	return t.Get(WriteItem{Key: key})
}

// AscendWrites calls fn for the writes in tree with key >= from (nil means
// the start) in key order until fn returns false.
func (tx *Transaction) AscendWrites(tree string, from []byte, fn func(WriteItem) bool) {
	t, ok := tx.writes[tree]
	if !ok {
		return
	}
	if from == nil {
		t.Ascend(fn)
		return
	}
	t.AscendGreaterOrEqual(WriteItem{Key: from}, fn)
}

// NextWrite returns the first write in tree with key >= from (or > from when
// exclusive is set).
func (tx *Transaction) NextWrite(tree string, from []byte, exclusive bool) (WriteItem, bool) {
	var out WriteItem
	found := false
	tx.AscendWrites(tree, from, func(it WriteItem) bool {
		if exclusive && from != nil && bytes.Equal(it.Key, from) {
			return true
		}
		out, found = it, true
		return false
	})
	return out, found
}

// AddRead records a key whose value the transaction depends on. A commit of
// that key by another transaction after this one's snapshot is a conflict.
func (tx *Transaction) AddRead(tree string, key []byte) {
	tx.reads[ConflictKey(tree, key)] = struct{}{}
}

// Trees returns the names of the trees the transaction wrote to, sorted.
func (tx *Transaction) Trees() []string {
	names := make([]string, 0, len(tx.writes))
	for name, t := range tx.writes {
		if t.Len() > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IsReadOnly reports whether the transaction buffered no writes.
func (tx *Transaction) IsReadOnly() bool {
	for _, t := range tx.writes {
		if t.Len() > 0 {
			return false
		}
	}
	return true
}

// WriteCount is the total number of buffered writes.
func (tx *Transaction) WriteCount() int {
	n := 0
	for _, t := range tx.writes {
		n += t.Len()
	}
	return n
}

func (tx *Transaction) writeKeys() map[string]struct{} {
	keys := make(map[string]struct{}, tx.WriteCount())
	for name, t := range tx.writes {
		t.Ascend(func(it WriteItem) bool {
			keys[ConflictKey(name, it.Key)] = struct{}{}
			return true
		})
	}
	return keys
}

func (tx *Transaction) discard() {
	tx.writes = make(map[string]*btree.BTreeG[WriteItem])
	tx.reads = make(map[string]struct{})
	tx.savepoints = nil
}

// --- Savepoints ---

func cloneWrites(w map[string]*btree.BTreeG[WriteItem]) map[string]*btree.BTreeG[WriteItem] {
	out := make(map[string]*btree.BTreeG[WriteItem], len(w))
	for name, t := range w {
		out[name] = t.Clone()
	}
	return out
}

func cloneReads(r map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(r))
	for k := range r {
		out[k] = struct{}{}
	}
	return out
}

// Savepoint marks the current write set under name. Reusing a name replaces
// the older savepoint.
func (tx *Transaction) Savepoint(name string) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.savepoints = slices.DeleteFunc(tx.savepoints, func(sp savepoint) bool { return sp.name == name })
	tx.savepoints = append(tx.savepoints, savepoint{name: name, writes: cloneWrites(tx.writes), reads: cloneReads(tx.reads)})
	return nil
}

func (tx *Transaction) findSavepoint(name string) (int, error) {
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", flushmanager.ErrSavepointNotFound, name)
}

// RollbackTo restores the write set saved under name. The savepoint itself
// is kept; later savepoints are discarded.
func (tx *Transaction) RollbackTo(name string) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	i, err := tx.findSavepoint(name)
	if err != nil {
		return err
	}
	sp := tx.savepoints[i]
	tx.writes = cloneWrites(sp.writes)
	tx.reads = cloneReads(sp.reads)
	tx.savepoints = tx.savepoints[:i+1]
	return nil
}

// Release forgets the savepoint name and every savepoint after it, keeping
// the writes made since.
func (tx *Transaction) Release(name string) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	i, err := tx.findSavepoint(name)
	if err != nil {
		return err
	}
	tx.savepoints = tx.savepoints[:i]
	return nil
}
