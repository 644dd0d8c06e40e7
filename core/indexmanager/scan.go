package indexmanager

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/transaction"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
)

// mergeIter walks a tree at the transaction's snapshot merged with the
// transaction's own writes to it, within [lo, hi). Tombstones hide committed
// keys. It re-reads the write set at every step, so writes made while
// iterating are seen once the iterator reaches them.
type mergeIter struct {
	tx     *transaction.Transaction
	tree   string
	cursor *btree.Cursor // nil when the tree has no pages yet
	lo, hi []byte

	from      []byte
	exclusive bool

	key, value []byte
	valid      bool
	err        error
}

func newMergeIter(tx *transaction.Transaction, tree string, bt *btree.BTree, lo, hi []byte) *mergeIter {
	it := &mergeIter{tx: tx, tree: tree, lo: lo, hi: hi}
	if bt != nil {
		it.cursor = bt.Seek(tx.Snapshot(), lo)
	}
	it.from = lo
	it.advance()
	return it
}

// seek repositions the iterator at the first key >= key, never before lo.
func (it *mergeIter) seek(key []byte) {
	if it.lo != nil && bytes.Compare(key, it.lo) < 0 {
		key = it.lo
	}
	it.from, it.exclusive, it.err = key, false, nil
	if it.cursor != nil {
		it.cursor.Seek(key)
	}
	it.advance()
}

func (it *mergeIter) baseBehind() bool {
	k := it.cursor.Key()
	c := bytes.Compare(k, it.from)
	return c < 0 || (c == 0 && it.exclusive)
}

// advance moves to the first visible entry after the current position.
func (it *mergeIter) advance() {
	it.valid = false
	if it.err != nil {
		return
	}
	for {
		w, wok := it.tx.NextWrite(it.tree, it.from, it.exclusive)
		bok := false
		if it.cursor != nil {
			for it.cursor.Valid() && it.from != nil && it.baseBehind() {
				it.cursor.Next()
			}
			if err := it.cursor.Err(); err != nil {
				it.err = err
				return
			}
			bok = it.cursor.Valid()
		}

		switch {
		case !bok && !wok:
			return
		case bok && (!wok || bytes.Compare(it.cursor.Key(), w.Key) < 0):
			it.key, it.value = it.cursor.Key(), it.cursor.Value()
		default:
			if w.Deleted {
				it.from, it.exclusive = w.Key, true
				if it.hi != nil && bytes.Compare(w.Key, it.hi) >= 0 {
					return
				}
				continue
			}
			it.key, it.value = w.Key, w.Value
		}
		if it.hi != nil && bytes.Compare(it.key, it.hi) >= 0 {
			return
		}
		it.valid = true
		it.from, it.exclusive = it.key, true
		return
	}
}

// Rows is a lazy, restartable sequence of rows in key order. Rows read
// through an index are returned in index order.
type Rows struct {
	m     *Manager
	tx    *transaction.Transaction
	def   *TableDef
	index *IndexDef
	it    *mergeIter
	moved bool // it must advance before the next row is loaded
	row   Row
	err   error
}

func newRows(m *Manager, tx *transaction.Transaction, def *TableDef, index *IndexDef, it *mergeIter) *Rows {
	return &Rows{m: m, tx: tx, def: def, index: index, it: it}
}

// Next loads the next row and reports whether there was one.
func (r *Rows) Next() bool {
	r.row = nil
	if r.err != nil {
		return false
	}
	if r.moved {
		r.it.advance()
	}
	r.moved = true
	if !r.it.valid {
		r.err = r.it.err
		return false
	}
	row, err := r.load()
	if err != nil {
		r.err = err
		return false
	}
	r.row = row
	return true
}

func (r *Rows) load() (Row, error) {
	if r.index == nil {
		return decodeRow(r.def, r.it.value)
	}
	pk := r.it.value
	row, found, err := r.m.getRow(r.tx, r.def, pk)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: index %s.%s points at missing row %x", flushmanager.ErrCorruption, r.def.Name, r.index.Name, pk)
	}
	return row, nil
}

// Row returns the row loaded by the last successful Next.
func (r *Rows) Row() Row { return r.row }

// Err returns the error that ended the iteration, if any.
func (r *Rows) Err() error { return r.err }

// Seek restarts the iteration at the first row whose key (the primary key,
// or the indexed value for index scans) is >= key.
func (r *Rows) Seek(key any) error {
	t := r.def.pkType()
	if r.index != nil {
		col, _ := r.def.column(r.index.Column)
		t = col.Type
	}
	enc, err := encodeKey(t, key)
	if err != nil {
		return err
	}
	r.err, r.moved = nil, false
	r.it.seek(enc)
	return nil
}

// Close releases the iterator. Rows hold no pinned pages, so Close only
// stops further iteration.
func (r *Rows) Close() {
	r.it.valid, r.moved = false, false
	r.row = nil
}
