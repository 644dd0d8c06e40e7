package indexmanager

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/transaction"
	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// CatalogTree names the catalog in transaction write sets. The catalog tree
// is rooted at page 1 and maps "table:<name>" to a JSON TableDef.
const CatalogTree = "catalog"

const tableKeyPrefix = "table:"

func catalogKey(table string) []byte { return []byte(tableKeyPrefix + table) }

// Write-set names of row and index trees.
func tableTree(table string) string        { return "t:" + table }
func indexTree(table, index string) string { return "i:" + table + ":" + index }

// Manager maps tables and secondary indexes onto B+trees. Record operations
// only buffer writes in the transaction; Apply moves them into the trees at
// commit.
type Manager struct {
	bpm     *bufferpool.BufferPoolManager
	catalog *btree.BTree
	logger  *zap.Logger
}

var _ transaction.Applier = (*Manager)(nil)

func New(bpm *bufferpool.BufferPoolManager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		bpm:     bpm,
		catalog: btree.Open(bpm, pagemanager.CatalogPageID),
		logger:  logger.Named("indexmanager"),
	}
}

// lookup reads key from a tree as tx sees it: its own writes first, then the
// committed tree at its snapshot.
func (m *Manager) lookup(tx *transaction.Transaction, tree string, root pagemanager.PageID, key []byte) ([]byte, bool, error) {
	if it, ok := tx.Lookup(tree, key); ok {
		if it.Deleted {
			return nil, false, nil
		}
		return it.Value, true, nil
	}
	if root == pagemanager.InvalidPageID {
		return nil, false, nil
	}
	return btree.Open(m.bpm, root).Get(tx.Snapshot(), key)
}

// tableDef returns the definition of table as tx sees it and records the
// dependency, so a concurrent schema change makes tx's commit conflict.
func (m *Manager) tableDef(tx *transaction.Transaction, table string) (*TableDef, error) {
	key := catalogKey(table)
	tx.AddRead(CatalogTree, key)
	data, found, err := m.lookup(tx, CatalogTree, m.catalog.Root(), key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrTableNotFound, table)
	}
	return decodeTableDef(data)
}

func decodeTableDef(data []byte) (*TableDef, error) {
	var def TableDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: catalog entry: %v", flushmanager.ErrCorruption, err)
	}
	return &def, nil
}

// catalogEntry encodes def and makes sure it still fits once its root pages
// are assigned.
func (m *Manager) catalogEntry(def *TableDef) ([]byte, error) {
	widest := *def
	widest.Root = math.MaxUint64
	widest.Indexes = slices.Clone(def.Indexes)
	for i := range widest.Indexes {
		widest.Indexes[i].Root = math.MaxUint64
	}
	full, err := json.Marshal(&widest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flushmanager.ErrSerialization, err)
	}
	if err := m.catalog.CheckEntry(catalogKey(def.Name), full); err != nil {
		return nil, fmt.Errorf("schema of table %s: %w", def.Name, err)
	}
	return json.Marshal(def)
}

// GetTable returns the definition of table.
func (m *Manager) GetTable(tx *transaction.Transaction, table string) (*TableDef, error) {
	if err := tx.CheckActive(); err != nil {
		return nil, err
	}
	return m.tableDef(tx, table)
}

// Tables lists the tables visible to tx in name order.
func (m *Manager) Tables(tx *transaction.Transaction) ([]*TableDef, error) {
	if err := tx.CheckActive(); err != nil {
		return nil, err
	}
	it := newMergeIter(tx, CatalogTree, m.catalog, []byte(tableKeyPrefix), nil)
	var defs []*TableDef
	for ; it.valid; it.advance() {
		if !strings.HasPrefix(string(it.key), tableKeyPrefix) {
			break
		}
		def, err := decodeTableDef(it.value)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, it.err
}

// CreateTable adds a table. The table's tree is allocated when tx commits.
func (m *Manager) CreateTable(tx *transaction.Transaction, schema TableSchema) error {
	if err := tx.CheckActive(); err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	key := catalogKey(schema.Name)
	_, found, err := m.lookup(tx, CatalogTree, m.catalog.Root(), key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", flushmanager.ErrTableExists, schema.Name)
	}
	schema.Columns = slices.Clone(schema.Columns)
	for i := range schema.Columns {
		schema.Columns[i].Type, _ = ParseColumnType(string(schema.Columns[i].Type))
	}
	data, err := m.catalogEntry(&TableDef{TableSchema: schema})
	if err != nil {
		return err
	}
	return tx.Put(CatalogTree, key, data)
}

// CreateIndex adds a secondary index and fills it from the rows tx sees.
func (m *Manager) CreateIndex(tx *transaction.Transaction, schema IndexSchema) error {
	if err := tx.CheckActive(); err != nil {
		return err
	}
	if err := checkIdentifier("index", schema.Name); err != nil {
		return err
	}
	def, err := m.tableDef(tx, schema.Table)
	if err != nil {
		return err
	}
	if _, exists := def.index(schema.Name); exists {
		return fmt.Errorf("%w: %s on table %s", flushmanager.ErrIndexExists, schema.Name, schema.Table)
	}
	if _, ok := def.column(schema.Column); !ok {
		return fmt.Errorf("%w: table %s has no column %s", flushmanager.ErrSchema, schema.Table, schema.Column)
	}
	ix := IndexDef{Name: schema.Name, Column: schema.Column}
	def.Indexes = append(def.Indexes, ix)
	data, err := m.catalogEntry(def)
	if err != nil {
		return err
	}

	rows := newRows(m, tx, def, nil, newMergeIter(tx, tableTree(def.Name), m.treeOrNil(def.Root), nil, nil))
	n := 0
	for rows.Next() {
		row := rows.Row()
		pk := appendKey(nil, row[def.PrimaryKey])
		if err := m.putIndexEntry(tx, def, ix, row, pk); err != nil {
			return err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	m.logger.Debug("index backfilled", zap.String("table", def.Name), zap.String("index", ix.Name), zap.Int("rows", n))
	return tx.Put(CatalogTree, catalogKey(def.Name), data)
}

func (m *Manager) treeOrNil(root pagemanager.PageID) *btree.BTree {
	if root == pagemanager.InvalidPageID {
		return nil
	}
	return btree.Open(m.bpm, root)
}

func indexKey(ix IndexDef, row Row, pk []byte) []byte {
	return append(appendKey(nil, row[ix.Column]), pk...)
}

func (m *Manager) putIndexEntry(tx *transaction.Transaction, def *TableDef, ix IndexDef, row Row, pk []byte) error {
	key := indexKey(ix, row, pk)
	if err := m.catalog.CheckEntry(key, pk); err != nil {
		return fmt.Errorf("index %s.%s: %w", def.Name, ix.Name, err)
	}
	return tx.Put(indexTree(def.Name, ix.Name), key, pk)
}

// --- Record operations ---

func (m *Manager) getRow(tx *transaction.Transaction, def *TableDef, pk []byte) (Row, bool, error) {
	data, found, err := m.lookup(tx, tableTree(def.Name), def.Root, pk)
	if err != nil || !found {
		return nil, false, err
	}
	row, err := decodeRow(def, data)
	return row, err == nil, err
}

// Get returns the row whose primary key is pk.
func (m *Manager) Get(tx *transaction.Transaction, table string, pk any) (Row, error) {
	if err := tx.CheckActive(); err != nil {
		return nil, err
	}
	def, err := m.tableDef(tx, table)
	if err != nil {
		return nil, err
	}
	key, err := encodeKey(def.pkType(), pk)
	if err != nil {
		return nil, err
	}
	row, found, err := m.getRow(tx, def, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s[%v]", flushmanager.ErrKeyNotFound, table, pk)
	}
	return row, nil
}

func (m *Manager) writeRow(tx *transaction.Transaction, def *TableDef, row Row, pk []byte) error {
	value, err := encodeRow(def, row)
	if err != nil {
		return err
	}
	if err := m.catalog.CheckEntry(pk, value); err != nil {
		return fmt.Errorf("row of table %s: %w", def.Name, err)
	}
	for _, ix := range def.Indexes {
		if err := m.putIndexEntry(tx, def, ix, row, pk); err != nil {
			return err
		}
	}
	return tx.Put(tableTree(def.Name), pk, value)
}

func (m *Manager) removeIndexEntries(tx *transaction.Transaction, def *TableDef, row Row, pk []byte) error {
	for _, ix := range def.Indexes {
		if err := tx.Delete(indexTree(def.Name, ix.Name), indexKey(ix, row, pk)); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds a row; its primary key must not exist yet.
func (m *Manager) Insert(tx *transaction.Transaction, table string, row Row) error {
	if err := tx.CheckActive(); err != nil {
		return err
	}
	def, err := m.tableDef(tx, table)
	if err != nil {
		return err
	}
	norm, err := def.normalizeRow(row)
	if err != nil {
		return err
	}
	pk := appendKey(nil, norm[def.PrimaryKey])
	_, found, err := m.lookup(tx, tableTree(table), def.Root, pk)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s[%v]", flushmanager.ErrKeyExists, table, norm[def.PrimaryKey])
	}
	return m.writeRow(tx, def, norm, pk)
}

// Update replaces the row with the same primary key as row.
func (m *Manager) Update(tx *transaction.Transaction, table string, row Row) error {
	if err := tx.CheckActive(); err != nil {
		return err
	}
	def, err := m.tableDef(tx, table)
	if err != nil {
		return err
	}
	norm, err := def.normalizeRow(row)
	if err != nil {
		return err
	}
	pk := appendKey(nil, norm[def.PrimaryKey])
	old, found, err := m.getRow(tx, def, pk)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s[%v]", flushmanager.ErrKeyNotFound, table, norm[def.PrimaryKey])
	}
	if err := m.removeIndexEntries(tx, def, old, pk); err != nil {
		return err
	}
	return m.writeRow(tx, def, norm, pk)
}

// Delete removes the row whose primary key is pk.
func (m *Manager) Delete(tx *transaction.Transaction, table string, pk any) error {
	if err := tx.CheckActive(); err != nil {
		return err
	}
	def, err := m.tableDef(tx, table)
	if err != nil {
		return err
	}
	key, err := encodeKey(def.pkType(), pk)
	if err != nil {
		return err
	}
	old, found, err := m.getRow(tx, def, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s[%v]", flushmanager.ErrKeyNotFound, table, pk)
	}
	if err := m.removeIndexEntries(tx, def, old, key); err != nil {
		return err
	}
	return tx.Delete(tableTree(table), key)
}

// ScanRange iterates the rows with lo <= primary key < hi in key order. A nil
// bound is open.
func (m *Manager) ScanRange(tx *transaction.Transaction, table string, lo, hi any) (*Rows, error) {
	if err := tx.CheckActive(); err != nil {
		return nil, err
	}
	def, err := m.tableDef(tx, table)
	if err != nil {
		return nil, err
	}
	loKey, hiKey, err := encodeBounds(def.pkType(), lo, hi)
	if err != nil {
		return nil, err
	}
	it := newMergeIter(tx, tableTree(table), m.treeOrNil(def.Root), loKey, hiKey)
	return newRows(m, tx, def, nil, it), nil
}

// ScanIndex iterates the rows whose indexed column lies in [lo, hi), ordered
// by that column and then by primary key.
func (m *Manager) ScanIndex(tx *transaction.Transaction, table, index string, lo, hi any) (*Rows, error) {
	if err := tx.CheckActive(); err != nil {
		return nil, err
	}
	def, err := m.tableDef(tx, table)
	if err != nil {
		return nil, err
	}
	ix, ok := def.index(index)
	if !ok {
		return nil, fmt.Errorf("%w: %s on table %s", flushmanager.ErrIndexNotFound, index, table)
	}
	col, _ := def.column(ix.Column)
	loKey, hiKey, err := encodeBounds(col.Type, lo, hi)
	if err != nil {
		return nil, err
	}
	it := newMergeIter(tx, indexTree(table, index), m.treeOrNil(ix.Root), loKey, hiKey)
	return newRows(m, tx, def, &ix, it), nil
}

func encodeBounds(t ColumnType, lo, hi any) ([]byte, []byte, error) {
	var loKey, hiKey []byte
	var err error
	if lo != nil {
		if loKey, err = encodeKey(t, lo); err != nil {
			return nil, nil, err
		}
	}
	if hi != nil {
		if hiKey, err = encodeKey(t, hi); err != nil {
			return nil, nil, err
		}
	}
	return loKey, hiKey, nil
}
