package indexmanager

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/transaction"
	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Apply writes tx's buffered writes into the trees. Catalog changes go
// first so tables and indexes created by tx get their root pages before
// their rows are written. It runs under the commit lock.
func (m *Manager) Apply(tx *transaction.Transaction, ps *bufferpool.PageSet) (func(pagemanager.LSN), error) {
	defs, created, err := m.applyCatalog(tx, ps)
	if err != nil {
		return nil, err
	}

	for _, name := range tx.Trees() {
		if name == CatalogTree {
			continue
		}
		root, err := m.resolveRoot(tx, defs, name)
		if err != nil {
			return nil, err
		}
		tree := btree.Open(m.bpm, root)
		tx.AscendWrites(name, nil, func(it transaction.WriteItem) bool {
			if it.Deleted {
				_, err = tree.Delete(ps, it.Key)
			} else {
				err = tree.Put(ps, it.Key, it.Value)
			}
			return err == nil
		})
		if err != nil {
			return nil, fmt.Errorf("applying writes to %s: %w", name, err)
		}
	}

	if len(created) == 0 {
		return nil, nil
	}
	return func(commitLSN pagemanager.LSN) {
		m.logger.Info("schema committed", zap.Strings("objects", created), zap.Uint64("commitLSN", uint64(commitLSN)))
	}, nil
}

// applyCatalog allocates root pages for new tables and indexes and writes
// the catalog entries. It returns the definitions it wrote by table name.
func (m *Manager) applyCatalog(tx *transaction.Transaction, ps *bufferpool.PageSet) (map[string]*TableDef, []string, error) {
	defs := make(map[string]*TableDef)
	var created []string
	var err error
	tx.AscendWrites(CatalogTree, nil, func(it transaction.WriteItem) bool {
		if it.Deleted {
			err = fmt.Errorf("%w: removing catalog entry %q is not supported", flushmanager.ErrSchema, it.Key)
			return false
		}
		var def *TableDef
		if def, err = decodeTableDef(it.Value); err != nil {
			return false
		}
		if def.Root == pagemanager.InvalidPageID {
			if def.Root, err = btree.Create(ps, pagemanager.PageTypeData); err != nil {
				return false
			}
			created = append(created, "table "+def.Name)
		}
		for i := range def.Indexes {
			if def.Indexes[i].Root != pagemanager.InvalidPageID {
				continue
			}
			if def.Indexes[i].Root, err = btree.Create(ps, pagemanager.PageTypeIndex); err != nil {
				return false
			}
			created = append(created, "index "+def.Name+"."+def.Indexes[i].Name)
		}
		var data []byte
		if data, err = json.Marshal(def); err != nil {
			err = fmt.Errorf("%w: %v", flushmanager.ErrSerialization, err)
			return false
		}
		if err = m.catalog.Put(ps, it.Key, data); err != nil {
			return false
		}
		defs[def.Name] = def
		return true
	})
	return defs, created, err
}

// resolveRoot maps a write-set tree name to its root page.
func (m *Manager) resolveRoot(tx *transaction.Transaction, defs map[string]*TableDef, name string) (pagemanager.PageID, error) {
	var table, index string
	switch {
	case strings.HasPrefix(name, "t:"):
		table = name[2:]
	case strings.HasPrefix(name, "i:"):
		var ok bool
		table, index, ok = strings.Cut(name[2:], ":")
		if !ok {
			return 0, fmt.Errorf("%w: malformed tree name %q", flushmanager.ErrSchema, name)
		}
	default:
		return 0, fmt.Errorf("%w: unknown tree %q", flushmanager.ErrSchema, name)
	}

	def, ok := defs[table]
	if !ok {
		data, found, err := m.catalog.Get(tx.Snapshot(), catalogKey(table))
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("%w: %s", flushmanager.ErrTableNotFound, table)
		}
		if def, err = decodeTableDef(data); err != nil {
			return 0, err
		}
		defs[table] = def
	}

	root := def.Root
	if index != "" {
		ix, ok := def.index(index)
		if !ok {
			return 0, fmt.Errorf("%w: %s on table %s", flushmanager.ErrIndexNotFound, index, table)
		}
		root = ix.Root
	}
	if root == pagemanager.InvalidPageID {
		return 0, fmt.Errorf("%w: tree %s has no root page", flushmanager.ErrCorruption, name)
	}
	return root, nil
}
