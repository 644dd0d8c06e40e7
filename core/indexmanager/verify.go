package indexmanager

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojolite/core/indexing/btree"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// TreeReport describes one verified tree.
type TreeReport struct {
	Name    string
	Root    pagemanager.PageID
	Pages   int
	Entries int
	Height  int
}

// Report is the result of Verify.
type Report struct {
	Trees []TreeReport
	Pages []pagemanager.PageID // every page reachable from the catalog
}

// TablesAt returns the committed table definitions as of snap.
func (m *Manager) TablesAt(snap pagemanager.LSN) ([]*TableDef, error) {
	c := m.catalog.Seek(snap, []byte(tableKeyPrefix))
	var defs []*TableDef
	for ; c.Valid(); c.Next() {
		if !strings.HasPrefix(string(c.Key()), tableKeyPrefix) {
			break
		}
		def, err := decodeTableDef(c.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, c.Err()
}

type namedTree struct {
	name  string
	tree  *btree.BTree
	table string // set for index trees
}

func (m *Manager) trees(snap pagemanager.LSN) ([]namedTree, error) {
	defs, err := m.TablesAt(snap)
	if err != nil {
		return nil, err
	}
	out := []namedTree{{name: CatalogTree, tree: m.catalog}}
	for _, def := range defs {
		out = append(out, namedTree{name: tableTree(def.Name), tree: btree.Open(m.bpm, def.Root)})
		for _, ix := range def.Indexes {
			out = append(out, namedTree{name: indexTree(def.Name, ix.Name), tree: btree.Open(m.bpm, ix.Root), table: def.Name})
		}
	}
	return out, nil
}

// ReachablePages returns every page reachable from the catalog as of snap.
func (m *Manager) ReachablePages(snap pagemanager.LSN) ([]pagemanager.PageID, error) {
	trees, err := m.trees(snap)
	if err != nil {
		return nil, err
	}
	var pages []pagemanager.PageID
	for _, t := range trees {
		p, err := t.tree.Pages(snap)
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", t.name, err)
		}
		pages = append(pages, p...)
	}
	return pages, nil
}

// Verify checks every tree as of snap, that no page belongs to two trees and
// that every index holds exactly one entry per row.
func (m *Manager) Verify(snap pagemanager.LSN) (*Report, error) {
	trees, err := m.trees(snap)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	owner := make(map[pagemanager.PageID]string)
	rows := make(map[string]int)
	for _, t := range trees {
		st, err := t.tree.Check(snap)
		if err != nil {
			return report, fmt.Errorf("verifying %s: %w", t.name, err)
		}
		for _, id := range st.Pages {
			if prev, dup := owner[id]; dup {
				return report, fmt.Errorf("%w: page %d belongs to both %s and %s", flushmanager.ErrCorruption, id, prev, t.name)
			}
			owner[id] = t.name
		}
		report.Pages = append(report.Pages, st.Pages...)
		report.Trees = append(report.Trees, TreeReport{
			Name:    t.name,
			Root:    t.tree.Root(),
			Pages:   len(st.Pages),
			Entries: st.Entries,
			Height:  st.Height,
		})
		if t.table == "" {
			rows[t.name] = st.Entries
		} else if want := rows[tableTree(t.table)]; st.Entries != want {
			return report, fmt.Errorf("%w: %s has %d entries for %d rows", flushmanager.ErrCorruption, t.name, st.Entries, want)
		}
	}
	return report, nil
}
