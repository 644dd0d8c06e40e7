package btree

import (
	"bytes"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// TreeStats summarizes one walk over a tree.
type TreeStats struct {
	Pages   []pagemanager.PageID
	Entries int
	Height  int
}

// Pages returns every page reachable from the root as of snap.
func (t *BTree) Pages(snap pagemanager.LSN) ([]pagemanager.PageID, error) {
	st, err := t.walk(snap, false)
	return st.Pages, err
}

// Check walks the whole tree as of snap and verifies its structure: every
// node decodes, keys are strictly increasing and inside the bounds set by the
// parent, all leaves are at the same depth and no page is reached twice.
func (t *BTree) Check(snap pagemanager.LSN) (TreeStats, error) {
	return t.walk(snap, true)
}

type walker struct {
	tree      *BTree
	snap      pagemanager.LSN
	verify    bool
	pageType  byte
	seen      map[pagemanager.PageID]struct{}
	leafDepth int
	stats     TreeStats
}

func (t *BTree) walk(snap pagemanager.LSN, verify bool) (TreeStats, error) {
	w := &walker{
		tree:      t,
		snap:      snap,
		verify:    verify,
		seen:      make(map[pagemanager.PageID]struct{}),
		leafDepth: -1,
	}
	if err := t.bpm.View(t.root, snap, func(data []byte) error {
		w.pageType = pagemanager.GetPageType(data)
		return nil
	}); err != nil {
		return w.stats, err
	}
	err := w.visit(t.root, nil, nil, 0)
	return w.stats, err
}

// visit checks the subtree at pageID whose keys must lie in [lo, hi); nil
// bounds are open.
func (w *walker) visit(pageID pagemanager.PageID, lo, hi []byte, depth int) error {
	if depth >= maxHeight {
		return corruptNode("tree rooted at page %d is deeper than %d levels", w.tree.root, maxHeight)
	}
	if _, dup := w.seen[pageID]; dup {
		return corruptNode("page %d is reachable twice", pageID)
	}
	w.seen[pageID] = struct{}{}
	w.stats.Pages = append(w.stats.Pages, pageID)

	var n *node
	var pageType byte
	err := w.tree.bpm.View(pageID, w.snap, func(data []byte) error {
		pageType = pagemanager.GetPageType(data)
		var err error
		n, err = decodeNode(data)
		return err
	})
	if err != nil {
		return err
	}

	if w.verify {
		if pageType != w.pageType {
			return corruptNode("page %d has type %d, tree pages have type %d", pageID, pageType, w.pageType)
		}
		for i, k := range n.keys {
			if i > 0 && bytes.Compare(n.keys[i-1], k) >= 0 {
				return corruptNode("keys of page %d are not sorted at position %d", pageID, i)
			}
			if lo != nil && bytes.Compare(k, lo) < 0 {
				return corruptNode("key %x on page %d is below its separator %x", k, pageID, lo)
			}
			if hi != nil && bytes.Compare(k, hi) >= 0 {
				return corruptNode("key %x on page %d is not below the next separator %x", k, pageID, hi)
			}
		}
	}

	if n.leaf {
		w.stats.Entries += len(n.keys)
		switch {
		case w.leafDepth < 0:
			w.leafDepth = depth
			w.stats.Height = depth + 1
		case w.verify && w.leafDepth != depth:
			return corruptNode("leaf %d is at depth %d, expected %d", pageID, depth, w.leafDepth)
		}
		return nil
	}

	for i, child := range n.children {
		childLo, childHi := lo, hi
		if i > 0 {
			childLo = n.keys[i-1]
		}
		if i < len(n.keys) {
			childHi = n.keys[i]
		}
		if err := w.visit(child, childLo, childHi, depth+1); err != nil {
			return err
		}
	}
	return nil
}
