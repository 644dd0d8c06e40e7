package btree

import (
	"fmt"

	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// maxHeight bounds descents so a corrupt child pointer cannot loop forever.
const maxHeight = 64

// BTree is a handle on a B+tree of byte keys and values rooted at a fixed
// page. The root never moves: a root split copies both halves to new pages
// and turns the root into an internal node.
//
// Writers modify pages through a PageSet under the commit lock and crab
// exclusive frame latches top-down. Readers see the tree as of a snapshot
// through BufferPoolManager.View and take no latch across pages.
type BTree struct {
	root pagemanager.PageID
	bpm  *bufferpool.BufferPoolManager
}

// Open returns a handle on the tree rooted at root.
func Open(bpm *bufferpool.BufferPoolManager, root pagemanager.PageID) *BTree {
	return &BTree{root: root, bpm: bpm}
}

// Create allocates an empty tree whose pages have type pageType and returns
// its root page.
func Create(ps *bufferpool.PageSet, pageType byte) (pagemanager.PageID, error) {
	page, err := ps.Allocate(pageType, pagemanager.FlagLeaf)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	defer ps.Release(page)
	return page.GetPageID(), nil
}

// InitRoot formats data as the empty root leaf of a tree.
func InitRoot(data []byte, pageType byte) {
	pagemanager.FormatPage(data, pageType, pagemanager.FlagLeaf, pagemanager.InvalidLSN)
}

func (t *BTree) Root() pagemanager.PageID { return t.root }

func (t *BTree) payload() int  { return t.bpm.PayloadSize() }
func (t *BTree) capacity() int { return t.payload() - nodeHeaderSize }
func (t *BTree) minFill() int  { return t.capacity() / 4 }

// MaxEntrySize is the largest encoded key plus value a leaf accepts.
func (t *BTree) MaxEntrySize() int { return t.capacity() / 4 }

// CheckEntry reports ErrRecordTooLarge if key and value cannot be stored.
func (t *BTree) CheckEntry(key, value []byte) error {
	if size := leafEntryOverhead + len(key) + len(value); size > t.MaxEntrySize() {
		return fmt.Errorf("%w: entry of %d bytes exceeds the %d byte limit", flushmanager.ErrRecordTooLarge, size, t.MaxEntrySize())
	}
	return nil
}

// --- Snapshot reads ---

func (t *BTree) viewNode(pageID pagemanager.PageID, snap pagemanager.LSN) (*node, error) {
	var n *node
	err := t.bpm.View(pageID, snap, func(data []byte) error {
		var err error
		n, err = decodeNode(data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading tree page %d: %w", pageID, err)
	}
	return n, nil
}

// Get returns the value stored under key as of snap.
func (t *BTree) Get(snap pagemanager.LSN, key []byte) ([]byte, bool, error) {
	pageID := t.root
	for depth := 0; depth < maxHeight; depth++ {
		n, err := t.viewNode(pageID, snap)
		if err != nil {
			return nil, false, err
		}
		if n.leaf {
			i, found := n.search(key)
			if !found {
				return nil, false, nil
			}
			return n.values[i], true, nil
		}
		pageID = n.children[n.childIndex(key)]
	}
	return nil, false, corruptNode("tree rooted at page %d is deeper than %d levels", t.root, maxHeight)
}

// --- Writes ---

type latchedNode struct {
	page *pagemanager.Page
	node *node
	idx  int // child taken during the descent
}

// writePath is the run of exclusively latched pages from the lowest node
// that may still change down to the leaf.
type writePath struct {
	ps    *bufferpool.PageSet
	nodes []latchedNode
}

func (p *writePath) top() *latchedNode { return &p.nodes[len(p.nodes)-1] }

func (p *writePath) releaseAll() {
	for _, l := range p.nodes {
		l.page.Unlock()
		p.ps.Release(l.page)
	}
	p.nodes = p.nodes[:0]
}

// descend latches the path to the leaf covering key. Whenever a child is
// safe for the pending change every latch above it is released.
func (t *BTree) descend(ps *bufferpool.PageSet, key []byte, safe func(*node) bool) (*writePath, error) {
	path := &writePath{ps: ps}
	pageID := t.root
	for depth := 0; depth < maxHeight; depth++ {
		page, err := ps.Fetch(pageID)
		if err != nil {
			path.releaseAll()
			return nil, err
		}
		page.Lock()
		n, err := decodeNode(page.GetData())
		if err != nil {
			page.Unlock()
			ps.Release(page)
			path.releaseAll()
			return nil, fmt.Errorf("reading tree page %d: %w", pageID, err)
		}
		if len(path.nodes) > 0 && safe(n) {
			path.releaseAll()
		}
		path.nodes = append(path.nodes, latchedNode{page: page, node: n})
		if n.leaf {
			return path, nil
		}
		idx := n.childIndex(key)
		path.top().idx = idx
		pageID = n.children[idx]
	}
	path.releaseAll()
	return nil, corruptNode("tree rooted at page %d is deeper than %d levels", t.root, maxHeight)
}

// write stores n in a latched page that belongs to the commit.
func (t *BTree) write(ps *bufferpool.PageSet, page *pagemanager.Page, n *node) error {
	ps.MarkDirty(page)
	return n.encode(page.GetData())
}

// newNodePage allocates a page of the same type as like and stores n in it.
func (t *BTree) newNodePage(ps *bufferpool.PageSet, like *pagemanager.Page, n *node) (pagemanager.PageID, error) {
	var flags byte
	if n.leaf {
		flags = pagemanager.FlagLeaf
	}
	page, err := ps.Allocate(pagemanager.GetPageType(like.GetData()), flags)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	defer ps.Release(page)
	page.Lock()
	defer page.Unlock()
	if err := t.write(ps, page, n); err != nil {
		return pagemanager.InvalidPageID, err
	}
	return page.GetPageID(), nil
}

// Put inserts or replaces key.
func (t *BTree) Put(ps *bufferpool.PageSet, key, value []byte) error {
	if err := t.CheckEntry(key, value); err != nil {
		return err
	}
	leafGrowth := leafEntryOverhead + len(key) + len(value)
	sepGrowth := internalEntryOverhead + t.MaxEntrySize()
	path, err := t.descend(ps, key, func(n *node) bool {
		if n.leaf {
			return n.size()+leafGrowth <= t.payload()
		}
		return n.size()+sepGrowth <= t.payload()
	})
	if err != nil {
		return err
	}
	defer path.releaseAll()

	leaf := path.top().node
	if i, found := leaf.search(key); found {
		leaf.values[i] = value
	} else {
		leaf.insertLeaf(i, key, value)
	}
	return t.splitUp(ps, path)
}

// splitUp writes the modified bottom of path, splitting nodes that overflow
// and inserting their separators into the latched parents.
func (t *BTree) splitUp(ps *bufferpool.PageSet, path *writePath) error {
	for level := len(path.nodes) - 1; level >= 0; level-- {
		cur := &path.nodes[level]
		if cur.node.size() <= t.payload() {
			return t.write(ps, cur.page, cur.node)
		}
		left, right, sep := cur.node.split()
		if cur.page.GetPageID() == t.root {
			return t.splitRoot(ps, cur.page, left, right, sep)
		}
		if level == 0 {
			return corruptNode("split of page %d has no latched parent", cur.page.GetPageID())
		}
		rightID, err := t.newNodePage(ps, cur.page, right)
		if err != nil {
			return err
		}
		if err := t.write(ps, cur.page, left); err != nil {
			return err
		}
		parent := &path.nodes[level-1]
		parent.node.insertChild(parent.idx, sep, rightID)
	}
	return nil
}

func (t *BTree) splitRoot(ps *bufferpool.PageSet, root *pagemanager.Page, left, right *node, sep []byte) error {
	leftID, err := t.newNodePage(ps, root, left)
	if err != nil {
		return err
	}
	rightID, err := t.newNodePage(ps, root, right)
	if err != nil {
		return err
	}
	return t.write(ps, root, &node{keys: [][]byte{sep}, children: []pagemanager.PageID{leftID, rightID}})
}

// Delete removes key and reports whether it was present.
func (t *BTree) Delete(ps *bufferpool.PageSet, key []byte) (bool, error) {
	shrink := internalEntryOverhead + t.MaxEntrySize()
	path, err := t.descend(ps, key, func(n *node) bool {
		return n.size()-nodeHeaderSize-shrink >= t.minFill()
	})
	if err != nil {
		return false, err
	}
	defer path.releaseAll()

	leaf := path.top().node
	i, found := leaf.search(key)
	if !found {
		return false, nil
	}
	leaf.removeLeaf(i)
	return true, t.mergeUp(ps, path)
}

// mergeUp writes the modified bottom of path, merging underfull nodes into a
// sibling when the union fits and removing the separator from the parent.
func (t *BTree) mergeUp(ps *bufferpool.PageSet, path *writePath) error {
	for level := len(path.nodes) - 1; level >= 0; level-- {
		cur := &path.nodes[level]
		if cur.page.GetPageID() == t.root {
			if !cur.node.leaf && len(cur.node.keys) == 0 {
				return t.collapseRoot(ps, cur)
			}
			return t.write(ps, cur.page, cur.node)
		}
		if level == 0 || cur.node.size()-nodeHeaderSize >= t.minFill() {
			return t.write(ps, cur.page, cur.node)
		}
		merged, err := t.mergeWithSibling(ps, &path.nodes[level-1], cur)
		if err != nil {
			return err
		}
		if !merged {
			return t.write(ps, cur.page, cur.node)
		}
	}
	return nil
}

func (t *BTree) mergeWithSibling(ps *bufferpool.PageSet, parent, cur *latchedNode) (bool, error) {
	pn := parent.node
	var sepIdx int
	var siblingID pagemanager.PageID
	curIsLeft := false
	switch {
	case parent.idx > 0:
		sepIdx = parent.idx - 1
		siblingID = pn.children[parent.idx-1]
	case parent.idx+1 < len(pn.children):
		sepIdx = parent.idx
		siblingID = pn.children[parent.idx+1]
		curIsLeft = true
	default:
		return false, nil
	}

	sibling, err := ps.Fetch(siblingID)
	if err != nil {
		return false, err
	}
	defer ps.Release(sibling)
	sibling.Lock()
	defer sibling.Unlock()
	sn, err := decodeNode(sibling.GetData())
	if err != nil {
		return false, fmt.Errorf("reading tree page %d: %w", siblingID, err)
	}
	if sn.leaf != cur.node.leaf {
		return false, corruptNode("siblings %d and %d are on different levels", siblingID, cur.page.GetPageID())
	}

	left, right := sn, cur.node
	leftPage, rightPage := sibling, cur.page
	if curIsLeft {
		left, right = right, left
		leftPage, rightPage = rightPage, leftPage
	}
	m := merge(left, right, pn.keys[sepIdx])
	if m.size() > t.payload() {
		return false, nil
	}
	if err := t.write(ps, leftPage, m); err != nil {
		return false, err
	}
	ps.Free(rightPage.GetPageID())
	pn.removeChild(sepIdx)
	return true, nil
}

// collapseRoot pulls the only child of an empty internal root into the root
// page, shrinking the tree by one level.
func (t *BTree) collapseRoot(ps *bufferpool.PageSet, root *latchedNode) error {
	childID := root.node.children[0]
	child, err := ps.Fetch(childID)
	if err != nil {
		return err
	}
	defer ps.Release(child)
	child.Lock()
	defer child.Unlock()
	cn, err := decodeNode(child.GetData())
	if err != nil {
		return fmt.Errorf("reading tree page %d: %w", childID, err)
	}
	if err := t.write(ps, root.page, cn); err != nil {
		return err
	}
	ps.Free(childID)
	return nil
}
