package btree

import (
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

type cursorLevel struct {
	node *node
	idx  int
}

// Cursor iterates a tree in key order as of one snapshot. Nodes are decoded
// lazily as the cursor moves; no page stays pinned between calls.
type Cursor struct {
	tree  *BTree
	snap  pagemanager.LSN
	stack []cursorLevel // internal nodes above the current leaf
	leaf  *node
	pos   int
	err   error
}

// Seek returns a cursor positioned at the first key >= key (nil means the
// first key of the tree).
func (t *BTree) Seek(snap pagemanager.LSN, key []byte) *Cursor {
	c := &Cursor{tree: t, snap: snap}
	c.Seek(key)
	return c
}

// Seek repositions the cursor at the first key >= key.
func (c *Cursor) Seek(key []byte) {
	c.stack = c.stack[:0]
	c.leaf, c.pos, c.err = nil, 0, nil
	pageID := c.tree.root
	for depth := 0; ; depth++ {
		if depth >= maxHeight {
			c.err = corruptNode("tree rooted at page %d is deeper than %d levels", c.tree.root, maxHeight)
			return
		}
		n, err := c.tree.viewNode(pageID, c.snap)
		if err != nil {
			c.err = err
			return
		}
		if n.leaf {
			c.leaf = n
			c.pos, _ = n.search(key)
			break
		}
		idx := 0
		if key != nil {
			idx = n.childIndex(key)
		}
		c.stack = append(c.stack, cursorLevel{node: n, idx: idx})
		pageID = n.children[idx]
	}
	c.skipExhausted()
}

// skipExhausted moves to the next non-empty leaf while the current one has
// no entries left.
func (c *Cursor) skipExhausted() {
	for c.err == nil && c.leaf != nil && c.pos >= len(c.leaf.keys) {
		c.nextLeaf()
	}
}

func (c *Cursor) nextLeaf() {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.idx+1 < len(top.node.children) {
			top.idx++
			c.descendLeftmost(top.node.children[top.idx])
			return
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.leaf = nil
}

func (c *Cursor) descendLeftmost(pageID pagemanager.PageID) {
	for depth := len(c.stack); ; depth++ {
		if depth >= maxHeight {
			c.err = corruptNode("tree rooted at page %d is deeper than %d levels", c.tree.root, maxHeight)
			return
		}
		n, err := c.tree.viewNode(pageID, c.snap)
		if err != nil {
			c.err = err
			return
		}
		if n.leaf {
			c.leaf, c.pos = n, 0
			return
		}
		c.stack = append(c.stack, cursorLevel{node: n})
		pageID = n.children[0]
	}
}

// Valid reports whether the cursor is positioned at an entry.
func (c *Cursor) Valid() bool {
	return c.err == nil && c.leaf != nil && c.pos < len(c.leaf.keys)
}

// Key and Value are only meaningful while Valid. The returned slices belong
// to the cursor's decoded node and stay unchanged after Next.
func (c *Cursor) Key() []byte   { return c.leaf.keys[c.pos] }
func (c *Cursor) Value() []byte { return c.leaf.values[c.pos] }

// Next advances to the following entry.
func (c *Cursor) Next() {
	if !c.Valid() {
		return
	}
	c.pos++
	c.skipExhausted()
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error { return c.err }
