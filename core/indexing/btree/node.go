package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// --- BTree Node Serialization/Deserialization ---

// Node layout within a page payload, after the logical page header:
//
//	[numKeys u16]
//	leaf:     numKeys x ([klen u16][vlen u16][key][value])
//	internal: [child0 u64] numKeys x ([klen u16][key][child u64])
const (
	numKeysOffset         = pagemanager.PageHeaderSize
	nodeHeaderSize        = pagemanager.PageHeaderSize + 2
	leafEntryOverhead     = 2 + 2
	internalEntryOverhead = 2 + 8
	childSize             = 8
)

// node is the decoded form of one B-tree page. Key i of an internal node is
// the lower bound of everything reachable through children[i+1].
type node struct {
	leaf     bool
	keys     [][]byte
	values   [][]byte             // leaves only
	children []pagemanager.PageID // internal only, len(keys)+1
}

func corruptNode(format string, args ...any) error {
	return fmt.Errorf("%w: %s", flushmanager.ErrCorruption, fmt.Sprintf(format, args...))
}

// decodeNode parses a page payload. The returned node owns its memory.
func decodeNode(data []byte) (*node, error) {
	if len(data) < nodeHeaderSize {
		return nil, corruptNode("page too small for a node (%d bytes)", len(data))
	}
	switch pagemanager.GetPageType(data) {
	case pagemanager.PageTypeData, pagemanager.PageTypeIndex, pagemanager.PageTypeMeta:
	default:
		return nil, corruptNode("page type %d is not a tree node", pagemanager.GetPageType(data))
	}
	n := &node{leaf: pagemanager.IsLeaf(data)}
	count := int(binary.LittleEndian.Uint16(data[numKeysOffset:]))
	off := nodeHeaderSize
	n.keys = make([][]byte, 0, count)

	if n.leaf {
		n.values = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			if off+leafEntryOverhead > len(data) {
				return nil, corruptNode("leaf entry %d header out of bounds", i)
			}
			klen := int(binary.LittleEndian.Uint16(data[off:]))
			vlen := int(binary.LittleEndian.Uint16(data[off+2:]))
			off += leafEntryOverhead
			if off+klen+vlen > len(data) {
				return nil, corruptNode("leaf entry %d out of bounds", i)
			}
			n.keys = append(n.keys, slices.Clone(data[off:off+klen]))
			off += klen
			n.values = append(n.values, slices.Clone(data[off:off+vlen]))
			off += vlen
		}
		return n, nil
	}

	if off+childSize > len(data) {
		return nil, corruptNode("internal node without child0")
	}
	n.children = make([]pagemanager.PageID, 0, count+1)
	n.children = append(n.children, pagemanager.PageID(binary.LittleEndian.Uint64(data[off:])))
	off += childSize
	for i := 0; i < count; i++ {
		if off+2 > len(data) {
			return nil, corruptNode("internal entry %d header out of bounds", i)
		}
		klen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+klen+childSize > len(data) {
			return nil, corruptNode("internal entry %d out of bounds", i)
		}
		n.keys = append(n.keys, slices.Clone(data[off:off+klen]))
		off += klen
		n.children = append(n.children, pagemanager.PageID(binary.LittleEndian.Uint64(data[off:])))
		off += childSize
	}
	return n, nil
}

// encode writes n into data, keeping the page type and LSN stamp.
func (n *node) encode(data []byte) error {
	if size := n.size(); size > len(data) {
		return fmt.Errorf("%w: node of %d bytes does not fit a %d byte page", flushmanager.ErrRecordTooLarge, size, len(data))
	}
	var flags byte
	if n.leaf {
		flags = pagemanager.FlagLeaf
	}
	pagemanager.SetPageFlags(data, flags)
	clear(data[pagemanager.PageHeaderSize:])
	binary.LittleEndian.PutUint16(data[numKeysOffset:], uint16(len(n.keys)))
	off := nodeHeaderSize

	if n.leaf {
		for i, k := range n.keys {
			v := n.values[i]
			binary.LittleEndian.PutUint16(data[off:], uint16(len(k)))
			binary.LittleEndian.PutUint16(data[off+2:], uint16(len(v)))
			off += leafEntryOverhead
			off += copy(data[off:], k)
			off += copy(data[off:], v)
		}
		return nil
	}

	binary.LittleEndian.PutUint64(data[off:], uint64(n.children[0]))
	off += childSize
	for i, k := range n.keys {
		binary.LittleEndian.PutUint16(data[off:], uint16(len(k)))
		off += 2
		off += copy(data[off:], k)
		binary.LittleEndian.PutUint64(data[off:], uint64(n.children[i+1]))
		off += childSize
	}
	return nil
}

// size is the number of payload bytes the encoded node occupies.
func (n *node) size() int {
	s := nodeHeaderSize
	if n.leaf {
		for i, k := range n.keys {
			s += leafEntryOverhead + len(k) + len(n.values[i])
		}
		return s
	}
	s += childSize
	for _, k := range n.keys {
		s += internalEntryOverhead + len(k)
	}
	return s
}

func (n *node) entrySize(i int) int {
	if n.leaf {
		return leafEntryOverhead + len(n.keys[i]) + len(n.values[i])
	}
	return internalEntryOverhead + len(n.keys[i])
}

// search returns the position of key in a leaf and whether it is present.
func (n *node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// childIndex returns the index of the child whose range contains key.
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
}

func (n *node) insertLeaf(i int, key, value []byte) {
	n.keys = slices.Insert(n.keys, i, key)
	n.values = slices.Insert(n.values, i, value)
}

func (n *node) removeLeaf(i int) {
	n.keys = slices.Delete(n.keys, i, i+1)
	n.values = slices.Delete(n.values, i, i+1)
}

// insertChild adds separator sep and its right child after children[idx].
func (n *node) insertChild(idx int, sep []byte, child pagemanager.PageID) {
	n.keys = slices.Insert(n.keys, idx, sep)
	n.children = slices.Insert(n.children, idx+1, child)
}

// removeChild drops keys[idx] and children[idx+1].
func (n *node) removeChild(idx int) {
	n.keys = slices.Delete(n.keys, idx, idx+1)
	n.children = slices.Delete(n.children, idx+1, idx+2)
}

// split divides an overflowing node at the byte median. For a leaf the
// separator is the first key of the right half; for an internal node it moves
// up and is not kept in either half.
func (n *node) split() (left, right *node, sep []byte) {
	total := n.size() - nodeHeaderSize
	acc, m := 0, 0
	for m < len(n.keys) && acc < total/2 {
		acc += n.entrySize(m)
		m++
	}
	if n.leaf {
		m = min(max(m, 1), len(n.keys)-1)
		left = &node{leaf: true, keys: slices.Clone(n.keys[:m]), values: slices.Clone(n.values[:m])}
		right = &node{leaf: true, keys: slices.Clone(n.keys[m:]), values: slices.Clone(n.values[m:])}
		return left, right, right.keys[0]
	}
	// keys[m] moves up, so each side keeps at least one key.
	m = min(max(m, 1), len(n.keys)-2)
	left = &node{keys: slices.Clone(n.keys[:m]), children: slices.Clone(n.children[:m+1])}
	right = &node{keys: slices.Clone(n.keys[m+1:]), children: slices.Clone(n.children[m+1:])}
	return left, right, n.keys[m]
}

// merge concatenates two adjacent siblings. sep is the parent's separator
// between them and is pulled down when merging internal nodes.
func merge(left, right *node, sep []byte) *node {
	if left.leaf {
		return &node{
			leaf:   true,
			keys:   append(slices.Clone(left.keys), right.keys...),
			values: append(slices.Clone(left.values), right.values...),
		}
	}
	keys := append(slices.Clone(left.keys), sep)
	return &node{
		keys:     append(keys, right.keys...),
		children: append(slices.Clone(left.children), right.children...),
	}
}
