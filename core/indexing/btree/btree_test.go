package btree

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	bufferpool "github.com/sushant-115/gojolite/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

type treeEnv struct {
	bpm   *bufferpool.BufferPoolManager
	lsn   pagemanager.LSN
	tree  *BTree
	prune bool // drop old page versions after every commit
}

func setupTree(t *testing.T) *treeEnv {
	t.Helper()
	dm, err := pagemanager.OpenDiskManager(filepath.Join(t.TempDir(), "tree.db"), pagemanager.DiskOptions{
		PageSize: 1024,
		Create:   true,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	_, err = dm.AllocatePage() // catalog slot
	require.NoError(t, err)

	env := &treeEnv{bpm: bufferpool.NewBufferPoolManager(4096, dm, nil, zap.NewNop(), nil)}
	var root pagemanager.PageID
	env.commit(t, func(ps *bufferpool.PageSet) error {
		root, err = Create(ps, pagemanager.PageTypeData)
		return err
	})
	env.tree = Open(env.bpm, root)
	return env
}

// commit runs fn in a page set and publishes it the way the transaction
// manager does: one LSN per dirty page, then the commit LSN.
func (e *treeEnv) commit(t *testing.T, fn func(ps *bufferpool.PageSet) error) pagemanager.LSN {
	t.Helper()
	ps := e.bpm.NewPageSet()
	require.NoError(t, fn(ps))
	for _, d := range ps.Dirty() {
		e.lsn++
		ps.Stamp(d.ID, e.lsn)
	}
	e.lsn++
	ps.Finish(e.lsn)
	if e.prune {
		e.bpm.Prune(e.lsn)
	}
	return e.lsn
}

func testKey(i int) []byte   { return []byte(fmt.Sprintf("key-%08d", i)) }
func testValue(i int) []byte { return []byte(fmt.Sprintf("value-%d", i)) }

func (e *treeEnv) putAll(t *testing.T, keys []int, batch int) {
	t.Helper()
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		e.commit(t, func(ps *bufferpool.PageSet) error {
			for _, k := range keys[start:end] {
				if err := e.tree.Put(ps, testKey(k), testValue(k)); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func (e *treeEnv) deleteAll(t *testing.T, keys []int, batch int) {
	t.Helper()
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		e.commit(t, func(ps *bufferpool.PageSet) error {
			for _, k := range keys[start:end] {
				found, err := e.tree.Delete(ps, testKey(k))
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %d missing", k)
				}
			}
			return nil
		})
	}
}

func (e *treeEnv) scan(t *testing.T, snap pagemanager.LSN, from []byte) []string {
	t.Helper()
	var keys []string
	c := e.tree.Seek(snap, from)
	for ; c.Valid(); c.Next() {
		keys = append(keys, string(c.Key()))
	}
	require.NoError(t, c.Err())
	return keys
}

func TestBTree_RoundTrip(t *testing.T) {
	for _, n := range []int{3, 300, 30000} {
		t.Run(fmt.Sprintf("N=%d", n), func(t *testing.T) {
			env := setupTree(t)
			env.prune = true
			rng := rand.New(rand.NewPCG(uint64(n), 7))
			perm := rng.Perm(n)
			env.putAll(t, perm, 1000)

			snap := env.lsn
			for i := 0; i < n; i++ {
				v, found, err := env.tree.Get(snap, testKey(i))
				require.NoError(t, err)
				require.True(t, found, "key %d", i)
				require.Equal(t, testValue(i), v)
			}
			_, found, err := env.tree.Get(snap, testKey(n))
			require.NoError(t, err)
			require.False(t, found)

			keys := env.scan(t, snap, nil)
			require.Len(t, keys, n)
			for i, k := range keys {
				require.Equal(t, string(testKey(i)), k)
			}

			st, err := env.tree.Check(snap)
			require.NoError(t, err)
			require.Equal(t, n, st.Entries)
			if n >= 300 {
				require.Greater(t, st.Height, 1)
			}
			peakPages := len(st.Pages)

			// Remove every odd key, then the rest.
			var odd, even []int
			for _, k := range perm {
				if k%2 == 1 {
					odd = append(odd, k)
				} else {
					even = append(even, k)
				}
			}
			env.deleteAll(t, odd, 1000)
			snap = env.lsn
			st, err = env.tree.Check(snap)
			require.NoError(t, err)
			require.Equal(t, len(even), st.Entries)
			for i := 0; i < n; i++ {
				_, found, err := env.tree.Get(snap, testKey(i))
				require.NoError(t, err)
				require.Equal(t, i%2 == 0, found, "key %d", i)
			}

			env.deleteAll(t, even, 1000)
			st, err = env.tree.Check(env.lsn)
			require.NoError(t, err)
			require.Zero(t, st.Entries)
			require.Empty(t, env.scan(t, env.lsn, nil))
			if n >= 300 {
				require.Less(t, len(st.Pages), peakPages, "merges give pages back")
			}
		})
	}
}

func TestBTree_SnapshotReads(t *testing.T) {
	env := setupTree(t)
	env.putAll(t, []int{1, 2, 3}, 10)
	before := env.lsn

	env.commit(t, func(ps *bufferpool.PageSet) error {
		if err := env.tree.Put(ps, testKey(2), []byte("changed")); err != nil {
			return err
		}
		if _, err := env.tree.Delete(ps, testKey(3)); err != nil {
			return err
		}
		return env.tree.Put(ps, testKey(4), testValue(4))
	})

	v, found, err := env.tree.Get(before, testKey(2))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, testValue(2), v)
	require.Equal(t, []string{"key-00000001", "key-00000002", "key-00000003"}, env.scan(t, before, nil))

	v, found, err = env.tree.Get(env.lsn, testKey(2))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("changed"), v)
	require.Equal(t, []string{"key-00000001", "key-00000002", "key-00000004"}, env.scan(t, env.lsn, nil))
}

func TestBTree_SnapshotSurvivesSplits(t *testing.T) {
	env := setupTree(t)
	env.putAll(t, []int{10, 20}, 10)
	before := env.lsn

	more := make([]int, 0, 500)
	for i := 100; i < 600; i++ {
		more = append(more, i)
	}
	env.putAll(t, more, 500)

	require.Equal(t, []string{"key-00000010", "key-00000020"}, env.scan(t, before, nil))
	st, err := env.tree.Check(env.lsn)
	require.NoError(t, err)
	require.Equal(t, 502, st.Entries)
}

func TestBTree_CursorSeek(t *testing.T) {
	env := setupTree(t)
	keys := make([]int, 0, 400)
	for i := 0; i < 800; i += 2 {
		keys = append(keys, i)
	}
	env.putAll(t, keys, 400)

	c := env.tree.Seek(env.lsn, testKey(301))
	require.True(t, c.Valid())
	require.Equal(t, testKey(302), c.Key())
	c.Next()
	require.Equal(t, testKey(304), c.Key())
	require.Equal(t, testValue(304), c.Value())

	c.Seek(testKey(100))
	require.Equal(t, testKey(100), c.Key())

	c.Seek(testKey(799))
	require.False(t, c.Valid())
	require.NoError(t, c.Err())
	c.Next()
	require.False(t, c.Valid())
}

func TestBTree_RecordTooLarge(t *testing.T) {
	env := setupTree(t)
	limit := env.tree.MaxEntrySize()
	key := []byte("k")
	fits := []byte(strings.Repeat("v", limit-leafEntryOverhead-len(key)))

	env.commit(t, func(ps *bufferpool.PageSet) error {
		return env.tree.Put(ps, key, fits)
	})

	ps := env.bpm.NewPageSet()
	err := env.tree.Put(ps, key, append(fits, 'x'))
	require.ErrorIs(t, err, flushmanager.ErrRecordTooLarge)
	require.NoError(t, ps.Rollback())
}

func TestBTree_RollbackUndoesSplits(t *testing.T) {
	env := setupTree(t)
	env.putAll(t, []int{1, 2, 3}, 10)
	pagesBefore, err := env.tree.Pages(env.lsn)
	require.NoError(t, err)

	ps := env.bpm.NewPageSet()
	for i := 100; i < 400; i++ {
		require.NoError(t, env.tree.Put(ps, testKey(i), testValue(i)))
	}
	require.Greater(t, ps.Len(), 1)
	require.NoError(t, ps.Rollback())

	st, err := env.tree.Check(env.lsn)
	require.NoError(t, err)
	require.Equal(t, 3, st.Entries)
	require.Equal(t, pagesBefore, st.Pages)
	require.Zero(t, env.bpm.Stats().Pinned)
}

func TestBTree_CheckDetectsUnsortedKeys(t *testing.T) {
	env := setupTree(t)
	env.commit(t, func(ps *bufferpool.PageSet) error {
		page, err := ps.Fetch(env.tree.Root())
		if err != nil {
			return err
		}
		defer ps.Release(page)
		page.Lock()
		defer page.Unlock()
		bad := &node{leaf: true, keys: [][]byte{[]byte("b"), []byte("a")}, values: [][]byte{nil, nil}}
		ps.MarkDirty(page)
		return bad.encode(page.GetData())
	})
	_, err := env.tree.Check(env.lsn)
	require.ErrorIs(t, err, flushmanager.ErrCorruption)
}

func TestNode_SplitAndMerge(t *testing.T) {
	n := &node{leaf: true}
	for i := 0; i < 10; i++ {
		n.insertLeaf(i, testKey(i), testValue(i))
	}
	left, right, sep := n.split()
	require.Equal(t, right.keys[0], sep)
	require.Equal(t, 10, len(left.keys)+len(right.keys))
	require.NotEmpty(t, left.keys)

	back := merge(left, right, sep)
	require.Equal(t, n.keys, back.keys)

	buf := make([]byte, 1024)
	InitRoot(buf, pagemanager.PageTypeIndex)
	require.NoError(t, back.encode(buf))
	decoded, err := decodeNode(buf)
	require.NoError(t, err)
	require.Equal(t, back.keys, decoded.keys)
	require.Equal(t, back.values, decoded.values)
	require.Equal(t, pagemanager.PageTypeIndex, pagemanager.GetPageType(buf))

	in := &node{
		keys:     [][]byte{testKey(1), testKey(2), testKey(3), testKey(4)},
		children: []pagemanager.PageID{10, 11, 12, 13, 14},
	}
	l, r, s := in.split()
	require.Equal(t, len(l.keys)+len(r.keys)+1, 4)
	require.Len(t, l.children, len(l.keys)+1)
	require.Len(t, r.children, len(r.keys)+1)
	require.Equal(t, in.keys, merge(l, r, s).keys)
	require.Equal(t, in.children, merge(l, r, s).children)
}
