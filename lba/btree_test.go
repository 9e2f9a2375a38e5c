// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lba

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
	"github.com/dacapoday/lbatree/mem"
)

// small fan-out so cascades trigger at small key counts
var testConfig = Config{LeafCapacity: 4, InternalCapacity: 4}

func newTestTree(t *testing.T) (*cache.Cache, *LBATree) {
	t.Helper()
	ca, err := cache.New(new(mem.File), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { ca.Close() })

	c := OpContext{Trans: ca.Begin(), Cache: ca, Pins: ca.Pins()}
	root, err := MkFS(c, testConfig)
	require.NoError(t, err)

	tree := New(root, testConfig, nil)
	require.NoError(t, tree.Commit(c))
	return ca, tree
}

func opContext(ca *cache.Cache) OpContext {
	return OpContext{Trans: ca.Begin(), Cache: ca, Pins: ca.Pins()}
}

func mapValFor(key lbatree.Laddr) lbatree.MapVal {
	return lbatree.MapVal{
		Paddr:    lbatree.AbsPaddr(int64(key) * lbatree.BlockSize),
		Len:      lbatree.BlockSize,
		Refcount: 1,
		Checksum: uint32(key),
	}
}

func insertKey(t *testing.T, ca *cache.Cache, tree *LBATree, key lbatree.Laddr) {
	t.Helper()
	c := opContext(ca)
	it, err := tree.LowerBound(c, key, nil)
	require.NoError(t, err)
	_, inserted, err := tree.Insert(c, it, key, mapValFor(key))
	require.NoError(t, err)
	require.True(t, inserted, "key %d already present", key)
	require.NoError(t, tree.Commit(c))
}

func removeKey(t *testing.T, ca *cache.Cache, tree *LBATree, key lbatree.Laddr) {
	t.Helper()
	c := opContext(ca)
	it, err := tree.LowerBound(c, key, nil)
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	require.Equal(t, key, it.GetKey())
	require.NoError(t, tree.Remove(c, it))
	require.NoError(t, tree.Commit(c))
}

// collectKeys walks begin -> end and returns every leaf key in order.
func collectKeys(t *testing.T, ca *cache.Cache, tree *LBATree) []lbatree.Laddr {
	t.Helper()
	c := opContext(ca)
	it, err := tree.LowerBound(c, 0, nil)
	require.NoError(t, err)
	var keys []lbatree.Laddr
	for !it.IsEnd() {
		it.assertValid()
		keys = append(keys, it.GetKey())
		require.NoError(t, it.Next(c, nil))
	}
	return keys
}

// verifySubtree checks the structural invariants below addr and returns the
// leaf count.
func verifySubtree(t *testing.T, c OpContext, tree *LBATree, addr lbatree.Paddr, meta lbatree.NodeMeta, isRoot bool) int {
	t.Helper()
	if meta.Depth == 1 {
		leaf, err := tree.getLeafNode(c, addr)
		require.NoError(t, err)
		require.Equal(t, meta, leaf.Meta())
		for i := uint16(0); i < leaf.Size(); i++ {
			require.True(t, leaf.Meta().Contains(leaf.KeyAt(i)))
			if i > 0 {
				require.Less(t, leaf.KeyAt(i-1), leaf.KeyAt(i))
			}
		}
		if !isRoot {
			require.False(t, leaf.Size() < leaf.Capacity()/2,
				"non-root leaf %s below minimum", leaf)
		}
		return 1
	}

	n, err := tree.getInternalNode(c, meta.Depth, addr)
	require.NoError(t, err)
	require.Equal(t, meta, n.Meta())
	require.NotZero(t, n.Size())
	if !isRoot {
		require.False(t, n.Size() < n.Capacity()/2,
			"non-root internal node %s below minimum", n)
	}
	require.Equal(t, meta.Begin, n.KeyAt(0))

	leaves := 0
	for i := uint16(0); i < n.Size(); i++ {
		childEnd := meta.End
		if i+1 < n.Size() {
			childEnd = n.KeyAt(i + 1)
		}
		childMeta := lbatree.NodeMeta{
			Begin: n.KeyAt(i),
			End:   childEnd,
			Depth: meta.Depth - 1,
		}
		leaves += verifySubtree(t, c, tree, n.childAt(i), childMeta, false)
	}
	return leaves
}

func verifyTree(t *testing.T, ca *cache.Cache, tree *LBATree) int {
	t.Helper()
	c := opContext(ca)
	root := tree.Root()
	meta := lbatree.NodeMeta{Begin: 0, End: lbatree.MaxLaddr, Depth: root.Depth}
	return verifySubtree(t, c, tree, root.Paddr, meta, true)
}

func TestMkFSEmptyTree(t *testing.T) {
	ca, tree := newTestTree(t)

	require.Equal(t, lbatree.Depth(1), tree.Root().Depth)

	c := opContext(ca)
	it, err := tree.LowerBound(c, 0, nil)
	require.NoError(t, err)
	require.True(t, it.IsEnd())
	require.True(t, it.IsBegin())
	require.Equal(t, lbatree.Depth(1), c.Trans.Stats.Depth)
}

func TestInOrderFillSplitsToDepth3(t *testing.T) {
	ca, tree := newTestTree(t)

	n := 4 * int(testConfig.LeafCapacity)
	for key := 1; key <= n; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}
	require.Equal(t, lbatree.Depth(3), tree.Root().Depth)

	keys := collectKeys(t, ca, tree)
	require.Len(t, keys, n)
	for i, key := range keys {
		require.Equal(t, lbatree.Laddr(i+1), key)
	}

	// every internal entry's pivot equals the meta begin of its child
	verifyTree(t, ca, tree)

	// the stored depth matches the path length
	c := opContext(ca)
	it, err := tree.LowerBound(c, 1, nil)
	require.NoError(t, err)
	require.Equal(t, tree.Root().Depth, it.Depth())
}

func TestDescendingDeleteCollapsesRoot(t *testing.T) {
	ca, tree := newTestTree(t)

	n := 4 * int(testConfig.LeafCapacity)
	for key := 1; key <= n; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}
	require.Equal(t, lbatree.Depth(3), tree.Root().Depth)

	for key := n; key >= 1; key-- {
		removeKey(t, ca, tree, lbatree.Laddr(key))
		verifyTree(t, ca, tree)
		keys := collectKeys(t, ca, tree)
		require.Len(t, keys, key-1)
	}

	require.Equal(t, lbatree.Depth(1), tree.Root().Depth)

	// the collapsed root owns the whole address space again
	c := opContext(ca)
	leaf, err := tree.getLeafNode(c, tree.Root().Paddr)
	require.NoError(t, err)
	require.Equal(t, lbatree.NodeMeta{Begin: 0, End: lbatree.MaxLaddr, Depth: 1}, leaf.Meta())
	require.Equal(t, leaf.Meta(), leaf.Pin().Meta())
	require.Zero(t, leaf.Size())
}

func TestInsertIntoFullLeafWithFullSibling(t *testing.T) {
	ca, tree := newTestTree(t)

	// three leaves: [10 20] [30 40] [50 60 70 80]
	for _, key := range []lbatree.Laddr{10, 20, 30, 40, 50, 60, 70, 80} {
		insertKey(t, ca, tree, key)
	}
	require.Equal(t, lbatree.Depth(2), tree.Root().Depth)

	// drive the first leaf and its right sibling to capacity
	for _, key := range []lbatree.Laddr{12, 14, 32, 34} {
		insertKey(t, ca, tree, key)
	}

	// the split must propagate into the parent
	insertKey(t, ca, tree, 16)
	verifyTree(t, ca, tree)

	c := opContext(ca)
	it, err := tree.LowerBound(c, 16, nil)
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	require.Equal(t, lbatree.Laddr(16), it.GetKey())
	require.Equal(t, mapValFor(16), it.GetVal())
}

func TestInsertDuplicateIsIdempotent(t *testing.T) {
	ca, tree := newTestTree(t)
	insertKey(t, ca, tree, 42)

	c := opContext(ca)
	it, err := tree.LowerBound(c, 42, nil)
	require.NoError(t, err)
	other := mapValFor(999)
	it, inserted, err := tree.Insert(c, it, 42, other)
	require.NoError(t, err)
	require.False(t, inserted)
	// first write wins
	require.Equal(t, mapValFor(42), it.GetVal())
	require.NoError(t, tree.Commit(c))

	keys := collectKeys(t, ca, tree)
	require.Equal(t, []lbatree.Laddr{42}, keys)
}

func TestUpdateIsIdempotent(t *testing.T) {
	ca, tree := newTestTree(t)
	insertKey(t, ca, tree, 7)

	val := mapValFor(7)
	val.Refcount = 3
	c := opContext(ca)
	it, err := tree.LowerBound(c, 7, nil)
	require.NoError(t, err)
	it, err = tree.Update(c, it, val)
	require.NoError(t, err)
	it, err = tree.Update(c, it, val)
	require.NoError(t, err)
	require.Equal(t, val, it.GetVal())
	require.NoError(t, tree.Commit(c))

	c = opContext(ca)
	it, err = tree.LowerBound(c, 7, nil)
	require.NoError(t, err)
	require.Equal(t, val, it.GetVal())
}

func TestInsertThenRemoveRestoresKeySet(t *testing.T) {
	ca, tree := newTestTree(t)
	for _, key := range []lbatree.Laddr{5, 15, 25} {
		insertKey(t, ca, tree, key)
	}
	before := collectKeys(t, ca, tree)

	insertKey(t, ca, tree, 18)
	removeKey(t, ca, tree, 18)

	require.Equal(t, before, collectKeys(t, ca, tree))
}

func TestIteratorPrevWalk(t *testing.T) {
	ca, tree := newTestTree(t)
	n := 20
	for key := 1; key <= n; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}

	c := opContext(ca)
	it, err := tree.LowerBound(c, lbatree.MaxLaddr, nil)
	require.NoError(t, err)
	require.True(t, it.IsEnd())

	for key := n; key >= 1; key-- {
		require.NoError(t, it.Prev(c))
		require.Equal(t, lbatree.Laddr(key), it.GetKey())
	}
	require.True(t, it.IsBegin())
}

func TestLowerBoundVisitorSeesPath(t *testing.T) {
	ca, tree := newTestTree(t)
	for key := 1; key <= 16; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}

	c := opContext(ca)
	var visited []lbatree.NodeMeta
	it, err := tree.LowerBound(c, 1, func(meta lbatree.NodeMeta, paddr lbatree.Paddr, length uint32) {
		require.Equal(t, uint32(lbatree.BlockSize), length)
		visited = append(visited, meta)
	})
	require.NoError(t, err)
	require.Len(t, visited, int(it.Depth()))
	for i, meta := range visited {
		require.Equal(t, it.Depth()-lbatree.Depth(i), meta.Depth)
	}
}

func TestRewriteLeafRepointsParent(t *testing.T) {
	ca, tree := newTestTree(t)
	for key := 1; key <= 8; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}
	require.Equal(t, lbatree.Depth(2), tree.Root().Depth)

	c := opContext(ca)
	it, err := tree.LowerBound(c, 1, nil)
	require.NoError(t, err)
	victim := it.leaf.node
	oldPaddr := victim.Paddr()
	begin := victim.Meta().Begin

	require.NoError(t, tree.RewriteExtent(c, victim))
	require.NoError(t, tree.Commit(c))

	c = opContext(ca)
	it, err = tree.LowerBound(c, begin, nil)
	require.NoError(t, err)
	parent := it.getInternal(2)
	require.Equal(t, begin, parent.node.KeyAt(parent.pos))
	require.NotEqual(t, oldPaddr, parent.node.childAt(parent.pos))
	require.Equal(t, it.leaf.node.Paddr(), parent.node.childAt(parent.pos))
	require.True(t, victim.Retired())

	// content survived the move
	keys := collectKeys(t, ca, tree)
	require.Len(t, keys, 8)
}

func TestRewriteInternalRepointsParent(t *testing.T) {
	ca, tree := newTestTree(t)
	for key := 1; key <= 16; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}
	require.Equal(t, lbatree.Depth(3), tree.Root().Depth)

	c := opContext(ca)
	it, err := tree.LowerBound(c, 1, nil)
	require.NoError(t, err)
	victim := it.getInternal(2).node
	oldPaddr := victim.Paddr()
	begin := victim.Meta().Begin

	require.NoError(t, tree.RewriteExtent(c, victim))
	require.NoError(t, tree.Commit(c))
	verifyTree(t, ca, tree)

	c = opContext(ca)
	it, err = tree.LowerBound(c, begin, nil)
	require.NoError(t, err)
	parent := it.getInternal(3)
	require.Equal(t, begin, parent.node.KeyAt(parent.pos))
	require.NotEqual(t, oldPaddr, parent.node.childAt(parent.pos))
	require.Equal(t, it.getInternal(2).node.Paddr(), parent.node.childAt(parent.pos))
	require.True(t, victim.Retired())

	keys := collectKeys(t, ca, tree)
	require.Len(t, keys, 16)
}

func TestRewriteRootUpdatesHandle(t *testing.T) {
	ca, tree := newTestTree(t)
	insertKey(t, ca, tree, 1)

	c := opContext(ca)
	leaf, err := tree.getLeafNode(c, tree.Root().Paddr)
	require.NoError(t, err)
	oldPaddr := leaf.Paddr()

	require.NoError(t, tree.RewriteExtent(c, leaf))
	require.True(t, tree.RootDirty())
	require.NoError(t, tree.Commit(c))
	require.False(t, tree.RootDirty())
	require.NotEqual(t, oldPaddr, tree.Root().Paddr)

	require.Equal(t, []lbatree.Laddr{1}, collectKeys(t, ca, tree))
}

func TestSnapshotIsolationConflictRetry(t *testing.T) {
	ca, tree := newTestTree(t)
	insertKey(t, ca, tree, 100)

	// two transactions insert disjoint keys into the same leaf
	cA := opContext(ca)
	cB := opContext(ca)

	itA, err := tree.LowerBound(cA, 10, nil)
	require.NoError(t, err)
	itB, err := tree.LowerBound(cB, 20, nil)
	require.NoError(t, err)

	_, inserted, err := tree.Insert(cA, itA, 10, mapValFor(10))
	require.NoError(t, err)
	require.True(t, inserted)

	_, inserted, err = tree.Insert(cB, itB, 20, mapValFor(20))
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, tree.Commit(cA))

	// the second writer lost the race and retries from scratch
	require.ErrorIs(t, tree.Commit(cB), lbatree.ErrConflict)

	cB = opContext(ca)
	itB, err = tree.LowerBound(cB, 20, nil)
	require.NoError(t, err)
	_, inserted, err = tree.Insert(cB, itB, 20, mapValFor(20))
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, tree.Commit(cB))

	require.Equal(t, []lbatree.Laddr{10, 20, 100}, collectKeys(t, ca, tree))
}

func TestInitCachedExtentLogical(t *testing.T) {
	ca, tree := newTestTree(t)

	// commit a logical extent so it lands at a stable address
	c := opContext(ca)
	ext, err := ca.AllocNewExtent(c.Trans, cache.KindLogical, lbatree.BlockSize)
	require.NoError(t, err)
	logical := ext.(*cache.LogicalExtent)
	logical.SetLaddr(300)
	require.NoError(t, tree.Commit(c))
	paddr := logical.Paddr()
	require.Equal(t, lbatree.AbsBase, paddr.Base)

	// without a mapping the extent is not live
	c = opContext(ca)
	got, err := tree.InitCachedExtent(c, logical)
	require.NoError(t, err)
	require.Nil(t, got)

	// map it; now it is live and picks up the mapping pin
	c = opContext(ca)
	it, err := tree.LowerBound(c, 300, nil)
	require.NoError(t, err)
	_, inserted, err := tree.Insert(c, it, 300, lbatree.MapVal{
		Paddr: paddr, Len: lbatree.BlockSize, Refcount: 1,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, tree.Commit(c))

	c = opContext(ca)
	got, err = tree.InitCachedExtent(c, logical)
	require.NoError(t, err)
	require.Equal(t, cache.Extent(logical), got)
	require.Equal(t, lbatree.NodeMeta{
		Begin: 300, End: 300 + lbatree.BlockSize, Depth: 0,
	}, logical.Pin().Meta())
	require.NotNil(t, c.Pins.Find(0, 300))

	// a superseded mapping drops the extent again
	c = opContext(ca)
	it, err = tree.LowerBound(c, 300, nil)
	require.NoError(t, err)
	require.NoError(t, tree.Remove(c, it))
	require.NoError(t, tree.Commit(c))

	c = opContext(ca)
	got, err = tree.InitCachedExtent(c, logical)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Nil(t, c.Pins.Find(0, 300))
}

func TestInitCachedExtentNodes(t *testing.T) {
	ca, tree := newTestTree(t)
	for key := 1; key <= 16; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}
	require.Equal(t, lbatree.Depth(3), tree.Root().Depth)

	c := opContext(ca)
	it, err := tree.LowerBound(c, 1, nil)
	require.NoError(t, err)

	// every node on a live path is live
	leaf := it.leaf.node
	got, err := tree.InitCachedExtent(c, leaf)
	require.NoError(t, err)
	require.Equal(t, cache.Extent(leaf), got)

	mid := it.getInternal(2).node
	got, err = tree.InitCachedExtent(c, mid)
	require.NoError(t, err)
	require.Equal(t, cache.Extent(mid), got)

	// a stale copy of the same range is not
	stale := mid.Duplicate().(*InternalNode)
	buf, err := mid.Marshal()
	require.NoError(t, err)
	require.NoError(t, stale.Unmarshal(buf))
	got, err = tree.InitCachedExtent(c, stale)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRandomOperationsAgainstOracle(t *testing.T) {
	ca, tree := newTestTree(t)
	rng := rand.New(rand.NewPCG(42, 7))
	oracle := map[lbatree.Laddr]lbatree.MapVal{}

	for step := 0; step < 400; step++ {
		key := lbatree.Laddr(rng.Uint64N(200) + 1)
		c := opContext(ca)
		it, err := tree.LowerBound(c, key, nil)
		require.NoError(t, err)

		switch rng.Uint64N(3) {
		case 0: // insert
			val := mapValFor(key)
			_, inserted, err := tree.Insert(c, it, key, val)
			require.NoError(t, err)
			_, exists := oracle[key]
			require.Equal(t, !exists, inserted)
			if !exists {
				oracle[key] = val
			}
		case 1: // update
			if it.IsEnd() || it.GetKey() != key {
				continue
			}
			val := oracle[key]
			val.Refcount++
			_, err := tree.Update(c, it, val)
			require.NoError(t, err)
			oracle[key] = val
		case 2: // remove
			if it.IsEnd() || it.GetKey() != key {
				continue
			}
			require.NoError(t, tree.Remove(c, it))
			delete(oracle, key)
		}
		require.NoError(t, tree.Commit(c))

		if step%50 == 0 {
			verifyTree(t, ca, tree)
		}
	}

	verifyTree(t, ca, tree)

	expected := make([]lbatree.Laddr, 0, len(oracle))
	for key := range oracle {
		expected = append(expected, key)
	}
	sort.Slice(expected, func(i, j int) bool { return expected[i] < expected[j] })

	keys := collectKeys(t, ca, tree)
	require.Equal(t, expected, keys)

	// lower_bound agrees with the oracle
	for probe := lbatree.Laddr(0); probe <= 210; probe += 7 {
		c := opContext(ca)
		it, err := tree.LowerBound(c, probe, nil)
		require.NoError(t, err)
		i := sort.Search(len(expected), func(i int) bool { return expected[i] >= probe })
		if i == len(expected) {
			require.True(t, it.IsEnd())
		} else {
			require.Equal(t, expected[i], it.GetKey())
			val, ok := oracle[expected[i]]
			require.True(t, ok)
			require.Equal(t, val, it.GetVal())
		}
	}
}

func TestReopenFromDeviceRoot(t *testing.T) {
	dev := new(mem.File)
	ca, err := cache.New(dev, cache.Options{})
	require.NoError(t, err)

	c := OpContext{Trans: ca.Begin(), Cache: ca, Pins: ca.Pins()}
	root, err := MkFS(c, testConfig)
	require.NoError(t, err)
	tree := New(root, testConfig, nil)
	require.NoError(t, tree.Commit(c))
	for key := 1; key <= 10; key++ {
		insertKey(t, ca, tree, lbatree.Laddr(key))
	}
	require.NoError(t, ca.Close())

	// a fresh cache over the same device resumes from the root record
	ca2, err := cache.New(dev, cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { ca2.Close() })
	loaded, err := ca2.LoadRoot()
	require.NoError(t, err)
	require.Equal(t, tree.Root(), loaded)

	tree2 := New(loaded, testConfig, nil)
	keys := collectKeys(t, ca2, tree2)
	require.Len(t, keys, 10)
}
