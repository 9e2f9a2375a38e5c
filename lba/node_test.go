// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lba

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
	"github.com/dacapoday/lbatree/mem"
)

func testContext(t *testing.T) (OpContext, *cache.Cache) {
	t.Helper()
	ca, err := cache.New(new(mem.File), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { ca.Close() })
	return OpContext{Trans: ca.Begin(), Cache: ca, Pins: ca.Pins()}, ca
}

func fullLeaf(t *testing.T, c OpContext, capacity uint16) *LeafNode {
	t.Helper()
	leaf, err := allocLeafNode(c, capacity)
	require.NoError(t, err)
	leaf.SetMeta(lbatree.NodeMeta{Begin: 0, End: lbatree.MaxLaddr, Depth: 1})
	for i := uint16(0); i < capacity; i++ {
		leaf.Insert(i, lbatree.Laddr(i*10+10), lbatree.MapVal{
			Paddr: lbatree.AbsPaddr(int64(i) * lbatree.BlockSize),
			Len:   lbatree.BlockSize,
		})
	}
	return leaf
}

func TestLeafSplitChildren(t *testing.T) {
	c, _ := testContext(t)
	leaf := fullLeaf(t, c, 8)

	left, right, pivot, err := leaf.MakeSplitChildren(c)
	require.NoError(t, err)

	// the cursor repair rule depends on pivot == right.first_key
	require.Equal(t, right.KeyAt(0), pivot)
	require.Equal(t, uint16(4), left.Size())
	require.Equal(t, uint16(4), right.Size())
	require.Equal(t, leaf.Meta().Begin, left.Meta().Begin)
	require.Equal(t, pivot, left.Meta().End)
	require.Equal(t, pivot, right.Meta().Begin)
	require.Equal(t, leaf.Meta().End, right.Meta().End)
	require.Equal(t, left.Meta(), left.Pin().Meta())
	require.Equal(t, right.Meta(), right.Pin().Meta())
}

func TestLeafFullMerge(t *testing.T) {
	c, _ := testContext(t)
	leaf := fullLeaf(t, c, 8)
	left, right, _, err := leaf.MakeSplitChildren(c)
	require.NoError(t, err)

	merged, err := left.MakeFullMerge(c, right)
	require.NoError(t, err)
	require.Equal(t, leaf.Size(), merged.Size())
	require.Equal(t, leaf.Meta(), merged.Meta())
	for i := uint16(0); i < leaf.Size(); i++ {
		require.Equal(t, leaf.KeyAt(i), merged.KeyAt(i))
		require.Equal(t, leaf.ValAt(i), merged.ValAt(i))
	}
}

func TestLeafBalanced(t *testing.T) {
	c, _ := testContext(t)

	left, err := allocLeafNode(c, 8)
	require.NoError(t, err)
	left.SetMeta(lbatree.NodeMeta{Begin: 0, End: 100, Depth: 1})
	left.Insert(0, 10, lbatree.MapVal{Len: 1})
	left.Insert(1, 20, lbatree.MapVal{Len: 1})

	right, err := allocLeafNode(c, 8)
	require.NoError(t, err)
	right.SetMeta(lbatree.NodeMeta{Begin: 100, End: lbatree.MaxLaddr, Depth: 1})
	for i, key := range []lbatree.Laddr{110, 120, 130, 140, 150} {
		right.Insert(uint16(i), key, lbatree.MapVal{Len: 1})
	}

	l, r, pivot, err := left.MakeBalanced(c, right, true)
	require.NoError(t, err)
	require.Equal(t, uint16(4), l.Size())
	require.Equal(t, uint16(3), r.Size())
	require.Equal(t, r.KeyAt(0), pivot)
	require.Equal(t, pivot, l.Meta().End)
	require.Equal(t, pivot, r.Meta().Begin)

	l, r, _, err = left.MakeBalanced(c, right, false)
	require.NoError(t, err)
	require.Equal(t, uint16(3), l.Size())
	require.Equal(t, uint16(4), r.Size())
}

func TestLeafCodecRoundTrip(t *testing.T) {
	c, _ := testContext(t)
	leaf := fullLeaf(t, c, 8)
	leaf.entries[3].Val.Refcount = 7
	leaf.entries[3].Val.Checksum = 0xDEADBEEF

	buf, err := leaf.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, lbatree.BlockSize)

	decoded := new(LeafNode)
	require.NoError(t, decoded.Unmarshal(buf))
	require.Equal(t, leaf.Meta(), decoded.Meta())
	require.Equal(t, leaf.Size(), decoded.Size())
	for i := uint16(0); i < leaf.Size(); i++ {
		require.Equal(t, leaf.KeyAt(i), decoded.KeyAt(i))
		require.Equal(t, leaf.ValAt(i), decoded.ValAt(i))
	}
}

func TestInternalCodecRejectsBadMeta(t *testing.T) {
	buf := make([]byte, lbatree.BlockSize)
	// zero head: begin == end == depth == 0
	n := new(InternalNode)
	require.Error(t, n.Unmarshal(buf))
}

func TestInternalResolveRelativeAddrs(t *testing.T) {
	c, _ := testContext(t)
	n, err := allocInternalNode(c, 8)
	require.NoError(t, err)
	n.SetMeta(lbatree.NodeMeta{Begin: 0, End: lbatree.MaxLaddr, Depth: 2})
	n.Insert(0, 0, lbatree.RecordPaddr(3*lbatree.BlockSize))
	n.Insert(1, 100, lbatree.AbsPaddr(9*lbatree.BlockSize))

	// commit re-bases record-relative entries to block-relative
	n.ResolveRelativeAddrs(lbatree.BlockPaddr(-2 * lbatree.BlockSize))
	require.Equal(t, lbatree.BlockPaddr(lbatree.BlockSize), n.entries[0].Val)
	require.Equal(t, lbatree.AbsPaddr(9*lbatree.BlockSize), n.entries[1].Val)

	// rewrite re-bases block-relative entries to absolute
	n.ResolveRelativeAddrs(lbatree.AbsPaddr(5 * lbatree.BlockSize))
	require.Equal(t, lbatree.AbsPaddr(6*lbatree.BlockSize), n.entries[0].Val)
	require.Equal(t, lbatree.AbsPaddr(9*lbatree.BlockSize), n.entries[1].Val)
}

func TestNodeCapacityPredicates(t *testing.T) {
	c, _ := testContext(t)
	leaf, err := allocLeafNode(c, 6)
	require.NoError(t, err)
	leaf.SetMeta(lbatree.NodeMeta{Begin: 0, End: lbatree.MaxLaddr, Depth: 1})
	require.True(t, leaf.AtMinCapacity()) // empty

	for i := uint16(0); i < 4; i++ {
		leaf.Insert(i, lbatree.Laddr(i+1), lbatree.MapVal{Len: 1})
	}
	require.False(t, leaf.AtMinCapacity())
	leaf.Remove(3)
	require.True(t, leaf.AtMinCapacity())
}

func TestDefaultCapacities(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, uint16((lbatree.BlockSize-nodeHeadSize)/leafEntrySize), cfg.LeafCapacity)
	require.Equal(t, uint16((lbatree.BlockSize-nodeHeadSize)/internalEntrySize), cfg.InternalCapacity)
	require.Greater(t, cfg.InternalCapacity, cfg.LeafCapacity)
}
