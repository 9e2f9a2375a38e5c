// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lba

import (
	"github.com/cockroachdb/errors"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
)

// Visitor observes every node entered during a descent or re-descent; range
// scans use it for physical-space accounting.
type Visitor func(meta lbatree.NodeMeta, paddr lbatree.Paddr, length uint32)

func visit(visitor Visitor, meta lbatree.NodeMeta, paddr lbatree.Paddr, length uint32) {
	if visitor != nil {
		visitor(meta, paddr, length)
	}
}

type nodePos[N any] struct {
	node N
	pos  uint16
}

// Iterator is a cursor into the tree holding the whole root-to-leaf path,
// one position per level. The leaf position may equal the leaf size: that is
// the end marker, or a one-step-ahead insertion point a pending insert or
// split repairs.
//
// Any mutation performed through a different iterator leaves this one stale;
// never retain an iterator across one.
type Iterator struct {
	tree     *LBATree
	internal []nodePos[*InternalNode] // internal[0] is depth 2; the last is the root
	leaf     nodePos[*LeafNode]
}

// Depth returns the tree depth the iterator spans.
func (it *Iterator) Depth() lbatree.Depth {
	return lbatree.Depth(len(it.internal)) + 1
}

func (it *Iterator) getInternal(depth lbatree.Depth) *nodePos[*InternalNode] {
	return &it.internal[depth-2]
}

// GetKey returns the leaf key at the cursor.
func (it *Iterator) GetKey() lbatree.Laddr {
	return it.leaf.node.KeyAt(it.leaf.pos)
}

// GetVal returns the mapped value at the cursor.
func (it *Iterator) GetVal() lbatree.MapVal {
	return it.leaf.node.ValAt(it.leaf.pos)
}

// IsEnd reports whether the cursor is one past the last entry.
func (it *Iterator) IsEnd() bool {
	return it.leaf.pos == it.leaf.node.Size()
}

// IsBegin reports whether the cursor is at the first entry of the tree.
func (it *Iterator) IsBegin() bool {
	for i := range it.internal {
		if it.internal[i].pos != 0 {
			return false
		}
	}
	return it.leaf.pos == 0
}

// GetPin builds the mapping pin for the extent at the cursor: the leaf entry
// range at depth 0.
func (it *Iterator) GetPin() *cache.Pin {
	key := it.GetKey()
	val := it.GetVal()
	return cache.NewPin(it.leaf.node, lbatree.NodeMeta{
		Begin: key,
		End:   key + lbatree.Laddr(val.Len),
		Depth: 0,
	})
}

// checkSplit returns the shallowest depth whose node is at capacity, walking
// from the leaf up while nodes are full. Zero means no split is needed;
// the tree depth means the root itself must grow.
func (it *Iterator) checkSplit() lbatree.Depth {
	if it.leaf.node.Size() < it.leaf.node.Capacity() {
		return 0
	}
	splitFrom := lbatree.Depth(1)
	for depth := lbatree.Depth(2); depth <= it.Depth(); depth++ {
		p := it.getInternal(depth)
		if p.node.Size() < p.node.Capacity() {
			return splitFrom
		}
		splitFrom = depth
	}
	return it.Depth()
}

// Next advances the cursor one entry. Advancing within the leaf is free;
// crossing a leaf boundary re-descends to the leftmost leaf of the next
// subtree, reporting every node entered to the visitor.
func (it *Iterator) Next(c OpContext, visitor Visitor) error {
	if it.IsEnd() {
		panic(errors.AssertionFailedf("next on end iterator"))
	}

	if it.leaf.pos+1 < it.leaf.node.Size() {
		it.leaf.pos++
		return nil
	}

	depthWithSpace := lbatree.Depth(2)
	for ; depthWithSpace <= it.Depth(); depthWithSpace++ {
		p := it.getInternal(depthWithSpace)
		if p.pos+1 < p.node.Size() {
			break
		}
	}
	if depthWithSpace > it.Depth() {
		it.leaf.pos = it.leaf.node.Size()
		return nil
	}

	it.getInternal(depthWithSpace).pos++
	return it.tree.lookupDepthRange(c, it, depthWithSpace-1,
		func(n *InternalNode) uint16 { return 0 },
		func(n *LeafNode) uint16 { return 0 },
		visitor)
}

// Prev moves the cursor one entry back, re-descending to the rightmost leaf
// of the previous subtree when the leaf boundary is crossed.
func (it *Iterator) Prev(c OpContext) error {
	if it.IsBegin() {
		panic(errors.AssertionFailedf("prev on begin iterator"))
	}

	if it.leaf.pos > 0 {
		it.leaf.pos--
		return nil
	}

	depthWithSpace := lbatree.Depth(2)
	for ; depthWithSpace <= it.Depth(); depthWithSpace++ {
		if it.getInternal(depthWithSpace).pos > 0 {
			break
		}
	}
	if depthWithSpace > it.Depth() {
		panic(errors.AssertionFailedf("prev found no level with room above a begin leaf"))
	}

	it.getInternal(depthWithSpace).pos--
	return it.tree.lookupDepthRange(c, it, depthWithSpace-1,
		func(n *InternalNode) uint16 { return n.Size() - 1 },
		func(n *LeafNode) uint16 { return n.Size() - 1 },
		nil)
}

// assertValid checks the per-level linkage invariant: every internal
// position indexes a live entry whose child is the node one level below.
func (it *Iterator) assertValid() {
	for depth := it.Depth(); depth >= 2; depth-- {
		p := it.getInternal(depth)
		if p.pos >= p.node.Size() {
			panic(errors.AssertionFailedf(
				"iterator position %d out of node %s", p.pos, p.node))
		}
		var child lbatree.NodeMeta
		if depth > 2 {
			child = it.getInternal(depth - 1).node.Meta()
		} else {
			child = it.leaf.node.Meta()
		}
		if !p.node.Meta().IsParentOf(child) {
			panic(errors.AssertionFailedf(
				"iterator level %s is not the parent of %s", p.node.Meta(), child))
		}
	}
	if it.leaf.pos > it.leaf.node.Size() {
		panic(errors.AssertionFailedf(
			"leaf position %d past node size %d", it.leaf.pos, it.leaf.node.Size()))
	}
}
