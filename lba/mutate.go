// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lba

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dacapoday/lbatree"
)

// Insert places laddr -> val into the tree at the position hinted by it
// (obtained from LowerBound for laddr). Insertion is idempotent on
// duplicates: a live equal key keeps its value and reports inserted=false.
// The returned iterator is positioned at the existing or new entry.
func (t *LBATree) Insert(c OpContext, it *Iterator, laddr lbatree.Laddr, val lbatree.MapVal) (*Iterator, bool, error) {
	t.log.Debug("insert",
		zap.Stringer("txn", c.Trans.ID),
		zap.Uint64("laddr", uint64(laddr)))

	if err := t.findInsertion(c, laddr, it); err != nil {
		return nil, false, err
	}
	if !it.IsEnd() && it.GetKey() == laddr {
		return it, false, nil
	}

	if err := t.handleSplit(c, it); err != nil {
		return nil, false, err
	}

	if !it.leaf.node.Pending() {
		it.leaf.node = c.Cache.DuplicateForWrite(c.Trans, it.leaf.node).(*LeafNode)
	}

	// the split may have moved the cursor between the two new siblings;
	// re-resolve the leaf position
	pos := it.leaf.node.LowerBound(laddr)
	if pos < it.leaf.node.Size() && it.leaf.node.KeyAt(pos) == laddr {
		it.leaf.pos = pos
		return it, false, nil
	}
	if !it.leaf.node.Meta().Contains(laddr) {
		panic(errors.AssertionFailedf(
			"insertion point for %d landed outside leaf %s", laddr, it.leaf.node))
	}
	it.leaf.pos = pos
	it.leaf.node.Insert(pos, laddr, val)
	return it, true, nil
}

// Update overwrites the value at the cursor. No structural change.
func (t *LBATree) Update(c OpContext, it *Iterator, val lbatree.MapVal) (*Iterator, error) {
	t.log.Debug("update",
		zap.Stringer("txn", c.Trans.ID),
		zap.Uint64("laddr", uint64(it.GetKey())))
	if !it.leaf.node.Pending() {
		it.leaf.node = c.Cache.DuplicateForWrite(c.Trans, it.leaf.node).(*LeafNode)
	}
	it.leaf.node.Update(it.leaf.pos, val)
	return it, nil
}

// Remove deletes the entry at the cursor and merges underfull nodes upward.
func (t *LBATree) Remove(c OpContext, it *Iterator) error {
	if it.IsEnd() {
		panic(errors.AssertionFailedf("remove at end iterator"))
	}
	t.log.Debug("remove",
		zap.Stringer("txn", c.Trans.ID),
		zap.Uint64("laddr", uint64(it.GetKey())))
	if !it.leaf.node.Pending() {
		it.leaf.node = c.Cache.DuplicateForWrite(c.Trans, it.leaf.node).(*LeafNode)
	}
	it.leaf.node.Remove(it.leaf.pos)
	return t.handleMerge(c, it)
}

// findInsertion normalizes a lower-bound iterator into an insertion cursor
// for laddr. When the insertion point is actually at the end of the previous
// leaf the cursor steps back one leaf and one past its last entry; that
// position violates pos < size until the insert or split repairs it.
func (t *LBATree) findInsertion(c OpContext, laddr lbatree.Laddr, it *Iterator) error {
	if !it.IsEnd() && it.GetKey() == laddr {
		return nil
	}
	if it.leaf.node.Meta().Begin <= laddr {
		if it.leaf.pos > 0 && it.leaf.node.KeyAt(it.leaf.pos-1) >= laddr {
			panic(errors.AssertionFailedf(
				"left neighbor of insertion point for %d is not strictly less", laddr))
		}
		return nil
	}
	if it.leaf.pos != 0 {
		panic(errors.AssertionFailedf(
			"lower_bound cursor for %d before leaf %s has pos %d",
			laddr, it.leaf.node, it.leaf.pos))
	}
	if err := it.Prev(c); err != nil {
		return err
	}
	if it.leaf.node.Meta().Begin > laddr {
		panic(errors.AssertionFailedf(
			"previous leaf %s does not own insertion point %d", it.leaf.node, laddr))
	}
	it.leaf.pos++
	return nil
}

// handleSplit pre-emptively splits every at-capacity node on the path so the
// leaf has room, growing a new root first when the cascade reaches it.
func (t *LBATree) handleSplit(c OpContext, it *Iterator) error {
	splitFrom := it.checkSplit()
	if splitFrom == 0 {
		return nil
	}
	t.log.Debug("split",
		zap.Stringer("txn", c.Trans.ID),
		zap.Uint32("from", uint32(splitFrom)),
		zap.Uint32("depth", uint32(it.Depth())))

	if splitFrom == it.Depth() {
		nroot, err := allocInternalNode(c, t.cfg.InternalCapacity)
		if err != nil {
			return err
		}
		meta := lbatree.NodeMeta{Begin: 0, End: lbatree.MaxLaddr, Depth: it.Depth() + 1}
		nroot.SetMeta(meta)
		nroot.Pin().SetRange(meta)
		nroot.Insert(0, lbatree.MinLaddr, t.root.Paddr)
		it.internal = append(it.internal, nodePos[*InternalNode]{node: nroot, pos: 0})

		t.root.Paddr = nroot.Paddr()
		t.root.Depth = it.Depth()
		c.Trans.Stats.Depth = it.Depth()
		t.rootDirty = true
	}

	for ; splitFrom > 0; splitFrom-- {
		parent := it.getInternal(splitFrom + 1)
		if !parent.node.Pending() {
			parent.node = c.Cache.DuplicateForWrite(c.Trans, parent.node).(*InternalNode)
		}
		var err error
		if splitFrom > 1 {
			err = splitLevel(c, parent, it.getInternal(splitFrom))
		} else {
			err = splitLevel(c, parent, &it.leaf)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// splitLevel replaces the child under pos with its two split halves,
// repoints the pending parent, retires the original, and moves the cursor
// onto whichever half it belongs to.
//
// pivot == right.first_key, so a leaf cursor with pos == left.Size() stays on
// the left: an insertion there sorts below right's meta begin. An internal
// cursor at pos == left.Size() indexes right's first entry and moves right.
func splitLevel[N node[N]](c OpContext, parent *nodePos[*InternalNode], pos *nodePos[N]) error {
	left, right, pivot, err := pos.node.MakeSplitChildren(c)
	if err != nil {
		return err
	}

	parent.node.Update(parent.pos, left.Paddr())
	parent.node.Insert(parent.pos+1, pivot, right.Paddr())

	c.Cache.RetireExtent(c.Trans, pos.node)

	stayLeft := pos.pos < left.Size()
	if _, isLeaf := any(pos.node).(*LeafNode); isLeaf {
		stayLeft = pos.pos <= left.Size()
	}
	if stayLeft {
		pos.node = left
	} else {
		pos.node = right
		pos.pos -= left.Size()
		parent.pos++
	}
	return nil
}

// handleMerge walks upward from the leaf while nodes sit at minimum
// capacity, merging or rebalancing each with a sibling, and collapses the
// root when it is left with a single child.
func (t *LBATree) handleMerge(c OpContext, it *Iterator) error {
	if it.Depth() == 1 || !it.leaf.node.AtMinCapacity() {
		return nil
	}

	toMerge := lbatree.Depth(1)
	for {
		t.log.Debug("merge",
			zap.Stringer("txn", c.Trans.ID),
			zap.Uint32("depth", uint32(toMerge)))
		parent := it.getInternal(toMerge + 1)
		var err error
		if toMerge > 1 {
			err = mergeLevel(c, t, toMerge, parent, it.getInternal(toMerge))
		} else {
			err = mergeLevel(c, t, toMerge, parent, &it.leaf)
		}
		if err != nil {
			return err
		}

		toMerge++
		pos := it.getInternal(toMerge)
		if toMerge == it.Depth() {
			if pos.node.Size() == 1 {
				t.log.Debug("collapsing root", zap.Stringer("txn", c.Trans.ID))
				c.Cache.RetireExtent(c.Trans, pos.node)
				if pos.pos != 0 {
					panic(errors.AssertionFailedf(
						"root collapse with cursor at %d", pos.pos))
				}
				t.root.Paddr = pos.node.childAt(0)
				it.internal = it.internal[:len(it.internal)-1]
				t.root.Depth = it.Depth()
				c.Trans.Stats.Depth = it.Depth()
				t.rootDirty = true
			}
			return nil
		}
		if !pos.node.AtMinCapacity() {
			return nil
		}
	}
}

// mergeLevel resolves one underfull level: pick the sibling (left only when
// the node is its parent's rightmost child), then either fully merge the
// pair or rebalance it, fixing the parent slots and the cursor.
func mergeLevel[N node[N]](c OpContext, t *LBATree, depth lbatree.Depth, parent *nodePos[*InternalNode], pos *nodePos[N]) error {
	if !parent.node.Pending() {
		parent.node = c.Cache.DuplicateForWrite(c.Trans, parent.node).(*InternalNode)
	}
	if parent.pos >= parent.node.Size() {
		panic(errors.AssertionFailedf(
			"merge cursor %d out of parent %s", parent.pos, parent.node))
	}

	donorIsLeft := parent.pos+1 == parent.node.Size()
	donorPos := parent.pos + 1
	if donorIsLeft {
		donorPos = parent.pos - 1
	}
	donor, err := getNode[N](c, t, depth, parent.node.childAt(donorPos))
	if err != nil {
		return err
	}

	l, r := pos.node, donor
	liter, riter := parent.pos, donorPos
	if donorIsLeft {
		l, r = donor, pos.node
		liter, riter = donorPos, parent.pos
	}
	lsize := l.Size()

	if donor.AtMinCapacity() {
		replacement, err := l.MakeFullMerge(c, r)
		if err != nil {
			return err
		}

		parent.node.Update(liter, replacement.Paddr())
		parent.node.Remove(riter)

		pos.node = replacement
		if donorIsLeft {
			pos.pos += lsize
			parent.pos--
		}

		c.Cache.RetireExtent(c.Trans, l)
		c.Cache.RetireExtent(c.Trans, r)
		return nil
	}

	replacementL, replacementR, pivot, err := l.MakeBalanced(c, r, !donorIsLeft)
	if err != nil {
		return err
	}

	parent.node.Update(liter, replacementL.Paddr())
	parent.node.Replace(riter, pivot, replacementR.Paddr())

	if donorIsLeft {
		if parent.pos == 0 {
			panic(errors.AssertionFailedf("left donor for leftmost child"))
		}
		parent.pos--
	}

	orig := pos.pos
	if donorIsLeft {
		orig += lsize
	}
	if orig < replacementL.Size() {
		pos.node = replacementL
		pos.pos = orig
	} else {
		parent.pos++
		pos.node = replacementR
		pos.pos = orig - replacementL.Size()
	}

	c.Cache.RetireExtent(c.Trans, l)
	c.Cache.RetireExtent(c.Trans, r)
	return nil
}
