// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lba

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
)

type internalEntry struct {
	Key lbatree.Laddr
	Val lbatree.Paddr
}

// InternalNode routes a key range to its children. The pivot of entry i is
// the minimum key of the child at its paddr; entry 0's pivot equals the
// node's meta begin, which is MinLaddr only for the leftmost node of a level.
// Child paddrs may be stored relative; childAt normalizes them.
type InternalNode struct {
	cache.CachedExtent
	meta     lbatree.NodeMeta
	entries  []internalEntry
	capacity uint16
}

func (n *InternalNode) Size() uint16     { return uint16(len(n.entries)) }
func (n *InternalNode) Capacity() uint16 { return n.capacity }

// AtMinCapacity reports whether removing from the node must trigger a merge.
func (n *InternalNode) AtMinCapacity() bool { return n.Size() <= n.capacity/2 }

func (n *InternalNode) Meta() lbatree.NodeMeta        { return n.meta }
func (n *InternalNode) SetMeta(meta lbatree.NodeMeta) { n.meta = meta }

func (n *InternalNode) initCapacity(cfg Config) { n.capacity = cfg.InternalCapacity }

func (n *InternalNode) KeyAt(pos uint16) lbatree.Laddr {
	return n.entries[pos].Key
}

// childAt returns the child address at pos, resolved against this node's
// position. Raw encoded paddrs must never leak upward.
func (n *InternalNode) childAt(pos uint16) lbatree.Paddr {
	return n.entries[pos].Val.MaybeRelativeTo(n.Paddr())
}

// LowerBound returns the first position with pivot >= addr.
func (n *InternalNode) LowerBound(addr lbatree.Laddr) uint16 {
	return uint16(sort.Search(len(n.entries), func(i int) bool {
		return n.entries[i].Key >= addr
	}))
}

// UpperBound returns the first position with pivot > addr.
func (n *InternalNode) UpperBound(addr lbatree.Laddr) uint16 {
	return uint16(sort.Search(len(n.entries), func(i int) bool {
		return n.entries[i].Key > addr
	}))
}

// Insert places a new child entry at pos. The node must be pending.
func (n *InternalNode) Insert(pos uint16, pivot lbatree.Laddr, child lbatree.Paddr) {
	if !n.Pending() {
		panic(errors.AssertionFailedf("insert into shared node %s", n.Paddr()))
	}
	n.entries = append(n.entries, internalEntry{})
	copy(n.entries[pos+1:], n.entries[pos:])
	n.entries[pos] = internalEntry{Key: pivot, Val: child}
}

// Update overwrites the child address at pos, keeping the pivot.
func (n *InternalNode) Update(pos uint16, child lbatree.Paddr) {
	if !n.Pending() {
		panic(errors.AssertionFailedf("update of shared node %s", n.Paddr()))
	}
	n.entries[pos].Val = child
}

// Replace overwrites pivot and child address at pos atomically.
func (n *InternalNode) Replace(pos uint16, pivot lbatree.Laddr, child lbatree.Paddr) {
	if !n.Pending() {
		panic(errors.AssertionFailedf("replace in shared node %s", n.Paddr()))
	}
	n.entries[pos] = internalEntry{Key: pivot, Val: child}
}

// Remove deletes the child entry at pos. The node must be pending.
func (n *InternalNode) Remove(pos uint16) {
	if !n.Pending() {
		panic(errors.AssertionFailedf("remove from shared node %s", n.Paddr()))
	}
	n.entries = append(n.entries[:pos], n.entries[pos+1:]...)
}

// MakeSplitChildren allocates two pending nodes holding the two halves of
// the node. The pivot is the first pivot of the right child.
func (n *InternalNode) MakeSplitChildren(c OpContext) (left, right *InternalNode, pivot lbatree.Laddr, err error) {
	if left, err = allocInternalNode(c, n.capacity); err != nil {
		return
	}
	if right, err = allocInternalNode(c, n.capacity); err != nil {
		return
	}
	half := n.Size() / 2
	left.entries = appendResolved(left.entries, n, 0, half)
	right.entries = appendResolved(right.entries, n, half, n.Size())
	pivot = right.entries[0].Key
	left.SetMeta(lbatree.NodeMeta{Begin: n.meta.Begin, End: pivot, Depth: n.meta.Depth})
	right.SetMeta(lbatree.NodeMeta{Begin: pivot, End: n.meta.End, Depth: n.meta.Depth})
	left.Pin().SetRange(left.meta)
	right.Pin().SetRange(right.meta)
	return
}

// MakeFullMerge allocates one pending node holding the entries of the node
// and its right sibling.
func (n *InternalNode) MakeFullMerge(c OpContext, right *InternalNode) (*InternalNode, error) {
	if n.meta.End != right.meta.Begin {
		panic(errors.AssertionFailedf("merge of non-siblings %s and %s", n.meta, right.meta))
	}
	merged, err := allocInternalNode(c, n.capacity)
	if err != nil {
		return nil, err
	}
	merged.entries = appendResolved(merged.entries, n, 0, n.Size())
	merged.entries = appendResolved(merged.entries, right, 0, right.Size())
	merged.SetMeta(lbatree.NodeMeta{Begin: n.meta.Begin, End: right.meta.End, Depth: n.meta.Depth})
	merged.Pin().SetRange(merged.meta)
	return merged, nil
}

// MakeBalanced redistributes the entries of the node and its right sibling
// across two pending nodes so both end up above minimum capacity.
func (n *InternalNode) MakeBalanced(c OpContext, right *InternalNode, preferLeft bool) (left, replaced *InternalNode, pivot lbatree.Laddr, err error) {
	if n.meta.End != right.meta.Begin {
		panic(errors.AssertionFailedf("balance of non-siblings %s and %s", n.meta, right.meta))
	}
	if left, err = allocInternalNode(c, n.capacity); err != nil {
		return
	}
	if replaced, err = allocInternalNode(c, n.capacity); err != nil {
		return
	}
	total := len(n.entries) + len(right.entries)
	keep := total / 2
	if preferLeft {
		keep = total - total/2
	}
	all := make([]internalEntry, 0, total)
	all = appendResolved(all, n, 0, n.Size())
	all = appendResolved(all, right, 0, right.Size())
	left.entries = append(left.entries, all[:keep]...)
	replaced.entries = append(replaced.entries, all[keep:]...)
	pivot = replaced.entries[0].Key
	left.SetMeta(lbatree.NodeMeta{Begin: n.meta.Begin, End: pivot, Depth: n.meta.Depth})
	replaced.SetMeta(lbatree.NodeMeta{Begin: pivot, End: right.meta.End, Depth: n.meta.Depth})
	left.Pin().SetRange(left.meta)
	replaced.Pin().SetRange(replaced.meta)
	return
}

// appendResolved copies entries [beg, end) of src, normalizing child paddrs
// against src's position: the copies land in a different block, so addresses
// relative to src would dangle.
func appendResolved(dst []internalEntry, src *InternalNode, beg, end uint16) []internalEntry {
	for pos := beg; pos < end; pos++ {
		dst = append(dst, internalEntry{Key: src.entries[pos].Key, Val: src.childAt(pos)})
	}
	return dst
}

// ResolveRelativeAddrs re-bases relative child addresses by delta:
// record-relative entries become block-relative when delta is block-relative
// (commit placing the node at its final position), and block-relative
// entries become absolute when delta is the absolute address of the block
// they were written in (rewrite moving the node away from it).
func (n *InternalNode) ResolveRelativeAddrs(delta lbatree.Paddr) {
	for i := range n.entries {
		p := n.entries[i].Val
		switch {
		case p.Base == lbatree.RecordBase && delta.Base == lbatree.BlockBase,
			p.Base == lbatree.BlockBase && delta.Base == lbatree.AbsBase:
			n.entries[i].Val = lbatree.Paddr{Base: delta.Base, Off: p.Off + delta.Off}
		}
	}
}

func (n *InternalNode) Marshal() ([]byte, error) {
	buf := make([]byte, lbatree.BlockSize)
	if nodeHeadSize+len(n.entries)*internalEntrySize > len(buf) {
		return nil, lbatree.ErrNoSpace
	}
	putNodeHead(buf, n.meta, n.Size())
	off := nodeHeadSize
	for _, e := range n.entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Key))
		putPaddr(buf[off+8:], e.Val)
		off += internalEntrySize
	}
	return buf, nil
}

func (n *InternalNode) Unmarshal(data []byte) error {
	meta, size, err := getNodeHead(data)
	if err != nil {
		return err
	}
	if meta.Depth < 2 {
		return errors.Wrapf(lbatree.ErrBadMeta, "internal node at depth %d", meta.Depth)
	}
	if size == 0 || nodeHeadSize+int(size)*internalEntrySize > len(data) {
		return lbatree.ErrBadEntry
	}
	n.meta = meta
	n.entries = n.entries[:0]
	off := nodeHeadSize
	for i := uint16(0); i < size; i++ {
		var e internalEntry
		e.Key = lbatree.Laddr(binary.LittleEndian.Uint64(data[off:]))
		e.Val = getPaddr(data[off+8:])
		n.entries = append(n.entries, e)
		off += internalEntrySize
	}
	return nil
}

func (n *InternalNode) Duplicate() cache.Extent {
	dup := &InternalNode{meta: n.meta, capacity: n.capacity}
	dup.entries = append([]internalEntry(nil), n.entries...)
	return dup
}

func (n *InternalNode) String() string {
	return fmt.Sprintf("internal{%s size=%d paddr=%s}", n.meta, n.Size(), n.Paddr())
}
