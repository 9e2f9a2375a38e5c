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

type leafEntry struct {
	Key lbatree.Laddr
	Val lbatree.MapVal
}

// LeafNode maps logical addresses to physical extent records. Keys are
// strictly increasing; a leaf owns every address in its meta range.
type LeafNode struct {
	cache.CachedExtent
	meta     lbatree.NodeMeta
	entries  []leafEntry
	capacity uint16
}

func (n *LeafNode) Size() uint16     { return uint16(len(n.entries)) }
func (n *LeafNode) Capacity() uint16 { return n.capacity }

// AtMinCapacity reports whether removing from the node must trigger a merge.
func (n *LeafNode) AtMinCapacity() bool { return n.Size() <= n.capacity/2 }

func (n *LeafNode) Meta() lbatree.NodeMeta        { return n.meta }
func (n *LeafNode) SetMeta(meta lbatree.NodeMeta) { n.meta = meta }

func (n *LeafNode) initCapacity(cfg Config) { n.capacity = cfg.LeafCapacity }

func (n *LeafNode) KeyAt(pos uint16) lbatree.Laddr {
	return n.entries[pos].Key
}

func (n *LeafNode) ValAt(pos uint16) lbatree.MapVal {
	return n.entries[pos].Val
}

// LowerBound returns the first position with key >= addr.
func (n *LeafNode) LowerBound(addr lbatree.Laddr) uint16 {
	return uint16(sort.Search(len(n.entries), func(i int) bool {
		return n.entries[i].Key >= addr
	}))
}

// UpperBound returns the first position with key > addr.
func (n *LeafNode) UpperBound(addr lbatree.Laddr) uint16 {
	return uint16(sort.Search(len(n.entries), func(i int) bool {
		return n.entries[i].Key > addr
	}))
}

// Insert places a new entry at pos. The node must be pending.
func (n *LeafNode) Insert(pos uint16, key lbatree.Laddr, val lbatree.MapVal) {
	if !n.Pending() {
		panic(errors.AssertionFailedf("insert into shared leaf %s", n.Paddr()))
	}
	n.entries = append(n.entries, leafEntry{})
	copy(n.entries[pos+1:], n.entries[pos:])
	n.entries[pos] = leafEntry{Key: key, Val: val}
}

// Update overwrites the value at pos. The node must be pending.
func (n *LeafNode) Update(pos uint16, val lbatree.MapVal) {
	if !n.Pending() {
		panic(errors.AssertionFailedf("update of shared leaf %s", n.Paddr()))
	}
	n.entries[pos].Val = val
}

// Remove deletes the entry at pos. The node must be pending.
func (n *LeafNode) Remove(pos uint16) {
	if !n.Pending() {
		panic(errors.AssertionFailedf("remove from shared leaf %s", n.Paddr()))
	}
	n.entries = append(n.entries[:pos], n.entries[pos+1:]...)
}

// MakeSplitChildren allocates two pending leaves holding the two halves of
// the node. The pivot is the first key of the right child and splits the
// meta range between them.
func (n *LeafNode) MakeSplitChildren(c OpContext) (left, right *LeafNode, pivot lbatree.Laddr, err error) {
	if left, err = allocLeafNode(c, n.capacity); err != nil {
		return
	}
	if right, err = allocLeafNode(c, n.capacity); err != nil {
		return
	}
	half := n.Size() / 2
	left.entries = append(left.entries, n.entries[:half]...)
	right.entries = append(right.entries, n.entries[half:]...)
	pivot = right.entries[0].Key
	left.SetMeta(lbatree.NodeMeta{Begin: n.meta.Begin, End: pivot, Depth: n.meta.Depth})
	right.SetMeta(lbatree.NodeMeta{Begin: pivot, End: n.meta.End, Depth: n.meta.Depth})
	left.Pin().SetRange(left.meta)
	right.Pin().SetRange(right.meta)
	return
}

// MakeFullMerge allocates one pending leaf holding the entries of the node
// and its right sibling.
func (n *LeafNode) MakeFullMerge(c OpContext, right *LeafNode) (*LeafNode, error) {
	if n.meta.End != right.meta.Begin {
		panic(errors.AssertionFailedf("merge of non-siblings %s and %s", n.meta, right.meta))
	}
	merged, err := allocLeafNode(c, n.capacity)
	if err != nil {
		return nil, err
	}
	merged.entries = append(append(merged.entries, n.entries...), right.entries...)
	merged.SetMeta(lbatree.NodeMeta{Begin: n.meta.Begin, End: right.meta.End, Depth: n.meta.Depth})
	merged.Pin().SetRange(merged.meta)
	return merged, nil
}

// MakeBalanced redistributes the entries of the node and its right sibling
// across two pending leaves so both end up above minimum capacity.
// preferLeft gives the left node the extra entry on an odd total.
func (n *LeafNode) MakeBalanced(c OpContext, right *LeafNode, preferLeft bool) (left, replaced *LeafNode, pivot lbatree.Laddr, err error) {
	if n.meta.End != right.meta.Begin {
		panic(errors.AssertionFailedf("balance of non-siblings %s and %s", n.meta, right.meta))
	}
	if left, err = allocLeafNode(c, n.capacity); err != nil {
		return
	}
	if replaced, err = allocLeafNode(c, n.capacity); err != nil {
		return
	}
	total := len(n.entries) + len(right.entries)
	keep := total / 2
	if preferLeft {
		keep = total - total/2
	}
	all := make([]leafEntry, 0, total)
	all = append(append(all, n.entries...), right.entries...)
	left.entries = append(left.entries, all[:keep]...)
	replaced.entries = append(replaced.entries, all[keep:]...)
	pivot = replaced.entries[0].Key
	left.SetMeta(lbatree.NodeMeta{Begin: n.meta.Begin, End: pivot, Depth: n.meta.Depth})
	replaced.SetMeta(lbatree.NodeMeta{Begin: pivot, End: right.meta.End, Depth: n.meta.Depth})
	left.Pin().SetRange(left.meta)
	replaced.Pin().SetRange(replaced.meta)
	return
}

// ResolveRelativeAddrs is a no-op: leaf values address client extents with
// stable paddrs.
func (n *LeafNode) ResolveRelativeAddrs(delta lbatree.Paddr) {}

func (n *LeafNode) Marshal() ([]byte, error) {
	buf := make([]byte, lbatree.BlockSize)
	if nodeHeadSize+len(n.entries)*leafEntrySize > len(buf) {
		return nil, lbatree.ErrNoSpace
	}
	putNodeHead(buf, n.meta, n.Size())
	off := nodeHeadSize
	for _, e := range n.entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Key))
		putPaddr(buf[off+8:], e.Val.Paddr)
		binary.LittleEndian.PutUint32(buf[off+8+paddrSize:], e.Val.Len)
		binary.LittleEndian.PutUint32(buf[off+12+paddrSize:], e.Val.Refcount)
		binary.LittleEndian.PutUint32(buf[off+16+paddrSize:], e.Val.Checksum)
		off += leafEntrySize
	}
	return buf, nil
}

func (n *LeafNode) Unmarshal(data []byte) error {
	meta, size, err := getNodeHead(data)
	if err != nil {
		return err
	}
	if meta.Depth != 1 {
		return errors.Wrapf(lbatree.ErrBadMeta, "leaf at depth %d", meta.Depth)
	}
	if nodeHeadSize+int(size)*leafEntrySize > len(data) {
		return lbatree.ErrBadEntry
	}
	n.meta = meta
	n.entries = n.entries[:0]
	off := nodeHeadSize
	for i := uint16(0); i < size; i++ {
		var e leafEntry
		e.Key = lbatree.Laddr(binary.LittleEndian.Uint64(data[off:]))
		e.Val.Paddr = getPaddr(data[off+8:])
		e.Val.Len = binary.LittleEndian.Uint32(data[off+8+paddrSize:])
		e.Val.Refcount = binary.LittleEndian.Uint32(data[off+12+paddrSize:])
		e.Val.Checksum = binary.LittleEndian.Uint32(data[off+16+paddrSize:])
		n.entries = append(n.entries, e)
		off += leafEntrySize
	}
	return nil
}

func (n *LeafNode) Duplicate() cache.Extent {
	dup := &LeafNode{meta: n.meta, capacity: n.capacity}
	dup.entries = append([]leafEntry(nil), n.entries...)
	return dup
}

func (n *LeafNode) String() string {
	return fmt.Sprintf("leaf{%s size=%d paddr=%s}", n.meta, n.Size(), n.Paddr())
}
