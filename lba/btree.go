// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lba

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
)

// OpContext carries the collaborators every tree operation runs against: the
// current transaction, the extent cache, and the pin registry.
type OpContext struct {
	Trans *cache.Transaction
	Cache *cache.Cache
	Pins  *cache.PinSet
}

// LBATree is the copy-on-write B+tree mapping logical to physical block
// addresses. A tree instance owns the root handle; everything else lives in
// node extents behind the cache. Instances are shard-local and must not be
// shared between goroutines.
type LBATree struct {
	cfg       Config
	log       *zap.Logger
	root      lbatree.RootHandle
	rootDirty bool
}

// New opens a tree over an existing root handle, typically loaded from the
// device root record.
func New(root lbatree.RootHandle, cfg Config, log *zap.Logger) *LBATree {
	if log == nil {
		log = zap.NewNop()
	}
	return &LBATree{cfg: cfg.withDefaults(), log: log, root: root}
}

// MkFS initializes an empty tree: a single empty leaf owning the whole
// address space. The returned handle opens the tree with New.
func MkFS(c OpContext, cfg Config) (lbatree.RootHandle, error) {
	cfg = cfg.withDefaults()
	leaf, err := allocLeafNode(c, cfg.LeafCapacity)
	if err != nil {
		return lbatree.RootHandle{}, err
	}
	meta := lbatree.NodeMeta{Begin: 0, End: lbatree.MaxLaddr, Depth: 1}
	leaf.SetMeta(meta)
	leaf.Pin().SetRange(meta)
	c.Pins.Add(leaf.Pin())
	c.Trans.Stats.Depth = 1
	return lbatree.RootHandle{Paddr: leaf.Paddr(), Depth: 1}, nil
}

// Root returns the current root handle; it is what commit persists.
func (t *LBATree) Root() lbatree.RootHandle { return t.root }

// RootDirty reports whether the handle's location or depth changed in the
// current transaction.
func (t *LBATree) RootDirty() bool { return t.rootDirty }

// Commit writes the transaction through the cache together with the root
// handle and clears the dirty flag.
func (t *LBATree) Commit(c OpContext) error {
	if err := c.Trans.Commit(&t.root); err != nil {
		return err
	}
	t.rootDirty = false
	return nil
}

type chooserInternal func(*InternalNode) uint16
type chooserLeaf func(*LeafNode) uint16

// lookup descends from the root, picking one entry per internal level with
// chooserInternal and the final position with chooserLeaf, and records the
// whole path in the returned iterator.
func (t *LBATree) lookup(c OpContext, ci chooserInternal, cl chooserLeaf, visitor Visitor) (*Iterator, error) {
	depth := t.root.Depth
	if depth == 0 {
		panic(errors.AssertionFailedf("lookup on uninitialized tree"))
	}
	c.Trans.Stats.Depth = depth

	it := &Iterator{tree: t}
	if depth == 1 {
		leaf, err := t.getLeafNode(c, t.root.Paddr)
		if err != nil {
			return nil, err
		}
		visit(visitor, leaf.Meta(), leaf.Paddr(), lbatree.BlockSize)
		it.leaf = nodePos[*LeafNode]{node: leaf, pos: cl(leaf)}
		return it, nil
	}

	it.internal = make([]nodePos[*InternalNode], depth-1)
	root, err := t.getInternalNode(c, depth, t.root.Paddr)
	if err != nil {
		return nil, err
	}
	visit(visitor, root.Meta(), root.Paddr(), lbatree.BlockSize)
	*it.getInternal(depth) = nodePos[*InternalNode]{node: root, pos: ci(root)}

	if err := t.lookupDepthRange(c, it, depth-1, ci, cl, visitor); err != nil {
		return nil, err
	}
	return it, nil
}

// lookupDepthRange fills iterator levels from depth `from` down to the leaf,
// reading each child through the cache from the already-positioned parent.
func (t *LBATree) lookupDepthRange(c OpContext, it *Iterator, from lbatree.Depth, ci chooserInternal, cl chooserLeaf, visitor Visitor) error {
	for depth := from; depth >= 1; depth-- {
		parent := it.getInternal(depth + 1)
		addr := parent.node.childAt(parent.pos)
		if depth > 1 {
			n, err := t.getInternalNode(c, depth, addr)
			if err != nil {
				return err
			}
			visit(visitor, n.Meta(), n.Paddr(), lbatree.BlockSize)
			*it.getInternal(depth) = nodePos[*InternalNode]{node: n, pos: ci(n)}
			continue
		}
		leaf, err := t.getLeafNode(c, addr)
		if err != nil {
			return err
		}
		visit(visitor, leaf.Meta(), leaf.Paddr(), lbatree.BlockSize)
		it.leaf = nodePos[*LeafNode]{node: leaf, pos: cl(leaf)}
		return nil
	}
	return nil
}

// LowerBound positions an iterator at the first key >= addr, or at the end.
// There is no "not found": callers check IsEnd and the key themselves.
func (t *LBATree) LowerBound(c OpContext, addr lbatree.Laddr, visitor Visitor) (*Iterator, error) {
	it, err := t.lookup(c,
		func(n *InternalNode) uint16 {
			if n.Size() == 0 {
				panic(errors.AssertionFailedf("descent into empty internal node %s", n))
			}
			// the child whose pivot is the greatest <= addr
			return n.UpperBound(addr) - 1
		},
		func(n *LeafNode) uint16 {
			return n.LowerBound(addr)
		},
		visitor)
	if err != nil {
		return nil, err
	}
	if it.IsEnd() && it.leaf.node.Size() > 0 {
		// the chosen leaf holds no key >= addr; the first such key, if
		// any, starts the next leaf
		it.leaf.pos = it.leaf.node.Size() - 1
		if err := it.Next(c, visitor); err != nil {
			return nil, err
		}
	}
	t.log.Debug("lower_bound",
		zap.Stringer("txn", c.Trans.ID),
		zap.Uint64("laddr", uint64(addr)),
		zap.Uint16("pos", it.leaf.pos),
		zap.Bool("end", it.IsEnd()))
	return it, nil
}

// getInternalNode reads an internal node through the cache, validates its
// meta against the entry bounds, and registers its pin if it is a clean
// first-time resident.
func (t *LBATree) getInternalNode(c OpContext, depth lbatree.Depth, addr lbatree.Paddr) (*InternalNode, error) {
	ext, err := c.Cache.GetExtent(c.Trans, addr, lbatree.BlockSize, cache.KindInternal)
	if err != nil {
		return nil, err
	}
	n, ok := ext.(*InternalNode)
	if !ok {
		return nil, errors.Wrapf(lbatree.ErrBadEntry, "extent at %s is not an internal node", addr)
	}
	if n.capacity == 0 {
		n.capacity = t.cfg.InternalCapacity
	}
	meta := n.Meta()
	if meta.Depth != depth {
		panic(errors.AssertionFailedf(
			"internal node %s read at depth %d", n, depth))
	}
	if n.Size() > 0 {
		if meta.Begin > n.KeyAt(0) || meta.End <= n.KeyAt(n.Size()-1) {
			panic(errors.AssertionFailedf(
				"internal node %s entries escape its range", n))
		}
	}
	if !n.Pending() && !n.Pin().Linked() {
		n.Pin().SetRange(meta)
		c.Pins.Add(n.Pin())
	}
	return n, nil
}

// getLeafNode is the leaf-level counterpart of getInternalNode.
func (t *LBATree) getLeafNode(c OpContext, addr lbatree.Paddr) (*LeafNode, error) {
	ext, err := c.Cache.GetExtent(c.Trans, addr, lbatree.BlockSize, cache.KindLeaf)
	if err != nil {
		return nil, err
	}
	n, ok := ext.(*LeafNode)
	if !ok {
		return nil, errors.Wrapf(lbatree.ErrBadEntry, "extent at %s is not a leaf node", addr)
	}
	if n.capacity == 0 {
		n.capacity = t.cfg.LeafCapacity
	}
	meta := n.Meta()
	if n.Size() > 0 {
		if meta.Begin > n.KeyAt(0) || meta.End <= n.KeyAt(n.Size()-1) {
			panic(errors.AssertionFailedf(
				"leaf node %s entries escape its range", n))
		}
	}
	if !n.Pending() && !n.Pin().Linked() {
		n.Pin().SetRange(meta)
		c.Pins.Add(n.Pin())
	}
	return n, nil
}
