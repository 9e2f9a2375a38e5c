// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lba

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
)

// InitCachedExtent decides whether a freshly read extent is still referenced
// by the current tree; it may be stale from a superseded transaction. Live
// extents come back initialized (logical extents with their mapping pin
// registered); stale ones are dropped from the cache and nil is returned.
// Extents of unrelated kinds pass through unchanged.
func (t *LBATree) InitCachedExtent(c OpContext, ext cache.Extent) (cache.Extent, error) {
	switch e := ext.(type) {
	case *cache.LogicalExtent:
		it, err := t.LowerBound(c, e.Laddr(), nil)
		if err != nil {
			return nil, err
		}
		if !it.IsEnd() && it.GetKey() == e.Laddr() && it.GetVal().Paddr == e.Paddr() &&
			it.GetVal().Len == e.Length() {
			pin := it.GetPin()
			e.SetPin(pin)
			c.Pins.Add(pin)
			t.log.Debug("logical extent live",
				zap.Uint64("laddr", uint64(e.Laddr())),
				zap.Stringer("paddr", e.Paddr()))
			return ext, nil
		}
		t.log.Debug("logical extent not live, dropping",
			zap.Uint64("laddr", uint64(e.Laddr())),
			zap.Stringer("paddr", e.Paddr()))
		c.Cache.DropFromCache(ext)
		return nil, nil

	case *InternalNode:
		it, err := t.LowerBound(c, e.Meta().Begin, nil)
		if err != nil {
			return nil, err
		}
		// this check is valid even at the end iterator
		cand := e.Meta().Depth
		if cand >= 2 && cand <= it.Depth() && it.getInternal(cand).node == e {
			t.log.Debug("internal node live", zap.Stringer("node", e))
			return ext, nil
		}
		t.log.Debug("internal node not live, dropping", zap.Stringer("node", e))
		c.Cache.DropFromCache(ext)
		return nil, nil

	case *LeafNode:
		it, err := t.LowerBound(c, e.Meta().Begin, nil)
		if err != nil {
			return nil, err
		}
		if it.leaf.node == e {
			t.log.Debug("leaf node live", zap.Stringer("node", e))
			return ext, nil
		}
		t.log.Debug("leaf node not live, dropping", zap.Stringer("node", e))
		c.Cache.DropFromCache(ext)
		return nil, nil

	default:
		return ext, nil
	}
}

// RewriteExtent relocates a tree node for compaction: a fresh pending clone
// takes over the payload and the pin range, the parent entry is re-pointed,
// and the original is retired.
func (t *LBATree) RewriteExtent(c OpContext, ext cache.Extent) error {
	switch e := ext.(type) {
	case *InternalNode:
		return rewriteNode(c, t, e)
	case *LeafNode:
		return rewriteNode(c, t, e)
	default:
		panic(errors.AssertionFailedf("rewrite of non-node extent kind %s", ext.Kind()))
	}
}

func rewriteNode[N node[N]](c OpContext, t *LBATree, n N) error {
	ext, err := c.Cache.AllocNewExtent(c.Trans, n.Kind(), n.Length())
	if err != nil {
		return err
	}
	clone := ext.(N)

	buf, err := n.Marshal()
	if err != nil {
		return err
	}
	if err := clone.Unmarshal(buf); err != nil {
		return err
	}
	clone.initCapacity(t.cfg)
	clone.Pin().SetRange(clone.Meta())

	// Child addresses were written relative to the source block; re-base
	// them against its absolute position before the block moves.
	clone.ResolveRelativeAddrs(n.Paddr())

	t.log.Debug("rewriting node",
		zap.Stringer("txn", c.Trans.ID),
		zap.Stringer("old", n.Paddr()),
		zap.Stringer("new", clone.Paddr()))

	meta := clone.Meta()
	if err := t.updateInternalMapping(c, meta.Depth, meta.Begin, n.Paddr(), clone.Paddr()); err != nil {
		return err
	}
	c.Cache.RetireExtent(c.Trans, n)
	return nil
}

// updateInternalMapping re-points the parent entry of a rewritten node from
// its old to its new address. The caller only calls this for a node it just
// rewrote and believed parent-reachable: any mismatch is a bug in the cache
// layer or a concurrent rewrite, and fatal. The scratch iterator used for
// the descent is invalid afterwards.
func (t *LBATree) updateInternalMapping(c OpContext, depth lbatree.Depth, laddr lbatree.Laddr, oldAddr, newAddr lbatree.Paddr) error {
	t.log.Debug("update internal mapping",
		zap.Stringer("txn", c.Trans.ID),
		zap.Uint32("depth", uint32(depth)),
		zap.Uint64("laddr", uint64(laddr)),
		zap.Stringer("old", oldAddr),
		zap.Stringer("new", newAddr))

	it, err := t.LowerBound(c, laddr, nil)
	if err != nil {
		return err
	}
	if it.Depth() < depth {
		panic(errors.AssertionFailedf(
			"mapping update at depth %d above tree depth %d", depth, it.Depth()))
	}

	if depth == it.Depth() {
		// the rewritten node is the root
		if laddr != 0 {
			panic(errors.AssertionFailedf(
				"root rewrite for laddr %d, not 0", uint64(laddr)))
		}
		if t.root.Paddr != oldAddr {
			panic(errors.AssertionFailedf(
				"root rewrite from %s, handle holds %s", oldAddr, t.root.Paddr))
		}
		t.root.Paddr = newAddr
		t.rootDirty = true
		return nil
	}

	parent := it.getInternal(depth + 1)
	if parent.pos >= parent.node.Size() {
		panic(errors.AssertionFailedf(
			"mapping update cursor %d out of parent %s", parent.pos, parent.node))
	}
	if parent.node.KeyAt(parent.pos) != laddr {
		panic(errors.AssertionFailedf(
			"parent pivot %d does not match rewritten node begin %d",
			uint64(parent.node.KeyAt(parent.pos)), uint64(laddr)))
	}
	if parent.node.childAt(parent.pos) != oldAddr {
		panic(errors.AssertionFailedf(
			"parent entry %s does not match rewritten node %s",
			parent.node.childAt(parent.pos), oldAddr))
	}

	if !parent.node.Pending() {
		parent.node = c.Cache.DuplicateForWrite(c.Trans, parent.node).(*InternalNode)
	}
	parent.node.Update(parent.pos, newAddr)

	// it is stale from here: neither the parent reference below the
	// mutable clone nor the child pointer was refreshed
	return nil
}
