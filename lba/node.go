// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package lba implements the transactional copy-on-write B+tree that maps
// logical block addresses to physical block addresses. Every mutation first
// clones shared nodes into the transaction through the cache; structural
// changes cascade splits upward on insert and merges on remove.
package lba

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/dacapoday/lbatree"
	"github.com/dacapoday/lbatree/cache"
)

// Node payloads use LittleEndian encoding:
//
//	head  is {begin:8, end:8, depth:4, size:2}
//	leaf entries are {key:8, paddr:9, len:4, refcount:4, checksum:4}
//	internal entries are {pivot:8, child paddr:9}
//	paddr is {base:1, off:8}
const (
	nodeHeadSize      = 22
	paddrSize         = 9
	leafEntrySize     = 8 + paddrSize + 4 + 4 + 4
	internalEntrySize = 8 + paddrSize
)

// Config sets the node fan-out. Zero values derive the capacities from the
// block size; tests use small explicit capacities so cascades trigger early.
type Config struct {
	LeafCapacity     uint16
	InternalCapacity uint16
}

func (cfg Config) withDefaults() Config {
	if cfg.LeafCapacity == 0 {
		cfg.LeafCapacity = (lbatree.BlockSize - nodeHeadSize) / leafEntrySize
	}
	if cfg.InternalCapacity == 0 {
		cfg.InternalCapacity = (lbatree.BlockSize - nodeHeadSize) / internalEntrySize
	}
	return cfg
}

// node is the constraint shared by the two node variants, letting the split
// and merge cascades run over either level of the tree.
type node[N any] interface {
	*InternalNode | *LeafNode
	cache.Extent

	Size() uint16
	Capacity() uint16
	AtMinCapacity() bool
	Meta() lbatree.NodeMeta

	MakeSplitChildren(c OpContext) (left, right N, pivot lbatree.Laddr, err error)
	MakeFullMerge(c OpContext, right N) (N, error)
	MakeBalanced(c OpContext, right N, preferLeft bool) (left, right2 N, pivot lbatree.Laddr, err error)

	ResolveRelativeAddrs(delta lbatree.Paddr)
	initCapacity(cfg Config)
}

func init() {
	cache.RegisterKind(cache.KindLeaf, func() cache.Extent { return new(LeafNode) })
	cache.RegisterKind(cache.KindInternal, func() cache.Extent { return new(InternalNode) })
}

func putNodeHead(buf []byte, meta lbatree.NodeMeta, size uint16) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(meta.Begin))
	binary.LittleEndian.PutUint64(buf[8:], uint64(meta.End))
	binary.LittleEndian.PutUint32(buf[16:], uint32(meta.Depth))
	binary.LittleEndian.PutUint16(buf[20:], size)
}

func getNodeHead(buf []byte) (meta lbatree.NodeMeta, size uint16, err error) {
	if len(buf) < nodeHeadSize {
		err = lbatree.ErrBadMeta
		return
	}
	meta.Begin = lbatree.Laddr(binary.LittleEndian.Uint64(buf[0:]))
	meta.End = lbatree.Laddr(binary.LittleEndian.Uint64(buf[8:]))
	meta.Depth = lbatree.Depth(binary.LittleEndian.Uint32(buf[16:]))
	size = binary.LittleEndian.Uint16(buf[20:])
	if meta.Depth == 0 || meta.Begin >= meta.End {
		err = lbatree.ErrBadMeta
	}
	return
}

func putPaddr(buf []byte, p lbatree.Paddr) {
	buf[0] = byte(p.Base)
	binary.LittleEndian.PutUint64(buf[1:], uint64(p.Off))
}

func getPaddr(buf []byte) lbatree.Paddr {
	return lbatree.Paddr{
		Base: lbatree.AddrBase(buf[0]),
		Off:  int64(binary.LittleEndian.Uint64(buf[1:])),
	}
}

func allocLeafNode(c OpContext, capacity uint16) (*LeafNode, error) {
	ext, err := c.Cache.AllocNewExtent(c.Trans, cache.KindLeaf, lbatree.BlockSize)
	if err != nil {
		return nil, err
	}
	n := ext.(*LeafNode)
	n.capacity = capacity
	return n, nil
}

func allocInternalNode(c OpContext, capacity uint16) (*InternalNode, error) {
	ext, err := c.Cache.AllocNewExtent(c.Trans, cache.KindInternal, lbatree.BlockSize)
	if err != nil {
		return nil, err
	}
	n := ext.(*InternalNode)
	n.capacity = capacity
	return n, nil
}

// getNode loads the node variant matching the instantiated level.
func getNode[N node[N]](c OpContext, t *LBATree, depth lbatree.Depth, addr lbatree.Paddr) (N, error) {
	var zero N
	if depth == 1 {
		leaf, err := t.getLeafNode(c, addr)
		if err != nil {
			return zero, err
		}
		n, ok := any(leaf).(N)
		if !ok {
			panic(errors.AssertionFailedf("leaf node loaded for internal level"))
		}
		return n, nil
	}
	internal, err := t.getInternalNode(c, depth, addr)
	if err != nil {
		return zero, err
	}
	n, ok := any(internal).(N)
	if !ok {
		panic(errors.AssertionFailedf("internal node loaded for leaf level"))
	}
	return n, nil
}
