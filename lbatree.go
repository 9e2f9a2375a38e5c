// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package lbatree defines the basic address types and interfaces shared by the
// components of the log-structured object store's LBA mapping layer.
package lbatree

import (
	"fmt"
	"io"
)

// BlockSize is the fixed size of every tree node block.
const BlockSize = 4096

// Laddr is a logical block address, the key space of the mapping tree.
type Laddr uint64

const (
	// MinLaddr is the left sentinel pivot of an internal node.
	MinLaddr Laddr = 0
	// MaxLaddr is one past the maximum logical address, used as an
	// exclusive right bound.
	MaxLaddr Laddr = ^Laddr(0)
)

// Depth counts tree levels from the leaves up. Leaves are depth 1.
type Depth uint32

// AddrBase selects the encoding of a Paddr offset.
type AddrBase uint8

const (
	// AbsBase addresses are stable device offsets.
	AbsBase AddrBase = iota
	// RecordBase addresses are relative to the transaction's in-flight
	// record; they exist only between allocation and commit.
	RecordBase
	// BlockBase addresses are relative to the block that contains them
	// and must be resolved against that block's absolute address.
	BlockBase
)

// Paddr is a physical block address. The same child slot of an internal node
// may hold any of the three encodings; readers normalize with MaybeRelativeTo
// before use.
type Paddr struct {
	Base AddrBase `cbor:"1,keyasint"`
	Off  int64    `cbor:"2,keyasint"`
}

// NullPaddr is the distinguished "nowhere" address.
var NullPaddr = Paddr{Base: AbsBase, Off: -1}

func AbsPaddr(off int64) Paddr    { return Paddr{Base: AbsBase, Off: off} }
func RecordPaddr(off int64) Paddr { return Paddr{Base: RecordBase, Off: off} }
func BlockPaddr(off int64) Paddr  { return Paddr{Base: BlockBase, Off: off} }

// IsNull reports whether the address is the null address.
func (p Paddr) IsNull() bool {
	return p == NullPaddr
}

// IsRelative reports whether the address still needs a base to be usable.
func (p Paddr) IsRelative() bool {
	return p.Base != AbsBase
}

// Add offsets the address within its own encoding.
func (p Paddr) Add(off int64) Paddr {
	return Paddr{Base: p.Base, Off: p.Off + off}
}

// Sub produces the block-relative delta between two addresses of the same
// encoding. The result is only meaningful as an argument to Add or to a
// node's relative-address fixup.
func (p Paddr) Sub(o Paddr) Paddr {
	return Paddr{Base: BlockBase, Off: p.Off - o.Off}
}

// MaybeRelativeTo resolves a block-relative address against the absolute
// address of the containing block. Absolute and record-relative addresses
// pass through unchanged: record-relative ones are resolvable within the
// owning transaction without a base.
func (p Paddr) MaybeRelativeTo(base Paddr) Paddr {
	if p.Base == BlockBase {
		return Paddr{Base: base.Base, Off: base.Off + p.Off}
	}
	return p
}

func (p Paddr) String() string {
	switch p.Base {
	case RecordBase:
		return fmt.Sprintf("record+%d", p.Off)
	case BlockBase:
		return fmt.Sprintf("block%+d", p.Off)
	default:
		if p.IsNull() {
			return "null"
		}
		return fmt.Sprintf("abs:%d", p.Off)
	}
}

// MapVal is the physical extent record a leaf entry maps a logical address to.
type MapVal struct {
	Paddr    Paddr
	Len      uint32
	Refcount uint32
	Checksum uint32
}

// NodeMeta bounds the key range owned by a subtree: Begin <= k < End for
// every key k under the node, at the given depth.
type NodeMeta struct {
	Begin Laddr
	End   Laddr
	Depth Depth
}

// Contains reports whether the subtree owns addr.
func (m NodeMeta) Contains(addr Laddr) bool {
	return addr >= m.Begin && addr < m.End
}

// IsParentOf reports whether m is the direct parent range of o.
func (m NodeMeta) IsParentOf(o NodeMeta) bool {
	return m.Depth == o.Depth+1 && m.Begin <= o.Begin && m.End >= o.End
}

func (m NodeMeta) String() string {
	return fmt.Sprintf("[%d,%d)@%d", m.Begin, m.End, m.Depth)
}

// RootHandle is the only tree state persisted outside the nodes: the
// location of the root block and the tree depth. The transaction writes it
// out-of-band at commit.
type RootHandle struct {
	Paddr Paddr `cbor:"1,keyasint"`
	Depth Depth `cbor:"2,keyasint"`
}

func (r RootHandle) String() string {
	return fmt.Sprintf("root{%s depth=%d}", r.Paddr, r.Depth)
}

// File provides access to a storage backend for the object store.
// The File interface is the minimum implementation required.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	Sync() error
}
