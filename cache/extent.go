// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the transactional extent cache of the object
// store: read-through access to committed extents, copy-on-write clones for
// mutation, retirement, and the pin registry used for liveness tracking.
package cache

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dacapoday/lbatree"
)

// Kind identifies the on-device variant of an extent.
type Kind uint8

const (
	KindRoot Kind = iota + 1
	KindInternal
	KindLeaf
	KindLogical
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	case KindLogical:
		return "logical"
	default:
		return "unknown"
	}
}

type extentState uint8

const (
	stateClean extentState = iota
	statePending
	stateRetired
	stateDropped
)

// Extent is a cache-resident run of storage. Concrete extents embed
// CachedExtent and add their payload model on top.
type Extent interface {
	Kind() Kind
	Paddr() lbatree.Paddr
	Length() uint32
	Pending() bool
	Pin() *Pin

	// Marshal serializes the payload; Unmarshal must reconstruct an
	// identical view from it.
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error

	// Duplicate deep-copies the extent for copy-on-write.
	Duplicate() Extent

	ref() *CachedExtent
}

// CachedExtent carries the cache bookkeeping shared by every extent variant.
// Embed it (by value) in concrete extent types.
type CachedExtent struct {
	kind    Kind
	paddr   lbatree.Paddr
	length  uint32
	state   extentState
	version uint64
	self    Extent
	pin     Pin
}

func (e *CachedExtent) Kind() Kind            { return e.kind }
func (e *CachedExtent) Paddr() lbatree.Paddr  { return e.paddr }
func (e *CachedExtent) Length() uint32        { return e.length }
func (e *CachedExtent) Pending() bool         { return e.state == statePending }
func (e *CachedExtent) Retired() bool         { return e.state == stateRetired }
func (e *CachedExtent) Pin() *Pin             { return &e.pin }
func (e *CachedExtent) ref() *CachedExtent    { return e }

func (e *CachedExtent) init(self Extent, kind Kind, paddr lbatree.Paddr, length uint32, state extentState) {
	e.kind = kind
	e.paddr = paddr
	e.length = length
	e.state = state
	e.self = self
	e.pin = Pin{owner: self}
}

// LogicalExtent is client data addressed by a logical address. The laddr is
// assigned by the logical layer and is not part of the serialized payload.
type LogicalExtent struct {
	CachedExtent
	laddr lbatree.Laddr
	data  []byte
	pin   *Pin
}

func (e *LogicalExtent) Laddr() lbatree.Laddr        { return e.laddr }
func (e *LogicalExtent) SetLaddr(laddr lbatree.Laddr) { e.laddr = laddr }

// Data exposes the payload for reads and in-place writes on pending extents.
func (e *LogicalExtent) Data() []byte { return e.data }

// SetPin installs the mapping pin resolved by the tree for this extent.
func (e *LogicalExtent) SetPin(pin *Pin) { e.pin = pin }

// Pin returns the mapping pin if one was installed, else the embedded pin.
func (e *LogicalExtent) Pin() *Pin {
	if e.pin != nil {
		return e.pin
	}
	return &e.CachedExtent.pin
}

func (e *LogicalExtent) Marshal() ([]byte, error) {
	buf := make([]byte, len(e.data))
	copy(buf, e.data)
	return buf, nil
}

func (e *LogicalExtent) Unmarshal(data []byte) error {
	e.data = append(e.data[:0], data...)
	return nil
}

func (e *LogicalExtent) Duplicate() Extent {
	dup := &LogicalExtent{laddr: e.laddr}
	dup.data = append([]byte(nil), e.data...)
	return dup
}

// Factory produces an empty extent of one kind for read-through decoding.
type Factory func() Extent

var (
	factoryMu sync.RWMutex
	factories = map[Kind]Factory{}
)

// RegisterKind installs the decoder factory for an extent kind. Meant to be
// called from package init functions of the extent owners.
func RegisterKind(kind Kind, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, ok := factories[kind]; ok {
		panic(errors.AssertionFailedf("extent kind %s registered twice", kind))
	}
	factories[kind] = factory
}

func newExtent(kind Kind) (Extent, error) {
	factoryMu.RLock()
	factory, ok := factories[kind]
	factoryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(lbatree.ErrUnsupported, "extent kind %s", kind)
	}
	return factory(), nil
}

func init() {
	RegisterKind(KindLogical, func() Extent { return new(LogicalExtent) })
}
