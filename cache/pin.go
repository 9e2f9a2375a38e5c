// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dacapoday/lbatree"
)

// Pin links a cache-resident extent to the key range it owns. Pins of clean
// node extents live in the cache's PinSet until the extent is retired or
// dropped; pins of logical extents record the leaf mapping they were resolved
// from.
type Pin struct {
	meta   lbatree.NodeMeta
	owner  Extent
	linked bool
}

// NewPin builds an unlinked pin for owner over meta.
func NewPin(owner Extent, meta lbatree.NodeMeta) *Pin {
	return &Pin{meta: meta, owner: owner}
}

// SetRange records the key range the pin covers. The range must be set
// before the pin is added to a PinSet.
func (p *Pin) SetRange(meta lbatree.NodeMeta) { p.meta = meta }

// Meta returns the pinned key range.
func (p *Pin) Meta() lbatree.NodeMeta { return p.meta }

// Linked reports whether the pin is currently registered.
func (p *Pin) Linked() bool { return p.linked }

// Owner returns the extent the pin belongs to.
func (p *Pin) Owner() Extent { return p.owner }

// PinSet is the per-cache interval registry of resident pins, indexed by
// (depth, begin). Two linked pins with overlapping ranges at the same depth
// are a bug.
type PinSet struct {
	mu      sync.Mutex
	byDepth map[lbatree.Depth][]*Pin
}

// Add links pin into the registry.
func (s *PinSet) Add(pin *Pin) {
	if pin.linked {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byDepth == nil {
		s.byDepth = map[lbatree.Depth][]*Pin{}
	}
	pins := s.byDepth[pin.meta.Depth]
	i := sort.Search(len(pins), func(i int) bool {
		return pins[i].meta.Begin >= pin.meta.Begin
	})
	if i < len(pins) && pins[i].meta.Begin < pin.meta.End {
		panic(errors.AssertionFailedf(
			"pin %s overlaps resident pin %s", pin.meta, pins[i].meta))
	}
	if i > 0 && pins[i-1].meta.End > pin.meta.Begin {
		panic(errors.AssertionFailedf(
			"pin %s overlaps resident pin %s", pin.meta, pins[i-1].meta))
	}
	pins = append(pins, nil)
	copy(pins[i+1:], pins[i:])
	pins[i] = pin
	s.byDepth[pin.meta.Depth] = pins
	pin.linked = true
}

// Remove unlinks pin. Unlinked pins are ignored.
func (s *PinSet) Remove(pin *Pin) {
	if !pin.linked {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pins := s.byDepth[pin.meta.Depth]
	for i, p := range pins {
		if p == pin {
			copy(pins[i:], pins[i+1:])
			s.byDepth[pin.meta.Depth] = pins[:len(pins)-1]
			break
		}
	}
	pin.linked = false
}

// Find returns the linked pin covering addr at depth, or nil.
func (s *PinSet) Find(depth lbatree.Depth, addr lbatree.Laddr) *Pin {
	s.mu.Lock()
	defer s.mu.Unlock()
	pins := s.byDepth[depth]
	i := sort.Search(len(pins), func(i int) bool {
		return pins[i].meta.End > addr
	})
	if i < len(pins) && pins[i].meta.Contains(addr) {
		return pins[i]
	}
	return nil
}

// Len returns the number of linked pins across all depths.
func (s *PinSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pins := range s.byDepth {
		n += len(pins)
	}
	return n
}
