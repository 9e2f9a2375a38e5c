// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"github.com/google/uuid"

	"github.com/dacapoday/lbatree"
)

// Stats is the mutable per-transaction stats record the tree keeps current.
type Stats struct {
	Depth    lbatree.Depth
	Reads    uint64
	Allocs   uint64
	Mutates  uint64
	Retires  uint64
}

// Transaction collects the extents one operation sequence read and wrote.
// Transactions are shard-local and must not be shared between goroutines.
// Concurrent transactions see a snapshot-isolated view: they share clean
// extents until they write, at which point copy-on-write clones isolate
// them. Conflicts surface at Commit as ErrConflict.
type Transaction struct {
	ID    uuid.UUID
	Stats Stats

	cache      *Cache
	reads      map[int64]uint64 // device offset -> version at first read
	readExts   map[int64]Extent // repeatable reads within the transaction
	writes     map[lbatree.Paddr]Extent
	writeOrder []Extent
	retired    []Extent
	recordTail int64
	done       bool
}

func newTransaction(c *Cache) *Transaction {
	return &Transaction{
		ID:       uuid.New(),
		cache:    c,
		reads:    map[int64]uint64{},
		readExts: map[int64]Extent{},
		writes:   map[lbatree.Paddr]Extent{},
	}
}

func (t *Transaction) recordRead(off int64, version uint64, ext Extent) {
	if _, ok := t.reads[off]; !ok {
		t.reads[off] = version
		t.readExts[off] = ext
		t.Stats.Reads++
	}
}

func (t *Transaction) recordWrite(ext Extent) {
	t.writes[ext.Paddr()] = ext
	t.writeOrder = append(t.writeOrder, ext)
}

// forgetWrite drops a pending extent retired before it ever committed.
func (t *Transaction) forgetWrite(ext Extent) {
	delete(t.writes, ext.Paddr())
	for i, e := range t.writeOrder {
		if e == ext {
			t.writeOrder = append(t.writeOrder[:i], t.writeOrder[i+1:]...)
			break
		}
	}
}

func (t *Transaction) pendingAt(paddr lbatree.Paddr) (Extent, bool) {
	ext, ok := t.writes[paddr]
	return ext, ok
}
