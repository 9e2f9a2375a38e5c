// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/binary"
	"io"
	"io/fs"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/dacapoday/lbatree"
)

// rootRecordSize reserves the head of the device for the root handle record.
const rootRecordSize = lbatree.BlockSize

const rootHeadSize = 6 // size uint16 + crc uint32

// Options configures a Cache.
type Options struct {
	// Log receives structured debug output. Nil means no logging.
	Log *zap.Logger

	// CleanBytes bounds the clean-extent second level. Zero selects a
	// default of 64 MiB.
	CleanBytes int64
}

// Cache is the transactional extent cache of a single shard. Reads go
// through the clean level to the backing device; writes stay pending in
// their transaction until Commit.
type Cache struct {
	log   *zap.Logger
	dev   lbatree.File
	clean *ristretto.Cache[uint64, Extent]

	// mu guards resident: the clean level evicts from a background
	// goroutine while the shard reads.
	mu       sync.Mutex
	resident map[int64]Extent

	versions map[int64]uint64
	pins     PinSet
	tail     int64
	seq      uint64
	closed   bool
}

func (c *Cache) residentGet(off int64) (Extent, bool) {
	c.mu.Lock()
	ext, ok := c.resident[off]
	c.mu.Unlock()
	return ext, ok
}

func (c *Cache) residentSet(off int64, ext Extent) {
	c.mu.Lock()
	c.resident[off] = ext
	c.mu.Unlock()
}

func (c *Cache) residentDel(off int64) {
	c.mu.Lock()
	delete(c.resident, off)
	c.mu.Unlock()
}

// New opens a cache over the backing device. The device may already hold a
// committed store; the append point resumes at its size.
func New(dev lbatree.File, opts Options) (*Cache, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cleanBytes := opts.CleanBytes
	if cleanBytes == 0 {
		cleanBytes = 64 << 20
	}

	c := &Cache{
		log:      log,
		dev:      dev,
		resident: map[int64]Extent{},
		versions: map[int64]uint64{},
		tail:     rootRecordSize,
		seq:      1,
	}
	if sizer, ok := dev.(interface{ Size() int64 }); ok {
		if size := sizer.Size(); size > c.tail {
			c.tail = size
		}
	} else if stater, ok := dev.(interface{ Stat() (fs.FileInfo, error) }); ok {
		info, err := stater.Stat()
		if err != nil {
			return nil, errors.Wrap(err, "stat device")
		}
		if size := info.Size(); size > c.tail {
			c.tail = size
		}
	}

	clean, err := ristretto.NewCache(&ristretto.Config[uint64, Extent]{
		NumCounters: 1 << 16,
		MaxCost:     cleanBytes,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item[Extent]) {
			if item.Value != nil {
				c.evict(item.Value)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	c.clean = clean
	return c, nil
}

// Close releases the clean level. Pending transactions are abandoned.
func (c *Cache) Close() error {
	if c.closed {
		return lbatree.ErrClosed
	}
	c.closed = true
	c.clean.Close()
	return nil
}

// Pins exposes the cache's pin registry.
func (c *Cache) Pins() *PinSet { return &c.pins }

// Begin opens a transaction against the current committed state.
func (c *Cache) Begin() *Transaction {
	t := newTransaction(c)
	c.log.Debug("begin", zap.Stringer("txn", t.ID))
	return t
}

// AllocNewExtent mints a pending extent of the given kind in the
// transaction's record. Its address stays record-relative until commit.
func (c *Cache) AllocNewExtent(t *Transaction, kind Kind, length uint32) (Extent, error) {
	ext, err := newExtent(kind)
	if err != nil {
		return nil, err
	}
	paddr := lbatree.RecordPaddr(t.recordTail)
	t.recordTail += int64(length)
	ext.ref().init(ext, kind, paddr, length, statePending)
	t.recordWrite(ext)
	t.Stats.Allocs++
	c.log.Debug("alloc extent",
		zap.Stringer("txn", t.ID),
		zap.Stringer("kind", kind),
		zap.Stringer("paddr", paddr),
		zap.Uint32("length", length))
	return ext, nil
}

// GetExtent returns the extent at paddr. Pending extents of the transaction
// win over clean ones; clean misses read through the device. The paddr must
// be absolute or record-relative: block-relative addresses have to be
// resolved against their parent before lookup.
func (c *Cache) GetExtent(t *Transaction, paddr lbatree.Paddr, length uint32, kind Kind) (Extent, error) {
	if paddr.Base == lbatree.BlockBase {
		panic(errors.AssertionFailedf("lookup of unresolved block-relative address %s", paddr))
	}
	if ext, ok := t.pendingAt(paddr); ok {
		return ext, nil
	}
	if paddr.Base == lbatree.RecordBase {
		panic(errors.AssertionFailedf(
			"record-relative address %s not in transaction %s", paddr, t.ID))
	}

	if ext, ok := t.readExts[paddr.Off]; ok {
		return ext, nil
	}
	if ext, ok := c.residentGet(paddr.Off); ok {
		c.clean.Get(uint64(paddr.Off)) // keep the admission stats warm
		t.recordRead(paddr.Off, ext.ref().version, ext)
		return ext, nil
	}

	buf := make([]byte, length)
	if _, err := c.dev.ReadAt(buf, paddr.Off); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read extent %s", paddr)
	}
	ext, err := newExtent(kind)
	if err != nil {
		return nil, err
	}
	ext.ref().init(ext, kind, paddr, length, stateClean)
	if err := ext.Unmarshal(buf); err != nil {
		return nil, errors.Wrapf(err, "decode extent %s", paddr)
	}
	ext.ref().version = c.versions[paddr.Off]

	c.residentSet(paddr.Off, ext)
	c.clean.Set(uint64(paddr.Off), ext, int64(length))
	t.recordRead(paddr.Off, ext.ref().version, ext)
	c.log.Debug("read extent",
		zap.Stringer("txn", t.ID),
		zap.Stringer("kind", kind),
		zap.Stringer("paddr", paddr))
	return ext, nil
}

// DuplicateForWrite clones a shared extent into the transaction's write set.
// Already-pending extents are returned as-is. The clone keeps the original's
// address; commit overwrites it in place.
func (c *Cache) DuplicateForWrite(t *Transaction, ext Extent) Extent {
	if ext.Pending() {
		return ext
	}
	dup := ext.Duplicate()
	base := ext.ref()
	dup.ref().init(dup, base.kind, base.paddr, base.length, statePending)
	t.recordWrite(dup)
	t.Stats.Mutates++
	c.log.Debug("duplicate for write",
		zap.Stringer("txn", t.ID),
		zap.Stringer("paddr", base.paddr))
	return dup
}

// RetireExtent removes an extent superseded by this transaction. Pending
// extents vanish from the write set; clean extents are invalidated at
// commit, conflicting any concurrent reader.
func (c *Cache) RetireExtent(t *Transaction, ext Extent) {
	t.Stats.Retires++
	c.log.Debug("retire extent",
		zap.Stringer("txn", t.ID),
		zap.Stringer("paddr", ext.Paddr()))
	if ext.Pending() {
		ext.ref().state = stateDropped
		t.forgetWrite(ext)
		// a mutation-pending clone supersedes a committed block; retire
		// that block too so its readers conflict
		if p := ext.Paddr(); p.Base == lbatree.AbsBase {
			if orig, ok := c.residentGet(p.Off); ok {
				t.retired = append(t.retired, orig)
			}
		}
		return
	}
	t.retired = append(t.retired, ext)
}

// DropFromCache evicts a not-live extent discovered after a read.
func (c *Cache) DropFromCache(ext Extent) {
	base := ext.ref()
	base.state = stateDropped
	c.pins.Remove(ext.Pin())
	if base.paddr.Base == lbatree.AbsBase {
		c.residentDel(base.paddr.Off)
		c.clean.Del(uint64(base.paddr.Off))
	}
	c.log.Debug("drop from cache", zap.Stringer("paddr", base.paddr))
}

func (c *Cache) evict(ext Extent) {
	base := ext.ref()
	c.mu.Lock()
	cur, ok := c.resident[base.paddr.Off]
	if ok && cur == ext {
		delete(c.resident, base.paddr.Off)
	}
	c.mu.Unlock()
	if ok && cur == ext {
		c.pins.Remove(ext.Pin())
	}
}

// relocatable is implemented by node extents whose child addresses need
// re-basing when their block moves.
type relocatable interface {
	ResolveRelativeAddrs(delta lbatree.Paddr)
}

// Commit validates the transaction's reads against the committed state,
// assigns final addresses to the record, writes every pending extent, and
// persists the root handle. A version moved under any read extent fails the
// whole transaction with ErrConflict; the caller retries from scratch.
func (t *Transaction) Commit(root *lbatree.RootHandle) error {
	c := t.cache
	if c.closed {
		return lbatree.ErrClosed
	}
	if t.done {
		return errors.Wrap(lbatree.ErrClosed, "transaction already committed")
	}

	for off, version := range t.reads {
		if c.versions[off] != version {
			c.log.Info("commit conflict",
				zap.Stringer("txn", t.ID),
				zap.Int64("offset", off),
				zap.Uint64("read", version),
				zap.Uint64("committed", c.versions[off]))
			return lbatree.ErrConflict
		}
	}

	base := c.tail
	c.seq++

	// Assign final addresses first so child entries can be re-based
	// before any payload is marshaled.
	finals := make([]lbatree.Paddr, len(t.writeOrder))
	for i, ext := range t.writeOrder {
		paddr := ext.Paddr()
		if paddr.Base == lbatree.RecordBase {
			paddr = lbatree.AbsPaddr(base + paddr.Off)
		}
		finals[i] = paddr
	}

	for i, ext := range t.writeOrder {
		final := finals[i]
		if node, ok := ext.(relocatable); ok {
			// Record-relative child entries become block-relative
			// against this node's final position.
			node.ResolveRelativeAddrs(lbatree.BlockPaddr(base - final.Off))
		}

		buf, err := ext.Marshal()
		if err != nil {
			return errors.Wrapf(err, "marshal extent %s", ext.Paddr())
		}
		if _, err := c.dev.WriteAt(buf, final.Off); err != nil {
			return errors.Wrapf(err, "write extent %s", final)
		}

		b := ext.ref()
		b.paddr = final
		b.state = stateClean
		b.version = c.seq
		c.versions[final.Off] = c.seq

		if old, ok := c.residentGet(final.Off); ok && old != ext {
			c.pins.Remove(old.Pin())
		}
		c.residentSet(final.Off, ext)
		c.clean.Set(uint64(final.Off), ext, int64(ext.Length()))
	}

	for _, ext := range t.retired {
		b := ext.ref()
		b.state = stateRetired
		c.versions[b.paddr.Off] = c.seq
		c.pins.Remove(ext.Pin())
		if cur, ok := c.residentGet(b.paddr.Off); ok && cur == ext {
			c.residentDel(b.paddr.Off)
			c.clean.Del(uint64(b.paddr.Off))
		}
	}

	if base+t.recordTail > c.tail {
		c.tail = base + t.recordTail
	}

	if root != nil {
		if root.Paddr.Base == lbatree.RecordBase {
			root.Paddr = lbatree.AbsPaddr(base + root.Paddr.Off)
		}
		if err := c.writeRoot(*root); err != nil {
			return err
		}
	}
	if err := c.dev.Sync(); err != nil {
		return errors.Wrap(err, "sync device")
	}

	t.done = true
	c.log.Info("commit",
		zap.Stringer("txn", t.ID),
		zap.Int("writes", len(t.writeOrder)),
		zap.Int("retires", len(t.retired)),
		zap.Uint64("seq", c.seq))
	return nil
}

func (c *Cache) writeRoot(root lbatree.RootHandle) error {
	buf, err := cbor.Marshal(&root)
	if err != nil {
		return errors.Wrap(err, "encode root record")
	}
	if len(buf)+rootHeadSize > rootRecordSize {
		return lbatree.ErrNoSpace
	}
	record := make([]byte, len(buf)+rootHeadSize)
	binary.LittleEndian.PutUint16(record[0:], uint16(len(buf)))
	binary.LittleEndian.PutUint32(record[2:], lbatree.Checksum(buf))
	copy(record[rootHeadSize:], buf)
	if _, err := c.dev.WriteAt(record, 0); err != nil {
		return errors.Wrap(err, "write root record")
	}
	return nil
}

// LoadRoot reads the committed root handle record back from the device.
func (c *Cache) LoadRoot() (lbatree.RootHandle, error) {
	var root lbatree.RootHandle
	head := make([]byte, rootHeadSize)
	if _, err := c.dev.ReadAt(head, 0); err != nil && err != io.EOF {
		return root, errors.Wrap(err, "read root record")
	}
	size := int(binary.LittleEndian.Uint16(head[0:]))
	if size == 0 || size+rootHeadSize > rootRecordSize {
		return root, lbatree.ErrBadRoot
	}
	buf := make([]byte, size)
	if _, err := c.dev.ReadAt(buf, rootHeadSize); err != nil && err != io.EOF {
		return root, errors.Wrap(err, "read root record")
	}
	if lbatree.Checksum(buf) != binary.LittleEndian.Uint32(head[2:]) {
		return root, lbatree.ErrBadChecksum
	}
	if err := cbor.Unmarshal(buf, &root); err != nil {
		return root, errors.Wrap(lbatree.ErrBadRoot, err.Error())
	}
	return root, nil
}
