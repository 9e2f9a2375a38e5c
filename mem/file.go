// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package mem provides an in-memory implementation of the lbatree.File
// interface, used as the backing device of the object store in tests and
// tooling.
package mem

import (
	"io"
	"sync"

	"github.com/dacapoday/lbatree"
)

// File is an in-memory implementation of the lbatree.File interface.
// It is safe for concurrent use by multiple goroutines.
//
// File requires no initialization - just declare and use:
//
//	var f File
//	f.WriteAt([]byte("hello"), 0)
type File struct {
	rw     sync.RWMutex
	chunks [][]byte
	size   int64
}

var _ lbatree.File = new(File)

const chunkSize = 32 * 1024

// Close clears all data stored in the File and releases memory.
// After Close, the file size becomes 0.
// It is safe to write to the file again after closing.
func (file *File) Close() error {
	file.rw.Lock()
	file.chunks = nil
	file.size = 0
	file.rw.Unlock()
	return nil
}

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return file.size
}

// WriteAt writes len(p) bytes from p to the file starting at byte offset off.
// It implements io.WriterAt. Writing past the end grows the file; the gap is
// zero-filled.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.Lock()
	defer file.rw.Unlock()

	end := off + int64(len(p))
	file.grow(end)

	for n < len(p) {
		chunk := file.chunks[off/chunkSize]
		c := copy(chunk[off%chunkSize:], p[n:])
		n += c
		off += int64(c)
	}
	return
}

// ReadAt reads len(p) bytes into p starting at byte offset off in the file.
// It implements io.ReaderAt.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	file.rw.RLock()
	defer file.rw.RUnlock()

	for n < len(p) {
		if off >= file.size {
			return n, io.EOF
		}
		chunk := file.chunks[off/chunkSize]
		avail := chunk[off%chunkSize:]
		if rest := file.size - off; rest < int64(len(avail)) {
			avail = avail[:rest]
		}
		c := copy(p[n:], avail)
		n += c
		off += int64(c)
	}
	return
}

// Truncate changes the size of the file.
//
// If the new size is smaller than the current size, the extra data is
// discarded. If the new size is larger, the file is extended and the new
// space is filled with zero bytes.
func (file *File) Truncate(size int64) error {
	if size < 0 {
		return lbatree.ErrOutOfRange
	}
	file.rw.Lock()
	defer file.rw.Unlock()
	if size < file.size {
		keep := int((size + chunkSize - 1) / chunkSize)
		for i := keep; i < len(file.chunks); i++ {
			file.chunks[i] = nil
		}
		file.chunks = file.chunks[:keep]
		if size%chunkSize != 0 && keep > 0 {
			tail := file.chunks[keep-1][size%chunkSize:]
			clear(tail)
		}
		file.size = size
		return nil
	}
	file.grow(size)
	return nil
}

// Sync is a no-op for in-memory files.
// It exists only to satisfy the lbatree.File interface and always returns nil.
func (file *File) Sync() error {
	return nil
}

func (file *File) grow(size int64) {
	if size <= file.size {
		return
	}
	need := int((size + chunkSize - 1) / chunkSize)
	for len(file.chunks) < need {
		file.chunks = append(file.chunks, make([]byte, chunkSize))
	}
	file.size = size
}
