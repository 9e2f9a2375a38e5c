package lbatree

import "github.com/cockroachdb/errors"

var (
	ErrClosed         = errors.New("closed")
	ErrReadOnly       = errors.New("read-only")
	ErrConflict       = errors.New("transaction conflict")
	ErrBadChecksum    = errors.New("bad checksum")
	ErrBadMeta        = errors.New("bad meta")
	ErrBadEntry       = errors.New("bad entry")
	ErrBadRoot        = errors.New("bad root record")
	ErrNoSpace        = errors.New("no space")
	ErrUnsupported    = errors.New("unsupported")
	ErrOutOfRange     = errors.New("out of range")
	ErrAllocateFailed = errors.New("allocate failed")
)
