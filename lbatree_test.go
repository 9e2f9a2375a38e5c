// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lbatree

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestPaddrMaybeRelativeTo(t *testing.T) {
	base := AbsPaddr(10 * BlockSize)

	require.Equal(t, AbsPaddr(6*BlockSize), BlockPaddr(-4*BlockSize).MaybeRelativeTo(base))
	require.Equal(t, AbsPaddr(11*BlockSize), BlockPaddr(BlockSize).MaybeRelativeTo(base))

	// absolute and record-relative addresses pass through
	require.Equal(t, AbsPaddr(3), AbsPaddr(3).MaybeRelativeTo(base))
	require.Equal(t, RecordPaddr(5), RecordPaddr(5).MaybeRelativeTo(base))
}

func TestPaddrSubIsBlockRelative(t *testing.T) {
	delta := RecordPaddr(0).Sub(RecordPaddr(3 * BlockSize))
	require.Equal(t, BlockPaddr(-3*BlockSize), delta)
}

func TestPaddrNull(t *testing.T) {
	require.True(t, NullPaddr.IsNull())
	require.False(t, AbsPaddr(0).IsNull())
	require.False(t, NullPaddr.IsRelative())
	require.True(t, BlockPaddr(0).IsRelative())
	require.True(t, RecordPaddr(0).IsRelative())
}

func TestNodeMetaContains(t *testing.T) {
	meta := NodeMeta{Begin: 100, End: 200, Depth: 1}
	require.True(t, meta.Contains(100))
	require.True(t, meta.Contains(199))
	require.False(t, meta.Contains(200))
	require.False(t, meta.Contains(99))

	parent := NodeMeta{Begin: 0, End: MaxLaddr, Depth: 2}
	require.True(t, parent.IsParentOf(meta))
	require.False(t, meta.IsParentOf(parent))
}

func TestRootHandleCodec(t *testing.T) {
	root := RootHandle{Paddr: AbsPaddr(42 * BlockSize), Depth: 3}
	buf, err := cbor.Marshal(&root)
	require.NoError(t, err)

	var loaded RootHandle
	require.NoError(t, cbor.Unmarshal(buf, &loaded))
	require.Equal(t, root, loaded)
}

func TestChecksum(t *testing.T) {
	require.Equal(t, Checksum([]byte("abc")), Checksum([]byte("abc")))
	require.NotEqual(t, Checksum([]byte("abc")), Checksum([]byte("abd")))
	require.Zero(t, Checksum(nil))
}
