// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lbatree

import "hash/crc32"

var castagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the crc the store uses for extent payloads.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliCrcTable)
}
