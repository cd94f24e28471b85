// Package checksum computes the CRC-32 carried in every envelope trailer.
//
// The emulator checksums either the base64 text of an envelope or the
// decoded payload bytes, depending on the connection's negotiated mode.
// Both are plain byte sequences here, so one function serves both.
package checksum

import "hash/crc32"

// Compute returns the IEEE (reflected 0xEDB88320) CRC-32 of b.
func Compute(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// String is Compute over the bytes of s.
func String(s string) uint32 {
	return crc32.Update(0, crc32.IEEETable, []byte(s))
}
