// Package asm holds the architecture-independent pieces shared by the
// amd64 encoder: an append-only growable byte buffer used to accumulate
// machine code before it is copied into executable memory by the JIT
// driver (spec.md §4.H, §4.I).
package asm

import "encoding/binary"

// Buffer is a growable byte buffer that never reallocates in a way that
// invalidates previously returned offsets: callers record byte offsets
// (for branch/call patch sites) as they append, and patch them in place
// after the whole function has been emitted.
type Buffer struct {
	bytes []byte
}

// NewBuffer returns an empty Buffer with a small initial capacity.
func NewBuffer() *Buffer {
	return &Buffer{bytes: make([]byte, 0, 256)}
}

// Len returns the number of bytes written so far; also the offset the next
// WriteByte/Write call will land at.
func (b *Buffer) Len() int { return len(b.bytes) }

// Bytes returns the buffer's contents. The returned slice is only valid
// until the next write.
func (b *Buffer) Bytes() []byte { return b.bytes }

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(v byte) { b.bytes = append(b.bytes, v) }

// Write appends a slice of bytes.
func (b *Buffer) Write(p []byte) { b.bytes = append(b.bytes, p...) }

// WriteUint32LE appends a 32-bit little-endian integer.
func (b *Buffer) WriteUint32LE(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

// WriteUint64LE appends a 64-bit little-endian integer.
func (b *Buffer) WriteUint64LE(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

// PatchUint32LE overwrites the 4 bytes starting at offset with v. Used by
// the driver to fix up branch/call displacements once all functions in a
// compilation unit have known entry points (spec.md §4.H).
func (b *Buffer) PatchUint32LE(offset int, v uint32) {
	binary.LittleEndian.PutUint32(b.bytes[offset:offset+4], v)
}

// PatchUint64LE overwrites the 8 bytes starting at offset with v.
func (b *Buffer) PatchUint64LE(offset int, v uint64) {
	binary.LittleEndian.PutUint64(b.bytes[offset:offset+8], v)
}
