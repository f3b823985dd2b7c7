// Package buffer implements the fixed-capacity read/write cursor used to
// frame partial SMTP input and response output.
package buffer

import "bytes"

// NotFound is returned by Find when needle does not occur in the
// unread region.
const NotFound = -1

// Buffer owns a contiguous byte region of fixed size with two cursors,
// read <= write <= cap(data). It never reallocates except on Resize.
type Buffer struct {
	data []byte
	read int
	write int
}

// New allocates a Buffer with the given fixed capacity.
func New(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Cap returns the fixed capacity of the region.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of unread bytes, write-read.
func (b *Buffer) Len() int { return b.write - b.read }

// Space returns the number of bytes that can still be appended before
// the region is full.
func (b *Buffer) Space() int { return len(b.data) - b.write }

// Unread returns the unread slice [read, write). The slice aliases the
// buffer's storage; callers must copy before advancing the read cursor.
func (b *Buffer) Unread() []byte { return b.data[b.read:b.write] }

// Writable returns the tail region available for Append's underlying
// writers (e.g. net.Conn.Read) that want to write directly into it.
func (b *Buffer) Writable() []byte { return b.data[b.write:] }

// Append copies p into the writable tail. The caller must ensure
// len(p) <= Space(); Append panics otherwise, mirroring the original's
// "caller guarantees space" contract.
func (b *Buffer) Append(p []byte) {
	if len(p) > b.Space() {
		panic("buffer: append exceeds space")
	}
	n := copy(b.data[b.write:], p)
	b.write += n
}

// Grew records that n bytes were written directly into Writable() by the
// caller (e.g. a Read call), advancing the write cursor.
func (b *Buffer) Grew(n int) {
	if n < 0 || b.write+n > len(b.data) {
		panic("buffer: grew out of range")
	}
	b.write += n
}

// Find returns the offset of needle within the unread region relative to
// read_pos, or NotFound.
func (b *Buffer) Find(needle []byte) int {
	idx := bytes.Index(b.Unread(), needle)
	if idx < 0 {
		return NotFound
	}
	return idx
}

// ShiftReadAfter advances the read cursor past the first occurrence of
// needle. Returns true if found (and the cursor moved), false otherwise
// (cursor unchanged).
func (b *Buffer) ShiftReadAfter(needle []byte) bool {
	idx := b.Find(needle)
	if idx == NotFound {
		return false
	}
	b.read += idx + len(needle)
	return true
}

// Advance moves the read cursor forward n bytes without copying out the
// skipped bytes. Used to skip leading whitespace/CRLF in place.
func (b *Buffer) Advance(n int) {
	if n < 0 || b.read+n > b.write {
		panic("buffer: advance out of range")
	}
	b.read += n
}

// DropRead slides the unread region [read, write) down to offset 0 and
// zero-fills the vacated tail, compacting the buffer in place.
func (b *Buffer) DropRead() {
	if b.read == 0 {
		return
	}
	n := copy(b.data, b.data[b.read:b.write])
	for i := n; i < b.write; i++ {
		b.data[i] = 0
	}
	b.read = 0
	b.write = n
}

// Resize changes the fixed capacity to n, preserving the unread span
// [read, write). If n is smaller than the preserved length, both cursors
// clamp to the new size.
func (b *Buffer) Resize(n int) {
	preserved := b.Unread()
	if len(preserved) > n {
		preserved = preserved[:n]
	}
	newData := make([]byte, n)
	copy(newData, preserved)
	b.data = newData
	b.read = 0
	b.write = len(preserved)
}

// Reset empties the buffer without reallocating.
func (b *Buffer) Reset() {
	b.read = 0
	b.write = 0
}
