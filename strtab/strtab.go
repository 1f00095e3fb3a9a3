// Package strtab implements the content-addressed byte buffer used to
// store symbol names and string literals during assembly.
package strtab

import "strings"

// Buffer is an append-only byte buffer addressed by offset. Both the
// symbol table and the expression evaluator store their text into a
// Buffer rather than holding Go strings directly, so that comparisons
// and sorts can be defined over stable offsets instead of pointers
// that would be invalidated by growth.
type Buffer struct {
	data []byte
}

// New returns an empty Buffer with the reserved offset 0 meaning "no
// name" (offset 0 is never issued to real content).
func New() *Buffer {
	return &Buffer{data: []byte{0}}
}

// Add appends s and returns its offset. Equal strings are not
// deduplicated automatically; callers that need interning should look
// up an existing offset first (see Find).
func (b *Buffer) Add(s string) uint32 {
	off := uint32(len(b.data))
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
	return off
}

// Get returns the NUL-terminated string starting at off.
func (b *Buffer) Get(off uint32) string {
	if off == 0 || int(off) >= len(b.data) {
		return ""
	}
	end := off
	for int(end) < len(b.data) && b.data[end] != 0 {
		end++
	}
	return string(b.data[off:end])
}

// Find returns the offset of the first occurrence of s, or (0, false)
// if s has never been added. It is a linear scan; symtab.Table.FindByName
// calls it to turn a name into an offset before searching its own
// sorted index.
func (b *Buffer) Find(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	needle := "\x00" + s + "\x00"
	idx := strings.Index(string(b.data), needle)
	if idx < 0 {
		return 0, false
	}
	return uint32(idx + 1), true
}

// Compare orders the strings at offsets a and b lexicographically,
// without ever comparing pointers or requiring package-level state:
// every caller that needs ordering by name goes through here with an
// explicit Buffer, per the "hidden global name buffer" redesign note.
func (b *Buffer) Compare(a, c uint32) int {
	return strings.Compare(b.Get(a), b.Get(c))
}

// Len reports the number of bytes stored, for diagnostics.
func (b *Buffer) Len() int {
	return len(b.data)
}
