// Package format implements the binary-encoding catalog (spec.md
// §2.2): field sizes/positions for each format, plus the nested
// decode-lookup trie the disassembler walks to turn a 32-bit header
// back into a format.
package format

import (
	"github.com/forwardcom/fctools/instr"
)

// Template identifies the broad field layout a format instantiates
// (GLOSSARY).
type Template byte

const (
	TemplateA Template = 'A' // all-register
	TemplateB Template = 'B' // register + small immediate
	TemplateC Template = 'C' // register + 16-bit immediate
	TemplateD Template = 'D' // large 24-bit immediate
	TemplateE Template = 'E' // two-word, IM2+IM3, second source register
	TemplateT Template = 'T' // tiny: two 14-bit instructions packed in one word
)

// Slots is a bitmask of which operand fields a format makes available.
// The encoding selector requires the code's populated fields to be a
// subset of a candidate format's Slots (spec.md §4.5 rule 2).
type Slots uint16

const (
	SlotImmediate Slots = 1 << iota
	SlotMemory
	SlotRT // "third" source register field
	SlotRS // "second" source register field
	SlotRU // extra register field (template E)
	SlotRD // destination register field
	SlotMask
	SlotBroadcast
	SlotLength
	SlotVector
)

// Has reports whether all of want is present in s.
func (s Slots) Has(want Slots) bool { return s&want == want }

// Field pins one operand down to a concrete bit range within either
// word of a two-word instruction (spec.md §6 "Instruction encoding").
// Bits == 0 means the format has no such field at all, distinct from a
// field the format declares but a particular instruction leaves empty
// (see the RD/RS/RT presence bits packCode sets in package asm).
type Field struct {
	Word  int  // 0 or 1
	Shift uint // low bit of the field within its word
	Bits  uint // field width
}

// Present reports whether f names an actual bit range.
func (f Field) Present() bool { return f.Bits > 0 }

func (f Field) mask() uint32 { return uint32(1)<<f.Bits - 1 }

// Pack returns word with f's bits set from the low bits of value.
func (f Field) Pack(word uint32, value uint32) uint32 {
	if !f.Present() {
		return word
	}
	return word&^(f.mask()<<f.Shift) | (value&f.mask())<<f.Shift
}

// Extract reads f's raw (unsigned) field value out of word.
func (f Field) Extract(word uint32) uint32 {
	if !f.Present() {
		return 0
	}
	return (word >> f.Shift) & f.mask()
}

// SignExtend interprets a raw field value (as returned by Extract) as
// a two's-complement signed integer of f's width.
func (f Field) SignExtend(raw uint32) int64 {
	if !f.Present() || f.Bits >= 32 {
		return int64(int32(raw))
	}
	signBit := uint32(1) << (f.Bits - 1)
	if raw&signBit != 0 {
		return int64(raw) - int64(1)<<f.Bits
	}
	return int64(raw)
}

// Format is one row of the encoding catalog.
type Format struct {
	ID           int
	Template     Template
	Category     instr.Category
	SizeWords    int // words occupied; 0 means "half word" (packed tiny)
	Slots        Slots
	OT           instr.OperandTypeMask
	ImmBits      int
	ImmShiftable bool
	AddrBits     int // displacement width, for jump/memory formats
	IL           uint8 // 2-bit il field this format's word(s) begin with
	Mode         uint8 // 3-bit mode field
	Op1Mask      uint8 // bits of op1 that distinguish this format from siblings sharing (IL, Mode); 0 means "matches any op1"
	Op1Value     uint8 // required value of (op1 & Op1Mask)

	// Bit positions actually holding each operand once assembled
	// (spec.md §6). RD/RS/RT occupy the header word's otherwise-unused
	// upper half; Imm/disp values live in the whole of word 1 once a
	// format is widened to carry one (see isa.Default). A zero Field
	// means the format has no such operand.
	RD, RS, RT, RU Field
	Imm            Field
}

// Header presence bits: bits 5-7 of word 0 sit between Mode and Op1
// and are otherwise always zero, so packCode borrows them to record
// which of a format's nominal RD/RS/RT slots this particular
// instruction actually populated (a format can declare a slot that,
// say, a zero-operand instruction sharing its template never fills).
const (
	PresenceRD uint32 = 1 << 5
	PresenceRS uint32 = 1 << 6
	PresenceRT uint32 = 1 << 7
)

// Matches reports whether a candidate format's static decode criteria
// agree with the op1 byte read from a concrete instruction word. IL
// and Mode have already been used to reach this format's trie leaf.
func (f Format) Matches(op1 byte) bool {
	if f.Op1Mask == 0 {
		return true
	}
	return op1&f.Op1Mask == f.Op1Value
}

// Table is the immutable format catalog together with its decode trie.
type Table struct {
	formats []Format
	byID    map[int]Format
	trie    [4][8][]Format // trie[il][mode] -> candidate leaves, disambiguated by Matches
}

// NewTable builds an empty catalog.
func NewTable() *Table {
	return &Table{byID: map[int]Format{}}
}

// Add registers f into the catalog and its decode trie.
func (t *Table) Add(f Format) {
	t.formats = append(t.formats, f)
	t.byID[f.ID] = f
	t.trie[f.IL&3][f.Mode&7] = append(t.trie[f.IL&3][f.Mode&7], f)
}

// ByID looks up a format by id.
func (t *Table) ByID(id int) (Format, bool) {
	f, ok := t.byID[id]
	return f, ok
}

// All returns every registered format, in registration order.
func (t *Table) All() []Format {
	out := make([]Format, len(t.formats))
	copy(out, t.formats)
	return out
}

// ForCategory returns the formats usable by instructions of the given
// category, corresponding to spec.md §4.5's formatList3 (multi) and
// formatList4 (jump).
func (t *Table) ForCategory(cat instr.Category) []Format {
	var out []Format
	for _, f := range t.formats {
		if f.Category == cat {
			out = append(out, f)
		}
	}
	return out
}

// DecodeResult is what the trie walk yields for one instruction word.
type DecodeResult struct {
	Format Format
	Found  bool
}

// Lookup walks the nested decode trie for a 32-bit instruction header,
// returning the matching format. Every well-formed header yields
// either a format or !Found (the "invalid" sentinel from spec.md §3's
// totality invariant); the caller (disasm) is responsible for
// reporting !Found as data, never for stalling.
func (t *Table) Lookup(word uint32) DecodeResult {
	il := uint8(word & 3)
	mode := uint8((word >> 2) & 7)
	op1 := uint8((word >> 8) & 0xFF)

	for _, f := range t.trie[il][mode] {
		if f.Matches(op1) {
			return DecodeResult{Format: f, Found: true}
		}
	}
	return DecodeResult{}
}
