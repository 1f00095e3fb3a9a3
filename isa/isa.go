// Package isa wires a concrete, representative ForwardCom instruction
// and format catalog together: the id numbering, format bitmaps and
// element-type masks that make instr.Table and format.Table agree
// with each other. Reading these from the external CSV description
// (spec.md §6) is supported by instr.Table.Load; this package is the
// built-in default used by the CLI tools and by tests so the module
// works without an external table file.
package isa

import (
	"github.com/forwardcom/fctools/format"
	"github.com/forwardcom/fctools/instr"
)

// Format ids. Kept as named constants because the encoder selects
// among them explicitly when trying candidates (spec.md §4.5).
const (
	FmtTinyReg     = 1 // T, RD/RS, no immediate
	FmtAllReg      = 2 // A, RD/RS/RT/mask/vector/length/broadcast, and used as a memory base for load/store
	FmtImm8        = 3 // B, RD/RS + 8-bit immediate
	FmtImm16       = 4 // C, RD/RS + 16-bit immediate
	FmtImm24       = 5 // D, RD + 24-bit immediate, no RS
	FmtImm32       = 6 // E, RD/RS/RT + 32-bit immediate
	FmtJump8       = 7 // C, RS + 8-bit self-relative displacement
	FmtJump16      = 8 // D, RS + 16-bit self-relative displacement
	FmtJump32      = 9 // E, RS + 32-bit self-relative displacement
	FmtJumpReg     = 10 // A, register-indirect jump / return, no immediate
	FmtTinyJump    = 11 // T, tiny conditional jump
)

// Instruction ids.
const (
	IJump = iota + 1
	IJumpEQ
	IJumpNE
	IJumpLT
	IJumpGE
	IJumpZero
	IJumpPositive
	ICall
	IReturn
	IPush
	IPop
	IKCall
	IExit
	ISubMaxLen
	INop
	IAdd
	ISub
	IMul
	IAnd
	IOr
	IXor
	IMov
	ICmp
	ILoad
	IStore
	IAddF
	IAddAndJumpIfZero
	IAddT
	IJumpT
)

const allTypesInt = instr.OTInt8 | instr.OTInt16 | instr.OTInt32 | instr.OTInt64 |
	instr.OTUInt8 | instr.OTUInt16 | instr.OTUInt32 | instr.OTUInt64
const allTypesFloat = instr.OTFloat16 | instr.OTFloat32 | instr.OTFloat64 | instr.OTFloat128

func fmtBit(ids ...int) uint32 {
	var m uint32
	for _, id := range ids {
		m |= 1 << uint(id-1)
	}
	return m
}

// AllowedFormats decodes a FormatBitmap into concrete Format records,
// restricted to formats that actually declare the instruction's
// category (spec.md §4.5 rule 1).
func AllowedFormats(def instr.Definition, formats *format.Table) []format.Format {
	var out []format.Format
	for _, f := range formats.All() {
		if def.FormatBitmap&(1<<uint(f.ID-1)) == 0 {
			continue
		}
		if f.Category != def.Category {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Default builds the built-in instruction and format catalogs.
func Default() (*instr.Table, *format.Table) {
	formats := format.NewTable()
	// RD/RS/RT live in word 0's bits 16-31, the header space left over
	// once il/mode/op1 and the presence bits (5-7) are accounted for
	// (spec.md §6). A format whose immediate/displacement is wide
	// enough to need dedicated space is widened to a second word and
	// the value occupies the whole of word 1 (field width 32
	// regardless of the format's nominal ImmBits/AddrBits
	// classification). The two narrowest templates (B's 8-bit
	// immediate, C-as-jump's 8-bit displacement) instead trade
	// register range for staying single-word: their RD/RS use 4 bits
	// (r0-r15 only) so an 8-bit value fits alongside them in the same
	// 16 free bits, the same width-for-reach tradeoff spec.md's
	// Template table makes across A-E.
	regRD := format.Field{Word: 0, Shift: 16, Bits: 5}
	regRS := format.Field{Word: 0, Shift: 21, Bits: 5}
	regRT := format.Field{Word: 0, Shift: 26, Bits: 5}
	valWord1 := format.Field{Word: 1, Shift: 0, Bits: 32}
	regRD4 := format.Field{Word: 0, Shift: 16, Bits: 4}
	regRS4narrow := format.Field{Word: 0, Shift: 20, Bits: 4}
	imm8Word0 := format.Field{Word: 0, Shift: 24, Bits: 8}
	regRSJump8 := format.Field{Word: 0, Shift: 16, Bits: 4}
	addr8Word0 := format.Field{Word: 0, Shift: 20, Bits: 8}

	formats.Add(format.Format{ID: FmtTinyReg, Template: format.TemplateT, Category: instr.CategoryTiny,
		SizeWords: 0, Slots: format.SlotRD | format.SlotRS, OT: allTypesInt, IL: 0, Mode: 0})
	formats.Add(format.Format{ID: FmtAllReg, Template: format.TemplateA, Category: instr.CategoryMulti,
		SizeWords: 1, Slots: format.SlotRD | format.SlotRS | format.SlotRT | format.SlotMask | format.SlotVector | format.SlotLength | format.SlotBroadcast | format.SlotMemory,
		OT: allTypesInt | allTypesFloat, IL: 1, Mode: 0, RD: regRD, RS: regRS, RT: regRT})
	formats.Add(format.Format{ID: FmtImm8, Template: format.TemplateB, Category: instr.CategoryMulti,
		SizeWords: 1, Slots: format.SlotRD | format.SlotRS | format.SlotImmediate, ImmBits: 8,
		OT: allTypesInt, IL: 1, Mode: 1, RD: regRD4, RS: regRS4narrow, Imm: imm8Word0})
	formats.Add(format.Format{ID: FmtImm16, Template: format.TemplateC, Category: instr.CategoryMulti,
		SizeWords: 2, Slots: format.SlotRD | format.SlotRS | format.SlotImmediate, ImmBits: 16,
		OT: allTypesInt | allTypesFloat, IL: 1, Mode: 2, RD: regRD, RS: regRS, Imm: valWord1})
	formats.Add(format.Format{ID: FmtImm24, Template: format.TemplateD, Category: instr.CategoryMulti,
		SizeWords: 2, Slots: format.SlotRD | format.SlotImmediate, ImmBits: 24, ImmShiftable: true,
		OT: allTypesInt, IL: 1, Mode: 3, RD: regRD, Imm: valWord1})
	formats.Add(format.Format{ID: FmtImm32, Template: format.TemplateE, Category: instr.CategoryMulti,
		SizeWords: 2, Slots: format.SlotRD | format.SlotRS | format.SlotRT | format.SlotImmediate, ImmBits: 32, ImmShiftable: true,
		OT: allTypesInt | allTypesFloat, IL: 2, Mode: 0, RD: regRD, RS: regRS, RT: regRT, Imm: valWord1})
	formats.Add(format.Format{ID: FmtJump8, Template: format.TemplateC, Category: instr.CategoryJump,
		SizeWords: 1, Slots: format.SlotRS | format.SlotImmediate, AddrBits: 8, IL: 1, Mode: 4, RS: regRSJump8, Imm: addr8Word0})
	formats.Add(format.Format{ID: FmtJump16, Template: format.TemplateD, Category: instr.CategoryJump,
		SizeWords: 2, Slots: format.SlotRS | format.SlotImmediate, AddrBits: 16, IL: 1, Mode: 5, RS: regRS, Imm: valWord1})
	formats.Add(format.Format{ID: FmtJump32, Template: format.TemplateE, Category: instr.CategoryJump,
		SizeWords: 2, Slots: format.SlotRS | format.SlotImmediate, AddrBits: 32, IL: 2, Mode: 1, RS: regRS, Imm: valWord1})
	formats.Add(format.Format{ID: FmtJumpReg, Template: format.TemplateA, Category: instr.CategorySingle,
		SizeWords: 1, Slots: format.SlotRS, IL: 1, Mode: 6, RS: regRS})
	formats.Add(format.Format{ID: FmtTinyJump, Template: format.TemplateT, Category: instr.CategoryTiny,
		SizeWords: 0, Slots: format.SlotRS | format.SlotImmediate, AddrBits: 4, IL: 0, Mode: 1})

	insts := instr.NewTable()
	// def's op1 is the id itself: this catalog is small enough that a
	// direct id-as-opcode mapping disambiguates every instruction
	// sharing a (category, format) pair, the way a real op1 field would
	// (spec.md §6's Op1/Op2 columns), without needing sub-byte opcode
	// allocation across templates.
	def := func(id int, name string, cat instr.Category, tmpl byte, srcOps int, fbits uint32, types instr.OperandTypeMask, immKind instr.ImmKind) {
		insts.Add(instr.Definition{
			ID: id, Name: name, Category: cat, Template: tmpl, SourceOperands: srcOps, Op1: uint8(id),
			FormatBitmap: fbits, TypesGP: types, TypesScalar: types, TypesVector: types, ImmKind: immKind,
		})
	}

	jumpFormats := fmtBit(FmtJump8, FmtJump16, FmtJump32)
	arithFormats := fmtBit(FmtAllReg, FmtImm8, FmtImm16, FmtImm32)
	movFormats := fmtBit(FmtAllReg, FmtImm8, FmtImm16, FmtImm24, FmtImm32)

	def(IJump, "jump", instr.CategoryJump, 'C', 0, jumpFormats, 0, instr.ImmAddressRelative)
	def(IJumpEQ, "jump_eq", instr.CategoryJump, 'C', 1, jumpFormats, allTypesInt, instr.ImmAddressRelative)
	def(IJumpNE, "jump_ne", instr.CategoryJump, 'C', 1, jumpFormats, allTypesInt, instr.ImmAddressRelative)
	def(IJumpLT, "jump_lt", instr.CategoryJump, 'C', 1, jumpFormats, allTypesInt, instr.ImmAddressRelative)
	def(IJumpGE, "jump_ge", instr.CategoryJump, 'C', 1, jumpFormats, allTypesInt, instr.ImmAddressRelative)
	def(IJumpZero, "jump_zero", instr.CategoryJump, 'C', 1, jumpFormats, allTypesInt, instr.ImmAddressRelative)
	def(IJumpPositive, "jump_positive", instr.CategoryJump, 'C', 1, jumpFormats, allTypesInt, instr.ImmAddressRelative)
	def(ICall, "call", instr.CategoryJump, 'D', 0, fmtBit(FmtJump16, FmtJump32), 0, instr.ImmAddressRelative)
	def(IReturn, "return", instr.CategorySingle, 'A', 0, fmtBit(FmtJumpReg), 0, instr.ImmNone)
	def(IPush, "push", instr.CategoryMulti, 'A', 1, fmtBit(FmtAllReg), allTypesInt, instr.ImmNone)
	def(IPop, "pop", instr.CategoryMulti, 'A', 0, fmtBit(FmtAllReg), allTypesInt, instr.ImmNone)
	def(IKCall, "kcall", instr.CategoryMulti, 'A', 0, fmtBit(FmtAllReg), 0, instr.ImmNone)
	def(IExit, "exit", instr.CategoryMulti, 'A', 0, fmtBit(FmtAllReg), 0, instr.ImmNone)
	def(ISubMaxLen, "sub_maxlen", instr.CategoryMulti, 'B', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(INop, "nop", instr.CategoryMulti, 'A', 0, fmtBit(FmtAllReg), 0, instr.ImmNone)
	def(IAdd, "add", instr.CategoryMulti, 'A', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(ISub, "sub", instr.CategoryMulti, 'A', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(IMul, "mul", instr.CategoryMulti, 'A', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(IAnd, "and", instr.CategoryMulti, 'A', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(IOr, "or", instr.CategoryMulti, 'A', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(IXor, "xor", instr.CategoryMulti, 'A', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(IMov, "mov", instr.CategoryMulti, 'A', 1, movFormats, allTypesInt|allTypesFloat, instr.ImmInt)
	def(ICmp, "cmp", instr.CategoryMulti, 'A', 2, arithFormats, allTypesInt, instr.ImmInt)
	def(ILoad, "load", instr.CategoryMulti, 'A', 1, fmtBit(FmtAllReg, FmtImm16), allTypesInt|allTypesFloat, instr.ImmNone)
	def(IStore, "store", instr.CategoryMulti, 'A', 1, fmtBit(FmtAllReg, FmtImm16), allTypesInt|allTypesFloat, instr.ImmNone)
	def(IAddF, "addf", instr.CategoryMulti, 'A', 2, fmtBit(FmtAllReg, FmtImm16, FmtImm32), allTypesFloat, instr.ImmFloat)
	def(IAddAndJumpIfZero, "add_and_jump_if_zero", instr.CategoryJump, 'D', 2, jumpFormats, allTypesInt, instr.ImmAddressRelative)
	def(IAddT, "add_t", instr.CategoryTiny, 'T', 2, fmtBit(FmtTinyReg), allTypesInt, instr.ImmNone)
	def(IJumpT, "jump_t", instr.CategoryTiny, 'T', 1, fmtBit(FmtTinyJump), 0, instr.ImmAddressRelative)

	return insts, formats
}
