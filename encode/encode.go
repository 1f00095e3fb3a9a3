// Package encode implements the encoding selector (spec.md §4.5): given
// an abstract Code built by the interpreter, choose the smallest
// format whose constraints the code satisfies, and perform the one
// permitted peephole (arithmetic immediately followed by a same-flag
// conditional jump, fused into an add-and-jump-if form).
//
// The teacher has no analogue for this component (a virtual machine
// has no encoder), so the selection algorithm follows spec.md §4.5's
// seven-step recipe directly; only the surrounding idiom — small
// value types, explicit bitmask fields, no hidden global state — is
// carried over from the rest of this module.
package encode

import (
	"github.com/forwardcom/fctools/expr"
	"github.com/forwardcom/fctools/format"
	"github.com/forwardcom/fctools/instr"
)

// Fit is the bitmap of immediate/address representations a value
// accommodates (spec.md §4.5 rule 4, §9 IFIT_* / GLOSSARY "Fit
// bitmap"). J-bits mean "the negated value fits", used to prefer an
// addition of a negative immediate over a subtraction when smaller.
type Fit uint32

const (
	FitU4 Fit = 1 << iota
	FitI8
	FitJ8
	FitU8
	FitI8Shift
	FitI16
	FitJ16
	FitU16
	FitI16Shift
	FitI16Sh16
	FitI24
	FitI32
	FitJ32
	FitU32
	FitI32Shift
	FitI32Sh32
	FitReloc
	FitLarge
)

func fitsSigned(v int64, bits uint) bool {
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return v >= lo && v <= hi
}

func fitsUnsigned(v int64, bits uint) bool {
	if v < 0 {
		return false
	}
	hi := int64(1)<<bits - 1
	return v <= hi
}

func fitsShifted(v int64, bits, shift uint) bool {
	if v == 0 {
		return true
	}
	mask := int64(1)<<shift - 1
	if v&mask != 0 {
		return false
	}
	return fitsSigned(v>>shift, bits)
}

// FitConstant computes the bitmap of representations value fits
// (spec.md §4.5 rule 4). An unresolved reference forces FitReloc alone
// since no immediate encoding is possible until link time.
func FitConstant(value int64, unresolved bool) Fit {
	if unresolved {
		return FitReloc
	}
	var f Fit
	if fitsUnsigned(value, 4) {
		f |= FitU4
	}
	if fitsSigned(value, 8) {
		f |= FitI8
	}
	if fitsSigned(-value, 8) {
		f |= FitJ8
	}
	if fitsUnsigned(value, 8) {
		f |= FitU8
	}
	if fitsShifted(value, 8, 8) {
		f |= FitI8Shift
	}
	if fitsSigned(value, 16) {
		f |= FitI16
	}
	if fitsSigned(-value, 16) {
		f |= FitJ16
	}
	if fitsUnsigned(value, 16) {
		f |= FitU16
	}
	if fitsShifted(value, 16, 8) {
		f |= FitI16Shift
	}
	if fitsShifted(value, 16, 16) {
		f |= FitI16Sh16
	}
	if fitsSigned(value, 24) {
		f |= FitI24
	}
	if fitsSigned(value, 32) {
		f |= FitI32
	}
	if fitsSigned(-value, 32) {
		f |= FitJ32
	}
	if fitsUnsigned(value, 32) {
		f |= FitU32
	}
	if fitsShifted(value, 32, 8) {
		f |= FitI32Shift
	}
	if fitsShifted(value, 32, 32) {
		f |= FitI32Sh32
	}
	if f&(FitI32|FitU32|FitJ32) == 0 {
		f |= FitLarge
	}
	return f
}

// FitAddress computes the equivalent bitmap for a relative branch
// displacement or memory offset (spec.md §4.5 rule 5). The same
// sub-representations apply; only the caller's interpretation (word
// count vs. byte value) differs.
func FitAddress(disp int64, unresolved bool) Fit {
	return FitConstant(disp, unresolved)
}

// Code is the assembler's per-instruction working record (spec.md
// §4.5's "abstract SCode"): the evaluated operand expression plus the
// bookkeeping the encoder and pass driver need to pick and, later,
// re-pick a format as addresses become known.
type Code struct {
	expr.Expression

	Line       int
	File       string
	Section    int
	Address    int64
	Label      int // symtab index of a label defined at this address; asm does not set it, so it stays 0
	DType      instr.OperandTypeMask
	InstrIndex int // instr.Table id
	Category   instr.Category
	Op1        uint8 // instr.Definition.Op1, copied in so packCode can encode it without a table lookup

	Format      *format.Format
	FitNum      Fit
	FitAddr     Fit
	Dest        int
	NumOp       int
	Size        int   // words currently chosen for this code
	SizeUnknown int   // upper-bound size slack; asm neither sets nor reads it, convergence uses Size
	Disp        int64 // resolved same-section jump displacement in words, set by resolveJumpFit
}

// slotsUsed maps the expression fields a Code has populated onto the
// format.Slots bitmap a candidate format must be a superset of
// (spec.md §4.5 rule 2).
func slotsUsed(c *Code) format.Slots {
	var s format.Slots
	if c.Flags&(expr.FlagInt|expr.FlagFloat|expr.FlagUnresolved) != 0 && c.Flags&(expr.FlagMem|expr.FlagBase|expr.FlagIndex) == 0 {
		s |= format.SlotImmediate
	}
	if c.Flags&(expr.FlagMem|expr.FlagBase|expr.FlagIndex) != 0 {
		s |= format.SlotMemory
	}
	if c.Flags&expr.FlagMask != 0 {
		s |= format.SlotMask
	}
	if c.Flags&expr.FlagBroadcast != 0 {
		s |= format.SlotBroadcast
	}
	if c.Flags&expr.FlagLength != 0 {
		s |= format.SlotLength
	}
	return s
}

// immFits reports whether cand's declared immediate width accepts the
// code's fit bitmap, honoring cand.ImmShiftable for the *Shift bits.
func immFits(cand format.Format, fit Fit) bool {
	if fit&FitReloc != 0 {
		// A relocation's value isn't known until link time, so only a
		// format whose field spans a whole word can hold it; a narrow
		// shared-word field (FmtImm8) can never carry one.
		return cand.Imm.Bits >= 32
	}
	switch {
	case cand.ImmBits >= 32:
		return fit&(FitI32|FitU32|FitJ32) != 0 || (cand.ImmShiftable && fit&(FitI32Shift|FitI32Sh32) != 0)
	case cand.ImmBits >= 24:
		return fit&FitI24 != 0
	case cand.ImmBits >= 16:
		return fit&(FitI16|FitU16|FitJ16) != 0 || (cand.ImmShiftable && fit&(FitI16Shift|FitI16Sh16) != 0)
	case cand.ImmBits >= 8:
		return fit&(FitI8|FitU8|FitJ8) != 0 || (cand.ImmShiftable && fit&FitI8Shift != 0)
	case cand.ImmBits >= 4:
		return fit&FitU4 != 0
	default:
		return fit == 0
	}
}

func addrFits(cand format.Format, fit Fit) bool {
	if fit&FitReloc != 0 {
		return cand.Imm.Bits >= 32
	}
	switch {
	case cand.AddrBits >= 32:
		return fit&(FitI32|FitJ32) != 0
	case cand.AddrBits >= 24:
		return fit&FitI24 != 0
	case cand.AddrBits >= 16:
		return fit&(FitI16|FitJ16) != 0
	case cand.AddrBits >= 8:
		return fit&(FitI8|FitJ8) != 0
	default:
		return true
	}
}

// instructionFits implements spec.md §4.5 rules 1-3 and 6 for a
// non-jump candidate format, then rule 4 for its immediate.
func instructionFits(def instr.Definition, cand format.Format, c *Code) bool {
	if def.Category != cand.Category {
		return false
	}
	if !cand.Slots.Has(slotsUsed(c)) {
		return false
	}
	if def.TypesGP != 0 || def.TypesScalar != 0 || def.TypesVector != 0 {
		if def.TypesGP&c.DType == 0 && def.TypesScalar&c.DType == 0 && def.TypesVector&c.DType == 0 {
			return false
		}
	}
	if cand.OT != 0 && cand.OT&c.DType == 0 {
		return false
	}
	if slotsUsed(c).Has(format.SlotImmediate) && !immFits(cand, c.FitNum) {
		return false
	}
	return true
}

// jumpInstructionFits is instructionFits' counterpart for
// CategoryJump: the operand of interest is the branch displacement,
// checked against the candidate's AddrBits (spec.md §4.5 rule 5)
// instead of ImmBits.
func jumpInstructionFits(def instr.Definition, cand format.Format, c *Code) bool {
	if def.Category != cand.Category {
		return false
	}
	if def.TypesGP&c.DType == 0 && def.TypesScalar&c.DType == 0 && def.TypesVector&c.DType == 0 && c.DType != 0 {
		return false
	}
	return addrFits(cand, c.FitAddr)
}

// NotSmallerThan drops every candidate narrower than minWords. Once a
// code has committed to a size in an earlier pass-4 iteration,
// re-fitting must never hand it back a smaller format (spec.md §3
// "size never shrinks after being committed"); the caller applies this
// before SelectFormat on every iteration after the first.
func NotSmallerThan(candidates []format.Format, minWords int) []format.Format {
	if minWords <= 0 {
		return candidates
	}
	out := make([]format.Format, 0, len(candidates))
	for _, cand := range candidates {
		if cand.SizeWords >= minWords {
			out = append(out, cand)
		}
	}
	return out
}

// SelectFormat runs spec.md §4.5's full recipe over candidates,
// applying the tie-break in rule 7: smallest size, then no
// relocation, then lowest format id for determinism.
func SelectFormat(def instr.Definition, candidates []format.Format, c *Code) (format.Format, bool) {
	fits := jumpInstructionFits
	if def.Category != instr.CategoryJump {
		fits = instructionFits
	}

	var best format.Format
	found := false
	for _, cand := range candidates {
		if !fits(def, cand, c) {
			continue
		}
		if !found {
			best, found = cand, true
			continue
		}
		if better(cand, best) {
			best = cand
		}
	}
	return best, found
}

// better implements the size-then-id half of rule 7's tie-break.
// Preferring "no relocation" adds nothing once both candidates already
// passed immFits/addrFits for the same Code, since a relocation is a
// property of the value, not of which surviving format holds it.
func better(a, b format.Format) bool {
	if a.SizeWords != b.SizeWords {
		return a.SizeWords < b.SizeWords
	}
	return a.ID < b.ID
}

// MergeJump implements the one permitted peephole (spec.md §4.5,
// "arithmetic op immediately followed by a conditional jump on the
// same register+flag"): prev computes a value into a register and
// jump branches on that register's flag state with no intervening
// use. When a format exists that can express both in one instruction,
// report it fused; otherwise the caller keeps them separate.
func MergeJump(prev, jump *Code, fused instr.Definition, formats []format.Format) (Code, bool) {
	if prev.Dest != jump.Reg1 {
		return Code{}, false
	}
	cand, ok := SelectFormat(fused, formats, prev)
	if !ok {
		return Code{}, false
	}
	out := *prev
	out.InstrIndex = fused.ID
	out.Format = &cand
	out.Size = cand.SizeWords
	return out, true
}
