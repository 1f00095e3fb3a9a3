// Package disasm turns an object.Container's code sections back into
// readable text (spec.md §4.7): walk each code section word by word
// through format.Table.Lookup to find the format, read the op1 byte
// the same way the trie does to find the exact instr.Definition, and
// render relocation-backed operands symbolically using the container's
// own symbol table.
//
// Register and immediate operands are read back out of the same bit
// positions format.Format's RD/RS/RT/Imm fields name for packCode
// (package asm): the presence bits packCode sets in word 0 (spec.md
// §6) say which of a format's nominal register slots this instruction
// actually used, and a relocation record, when one exists at this
// offset, always takes priority over a raw Imm field since only the
// linker knows the symbol's final value.
package disasm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/forwardcom/fctools/diag"
	"github.com/forwardcom/fctools/format"
	"github.com/forwardcom/fctools/instr"
	"github.com/forwardcom/fctools/object"
	"github.com/forwardcom/fctools/symtab"
)

const wordSize = 4

// Line is one disassembled row: either a decoded instruction or a
// data-in-code fallback when the header trie has no match.
type Line struct {
	Address  int64
	Size     int // in words; a tiny (half-word) instruction is counted as 1
	Label    string
	Mnemonic string
	Operand  string
	Raw      []byte
	IsData   bool
}

// Disassembler decodes a container's code sections against a known
// instruction/format catalog (typically isa.Default's return values,
// or the pair loaded from the same CSV the assembler used).
type Disassembler struct {
	Instrs *instr.Table
	Fmts   *format.Table
	Diag   *diag.Collector

	byOp1     map[uint8]instr.Definition
	mnemonics map[mnemKey][]string
}

type mnemKey struct {
	cat   instr.Category
	fmtID int
}

// New builds a Disassembler. It indexes definitions by Op1 (the actual
// opcode field packCode writes) for the common case, and also by
// (category, format) as a fallback for a definition whose Op1 is 0 or
// collides with another's, so decoding never gets stuck on an
// otherwise-legible header.
func New(instrs *instr.Table, fmts *format.Table) *Disassembler {
	d := &Disassembler{Instrs: instrs, Fmts: fmts, Diag: diag.New(0), byOp1: map[uint8]instr.Definition{}, mnemonics: map[mnemKey][]string{}}
	for _, def := range instrs.All() {
		if def.Op1 != 0 {
			d.byOp1[def.Op1] = def
		}
		for _, f := range fmts.All() {
			if f.Category != def.Category {
				continue
			}
			if def.FormatBitmap&(1<<uint(f.ID-1)) == 0 {
				continue
			}
			key := mnemKey{cat: f.Category, fmtID: f.ID}
			d.mnemonics[key] = append(d.mnemonics[key], def.Name)
		}
	}
	return d
}

// mnemonicFor names the instruction at word's header: first by its op1
// byte (unambiguous whenever the catalog gave every instruction a
// distinct nonzero op1), falling back to every mnemonic the decoded
// format could belong to when op1 doesn't resolve to a known
// definition of the same category.
func (d *Disassembler) mnemonicFor(word uint32, f format.Format) string {
	op1 := uint8((word >> 8) & 0xFF)
	if def, ok := d.byOp1[op1]; ok && def.Category == f.Category {
		return def.Name
	}
	names := d.mnemonics[mnemKey{cat: f.Category, fmtID: f.ID}]
	switch len(names) {
	case 0:
		return fmt.Sprintf("<fmt%d>", f.ID)
	case 1:
		return names[0]
	default:
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		return strings.Join(sorted, "|")
	}
}

// relocationsByOffset indexes a section's relocations by byte offset
// for O(1) lookup while walking words.
func relocationsByOffset(obj *object.Container, secIdx int) map[uint32]object.Relocation {
	out := map[uint32]object.Relocation{}
	for _, r := range obj.Relocations {
		if r.Section == secIdx {
			out[r.Offset] = r
		}
	}
	return out
}

// labelsByAddress finds every symbol defined in secIdx and returns a
// byte-offset -> name map, for printing a label line before the
// instruction that starts there.
func labelsByAddress(obj *object.Container, secIdx int) map[int64]string {
	out := map[int64]string{}
	syms := obj.Syms
	for i := 0; i < syms.Len(); i++ {
		sym := syms.Get(i)
		if sym.Flags&symtab.FlagDefined == 0 || sym.Section != int32(secIdx) {
			continue
		}
		if name := syms.Name(i); name != "" {
			out[sym.Value] = name
		}
	}
	return out
}

// operandFor rebuilds the operand text from the raw instruction
// word(s): registers first (RD, then RS, then RT, matching the
// destination-then-sources order the assembler reads them in), a
// relocation's symbol name in place of any packed immediate when one
// was recorded at this offset, otherwise the packed immediate or
// branch displacement itself.
func operandFor(f format.Format, word0, word1 uint32, reloc object.Relocation, hasReloc bool, symName string) string {
	var parts []string
	if f.RD.Present() && word0&format.PresenceRD != 0 {
		parts = append(parts, fmt.Sprintf("r%d", f.RD.Extract(word0)))
	}
	if f.RS.Present() && word0&format.PresenceRS != 0 {
		parts = append(parts, fmt.Sprintf("r%d", f.RS.Extract(word0)))
	}
	if f.RT.Present() && word0&format.PresenceRT != 0 {
		parts = append(parts, fmt.Sprintf("r%d", f.RT.Extract(word0)))
	}
	switch {
	case hasReloc:
		if reloc.Addend != 0 {
			parts = append(parts, fmt.Sprintf("%s%+d", symName, reloc.Addend))
		} else {
			parts = append(parts, symName)
		}
	case f.Imm.Present():
		raw := word1
		if f.Imm.Word == 0 {
			raw = word0
		}
		parts = append(parts, fmt.Sprintf("%d", f.Imm.SignExtend(f.Imm.Extract(raw))))
	}
	return strings.Join(parts, ", ")
}

// Section disassembles one code section of obj into a sequence of
// Lines. Non-code (data/uninitialized) sections are rejected; the
// caller is expected to print those as raw/typed data instead, per
// spec.md's data-vs-code section distinction.
func (d *Disassembler) Section(obj *object.Container, secIdx int) ([]Line, error) {
	sec := obj.Sections[secIdx]
	if sec.Flags&object.SecExecute == 0 {
		return nil, fmt.Errorf("disasm: section %q is not executable", sec.Name)
	}
	relocs := relocationsByOffset(obj, secIdx)
	labels := labelsByAddress(obj, secIdx)

	var lines []Line
	data := sec.Data
	addr := int64(0)
	for len(data) > 0 {
		if len(data) < wordSize {
			lines = append(lines, Line{Address: addr, Raw: data, IsData: true})
			d.Diag.Warnf(sec.Name, int(addr), len(data), 5, "trailing %d byte(s) shorter than one word, dumped as data", len(data))
			break
		}
		word := binary.LittleEndian.Uint32(data[:wordSize])
		res := d.Fmts.Lookup(word)
		byteOff := addr * wordSize

		line := Line{Address: addr, Label: labels[byteOff]}
		if !res.Found {
			line.IsData = true
			line.Raw = data[:wordSize]
			lines = append(lines, line)
			d.Diag.Warnf(sec.Name, int(byteOff), wordSize, 5, "no format matches header word %#08x at offset %#x, treated as data", word, byteOff)
			data = data[wordSize:]
			addr++
			continue
		}

		size := res.Format.SizeWords
		if size == 0 {
			size = 1
		}
		consume := size * wordSize
		if consume > len(data) {
			consume = len(data)
		}
		reloc, hasReloc := relocs[uint32(byteOff)]
		symName := ""
		if hasReloc {
			symName = obj.Syms.Name(reloc.Symbol)
		}
		var word1 uint32
		if consume >= 2*wordSize {
			word1 = binary.LittleEndian.Uint32(data[wordSize : 2*wordSize])
		}
		line.Size = size
		line.Mnemonic = d.mnemonicFor(word, res.Format)
		line.Operand = operandFor(res.Format, word, word1, reloc, hasReloc, symName)
		line.Raw = data[:consume]
		lines = append(lines, line)

		data = data[consume:]
		addr += int64(size)
	}
	return lines, nil
}

// Text renders lines the way a listing file would: one label line per
// definition, one instruction line per decoded instruction, hex comment for
// data fallbacks.
func Text(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		if l.Label != "" {
			fmt.Fprintf(&b, "%s:\n", l.Label)
		}
		if l.IsData {
			fmt.Fprintf(&b, "    %#06x: .byte % x\n", l.Address*wordSize, l.Raw)
			continue
		}
		if l.Operand == "" {
			fmt.Fprintf(&b, "    %#06x: %s\n", l.Address*wordSize, l.Mnemonic)
		} else {
			fmt.Fprintf(&b, "    %#06x: %s %s\n", l.Address*wordSize, l.Mnemonic, l.Operand)
		}
	}
	return b.String()
}
