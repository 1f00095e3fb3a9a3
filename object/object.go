// Package object implements the ForwardCom ELF-variant container
// (spec.md §6): 64-bit little-endian headers, named sections with
// read/write/execute/weak/uninitialized/communal flags, a relocation
// table, and a trailing symbol table with private symbols stripped.
//
// The on-disk layout is the teacher's tagged-block idiom from
// module.Write/Read (github.com/jfitz/virtual-processor/module),
// generalized from a fixed two-page (code, data) module to an
// arbitrary section list, and from the teacher's execution-oriented
// Page/Module pair (which this spec's "no runtime" non-goal drops
// entirely) to a pure container: sections carry bytes and relocations,
// nothing here ever executes them.
package object

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/forwardcom/fctools/symtab"
)

// magic tags the start of a container, the way the teacher's module
// format opens every file with the literal string "module".
const magic = "fcobj\x00"

const version = 1

// MaxAlign is the largest section alignment the format can express
// (spec.md §6).
const MaxAlign = 4096

// SectionFlags mirrors spec.md §6's section attribute set.
type SectionFlags uint16

const (
	SecRead SectionFlags = 1 << iota
	SecWrite
	SecExecute
	SecWeak
	SecUninitialized
	SecCommunal
)

// Section is one named region of the object: code, data, or a
// bss-like uninitialized reservation.
type Section struct {
	Name  string
	Flags SectionFlags
	Align uint32
	Data  []byte

	// GroupKey identifies weak/communal duplicate groups; sections
	// sharing a non-empty GroupKey are deduplicated at Emit time,
	// keeping the first and dropping the rest (spec.md §6, "duplicates
	// removable").
	GroupKey string
}

// RelocType is the kind of address computation a relocation records.
type RelocType uint8

const (
	RelAbsolute RelocType = iota
	RelSelfRelative
	RelScaled
	RelSymMinusSym
)

func (k RelocType) String() string {
	switch k {
	case RelAbsolute:
		return "absolute"
	case RelSelfRelative:
		return "self-relative"
	case RelScaled:
		return "scaled"
	case RelSymMinusSym:
		return "sym-minus-sym"
	default:
		return "unknown"
	}
}

// Relocation records one unresolved reference: apply Addend (and, for
// RelScaled, divide by Scale) to Symbol's resolved value, optionally
// minus Symbol2's for jump-table-style differences (spec.md §6).
type Relocation struct {
	Section int
	Offset  uint32
	Type    RelocType
	Symbol  int
	Symbol2 int // valid only for RelSymMinusSym; -1 otherwise
	Addend  int64
	Scale   int8
}

// Container is the in-memory object file being built by the emitter
// (spec.md §4.6 pass 5) or read back by the disassembler.
type Container struct {
	Sections    []Section
	Relocations []Relocation
	Syms        *symtab.Table
}

func New(syms *symtab.Table) *Container {
	return &Container{Syms: syms}
}

func (c *Container) AddSection(s Section) int {
	c.Sections = append(c.Sections, s)
	return len(c.Sections) - 1
}

func (c *Container) AddRelocation(r Relocation) {
	c.Relocations = append(c.Relocations, r)
}

// dedupeCommunal drops every section after the first in each non-empty
// GroupKey group flagged communal or weak, remapping relocations that
// pointed at a dropped section onto the survivor.
func (c *Container) dedupeCommunal() {
	survivor := make(map[string]int)
	remap := make([]int, len(c.Sections))
	kept := c.Sections[:0]

	for i, s := range c.Sections {
		dedupable := s.GroupKey != "" && s.Flags&(SecCommunal|SecWeak) != 0
		if !dedupable {
			remap[i] = len(kept)
			kept = append(kept, s)
			continue
		}
		if j, ok := survivor[s.GroupKey]; ok {
			remap[i] = j
			continue
		}
		survivor[s.GroupKey] = len(kept)
		remap[i] = len(kept)
		kept = append(kept, s)
	}
	c.Sections = kept

	for i := range c.Relocations {
		c.Relocations[i].Section = remap[c.Relocations[i].Section]
	}
}

// isPrivate is the drop predicate for symtab.Compact: a symbol is
// private to this translation unit, and safe to omit from the
// on-disk symbol table, once it is defined, local-bound, and never
// exposed with `public` (spec.md §4.6 pass 5, "removing private
// symbols").
func isPrivate(s symtab.Symbol) bool {
	return s.Flags&symtab.FlagDefined != 0 && s.Binding == symtab.BindLocal && s.Flags&symtab.FlagPublic == 0
}

// Emit writes the container: header, sections, relocations, then the
// compacted symbol table (spec.md §4.6 pass 5's five sub-steps, minus
// instruction encoding, which happens upstream in encode/asm).
func (c *Container) Emit(w io.Writer) error {
	c.dedupeCommunal()

	xlat := c.Syms.Compact(isPrivate)
	for i := range c.Relocations {
		r := &c.Relocations[i]
		newSym := xlat[r.Symbol]
		if newSym < 0 {
			return fmt.Errorf("object: relocation at section %d offset %#x references a stripped private symbol", r.Section, r.Offset)
		}
		r.Symbol = int(newSym)
		if r.Type == RelSymMinusSym {
			newSym2 := xlat[r.Symbol2]
			if newSym2 < 0 {
				return fmt.Errorf("object: relocation at section %d offset %#x references a stripped private symbol (sym2)", r.Section, r.Offset)
			}
			r.Symbol2 = int(newSym2)
		}
	}

	if err := writeString(w, magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(version)); err != nil {
		return err
	}

	if err := writeSections(w, c.Sections); err != nil {
		return err
	}
	if err := writeRelocations(w, c.Relocations); err != nil {
		return err
	}
	if err := writeSymbols(w, c.Syms); err != nil {
		return err
	}
	return nil
}

func writeSections(w io.Writer, sections []Section) error {
	if err := writeString(w, "sections"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(sections))); err != nil {
		return err
	}
	for _, s := range sections {
		if s.Align > MaxAlign {
			return fmt.Errorf("object: section %q alignment %d exceeds MAX_ALIGN %d", s.Name, s.Align, MaxAlign)
		}
		if err := writeString(w, s.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(s.Flags)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, s.Align); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(s.Data))); err != nil {
			return err
		}
		if s.Flags&SecUninitialized == 0 {
			if _, err := w.Write(s.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeRelocations(w io.Writer, relocs []Relocation) error {
	if err := writeString(w, "relocations"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(relocs))); err != nil {
		return err
	}
	for _, r := range relocs {
		fields := []interface{}{
			uint32(r.Section), r.Offset, uint8(r.Type),
			uint32(r.Symbol), int32(r.Symbol2), r.Addend, r.Scale,
		}
		for _, f := range fields {
			if err := binary.Write(w, binary.LittleEndian, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeSymbols(w io.Writer, syms *symtab.Table) error {
	if err := writeString(w, "symbols"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(syms.Len())); err != nil {
		return err
	}
	for i := 0; i < syms.Len(); i++ {
		sym := syms.Get(i)
		if err := writeString(w, syms.Name(i)); err != nil {
			return err
		}
		fields := []interface{}{
			sym.Section, sym.Value, sym.Size,
			uint8(sym.Binding), uint8(sym.Type), uint16(sym.Flags), sym.RefSymbol,
		}
		for _, f := range fields {
			if err := binary.Write(w, binary.LittleEndian, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeString writes a length-prefixed string, the same tagging
// scheme the teacher's vputils.WriteString/ReadString pair uses for
// every block header in the module file format.
func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Read parses a container previously written by Emit. Symbols come
// back already compacted (no external/undefined placeholders beyond
// what Emit chose to keep).
func Read(r io.Reader, syms *symtab.Table) (*Container, error) {
	got, err := readString(r)
	if err != nil {
		return nil, err
	}
	if got != magic {
		return nil, fmt.Errorf("object: bad magic %q", got)
	}
	var ver uint32
	if err := binary.Read(r, binary.LittleEndian, &ver); err != nil {
		return nil, err
	}
	if ver != version {
		return nil, fmt.Errorf("object: unsupported version %d", ver)
	}

	c := &Container{Syms: syms}

	if err := expectTag(r, "sections"); err != nil {
		return nil, err
	}
	var nsec uint32
	if err := binary.Read(r, binary.LittleEndian, &nsec); err != nil {
		return nil, err
	}
	for i := uint32(0); i < nsec; i++ {
		s, err := readSection(r)
		if err != nil {
			return nil, err
		}
		c.Sections = append(c.Sections, s)
	}

	if err := expectTag(r, "relocations"); err != nil {
		return nil, err
	}
	var nrel uint32
	if err := binary.Read(r, binary.LittleEndian, &nrel); err != nil {
		return nil, err
	}
	for i := uint32(0); i < nrel; i++ {
		rel, err := readRelocation(r)
		if err != nil {
			return nil, err
		}
		c.Relocations = append(c.Relocations, rel)
	}

	if err := expectTag(r, "symbols"); err != nil {
		return nil, err
	}
	var nsym uint32
	if err := binary.Read(r, binary.LittleEndian, &nsym); err != nil {
		return nil, err
	}
	for i := uint32(0); i < nsym; i++ {
		if err := readSymbol(r, syms); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func expectTag(r io.Reader, want string) error {
	got, err := readString(r)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("object: expected %q block, found %q", want, got)
	}
	return nil
}

func readSection(r io.Reader) (Section, error) {
	var s Section
	name, err := readString(r)
	if err != nil {
		return s, err
	}
	s.Name = name

	var flags uint16
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return s, err
	}
	s.Flags = SectionFlags(flags)

	if err := binary.Read(r, binary.LittleEndian, &s.Align); err != nil {
		return s, err
	}

	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return s, err
	}
	if s.Flags&SecUninitialized == 0 {
		s.Data = make([]byte, size)
		if _, err := io.ReadFull(r, s.Data); err != nil {
			return s, err
		}
	}
	return s, nil
}

func readRelocation(r io.Reader) (Relocation, error) {
	var rel Relocation
	var section, symbol uint32
	var sym2 int32
	var kind uint8

	fields := []interface{}{&section, &rel.Offset, &kind, &symbol, &sym2, &rel.Addend, &rel.Scale}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return rel, err
		}
	}
	rel.Section = int(section)
	rel.Type = RelocType(kind)
	rel.Symbol = int(symbol)
	rel.Symbol2 = int(sym2)
	return rel, nil
}

func readSymbol(r io.Reader, syms *symtab.Table) error {
	name, err := readString(r)
	if err != nil {
		return err
	}
	var sym symtab.Symbol
	var binding, typ uint8
	var flags uint16
	fields := []interface{}{&sym.Section, &sym.Value, &sym.Size, &binding, &typ, &flags, &sym.RefSymbol}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	idx := syms.Add(name)
	sym.NameOffset = syms.Get(idx).NameOffset
	sym.Binding = symtab.Binding(binding)
	sym.Type = symtab.Type(typ)
	sym.Flags = symtab.Flags(flags)
	syms.Set(idx, sym)
	return nil
}
