// Package symtab implements the symbol table shared by the assembler
// and the disassembler: an ELF-style record extended with the
// assemble-time metadata spec.md §3 describes (fit state is tracked
// elsewhere, in encode.Code; the symbol only carries what survives to
// the object file plus what the passes need to resolve it).
package symtab

import (
	"fmt"
	"sort"

	"github.com/forwardcom/fctools/strtab"
)

// Binding is the ELF-style linkage of a symbol.
type Binding uint8

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

// Type classifies what a symbol addresses.
type Type uint8

const (
	TypeNone Type = iota
	TypeFunction
	TypeObject
	TypeSection
)

// Flags records the boolean state spec.md §3 lists for a Symbol.
type Flags uint16

const (
	FlagDefined Flags = 1 << iota
	FlagExternal
	FlagPublic
	FlagWeak
	FlagUninitialized
	FlagConstant
	FlagCommunal
	FlagEmitted // disassembler: "already emitted" bit
)

// Symbol is one entry of the table. Name is stored by offset into a
// shared strtab.Buffer, not as a Go string, so that renumbering and
// sorting never invalidate a name held elsewhere by offset.
type Symbol struct {
	NameOffset uint32
	Section    int32 // -1 if not yet assigned to a section
	Value      int64 // address, or constant value for TypeNone/FlagConstant
	Size       uint32
	Binding    Binding
	Type       Type
	Flags      Flags
	RefSymbol  int32 // reference-symbol id, for relative-pointer symbols; -1 if unused
}

func (s Symbol) String() string {
	return fmt.Sprintf("sym{off:%d sec:%d val:%#x flags:%04x}", s.NameOffset, s.Section, s.Value, s.Flags)
}

// Table is the assemble-time symbol table. It owns no name storage
// itself: every comparison goes through the *strtab.Buffer supplied to
// New, so the table never reaches for hidden global state (see
// spec.md's DESIGN NOTES on the "hidden global name buffer").
type Table struct {
	names   *strtab.Buffer
	symbols []Symbol
	sorted  bool
	index   []int // symbols[index[i]] is in name order, valid iff sorted
}

// New creates a table backed by names.
func New(names *strtab.Buffer) *Table {
	return &Table{names: names}
}

// Add returns the index of the symbol named name, inserting a new
// (undefined, external) one if none exists yet. It never marks a
// symbol as defined; callers set FlagDefined explicitly through
// Define once the symbol's address/value is known.
func (t *Table) Add(name string) int {
	if idx, ok := t.FindByName(name); ok {
		return idx
	}
	off := t.names.Add(name)
	t.symbols = append(t.symbols, Symbol{NameOffset: off, Section: -1, RefSymbol: -1, Flags: FlagExternal})
	t.sorted = false
	return len(t.symbols) - 1
}

// MakeLabel allocates a symbol of unknown address for a synthetic
// branch target (an if/while/for/switch label), returning a stable
// index. The name is expected to already be unique (the caller
// generates it from a block sequence number), so no dedup lookup is
// performed.
func (t *Table) MakeLabel(name string) int {
	off := t.names.Add(name)
	t.symbols = append(t.symbols, Symbol{NameOffset: off, Section: -1, RefSymbol: -1, Type: TypeFunction})
	t.sorted = false
	return len(t.symbols) - 1
}

// FindByName looks name up in the string buffer (strtab.Buffer.Find)
// and then binary-searches the name-ordered index, which is rebuilt
// first if the table changed since the last sort.
func (t *Table) FindByName(name string) (int, bool) {
	off, ok := t.names.Find(name)
	if !ok {
		return 0, false
	}
	return t.FindByNameOffset(off)
}

// FindByNameOffset binary-searches the sorted index, building it on
// first use after any mutation. off must be an offset returned by the
// Table's own strtab.Buffer.
func (t *Table) FindByNameOffset(off uint32) (int, bool) {
	t.ensureSorted()
	name := t.names.Get(off)
	n := len(t.index)
	i := sort.Search(n, func(i int) bool {
		return t.names.Compare(t.symbols[t.index[i]].NameOffset, off) >= 0
	})
	if i < n && t.names.Get(t.symbols[t.index[i]].NameOffset) == name {
		return t.index[i], true
	}
	return 0, false
}

func (t *Table) ensureSorted() {
	if t.sorted {
		return
	}
	t.index = make([]int, len(t.symbols))
	for i := range t.index {
		t.index[i] = i
	}
	sort.Slice(t.index, func(a, b int) bool {
		return t.names.Compare(t.symbols[t.index[a]].NameOffset, t.symbols[t.index[b]].NameOffset) < 0
	})
	t.sorted = true
}

// Get returns the symbol at idx.
func (t *Table) Get(idx int) Symbol {
	return t.symbols[idx]
}

// Set replaces the symbol at idx.
func (t *Table) Set(idx int, sym Symbol) {
	t.symbols[idx] = sym
}

// Len reports the number of symbols, including undefined externs.
func (t *Table) Len() int {
	return len(t.symbols)
}

// Name resolves a symbol's name back to a string, for diagnostics and
// disassembly listings.
func (t *Table) Name(idx int) string {
	return t.names.Get(t.symbols[idx].NameOffset)
}

// Define marks the symbol at idx as defined with the given section,
// value and binding. Redefinition of an already-defined, non-external
// symbol is a duplicate-definition error; merging an external
// declaration with a later definition is legal (spec.md §4.2) and
// simply upgrades the binding.
func (t *Table) Define(idx int, section int32, value int64, binding Binding) error {
	sym := t.symbols[idx]
	if sym.Flags&FlagDefined != 0 {
		return fmt.Errorf("duplicate definition of symbol %q", t.Name(idx))
	}
	sym.Section = section
	sym.Value = value
	sym.Binding = binding
	sym.Flags = sym.Flags&^FlagExternal | FlagDefined
	if binding == BindGlobal {
		sym.Flags |= FlagPublic
	}
	if binding == BindWeak {
		sym.Flags |= FlagWeak
	}
	t.symbols[idx] = sym
	return nil
}

// Compact removes symbols matching drop (typically "private and
// unreferenced") and returns a translation table old-index -> new
// index (-1 if removed), so relocations recorded against old indices
// can be remapped in one pass (spec.md §8, "Symbol-table stability").
func (t *Table) Compact(drop func(Symbol) bool) []int32 {
	translate := make([]int32, len(t.symbols))
	kept := t.symbols[:0]
	next := int32(0)
	for i, sym := range t.symbols {
		if drop(sym) {
			translate[i] = -1
			continue
		}
		translate[i] = next
		kept = append(kept, sym)
		next++
	}
	t.symbols = kept
	t.sorted = false
	return translate
}
