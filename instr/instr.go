// Package instr implements the instruction table (spec.md §2.1): an
// immutable catalog of instruction definitions loaded from an
// external CSV description. Reading the CSV file itself is treated as
// an external collaborator (spec.md §1); this package only owns the
// in-memory catalog and its lookups.
package instr

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Category governs which formats an instruction may use (GLOSSARY).
type Category uint8

const (
	CategorySingle Category = iota // one specific format
	CategoryTiny                   // fits the 14-bit tiny template
	CategoryMulti                  // one of several formats, chosen by fit
	CategoryJump                   // branch/call, uses the jump format list
)

func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return CategorySingle, nil
	case "tiny":
		return CategoryTiny, nil
	case "multi":
		return CategoryMulti, nil
	case "jump":
		return CategoryJump, nil
	default:
		return 0, fmt.Errorf("unknown instruction category %q", s)
	}
}

// ImmKind describes what an instruction's immediate field means. It is
// carried in the catalog only; encode and asm pick the
// FitConstant/FitAddress path from the instruction's Category.
type ImmKind uint8

const (
	ImmNone ImmKind = iota
	ImmInt
	ImmFloat
	ImmAddressRelative
	ImmAddressDirect
)

// OperandTypeMask is a bitmask over the element types (int8..int128,
// float16..128, and their unsigned variants) an instruction accepts,
// one mask per operand domain (GP scalar register, vector scalar
// element, vector).
type OperandTypeMask uint32

const (
	OTInt8 OperandTypeMask = 1 << iota
	OTInt16
	OTInt32
	OTInt64
	OTInt128
	OTUInt8
	OTUInt16
	OTUInt32
	OTUInt64
	OTFloat16
	OTFloat32
	OTFloat64
	OTFloat128
)

// Definition is one catalog row (spec.md §2.1, §6's 13-column CSV).
type Definition struct {
	ID              int
	Name            string
	Category        Category
	FormatBitmap    uint32 // which format ids this instruction may select from
	Template        byte   // 'A'..'E' or 'T'
	SourceOperands  int
	Op1             uint8
	Op2             uint8
	TypesGP         OperandTypeMask
	TypesScalar     OperandTypeMask
	TypesVector     OperandTypeMask
	ImmKind         ImmKind
	TemplateVariant string
}

// Table is the immutable catalog, indexed by id and by lower-cased
// name for the lexer's instruction table (token.Keywords.AddInstruction).
type Table struct {
	byID   map[int]Definition
	byName map[string]Definition
	order  []int
}

// NewTable builds an empty catalog; use Load or Add to populate it.
func NewTable() *Table {
	return &Table{byID: map[int]Definition{}, byName: map[string]Definition{}}
}

// Add inserts or replaces one definition.
func (t *Table) Add(def Definition) {
	if _, exists := t.byID[def.ID]; !exists {
		t.order = append(t.order, def.ID)
	}
	t.byID[def.ID] = def
	t.byName[strings.ToLower(def.Name)] = def
}

// ByID looks up a definition by its numeric id.
func (t *Table) ByID(id int) (Definition, bool) {
	d, ok := t.byID[id]
	return d, ok
}

// ByName looks up a definition by mnemonic, case-insensitive.
func (t *Table) ByName(name string) (Definition, bool) {
	d, ok := t.byName[strings.ToLower(name)]
	return d, ok
}

// Len reports how many instructions are registered.
func (t *Table) Len() int { return len(t.order) }

// All returns definitions in load order, for building the lexer's
// instruction table or a listing of supported mnemonics.
func (t *Table) All() []Definition {
	out := make([]Definition, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Load parses the 13-column CSV description (spec.md §6) into t.
// Numeric columns accept decimal, hex (0x), binary (0b) or octal (0o)
// as text, via strconv.ParseUint with base 0.
func (t *Table) Load(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 13
	rows, err := cr.ReadAll()
	if err != nil {
		return fmt.Errorf("instr: reading CSV: %w", err)
	}
	for i, row := range rows {
		def, err := parseRow(row)
		if err != nil {
			return fmt.Errorf("instr: row %d: %w", i, err)
		}
		t.Add(def)
	}
	return nil
}

func parseNum(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	return strconv.ParseUint(s, 0, 64)
}

func parseRow(row []string) (Definition, error) {
	id, err := parseNum(row[0])
	if err != nil {
		return Definition{}, fmt.Errorf("id: %w", err)
	}
	cat, err := ParseCategory(row[1])
	if err != nil {
		return Definition{}, err
	}
	formatBitmap, err := parseNum(row[2])
	if err != nil {
		return Definition{}, fmt.Errorf("format bitmap: %w", err)
	}
	template := strings.TrimSpace(row[3])
	if len(template) != 1 {
		return Definition{}, fmt.Errorf("template letter must be one character, got %q", template)
	}
	srcOps, err := parseNum(row[4])
	if err != nil {
		return Definition{}, fmt.Errorf("source operand count: %w", err)
	}
	op1, err := parseNum(row[5])
	if err != nil {
		return Definition{}, fmt.Errorf("op1: %w", err)
	}
	op2, err := parseNum(row[6])
	if err != nil {
		return Definition{}, fmt.Errorf("op2: %w", err)
	}
	typesGP, err := parseNum(row[7])
	if err != nil {
		return Definition{}, fmt.Errorf("op-types-gp: %w", err)
	}
	typesScalar, err := parseNum(row[8])
	if err != nil {
		return Definition{}, fmt.Errorf("op-types-scalar: %w", err)
	}
	typesVector, err := parseNum(row[9])
	if err != nil {
		return Definition{}, fmt.Errorf("op-types-vector: %w", err)
	}
	immKind, err := parseNum(row[10])
	if err != nil {
		return Definition{}, fmt.Errorf("immediate kind: %w", err)
	}
	variant := row[11]
	name := row[12]

	return Definition{
		ID: int(id), Name: name, Category: cat, FormatBitmap: uint32(formatBitmap),
		Template: template[0], SourceOperands: int(srcOps), Op1: uint8(op1), Op2: uint8(op2),
		TypesGP: OperandTypeMask(typesGP), TypesScalar: OperandTypeMask(typesScalar), TypesVector: OperandTypeMask(typesVector),
		ImmKind: ImmKind(immKind), TemplateVariant: variant,
	}, nil
}
