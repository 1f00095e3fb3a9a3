// Package asm drives the pass pipeline (spec.md §4.6): it owns every
// buffer the other packages need (string table, symbol table, keyword
// tables, the expression evaluator, the meta-variable processor, the
// control-block stack, and the diagnostic collector), tokenizes source
// with token.Lexer, interprets each line against the current
// meta-variable state, lowers control statements through hll, chooses
// an encoding for every instruction through encode, and finally emits
// an object.Container.
//
// The teacher has no analogue for an assembler proper; this package's
// idiom (one struct owning every collaborator, explicit passes, no
// package-level state) follows the rest of this module rather than the
// teacher's interpreter loop directly.
package asm

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/forwardcom/fctools/diag"
	"github.com/forwardcom/fctools/encode"
	"github.com/forwardcom/fctools/expr"
	"github.com/forwardcom/fctools/format"
	"github.com/forwardcom/fctools/hll"
	"github.com/forwardcom/fctools/instr"
	"github.com/forwardcom/fctools/isa"
	"github.com/forwardcom/fctools/meta"
	"github.com/forwardcom/fctools/object"
	"github.com/forwardcom/fctools/strtab"
	"github.com/forwardcom/fctools/symtab"
	"github.com/forwardcom/fctools/token"
)

const wordSize = 4
const maxFitPasses = 32

// item is one entry of a section's instruction stream: either a real
// instruction awaiting encoding, or a bare label placement.
type item struct {
	code    *encode.Code
	label   int
	isLabel bool
}

// sectionBuf accumulates one section's content before Emit packs it
// into an object.Section.
type sectionBuf struct {
	name     string
	flags    object.SectionFlags
	align    uint32
	groupKey string
	isData   bool
	items    []item // populated when !isData
	data     []byte // populated when isData
}

// Session owns every collaborator the pass driver needs and the
// mutable state accumulated while assembling one or more files into a
// single object.
type Session struct {
	Strs   *strtab.Buffer
	Syms   *symtab.Table
	Kw     *token.Keywords
	Instrs *instr.Table
	Fmts   *format.Table
	Eval   *expr.Evaluator
	Meta   *meta.Processor
	Blocks *hll.Stack
	Diag   *diag.Collector

	lex      *token.Lexer
	sections []*sectionBuf
	secIndex map[string]int
	cur      int

	curFile string
	curLine int

	forInReg       int
	switchSelector expr.Expression
}

// NewSession builds a session over the given instruction and format
// catalogs (typically isa.Default's return values, or instr.Table.Load
// from an external CSV description).
func NewSession(instrs *instr.Table, fmts *format.Table) *Session {
	strs := strtab.New()
	syms := symtab.New(strs)
	kw := token.NewKeywords()
	for _, def := range instrs.All() {
		kw.AddInstruction(def.Name, def.ID)
	}
	eval := expr.New(syms, strs, kw)
	return &Session{
		Strs:     strs,
		Syms:     syms,
		Kw:       kw,
		Instrs:   instrs,
		Fmts:     fmts,
		Eval:     eval,
		Meta:     meta.New(eval),
		Blocks:   hll.New(syms),
		Diag:     diag.New(0),
		lex:      token.NewLexer(kw, strs),
		secIndex: map[string]int{},
		cur:      -1,
		forInReg: -1,
	}
}

// AssembleFile tokenizes one file's source into the session's shared
// token stream (spec.md §4.6 pass 1). Call Link once every file that
// belongs to this translation unit has been added.
func (s *Session) AssembleFile(file, src string) {
	s.lex.ScanFile(file, src)
}

// Link runs passes 2 through 4: line interpretation against the
// meta-variable/control-block state, then iterative format fitting.
// Call Emit afterward if Diag reports no errors.
func (s *Session) Link() {
	s.interpretLines()
	s.fitConverge()
}

// Emit runs pass 5: pack every section's instructions and data into an
// object.Container and write it to w. It refuses to emit while the
// diagnostic collector holds unresolved errors.
func (s *Session) Emit(w io.Writer) error {
	if s.Diag.HasErrors() {
		return fmt.Errorf("asm: refusing to emit an object with %d error(s)", s.Diag.ErrorCount())
	}
	obj := object.New(s.Syms)
	for secIdx, sec := range s.sections {
		data := sec.data
		if !sec.isData {
			data = s.packSection(secIdx, sec)
		}
		obj.AddSection(object.Section{Name: sec.name, Flags: sec.flags, Align: sec.align, Data: data, GroupKey: sec.groupKey})
	}
	for secIdx, sec := range s.sections {
		if sec.isData {
			continue
		}
		addr := int64(0)
		for _, it := range sec.items {
			if it.isLabel {
				continue
			}
			if err := s.emitRelocationFor(obj, secIdx, addr, it.code); err != nil {
				return err
			}
			addr += int64(it.code.Size)
		}
	}
	return obj.Emit(w)
}

// reportErr records err against tok's source position.
func (s *Session) reportErr(tok token.Token, err error) {
	s.Diag.Errorf(diag.KindSemantic, s.curFile, tok.Offset, tok.Length, 2, "%v", err)
}

// interpretLines walks every scanned line once, gating everything but
// meta directives on the current %if state (spec.md §4.6 passes 2-3
// merged: this module's line dispatch doesn't need the two-buffer
// split the original keeps, since meta-evaluation and interpretation
// share one gate here).
func (s *Session) interpretLines() {
	for li := range s.lex.Lines {
		line := s.lex.Lines[li]
		toks := s.lex.Tokens[line.FirstTok : line.FirstTok+line.NumTok]
		s.curFile = line.File
		s.curLine = line.SourceRow

		if len(toks) == 0 {
			continue
		}
		if toks[0].Kind == token.KindError {
			s.Diag.Errorf(diag.KindLexical, s.curFile, toks[0].Offset, toks[0].Length, 1, "unrecognized character %q", toks[0].Text)
			continue
		}

		if toks[0].Kind == token.KindLabel {
			if s.Meta.Active() {
				idx := s.Syms.Add(toks[0].Text)
				if err := s.placeLabel(idx); err != nil {
					s.reportErr(toks[0], err)
				}
			}
			toks = toks[1:]
			if len(toks) == 0 {
				continue
			}
		}

		if toks[0].Kind == token.KindDirective && strings.HasPrefix(toks[0].Text, "%") {
			if err := s.Meta.Directive(toks); err != nil {
				s.reportErr(toks[0], err)
			}
			continue
		}

		if !s.Meta.Active() {
			continue
		}
		if err := s.interpretActiveLine(toks); err != nil {
			s.reportErr(toks[0], err)
		}
	}

	if s.Meta.Depth() != 0 {
		s.Diag.Errorf(diag.KindSyntactic, s.curFile, 0, 0, 2, "%%if without matching %%endif")
	}
	if s.Blocks.Depth() != 0 {
		s.Diag.Errorf(diag.KindSyntactic, s.curFile, 0, 0, 3, "unclosed control block at end of file")
	}
}

func (s *Session) interpretActiveLine(toks []token.Token) error {
	switch toks[0].Kind {
	case token.KindDirective:
		switch toks[0].ID {
		case token.DirSection:
			return s.handleSection(toks)
		case token.DirFunction:
			return s.handleFunction(toks)
		case token.DirEnd:
			return s.handleEnd(toks)
		case token.DirPublic:
			return s.handlePublic(toks)
		case token.DirExtern:
			return s.handleExtern(toks)
		case token.DirAlign:
			return s.handleAlign(toks)
		default:
			return fmt.Errorf("asm: unhandled directive %q", toks[0].Text)
		}
	case token.KindType:
		return s.handleData(toks)
	case token.KindHLLKeyword:
		return s.handleHLL(toks)
	case token.KindInstruction:
		c, err := s.interpretCodeLine(toks[0], toks[1:])
		if err != nil {
			return err
		}
		return s.addCode(c)
	case token.KindOperator:
		if toks[0].Text == "}" {
			return s.handleCloseBrace(toks)
		}
		return fmt.Errorf("asm: unexpected token %q", toks[0].Text)
	default:
		return fmt.Errorf("asm: unexpected line starting with %q", toks[0].Text)
	}
}

// --- directives ---

func joinName(toks []token.Token) (string, int) {
	var b strings.Builder
	i := 0
	for i < len(toks) {
		t := toks[i]
		if t.Kind == token.KindName || (t.Kind == token.KindOperator && t.Text == ".") {
			b.WriteString(t.Text)
			i++
			continue
		}
		break
	}
	return b.String(), i
}

func (s *Session) handleSection(toks []token.Token) error {
	name, n := joinName(toks[1:])
	if name == "" {
		return fmt.Errorf("asm: section directive missing a name")
	}
	var flags object.SectionFlags
	comdat := false
	for _, t := range toks[1+n:] {
		if t.Kind != token.KindAttribute {
			continue
		}
		switch t.ID {
		case token.AttRead:
			flags |= object.SecRead
		case token.AttWrite:
			flags |= object.SecWrite
		case token.AttExec:
			flags |= object.SecExecute
		case token.AttWeak:
			flags |= object.SecWeak
		case token.AttUninit:
			flags |= object.SecUninitialized
		case token.AttComdat:
			flags |= object.SecCommunal
			comdat = true
		}
	}
	idx, ok := s.secIndex[name]
	if !ok {
		sec := &sectionBuf{name: name, flags: flags}
		if comdat {
			sec.groupKey = name
		}
		idx = len(s.sections)
		s.sections = append(s.sections, sec)
		s.secIndex[name] = idx
	} else {
		s.sections[idx].flags |= flags
	}
	s.cur = idx
	return nil
}

func (s *Session) handleFunction(toks []token.Token) error {
	if len(toks) < 2 || toks[1].Kind != token.KindName {
		return fmt.Errorf("asm: function directive expects a name")
	}
	if s.cur < 0 {
		return fmt.Errorf("asm: function directive outside any section")
	}
	idx := s.Syms.Add(toks[1].Text)
	sym := s.Syms.Get(idx)
	sym.Type = symtab.TypeFunction
	s.Syms.Set(idx, sym)
	return s.placeLabel(idx)
}

func (s *Session) handleEnd(_ []token.Token) error {
	if s.Blocks.Depth() != 0 {
		return fmt.Errorf("asm: 'end' with an unclosed control block")
	}
	return nil
}

func (s *Session) handlePublic(toks []token.Token) error {
	if len(toks) < 2 || toks[1].Kind != token.KindName {
		return fmt.Errorf("asm: public directive expects a name")
	}
	idx := s.Syms.Add(toks[1].Text)
	sym := s.Syms.Get(idx)
	sym.Flags |= symtab.FlagPublic
	if sym.Flags&symtab.FlagDefined != 0 {
		sym.Binding = symtab.BindGlobal
	}
	s.Syms.Set(idx, sym)
	return nil
}

func (s *Session) handleExtern(toks []token.Token) error {
	if len(toks) < 2 || toks[1].Kind != token.KindName {
		return fmt.Errorf("asm: extern directive expects a name")
	}
	s.Syms.Add(toks[1].Text)
	return nil
}

func (s *Session) handleAlign(toks []token.Token) error {
	if s.cur < 0 {
		return fmt.Errorf("asm: align directive outside any section")
	}
	if len(toks) < 2 || toks[1].Kind != token.KindNumber {
		return fmt.Errorf("asm: align directive expects a numeric alignment")
	}
	v := uint32(toks[1].IntVal)
	if v > object.MaxAlign {
		v = object.MaxAlign
	}
	if v > s.sections[s.cur].align {
		s.sections[s.cur].align = v
	}
	return nil
}

// --- labels ---

func (s *Session) placeLabel(idx int) error {
	if s.cur < 0 {
		return fmt.Errorf("asm: label outside any section")
	}
	sym := s.Syms.Get(idx)
	if sym.Flags&symtab.FlagDefined != 0 {
		return fmt.Errorf("asm: duplicate definition of symbol %q", s.Syms.Name(idx))
	}
	if err := s.Syms.Define(idx, int32(s.cur), 0, symtab.BindLocal); err != nil {
		return err
	}
	sec := s.sections[s.cur]
	sec.items = append(sec.items, item{label: idx, isLabel: true})
	return nil
}

func (s *Session) placeLabelAt(idx, offset int) error {
	sym := s.Syms.Get(idx)
	if sym.Flags&symtab.FlagDefined != 0 {
		return fmt.Errorf("asm: duplicate definition of symbol %q", s.Syms.Name(idx))
	}
	return s.Syms.Define(idx, int32(s.cur), int64(offset), symtab.BindLocal)
}

// --- data declarations ---

func typeWidth(id int) int {
	switch id {
	case token.TypeInt8, token.TypeUInt8:
		return 1
	case token.TypeInt16, token.TypeUInt16, token.TypeFloat16:
		return 2
	case token.TypeInt32, token.TypeUInt32, token.TypeFloat32:
		return 4
	case token.TypeInt64, token.TypeUInt64, token.TypeFloat64:
		return 8
	case token.TypeInt128, token.TypeFloat128:
		return 16
	default:
		return 8
	}
}

func typeName(id int) string {
	switch id {
	case token.TypeInt8:
		return "int8"
	case token.TypeInt16:
		return "int16"
	case token.TypeInt32:
		return "int32"
	case token.TypeInt64:
		return "int64"
	case token.TypeInt128:
		return "int128"
	case token.TypeUInt8:
		return "uint8"
	case token.TypeUInt16:
		return "uint16"
	case token.TypeUInt32:
		return "uint32"
	case token.TypeUInt64:
		return "uint64"
	default:
		return "value"
	}
}

// valueInRange reports whether v's resolved integer fits typeID's
// declared width. Floats, strings and values still awaiting symbol
// resolution have nothing to check yet and are always accepted here.
func valueInRange(v expr.Expression, typeID int) bool {
	if v.Flags&expr.FlagInt == 0 {
		return true
	}
	switch typeID {
	case token.TypeInt8, token.TypeInt16, token.TypeInt32, token.TypeInt64, token.TypeInt128:
		bits := uint(typeWidth(typeID) * 8)
		if bits >= 64 {
			return true
		}
		lo := -(int64(1) << (bits - 1))
		hi := int64(1)<<(bits-1) - 1
		return v.IntVal >= lo && v.IntVal <= hi
	case token.TypeUInt8, token.TypeUInt16, token.TypeUInt32, token.TypeUInt64:
		bits := uint(typeWidth(typeID) * 8)
		if bits >= 64 {
			return v.IntVal >= 0
		}
		hi := int64(1)<<bits - 1
		return v.IntVal >= 0 && v.IntVal <= hi
	default:
		return true
	}
}

func (s *Session) appendValue(data []byte, v expr.Expression, typeID int) []byte {
	if typeID == token.TypeString {
		str := s.Strs.Get(v.StrOff)
		return append(append(data, str...), 0)
	}
	width := typeWidth(typeID)
	buf := make([]byte, width)
	if typeID >= token.TypeFloat16 && typeID <= token.TypeFloat128 {
		f := v.FloatVal
		if v.Flags&expr.FlagFloat == 0 {
			f = float64(v.IntVal)
		}
		if width == 4 {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		} else {
			bits := math.Float64bits(f)
			for i := 0; i < width && i < 8; i++ {
				buf[i] = byte(bits >> (8 * uint(i)))
			}
		}
		return append(data, buf...)
	}
	iv := uint64(v.IntVal)
	for i := 0; i < width; i++ {
		buf[i] = byte(iv >> (8 * uint(i)))
	}
	return append(data, buf...)
}

func (s *Session) handleData(toks []token.Token) error {
	if s.cur < 0 {
		return fmt.Errorf("asm: data declaration outside any section")
	}
	typTok := toks[0]
	rest := toks[1:]
	if len(rest) == 0 || rest[0].Kind != token.KindName {
		return fmt.Errorf("asm: data declaration expects a name")
	}
	name := rest[0].Text
	idx := s.Syms.Add(name)
	sec := s.sections[s.cur]
	sec.isData = true
	valueToks := rest[1:]

	if len(valueToks) > 0 && valueToks[0].Text == "=" {
		if err := s.placeLabelAt(idx, len(sec.data)); err != nil {
			return err
		}
		for _, group := range splitCommas(valueToks[1:]) {
			if len(group) == 0 {
				continue
			}
			v, err := s.Eval.Eval(group)
			if err != nil {
				return err
			}
			if !valueInRange(v, typTok.ID) {
				s.Diag.Errorf(diag.KindSemantic, s.curFile, group[0].Offset, group[0].Length, 2, "immediate out of range for %s", typeName(typTok.ID))
			}
			sec.data = s.appendValue(sec.data, v, typTok.ID)
		}
		return nil
	}

	count := 1
	if len(valueToks) >= 3 && valueToks[0].Text == "[" {
		n, err := s.Eval.Eval(valueToks[1:2])
		if err == nil {
			count = int(n.IntVal)
		}
	}
	if err := s.placeLabelAt(idx, len(sec.data)); err != nil {
		return err
	}
	sec.data = append(sec.data, make([]byte, typeWidth(typTok.ID)*count)...)
	sec.flags |= object.SecUninitialized
	return nil
}

// --- code lines ---

func splitCommas(toks []token.Token) [][]token.Token {
	if len(toks) == 0 {
		return nil
	}
	var groups [][]token.Token
	depth := 0
	start := 0
	for i, t := range toks {
		if t.Kind != token.KindOperator {
			continue
		}
		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
		case ",":
			if depth == 0 {
				groups = append(groups, toks[start:i])
				start = i + 1
			}
		}
	}
	groups = append(groups, toks[start:])
	return groups
}

func firstSetType(m instr.OperandTypeMask) instr.OperandTypeMask {
	for bit := instr.OperandTypeMask(1); bit != 0; bit <<= 1 {
		if m&bit != 0 {
			return bit
		}
	}
	return 0
}

func pickDType(def instr.Definition) instr.OperandTypeMask {
	if def.TypesGP != 0 {
		return firstSetType(def.TypesGP)
	}
	if def.TypesScalar != 0 {
		return firstSetType(def.TypesScalar)
	}
	return firstSetType(def.TypesVector)
}

func typeMaskFromID(id int) instr.OperandTypeMask {
	switch id {
	case token.TypeInt8:
		return instr.OTInt8
	case token.TypeInt16:
		return instr.OTInt16
	case token.TypeInt32:
		return instr.OTInt32
	case token.TypeInt64:
		return instr.OTInt64
	case token.TypeInt128:
		return instr.OTInt128
	case token.TypeUInt8:
		return instr.OTUInt8
	case token.TypeUInt16:
		return instr.OTUInt16
	case token.TypeUInt32:
		return instr.OTUInt32
	case token.TypeUInt64:
		return instr.OTUInt64
	case token.TypeFloat16:
		return instr.OTFloat16
	case token.TypeFloat32:
		return instr.OTFloat32
	case token.TypeFloat64:
		return instr.OTFloat64
	case token.TypeFloat128:
		return instr.OTFloat128
	default:
		return 0
	}
}

// remapSourceOperand moves a bare register evaluated as a source
// operand off Reg1 (already claimed by the destination) onto Reg2 or
// Reg3, so Merge doesn't see an overlapping flag.
func remapSourceOperand(e expr.Expression, position int) expr.Expression {
	if e.Flags == (expr.FlagReg | expr.FlagReg1) {
		out := expr.Zero()
		if position == 1 {
			out.Reg2 = e.Reg1
			out.Flags = expr.FlagReg2
		} else {
			out.Reg3 = e.Reg1
			out.Flags = expr.FlagReg3
		}
		return out
	}
	return e
}

func regExpr(id int) expr.Expression {
	e := expr.Zero()
	e.Reg1 = id
	e.Flags = expr.FlagReg | expr.FlagReg1
	return e
}

func zeroExpr() expr.Expression {
	e := expr.Zero()
	e.Flags = expr.FlagInt
	return e
}

func (s *Session) interpretCodeLine(mn token.Token, rest []token.Token) (*encode.Code, error) {
	def, ok := s.Instrs.ByID(mn.ID)
	if !ok {
		return nil, fmt.Errorf("asm: unknown instruction %q", mn.Text)
	}

	dtype := instr.OperandTypeMask(0)
	if len(rest) > 0 && rest[len(rest)-1].Kind == token.KindType {
		dtype = typeMaskFromID(rest[len(rest)-1].ID)
		rest = rest[:len(rest)-1]
		if len(rest) > 0 && rest[len(rest)-1].Text == "," {
			rest = rest[:len(rest)-1]
		}
	}
	if dtype == 0 {
		dtype = pickDType(def)
	}

	c := &encode.Code{InstrIndex: def.ID, Category: def.Category, DType: dtype, Op1: def.Op1, Line: s.curLine, File: s.curFile}
	c.Expression = expr.Zero()

	var groups [][]token.Token
	if len(rest) > 0 {
		groups = splitCommas(rest)
	}

	if def.Category == instr.CategoryJump {
		if len(groups) != 1 {
			return nil, fmt.Errorf("asm: %s expects exactly one target operand", def.Name)
		}
		target, err := s.Eval.Eval(groups[0])
		if err != nil {
			return nil, err
		}
		c.Expression = target
		c.Dest = -1
		return c, nil
	}

	if len(groups) == 0 {
		c.Dest = -1
		return c, nil
	}

	destExpr, err := s.Eval.Eval(groups[0])
	if err != nil {
		return nil, err
	}
	if destExpr.Flags&expr.FlagReg == 0 {
		return nil, fmt.Errorf("asm: %s expects a register destination", def.Name)
	}
	c.Dest = destExpr.Reg1
	c.Expression = destExpr

	for gi := 1; gi < len(groups); gi++ {
		operand, err := s.Eval.Eval(groups[gi])
		if err != nil {
			return nil, err
		}
		operand = remapSourceOperand(operand, gi)
		merged, err := expr.Merge(c.Expression, operand)
		if err != nil {
			return nil, fmt.Errorf("asm: %s: %w", def.Name, err)
		}
		c.Expression = merged
	}
	return c, nil
}

func (s *Session) addCode(c *encode.Code) error {
	if s.cur < 0 {
		return fmt.Errorf("asm: instruction outside any section")
	}
	c.Section = s.cur
	sec := s.sections[s.cur]
	if sec.isData {
		return fmt.Errorf("asm: instruction inside a data section %q", sec.name)
	}
	sec.items = append(sec.items, item{code: c})
	return nil
}

func (s *Session) makeJump(mnID int, target int) (*encode.Code, error) {
	def, ok := s.Instrs.ByID(mnID)
	if !ok {
		return nil, fmt.Errorf("asm: internal: unknown jump instruction id %d", mnID)
	}
	c := &encode.Code{InstrIndex: def.ID, Category: def.Category, Op1: def.Op1, Dest: -1, Line: s.curLine, File: s.curFile}
	te := expr.Zero()
	te.Sym1 = target
	te.Flags = expr.FlagSym1
	sym := s.Syms.Get(target)
	if sym.Flags&symtab.FlagDefined != 0 {
		te.IntVal = sym.Value
		te.Flags |= expr.FlagInt
	} else {
		te.Flags |= expr.FlagUnresolved
	}
	c.Expression = te
	return c, nil
}

func (s *Session) makeCmp(lhs, rhs expr.Expression) (*encode.Code, error) {
	if lhs.Flags&expr.FlagReg == 0 {
		return nil, fmt.Errorf("asm: condition's left-hand side must be a register")
	}
	def, _ := s.Instrs.ByID(isa.ICmp)
	c := &encode.Code{InstrIndex: def.ID, Category: def.Category, DType: pickDType(def), Op1: def.Op1, Dest: lhs.Reg1, Line: s.curLine, File: s.curFile}
	c.Expression = lhs
	merged, err := expr.Merge(c.Expression, remapSourceOperand(rhs, 1))
	if err != nil {
		return nil, err
	}
	c.Expression = merged
	return c, nil
}

// --- structured control statements ---

func parenCond(toks []token.Token) ([]token.Token, error) {
	if len(toks) < 2 || toks[0].Text != "(" {
		return nil, fmt.Errorf("asm: expected '(' after control keyword")
	}
	depth := 0
	for i, t := range toks {
		if t.Kind != token.KindOperator {
			continue
		}
		if t.Text == "(" {
			depth++
		}
		if t.Text == ")" {
			depth--
			if depth == 0 {
				return toks[1:i], nil
			}
		}
	}
	return nil, fmt.Errorf("asm: unmatched '(' in condition")
}

func findHLLIn(toks []token.Token) int {
	for i, t := range toks {
		if t.Kind == token.KindHLLKeyword && t.ID == token.HLLIn {
			return i
		}
	}
	return -1
}

func findComparison(cond []token.Token) (int, string) {
	depth := 0
	for i, t := range cond {
		if t.Kind != token.KindOperator {
			continue
		}
		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
		case "==", "!=", "<", "<=", ">", ">=":
			if depth == 0 {
				return i, t.Text
			}
		}
	}
	return -1, ""
}

func canonicalizeCmp(op string, lhs, rhs []token.Token) (string, []token.Token, []token.Token) {
	switch op {
	case "<=":
		return ">=", rhs, lhs
	case ">":
		return "<", rhs, lhs
	default:
		return op, lhs, rhs
	}
}

func invertOp(op string) string {
	switch op {
	case "==":
		return "!="
	case "!=":
		return "=="
	case "<":
		return ">="
	case ">=":
		return "<"
	default:
		return op
	}
}

var jumpForOp = map[string]int{"==": isa.IJumpEQ, "!=": isa.IJumpNE, "<": isa.IJumpLT, ">=": isa.IJumpGE}

func (s *Session) buildCondJump(cond []token.Token, invert bool, target int) ([]*encode.Code, error) {
	lhsToks := cond
	var rhsToks []token.Token
	op := "!="
	if idx, found := findComparison(cond); found != "" {
		lhsToks, rhsToks = cond[:idx], cond[idx+1:]
		op, lhsToks, rhsToks = canonicalizeCmp(found, lhsToks, rhsToks)
	}
	if invert {
		op = invertOp(op)
	}
	lhs, err := s.Eval.Eval(lhsToks)
	if err != nil {
		return nil, fmt.Errorf("asm: condition: %w", err)
	}
	rhs := zeroExpr()
	if rhsToks != nil {
		rhs, err = s.Eval.Eval(rhsToks)
		if err != nil {
			return nil, fmt.Errorf("asm: condition: %w", err)
		}
	}
	cmpCode, err := s.makeCmp(lhs, rhs)
	if err != nil {
		return nil, err
	}
	mnID, ok := jumpForOp[op]
	if !ok {
		return nil, fmt.Errorf("asm: unsupported condition operator %q", op)
	}
	jumpCode, err := s.makeJump(mnID, target)
	if err != nil {
		return nil, err
	}
	return []*encode.Code{cmpCode, jumpCode}, nil
}

func (s *Session) emitActions(acts []hll.Action) error {
	for _, a := range acts {
		switch a.Kind {
		case hll.ActPlaceLabel:
			if err := s.placeLabel(a.Target); err != nil {
				return err
			}
		case hll.ActJump:
			c, err := s.makeJump(isa.IJump, a.Target)
			if err != nil {
				return err
			}
			if err := s.addCode(c); err != nil {
				return err
			}
		case hll.ActJumpIfFalse, hll.ActJumpIfTrue:
			codes, err := s.buildCondJump(a.Cond, a.Kind == hll.ActJumpIfFalse, a.Target)
			if err != nil {
				return err
			}
			for _, c := range codes {
				if err := s.addCode(c); err != nil {
					return err
				}
			}
		case hll.ActVectorLoopHead:
			cmpCode, err := s.makeCmp(regExpr(a.Reg), zeroExpr())
			if err != nil {
				return err
			}
			if err := s.addCode(cmpCode); err != nil {
				return err
			}
			j, err := s.makeJump(isa.IJumpZero, a.Target)
			if err != nil {
				return err
			}
			if err := s.addCode(j); err != nil {
				return err
			}
		case hll.ActVectorLoopTail:
			def, _ := s.Instrs.ByID(isa.ISubMaxLen)
			c := &encode.Code{InstrIndex: def.ID, Category: def.Category, DType: pickDType(def), Op1: def.Op1, Dest: a.Reg, Line: s.curLine, File: s.curFile}
			c.Expression = regExpr(a.Reg)
			merged, err := expr.Merge(c.Expression, remapSourceOperand(regExpr(a.Reg), 1))
			if err != nil {
				return err
			}
			c.Expression = merged
			if err := s.addCode(c); err != nil {
				return err
			}
			j, err := s.makeJump(isa.IJumpPositive, a.Target)
			if err != nil {
				return err
			}
			if err := s.addCode(j); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) handleHLL(toks []token.Token) error {
	switch toks[0].ID {
	case token.HLLIf:
		cond, err := parenCond(toks[1:])
		if err != nil {
			return err
		}
		return s.emitActions(s.Blocks.OpenIf(s.curLine, cond))
	case token.HLLElse:
		acts, err := s.Blocks.Else()
		if err != nil {
			return err
		}
		return s.emitActions(acts)
	case token.HLLWhile:
		cond, err := parenCond(toks[1:])
		if err != nil {
			return err
		}
		return s.emitActions(s.Blocks.OpenWhile(s.curLine, cond))
	case token.HLLDo:
		return s.emitActions(s.Blocks.OpenDoWhile(s.curLine))
	case token.HLLFor:
		inner, err := parenCond(toks[1:])
		if err != nil {
			return err
		}
		if idx := findHLLIn(inner); idx >= 0 {
			regVal, err := s.Eval.Eval(inner[:idx])
			if err != nil {
				return err
			}
			if regVal.Flags&expr.FlagReg == 0 {
				return fmt.Errorf("asm: for-in expects a register before 'in'")
			}
			s.forInReg = regVal.Reg1
			return s.emitActions(s.Blocks.OpenForIn(s.curLine, s.forInReg))
		}
		// The whole parenthesized header is passed to OpenFor as the loop
		// condition; init and step clauses are not split out or emitted.
		return s.emitActions(s.Blocks.OpenFor(s.curLine, inner))
	case token.HLLBreak:
		act, err := s.Blocks.Break()
		if err != nil {
			return err
		}
		return s.emitActions([]hll.Action{act})
	case token.HLLContinue:
		act, err := s.Blocks.Continue()
		if err != nil {
			return err
		}
		return s.emitActions([]hll.Action{act})
	case token.HLLSwitch:
		sel, err := parenCond(toks[1:])
		if err != nil {
			return err
		}
		selVal, err := s.Eval.Eval(sel)
		if err != nil {
			return err
		}
		s.switchSelector = selVal
		s.Blocks.OpenSwitch(s.curLine)
		return nil
	case token.HLLCase:
		if len(toks) < 2 {
			return fmt.Errorf("asm: 'case' needs a key")
		}
		val, err := s.Eval.Eval(toks[1:])
		if err != nil {
			return err
		}
		label, err := s.Blocks.AddCase(val.IntVal)
		if err != nil {
			return err
		}
		return s.placeLabel(label)
	case token.HLLDefault:
		label, err := s.Blocks.AddDefault()
		if err != nil {
			return err
		}
		return s.placeLabel(label)
	case token.HLLReturn:
		return s.emitReturn()
	default:
		return fmt.Errorf("asm: unsupported control keyword %q", toks[0].Text)
	}
}

func (s *Session) emitReturn() error {
	def, ok := s.Instrs.ByID(isa.IReturn)
	if !ok {
		return fmt.Errorf("asm: internal: catalog has no return instruction")
	}
	c := &encode.Code{InstrIndex: def.ID, Category: def.Category, Op1: def.Op1, Dest: -1, Line: s.curLine, File: s.curFile}
	c.Expression = expr.Zero()
	return s.addCode(c)
}

func (s *Session) lowerSwitch(strat hll.SwitchStrategy) error {
	if strat.UseTable {
		s.Diag.Warnf(s.curFile, 0, 0, 3, "switch has %d contiguous cases (%d..%d) dense enough for a jump table, but this catalog has no indirect-jump instruction to target one; using a compare chain", len(strat.Cases), strat.MinKey, strat.MaxKey)
	}
	sel := s.switchSelector
	if sel.Flags&expr.FlagReg == 0 {
		return fmt.Errorf("asm: switch selector must be a register")
	}
	for _, c := range strat.Cases {
		rhs := zeroExpr()
		rhs.IntVal = c.Key
		cmpCode, err := s.makeCmp(sel, rhs)
		if err != nil {
			return err
		}
		if err := s.addCode(cmpCode); err != nil {
			return err
		}
		jumpCode, err := s.makeJump(isa.IJumpEQ, c.Label)
		if err != nil {
			return err
		}
		if err := s.addCode(jumpCode); err != nil {
			return err
		}
	}
	if strat.HasDefault {
		j, err := s.makeJump(isa.IJump, strat.Default)
		if err != nil {
			return err
		}
		if err := s.addCode(j); err != nil {
			return err
		}
	}
	return s.placeLabel(strat.End)
}

func (s *Session) handleCloseBrace(toks []token.Token) error {
	kind, ok := s.Blocks.TopKind()
	if !ok {
		return fmt.Errorf("asm: unmatched '}'")
	}
	if len(toks) >= 2 && toks[1].Kind == token.KindHLLKeyword && toks[1].ID == token.HLLElse {
		return s.handleHLL(toks[1:])
	}
	switch kind {
	case hll.KindDoWhile:
		if len(toks) < 2 || toks[1].Kind != token.KindHLLKeyword || toks[1].ID != token.HLLWhile {
			return fmt.Errorf("asm: a 'do' block must close with '} while (cond);'")
		}
		cond, err := parenCond(toks[2:])
		if err != nil {
			return err
		}
		acts, err := s.Blocks.EndDoWhile(cond)
		if err != nil {
			return err
		}
		return s.emitActions(acts)
	case hll.KindForIn:
		if s.forInReg < 0 {
			return fmt.Errorf("asm: internal: missing for-in register")
		}
		acts, err := s.Blocks.EndForIn(s.forInReg)
		if err != nil {
			return err
		}
		return s.emitActions(acts)
	case hll.KindSwitch:
		strat, err := s.Blocks.CloseSwitch()
		if err != nil {
			return err
		}
		return s.lowerSwitch(strat)
	default:
		acts, err := s.Blocks.InterpretEndBracket()
		if err != nil {
			return err
		}
		return s.emitActions(acts)
	}
}

// --- pass 4: iterative format fitting ---

func largestFormat(cands []format.Format) format.Format {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.SizeWords > best.SizeWords {
			best = c
		}
	}
	return best
}

func (s *Session) resolveImmFit(c *encode.Code) {
	if c.Flags&expr.FlagUnresolved != 0 {
		sym := s.Syms.Get(c.Sym1)
		if sym.Flags&symtab.FlagDefined != 0 {
			c.IntVal = sym.Value + c.Offset
			c.Flags = c.Flags&^expr.FlagUnresolved | expr.FlagInt
		}
	}
	c.FitNum = encode.FitConstant(c.IntVal, c.Flags&expr.FlagUnresolved != 0)
}

func (s *Session) resolveJumpFit(c *encode.Code) {
	if c.Flags&expr.FlagSym1 == 0 {
		c.FitAddr = encode.FitConstant(0, false)
		return
	}
	sym := s.Syms.Get(c.Sym1)
	if sym.Flags&symtab.FlagDefined == 0 || sym.Section != int32(c.Section) {
		// Genuinely extern (never placed by a label directive) or
		// defined in another section: the linker patches the value
		// in, so the chosen format must reserve a full word for it.
		c.FitAddr = encode.FitAddress(0, true)
		return
	}
	// A local label is Define'd (with a placeholder value) as soon as
	// its directive is parsed, well before pass 4 assigns it a real
	// address, so a forward reference's first displacement here is
	// still a guess; once setLabelAddress corrects sym.Value in a
	// later iteration this converges to the true distance, growing
	// the format if the guess undershot it (never shrinking it, since
	// refit only considers candidates at least as wide as the size
	// already committed).
	disp := (sym.Value - c.Address*wordSize) / wordSize
	c.Disp = disp
	c.FitAddr = encode.FitAddress(disp, false)
}

func (s *Session) refit(c *encode.Code) int {
	def, ok := s.Instrs.ByID(c.InstrIndex)
	if !ok {
		s.Diag.Errorf(diag.KindInternal, c.File, 0, 0, 4, "unknown instruction id %d", c.InstrIndex)
		return c.Size
	}
	candidates := isa.AllowedFormats(def, s.Fmts)
	if len(candidates) == 0 {
		s.Diag.Errorf(diag.KindEncoding, c.File, 0, 0, 4, "%s has no available format", def.Name)
		return c.Size
	}
	if narrowed := encode.NotSmallerThan(candidates, c.Size); len(narrowed) > 0 {
		candidates = narrowed
	}

	if def.Category == instr.CategoryJump {
		s.resolveJumpFit(c)
	} else {
		s.resolveImmFit(c)
	}

	chosen, ok := encode.SelectFormat(def, candidates, c)
	if !ok {
		chosen = largestFormat(candidates)
		s.Diag.Warnf(c.File, 0, 0, 4, "%s: no format fits the current operand, using the largest available (%d words)", def.Name, chosen.SizeWords)
	}
	c.Format = &chosen
	return chosen.SizeWords
}

func (s *Session) setLabelAddress(idx, secIdx int, addr int64) {
	sym := s.Syms.Get(idx)
	sym.Section = int32(secIdx)
	sym.Value = addr * wordSize
	if sym.Flags&symtab.FlagDefined == 0 {
		sym.Flags = sym.Flags&^symtab.FlagExternal | symtab.FlagDefined
	}
	s.Syms.Set(idx, sym)
}

// fitConverge repeatedly assigns addresses and re-selects formats
// until no instruction changes size, matching spec.md §4.6 pass 4's
// "resolve symbols and re-fit until it converges" (bounded so a
// pathological input still terminates).
func (s *Session) fitConverge() {
	for iter := 0; iter < maxFitPasses; iter++ {
		changed := false
		for secIdx, sec := range s.sections {
			if sec.isData {
				continue
			}
			addr := int64(0)
			for _, it := range sec.items {
				if it.isLabel {
					s.setLabelAddress(it.label, secIdx, addr)
					continue
				}
				c := it.code
				c.Address = addr
				newSize := s.refit(c)
				if newSize != c.Size {
					changed = true
					c.Size = newSize
				}
				addr += int64(c.Size)
			}
		}
		if !changed {
			return
		}
	}
	s.Diag.Warnf(s.curFile, 0, 0, 4, "instruction fitting did not converge after %d passes", maxFitPasses)
}

// --- pass 5: emission ---

// needsReloc reports whether c's symbol reference must be carried as
// an object.Relocation rather than a literal packed value: either it
// is still unresolved, or it crosses into another section and so
// can't be reduced to a same-section displacement until link time.
func (s *Session) needsReloc(secIdx int, c *encode.Code) bool {
	if c.Flags&expr.FlagSym1 == 0 {
		return false
	}
	sym := s.Syms.Get(c.Sym1)
	sameSection := sym.Flags&symtab.FlagDefined != 0 && sym.Section == int32(secIdx)
	return !sameSection || c.FitAddr&encode.FitReloc != 0 || c.FitNum&encode.FitReloc != 0
}

// packCode reserves c.Size words, sets the header bits (il/mode/op1),
// and packs the register operands and resolved immediate/displacement
// into the bit positions the chosen format's Field values name
// (spec.md §6). Bits 5-7 of word 0 record which of RD/RS/RT this
// particular instruction actually populated, since a format can
// nominally declare a register slot that a sibling instruction
// sharing its template leaves empty (push and nop both pick
// isa.FmtAllReg, but nop has no destination). A symbol reference that
// needs an object.Relocation is left as zero in the word itself; the
// relocation carries the real value once the link step applies it.
func (s *Session) packCode(secIdx int, c *encode.Code) []byte {
	if c.Size <= 0 {
		return nil
	}
	buf := make([]byte, c.Size*wordSize)
	f := c.Format
	if f == nil {
		return buf
	}
	word0 := uint32(f.IL&3) | uint32(f.Mode&7)<<2 | uint32(c.Op1)<<8

	if f.RD.Present() && c.Dest >= 0 {
		word0 = f.RD.Pack(word0, uint32(c.Dest))
		word0 |= format.PresenceRD
	}
	if f.RS.Present() && c.Flags&expr.FlagReg2 != 0 {
		word0 = f.RS.Pack(word0, uint32(c.Reg2))
		word0 |= format.PresenceRS
	}
	if f.RT.Present() && c.Flags&expr.FlagReg3 != 0 {
		word0 = f.RT.Pack(word0, uint32(c.Reg3))
		word0 |= format.PresenceRT
	}

	if f.Imm.Present() && f.Imm.Word == 0 && !s.needsReloc(secIdx, c) {
		word0 = f.Imm.Pack(word0, uint32(immValue(c)))
	}
	binary.LittleEndian.PutUint32(buf[0:4], word0)

	if f.Imm.Present() && f.Imm.Word != 0 && !s.needsReloc(secIdx, c) {
		lo, hi := f.Imm.Word*wordSize, (f.Imm.Word+1)*wordSize
		if len(buf) >= hi {
			word := f.Imm.Pack(binary.LittleEndian.Uint32(buf[lo:hi]), uint32(immValue(c)))
			binary.LittleEndian.PutUint32(buf[lo:hi], word)
		}
	}
	return buf
}

// immValue picks the value packCode writes into a format's Imm field:
// a jump/call's resolved same-section displacement, or the code's
// plain evaluated immediate otherwise.
func immValue(c *encode.Code) int64 {
	if c.Category == instr.CategoryJump {
		return c.Disp
	}
	return c.IntVal
}

func (s *Session) packSection(secIdx int, sec *sectionBuf) []byte {
	var out []byte
	for _, it := range sec.items {
		if it.isLabel {
			continue
		}
		out = append(out, s.packCode(secIdx, it.code)...)
	}
	return out
}

func (s *Session) emitRelocationFor(obj *object.Container, secIdx int, addr int64, c *encode.Code) error {
	if !s.needsReloc(secIdx, c) {
		return nil
	}
	rtype := object.RelAbsolute
	if c.Category == instr.CategoryJump {
		rtype = object.RelSelfRelative
	}
	obj.AddRelocation(object.Relocation{
		Section: secIdx,
		Offset:  uint32(addr * wordSize),
		Type:    rtype,
		Symbol:  c.Sym1,
		Symbol2: -1,
		Addend:  c.Offset,
	})
	return nil
}
