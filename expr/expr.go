// Package expr implements the assemble-time expression evaluator
// (spec.md §4.3): mixed-type expressions over integers, floats,
// strings, registers and memory operands, evaluated with an
// operator-precedence scheme and left partially folded when a symbol
// reference is still unresolved.
package expr

import (
	"fmt"
	"math"

	"github.com/forwardcom/fctools/strtab"
	"github.com/forwardcom/fctools/symtab"
	"github.com/forwardcom/fctools/token"
)

// Flags mirror the original XPR_* bitmask (assem.h) one for one: each
// bit says which field of Expression is populated, so two partial
// expressions can be combined by OR-ing Flags together.
type Flags uint32

const (
	FlagInt Flags = 1 << iota
	FlagInt2
	FlagFloat
	FlagString
	FlagReg
	FlagOp
	FlagOption
	FlagMem
	FlagSym1
	FlagSym2
	FlagSymScale
	FlagReg1
	FlagReg2
	FlagReg3
	FlagBase
	FlagIndex
	FlagOffset
	FlagLimit
	FlagScalar
	FlagLength
	FlagBroadcast
	FlagMask
	FlagFallback
	FlagOptions
	FlagJumpOffset
	FlagUnresolved
	FlagError
)

const noReg = -1

// Expression is the assemble-time value produced while interpreting
// one statement (spec.md §3's Expression entity). Fields not covered
// by Flags hold zero values and must not be trusted.
type Expression struct {
	IntVal      int64
	Int2Val     int64
	FloatVal    float64
	StrOff      uint32
	StrLen      int
	Offset      int64 // memory-operand offset, or self-relative jump offset
	Flags       Flags
	Tokens      int
	Sym1        int // symtab index, or -1
	Sym2        int // reference symbol, for sym1-sym2 differences
	SymScale    int8
	Instruction int
	OptionBits  uint8
	Base        int
	Index       int
	Scale       int8
	Length      int // vector-length or broadcast-length register
	Mask        int
	Reg1        int
	Reg2        int
	Reg3        int
	Fallback    int
}

// Zero returns an Expression with every register/symbol field set to
// the "absent" sentinel, ready to be OR-merged into.
func Zero() Expression {
	return Expression{Sym1: noReg, Sym2: noReg, Base: noReg, Index: noReg, Length: noReg, Mask: noReg, Reg1: noReg, Reg2: noReg, Reg3: noReg, Fallback: noReg}
}

func fromInt(v int64) Expression {
	e := Zero()
	e.IntVal = v
	e.Flags = FlagInt
	return e
}

func fromFloat(v float64) Expression {
	e := Zero()
	e.FloatVal = v
	e.Flags = FlagFloat
	return e
}

// Merge combines two expressions field-by-field, asserting that no
// field is populated on both sides (spec.md's DESIGN NOTES §9 replace
// the original's raw union-of-uint64 OR with this explicit version).
func Merge(a, b Expression) (Expression, error) {
	overlap := a.Flags & b.Flags &^ (FlagUnresolved | FlagError)
	if overlap != 0 {
		return Expression{}, fmt.Errorf("expr: cannot merge expressions that both populate flags %#x", overlap)
	}
	out := a
	out.Flags = a.Flags | b.Flags
	if b.Flags&FlagInt != 0 {
		out.IntVal = b.IntVal
	}
	if b.Flags&FlagInt2 != 0 {
		out.Int2Val = b.Int2Val
	}
	if b.Flags&FlagFloat != 0 {
		out.FloatVal = b.FloatVal
	}
	if b.Flags&FlagString != 0 {
		out.StrOff, out.StrLen = b.StrOff, b.StrLen
	}
	if b.Flags&FlagOffset != 0 {
		out.Offset = b.Offset
	}
	if b.Flags&FlagSym1 != 0 {
		out.Sym1 = b.Sym1
	}
	if b.Flags&FlagSym2 != 0 {
		out.Sym2 = b.Sym2
	}
	if b.Flags&FlagSymScale != 0 {
		out.SymScale = b.SymScale
	}
	if b.Flags&FlagBase != 0 {
		out.Base = b.Base
	}
	if b.Flags&FlagIndex != 0 {
		out.Index, out.Scale = b.Index, b.Scale
	}
	if b.Flags&FlagLength != 0 || b.Flags&FlagBroadcast != 0 {
		out.Length = b.Length
	}
	if b.Flags&FlagMask != 0 {
		out.Mask = b.Mask
	}
	if b.Flags&FlagFallback != 0 {
		out.Fallback = b.Fallback
	}
	if b.Flags&FlagReg1 != 0 {
		out.Reg1 = b.Reg1
	}
	if b.Flags&FlagReg2 != 0 {
		out.Reg2 = b.Reg2
	}
	if b.Flags&FlagReg3 != 0 {
		out.Reg3 = b.Reg3
	}
	if b.Flags&FlagOptions != 0 || b.Flags&FlagOption != 0 {
		out.OptionBits = b.OptionBits
	}
	if b.Flags&FlagOp != 0 {
		out.Instruction = b.Instruction
	}
	return out, nil
}

// AllowedSymScales pins the open question from spec.md §9: the scale
// factor on a sym1-sym2 difference is one of these, corresponding to
// scaling a jump-table entry by the target element size, or -1 to
// mean "element size implied by operand type". A plain symbol
// difference carries scale 1.
var AllowedSymScales = []int8{1, 2, 4, 8, -1}

func isAllowedSymScale(s int8) bool {
	for _, v := range AllowedSymScales {
		if v == s {
			return true
		}
	}
	return false
}

// Evaluator evaluates token spans into Expressions. It holds no
// hidden global state: both the symbol table and the string buffer
// are supplied explicitly (spec.md's DESIGN NOTES §9).
type Evaluator struct {
	Syms *symtab.Table
	Strs *strtab.Buffer
	kw   *token.Keywords
}

// New creates an Evaluator over the given symbol table, string buffer
// and keyword tables (needed to recognize register tokens).
func New(syms *symtab.Table, strs *strtab.Buffer, kw *token.Keywords) *Evaluator {
	return &Evaluator{Syms: syms, Strs: strs, kw: kw}
}

// Eval evaluates toks[0:], returning the folded Expression and the
// number of tokens consumed via Expression.Tokens. The evaluator is
// deterministic and side-effect free apart from allocating into the
// string buffer and adding names it has not seen to the symbol table
// (as undefined symbols), and idempotent: evaluating the same already-folded
// literal expression again returns byte-identical output (spec.md §8).
func (e *Evaluator) Eval(toks []token.Token) (Expression, error) {
	if len(toks) == 0 {
		return Expression{}, fmt.Errorf("expr: empty expression")
	}
	p := &parser{e: e, toks: toks}
	result, err := p.parseExpr(0)
	if err != nil {
		return Expression{}, err
	}
	result.Tokens = p.pos
	return result, nil
}

type parser struct {
	e    *Evaluator
	toks []token.Token
	pos  int
}

func (p *parser) peek() (token.Token, bool) {
	if p.pos >= len(p.toks) {
		return token.Token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token.Token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

// parseExpr implements precedence climbing: minPrio is the lowest
// operator priority this call is allowed to consume.
func (p *parser) parseExpr(minPrio int) (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return Expression{}, err
	}

	for {
		tok, ok := p.peek()
		if !ok || tok.Kind != token.KindOperator || tok.Priority == 0 {
			break
		}
		if tok.Text == "?" {
			if minPrio > 0 {
				break
			}
			p.next()
			left, err = p.parseTernary(left)
			if err != nil {
				return Expression{}, err
			}
			continue
		}
		if tok.Text == "," || tok.Text == ")" || tok.Text == "]" || tok.Text == "}" || tok.Text == ":" {
			break
		}
		if tok.Priority < minPrio {
			break
		}
		p.next()
		right, err := p.parseExpr(tok.Priority + 1)
		if err != nil {
			return Expression{}, err
		}
		left, err = p.combine(left, right, tok)
		if err != nil {
			return Expression{}, err
		}
	}
	return left, nil
}

func (p *parser) parseTernary(cond Expression) (Expression, error) {
	if cond.Flags&FlagUnresolved != 0 {
		return Expression{}, fmt.Errorf("expr: ternary condition must be assemble-time constant")
	}
	thenVal, err := p.parseExpr(0)
	if err != nil {
		return Expression{}, err
	}
	colon, ok := p.next()
	if !ok || colon.Text != ":" {
		return Expression{}, fmt.Errorf("expr: expected ':' in ternary expression")
	}
	elseVal, err := p.parseExpr(0)
	if err != nil {
		return Expression{}, err
	}
	if cond.IntVal != 0 {
		return thenVal, nil
	}
	return elseVal, nil
}

func (p *parser) parseUnary() (Expression, error) {
	tok, ok := p.peek()
	if ok && tok.Kind == token.KindOperator && (tok.Text == "-" || tok.Text == "!" || tok.Text == "~") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return Expression{}, err
		}
		return applyUnary(tok.Text, operand)
	}
	return p.parsePrimary()
}

func applyUnary(op string, v Expression) (Expression, error) {
	switch {
	case v.Flags&FlagFloat != 0:
		if op == "-" {
			v.FloatVal = -v.FloatVal
			return v, nil
		}
		return Expression{}, fmt.Errorf("expr: operator %q not valid on float", op)
	case v.Flags&FlagInt != 0:
		switch op {
		case "-":
			v.IntVal = -v.IntVal
		case "!":
			if v.IntVal == 0 {
				v.IntVal = 1
			} else {
				v.IntVal = 0
			}
		case "~":
			v.IntVal = ^v.IntVal
		}
		return v, nil
	case v.Flags&FlagUnresolved != 0:
		// unary minus on an unresolved symbol is recorded as a
		// sign-inverted addend (spec.md §4.3).
		if op == "-" {
			v.Offset = -v.Offset
			v.IntVal = -v.IntVal
			return v, nil
		}
		return Expression{}, fmt.Errorf("expr: operator %q not valid on unresolved symbol", op)
	default:
		return Expression{}, fmt.Errorf("expr: unary operator %q has no operand it can apply to", op)
	}
}

func (p *parser) parsePrimary() (Expression, error) {
	tok, ok := p.next()
	if !ok {
		return Expression{}, fmt.Errorf("expr: unexpected end of expression")
	}
	switch tok.Kind {
	case token.KindNumber, token.KindChar:
		return fromInt(tok.IntVal), nil
	case token.KindFloat:
		return fromFloat(tok.FloatVal), nil
	case token.KindString:
		e := Zero()
		e.StrOff = tok.StrOff
		e.StrLen = len(p.e.Strs.Get(tok.StrOff))
		e.Flags = FlagString
		return e, nil
	case token.KindOperator:
		if tok.Text == "(" {
			inner, err := p.parseExpr(0)
			if err != nil {
				return Expression{}, err
			}
			close, ok := p.next()
			if !ok || close.Text != ")" {
				return Expression{}, fmt.Errorf("expr: unmatched '('")
			}
			return inner, nil
		}
		return Expression{}, fmt.Errorf("expr: unexpected operator %q", tok.Text)
	case token.KindRegister:
		return registerExpr(tok.ID), nil
	case token.KindName, token.KindSymbolRef:
		return p.symbolRef(tok.Text)
	default:
		return Expression{}, fmt.Errorf("expr: unexpected token kind %v in expression", tok.Kind)
	}
}

func registerExpr(id int) Expression {
	e := Zero()
	e.Reg1 = id
	e.Flags = FlagReg | FlagReg1
	return e
}

func (p *parser) symbolRef(name string) (Expression, error) {
	idx := p.e.Syms.Add(name)
	sym := p.e.Syms.Get(idx)
	e := Zero()
	e.Sym1 = idx
	e.Flags = FlagSym1
	if sym.Flags&symtab.FlagDefined != 0 {
		e.IntVal = sym.Value
		e.Flags |= FlagInt
	} else {
		e.Flags |= FlagUnresolved
	}
	return e, nil
}

// combine applies a binary operator to two already-evaluated operands,
// dispatching to the type-specific rule spec.md §4.3 names.
func (p *parser) combine(l, r Expression, op token.Token) (Expression, error) {
	switch {
	case l.Flags&FlagUnresolved != 0 || r.Flags&FlagUnresolved != 0:
		return op2Unresolved(l, r, op)
	case l.Flags&FlagString != 0 && r.Flags&FlagString != 0:
		return p.op2String(l, r, op)
	case op.Text == "*" && isBareReg(l) && r.Flags&FlagInt != 0:
		return scaledIndex(l.Reg1, r.IntVal)
	case op.Text == "*" && isBareReg(r) && l.Flags&FlagInt != 0:
		return scaledIndex(r.Reg1, l.IntVal)
	case l.Flags&(FlagReg|FlagMem|FlagIndex|FlagBase) != 0 && r.Flags&(FlagReg|FlagMem|FlagIndex|FlagBase) != 0:
		return op2Memory(l, r, op)
	case l.Flags&FlagFloat != 0 || r.Flags&FlagFloat != 0:
		return op2Float(promoteFloat(l), promoteFloat(r), op)
	case l.Flags&FlagInt != 0 && r.Flags&FlagInt != 0:
		return op2Int(l, r, op)
	default:
		return Expression{}, fmt.Errorf("expr: operator %q has no rule for these operand kinds", op.Text)
	}
}

func isBareReg(e Expression) bool {
	return e.Flags == (FlagReg | FlagReg1)
}

func scaledIndex(regID int, scale int64) (Expression, error) {
	if scale != 1 && scale != 2 && scale != 4 && scale != 8 {
		return Expression{}, fmt.Errorf("expr: index scale must be 1, 2, 4 or 8, got %d", scale)
	}
	out := Zero()
	out.Index = regID
	out.Scale = int8(scale)
	out.Flags = FlagIndex
	return out, nil
}

func promoteFloat(e Expression) Expression {
	if e.Flags&FlagFloat != 0 {
		return e
	}
	if e.Flags&FlagInt != 0 {
		return fromFloat(float64(e.IntVal))
	}
	return e
}

const opUnsigned = token.OpFlagUnsigned

func op2Int(l, r Expression, op token.Token) (Expression, error) {
	a, b := l.IntVal, r.IntVal
	uns := op.ID&opUnsigned != 0
	var v int64
	switch op.Text {
	case "+":
		v = a + b
	case "-":
		v = a - b
	case "*":
		v = a * b
	case "/":
		if b == 0 {
			return Expression{}, fmt.Errorf("expr: division by zero")
		}
		if uns {
			v = int64(uint64(a) / uint64(b))
		} else {
			v = a / b
		}
	case "%":
		if b == 0 {
			return Expression{}, fmt.Errorf("expr: modulo by zero")
		}
		if uns {
			v = int64(uint64(a) % uint64(b))
		} else {
			v = a % b
		}
	case "&":
		v = a & b
	case "|":
		v = a | b
	case "^":
		v = a ^ b
	case "<<":
		v = a << uint(b)
	case ">>":
		v = a >> uint(b)
	case ">>>":
		v = int64(uint64(a) >> uint(b))
	case "==":
		v = boolInt(a == b)
	case "!=":
		v = boolInt(a != b)
	case "<":
		v = boolInt(a < b)
	case "<=":
		v = boolInt(a <= b)
	case ">":
		v = boolInt(a > b)
	case ">=":
		v = boolInt(a >= b)
	case "&&":
		v = boolInt(a != 0 && b != 0)
	case "||":
		v = boolInt(a != 0 || b != 0)
	default:
		return Expression{}, fmt.Errorf("expr: operator %q not defined for int x int", op.Text)
	}
	return fromInt(v), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func op2Float(l, r Expression, op token.Token) (Expression, error) {
	a, b := l.FloatVal, r.FloatVal
	if math.IsNaN(a) || math.IsNaN(b) {
		return fromFloat(math.NaN()), nil
	}
	switch op.Text {
	case "+":
		return fromFloat(a + b), nil
	case "-":
		return fromFloat(a - b), nil
	case "*":
		return fromFloat(a * b), nil
	case "/":
		return fromFloat(a / b), nil
	case "==":
		return fromInt(boolInt(a == b)), nil
	case "!=":
		return fromInt(boolInt(a != b)), nil
	case "<":
		return fromInt(boolInt(a < b)), nil
	case "<=":
		return fromInt(boolInt(a <= b)), nil
	case ">":
		return fromInt(boolInt(a > b)), nil
	case ">=":
		return fromInt(boolInt(a >= b)), nil
	default:
		return Expression{}, fmt.Errorf("expr: operator %q not defined for float x float", op.Text)
	}
}

// op2String concatenates on '+' and orders lexicographically for the
// relational/equality operators (spec.md §4.3).
func (p *parser) op2String(l, r Expression, op token.Token) (Expression, error) {
	a := p.e.Strs.Get(l.StrOff)
	b := p.e.Strs.Get(r.StrOff)
	switch op.Text {
	case "+":
		e := Zero()
		e.StrOff = p.e.Strs.Add(a + b)
		e.StrLen = len(a) + len(b)
		e.Flags = FlagString
		return e, nil
	case "==":
		return fromInt(boolInt(a == b)), nil
	case "!=":
		return fromInt(boolInt(a != b)), nil
	case "<":
		return fromInt(boolInt(a < b)), nil
	case "<=":
		return fromInt(boolInt(a <= b)), nil
	case ">":
		return fromInt(boolInt(a > b)), nil
	case ">=":
		return fromInt(boolInt(a >= b)), nil
	default:
		return Expression{}, fmt.Errorf("expr: operator %q not defined for string x string", op.Text)
	}
}

// op2Unresolved preserves the symbol references and addend of an
// expression that still depends on an undefined symbol, so a later
// pass can materialize a relocation (spec.md §4.3). Only + and - are
// meaningful across an unresolved boundary; anything else is an error
// because it can't be expressed as a single relocation.
func op2Unresolved(l, r Expression, op token.Token) (Expression, error) {
	if op.Text != "+" && op.Text != "-" {
		return Expression{}, fmt.Errorf("expr: operator %q not valid on an unresolved symbol", op.Text)
	}
	merged, err := mergeUnresolved(l, r, op.Text == "-")
	if err != nil {
		return Expression{}, err
	}
	merged.Flags |= FlagUnresolved
	return merged, nil
}

// mergeUnresolved combines two operands where at least one carries an
// unresolved symbol. Two unresolved symbols combine into a
// symbol-minus-symbol difference (adding them is an error); one unresolved plus one
// resolved constant folds the constant into Offset.
func mergeUnresolved(l, r Expression, negate bool) (Expression, error) {
	lUnres := l.Flags&FlagUnresolved != 0
	rUnres := r.Flags&FlagUnresolved != 0

	switch {
	case lUnres && rUnres:
		if negate {
			out := l
			out.Sym2 = r.Sym1
			out.Flags |= FlagSym2
			out.SymScale = 1
			out.Flags |= FlagSymScale
			return out, nil
		}
		return Expression{}, fmt.Errorf("expr: cannot add two unresolved symbols")
	case lUnres:
		out := l
		delta := r.IntVal
		if negate {
			delta = -delta
		}
		out.Offset += delta
		return out, nil
	default: // rUnres
		out := r
		if negate {
			return Expression{}, fmt.Errorf("expr: cannot subtract an unresolved symbol from a constant")
		}
		out.Offset += l.IntVal
		return out, nil
	}
}

// op2Memory merges base + index*scale + offset (spec.md §4.3): the
// first bare register encountered becomes the base, a later bare
// register becomes the index with an implicit scale of 1 (overridden
// if it was already combined with "*scale"), and a bare integer
// becomes the offset. Only one of each field may end up populated;
// Merge enforces that.
func op2Memory(l, r Expression, op token.Token) (Expression, error) {
	if op.Text != "+" && op.Text != "-" {
		return Expression{}, fmt.Errorf("expr: operator %q not valid in a memory-addressing expression", op.Text)
	}
	left := reclassifyMemOperand(l, false)
	hasBase := left.Flags&FlagBase != 0
	right := reclassifyMemOperand(r, hasBase)
	if op.Text == "-" {
		right.Offset = -right.Offset
	}
	out, err := Merge(left, right)
	if err != nil {
		return Expression{}, fmt.Errorf("expr: invalid memory operand: %w", err)
	}
	out.Flags |= FlagMem
	return out, nil
}

func reclassifyMemOperand(e Expression, baseTaken bool) Expression {
	switch {
	case isBareReg(e):
		out := Zero()
		if !baseTaken {
			out.Base = e.Reg1
			out.Flags = FlagBase
		} else {
			out.Index = e.Reg1
			out.Scale = 1
			out.Flags = FlagIndex
		}
		return out
	case e.Flags == FlagInt:
		out := Zero()
		out.Offset = e.IntVal
		out.Flags = FlagOffset
		return out
	default:
		return e
	}
}
