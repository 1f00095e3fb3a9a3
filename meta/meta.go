// Package meta implements the assemble-time meta-variable facility of
// spec.md §4.4: `%define`/`%assign` bind a scalar or string value under
// pass 2 (`assignMetaVariable`), and `%if`/`%elif`/`%else`/`%endif`
// gate whether subsequent lines are interpreted at all. Both directive
// families are backed by the same expr.Evaluator that resolves every
// other constant expression in this assembler (`%define`'s right-hand
// side directly, `%if`'s condition after substituting any referenced
// meta variable for a literal token), so a condition like `x % 2 == 0`
// divides and compares under exactly the rules spec.md §4.3 already
// gives every other expression context, division/modulo by zero
// included, rather than a second evaluator with its own semantics.
package meta

import (
	"fmt"
	"strings"

	"github.com/forwardcom/fctools/expr"
	"github.com/forwardcom/fctools/token"
)

// Value is a meta-variable binding: either an integer or a string.
type Value struct {
	IsString bool
	Int      int64
	Str      string
}

func IntValue(v int64) Value    { return Value{Int: v} }
func StringValue(s string) Value { return Value{IsString: true, Str: s} }

// Table holds the current meta-variable bindings.
type Table struct {
	vars map[string]Value
}

func NewTable() *Table {
	return &Table{vars: make(map[string]Value)}
}

func (t *Table) Set(name string, v Value) { t.vars[name] = v }

func (t *Table) Get(name string) (Value, bool) {
	v, ok := t.vars[name]
	return v, ok
}

func (t *Table) Len() int { return len(t.vars) }

// condFrame is one open %if/%elif/%else/%endif chain.
type condFrame struct {
	branchActive bool // the currently selected branch of this chain is live
	everTaken    bool // some branch of this chain has already matched
	outerActive  bool // whether the enclosing scope was live when this chain opened
	sawElse      bool
}

// Processor drives the meta-variable table and the %if nesting stack
// against a token stream already produced by the lexer (spec.md §4.6
// pass 2 runs one Processor per assembled file).
type Processor struct {
	Vars  *Table
	eval  *expr.Evaluator
	stack []condFrame
}

func New(eval *expr.Evaluator) *Processor {
	return &Processor{Vars: NewTable(), eval: eval}
}

// Active reports whether a line at the current nesting depth should be
// interpreted by later passes. An empty stack is always active.
func (p *Processor) Active() bool {
	for _, f := range p.stack {
		if !f.branchActive {
			return false
		}
	}
	return true
}

// Depth returns the current %if nesting depth, for %endif/EOF balance
// checks in the caller.
func (p *Processor) Depth() int { return len(p.stack) }

// Directive dispatches one meta line. toks[0] is the "%xxx" token
// itself; the remainder is the directive's argument tokens. %include
// is recognized but returns its filename via IncludePath rather than
// being handled here, since file I/O belongs to the pass driver.
func (p *Processor) Directive(toks []token.Token) error {
	if len(toks) == 0 {
		return fmt.Errorf("meta: empty meta line")
	}
	name := strings.ToLower(toks[0].Text)
	switch name {
	case "%define", "%assign":
		if !p.Active() {
			return nil
		}
		return p.assign(toks[1:])
	case "%if":
		return p.pushIf(toks[1:])
	case "%elif":
		return p.elif(toks[1:])
	case "%else":
		return p.doElse()
	case "%endif":
		return p.endif()
	case "%include":
		return nil
	default:
		return fmt.Errorf("meta: unrecognized directive %q", toks[0].Text)
	}
}

// IsInclude reports whether tok is a %include directive.
func IsInclude(tok token.Token) bool {
	return tok.Kind == token.KindDirective && strings.EqualFold(tok.Text, "%include")
}

// IncludePath extracts the quoted filename argument of a %include
// line using the same string buffer the lexer stored it into.
func IncludePath(toks []token.Token, strs interface{ Get(uint32) string }) (string, error) {
	if len(toks) < 2 || toks[1].Kind != token.KindString {
		return "", fmt.Errorf("meta: %%include expects a quoted filename")
	}
	return strs.Get(toks[1].StrOff), nil
}

// assign implements %define/%assign: "name = expr". Both directives
// share one code path (spec.md §4.4 draws no semantic line between
// them; only the surface spelling differs, matching the C original's
// two spellings of `assignMetaVariable`).
func (p *Processor) assign(toks []token.Token) error {
	if len(toks) < 3 || toks[0].Kind != token.KindName || toks[1].Text != "=" {
		return fmt.Errorf("meta: expected 'name = expression'")
	}
	name := toks[0].Text
	res, err := p.eval.Eval(toks[2:])
	if err != nil {
		return fmt.Errorf("meta: evaluating %q: %w", name, err)
	}
	if res.Flags&expr.FlagString != 0 {
		p.Vars.Set(name, StringValue(p.eval.Strs.Get(res.StrOff)))
		return nil
	}
	if res.Flags&expr.FlagInt != 0 {
		p.Vars.Set(name, IntValue(res.IntVal))
		return nil
	}
	return fmt.Errorf("meta: %q must evaluate to a constant int or string at assemble time", name)
}

func (p *Processor) pushIf(cond []token.Token) error {
	outer := p.Active()
	taken := outer && p.evalCond(cond)
	p.stack = append(p.stack, condFrame{branchActive: taken, everTaken: taken, outerActive: outer})
	return nil
}

func (p *Processor) elif(cond []token.Token) error {
	if len(p.stack) == 0 {
		return fmt.Errorf("meta: %%elif without matching %%if")
	}
	top := &p.stack[len(p.stack)-1]
	if top.sawElse {
		return fmt.Errorf("meta: %%elif after %%else")
	}
	if !top.outerActive || top.everTaken {
		top.branchActive = false
		return nil
	}
	top.branchActive = p.evalCond(cond)
	top.everTaken = top.everTaken || top.branchActive
	return nil
}

func (p *Processor) doElse() error {
	if len(p.stack) == 0 {
		return fmt.Errorf("meta: %%else without matching %%if")
	}
	top := &p.stack[len(p.stack)-1]
	if top.sawElse {
		return fmt.Errorf("meta: duplicate %%else")
	}
	top.sawElse = true
	top.branchActive = top.outerActive && !top.everTaken
	top.everTaken = top.everTaken || top.branchActive
	return nil
}

func (p *Processor) endif() error {
	if len(p.stack) == 0 {
		return fmt.Errorf("meta: %%endif without matching %%if")
	}
	p.stack = p.stack[:len(p.stack)-1]
	return nil
}

// evalCond runs a %if/%elif condition through the same expr.Evaluator
// every other constant expression in this assembler uses, after
// substituting any meta-variable reference for a literal token (the
// evaluator otherwise only resolves bare names against the symbol
// table). Evaluation errors are treated as false rather than aborting
// assembly; the caller sees them surface later as undefined behavior
// only if the branch they gate is ever emitted, which it won't be.
func (p *Processor) evalCond(cond []token.Token) bool {
	toks := p.substituteVars(cond)
	if len(toks) == 0 {
		return false
	}
	res, err := p.eval.Eval(toks)
	if err != nil {
		return false
	}
	switch {
	case res.Flags&expr.FlagString != 0:
		return p.eval.Strs.Get(res.StrOff) != ""
	case res.Flags&expr.FlagFloat != 0:
		return res.FloatVal != 0
	default:
		return res.IntVal != 0
	}
}

// substituteVars replaces every token naming a currently-defined meta
// variable with a literal number or string token carrying its value,
// the way %define's own right-hand side would see a reference to an
// earlier variable if the grammar allowed one.
func (p *Processor) substituteVars(cond []token.Token) []token.Token {
	out := make([]token.Token, len(cond))
	for i, t := range cond {
		v, ok := p.Vars.Get(t.Text)
		if t.Kind != token.KindName || !ok {
			out[i] = t
			continue
		}
		if v.IsString {
			out[i] = token.Token{Kind: token.KindString, Offset: t.Offset, Length: t.Length, StrOff: p.eval.Strs.Add(v.Str)}
		} else {
			out[i] = token.Token{Kind: token.KindNumber, Offset: t.Offset, Length: t.Length, IntVal: v.Int, Text: t.Text}
		}
	}
	return out
}
