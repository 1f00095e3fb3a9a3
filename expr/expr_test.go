package expr

import (
	"testing"

	"github.com/forwardcom/fctools/strtab"
	"github.com/forwardcom/fctools/symtab"
	"github.com/forwardcom/fctools/token"
)

func newEval() *Evaluator {
	strs := strtab.New()
	syms := symtab.New(strtab.New())
	kw := token.NewKeywords()
	return New(syms, strs, kw)
}

func lexExpr(t *testing.T, e *Evaluator, src string) []token.Token {
	t.Helper()
	l := token.NewLexer(token.NewKeywords(), e.Strs)
	l.ScanFile("t.fc", src)
	return l.Tokens
}

func TestEvalIntArithmetic(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "2 + 3 * 4")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.IntVal != 14 {
		t.Fatalf("expected 14, got %d", res.IntVal)
	}
}

func TestEvalPrecedenceAndParens(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "(2 + 3) * 4")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.IntVal != 20 {
		t.Fatalf("expected 20, got %d", res.IntVal)
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "1 / 0")
	if _, err := e.Eval(toks); err == nil {
		t.Fatalf("expected division-by-zero error")
	}
}

func TestEvalFloat(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "1.5 + 2.5")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.FloatVal != 4.0 {
		t.Fatalf("expected 4.0, got %v", res.FloatVal)
	}
}

func TestEvalStringConcat(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, `"foo" + "bar"`)
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if got := e.Strs.Get(res.StrOff); got != "foobar" {
		t.Fatalf("got %q", got)
	}
}

func TestEvalTernary(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "1 ? 10 : 20")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.IntVal != 10 {
		t.Fatalf("expected 10, got %d", res.IntVal)
	}

	toks = lexExpr(t, e, "0 ? 10 : 20")
	res, err = e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.IntVal != 20 {
		t.Fatalf("expected 20, got %d", res.IntVal)
	}
}

func TestEvalUnresolvedSymbolCarriesOffset(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "undefined_label + 4")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.Flags&FlagUnresolved == 0 {
		t.Fatalf("expected unresolved flag to be set")
	}
	if res.Offset != 4 {
		t.Fatalf("expected offset 4, got %d", res.Offset)
	}
}

func TestEvalSymbolDifference(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "label_b - label_a")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.Flags&FlagSym2 == 0 {
		t.Fatalf("expected a sym1-sym2 difference to populate Sym2")
	}
}

func TestEvalResolvedSymbol(t *testing.T) {
	e := newEval()
	idx := e.Syms.Add("known")
	if err := e.Syms.Define(idx, 0, 42, symtab.BindLocal); err != nil {
		t.Fatalf("define failed: %v", err)
	}
	toks := lexExpr(t, e, "known + 1")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.Flags&FlagUnresolved != 0 {
		t.Fatalf("resolved symbol should not carry FlagUnresolved")
	}
	if res.IntVal != 43 {
		t.Fatalf("expected 43, got %d", res.IntVal)
	}
}

func TestEvalIdempotentOnFoldedLiteral(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "6 * 7")
	r1, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	r2, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("eval should be idempotent: %+v vs %+v", r1, r2)
	}
}

func TestEvalMemoryOperand(t *testing.T) {
	e := newEval()
	toks := lexExpr(t, e, "r1 + r2")
	res, err := e.Eval(toks)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if res.Flags&FlagMem == 0 {
		t.Fatalf("expected FlagMem to be set for a register+register expression")
	}
	if res.Base != 1 {
		t.Fatalf("expected base register r1 (id 1), got %d", res.Base)
	}
}

func TestMergeRejectsOverlap(t *testing.T) {
	a := fromInt(1)
	b := fromInt(2)
	if _, err := Merge(a, b); err == nil {
		t.Fatalf("expected Merge to reject overlapping FlagInt")
	}
}
