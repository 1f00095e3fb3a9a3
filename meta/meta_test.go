package meta

import (
	"testing"

	"github.com/forwardcom/fctools/expr"
	"github.com/forwardcom/fctools/strtab"
	"github.com/forwardcom/fctools/symtab"
	"github.com/forwardcom/fctools/token"
)

func newProc(t *testing.T) (*Processor, *expr.Evaluator) {
	t.Helper()
	strs := strtab.New()
	syms := symtab.New(strtab.New())
	kw := token.NewKeywords()
	ev := expr.New(syms, strs, kw)
	return New(ev), ev
}

func lex(t *testing.T, ev *expr.Evaluator, src string) []token.Token {
	t.Helper()
	l := token.NewLexer(token.NewKeywords(), ev.Strs)
	l.ScanFile("t.fc", src)
	return l.Tokens
}

func TestDefineIntAndString(t *testing.T) {
	p, ev := newProc(t)

	toks := lex(t, ev, "%define WIDTH = 8")
	if err := p.Directive(toks); err != nil {
		t.Fatalf("define failed: %v", err)
	}
	v, ok := p.Vars.Get("WIDTH")
	if !ok || v.IsString || v.Int != 8 {
		t.Fatalf("expected WIDTH=8, got %+v ok=%v", v, ok)
	}

	toks = lex(t, ev, `%assign NAME = "vec"`)
	if err := p.Directive(toks); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	v, ok = p.Vars.Get("NAME")
	if !ok || !v.IsString || v.Str != "vec" {
		t.Fatalf("expected NAME=vec, got %+v ok=%v", v, ok)
	}
}

func TestIfElifElseEndif(t *testing.T) {
	p, ev := newProc(t)

	must := func(src string) {
		t.Helper()
		if err := p.Directive(lex(t, ev, src)); err != nil {
			t.Fatalf("directive %q failed: %v", src, err)
		}
	}

	must("%define LEVEL = 2")
	must("%if LEVEL == 1")
	if p.Active() {
		t.Fatalf("expected branch 1 inactive")
	}
	must("%elif LEVEL == 2")
	if !p.Active() {
		t.Fatalf("expected branch 2 active")
	}
	must("%else")
	if p.Active() {
		t.Fatalf("expected else branch inactive once a prior branch matched")
	}
	must("%endif")
	if !p.Active() {
		t.Fatalf("expected active again after %%endif")
	}
}

func TestNestedIfInheritsOuterInactive(t *testing.T) {
	p, ev := newProc(t)
	must := func(src string) {
		t.Helper()
		if err := p.Directive(lex(t, ev, src)); err != nil {
			t.Fatalf("directive %q failed: %v", src, err)
		}
	}

	must("%if 0")
	must("%if 1")
	if p.Active() {
		t.Fatalf("nested %%if under an inactive outer branch must stay inactive")
	}
	must("%endif")
	must("%endif")
	if !p.Active() {
		t.Fatalf("expected active at top level after both endifs")
	}
}

func TestIfConditionSharesExpressionEvaluatorSemantics(t *testing.T) {
	p, ev := newProc(t)
	must := func(src string) {
		t.Helper()
		if err := p.Directive(lex(t, ev, src)); err != nil {
			t.Fatalf("directive %q failed: %v", src, err)
		}
	}

	must("%define A = 4")
	must("%define B = 0")
	must("%if A > 1 && A < 10")
	if !p.Active() {
		t.Fatalf("expected the && condition over meta variables to be true")
	}
	must("%endif")

	// Division by zero must behave like every other expr.Evaluator
	// context (an error, not a silently false/NaN branch); evalCond
	// folds that error into "condition not taken".
	must("%if A / B == 4")
	if p.Active() {
		t.Fatalf("expected a division-by-zero condition to evaluate to false, not panic or divide")
	}
	must("%endif")
}

func TestEndifWithoutIfErrors(t *testing.T) {
	p, ev := newProc(t)
	if err := p.Directive(lex(t, ev, "%endif")); err == nil {
		t.Fatalf("expected an error for unmatched %%endif")
	}
}

func TestIncludePathExtractsFilename(t *testing.T) {
	strs := strtab.New()
	l := token.NewLexer(token.NewKeywords(), strs)
	l.ScanFile("t.fc", `%include "common.fc"`)
	path, err := IncludePath(l.Tokens, strs)
	if err != nil {
		t.Fatalf("IncludePath failed: %v", err)
	}
	if path != "common.fc" {
		t.Fatalf("expected common.fc, got %q", path)
	}
}
