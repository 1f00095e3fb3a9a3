package token

import (
	"testing"

	"github.com/forwardcom/fctools/strtab"
)

func lex(t *testing.T, src string) *Lexer {
	t.Helper()
	l := NewLexer(NewKeywords(), strtab.New())
	l.ScanFile("t.fc", src)
	return l
}

func TestLexDeterminism(t *testing.T) {
	src := "int32 r1 = r2 + 1\nfunction f: public f\n"
	l1 := lex(t, src)
	l2 := lex(t, src)
	if len(l1.Tokens) != len(l2.Tokens) {
		t.Fatalf("token counts differ: %d vs %d", len(l1.Tokens), len(l2.Tokens))
	}
	for i := range l1.Tokens {
		if l1.Tokens[i] != l2.Tokens[i] {
			t.Fatalf("token %d differs: %+v vs %+v", i, l1.Tokens[i], l2.Tokens[i])
		}
	}
}

func TestLexRegistersAndTypes(t *testing.T) {
	l := lex(t, "int32 r1 = r2 + 1")
	kinds := []Kind{}
	for _, tok := range l.Tokens {
		kinds = append(kinds, tok.Kind)
	}
	want := []Kind{KindType, KindRegister, KindOperator, KindRegister, KindOperator, KindNumber}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want kinds %v", kinds, want)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("token %d: got %v want %v", i, kinds[i], k)
		}
	}
}

func TestLexHexBinOctal(t *testing.T) {
	l := lex(t, "0xFF 0b101 0o17 10")
	want := []int64{0xFF, 5, 15, 10}
	if len(l.Tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(l.Tokens), len(want))
	}
	for i, w := range want {
		if l.Tokens[i].Kind != KindNumber || l.Tokens[i].IntVal != w {
			t.Fatalf("token %d: got %+v, want int %d", i, l.Tokens[i], w)
		}
	}
}

func TestLexFloat(t *testing.T) {
	l := lex(t, "3.14 1e10 2.5e-3")
	for _, tok := range l.Tokens {
		if tok.Kind != KindFloat {
			t.Fatalf("expected float token, got %+v", tok)
		}
	}
}

func TestLexStringLiteral(t *testing.T) {
	strs := strtab.New()
	l := NewLexer(NewKeywords(), strs)
	l.ScanFile("t.fc", `"hello world"`)
	if len(l.Tokens) != 1 || l.Tokens[0].Kind != KindString {
		t.Fatalf("expected one string token, got %+v", l.Tokens)
	}
	if got := strs.Get(l.Tokens[0].StrOff); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestLexCharLiteralPacksBytes(t *testing.T) {
	l := lex(t, `'AB'`)
	if len(l.Tokens) != 1 || l.Tokens[0].Kind != KindChar {
		t.Fatalf("expected char token, got %+v", l.Tokens)
	}
	want := int64('A') | int64('B')<<8
	if l.Tokens[0].IntVal != want {
		t.Fatalf("got %#x want %#x", l.Tokens[0].IntVal, want)
	}
}

func TestLexMultiCharOperators(t *testing.T) {
	l := lex(t, "a == b != c >>> d <<= e")
	var ops []string
	for _, tok := range l.Tokens {
		if tok.Kind == KindOperator {
			ops = append(ops, tok.Text)
		}
	}
	want := []string{"==", "!=", ">>>", "<<="}
	if len(ops) != len(want) {
		t.Fatalf("got ops %v", ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("op %d: got %q want %q", i, ops[i], want[i])
		}
	}
}

func TestLexLineComment(t *testing.T) {
	l := lex(t, "r1 // comment r2 r3")
	if len(l.Tokens) != 1 {
		t.Fatalf("expected 1 token before comment, got %d", len(l.Tokens))
	}
}

func TestLexBlockCommentAcrossLines(t *testing.T) {
	l := lex(t, "r1 /* start\nstill a comment\nend */ r2")
	var texts []string
	for _, tok := range l.Tokens {
		texts = append(texts, tok.Text)
	}
	want := []string{"r1", "r2"}
	if len(texts) != len(want) {
		t.Fatalf("got %v", texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("token %d: got %q want %q", i, texts[i], want[i])
		}
	}
}

func TestLexIllegalCharacterRecovers(t *testing.T) {
	l := lex(t, "r1 $ r2\nr3 r4")
	var kinds []Kind
	for _, tok := range l.Tokens {
		kinds = append(kinds, tok.Kind)
	}
	foundErr := false
	for _, k := range kinds {
		if k == KindError {
			foundErr = true
		}
	}
	if !foundErr {
		t.Fatalf("expected an error token for '$', got %v", kinds)
	}
	// second line should still be lexed correctly (error recovery)
	last2 := l.Tokens[len(l.Tokens)-2:]
	if last2[0].Text != "r3" || last2[1].Text != "r4" {
		t.Fatalf("error recovery failed, got %+v", last2)
	}
}

func TestClassifyWordLabel(t *testing.T) {
	l := lex(t, "mylabel:")
	if len(l.Tokens) != 1 || l.Tokens[0].Kind != KindLabel {
		t.Fatalf("expected label token, got %+v", l.Tokens)
	}
	if l.Tokens[0].Text != "mylabel" {
		t.Fatalf("expected trimmed label text, got %q", l.Tokens[0].Text)
	}
}
