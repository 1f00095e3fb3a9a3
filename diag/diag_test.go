package diag

import (
	"bytes"
	"strings"
	"testing"
)

func TestErrorCountExcludesWarnings(t *testing.T) {
	c := New(10)
	c.Errorf(KindSemantic, "a.fc", 10, 3, 2, "undefined symbol %q", "foo")
	c.Warnf("a.fc", 20, 1, 2, "unused symbol")
	if c.ErrorCount() != 1 {
		t.Fatalf("expected 1 error, got %d", c.ErrorCount())
	}
	if !c.HasErrors() {
		t.Fatalf("expected HasErrors to be true")
	}
}

func TestMaxErrorsCapsButKeepsCounting(t *testing.T) {
	c := New(2)
	for i := 0; i < 5; i++ {
		c.Errorf(KindSyntactic, "a.fc", i, 1, 1, "bad token")
	}
	if c.ErrorCount() != 2 {
		t.Fatalf("expected error count capped at 2, got %d", c.ErrorCount())
	}
	if c.Overflowed() != 3 {
		t.Fatalf("expected 3 overflowed errors, got %d", c.Overflowed())
	}
}

func TestPrintOrdersBySourcePosition(t *testing.T) {
	c := New(10)
	c.Errorf(KindSemantic, "a.fc", 50, 1, 3, "second")
	c.Errorf(KindSemantic, "a.fc", 5, 1, 3, "first")

	var buf bytes.Buffer
	c.Print(&buf)
	out := buf.String()
	if strings.Index(out, "first") > strings.Index(out, "second") {
		t.Fatalf("expected diagnostics printed in source order, got:\n%s", out)
	}
}
