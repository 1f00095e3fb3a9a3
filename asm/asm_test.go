package asm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/forwardcom/fctools/isa"
	"github.com/forwardcom/fctools/object"
	"github.com/forwardcom/fctools/symtab"
)

func newTestSession() *Session {
	instrs, fmts := isa.Default()
	return NewSession(instrs, fmts)
}

func assembleOK(t *testing.T, src string) *Session {
	t.Helper()
	s := newTestSession()
	s.AssembleFile("t.fc", src)
	s.Link()
	if s.Diag.HasErrors() {
		var buf bytes.Buffer
		s.Diag.Print(&buf)
		t.Fatalf("unexpected diagnostics:\n%s", buf.String())
	}
	return s
}

func TestSimpleAddInstruction(t *testing.T) {
	s := assembleOK(t, "section code Read Execute\nfunction main\nadd r0, r1, 5\nreturn\nend\n")
	if len(s.sections) != 1 {
		t.Fatalf("expected one section, got %d", len(s.sections))
	}
	sec := s.sections[0]
	var codes []int
	for _, it := range sec.items {
		if !it.isLabel {
			codes = append(codes, it.code.InstrIndex)
		}
	}
	if len(codes) != 2 || codes[0] != isa.IAdd || codes[1] != isa.IReturn {
		t.Fatalf("unexpected instruction stream: %+v", codes)
	}
	if sec.items[len(sec.items)-2].code.Size == 0 {
		t.Fatalf("expected add to have a selected format with nonzero size")
	}
}

func TestIfElseLowersToCompareAndJump(t *testing.T) {
	s := assembleOK(t, ""+
		"section code Read Execute\n"+
		"function main\n"+
		"if (r0 == 5) {\n"+
		"mov r1, 1\n"+
		"} else {\n"+
		"mov r1, 2\n"+
		"}\n"+
		"return\n"+
		"end\n")
	sec := s.sections[0]
	var seq []int
	labels := 0
	for _, it := range sec.items {
		if it.isLabel {
			labels++
			continue
		}
		seq = append(seq, it.code.InstrIndex)
	}
	if labels != 3 {
		t.Fatalf("expected function label + else label + end label, got %d", labels)
	}
	// cmp, jump_ne (to else), mov, jump (to end), mov, return
	want := []int{isa.ICmp, isa.IJumpNE, isa.IMov, isa.IJump, isa.IMov, isa.IReturn}
	if len(seq) != len(want) {
		t.Fatalf("unexpected instruction count: got %+v want shape %+v", seq, want)
	}
	for i, id := range want {
		if seq[i] != id {
			t.Fatalf("instruction %d: got id %d want %d (full seq %+v)", i, seq[i], id, seq)
		}
	}
}

func TestDataDeclarationRoundTrip(t *testing.T) {
	s := assembleOK(t, ""+
		"section data Read Write\n"+
		"int32 counter = 42\n"+
		"end\n")
	sec := s.sections[0]
	if !sec.isData {
		t.Fatalf("expected a data section")
	}
	if len(sec.data) != 4 {
		t.Fatalf("expected 4 bytes for an int32, got %d", len(sec.data))
	}
	got := int32(sec.data[0]) | int32(sec.data[1])<<8 | int32(sec.data[2])<<16 | int32(sec.data[3])<<24
	if got != 42 {
		t.Fatalf("expected 42 little-endian, got %d", got)
	}
	idx, ok := s.Syms.FindByName("counter")
	if !ok {
		t.Fatalf("expected counter to be a known symbol")
	}
	sym := s.Syms.Get(idx)
	if sym.Flags&symtab.FlagDefined == 0 {
		t.Fatalf("expected counter to be defined")
	}
}

func TestDataValueOutOfRangeIsReportedAndAssemblyContinues(t *testing.T) {
	s := newTestSession()
	s.AssembleFile("t.fc", ""+
		"section data Read Write\n"+
		"int8 x = 1000\n"+
		"int32 y = 7\n"+
		"end\n")
	s.Link()
	if !s.Diag.HasErrors() {
		t.Fatalf("expected an out-of-range diagnostic for int8 x = 1000")
	}
	var buf bytes.Buffer
	s.Diag.Print(&buf)
	if !strings.Contains(buf.String(), "out of range") {
		t.Fatalf("expected the diagnostic to mention the range, got: %s", buf.String())
	}
	idx, ok := s.Syms.FindByName("y")
	if !ok {
		t.Fatalf("expected assembly to continue past the range error and still define 'y'")
	}
	sym := s.Syms.Get(idx)
	if sym.Flags&symtab.FlagDefined == 0 {
		t.Fatalf("expected 'y' to be defined despite the earlier diagnostic")
	}
}

// TestFitConvergenceGrowsJumpFormatAcrossPasses covers size
// monotonicity (spec.md §8, scenario 2): a forward jump's first
// candidate is picked against the label's placeholder value (0, set
// when the label directive is parsed, well before pass 4 knows the
// real address), so a nearby-looking small displacement optimistically
// selects the narrowest jump format. Once enough intervening
// instructions push the label's real address out of that format's
// range, a later fitConverge iteration must re-fit to a wider one
// rather than get stuck, and the size must never have shrunk getting
// there.
func TestFitConvergenceGrowsJumpFormatAcrossPasses(t *testing.T) {
	var src strings.Builder
	src.WriteString("section code Read Execute\nfunction main\njump target\n")
	for i := 0; i < 200; i++ {
		src.WriteString("nop\n")
	}
	src.WriteString("target:\nreturn\nend\n")

	s := assembleOK(t, src.String())
	sec := s.sections[0]
	var jump *item
	for i := range sec.items {
		if !sec.items[i].isLabel && sec.items[i].code.InstrIndex == isa.IJump {
			jump = &sec.items[i]
			break
		}
	}
	if jump == nil {
		t.Fatalf("expected a jump instruction in the section")
	}
	if jump.code.Format == nil {
		t.Fatalf("expected the jump to have a selected format after fitConverge")
	}
	if jump.code.Format.ID != isa.FmtJump16 {
		t.Fatalf("expected a 200-word-away target to force FmtJump16, got format id %d", jump.code.Format.ID)
	}
	if jump.code.Size < 2 {
		t.Fatalf("expected the jump's committed size to have grown to 2 words to hold the wider displacement, got %d", jump.code.Size)
	}
}

func TestReturnLowersAndFits(t *testing.T) {
	s := assembleOK(t, "section code Read Execute\nfunction main\nreturn\nend\n")
	sec := s.sections[0]
	found := false
	for _, it := range sec.items {
		if it.isLabel {
			continue
		}
		if it.code.InstrIndex == isa.IReturn {
			found = true
			if it.code.Format == nil || it.code.Size == 0 {
				t.Fatalf("expected return to have a selected format after fitConverge")
			}
		}
	}
	if !found {
		t.Fatalf("expected a return instruction in the section")
	}
}

func TestEmitProducesReadableObject(t *testing.T) {
	s := assembleOK(t, ""+
		"section code Read Execute\n"+
		"function main\n"+
		"add r0, r0, 1\n"+
		"return\n"+
		"end\n"+
		"section data Read Write\n"+
		"int32 counter = 0\n"+
		"end\n")

	var buf bytes.Buffer
	if err := s.Emit(&buf); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	syms := symtab.New(s.Strs)
	obj, err := object.Read(&buf, syms)
	if err != nil {
		t.Fatalf("object.Read failed: %v", err)
	}
	if len(obj.Sections) != 2 {
		t.Fatalf("expected 2 sections round-tripped, got %d", len(obj.Sections))
	}
}

func TestDuplicateLabelIsAnError(t *testing.T) {
	s := newTestSession()
	s.AssembleFile("t.fc", "section code Read Execute\nfunction main\nfunction main\nend\n")
	s.Link()
	if !s.Diag.HasErrors() {
		t.Fatalf("expected a duplicate-definition error")
	}
	var buf bytes.Buffer
	s.Diag.Print(&buf)
	if !strings.Contains(buf.String(), "duplicate") {
		t.Fatalf("expected the diagnostic to mention the duplicate, got: %s", buf.String())
	}
}

func TestUnmatchedIfEndifIsAnError(t *testing.T) {
	s := newTestSession()
	s.AssembleFile("t.fc", "%if 1\nsection code Read Execute\n")
	s.Link()
	if !s.Diag.HasErrors() {
		t.Fatalf("expected an unmatched %%if to be reported")
	}
}
