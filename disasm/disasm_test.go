package disasm

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/forwardcom/fctools/asm"
	"github.com/forwardcom/fctools/isa"
	"github.com/forwardcom/fctools/object"
	"github.com/forwardcom/fctools/symtab"
)

func assembleSample(t *testing.T, src string) *object.Container {
	t.Helper()
	instrs, fmts := isa.Default()
	s := asm.NewSession(instrs, fmts)
	s.AssembleFile("t.fc", src)
	s.Link()
	if s.Diag.HasErrors() {
		var buf bytes.Buffer
		s.Diag.Print(&buf)
		t.Fatalf("assembly failed:\n%s", buf.String())
	}
	var out bytes.Buffer
	if err := s.Emit(&out); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	syms := symtab.New(s.Strs)
	obj, err := object.Read(&out, syms)
	if err != nil {
		t.Fatalf("object.Read failed: %v", err)
	}
	return obj
}

func TestSectionDecodesKnownMnemonics(t *testing.T) {
	obj := assembleSample(t, ""+
		"section code Read Execute\n"+
		"public main\n"+
		"function main\n"+
		"add r0, r0, 1\n"+
		"return\n"+
		"end\n")

	instrs, fmts := isa.Default()
	d := New(instrs, fmts)
	lines, err := d.Section(obj, 0)
	if err != nil {
		t.Fatalf("Section failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 decoded lines, got %d: %+v", len(lines), lines)
	}
	if lines[0].Label != "main" {
		t.Fatalf("expected the first line to carry the function label, got %q", lines[0].Label)
	}
	if lines[0].Mnemonic != "add" {
		t.Fatalf("expected 'add', got %q", lines[0].Mnemonic)
	}
	if lines[1].Mnemonic != "return" {
		t.Fatalf("expected 'return', got %q", lines[1].Mnemonic)
	}
}

func TestSectionDecodesRegisterAndImmediateOperands(t *testing.T) {
	obj := assembleSample(t, ""+
		"section code Read Execute\n"+
		"function main\n"+
		"add r0, r0, 1\n"+
		"return\n"+
		"end\n")

	instrs, fmts := isa.Default()
	d := New(instrs, fmts)
	lines, err := d.Section(obj, 0)
	if err != nil {
		t.Fatalf("Section failed: %v", err)
	}
	if len(lines) == 0 || lines[0].Mnemonic != "add" {
		t.Fatalf("expected the first line to decode as 'add', got %+v", lines)
	}
	if lines[0].Operand != "r0, r0, 1" {
		t.Fatalf("expected the packed register/immediate operands to round-trip, got %q", lines[0].Operand)
	}
}

func TestSectionPrintsLabelBeforeItsInstruction(t *testing.T) {
	obj := assembleSample(t, ""+
		"section code Read Execute\n"+
		"function main\n"+
		"jump target\n"+
		"public target\n"+
		"target:\n"+
		"return\n"+
		"end\n")

	instrs, fmts := isa.Default()
	d := New(instrs, fmts)
	lines, err := d.Section(obj, 0)
	if err != nil {
		t.Fatalf("Section failed: %v", err)
	}
	txt := Text(lines)
	if !strings.Contains(txt, "jump") {
		t.Fatalf("expected a jump mnemonic in the listing:\n%s", txt)
	}
	if !strings.Contains(txt, "target:") {
		t.Fatalf("expected the target label to be printed:\n%s", txt)
	}
}

func TestSectionRendersRelocationSymbolically(t *testing.T) {
	obj := assembleSample(t, ""+
		"section code Read Execute\n"+
		"extern helper\n"+
		"function main\n"+
		"call helper\n"+
		"return\n"+
		"end\n")

	instrs, fmts := isa.Default()
	d := New(instrs, fmts)
	lines, err := d.Section(obj, 0)
	if err != nil {
		t.Fatalf("Section failed: %v", err)
	}
	var call *Line
	for i := range lines {
		if lines[i].Mnemonic == "call" {
			call = &lines[i]
		}
	}
	if call == nil {
		t.Fatalf("expected a decoded 'call' line, got %+v", lines)
	}
	if call.Operand != "helper" {
		t.Fatalf("expected the call's relocation to render as 'helper', got %q", call.Operand)
	}
}

// TestRoundTripAssembleDisassembleReassemble covers the round-trip
// property: text produced by decoding an assembled program's
// mnemonics and operands, wrapped back in the section/function frame
// it came from, assembles to the identical bytes.
func TestRoundTripAssembleDisassembleReassemble(t *testing.T) {
	src := "section code Read Execute\n" +
		"function main\n" +
		"add r0, r0, 1\n" +
		"add r1, r0, 2\n" +
		"return\n" +
		"end\n"

	instrs, fmts := isa.Default()
	s1 := asm.NewSession(instrs, fmts)
	s1.AssembleFile("t.fc", src)
	s1.Link()
	if s1.Diag.HasErrors() {
		var buf bytes.Buffer
		s1.Diag.Print(&buf)
		t.Fatalf("first assembly failed:\n%s", buf.String())
	}
	var out1 bytes.Buffer
	if err := s1.Emit(&out1); err != nil {
		t.Fatalf("first Emit failed: %v", err)
	}
	obj1, err := object.Read(bytes.NewReader(out1.Bytes()), symtab.New(s1.Strs))
	if err != nil {
		t.Fatalf("first object.Read failed: %v", err)
	}

	d := New(instrs, fmts)
	lines, err := d.Section(obj1, 0)
	if err != nil {
		t.Fatalf("Section failed: %v", err)
	}

	var rebuilt strings.Builder
	rebuilt.WriteString("section code Read Execute\nfunction main\n")
	for _, l := range lines {
		if l.Operand == "" {
			fmt.Fprintf(&rebuilt, "%s\n", l.Mnemonic)
		} else {
			fmt.Fprintf(&rebuilt, "%s %s\n", l.Mnemonic, l.Operand)
		}
	}
	rebuilt.WriteString("end\n")

	s2 := asm.NewSession(instrs, fmts)
	s2.AssembleFile("t2.fc", rebuilt.String())
	s2.Link()
	if s2.Diag.HasErrors() {
		var buf bytes.Buffer
		s2.Diag.Print(&buf)
		t.Fatalf("reassembly of the decoded text failed:\n%s\nsource was:\n%s", buf.String(), rebuilt.String())
	}
	var out2 bytes.Buffer
	if err := s2.Emit(&out2); err != nil {
		t.Fatalf("second Emit failed: %v", err)
	}
	obj2, err := object.Read(bytes.NewReader(out2.Bytes()), symtab.New(s2.Strs))
	if err != nil {
		t.Fatalf("second object.Read failed: %v", err)
	}

	if !bytes.Equal(obj1.Sections[0].Data, obj2.Sections[0].Data) {
		t.Fatalf("round trip mismatch:\n first:  % x\n second: % x\nreassembled source:\n%s",
			obj1.Sections[0].Data, obj2.Sections[0].Data, rebuilt.String())
	}
}

func TestSectionRejectsNonExecutable(t *testing.T) {
	obj := assembleSample(t, ""+
		"section data Read Write\n"+
		"int32 counter = 1\n"+
		"end\n")
	instrs, fmts := isa.Default()
	d := New(instrs, fmts)
	if _, err := d.Section(obj, 0); err == nil {
		t.Fatalf("expected an error disassembling a non-executable section")
	}
}
