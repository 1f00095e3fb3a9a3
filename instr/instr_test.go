package instr

import (
	"strings"
	"testing"
)

func TestLoadCSV(t *testing.T) {
	csv := "1,single,0x1,A,0,0,0,0x1,0x1,0x1,0,,nop\n" +
		"2,multi,0xE,A,2,1,0,0x1FF,0x1FF,0x1FF,1,,add\n"
	tbl := NewTable()
	if err := tbl.Load(strings.NewReader(csv)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 instructions, got %d", tbl.Len())
	}
	add, ok := tbl.ByName("ADD")
	if !ok {
		t.Fatalf("expected to find 'add' case-insensitively")
	}
	if add.Category != CategoryMulti {
		t.Fatalf("expected multi category, got %v", add.Category)
	}
	if add.FormatBitmap != 0xE {
		t.Fatalf("expected format bitmap 0xE, got %#x", add.FormatBitmap)
	}
}

func TestLoadRejectsBadCategory(t *testing.T) {
	tbl := NewTable()
	err := tbl.Load(strings.NewReader("1,bogus,0x1,A,0,0,0,0,0,0,0,,x\n"))
	if err == nil {
		t.Fatalf("expected an error for an unknown category")
	}
}

func TestByIDAndByName(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Definition{ID: 7, Name: "Jump"})
	if _, ok := tbl.ByID(7); !ok {
		t.Fatal("expected id 7 to resolve")
	}
	if _, ok := tbl.ByName("jump"); !ok {
		t.Fatal("expected case-insensitive name lookup to succeed")
	}
}
