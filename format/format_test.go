package format

import (
	"testing"

	"github.com/forwardcom/fctools/instr"
)

func TestLookupFindsRegisteredFormat(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Format{ID: 1, Template: TemplateA, Category: instr.CategorySingle, SizeWords: 1, IL: 1, Mode: 0})

	word := uint32(1) | uint32(0)<<2 // il=1, mode=0
	res := tbl.Lookup(word)
	if !res.Found || res.Format.ID != 1 {
		t.Fatalf("expected format 1, got %+v", res)
	}
}

func TestLookupMissIsNotFoundNotPanic(t *testing.T) {
	tbl := NewTable()
	res := tbl.Lookup(0)
	if res.Found {
		t.Fatalf("expected no match against an empty table")
	}
}

func TestSlotsHasSubset(t *testing.T) {
	s := SlotRD | SlotRS
	if !s.Has(SlotRD) {
		t.Fatal("expected SlotRD to be present")
	}
	if s.Has(SlotImmediate) {
		t.Fatal("did not expect SlotImmediate to be present")
	}
}

func TestOp1DisambiguatesSharedTrieLeaf(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Format{ID: 1, Category: instr.CategoryMulti, IL: 1, Mode: 1, Op1Mask: 0xF0, Op1Value: 0x00})
	tbl.Add(Format{ID: 2, Category: instr.CategoryMulti, IL: 1, Mode: 1, Op1Mask: 0xF0, Op1Value: 0x10})

	word1 := uint32(1) | uint32(1)<<2 | uint32(0x05)<<8
	if res := tbl.Lookup(word1); !res.Found || res.Format.ID != 1 {
		t.Fatalf("expected format 1, got %+v", res)
	}

	word2 := uint32(1) | uint32(1)<<2 | uint32(0x15)<<8
	if res := tbl.Lookup(word2); !res.Found || res.Format.ID != 2 {
		t.Fatalf("expected format 2, got %+v", res)
	}
}
