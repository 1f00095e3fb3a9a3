package isa

import "testing"

func TestDefaultCatalogConsistency(t *testing.T) {
	insts, formats := Default()

	if insts.Len() == 0 {
		t.Fatal("expected instructions to be registered")
	}
	if len(formats.All()) == 0 {
		t.Fatal("expected formats to be registered")
	}

	for _, def := range insts.All() {
		allowed := AllowedFormats(def, formats)
		if len(allowed) == 0 {
			t.Fatalf("instruction %q has no allowed formats for its bitmap/category", def.Name)
		}
		for _, f := range allowed {
			if f.Category != def.Category {
				t.Fatalf("instruction %q allows format %d of mismatched category", def.Name, f.ID)
			}
		}
	}
}

func TestDecodeTrieTotal(t *testing.T) {
	_, formats := Default()
	// A header whose (il, mode) never got registered must be reported
	// "not found", never panic (spec.md §8 disassembler totality).
	res := formats.Lookup(0xFFFFFFFF)
	if res.Found {
		t.Fatalf("expected an all-ones header to miss the trie, got %+v", res.Format)
	}
}

func TestAddResolvesToAllRegFormats(t *testing.T) {
	insts, formats := Default()
	add, ok := insts.ByName("add")
	if !ok {
		t.Fatal("add instruction missing")
	}
	allowed := AllowedFormats(add, formats)
	found := map[int]bool{}
	for _, f := range allowed {
		found[f.ID] = true
	}
	for _, want := range []int{FmtAllReg, FmtImm8, FmtImm16, FmtImm32} {
		if !found[want] {
			t.Fatalf("add should allow format %d", want)
		}
	}
}
