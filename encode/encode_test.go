package encode

import (
	"testing"

	"github.com/forwardcom/fctools/expr"
	"github.com/forwardcom/fctools/format"
	"github.com/forwardcom/fctools/instr"
)

func TestFitConstantSmallValue(t *testing.T) {
	f := FitConstant(5, false)
	if f&FitU4 == 0 || f&FitI8 == 0 || f&FitI16 == 0 || f&FitI32 == 0 {
		t.Fatalf("expected 5 to fit U4/I8/I16/I32, got %#x", f)
	}
	if f&FitLarge != 0 {
		t.Fatalf("did not expect FitLarge for a small value")
	}
}

func TestFitConstantNegativeOnlyFitsSigned(t *testing.T) {
	f := FitConstant(-100, false)
	if f&FitI8 == 0 {
		t.Fatalf("expected -100 to fit signed 8-bit")
	}
	if f&FitU4 != 0 || f&FitU8 != 0 {
		t.Fatalf("did not expect a negative value to fit an unsigned width")
	}
}

func TestFitConstantUnresolvedForcesReloc(t *testing.T) {
	f := FitConstant(0, true)
	if f != FitReloc {
		t.Fatalf("expected exactly FitReloc, got %#x", f)
	}
}

func TestFitConstantLargeValue(t *testing.T) {
	f := FitConstant(1<<40, false)
	if f&FitI32 != 0 || f&FitU32 != 0 {
		t.Fatalf("did not expect a 2^40 value to fit 32 bits")
	}
	if f&FitLarge == 0 {
		t.Fatalf("expected FitLarge to be set")
	}
}

func TestSelectFormatPrefersSmallest(t *testing.T) {
	def := instr.Definition{ID: 1, Name: "add", Category: instr.CategoryMulti, TypesGP: instr.OTInt32}
	small := format.Format{ID: 1, Category: instr.CategoryMulti, SizeWords: 1, ImmBits: 8, Slots: format.SlotImmediate | format.SlotRD}
	large := format.Format{ID: 2, Category: instr.CategoryMulti, SizeWords: 2, ImmBits: 32, Slots: format.SlotImmediate | format.SlotRD}

	c := &Code{DType: instr.OTInt32}
	c.Expression = expr.Zero()
	c.Flags = expr.FlagInt
	c.IntVal = 5
	c.FitNum = FitConstant(5, false)

	got, ok := SelectFormat(def, []format.Format{large, small}, c)
	if !ok {
		t.Fatalf("expected a fitting format")
	}
	if got.ID != small.ID {
		t.Fatalf("expected the smaller format to win, got id %d", got.ID)
	}
}

func TestSelectFormatRejectsOversizedImmediate(t *testing.T) {
	def := instr.Definition{ID: 1, Name: "add", Category: instr.CategoryMulti, TypesGP: instr.OTInt32}
	small := format.Format{ID: 1, Category: instr.CategoryMulti, SizeWords: 1, ImmBits: 8, Slots: format.SlotImmediate | format.SlotRD}

	c := &Code{DType: instr.OTInt32}
	c.Expression = expr.Zero()
	c.Flags = expr.FlagInt
	c.IntVal = 100000
	c.FitNum = FitConstant(100000, false)

	_, ok := SelectFormat(def, []format.Format{small}, c)
	if ok {
		t.Fatalf("expected no format to fit a too-large immediate")
	}
}
