package risk

import "testing"

func TestComputeSlTpForBuy(t *testing.T) {
	sl, tp := ComputeSlTp(100, 2, 5, true)
	if sl != 98 {
		t.Fatalf("expected sl=98, got %v", sl)
	}
	if tp != 105 {
		t.Fatalf("expected tp=105, got %v", tp)
	}
}

func TestComputeSlTpForSell(t *testing.T) {
	sl, tp := ComputeSlTp(100, 2, 5, false)
	if sl != 102 {
		t.Fatalf("expected sl=102, got %v", sl)
	}
	if tp != 95 {
		t.Fatalf("expected tp=95, got %v", tp)
	}
}
