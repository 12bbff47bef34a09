package bitmap

import "testing"

func TestPlaneClearSetRoundTrip(t *testing.T) {
	p := NewPlane(64, true)
	if p.FreeCount() != 64 {
		t.Fatalf("expected 64 free bits, got %d", p.FreeCount())
	}
	if err := p.Clear(10, 5); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if p.FreeCount() != 59 {
		t.Fatalf("expected 59 free bits after clearing 5, got %d", p.FreeCount())
	}
	for i := 10; i < 15; i++ {
		if p.Test(i) {
			t.Fatalf("bit %d should be clear", i)
		}
	}
	if err := p.Set(10, 5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if p.FreeCount() != 64 {
		t.Fatalf("expected 64 free bits after re-setting, got %d", p.FreeCount())
	}
}

func TestPlaneFindRunContiguousOnly(t *testing.T) {
	p := NewPlane(16, true)
	_ = p.Clear(4, 1) // break up a 16-bit run into 4 and 11
	begin, ok := p.FindRun(0, 8)
	if !ok {
		t.Fatalf("expected to find a run of 8 somewhere")
	}
	if begin < 5 {
		t.Fatalf("run of 8 must start after the broken bit at 4, got %d", begin)
	}
}

func TestPlaneFindRunNoneFits(t *testing.T) {
	p := NewPlane(8, true)
	_ = p.Clear(0, 8)
	if _, ok := p.FindRun(0, 1); ok {
		t.Fatalf("expected no free bits to be found")
	}
}

func TestXNORMergesFreeAndErasePlanes(t *testing.T) {
	free := NewPlane(8, true)
	_ = free.Clear(0, 4) // sectors 0-3 in use
	erase := NewPlane(8, true)
	_ = erase.Clear(4, 4) // sectors 4-7 reclaimable (a cleared erase-plane bit means reclaimable)

	merged := free.XNOR(erase)
	// XNOR: both bits equal -> 1. free[0..3]=0, erase[0..3]=1 -> differ -> 0.
	// free[4..7]=1, erase[4..7]=0 -> differ -> 0. So nothing should merge free
	// here; flip erase to demonstrate equal bits merging instead.
	erase2 := NewPlane(8, true)
	_ = erase2.Clear(0, 4)
	merged = free.XNOR(erase2)
	for i := 0; i < 4; i++ {
		if !merged.Test(i) {
			t.Fatalf("bit %d: both planes clear should XNOR to set (reclaimed)", i)
		}
	}
	for i := 4; i < 8; i++ {
		if !merged.Test(i) {
			t.Fatalf("bit %d: both planes set should XNOR to set (still free)", i)
		}
	}
}

func TestWindowIsAllFreeOnClaim(t *testing.T) {
	w := NewWindow(3, 32)
	if w.RegionIndex != 3 {
		t.Fatalf("unexpected region index %d", w.RegionIndex)
	}
	if w.Free.FreeCount() != 32 || w.Erase.FreeCount() != 32 {
		t.Fatalf("a freshly claimed region must be all-free on both planes")
	}
}
