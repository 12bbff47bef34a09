package pathutil

import "testing"

func TestSplitRoot(t *testing.T) {
	segs, err := Split("/", 255)
	if err != nil {
		t.Fatalf("Split(/): %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected no segments for root, got %v", segs)
	}
}

func TestSplitNested(t *testing.T) {
	segs, err := Split("/a/b/c", 255)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(segs) != len(want) {
		t.Fatalf("expected %v, got %v", want, segs)
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("segment %d: expected %q, got %q", i, want[i], segs[i])
		}
	}
}

func TestSplitRejectsDotDot(t *testing.T) {
	if _, err := Split("/a/../b", 255); err == nil {
		t.Fatalf("expected '..' to be rejected")
	}
}

func TestSplitRejectsOverlongSegment(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := Split("/"+string(long), 255); err == nil {
		t.Fatalf("expected over-long segment to be rejected")
	}
}

func TestValidNameRejectsSeparators(t *testing.T) {
	if err := ValidName("a/b", 255); err == nil {
		t.Fatalf("expected name with '/' to be rejected")
	}
}
