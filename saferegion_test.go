package ntfsrescue

import (
	"testing"
)

func TestSafeRegionIndex_IsByteRangeSafe(t *testing.T) {
	sri := NewSafeRegionIndex()

	sri.Add(0x1000, 0x1000)
	sri.Add(0x2000, 0x1000)

	if sri.IsByteRangeSafe(0x1000, 0x1000) != true {
		t.Fatalf("Exact region not safe.")
	}

	if sri.IsByteRangeSafe(0x1800, 0x100) != true {
		t.Fatalf("Contained range not safe.")
	}

	if sri.IsByteRangeSafe(0x0f00, 0x100) == true {
		t.Fatalf("Range before region reported safe.")
	}

	if sri.IsByteRangeSafe(0x2f00, 0x200) == true {
		t.Fatalf("Range past region reported safe.")
	}
}

func TestSafeRegionIndex_NoStitching(t *testing.T) {
	sri := NewSafeRegionIndex()

	sri.Add(0x1000, 0x1000)
	sri.Add(0x2000, 0x1000)

	// The two regions are logically adjacent, but a range straddling them
	// is still unsafe: containment requires a single region.

	if sri.IsByteRangeSafe(0x1800, 0x1000) == true {
		t.Fatalf("Straddling range reported safe.")
	}
}

func TestSafeRegionIndex_Empty(t *testing.T) {
	sri := NewSafeRegionIndex()

	if sri.IsByteRangeSafe(0, 1) == true {
		t.Fatalf("Empty index reported a safe range.")
	}

	if sri.Count() != 0 {
		t.Fatalf("Empty index has regions.")
	}
}
