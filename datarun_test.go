package ntfsrescue

import (
	"reflect"
	"testing"
)

func TestDecodeDataRun_SignedDelta(t *testing.T) {
	// Two extents; the second's delta is negative (0xfc00 sign-extends to
	// -0x0400), bringing the running cluster back to zero.

	raw := []byte{0x21, 0x10, 0x00, 0x04, 0x21, 0x08, 0x00, 0xfc, 0x00}

	dr, err := DecodeDataRun(raw, 0, 0)
	if err != nil {
		t.Fatalf("Decode failed: %s", err.Error())
	}

	expected := []DataRunExtent{
		{Cluster: 0x400, Count: 0x10},
		{Cluster: 0x000, Count: 0x08},
	}

	if reflect.DeepEqual(dr.Extents, expected) != true {
		t.Fatalf("Extents not correct: %v", dr.Extents)
	}
}

func TestDecodeDataRun_Sparse(t *testing.T) {
	// A zero-width delta denotes a sparse extent and must not move the
	// running cluster.

	raw := []byte{0x11, 0x10, 0x20, 0x01, 0x05, 0x11, 0x08, 0x10, 0x00}

	dr, err := DecodeDataRun(raw, 0, 0)
	if err != nil {
		t.Fatalf("Decode failed: %s", err.Error())
	}

	expected := []DataRunExtent{
		{Cluster: 0x20, Count: 0x10},
		{Cluster: 0, Count: 0x05, Sparse: true},
		{Cluster: 0x30, Count: 0x08},
	}

	if reflect.DeepEqual(dr.Extents, expected) != true {
		t.Fatalf("Extents not correct: %v", dr.Extents)
	}

	if dr.ClusterCount() != 0x10+0x05+0x08 {
		t.Fatalf("Cluster-count not correct: (%d)", dr.ClusterCount())
	}
}

func TestDecodeDataRun_FieldTooLarge(t *testing.T) {
	if _, err := DecodeDataRun([]byte{0x19, 0x00}, 0, 0); err != ErrRunFieldTooLarge {
		t.Fatalf("Oversized count field not rejected: %v", err)
	}

	if _, err := DecodeDataRun([]byte{0x91, 0x00}, 0, 0); err != ErrRunFieldTooLarge {
		t.Fatalf("Oversized delta field not rejected: %v", err)
	}
}

func TestDecodeDataRun_Truncated(t *testing.T) {
	if _, err := DecodeDataRun([]byte{0x21, 0x08}, 0, 0); err != ErrRunTruncated {
		t.Fatalf("Truncated stream not rejected: %v", err)
	}

	if _, err := DecodeDataRun([]byte{0x11, 0x08, 0x10}, 0, 0); err != ErrRunTruncated {
		t.Fatalf("Unterminated stream not rejected: %v", err)
	}
}

func TestDecodeDataRun_ByteSize(t *testing.T) {
	raw := []byte{0x11, 0x02, 0x14, 0x00}

	dr, err := DecodeDataRun(raw, 0, 1234)
	if err != nil {
		t.Fatalf("Decode failed: %s", err.Error())
	}

	if dr.ByteSize != 1234 {
		t.Fatalf("Byte-size not carried: (%d)", dr.ByteSize)
	}
}

// encodeTestDataRun re-encodes extents with minimal field widths, for the
// round-trip check.
func encodeTestDataRun(extents []DataRunExtent) []byte {
	minimalUnsigned := func(value uint64) int {
		width := 1
		for value > 0xff {
			value >>= 8
			width++
		}

		return width
	}

	minimalSigned := func(value int64) int {
		for width := 1; width < 8; width++ {
			shifted := value >> (uint(width)*8 - 1)
			if shifted == 0 || shifted == -1 {
				return width
			}
		}

		return 8
	}

	encoded := make([]byte, 0)
	previous := uint64(0)

	for _, extent := range extents {
		countWidth := minimalUnsigned(uint64(extent.Count))

		if extent.Sparse == true {
			encoded = append(encoded, byte(countWidth))

			for i := 0; i < countWidth; i++ {
				encoded = append(encoded, byte(uint64(extent.Count)>>(8*uint(i))))
			}

			continue
		}

		delta := int64(extent.Cluster) - int64(previous)
		deltaWidth := minimalSigned(delta)

		encoded = append(encoded, byte(deltaWidth<<4|countWidth))

		for i := 0; i < countWidth; i++ {
			encoded = append(encoded, byte(uint64(extent.Count)>>(8*uint(i))))
		}

		for i := 0; i < deltaWidth; i++ {
			encoded = append(encoded, byte(uint64(delta)>>(8*uint(i))))
		}

		previous = extent.Cluster
	}

	encoded = append(encoded, 0x00)

	return encoded
}

func TestDecodeDataRun_RoundTrip(t *testing.T) {
	original := []DataRunExtent{
		{Cluster: 0x1000, Count: 0x40},
		{Cluster: 0x800, Count: 0x10},
		{Cluster: 0, Count: 0x08, Sparse: true},
		{Cluster: 0x123456, Count: 0x300},
	}

	dr, err := DecodeDataRun(encodeTestDataRun(original), 0, 0)
	if err != nil {
		t.Fatalf("Decode failed: %s", err.Error())
	}

	if reflect.DeepEqual(dr.Extents, original) != true {
		t.Fatalf("Round-trip not faithful: %v", dr.Extents)
	}
}
