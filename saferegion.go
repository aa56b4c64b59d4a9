// This package reads NTFS metadata out of a partial disk image produced by a
// block-level imaging tool. The imaging tool's map file describes which byte
// regions of the image were read successfully; everything else is untrusted.

package ntfsrescue

// SafeRegion is one byte interval of the image that the imaging tool reported
// as read correctly.
type SafeRegion struct {
	Start  uint64
	Length uint64
}

// SafeRegionIndex answers whether a byte range of the image is covered by a
// known-good region.
type SafeRegionIndex struct {
	regions []SafeRegion
}

// NewSafeRegionIndex returns a new, empty SafeRegionIndex.
func NewSafeRegionIndex() *SafeRegionIndex {
	return &SafeRegionIndex{
		regions: make([]SafeRegion, 0),
	}
}

// Add records one safe region. Regions are not coalesced; a range that
// straddles two separately recorded regions is reported unsafe.
func (sri *SafeRegionIndex) Add(start, length uint64) {
	sri.regions = append(sri.regions, SafeRegion{
		Start:  start,
		Length: length,
	})
}

// Count returns the number of recorded regions.
func (sri *SafeRegionIndex) Count() int {
	return len(sri.regions)
}

// IsByteRangeSafe returns true if a single recorded region wholly contains
// [offset, offset+length).
func (sri *SafeRegionIndex) IsByteRangeSafe(offset, length uint64) bool {
	for _, region := range sri.regions {
		if region.Start <= offset && region.Start+region.Length >= offset+length {
			return true
		}
	}

	return false
}
