package ntfsrescue

import (
	"errors"
	"fmt"
)

var (
	// ErrRunFieldTooLarge indicates a data-run record whose count or delta
	// field is wider than eight bytes.
	ErrRunFieldTooLarge = errors.New("data-run field too large")

	// ErrRunTruncated indicates a data-run stream that ends before its zero
	// terminator.
	ErrRunTruncated = errors.New("data-run stream truncated")
)

// DataRunExtent is one extent of a data run: a contiguous range of clusters,
// or a sparse hole of the given length.
type DataRunExtent struct {
	Cluster uint64
	Count   uint32
	Sparse  bool
}

// String returns a descriptive string.
func (dre DataRunExtent) String() string {
	return fmt.Sprintf("DataRunExtent<CLUSTER=(%d) COUNT=(%d) SPARSE=[%v]>", dre.Cluster, dre.Count, dre.Sparse)
}

// DataRun is the decoded form of a nonresident stream's cluster map, plus the
// logical byte length of the stream (used to truncate the final extent when
// reading).
type DataRun struct {
	Extents  []DataRunExtent
	ByteSize uint64
}

// ClusterCount returns the total number of clusters spanned by the run,
// including sparse extents.
func (dr *DataRun) ClusterCount() uint64 {
	total := uint64(0)
	for _, extent := range dr.Extents {
		total += uint64(extent.Count)
	}

	return total
}

// String returns a descriptive string.
func (dr *DataRun) String() string {
	return fmt.Sprintf("DataRun<EXTENTS=(%d) BYTE-SIZE=(%d)>", len(dr.Extents), dr.ByteSize)
}

// DecodeDataRun decodes the run stream starting at `offset` in `buf`. Each
// record carries a header byte whose low nibble is the width of the
// cluster-count field and whose high nibble is the width of the signed
// cluster-delta field. Cluster numbers are reconstructed by accumulating the
// deltas; a zero-width delta denotes a sparse extent and does not move the
// accumulator. A zero header byte terminates the stream.
func DecodeDataRun(buf []byte, offset int, byteSize uint64) (dr *DataRun, err error) {
	dr = &DataRun{
		Extents:  make([]DataRunExtent, 0),
		ByteSize: byteSize,
	}

	cluster := uint64(0)
	pos := offset

	for {
		if pos >= len(buf) {
			return nil, ErrRunTruncated
		}

		header := buf[pos]

		if header == 0 {
			break
		}

		countLength := int(header & 0x0f)
		offsetLength := int(header >> 4)

		if countLength > 8 || offsetLength > 8 {
			return nil, ErrRunFieldTooLarge
		}

		if pos+1+countLength+offsetLength > len(buf) {
			return nil, ErrRunTruncated
		}

		count := uint64(0)
		for i := 0; i < countLength; i++ {
			count |= uint64(buf[pos+1+i]) << (8 * uint(i))
		}

		if offsetLength == 0 {
			// No delta field: a sparse extent. The accumulator is not
			// advanced.

			dr.Extents = append(dr.Extents, DataRunExtent{
				Cluster: 0,
				Count:   uint32(count),
				Sparse:  true,
			})

			pos += 1 + countLength

			continue
		}

		deltaRaw := uint64(0)
		for i := 0; i < offsetLength; i++ {
			deltaRaw |= uint64(buf[pos+1+countLength+i]) << (8 * uint(i))
		}

		// Sign-extend from the delta field's most-significant bit.

		if buf[pos+1+countLength+offsetLength-1]&0x80 != 0 {
			for i := offsetLength; i < 8; i++ {
				deltaRaw |= uint64(0xff) << (8 * uint(i))
			}
		}

		cluster += deltaRaw

		dr.Extents = append(dr.Extents, DataRunExtent{
			Cluster: cluster,
			Count:   uint32(count),
		})

		pos += 1 + countLength + offsetLength
	}

	return dr, nil
}
