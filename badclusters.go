package ntfsrescue

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dsoprea/go-logging"
)

// BadClusterTracker accumulates the clusters that could not be read, both
// globally and per owning MFT record. Insertions are idempotent.
type BadClusterTracker struct {
	global map[uint64]struct{}
	perMft map[uint64]map[uint64]struct{}
}

// NewBadClusterTracker returns a new, empty BadClusterTracker.
func NewBadClusterTracker() *BadClusterTracker {
	return &BadClusterTracker{
		global: make(map[uint64]struct{}),
		perMft: make(map[uint64]map[uint64]struct{}),
	}
}

// Add records a missing cluster against the MFT record that needed it.
func (bct *BadClusterTracker) Add(mftIndex, cluster uint64) {
	bct.global[cluster] = struct{}{}

	clusters, found := bct.perMft[mftIndex]
	if found == false {
		clusters = make(map[uint64]struct{})
		bct.perMft[mftIndex] = clusters
	}

	clusters[cluster] = struct{}{}
}

// Len returns the number of distinct bad clusters.
func (bct *BadClusterTracker) Len() int {
	return len(bct.global)
}

// GlobalClusters returns every bad cluster, ascending.
func (bct *BadClusterTracker) GlobalClusters() []uint64 {
	return sortedClusterKeys(bct.global)
}

// MftIndexes returns every MFT index with at least one bad cluster,
// ascending.
func (bct *BadClusterTracker) MftIndexes() []uint64 {
	indexes := make([]uint64, 0, len(bct.perMft))
	for mftIndex := range bct.perMft {
		indexes = append(indexes, mftIndex)
	}

	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	return indexes
}

// ClustersForMft returns the bad clusters recorded against one MFT index,
// ascending.
func (bct *BadClusterTracker) ClustersForMft(mftIndex uint64) []uint64 {
	return sortedClusterKeys(bct.perMft[mftIndex])
}

func sortedClusterKeys(clusters map[uint64]struct{}) []uint64 {
	sorted := make([]uint64, 0, len(clusters))
	for cluster := range clusters {
		sorted = append(sorted, cluster)
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return sorted
}

// WriteByteRegions emits the bad clusters as run-length-encoded byte ranges,
// one "pos len" pair of hex numbers per line. These lines can be fed back to
// the imaging tool as a rescue domain. An empty tracker emits nothing.
func (bct *BadClusterTracker) WriteByteRegions(w io.Writer, partitionOffset, clusterSize uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	emit := func(start, end uint64) {
		bytePosition := partitionOffset + start*clusterSize
		byteLength := (end - start + 1) * clusterSize

		_, err := fmt.Fprintf(w, "%X %X\n", bytePosition, byteLength)
		log.PanicIf(err)
	}

	haveRegion := false

	var start uint64
	var end uint64

	for _, cluster := range bct.GlobalClusters() {
		if haveRegion == false {
			start = cluster
			end = cluster
			haveRegion = true

			continue
		}

		if cluster > end+1 {
			emit(start, end)

			start = cluster
		}

		end = cluster
	}

	if haveRegion == true {
		emit(start, end)
	}

	return nil
}

// Dump prints the global bad-cluster list, the per-record lists, and the
// run-length byte regions.
func (bct *BadClusterTracker) Dump(partitionOffset, clusterSize uint64) {
	fmt.Printf("Global bad clusters:\n")

	for _, cluster := range bct.GlobalClusters() {
		fmt.Printf("%d\n", cluster)
	}

	fmt.Printf("\nBad clusters by file/dir:\n")

	for _, mftIndex := range bct.MftIndexes() {
		fmt.Printf("%10d | ", mftIndex)

		for _, cluster := range bct.ClustersForMft(mftIndex) {
			fmt.Printf("%d ", cluster)
		}

		fmt.Printf("\n")
	}

	fmt.Printf("\n")

	err := bct.WriteByteRegions(os.Stdout, partitionOffset, clusterSize)
	log.PanicIf(err)
}
