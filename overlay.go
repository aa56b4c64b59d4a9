// The overlay is a cluster-addressed sidecar store holding clusters that were
// recovered directly from the source device after the original imaging run.
// It supplements the partial image without ever mutating it.

package ntfsrescue

import (
	"errors"
	"io"
	"os"
	"sort"

	"github.com/dsoprea/go-logging"
)

const (
	overlayIndexRecordSize = 16

	overlayPayloadExtension     = ".dat"
	overlayIndexExtension       = ".idx"
	overlayIndexBackupExtension = ".~dx"
)

var (
	// ErrOverlayNeedsManualRecovery indicates that a backup index file was
	// found at open time: a prior index rewrite did not finish cleanly, and
	// the user must decide which of the two indexes is authoritative.
	ErrOverlayNeedsManualRecovery = errors.New("overlay index backup found; manual recovery required")

	// ErrClusterNotInOverlay indicates a get for a cluster that was never
	// recovered.
	ErrClusterNotInOverlay = errors.New("cluster not present in overlay")

	// ErrDeviceIo indicates a failed read from the source device.
	ErrDeviceIo = errors.New("device IO failed")
)

var (
	overlayLogger = log.NewLogger("ntfsrescue.overlay")
)

// DeviceReader pulls raw bytes directly from the source device during
// recovery. Implementations wrap whatever transport reaches the device.
type DeviceReader interface {
	ReadDeviceBytes(offset uint64, length int) (data []byte, err error)
}

// FileDeviceReader is a DeviceReader over an ordinary file or block-device
// node.
type FileDeviceReader struct {
	f *os.File
}

// OpenFileDeviceReader opens the given device path for reading.
func OpenFileDeviceReader(devicePath string) (fdr *FileDeviceReader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	f, err := os.Open(devicePath)
	log.PanicIf(err)

	return &FileDeviceReader{
		f: f,
	}, nil
}

// ReadDeviceBytes reads one range from the device.
func (fdr *FileDeviceReader) ReadDeviceBytes(offset uint64, length int) (data []byte, err error) {
	data = make([]byte, length)

	_, err = fdr.f.ReadAt(data, int64(offset))
	if err != nil {
		overlayLogger.Errorf(nil, err, "Device read of (%d) bytes at (%d) failed.", length, offset)
		return nil, ErrDeviceIo
	}

	return data, nil
}

// Close releases the device handle.
func (fdr *FileDeviceReader) Close() error {
	return fdr.f.Close()
}

// Overlay is the cluster-addressed sidecar store: a payload file of
// cluster-sized blocks and an index file of (cluster, payload offset)
// records, mirrored in memory.
type Overlay struct {
	payloadFilepath     string
	indexFilepath       string
	indexBackupFilepath string

	payloadFile *os.File

	clusterSize     uint64
	partitionOffset uint64

	index map[uint64]uint64
}

// OpenOverlay opens (creating if necessary) the overlay rooted at the given
// base path. The payload lives at <base>.dat and the index at <base>.idx. If
// a backup index <base>.~dx is present, a prior rewrite crashed and the open
// fails with ErrOverlayNeedsManualRecovery.
func OpenOverlay(baseFilepath string, clusterSize, partitionOffset uint64) (overlay *Overlay, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	overlay = &Overlay{
		payloadFilepath:     baseFilepath + overlayPayloadExtension,
		indexFilepath:       baseFilepath + overlayIndexExtension,
		indexBackupFilepath: baseFilepath + overlayIndexBackupExtension,

		clusterSize:     clusterSize,
		partitionOffset: partitionOffset,

		index: make(map[uint64]uint64),
	}

	if _, err := os.Stat(overlay.indexBackupFilepath); err == nil {
		overlayLogger.Errorf(nil, nil, "Overlay index backup [%s] found; rename to [%s] or remove to continue.", overlay.indexBackupFilepath, overlay.indexFilepath)
		return nil, ErrOverlayNeedsManualRecovery
	}

	overlay.payloadFile, err = os.OpenFile(overlay.payloadFilepath, os.O_RDWR|os.O_CREATE, 0644)
	log.PanicIf(err)

	indexFile, err := os.OpenFile(overlay.indexFilepath, os.O_RDONLY|os.O_CREATE, 0644)
	log.PanicIf(err)

	defer indexFile.Close()

	record := make([]byte, overlayIndexRecordSize)

	for {
		_, err := io.ReadFull(indexFile, record)
		if err == io.EOF {
			break
		}

		log.PanicIf(err)

		cluster := defaultEncoding.Uint64(record[:8])
		payloadOffset := defaultEncoding.Uint64(record[8:])

		overlay.index[cluster] = payloadOffset
	}

	fi, err := overlay.payloadFile.Stat()
	log.PanicIf(err)

	payloadSize := uint64(fi.Size())

	if payloadSize%clusterSize != 0 {
		log.Panicf("overlay payload size (%d) is not a multiple of the cluster-size (%d)", payloadSize, clusterSize)
	}

	for cluster, payloadOffset := range overlay.index {
		if payloadOffset%clusterSize != 0 || payloadOffset >= payloadSize {
			log.Panicf("overlay index entry for cluster (%d) has invalid offset (%d)", cluster, payloadOffset)
		}
	}

	return overlay, nil
}

// Close releases the payload handle. The in-memory index is not flushed;
// call Save first.
func (overlay *Overlay) Close() (err error) {
	if overlay.payloadFile != nil {
		err = overlay.payloadFile.Close()
		overlay.payloadFile = nil
	}

	return err
}

// Count returns the number of distinct clusters stored.
func (overlay *Overlay) Count() int {
	return len(overlay.index)
}

// Has returns whether the overlay holds the given cluster.
func (overlay *Overlay) Has(cluster uint64) bool {
	_, found := overlay.index[cluster]
	return found
}

// Get returns the stored payload for the given cluster, or
// ErrClusterNotInOverlay.
func (overlay *Overlay) Get(cluster uint64) (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	payloadOffset, found := overlay.index[cluster]
	if found == false {
		return nil, ErrClusterNotInOverlay
	}

	data = make([]byte, overlay.clusterSize)

	_, err = overlay.payloadFile.ReadAt(data, int64(payloadOffset))
	log.PanicIf(err)

	return data, nil
}

// Put stores one cluster payload. A cluster already present is overwritten
// in place; a new cluster is appended to the payload file.
func (overlay *Overlay) Put(cluster uint64, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if uint64(len(data)) != overlay.clusterSize {
		log.Panicf("payload is (%d) bytes but cluster-size is (%d)", len(data), overlay.clusterSize)
	}

	payloadOffset, found := overlay.index[cluster]

	if found == false {
		fi, err := overlay.payloadFile.Stat()
		log.PanicIf(err)

		payloadOffset = uint64(fi.Size())
	}

	_, err = overlay.payloadFile.WriteAt(data, int64(payloadOffset))
	log.PanicIf(err)

	if found == false {
		overlay.index[cluster] = payloadOffset
	}

	return nil
}

// Recover reads one cluster directly from the source device and stores it.
// The overlay is not touched if the device read fails.
func (overlay *Overlay) Recover(device DeviceReader, cluster uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	data, err := device.ReadDeviceBytes(overlay.partitionOffset+cluster*overlay.clusterSize, int(overlay.clusterSize))
	if err != nil {
		return err
	}

	err = overlay.Put(cluster, data)
	log.PanicIf(err)

	return nil
}

// Save rewrites the index file from the in-memory map, sorted by cluster.
// The previous index is first renamed to <base>.~dx; on any write failure
// the partial index is unlinked and the backup renamed back into place, so
// at every point at least one complete index exists on disk. The backup is
// removed only after the new index is fully written.
func (overlay *Overlay) Save() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	clusters := make([]uint64, 0, len(overlay.index))
	for cluster := range overlay.index {
		clusters = append(clusters, cluster)
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i] < clusters[j] })

	backedUp := false

	if fi, err := os.Stat(overlay.indexFilepath); err == nil {
		if fi.Size() > 0 {
			err := os.Rename(overlay.indexFilepath, overlay.indexBackupFilepath)
			log.PanicIf(err)

			backedUp = true
		}
	} else if os.IsNotExist(err) != true {
		log.Panic(err)
	}

	restoreBackup := func(writeErr error) error {
		os.Remove(overlay.indexFilepath)

		if backedUp == true {
			if renameErr := os.Rename(overlay.indexBackupFilepath, overlay.indexFilepath); renameErr != nil {
				overlayLogger.Errorf(nil, renameErr, "Could not restore overlay index backup [%s].", overlay.indexBackupFilepath)
			}
		}

		return writeErr
	}

	indexFile, err := os.OpenFile(overlay.indexFilepath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return restoreBackup(err)
	}

	record := make([]byte, overlayIndexRecordSize)

	for _, cluster := range clusters {
		defaultEncoding.PutUint64(record[:8], cluster)
		defaultEncoding.PutUint64(record[8:], overlay.index[cluster])

		if _, err := indexFile.Write(record); err != nil {
			indexFile.Close()

			return restoreBackup(err)
		}
	}

	if err := indexFile.Close(); err != nil {
		return restoreBackup(err)
	}

	if backedUp == true {
		err = os.Remove(overlay.indexBackupFilepath)
		log.PanicIf(err)
	}

	return nil
}
