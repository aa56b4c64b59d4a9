// This file manages the low-level volume structures: the boot sector, the
// derived geometry, and the volume context that every operation hangs off of.

package ntfsrescue

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	bootSectorSize = 512
)

var (
	requiredOemSignature = []byte("NTFS")
)

var (
	// ErrNotNtfs indicates that the partition header does not carry the NTFS
	// signature.
	ErrNotNtfs = errors.New("partition header does not appear to be NTFS")

	// ErrVolumeGeometry indicates sector/cluster/record sizes that do not
	// agree with each other.
	ErrVolumeGeometry = errors.New("volume geometry inconsistent")

	// ErrMftUnreadable indicates that the $MFT record could not be
	// bootstrapped from the volume.
	ErrMftUnreadable = errors.New("unable to read $MFT entry")

	// ErrClusterNotReadable indicates a cluster that lies outside the image
	// or is not covered by any safe region or overlay entry.
	ErrClusterNotReadable = errors.New("cluster not readable")
)

var (
	volumeLogger = log.NewLogger("ntfsrescue.volume")
)

// BootSectorHeader is the NTFS boot sector at the front of the partition.
type BootSectorHeader struct {
	// Jump contains the x86 jump instruction over the BPB.
	Jump [3]byte

	// OemName is "NTFS    " on any NTFS volume.
	OemName [8]byte

	// BytesPerSector is the sector size in bytes.
	BytesPerSector uint16

	// SectorsPerClusterRaw is the cluster size in sectors.
	SectorsPerClusterRaw uint8

	// ReservedSectors is unused by NTFS and should be zero.
	ReservedSectors uint16

	// Reserved1 must be zero on NTFS.
	Reserved1 [3]byte

	// Unused1 must be zero on NTFS.
	Unused1 uint16

	// MediaDescriptor is the legacy media-type byte.
	MediaDescriptor uint8

	// Unused2 must be zero on NTFS.
	Unused2 uint16

	// SectorsPerTrack is CHS-era geometry, unused here.
	SectorsPerTrack uint16

	// NumberOfHeads is CHS-era geometry, unused here.
	NumberOfHeads uint16

	// HiddenSectors is the sector offset of the partition on its disk.
	HiddenSectors uint32

	// Unused3 must be zero on NTFS.
	Unused3 uint32

	// Unused4 is not checked.
	Unused4 uint32

	// TotalSectors is the size of the volume in sectors.
	TotalSectors uint64

	// MftCluster is the first cluster of the $MFT data.
	MftCluster uint64

	// MftMirrorCluster is the first cluster of the $MFTMirr copy of the
	// leading $MFT records.
	MftMirrorCluster uint64

	// ClustersPerRecordRaw encodes the MFT record size: positive values are
	// a cluster count, negative values encode 2^(-value) bytes.
	ClustersPerRecordRaw int8

	// Reserved2 is not checked.
	Reserved2 [3]byte

	// ClustersPerIndexBlockRaw encodes the index block size the same way.
	ClustersPerIndexBlockRaw int8

	// Reserved3 is not checked.
	Reserved3 [3]byte

	// VolumeSerialNumber is the volume's serial number.
	VolumeSerialNumber uint64

	// Checksum is unused.
	Checksum uint32

	// BootCode is the boot-strapping code.
	BootCode [426]byte

	// EndSignature is the traditional 0xaa55 marker.
	EndSignature uint16
}

// SectorSize returns the sector size in bytes.
func (bsh BootSectorHeader) SectorSize() uint64 {
	return uint64(bsh.BytesPerSector)
}

// SectorsPerCluster returns the cluster size in sectors.
func (bsh BootSectorHeader) SectorsPerCluster() uint64 {
	return uint64(bsh.SectorsPerClusterRaw)
}

// ClusterSize returns the cluster size in bytes.
func (bsh BootSectorHeader) ClusterSize() uint64 {
	return bsh.SectorSize() * bsh.SectorsPerCluster()
}

// RecordSize returns the MFT record size in bytes. The raw field is a
// cluster count when positive and 2^(-value) bytes when negative (usually
// -10, i.e. 1024 bytes).
func (bsh BootSectorHeader) RecordSize() uint64 {
	if bsh.ClustersPerRecordRaw > 0 {
		return uint64(bsh.ClustersPerRecordRaw) * bsh.ClusterSize()
	}

	return uint64(1) << uint(-bsh.ClustersPerRecordRaw)
}

// Dump prints the boot sector parameters along with the common calculated
// ones.
func (bsh BootSectorHeader) Dump() {
	fmt.Printf("Boot Sector Header\n")
	fmt.Printf("==================\n")
	fmt.Printf("\n")

	fmt.Printf("OemName: [%s]\n", string(bsh.OemName[:]))
	fmt.Printf("BytesPerSector: (%d)\n", bsh.BytesPerSector)
	fmt.Printf("SectorsPerCluster: (%d)\n", bsh.SectorsPerClusterRaw)
	fmt.Printf("-> Cluster-size: (%d)\n", bsh.ClusterSize())
	fmt.Printf("TotalSectors: (%d)\n", bsh.TotalSectors)
	fmt.Printf("MftCluster: (%d)\n", bsh.MftCluster)
	fmt.Printf("MftMirrorCluster: (%d)\n", bsh.MftMirrorCluster)
	fmt.Printf("ClustersPerRecord: (%d)\n", bsh.ClustersPerRecordRaw)
	fmt.Printf("-> Record-size: (%d)\n", bsh.RecordSize())
	fmt.Printf("VolumeSerialNumber: (0x%016x)\n", bsh.VolumeSerialNumber)
	fmt.Printf("\n")
}

// String returns a description of the boot sector.
func (bsh BootSectorHeader) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%016x) CLUSTER-SIZE=(%d) RECORD-SIZE=(%d)>", bsh.VolumeSerialNumber, bsh.ClusterSize(), bsh.RecordSize())
}

// Volume is the context that owns the image handle, the decoded geometry,
// the $MFT data run and bitmap, the safe-region index, the overlay, and the
// bad-cluster tracker. It is not safe for concurrent use.
type Volume struct {
	rs io.ReadSeeker

	imageSize       uint64
	partitionOffset uint64

	bsh BootSectorHeader

	mftDataRun *DataRun
	mftBitmap  Bitmap

	safeRegions *SafeRegionIndex
	overlay     *Overlay
	badClusters *BadClusterTracker
}

// NewVolume opens the NTFS volume found at `partitionOffset` bytes into the
// image, validates its header, and bootstraps the $MFT data run and bitmap
// from the record stored at the mirror cluster. The mirror is used instead of
// the main cluster deliberately: on a failing disk the mirror copy is the one
// more likely to have been imaged intact.
func NewVolume(rs io.ReadSeeker, partitionOffset uint64, safeRegions *SafeRegionIndex) (vol *Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	imageSize, err := rs.Seek(0, io.SeekEnd)
	log.PanicIf(err)

	vol = &Volume{
		rs: rs,

		imageSize:       uint64(imageSize),
		partitionOffset: partitionOffset,

		safeRegions: safeRegions,
		badClusters: NewBadClusterTracker(),
	}

	err = vol.readBootSectorHeader()
	if err != nil {
		return nil, err
	}

	err = vol.readMftFromMirror()
	if err != nil {
		return nil, err
	}

	return vol, nil
}

func (vol *Volume) readBootSectorHeader() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	_, err = vol.rs.Seek(int64(vol.partitionOffset), io.SeekStart)
	log.PanicIf(err)

	raw := make([]byte, bootSectorSize)

	_, err = io.ReadFull(vol.rs, raw)
	log.PanicIf(err)

	err = restruct.Unpack(raw, defaultEncoding, &vol.bsh)
	log.PanicIf(err)

	if bytes.Equal(vol.bsh.OemName[:4], requiredOemSignature) != true {
		return ErrNotNtfs
	}

	if vol.bsh.BytesPerSector == 0 || vol.bsh.SectorsPerClusterRaw == 0 {
		volumeLogger.Errorf(nil, nil, "Sector size (%d) or sectors-per-cluster (%d) is zero.", vol.bsh.BytesPerSector, vol.bsh.SectorsPerClusterRaw)
		return ErrVolumeGeometry
	}

	recordSize := vol.bsh.RecordSize()

	if recordSize == 0 || vol.bsh.ClusterSize()%recordSize != 0 {
		volumeLogger.Errorf(nil, nil, "Record size (%d) does not evenly divide cluster size (%d).", recordSize, vol.bsh.ClusterSize())
		return ErrVolumeGeometry
	}

	return nil
}

func (vol *Volume) readMftFromMirror() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	found := false

	cb := func(record *MftRecord) (doContinue bool, err error) {
		if record.Name() != "$MFT" {
			return true, nil
		}

		if record.DataRun == nil {
			return true, nil
		}

		vol.mftDataRun = record.DataRun
		vol.mftBitmap = record.Bitmap

		found = true

		return false, nil
	}

	err = vol.VisitRecordsInCluster(vol.bsh.MftMirrorCluster, cb)
	if err != nil {
		volumeLogger.Errorf(nil, err, "Could not decode the record cluster at the $MFT mirror.")
		return ErrMftUnreadable
	}

	if found == false {
		return ErrMftUnreadable
	}

	return nil
}

// BootSectorHeader returns the decoded boot sector.
func (vol *Volume) BootSectorHeader() BootSectorHeader {
	return vol.bsh
}

// PartitionOffset returns the byte offset of the partition inside the image.
func (vol *Volume) PartitionOffset() uint64 {
	return vol.partitionOffset
}

// SectorSize returns the sector size in bytes.
func (vol *Volume) SectorSize() uint64 {
	return vol.bsh.SectorSize()
}

// ClusterSize returns the cluster size in bytes.
func (vol *Volume) ClusterSize() uint64 {
	return vol.bsh.ClusterSize()
}

// RecordSize returns the MFT record size in bytes.
func (vol *Volume) RecordSize() uint64 {
	return vol.bsh.RecordSize()
}

// MftBitmap returns the $MFT allocation bitmap captured at open time.
func (vol *Volume) MftBitmap() Bitmap {
	return vol.mftBitmap
}

// MftDataRun returns the $MFT data run captured at open time.
func (vol *Volume) MftDataRun() *DataRun {
	return vol.mftDataRun
}

// BadClusters returns the volume's bad-cluster tracker.
func (vol *Volume) BadClusters() *BadClusterTracker {
	return vol.badClusters
}

// AttachOverlay wires a recovery overlay into the volume. Clusters found in
// the overlay take precedence over the image and are always considered safe.
func (vol *Volume) AttachOverlay(overlay *Overlay) {
	vol.overlay = overlay
}

// Overlay returns the attached overlay, or nil.
func (vol *Volume) Overlay() *Overlay {
	return vol.overlay
}

// Close tears the volume context down. The image handle is owned by the
// caller; the overlay, if attached, is closed here.
func (vol *Volume) Close() (err error) {
	if vol.overlay != nil {
		err = vol.overlay.Close()
		vol.overlay = nil
	}

	vol.mftDataRun = nil
	vol.mftBitmap = Bitmap{}

	return err
}

// ClusterByteOffset returns the image byte offset of the given cluster.
func (vol *Volume) ClusterByteOffset(cluster uint64) uint64 {
	return vol.partitionOffset + cluster*vol.ClusterSize()
}

// IsClusterSafe is the read-safety oracle: a cluster is trustworthy if the
// overlay holds it or if its byte range lies wholly inside one safe region.
func (vol *Volume) IsClusterSafe(cluster uint64) bool {
	if vol.overlay != nil && vol.overlay.Has(cluster) == true {
		return true
	}

	return vol.safeRegions.IsByteRangeSafe(vol.ClusterByteOffset(cluster), vol.ClusterSize())
}

// ReadCluster resolves one cluster read: the overlay is tried first; on a
// miss the image is read and then validated against the oracle, so callers
// never observe bytes from an unsafe cluster. Unsafe or out-of-bounds
// clusters yield ErrClusterNotReadable.
func (vol *Volume) ReadCluster(cluster uint64) (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vol.overlay != nil {
		data, err = vol.overlay.Get(cluster)
		if err == nil {
			return data, nil
		} else if err != ErrClusterNotInOverlay {
			log.Panic(err)
		}
	}

	clusterSize := vol.ClusterSize()

	if vol.ClusterByteOffset(cluster)+clusterSize > vol.imageSize {
		return nil, ErrClusterNotReadable
	}

	_, err = vol.rs.Seek(int64(vol.ClusterByteOffset(cluster)), io.SeekStart)
	log.PanicIf(err)

	data = make([]byte, clusterSize)

	_, err = io.ReadFull(vol.rs, data)
	log.PanicIf(err)

	if vol.IsClusterSafe(cluster) != true {
		return nil, ErrClusterNotReadable
	}

	return data, nil
}

// RecoverBadClusters pulls every cluster currently in the global bad set
// from the source device into the overlay, in ascending cluster order. The
// count of clusters recovered is returned even on failure; the caller should
// still Save the overlay index for the ones that made it.
func (vol *Volume) RecoverBadClusters(device DeviceReader) (recoveredCount int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if vol.overlay == nil {
		log.Panicf("no overlay attached")
	}

	for _, cluster := range vol.badClusters.GlobalClusters() {
		err := vol.overlay.Recover(device, cluster)
		if err != nil {
			return recoveredCount, err
		}

		recoveredCount++
	}

	return recoveredCount, nil
}
