// This file decodes MFT records: sector fix-ups, the attribute walk, and the
// per-attribute payloads that the rest of the system consumes.

package ntfsrescue

import (
	"errors"
	"fmt"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// Attribute type codes handled by the decoder.
//
// TODO: Follow $ATTRIBUTE_LIST (0x20) chains into extension records; for now
// a record decodes only the attributes stored in its base record.
const (
	AttributeTypeStandardInformation = 0x10
	AttributeTypeFileName            = 0x30
	AttributeTypeData                = 0x80
	AttributeTypeIndexRoot           = 0x90
	AttributeTypeIndexAllocation     = 0xa0
	AttributeTypeBitmap              = 0xb0

	attributeTypeTerminator = 0xffffffff
)

// maxAttributesPerRecord bounds the attribute walk. NTFS allows more in
// principle, but a count this high in a single record means we are walking
// garbage.
const maxAttributesPerRecord = 20

// Filename namespaces.
const (
	NamespacePosix    = 0
	NamespaceWin32    = 1
	NamespaceDos      = 2
	NamespaceWin32Dos = 3
)

// The canonical display name is taken from the first namespace present, in
// this order.
var displayNamePriority = [4]int{NamespaceWin32, NamespacePosix, NamespaceDos, NamespaceWin32Dos}

const (
	// MftRecordFlagInUse is set on allocated records.
	MftRecordFlagInUse = 0x0001

	// MftRecordFlagDirectory is set on directory records.
	MftRecordFlagDirectory = 0x0002
)

// FileAttributeDirectory is the directory bit in a FILE_NAME entry's
// attribute flags.
const FileAttributeDirectory = 0x10000000

var (
	// ErrFixupMismatch indicates a sector trailer that does not match the
	// fix-up signature (a torn write or an unreadable sector).
	ErrFixupMismatch = errors.New("fix-up placeholder mismatch")

	// ErrFixupTruncated indicates a fix-up array shorter than the signature
	// word plus one word per sector.
	ErrFixupTruncated = errors.New("fix-up array truncated")

	// ErrAttributeRunaway indicates more attributes in one record than any
	// sane record carries.
	ErrAttributeRunaway = errors.New("attribute walk runaway")

	// ErrRecordCorrupt indicates a record whose headers do not hold
	// together.
	ErrRecordCorrupt = errors.New("record corrupt")

	// ErrMftIndexOutOfRange indicates an MFT index past the end of the $MFT
	// data run.
	ErrMftIndexOutOfRange = errors.New("MFT index out of range")
)

var (
	mftLogger = log.NewLogger("ntfsrescue.mft")
)

// MftRecordHeader is the fixed header at the front of every MFT record.
type MftRecordHeader struct {
	Signature        [4]byte
	FixupOffset      uint16
	FixupCount       uint16
	LogSequence      uint64
	SequenceNumber   uint16
	LinkCount        uint16
	AttributesOffset uint16
	Flags            uint16
	UsedSize         uint32
	AllocatedSize    uint32
	BaseReference    uint64
	NextAttributeId  uint16
}

// AttributeHeader is the 16-byte header common to every attribute.
type AttributeHeader struct {
	TypeCode    uint32
	Length      uint32
	Nonresident uint8
	NameLength  uint8
	NameOffset  uint16
	Flags       uint16
	Id          uint16
}

// ResidentAttributeHeader follows the common header for resident attributes.
type ResidentAttributeHeader struct {
	ValueLength uint32
	ValueOffset uint16
	IndexedFlag uint8
	Reserved    uint8
}

// NonresidentAttributeHeader follows the common header for nonresident
// attributes.
type NonresidentAttributeHeader struct {
	FirstVcn        uint64
	LastVcn         uint64
	RunsOffset      uint16
	CompressionUnit uint16
	Reserved        [4]byte
	AllocatedSize   uint64
	RealSize        uint64
	InitializedSize uint64
}

// FilenameAttribute is the fixed portion of a $FILE_NAME value. The UTF-16LE
// name follows it.
type FilenameAttribute struct {
	ParentMftIndex       uint32
	ParentMftIndexHigh   uint16
	ParentSequenceNumber uint16
	CreatedRaw           Filetime
	ModifiedRaw          Filetime
	RecordModifiedRaw    Filetime
	AccessedRaw          Filetime
	AllocatedSize        uint64
	RealSize             uint64
	Attributes           uint32
	ExtendedData         uint32
	NameLength           uint8
	Namespace            uint8
}

const filenameAttributeFixedSize = 66

// RecordFilename is one decoded $FILE_NAME entry.
type RecordFilename struct {
	FilenameAttribute

	Name string
}

// String returns a descriptive string.
func (rf RecordFilename) String() string {
	return fmt.Sprintf("RecordFilename<NAME=[%s] NAMESPACE=(%d) PARENT=(%d)>", rf.Name, rf.Namespace, rf.ParentMftIndex)
}

// Bitmap is a decoded $BITMAP attribute. Valid is false when any cluster of
// a nonresident bitmap could not be read; in that case Data is empty.
type Bitmap struct {
	Used  bool
	Valid bool
	Data  []byte
}

// IsSet returns whether the given bit is set. An unused or invalid bitmap
// reports every bit clear.
func (bitmap Bitmap) IsSet(position int) bool {
	if bitmap.Used == false || bitmap.Valid == false || len(bitmap.Data) == 0 {
		return false
	}

	bytePosition := position / 8
	bitPosition := uint(position % 8)

	if bytePosition >= len(bitmap.Data) {
		return false
	}

	return bitmap.Data[bytePosition]&(1<<bitPosition) != 0
}

// MftRecord is one decoded MFT record.
type MftRecord struct {
	// MftIndex is the record's linear index in the MFT.
	MftIndex uint64

	// Flags is the record header's flags word (in-use, directory).
	Flags uint16

	// Created, Modified, and Accessed come from $STANDARD_INFORMATION.
	Created  Filetime
	Modified Filetime
	Accessed Filetime

	// Filenames holds one entry per namespace found.
	Filenames [4]*RecordFilename

	// FileSize is the real size reported by $FILE_NAME.
	FileSize uint64

	// DataResident holds the content of a resident $DATA attribute.
	DataResident []byte

	// DataRun is the decoded run of a nonresident, uncompressed $DATA
	// attribute.
	DataRun *DataRun

	// DataCompressed is set when the $DATA stream is compressed; its content
	// is not decoded.
	DataCompressed bool

	// HasIndexRoot is set when the record carries $INDEX_ROOT.
	HasIndexRoot bool

	// DirectoryRun is the decoded run of the $I30 $INDEX_ALLOCATION
	// attribute.
	DirectoryRun *DataRun

	// Bitmap is the record's $BITMAP attribute (the $I30 bitmap on
	// directories, the record-allocation bitmap on $MFT itself).
	Bitmap Bitmap
}

// Name returns the canonical display name: the first namespace present in
// priority order WIN32, POSIX, DOS, WIN32+DOS.
func (record *MftRecord) Name() string {
	for _, namespace := range displayNamePriority {
		if record.Filenames[namespace] != nil {
			return record.Filenames[namespace].Name
		}
	}

	return ""
}

// IsDirectory returns whether the record describes a directory.
func (record *MftRecord) IsDirectory() bool {
	return record.Flags&MftRecordFlagDirectory != 0
}

// IsInUse returns whether the record slot is allocated.
func (record *MftRecord) IsInUse() bool {
	return record.Flags&MftRecordFlagInUse != 0
}

// String returns a descriptive string.
func (record *MftRecord) String() string {
	return fmt.Sprintf("MftRecord<INDEX=(%d) NAME=[%s] DIRECTORY=[%v] SIZE=(%d)>", record.MftIndex, record.Name(), record.IsDirectory(), record.FileSize)
}

// applyFixups validates and applies the Multi-Sector Transfer fix-ups in
// place. The word at the fix-up offset is the signature; the last word of
// every sector must currently equal it and is replaced with the stored
// original.
func applyFixups(buf []byte, sectorSize uint64) (err error) {
	sectorCount := len(buf) / int(sectorSize)

	fixupOffset := int(defaultEncoding.Uint16(buf[4:6]))
	fixupCount := int(defaultEncoding.Uint16(buf[6:8]))

	if fixupCount < sectorCount+1 {
		return ErrFixupTruncated
	}

	if fixupOffset+2*(sectorCount+1) > len(buf) {
		return ErrRecordCorrupt
	}

	signature := defaultEncoding.Uint16(buf[fixupOffset:])

	for sector := 0; sector < sectorCount; sector++ {
		trailerPosition := (sector+1)*int(sectorSize) - 2

		if defaultEncoding.Uint16(buf[trailerPosition:]) != signature {
			return ErrFixupMismatch
		}

		original := buf[fixupOffset+2+sector*2 : fixupOffset+4+sector*2]
		copy(buf[trailerPosition:trailerPosition+2], original)
	}

	return nil
}

// recordsPerCluster returns how many MFT records each cluster holds.
func (vol *Volume) recordsPerCluster() uint64 {
	return vol.ClusterSize() / vol.RecordSize()
}

// MftIndexForCluster returns the MFT index of the first record slot in the
// given cluster, walking the $MFT data run.
func (vol *Volume) MftIndexForCluster(cluster uint64) uint64 {
	clusterCount := uint64(0)

	if vol.mftDataRun != nil {
		for _, extent := range vol.mftDataRun.Extents {
			if cluster >= extent.Cluster && cluster < extent.Cluster+uint64(extent.Count) {
				clusterCount += cluster - extent.Cluster
				break
			}

			clusterCount += uint64(extent.Count)
		}
	}

	return clusterCount * vol.recordsPerCluster()
}

// ClusterForMftIndex returns the cluster holding the given MFT index and the
// record slot inside that cluster. This is the inverse of
// MftIndexForCluster.
func (vol *Volume) ClusterForMftIndex(mftIndex uint64) (cluster, slot uint64, err error) {
	if vol.mftDataRun == nil {
		return 0, 0, ErrMftIndexOutOfRange
	}

	recordsPerCluster := vol.recordsPerCluster()

	total := uint64(0)

	for _, extent := range vol.mftDataRun.Extents {
		extentRecords := uint64(extent.Count) * recordsPerCluster

		if mftIndex-total < extentRecords {
			relative := mftIndex - total

			return extent.Cluster + relative/recordsPerCluster, relative % recordsPerCluster, nil
		}

		total += extentRecords
	}

	return 0, 0, ErrMftIndexOutOfRange
}

// MftRecordVisitorFunc is a visitor callback over decoded MFT records.
type MftRecordVisitorFunc func(record *MftRecord) (doContinue bool, err error)

// VisitRecordsInCluster decodes every record slot in one cluster of the MFT
// and passes each successfully decoded record to the visitor. A record slot
// that fails to decode is skipped; the rest of the cluster is still visited.
func (vol *Volume) VisitRecordsInCluster(cluster uint64, cb MftRecordVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	data, err := vol.ReadCluster(cluster)
	if err != nil {
		return err
	}

	recordSize := vol.RecordSize()
	baseIndex := vol.MftIndexForCluster(cluster)

	for slot := uint64(0); slot < vol.recordsPerCluster(); slot++ {
		recordBuffer := data[slot*recordSize : (slot+1)*recordSize]

		record, err := vol.decodeMftRecord(recordBuffer, baseIndex+slot)
		if err != nil {
			mftLogger.Debugf(nil, "Skipping record (%d) in cluster (%d): %s", baseIndex+slot, cluster, err.Error())
			continue
		}

		doContinue, err := cb(record)
		log.PanicIf(err)

		if doContinue == false {
			break
		}
	}

	return nil
}

// ReadRecordByIndex materializes a single MFT record. An unreadable record
// cluster is noted in the bad-cluster tracker.
func (vol *Volume) ReadRecordByIndex(mftIndex uint64) (record *MftRecord, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	cluster, slot, err := vol.ClusterForMftIndex(mftIndex)
	if err != nil {
		return nil, err
	}

	data, err := vol.ReadCluster(cluster)
	if err == ErrClusterNotReadable {
		vol.badClusters.Add(mftIndex, cluster)
		return nil, err
	}

	log.PanicIf(err)

	recordSize := vol.RecordSize()

	record, err = vol.decodeMftRecord(data[slot*recordSize:(slot+1)*recordSize], mftIndex)
	if err != nil {
		return nil, err
	}

	return record, nil
}

// ScanMft walks the whole $MFT data run, visiting every decodable record.
// Unreadable MFT clusters are noted and skipped.
func (vol *Volume) ScanMft(cb MftRecordVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	stopped := false

	wrapped := func(record *MftRecord) (doContinue bool, err error) {
		doContinue, err = cb(record)
		log.PanicIf(err)

		if doContinue == false {
			stopped = true
		}

		return doContinue, nil
	}

	for _, extent := range vol.mftDataRun.Extents {
		if extent.Sparse == true {
			continue
		}

		for i := uint64(0); i < uint64(extent.Count); i++ {
			cluster := extent.Cluster + i

			err := vol.VisitRecordsInCluster(cluster, wrapped)
			if err == ErrClusterNotReadable {
				vol.badClusters.Add(vol.MftIndexForCluster(cluster), cluster)
				continue
			}

			log.PanicIf(err)

			if stopped == true {
				return nil
			}
		}
	}

	return nil
}

func (vol *Volume) decodeMftRecord(buf []byte, mftIndex uint64) (record *MftRecord, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = applyFixups(buf, vol.SectorSize())
	if err != nil {
		return nil, err
	}

	header := MftRecordHeader{}

	err = restruct.Unpack(buf[:42], defaultEncoding, &header)
	log.PanicIf(err)

	record = &MftRecord{
		MftIndex: mftIndex,
		Flags:    header.Flags,
	}

	attributePosition := int(header.AttributesOffset)
	attributeCount := 0

	for {
		if attributePosition+16 > len(buf) {
			return nil, ErrRecordCorrupt
		}

		attributeHeader := AttributeHeader{}

		err = restruct.Unpack(buf[attributePosition:attributePosition+16], defaultEncoding, &attributeHeader)
		log.PanicIf(err)

		if attributeHeader.TypeCode == attributeTypeTerminator {
			break
		}

		if attributeHeader.TypeCode == 0 {
			return nil, ErrRecordCorrupt
		}

		attributeCount++

		if attributeCount > maxAttributesPerRecord {
			return nil, ErrAttributeRunaway
		}

		if attributeHeader.Length < 16 || attributePosition+int(attributeHeader.Length) > len(buf) {
			return nil, ErrRecordCorrupt
		}

		attributeName := ""

		if attributeHeader.NameLength > 0 {
			namePosition := attributePosition + int(attributeHeader.NameOffset)
			nameSize := int(attributeHeader.NameLength) * 2

			if namePosition+nameSize > len(buf) {
				return nil, ErrRecordCorrupt
			}

			attributeName = DecodeUtf16String(buf[namePosition:namePosition+nameSize], int(attributeHeader.NameLength))
		}

		var resident ResidentAttributeHeader
		var nonresident NonresidentAttributeHeader

		valuePosition := 0
		valueLength := 0
		runsPosition := 0

		if attributeHeader.Nonresident != 0 {
			if attributePosition+16+48 > len(buf) {
				return nil, ErrRecordCorrupt
			}

			err = restruct.Unpack(buf[attributePosition+16:attributePosition+16+48], defaultEncoding, &nonresident)
			log.PanicIf(err)

			runsPosition = attributePosition + int(nonresident.RunsOffset)

			if runsPosition > len(buf) {
				return nil, ErrRecordCorrupt
			}
		} else {
			if attributePosition+16+8 > len(buf) {
				return nil, ErrRecordCorrupt
			}

			err = restruct.Unpack(buf[attributePosition+16:attributePosition+16+8], defaultEncoding, &resident)
			log.PanicIf(err)

			valuePosition = attributePosition + int(resident.ValueOffset)
			valueLength = int(resident.ValueLength)

			if valuePosition+valueLength > len(buf) {
				return nil, ErrRecordCorrupt
			}
		}

		switch attributeHeader.TypeCode {
		case AttributeTypeStandardInformation:
			if attributeHeader.Nonresident == 0 && valueLength >= 32 {
				record.Created = Filetime(defaultEncoding.Uint64(buf[valuePosition:]))
				record.Modified = Filetime(defaultEncoding.Uint64(buf[valuePosition+8:]))
				record.Accessed = Filetime(defaultEncoding.Uint64(buf[valuePosition+24:]))
			}

		case AttributeTypeFileName:
			if attributeHeader.Nonresident == 0 && valueLength >= filenameAttributeFixedSize {
				filename, err := decodeFilenameAttribute(buf[valuePosition : valuePosition+valueLength])
				if err != nil {
					return nil, err
				}

				if int(filename.Namespace) <= NamespaceWin32Dos {
					record.Filenames[filename.Namespace] = filename
					record.FileSize = filename.RealSize
				}
			}

		case AttributeTypeData:
			if attributeHeader.Nonresident != 0 {
				if nonresident.CompressionUnit != 0 {
					record.DataCompressed = true
				} else {
					dataRun, err := DecodeDataRun(buf, runsPosition, nonresident.RealSize)
					if err != nil {
						return nil, err
					}

					record.DataRun = dataRun
				}
			} else {
				record.DataResident = make([]byte, valueLength)
				copy(record.DataResident, buf[valuePosition:valuePosition+valueLength])
			}

		case AttributeTypeIndexRoot:
			record.HasIndexRoot = true

		case AttributeTypeIndexAllocation:
			// Only the $I30 filename index is interesting, and it is always
			// nonresident.

			if attributeName == "$I30" && attributeHeader.Nonresident != 0 {
				directoryRun, err := DecodeDataRun(buf, runsPosition, nonresident.RealSize)
				if err != nil {
					return nil, err
				}

				record.DirectoryRun = directoryRun
			}

		case AttributeTypeBitmap:
			if attributeHeader.Nonresident != 0 {
				err := vol.readNonresidentBitmap(record, buf, runsPosition, &nonresident)
				if err != nil {
					return nil, err
				}
			} else {
				record.Bitmap.Used = true
				record.Bitmap.Valid = true
				record.Bitmap.Data = make([]byte, valueLength)
				copy(record.Bitmap.Data, buf[valuePosition:valuePosition+valueLength])
			}
		}

		attributePosition += int(attributeHeader.Length)
	}

	return record, nil
}

// readNonresidentBitmap assembles a nonresident $BITMAP attribute. Every
// cluster of its run is probed against the safety oracle first; if any is
// missing, the bitmap is marked invalid, the missing clusters are tracked,
// and no bitmap bytes are kept.
func (vol *Volume) readNonresidentBitmap(record *MftRecord, buf []byte, runsPosition int, nonresident *NonresidentAttributeHeader) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	record.Bitmap.Used = true

	bitmapRun, err := DecodeDataRun(buf, runsPosition, nonresident.RealSize)
	if err != nil {
		return err
	}

	complete := true

	for _, extent := range bitmapRun.Extents {
		if extent.Sparse == true {
			continue
		}

		for i := uint64(0); i < uint64(extent.Count); i++ {
			if vol.IsClusterSafe(extent.Cluster+i) != true {
				vol.badClusters.Add(record.MftIndex, extent.Cluster+i)
				complete = false
			}
		}
	}

	if complete == false {
		record.Bitmap.Valid = false
		return nil
	}

	if nonresident.FirstVcn != 0 {
		mftLogger.Warningf(nil, "Bitmap for record (%d) starts at VCN (%d); not handled.", record.MftIndex, nonresident.FirstVcn)

		record.Bitmap.Valid = false

		return nil
	}

	record.Bitmap.Data = make([]byte, 0, nonresident.RealSize)

	for _, extent := range bitmapRun.Extents {
		if extent.Sparse == true {
			continue
		}

		for i := uint64(0); i < uint64(extent.Count); i++ {
			data, err := vol.ReadCluster(extent.Cluster + i)
			if err == ErrClusterNotReadable {
				vol.badClusters.Add(record.MftIndex, extent.Cluster+i)

				record.Bitmap.Valid = false
				record.Bitmap.Data = nil

				return nil
			}

			log.PanicIf(err)

			remaining := int(nonresident.RealSize) - len(record.Bitmap.Data)

			if remaining < len(data) {
				data = data[:remaining]
			}

			record.Bitmap.Data = append(record.Bitmap.Data, data...)
		}
	}

	record.Bitmap.Valid = true

	return nil
}

func decodeFilenameAttribute(value []byte) (filename *RecordFilename, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	fa := FilenameAttribute{}

	err = restruct.Unpack(value[:filenameAttributeFixedSize], defaultEncoding, &fa)
	log.PanicIf(err)

	nameSize := int(fa.NameLength) * 2

	if filenameAttributeFixedSize+nameSize > len(value) {
		return nil, ErrRecordCorrupt
	}

	name := DecodeUtf16String(value[filenameAttributeFixedSize:filenameAttributeFixedSize+nameSize], int(fa.NameLength))

	filename = &RecordFilename{
		FilenameAttribute: fa,
		Name:              name,
	}

	return filename, nil
}
