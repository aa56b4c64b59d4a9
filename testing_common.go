package ntfsrescue

import (
	"bytes"
	"time"

	"github.com/dsoprea/go-logging"
)

// The synthesized test volume:
//
//   sector-size 512, two sectors per cluster (1024), record-size 1024
//   (one record per cluster, two sectors per record)
//
//   cluster  0      boot sector
//   clusters 4-11   $MFT (one extent), records 0-7
//   cluster  12     $MFTMirr copy of record 0
//   cluster  16     $I30 INDX block of the root directory
//   clusters 20-21  content of hello.txt (1234 bytes)
//   cluster  24     target of record 4's nonresident $BITMAP

const (
	testPartitionOffset = 0x10000
	testSectorSize      = 512
	testClusterSize     = 1024
	testClusterCount    = 32

	testMftFirstCluster  = 4
	testMftClusterCount  = 8
	testMirrorCluster    = 12
	testIndxCluster      = 16
	testContentCluster   = 20
	testBadBitmapCluster = 24

	testRootMftIndex    = 5
	testFileMftIndex    = 6
	testDeletedMftIndex = 7

	testFileSize = 1234

	testFixupSignature = 0x1234
)

var (
	testCreated  = FiletimeFromTime(time.Date(2017, 6, 10, 9, 30, 0, 0, time.UTC))
	testModified = FiletimeFromTime(time.Date(2018, 3, 4, 5, 6, 7, 0, time.UTC))
	testAccessed = FiletimeFromTime(time.Date(2018, 11, 22, 18, 0, 0, 0, time.UTC))
)

func putUint16(buf []byte, offset int, value uint16) {
	defaultEncoding.PutUint16(buf[offset:], value)
}

func putUint32(buf []byte, offset int, value uint32) {
	defaultEncoding.PutUint32(buf[offset:], value)
}

func putUint64(buf []byte, offset int, value uint64) {
	defaultEncoding.PutUint64(buf[offset:], value)
}

// buildTestStandardInformationValue returns a 48-byte $STANDARD_INFORMATION
// value.
func buildTestStandardInformationValue() []byte {
	value := make([]byte, 48)

	putUint64(value, 0, uint64(testCreated))
	putUint64(value, 8, uint64(testModified))
	putUint64(value, 24, uint64(testAccessed))

	return value
}

// buildTestFilenameValue returns a $FILE_NAME value for the given name.
func buildTestFilenameValue(parentMftIndex uint32, name string, namespace byte, realSize uint64, attributes uint32) []byte {
	encodedName := EncodeUtf16String(name)

	value := make([]byte, filenameAttributeFixedSize+len(encodedName))

	putUint32(value, 0, parentMftIndex)
	putUint64(value, 8, uint64(testCreated))
	putUint64(value, 16, uint64(testModified))
	putUint64(value, 32, uint64(testAccessed))
	putUint64(value, 40, (realSize+testClusterSize-1)/testClusterSize*testClusterSize)
	putUint64(value, 48, realSize)
	putUint32(value, 56, attributes)

	value[64] = byte(len(name))
	value[65] = namespace

	copy(value[filenameAttributeFixedSize:], encodedName)

	return value
}

// buildTestResidentAttribute returns a resident attribute with the given
// value.
func buildTestResidentAttribute(typeCode uint32, name string, value []byte) []byte {
	encodedName := EncodeUtf16String(name)

	valueOffset := 24 + len(encodedName)
	length := (valueOffset + len(value) + 7) / 8 * 8

	attribute := make([]byte, length)

	putUint32(attribute, 0, typeCode)
	putUint32(attribute, 4, uint32(length))
	attribute[8] = 0
	attribute[9] = byte(len(name))
	putUint16(attribute, 10, 24)

	putUint32(attribute, 16, uint32(len(value)))
	putUint16(attribute, 20, uint16(valueOffset))

	copy(attribute[24:], encodedName)
	copy(attribute[valueOffset:], value)

	return attribute
}

// buildTestNonresidentAttribute returns a nonresident attribute with the
// given encoded data run.
func buildTestNonresidentAttribute(typeCode uint32, name string, runBytes []byte, realSize uint64, compressionUnit uint16) []byte {
	encodedName := EncodeUtf16String(name)

	runsOffset := 64 + len(encodedName)
	length := (runsOffset + len(runBytes) + 7) / 8 * 8

	attribute := make([]byte, length)

	putUint32(attribute, 0, typeCode)
	putUint32(attribute, 4, uint32(length))
	attribute[8] = 1
	attribute[9] = byte(len(name))
	putUint16(attribute, 10, 64)

	putUint16(attribute, 32, uint16(runsOffset))
	putUint16(attribute, 34, compressionUnit)
	putUint64(attribute, 40, (realSize+testClusterSize-1)/testClusterSize*testClusterSize)
	putUint64(attribute, 48, realSize)
	putUint64(attribute, 56, realSize)

	copy(attribute[64:], encodedName)
	copy(attribute[runsOffset:], runBytes)

	return attribute
}

// buildTestMftRecord assembles a record-sized buffer with the given
// attributes and valid fix-ups.
func buildTestMftRecord(flags uint16, attributes ...[]byte) []byte {
	record := make([]byte, testClusterSize)

	copy(record[0:], "FILE")
	putUint16(record, 4, 48)
	putUint16(record, 6, 3)
	putUint16(record, 20, 56)
	putUint16(record, 22, flags)

	position := 56

	for _, attribute := range attributes {
		copy(record[position:], attribute)
		position += len(attribute)
	}

	putUint32(record, position, 0xffffffff)

	applyTestFixups(record)

	return record
}

// applyTestFixups stores the current sector trailers into the fix-up array
// and replaces them with the signature, producing the on-disk form.
func applyTestFixups(block []byte) {
	fixupOffset := int(defaultEncoding.Uint16(block[4:6]))

	putUint16(block, fixupOffset, testFixupSignature)

	sectorCount := len(block) / testSectorSize

	for sector := 0; sector < sectorCount; sector++ {
		trailerPosition := (sector+1)*testSectorSize - 2

		copy(block[fixupOffset+2+sector*2:], block[trailerPosition:trailerPosition+2])
		putUint16(block, trailerPosition, testFixupSignature)
	}
}

type testIndxEntry struct {
	mftIndex uint32
	key      []byte
}

// buildTestIndxBlock assembles one INDX block holding the given entries plus
// a terminator, with valid fix-ups.
func buildTestIndxBlock(entries ...testIndxEntry) []byte {
	block := make([]byte, testClusterSize)

	copy(block[0:], "INDX")
	putUint16(block, 4, 40)
	putUint16(block, 6, 3)

	// Offset to the first entry, relative to the node header at 24.
	putUint32(block, 24, 40)

	position := 64

	for _, entry := range entries {
		entryLength := (indexEntryHeaderSize + len(entry.key) + 7) / 8 * 8

		putUint32(block, position, entry.mftIndex)
		putUint16(block, position+8, uint16(entryLength))
		putUint16(block, position+10, uint16(len(entry.key)))
		putUint16(block, position+12, 0)

		copy(block[position+indexEntryHeaderSize:], entry.key)

		position += entryLength
	}

	putUint16(block, position+8, indexEntryHeaderSize)
	putUint16(block, position+12, indexEntryFlagLast)

	applyTestFixups(block)

	return block
}

// buildTestContent returns the file content stored behind hello.txt.
func buildTestContent() []byte {
	content := make([]byte, testFileSize)
	for i := range content {
		content[i] = byte(i % 251)
	}

	return content
}

// buildTestImage synthesizes the complete image.
func buildTestImage() []byte {
	image := make([]byte, testPartitionOffset+testClusterCount*testClusterSize)

	clusterOffset := func(cluster uint64) int {
		return testPartitionOffset + int(cluster)*testClusterSize
	}

	// Boot sector.

	boot := image[clusterOffset(0):]

	copy(boot[3:], "NTFS    ")
	putUint16(boot, 11, testSectorSize)
	boot[13] = testClusterSize / testSectorSize
	putUint64(boot, 40, testClusterCount*(testClusterSize/testSectorSize))
	putUint64(boot, 48, testMftFirstCluster)
	putUint64(boot, 56, testMirrorCluster)
	boot[64] = 0xf6 // -10: 2^10 = 1024 bytes per record
	putUint16(boot, 510, 0xaa55)

	// Record 0: $MFT. Its data run covers the whole record range, and its
	// bitmap marks records 0, 5, 6, and 7 as allocated.

	mftRecord := buildTestMftRecord(
		MftRecordFlagInUse,
		buildTestResidentAttribute(AttributeTypeStandardInformation, "", buildTestStandardInformationValue()),
		buildTestResidentAttribute(AttributeTypeFileName, "", buildTestFilenameValue(testRootMftIndex, "$MFT", NamespaceWin32, testMftClusterCount*testClusterSize, 0)),
		buildTestNonresidentAttribute(AttributeTypeData, "", []byte{0x11, testMftClusterCount, testMftFirstCluster, 0x00}, testMftClusterCount*testClusterSize, 0),
		buildTestResidentAttribute(AttributeTypeBitmap, "", []byte{0xe1}),
	)

	copy(image[clusterOffset(testMftFirstCluster):], mftRecord)
	copy(image[clusterOffset(testMirrorCluster):], mftRecord)

	// Record 1: a record with a runaway attribute walk.

	runawayAttributes := make([][]byte, 0)
	for i := 0; i < maxAttributesPerRecord+1; i++ {
		runawayAttributes = append(runawayAttributes, buildTestResidentAttribute(AttributeTypeStandardInformation, "", make([]byte, 8)))
	}

	runawayRecord := buildTestMftRecord(MftRecordFlagInUse, runawayAttributes...)

	copy(image[clusterOffset(testMftFirstCluster+1):], runawayRecord)

	// Record 4: a record whose $BITMAP is nonresident; its single cluster
	// can be excluded from the safe regions to exercise the invalid-bitmap
	// path.

	badBitmapRecord := buildTestMftRecord(
		MftRecordFlagInUse,
		buildTestResidentAttribute(AttributeTypeFileName, "", buildTestFilenameValue(testRootMftIndex, "badbitmap", NamespaceWin32, 0, 0)),
		buildTestNonresidentAttribute(AttributeTypeBitmap, "", []byte{0x11, 0x01, testBadBitmapCluster, 0x00}, 8, 0),
	)

	copy(image[clusterOffset(testMftFirstCluster+4):], badBitmapRecord)

	// Record 5: the root directory.

	rootRecord := buildTestMftRecord(
		MftRecordFlagInUse|MftRecordFlagDirectory,
		buildTestResidentAttribute(AttributeTypeStandardInformation, "", buildTestStandardInformationValue()),
		buildTestResidentAttribute(AttributeTypeFileName, "", buildTestFilenameValue(testRootMftIndex, ".", NamespaceWin32Dos, 0, FileAttributeDirectory)),
		buildTestResidentAttribute(AttributeTypeIndexRoot, "$I30", make([]byte, 32)),
		buildTestNonresidentAttribute(AttributeTypeIndexAllocation, "$I30", []byte{0x11, 0x01, testIndxCluster, 0x00}, testClusterSize, 0),
		buildTestResidentAttribute(AttributeTypeBitmap, "$I30", []byte{0x03}),
	)

	copy(image[clusterOffset(testMftFirstCluster+testRootMftIndex):], rootRecord)

	// Record 6: hello.txt, with nonresident content.

	fileRecord := buildTestMftRecord(
		MftRecordFlagInUse,
		buildTestResidentAttribute(AttributeTypeStandardInformation, "", buildTestStandardInformationValue()),
		buildTestResidentAttribute(AttributeTypeFileName, "", buildTestFilenameValue(testRootMftIndex, "hello.txt", NamespaceWin32, testFileSize, 0x20)),
		buildTestNonresidentAttribute(AttributeTypeData, "", []byte{0x11, 0x02, testContentCluster, 0x00}, testFileSize, 0),
	)

	copy(image[clusterOffset(testMftFirstCluster+testFileMftIndex):], fileRecord)

	// Record 7: deleted.txt, resident content, present in the index but
	// cleared in the directory bitmap.

	deletedRecord := buildTestMftRecord(
		MftRecordFlagInUse,
		buildTestResidentAttribute(AttributeTypeStandardInformation, "", buildTestStandardInformationValue()),
		buildTestResidentAttribute(AttributeTypeFileName, "", buildTestFilenameValue(testRootMftIndex, "deleted.txt", NamespaceWin32, 11, 0x20)),
		buildTestResidentAttribute(AttributeTypeData, "", []byte("old content")),
	)

	copy(image[clusterOffset(testMftFirstCluster+testDeletedMftIndex):], deletedRecord)

	// The root's INDX block: hello.txt under two namespaces, then the
	// deleted entry.

	indxBlock := buildTestIndxBlock(
		testIndxEntry{
			mftIndex: testFileMftIndex,
			key:      buildTestFilenameValue(testRootMftIndex, "hello.txt", NamespaceWin32, testFileSize, 0x20),
		},
		testIndxEntry{
			mftIndex: testFileMftIndex,
			key:      buildTestFilenameValue(testRootMftIndex, "HELLO~1.TXT", NamespaceDos, testFileSize, 0x20),
		},
		testIndxEntry{
			mftIndex: testDeletedMftIndex,
			key:      buildTestFilenameValue(testRootMftIndex, "deleted.txt", NamespaceWin32, 11, 0x20),
		},
	)

	copy(image[clusterOffset(testIndxCluster):], indxBlock)

	// hello.txt content.

	copy(image[clusterOffset(testContentCluster):], buildTestContent())

	return image
}

// buildTestSafeRegions returns a SafeRegionIndex covering the whole image
// except the given clusters.
func buildTestSafeRegions(imageSize uint64, excludedClusters ...uint64) *SafeRegionIndex {
	sri := NewSafeRegionIndex()

	previous := uint64(0)

	for _, cluster := range excludedClusters {
		start := uint64(testPartitionOffset) + cluster*testClusterSize

		if start > previous {
			sri.Add(previous, start-previous)
		}

		previous = start + testClusterSize
	}

	if imageSize > previous {
		sri.Add(previous, imageSize-previous)
	}

	return sri
}

// newTestVolume builds the synthetic image and opens a volume over it,
// excluding the given clusters from the safe regions.
func newTestVolume(excludedClusters ...uint64) (vol *Volume, image []byte) {
	image = buildTestImage()

	sri := buildTestSafeRegions(uint64(len(image)), excludedClusters...)

	vol, err := NewVolume(bytes.NewReader(image), testPartitionOffset, sri)
	log.PanicIf(err)

	return vol, image
}
