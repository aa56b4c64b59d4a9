// This file decodes the $I30 filename index that backs directory listings.

package ntfsrescue

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	indxNodeHeaderOffset = 24

	indexEntryHeaderSize = 16

	indexEntryFlagSubnode = 0x0001
	indexEntryFlagLast    = 0x0002
)

var (
	indxMagic = []byte("INDX")
)

var (
	// ErrIndexCorrupt indicates an INDX block whose entries do not hold
	// together. Iteration stops for the current block.
	ErrIndexCorrupt = errors.New("directory index corrupt")

	// ErrNotDirectory indicates a record with no $I30 allocation.
	ErrNotDirectory = errors.New("record is not an indexed directory")
)

var (
	directoryLogger = log.NewLogger("ntfsrescue.directory")
)

// IndexEntryHeader is the header in front of every $I30 entry.
type IndexEntryHeader struct {
	MftIndex       uint32
	MftIndexHigh   uint16
	SequenceNumber uint16
	EntryLength    uint16
	KeyLength      uint16
	Flags          uint16
	Reserved       uint16
}

// DirectoryEntry is one file or subdirectory in a directory listing, merged
// across the namespaces indexed for it.
type DirectoryEntry struct {
	MftIndex       uint32
	ParentMftIndex uint32

	// Name is the display name; long names win over DOS short names.
	Name string

	// DosName holds the short name when a DOS-namespace entry was seen.
	DosName string

	Attributes uint32

	Created  Filetime
	Modified Filetime
	Accessed Filetime

	Size uint64

	// Deleted is derived from the directory's $BITMAP: an indexed entry
	// whose slot bit is clear was deleted but is still recoverable.
	Deleted bool

	hasLongName bool
}

// IsDirectory returns whether the entry describes a subdirectory.
func (entry *DirectoryEntry) IsDirectory() bool {
	return entry.Attributes&FileAttributeDirectory != 0
}

// String returns a descriptive string.
func (entry *DirectoryEntry) String() string {
	return fmt.Sprintf("DirectoryEntry<INDEX=(%d) NAME=[%s] DIRECTORY=[%v] DELETED=[%v] SIZE=(%d)>", entry.MftIndex, entry.Name, entry.IsDirectory(), entry.Deleted, entry.Size)
}

// Directory is a decoded directory listing. Entries appear in first-seen
// storage order, one per MFT index.
type Directory struct {
	mftIndex uint64

	entries []*DirectoryEntry
	byIndex map[uint32]*DirectoryEntry
}

// MftIndex returns the MFT index of the directory itself.
func (dir *Directory) MftIndex() uint64 {
	return dir.mftIndex
}

// Entries returns the merged entries in storage order.
func (dir *Directory) Entries() []*DirectoryEntry {
	return dir.entries
}

// FindEntry returns the entry for the given MFT index, or nil.
func (dir *Directory) FindEntry(mftIndex uint32) *DirectoryEntry {
	return dir.byIndex[mftIndex]
}

// OpenDirectory materializes the record at the given MFT index and decodes
// every INDX block of its $I30 data run into a directory listing. Unreadable
// index clusters are noted in the bad-cluster tracker and skipped.
func (vol *Volume) OpenDirectory(mftIndex uint64) (dir *Directory, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	record, err := vol.ReadRecordByIndex(mftIndex)
	if err != nil {
		return nil, err
	}

	if record.DirectoryRun == nil {
		// TODO: Decode the entries resident in $INDEX_ROOT so that small
		// directories with no $I30 allocation can be listed, too.

		return nil, ErrNotDirectory
	}

	dir = &Directory{
		mftIndex: mftIndex,

		entries: make([]*DirectoryEntry, 0),
		byIndex: make(map[uint32]*DirectoryEntry),
	}

	// The bitmap bit for an entry corresponds to its slot position counted
	// in storage order across every INDX block of the directory.
	directoryPosition := 0

	for _, extent := range record.DirectoryRun.Extents {
		if extent.Sparse == true {
			directoryLogger.Warningf(nil, "Directory (%d) has a sparse $I30 extent; skipping.", mftIndex)
			continue
		}

		for i := uint64(0); i < uint64(extent.Count); i++ {
			cluster := extent.Cluster + i

			data, err := vol.ReadCluster(cluster)
			if err == ErrClusterNotReadable {
				vol.badClusters.Add(mftIndex, cluster)
				continue
			}

			log.PanicIf(err)

			err = vol.decodeIndxBlock(dir, data, record.Bitmap, &directoryPosition)
			if err != nil {
				directoryLogger.Warningf(nil, "Index block at cluster (%d) of directory (%d) not decodable: %s", cluster, mftIndex, err.Error())
				continue
			}
		}
	}

	return dir, nil
}

// decodeIndxBlock decodes one INDX block, merging its entries into the
// directory.
func (vol *Volume) decodeIndxBlock(dir *Directory, block []byte, bitmap Bitmap, directoryPosition *int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if bytes.Equal(block[:4], indxMagic) != true {
		return ErrIndexCorrupt
	}

	err = applyFixups(block, vol.SectorSize())
	if err != nil {
		return err
	}

	// The node header's first word is the offset to the first entry,
	// measured from the node header itself.

	entryPosition := indxNodeHeaderOffset + int(defaultEncoding.Uint32(block[indxNodeHeaderOffset:]))

	for {
		if entryPosition+indexEntryHeaderSize > len(block) {
			return ErrIndexCorrupt
		}

		entryHeader := IndexEntryHeader{}

		err = restruct.Unpack(block[entryPosition:entryPosition+indexEntryHeaderSize], defaultEncoding, &entryHeader)
		log.PanicIf(err)

		if entryHeader.Flags&indexEntryFlagLast != 0 {
			break
		}

		if entryHeader.EntryLength < indexEntryHeaderSize {
			return ErrIndexCorrupt
		}

		if entryPosition+int(entryHeader.EntryLength) > len(block) {
			return ErrIndexCorrupt
		}

		if int(entryHeader.KeyLength) < filenameAttributeFixedSize ||
			entryPosition+indexEntryHeaderSize+int(entryHeader.KeyLength) > len(block) {
			return ErrIndexCorrupt
		}

		filename, err := decodeFilenameAttribute(block[entryPosition+indexEntryHeaderSize : entryPosition+indexEntryHeaderSize+int(entryHeader.KeyLength)])
		if err != nil {
			return err
		}

		dir.mergeEntry(entryHeader.MftIndex, filename, bitmap.IsSet(*directoryPosition))

		*directoryPosition++

		entryPosition += int(entryHeader.EntryLength)
	}

	return nil
}

// mergeEntry folds one $I30 entry into the listing. Entries for the same MFT
// index (one per namespace) collapse into a single record, preferring long
// names over DOS short names for the display field.
func (dir *Directory) mergeEntry(mftIndex uint32, filename *RecordFilename, alive bool) {
	entry, found := dir.byIndex[mftIndex]

	if found == false {
		entry = &DirectoryEntry{
			MftIndex: mftIndex,
		}

		dir.byIndex[mftIndex] = entry
		dir.entries = append(dir.entries, entry)
	}

	if filename.Namespace == NamespaceDos {
		entry.DosName = filename.Name

		if entry.hasLongName == false {
			entry.Name = filename.Name
		}
	} else {
		entry.Name = filename.Name
		entry.hasLongName = true
	}

	entry.ParentMftIndex = filename.ParentMftIndex
	entry.Attributes = filename.Attributes
	entry.Created = filename.CreatedRaw
	entry.Modified = filename.ModifiedRaw
	entry.Accessed = filename.AccessedRaw
	entry.Size = filename.RealSize
	entry.Deleted = alive == false

	return
}
