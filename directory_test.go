package ntfsrescue

import (
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestVolume_OpenDirectory(t *testing.T) {
	vol, _ := newTestVolume()

	dir, err := vol.OpenDirectory(testRootMftIndex)
	log.PanicIf(err)

	entries := dir.Entries()

	if len(entries) != 2 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	}
}

func TestVolume_OpenDirectory_NamespaceMerge(t *testing.T) {
	vol, _ := newTestVolume()

	dir, err := vol.OpenDirectory(testRootMftIndex)
	log.PanicIf(err)

	// hello.txt is indexed under both the WIN32 and DOS namespaces; the two
	// entries collapse into one, with the long name on display.

	entry := dir.FindEntry(testFileMftIndex)
	if entry == nil {
		t.Fatalf("File entry not found.")
	}

	if entry.Name != "hello.txt" {
		t.Fatalf("Display name not correct: [%s]", entry.Name)
	} else if entry.DosName != "HELLO~1.TXT" {
		t.Fatalf("DOS name not correct: [%s]", entry.DosName)
	} else if entry.Deleted == true {
		t.Fatalf("Live entry reported deleted.")
	} else if entry.Size != testFileSize {
		t.Fatalf("Entry size not correct: (%d)", entry.Size)
	} else if entry.ParentMftIndex != testRootMftIndex {
		t.Fatalf("Entry parent not correct: (%d)", entry.ParentMftIndex)
	}
}

func TestVolume_OpenDirectory_DeletedEntry(t *testing.T) {
	vol, _ := newTestVolume()

	dir, err := vol.OpenDirectory(testRootMftIndex)
	log.PanicIf(err)

	// deleted.txt occupies the third index slot, whose bitmap bit is clear.

	entry := dir.FindEntry(testDeletedMftIndex)
	if entry == nil {
		t.Fatalf("Deleted entry not indexed.")
	}

	if entry.Deleted != true {
		t.Fatalf("Deleted entry not flagged.")
	}

	if entry.Name != "deleted.txt" {
		t.Fatalf("Deleted entry name not correct: [%s]", entry.Name)
	}
}

func TestVolume_OpenDirectory_NotDirectory(t *testing.T) {
	vol, _ := newTestVolume()

	if _, err := vol.OpenDirectory(testFileMftIndex); err != ErrNotDirectory {
		t.Fatalf("Non-directory not detected: %v", err)
	}
}

func TestVolume_OpenDirectory_UnreadableIndexCluster(t *testing.T) {
	vol, _ := newTestVolume(testIndxCluster)

	dir, err := vol.OpenDirectory(testRootMftIndex)
	log.PanicIf(err)

	// The lone INDX cluster is unreadable: the listing is empty and the
	// cluster is tracked against the directory's record.

	if len(dir.Entries()) != 0 {
		t.Fatalf("Entries decoded from unreadable cluster.")
	}

	if containsCluster(vol.BadClusters().ClustersForMft(testRootMftIndex), testIndxCluster) != true {
		t.Fatalf("Index cluster not tracked as bad.")
	}
}

func TestDecodeIndxBlock_Corrupt(t *testing.T) {
	vol, _ := newTestVolume()

	dir := &Directory{
		mftIndex: testRootMftIndex,
		entries:  make([]*DirectoryEntry, 0),
		byIndex:  make(map[uint32]*DirectoryEntry),
	}

	position := 0

	// A bad magic is rejected outright.

	block := buildTestIndxBlock()
	copy(block[0:], "XXXX")

	if err := vol.decodeIndxBlock(dir, block, Bitmap{}, &position); err != ErrIndexCorrupt {
		t.Fatalf("Bad magic not rejected: %v", err)
	}

	// An entry shorter than its own header stops iteration.

	block = buildTestIndxBlock(testIndxEntry{
		mftIndex: testFileMftIndex,
		key:      buildTestFilenameValue(testRootMftIndex, "hello.txt", NamespaceWin32, testFileSize, 0x20),
	})

	putUint16(block, 64+8, 8)

	if err := vol.decodeIndxBlock(dir, block, Bitmap{}, &position); err != ErrIndexCorrupt {
		t.Fatalf("Undersized entry not rejected: %v", err)
	}
}
