package ntfsrescue

import (
	"bytes"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestVolume_WalkTree_RootListing(t *testing.T) {
	vol, _ := newTestVolume()

	visited := make([]*DirectoryEntry, 0)
	paths := make([]string, 0)

	cb := func(pathParts []string, entry *DirectoryEntry) (err error) {
		visited = append(visited, entry)
		paths = append(paths, strings.Join(pathParts, "/"))

		return nil
	}

	err := vol.WalkTree(testRootMftIndex, cb)
	log.PanicIf(err)

	// The deleted entry is skipped; exactly the one live file remains.

	if len(visited) != 1 {
		t.Fatalf("Visit count not correct: (%d)", len(visited))
	}

	entry := visited[0]

	if entry.MftIndex != testFileMftIndex {
		t.Fatalf("Visited MFT index not correct: (%d)", entry.MftIndex)
	} else if entry.Name != "hello.txt" {
		t.Fatalf("Visited name not correct: [%s]", entry.Name)
	} else if entry.Deleted == true {
		t.Fatalf("Visited entry reported deleted.")
	} else if entry.Size != testFileSize {
		t.Fatalf("Visited size not correct: (%d)", entry.Size)
	}

	if paths[0] != "hello.txt" {
		t.Fatalf("Visited path not correct: [%s]", paths[0])
	}
}

func TestVolume_WalkTree_AuditsContent(t *testing.T) {
	// The file's second content cluster is missing: the walk itself must
	// discover that, without anything extracting the content.

	vol, _ := newTestVolume(testContentCluster + 1)

	cb := func(pathParts []string, entry *DirectoryEntry) (err error) {
		return nil
	}

	err := vol.WalkTree(testRootMftIndex, cb)
	log.PanicIf(err)

	if containsCluster(vol.BadClusters().ClustersForMft(testFileMftIndex), testContentCluster+1) != true {
		t.Fatalf("Missing content cluster not discovered by the walk.")
	}
}

func TestVolume_CheckDataRun(t *testing.T) {
	vol, _ := newTestVolume()

	complete, err := vol.CheckDataRun(testFileMftIndex)
	log.PanicIf(err)

	if complete != true {
		t.Fatalf("Fully readable run reported incomplete.")
	}

	vol, _ = newTestVolume(testContentCluster + 1)

	complete, err = vol.CheckDataRun(testFileMftIndex)
	log.PanicIf(err)

	if complete == true {
		t.Fatalf("Run with missing cluster reported complete.")
	}
}

func TestVolume_RestoreFile(t *testing.T) {
	vol, _ := newTestVolume()

	tempPath, err := ioutil.TempDir("", "ntfsrescue_restore")
	log.PanicIf(err)

	defer os.RemoveAll(tempPath)

	dir, err := vol.OpenDirectory(testRootMftIndex)
	log.PanicIf(err)

	entry := dir.FindEntry(testFileMftIndex)

	outputFilepath := path.Join(tempPath, entry.Name)

	err = vol.RestoreFile(entry, outputFilepath)
	log.PanicIf(err)

	restored, err := ioutil.ReadFile(outputFilepath)
	log.PanicIf(err)

	if bytes.Equal(restored, buildTestContent()) != true {
		t.Fatalf("Restored content not correct: (%d) bytes", len(restored))
	}

	// Timestamps are restored from the entry.

	fi, err := os.Stat(outputFilepath)
	log.PanicIf(err)

	if fi.ModTime().Unix() != entry.Modified.Unix() {
		t.Fatalf("Restored mtime not correct: (%d) != (%d)", fi.ModTime().Unix(), entry.Modified.Unix())
	}
}

func TestVolume_RestoreFile_ZeroFill(t *testing.T) {
	// The second content cluster is unreadable: its portion of the output is
	// zero-filled, never stale image bytes.

	vol, _ := newTestVolume(testContentCluster + 1)

	tempPath, err := ioutil.TempDir("", "ntfsrescue_restore")
	log.PanicIf(err)

	defer os.RemoveAll(tempPath)

	dir, err := vol.OpenDirectory(testRootMftIndex)
	log.PanicIf(err)

	entry := dir.FindEntry(testFileMftIndex)

	outputFilepath := path.Join(tempPath, entry.Name)

	err = vol.RestoreFile(entry, outputFilepath)
	log.PanicIf(err)

	restored, err := ioutil.ReadFile(outputFilepath)
	log.PanicIf(err)

	if len(restored) != testFileSize {
		t.Fatalf("Restored length not correct: (%d)", len(restored))
	}

	content := buildTestContent()

	if bytes.Equal(restored[:testClusterSize], content[:testClusterSize]) != true {
		t.Fatalf("Readable portion not correct.")
	}

	for i := testClusterSize; i < testFileSize; i++ {
		if restored[i] != 0 {
			t.Fatalf("Unreadable portion not zero-filled at (%d).", i)
		}
	}

	if containsCluster(vol.BadClusters().ClustersForMft(testFileMftIndex), testContentCluster+1) != true {
		t.Fatalf("Missing content cluster not tracked.")
	}
}

func TestVolume_RestoreFile_Resident(t *testing.T) {
	vol, _ := newTestVolume()

	tempPath, err := ioutil.TempDir("", "ntfsrescue_restore")
	log.PanicIf(err)

	defer os.RemoveAll(tempPath)

	// The deleted entry's record is still intact; restore it directly.

	dir, err := vol.OpenDirectory(testRootMftIndex)
	log.PanicIf(err)

	entry := dir.FindEntry(testDeletedMftIndex)

	outputFilepath := path.Join(tempPath, "deleted.txt")

	err = vol.RestoreFile(entry, outputFilepath)
	log.PanicIf(err)

	restored, err := ioutil.ReadFile(outputFilepath)
	log.PanicIf(err)

	if string(restored) != "old content" {
		t.Fatalf("Restored resident content not correct: [%s]", string(restored))
	}
}

func TestVolume_RestoreTree(t *testing.T) {
	vol, _ := newTestVolume()

	tempPath, err := ioutil.TempDir("", "ntfsrescue_restore")
	log.PanicIf(err)

	defer os.RemoveAll(tempPath)

	outputPath := path.Join(tempPath, "restored")

	err = vol.RestoreTree(testRootMftIndex, outputPath)
	log.PanicIf(err)

	restored, err := ioutil.ReadFile(path.Join(outputPath, "hello.txt"))
	log.PanicIf(err)

	if bytes.Equal(restored, buildTestContent()) != true {
		t.Fatalf("Restored tree content not correct.")
	}

	// The deleted entry was not restored.

	if _, err := os.Stat(path.Join(outputPath, "deleted.txt")); os.IsNotExist(err) != true {
		t.Fatalf("Deleted entry was restored.")
	}
}
