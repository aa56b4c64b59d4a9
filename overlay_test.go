package ntfsrescue

import (
	"bytes"
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/dsoprea/go-logging"
)

const (
	testOverlayClusterSize = 1024
)

func newTestOverlay(t *testing.T) (overlay *Overlay, tempPath string) {
	tempPath, err := ioutil.TempDir("", "ntfsrescue_overlay")
	log.PanicIf(err)

	overlay, err = OpenOverlay(path.Join(tempPath, "overlay"), testOverlayClusterSize, testPartitionOffset)
	log.PanicIf(err)

	return overlay, tempPath
}

func testClusterPayload(fill byte) []byte {
	payload := make([]byte, testOverlayClusterSize)
	for i := range payload {
		payload[i] = fill
	}

	return payload
}

func TestOverlay_PutGet(t *testing.T) {
	overlay, tempPath := newTestOverlay(t)

	defer os.RemoveAll(tempPath)
	defer overlay.Close()

	err := overlay.Put(10, testClusterPayload(0xaa))
	log.PanicIf(err)

	recovered, err := overlay.Get(10)
	log.PanicIf(err)

	if bytes.Equal(recovered, testClusterPayload(0xaa)) != true {
		t.Fatalf("Recovered payload not correct.")
	}

	if _, err := overlay.Get(11); err != ErrClusterNotInOverlay {
		t.Fatalf("Missing cluster not reported: %v", err)
	}
}

func TestOverlay_Put_OverwriteInPlace(t *testing.T) {
	overlay, tempPath := newTestOverlay(t)

	defer os.RemoveAll(tempPath)
	defer overlay.Close()

	err := overlay.Put(10, testClusterPayload(0x11))
	log.PanicIf(err)

	err = overlay.Put(12, testClusterPayload(0x22))
	log.PanicIf(err)

	err = overlay.Put(10, testClusterPayload(0x33))
	log.PanicIf(err)

	if overlay.Count() != 2 {
		t.Fatalf("Entry count not correct: (%d)", overlay.Count())
	}

	recovered, err := overlay.Get(10)
	log.PanicIf(err)

	if bytes.Equal(recovered, testClusterPayload(0x33)) != true {
		t.Fatalf("Overwrite did not take.")
	}

	// The overwrite must not have grown the payload file.

	fi, err := os.Stat(path.Join(tempPath, "overlay.dat"))
	log.PanicIf(err)

	if fi.Size() != 2*testOverlayClusterSize {
		t.Fatalf("Payload file size not correct: (%d)", fi.Size())
	}
}

func TestOverlay_Save_Invariants(t *testing.T) {
	overlay, tempPath := newTestOverlay(t)

	defer os.RemoveAll(tempPath)
	defer overlay.Close()

	for _, cluster := range []uint64{12, 10, 44, 7} {
		err := overlay.Put(cluster, testClusterPayload(byte(cluster)))
		log.PanicIf(err)
	}

	err := overlay.Save()
	log.PanicIf(err)

	// After a successful save, the index exists and the backup does not.

	if _, err := os.Stat(path.Join(tempPath, "overlay.~dx")); os.IsNotExist(err) != true {
		t.Fatalf("Index backup still present after save.")
	}

	indexData, err := ioutil.ReadFile(path.Join(tempPath, "overlay.idx"))
	log.PanicIf(err)

	if len(indexData) != 4*overlayIndexRecordSize {
		t.Fatalf("Index size not correct: (%d)", len(indexData))
	}

	// Records are sorted ascending by cluster.

	expectedClusters := []uint64{7, 10, 12, 44}

	for i, expected := range expectedClusters {
		cluster := defaultEncoding.Uint64(indexData[i*overlayIndexRecordSize:])

		if cluster != expected {
			t.Fatalf("Record (%d) cluster not correct: (%d) != (%d)", i, cluster, expected)
		}
	}

	// The distinct-put count matches the payload size.

	fi, err := os.Stat(path.Join(tempPath, "overlay.dat"))
	log.PanicIf(err)

	if fi.Size() != 4*testOverlayClusterSize {
		t.Fatalf("Payload file size not correct: (%d)", fi.Size())
	}

	// A second save replaces the index and again leaves no backup behind.

	err = overlay.Save()
	log.PanicIf(err)

	if _, err := os.Stat(path.Join(tempPath, "overlay.~dx")); os.IsNotExist(err) != true {
		t.Fatalf("Index backup still present after second save.")
	}
}

func TestOverlay_Reopen(t *testing.T) {
	overlay, tempPath := newTestOverlay(t)

	defer os.RemoveAll(tempPath)

	err := overlay.Put(10, testClusterPayload(0x55))
	log.PanicIf(err)

	err = overlay.Save()
	log.PanicIf(err)

	err = overlay.Close()
	log.PanicIf(err)

	reopened, err := OpenOverlay(path.Join(tempPath, "overlay"), testOverlayClusterSize, testPartitionOffset)
	log.PanicIf(err)

	defer reopened.Close()

	if reopened.Count() != 1 {
		t.Fatalf("Reopened entry count not correct: (%d)", reopened.Count())
	}

	recovered, err := reopened.Get(10)
	log.PanicIf(err)

	if bytes.Equal(recovered, testClusterPayload(0x55)) != true {
		t.Fatalf("Reopened payload not correct.")
	}
}

func TestOverlay_Open_BackupPresent(t *testing.T) {
	overlay, tempPath := newTestOverlay(t)

	defer os.RemoveAll(tempPath)

	err := overlay.Put(10, testClusterPayload(0x55))
	log.PanicIf(err)

	err = overlay.Save()
	log.PanicIf(err)

	err = overlay.Close()
	log.PanicIf(err)

	// The on-disk state after a crash mid-rewrite: the backup is present.
	// The open must refuse until the user resolves it.

	indexData, err := ioutil.ReadFile(path.Join(tempPath, "overlay.idx"))
	log.PanicIf(err)

	err = ioutil.WriteFile(path.Join(tempPath, "overlay.~dx"), indexData, 0644)
	log.PanicIf(err)

	_, err = OpenOverlay(path.Join(tempPath, "overlay"), testOverlayClusterSize, testPartitionOffset)
	if err != ErrOverlayNeedsManualRecovery {
		t.Fatalf("Backup presence not detected: %v", err)
	}

	// Renaming the backup over the index (the user's decision) recovers the
	// pre-save state exactly.

	err = os.Rename(path.Join(tempPath, "overlay.~dx"), path.Join(tempPath, "overlay.idx"))
	log.PanicIf(err)

	reopened, err := OpenOverlay(path.Join(tempPath, "overlay"), testOverlayClusterSize, testPartitionOffset)
	log.PanicIf(err)

	defer reopened.Close()

	if reopened.Count() != 1 || reopened.Has(10) != true {
		t.Fatalf("Recovered index not correct.")
	}
}

// testPatternDevice returns a different payload for each successive read of
// the same offset.
type testPatternDevice struct {
	readCount int
}

func (tpd *testPatternDevice) ReadDeviceBytes(offset uint64, length int) (data []byte, err error) {
	tpd.readCount++

	data = make([]byte, length)
	for i := range data {
		data[i] = byte(tpd.readCount)
	}

	return data, nil
}

// testFailingDevice fails every read.
type testFailingDevice struct{}

func (testFailingDevice) ReadDeviceBytes(offset uint64, length int) (data []byte, err error) {
	return nil, ErrDeviceIo
}

func TestOverlay_Recover(t *testing.T) {
	overlay, tempPath := newTestOverlay(t)

	defer os.RemoveAll(tempPath)
	defer overlay.Close()

	device := new(testPatternDevice)

	// Recovering 10, 12, 10: two index entries, with cluster 10's payload
	// being the second (i.e. third) write.

	for _, cluster := range []uint64{10, 12, 10} {
		err := overlay.Recover(device, cluster)
		log.PanicIf(err)
	}

	if overlay.Count() != 2 {
		t.Fatalf("Entry count not correct: (%d)", overlay.Count())
	}

	recovered, err := overlay.Get(10)
	log.PanicIf(err)

	if bytes.Equal(recovered, testClusterPayload(3)) != true {
		t.Fatalf("Cluster 10 payload is not the most recent write.")
	}

	recovered, err = overlay.Get(12)
	log.PanicIf(err)

	if bytes.Equal(recovered, testClusterPayload(2)) != true {
		t.Fatalf("Cluster 12 payload not correct.")
	}
}

func TestOverlay_Recover_DeviceFailure(t *testing.T) {
	overlay, tempPath := newTestOverlay(t)

	defer os.RemoveAll(tempPath)
	defer overlay.Close()

	err := overlay.Recover(testFailingDevice{}, 10)
	if err != ErrDeviceIo {
		t.Fatalf("Device failure not surfaced: %v", err)
	}

	// The overlay must not have been touched.

	if overlay.Count() != 0 {
		t.Fatalf("Overlay mutated on failed recovery.")
	}

	fi, err := os.Stat(path.Join(tempPath, "overlay.dat"))
	log.PanicIf(err)

	if fi.Size() != 0 {
		t.Fatalf("Payload file grew on failed recovery.")
	}
}
