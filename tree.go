// This file walks the directory tree and restores file content out of the
// partial image.

package ntfsrescue

import (
	"io"
	"os"
	"path"

	"github.com/dsoprea/go-logging"
)

var (
	treeLogger = log.NewLogger("ntfsrescue.tree")
)

// TreeVisitorFunc is a visitor callback over live directory entries during a
// walk. Directories are visited before their children.
type TreeVisitorFunc func(pathParts []string, entry *DirectoryEntry) (err error)

// WalkTree traverses the directory tree depth-first from the given root MFT
// index. Only live entries are visited: the entry must not be deleted per
// its directory's bitmap, and its record slot must still be allocated in the
// $MFT bitmap. Every live entry's data run is audited against the safety
// oracle so the bad-cluster report covers content that was never extracted.
func (vol *Volume) WalkTree(rootMftIndex uint64, cb TreeVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	pathParts := make([]string, 0)

	err = vol.walkTree(rootMftIndex, pathParts, cb)
	log.PanicIf(err)

	return nil
}

func (vol *Volume) walkTree(mftIndex uint64, pathParts []string, cb TreeVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	// Directories that cannot be materialized are skipped; the traversal
	// continues with whatever else is reachable.

	dir, err := vol.OpenDirectory(mftIndex)
	if err != nil {
		treeLogger.Warningf(nil, "Could not open directory (%d): %s", mftIndex, err.Error())
		return nil
	}

	for _, entry := range dir.Entries() {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}

		if entry.Deleted == true {
			continue
		}

		// An indexed entry whose record slot was since released is stale.

		if vol.mftBitmap.IsSet(int(entry.MftIndex)) != true {
			continue
		}

		// Audit the entry's content clusters even if nothing extracts them.
		// $BadClus deliberately maps every bad sector and is exempt.

		if entry.Name != "$BadClus" {
			_, err := vol.CheckDataRun(uint64(entry.MftIndex))
			log.PanicIf(err)
		}

		childPathParts := make([]string, len(pathParts)+1)
		copy(childPathParts, pathParts)
		childPathParts[len(childPathParts)-1] = entry.Name

		err = cb(childPathParts, entry)
		log.PanicIf(err)

		if entry.IsDirectory() == true {
			err := vol.walkTree(uint64(entry.MftIndex), childPathParts, cb)
			log.PanicIf(err)
		}
	}

	return nil
}

// CheckDataRun probes every cluster of the record's $DATA run against the
// safety oracle, noting missing ones. It returns whether the content is
// fully readable.
func (vol *Volume) CheckDataRun(mftIndex uint64) (complete bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	cluster, _, err := vol.ClusterForMftIndex(mftIndex)
	if err == ErrMftIndexOutOfRange {
		treeLogger.Warningf(nil, "No record cluster for MFT index (%d).", mftIndex)
		return false, nil
	}

	log.PanicIf(err)

	if vol.IsClusterSafe(cluster) != true {
		vol.badClusters.Add(mftIndex, cluster)
		return false, nil
	}

	record, err := vol.ReadRecordByIndex(mftIndex)
	if err != nil {
		return false, nil
	}

	if record.DataRun == nil {
		return true, nil
	}

	complete = true

	for _, extent := range record.DataRun.Extents {
		if extent.Sparse == true {
			continue
		}

		for i := uint64(0); i < uint64(extent.Count); i++ {
			if vol.IsClusterSafe(extent.Cluster+i) != true {
				vol.badClusters.Add(mftIndex, extent.Cluster+i)
				complete = false
			}
		}
	}

	return complete, nil
}

// RestoreFile extracts the file content behind the given entry to the given
// path, truncating the final extent so the output length equals the real
// size. Clusters that cannot be read are zero-filled (never stale image
// bytes) and noted in the bad-cluster tracker. Access and modification times
// are restored from the entry's timestamps.
func (vol *Volume) RestoreFile(entry *DirectoryEntry, outputFilepath string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	record, err := vol.ReadRecordByIndex(uint64(entry.MftIndex))
	if err != nil {
		treeLogger.Warningf(nil, "Record (%d) for [%s] not decodable; not restored.", entry.MftIndex, entry.Name)
		return nil
	}

	if record.DataCompressed == true {
		treeLogger.Warningf(nil, "Content of [%s] (%d) is compressed; not restored.", entry.Name, entry.MftIndex)
		return nil
	}

	f, err := os.Create(outputFilepath)
	log.PanicIf(err)

	defer f.Close()

	if record.DataRun != nil {
		err = vol.writeDataRun(f, record.DataRun, uint64(entry.MftIndex))
		log.PanicIf(err)
	} else if record.DataResident != nil {
		_, err = f.Write(record.DataResident)
		log.PanicIf(err)
	}

	err = os.Chtimes(outputFilepath, entry.Accessed.Time(), entry.Modified.Time())
	log.PanicIf(err)

	return nil
}

// writeDataRun streams a data run's content, zero-filling sparse extents and
// unreadable clusters, and truncating the total written to the run's logical
// byte size.
func (vol *Volume) writeDataRun(w io.Writer, dataRun *DataRun, mftIndex uint64) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	clusterSize := vol.ClusterSize()
	zeroes := make([]byte, clusterSize)

	written := uint64(0)

	for _, extent := range dataRun.Extents {
		for i := uint64(0); i < uint64(extent.Count); i++ {
			if written >= dataRun.ByteSize {
				return nil
			}

			var data []byte

			if extent.Sparse == true {
				data = zeroes
			} else {
				var err error

				data, err = vol.ReadCluster(extent.Cluster + i)
				if err == ErrClusterNotReadable {
					vol.badClusters.Add(mftIndex, extent.Cluster+i)
					data = zeroes
				} else {
					log.PanicIf(err)
				}
			}

			if dataRun.ByteSize-written < clusterSize {
				data = data[:dataRun.ByteSize-written]
			}

			_, err := w.Write(data)
			log.PanicIf(err)

			written += uint64(len(data))
		}
	}

	return nil
}

// RestoreTree walks the tree from the given root and restores every live
// file under the output path, recreating the directory structure and
// restoring timestamps.
func (vol *Volume) RestoreTree(rootMftIndex uint64, outputPath string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = os.MkdirAll(outputPath, 0755)
	log.PanicIf(err)

	directoryTimestamps := make([]struct {
		path  string
		entry *DirectoryEntry
	}, 0)

	cb := func(pathParts []string, entry *DirectoryEntry) (err error) {
		defer func() {
			if errRaw := recover(); errRaw != nil {
				err = log.Wrap(errRaw.(error))
			}
		}()

		outputFilepath := path.Join(append([]string{outputPath}, pathParts...)...)

		if entry.IsDirectory() == true {
			err := os.MkdirAll(outputFilepath, 0755)
			log.PanicIf(err)

			directoryTimestamps = append(directoryTimestamps, struct {
				path  string
				entry *DirectoryEntry
			}{outputFilepath, entry})

			return nil
		}

		err = vol.RestoreFile(entry, outputFilepath)
		log.PanicIf(err)

		return nil
	}

	err = vol.WalkTree(rootMftIndex, cb)
	log.PanicIf(err)

	// Directory mtimes are restored last so file writes inside them do not
	// disturb the restored values.

	for i := len(directoryTimestamps) - 1; i >= 0; i-- {
		dt := directoryTimestamps[i]

		err := os.Chtimes(dt.path, dt.entry.Accessed.Time(), dt.entry.Modified.Time())
		log.PanicIf(err)
	}

	return nil
}
