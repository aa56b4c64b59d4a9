package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"path/filepath"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-ntfs-rescue"
)

type rootParameters struct {
	ImageFilepath   string `short:"f" long:"image-filepath" description:"File-path of the partial disk image" required:"true"`
	MapFilepath     string `short:"m" long:"map-filepath" description:"File-path of the imaging tool's map file" required:"true"`
	PartitionOffset string `short:"t" long:"partition-offset" description:"Byte offset of the NTFS partition in the image (hex accepted)" default:"0"`
	RootMftIndex    uint64 `short:"r" long:"root-mft-index" description:"MFT index of the directory to walk from" default:"5"`
	OverlayFilepath string `long:"overlay" description:"Base file-path of a recovery overlay to consult"`
	FilenameFilter  string `short:"p" long:"pattern" description:"Filename filter"`
	ShowDetail      bool   `short:"d" long:"detail" description:"Show additional entry detail"`
	ScanMft         bool   `short:"s" long:"scan-mft" description:"Scan every MFT record instead of walking the tree"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	partitionOffset, err := strconv.ParseUint(rootArguments.PartitionOffset, 0, 64)
	log.PanicIf(err)

	safeRegions, err := ntfsrescue.LoadSafeRegionsFromMapfile(rootArguments.MapFilepath)
	log.PanicIf(err)

	f, err := os.Open(rootArguments.ImageFilepath)
	log.PanicIf(err)

	defer f.Close()

	vol, err := ntfsrescue.NewVolume(f, partitionOffset, safeRegions)
	log.PanicIf(err)

	defer vol.Close()

	if rootArguments.OverlayFilepath != "" {
		overlay, err := ntfsrescue.OpenOverlay(rootArguments.OverlayFilepath, vol.ClusterSize(), partitionOffset)
		log.PanicIf(err)

		vol.AttachOverlay(overlay)
	}

	if rootArguments.ScanMft == true {
		scanMft(vol)
		return
	}

	cb := func(pathParts []string, entry *ntfsrescue.DirectoryEntry) (err error) {
		defer func() {
			if errRaw := recover(); errRaw != nil {
				err = log.Wrap(errRaw.(error))
			}
		}()

		if rootArguments.FilenameFilter != "" {
			isMatched, err := filepath.Match(rootArguments.FilenameFilter, entry.Name)
			log.PanicIf(err)

			if isMatched != true {
				return nil
			}
		}

		entryPath := strings.Join(pathParts, "/")

		if rootArguments.ShowDetail == true {
			fmt.Printf("## %s\n", entryPath)
			fmt.Printf("\n")
			fmt.Printf("MftIndex: (%d)\n", entry.MftIndex)
			fmt.Printf("ParentMftIndex: (%d)\n", entry.ParentMftIndex)
			fmt.Printf("DosName: [%s]\n", entry.DosName)
			fmt.Printf("Attributes: (0x%08x)\n", entry.Attributes)
			fmt.Printf("Size: (%d)\n", entry.Size)
			fmt.Printf("Deleted: [%v]\n", entry.Deleted)
			fmt.Printf("Created: [%s]\n", entry.Created.Time())
			fmt.Printf("Modified: [%s]\n", entry.Modified.Time())
			fmt.Printf("Accessed: [%s]\n", entry.Accessed.Time())
			fmt.Printf("\n")
		} else {
			fmt.Printf("%15s %30s %s\n", humanize.Comma(int64(entry.Size)), entry.Modified.Time(), entryPath)
		}

		return nil
	}

	err = vol.WalkTree(rootArguments.RootMftIndex, cb)
	log.PanicIf(err)

	if vol.BadClusters().Len() > 0 {
		fmt.Printf("\nUnreadable regions (pos len, hex):\n")

		err = vol.BadClusters().WriteByteRegions(os.Stdout, vol.PartitionOffset(), vol.ClusterSize())
		log.PanicIf(err)
	}
}

func scanMft(vol *ntfsrescue.Volume) {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	cb := func(record *ntfsrescue.MftRecord) (doContinue bool, err error) {
		name := record.Name()
		if name == "" {
			return true, nil
		}

		size := record.FileSize
		if record.DataRun != nil {
			size = record.DataRun.ByteSize
		}

		fmt.Printf("|%s|%s|%s|%s|%d|%d\n", name, record.Created.Time().Format("2006-01-02"), record.Modified.Time().Format("2006-01-02"), record.Accessed.Time().Format("2006-01-02"), record.MftIndex, size)

		return true, nil
	}

	err := vol.ScanMft(cb)
	log.PanicIf(err)
}
