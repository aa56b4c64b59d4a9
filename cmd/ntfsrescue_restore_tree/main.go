package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-ntfs-rescue"
)

type rootParameters struct {
	ImageFilepath   string `short:"f" long:"image-filepath" description:"File-path of the partial disk image" required:"true"`
	MapFilepath     string `short:"m" long:"map-filepath" description:"File-path of the imaging tool's map file" required:"true"`
	PartitionOffset string `short:"t" long:"partition-offset" description:"Byte offset of the NTFS partition in the image (hex accepted)" default:"0"`
	RootMftIndex    uint64 `short:"r" long:"root-mft-index" description:"MFT index of the directory to restore from" default:"5"`
	OutputPath      string `short:"o" long:"output-path" description:"Directory to restore into" required:"true"`
	OverlayFilepath string `long:"overlay" description:"Base file-path of the recovery overlay"`
	DevicePath      string `long:"device" description:"Source device to recover missing clusters from (requires --overlay)"`
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

	if rootArguments.DevicePath != "" && rootArguments.OverlayFilepath == "" {
		fmt.Printf("--device requires --overlay.\n")
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

	err = vol.RestoreTree(rootArguments.RootMftIndex, rootArguments.OutputPath)
	log.PanicIf(err)

	if vol.BadClusters().Len() > 0 {
		fmt.Printf("Unreadable regions (pos len, hex):\n")

		err = vol.BadClusters().WriteByteRegions(os.Stdout, vol.PartitionOffset(), vol.ClusterSize())
		log.PanicIf(err)
	}

	if rootArguments.DevicePath != "" && vol.BadClusters().Len() > 0 {
		device, err := ntfsrescue.OpenFileDeviceReader(rootArguments.DevicePath)
		log.PanicIf(err)

		defer device.Close()

		recoveredCount, recoverErr := vol.RecoverBadClusters(device)

		// Keep the index entries for whatever was recovered before a device
		// failure.

		err = vol.Overlay().Save()
		log.PanicIf(err)

		fmt.Printf("(%d) clusters recovered to overlay.\n", recoveredCount)

		log.PanicIf(recoverErr)
	}
}
