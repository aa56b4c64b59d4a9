package main

import (
	"os"
	"strconv"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-ntfs-rescue"
)

type rootParameters struct {
	ImageFilepath   string `short:"f" long:"image-filepath" description:"File-path of the partial disk image" required:"true"`
	PartitionOffset string `short:"t" long:"partition-offset" description:"Byte offset of the NTFS partition in the image (hex accepted)" default:"0"`
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

	f, err := os.Open(rootArguments.ImageFilepath)
	log.PanicIf(err)

	defer f.Close()

	// The boot sector has to be decodable for this tool to be of any use, so
	// consider the whole image safe rather than requiring a map file.

	imageSize, err := f.Seek(0, os.SEEK_END)
	log.PanicIf(err)

	safeRegions := ntfsrescue.NewSafeRegionIndex()
	safeRegions.Add(0, uint64(imageSize))

	vol, err := ntfsrescue.NewVolume(f, partitionOffset, safeRegions)
	log.PanicIf(err)

	defer vol.Close()

	vol.BootSectorHeader().Dump()
}
