package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nf2fs"
)

var statCmd = &cobra.Command{
	Use:                   "stat PATH",
	Short:                 "Report size and kind for a path inside an NF2FS image",
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		dev, err := openFileDevice(imagePath, sectorSize, sectorCount, false)
		if err != nil {
			return err
		}
		defer dev.Close()

		fs, err := nf2fs.Mount(nf2fs.Config{
			Device:      dev,
			SectorSize:  sectorSize,
			SectorCount: sectorCount,
			RegionCnt:   regionCnt,
			CacheSize:   cacheSize,
		})
		if err != nil {
			return err
		}
		defer fs.Unmount()

		if fd, err := fs.OpenDir(path); err == nil {
			defer fs.CloseDir(fd)
			var count int
			for {
				_, more, err := fs.Readdir(fd)
				if err != nil {
					return err
				}
				if !more {
					break
				}
				count++
			}
			fmt.Printf("%s: directory, %d entries\n", path, count)
			return nil
		}

		fd, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer fs.Close(fd)

		size, err := fs.Seek(fd, 0, 2)
		if err != nil {
			return err
		}
		fmt.Printf("%s: file, %s (%d bytes)\n", path, humanize.Bytes(uint64(size)), size)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statCmd)
}
