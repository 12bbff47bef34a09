package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nf2fs"
)

var formatCmd = &cobra.Command{
	Use:                   "format",
	Short:                 "Create a fresh NF2FS image",
	Args:                  cobra.NoArgs,
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openFileDevice(imagePath, sectorSize, sectorCount, true)
		if err != nil {
			return err
		}
		defer dev.Close()

		fs, err := nf2fs.Format(nf2fs.Config{
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

		fmt.Printf("formatted %s: %d sectors x %d bytes, %d regions\n", imagePath, sectorCount, sectorSize, regionCnt)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)
}
