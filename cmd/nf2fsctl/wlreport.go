package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"nf2fs"
)

var wlReportCmd = &cobra.Command{
	Use:                   "wl-report",
	Short:                 "Report wear-leveling and allocation counters for an image",
	Args:                  cobra.NoArgs,
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		stats := fs.Stats()
		fmt.Printf("allocations:        %s\n", humanize.Comma(int64(stats.AllocCount)))
		fmt.Printf("in-place writes:    %s\n", humanize.Comma(int64(stats.InPlaceWriteCount)))

		if err := fs.Sync(); err != nil {
			return err
		}
		fmt.Printf("erase count (this run) min/max: %d/%d\n", dev.minEraseCount(), dev.maxEraseCount())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(wlReportCmd)
}
