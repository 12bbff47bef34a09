// Command nf2fsctl formats and inspects NF2FS images backed by a plain
// file, in retroio's cobra-subcommand style.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nf2fs/internal/version"
)

var (
	imagePath   string
	sectorSize  int
	sectorCount int
	regionCnt   int
	cacheSize   int
)

var rootCmd = &cobra.Command{
	Use:   "nf2fsctl",
	Short: "Inspect and format NF2FS images",
	Long: `nf2fsctl formats, mounts, and reports on NF2FS log-structured
filesystem images, using a regular file in place of raw NOR flash.`,
	Version: version.Get().String(),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "nf2fs.img", "path to the backing image file")
	rootCmd.PersistentFlags().IntVar(&sectorSize, "sector-size", 4096, "sector size in bytes")
	rootCmd.PersistentFlags().IntVar(&sectorCount, "sector-count", 8192, "total sectors on the image")
	rootCmd.PersistentFlags().IntVar(&regionCnt, "region-cnt", 128, "number of wear-leveling regions (power of two)")
	rootCmd.PersistentFlags().IntVar(&cacheSize, "cache-size", 256, "rcache/pcache size in bytes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
