// Package config defines the Config struct an embedding host supplies at
// Mount/Format. Validation is an explicit, field-by-field Validate() that
// fills defaults and returns a descriptive error, rather than a
// tag-driven validation library.
package config

import (
	"github.com/pkg/errors"

	"nf2fs/internal/cache"
)

// Config is the mount-time geometry and policy NF2FS needs from the host.
// Device, SectorCount and RegionCnt are required; the other fields have
// workable defaults filled in by Validate.
type Config struct {
	// Device provides the four synchronous flash callbacks.
	Device cache.Device

	// ReadSize/ProgSize are the device's natural read/program granularity.
	// Both must divide CacheSize.
	ReadSize int
	ProgSize int

	// CacheSize is the size of each of rcache/pcache, in bytes. Must divide
	// SectorSize.
	CacheSize int

	// SectorSize/SectorCount describe device geometry.
	SectorSize  int
	SectorCount int

	// RegionCnt partitions the device into regions; must be a power of two,
	// <= 1024, and divide SectorCount.
	RegionCnt int

	// NameMax/FileMax bound name length and file size.
	NameMax int
	FileMax int64

	// Lock/Unlock are optional coarse-grained serialization hooks for an
	// embedder running NF2FS from multiple threads. NF2FS never calls these
	// itself.
	Lock   func()
	Unlock func()
}

const (
	// DefaultSectorSize is the default 4 KiB sector used when unset.
	DefaultSectorSize = 4096
	// MaxRegionCnt is the region_cnt ceiling.
	MaxRegionCnt = 1024
	// MaxNameLen is the name length ceiling.
	MaxNameLen = 255
	// MaxFileSize is the file size ceiling (32 MiB).
	MaxFileSize = 32 * 1024 * 1024
	// SmallFileThreshold is the small/big file split.
	SmallFileThreshold = 64
	// FileIndexNum triggers big-file index GC once an index reaches it.
	FileIndexNum = 20
	// WLStart is the scan_times threshold that engages wear-leveling phase 2.
	WLStart = 3000
	// WLMigrateThreshold is the per-candidate factor of the
	// changed_region_times migration trigger (2*4*50 = 400).
	WLMigrateThreshold = 50
	// IDMax is the 13-bit object id ceiling.
	IDMax = 8192
	// FileListMax bounds concurrently open files.
	FileListMax = 5
)

// Validate fills in defaults and checks geometry/policy constraints. It
// mutates c in place.
func (c *Config) Validate() error {
	if c.Device == nil {
		return errors.New("config: Device is required")
	}
	if c.SectorSize == 0 {
		c.SectorSize = DefaultSectorSize
	}
	if c.ReadSize == 0 {
		c.ReadSize = 1
	}
	if c.ProgSize == 0 {
		c.ProgSize = 1
	}
	if c.CacheSize == 0 {
		c.CacheSize = c.SectorSize
	}
	if c.NameMax == 0 {
		c.NameMax = MaxNameLen
	}
	if c.FileMax == 0 {
		c.FileMax = MaxFileSize
	}

	if c.SectorCount <= 0 {
		return errors.New("config: sector_count must be > 0")
	}
	if c.ReadSize <= 0 || c.CacheSize%c.ReadSize != 0 {
		return errors.Errorf("config: read_size (%d) must be > 0 and divide cache_size (%d)", c.ReadSize, c.CacheSize)
	}
	if c.ProgSize <= 0 || c.CacheSize%c.ProgSize != 0 {
		return errors.Errorf("config: prog_size (%d) must be > 0 and divide cache_size (%d)", c.ProgSize, c.CacheSize)
	}
	if c.SectorSize <= 0 || c.SectorSize%c.CacheSize != 0 {
		return errors.Errorf("config: cache_size (%d) must divide sector_size (%d)", c.CacheSize, c.SectorSize)
	}
	if c.RegionCnt <= 0 || c.RegionCnt > MaxRegionCnt || (c.RegionCnt&(c.RegionCnt-1)) != 0 {
		return errors.Errorf("config: region_cnt (%d) must be a power of two <= %d", c.RegionCnt, MaxRegionCnt)
	}
	if c.SectorCount%c.RegionCnt != 0 {
		return errors.Errorf("config: region_cnt (%d) must divide sector_count (%d)", c.RegionCnt, c.SectorCount)
	}
	if c.NameMax > MaxNameLen {
		return errors.Errorf("config: name_max (%d) exceeds %d", c.NameMax, MaxNameLen)
	}
	if c.FileMax > MaxFileSize {
		return errors.Errorf("config: file_max (%d) exceeds %d", c.FileMax, MaxFileSize)
	}
	return nil
}

// RegionSize is the sector count of a single region.
func (c Config) RegionSize() int { return c.SectorCount / c.RegionCnt }
