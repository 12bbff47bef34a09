package nf2fs

import (
	"fmt"
	"testing"

	"nf2fs/internal/config"
	"nf2fs/internal/flashsim"
)

// baseConfig is a small but representative device geometry: sector_size=4096,
// sector_count=8192, region_cnt=128, cache_size=256.
func baseConfig(dev *flashsim.Sim) Config {
	return Config{
		Device:      dev,
		SectorSize:  4096,
		SectorCount: 8192,
		RegionCnt:   128,
		CacheSize:   256,
	}
}

// First readdir on a freshly formatted root returns no entries.
func TestFormatAndEmptyRootReaddir(t *testing.T) {
	dev := flashsim.New(4096, 8192)
	fs, err := Format(baseConfig(dev))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer fs.Unmount()

	fd, err := fs.OpenDir("/")
	if err != nil {
		t.Fatalf("OpenDir(/): %v", err)
	}
	defer fs.CloseDir(fd)

	_, more, err := fs.Readdir(fd)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if more {
		t.Fatalf("expected end-of-directory on a fresh root")
	}
}

// S2: small file round-trip across unmount/mount.
func TestSmallFileRoundTripAcrossMount(t *testing.T) {
	dev := flashsim.New(4096, 8192)
	cfg := baseConfig(dev)

	fs, err := Format(cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	fd, err := fs.Create("/f")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := make([]byte, 32)
	for i := range want {
		want[i] = byte(i)
	}
	if n, err := fs.Write(fd, want); err != nil || n != len(want) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	fs2, err := Mount(cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer fs2.Unmount()

	fd2, err := fs2.Open("/f")
	if err != nil {
		t.Fatalf("Open(/f): %v", err)
	}
	if _, err := fs2.Seek(fd2, 0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 32)
	n, err := fs2.Read(fd2, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 32 {
		t.Fatalf("expected 32 bytes, got %d", n)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: want %#x got %#x", i, want[i], got[i])
		}
	}
}

// S3: a write that crosses the small/big threshold (64 bytes) promotes the
// file in place; the whole concatenated payload survives a remount.
func TestSmallToBigPromotion(t *testing.T) {
	dev := flashsim.New(4096, 8192)
	cfg := baseConfig(dev)

	fs, err := Format(cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	fd, err := fs.Create("/g")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first := make([]byte, 60)
	if _, err := fs.Write(fd, first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	second := make([]byte, 20)
	if _, err := fs.Write(fd, second); err != nil {
		t.Fatalf("second write (crosses threshold): %v", err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	fs2, err := Mount(cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer fs2.Unmount()

	fd2, err := fs2.Open("/g")
	if err != nil {
		t.Fatalf("Open(/g): %v", err)
	}
	buf := make([]byte, 80)
	n, err := fs2.Read(fd2, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 80 {
		t.Fatalf("expected file size 80 after promotion, got %d", n)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d: expected 0, got %#x", i, b)
		}
	}
}

// S4: a big file's random overwrite only disturbs the written range; the
// surrounding bytes and the overall file size are unaffected.
func TestBigFileRandomOverwrite(t *testing.T) {
	dev := flashsim.New(4096, 8192)
	cfg := baseConfig(dev)

	fs, err := Format(cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer fs.Unmount()

	fd, err := fs.Create("/h")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const size = 2 * 1024 * 1024
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = 0xAA
	}
	if _, err := fs.Write(fd, payload); err != nil {
		t.Fatalf("append 2MiB: %v", err)
	}

	if _, err := fs.Seek(fd, 1_000_000, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	overwrite := make([]byte, 1024)
	for i := range overwrite {
		overwrite[i] = 0xBB
	}
	if _, err := fs.Write(fd, overwrite); err != nil {
		t.Fatalf("random overwrite: %v", err)
	}

	if _, err := fs.Seek(fd, 1_000_000, 0); err != nil {
		t.Fatalf("Seek back: %v", err)
	}
	got := make([]byte, 1024)
	if _, err := fs.Read(fd, got); err != nil {
		t.Fatalf("Read overwritten range: %v", err)
	}
	for i, b := range got {
		if b != 0xBB {
			t.Fatalf("overwritten byte %d: want 0xBB got %#x", i, b)
		}
	}

	one := make([]byte, 1)
	if _, err := fs.Seek(fd, 0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := fs.Read(fd, one); err != nil {
		t.Fatalf("Read byte 0: %v", err)
	}
	if one[0] != 0xAA {
		t.Fatalf("byte 0 should be untouched 0xAA, got %#x", one[0])
	}

	if _, err := fs.Seek(fd, size-1, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := fs.Read(fd, one); err != nil {
		t.Fatalf("Read last byte: %v", err)
	}
	if one[0] != 0xAA {
		t.Fatalf("last byte should be untouched 0xAA, got %#x", one[0])
	}
}

// Directory and file lifecycle: Mkdir, nested Create, Unlink, Rmdir, and
// readdir reflecting live entries only.
func TestDirectoryLifecycle(t *testing.T) {
	dev := flashsim.New(4096, 8192)
	fs, err := Format(baseConfig(dev))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer fs.Unmount()

	if err := fs.Mkdir("/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.Mkdir("/sub"); err == nil {
		t.Fatalf("expected EXIST on duplicate Mkdir")
	}

	fd, err := fs.Create("/sub/a")
	if err != nil {
		t.Fatalf("Create nested file: %v", err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := fs.Rmdir("/sub"); err == nil {
		t.Fatalf("expected NOTEMPTY removing a non-empty directory")
	}

	if err := fs.Unlink("/sub/a"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := fs.Rmdir("/sub"); err != nil {
		t.Fatalf("Rmdir after emptying: %v", err)
	}

	if _, err := fs.Open("/sub/a"); err == nil {
		t.Fatalf("expected NOENT after unlink+rmdir")
	}
}

// A directory populated with alternating create/delete (scaled down for
// test speed) ends up listing only the survivors, in whatever order
// readdir returns them. At this scale the deletes leave old_space below the
// directory GC threshold, so no compaction runs here.
func TestDirectoryListsOnlyLiveEntries(t *testing.T) {
	dev := flashsim.New(4096, 8192)
	fs, err := Format(baseConfig(dev))
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer fs.Unmount()

	const total = 40
	live := map[string]bool{}
	for i := 0; i < total; i++ {
		name := fmt.Sprintf("/f%03d", i)
		fd, err := fs.Create(name)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
		if _, err := fs.Write(fd, make([]byte, 32)); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
		if err := fs.Close(fd); err != nil {
			t.Fatalf("Close(%s): %v", name, err)
		}
		if i%2 == 0 {
			if err := fs.Unlink(name); err != nil {
				t.Fatalf("Unlink(%s): %v", name, err)
			}
		} else {
			live[name] = true
		}
	}

	fd, err := fs.OpenDir("/")
	if err != nil {
		t.Fatalf("OpenDir(/): %v", err)
	}
	defer fs.CloseDir(fd)

	seen := map[string]bool{}
	for {
		e, more, err := fs.Readdir(fd)
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if !more {
			break
		}
		seen["/"+e.Name] = true
	}
	if len(seen) != len(live) {
		t.Fatalf("expected %d live entries, saw %d: %v", len(live), len(seen), seen)
	}
	for name := range live {
		if !seen[name] {
			t.Fatalf("expected %s to be listed, it was not", name)
		}
	}
	for name := range seen {
		if !live[name] {
			t.Fatalf("deleted entry %s is still listed", name)
		}
	}
}

// Repeated create/unlink plus interspersed unmount/mount cycles (scaled
// down for test speed) never fail, and the erase-count spread stays within
// min + 2*WLMigrateThreshold*region_size.
func TestMountRotationWearBound(t *testing.T) {
	dev := flashsim.New(4096, 8192)
	cfg := baseConfig(dev)

	fs, err := Format(cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	const cycles = 300
	const remounts = 5
	perBatch := cycles / remounts

	for b := 0; b < remounts; b++ {
		for i := 0; i < perBatch; i++ {
			fd, err := fs.Create("/ai")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := fs.Close(fd); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := fs.Unlink("/ai"); err != nil {
				t.Fatalf("Unlink: %v", err)
			}
		}
		if err := fs.Unmount(); err != nil {
			t.Fatalf("Unmount (batch %d): %v", b, err)
		}
		fs, err = Mount(cfg)
		if err != nil {
			t.Fatalf("Mount (batch %d): %v", b, err)
		}
	}
	defer fs.Unmount()

	bound := dev.MinEraseCount() + 2*config.WLMigrateThreshold*uint32(cfg.RegionSize())
	if got := dev.MaxEraseCount(); got > bound {
		t.Fatalf("max erase count %d exceeds bound %d (min=%d)", got, bound, dev.MinEraseCount())
	}
}
