// Package cache implements the two device-facing buffers: rcache (read
// cache) and pcache (pending-program cache), plus the direct read/prog path
// and the mandatory cache-coherency sync.
//
// The device itself is a caller-supplied interface rather than a concrete
// file or block device, since the flash driver is an external collaborator
// supplied by the host.
package cache

import (
	"nf2fs/internal/nf2fserr"
)

// Device is the four synchronous callbacks NF2FS requires from the host.
// All are sector-relative: a sector index plus a byte offset within that
// sector.
type Device interface {
	Read(sector, off int, buf []byte) error
	Prog(sector, off int, buf []byte) error
	Erase(sector int) error
	Sync() error
}

// window describes the byte range currently buffered.
type window struct {
	sector int
	off    int
	size   int
	dirty  bool
}

func (w window) overlaps(sector, off, n int) bool {
	if w.size == 0 || sector != w.sector {
		return false
	}
	return off < w.off+w.size && off+n > w.off
}

func (w window) contains(sector, off, n int) bool {
	return w.size != 0 && sector == w.sector && off >= w.off && off+n <= w.off+w.size
}

// Cache is one of rcache/pcache: a single fixed-size buffer window over one
// device sector at a time.
type Cache struct {
	dev      Device
	buf      []byte
	capacity int
	w        window
}

func New(dev Device, capacity int) *Cache {
	return &Cache{dev: dev, buf: make([]byte, capacity), capacity: capacity}
}

// Read reads n bytes at (sector, off) into dst, consulting the buffered
// window first and falling through to the device otherwise.
func (c *Cache) Read(sector, off, n int, dst []byte) error {
	if c.w.contains(sector, off, n) {
		copy(dst, c.buf[off-c.w.off:off-c.w.off+n])
		return nil
	}
	return c.dev.Read(sector, off, dst[:n])
}

// Prog appends bytes into the pcache window when contiguous with the
// current window, flushing first if the append would overflow or the
// target isn't contiguous with what's already buffered; a non-contiguous
// write then starts a new window at its own position.
func (c *Cache) Prog(sector, off int, data []byte) error {
	if c.w.size == 0 {
		c.w = window{sector: sector, off: off}
	}
	appendPoint := c.w.sector == sector && off == c.w.off+c.w.size
	if !appendPoint || c.w.size+len(data) > c.capacity {
		if err := c.Flush(); err != nil {
			return err
		}
		c.w = window{sector: sector, off: off}
	}
	copy(c.buf[c.w.size:], data)
	c.w.size += len(data)
	c.w.dirty = true
	return nil
}

// Flush programs the buffered window to the device and clears it. Header
// re-validation (the two-phase commit) is done by the caller via
// DirectProg with the appropriate mask, after Flush returns.
func (c *Cache) Flush() error {
	if c.w.size == 0 || !c.w.dirty {
		c.w = window{}
		return nil
	}
	if err := c.dev.Prog(c.w.sector, c.w.off, c.buf[:c.w.size]); err != nil {
		return err
	}
	c.w = window{}
	return nil
}

// SyncOverlap mirrors any byte range a direct device program just wrote into
// this cache's buffered window, so a subsequent buffered read can't observe
// stale data: any program to (sector, offset) must synchronize both caches.
func (c *Cache) SyncOverlap(sector, off int, data []byte) {
	if !c.w.overlaps(sector, off, len(data)) {
		return
	}
	// Copy whichever sub-range of data actually falls inside the window.
	wStart := c.w.off
	wEnd := c.w.off + c.w.size
	rStart := off
	rEnd := off + len(data)
	lo := max(wStart, rStart)
	hi := min(wEnd, rEnd)
	if lo >= hi {
		return
	}
	copy(c.buf[lo-wStart:hi-wStart], data[lo-rStart:hi-rStart])
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Pair bundles rcache and pcache plus the raw device, providing the single
// cache-coherency choke point every write path routes through.
type Pair struct {
	Dev    Device
	RCache *Cache
	PCache *Cache
}

func NewPair(dev Device, cacheSize int) *Pair {
	return &Pair{Dev: dev, RCache: New(dev, cacheSize), PCache: New(dev, cacheSize)}
}

// DirectProg bypasses both caches (used for big-file payload sectors and
// writes larger than cache_size), then synchronizes both caches so any byte
// the caller could later read through them is the byte just written.
func (p *Pair) DirectProg(sector, off int, data []byte) error {
	if err := p.Dev.Prog(sector, off, data); err != nil {
		return err
	}
	p.RCache.SyncOverlap(sector, off, data)
	p.PCache.SyncOverlap(sector, off, data)
	return nil
}

// DirectRead bypasses both caches for a bulk read.
func (p *Pair) DirectRead(sector, off int, buf []byte) error {
	return p.Dev.Read(sector, off, buf)
}

// CacheRead consults pcache, then rcache, then falls through to the device,
// filling rcache with what it read.
func (p *Pair) CacheRead(sector, off, n int) ([]byte, error) {
	dst := make([]byte, n)
	if p.PCache.w.contains(sector, off, n) {
		return dst, p.PCache.Read(sector, off, n, dst)
	}
	if p.RCache.w.contains(sector, off, n) {
		return dst, p.RCache.Read(sector, off, n, dst)
	}
	if err := p.Dev.Read(sector, off, dst); err != nil {
		return nil, nf2fserr.Wrap(nf2fserr.IO, err, "cache_read device fallthrough")
	}
	// Opportunistically warm rcache with small reads only, matching the
	// "each the size of cache_size" constraint: never buffer more than fits.
	if n <= p.RCache.capacity {
		p.RCache.w = window{sector: sector, off: off, size: n}
		copy(p.RCache.buf, dst)
	}
	return dst, nil
}

// CacheProg routes a program through pcache; the caller is responsible for
// calling CacheFlush when a record boundary requires durability before
// proceeding (e.g. before reading back what was just written via a
// different path).
func (p *Pair) CacheProg(sector, off int, data []byte) error {
	return p.PCache.Prog(sector, off, data)
}

// CacheFlush flushes pcache to the device, then re-programs validated
// headers via revalidate (the two-phase commit), then syncs rcache to the
// flushed range.
func (p *Pair) CacheFlush(revalidate func(sector, off int) error) error {
	flushed := p.PCache.w
	if flushed.size == 0 {
		return nil
	}
	data := append([]byte(nil), p.PCache.buf[:flushed.size]...)
	if err := p.PCache.Flush(); err != nil {
		return nf2fserr.Wrap(nf2fserr.IO, err, "cache_flush prog")
	}
	if revalidate != nil {
		if err := revalidate(flushed.sector, flushed.off); err != nil {
			return err
		}
	}
	p.RCache.SyncOverlap(flushed.sector, flushed.off, data)
	return nil
}
