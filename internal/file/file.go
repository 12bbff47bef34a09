// Package file implements the small/big file split: small files
// (<= small_file_threshold bytes) stored inline as a single data record in
// the owning directory's log, and big files as a sequence of
// (sector, off, size) extents indexed by an index record that is itself
// appended to the owning directory's log.
package file

import (
	"nf2fs/internal/cache"
	"nf2fs/internal/dirstore"
	"nf2fs/internal/head"
	"nf2fs/internal/nf2fserr"
	"nf2fs/internal/region"
	"nf2fs/internal/wire"
)

// Extent is one contiguous run of a big file's bytes on flash.
type Extent struct {
	Sector uint32
	Off    uint32
	Size   uint32
}

// Handle is the open-file RAM state: which directory owns it, its id, and
// whether it is currently small or promoted to big, plus its cached extent
// list (big) or cached payload (small).
type Handle struct {
	ID       uint32
	Dir      *dirstore.Dir
	Big      bool
	Extents  []Extent
	Data     []byte // small-file cached payload
	indexRec *dirstore.Record
	dataRec  *dirstore.Record
}

// Engine programs/reads file contents and owns promotion/GC policy.
type Engine struct {
	pair      *cache.Pair
	regions   *region.Manager
	dirs      *dirstore.Store
	sectorSize int
	smallMax   int
	indexMax   int
}

func New(pair *cache.Pair, regions *region.Manager, dirs *dirstore.Store, sectorSize, smallMax, indexMax int) *Engine {
	return &Engine{pair: pair, regions: regions, dirs: dirs, sectorSize: sectorSize, smallMax: smallMax, indexMax: indexMax}
}

// Open reconstructs a Handle from the directory log: the most recent
// SFILE_DATA or BFILE_INDEX record carrying this id wins.
func (e *Engine) Open(dir *dirstore.Dir, id uint32) (*Handle, error) {
	recs, err := e.dirs.Traverse(dir)
	if err != nil {
		return nil, err
	}
	h := &Handle{ID: id, Dir: dir}
	found := false
	for i := range recs {
		r := &recs[i]
		if r.Head.ID != id {
			continue
		}
		switch r.Head.Type {
		case head.TypeSFileData:
			h.Big = false
			h.Data = append([]byte(nil), r.Payload...)
			h.dataRec = r
			found = true
		case head.TypeBFileIndex:
			h.Big = true
			ext, err := decodeExtents(r.Payload)
			if err != nil {
				return nil, err
			}
			h.Extents = ext
			h.indexRec = r
			found = true
		}
	}
	if !found {
		return nil, nf2fserr.New(nf2fserr.NOENT, "file: no data record found for id")
	}
	return h, nil
}

// Create writes the initial (empty) small-file record for a newly created
// file; every new file starts small.
func (e *Engine) Create(dir *dirstore.Dir, id uint32) (*Handle, error) {
	rec, err := e.dirs.Append(dir, id, head.TypeSFileData, nil)
	if err != nil {
		return nil, err
	}
	return &Handle{ID: id, Dir: dir, Data: nil, dataRec: rec}, nil
}

// Size returns the file's current content length.
func (h *Handle) Size() int64 {
	if !h.Big {
		return int64(len(h.Data))
	}
	var total int64
	for _, ext := range h.Extents {
		total += int64(ext.Size)
	}
	return total
}

// ReadAt reads up to len(dst) bytes starting at off, returning the number
// of bytes actually read — short of len(dst) at EOF.
func (e *Engine) ReadAt(h *Handle, off int64, dst []byte) (int, error) {
	size := h.Size()
	if off >= size {
		return 0, nil
	}
	n := int64(len(dst))
	if off+n > size {
		n = size - off
	}
	if !h.Big {
		copy(dst, h.Data[off:off+n])
		return int(n), nil
	}
	return e.readExtents(h, off, dst[:n])
}

func (e *Engine) readExtents(h *Handle, off int64, dst []byte) (int, error) {
	var cur int64
	read := 0
	for _, ext := range h.Extents {
		extStart, extEnd := cur, cur+int64(ext.Size)
		cur = extEnd
		if extEnd <= off || read >= len(dst) {
			continue
		}
		begin := off
		if begin < extStart {
			begin = extStart
		}
		skip := begin - extStart
		want := int64(len(dst) - read)
		avail := int64(ext.Size) - skip
		if want > avail {
			want = avail
		}
		if want <= 0 {
			continue
		}
		buf := make([]byte, want)
		if err := e.pair.DirectRead(int(ext.Sector), int(ext.Off)+int(skip), buf); err != nil {
			return read, nf2fserr.Wrap(nf2fserr.IO, err, "file: read extent")
		}
		copy(dst[read:], buf)
		read += len(buf)
	}
	return read, nil
}

// WriteAt writes data at off, promoting a small file to big if the result
// would exceed small_file_threshold, and appending/splicing extents for a
// big file.
func (e *Engine) WriteAt(h *Handle, off int64, data []byte) error {
	if !h.Big {
		end := off + int64(len(data))
		newSize := end
		if int64(len(h.Data)) > newSize {
			newSize = int64(len(h.Data))
		}
		if newSize > int64(e.smallMax) {
			if err := e.promote(h); err != nil {
				return err
			}
		} else {
			buf := make([]byte, newSize)
			copy(buf, h.Data)
			copy(buf[off:], data)
			return e.rewriteSmall(h, buf)
		}
	}
	return e.writeExtent(h, off, data)
}

// rewriteSmall deletes the previous SFILE_DATA record and appends a fresh
// one with the full new payload: small files are rewritten wholesale,
// never patched in place.
func (e *Engine) rewriteSmall(h *Handle, newData []byte) error {
	if h.dataRec != nil {
		if err := e.dirs.Delete(h.Dir, h.dataRec); err != nil {
			return err
		}
	}
	rec, err := e.dirs.Append(h.Dir, h.ID, head.TypeSFileData, newData)
	if err != nil {
		return err
	}
	h.Data = newData
	h.dataRec = rec
	if h.Dir.NeedsGC(e.sectorSize) {
		return e.dirs.GC(h.Dir)
	}
	return nil
}

// promote moves a small file's bytes onto freshly allocated big-file
// sectors and appends its first index record.
func (e *Engine) promote(h *Handle) error {
	data := h.Data
	var extents []Extent
	if len(data) > 0 {
		ext, err := e.writePayloadAsExtents(data)
		if err != nil {
			return err
		}
		extents = ext
	}
	if h.dataRec != nil {
		if err := e.dirs.Delete(h.Dir, h.dataRec); err != nil {
			return err
		}
	}
	payload := encodeExtents(extents)
	rec, err := e.dirs.Append(h.Dir, h.ID, head.TypeBFileIndex, payload)
	if err != nil {
		return err
	}
	h.Big = true
	h.Extents = extents
	h.indexRec = rec
	h.Data = nil
	return nil
}

// writePayloadAsExtents allocates one-sector extents (the simple case: each
// extent is at most one sector) and programs data into them sequentially.
func (e *Engine) writePayloadAsExtents(data []byte) ([]Extent, error) {
	var extents []Extent
	remaining := data
	for len(remaining) > 0 {
		sector, err := e.regions.SectorAlloc(region.RoleBigFile, 1, head.TypeBigFile)
		if err != nil {
			return nil, err
		}
		capacity := e.sectorSize - bfilePrefixSize
		n := len(remaining)
		if n > capacity {
			n = capacity
		}
		if err := e.pair.DirectProg(sector, bfilePrefixSize, remaining[:n]); err != nil {
			return nil, nf2fserr.Wrap(nf2fserr.IO, err, "file: program extent")
		}
		extents = append(extents, Extent{Sector: uint32(sector), Off: uint32(bfilePrefixSize), Size: uint32(n)})
		remaining = remaining[n:]
	}
	return extents, nil
}

const bfilePrefixSize = 12 // [sector header(4)][id(4)][father_id(4)]

// writeExtent appends new extents covering [off, off+len(data)) and splices
// them into the index: untouched extents before the write and after the
// write are kept verbatim; any extent wholly or partially inside the
// written range is replaced.
func (e *Engine) writeExtent(h *Handle, off int64, data []byte) error {
	writeEnd := off + int64(len(data))

	var before, after []Extent
	var cur int64
	for _, ext := range h.Extents {
		extStart, extEnd := cur, cur+int64(ext.Size)
		cur = extEnd
		switch {
		case extEnd <= off:
			before = append(before, ext)
		case extStart >= writeEnd:
			after = append(after, ext)
		default:
			// Overlapping extent: keep any leading/trailing slivers outside
			// the written range by re-reading and re-splitting them, since
			// NOR flash extents can't be patched in place.
			if extStart < off {
				lead := off - extStart
				buf := make([]byte, lead)
				if err := e.pair.DirectRead(int(ext.Sector), int(ext.Off), buf); err != nil {
					return nf2fserr.Wrap(nf2fserr.IO, err, "file: read leading sliver")
				}
				sub, err := e.writePayloadAsExtents(buf)
				if err != nil {
					return err
				}
				before = append(before, sub...)
			}
			if extEnd > writeEnd {
				trail := extEnd - writeEnd
				skip := writeEnd - extStart
				buf := make([]byte, trail)
				if err := e.pair.DirectRead(int(ext.Sector), int(ext.Off)+int(skip), buf); err != nil {
					return nf2fserr.Wrap(nf2fserr.IO, err, "file: read trailing sliver")
				}
				sub, err := e.writePayloadAsExtents(buf)
				if err != nil {
					return err
				}
				after = append(after, sub...)
			}
		}
	}

	newExtents, err := e.writePayloadAsExtents(data)
	if err != nil {
		return err
	}
	merged := append(before, newExtents...)
	merged = append(merged, after...)

	if h.indexRec != nil {
		if err := e.dirs.Delete(h.Dir, h.indexRec); err != nil {
			return err
		}
	}
	payload := encodeExtents(merged)
	rec, err := e.dirs.Append(h.Dir, h.ID, head.TypeBFileIndex, payload)
	if err != nil {
		return err
	}
	h.Extents = merged
	h.indexRec = rec

	if len(merged) >= e.indexMax {
		if err := e.GC(h); err != nil {
			return err
		}
	}
	if h.Dir.NeedsGC(e.sectorSize) {
		return e.dirs.GC(h.Dir)
	}
	return nil
}

// GC rewrites a big file's bytes into fresh one-sector extents (as
// writePayloadAsExtents lays them out) and releases the old extents'
// sectors; it runs once the index reaches file_index_num entries. Adjacent
// sectors are not merged, so a file spanning more sectors than
// file_index_num still has more index entries than that after GC.
func (e *Engine) GC(h *Handle) error {
	size := h.Size()
	buf := make([]byte, size)
	if _, err := e.readExtents(h, 0, buf); err != nil {
		return err
	}
	oldExtents := h.Extents
	fresh, err := e.writePayloadAsExtents(buf)
	if err != nil {
		return err
	}
	if h.indexRec != nil {
		if err := e.dirs.Delete(h.Dir, h.indexRec); err != nil {
			return err
		}
	}
	payload := encodeExtents(fresh)
	rec, err := e.dirs.Append(h.Dir, h.ID, head.TypeBFileIndex, payload)
	if err != nil {
		return err
	}
	h.Extents = fresh
	h.indexRec = rec

	for _, ext := range oldExtents {
		if err := e.regions.EmapSet(int(ext.Sector), 1); err != nil {
			return err
		}
	}
	return nil
}

// Delete releases a file's storage: its extents (if big) back to the
// allocator's erase plane, and its owning records from the directory log.
func (e *Engine) Delete(h *Handle) error {
	if h.Big {
		for _, ext := range h.Extents {
			if err := e.regions.EmapSet(int(ext.Sector), 1); err != nil {
				return err
			}
		}
		if h.indexRec != nil {
			if err := e.dirs.Delete(h.Dir, h.indexRec); err != nil {
				return err
			}
		}
	} else if h.dataRec != nil {
		if err := e.dirs.Delete(h.Dir, h.dataRec); err != nil {
			return err
		}
	}
	return nil
}

func encodeExtents(extents []Extent) []byte {
	e := wire.NewEncoder(4 + 12*len(extents))
	e.WriteU32(uint32(len(extents)))
	for _, ext := range extents {
		e.WriteU32(ext.Sector)
		e.WriteU32(ext.Off)
		e.WriteU32(ext.Size)
	}
	return e.Bytes()
}

func decodeExtents(payload []byte) ([]Extent, error) {
	d := wire.NewDecoder(payload)
	n, err := d.ReadU32()
	if err != nil {
		return nil, err
	}
	out := make([]Extent, 0, n)
	for i := uint32(0); i < n; i++ {
		sector, err := d.ReadU32()
		if err != nil {
			return nil, err
		}
		off, err := d.ReadU32()
		if err != nil {
			return nil, err
		}
		size, err := d.ReadU32()
		if err != nil {
			return nil, err
		}
		out = append(out, Extent{Sector: sector, Off: off, Size: size})
	}
	return out, nil
}
