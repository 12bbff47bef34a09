// Package dirstore implements the directory append-log: chained sectors of
// [sector header][pre_sector][owner id] followed by a log of data records,
// the append/chain/GC algorithm, and the traversal functions used to
// resolve names and reconstruct file metadata.
//
// A directory is a chain of sectors linked by a pre_sector pointer; reading
// it back means walking the chain from head to tail, collecting live
// records and skipping ones marked deleted. Deletion is mark-then-compact:
// a record is deleted in place by clearing its type field, and the space it
// occupied accrues as old_space until a GC pass compacts the chain.
package dirstore

import (
	"nf2fs/internal/cache"
	"nf2fs/internal/head"
	"nf2fs/internal/nf2fserr"
	"nf2fs/internal/region"
	"nf2fs/internal/wire"
)

// dirPrefixSize is [sector header(4)][pre_sector(4)][owner id(4)].
const dirPrefixSize = 12

// gcOldSpaceMultiplier sets the GC trigger: old_space >= N * sector_size.
const gcOldSpaceMultiplier = 3

// Record is one decoded log entry: its data header plus the payload bytes
// and the (sector, off) it lives at, needed to address it for deletion or
// in-place header revalidation.
type Record struct {
	Head   head.DHead
	Payload []byte
	Sector int
	Off    int
}

// Dir is the RAM-resident location of one directory's append log.
type Dir struct {
	ID         uint32
	HeadSector int
	TailSector int
	TailOff    int
	OldSpace   int
}

// Store owns the device/cache pair and region manager used to allocate and
// program directory sectors.
type Store struct {
	pair       *cache.Pair
	regions    *region.Manager
	sectorSize int
	onGC       func(dirID uint32, oldSectors []int)
}

func New(pair *cache.Pair, regions *region.Manager, sectorSize int) *Store {
	return &Store{pair: pair, regions: regions, sectorSize: sectorSize}
}

// SetGCHook installs a callback invoked just before GC reclaims a
// directory's old sector chain, naming the sectors about to go stale so a
// caller-owned name cache (internal/nametree) can drop any entry still
// pointing at them.
func (s *Store) SetGCHook(fn func(dirID uint32, oldSectors []int)) {
	s.onGC = fn
}

// CreateDir allocates a fresh one-sector directory log for a new directory
// with the given id, chained from parentSector (0 if this is the root).
func (s *Store) CreateDir(id uint32, parentSector int) (*Dir, error) {
	sector, err := s.regions.SectorAlloc(region.RoleDir, 1, head.TypeDir)
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, 8)
	put32(prefix[0:4], uint32(parentSector))
	put32(prefix[4:8], id)
	if err := s.pair.DirectProg(sector, 4, prefix); err != nil {
		return nil, nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: program dir prefix")
	}
	return &Dir{ID: id, HeadSector: sector, TailSector: sector, TailOff: dirPrefixSize}, nil
}

// Append writes one data record ([dhead][payload]) to the directory's tail
// sector, chaining to a freshly allocated sector first if it doesn't fit,
// using the two-phase program-then-validate commit protocol: the header is
// first programmed with written=1 (pending), and only once the full
// payload has landed is the header re-programmed with the written bit
// cleared.
func (s *Store) Append(d *Dir, id uint32, typ head.DataType, payload []byte) (*Record, error) {
	need := 4 + len(payload)
	if d.TailOff+need > s.sectorSize {
		if err := s.chain(d); err != nil {
			return nil, err
		}
	}

	sector, off := d.TailSector, d.TailOff
	pendingHead := head.MKDHEAD(0, 1, id, typ, uint32(len(payload)))
	var hbuf [4]byte
	put32(hbuf[:], pendingHead)

	buf := make([]byte, 0, need)
	buf = append(buf, hbuf[:]...)
	buf = append(buf, payload...)
	if err := s.pair.DirectProg(sector, off, buf); err != nil {
		return nil, nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: program record")
	}

	committed := pendingHead & head.MaskClearWritten
	put32(hbuf[:], committed)
	if err := s.pair.DirectProg(sector, off, hbuf[:]); err != nil {
		return nil, nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: validate record")
	}

	d.TailOff += need
	return &Record{
		Head:    head.DecodeDHead(committed),
		Payload: payload,
		Sector:  sector,
		Off:     off,
	}, nil
}

// chain allocates a new directory sector and links it from the current
// tail via the pre_sector field.
func (s *Store) chain(d *Dir) error {
	sector, err := s.regions.SectorAlloc(region.RoleDir, 1, head.TypeDir)
	if err != nil {
		return err
	}
	prefix := make([]byte, 8)
	put32(prefix[0:4], uint32(d.TailSector))
	put32(prefix[4:8], d.ID)
	if err := s.pair.DirectProg(sector, 4, prefix); err != nil {
		return nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: program chained prefix")
	}
	d.TailSector = sector
	d.TailOff = dirPrefixSize
	return nil
}

// Delete marks a live record as deleted by clearing its data header's type
// field to 0 — a masked re-program, never a rewrite of the payload — and
// credits the record's total size to old_space.
func (s *Store) Delete(d *Dir, rec *Record) error {
	raw := rec.Head.Encode()
	cleared := raw & head.MaskClearType
	var hbuf [4]byte
	put32(hbuf[:], cleared)
	if err := s.pair.DirectProg(rec.Sector, rec.Off, hbuf[:]); err != nil {
		return nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: delete record")
	}
	d.OldSpace += 4 + len(rec.Payload)
	return nil
}

// Traverse walks the full sector chain from tail back to head (each sector
// is chained via pre_sector), collecting every well-formed record in
// forward (oldest-first) order. A zero data header or an unreadable header
// stops the scan of that sector: a torn write never corrupts records that
// precede it.
func (s *Store) Traverse(d *Dir) ([]Record, error) {
	sectors, err := s.chainSectors(d)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, sector := range sectors {
		recs, err := s.traverseSector(sector, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// chainSectors reconstructs the sector chain oldest-to-newest by following
// pre_sector pointers backward from the tail and reversing.
func (s *Store) chainSectors(d *Dir) ([]int, error) {
	var rev []int
	cur := d.TailSector
	for {
		rev = append(rev, cur)
		raw, err := s.pair.CacheRead(cur, 4, 4)
		if err != nil {
			return nil, nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: read pre_sector")
		}
		pre := int(le32(raw))
		if cur == d.HeadSector || pre == 0 {
			break
		}
		cur = pre
	}
	out := make([]int, len(rev))
	for i, s := range rev {
		out[len(rev)-1-i] = s
	}
	return out, nil
}

// ReadRecordAt reconstructs a Record from a previously remembered (sector,
// off) location, used when a name-tree cache hit short-circuits a full
// Traverse: the cache only remembers where a name record lives, not its
// header or payload, so callers that need to delete it (Unlink/Rmdir) must
// re-read those bytes before calling Delete.
func (s *Store) ReadRecordAt(sector, off int) (Record, error) {
	raw, err := s.pair.CacheRead(sector, off, 4)
	if err != nil {
		return Record{}, nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: read record header")
	}
	v := le32(raw)
	h := head.DecodeDHead(v)
	payload, err := s.pair.CacheRead(sector, off+4, int(h.Len))
	if err != nil {
		return Record{}, nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: read record payload")
	}
	return Record{Head: h, Payload: payload, Sector: sector, Off: off}, nil
}

func (s *Store) traverseSector(sector int, dirID uint32) ([]Record, error) {
	var out []Record
	off := dirPrefixSize
	for off+4 <= s.sectorSize {
		raw, err := s.pair.CacheRead(sector, off, 4)
		if err != nil {
			break
		}
		v := le32(raw)
		if v == head.Free {
			break
		}
		h := head.DecodeDHead(v)
		if h.Type == 0 {
			// Deleted or reserved slot: skip the record body if we can infer
			// its length from the still-present len field, otherwise stop.
			if h.Len == 0 {
				break
			}
			off += 4 + int(h.Len)
			continue
		}
		if off+4+int(h.Len) > s.sectorSize {
			break
		}
		payload, err := s.pair.CacheRead(sector, off+4, int(h.Len))
		if err != nil {
			break
		}
		out = append(out, Record{
			Head:    h,
			Payload: append([]byte(nil), payload...),
			Sector:  sector,
			Off:     off,
		})
		off += 4 + int(h.Len)
	}
	return out, nil
}

// NeedsGC reports whether accumulated old_space has crossed the
// compaction threshold.
func (d *Dir) NeedsGC(sectorSize int) bool {
	return d.OldSpace >= gcOldSpaceMultiplier*sectorSize
}

// GC compacts every live record in d into a fresh sector chain, then
// releases the old chain's sectors back to the region allocator's erase
// plane.
func (s *Store) GC(d *Dir) error {
	live, err := s.Traverse(d)
	if err != nil {
		return err
	}
	oldSectors, err := s.chainSectors(d)
	if err != nil {
		return err
	}

	fresh, err := s.regions.SectorAlloc(region.RoleDir, 1, head.TypeDir)
	if err != nil {
		return err
	}
	prefix := make([]byte, 8)
	put32(prefix[4:8], d.ID)
	if err := s.pair.DirectProg(fresh, 4, prefix); err != nil {
		return nf2fserr.Wrap(nf2fserr.IO, err, "dirstore: gc program fresh prefix")
	}
	nd := &Dir{ID: d.ID, HeadSector: fresh, TailSector: fresh, TailOff: dirPrefixSize}

	for _, rec := range live {
		if _, err := s.Append(nd, rec.Head.ID, rec.Head.Type, rec.Payload); err != nil {
			return err
		}
	}

	if s.onGC != nil {
		s.onGC(d.ID, oldSectors)
	}

	for _, sector := range oldSectors {
		if err := s.regions.EmapSet(sector, 1); err != nil {
			return err
		}
	}

	d.HeadSector = nd.HeadSector
	d.TailSector = nd.TailSector
	d.TailOff = nd.TailOff
	d.OldSpace = 0
	return nil
}

// EncodeDirName builds the payload for a DIR_NAME/FILE_NAME record: the
// child's id, its head sector (0 for a plain file, whose contents live
// under its own id rather than a sector of its own), and its name.
func EncodeDirName(childID uint32, headSector int, name string) ([]byte, error) {
	e := wire.NewEncoder(8 + len(name) + 1)
	e.WriteU32(childID)
	e.WriteU32(uint32(headSector))
	if err := e.WriteName(name); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeDirName parses a DIR_NAME/FILE_NAME payload.
func DecodeDirName(payload []byte, nameMax int) (childID uint32, headSector int, name string, err error) {
	d := wire.NewDecoder(payload)
	childID, err = d.ReadU32()
	if err != nil {
		return 0, 0, "", err
	}
	hs, err := d.ReadU32()
	if err != nil {
		return 0, 0, "", err
	}
	name, err = d.ReadName(nameMax)
	return childID, int(hs), name, err
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
