// Package superblock implements the alternating sector-0/sector-1
// superblock and its append-log of records: SUPER_MESSAGE, REGION_MAP,
// ID_MAP, SECTOR_MAP, WL_ADDR, DIR_NAME (root directory pointer), and
// COMMIT.
//
// Each sector's header carries a 6-bit generation counter that advances by
// two on every rotation and wraps modulo 0x40; mount picks whichever of the
// two candidate sectors carries the larger generation, comparing modulo 0x40
// so a freshly wrapped generation 0 outranks the stale generation 0x3E (or
// 0x3F) it replaced.
package superblock

import (
	"nf2fs/internal/cache"
	"nf2fs/internal/head"
	"nf2fs/internal/nf2fserr"
	"nf2fs/internal/nf2fslog"
	"nf2fs/internal/version"
	"nf2fs/internal/wire"
)

// RecordType tags a superblock log entry.
type RecordType uint8

const (
	RecMessage RecordType = iota + 1
	RecRegionMap
	RecIDMap
	RecSectorMap
	RecWLAddr
	RecDirName
	RecCommit
)

// Message is the SUPER_MESSAGE record: the format-time geometry, written
// once and never rewritten afterward.
type Message struct {
	Version     uint32
	SectorSize  uint32
	SectorCount uint32
	NameMax     uint32
	FileMax     uint64
	RegionCnt   uint32
	FSName      [5]byte
}

// Commit is the resume cursor record: mount replay applies every record to
// RAM, then uses the most recent Commit as ground truth for the allocator
// and directory-append cursors.
type Commit struct {
	NextID          uint32
	ScanTimes       uint32
	NextDirSector   uint32
	NextBFileSector uint32
	ReserveRegion   uint32
}

// MapAddr points at an out-of-line map blob (ID map or sector map) stored
// outside the superblock's own sector run.
type MapAddr struct {
	Begin  uint32
	Off    uint32
	Etimes []uint32
}

// WLAddr is the wear-leveling state pointer record.
type WLAddr struct {
	Begin  uint32
	Off    uint32
	Etimes uint32
}

// State is the in-RAM superblock: which of the two alternating sectors is
// active, the next free append offset, and the most recently replayed
// values of each record type.
type State struct {
	ActiveSector int // 0 or 1 (global sector numbers 0/1)
	AppendOff    int
	Generation   uint32 // 6-bit sector-header generation, mod 0x40

	Message  Message
	Commit   Commit
	RegionMap []byte
	IDMap     MapAddr
	SectorMap MapAddr
	WL        WLAddr
	RootDirSector int
	RootDirOff    int
}

const fsName = "NF2FS"

// genMask is the width of the sector-header generation field; genStep is
// the amount it advances on every rotation, before wrapping mod genMask+1.
const (
	genMask = 0x3F
	genStep = 2
)

// genNewer reports whether generation a is more recent than generation b,
// both already reduced mod 0x40. Rotation always advances by genStep, so in
// the absence of corruption the two candidate sectors differ by exactly
// that much. a counts as newer when it lies less than half the range ahead
// of b modulo 0x40, so the wraparound case (one sector at the top of the
// range, the other freshly wrapped to the bottom) ranks correctly where
// plain integer comparison gets it backwards.
func genNewer(a, b uint32) bool {
	d := (a - b) & genMask
	return d != 0 && d < (genMask+1)/2
}

// headerOverhead is the fixed framing of every record:
// [1-byte type][2-byte len], followed by the payload. Records are small (a
// REGION_MAP is regionCnt/4 bytes, two bits per region) so fixed-width
// slots aren't needed; append is purely sequential.
const headerOverhead = 3

// Format lays down sector 0 as the initial active superblock: a fresh
// sector header, then SUPER_MESSAGE, an empty REGION_MAP, and an initial
// COMMIT (next_id=1, the root directory not yet created).
func Format(pair *cache.Pair, sectorSize int, msg Message, regionMapBits int) (*State, error) {
	st := &State{ActiveSector: 0, Message: msg}
	st.RegionMap = make([]byte, (regionMapBits+7)/8)

	var hbuf [4]byte
	put32(hbuf[:], head.MKSHEAD(0, head.StateUsing, head.TypeSuper, 0, 0))
	if err := pair.DirectProg(0, 0, hbuf[:]); err != nil {
		return nil, nf2fserr.Wrap(nf2fserr.IO, err, "superblock: program sector 0 header")
	}
	st.Generation = 0
	st.AppendOff = 4

	if err := appendRecord(pair, st, RecMessage, encodeMessage(msg)); err != nil {
		return nil, err
	}
	if err := appendRecord(pair, st, RecRegionMap, st.RegionMap); err != nil {
		return nil, err
	}
	st.Commit = Commit{NextID: 1, ScanTimes: 0, ReserveRegion: msg.RegionCnt - 1}
	if err := appendRecord(pair, st, RecCommit, encodeCommit(st.Commit)); err != nil {
		return nil, err
	}
	return st, nil
}

func encodeMessage(m Message) []byte {
	e := wire.NewEncoder(32)
	e.WriteU32(m.Version)
	e.WriteU32(m.SectorSize)
	e.WriteU32(m.SectorCount)
	e.WriteU32(m.NameMax)
	e.WriteU32(uint32(m.FileMax))
	e.WriteU32(uint32(m.FileMax >> 32))
	e.WriteU32(m.RegionCnt)
	e.WriteBytes(m.FSName[:])
	return e.Bytes()
}

func decodeMessage(b []byte) (Message, error) {
	d := wire.NewDecoder(b)
	var m Message
	var err error
	if m.Version, err = d.ReadU32(); err != nil {
		return m, err
	}
	if m.SectorSize, err = d.ReadU32(); err != nil {
		return m, err
	}
	if m.SectorCount, err = d.ReadU32(); err != nil {
		return m, err
	}
	if m.NameMax, err = d.ReadU32(); err != nil {
		return m, err
	}
	lo, err := d.ReadU32()
	if err != nil {
		return m, err
	}
	hi, err := d.ReadU32()
	if err != nil {
		return m, err
	}
	m.FileMax = uint64(lo) | uint64(hi)<<32
	if m.RegionCnt, err = d.ReadU32(); err != nil {
		return m, err
	}
	name, err := d.ReadBytes(5)
	if err != nil {
		return m, err
	}
	copy(m.FSName[:], name)
	return m, nil
}

func encodeCommit(c Commit) []byte {
	e := wire.NewEncoder(20)
	e.WriteU32(c.NextID)
	e.WriteU32(c.ScanTimes)
	e.WriteU32(c.NextDirSector)
	e.WriteU32(c.NextBFileSector)
	e.WriteU32(c.ReserveRegion)
	return e.Bytes()
}

func decodeCommit(b []byte) (Commit, error) {
	d := wire.NewDecoder(b)
	var c Commit
	var err error
	if c.NextID, err = d.ReadU32(); err != nil {
		return c, err
	}
	if c.ScanTimes, err = d.ReadU32(); err != nil {
		return c, err
	}
	if c.NextDirSector, err = d.ReadU32(); err != nil {
		return c, err
	}
	if c.NextBFileSector, err = d.ReadU32(); err != nil {
		return c, err
	}
	if c.ReserveRegion, err = d.ReadU32(); err != nil {
		return c, err
	}
	return c, nil
}

// appendRecord writes [type][u16 len][payload] at the current append
// offset via a direct program (superblock records are small and
// infrequent; they don't need pcache buffering).
func appendRecord(pair *cache.Pair, st *State, typ RecordType, payload []byte) error {
	buf := make([]byte, headerOverhead+len(payload))
	buf[0] = byte(typ)
	buf[1] = byte(len(payload))
	buf[2] = byte(len(payload) >> 8)
	copy(buf[3:], payload)
	if err := pair.DirectProg(st.ActiveSector, st.AppendOff, buf); err != nil {
		return nf2fserr.Wrap(nf2fserr.IO, err, "superblock: append record")
	}
	st.AppendOff += len(buf)
	return nil
}

// AppendCommit writes a fresh COMMIT record reflecting the current resume
// cursor, the only record type rewritten on every significant state change.
func AppendCommit(pair *cache.Pair, st *State, c Commit) error {
	st.Commit = c
	return appendRecord(pair, st, RecCommit, encodeCommit(c))
}

// AppendRegionMap persists a fresh snapshot of the region role bitvector.
func AppendRegionMap(pair *cache.Pair, st *State, bits []byte) error {
	st.RegionMap = bits
	return appendRecord(pair, st, RecRegionMap, bits)
}

// AppendWLAddr persists the wear-leveling state pointer.
func AppendWLAddr(pair *cache.Pair, st *State, wl WLAddr) error {
	st.WL = wl
	e := wire.NewEncoder(12)
	e.WriteU32(wl.Begin)
	e.WriteU32(wl.Off)
	e.WriteU32(wl.Etimes)
	return appendRecord(pair, st, RecWLAddr, e.Bytes())
}

// AppendDirName persists the root directory's location once it is created.
func AppendDirName(pair *cache.Pair, st *State, sector, off int) error {
	st.RootDirSector, st.RootDirOff = sector, off
	e := wire.NewEncoder(8)
	e.WriteU32(uint32(sector))
	e.WriteU32(uint32(off))
	return appendRecord(pair, st, RecDirName, e.Bytes())
}

// Rotate appends-to-capacity handling: when the active sector's append
// cursor would overflow sectorSize, the superblock rotates to the other of
// sectors {0,1}, replaying the current in-RAM State as a fresh compact log
// and stamping the new sector with the next generation so mount can tell it
// apart from the sector being retired.
func Rotate(pair *cache.Pair, st *State, sectorSize int) error {
	next := 1 - st.ActiveSector
	newGen := (st.Generation + genStep) % (genMask + 1)
	var hbuf [4]byte
	raw, err := pair.CacheRead(next, 0, 4)
	if err == nil {
		cur := le32(raw)
		if cur != head.Free {
			if err := pair.Dev.Erase(next); err != nil {
				return nf2fserr.Wrap(nf2fserr.IO, err, "superblock: erase rotation target")
			}
		}
	}
	put32(hbuf[:], head.MKSHEAD(0, head.StateUsing, head.TypeSuper, newGen, 0))
	if err := pair.DirectProg(next, 0, hbuf[:]); err != nil {
		return nf2fserr.Wrap(nf2fserr.IO, err, "superblock: program rotated header")
	}
	old := st.ActiveSector
	oldGen := st.Generation
	st.ActiveSector = next
	st.Generation = newGen
	st.AppendOff = 4

	if err := appendRecord(pair, st, RecMessage, encodeMessage(st.Message)); err != nil {
		return err
	}
	if err := appendRecord(pair, st, RecRegionMap, st.RegionMap); err != nil {
		return err
	}
	if st.IDMap.Begin != 0 || len(st.IDMap.Etimes) > 0 {
		if err := appendRecord(pair, st, RecIDMap, encodeMapAddr(st.IDMap)); err != nil {
			return err
		}
	}
	if st.SectorMap.Begin != 0 || len(st.SectorMap.Etimes) > 0 {
		if err := appendRecord(pair, st, RecSectorMap, encodeMapAddr(st.SectorMap)); err != nil {
			return err
		}
	}
	if st.WL.Begin != 0 {
		if err := AppendWLAddr(pair, st, st.WL); err != nil {
			return err
		}
	}
	if st.RootDirSector != 0 {
		if err := AppendDirName(pair, st, st.RootDirSector, st.RootDirOff); err != nil {
			return err
		}
	}
	if err := AppendCommit(pair, st, st.Commit); err != nil {
		return err
	}

	var oldHead [4]byte
	forced := head.MKSHEAD(0, head.StateOld, head.TypeSuper, oldGen, 0) & head.MaskForceOld
	put32(oldHead[:], forced)
	if err := pair.DirectProg(old, 0, oldHead[:]); err != nil {
		nf2fslog.Warnf("superblock: failed to mark old sector %d stale: %v", old, err)
	}
	_ = sectorSize
	return nil
}

func encodeMapAddr(m MapAddr) []byte {
	e := wire.NewEncoder(8 + 4*len(m.Etimes))
	e.WriteU32(m.Begin)
	e.WriteU32(m.Off)
	for _, et := range m.Etimes {
		e.WriteU32(et)
	}
	return e.Bytes()
}

func decodeMapAddr(b []byte) (MapAddr, error) {
	d := wire.NewDecoder(b)
	var m MapAddr
	var err error
	if m.Begin, err = d.ReadU32(); err != nil {
		return m, err
	}
	if m.Off, err = d.ReadU32(); err != nil {
		return m, err
	}
	for d.Remaining() >= 4 {
		v, err := d.ReadU32()
		if err != nil {
			return m, err
		}
		m.Etimes = append(m.Etimes, v)
	}
	return m, nil
}

// Mount replays both candidate sectors (0 and 1), picks whichever carries
// the valid Using-state header and the more recent generation as active,
// and folds every record it finds into a State.
func Mount(pair *cache.Pair, sectorSize int) (*State, error) {
	var candidates []*State
	for sector := 0; sector < 2; sector++ {
		st, err := replaySector(pair, sector, sectorSize)
		if err != nil {
			nf2fslog.Warnf("superblock: sector %d replay error: %v", sector, err)
			continue
		}
		if st != nil {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return nil, nf2fserr.New(nf2fserr.CORRUPT, "superblock: no valid candidate sector found")
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if genNewer(c.Generation, best.Generation) {
			best = c
		}
	}
	return best, nil
}

func replaySector(pair *cache.Pair, sector, sectorSize int) (*State, error) {
	raw, err := pair.CacheRead(sector, 0, 4)
	if err != nil {
		return nil, err
	}
	cur := le32(raw)
	want := head.StateUsing
	wantType := head.TypeSuper
	h, ok, err := head.CheckSHead(cur, &want, &wantType)
	if err != nil || !ok {
		return nil, err
	}

	st := &State{ActiveSector: sector, AppendOff: 4, Generation: h.Extend & genMask}
	off := 4
	for {
		hdr, err := pair.CacheRead(sector, off, headerOverhead)
		if err != nil {
			break
		}
		if hdr[0] == 0xFF || hdr[0] == 0 {
			break
		}
		typ := RecordType(hdr[0])
		ln := int(hdr[1]) | int(hdr[2])<<8
		if off+headerOverhead+ln > sectorSize {
			break
		}
		payload, err := pair.CacheRead(sector, off+headerOverhead, ln)
		if err != nil {
			break
		}
		switch typ {
		case RecMessage:
			if m, err := decodeMessage(payload); err == nil {
				st.Message = m
			}
		case RecRegionMap:
			st.RegionMap = append([]byte(nil), payload...)
		case RecIDMap:
			if m, err := decodeMapAddr(payload); err == nil {
				st.IDMap = m
			}
		case RecSectorMap:
			if m, err := decodeMapAddr(payload); err == nil {
				st.SectorMap = m
			}
		case RecWLAddr:
			d := wire.NewDecoder(payload)
			begin, _ := d.ReadU32()
			o, _ := d.ReadU32()
			et, _ := d.ReadU32()
			st.WL = WLAddr{Begin: begin, Off: o, Etimes: et}
		case RecDirName:
			d := wire.NewDecoder(payload)
			s, _ := d.ReadU32()
			o, _ := d.ReadU32()
			st.RootDirSector, st.RootDirOff = int(s), int(o)
		case RecCommit:
			if c, err := decodeCommit(payload); err == nil {
				st.Commit = c
			}
		}
		off += headerOverhead + ln
	}
	st.AppendOff = off
	return st, nil
}

// NeedsRotation reports whether appending n more bytes would overflow the
// active sector.
func (st *State) NeedsRotation(sectorSize, n int) bool {
	return st.AppendOff+n > sectorSize
}

// NewRootMessage builds the Message record for Format from a format-time
// configuration, stamping the on-flash format version from the version
// package.
func NewRootMessage(sectorSize, sectorCount, nameMax int, fileMax int64, regionCnt int) Message {
	var name [5]byte
	copy(name[:], fsName)
	return Message{
		Version:     version.FSVersion,
		SectorSize:  uint32(sectorSize),
		SectorCount: uint32(sectorCount),
		NameMax:     uint32(nameMax),
		FileMax:     uint64(fileMax),
		RegionCnt:   uint32(regionCnt),
		FSName:      name,
	}
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
