// Package region implements the space manager's region classification,
// allocation routing, and wear-leveling: sector allocation over per-region
// bitmap windows, lazy region rotation, and the two-phase wear-leveling
// scheme (candidate pools, then global migration through the reserve
// region).
package region

import (
	"sort"

	"nf2fs/internal/bitmap"
	"nf2fs/internal/cache"
	"nf2fs/internal/config"
	"nf2fs/internal/head"
	"nf2fs/internal/nf2fserr"
	"nf2fs/internal/nf2fslog"
)

// Role is a region's single allocation purpose.
type Role int

const (
	RoleUnused Role = iota
	RoleMeta
	RoleDir
	RoleBigFile
	RoleReserve
)

// candidatePoolSize is the size of the ranked dir-region and bfile-region
// candidate pools.
const candidatePoolSize = 4

// Manager owns region classification, the loaded bitmap windows, and the
// wear-leveling state machine.
type Manager struct {
	cfg        config.Config
	pair       *cache.Pair
	regionCnt  int
	regionSize int // sectors per region

	roles       []Role
	regionEtimes []uint64 // running sum of etimes for sectors erased in each region

	reserveIdx int
	nextUnused int

	dirWindow   *bitmap.Window
	bfileWindow *bitmap.Window
	metaWindow  *bitmap.Window

	// Windows for regions not currently loaded as the dir/bfile/meta window:
	// created on demand by EmapSet and kept for the life of the Manager
	// (entries are never evicted).
	resident map[int]*bitmap.Window

	scanTimes          uint32
	changedRegionTimes int
	wlEngaged          bool
	dirPool            []int
	bfilePool          []int

	allocCount uint64
}

// New classifies region 0 as meta (format time), and claims a reserve
// region as the last region.
func New(cfg config.Config, pair *cache.Pair) *Manager {
	regionCnt := cfg.RegionCnt
	m := &Manager{
		cfg:          cfg,
		pair:         pair,
		regionCnt:    regionCnt,
		regionSize:   cfg.RegionSize(),
		roles:        make([]Role, regionCnt),
		regionEtimes: make([]uint64, regionCnt),
		resident:     make(map[int]*bitmap.Window),
	}
	m.roles[0] = RoleMeta
	m.metaWindow = bitmap.NewWindow(0, m.regionSize)
	m.reserveIdx = regionCnt - 1
	m.roles[m.reserveIdx] = RoleReserve
	m.nextUnused = 1
	return m
}

// AllocCount returns the running total of sectors handed out by
// SectorAlloc, exposed through an explicit accessor rather than
// process-wide state.
func (m *Manager) AllocCount() uint64 { return m.allocCount }

func (m *Manager) windowFor(role Role) (*bitmap.Window, error) {
	switch role {
	case RoleMeta:
		return m.metaWindow, nil
	case RoleDir:
		return m.dirWindow, nil
	case RoleBigFile:
		return m.bfileWindow, nil
	default:
		return nil, nf2fserr.New(nf2fserr.INVAL, "region: no window for role")
	}
}

// claimUnused walks the reserve index forward through unused regions and
// assigns role to the next one it finds.
func (m *Manager) claimUnused(role Role) (int, error) {
	for m.nextUnused < m.regionCnt {
		idx := m.nextUnused
		m.nextUnused++
		if m.roles[idx] == RoleUnused {
			m.roles[idx] = role
			return idx, nil
		}
	}
	return 0, nf2fserr.New(nf2fserr.NOSPC, "region: no unused region left to claim")
}

// nextSmap loads the next region of the requested role into the resident
// window, claiming a fresh region if none is loaded yet or wear-leveling's
// candidate pool is exhausted.
func (m *Manager) nextSmap(role Role) (*bitmap.Window, error) {
	if m.wlEngaged {
		pool := m.dirPool
		if role == RoleBigFile {
			pool = m.bfilePool
		}
		if len(pool) > 0 {
			idx := pool[0]
			pool = append(pool[1:], idx)
			if role == RoleDir {
				m.dirPool = pool
			} else {
				m.bfilePool = pool
			}
			w := bitmap.NewWindow(idx, m.regionSize)
			m.setWindow(role, w)
			m.changedRegionTimes++
			return w, nil
		}
	}

	idx, err := m.claimUnused(role)
	if err != nil {
		return nil, err
	}
	w := bitmap.NewWindow(idx, m.regionSize)
	m.setWindow(role, w)
	return w, nil
}

func (m *Manager) setWindow(role Role, w *bitmap.Window) {
	switch role {
	case RoleDir:
		m.dirWindow = w
	case RoleBigFile:
		m.bfileWindow = w
	case RoleMeta:
		m.metaWindow = w
	}
}

// SectorAlloc finds n contiguous free sectors of the given role, erases any
// that aren't already in the "freshly erased" state, and programs a fresh
// sector header carrying the incremented erase count.
func (m *Manager) SectorAlloc(role Role, n int, typ head.SectorType) (begin int, err error) {
	w, err := m.windowFor(role)
	if err != nil {
		return 0, err
	}
	if w == nil {
		w, err = m.nextSmap(role)
		if err != nil {
			return 0, err
		}
	}

	attempts := 0
	for attempts <= m.regionCnt {
		if localBegin, ok := w.Free.FindRun(w.Cursor, n); ok {
			if err := w.Free.Clear(localBegin, n); err != nil {
				return 0, err
			}
			w.Cursor = (localBegin + n) % m.regionSize
			globalBegin := w.RegionIndex*m.regionSize + localBegin
			if err := m.programAllocated(globalBegin, n, typ, w.RegionIndex); err != nil {
				return 0, err
			}
			m.allocCount += uint64(n)
			return globalBegin, nil
		}
		w, err = m.nextSmap(role)
		if err != nil {
			return 0, err
		}
		attempts++
	}
	return 0, nf2fserr.New(nf2fserr.NOSPC, "region: no contiguous free run found in any region")
}

// programAllocated erases (if needed) and writes a fresh header for each
// sector in [begin, begin+n).
func (m *Manager) programAllocated(begin, n int, typ head.SectorType, regionIdx int) error {
	sectorSize := m.cfg.SectorSize
	for s := begin; s < begin+n; s++ {
		raw, err := m.pair.CacheRead(s, 0, 4)
		if err != nil {
			return nf2fserr.Wrap(nf2fserr.IO, err, "region: read header before alloc")
		}
		cur := le32(raw)
		etimes := uint32(0)
		freshlyErased := cur == head.Free
		if h, ok, _ := head.CheckSHead(cur, nil, nil); ok {
			etimes = h.Etimes
		}
		if !freshlyErased {
			if err := m.pair.Dev.Erase(s); err != nil {
				return nf2fserr.Wrap(nf2fserr.IO, err, "region: erase sector")
			}
			etimes++
			m.regionEtimes[regionIdx]++
		}
		newHead := head.MKSHEAD(0, head.StateUsing, typ, 0x3F, etimes)
		var buf [4]byte
		put32(buf[:], newHead)
		if err := m.pair.DirectProg(s, 0, buf[:]); err != nil {
			return nf2fserr.Wrap(nf2fserr.IO, err, "region: program fresh sector header")
		}
		_ = sectorSize
	}
	return nil
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

// EmapSet clears n erase-plane bits beginning at the global sector begin,
// flushing the currently resident erase window first if it belongs to a
// different region.
func (m *Manager) EmapSet(begin, n int) error {
	regionIdx := begin / m.regionSize
	local := begin % m.regionSize

	var w *bitmap.Window
	switch m.roles[regionIdx] {
	case RoleMeta:
		w = m.metaWindow
	case RoleDir:
		if m.dirWindow != nil && m.dirWindow.RegionIndex == regionIdx {
			w = m.dirWindow
		}
	case RoleBigFile:
		if m.bfileWindow != nil && m.bfileWindow.RegionIndex == regionIdx {
			w = m.bfileWindow
		}
	}
	if w == nil {
		w = m.resident[regionIdx]
		if w == nil {
			w = bitmap.NewWindow(regionIdx, m.regionSize)
			m.resident[regionIdx] = w
		}
	}
	return w.Erase.Clear(local, n)
}

// MaybeScanRotate checks whether every region has been visited by the
// scanner and, if so, merges the erase plane into the free plane via XNOR
// and bumps scan_times. The
// actual flash persistence of the merged plane is left to the caller
// (superblock/bitmap persistence layer), which is handed the merged planes.
func (m *Manager) MaybeScanRotate(visited map[int]bool) (merged map[int]*bitmap.Window, rotated bool) {
	if len(visited) < m.regionCnt {
		return nil, false
	}
	merged = make(map[int]*bitmap.Window)
	for idx, w := range m.resident {
		nw := &bitmap.Window{RegionIndex: idx, Free: w.Free.XNOR(w.Erase)}
		merged[idx] = nw
	}
	m.scanTimes++
	nf2fslog.Debugf("region: scan rotation complete, scan_times=%d", m.scanTimes)
	return merged, true
}

// ScanTimes returns the number of full scanner passes completed.
func (m *Manager) ScanTimes() uint32 { return m.scanTimes }

// MaybeEngageWL checks the scan_times threshold and builds the initial
// ranked candidate pools the first time it fires.
func (m *Manager) MaybeEngageWL() {
	if m.wlEngaged || m.scanTimes < config.WLStart {
		return
	}
	m.wlEngaged = true
	m.rebuildCandidatePools()
}

// rebuildCandidatePools ranks regions by ascending total erase count and
// keeps the lowest candidatePoolSize dir-regions and bfile-regions.
func (m *Manager) rebuildCandidatePools() {
	m.dirPool = m.rankedPool(RoleDir)
	m.bfilePool = m.rankedPool(RoleBigFile)
}

func (m *Manager) rankedPool(role Role) []int {
	type ranked struct {
		idx    int
		etimes uint64
	}
	var candidates []ranked
	for idx, r := range m.roles {
		if r == role {
			candidates = append(candidates, ranked{idx, m.regionEtimes[idx]})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].etimes < candidates[j].etimes })
	n := candidatePoolSize
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].idx
	}
	return out
}

// MigrationThreshold is 2 * candidatePoolSize * WLMigrateThreshold.
const MigrationThreshold = 2 * candidatePoolSize * config.WLMigrateThreshold

// ShouldMigrate reports whether changed_region_times has reached the global
// migration trigger.
func (m *Manager) ShouldMigrate() bool {
	return m.wlEngaged && m.changedRegionTimes >= MigrationThreshold
}

// Migrate performs the swap-through-reserve protocol: pairs the lowest- and
// highest-etimes regions, copies
// low -> reserve -> (erase low) -> high -> low -> (erase high), and the
// highest-sum region becomes the new reserve.
//
// copySector copies one physical sector's full contents between two global
// sector numbers; it is supplied by the caller (the top-level Fs), which
// owns the device/cache pair needed to stream sectorSize bytes.
func (m *Manager) Migrate(copySector func(src, dst int) error) error {
	if !m.wlEngaged {
		return nil
	}
	lowIdx, highIdx, ok := m.minMaxRegion()
	if !ok {
		return nil
	}

	reserve := m.reserveIdx
	for s := 0; s < m.regionSize; s++ {
		if err := copySector(lowIdx*m.regionSize+s, reserve*m.regionSize+s); err != nil {
			return err
		}
	}
	for s := 0; s < m.regionSize; s++ {
		if err := m.pair.Dev.Erase(lowIdx*m.regionSize + s); err != nil {
			return err
		}
	}
	for s := 0; s < m.regionSize; s++ {
		if err := copySector(highIdx*m.regionSize+s, lowIdx*m.regionSize+s); err != nil {
			return err
		}
	}
	for s := 0; s < m.regionSize; s++ {
		if err := m.pair.Dev.Erase(highIdx*m.regionSize + s); err != nil {
			return err
		}
	}

	m.roles[reserve], m.roles[lowIdx] = m.roles[lowIdx], m.roles[reserve]
	m.regionEtimes[reserve], m.regionEtimes[lowIdx] = m.regionEtimes[lowIdx], m.regionEtimes[reserve]
	m.roles[highIdx] = RoleReserve
	m.reserveIdx = highIdx
	m.regionEtimes[lowIdx] += m.regionEtimes[highIdx]

	m.changedRegionTimes = 0
	m.rebuildCandidatePools()
	nf2fslog.Debugf("region: migration complete, new reserve=%d", m.reserveIdx)
	return nil
}

func (m *Manager) minMaxRegion() (lowIdx, highIdx int, ok bool) {
	lowEtimes := ^uint64(0)
	highEtimes := uint64(0)
	lowIdx, highIdx = -1, -1
	for idx, r := range m.roles {
		if r != RoleDir && r != RoleBigFile {
			continue
		}
		e := m.regionEtimes[idx]
		if e < lowEtimes {
			lowEtimes = e
			lowIdx = idx
		}
		if e >= highEtimes {
			highEtimes = e
			highIdx = idx
		}
	}
	if lowIdx < 0 || highIdx < 0 || lowIdx == highIdx {
		return 0, 0, false
	}
	return lowIdx, highIdx, true
}

// ReserveRegion returns the current reserve region index.
func (m *Manager) ReserveRegion() int { return m.reserveIdx }

// RoleOf reports a region's current role.
func (m *Manager) RoleOf(regionIdx int) Role { return m.roles[regionIdx] }

// RolesBytes packs the region role table into the REGION_MAP record
// format: two bits per region, persisted by the superblock at rotation
// time. The reserve region is tracked separately via the COMMIT record's
// reserve_region field, so it round-trips through this 2-bit encoding as
// Unused (its slot is re-marked RoleReserve by LoadRoles).
func (m *Manager) RolesBytes() []byte {
	out := make([]byte, (len(m.roles)*2+7)/8)
	for i, r := range m.roles {
		bit := i * 2
		out[bit/8] |= byte(r&0x3) << uint(bit%8)
	}
	return out
}

// LoadRoles restores the region role table from a REGION_MAP record read at
// mount, and re-derives the reserve index and the first unused region. The
// dir/bfile windows are not loaded, so the first allocation of each role
// after mount claims a fresh unused region.
func (m *Manager) LoadRoles(bits []byte, reserveRegion int) {
	for i := range m.roles {
		byteIdx := (i * 2) / 8
		shift := uint((i * 2) % 8)
		if byteIdx >= len(bits) {
			break
		}
		m.roles[i] = Role((bits[byteIdx] >> shift) & 0x3)
	}
	m.reserveIdx = reserveRegion
	if reserveRegion >= 0 && reserveRegion < len(m.roles) {
		m.roles[reserveRegion] = RoleReserve
	}
	m.nextUnused = len(m.roles)
	for i, r := range m.roles {
		if r == RoleUnused {
			m.nextUnused = i
			break
		}
	}
}
