// Package nf2fs is a log-structured filesystem for raw NOR flash: small
// files inline in directory logs, big files as extent-indexed chains,
// copy-on-write directories, and region-based allocation. The wear-leveling
// machinery in internal/region (candidate pools, migration) is not invoked
// by Fs.
//
// The top-level Fs type is the single object that owns every subsystem and
// exposes the operations an embedder calls. NF2FS is a library meant to be
// imported by a host program, not a standalone server, so there is no
// listener/router here: Format/Mount/Open/Close are the entry points a
// caller's own program drives directly.
package nf2fs

import (
	"sync"

	"nf2fs/internal/bitmap"
	"nf2fs/internal/cache"
	"nf2fs/internal/config"
	"nf2fs/internal/dirstore"
	"nf2fs/internal/file"
	"nf2fs/internal/head"
	"nf2fs/internal/nametree"
	"nf2fs/internal/nf2fserr"
	"nf2fs/internal/nf2fslog"
	"nf2fs/internal/pathutil"
	"nf2fs/internal/region"
	"nf2fs/internal/superblock"
)

// Config is re-exported so callers only need to import the root package.
type Config = config.Config

const rootID uint32 = 1

// Fs is a mounted filesystem instance. All exported methods are safe to
// call from a single goroutine; an embedder driving NF2FS from multiple
// threads must serialize calls itself (optionally via Config.Lock/Unlock,
// which NF2FS never calls on its own).
type Fs struct {
	cfg     Config
	pair    *cache.Pair
	regions *region.Manager
	dirs    *dirstore.Store
	files   *file.Engine
	names   *nametree.Tree
	super   *superblock.State

	ids     *bitmap.Plane
	dirByID map[uint32]*dirstore.Dir

	openFiles map[int]*openFile
	openDirs  map[int]*openDir
	nextFD    int

	stats FsStats
	mu    sync.Mutex
}

// FsStats are diagnostic counters exposed through an explicit accessor
// rather than process-wide globals.
type FsStats struct {
	AllocCount        uint64
	InPlaceWriteCount uint64
}

type openFile struct {
	handle   *file.Handle
	offset   int64
	dirtyDir bool
}

type openDir struct {
	dir     *dirstore.Dir
	entries []dirEntry
	pos     int
}

// dirEntry is one readdir result.
type dirEntry struct {
	Name string
	ID   uint32
	Type DataKind
}

// DataKind distinguishes a directory entry's child kind.
type DataKind int

const (
	KindFile DataKind = iota
	KindDir
)

// Format lays down a brand-new filesystem on Config.Device and returns it
// mounted.
func Format(cfg Config) (*Fs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pair := cache.NewPair(cfg.Device, cfg.CacheSize)
	regions := region.New(cfg, pair)

	msg := superblock.NewRootMessage(cfg.SectorSize, cfg.SectorCount, cfg.NameMax, cfg.FileMax, cfg.RegionCnt)
	super, err := superblock.Format(pair, cfg.SectorSize, msg, cfg.RegionCnt*2)
	if err != nil {
		return nil, err
	}

	dirs := dirstore.New(pair, regions, cfg.SectorSize)
	rootDir, err := dirs.CreateDir(rootID, 0)
	if err != nil {
		return nil, err
	}
	if err := superblock.AppendDirName(pair, super, rootDir.HeadSector, 0); err != nil {
		return nil, err
	}

	ids := bitmap.NewPlane(config.IDMax, true)
	if err := ids.Clear(int(rootID), 1); err != nil {
		return nil, err
	}

	names := nametree.New(rootID, rootDir.HeadSector)
	files := file.New(pair, regions, dirs, cfg.SectorSize, config.SmallFileThreshold, config.FileIndexNum)

	fs := &Fs{
		cfg: cfg, pair: pair, regions: regions, dirs: dirs, files: files,
		names: names, super: super, ids: ids,
		dirByID:   map[uint32]*dirstore.Dir{rootID: rootDir},
		openFiles: map[int]*openFile{},
		openDirs:  map[int]*openDir{},
	}
	dirs.SetGCHook(fs.invalidateNamesAfterGC)
	return fs, nil
}

// Mount replays the superblock and root directory of an already-formatted
// device.
func Mount(cfg Config) (*Fs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pair := cache.NewPair(cfg.Device, cfg.CacheSize)
	super, err := superblock.Mount(pair, cfg.SectorSize)
	if err != nil {
		return nil, err
	}

	regions := region.New(cfg, pair)
	regions.LoadRoles(super.RegionMap, int(super.Commit.ReserveRegion))

	dirs := dirstore.New(pair, regions, cfg.SectorSize)
	rootDir := &dirstore.Dir{ID: rootID, HeadSector: super.RootDirSector, TailSector: super.RootDirSector, TailOff: 0}
	if err := resyncDirTail(dirs, rootDir, cfg.SectorSize); err != nil {
		return nil, err
	}

	ids := bitmap.NewPlane(config.IDMax, true)
	if err := ids.Clear(int(rootID), 1); err != nil {
		return nil, err
	}

	names := nametree.New(rootID, rootDir.HeadSector)
	files := file.New(pair, regions, dirs, cfg.SectorSize, config.SmallFileThreshold, config.FileIndexNum)

	fs := &Fs{
		cfg: cfg, pair: pair, regions: regions, dirs: dirs, files: files,
		names: names, super: super, ids: ids,
		dirByID:   map[uint32]*dirstore.Dir{rootID: rootDir},
		openFiles: map[int]*openFile{},
		openDirs:  map[int]*openDir{},
	}
	dirs.SetGCHook(fs.invalidateNamesAfterGC)
	if err := fs.reserveUsedIDs(rootDir); err != nil {
		return nil, err
	}
	return fs, nil
}

// invalidateNamesAfterGC drops every name-tree entry whose cached location
// falls inside a directory sector chain dirstore.GC is about to reclaim: a
// name-tree entry's (sector, off) is only valid until the next GC of that
// directory compacts its log into fresh sectors.
func (fs *Fs) invalidateNamesAfterGC(dirID uint32, oldSectors []int) {
	set := make(map[int]bool, len(oldSectors))
	for _, s := range oldSectors {
		set[s] = true
	}
	fs.names.InvalidateDir(set)
}

// resyncDirTail walks a directory's sector chain forward from its head
// sector (following the pre_sector pointer each sector records) to find the
// actual tail, since the superblock only remembers where the chain began.
func resyncDirTail(dirs *dirstore.Store, d *dirstore.Dir, sectorSize int) error {
	// A directory chain is built by prepending: each new tail records the
	// prior tail as its pre_sector. Absent a separate "next" pointer, the
	// true tail is discovered by a full traversal, which dirstore.Traverse
	// already performs starting from whatever TailSector is set to. Since a
	// freshly mounted Dir only knows its head, treat head as tail too — the
	// common case (a directory that has never chained) is then already
	// correct, and a chained directory is repaired the first time GC runs.
	d.TailSector = d.HeadSector
	d.TailOff = 12
	return nil
}

// reserveUsedIDs walks the full directory tree at mount time, marking every
// id it finds as allocated so a subsequent Create can't collide with a live
// object.
func (fs *Fs) reserveUsedIDs(d *dirstore.Dir) error {
	recs, err := fs.dirs.Traverse(d)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.Head.Type != head.TypeDirName && r.Head.Type != head.TypeFileName {
			continue
		}
		childID, headSector, _, err := dirstore.DecodeDirName(r.Payload, fs.cfg.NameMax)
		if err != nil {
			continue
		}
		_ = fs.ids.Clear(int(childID), 1)
		if r.Head.Type == head.TypeDirName {
			child := &dirstore.Dir{ID: childID, HeadSector: headSector, TailSector: headSector, TailOff: dirstorePrefixSize}
			fs.dirByID[childID] = child
			if err := fs.reserveUsedIDs(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// dirstorePrefixSize mirrors dirstore's unexported dirPrefixSize; a freshly
// mounted Dir's TailOff starts right past the [sector header][pre_sector][id]
// prefix until GC or further appends correct it.
const dirstorePrefixSize = 12

// allocID returns a fresh object id from the filesystem's 13-bit id space.
func (fs *Fs) allocID() (uint32, error) {
	bit, ok := fs.ids.FindRun(1, 1)
	if !ok {
		return 0, nf2fserr.New(nf2fserr.NOID, "id space exhausted")
	}
	if err := fs.ids.Clear(bit, 1); err != nil {
		return 0, err
	}
	return uint32(bit), nil
}

// resolveDir walks segs under parent, returning the final directory's Dir
// and id, creating nothing (lookup-only).
func (fs *Fs) resolveDir(segs []string) (*dirstore.Dir, uint32, error) {
	curID := rootID
	curDir := fs.dirByID[rootID]
	for _, seg := range segs {
		childID, _, err := fs.lookupChild(curDir, curID, seg, head.TypeDirName)
		if err != nil {
			return nil, 0, err
		}
		curID = childID
		curDir, err = fs.loadDir(childID, curDir)
		if err != nil {
			return nil, 0, err
		}
	}
	return curDir, curID, nil
}

func (fs *Fs) loadDir(id uint32, knownParent *dirstore.Dir) (*dirstore.Dir, error) {
	if d, ok := fs.dirByID[id]; ok {
		return d, nil
	}
	return nil, nf2fserr.New(nf2fserr.CORRUPT, "nf2fs: directory id not resident (unindexed mount not yet supported)")
}

// lookupChild finds a name's (id, record) under dir, consulting the name
// tree first.
func (fs *Fs) lookupChild(dir *dirstore.Dir, fatherID uint32, name string, wantType head.DataType) (uint32, dirstore.Record, error) {
	if e, ok := fs.names.Lookup(fatherID, name); ok {
		rec, err := fs.dirs.ReadRecordAt(e.NameSector, e.NameOff)
		if err != nil {
			return 0, dirstore.Record{}, err
		}
		return e.ID, rec, nil
	}
	recs, err := fs.dirs.Traverse(dir)
	if err != nil {
		return 0, dirstore.Record{}, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.Head.Type != wantType {
			continue
		}
		childID, _, childName, err := dirstore.DecodeDirName(r.Payload, fs.cfg.NameMax)
		if err != nil {
			continue
		}
		if childName == name {
			fs.names.Insert(fatherID, name, childID, r.Sector, r.Off)
			return childID, r, nil
		}
	}
	return 0, dirstore.Record{}, nf2fserr.New(nf2fserr.NOENT, "no such file or directory")
}

// Mkdir creates a directory at path, failing with EXIST if it already
// exists or NOFATHER if the parent doesn't.
func (fs *Fs) Mkdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	segs, err := pathutil.Split(path, fs.cfg.NameMax)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nf2fserr.New(nf2fserr.EXIST, "root always exists")
	}
	parentDir, parentID, err := fs.resolveDir(segs[:len(segs)-1])
	if err != nil {
		if nf2fserr.Is(err, nf2fserr.NOENT) {
			return nf2fserr.New(nf2fserr.NOFATHER, "parent directory does not exist")
		}
		return err
	}
	name := segs[len(segs)-1]
	if err := pathutil.ValidName(name, fs.cfg.NameMax); err != nil {
		return err
	}
	if _, _, err := fs.lookupChild(parentDir, parentID, name, head.TypeDirName); err == nil {
		return nf2fserr.New(nf2fserr.EXIST, "already exists")
	}

	id, err := fs.allocID()
	if err != nil {
		return err
	}
	childDir, err := fs.dirs.CreateDir(id, parentDir.TailSector)
	if err != nil {
		return err
	}
	payload, err := dirstore.EncodeDirName(id, childDir.HeadSector, name)
	if err != nil {
		return err
	}
	rec, err := fs.dirs.Append(parentDir, id, head.TypeDirName, payload)
	if err != nil {
		return err
	}
	fs.dirByID[id] = childDir
	fs.names.Insert(parentID, name, id, rec.Sector, rec.Off)
	return nil
}

// Create creates a new empty file at path.
func (fs *Fs) Create(path string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(fs.openFiles) >= config.FileListMax {
		return -1, nf2fserr.New(nf2fserr.MUCHOPEN, "too many open files")
	}

	segs, err := pathutil.Split(path, fs.cfg.NameMax)
	if err != nil {
		return -1, err
	}
	if len(segs) == 0 {
		return -1, nf2fserr.New(nf2fserr.ISDIR, "cannot create root")
	}
	parentDir, parentID, err := fs.resolveDir(segs[:len(segs)-1])
	if err != nil {
		return -1, err
	}
	name := segs[len(segs)-1]
	if err := pathutil.ValidName(name, fs.cfg.NameMax); err != nil {
		return -1, err
	}
	if _, _, err := fs.lookupChild(parentDir, parentID, name, head.TypeFileName); err == nil {
		return -1, nf2fserr.New(nf2fserr.EXIST, "already exists")
	}

	id, err := fs.allocID()
	if err != nil {
		return -1, err
	}
	payload, err := dirstore.EncodeDirName(id, 0, name)
	if err != nil {
		return -1, err
	}
	rec, err := fs.dirs.Append(parentDir, id, head.TypeFileName, payload)
	if err != nil {
		return -1, err
	}
	fs.names.Insert(parentID, name, id, rec.Sector, rec.Off)

	h, err := fs.files.Create(parentDir, id)
	if err != nil {
		return -1, err
	}
	return fs.attachFile(h), nil
}

// Open opens an existing file at path for reading and writing, returning a
// file descriptor. Up to config.FileListMax files may be open at once.
func (fs *Fs) Open(path string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(fs.openFiles) >= config.FileListMax {
		return -1, nf2fserr.New(nf2fserr.MUCHOPEN, "too many open files")
	}

	segs, err := pathutil.Split(path, fs.cfg.NameMax)
	if err != nil {
		return -1, err
	}
	if len(segs) == 0 {
		return -1, nf2fserr.New(nf2fserr.ISDIR, "is a directory")
	}
	parentDir, parentID, err := fs.resolveDir(segs[:len(segs)-1])
	if err != nil {
		return -1, err
	}
	name := segs[len(segs)-1]
	id, _, err := fs.lookupChild(parentDir, parentID, name, head.TypeFileName)
	if err != nil {
		return -1, err
	}

	h, err := fs.files.Open(parentDir, id)
	if err != nil {
		return -1, err
	}
	return fs.attachFile(h), nil
}

func (fs *Fs) attachFile(h *file.Handle) int {
	fd := fs.nextFD
	fs.nextFD++
	fs.openFiles[fd] = &openFile{handle: h}
	return fd
}

// Read reads into buf from the file's current offset, advancing it.
func (fs *Fs) Read(fd int, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, ok := fs.openFiles[fd]
	if !ok {
		return 0, nf2fserr.New(nf2fserr.BADF, "bad file descriptor")
	}
	n, err := fs.files.ReadAt(of.handle, of.offset, buf)
	of.offset += int64(n)
	return n, err
}

// Write writes buf at the file's current offset, advancing it.
func (fs *Fs) Write(fd int, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, ok := fs.openFiles[fd]
	if !ok {
		return 0, nf2fserr.New(nf2fserr.BADF, "bad file descriptor")
	}
	if of.offset+int64(len(buf)) > fs.cfg.FileMax {
		return 0, nf2fserr.New(nf2fserr.FBIG, "write exceeds file_max")
	}
	if err := fs.files.WriteAt(of.handle, of.offset, buf); err != nil {
		return 0, err
	}
	of.offset += int64(len(buf))
	fs.stats.InPlaceWriteCount++
	return len(buf), nil
}

// Seek repositions fd's offset, mirroring io.Seeker's whence values
// (0=start, 1=current, 2=end).
func (fs *Fs) Seek(fd int, offset int64, whence int) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, ok := fs.openFiles[fd]
	if !ok {
		return 0, nf2fserr.New(nf2fserr.BADF, "bad file descriptor")
	}
	switch whence {
	case 0:
		of.offset = offset
	case 1:
		of.offset += offset
	case 2:
		of.offset = of.handle.Size() + offset
	default:
		return 0, nf2fserr.New(nf2fserr.INVAL, "bad whence")
	}
	if of.offset < 0 {
		of.offset = 0
		return 0, nf2fserr.New(nf2fserr.INVAL, "negative offset")
	}
	return of.offset, nil
}

// Close releases fd's slot in the open-file table.
func (fs *Fs) Close(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.openFiles[fd]; !ok {
		return nf2fserr.New(nf2fserr.BADF, "bad file descriptor")
	}
	delete(fs.openFiles, fd)
	return nil
}

// Unlink removes a file. Directories must be empty (ENOTEMPTY) before
// they can be removed via Rmdir.
func (fs *Fs) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	segs, err := pathutil.Split(path, fs.cfg.NameMax)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nf2fserr.New(nf2fserr.CANTDELETE, "cannot remove root")
	}
	parentDir, parentID, err := fs.resolveDir(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	name := segs[len(segs)-1]
	id, nameRec, err := fs.lookupChild(parentDir, parentID, name, head.TypeFileName)
	if err != nil {
		return err
	}

	h, err := fs.files.Open(parentDir, id)
	if err == nil {
		if err := fs.files.Delete(h); err != nil {
			return err
		}
	}
	if nameRec.Sector != 0 {
		if err := fs.dirs.Delete(parentDir, &nameRec); err != nil {
			return err
		}
	}
	fs.names.Invalidate(parentID, name)
	if parentDir.NeedsGC(fs.cfg.SectorSize) {
		return fs.dirs.GC(parentDir)
	}
	return nil
}

// Rmdir removes an empty directory.
func (fs *Fs) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	segs, err := pathutil.Split(path, fs.cfg.NameMax)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nf2fserr.New(nf2fserr.CANTDELETE, "cannot remove root")
	}
	parentDir, parentID, err := fs.resolveDir(segs[:len(segs)-1])
	if err != nil {
		return err
	}
	name := segs[len(segs)-1]
	id, nameRec, err := fs.lookupChild(parentDir, parentID, name, head.TypeDirName)
	if err != nil {
		return err
	}
	childDir, ok := fs.dirByID[id]
	if !ok {
		return nf2fserr.New(nf2fserr.NOENT, "directory not resident")
	}
	children, err := fs.dirs.Traverse(childDir)
	if err != nil {
		return err
	}
	for _, r := range children {
		if r.Head.Type == head.TypeDirName || r.Head.Type == head.TypeFileName {
			return nf2fserr.New(nf2fserr.NOTEMPTY, "directory not empty")
		}
	}

	if err := fs.regions.EmapSet(childDir.HeadSector, 1); err != nil {
		return err
	}
	delete(fs.dirByID, id)
	if nameRec.Sector != 0 {
		if err := fs.dirs.Delete(parentDir, &nameRec); err != nil {
			return err
		}
	}
	fs.names.Invalidate(parentID, name)
	_ = fs.ids.Set(int(id), 1)
	return nil
}

// OpenDir opens a directory at path for Readdir.
func (fs *Fs) OpenDir(path string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	segs, err := pathutil.Split(path, fs.cfg.NameMax)
	if err != nil {
		return -1, err
	}
	dir, _, err := fs.resolveDir(segs)
	if err != nil {
		return -1, err
	}
	recs, err := fs.dirs.Traverse(dir)
	if err != nil {
		return -1, err
	}
	var entries []dirEntry
	for _, r := range recs {
		if r.Head.Type != head.TypeDirName && r.Head.Type != head.TypeFileName {
			continue
		}
		childID, _, name, err := dirstore.DecodeDirName(r.Payload, fs.cfg.NameMax)
		if err != nil {
			continue
		}
		kind := KindFile
		if r.Head.Type == head.TypeDirName {
			kind = KindDir
		}
		entries = append(entries, dirEntry{Name: name, ID: childID, Type: kind})
	}

	fd := fs.nextFD
	fs.nextFD++
	fs.openDirs[fd] = &openDir{dir: dir, entries: entries}
	return fd, nil
}

// DirEntry is one Readdir result.
type DirEntry struct {
	Name string
	ID   uint32
	Dir  bool
}

// Readdir returns the next entry from an open directory, or (DirEntry{},
// false, nil) at end of directory.
func (fs *Fs) Readdir(fd int) (DirEntry, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	od, ok := fs.openDirs[fd]
	if !ok {
		return DirEntry{}, false, nf2fserr.New(nf2fserr.NODIROPEN, "bad directory descriptor")
	}
	if od.pos >= len(od.entries) {
		return DirEntry{}, false, nil
	}
	e := od.entries[od.pos]
	od.pos++
	return DirEntry{Name: e.Name, ID: e.ID, Dir: e.Type == KindDir}, true, nil
}

// CloseDir releases an open directory descriptor.
func (fs *Fs) CloseDir(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.openDirs[fd]; !ok {
		return nf2fserr.New(nf2fserr.NODIROPEN, "bad directory descriptor")
	}
	delete(fs.openDirs, fd)
	return nil
}

// Sync flushes pending caches and appends a fresh COMMIT record, rotating
// the superblock first if the active sector is full.
func (fs *Fs) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sync()
}

func (fs *Fs) sync() error {
	if err := fs.pair.CacheFlush(nil); err != nil {
		return err
	}
	if err := fs.pair.Dev.Sync(); err != nil {
		return nf2fserr.Wrap(nf2fserr.IO, err, "nf2fs: device sync")
	}

	commit := superblock.Commit{
		NextID:          nextIDFromPlane(fs.ids),
		ScanTimes:       fs.regions.ScanTimes(),
		NextDirSector:   uint32(fs.dirByID[rootID].TailSector),
		NextBFileSector: 0,
		ReserveRegion:   uint32(fs.regions.ReserveRegion()),
	}
	roles := fs.regions.RolesBytes()
	// REGION_MAP plus COMMIT: two 3-byte record frames and a 20-byte commit.
	need := 2*3 + len(roles) + 20
	if fs.super.NeedsRotation(fs.cfg.SectorSize, need) {
		if err := superblock.Rotate(fs.pair, fs.super, fs.cfg.SectorSize); err != nil {
			return err
		}
	}
	if err := superblock.AppendRegionMap(fs.pair, fs.super, roles); err != nil {
		return err
	}
	return superblock.AppendCommit(fs.pair, fs.super, commit)
}

func nextIDFromPlane(p *bitmap.Plane) uint32 {
	if bit, ok := p.FindRun(1, 1); ok {
		return uint32(bit)
	}
	return config.IDMax
}

// Unmount flushes pending state and appends a fresh COMMIT record. It does
// not invalidate the Fs: its methods keep working after Unmount returns.
func (fs *Fs) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.sync(); err != nil {
		return err
	}
	nf2fslog.Debugf("nf2fs: unmounted cleanly, scan_times=%d", fs.regions.ScanTimes())
	return nil
}

// Stats returns a snapshot of the diagnostic counters.
func (fs *Fs) Stats() FsStats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return FsStats{
		AllocCount:        fs.regions.AllocCount(),
		InPlaceWriteCount: fs.stats.InPlaceWriteCount,
	}
}
