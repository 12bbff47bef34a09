package main

import (
	"os"

	"github.com/pkg/errors"
)

// fileDevice backs cache.Device with a regular OS file, giving nf2fsctl
// something to format and mount without real NOR flash hardware. It keeps
// the same program-clears-bits, erase-restores-to-all-ones semantics as
// internal/flashsim, plus a per-process erase counter for wl-report.
type fileDevice struct {
	f           *os.File
	sectorSize  int
	sectorCount int
	eraseCount  []uint32
}

func openFileDevice(path string, sectorSize, sectorCount int, create bool) (*fileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open image %q", path)
	}
	d := &fileDevice{f: f, sectorSize: sectorSize, sectorCount: sectorCount, eraseCount: make([]uint32, sectorCount)}
	if create {
		blank := make([]byte, sectorSize)
		for i := range blank {
			blank[i] = 0xFF
		}
		for s := 0; s < sectorCount; s++ {
			if _, err := f.WriteAt(blank, int64(s*sectorSize)); err != nil {
				f.Close()
				return nil, errors.Wrapf(err, "initializing sector %d", s)
			}
		}
	}
	return d, nil
}

func (d *fileDevice) Close() error { return d.f.Close() }

func (d *fileDevice) Read(sector, off int, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(sector*d.sectorSize+off))
	return errors.Wrap(err, "fileDevice.Read")
}

func (d *fileDevice) Prog(sector, off int, buf []byte) error {
	cur := make([]byte, len(buf))
	if _, err := d.f.ReadAt(cur, int64(sector*d.sectorSize+off)); err != nil {
		return errors.Wrap(err, "fileDevice.Prog: read-modify")
	}
	for i := range cur {
		cur[i] &= buf[i]
	}
	_, err := d.f.WriteAt(cur, int64(sector*d.sectorSize+off))
	return errors.Wrap(err, "fileDevice.Prog: write")
}

func (d *fileDevice) Erase(sector int) error {
	blank := make([]byte, d.sectorSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := d.f.WriteAt(blank, int64(sector*d.sectorSize)); err != nil {
		return errors.Wrap(err, "fileDevice.Erase")
	}
	d.eraseCount[sector]++
	return nil
}

func (d *fileDevice) Sync() error { return errors.Wrap(d.f.Sync(), "fileDevice.Sync") }

func (d *fileDevice) maxEraseCount() uint32 {
	var max uint32
	for _, c := range d.eraseCount {
		if c > max {
			max = c
		}
	}
	return max
}

func (d *fileDevice) minEraseCount() uint32 {
	min := d.eraseCount[0]
	for _, c := range d.eraseCount[1:] {
		if c < min {
			min = c
		}
	}
	return min
}
