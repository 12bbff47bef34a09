// Package head implements the two fixed 32-bit on-flash header layouts:
// the sector header and the data header. Both invert the flash idiom — 0
// means "set" — so construction starts from all-ones and clears bits.
//
// Layouts (bit 31 is the MSB):
//
//	sector header: valid(1) | state(4) | type(3) | extend(6) | etimes(18)
//	data header:   valid(1) | written(1) | id(13) | type(5) | len(12)
package head

import "nf2fs/internal/nf2fserr"

// Sector lifecycle states.
type SectorState uint32

const (
	StateFree      SectorState = 0xf
	StateAllocating SectorState = 0x3
	StateUsing     SectorState = 0x1
	StateOld       SectorState = 0x0
	StateWL        SectorState = 0xb
	StateGC        SectorState = 0x7
)

// Sector types.
type SectorType uint32

const (
	TypeSuper SectorType = iota
	TypeDir
	TypeBigFile
	TypeReserve
	TypeWL
	TypeMap
	TypeMeta
)

// Data record types, plus file-engine payload types.
type DataType uint32

const (
	TypeDirName DataType = iota + 1
	TypeNDirName
	TypeFileName
	TypeNFileName
	TypeSFileData
	TypeBFileIndex
	TypeDirOSpace
	TypeDelete // type field cleared to 0 marks delete; kept here for symmetry
)

// Free is the all-ones "unprogrammed" sentinel value for either header.
const Free uint32 = 0xFFFFFFFF

// Sector header field masks/shifts.
const (
	sValidShift  = 31
	sStateShift  = 27
	sStateMask   = 0xF
	sTypeShift   = 24
	sTypeMask    = 0x7
	sExtendShift = 18
	sExtendMask  = 0x3F
	sEtimesMask  = 0x3FFFF
)

// Data header field masks/shifts.
const (
	dValidShift   = 31
	dWrittenShift = 30
	dIDShift      = 17
	dIDMask       = 0x1FFF
	dTypeShift    = 12
	dTypeMask     = 0x1F
	dLenMask      = 0xFFF
)

// Program-mask constants for the two-phase "program then validate" commit
// protocol. These are applied via a single masked re-program, never a
// read-modify-write in RAM, so a crash between program and validate leaves
// the original (pre-validate) bits observable.
const (
	// MaskClearWritten clears the data header's written bit.
	MaskClearWritten uint32 = 0xBFFFFFFF
	// MaskClearType rewrites a data header's type field to zero (delete).
	MaskClearType uint32 = 0xFFFE0FFF
	// MaskForceOld forces a sector header's state to Old.
	MaskForceOld uint32 = 0x87FFFFFF
	// MaskForceUsing forces a sector header's state to Using.
	MaskForceUsing uint32 = 0x8FFFFFFF
)

// MKSHEAD constructs a sector header by packing the given field values as
// passed; later state changes are applied via masked re-programs.
func MKSHEAD(valid uint32, state SectorState, typ SectorType, extend uint32, etimes uint32) uint32 {
	h := (valid & 1) << sValidShift
	h |= (uint32(state) & sStateMask) << sStateShift
	h |= (uint32(typ) & sTypeMask) << sTypeShift
	h |= (extend & sExtendMask) << sExtendShift
	h |= etimes & sEtimesMask
	return h
}

// MKDHEAD constructs a data header.
func MKDHEAD(valid, written uint32, id uint32, typ DataType, length uint32) uint32 {
	h := (valid & 1) << dValidShift
	h |= (written & 1) << dWrittenShift
	h |= (id & dIDMask) << dIDShift
	h |= (uint32(typ) & dTypeMask) << dTypeShift
	h |= length & dLenMask
	return h
}

// SHead is a decoded sector header.
type SHead struct {
	Valid  bool
	State  SectorState
	Type   SectorType
	Extend uint32
	Etimes uint32
}

func DecodeSHead(raw uint32) SHead {
	return SHead{
		Valid:  (raw>>sValidShift)&1 == 0,
		State:  SectorState((raw >> sStateShift) & sStateMask),
		Type:   SectorType((raw >> sTypeShift) & sTypeMask),
		Extend: (raw >> sExtendShift) & sExtendMask,
		Etimes: raw & sEtimesMask,
	}
}

func (h SHead) Encode() uint32 {
	return MKSHEAD(b2u(!h.Valid), h.State, h.Type, h.Extend, h.Etimes)
}

// CheckSHead validates a raw sector header, matching any wantState/wantType
// that are non-nil. A header of 0xFFFFFFFF is legally "unprogrammed" and is
// reported via ok=false, err=nil so callers can treat it as end-of-data.
func CheckSHead(raw uint32, wantState *SectorState, wantType *SectorType) (SHead, bool, error) {
	if raw == Free {
		return SHead{}, false, nil
	}
	h := DecodeSHead(raw)
	if !h.Valid {
		return h, false, nf2fserr.New(nf2fserr.CORRUPT, "sector header valid bit set")
	}
	if wantState != nil && h.State != *wantState {
		return h, false, nf2fserr.New(nf2fserr.WRONGHEAD, "sector header state mismatch")
	}
	if wantType != nil && h.Type != *wantType {
		return h, false, nf2fserr.New(nf2fserr.WRONGHEAD, "sector header type mismatch")
	}
	return h, true, nil
}

// DHead is a decoded data header.
type DHead struct {
	Valid   bool
	Written bool
	ID      uint32
	Type    DataType
	Len     uint32
}

func DecodeDHead(raw uint32) DHead {
	return DHead{
		Valid:   (raw>>dValidShift)&1 == 0,
		Written: (raw>>dWrittenShift)&1 == 0,
		ID:      (raw >> dIDShift) & dIDMask,
		Type:    DataType((raw >> dTypeShift) & dTypeMask),
		Len:     raw & dLenMask,
	}
}

func (h DHead) Encode() uint32 {
	return MKDHEAD(b2u(!h.Valid), b2u(!h.Written), h.ID, h.Type, h.Len)
}

// Committed reports whether a data record is durable: written bit and valid
// bit both clear.
func (h DHead) Committed() bool {
	return h.Valid && h.Written
}

// CheckDHead validates a raw data header. wantID/wantType of 0 are treated
// as "don't care" (id 0 and type 0 are never valid for a live record).
func CheckDHead(raw uint32, wantID uint32, wantType DataType) (DHead, bool, error) {
	if raw == Free {
		return DHead{}, false, nil
	}
	h := DecodeDHead(raw)
	if !h.Valid {
		return h, false, nf2fserr.New(nf2fserr.CORRUPT, "data header valid bit set")
	}
	if wantID != 0 && h.ID != wantID {
		return h, false, nf2fserr.New(nf2fserr.WRONGHEAD, "data header id mismatch")
	}
	if wantType != 0 && h.Type != wantType {
		return h, false, nf2fserr.New(nf2fserr.WRONGHEAD, "data header type mismatch")
	}
	if raw == 0 {
		return h, false, nf2fserr.New(nf2fserr.CORRUPT, "all-zero data header")
	}
	return h, true, nil
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
