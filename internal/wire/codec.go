// Package wire provides the little-endian primitive encoder/decoder used to
// build and parse the byte payloads of on-flash records (superblock records,
// directory log entries, big-file index arrays).
//
// It is deliberately minimal: NF2FS records are short, self-describing byte
// runs behind a 32-bit data header, not a general wire protocol, so there is
// no schema/reflection layer here — just ordered primitive reads and writes.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Decoder reads little-endian primitives from a byte slice.
type Decoder struct {
	b []byte
	o int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b, o: 0}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.b) - d.o }

// Offset returns the current read offset.
func (d *Decoder) Offset() int { return d.o }

func (d *Decoder) ReadU8() (byte, error) {
	if d.Remaining() < 1 {
		return 0, errors.New("wire: need 1 byte")
	}
	v := d.b[d.o]
	d.o++
	return v, nil
}

func (d *Decoder) ReadU16() (uint16, error) {
	if d.Remaining() < 2 {
		return 0, errors.New("wire: need 2 bytes")
	}
	v := binary.LittleEndian.Uint16(d.b[d.o : d.o+2])
	d.o += 2
	return v, nil
}

func (d *Decoder) ReadU32() (uint32, error) {
	if d.Remaining() < 4 {
		return 0, errors.New("wire: need 4 bytes")
	}
	v := binary.LittleEndian.Uint32(d.b[d.o : d.o+4])
	d.o += 4
	return v, nil
}

func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("wire: negative length")
	}
	if d.Remaining() < n {
		return nil, errors.Errorf("wire: need %d bytes, have %d", n, d.Remaining())
	}
	v := d.b[d.o : d.o+n]
	d.o += n
	return v, nil
}

// ReadName reads a u8 length-prefixed name, bounded by maxLen (name_max).
func (d *Decoder) ReadName(maxLen int) (string, error) {
	ln, err := d.ReadU8()
	if err != nil {
		return "", err
	}
	if int(ln) > maxLen {
		return "", errors.Errorf("wire: name length %d exceeds limit %d", ln, maxLen)
	}
	b, err := d.ReadBytes(int(ln))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encoder builds little-endian record payloads.
type Encoder struct {
	b []byte
}

func NewEncoder(capacity int) *Encoder {
	if capacity < 0 {
		capacity = 0
	}
	return &Encoder{b: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte { return e.b }

func (e *Encoder) Len() int { return len(e.b) }

func (e *Encoder) WriteU8(v byte) {
	e.b = append(e.b, v)
}

func (e *Encoder) WriteU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) WriteU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) WriteBytes(b []byte) {
	e.b = append(e.b, b...)
}

// WriteName writes a u8 length-prefixed name. Callers validate name_max
// before calling this; it only guards against the u8 length field overflowing.
func (e *Encoder) WriteName(s string) error {
	b := []byte(s)
	if len(b) > 0xFF {
		return errors.Errorf("wire: name too long: %d bytes", len(b))
	}
	e.WriteU8(byte(len(b)))
	e.WriteBytes(b)
	return nil
}
