package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEncoder(0)
	e.WriteU8(0x42)
	e.WriteU16(0xBEEF)
	e.WriteU32(0xDEADBEEF)
	if err := e.WriteName("hello"); err != nil {
		t.Fatalf("WriteName: %v", err)
	}

	d := NewDecoder(e.Bytes())
	u8, err := d.ReadU8()
	if err != nil || u8 != 0x42 {
		t.Fatalf("ReadU8: %v %v", u8, err)
	}
	u16, err := d.ReadU16()
	if err != nil || u16 != 0xBEEF {
		t.Fatalf("ReadU16: %v %v", u16, err)
	}
	u32, err := d.ReadU32()
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("ReadU32: %v %v", u32, err)
	}
	name, err := d.ReadName(255)
	if err != nil || name != "hello" {
		t.Fatalf("ReadName: %q %v", name, err)
	}
	if d.Remaining() != 0 {
		t.Fatalf("expected no remaining bytes, got %d", d.Remaining())
	}
}

func TestReadNameRejectsOverLimit(t *testing.T) {
	e := NewEncoder(0)
	_ = e.WriteName("abcdef")
	d := NewDecoder(e.Bytes())
	if _, err := d.ReadName(3); err == nil {
		t.Fatalf("expected name length over limit to error")
	}
}

func TestShortBufferErrors(t *testing.T) {
	d := NewDecoder([]byte{0x01})
	if _, err := d.ReadU32(); err == nil {
		t.Fatalf("expected short-buffer error reading u32 from 1 byte")
	}
}
