package planner

import "testing"

func testImage() *Image {
	bytesA := make([]byte, 0x2000)
	copy(bytesA[0x100:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	copy(bytesA[0x200:], []byte("hello\x00"))
	bytesB := make([]byte, 0x1000)
	return NewImage([]MmapPlan{
		{ObjectName: "a", Start: 0x10000, Bytes: bytesA, Prot: ProtFlags{Read: true}},
		{ObjectName: "b", Start: 0x20000, Bytes: bytesB, Prot: ProtFlags{Read: true, Write: true}},
	})
}

func TestImageReads(t *testing.T) {
	im := testImage()

	if v, ok := im.ReadU8(0x10100); !ok || v != 0x01 {
		t.Errorf("ReadU8 = 0x%x/%v, want 0x01/true", v, ok)
	}
	if v, ok := im.ReadU16(0x10100); !ok || v != 0x0201 {
		t.Errorf("ReadU16 = 0x%x/%v, want 0x0201/true", v, ok)
	}
	if v, ok := im.ReadU32(0x10100); !ok || v != 0x04030201 {
		t.Errorf("ReadU32 = 0x%x/%v, want 0x04030201/true", v, ok)
	}
	if v, ok := im.ReadU64(0x10100); !ok || v != 0x0807060504030201 {
		t.Errorf("ReadU64 = 0x%x/%v, want 0x0807060504030201/true", v, ok)
	}
}

func TestImageCString(t *testing.T) {
	im := testImage()
	s, ok := im.CString(0x10200)
	if !ok || string(s) != "hello" {
		t.Errorf("CString = %q/%v, want \"hello\"/true", s, ok)
	}
	if _, ok := im.CString(0x30000); ok {
		t.Error("CString outside every plan must fail")
	}
}

func TestImageRefusesOutOfRangeAccess(t *testing.T) {
	im := testImage()

	if _, ok := im.ReadU64(0x10000 + 0x2000 - 4); ok {
		t.Error("a read crossing a plan's end must fail, not truncate")
	}
	if _, ok := im.ReadU8(0xffff); ok {
		t.Error("a read below every plan must fail")
	}
	if im.WriteU64Checked(0x20000+0x1000-4, 1) {
		t.Error("a write crossing a plan's end must be refused")
	}
}

func TestImageWriteU64Checked(t *testing.T) {
	im := testImage()
	if !im.WriteU64Checked(0x20010, 0xdeadbeefcafef00d) {
		t.Fatal("in-range write refused")
	}
	v, ok := im.ReadU64(0x20010)
	if !ok || v != 0xdeadbeefcafef00d {
		t.Errorf("read-back = 0x%x/%v, want the written value", v, ok)
	}
}

func TestImageCovers(t *testing.T) {
	im := testImage()
	if n := im.Covers(0x10100); n != 1 {
		t.Errorf("Covers(0x10100) = %d, want 1", n)
	}
	if n := im.Covers(0x30000); n != 0 {
		t.Errorf("Covers(0x30000) = %d, want 0", n)
	}
}
