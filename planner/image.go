package planner

import "encoding/binary"

// Image provides checked, address-keyed access over a set of mmap
// plans: every read or write names a runtime virtual address and is
// refused unless its whole footprint lies inside a single plan. The
// pipeline's own stages patch plan bytes through their offset-based
// helpers; PlanReloc uses Covers for its write-containment check, and
// VerboseMode tracing and tests use Image to inspect a finished layout.
type Image struct {
	plans []MmapPlan
}

// NewImage wraps plans without copying them; mutations through
// WriteU64Checked write into the caller's buffers.
func NewImage(plans []MmapPlan) *Image {
	return &Image{plans: plans}
}

// locate returns the byte slice of length size at addr, or ok=false if
// no single plan covers [addr, addr+size).
func (im *Image) locate(addr uint64, size int) ([]byte, bool) {
	if size < 0 {
		return nil, false
	}
	for i := range im.plans {
		p := &im.plans[i]
		if addr < p.Start {
			continue
		}
		delta := addr - p.Start
		if delta > uint64(len(p.Bytes)) {
			continue
		}
		off := int(delta)
		if len(p.Bytes)-off < size {
			continue
		}
		return p.Bytes[off : off+size], true
	}
	return nil, false
}

func (im *Image) ReadU8(addr uint64) (byte, bool) {
	b, ok := im.locate(addr, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (im *Image) ReadU16(addr uint64) (uint16, bool) {
	b, ok := im.locate(addr, 2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (im *Image) ReadU32(addr uint64) (uint32, bool) {
	b, ok := im.locate(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (im *Image) ReadU64(addr uint64) (uint64, bool) {
	b, ok := im.locate(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// CString reads the NUL-terminated byte run starting at addr, excluding
// the NUL. The run must terminate inside the covering plan.
func (im *Image) CString(addr uint64) ([]byte, bool) {
	for i := range im.plans {
		p := &im.plans[i]
		if addr < p.Start {
			continue
		}
		delta := addr - p.Start
		if delta >= uint64(len(p.Bytes)) {
			continue
		}
		off := int(delta)
		end := off
		for end < len(p.Bytes) && p.Bytes[end] != 0 {
			end++
		}
		if end >= len(p.Bytes) {
			return nil, false
		}
		return p.Bytes[off:end], true
	}
	return nil, false
}

// WriteU64Checked stores value little-endian at addr, refusing (rather
// than truncating) a write whose 8-byte footprint is not wholly inside
// one plan.
func (im *Image) WriteU64Checked(addr uint64, value uint64) bool {
	b, ok := im.locate(addr, 8)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(b, value)
	return true
}

// Covers reports how many plans contain addr. The non-overlap invariant
// makes any value above 1 a layout defect.
func (im *Image) Covers(addr uint64) int {
	n := 0
	for i := range im.plans {
		p := &im.plans[i]
		if addr >= p.Start && addr-p.Start < uint64(len(p.Bytes)) {
			n++
		}
	}
	return n
}
