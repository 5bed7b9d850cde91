package planner

import "github.com/xyproto/veriload/elfconst"

// protOfFlags translates a PT_LOAD segment's p_flags into the RWX bits
// a future mprotect call will use.
func protOfFlags(flags uint32) ProtFlags {
	return ProtFlags{
		Read:    flags&elfconst.PF_R == elfconst.PF_R,
		Write:   flags&elfconst.PF_W == elfconst.PF_W,
		Execute: flags&elfconst.PF_X == elfconst.PF_X,
	}
}

// roundedSegStart is the page-floor of vaddr, relocated by base.
func roundedSegStart(base, vaddr uint64) uint64 {
	return addU64OrZero(base, pageFloor(vaddr))
}

// roundedSegLen is the length, in bytes, of the page-aligned mapping a
// segment needs: from the page floor of its vaddr to the page ceiling
// of its end, saturating to 0 on any overflow or inversion.
func roundedSegLen(vaddr, memsz uint64) int {
	segEnd := addU64OrZero(vaddr, memsz)
	lo := pageFloor(vaddr)
	hi, ok := pageCeilChecked(segEnd)
	if !ok || hi < lo {
		return 0
	}
	return int(hi - lo)
}

// segmentBytes extracts a segment's logical (unrounded) content: its
// file-backed prefix (filesz bytes read from the object's file image at
// p_offset), zero-filled out to memsz for the BSS tail. An out-of-range
// file offset yields a zero byte rather than a read fault.
func segmentBytes(obj ParsedObject, ph ProgramHeader) []byte {
	if ph.Memsz > uint64(^uint(0)>>1) {
		return nil
	}
	length := int(ph.Memsz)
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		if uint64(i) >= ph.Filesz {
			continue
		}
		off, carry := bitsAdd64NoCarry(ph.Offset, uint64(i))
		if !carry {
			continue
		}
		if off < uint64(len(obj.FileBytes)) {
			out[i] = obj.FileBytes[off]
		}
	}
	return out
}

// segmentMmapBytes builds the full page-aligned mapping content for one
// PT_LOAD segment: leading zero padding from the page boundary to
// vaddr, the segment's own bytes, then trailing zero padding out to the
// page-rounded length.
func segmentMmapBytes(obj ParsedObject, ph ProgramHeader) []byte {
	lo := pageFloor(ph.Vaddr)
	lead := ph.Vaddr - lo
	length := roundedSegLen(ph.Vaddr, ph.Memsz)
	seg := segmentBytes(obj, ph)

	out := make([]byte, 0, length)
	for i := uint64(0); i < lead && len(out) < length; i++ {
		out = append(out, 0)
	}
	for i := 0; i < len(seg) && len(out) < length; i++ {
		out = append(out, seg[i])
	}
	for len(out) < length {
		out = append(out, 0)
	}
	return out
}

// rangesOverlap reports whether [aStart, aStart+aLen) and
// [bStart, bStart+bLen) intersect.
func rangesOverlap(aStart uint64, aLen int, bStart uint64, bLen int) bool {
	aLo, aHi := aStart, aStart+uint64(aLen)
	bLo, bHi := bStart, bStart+uint64(bLen)
	return aLo < bHi && bLo < aHi
}

// PlanMmap computes one page-aligned, non-overlapping MmapPlan per
// retained PT_LOAD segment, in discover order. ET_EXEC objects load at
// base 0; ET_DYN objects get a deterministic base from their position in
// discover order. A candidate segment that would overlap an
// already-accepted plan is silently dropped rather than failing the
// stage — a pragmatic choice, not a hard invariant violation.
func PlanMmap(parsed []ParsedObject, discovered DiscoveryResult) ([]MmapPlan, error) {
	var plans []MmapPlan

	for oi, objIdx := range discovered.Order {
		if objIdx >= len(parsed) {
			return nil, mmapPlanError("", "ordered index %d out of range", objIdx)
		}
		obj := parsed[objIdx]

		var base uint64
		if obj.ElfType != elfconst.ET_EXEC {
			base = dynBaseForPos(oi)
		}

		for _, ph := range obj.Phdrs {
			if ph.Type != elfconst.PT_LOAD {
				continue
			}
			candStart := roundedSegStart(base, ph.Vaddr)
			bytes := segmentMmapBytes(obj, ph)
			candLen := len(bytes)

			collides := false
			for _, p := range plans {
				if rangesOverlap(p.Start, len(p.Bytes), candStart, candLen) {
					collides = true
					break
				}
			}
			if collides {
				continue
			}

			plans = append(plans, MmapPlan{
				ObjectName: obj.InputName,
				Start:      candStart,
				Bytes:      bytes,
				Prot:       protOfFlags(ph.Flags),
			})
		}
	}

	if VerboseMode {
		debugf("mmap-plan: %d segments planned", len(plans))
	}

	return plans, nil
}
