package planner

import "github.com/xyproto/veriload/elfconst"

// objectBaseExec finds obj_idx's position in discover order and returns
// its runtime base: 0 for ET_EXEC, else the deterministic ET_DYN base
// for that position. An object not present in order bases at 0.
func objectBaseExec(parsed []ParsedObject, order []int, objIdx int) uint64 {
	for pos, idx := range order {
		if idx == objIdx && idx < len(parsed) {
			if parsed[idx].ElfType == elfconst.ET_EXEC {
				return 0
			}
			return dynBaseForPos(pos)
		}
	}
	return 0
}

// rrRelocEntry fetches the RelaEntry a ResolvedReloc points at, from
// either the requester's relas or jmprels table.
func rrRelocEntry(parsed []ParsedObject, rr ResolvedReloc) (RelaEntry, bool) {
	if rr.Requester >= len(parsed) {
		return RelaEntry{}, false
	}
	obj := parsed[rr.Requester]
	if rr.IsJmprel {
		if rr.RelocIndex < 0 || rr.RelocIndex >= len(obj.Jmprels) {
			return RelaEntry{}, false
		}
		return obj.Jmprels[rr.RelocIndex], true
	}
	if rr.RelocIndex < 0 || rr.RelocIndex >= len(obj.Relas) {
		return RelaEntry{}, false
	}
	return obj.Relas[rr.RelocIndex], true
}

// dynstrCstr returns the NUL-terminated byte run in obj.Dynstr starting
// at off, excluding the NUL.
func dynstrCstr(obj ParsedObject, off uint32) ([]byte, bool) {
	start := int(off)
	if start >= len(obj.Dynstr) {
		return nil, false
	}
	end := start
	for end < len(obj.Dynstr) && obj.Dynstr[end] != 0 {
		end++
	}
	if end >= len(obj.Dynstr) {
		return nil, false
	}
	return obj.Dynstr[start:end], true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// findCopyProvider is the fallback lookup for an R_X86_64_COPY
// relocation whose resolved provider was unusable (e.g. self-reference):
// scan discover order for the first other object defining a symbol with
// the same name.
func findCopyProvider(parsed []ParsedObject, order []int, reqIdx, reqSymIdx int) (int, int, bool) {
	if reqIdx >= len(parsed) || reqSymIdx >= len(parsed[reqIdx].Dynsyms) {
		return 0, 0, false
	}
	reqSym := parsed[reqIdx].Dynsyms[reqSymIdx]
	reqName, ok := dynstrCstr(parsed[reqIdx], reqSym.NameOffset)
	if !ok {
		return 0, 0, false
	}

	for _, objIdx := range order {
		if objIdx == reqIdx || objIdx >= len(parsed) {
			continue
		}
		obj := parsed[objIdx]
		for symIdx, sym := range obj.Dynsyms {
			if sym.Shndx == elfconst.SHN_UNDEF {
				continue
			}
			name, ok := dynstrCstr(obj, sym.NameOffset)
			if ok && bytesEqual(name, reqName) {
				return objIdx, symIdx, true
			}
		}
	}
	return 0, 0, false
}

// patchU64LE stores value little-endian at bytes[off:off+8], a no-op if
// that range does not fully fit in bytes.
func patchU64LE(bytes []byte, off int, value uint64) {
	if off < 0 || off > len(bytes) || len(bytes)-off < 8 {
		return
	}
	for k := 0; k < 8; k++ {
		bytes[off+k] = byte(value >> (8 * k))
	}
}

// applyWriteToTempPlans patches value into whichever scratch mmap plan
// contains writeAddr, so later relocations (most importantly COPY
// relocations reading "current" memory) observe earlier writes.
func applyWriteToTempPlans(plans []MmapPlan, writeAddr, value uint64) {
	for i := range plans {
		p := &plans[i]
		if writeAddr >= p.Start {
			delta := writeAddr - p.Start
			if delta <= uint64(^uint(0)>>1) {
				patchU64LE(p.Bytes, int(delta), value)
			}
		}
	}
}

// readPlanByte reads one byte at addr from whichever scratch mmap plan
// covers it.
func readPlanByte(plans []MmapPlan, addr uint64) (byte, bool) {
	for _, p := range plans {
		if addr < p.Start {
			continue
		}
		delta := addr - p.Start
		if delta > uint64(^uint(0)>>1) {
			continue
		}
		idx := int(delta)
		if idx < len(p.Bytes) {
			return p.Bytes[idx], true
		}
	}
	return 0, false
}

// copyChunkValue reads an up-to-8-byte little-endian chunk for a COPY
// relocation: the first chunkLen bytes come from srcAddr (the provider's
// current bytes), the remaining bytes (beyond the symbol's tail) come
// from dstAddr (the destination's own pre-existing bytes), matching the
// psABI rule that a short trailing chunk must not zero-fill.
func copyChunkValue(plans []MmapPlan, srcAddr, dstAddr uint64, chunkLen int) (uint64, bool) {
	var value uint64
	for i := 0; i < 8; i++ {
		var b byte
		var ok bool
		if i < chunkLen {
			b, ok = readPlanByte(plans, addU64OrZero(srcAddr, uint64(i)))
		} else {
			b, ok = readPlanByte(plans, addU64OrZero(dstAddr, uint64(i)))
		}
		if !ok {
			return 0, false
		}
		value |= uint64(b) << (8 * i)
	}
	return value, true
}

// PlanReloc computes the ordered sequence of 8-byte writes a full
// relocation pass performs, without touching the real mmap plans: a
// scratch clone absorbs each write as it is emitted so later writes (in
// particular COPY relocations, which read "current" memory) observe
// earlier ones.
//
// Three passes, in order: (1) R_X86_64_RELATIVE, relas then jmprels, per
// object in discover order; (2) symbolic JUMP_SLOT/GLOB_DAT/64, in
// resolved-reloc order, deferring COPY entries; (3) deferred COPY
// relocations, chunked 8 bytes at a time. Every pass refuses a write
// whose target address does not land inside exactly one mmap plan —
// ApplyReloc would silently drop such a write, so the defect is caught
// here, where the object and relocation can still be named.
func PlanReloc(parsed []ParsedObject, discovered DiscoveryResult, resolved ResolutionResult, mmapPlans []MmapPlan) (RelocatePlanOutput, error) {
	var relocWrites []RelocWrite
	tempPlans := make([]MmapPlan, len(mmapPlans))
	for i, p := range mmapPlans {
		tempPlans[i] = MmapPlan{
			ObjectName: p.ObjectName,
			Start:      p.Start,
			Bytes:      append([]byte(nil), p.Bytes...),
			Prot:       p.Prot,
		}
	}
	im := NewImage(tempPlans)

	for _, objIdx := range discovered.Order {
		if objIdx >= len(parsed) {
			return RelocatePlanOutput{}, planRelocError("", "ordered index %d out of range", objIdx)
		}
		obj := parsed[objIdx]
		base := objectBaseExec(parsed, discovered.Order, objIdx)

		emitRelative := func(rel RelaEntry) error {
			if rel.RelocType() != elfconst.R_X86_64_RELATIVE {
				return nil
			}
			writeAddr := addU64OrZero(base, rel.Offset)
			value := addI64OrZero(base, rel.Addend)
			if n := im.Covers(writeAddr); n != 1 {
				return planRelocError(obj.InputName, "RELATIVE write at 0x%x lands in %d mapped regions, want exactly 1", writeAddr, n)
			}
			relocWrites = append(relocWrites, RelocWrite{
				ObjectName: obj.InputName,
				WriteAddr:  writeAddr,
				Value:      value,
				RelocType:  elfconst.R_X86_64_RELATIVE,
			})
			applyWriteToTempPlans(tempPlans, writeAddr, value)
			return nil
		}
		for _, rel := range obj.Relas {
			if err := emitRelative(rel); err != nil {
				return RelocatePlanOutput{}, err
			}
		}
		for _, rel := range obj.Jmprels {
			if err := emitRelative(rel); err != nil {
				return RelocatePlanOutput{}, err
			}
		}
	}

	type pendingCopy struct {
		rr  ResolvedReloc
		rel RelaEntry
	}
	var pending []pendingCopy

	for _, rr := range resolved.ResolvedRelocs {
		rel, ok := rrRelocEntry(parsed, rr)
		if !ok {
			return RelocatePlanOutput{}, planRelocError("", "resolved relocation points at missing entry")
		}

		relType := rel.RelocType()
		if relType != elfconst.R_X86_64_JUMP_SLOT &&
			relType != elfconst.R_X86_64_GLOB_DAT &&
			relType != elfconst.R_X86_64_64 &&
			relType != elfconst.R_X86_64_COPY {
			continue
		}

		reqIdx := rr.Requester
		if reqIdx >= len(parsed) {
			return RelocatePlanOutput{}, planRelocError("", "requester index %d out of range", reqIdx)
		}
		if rr.SymIndex == 0 || rr.SymIndex >= len(parsed[reqIdx].Dynsyms) {
			return RelocatePlanOutput{}, planRelocError(parsed[reqIdx].InputName, "resolved relocation has invalid symbol index %d", rr.SymIndex)
		}

		providerRequired := symbolRelocationRequiresProvider(relType, parsed[reqIdx].Dynsyms[rr.SymIndex])

		if rr.ProviderObject != nil && rr.ProviderSymbol != nil {
			po, ps := *rr.ProviderObject, *rr.ProviderSymbol
			if po >= len(parsed) || ps >= len(parsed[po].Dynsyms) {
				return RelocatePlanOutput{}, planRelocError("", "resolved provider (%d,%d) out of range", po, ps)
			}
		} else if providerRequired {
			return RelocatePlanOutput{}, planRelocError(parsed[reqIdx].InputName, "relocation requires a provider but none was resolved")
		}

		if relType == elfconst.R_X86_64_COPY {
			pending = append(pending, pendingCopy{rr: rr, rel: rel})
			continue
		}

		reqBase := objectBaseExec(parsed, discovered.Order, reqIdx)
		var providerValue uint64
		if rr.ProviderObject != nil && rr.ProviderSymbol != nil {
			po, ps := *rr.ProviderObject, *rr.ProviderSymbol
			provBase := objectBaseExec(parsed, discovered.Order, po)
			providerValue = addU64OrZero(provBase, parsed[po].Dynsyms[ps].Value)
		}

		value := providerValue
		if relType == elfconst.R_X86_64_64 {
			value = addI64OrZero(providerValue, rel.Addend)
		}

		writeAddr := addU64OrZero(reqBase, rel.Offset)
		if n := im.Covers(writeAddr); n != 1 {
			return RelocatePlanOutput{}, planRelocError(parsed[reqIdx].InputName, "symbolic write at 0x%x lands in %d mapped regions, want exactly 1", writeAddr, n)
		}
		relocWrites = append(relocWrites, RelocWrite{
			ObjectName: parsed[reqIdx].InputName,
			WriteAddr:  writeAddr,
			Value:      value,
			RelocType:  relType,
		})
		applyWriteToTempPlans(tempPlans, writeAddr, value)
	}

	for _, pc := range pending {
		rr, rel := pc.rr, pc.rel
		reqIdx := rr.Requester
		if reqIdx >= len(parsed) || rr.SymIndex >= len(parsed[reqIdx].Dynsyms) {
			return RelocatePlanOutput{}, planRelocError("", "COPY relocation requester out of range")
		}

		provObj, provSym, found := -1, -1, false
		if rr.ProviderObject != nil && rr.ProviderSymbol != nil {
			po, ps := *rr.ProviderObject, *rr.ProviderSymbol
			if po < len(parsed) && ps < len(parsed[po].Dynsyms) && po != reqIdx {
				provObj, provSym, found = po, ps, true
			}
		}
		if !found {
			provObj, provSym, found = findCopyProvider(parsed, discovered.Order, reqIdx, rr.SymIndex)
		}
		if !found {
			return RelocatePlanOutput{}, planRelocError(parsed[reqIdx].InputName, "no provider for COPY relocation")
		}

		reqSym := parsed[reqIdx].Dynsyms[rr.SymIndex]
		provSymRec := parsed[provObj].Dynsyms[provSym]

		copySize := int(reqSym.Size)
		if copySize == 0 {
			copySize = int(provSymRec.Size)
		}
		if copySize == 0 {
			continue
		}

		reqBase := objectBaseExec(parsed, discovered.Order, reqIdx)
		provBase := objectBaseExec(parsed, discovered.Order, provObj)
		dstStart := addU64OrZero(reqBase, rel.Offset)
		srcStart := addU64OrZero(provBase, provSymRec.Value)

		copied := 0
		for copied < copySize {
			chunkLen := 8
			if copySize-copied < 8 {
				chunkLen = copySize - copied
			}
			srcAddr := addU64OrZero(srcStart, uint64(copied))
			dstAddr := addU64OrZero(dstStart, uint64(copied))

			value, ok := copyChunkValue(tempPlans, srcAddr, dstAddr, chunkLen)
			if !ok {
				return RelocatePlanOutput{}, planRelocError(parsed[reqIdx].InputName, "COPY relocation reads outside any mapped range")
			}
			if n := im.Covers(dstAddr); n != 1 {
				return RelocatePlanOutput{}, planRelocError(parsed[reqIdx].InputName, "COPY write at 0x%x lands in %d mapped regions, want exactly 1", dstAddr, n)
			}

			relocWrites = append(relocWrites, RelocWrite{
				ObjectName: parsed[reqIdx].InputName,
				WriteAddr:  dstAddr,
				Value:      value,
				RelocType:  elfconst.R_X86_64_COPY,
			})
			applyWriteToTempPlans(tempPlans, dstAddr, value)
			copied += chunkLen
		}
	}

	if VerboseMode {
		debugf("plan-reloc: %d writes planned", len(relocWrites))
	}

	return RelocatePlanOutput{
		MmapPlans:  mmapPlans,
		RelocPlan:  relocWrites,
		Parsed:     parsed,
		Discovered: discovered,
		Resolved:   resolved,
	}, nil
}
