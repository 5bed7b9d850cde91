package planner

import "github.com/xyproto/veriload/elfconst"

// symbolIsWeakUndef reports whether a dynsym is both weak-bound and
// undefined — the only case in which an unresolved symbolic relocation
// is tolerated rather than treated as a loader error.
func symbolIsWeakUndef(sym DynSymbol) bool {
	bind := sym.Info >> 4
	return bind == elfconst.STB_WEAK && sym.Shndx == elfconst.SHN_UNDEF
}

// symbolRelocationRequiresProvider reports whether a relocation of the
// given kind, against the given requester-side symbol, must resolve to
// a provider or else fail the pipeline. R_X86_64_COPY always requires
// one; JUMP_SLOT/GLOB_DAT/64 require one unless the symbol is weak and
// undefined.
func symbolRelocationRequiresProvider(relType uint32, sym DynSymbol) bool {
	if relType == elfconst.R_X86_64_COPY {
		return true
	}
	return (relType == elfconst.R_X86_64_JUMP_SLOT ||
		relType == elfconst.R_X86_64_GLOB_DAT ||
		relType == elfconst.R_X86_64_64) && !symbolIsWeakUndef(sym)
}

// symbolMatch reports whether dynsym reqSym of object reqObj names the
// same symbol as dynsym provSym of object provObj, where provSym is
// itself defined (has a section). Name comparison is by NUL-terminated
// byte run in each object's own dynstr.
func symbolMatch(parsed []ParsedObject, reqObj, reqSym, provObj, provSym int) bool {
	provRec := parsed[provObj].Dynsyms[provSym]
	if provRec.Shndx == elfconst.SHN_UNDEF {
		return false
	}
	reqName := parsed[reqObj].Dynsyms[reqSym].NameOffset
	return cstrEqFrom(parsed[reqObj].Dynstr, int(reqName), parsed[provObj].Dynstr, int(provRec.NameOffset))
}

// findProvider scans order (discover-order position, then symbol index
// within each candidate object) for the first dynsym that matches
// reqObj's reqSym and is itself defined. First match wins; an object
// may even match against its own table if it redefines the symbol.
func findProvider(parsed []ParsedObject, order []int, reqObj, reqSym int) (provObj, provSym int, ok bool) {
	for _, candObj := range order {
		if candObj >= len(parsed) {
			continue
		}
		for s := range parsed[candObj].Dynsyms {
			if symbolMatch(parsed, reqObj, reqSym, candObj, s) {
				return candObj, s, true
			}
		}
	}
	return 0, 0, false
}

// Resolve assigns each discovered object a (still-zero) PlannedObject
// slot and walks every object's relas then jmprels, in discover order,
// recording a ResolvedReloc for every relocation with a nonzero symbol
// index. A symbolic relocation whose kind requires a provider and finds
// none is a pipeline error; one that tolerates an unresolved weak symbol
// is recorded with nil provider fields instead.
func Resolve(parsed []ParsedObject, discovered DiscoveryResult) (ResolutionResult, error) {
	planned := make([]PlannedObject, 0, len(discovered.Order))
	for _, idx := range discovered.Order {
		if idx >= len(parsed) {
			return ResolutionResult{}, resolveError("", "ordered index %d out of range", idx)
		}
		planned = append(planned, PlannedObject{Index: idx, Base: 0})
	}

	var resolvedRelocs []ResolvedReloc

	for _, objIdx := range discovered.Order {
		if objIdx >= len(parsed) {
			return ResolutionResult{}, resolveError("", "ordered index %d out of range", objIdx)
		}
		obj := parsed[objIdx]

		resolveOne := func(rel RelaEntry, ri int, isJmprel bool) error {
			relType := rel.RelocType()
			symIdx := rel.SymIndex()

			requiresSymIdx := relType == elfconst.R_X86_64_JUMP_SLOT ||
				relType == elfconst.R_X86_64_GLOB_DAT ||
				relType == elfconst.R_X86_64_COPY ||
				relType == elfconst.R_X86_64_64
			if requiresSymIdx && (symIdx == 0 || symIdx >= len(obj.Dynsyms)) {
				return resolveError(obj.InputName, "relocation %d references invalid symbol index %d", ri, symIdx)
			}

			if symIdx <= 0 {
				return nil
			}

			var providerRequired bool
			var provObj, provSym int
			var found bool
			if symIdx < len(obj.Dynsyms) {
				providerRequired = symbolRelocationRequiresProvider(relType, obj.Dynsyms[symIdx])
				provObj, provSym, found = findProvider(parsed, discovered.Order, objIdx, symIdx)
			}

			if providerRequired && !found {
				return resolveError(obj.InputName, "unresolved symbol at dynsym index %d", symIdx)
			}

			rr := ResolvedReloc{
				Requester:  objIdx,
				IsJmprel:   isJmprel,
				RelocIndex: ri,
				SymIndex:   symIdx,
			}
			if found {
				po, ps := provObj, provSym
				rr.ProviderObject = &po
				rr.ProviderSymbol = &ps
			}
			resolvedRelocs = append(resolvedRelocs, rr)
			return nil
		}

		for ri, rel := range obj.Relas {
			if err := resolveOne(rel, ri, false); err != nil {
				return ResolutionResult{}, err
			}
		}
		for ji, rel := range obj.Jmprels {
			if err := resolveOne(rel, ji, true); err != nil {
				return ResolutionResult{}, err
			}
		}
	}

	if VerboseMode {
		debugf("resolve: %d planned objects, %d resolved relocations", len(planned), len(resolvedRelocs))
	}

	return ResolutionResult{Planned: planned, ResolvedRelocs: resolvedRelocs}, nil
}
