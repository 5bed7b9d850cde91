package planner

// Discover computes the dependency-closure load order over parsed
// objects: a breadth-first traversal starting at object 0 (the main
// executable), following each object's DT_NEEDED entries to the unique
// candidate whose SONAME (or, absent a SONAME, input name) matches.
func Discover(parsed []ParsedObject) (DiscoveryResult, error) {
	if len(parsed) == 0 {
		return DiscoveryResult{}, nil
	}

	order := []int{0}

	// order grows as dependencies are discovered; re-reading len(order)
	// each iteration makes this loop drain the implicit BFS queue. Each
	// object's own DT_NEEDED list is walked in its declared order, per
	// entry, rather than by scanning candidate object indices ascending:
	// the append order must follow the needed-name order, not whatever
	// order objects happen to appear in the input set.
	for q := 0; q < len(order); q++ {
		cur := order[q]
		for _, needOff := range parsed[cur].NeededOffsets {
			idx, ok := resolveNeededIndex(parsed, cur, needOff)
			if !ok {
				// Left unresolved here; the validation pass below turns
				// this into a proper discoverError with the needed name.
				continue
			}
			if !containsIndex(order, idx) {
				order = append(order, idx)
			}
		}
	}

	for _, objIdx := range order {
		if objIdx >= len(parsed) {
			return DiscoveryResult{}, discoverError("", "ordered index %d out of range", objIdx)
		}
		obj := parsed[objIdx]
		for _, needOff := range obj.NeededOffsets {
			if !hasNeededMatch(parsed, objIdx, needOff) {
				name, ok := cstrAt(obj.Dynstr, int(needOff))
				if !ok {
					name = "<invalid>"
				}
				return DiscoveryResult{}, discoverError(obj.InputName, "unresolved DT_NEEDED %q", name)
			}
		}
	}

	if VerboseMode {
		debugf("discover: order=%v", order)
	}

	return DiscoveryResult{Order: order}, nil
}

func containsIndex(order []int, idx int) bool {
	for _, v := range order {
		if v == idx {
			return true
		}
	}
	return false
}

// cstrEqFrom compares NUL-terminated byte runs starting at ai in a and
// bi in b; both must terminate at the same position for equality.
func cstrEqFrom(a []byte, ai int, b []byte, bi int) bool {
	for {
		if ai >= len(a) || bi >= len(b) {
			return false
		}
		av, bv := a[ai], b[bi]
		if av == 0 || bv == 0 {
			return av == 0 && bv == 0
		}
		if av != bv {
			return false
		}
		ai++
		bi++
	}
}

func cstrAt(buf []byte, off int) (string, bool) {
	if off < 0 || off > len(buf) {
		return "", false
	}
	end := off
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	if end >= len(buf) {
		return "", false
	}
	return string(buf[off:end]), true
}

// resolveNeededIndex finds the unique object in parsed whose SONAME (or,
// absent a SONAME, NUL-appended input name) matches the DT_NEEDED entry
// at needOff in fromIdx's dynstr.
func resolveNeededIndex(parsed []ParsedObject, fromIdx int, needOff uint32) (int, bool) {
	if fromIdx >= len(parsed) {
		return 0, false
	}
	from := parsed[fromIdx]
	for idx := range parsed {
		cand := parsed[idx]
		if cand.SonameOffset != nil {
			if cstrEqFrom(from.Dynstr, int(needOff), cand.Dynstr, int(*cand.SonameOffset)) {
				return idx, true
			}
		} else {
			inputNameCstr := append([]byte(cand.InputName), 0)
			if cstrEqFrom(from.Dynstr, int(needOff), inputNameCstr, 0) {
				return idx, true
			}
		}
	}
	return 0, false
}

// hasNeededMatch reports whether some object in parsed declares a
// SONAME/input-name matching the DT_NEEDED entry at needOff in `from`'s
// dynstr.
func hasNeededMatch(parsed []ParsedObject, from int, needOff uint32) bool {
	_, ok := resolveNeededIndex(parsed, from, needOff)
	return ok
}
