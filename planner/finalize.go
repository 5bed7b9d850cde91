package planner

// Finalize computes constructor/destructor call lists and the process
// entry point from a fully relocated plan. Constructors run in reverse
// discover order, each object's own init_array walked forward; this is
// the transpose of destructors, which run in forward discover order
// with each object's fini_array walked backward.
func Finalize(plan RelocateApplyOutput) (LoaderOutput, error) {
	parsed, discovered := plan.Parsed, plan.Discovered

	var constructors []InitCall
	for pos := len(discovered.Order); pos > 0; pos-- {
		objPos := pos - 1
		objIdx := discovered.Order[objPos]
		if objIdx >= len(parsed) {
			return LoaderOutput{}, finalizeError("", "ordered index %d out of range", objIdx)
		}
		obj := parsed[objIdx]
		base := objectBaseExec(parsed, discovered.Order, objIdx)
		for _, addr := range obj.InitArray {
			constructors = append(constructors, InitCall{
				ObjectName: obj.InputName,
				PC:         addU64OrZero(base, addr),
			})
		}
	}

	var destructors []TermCall
	for _, objIdx := range discovered.Order {
		if objIdx >= len(parsed) {
			return LoaderOutput{}, finalizeError("", "ordered index %d out of range", objIdx)
		}
		obj := parsed[objIdx]
		base := objectBaseExec(parsed, discovered.Order, objIdx)
		for j := len(obj.FiniArray); j > 0; j-- {
			destructors = append(destructors, TermCall{
				ObjectName: obj.InputName,
				PC:         addU64OrZero(base, obj.FiniArray[j-1]),
			})
		}
	}

	var entryPC uint64
	if len(parsed) > 0 {
		mainBase := objectBaseExec(parsed, discovered.Order, 0)
		entryPC = addU64OrZero(mainBase, parsed[0].Entry)
	}

	if VerboseMode {
		debugf("finalize: entry=0x%x constructors=%d destructors=%d", entryPC, len(constructors), len(destructors))
		if word, ok := NewImage(plan.MmapPlans).ReadU64(entryPC); ok {
			debugf("finalize: first quadword at entry: 0x%016x", word)
		}
	}

	return LoaderOutput{
		EntryPC:      entryPC,
		Constructors: constructors,
		Destructors:  destructors,
		MmapPlans:    plan.MmapPlans,
		RelocWrites:  plan.RelocWrites,
		Parsed:       parsed,
		Discovered:   discovered,
		Resolved:     plan.Resolved,
	}, nil
}
