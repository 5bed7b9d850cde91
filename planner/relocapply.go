package planner

// applyWriteToPlans patches one write into the real mmap plans (as
// opposed to PlanReloc's scratch copies): every plan whose range covers
// write.WriteAddr gets its bytes patched, not just the first match,
// mirroring PlanReloc's own temp-plan patching rule.
func applyWriteToPlans(plans []MmapPlan, write RelocWrite) {
	for i := range plans {
		p := &plans[i]
		if write.WriteAddr < p.Start {
			continue
		}
		delta := write.WriteAddr - p.Start
		if delta > uint64(^uint(0)>>1) {
			continue
		}
		patchU64LE(p.Bytes, int(delta), write.Value)
	}
}

// ApplyReloc performs the real, final patch of every planned relocation
// write into the mmap plans' byte content, in emission order. It makes
// no resolution decisions of its own — PlanReloc already decided what to
// write and where; this stage only commits those writes to the plans
// that will actually be mapped.
func ApplyReloc(plan RelocatePlanOutput) (RelocateApplyOutput, error) {
	mmapPlans := make([]MmapPlan, len(plan.MmapPlans))
	for i, p := range plan.MmapPlans {
		mmapPlans[i] = MmapPlan{
			ObjectName: p.ObjectName,
			Start:      p.Start,
			Bytes:      append([]byte(nil), p.Bytes...),
			Prot:       p.Prot,
		}
	}

	for _, write := range plan.RelocPlan {
		applyWriteToPlans(mmapPlans, write)
	}

	if VerboseMode {
		debugf("apply-reloc: %d writes applied across %d plans", len(plan.RelocPlan), len(mmapPlans))
	}

	return RelocateApplyOutput{
		MmapPlans:   mmapPlans,
		RelocWrites: plan.RelocPlan,
		Parsed:      plan.Parsed,
		Discovered:  plan.Discovered,
		Resolved:    plan.Resolved,
	}, nil
}
