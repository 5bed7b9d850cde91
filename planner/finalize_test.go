package planner

import (
	"reflect"
	"testing"

	"github.com/xyproto/veriload/elfconst"
)

// objectWithInitFini builds a minimal ET_DYN object declaring soname,
// one DT_NEEDED name (or none), and one-element init_array/fini_array.
func objectWithInitFini(soname string, needed string, ctorPC, dtorPC uint64) *elfBuilder {
	names := []string{soname}
	if needed != "" {
		names = append(names, needed)
	}
	dynstr, offs := cstrTable(names...)
	sonameOff := offs[0]

	b := &elfBuilder{
		elfType: elfconst.ET_DYN,
		dynstr:  dynstr,
		dynsyms: []DynSymbol{{}},
		soname:  &sonameOff,
		initArr: []uint64{ctorPC},
		finiArr: []uint64{dtorPC},
	}
	if needed != "" {
		b.needed = []uint32{offs[1]}
	}
	return b
}

func parseOne(t *testing.T, name string, raw []byte) ParsedObject {
	t.Helper()
	parsed, err := Parse(LoaderInput{Objects: []LoaderObject{{Name: name, Bytes: raw}}})
	if err != nil {
		t.Fatalf("Parse(%s): %v", name, err)
	}
	return parsed[0]
}

// TestScenarioConstructorOrdering: A (main) depends on B, which
// depends on C; constructors run C, B, A.
func TestScenarioConstructorOrdering(t *testing.T) {
	cB := objectWithInitFini("libc.so", "", 0x1000, 0x2000)
	libc := parseOne(t, "libc.so", buildIdentityObject(cB))

	bB := objectWithInitFini("libb.so", "libc.so", 0x1010, 0x2010)
	libb := parseOne(t, "libb.so", buildIdentityObject(bB))

	aB := objectWithInitFini("main", "libb.so", 0x1020, 0x2020)
	aB.soname = nil // main is identified by input name
	main := parseOne(t, "main", buildIdentityObject(aB))

	parsed := []ParsedObject{main, libb, libc}
	discovered, err := Discover(parsed)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !reflect.DeepEqual(discovered.Order, []int{0, 1, 2}) {
		t.Fatalf("Order = %v, want [0 1 2]", discovered.Order)
	}

	resolved, err := Resolve(parsed, discovered)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mmapPlans, err := PlanMmap(parsed, discovered)
	if err != nil {
		t.Fatalf("MmapPlan: %v", err)
	}
	planOut, err := PlanReloc(parsed, discovered, resolved, mmapPlans)
	if err != nil {
		t.Fatalf("PlanReloc: %v", err)
	}
	applyOut, err := ApplyReloc(planOut)
	if err != nil {
		t.Fatalf("ApplyReloc: %v", err)
	}
	out, err := Finalize(applyOut)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if len(out.Constructors) != 3 {
		t.Fatalf("expected 3 constructors, got %d", len(out.Constructors))
	}
	wantOrder := []string{"libc.so", "libb.so", "main"}
	for i, name := range wantOrder {
		if out.Constructors[i].ObjectName != name {
			t.Errorf("Constructors[%d].ObjectName = %s, want %s", i, out.Constructors[i].ObjectName, name)
		}
	}

	if len(out.Destructors) != 3 {
		t.Fatalf("expected 3 destructors, got %d", len(out.Destructors))
	}
	wantDtorOrder := []string{"main", "libb.so", "libc.so"}
	for i, name := range wantDtorOrder {
		if out.Destructors[i].ObjectName != name {
			t.Errorf("Destructors[%d].ObjectName = %s, want %s", i, out.Destructors[i].ObjectName, name)
		}
	}
}

func TestFinalizeEntryPCNoObjects(t *testing.T) {
	out, err := Finalize(RelocateApplyOutput{})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.EntryPC != 0 {
		t.Errorf("EntryPC = 0x%x, want 0 for an empty input", out.EntryPC)
	}
}

func TestFinalizeInitFiniArrayIndexOrderWithinObject(t *testing.T) {
	dynstr, _ := cstrTable("main")
	b := &elfBuilder{
		elfType: elfconst.ET_DYN,
		dynstr:  dynstr,
		dynsyms: []DynSymbol{{}},
		initArr: []uint64{0x10, 0x20, 0x30},
		finiArr: []uint64{0x40, 0x50, 0x60},
	}
	parsed := []ParsedObject{parseOne(t, "main", buildIdentityObject(b))}
	discovered := DiscoveryResult{Order: []int{0}}

	resolved, err := Resolve(parsed, discovered)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mmapPlans, err := PlanMmap(parsed, discovered)
	if err != nil {
		t.Fatalf("MmapPlan: %v", err)
	}
	planOut, err := PlanReloc(parsed, discovered, resolved, mmapPlans)
	if err != nil {
		t.Fatalf("PlanReloc: %v", err)
	}
	applyOut, err := ApplyReloc(planOut)
	if err != nil {
		t.Fatalf("ApplyReloc: %v", err)
	}
	out, err := Finalize(applyOut)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	base := out.MmapPlans[0].Start
	wantCtors := []uint64{base + 0x10, base + 0x20, base + 0x30}
	for i, want := range wantCtors {
		if out.Constructors[i].PC != want {
			t.Errorf("Constructors[%d].PC = 0x%x, want 0x%x", i, out.Constructors[i].PC, want)
		}
	}
	wantDtors := []uint64{base + 0x60, base + 0x50, base + 0x40}
	for i, want := range wantDtors {
		if out.Destructors[i].PC != want {
			t.Errorf("Destructors[%d].PC = 0x%x, want 0x%x", i, out.Destructors[i].PC, want)
		}
	}
}
