//go:build linux && amd64
// +build linux,amd64

// Package veriload ties the pure planner pipeline to the one impure
// step the whole exercise exists for: mapping the planned memory image
// into this process, running constructors, and jumping to the loaded
// program's entry point. Nothing below this file ever returns on
// success — transferring control to entry_pc is the last thing this
// process does as itself.
package veriload

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/veriload/elfconst"
	"github.com/xyproto/veriload/planner"
)

// startupStackSize is the fixed size of the anonymous scratch stack:
// enough for argv/envp/auxv plus a short path and random block, never
// grown.
const startupStackSize = 128 * 1024

// callConstructor invokes the function at pc with the C calling
// convention and no arguments, implemented in runtime_amd64.s.
func callConstructor(pc uintptr)

// enterEntry sets RSP to sp, zeroes RBP, and jumps to entry. It never
// returns; implemented in runtime_amd64.s.
func enterEntry(entry, sp uintptr)

// Commit effects a LoaderOutput on the current process: map every
// segment, protect every segment, run every constructor, build the
// initial stack, and jump to the entry point. It only returns on
// failure — success ends in enterEntry, which does not return.
func Commit(out planner.LoaderOutput, programPath string) error {
	for _, plan := range out.MmapPlans {
		if err := mapPlan(plan); err != nil {
			return fmt.Errorf("runtime commit: map %s at 0x%x: %w", plan.ObjectName, plan.Start, err)
		}
	}

	for _, plan := range out.MmapPlans {
		if err := protectPlan(plan); err != nil {
			return fmt.Errorf("runtime commit: protect %s at 0x%x: %w", plan.ObjectName, plan.Start, err)
		}
	}

	for _, call := range out.Constructors {
		callConstructor(uintptr(call.PC))
	}

	sp, err := buildInitialStack(out, programPath)
	if err != nil {
		return fmt.Errorf("runtime commit: build initial stack: %w", err)
	}

	enterEntry(uintptr(out.EntryPC), sp)
	return fmt.Errorf("runtime commit: enterEntry returned, which should never happen")
}

// mapPlan maps plan's byte range at its fixed address as RW anonymous
// memory and copies the planned bytes in. The kernel refusing the exact
// requested address is a fatal error, not a fallback opportunity — every
// address in a plan was chosen by MmapPlan specifically to avoid
// collisions with every other plan.
func mapPlan(plan planner.MmapPlan) error {
	if len(plan.Bytes) == 0 {
		return nil
	}

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(plan.Start),
		uintptr(len(plan.Bytes)),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED),
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return errno
	}
	if addr != uintptr(plan.Start) {
		return fmt.Errorf("kernel placed mapping at 0x%x, not requested 0x%x", addr, plan.Start)
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(plan.Bytes))
	copy(dst, plan.Bytes)
	return nil
}

// protectPlan mprotects a previously mapped plan's range to its planned
// RWX combination.
func protectPlan(plan planner.MmapPlan) error {
	if len(plan.Bytes) == 0 {
		return nil
	}
	prot := 0
	if plan.Prot.Read {
		prot |= unix.PROT_READ
	}
	if plan.Prot.Write {
		prot |= unix.PROT_WRITE
	}
	if plan.Prot.Execute {
		prot |= unix.PROT_EXEC
	}

	region := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(plan.Start))), len(plan.Bytes))
	return unix.Mprotect(region, prot)
}

// buildInitialStack lays out a System V AMD64 initial stack: argc=1,
// argv[0] pointing at programPath, argv[1]/envp[0] NULL, followed by a
// best-effort auxv built from host process state and the main object's
// own ELF header fields.
func buildInitialStack(out planner.LoaderOutput, programPath string) (uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		startupStackSize,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	base := addr
	top := base + startupStackSize

	pathBytes := append([]byte(programPath), 0)
	var randomBytes [16]byte
	if _, err := rand.Read(randomBytes[:]); err != nil {
		return 0, fmt.Errorf("reading AT_RANDOM bytes: %w", err)
	}

	cursor := top
	cursor -= uintptr(len(randomBytes))
	randomAddr := cursor
	copy(unsafe.Slice((*byte)(unsafe.Pointer(cursor)), len(randomBytes)), randomBytes[:])

	cursor -= uintptr(len(pathBytes))
	pathAddr := cursor
	copy(unsafe.Slice((*byte)(unsafe.Pointer(cursor)), len(pathBytes)), pathBytes)

	cursor &^= 0xf

	mainPhdrAddr, phnum, err := mainObjectPhdrInfo(out)
	if err != nil {
		return 0, err
	}

	// AT_HWCAP/AT_HWCAP2/AT_CLKTCK/AT_SYSINFO[_EHDR] have no meaningful
	// value this loader can compute itself, so they come from this
	// process's own auxv, and only when the host reports them nonzero.
	hostAuxv, _ := readHostAuxv()

	auxv := buildAuxv(mainPhdrAddr, phnum, out.EntryPC, randomAddr, pathAddr, hostAuxv)

	// The table, from high to low: auxv pairs (terminated by AT_NULL),
	// envp (terminated by NULL), argv (terminated by NULL), argc. rsp
	// lands on argc once every push below has run; cursor is already
	// 16-byte aligned here, so an odd total word count needs one pad
	// word to keep argc's final address 16-byte aligned too.
	totalWords := 1 + 2 + 1 + len(auxv)*2 + 2
	if totalWords%2 != 0 {
		cursor -= 8
	}

	pushAuxv := func(key, value uint64) {
		cursor -= 8
		writeU64(cursor, value)
		cursor -= 8
		writeU64(cursor, key)
	}
	pushAuxv(atNull, 0)
	for i := len(auxv) - 1; i >= 0; i-- {
		pushAuxv(auxv[i].key, auxv[i].value)
	}

	push := func(value uint64) {
		cursor -= 8
		writeU64(cursor, value)
	}
	push(0)                // envp[0] = NULL
	push(0)                // argv[1] = NULL
	push(uint64(pathAddr)) // argv[0]
	push(1)                // argc

	return cursor, nil
}

func writeU64(addr uintptr, value uint64) {
	binary.LittleEndian.PutUint64(unsafe.Slice((*byte)(unsafe.Pointer(addr)), 8), value)
}

type auxEntry struct {
	key   uint64
	value uint64
}

const (
	atNull        = 0
	atPhdr        = 3
	atPhent       = 4
	atPhnum       = 5
	atPagesz      = 6
	atBase        = 7
	atFlags       = 8
	atEntry       = 9
	atUID         = 11
	atEUID        = 12
	atGID         = 13
	atEGID        = 14
	atHwcap       = 16
	atClktck      = 17
	atSecure      = 23
	atRandom      = 25
	atHwcap2      = 26
	atExecfn      = 31
	atSysinfo     = 32
	atSysinfoEhdr = 33
)

// hostAuxvKeys are the auxv entries carried over from the host when
// nonzero: none of them can be computed from the loaded objects alone,
// so they are read out of this process's own /proc/self/auxv.
var hostAuxvKeys = [...]uint64{atHwcap, atHwcap2, atClktck, atSysinfo, atSysinfoEhdr}

func buildAuxv(phdrAddr uintptr, phnum int, entryPC uint64, randomAddr, pathAddr uintptr, hostAuxv map[uint64]uint64) []auxEntry {
	auxv := []auxEntry{
		{atPhdr, uint64(phdrAddr)},
		{atPhent, elfconst.Phdr64Size},
		{atPhnum, uint64(phnum)},
		{atPagesz, elfconst.PageSize},
		{atBase, 0},
		{atFlags, 0},
		{atEntry, entryPC},
		{atUID, uint64(unix.Getuid())},
		{atEUID, uint64(unix.Geteuid())},
		{atGID, uint64(unix.Getgid())},
		{atEGID, uint64(unix.Getegid())},
		{atSecure, 0},
		{atRandom, uint64(randomAddr)},
		{atExecfn, uint64(pathAddr)},
	}
	for _, key := range hostAuxvKeys {
		if v := hostAuxv[key]; v != 0 {
			auxv = append(auxv, auxEntry{key, v})
		}
	}
	return auxv
}

// readHostAuxv reads this process's own auxiliary vector from
// /proc/self/auxv: a flat array of (key, value) uint64 pairs terminated
// by (AT_NULL, 0). A read failure returns a nil map and the error;
// Commit's stack builder ignores that error, since every key it feeds
// is optional.
func readHostAuxv() (map[uint64]uint64, error) {
	fd, err := unix.Open("/proc/self/auxv", unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}

	out := map[uint64]uint64{}
	for i := 0; i+16 <= len(buf); i += 16 {
		key := binary.LittleEndian.Uint64(buf[i : i+8])
		val := binary.LittleEndian.Uint64(buf[i+8 : i+16])
		if key == atNull {
			break
		}
		out[key] = val
	}
	return out, nil
}

// mainObjectPhdrInfo reads e_phoff/e_phnum directly out of the main
// object's raw file bytes: these are ELF header fields the planner does
// not retain (it only keeps PT_LOAD/PT_DYNAMIC entries), but AT_PHDR
// needs the in-memory address of the whole program header table.
func mainObjectPhdrInfo(out planner.LoaderOutput) (uintptr, int, error) {
	if len(out.Parsed) == 0 {
		return 0, 0, fmt.Errorf("no parsed objects")
	}
	obj0 := out.Parsed[0]
	if len(obj0.FileBytes) < 64 {
		return 0, 0, fmt.Errorf("main object header truncated")
	}
	ePhoff := binary.LittleEndian.Uint64(obj0.FileBytes[32:40])
	ePhnum := binary.LittleEndian.Uint16(obj0.FileBytes[56:58])

	// The first plan belonging to the main object is its lowest PT_LOAD
	// segment; real binaries page-align that segment's vaddr, so its
	// mapped start equals the object's base exactly.
	var base uintptr
	for _, plan := range out.MmapPlans {
		if plan.ObjectName == obj0.InputName {
			base = uintptr(plan.Start)
			break
		}
	}
	return base + uintptr(ePhoff), int(ePhnum), nil
}
