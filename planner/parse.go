package planner

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/xyproto/veriload/elfconst"
)

// Parse decodes every LoaderObject in input into a ParsedObject. Parse
// is a pure function of the input bytes: no environment is consulted.
// Parsing is all-or-nothing per object; the first failing object
// aborts the whole stage.
func Parse(input LoaderInput) ([]ParsedObject, error) {
	out := make([]ParsedObject, 0, len(input.Objects))
	for _, obj := range input.Objects {
		p, err := parseObject(obj)
		if err != nil {
			return nil, err
		}
		if VerboseMode {
			debugf("parse: %s type=%d phdrs=%d dynsyms=%d relas=%d jmprels=%d",
				obj.Name, p.ElfType, len(p.Phdrs), len(p.Dynsyms), len(p.Relas), len(p.Jmprels))
		}
		out = append(out, p)
	}
	return out, nil
}

func ensureRange(length, off, size int) (int, bool) {
	end := off + size
	if off < 0 || size < 0 || end < off {
		return 0, false
	}
	if end > length {
		return 0, false
	}
	return end, true
}

func u64ToInt(v uint64) (int, bool) {
	if v > math.MaxInt {
		return 0, false
	}
	return int(v), true
}

func readU8(b []byte, off int) (byte, bool) {
	if off < 0 || off >= len(b) {
		return 0, false
	}
	return b[off], true
}

func readU16LE(b []byte, off int) (uint16, bool) {
	if _, ok := ensureRange(len(b), off, 2); !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[off:]), true
}

func readU32LE(b []byte, off int) (uint32, bool) {
	if _, ok := ensureRange(len(b), off, 4); !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[off:]), true
}

func readU64LE(b []byte, off int) (uint64, bool) {
	if _, ok := ensureRange(len(b), off, 8); !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[off:]), true
}

func readI64LE(b []byte, off int) (int64, bool) {
	v, ok := readU64LE(b, off)
	return int64(v), ok
}

// vaddrToFileOffset finds the PT_LOAD segment containing [vaddr, vaddr+size)
// and returns the corresponding file offset.
func vaddrToFileOffset(phdrs []ProgramHeader, vaddr, size uint64) (uint64, bool) {
	reqEnd, carryOK := addWithCarry(vaddr, size)
	if !carryOK {
		return 0, false
	}
	for _, ph := range phdrs {
		if ph.Type != elfconst.PT_LOAD {
			continue
		}
		segEnd, ok := addWithCarry(ph.Vaddr, ph.Filesz)
		if !ok {
			return 0, false
		}
		if vaddr >= ph.Vaddr && reqEnd <= segEnd {
			delta := vaddr - ph.Vaddr
			out, ok := addWithCarry(ph.Offset, delta)
			if !ok {
				return 0, false
			}
			return out, true
		}
	}
	return 0, false
}

func addWithCarry(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

type dynamicScan struct {
	neededOffsets []uint32
	sonameOffset  *uint32
	rpathOffset   *uint32
	runpathOffset *uint32
	strtab        *uint64
	strsz         *uint64
	symtab        *uint64
	syment        *uint64
	rela          *uint64
	relasz        *uint64
	relaent       *uint64
	jmprel        *uint64
	pltrelsz      *uint64
	pltrel        *uint64
	initArray     *uint64
	initArraysz   *uint64
	finiArray     *uint64
	finiArraysz   *uint64
}

func u64p(v uint64) *uint64 { return &v }
func u32p(v uint32) *uint32 { return &v }

func scanDynamic(bytes []byte, dynOff, dynSize int) (*dynamicScan, error) {
	if dynSize%elfconst.Dyn64Size != 0 {
		return nil, parseError("", "dynamic section size %d not a multiple of %d", dynSize, elfconst.Dyn64Size)
	}
	if _, ok := ensureRange(len(bytes), dynOff, dynSize); !ok {
		return nil, parseError("", "dynamic section out of range: off=%d size=%d", dynOff, dynSize)
	}

	scan := &dynamicScan{}
	sawNull := false
	count := dynSize / elfconst.Dyn64Size

	for i := 0; i < count; i++ {
		base := dynOff + i*elfconst.Dyn64Size
		tag, ok1 := readI64LE(bytes, base)
		val, ok2 := readU64LE(bytes, base+8)
		if !ok1 || !ok2 {
			return nil, parseError("", "truncated dynamic entry at index %d", i)
		}

		switch tag {
		case elfconst.DT_NULL:
			sawNull = true
		case elfconst.DT_NEEDED:
			if val > math.MaxUint32 {
				return nil, parseError("", "DT_NEEDED offset overflow")
			}
			scan.neededOffsets = append(scan.neededOffsets, uint32(val))
		case elfconst.DT_SONAME:
			if val > math.MaxUint32 {
				return nil, parseError("", "DT_SONAME offset overflow")
			}
			scan.sonameOffset = u32p(uint32(val))
		case elfconst.DT_RPATH:
			if val > math.MaxUint32 {
				return nil, parseError("", "DT_RPATH offset overflow")
			}
			scan.rpathOffset = u32p(uint32(val))
		case elfconst.DT_RUNPATH:
			if val > math.MaxUint32 {
				return nil, parseError("", "DT_RUNPATH offset overflow")
			}
			scan.runpathOffset = u32p(uint32(val))
		case elfconst.DT_STRTAB:
			scan.strtab = u64p(val)
		case elfconst.DT_STRSZ:
			scan.strsz = u64p(val)
		case elfconst.DT_SYMTAB:
			scan.symtab = u64p(val)
		case elfconst.DT_SYMENT:
			scan.syment = u64p(val)
		case elfconst.DT_RELA:
			scan.rela = u64p(val)
		case elfconst.DT_RELASZ:
			scan.relasz = u64p(val)
		case elfconst.DT_RELAENT:
			scan.relaent = u64p(val)
		case elfconst.DT_JMPREL:
			scan.jmprel = u64p(val)
		case elfconst.DT_PLTRELSZ:
			scan.pltrelsz = u64p(val)
		case elfconst.DT_PLTREL:
			scan.pltrel = u64p(val)
		case elfconst.DT_INIT_ARRAY:
			scan.initArray = u64p(val)
		case elfconst.DT_INIT_ARRAYSZ:
			scan.initArraysz = u64p(val)
		case elfconst.DT_FINI_ARRAY:
			scan.finiArray = u64p(val)
		case elfconst.DT_FINI_ARRAYSZ:
			scan.finiArraysz = u64p(val)
		}

		if tag == elfconst.DT_NULL {
			break
		}
	}

	if !sawNull {
		return nil, parseError("", "dynamic section missing DT_NULL terminator")
	}
	return scan, nil
}

func parseRelaTable(bytes []byte, phdrs []ProgramHeader, vaddr, size uint64) ([]RelaEntry, error) {
	if size == 0 {
		return nil, nil
	}
	if size%elfconst.Rela64Size != 0 {
		return nil, parseError("", "relocation table size %d not a multiple of %d", size, elfconst.Rela64Size)
	}

	fileOff64, ok := vaddrToFileOffset(phdrs, vaddr, size)
	if !ok {
		return nil, parseError("", "relocation table VA 0x%x size 0x%x not within any PT_LOAD segment", vaddr, size)
	}
	fileOff, ok1 := u64ToInt(fileOff64)
	sizeI, ok2 := u64ToInt(size)
	if !ok1 || !ok2 {
		return nil, parseError("", "relocation table offset/size overflow")
	}
	if _, ok := ensureRange(len(bytes), fileOff, sizeI); !ok {
		return nil, parseError("", "relocation table out of file bounds")
	}

	count := sizeI / elfconst.Rela64Size
	out := make([]RelaEntry, 0, count)
	for i := 0; i < count; i++ {
		base := fileOff + i*elfconst.Rela64Size
		off, ok1 := readU64LE(bytes, base)
		info, ok2 := readU64LE(bytes, base+8)
		addend, ok3 := readI64LE(bytes, base+16)
		if !ok1 || !ok2 || !ok3 {
			return nil, parseError("", "truncated relocation entry at index %d", i)
		}

		relocType := uint32(info & 0xffff_ffff)
		switch relocType {
		case elfconst.R_X86_64_RELATIVE, elfconst.R_X86_64_JUMP_SLOT,
			elfconst.R_X86_64_GLOB_DAT, elfconst.R_X86_64_COPY, elfconst.R_X86_64_64:
		default:
			return nil, parseError("", "unsupported relocation type %d at index %d", relocType, i)
		}

		out = append(out, RelaEntry{Offset: off, Info: info, Addend: addend})
	}
	return out, nil
}

func parseU64Array(bytes []byte, phdrs []ProgramHeader, vaddr, size uint64) ([]uint64, error) {
	if size == 0 {
		return nil, nil
	}
	if size%8 != 0 {
		return nil, parseError("", "array size %d not a multiple of 8", size)
	}

	fileOff64, ok := vaddrToFileOffset(phdrs, vaddr, size)
	if !ok {
		return nil, parseError("", "array VA 0x%x size 0x%x not within any PT_LOAD segment", vaddr, size)
	}
	fileOff, ok1 := u64ToInt(fileOff64)
	sizeI, ok2 := u64ToInt(size)
	if !ok1 || !ok2 {
		return nil, parseError("", "array offset/size overflow")
	}
	if _, ok := ensureRange(len(bytes), fileOff, sizeI); !ok {
		return nil, parseError("", "array out of file bounds")
	}

	count := sizeI / 8
	out := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		v, ok := readU64LE(bytes, fileOff+i*8)
		if !ok {
			return nil, parseError("", "truncated array entry at index %d", i)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseObject(input LoaderObject) (ParsedObject, error) {
	name := input.Name
	b := input.Bytes

	if len(b) < elfconst.Ehdr64Size {
		return ParsedObject{}, parseError(name, "file too small for an ELF64 header: %d bytes", len(b))
	}

	m0, _ := readU8(b, elfconst.EI_MAG0)
	m1, _ := readU8(b, elfconst.EI_MAG1)
	m2, _ := readU8(b, elfconst.EI_MAG2)
	m3, _ := readU8(b, elfconst.EI_MAG3)
	if m0 != elfconst.ELFMAG0 || m1 != elfconst.ELFMAG1 || m2 != elfconst.ELFMAG2 || m3 != elfconst.ELFMAG3 {
		return ParsedObject{}, parseError(name, "bad ELF magic")
	}

	cls, _ := readU8(b, elfconst.EI_CLASS)
	data, _ := readU8(b, elfconst.EI_DATA)
	ver, _ := readU8(b, elfconst.EI_VERSION)
	if cls != elfconst.ELFCLASS64 {
		return ParsedObject{}, parseError(name, "not ELFCLASS64")
	}
	if data != elfconst.ELFDATA2LSB {
		return ParsedObject{}, parseError(name, "not ELFDATA2LSB")
	}
	if ver != elfconst.EV_CURRENT {
		return ParsedObject{}, parseError(name, "bad e_ident version")
	}

	eType, ok1 := readU16LE(b, 16)
	eMachine, ok2 := readU16LE(b, 18)
	eVersion, ok3 := readU32LE(b, 20)
	eEntry, ok4 := readU64LE(b, 24)
	ePhoff, ok5 := readU64LE(b, 32)
	eEhsize, ok6 := readU16LE(b, 52)
	ePhentsize, ok7 := readU16LE(b, 54)
	ePhnum, ok8 := readU16LE(b, 56)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 || !ok8 {
		return ParsedObject{}, parseError(name, "truncated ELF header")
	}

	if eType != elfconst.ET_EXEC && eType != elfconst.ET_DYN {
		return ParsedObject{}, parseError(name, "unsupported e_type %d", eType)
	}
	if eMachine != elfconst.EM_X86_64 {
		return ParsedObject{}, parseError(name, "unsupported e_machine %d", eMachine)
	}
	if eVersion != elfconst.EV_CURRENT {
		return ParsedObject{}, parseError(name, "bad e_version")
	}
	if int(eEhsize) != elfconst.Ehdr64Size {
		return ParsedObject{}, parseError(name, "bad e_ehsize %d", eEhsize)
	}
	if int(ePhentsize) != elfconst.Phdr64Size {
		return ParsedObject{}, parseError(name, "bad e_phentsize %d", ePhentsize)
	}
	if ePhnum == 0 {
		return ParsedObject{}, parseError(name, "e_phnum is zero")
	}

	phTableSize := uint64(ePhnum) * uint64(ePhentsize)
	phEnd, ok := addWithCarry(ePhoff, phTableSize)
	if !ok || phEnd > uint64(len(b)) {
		return ParsedObject{}, parseError(name, "program header table out of bounds")
	}

	phOff, ok := u64ToInt(ePhoff)
	if !ok {
		return ParsedObject{}, parseError(name, "e_phoff overflow")
	}

	var phdrs []ProgramHeader
	sawLoad := false
	var dynamicPhdr *ProgramHeader

	for i := 0; i < int(ePhnum); i++ {
		if _, ok := ensureRange(len(b), phOff, elfconst.Phdr64Size); !ok {
			return ParsedObject{}, parseError(name, "truncated program header at index %d", i)
		}
		pType, o1 := readU32LE(b, phOff)
		pFlags, o2 := readU32LE(b, phOff+4)
		pOffset, o3 := readU64LE(b, phOff+8)
		pVaddr, o4 := readU64LE(b, phOff+16)
		pFilesz, o5 := readU64LE(b, phOff+32)
		pMemsz, o6 := readU64LE(b, phOff+40)
		if !o1 || !o2 || !o3 || !o4 || !o5 || !o6 {
			return ParsedObject{}, parseError(name, "truncated program header fields at index %d", i)
		}
		if pFilesz > pMemsz {
			return ParsedObject{}, parseError(name, "p_filesz > p_memsz at index %d", i)
		}

		ph := ProgramHeader{Type: pType, Flags: pFlags, Offset: pOffset, Vaddr: pVaddr, Filesz: pFilesz, Memsz: pMemsz}

		if pType == elfconst.PT_LOAD {
			sawLoad = true
		}

		if pType == elfconst.PT_LOAD || pType == elfconst.PT_DYNAMIC {
			segOff, o1 := u64ToInt(pOffset)
			segSize, o2 := u64ToInt(pFilesz)
			if !o1 || !o2 {
				return ParsedObject{}, parseError(name, "segment offset/size overflow at index %d", i)
			}
			if _, ok := ensureRange(len(b), segOff, segSize); !ok {
				return ParsedObject{}, parseError(name, "segment file range out of bounds at index %d", i)
			}
			phdrs = append(phdrs, ph)
		}

		if pType == elfconst.PT_DYNAMIC {
			if dynamicPhdr != nil {
				return ParsedObject{}, parseError(name, "more than one PT_DYNAMIC")
			}
			phCopy := ph
			dynamicPhdr = &phCopy
		}

		phOff += elfconst.Phdr64Size
	}

	if !sawLoad {
		return ParsedObject{}, parseError(name, "no PT_LOAD segment")
	}
	if dynamicPhdr == nil {
		return ParsedObject{}, parseError(name, "no PT_DYNAMIC segment")
	}
	if len(phdrs) == 0 {
		return ParsedObject{}, parseError(name, "no retained program headers")
	}

	dynOff, o1 := u64ToInt(dynamicPhdr.Offset)
	dynSize, o2 := u64ToInt(dynamicPhdr.Filesz)
	if !o1 || !o2 {
		return ParsedObject{}, parseError(name, "PT_DYNAMIC offset/size overflow")
	}

	scan, err := scanDynamic(b, dynOff, dynSize)
	if err != nil {
		return ParsedObject{}, err
	}

	if scan.strtab == nil || scan.strsz == nil || scan.symtab == nil || scan.syment == nil {
		return ParsedObject{}, parseError(name, "missing required DT_STRTAB/DT_STRSZ/DT_SYMTAB/DT_SYMENT")
	}

	strtabVaddr := *scan.strtab
	strsz := *scan.strsz
	symtabVaddr := *scan.symtab
	syment := *scan.syment

	if strsz == 0 || syment != elfconst.Sym64Size {
		return ParsedObject{}, parseError(name, "bad DT_STRSZ or DT_SYMENT")
	}

	if (scan.rela != nil) != (scan.relasz != nil) {
		return ParsedObject{}, parseError(name, "DT_RELA/DT_RELASZ must be present together")
	}
	if scan.relaent != nil && *scan.relaent != elfconst.Rela64Size {
		return ParsedObject{}, parseError(name, "bad DT_RELAENT")
	}

	if (scan.jmprel != nil) != (scan.pltrelsz != nil) {
		return ParsedObject{}, parseError(name, "DT_JMPREL/DT_PLTRELSZ must be present together")
	}
	if scan.pltrel != nil && *scan.pltrel != elfconst.DT_RELA_TAG {
		return ParsedObject{}, parseError(name, "DT_PLTREL is not RELA-form")
	}

	initArraysz := uint64(0)
	if scan.initArraysz != nil {
		initArraysz = *scan.initArraysz
	}
	if initArraysz > 0 && scan.initArray == nil {
		return ParsedObject{}, parseError(name, "DT_INIT_ARRAYSZ without DT_INIT_ARRAY")
	}
	finiArraysz := uint64(0)
	if scan.finiArraysz != nil {
		finiArraysz = *scan.finiArraysz
	}
	if finiArraysz > 0 && scan.finiArray == nil {
		return ParsedObject{}, parseError(name, "DT_FINI_ARRAYSZ without DT_FINI_ARRAY")
	}

	dynstrFileOff64, ok := vaddrToFileOffset(phdrs, strtabVaddr, strsz)
	if !ok {
		return ParsedObject{}, parseError(name, "dynstr VA not within any PT_LOAD segment")
	}
	dynstrOff, o1 := u64ToInt(dynstrFileOff64)
	dynstrLen, o2 := u64ToInt(strsz)
	if !o1 || !o2 {
		return ParsedObject{}, parseError(name, "dynstr offset/size overflow")
	}
	if _, ok := ensureRange(len(b), dynstrOff, dynstrLen); !ok {
		return ParsedObject{}, parseError(name, "dynstr out of file bounds")
	}
	dynstr := make([]byte, dynstrLen)
	copy(dynstr, b[dynstrOff:dynstrOff+dynstrLen])

	var neededOffsets []uint32
	for _, off := range scan.neededOffsets {
		if int(off) >= dynstrLen {
			return ParsedObject{}, parseError(name, "DT_NEEDED offset out of dynstr bounds")
		}
		neededOffsets = append(neededOffsets, off)
	}

	var sonameOffset *uint32
	if scan.sonameOffset != nil {
		if int(*scan.sonameOffset) >= dynstrLen {
			return ParsedObject{}, parseError(name, "DT_SONAME offset out of dynstr bounds")
		}
		sonameOffset = scan.sonameOffset
	}

	var rpathOffset *uint32
	if scan.rpathOffset != nil {
		if int(*scan.rpathOffset) >= dynstrLen {
			return ParsedObject{}, parseError(name, "DT_RPATH offset out of dynstr bounds")
		}
		rpathOffset = scan.rpathOffset
	}

	var runpathOffset *uint32
	if scan.runpathOffset != nil {
		if int(*scan.runpathOffset) >= dynstrLen {
			return ParsedObject{}, parseError(name, "DT_RUNPATH offset out of dynstr bounds")
		}
		runpathOffset = scan.runpathOffset
	}

	symtabFileOff64, ok := vaddrToFileOffset(phdrs, symtabVaddr, 0)
	if !ok {
		return ParsedObject{}, parseError(name, "dynsym VA not within any PT_LOAD segment")
	}
	if symtabFileOff64 > dynstrFileOff64 {
		return ParsedObject{}, parseError(name, "dynsym does not precede dynstr in file")
	}
	dynsymSpan := dynstrFileOff64 - symtabFileOff64
	if dynsymSpan%syment != 0 {
		return ParsedObject{}, parseError(name, "dynsym span not a multiple of st_entsize")
	}
	dynsymCount64 := dynsymSpan / syment
	if dynsymCount64 == 0 {
		return ParsedObject{}, parseError(name, "empty dynamic symbol table")
	}

	symtabOff, o1 := u64ToInt(symtabFileOff64)
	span, o2 := u64ToInt(dynsymSpan)
	dynsymCount, o3 := u64ToInt(dynsymCount64)
	if !o1 || !o2 || !o3 {
		return ParsedObject{}, parseError(name, "dynsym size overflow")
	}
	if _, ok := ensureRange(len(b), symtabOff, span); !ok {
		return ParsedObject{}, parseError(name, "dynsym out of file bounds")
	}

	dynsyms := make([]DynSymbol, 0, dynsymCount)
	for i := 0; i < dynsymCount; i++ {
		base := symtabOff + i*elfconst.Sym64Size
		stName, o1 := readU32LE(b, base)
		stInfo, o2 := readU8(b, base+4)
		stOther, o3 := readU8(b, base+5)
		stShndx, o4 := readU16LE(b, base+6)
		stValue, o5 := readU64LE(b, base+8)
		stSize, o6 := readU64LE(b, base+16)
		if !o1 || !o2 || !o3 || !o4 || !o5 || !o6 {
			return ParsedObject{}, parseError(name, "truncated dynamic symbol at index %d", i)
		}
		if int(stName) >= dynstrLen {
			return ParsedObject{}, parseError(name, "dynsym name offset out of dynstr bounds at index %d", i)
		}
		dynsyms = append(dynsyms, DynSymbol{
			NameOffset: stName,
			Info:       stInfo,
			Other:      stOther,
			Shndx:      stShndx,
			Value:      stValue,
			Size:       stSize,
		})
	}

	relaVaddr, relasz := derefOr0(scan.rela), derefOr0(scan.relasz)
	jmprelVaddr, pltrelsz := derefOr0(scan.jmprel), derefOr0(scan.pltrelsz)
	pltrel := derefOr0(scan.pltrel)
	initArrayVaddr, initArraySz := derefOr0(scan.initArray), initArraysz
	finiArrayVaddr, finiArraySz := derefOr0(scan.finiArray), finiArraysz

	relas, err := parseRelaTable(b, phdrs, relaVaddr, relasz)
	if err != nil {
		return ParsedObject{}, err
	}
	jmprels, err := parseRelaTable(b, phdrs, jmprelVaddr, pltrelsz)
	if err != nil {
		return ParsedObject{}, err
	}
	initArray, err := parseU64Array(b, phdrs, initArrayVaddr, initArraySz)
	if err != nil {
		return ParsedObject{}, err
	}
	finiArray, err := parseU64Array(b, phdrs, finiArrayVaddr, finiArraySz)
	if err != nil {
		return ParsedObject{}, err
	}

	fileBytes := make([]byte, len(b))
	copy(fileBytes, b)

	return ParsedObject{
		InputName: name,
		FileBytes: fileBytes,
		ElfType:   eType,
		Entry:     eEntry,
		Phdrs:     phdrs,
		Dynamic: DynamicInfo{
			StrtabVaddr:   strtabVaddr,
			Strsz:         strsz,
			SymtabVaddr:   symtabVaddr,
			Syment:        syment,
			RelaVaddr:     relaVaddr,
			Relasz:        relasz,
			Relaent:       derefOr0(scan.relaent),
			JmprelVaddr:   jmprelVaddr,
			Pltrelsz:      pltrelsz,
			Pltrel:        pltrel,
			InitArrayAddr: initArrayVaddr,
			InitArraySz:   initArraySz,
			FiniArrayAddr: finiArrayVaddr,
			FiniArraySz:   finiArraySz,
		},
		NeededOffsets: neededOffsets,
		SonameOffset:  sonameOffset,
		RpathOffset:   rpathOffset,
		RunpathOffset: runpathOffset,
		Dynstr:        dynstr,
		Dynsyms:       dynsyms,
		Relas:         relas,
		Jmprels:       jmprels,
		InitArray:     initArray,
		FiniArray:     finiArray,
	}, nil
}

func derefOr0(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func debugf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "DEBUG: "+format+"\n", args...)
}
