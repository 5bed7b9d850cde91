package planner

import (
	"bytes"
	"encoding/binary"

	"github.com/xyproto/veriload/elfconst"
)

// elfBuilder assembles a minimal, byte-exact ELF64 object for Parse
// tests, hand-rolled over a bytes.Buffer rather than via debug/elf,
// since Parse itself must never depend on the stdlib ELF decoder.
type elfBuilder struct {
	elfType  uint16
	entry    uint64
	phdrs    []ProgramHeader
	dynstr   []byte
	dynsyms  []DynSymbol
	relas    []RelaEntry
	jmprels  []RelaEntry
	initArr  []uint64
	finiArr  []uint64
	needed   []uint32 // offsets into dynstr
	soname   *uint32
	rpath    *uint32
	runpath  *uint32
	loadData []byte // extra bytes appended after the fixed header/tables, addressable via a PT_LOAD segment
}

const (
	bEhdrSize = elfconst.Ehdr64Size
)

// build lays out: Ehdr, Phdr table, then a data region containing
// dynsyms, dynstr, relas, jmprels, init/fini arrays, and a Dyn table
// referencing them by file offset (== vaddr, which holds when a PT_LOAD
// segment identity-maps the file from vaddr 0, as buildIdentityObject
// arranges; build itself emits b.phdrs as given).
// dynsym must precede dynstr: Parse derives the dynsym count from the
// distance between DT_SYMTAB and DT_STRTAB.
func (b *elfBuilder) build() []byte {
	var buf bytes.Buffer

	numPhdrs := len(b.phdrs) + 1 // +1 for the PT_DYNAMIC header we synthesize
	headerLen := bEhdrSize + numPhdrs*elfconst.Phdr64Size

	// Lay out the data region following the header. dynsym must lie
	// strictly before dynstr in the file: Parse bounds the dynsym count
	// by the distance between DT_SYMTAB and DT_STRTAB.
	cursor := uint64(headerLen)

	symtabOff := cursor
	cursor += uint64(len(b.dynsyms)) * elfconst.Sym64Size

	strtabOff := cursor
	cursor += uint64(len(b.dynstr))

	relaOff := cursor
	cursor += uint64(len(b.relas)) * elfconst.Rela64Size

	jmprelOff := cursor
	cursor += uint64(len(b.jmprels)) * elfconst.Rela64Size

	initArrOff := cursor
	cursor += uint64(len(b.initArr)) * 8

	finiArrOff := cursor
	cursor += uint64(len(b.finiArr)) * 8

	dynOff := cursor

	// Build Dyn table entries.
	var dyn []struct {
		tag uint64
		val uint64
	}
	dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_STRTAB, strtabOff})
	dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_STRSZ, uint64(len(b.dynstr))})
	dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_SYMTAB, symtabOff})
	dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_SYMENT, elfconst.Sym64Size})
	if len(b.relas) > 0 {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_RELA, relaOff})
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_RELASZ, uint64(len(b.relas)) * elfconst.Rela64Size})
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_RELAENT, elfconst.Rela64Size})
	}
	if len(b.jmprels) > 0 {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_JMPREL, jmprelOff})
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_PLTRELSZ, uint64(len(b.jmprels)) * elfconst.Rela64Size})
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_PLTREL, elfconst.DT_RELA_TAG})
	}
	if len(b.initArr) > 0 {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_INIT_ARRAY, initArrOff})
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_INIT_ARRAYSZ, uint64(len(b.initArr)) * 8})
	}
	if len(b.finiArr) > 0 {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_FINI_ARRAY, finiArrOff})
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_FINI_ARRAYSZ, uint64(len(b.finiArr)) * 8})
	}
	for _, off := range b.needed {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_NEEDED, uint64(off)})
	}
	if b.soname != nil {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_SONAME, uint64(*b.soname)})
	}
	if b.rpath != nil {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_RPATH, uint64(*b.rpath)})
	}
	if b.runpath != nil {
		dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_RUNPATH, uint64(*b.runpath)})
	}
	dyn = append(dyn, struct{ tag, val uint64 }{elfconst.DT_NULL, 0})

	dynSize := uint64(len(dyn)) * elfconst.Dyn64Size
	extraDataOff := dynOff + dynSize
	totalLen := extraDataOff + uint64(len(b.loadData))

	// --- Ehdr ---
	var ident [16]byte
	ident[elfconst.EI_MAG0] = elfconst.ELFMAG0
	ident[elfconst.EI_MAG1] = elfconst.ELFMAG1
	ident[elfconst.EI_MAG2] = elfconst.ELFMAG2
	ident[elfconst.EI_MAG3] = elfconst.ELFMAG3
	ident[elfconst.EI_CLASS] = elfconst.ELFCLASS64
	ident[elfconst.EI_DATA] = elfconst.ELFDATA2LSB
	ident[elfconst.EI_VERSION] = elfconst.EV_CURRENT
	buf.Write(ident[:])

	writeU16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	writeU16(b.elfType)
	writeU16(elfconst.EM_X86_64)
	writeU32(elfconst.EV_CURRENT)
	writeU64(b.entry)
	writeU64(bEhdrSize)                 // e_phoff
	writeU64(0)                         // e_shoff
	writeU32(0)                         // e_flags
	writeU16(bEhdrSize)                 // e_ehsize
	writeU16(elfconst.Phdr64Size)       // e_phentsize
	writeU16(uint16(numPhdrs))          // e_phnum
	writeU16(0)                         // e_shentsize
	writeU16(0)                         // e_shnum
	writeU16(0)                         // e_shstrndx

	// --- Phdrs ---
	for _, ph := range b.phdrs {
		writeU32(ph.Type)
		writeU32(ph.Flags)
		writeU64(ph.Offset)
		writeU64(ph.Vaddr)
		writeU64(ph.Vaddr) // p_paddr, unused
		writeU64(ph.Filesz)
		writeU64(ph.Memsz)
		writeU64(elfconst.PageSize) // p_align
	}
	// Synthesized PT_DYNAMIC header covering [dynOff, dynOff+dynSize).
	writeU32(elfconst.PT_DYNAMIC)
	writeU32(elfconst.PF_R | elfconst.PF_W)
	writeU64(dynOff)
	writeU64(dynOff)
	writeU64(dynOff)
	writeU64(dynSize)
	writeU64(dynSize)
	writeU64(8)

	// --- Data region ---
	for _, s := range b.dynsyms {
		writeU32(s.NameOffset)
		buf.WriteByte(s.Info)
		buf.WriteByte(s.Other)
		writeU16(s.Shndx)
		writeU64(s.Value)
		writeU64(s.Size)
	}
	buf.Write(b.dynstr)

	for _, r := range b.relas {
		writeU64(r.Offset)
		writeU64(r.Info)
		binary.Write(&buf, binary.LittleEndian, r.Addend)
	}
	for _, r := range b.jmprels {
		writeU64(r.Offset)
		writeU64(r.Info)
		binary.Write(&buf, binary.LittleEndian, r.Addend)
	}
	for _, v := range b.initArr {
		writeU64(v)
	}
	for _, v := range b.finiArr {
		writeU64(v)
	}
	for _, d := range dyn {
		writeU64(d.tag)
		writeU64(d.val)
	}
	buf.Write(b.loadData)

	out := buf.Bytes()
	if uint64(len(out)) < totalLen {
		out = append(out, make([]byte, totalLen-uint64(len(out)))...)
	}
	return out
}

// identityLoadPhdr returns a PT_LOAD segment covering the whole file at
// vaddr 0, the simplest possible layout for a test fixture.
func identityLoadPhdr(fileLen uint64) ProgramHeader {
	return ProgramHeader{
		Type:   elfconst.PT_LOAD,
		Flags:  elfconst.PF_R | elfconst.PF_W | elfconst.PF_X,
		Offset: 0,
		Vaddr:  0,
		Filesz: fileLen,
		Memsz:  fileLen,
	}
}

// buildIdentityObject builds b with a single PT_LOAD segment that
// covers the entire resulting file at vaddr 0. The placeholder PT_LOAD
// entry's own field values never affect the encoded length (only the
// phdr slice's length does), so a first pass discovers the real file
// length and a second pass encodes the correct Filesz/Memsz.
func buildIdentityObject(b *elfBuilder) []byte {
	b.phdrs = []ProgramHeader{{}}
	draft := b.build()
	b.phdrs = []ProgramHeader{identityLoadPhdr(uint64(len(draft)))}
	return b.build()
}

// cstrTable builds a dynstr-style byte blob from a list of names,
// NUL-terminated and concatenated starting with a leading NUL (offset 0
// is conventionally the empty string), returning each name's offset.
func cstrTable(names ...string) ([]byte, []uint32) {
	buf := []byte{0}
	offsets := make([]uint32, len(names))
	for i, n := range names {
		offsets[i] = uint32(len(buf))
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf, offsets
}
