package object

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	pageSize     = 0x1000
	pltEntrySize = 8
	gotEntrySize = 8
)

// Section indices of a shared library.
const (
	dynHash elf.SectionIndex = iota + 1
	dynSymtab
	dynStrtab
	dynRela
	dynNote
	dynText
	dynPLT
	dynDynamic
	dynGOT
	dynData
	dynBSS
)

func (s Section) dynIndex() elf.SectionIndex {
	switch s {
	case SectionData:
		return dynData
	case SectionBSS:
		return dynBSS
	}
	return dynText
}

type sharedFramer struct{}

// Frame links the module into an ET_DYN image. Calls to the unit's own
// functions go straight to the function and GOT loads of them are relaxed to
// lea. Exported data stays preemptible: its GOT slot carries a GLOB_DAT
// against the dynamic symbol, so a host that copies the object into its own
// image and the library agree on one address. Externals get a GOT slot the
// same way; calls to them go through a PLT stub jumping through that slot.
func (sharedFramer) Frame(m *Module) (*Artifact, error) {
	var gotSyms, pltSyms []string
	gotIndex := make(map[string]int)
	pltIndex := make(map[string]int)
	for _, r := range m.Relocs {
		if !r.External && (r.Type == elf.R_X86_64_PLT32 || !m.isData(r.Symbol)) {
			continue
		}
		if _, ok := gotIndex[r.Symbol]; !ok {
			gotIndex[r.Symbol] = len(gotSyms)
			gotSyms = append(gotSyms, r.Symbol)
		}
		if _, ok := pltIndex[r.Symbol]; !ok && r.Type == elf.R_X86_64_PLT32 {
			pltIndex[r.Symbol] = len(pltSyms)
			pltSyms = append(pltSyms, r.Symbol)
		}
	}

	// .dynsym: the null symbol, the externals, then the exports.
	dynstr := newStrtab()
	soname := dynstr.add(m.soname())
	dynIndex := make(map[string]uint32)
	var symNames []string
	for _, x := range m.Externals {
		dynIndex[x.Name] = uint32(len(symNames) + 1)
		symNames = append(symNames, x.Name)
		dynstr.add(x.Name)
	}
	for _, e := range m.Exports {
		dynIndex[e.Name] = uint32(len(symNames) + 1)
		symNames = append(symNames, e.Name)
		dynstr.add(e.Name)
	}
	nsyms := len(symNames) + 1

	dynTags := 8 // SONAME HASH STRTAB SYMTAB STRSZ SYMENT FLAGS FLAGS_1
	if len(gotSyms) > 0 {
		dynTags += 3 // RELA RELASZ RELAENT
	}
	dynTags++ // NULL

	note := buildIDNote(buildID(m))
	hash := sysvHash(symNames)

	sizes := []struct {
		idx   elf.SectionIndex
		size  uint64
		align uint64
	}{
		{dynHash, uint64(len(hash)), 8},
		{dynSymtab, uint64(nsyms * elfSymSize), 8},
		{dynStrtab, uint64(len(dynstr.buf)), 1},
		{dynRela, uint64(len(gotSyms) * elfRelaSize), 8},
		{dynNote, uint64(len(note)), 4},
		{dynText, uint64(len(m.Text)), 16},
		{dynPLT, uint64(len(pltSyms) * pltEntrySize), 16},
		{dynDynamic, uint64(dynTags * elfDynSize), 8},
		{dynGOT, uint64(len(gotSyms) * gotEntrySize), 8},
		{dynData, uint64(len(m.Data)), max(m.DataAlign, 1)},
		{dynBSS, m.BSSSize, max(m.BSSAlign, 1)},
	}

	// The image is mapped at its file offsets: a read-only executable
	// segment from the file start, and a writable one from the next page.
	const nsegs = 5
	addr := make(map[elf.SectionIndex]uint64, len(sizes))
	cur := uint64(elfHeaderSize + nsegs*elfProgramHeaderSize)
	var rxEnd, rwStart uint64
	for _, s := range sizes {
		if s.idx == dynDynamic {
			rxEnd = cur
			cur = alignUp(cur, pageSize)
			rwStart = cur
		}
		cur = alignUp(cur, s.align)
		addr[s.idx] = cur
		cur += s.size
	}
	dataEnd := addr[dynData] + uint64(len(m.Data))
	bssEnd := cur
	if bssEnd > math.MaxInt32 {
		return nil, fmt.Errorf("shared library image of %d bytes exceeds the 2 GiB limit", bssEnd)
	}

	symAddr := func(name string) (uint64, bool) {
		e, ok := m.Lookup(name)
		if !ok {
			return 0, false
		}
		return addr[e.Section.dynIndex()] + e.Offset, true
	}

	text := append([]byte(nil), m.Text...)
	textAddr := addr[dynText]
	for _, r := range m.Relocs {
		p := textAddr + r.Offset
		var s uint64
		switch {
		case !r.External && r.Type == elf.R_X86_64_PLT32:
			s, _ = symAddr(r.Symbol)
		case !r.External && !m.isData(r.Symbol):
			// mov reg, [rip + sym@GOTPCREL] becomes lea reg, [rip + sym]
			if r.Offset < 2 || text[r.Offset-2] != 0x8B {
				return nil, fmt.Errorf("relocation at %#x is not a relaxable GOT load", r.Offset)
			}
			text[r.Offset-2] = 0x8D
			s, _ = symAddr(r.Symbol)
		case r.Type == elf.R_X86_64_PLT32:
			s = addr[dynPLT] + uint64(pltIndex[r.Symbol]*pltEntrySize)
		default:
			s = addr[dynGOT] + uint64(gotIndex[r.Symbol]*gotEntrySize)
		}
		if err := putRel32(text, r.Offset, int64(s)+r.Addend-int64(p)); err != nil {
			return nil, err
		}
	}

	var plt []byte
	for i, name := range pltSyms {
		stub := addr[dynPLT] + uint64(i*pltEntrySize)
		slot := addr[dynGOT] + uint64(gotIndex[name]*gotEntrySize)
		plt = append(plt, 0xFF, 0x25) // jmp [rip + slot]
		plt = binary.LittleEndian.AppendUint32(plt, uint32(int32(int64(slot)-int64(stub+6))))
		plt = append(plt, 0x66, 0x90)
	}

	var rela []byte
	var relocs []Relocation
	for i, name := range gotSyms {
		slot := addr[dynGOT] + uint64(i*gotEntrySize)
		rela = appendRela(rela, slot, dynIndex[name], elf.R_X86_64_GLOB_DAT, 0)
		_, own := m.Lookup(name)
		relocs = append(relocs, Relocation{Offset: slot, Symbol: name, Type: elf.R_X86_64_GLOB_DAT, External: !own})
	}

	syms := make([]byte, elfSymSize)
	for _, x := range m.Externals {
		syms = appendSym(syms, dynstr.add(x.Name), elf.STB_GLOBAL, elf.STT_NOTYPE, elf.SHN_UNDEF, 0, 0)
	}
	exports := make([]Export, len(m.Exports))
	for i, e := range m.Exports {
		v, _ := symAddr(e.Name)
		syms = appendSym(syms, dynstr.add(e.Name), elf.STB_GLOBAL, symType(e.Kind), e.Section.dynIndex(), v, e.Size)
		exports[i] = e
		exports[i].Offset = v
	}

	var dyn []byte
	dyn = appendDyn(dyn, elf.DT_SONAME, uint64(soname))
	dyn = appendDyn(dyn, elf.DT_HASH, addr[dynHash])
	dyn = appendDyn(dyn, elf.DT_STRTAB, addr[dynStrtab])
	dyn = appendDyn(dyn, elf.DT_SYMTAB, addr[dynSymtab])
	dyn = appendDyn(dyn, elf.DT_STRSZ, uint64(len(dynstr.buf)))
	dyn = appendDyn(dyn, elf.DT_SYMENT, elfSymSize)
	if len(gotSyms) > 0 {
		dyn = appendDyn(dyn, elf.DT_RELA, addr[dynRela])
		dyn = appendDyn(dyn, elf.DT_RELASZ, uint64(len(rela)))
		dyn = appendDyn(dyn, elf.DT_RELAENT, elfRelaSize)
	}
	dyn = appendDyn(dyn, elf.DT_FLAGS, uint64(elf.DF_BIND_NOW))
	dyn = appendDyn(dyn, elf.DT_FLAGS_1, uint64(elf.DF_1_NOW))
	dyn = appendDyn(dyn, elf.DT_NULL, 0)

	rx := elf.SHF_ALLOC | elf.SHF_EXECINSTR
	rw := elf.SHF_ALLOC | elf.SHF_WRITE
	img := &image{
		typ: elf.ET_DYN,
		segments: []segment{
			{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0, offset: 0, filesz: rxEnd, memsz: rxEnd, align: pageSize},
			{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, vaddr: rwStart, offset: rwStart, filesz: dataEnd - rwStart, memsz: bssEnd - rwStart, align: pageSize},
			{typ: elf.PT_DYNAMIC, flags: elf.PF_R | elf.PF_W, vaddr: addr[dynDynamic], offset: addr[dynDynamic], filesz: uint64(len(dyn)), memsz: uint64(len(dyn)), align: 8},
			{typ: elf.PT_NOTE, flags: elf.PF_R, vaddr: addr[dynNote], offset: addr[dynNote], filesz: uint64(len(note)), memsz: uint64(len(note)), align: 4},
			{typ: elf.PT_GNU_STACK, flags: elf.PF_R | elf.PF_W, align: 16},
		},
	}
	contents := map[elf.SectionIndex]*section{
		dynHash:    {name: ".hash", typ: elf.SHT_HASH, flags: elf.SHF_ALLOC, data: hash, link: uint32(dynSymtab), entsize: 4},
		dynSymtab:  {name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, data: syms, link: uint32(dynStrtab), info: 1, entsize: elfSymSize},
		dynStrtab:  {name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, data: dynstr.buf},
		dynRela:    {name: ".rela.dyn", typ: elf.SHT_RELA, flags: elf.SHF_ALLOC, data: rela, link: uint32(dynSymtab), entsize: elfRelaSize},
		dynNote:    {name: ".note.gnu.build-id", typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC, data: note},
		dynText:    {name: ".text", typ: elf.SHT_PROGBITS, flags: rx, data: text},
		dynPLT:     {name: ".plt", typ: elf.SHT_PROGBITS, flags: rx, data: plt, entsize: pltEntrySize},
		dynDynamic: {name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: rw, data: dyn, link: uint32(dynStrtab), entsize: elfDynSize},
		dynGOT:     {name: ".got", typ: elf.SHT_PROGBITS, flags: rw, data: make([]byte, len(gotSyms)*gotEntrySize), entsize: gotEntrySize},
		dynData:    {name: ".data", typ: elf.SHT_PROGBITS, flags: rw, data: m.Data},
		dynBSS:     {name: ".bss", typ: elf.SHT_NOBITS, flags: rw, size: m.BSSSize},
	}
	for _, s := range sizes {
		sec := contents[s.idx]
		sec.addr = addr[s.idx]
		sec.offset = addr[s.idx]
		sec.align = s.align
		img.sections = append(img.sections, sec)
	}

	out, err := img.bytes()
	if err != nil {
		return nil, err
	}
	return &Artifact{Shape: ShapeShared, Bytes: out, Exports: exports, Relocs: relocs}, nil
}

func putRel32(code []byte, off uint64, v int64) error {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return fmt.Errorf("relocation at %#x out of range", off)
	}
	binary.LittleEndian.PutUint32(code[off:], uint32(int32(v)))
	return nil
}

// sysvHash builds a DT_HASH table over the dynamic symbols; index 0 is the
// null symbol.
func sysvHash(names []string) []byte {
	nsyms := len(names) + 1
	nbucket := max(len(names), 1)
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nsyms)
	for i, name := range names {
		b := elfHash(name) % uint32(nbucket)
		chains[i+1] = buckets[b]
		buckets[b] = uint32(i + 1)
	}
	out := binary.LittleEndian.AppendUint32(nil, uint32(nbucket))
	out = binary.LittleEndian.AppendUint32(out, uint32(nsyms))
	for _, b := range buckets {
		out = binary.LittleEndian.AppendUint32(out, b)
	}
	for _, c := range chains {
		out = binary.LittleEndian.AppendUint32(out, c)
	}
	return out
}

func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		g := h & 0xF0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}
