package object

import (
	"debug/elf"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// buildID hashes everything that ends up in the artifact so that identical
// units get identical notes.
func buildID(m *Module) []byte {
	d := xxhash.New()
	var scratch [8]byte
	word := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		d.Write(scratch[:])
	}
	str := func(s string) {
		word(uint64(len(s)))
		d.WriteString(s)
	}

	str(m.Name)
	word(uint64(len(m.Text)))
	d.Write(m.Text)
	word(uint64(len(m.Data)))
	d.Write(m.Data)
	word(m.BSSSize)
	for _, e := range m.Exports {
		str(e.Name)
		word(uint64(e.Section)<<8 | uint64(e.Kind))
		word(e.Offset)
		word(e.Size)
	}
	for _, x := range m.Externals {
		str(x.Name)
		word(uint64(x.Kind))
	}
	for _, r := range m.Relocs {
		str(r.Symbol)
		word(r.Offset)
		word(uint64(r.Type))
		word(uint64(r.Addend))
	}
	return binary.BigEndian.AppendUint64(nil, d.Sum64())
}

// buildIDNote returns a NT_GNU_BUILD_ID note carrying id.
func buildIDNote(id []byte) []byte {
	const ntGNUBuildID = 3
	out := binary.LittleEndian.AppendUint32(nil, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(id)))
	out = binary.LittleEndian.AppendUint32(out, ntGNUBuildID)
	out = append(out, 'G', 'N', 'U', 0)
	return append(out, id...)
}

// Section indices of a relocatable object.
const (
	relText elf.SectionIndex = iota + 1
	relData
	relBSS
	relNote
	relStack
	relSymtab
	relStrtab
	relRela
)

func (s Section) relIndex() elf.SectionIndex {
	switch s {
	case SectionData:
		return relData
	case SectionBSS:
		return relBSS
	}
	return relText
}

type relFramer struct{}

// Frame writes an ET_REL object. Local symbols are the file symbol only;
// every definition is global and every reference goes through a global
// symbol, so the relocation table names the symbol a linker must find.
func (relFramer) Frame(m *Module) (*Artifact, error) {
	strs := newStrtab()
	syms := make([]byte, elfSymSize)
	syms = appendSym(syms, strs.add(m.Name+".st"), elf.STB_LOCAL, elf.STT_FILE, elf.SHN_ABS, 0, 0)
	const firstGlobal = 2

	index := make(map[string]uint32, len(m.Exports)+len(m.Externals))
	next := uint32(firstGlobal)
	for _, e := range m.Exports {
		syms = appendSym(syms, strs.add(e.Name), elf.STB_GLOBAL, symType(e.Kind), e.Section.relIndex(), e.Offset, e.Size)
		index[e.Name] = next
		next++
	}
	for _, x := range m.Externals {
		syms = appendSym(syms, strs.add(x.Name), elf.STB_GLOBAL, elf.STT_NOTYPE, elf.SHN_UNDEF, 0, 0)
		index[x.Name] = next
		next++
	}

	var rela []byte
	for _, r := range m.Relocs {
		rela = appendRela(rela, r.Offset, index[r.Symbol], r.Type, r.Addend)
	}

	img := &image{
		typ: elf.ET_REL,
		sections: []*section{
			{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: m.Text, align: 16},
			{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: m.Data, align: max(m.DataAlign, 1)},
			{name: ".bss", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, size: m.BSSSize, align: max(m.BSSAlign, 1)},
			{name: ".note.gnu.build-id", typ: elf.SHT_NOTE, flags: elf.SHF_ALLOC, data: buildIDNote(buildID(m)), align: 4},
			{name: ".note.GNU-stack", typ: elf.SHT_PROGBITS, align: 1},
			{name: ".symtab", typ: elf.SHT_SYMTAB, data: syms, link: uint32(relStrtab), info: firstGlobal, align: 8, entsize: elfSymSize},
			{name: ".strtab", typ: elf.SHT_STRTAB, data: strs.buf, align: 1},
			{name: ".rela.text", typ: elf.SHT_RELA, flags: elf.SHF_INFO_LINK, data: rela, link: uint32(relSymtab), info: uint32(relText), align: 8, entsize: elfRelaSize},
		},
	}
	out, err := img.bytes()
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Shape:   ShapeObject,
		Bytes:   out,
		Exports: append([]Export(nil), m.Exports...),
		Relocs:  append([]Relocation(nil), m.Relocs...),
	}, nil
}
