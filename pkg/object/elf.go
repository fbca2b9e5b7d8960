package object

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
	elfSectionHeaderSize = 64
	elfSymSize           = 24
	elfRelaSize          = 24
	elfDynSize           = 16
)

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	offset  uint64 // zero lets the writer place the section
	data    []byte
	size    uint64 // SHT_NOBITS only
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

func (s *section) memSize() uint64 {
	if s.typ == elf.SHT_NOBITS {
		return s.size
	}
	return uint64(len(s.data))
}

type segment struct {
	typ    elf.ProgType
	flags  elf.ProgFlag
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

// image is an ELF64 little-endian x86-64 file under construction. Sections
// are numbered from 1 in slice order; .shstrtab is appended last.
type image struct {
	typ      elf.Type
	segments []segment
	sections []*section
}

func (img *image) headerSize() uint64 {
	return elfHeaderSize + uint64(len(img.segments))*elfProgramHeaderSize
}

// bytes serializes the file. Sections with a preset offset are written there;
// the others follow at their alignment.
func (img *image) bytes() ([]byte, error) {
	shstr := newStrtab()
	names := make([]uint32, len(img.sections))
	for i, s := range img.sections {
		names[i] = shstr.add(s.name)
	}
	shstrName := shstr.add(".shstrtab")

	out := make([]byte, img.headerSize())
	for _, s := range img.sections {
		if s.offset == 0 {
			s.offset = alignUp(uint64(len(out)), max(s.align, 1))
		}
		if s.offset < uint64(len(out)) {
			return nil, fmt.Errorf("section %s at %#x overlaps preceding data", s.name, s.offset)
		}
		if s.typ == elf.SHT_NOBITS {
			continue
		}
		out = append(out, make([]byte, s.offset-uint64(len(out)))...)
		out = append(out, s.data...)
	}
	shstrOff := uint64(len(out))
	out = append(out, shstr.buf...)

	shoff := alignUp(uint64(len(out)), 8)
	out = append(out, make([]byte, shoff-uint64(len(out)))...)
	out = append(out, make([]byte, elfSectionHeaderSize)...)
	for i, s := range img.sections {
		out = appendSectionHeader(out, names[i], s.typ, s.flags, s.addr, s.offset, s.memSize(), s.link, s.info, s.align, s.entsize)
	}
	out = appendSectionHeader(out, shstrName, elf.SHT_STRTAB, 0, 0, shstrOff, uint64(len(shstr.buf)), 0, 0, 1, 0)

	fillELFHeader(out, img.typ, shoff, len(img.segments), len(img.sections)+2)
	for i, p := range img.segments {
		fillProgramHeader(out[elfHeaderSize+i*elfProgramHeaderSize:], p)
	}
	return out, nil
}

func fillELFHeader(buf []byte, typ elf.Type, shoff uint64, phnum, shnum int) {
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	buf[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	binary.LittleEndian.PutUint16(buf[16:], uint16(typ))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], 0) // no entry point
	if phnum > 0 {
		binary.LittleEndian.PutUint64(buf[32:], elfHeaderSize)
	}
	binary.LittleEndian.PutUint64(buf[40:], shoff)
	binary.LittleEndian.PutUint16(buf[52:], elfHeaderSize)
	if phnum > 0 {
		binary.LittleEndian.PutUint16(buf[54:], elfProgramHeaderSize)
	}
	binary.LittleEndian.PutUint16(buf[56:], uint16(phnum))
	binary.LittleEndian.PutUint16(buf[58:], elfSectionHeaderSize)
	binary.LittleEndian.PutUint16(buf[60:], uint16(shnum))
	binary.LittleEndian.PutUint16(buf[62:], uint16(shnum-1)) // .shstrtab is last
}

func fillProgramHeader(buf []byte, p segment) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.typ))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.flags))
	binary.LittleEndian.PutUint64(buf[8:], p.offset)
	binary.LittleEndian.PutUint64(buf[16:], p.vaddr)
	binary.LittleEndian.PutUint64(buf[24:], p.vaddr)
	binary.LittleEndian.PutUint64(buf[32:], p.filesz)
	binary.LittleEndian.PutUint64(buf[40:], p.memsz)
	binary.LittleEndian.PutUint64(buf[48:], p.align)
}

func appendSectionHeader(out []byte, name uint32, typ elf.SectionType, flags elf.SectionFlag, addr, offset, size uint64, link, info uint32, align, entsize uint64) []byte {
	out = binary.LittleEndian.AppendUint32(out, name)
	out = binary.LittleEndian.AppendUint32(out, uint32(typ))
	out = binary.LittleEndian.AppendUint64(out, uint64(flags))
	out = binary.LittleEndian.AppendUint64(out, addr)
	out = binary.LittleEndian.AppendUint64(out, offset)
	out = binary.LittleEndian.AppendUint64(out, size)
	out = binary.LittleEndian.AppendUint32(out, link)
	out = binary.LittleEndian.AppendUint32(out, info)
	out = binary.LittleEndian.AppendUint64(out, align)
	return binary.LittleEndian.AppendUint64(out, entsize)
}

func appendSym(out []byte, name uint32, bind elf.SymBind, typ elf.SymType, shndx elf.SectionIndex, value, size uint64) []byte {
	out = binary.LittleEndian.AppendUint32(out, name)
	out = append(out, elf.ST_INFO(bind, typ), byte(elf.STV_DEFAULT))
	out = binary.LittleEndian.AppendUint16(out, uint16(shndx))
	out = binary.LittleEndian.AppendUint64(out, value)
	return binary.LittleEndian.AppendUint64(out, size)
}

func appendRela(out []byte, offset uint64, sym uint32, typ elf.R_X86_64, addend int64) []byte {
	out = binary.LittleEndian.AppendUint64(out, offset)
	out = binary.LittleEndian.AppendUint64(out, elf.R_INFO(sym, uint32(typ)))
	return binary.LittleEndian.AppendUint64(out, uint64(addend))
}

func appendDyn(out []byte, tag elf.DynTag, val uint64) []byte {
	out = binary.LittleEndian.AppendUint64(out, uint64(tag))
	return binary.LittleEndian.AppendUint64(out, val)
}

func symType(k SymbolKind) elf.SymType {
	if k == KindFunc {
		return elf.STT_FUNC
	}
	return elf.STT_OBJECT
}

// strtab is an ELF string table. Index 0 is the empty string.
type strtab struct {
	buf []byte
	idx map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}, idx: map[string]uint32{"": 0}}
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.idx[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(append(t.buf, s...), 0)
	t.idx[s] = off
	return off
}
