package object

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testModule is a hand-assembled unit:
//
//	0:  mov rax, [rip + gX@GOTPCREL]
//	7:  call ext@PLT
//	12: mov rcx, [rip + extData@GOTPCREL]
//	19: ret
func testModule(name string) *Module {
	text := []byte{
		0x48, 0x8B, 0x05, 0, 0, 0, 0,
		0xE8, 0, 0, 0, 0,
		0x48, 0x8B, 0x0D, 0, 0, 0, 0,
		0xC3,
	}
	return &Module{
		Name:      name,
		Text:      text,
		Data:      []byte{0x2A, 0x00},
		BSSSize:   16,
		DataAlign: 2,
		BSSAlign:  8,
		Exports: []Export{
			{Name: "main", Section: SectionText, Offset: 0, Size: uint64(len(text)), Kind: KindFunc, Align: 16},
			{Name: "gX", Section: SectionData, Offset: 0, Size: 2, Kind: KindObject, Align: 2},
			{Name: "buf", Section: SectionBSS, Offset: 0, Size: 16, Kind: KindObject, Align: 8},
		},
		Externals: []External{{Name: "ext", Kind: KindFunc}, {Name: "extData", Kind: KindObject}},
		Relocs: []Relocation{
			{Offset: 3, Symbol: "gX", Type: elf.R_X86_64_REX_GOTPCRELX, Addend: -4},
			{Offset: 8, Symbol: "ext", Type: elf.R_X86_64_PLT32, Addend: -4, External: true},
			{Offset: 15, Symbol: "extData", Type: elf.R_X86_64_REX_GOTPCRELX, Addend: -4, External: true},
		},
	}
}

func frame(t *testing.T, m *Module, s Shape) *Artifact {
	t.Helper()
	art, err := Frame(m, s)
	if err != nil {
		t.Fatalf("Frame(%v) failed: %v", s, err)
	}
	return art
}

func openELF(t *testing.T, b []byte) *elf.File {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("parse ELF: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

type symView struct {
	Name    string
	Bind    elf.SymBind
	Type    elf.SymType
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
}

func view(syms []elf.Symbol) []symView {
	out := make([]symView, len(syms))
	for i, s := range syms {
		out[i] = symView{s.Name, elf.ST_BIND(s.Info), elf.ST_TYPE(s.Info), s.Section, s.Value, s.Size}
	}
	return out
}

func TestRelocatableObject(t *testing.T) {
	t.Parallel()

	m := testModule("unit")
	art := frame(t, m, ShapeObject)
	f := openELF(t, art.Bytes)

	if got, want := f.Type, elf.ET_REL; got != want {
		t.Fatalf("ELF type=%v, want %v", got, want)
	}
	if got, want := f.Machine, elf.EM_X86_64; got != want {
		t.Fatalf("machine=%v, want %v", got, want)
	}
	if len(f.Progs) != 0 {
		t.Fatalf("relocatable object has %d program headers", len(f.Progs))
	}

	var names []string
	for _, s := range f.Sections[1:] {
		names = append(names, s.Name)
	}
	wantNames := []string{".text", ".data", ".bss", ".note.gnu.build-id", ".note.GNU-stack", ".symtab", ".strtab", ".rela.text", ".shstrtab"}
	if diff := cmp.Diff(wantNames, names); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}

	text, err := f.Section(".text").Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(text, m.Text) {
		t.Errorf(".text was modified by framing")
	}
	if got := f.Section(".bss").Size; got != m.BSSSize {
		t.Errorf(".bss size=%d, want %d", got, m.BSSSize)
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	wantSyms := []symView{
		{"unit.st", elf.STB_LOCAL, elf.STT_FILE, elf.SHN_ABS, 0, 0},
		{"main", elf.STB_GLOBAL, elf.STT_FUNC, 1, 0, 20},
		{"gX", elf.STB_GLOBAL, elf.STT_OBJECT, 2, 0, 2},
		{"buf", elf.STB_GLOBAL, elf.STT_OBJECT, 3, 0, 16},
		{"ext", elf.STB_GLOBAL, elf.STT_NOTYPE, elf.SHN_UNDEF, 0, 0},
		{"extData", elf.STB_GLOBAL, elf.STT_NOTYPE, elf.SHN_UNDEF, 0, 0},
	}
	if diff := cmp.Diff(wantSyms, view(syms)); diff != "" {
		t.Errorf("symbols mismatch (-want +got):\n%s", diff)
	}
	if got := f.Section(".symtab").Info; got != 2 {
		t.Errorf(".symtab sh_info=%d, want 2", got)
	}

	type rela struct {
		Off    uint64
		Sym    uint32
		Type   elf.R_X86_64
		Addend int64
	}
	raw, err := f.Section(".rela.text").Data()
	if err != nil {
		t.Fatal(err)
	}
	var got []rela
	for i := 0; i+elfRelaSize <= len(raw); i += elfRelaSize {
		info := binary.LittleEndian.Uint64(raw[i+8:])
		got = append(got, rela{
			Off:    binary.LittleEndian.Uint64(raw[i:]),
			Sym:    elf.R_SYM64(info),
			Type:   elf.R_X86_64(elf.R_TYPE64(info)),
			Addend: int64(binary.LittleEndian.Uint64(raw[i+16:])),
		})
	}
	want := []rela{
		{3, 3, elf.R_X86_64_REX_GOTPCRELX, -4},
		{8, 5, elf.R_X86_64_PLT32, -4},
		{15, 6, elf.R_X86_64_REX_GOTPCRELX, -4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("relocations mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(m.Exports, art.Exports); diff != "" {
		t.Errorf("export table mismatch (-want +got):\n%s", diff)
	}
	if got := len(art.ExternalRelocs()); got != 2 {
		t.Errorf("%d external relocations, want 2", got)
	}
}

func TestBuildID(t *testing.T) {
	t.Parallel()

	note := func(m *Module) []byte {
		f := openELF(t, frame(t, m, ShapeObject).Bytes)
		b, err := f.Section(".note.gnu.build-id").Data()
		if err != nil {
			t.Fatal(err)
		}
		return b
	}

	a, b := note(testModule("unit")), note(testModule("unit"))
	if !bytes.Equal(a, b) {
		t.Errorf("build-id differs between identical modules")
	}
	if got := string(a[12:16]); got != "GNU\x00" {
		t.Errorf("note owner=%q, want GNU", got)
	}
	if got := binary.LittleEndian.Uint32(a[8:]); got != 3 {
		t.Errorf("note type=%d, want NT_GNU_BUILD_ID", got)
	}

	changed := testModule("unit")
	changed.Data[0] = 0x2B
	if bytes.Equal(a, note(changed)) {
		t.Errorf("build-id ignores .data contents")
	}
}

type arMember struct {
	name string
	data []byte
	off  int
}

func readArchive(t *testing.T, b []byte) []arMember {
	t.Helper()
	if !bytes.HasPrefix(b, []byte(arMagic)) {
		t.Fatalf("missing archive magic")
	}
	var out []arMember
	for off := len(arMagic); off < len(b); {
		hdr := b[off : off+arHeaderSize]
		if string(hdr[58:60]) != "`\n" {
			t.Fatalf("bad member header at %d: %q", off, hdr)
		}
		size, err := strconv.Atoi(strings.TrimSpace(string(hdr[48:58])))
		if err != nil {
			t.Fatalf("bad member size at %d: %v", off, err)
		}
		if got := strings.TrimSpace(string(hdr[40:48])); got != "644" {
			t.Errorf("member mode=%s, want 644", got)
		}
		if got := strings.TrimSpace(string(hdr[16:28])); got != "0" {
			t.Errorf("member date=%s, want 0", got)
		}
		data := b[off+arHeaderSize : off+arHeaderSize+size]
		out = append(out, arMember{name: strings.TrimRight(string(hdr[:16]), " "), data: data, off: off})
		off += arHeaderSize + padEven(size)
	}
	return out
}

func TestArchive(t *testing.T) {
	t.Parallel()

	m := testModule("unit")
	art := frame(t, m, ShapeArchive)
	members := readArchive(t, art.Bytes)
	if len(members) != 2 {
		t.Fatalf("archive has %d members, want 2", len(members))
	}

	index := members[0]
	if index.name != "/" {
		t.Fatalf("first member is %q, want the symbol index", index.name)
	}
	n := int(binary.BigEndian.Uint32(index.data))
	if n != len(m.Exports) {
		t.Fatalf("index lists %d symbols, want %d", n, len(m.Exports))
	}
	for i := 0; i < n; i++ {
		if got := int(binary.BigEndian.Uint32(index.data[4+4*i:])); got != members[1].off {
			t.Errorf("index entry %d points at %d, want %d", i, got, members[1].off)
		}
	}
	names := strings.Split(strings.TrimRight(string(index.data[4+4*n:]), "\x00"), "\x00")
	if diff := cmp.Diff([]string{"main", "gX", "buf"}, names); diff != "" {
		t.Errorf("index names mismatch (-want +got):\n%s", diff)
	}

	if members[1].name != "unit.o/" {
		t.Errorf("member name=%q, want unit.o/", members[1].name)
	}
	obj := frame(t, testModule("unit"), ShapeObject)
	if !bytes.Equal(members[1].data, obj.Bytes) {
		t.Errorf("archive member differs from the relocatable object")
	}
	if diff := cmp.Diff(obj.Relocs, art.Relocs); diff != "" {
		t.Errorf("archive relocation table mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveLongMemberName(t *testing.T) {
	t.Parallel()

	art := frame(t, testModule("a_rather_long_unit_name"), ShapeArchive)
	members := readArchive(t, art.Bytes)
	if len(members) != 3 {
		t.Fatalf("archive has %d members, want 3", len(members))
	}
	if members[1].name != "//" {
		t.Fatalf("second member is %q, want the long name table", members[1].name)
	}
	if got := string(members[1].data); got != "a_rather_long_unit_name.o/\n" {
		t.Errorf("long name table=%q", got)
	}
	if members[2].name != "/0" {
		t.Errorf("member name=%q, want /0", members[2].name)
	}
	if got := int(binary.BigEndian.Uint32(members[0].data[4:])); got != members[2].off {
		t.Errorf("index points at %d, want %d", got, members[2].off)
	}
}

func TestSharedLibrary(t *testing.T) {
	t.Parallel()

	m := testModule("unit")
	art := frame(t, m, ShapeShared)
	f := openELF(t, art.Bytes)

	if got, want := f.Type, elf.ET_DYN; got != want {
		t.Fatalf("ELF type=%v, want %v", got, want)
	}
	soname, err := f.DynString(elf.DT_SONAME)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"libunit.so"}, soname); diff != "" {
		t.Errorf("DT_SONAME mismatch (-want +got):\n%s", diff)
	}
	if needed, _ := f.DynString(elf.DT_NEEDED); len(needed) != 0 {
		t.Errorf("unexpected DT_NEEDED %v", needed)
	}

	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	if len(loads) != 2 {
		t.Fatalf("%d PT_LOAD segments, want 2", len(loads))
	}
	if loads[0].Flags != elf.PF_R|elf.PF_X || loads[1].Flags != elf.PF_R|elf.PF_W {
		t.Errorf("segment flags %v/%v", loads[0].Flags, loads[1].Flags)
	}
	if loads[1].Vaddr%pageSize != 0 || loads[1].Vaddr != loads[1].Off {
		t.Errorf("writable segment at vaddr %#x offset %#x", loads[1].Vaddr, loads[1].Off)
	}

	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	addrOf := make(map[string]uint64)
	var order []string
	for _, s := range dynsyms {
		addrOf[s.Name] = s.Value
		order = append(order, s.Name)
	}
	if diff := cmp.Diff([]string{"ext", "extData", "main", "gX", "buf"}, order); diff != "" {
		t.Errorf("dynamic symbols mismatch (-want +got):\n%s", diff)
	}
	for _, e := range art.Exports {
		if addrOf[e.Name] != e.Offset {
			t.Errorf("export %s at %#x, dynsym says %#x", e.Name, e.Offset, addrOf[e.Name])
		}
	}

	textSec := f.Section(".text")
	text, err := textSec.Data()
	if err != nil {
		t.Fatal(err)
	}
	rel32 := func(off int) uint64 {
		return textSec.Addr + uint64(off+4) + uint64(int64(int32(binary.LittleEndian.Uint32(text[off:]))))
	}

	// Exported data keeps its GOT load so a host's copy of gX is the one the
	// library reads and writes.
	plt, got := f.Section(".plt"), f.Section(".got")
	if text[1] != 0x8B {
		t.Errorf("GOT load of gX was rewritten: opcode %#x", text[1])
	}
	if rel32(3) != got.Addr {
		t.Errorf("gX load resolves to %#x, want GOT slot %#x", rel32(3), got.Addr)
	}
	if rel32(8) != plt.Addr {
		t.Errorf("call ext resolves to %#x, want PLT stub at %#x", rel32(8), plt.Addr)
	}
	if text[13] != 0x8B {
		t.Errorf("external GOT load was rewritten")
	}
	if rel32(15) != got.Addr+2*gotEntrySize {
		t.Errorf("extData load resolves to %#x, want GOT slot %#x", rel32(15), got.Addr+2*gotEntrySize)
	}

	stub, err := plt.Data()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stub[:2], []byte{0xFF, 0x25}) {
		t.Fatalf("PLT stub starts with % x", stub[:2])
	}
	slot := plt.Addr + 6 + uint64(int64(int32(binary.LittleEndian.Uint32(stub[2:]))))
	if slot != got.Addr+gotEntrySize {
		t.Errorf("PLT stub jumps through %#x, want %#x", slot, got.Addr+gotEntrySize)
	}

	wantRelocs := []Relocation{
		{Offset: got.Addr, Symbol: "gX", Type: elf.R_X86_64_GLOB_DAT},
		{Offset: got.Addr + gotEntrySize, Symbol: "ext", Type: elf.R_X86_64_GLOB_DAT, External: true},
		{Offset: got.Addr + 2*gotEntrySize, Symbol: "extData", Type: elf.R_X86_64_GLOB_DAT, External: true},
	}
	if diff := cmp.Diff(wantRelocs, art.Relocs); diff != "" {
		t.Errorf("dynamic relocations mismatch (-want +got):\n%s", diff)
	}
	wantRela := []dynReloc{
		{got.Addr, "gX", elf.R_X86_64_GLOB_DAT},
		{got.Addr + gotEntrySize, "ext", elf.R_X86_64_GLOB_DAT},
		{got.Addr + 2*gotEntrySize, "extData", elf.R_X86_64_GLOB_DAT},
	}
	if diff := cmp.Diff(wantRela, readRelaDyn(t, f)); diff != "" {
		t.Errorf(".rela.dyn mismatch (-want +got):\n%s", diff)
	}

	flags, err := f.DynValue(elf.DT_FLAGS)
	if err != nil || len(flags) != 1 || flags[0] != uint64(elf.DF_BIND_NOW) {
		t.Errorf("DT_FLAGS=%v (%v)", flags, err)
	}
	if sym, _ := f.DynValue(elf.DT_SYMBOLIC); len(sym) != 0 {
		t.Errorf("unexpected DT_SYMBOLIC")
	}
}

type dynReloc struct {
	Offset uint64
	Symbol string
	Type   elf.R_X86_64
}

func readRelaDyn(t *testing.T, f *elf.File) []dynReloc {
	t.Helper()
	data, err := f.Section(".rela.dyn").Data()
	if err != nil {
		t.Fatal(err)
	}
	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatal(err)
	}
	var out []dynReloc
	for ; len(data) >= elfRelaSize; data = data[elfRelaSize:] {
		info := binary.LittleEndian.Uint64(data[8:])
		r := dynReloc{Offset: binary.LittleEndian.Uint64(data), Type: elf.R_X86_64(elf.R_TYPE64(info))}
		if sym := elf.R_SYM64(info); sym > 0 && int(sym) <= len(dynsyms) {
			r.Symbol = dynsyms[sym-1].Name
		}
		out = append(out, r)
	}
	return out
}

func TestSharedLibraryWithoutExternals(t *testing.T) {
	t.Parallel()

	m := testModule("self")
	m.Text = m.Text[:7]
	m.Text = append(m.Text, 0xC3)
	m.Exports[0].Size = uint64(len(m.Text))
	m.Externals = nil
	m.Relocs = m.Relocs[:1]

	art := frame(t, m, ShapeShared)
	if ext := art.ExternalRelocs(); len(ext) != 0 {
		t.Errorf("self-contained library needs other units: %v", ext)
	}
	f := openELF(t, art.Bytes)
	got := f.Section(".got")
	if diff := cmp.Diff([]dynReloc{{got.Addr, "gX", elf.R_X86_64_GLOB_DAT}}, readRelaDyn(t, f)); diff != "" {
		t.Errorf(".rela.dyn mismatch (-want +got):\n%s", diff)
	}
	if plt := f.Section(".plt"); plt.Size != 0 {
		t.Errorf("self-contained library has a %d byte PLT", plt.Size)
	}

	// A reference to the unit's own function is bound in place.
	m = testModule("self")
	m.Text = append(m.Text[:7], 0xC3)
	m.Exports[0].Size = uint64(len(m.Text))
	m.Externals = nil
	m.Relocs = m.Relocs[:1]
	m.Relocs[0].Symbol = "main"
	art = frame(t, m, ShapeShared)
	if len(art.Relocs) != 0 {
		t.Errorf("function reference left relocations %v", art.Relocs)
	}
	f = openELF(t, art.Bytes)
	text, err := f.Section(".text").Data()
	if err != nil {
		t.Fatal(err)
	}
	if text[1] != 0x8D {
		t.Errorf("GOT load of main not relaxed to lea: opcode %#x", text[1])
	}
	if rela, err := f.DynValue(elf.DT_RELA); err == nil && len(rela) != 0 {
		t.Errorf("unexpected DT_RELA %v", rela)
	}
}

func TestSharedLibrarySOName(t *testing.T) {
	t.Parallel()

	m := testModule("lib2")
	m.SOName = "libcst.so"
	f := openELF(t, frame(t, m, ShapeShared).Bytes)
	soname, err := f.DynString(elf.DT_SONAME)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"libcst.so"}, soname); diff != "" {
		t.Errorf("DT_SONAME mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(m *Module)
		want   string
	}{
		{"valid", func(m *Module) {}, ""},
		{"duplicate export", func(m *Module) { m.Exports = append(m.Exports, m.Exports[1]) }, "defined twice"},
		{"defined and external", func(m *Module) { m.Externals = append(m.Externals, External{Name: "gX"}) }, "both defined and external"},
		{"unknown symbol", func(m *Module) { m.Relocs[0].Symbol = "nowhere" }, "unknown symbol"},
		{"absolute relocation", func(m *Module) { m.Relocs[0].Type = elf.R_X86_64_64 }, "non position independent"},
		{"outside text", func(m *Module) { m.Relocs[2].Offset = 17 }, "outside .text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := testModule("unit")
			tt.mutate(m)
			err := m.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
			if _, err := Frame(m, ShapeObject); err == nil {
				t.Errorf("Frame accepted an invalid module")
			}
		})
	}
}

func TestFramingIsDeterministic(t *testing.T) {
	t.Parallel()

	for _, s := range []Shape{ShapeObject, ShapeArchive, ShapeShared} {
		a := frame(t, testModule("unit"), s)
		b := frame(t, testModule("unit"), s)
		if !bytes.Equal(a.Bytes, b.Bytes) {
			t.Errorf("%v: two framings of the same module differ", s)
		}
		if a.Shape != s {
			t.Errorf("artifact shape=%v, want %v", a.Shape, s)
		}
	}
}
