// Package object frames the machine code and data of one compilation unit as
// a relocatable ELF object, an ar archive or an ELF shared library.
package object

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Section identifies where a defined symbol lives.
type Section uint8

const (
	SectionText Section = iota
	SectionData
	SectionBSS
)

func (s Section) String() string {
	switch s {
	case SectionText:
		return ".text"
	case SectionData:
		return ".data"
	case SectionBSS:
		return ".bss"
	}
	return fmt.Sprintf("Section(%d)", uint8(s))
}

type SymbolKind uint8

const (
	KindFunc SymbolKind = iota
	KindObject
)

func (k SymbolKind) String() string {
	if k == KindFunc {
		return "func"
	}
	return "object"
}

// Export is one entry of the export table: a symbol this unit defines.
// Offset is relative to its section in a module and final in an artifact.
type Export struct {
	Name    string
	Section Section
	Offset  uint64
	Size    uint64
	Kind    SymbolKind
	Align   uint64 `json:"-"`
}

// RelocType is an x86-64 ELF relocation type.
type RelocType = elf.R_X86_64

// Relocation is one entry of the relocation table. External marks references
// to symbols the unit does not define.
type Relocation struct {
	Offset   uint64
	Symbol   string
	Type     RelocType
	Addend   int64
	External bool
}

// External is a symbol the unit references but leaves to the linker.
type External struct {
	Name string
	Kind SymbolKind
}

// Module is the position independent code and data of one unit before it is
// framed. Every relocation applies to Text.
type Module struct {
	Name      string // file stem, used for the archive member
	SOName    string // DT_SONAME of a shared library; lib<Name>.so when empty
	Text      []byte
	Data      []byte
	BSSSize   uint64
	DataAlign uint64
	BSSAlign  uint64
	Exports   []Export
	Externals []External
	Relocs    []Relocation
}

// Lookup returns the export named name.
func (m *Module) Lookup(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// isData reports whether name is a data object the module defines.
func (m *Module) isData(name string) bool {
	e, ok := m.Lookup(name)
	return ok && e.Kind == KindObject
}

func (m *Module) soname() string {
	if m.SOName != "" {
		return m.SOName
	}
	return "lib" + m.Name + ".so"
}

// Validate checks that every relocation refers to an export or a declared
// external and that no absolute relocation is present.
func (m *Module) Validate() error {
	known := make(map[string]bool, len(m.Exports)+len(m.Externals))
	for _, e := range m.Exports {
		if known[e.Name] {
			return fmt.Errorf("symbol %q defined twice", e.Name)
		}
		known[e.Name] = true
	}
	for _, x := range m.Externals {
		if known[x.Name] {
			return fmt.Errorf("symbol %q is both defined and external", x.Name)
		}
		known[x.Name] = true
	}
	for _, r := range m.Relocs {
		if !known[r.Symbol] {
			return fmt.Errorf("relocation at %#x refers to unknown symbol %q", r.Offset, r.Symbol)
		}
		switch r.Type {
		case elf.R_X86_64_PLT32, elf.R_X86_64_REX_GOTPCRELX, elf.R_X86_64_GOTPCREL:
		default:
			return fmt.Errorf("relocation at %#x has non position independent type %v", r.Offset, r.Type)
		}
		if r.Offset+4 > uint64(len(m.Text)) {
			return fmt.Errorf("relocation at %#x is outside .text", r.Offset)
		}
	}
	return nil
}

// Shape is the container an artifact is framed in.
type Shape uint8

const (
	ShapeObject Shape = iota
	ShapeArchive
	ShapeShared
)

func (s Shape) String() string {
	switch s {
	case ShapeObject:
		return "object"
	case ShapeArchive:
		return "archive"
	case ShapeShared:
		return "shared"
	}
	return fmt.Sprintf("Shape(%d)", uint8(s))
}

// Artifact is a framed output: its bytes plus the export and relocation
// tables as they appear in the container.
type Artifact struct {
	Shape   Shape
	Bytes   []byte
	Exports []Export
	Relocs  []Relocation
}

// Framer lays a module out in one container format.
type Framer interface {
	Frame(m *Module) (*Artifact, error)
}

// FramerFor returns the framer of shape.
func FramerFor(s Shape) (Framer, error) {
	switch s {
	case ShapeObject:
		return relFramer{}, nil
	case ShapeArchive:
		return archiveFramer{}, nil
	case ShapeShared:
		return sharedFramer{}, nil
	}
	return nil, fmt.Errorf("unknown output shape %v", s)
}

// Frame validates m and frames it as shape.
func Frame(m *Module, s Shape) (*Artifact, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	f, err := FramerFor(s)
	if err != nil {
		return nil, err
	}
	return f.Frame(m)
}

// ExternalRelocs returns the relocations that the linker must satisfy from
// other units, sorted by offset.
func (a *Artifact) ExternalRelocs() []Relocation {
	var out []Relocation
	for _, r := range a.Relocs {
		if r.External {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func alignUp(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}
