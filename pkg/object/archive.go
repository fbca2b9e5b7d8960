package object

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
)

type archiveFramer struct{}

// Frame wraps the relocatable object in a GNU ar archive with a symbol index
// so that a linker pulls the member in by any exported name. Timestamps,
// owners and modes are fixed.
func (archiveFramer) Frame(m *Module) (*Artifact, error) {
	obj, err := relFramer{}.Frame(m)
	if err != nil {
		return nil, err
	}

	// Names that do not fit the 16 byte header field go through the "//"
	// extended name table.
	member := m.Name + ".o/"
	var longNames []byte
	if len(member) > 16 {
		longNames = []byte(member + "\n")
		member = "/0"
	}

	var names bytes.Buffer
	for _, e := range m.Exports {
		names.WriteString(e.Name)
		names.WriteByte(0)
	}
	memberOff := len(arMagic) + arHeaderSize + padEven(4+4*len(m.Exports)+names.Len())
	if longNames != nil {
		memberOff += arHeaderSize + padEven(len(longNames))
	}
	index := binary.BigEndian.AppendUint32(nil, uint32(len(m.Exports)))
	for range m.Exports {
		index = binary.BigEndian.AppendUint32(index, uint32(memberOff))
	}
	index = append(index, names.Bytes()...)

	var out bytes.Buffer
	out.WriteString(arMagic)
	writeArMember(&out, "/", index)
	if longNames != nil {
		writeArMember(&out, "//", longNames)
	}
	if out.Len() != memberOff {
		return nil, fmt.Errorf("archive index size mismatch")
	}
	writeArMember(&out, member, obj.Bytes)

	obj.Shape = ShapeArchive
	obj.Bytes = out.Bytes()
	return obj, nil
}

func writeArMember(out *bytes.Buffer, name string, data []byte) {
	fmt.Fprintf(out, "%-16s%-12d%-6d%-6d%-8s%-10d`\n", name, 0, 0, 0, "644", len(data))
	out.Write(data)
	if len(data)%2 != 0 {
		out.WriteByte('\n')
	}
}

func padEven(n int) int { return n + n%2 }
