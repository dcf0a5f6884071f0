package fdt

import (
	"encoding/binary"
	"fmt"
)

// Flattened device tree layout, version 17.
const (
	fdtMagic       = 0xd00dfeed
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtHeaderSize  = 0x28

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtNopToken       = 0x4
	fdtEndToken       = 0x9
)

// Build serializes the tree rooted at root into an FDT blob with an empty
// memory reservation map. Properties are emitted in name order so the same
// tree always produces the same blob.
func Build(root Node) ([]byte, error) {
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root); err != nil {
		return nil, err
	}
	e.structure = be32(e.structure, fdtEndToken)
	return e.blob(), nil
}

type encoder struct {
	structure []byte
	strtab    []byte
	offsets   map[string]uint32
}

func be32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }

func align4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

func (e *encoder) node(n Node) error {
	e.structure = be32(e.structure, fdtBeginNodeToken)
	e.structure = append(e.structure, n.Name...)
	e.structure = align4(append(e.structure, 0))

	for _, name := range n.propertyNames() {
		value, err := n.Properties[name].encode()
		if err != nil {
			return fmt.Errorf("fdt: node %q: property %q: %w", n.Name, name, err)
		}
		e.structure = be32(e.structure, fdtPropToken)
		e.structure = be32(e.structure, uint32(len(value)))
		e.structure = be32(e.structure, e.nameOffset(name))
		e.structure = align4(append(e.structure, value...))
	}

	for _, child := range n.Children {
		if err := e.node(child); err != nil {
			return err
		}
	}

	e.structure = be32(e.structure, fdtEndNodeToken)
	return nil
}

func (e *encoder) nameOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(len(e.strtab))
	e.strtab = append(append(e.strtab, name...), 0)
	e.offsets[name] = off
	return off
}

func (e *encoder) blob() []byte {
	const offReserve = fdtHeaderSize
	const reserveSize = 16 // one terminating {0, 0} entry
	offStruct := offReserve + reserveSize
	offStrings := offStruct + len(e.structure)
	total := offStrings + len(e.strtab)

	out := make([]byte, 0, total)
	for _, v := range []uint32{
		fdtMagic,
		uint32(total),
		uint32(offStruct),
		uint32(offStrings),
		offReserve,
		fdtVersion,
		fdtLastCompVer,
		0, // boot cpu
		uint32(len(e.strtab)),
		uint32(len(e.structure)),
	} {
		out = be32(out, v)
	}
	out = append(out, make([]byte, reserveSize)...)
	out = append(out, e.structure...)
	return append(out, e.strtab...)
}

// encode returns the big-endian wire form of the property value.
func (p Property) encode() ([]byte, error) {
	switch p.DefinedCount() {
	case 0:
		return nil, fmt.Errorf("no value")
	case 1:
	default:
		return nil, fmt.Errorf("multiple value kinds")
	}

	var out []byte
	switch p.Kind() {
	case "strings":
		for _, s := range p.Strings {
			out = append(append(out, s...), 0)
		}
	case "u32":
		for _, v := range p.U32 {
			out = be32(out, v)
		}
	case "u64":
		for _, v := range p.U64 {
			out = binary.BigEndian.AppendUint64(out, v)
		}
	case "bytes":
		out = append(out, p.Bytes...)
	case "flag":
	}
	return out, nil
}
