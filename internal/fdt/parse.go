package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed reports a blob that is not a well-formed FDT.
var ErrMalformed = errors.New("fdt: malformed blob")

// Parse decodes an FDT blob. Property values come back as raw Bytes, or as
// Flag for empty properties, because the blob does not record their types.
// The exception is "reg", whose layout depends on the parent's #address-cells
// and #size-cells: it is decoded into U64 (address, size) pairs.
func Parse(blob []byte) (Node, error) {
	if len(blob) < fdtHeaderSize {
		return Node{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	hdr := func(i int) uint32 { return binary.BigEndian.Uint32(blob[4*i:]) }
	if hdr(0) != fdtMagic {
		return Node{}, fmt.Errorf("%w: bad magic 0x%x", ErrMalformed, hdr(0))
	}
	total, offStruct, offStrings := hdr(1), hdr(2), hdr(3)
	sizeStrings, sizeStruct := hdr(8), hdr(9)
	if int(total) > len(blob) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("%w: blocks exceed blob", ErrMalformed)
	}

	d := &decoder{
		structure: blob[offStruct : offStruct+sizeStruct],
		strtab:    blob[offStrings : offStrings+sizeStrings],
	}
	if tok, err := d.token(); err != nil || tok != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("%w: tree does not start with a node", ErrMalformed)
	}
	root, err := d.node(2, 1)
	if err != nil {
		return Node{}, err
	}
	if tok, err := d.token(); err != nil || tok != fdtEndToken {
		return Node{}, fmt.Errorf("%w: missing end token", ErrMalformed)
	}
	return root, nil
}

type decoder struct {
	structure []byte
	strtab    []byte
	pos       int
}

func (d *decoder) u32() (uint32, error) {
	if d.pos+4 > len(d.structure) {
		return 0, fmt.Errorf("%w: truncated structure block", ErrMalformed)
	}
	v := binary.BigEndian.Uint32(d.structure[d.pos:])
	d.pos += 4
	return v, nil
}

// token returns the next token, skipping NOPs.
func (d *decoder) token() (uint32, error) {
	for {
		tok, err := d.u32()
		if err != nil || tok != fdtNopToken {
			return tok, err
		}
	}
}

func (d *decoder) cstring(b []byte, at int) (string, int, error) {
	for i := at; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[at:i]), i + 1, nil
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated string", ErrMalformed)
}

// node decodes the body of a node whose begin token was just consumed. The
// cell counts are the parent's.
func (d *decoder) node(addressCells, sizeCells int) (Node, error) {
	name, next, err := d.cstring(d.structure, d.pos)
	if err != nil {
		return Node{}, err
	}
	d.pos = (next + 3) &^ 3
	n := Node{Name: name}

	for {
		tok, err := d.token()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtPropToken:
			size, err := d.u32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := d.u32()
			if err != nil {
				return Node{}, err
			}
			if d.pos+int(size) > len(d.structure) || int(nameOff) >= len(d.strtab) {
				return Node{}, fmt.Errorf("%w: property out of range", ErrMalformed)
			}
			pname, _, err := d.cstring(d.strtab, int(nameOff))
			if err != nil {
				return Node{}, err
			}
			var prop Property
			if size == 0 {
				prop.Flag = true
			} else {
				prop.Bytes = append([]byte(nil), d.structure[d.pos:d.pos+int(size)]...)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[pname] = prop
			d.pos = (d.pos + int(size) + 3) &^ 3
		case fdtBeginNodeToken:
			child, err := d.node(n.CellCounts())
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			if err := widenReg(&n, addressCells, sizeCells); err != nil {
				return Node{}, err
			}
			return n, nil
		default:
			return Node{}, fmt.Errorf("%w: unexpected token %d", ErrMalformed, tok)
		}
	}
}

func widenReg(n *Node, addressCells, sizeCells int) error {
	prop, ok := n.Properties["reg"]
	if !ok || len(prop.Bytes) == 0 {
		return nil
	}
	if addressCells < 1 || addressCells > 2 || sizeCells < 0 || sizeCells > 2 {
		return fmt.Errorf("%w: %s: unsupported cell counts %d/%d", ErrMalformed, n.Name, addressCells, sizeCells)
	}
	cells := prop.Cells()
	stride := addressCells + sizeCells
	if len(cells) == 0 || len(cells)%stride != 0 {
		return fmt.Errorf("%w: %s: reg is not a whole number of entries", ErrMalformed, n.Name)
	}
	var pairs []uint64
	for ; len(cells) > 0; cells = cells[stride:] {
		pairs = append(pairs, joinCells(cells[:addressCells]), joinCells(cells[addressCells:stride]))
	}
	n.Properties["reg"] = Property{U64: pairs}
	return nil
}

func joinCells(cells []uint32) uint64 {
	var v uint64
	for _, c := range cells {
		v = v<<32 | uint64(c)
	}
	return v
}
