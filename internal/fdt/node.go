package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrPropertyNotFound is returned by the lookup helpers when a node lacks the
// requested property or the property has the wrong kind.
var ErrPropertyNotFound = errors.New("fdt: property not found")

// Property describes a single device-tree property in a JSON-friendly form.
// Exactly one of the typed fields should be populated for a given property.
type Property struct {
	Strings []string `json:"strings,omitempty" yaml:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty" yaml:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty" yaml:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty" yaml:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node describes a device-tree node using JSON-friendly structures.
type Node struct {
	Name       string              `json:"name" yaml:"name"`
	Properties map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty" yaml:"children,omitempty"`
}

// StringList returns the property as a string list. Raw values are split on
// NUL and must be NUL terminated.
func (p Property) StringList() []string {
	if len(p.Strings) > 0 || len(p.Bytes) == 0 {
		return p.Strings
	}
	if p.Bytes[len(p.Bytes)-1] != 0 {
		return nil
	}
	return strings.Split(string(p.Bytes[:len(p.Bytes)-1]), "\x00")
}

// Cells returns the property as 32-bit cells. Raw values are read big-endian
// and must be a whole number of cells.
func (p Property) Cells() []uint32 {
	if len(p.U32) > 0 || len(p.Bytes) == 0 {
		return p.U32
	}
	if len(p.Bytes)%4 != 0 {
		return nil
	}
	cells := make([]uint32, len(p.Bytes)/4)
	for i := range cells {
		cells[i] = binary.BigEndian.Uint32(p.Bytes[4*i:])
	}
	return cells
}

// Compatible returns the node's compatible list, most specific first.
func (n *Node) Compatible() []string {
	return n.Properties["compatible"].StringList()
}

// String returns the first string of the named property.
func (n *Node) String(name string) (string, error) {
	prop, ok := n.Properties[name]
	list := prop.StringList()
	if !ok || len(list) == 0 {
		return "", fmt.Errorf("%w: %s: %q", ErrPropertyNotFound, n.Name, name)
	}
	return list[0], nil
}

// CellCounts returns the node's #address-cells and #size-cells, which give
// the layout of its children's "reg" properties. Missing values default to
// 2 and 1.
func (n *Node) CellCounts() (addressCells, sizeCells int) {
	addressCells, sizeCells = 2, 1
	if c := n.Properties["#address-cells"].Cells(); len(c) == 1 {
		addressCells = int(c[0])
	}
	if c := n.Properties["#size-cells"].Cells(); len(c) == 1 {
		sizeCells = int(c[0])
	}
	return addressCells, sizeCells
}

// IRQ returns the index'th cell of the node's "interrupts" property.
func (n *Node) IRQ(index int) (uint32, error) {
	cells := n.Properties["interrupts"].Cells()
	if index < 0 || index >= len(cells) {
		return 0, fmt.Errorf("%w: %s: interrupts[%d]", ErrPropertyNotFound, n.Name, index)
	}
	return cells[index], nil
}

// Reg returns the first (address, size) pair of the node's "reg" property.
// Parse widens raw "reg" values to U64 pairs, so raw bytes are not read here.
func (n *Node) Reg() (base, size uint64, err error) {
	prop := n.Properties["reg"]
	switch {
	case len(prop.U64) >= 2:
		return prop.U64[0], prop.U64[1], nil
	case len(prop.U32) >= 2:
		return uint64(prop.U32[0]), uint64(prop.U32[1]), nil
	}
	return 0, 0, fmt.Errorf("%w: %s: reg", ErrPropertyNotFound, n.Name)
}

func (n *Node) propertyNames() []string {
	keys := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}
