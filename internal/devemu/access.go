package devemu

import "fmt"

// Width is the size in bytes of a guest bus access.
type Width int

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
)

func (w Width) valid() bool {
	return w == Width8 || w == Width16 || w == Width32
}

// bits returns a mask covering the low w bytes.
func (w Width) bits() uint32 {
	if w == Width32 {
		return 0xffffffff
	}
	return 1<<(8*uint(w)) - 1
}

// LaneMask returns the mask of bits a w-byte access at offset preserves in
// the containing 32-bit register: 0xffffff00 for a byte write to lane 0,
// 0xffff0000 for a halfword write to lane 0, 0 for a word write.
func LaneMask(offset uint64, w Width) uint32 {
	return ^(w.bits() << (8 * uint(offset&3)))
}

func direct(rf RegisterFile, offset uint64) bool {
	d, ok := rf.(DirectAccess)
	return ok && d.DirectOffset(offset)
}

func checkLane(offset uint64, w Width) error {
	if !w.valid() {
		return fmt.Errorf("%w: unsupported width %d", ErrInvalidAccess, w)
	}
	if offset&3+uint64(w) > 4 {
		return fmt.Errorf("%w: %d-byte access at 0x%x crosses a register", ErrInvalidAccess, w, offset)
	}
	return nil
}

// ReadWidth performs a w-byte read at offset through the canonical 32-bit
// read and returns the value zero-extended to 32 bits.
func ReadWidth(rf RegisterFile, offset uint64, w Width) (uint32, error) {
	if err := checkLane(offset, w); err != nil {
		return 0, err
	}
	if direct(rf, offset) {
		v, err := rf.ReadRegister(offset)
		if err != nil {
			return 0, err
		}
		return v & w.bits(), nil
	}
	shift := 8 * uint(offset&3)
	v, err := rf.ReadRegister(offset &^ 3)
	if err != nil {
		return 0, err
	}
	return (v >> shift) & w.bits(), nil
}

// WriteWidth performs a w-byte write of value at offset through the
// canonical 32-bit write. Only the bytes covered by the access change.
func WriteWidth(rf RegisterFile, offset uint64, w Width, value uint32) error {
	if err := checkLane(offset, w); err != nil {
		return err
	}
	value &= w.bits()
	if direct(rf, offset) {
		return rf.WriteRegister(offset, ^w.bits(), value)
	}
	shift := 8 * uint(offset&3)
	return rf.WriteRegister(offset&^3, LaneMask(offset, w), value<<shift)
}

// Merge applies a canonical masked write to reg.
func Merge(reg, mask, value uint32) uint32 {
	return (reg & mask) | (value &^ mask)
}
