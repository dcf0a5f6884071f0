package hv

import (
	"errors"
	"fmt"
)

var (
	ErrGuestNotFound = errors.New("guest not found")
	ErrGuestExists   = errors.New("guest already exists")
)

// GuestID is the numeric identity the hypervisor assigns to a guest.
type GuestID uint32

func (id GuestID) String() string { return fmt.Sprintf("guest#%d", uint32(id)) }

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// End returns the first address after the region.
func (r MMIORegion) End() uint64 { return r.Address + r.Size }

// Contains reports whether an access of size bytes at addr falls entirely
// inside the region.
func (r MMIORegion) Contains(addr uint64, size int) bool {
	end := addr + uint64(size)
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.End()
}

// Overlaps reports whether the two regions share at least one byte.
func (r MMIORegion) Overlaps(other MMIORegion) bool {
	return r.Address < other.End() && other.Address < r.End()
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Address, r.End())
}
