package hv

import (
	"fmt"
	"sync"
)

// AddressSpace tracks the guest physical layout of a single guest: the RAM
// window and the device regions carved out around it.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// fixedRegions holds device regions declared by the device tree.
	fixedRegions []MMIOAllocation
}

// MMIOAllocation is a named device region.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// Region returns the allocation as an MMIORegion.
func (a MMIOAllocation) Region() MMIORegion {
	return MMIORegion{Address: a.Base, Size: a.Size}
}

// NewAddressSpace creates a guest physical layout with RAM at
// [ramBase, ramBase+ramSize).
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase: ramBase,
		ramSize: ramSize,
	}
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps with RAM or another device region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	if regionEnd < base {
		return fmt.Errorf("address_space: fixed region %s at 0x%x with size 0x%x overflows", name, base, size)
	}

	ramEnd := a.ramBase + a.ramSize
	if a.ramSize != 0 && base < ramEnd && regionEnd > a.ramBase {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}

	region := MMIORegion{Address: base, Size: size}
	for _, existing := range a.fixedRegions {
		if region.Overlaps(existing.Region()) {
			return fmt.Errorf("address_space: fixed region %s %s overlaps %s %s",
				name, region, existing.Name, existing.Region())
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// ReleaseFixed drops a region registered with RegisterFixed.
func (a *AddressSpace) ReleaseFixed(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.fixedRegions {
		if r.Name == name {
			a.fixedRegions = append(a.fixedRegions[:i], a.fixedRegions[i+1:]...)
			return
		}
	}
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}
