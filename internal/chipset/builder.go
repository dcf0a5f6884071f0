package chipset

import (
	"fmt"

	"github.com/tinyrange/devemu/internal/hv"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

type mmioBinding struct {
	device  string
	region  hv.MMIORegion
	handler MmioHandler
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	bindings, err := bindDevice(name, dev, b.devices, b.mmio)
	if err != nil {
		return err
	}
	b.mmio = append(b.mmio, bindings...)
	b.devices[name] = dev
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	return &Chipset{
		devices: devices,
		mmio:    mmio,
	}, nil
}

// bindDevice validates dev against the already registered devices and
// returns the MMIO bindings it contributes.
func bindDevice(name string, dev ChipsetDevice, devices map[string]ChipsetDevice, existing []mmioBinding) ([]mmioBinding, error) {
	if name == "" {
		return nil, fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return nil, fmt.Errorf("device %q is nil", name)
	}
	if _, exists := devices[name]; exists {
		return nil, fmt.Errorf("device %q already registered", name)
	}

	intercept := dev.SupportsMmio()
	if intercept == nil {
		return nil, nil
	}
	if intercept.Handler == nil {
		return nil, fmt.Errorf("device %q provided MMIO regions with nil handler", name)
	}

	var out []mmioBinding
	for _, region := range intercept.Regions {
		if region.Size == 0 {
			return nil, fmt.Errorf("device %q: MMIO region at 0x%x has zero size", name, region.Address)
		}
		if region.End() < region.Address {
			return nil, fmt.Errorf("device %q: MMIO region at 0x%x with size 0x%x overflows", name, region.Address, region.Size)
		}
		for _, set := range [][]mmioBinding{existing, out} {
			for _, other := range set {
				if region.Overlaps(other.region) {
					return nil, fmt.Errorf(
						"device %q: MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
						name, region.Address, region.End()-1, other.region.Address, other.region.End()-1)
				}
			}
		}
		out = append(out, mmioBinding{device: name, region: region, handler: intercept.Handler})
	}
	return out, nil
}
