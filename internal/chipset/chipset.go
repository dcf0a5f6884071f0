package chipset

import (
	"fmt"
	"sort"
	"sync"
)

// Chipset represents the dispatch tables for the devices of one guest.
//
// Devices may be added and removed after Build; an access that races with
// UnregisterDevice either reaches the device before it is unmapped or misses it.
type Chipset struct {
	mu      sync.RWMutex
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
}

// RegisterDevice maps a device into a built chipset.
func (c *Chipset) RegisterDevice(name string, dev ChipsetDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bindings, err := bindDevice(name, dev, c.devices, c.mmio)
	if err != nil {
		return fmt.Errorf("chipset: %w", err)
	}
	c.mmio = append(c.mmio, bindings...)
	c.devices[name] = dev
	return nil
}

// UnregisterDevice unmaps a device. Once it returns no new access reaches the device.
func (c *Chipset) UnregisterDevice(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[name]; !ok {
		return fmt.Errorf("chipset: device %q not registered", name)
	}
	delete(c.devices, name)

	kept := c.mmio[:0]
	for _, b := range c.mmio {
		if b.device != name {
			kept = append(kept, b)
		}
	}
	c.mmio = kept
	return nil
}

// Device returns the named device.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[name]
	return dev, ok
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, binding := range c.mmio {
		if binding.region.Contains(addr, len(data)) {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// DeviceNames returns the registered device names in sorted order.
func (c *Chipset) DeviceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceNames()
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
