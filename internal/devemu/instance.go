package devemu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/devemu/internal/chipset"
	"github.com/tinyrange/devemu/internal/guest"
	"github.com/tinyrange/devemu/internal/hv"
)

// Instance is a probed device bound to one guest node. Its identity fields
// are fixed at probe; register state lives in the device model.
type Instance struct {
	name   string
	emu    *Emulator
	match  *MatchEntry
	guest  *guest.Guest
	region hv.MMIORegion
	irq    uint32
	hasIRQ bool

	dev     Device
	metrics *Metrics
	log     *slog.Logger
}

func (i *Instance) Name() string          { return i.name }
func (i *Instance) Emulator() string      { return i.emu.Name }
func (i *Instance) Compatible() string    { return i.match.Compatible }
func (i *Instance) Guest() *guest.Guest   { return i.guest }
func (i *Instance) Region() hv.MMIORegion { return i.region }
func (i *Instance) Device() Device        { return i.dev }
func (i *Instance) IRQ() (uint32, bool)   { return i.irq, i.hasIRQ }
func (i *Instance) key() instanceKey      { return instanceKey{i.guest.ID(), i.name} }
func (i *Instance) String() string        { return fmt.Sprintf("%s/%s", i.guest.Name(), i.name) }

func (i *Instance) read(offset uint64, w Width) (uint32, error) {
	i.metrics.reads.Add(1)
	v, err := ReadWidth(i.dev, offset, w)
	if errors.Is(err, ErrInvalidAccess) {
		i.metrics.invalidAccesses.Add(1)
	}
	return v, err
}

func (i *Instance) write(offset uint64, w Width, value uint32) error {
	i.metrics.writes.Add(1)
	err := WriteWidth(i.dev, offset, w, value)
	if errors.Is(err, ErrInvalidAccess) {
		i.metrics.invalidAccesses.Add(1)
	}
	return err
}

func (i *Instance) Read8(offset uint64) (uint8, error) {
	v, err := i.read(offset, Width8)
	return uint8(v), err
}

func (i *Instance) Read16(offset uint64) (uint16, error) {
	v, err := i.read(offset, Width16)
	return uint16(v), err
}

func (i *Instance) Read32(offset uint64) (uint32, error) {
	return i.read(offset, Width32)
}

func (i *Instance) Write8(offset uint64, value uint8) error {
	return i.write(offset, Width8, uint32(value))
}

func (i *Instance) Write16(offset uint64, value uint16) error {
	return i.write(offset, Width16, uint32(value))
}

func (i *Instance) Write32(offset uint64, value uint32) error {
	return i.write(offset, Width32, value)
}

// ReadMMIO implements chipset.MmioHandler. Accesses the device does not
// decode read as zero.
func (i *Instance) ReadMMIO(addr uint64, data []byte) error {
	if !i.region.Contains(addr, len(data)) {
		return fmt.Errorf("%s: address 0x%x out of bounds", i.emu.Name, addr)
	}
	v, err := i.read(addr-i.region.Address, Width(len(data)))
	if err != nil {
		if !errors.Is(err, ErrInvalidAccess) {
			return fmt.Errorf("%s: read 0x%x: %w", i.emu.Name, addr, err)
		}
		i.log.Debug("devemu: invalid read", "addr", fmt.Sprintf("0x%x", addr), "size", len(data), "err", err)
		v = 0
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:])
	return nil
}

// WriteMMIO implements chipset.MmioHandler. Accesses the device does not
// decode are dropped.
func (i *Instance) WriteMMIO(addr uint64, data []byte) error {
	if !i.region.Contains(addr, len(data)) {
		return fmt.Errorf("%s: address 0x%x out of bounds", i.emu.Name, addr)
	}
	var buf [4]byte
	copy(buf[:], data)
	err := i.write(addr-i.region.Address, Width(len(data)), binary.LittleEndian.Uint32(buf[:]))
	if err != nil {
		if !errors.Is(err, ErrInvalidAccess) {
			return fmt.Errorf("%s: write 0x%x: %w", i.emu.Name, addr, err)
		}
		i.log.Debug("devemu: invalid write", "addr", fmt.Sprintf("0x%x", addr), "size", len(data), "err", err)
	}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (i *Instance) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{i.region},
		Handler: i,
	}
}

// Reset implements chipset.ChangeDeviceState.
func (i *Instance) Reset() error {
	i.metrics.resets.Add(1)
	if err := i.dev.Reset(); err != nil {
		return fmt.Errorf("%s: reset: %w", i.emu.Name, err)
	}
	return nil
}

var (
	_ chipset.ChipsetDevice = (*Instance)(nil)
	_ chipset.MmioHandler   = (*Instance)(nil)
)
