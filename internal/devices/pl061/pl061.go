// Package pl061 implements an ARM PrimeCell PL061 style GPIO controller whose
// pin 0 is driven by host GPIO keypad events.
package pl061

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/devemu/internal/chipset"
	"github.com/tinyrange/devemu/internal/devemu"
	"github.com/tinyrange/devemu/internal/input"
)

// PL061 register offsets
const (
	PL061_DATA  = 0x000 // Data window, 0x000-0x3fc; address bits [9:2] mask the pins
	PL061_DIR   = 0x400 // Direction
	PL061_IS    = 0x404 // Interrupt sense
	PL061_IBE   = 0x408 // Interrupt both edges
	PL061_IEV   = 0x40c // Interrupt event
	PL061_IE    = 0x410 // Interrupt mask
	PL061_RIS   = 0x414 // Raw interrupt status (RO)
	PL061_MIS   = 0x418 // Masked interrupt status (RO)
	PL061_ICR   = 0x41c // Interrupt clear (WO)
	PL061_AFSEL = 0x420 // Alternate function select
	PL061_DR2R  = 0x500 // 2mA drive select
	PL061_DR4R  = 0x504 // 4mA drive select
	PL061_DR8R  = 0x508 // 8mA drive select
	PL061_ODR   = 0x50c // Open drain select
	PL061_PUR   = 0x510 // Pull-up select
	PL061_PDR   = 0x514 // Pull-down select
	PL061_SLR   = 0x518 // Slew rate control
	PL061_DEN   = 0x51c // Digital enable
	PL061_LOCK  = 0x520 // Lock
	PL061_CR    = 0x524 // Commit
	PL061_AMSEL = 0x528 // Analog mode select

	// Identification window. The word at PL061_ID+4*i is the 4-byte chunk of
	// the identifier block starting at byte i, zero-padded past its end.
	PL061_ID     = 0xfd0
	PL061_ID_END = 0x1000

	dataWindowEnd = 0x400
)

const (
	// LockKey unlocks the commit register when written to PL061_LOCK.
	LockKey = 0x1acce551

	pinMask = 0xff
)

const (
	Compatible = "primecell,pl061-dummy"
	IDSize     = 12
)

// DefaultID is the identifier block of a PL061 r1p0: four reserved bytes
// followed by the peripheral id and the PrimeCell id.
var DefaultID = [IDSize]byte{0x00, 0x00, 0x00, 0x00, 0x61, 0x10, 0x04, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// GPIO is one PL061 instance. All register state is guarded by mu; the
// interrupt line is driven while mu is held.
type GPIO struct {
	mu sync.Mutex

	id [IDSize]byte

	data   uint32
	dir    uint32
	is     uint32
	ibe    uint32
	iev    uint32
	im     uint32
	istate uint32
	afsel  uint32
	dr2r   uint32
	dr4r   uint32
	dr8r   uint32
	odr    uint32
	pur    uint32
	pdr    uint32
	slr    uint32
	den    uint32
	locked bool
	cr     uint32
	amsel  uint32

	irqLine chipset.LineInterrupt
	log     *slog.Logger
}

// New creates a GPIO controller with power-on register defaults.
func New(id [IDSize]byte, irqLine chipset.LineInterrupt, logger *slog.Logger) *GPIO {
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &GPIO{id: id, irqLine: irqLine, log: logger}
	g.resetLocked()
	return g
}

func (g *GPIO) resetLocked() {
	g.data, g.dir = 0, 0
	g.is, g.ibe, g.iev, g.im, g.istate = 0, 0, 0, 0, 0
	g.afsel = 0
	g.dr2r, g.dr4r, g.dr8r = 0, 0, 0
	g.odr, g.pur, g.pdr, g.slr, g.den = 0, 0, 0, 0, 0
	g.locked = true
	g.cr = pinMask
	g.amsel = 0
}

// DirectOffset implements devemu.DirectAccess: the data window is addressed
// per byte because the address itself carries the pin mask.
func (g *GPIO) DirectOffset(offset uint64) bool {
	return offset < dataWindowEnd
}

// ReadRegister implements devemu.RegisterFile.
func (g *GPIO) ReadRegister(offset uint64) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case offset >= PL061_ID && offset < PL061_ID_END:
		var chunk [4]byte
		if idx := (offset - PL061_ID) >> 2; idx < IDSize {
			copy(chunk[:], g.id[idx:])
		}
		return binary.LittleEndian.Uint32(chunk[:]), nil
	case offset < dataWindowEnd:
		return g.data & uint32(offset>>2), nil
	}

	switch offset {
	case PL061_DIR:
		return g.dir, nil
	case PL061_IS:
		return g.is, nil
	case PL061_IBE:
		return g.ibe, nil
	case PL061_IEV:
		return g.iev, nil
	case PL061_IE:
		return g.im, nil
	case PL061_RIS:
		return g.istate, nil
	case PL061_MIS:
		return g.istate & g.im, nil
	case PL061_AFSEL:
		return g.afsel, nil
	case PL061_DR2R:
		return g.dr2r, nil
	case PL061_DR4R:
		return g.dr4r, nil
	case PL061_DR8R:
		return g.dr8r, nil
	case PL061_ODR:
		return g.odr, nil
	case PL061_PUR:
		return g.pur, nil
	case PL061_PDR:
		return g.pdr, nil
	case PL061_SLR:
		return g.slr, nil
	case PL061_DEN:
		return g.den, nil
	case PL061_LOCK:
		if g.locked {
			return 1, nil
		}
		return 0, nil
	case PL061_CR:
		return g.cr, nil
	case PL061_AMSEL:
		return g.amsel, nil
	default:
		return 0, fmt.Errorf("%w: pl061: read at 0x%x", devemu.ErrInvalidAccess, offset)
	}
}

// WriteRegister implements devemu.RegisterFile. Writes to read-only or
// undecoded offsets are ignored.
func (g *GPIO) WriteRegister(offset uint64, mask, value uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if offset < dataWindowEnd {
		m := uint32(offset>>2) & g.dir
		g.data = (g.data &^ m) | (value & m)
		return nil
	}

	switch offset {
	case PL061_DIR:
		g.dir = devemu.Merge(g.dir, mask, value) & pinMask
	case PL061_IS:
		g.is = devemu.Merge(g.is, mask, value) & pinMask
	case PL061_IBE:
		g.ibe = devemu.Merge(g.ibe, mask, value) & pinMask
	case PL061_IEV:
		g.iev = devemu.Merge(g.iev, mask, value) & pinMask
	case PL061_IE:
		old := g.im
		g.im = devemu.Merge(g.im, mask, value) & pinMask
		switch {
		case old != 0 && g.im == 0:
			g.log.Info("pl061: interrupt masked")
		case old == 0 && g.im != 0:
			g.log.Info("pl061: interrupt unmasked", "mask", fmt.Sprintf("0x%02x", g.im))
		}
	case PL061_ICR:
		g.istate &^= value &^ mask
		if g.im != 0 {
			g.log.Debug("pl061: interrupt ack", "status", fmt.Sprintf("0x%02x", g.istate))
		}
		g.irqLine.SetLevel(false)
	case PL061_AFSEL:
		g.afsel = devemu.Merge(g.afsel, mask, value) & pinMask
	case PL061_DR2R:
		g.dr2r = devemu.Merge(g.dr2r, mask, value) & pinMask
	case PL061_DR4R:
		g.dr4r = devemu.Merge(g.dr4r, mask, value) & pinMask
	case PL061_DR8R:
		g.dr8r = devemu.Merge(g.dr8r, mask, value) & pinMask
	case PL061_ODR:
		g.odr = devemu.Merge(g.odr, mask, value) & pinMask
	case PL061_PUR:
		g.pur = devemu.Merge(g.pur, mask, value) & pinMask
	case PL061_PDR:
		g.pdr = devemu.Merge(g.pdr, mask, value) & pinMask
	case PL061_SLR:
		g.slr = devemu.Merge(g.slr, mask, value) & pinMask
	case PL061_DEN:
		g.den = devemu.Merge(g.den, mask, value) & pinMask
	case PL061_LOCK:
		// Only a full-width write of the key unlocks.
		g.locked = value&^mask != LockKey || mask != 0
	case PL061_CR:
		if !g.locked {
			g.cr = devemu.Merge(g.cr, mask, value) & pinMask
		}
	case PL061_AMSEL:
		g.amsel = devemu.Merge(g.amsel, mask, value) & pinMask
	}
	return nil
}

// SetInput drives pin 0 from outside the guest and latches the raw
// interrupt status. The interrupt is asserted only while any pin is unmasked.
func (g *GPIO) SetInput(high bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if high {
		g.data |= 1
	} else {
		g.data &^= 1
	}
	g.istate |= 1
	if g.im != 0 {
		g.irqLine.SetLevel(true)
	}
}

// Reset restores power-on defaults and deasserts the interrupt. The
// identifier block is kept.
func (g *GPIO) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	g.irqLine.SetLevel(false)
	return nil
}

// Data returns the data register.
func (g *GPIO) Data() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.data
}

var (
	_ devemu.RegisterFile = (*GPIO)(nil)
	_ devemu.DirectAccess = (*GPIO)(nil)
)

// Emulator binds PL061 nodes. Match data may carry an identifier block of
// type [IDSize]byte.
var Emulator = &devemu.Emulator{
	Name: "pl061",
	Match: []devemu.MatchEntry{
		{Type: "gpio", Compatible: Compatible, Data: DefaultID},
	},
	NeedsIRQ: true,
	Probe:    probe,
}

// device is a GPIO bound to the host input subsystem.
type device struct {
	*GPIO

	input   *input.Subsystem
	handler *input.Handler
}

func probe(ctx *devemu.ProbeContext) (devemu.Device, error) {
	if ctx.Host.Input == nil {
		return nil, fmt.Errorf("pl061: %w: input subsystem", devemu.ErrHostDeviceNotFound)
	}

	id := DefaultID
	if ctx.Match != nil {
		if data, ok := ctx.Match.Data.([IDSize]byte); ok {
			id = data
		}
	}

	d := &device{
		GPIO:  New(id, ctx.Guest.Line(ctx.IRQ), ctx.Logger),
		input: ctx.Host.Input,
	}
	d.handler = input.NewHandler(
		fmt.Sprintf("pl061:%s/%s", ctx.Guest.Name(), ctx.Node.Name),
		d.event,
		input.EV_KEY,
	)

	if err := d.input.RegisterHandler(d.handler); err != nil {
		return nil, fmt.Errorf("pl061: register input handler: %w", err)
	}
	if err := d.input.ConnectHandler(d.handler); err != nil {
		d.input.UnregisterHandler(d.handler)
		return nil, fmt.Errorf("pl061: connect input handler: %w", err)
	}
	return d, nil
}

func (d *device) event(dev *input.Device, typ, code uint16, value int32) {
	if typ != input.EV_KEY || dev.ID.BusType != input.BusGPIOKeypad {
		return
	}
	d.log.Debug("pl061: input event", "source", dev.Name, "code", code, "value", value)
	d.SetInput(value != 0)
}

// Remove disconnects from the input subsystem and drops the interrupt.
func (d *device) Remove() error {
	d.input.UnregisterHandler(d.handler)
	d.irqLine.SetLevel(false)
	return nil
}
