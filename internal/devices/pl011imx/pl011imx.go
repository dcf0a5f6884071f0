// Package pl011imx exposes a PL011 data/flag register pair to a guest and
// forwards it to a host i.MX UART port.
package pl011imx

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/devemu/internal/chardev"
	"github.com/tinyrange/devemu/internal/devemu"
	"github.com/tinyrange/devemu/internal/hostuart/imx"
)

const (
	pl011RegDR = 0x00
	pl011RegFR = 0x18

	pl011FlagRxEmpty = 1 << 4
	pl011FlagTxFull  = 1 << 5
)

const (
	Compatible = "pl011_imx"

	// HostUARTProperty names the host character device to bind.
	HostUARTProperty = "host_uart"
)

// Registers is the register interface of a host i.MX UART port.
type Registers interface {
	Base() uint64
	ReadReg(off uint32) uint32
	WriteReg(off uint32, value uint32)
	UpdateReg(off, clearBits, setBits uint32) uint32
}

// Bridge proxies the guest's PL011 accesses to a host port. The port is
// looked up by name on every access; the host driver serializes register
// access itself.
type Bridge struct {
	chardevs *chardev.Registry
	name     string
	log      *slog.Logger
}

// Bind resolves the named host UART, checks it is a configured and enabled
// i.MX port, and masks its receive-ready interrupt.
func Bind(chardevs *chardev.Registry, name string, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{chardevs: chardevs, name: name, log: logger}

	port, err := b.port()
	if err != nil {
		return nil, err
	}
	if port.Base() == 0 {
		return nil, fmt.Errorf("pl011_imx: %w: %q has no register base", devemu.ErrHostNotConfigured, name)
	}
	if port.ReadReg(imx.UCR1)&imx.UCR1_UARTEN == 0 {
		return nil, fmt.Errorf("pl011_imx: %w: %q", devemu.ErrHostNotEnabled, name)
	}
	port.UpdateReg(imx.UCR1, imx.UCR1_RRDYEN, 0)

	b.log.Info("pl011_imx: bound host uart", "host", name, "base", fmt.Sprintf("0x%x", port.Base()))
	return b, nil
}

func (b *Bridge) port() (Registers, error) {
	if b.chardevs == nil {
		return nil, fmt.Errorf("pl011_imx: %w: no character device registry", devemu.ErrHostDeviceNotFound)
	}
	dev, ok := b.chardevs.Find(b.name)
	if !ok {
		return nil, fmt.Errorf("pl011_imx: %w: %q", devemu.ErrHostDeviceNotFound, b.name)
	}
	if dev.Kind != chardev.KindIMXUART {
		return nil, fmt.Errorf("pl011_imx: %w: %q is %s", devemu.ErrWrongDriverKind, b.name, dev.Kind)
	}
	port, ok := dev.Priv.(Registers)
	if !ok {
		return nil, fmt.Errorf("pl011_imx: %w: %q has no register block", devemu.ErrWrongDriverKind, b.name)
	}
	return port, nil
}

// ReadRegister implements devemu.RegisterFile.
func (b *Bridge) ReadRegister(offset uint64) (uint32, error) {
	port, err := b.port()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", devemu.ErrInvalidAccess, err)
	}

	switch offset {
	case pl011RegDR:
		return port.ReadReg(imx.URXD0) & 0xff, nil
	case pl011RegFR:
		uts := port.ReadReg(imx.UTS)
		var fr uint32
		if uts&imx.UTS_RXEMPTY != 0 {
			fr |= pl011FlagRxEmpty
		}
		if uts&imx.UTS_TXFULL != 0 {
			fr |= pl011FlagTxFull
		}
		return fr, nil
	default:
		return 0, nil
	}
}

// WriteRegister implements devemu.RegisterFile. Only the data register is
// decoded.
func (b *Bridge) WriteRegister(offset uint64, mask, value uint32) error {
	if offset != pl011RegDR {
		return nil
	}
	port, err := b.port()
	if err != nil {
		return fmt.Errorf("%w: %w", devemu.ErrInvalidAccess, err)
	}
	port.WriteReg(imx.URTX0, (value&^mask)&0xff)
	return nil
}

// Reset implements devemu.Device. The bridge has no register state.
func (b *Bridge) Reset() error { return nil }

// Remove hands receive-ready interrupts back to the host driver.
func (b *Bridge) Remove() error {
	port, err := b.port()
	if err != nil {
		// The host device went away first; nothing to restore.
		b.log.Debug("pl011_imx: host uart gone at remove", "err", err)
		return nil
	}
	port.UpdateReg(imx.UCR1, 0, imx.UCR1_RRDYEN)
	return nil
}

var _ devemu.Device = (*Bridge)(nil)

var Emulator = &devemu.Emulator{
	Name: "pl011_imx",
	Match: []devemu.MatchEntry{
		{Type: "serial", Compatible: Compatible},
	},
	Probe: func(ctx *devemu.ProbeContext) (devemu.Device, error) {
		name, err := ctx.Node.String(HostUARTProperty)
		if err != nil {
			return nil, fmt.Errorf("pl011_imx: %w: %w", devemu.ErrMissingProperty, err)
		}
		return Bind(ctx.Host.Chardevs, name, ctx.Logger)
	},
}
