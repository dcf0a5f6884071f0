package board

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/tinyrange/devemu/internal/chardev"
	"github.com/tinyrange/devemu/internal/devemu"
	"github.com/tinyrange/devemu/internal/fdt"
	"github.com/tinyrange/devemu/internal/guest"
	"github.com/tinyrange/devemu/internal/hostuart/imx"
	"github.com/tinyrange/devemu/internal/hv"
	"github.com/tinyrange/devemu/internal/input"
)

// ProbeError records a device that failed to probe.
type ProbeError struct {
	Guest  hv.GuestID
	Device string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Guest, e.Device, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Board is an assembled set of host devices, guests and device instances.
type Board struct {
	Guests   *guest.Manager
	Input    *input.Subsystem
	Chardevs *chardev.Registry
	Devices  *devemu.Manager

	// ProbeErrors lists the devices that did not come up. Other devices are
	// unaffected.
	ProbeErrors []*ProbeError

	ports      map[string]*imx.Port
	uarts      []string
	keypads    map[string]*input.Device
	interrupts map[hv.GuestID]*guest.Interrupts
	nodes      map[hv.GuestID][]*fdt.Node
	log        *slog.Logger
}

// hostConsole is a byte-stream host UART without an exposed register block.
type hostConsole struct {
	io.Writer
}

func (hostConsole) Read([]byte) (int, error) { return 0, io.EOF }

// Assemble builds the board described by cfg. Host UART output goes to out.
// Only structural errors fail assembly; device probe failures are collected
// in ProbeErrors.
func Assemble(cfg *Config, table *devemu.Table, out io.Writer, logger *slog.Logger) (*Board, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}

	b := &Board{
		Guests:     guest.NewManager(),
		Input:      input.NewSubsystem(),
		Chardevs:   chardev.NewRegistry(),
		ports:      make(map[string]*imx.Port),
		keypads:    make(map[string]*input.Device),
		interrupts: make(map[hv.GuestID]*guest.Interrupts),
		nodes:      make(map[hv.GuestID][]*fdt.Node),
		log:        logger,
	}
	b.Devices = devemu.NewManager(table, devemu.Host{
		Guests:   b.Guests,
		Input:    b.Input,
		Chardevs: b.Chardevs,
	}, logger)

	for _, u := range cfg.Host.UARTs {
		var dev *chardev.Device
		switch u.Driver {
		case DriverIMX:
			port := imx.NewPort(u.Base, out)
			if u.Enabled {
				port.Enable()
			}
			b.ports[u.Name] = port
			dev = port.Chardev(u.Name)
		case DriverPL011:
			dev = &chardev.Device{Name: u.Name, Kind: chardev.KindPL011UART, ReadWriter: hostConsole{out}}
		default:
			return nil, fmt.Errorf("board: uart %q: unknown driver %q", u.Name, u.Driver)
		}
		if err := b.Chardevs.Register(dev); err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		b.uarts = append(b.uarts, u.Name)
	}

	for _, k := range cfg.Host.Keypads {
		bus, err := busType(k.Bus)
		if err != nil {
			return nil, fmt.Errorf("board: keypad %q: %w", k.Name, err)
		}
		dev := input.NewDevice(k.Name, input.ID{BusType: bus}, input.EV_SYN, input.EV_KEY)
		if err := b.Input.RegisterDevice(dev); err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		b.keypads[k.Name] = dev
	}

	for _, gc := range cfg.Guests {
		id := hv.GuestID(gc.ID)
		name := gc.Name
		if name == "" {
			name = id.String()
		}
		irqs := guest.NewInterrupts(id, logger)
		g, err := guest.New(id, name, irqs, gc.RAM.Base, gc.RAM.Size)
		if err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		if err := b.Guests.Add(g); err != nil {
			return nil, fmt.Errorf("board: %w", err)
		}
		b.interrupts[id] = irqs
		if gc.DeviceTree != "" {
			nodes, err := loadDeviceTree(cfg.path(gc.DeviceTree))
			if err != nil {
				return nil, fmt.Errorf("board: %s: %w", id, err)
			}
			b.nodes[id] = nodes
		}
		for _, dc := range gc.Devices {
			b.nodes[id] = append(b.nodes[id], deviceNode(dc))
		}
	}

	// Probe after every guest exists so channels can resolve any peer.
	for _, g := range b.Guests.List() {
		for _, node := range b.nodes[g.ID()] {
			if _, err := b.Devices.Probe(g, node); err != nil {
				b.ProbeErrors = append(b.ProbeErrors, &ProbeError{Guest: g.ID(), Device: node.Name, Err: err})
			}
		}
	}
	return b, nil
}

func busType(name string) (uint16, error) {
	switch name {
	case "", "gpio":
		return input.BusGPIOKeypad, nil
	case "virtual":
		return input.BusVirtual, nil
	case "host":
		return input.BusHost, nil
	default:
		return 0, fmt.Errorf("unknown input bus %q", name)
	}
}

func deviceNode(dc DeviceConfig) *fdt.Node {
	props := map[string]fdt.Property{
		"compatible": {Strings: dc.Compatible},
	}
	if len(dc.Reg) > 0 {
		props["reg"] = fdt.Property{U64: dc.Reg}
	}
	if len(dc.Interrupts) > 0 {
		props["interrupts"] = fdt.Property{U32: dc.Interrupts}
	}
	for k, v := range dc.Properties {
		props[k] = fdt.Property{Strings: []string{v}}
	}
	return &fdt.Node{Name: dc.Name, Properties: props}
}

// loadDeviceTree returns the device nodes of a flattened device tree: the
// root's children that carry a compatible property.
func loadDeviceTree(path string) ([]*fdt.Node, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device tree: %w", err)
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var nodes []*fdt.Node
	for i := range root.Children {
		if n := &root.Children[i]; len(n.Compatible()) > 0 {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// Port returns the host i.MX UART port with the given name.
func (b *Board) Port(name string) (*imx.Port, bool) {
	p, ok := b.ports[name]
	return p, ok
}

// PortNames returns the host i.MX UART names, sorted.
func (b *Board) PortNames() []string {
	names := make([]string, 0, len(b.ports))
	for name := range b.ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keypad returns the host input device with the given name.
func (b *Board) Keypad(name string) (*input.Device, bool) {
	d, ok := b.keypads[name]
	return d, ok
}

// Interrupts returns the interrupt controller of guest id.
func (b *Board) Interrupts(id hv.GuestID) (*guest.Interrupts, bool) {
	c, ok := b.interrupts[id]
	return c, ok
}

// DeviceTree returns the device tree of guest id.
func (b *Board) DeviceTree(id hv.GuestID) (fdt.Node, error) {
	g, ok := b.Guests.Guest(id)
	if !ok {
		return fdt.Node{}, fmt.Errorf("board: %w: %s", hv.ErrGuestNotFound, id)
	}

	root := fdt.Node{
		Name: "",
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"model":          {Strings: []string{g.Name()}},
		},
	}
	root.Children = append(root.Children, fdt.Node{
		Name: fmt.Sprintf("memory@%x", g.AddressSpace().RAMBase()),
		Properties: map[string]fdt.Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         {U64: []uint64{g.AddressSpace().RAMBase(), g.AddressSpace().RAMSize()}},
		},
	})
	for _, n := range b.nodes[id] {
		root.Children = append(root.Children, *n)
	}
	return root, nil
}

// Reset resets every device instance.
func (b *Board) Reset() error {
	return b.Devices.ResetAll()
}

// Close removes every device instance and unregisters the host devices.
func (b *Board) Close() error {
	err := b.Devices.RemoveAll()
	for name := range b.keypads {
		b.Input.UnregisterDevice(name)
	}
	for _, name := range b.uarts {
		b.Chardevs.Unregister(name)
	}
	return err
}

// ProbeError returns the probe failures joined into one error, nil if every
// device came up.
func (b *Board) ProbeError() error {
	errs := make([]error, len(b.ProbeErrors))
	for i, e := range b.ProbeErrors {
		errs[i] = e
	}
	return errors.Join(errs...)
}
