// Package devemu is the guest-facing device-emulation core: the contract every
// device model implements, the compatible-string dispatch table, the access
// width normalizer and the probe/reset/remove lifecycle.
package devemu

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/devemu/internal/chardev"
	"github.com/tinyrange/devemu/internal/fdt"
	"github.com/tinyrange/devemu/internal/guest"
	"github.com/tinyrange/devemu/internal/hv"
	"github.com/tinyrange/devemu/internal/input"
)

// RegisterFile is the canonical 32-bit register interface of a device model.
//
// ReadRegister returns the 32-bit register at offset. WriteRegister performs
// reg = (reg & mask) | (value & ^mask); mask has a set bit for every bit the
// access must preserve. Offsets are word aligned unless the device claims the
// offset through DirectAccess.
type RegisterFile interface {
	ReadRegister(offset uint64) (uint32, error)
	WriteRegister(offset uint64, mask, value uint32) error
}

// DirectAccess is implemented by devices with byte-addressed windows. Offsets
// for which DirectOffset returns true are passed through unaligned and
// without lane shifting.
type DirectAccess interface {
	DirectOffset(offset uint64) bool
}

// Device is a live device model instance.
type Device interface {
	RegisterFile

	// Reset restores power-on register defaults without touching bindings.
	Reset() error

	// Remove releases every external hook taken at probe. The device is not
	// used afterwards.
	Remove() error
}

// GuestLookup resolves live guests by id.
type GuestLookup interface {
	Guest(id hv.GuestID) (*guest.Guest, bool)
}

// Host bundles the host-side services device models may bind to.
type Host struct {
	Guests   GuestLookup
	Input    *input.Subsystem
	Chardevs *chardev.Registry
}

// ProbeContext carries everything a model needs to bind to a node.
type ProbeContext struct {
	Guest *guest.Guest
	Node  *fdt.Node
	Match *MatchEntry

	// IRQ is the first interrupt cell of the node. Only set when the
	// emulator declares NeedsIRQ.
	IRQ uint32

	Host   Host
	Logger *slog.Logger
}

// MatchEntry binds one compatible string to an emulator.
type MatchEntry struct {
	Type       string
	Compatible string

	// Data is model specific match data, for example an identifier block.
	Data any
}

// Emulator is the function set governing one device model.
type Emulator struct {
	Name  string
	Match []MatchEntry

	// NeedsIRQ makes probe fail with ErrMissingProperty when the node has no
	// interrupts property.
	NeedsIRQ bool

	Probe func(ctx *ProbeContext) (Device, error)
}

type tableEntry struct {
	emu   *Emulator
	match *MatchEntry
}

// Table maps compatible strings to emulators. It is built once and read-only
// afterwards.
type Table struct {
	entries   map[string]tableEntry
	emulators []*Emulator
}

// NewTable builds a table from emulators. Duplicate compatible strings are
// rejected.
func NewTable(emus ...*Emulator) (*Table, error) {
	t := &Table{entries: make(map[string]tableEntry)}
	for _, emu := range emus {
		if emu == nil || emu.Probe == nil {
			return nil, fmt.Errorf("devemu: emulator without probe")
		}
		for i := range emu.Match {
			m := &emu.Match[i]
			if prev, ok := t.entries[m.Compatible]; ok {
				return nil, fmt.Errorf("devemu: compatible %q claimed by %s and %s",
					m.Compatible, prev.emu.Name, emu.Name)
			}
			t.entries[m.Compatible] = tableEntry{emu: emu, match: m}
		}
		t.emulators = append(t.emulators, emu)
	}
	return t, nil
}

// Lookup returns the emulator for the first of compatible that is known.
func (t *Table) Lookup(compatible ...string) (*Emulator, *MatchEntry, error) {
	for _, c := range compatible {
		if e, ok := t.entries[c]; ok {
			return e.emu, e.match, nil
		}
	}
	return nil, nil, fmt.Errorf("%w %q", ErrNoEmulator, compatible)
}

// Emulators returns the emulators in registration order.
func (t *Table) Emulators() []*Emulator {
	out := make([]*Emulator, len(t.emulators))
	copy(out, t.emulators)
	return out
}
