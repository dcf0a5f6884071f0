// Package gshmem implements the inter-guest signal channel: a guest writes
// the id of a peer guest and the peer receives an interrupt.
package gshmem

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/devemu/internal/devemu"
	"github.com/tinyrange/devemu/internal/hv"
)

const (
	// GSHMEM_PEER reads the last signalled peer and, when written, signals a
	// new one.
	GSHMEM_PEER = 0x00
)

const Compatible = "gshmem"

// Channel is one signal endpoint. The peer is kept as an id and resolved
// through the guest registry on every signal.
type Channel struct {
	mu   sync.Mutex
	peer hv.GuestID

	guests devemu.GuestLookup
	irq    uint32
	log    *slog.Logger
}

// New creates a channel signalling line irq of the target guest.
func New(guests devemu.GuestLookup, irq uint32, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{guests: guests, irq: irq, log: logger}
}

// Peer returns the last successfully signalled guest, 0 if none.
func (c *Channel) Peer() hv.GuestID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Signal raises the channel interrupt in guest id. Unknown guests are
// logged and otherwise ignored.
func (c *Channel) Signal(id hv.GuestID) {
	g, ok := c.guests.Guest(id)
	if !ok {
		c.log.Warn("gshmem: no such guest", "peer", id)
		return
	}

	c.mu.Lock()
	c.peer = id
	c.mu.Unlock()

	g.Line(c.irq).PulseInterrupt()
}

// ReadRegister implements devemu.RegisterFile.
func (c *Channel) ReadRegister(offset uint64) (uint32, error) {
	if offset != GSHMEM_PEER {
		return 0, fmt.Errorf("%w: gshmem: read at 0x%x", devemu.ErrInvalidAccess, offset)
	}
	return uint32(c.Peer()), nil
}

// WriteRegister implements devemu.RegisterFile. The written value is the
// peer id whichever byte lane it arrives on. Writes to offsets other than
// GSHMEM_PEER are ignored.
func (c *Channel) WriteRegister(offset uint64, mask, value uint32) error {
	if offset == GSHMEM_PEER {
		lanes := ^mask
		c.Signal(hv.GuestID((value & lanes) >> bits.TrailingZeros32(lanes)))
	}
	return nil
}

// Reset forgets the peer.
func (c *Channel) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = 0
	return nil
}

// Remove implements devemu.Device. The channel holds no external hooks.
func (c *Channel) Remove() error { return nil }

var _ devemu.Device = (*Channel)(nil)

var Emulator = &devemu.Emulator{
	Name: "gshmem",
	Match: []devemu.MatchEntry{
		{Type: "misc", Compatible: Compatible},
	},
	NeedsIRQ: true,
	Probe: func(ctx *devemu.ProbeContext) (devemu.Device, error) {
		if ctx.Host.Guests == nil {
			return nil, fmt.Errorf("gshmem: no guest registry")
		}
		return New(ctx.Host.Guests, ctx.IRQ, ctx.Logger), nil
	},
}
