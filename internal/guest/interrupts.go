package guest

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/devemu/internal/hv"
)

// Interrupts is the virtual interrupt controller state of one guest: it
// records line levels and assertion counts as delivered by the guest's
// LineSet. It never blocks and never calls back into devices.
type Interrupts struct {
	mu      sync.Mutex
	guest   hv.GuestID
	levels  map[uint32]bool
	asserts map[uint32]int
	log     *slog.Logger
}

// NewInterrupts returns an empty controller. A nil logger disables logging.
func NewInterrupts(id hv.GuestID, logger *slog.Logger) *Interrupts {
	return &Interrupts{
		guest:   id,
		levels:  make(map[uint32]bool),
		asserts: make(map[uint32]int),
		log:     logger,
	}
}

// SetIRQ implements chipset.InterruptSink.
func (c *Interrupts) SetIRQ(line uint32, level bool) {
	c.mu.Lock()
	c.levels[line] = level
	if level {
		c.asserts[line]++
	}
	c.mu.Unlock()

	if c.log != nil {
		c.log.Debug("vgic: set irq", "guest", c.guest, "line", line, "level", level)
	}
}

// Level returns the current level of line.
func (c *Interrupts) Level(line uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels[line]
}

// Asserts returns how many times line was raised.
func (c *Interrupts) Asserts(line uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asserts[line]
}
