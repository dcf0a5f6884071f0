// Package guest holds live guest instances and the registry that resolves
// them by numeric id.
package guest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/devemu/internal/chipset"
	"github.com/tinyrange/devemu/internal/hv"
)

// Guest is one virtual machine as seen by the device-emulation layer.
type Guest struct {
	id   hv.GuestID
	name string

	lines   *chipset.LineSet
	chipset *chipset.Chipset
	space   *hv.AddressSpace
}

// New creates a guest whose interrupt lines are forwarded to sink and whose
// RAM occupies [ramBase, ramBase+ramSize).
func New(id hv.GuestID, name string, sink chipset.InterruptSink, ramBase, ramSize uint64) (*Guest, error) {
	cs, err := chipset.NewBuilder().Build()
	if err != nil {
		return nil, fmt.Errorf("guest %q: build chipset: %w", name, err)
	}
	return &Guest{
		id:      id,
		name:    name,
		lines:   chipset.NewLineSet(sink),
		chipset: cs,
		space:   hv.NewAddressSpace(ramBase, ramSize),
	}, nil
}

func (g *Guest) ID() hv.GuestID { return g.id }
func (g *Guest) Name() string   { return g.name }

// Line returns the virtual interrupt line irq of this guest.
func (g *Guest) Line(irq uint32) chipset.LineInterrupt {
	return g.lines.AllocateLine(irq)
}

// Lines returns the guest's interrupt line set.
func (g *Guest) Lines() *chipset.LineSet { return g.lines }

// Chipset returns the guest's MMIO dispatch table.
func (g *Guest) Chipset() *chipset.Chipset { return g.chipset }

// AddressSpace returns the guest physical layout.
func (g *Guest) AddressSpace() *hv.AddressSpace { return g.space }

func (g *Guest) String() string {
	return fmt.Sprintf("%s(%s)", g.name, g.id)
}

// Manager is the registry of live guests.
type Manager struct {
	mu     sync.RWMutex
	guests map[hv.GuestID]*Guest
}

func NewManager() *Manager {
	return &Manager{guests: make(map[hv.GuestID]*Guest)}
}

// Add registers a guest.
func (m *Manager) Add(g *Guest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guests[g.id]; ok {
		return fmt.Errorf("%w: %s", hv.ErrGuestExists, g.id)
	}
	m.guests[g.id] = g
	return nil
}

// Remove drops a guest from the registry. Later lookups of id fail.
func (m *Manager) Remove(id hv.GuestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guests, id)
}

// Guest looks up a live guest by id.
func (m *Manager) Guest(id hv.GuestID) (*Guest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guests[id]
	return g, ok
}

// List returns all live guests ordered by id.
func (m *Manager) List() []*Guest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Guest, 0, len(m.guests))
	for _, g := range m.guests {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
