package devemu

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/devemu/internal/fdt"
	"github.com/tinyrange/devemu/internal/guest"
	"github.com/tinyrange/devemu/internal/hv"
)

type instanceKey struct {
	guest hv.GuestID
	name  string
}

// Manager binds device-tree nodes to device models and owns the resulting
// instances.
//
// Manager does not serialize Reset or Remove against in-flight accesses of
// the same instance beyond what the guest chipset provides: Remove unmaps the
// instance before releasing it, but the caller must not reset an instance a
// vCPU is accessing.
type Manager struct {
	table   *Table
	host    Host
	log     *slog.Logger
	metrics Metrics

	mu        sync.Mutex
	instances map[instanceKey]*Instance
}

// NewManager creates a manager dispatching through table. A nil logger uses
// slog.Default.
func NewManager(table *Table, host Host, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		table:     table,
		host:      host,
		log:       logger,
		instances: make(map[instanceKey]*Instance),
	}
}

// Probe creates the instance for node in guest g. On failure everything
// acquired so far is released in reverse order and no instance is visible.
func (m *Manager) Probe(g *guest.Guest, node *fdt.Node) (*Instance, error) {
	inst, err := m.probe(g, node)
	if err != nil {
		m.metrics.probeFailures.Add(1)
		m.log.Warn("devemu: probe failed", "guest", g.Name(), "node", node.Name, "err", err)
		return nil, err
	}
	m.metrics.probes.Add(1)
	return inst, nil
}

func (m *Manager) probe(g *guest.Guest, node *fdt.Node) (*Instance, error) {
	emu, match, err := m.table.Lookup(node.Compatible()...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", node.Name, err)
	}

	key := instanceKey{g.ID(), node.Name}
	m.mu.Lock()
	_, exists := m.instances[key]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%s: node %q already probed in %s", emu.Name, node.Name, g)
	}

	base, size, err := node.Reg()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", emu.Name, ErrMissingProperty, err)
	}

	inst := &Instance{
		name:    node.Name,
		emu:     emu,
		match:   match,
		guest:   g,
		region:  hv.MMIORegion{Address: base, Size: size},
		metrics: &m.metrics,
		log:     m.log.With("guest", g.Name(), "device", node.Name),
	}

	if emu.NeedsIRQ {
		irq, err := node.IRQ(0)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", emu.Name, ErrMissingProperty, err)
		}
		inst.irq = irq
		inst.hasIRQ = true
	}

	if err := g.AddressSpace().RegisterFixed(node.Name, base, size); err != nil {
		return nil, fmt.Errorf("%s: %w", emu.Name, err)
	}

	dev, err := emu.Probe(&ProbeContext{
		Guest:  g,
		Node:   node,
		Match:  match,
		IRQ:    inst.irq,
		Host:   m.host,
		Logger: inst.log,
	})
	if err != nil {
		g.AddressSpace().ReleaseFixed(node.Name)
		return nil, fmt.Errorf("%s: %w", emu.Name, err)
	}
	inst.dev = dev

	m.mu.Lock()
	if _, exists := m.instances[key]; exists {
		m.mu.Unlock()
		m.unwind(inst)
		return nil, fmt.Errorf("%s: node %q already probed in %s", emu.Name, node.Name, g)
	}
	m.instances[key] = inst
	m.mu.Unlock()

	if err := g.Chipset().RegisterDevice(node.Name, inst); err != nil {
		m.mu.Lock()
		delete(m.instances, key)
		m.mu.Unlock()
		m.unwind(inst)
		return nil, fmt.Errorf("%s: %w", emu.Name, err)
	}

	inst.log.Info("devemu: probed", "emulator", emu.Name, "region", inst.region.String(), "irq", inst.irq)
	return inst, nil
}

// unwind releases the device and its address-space reservation of an
// instance that never became visible.
func (m *Manager) unwind(inst *Instance) {
	if err := inst.dev.Remove(); err != nil {
		inst.log.Warn("devemu: remove during rollback failed", "err", err)
	}
	inst.guest.AddressSpace().ReleaseFixed(inst.name)
}

// Reset restores the instance's default register state.
func (m *Manager) Reset(inst *Instance) error {
	return inst.Reset()
}

// Remove unmaps the instance from its guest, then releases the device.
func (m *Manager) Remove(inst *Instance) error {
	m.mu.Lock()
	cur, ok := m.instances[inst.key()]
	if !ok || cur != inst {
		m.mu.Unlock()
		return fmt.Errorf("devemu: %s is not a live instance", inst)
	}
	delete(m.instances, inst.key())
	m.mu.Unlock()

	var errs []error
	if err := inst.guest.Chipset().UnregisterDevice(inst.name); err != nil {
		errs = append(errs, err)
	}
	if err := inst.dev.Remove(); err != nil {
		errs = append(errs, fmt.Errorf("%s: remove: %w", inst.emu.Name, err))
	}
	inst.guest.AddressSpace().ReleaseFixed(inst.name)
	m.metrics.removes.Add(1)
	inst.log.Info("devemu: removed")
	return errors.Join(errs...)
}

// Instance returns the live instance of node name in guest id.
func (m *Manager) Instance(id hv.GuestID, name string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceKey{id, name}]
	return inst, ok
}

// Instances returns all live instances ordered by guest id and name.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].key(), out[j].key()
		if a.guest != b.guest {
			return a.guest < b.guest
		}
		return a.name < b.name
	})
	return out
}

// ResetAll resets every live instance.
func (m *Manager) ResetAll() error {
	var errs []error
	for _, inst := range m.Instances() {
		if err := m.Reset(inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveAll removes every live instance.
func (m *Manager) RemoveAll() error {
	var errs []error
	for _, inst := range m.Instances() {
		if err := m.Remove(inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics returns a snapshot of the manager's counters.
func (m *Manager) Metrics() MetricsSnapshot {
	return m.metrics.Snapshot()
}
