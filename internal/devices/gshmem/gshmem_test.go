package gshmem

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/tinyrange/devemu/internal/devemu"
	"github.com/tinyrange/devemu/internal/fdt"
	"github.com/tinyrange/devemu/internal/guest"
	"github.com/tinyrange/devemu/internal/hv"
)

const testIRQ = 48

type testGuests struct {
	m    *guest.Manager
	irqs map[hv.GuestID]*guest.Interrupts
}

func newTestGuests(t *testing.T, ids ...hv.GuestID) *testGuests {
	t.Helper()
	tg := &testGuests{m: guest.NewManager(), irqs: make(map[hv.GuestID]*guest.Interrupts)}
	for i, id := range ids {
		irqs := guest.NewInterrupts(id, nil)
		base := uint64(0x40000000) + uint64(i)*0x10000000
		g, err := guest.New(id, id.String(), irqs, base, 0x1000000)
		if err != nil {
			t.Fatal(err)
		}
		if err := tg.m.Add(g); err != nil {
			t.Fatal(err)
		}
		tg.irqs[id] = irqs
	}
	return tg
}

func TestSignalLiveGuest(t *testing.T) {
	tg := newTestGuests(t, 1, 5)
	c := New(tg.m, testIRQ, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := devemu.WriteWidth(c, GSHMEM_PEER, devemu.Width32, 5); err != nil {
		t.Fatal(err)
	}
	v, err := devemu.ReadWidth(c, GSHMEM_PEER, devemu.Width32)
	if err != nil || v != 5 {
		t.Fatalf("peer = %d, %v; want 5", v, err)
	}
	if n := tg.irqs[5].Asserts(testIRQ); n != 1 {
		t.Fatalf("guest 5 asserts = %d, want 1", n)
	}
	if tg.irqs[5].Level(testIRQ) {
		t.Fatal("signal left the line high")
	}
	if n := tg.irqs[1].Asserts(testIRQ); n != 0 {
		t.Fatalf("sender received %d asserts", n)
	}
}

func TestSignalUnknownGuest(t *testing.T) {
	tg := newTestGuests(t, 1, 5)
	var logs bytes.Buffer
	c := New(tg.m, testIRQ, slog.New(slog.NewTextHandler(&logs, nil)))

	_ = devemu.WriteWidth(c, GSHMEM_PEER, devemu.Width32, 5)
	if err := devemu.WriteWidth(c, GSHMEM_PEER, devemu.Width32, 999); err != nil {
		t.Fatalf("write of unknown id surfaced: %v", err)
	}
	if c.Peer() != 5 {
		t.Fatalf("peer = %d, want unchanged 5", c.Peer())
	}
	if n := tg.irqs[5].Asserts(testIRQ); n != 1 {
		t.Fatalf("guest 5 asserts = %d, want 1", n)
	}
	if !strings.Contains(logs.String(), "gshmem: no such guest") {
		t.Fatalf("missing warning: %q", logs.String())
	}
}

func TestNarrowWriteTargetsWrittenID(t *testing.T) {
	tg := newTestGuests(t, 1, 5)
	c := New(tg.m, testIRQ, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		offset uint64
		width  devemu.Width
		id     uint32
	}{
		{0, devemu.Width8, 5},
		{1, devemu.Width8, 1},
		{3, devemu.Width8, 5},
		{2, devemu.Width16, 1},
	}
	for _, tt := range tests {
		before := tg.irqs[hv.GuestID(tt.id)].Asserts(testIRQ)
		if err := devemu.WriteWidth(c, tt.offset, tt.width, tt.id); err != nil {
			t.Fatalf("write%d(%d): %v", 8*tt.width, tt.offset, err)
		}
		if c.Peer() != hv.GuestID(tt.id) {
			t.Fatalf("write%d(%d, %d): peer = %d", 8*tt.width, tt.offset, tt.id, c.Peer())
		}
		if n := tg.irqs[hv.GuestID(tt.id)].Asserts(testIRQ); n != before+1 {
			t.Fatalf("write%d(%d, %d): asserts = %d, want %d", 8*tt.width, tt.offset, tt.id, n, before+1)
		}
	}
}

func TestPeerRegisterBeforeSignal(t *testing.T) {
	c := New(newTestGuests(t).m, testIRQ, nil)
	if v, err := devemu.ReadWidth(c, GSHMEM_PEER, devemu.Width32); err != nil || v != 0 {
		t.Fatalf("peer = %d, %v", v, err)
	}
	if _, err := devemu.ReadWidth(c, 0x4, devemu.Width32); err == nil {
		t.Fatal("expected invalid access at 0x4")
	}
	if err := devemu.WriteWidth(c, 0x4, devemu.Width32, 1); err != nil {
		t.Fatalf("write to 0x4: %v", err)
	}
}

func TestRemovedGuestIsNotSignalled(t *testing.T) {
	tg := newTestGuests(t, 1, 5)
	c := New(tg.m, testIRQ, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c.Signal(5)
	tg.m.Remove(5)
	c.Signal(5)

	if n := tg.irqs[5].Asserts(testIRQ); n != 1 {
		t.Fatalf("asserts = %d, want 1", n)
	}
	if err := c.Reset(); err != nil || c.Peer() != 0 {
		t.Fatalf("after reset peer = %d, %v", c.Peer(), err)
	}
}

// Several vCPUs writing the target register at once must each deliver
// exactly one signal and leave the peer at one of the written ids.
func TestConcurrentWriters(t *testing.T) {
	ids := []hv.GuestID{2, 3, 4, 5}
	tg := newTestGuests(t, ids...)
	c := New(tg.m, testIRQ, nil)

	const rounds = 200
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id hv.GuestID) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_ = devemu.WriteWidth(c, GSHMEM_PEER, devemu.Width32, uint32(id))
				_, _ = devemu.ReadWidth(c, GSHMEM_PEER, devemu.Width32)
			}
		}(id)
	}
	wg.Wait()

	valid := false
	for _, id := range ids {
		if c.Peer() == id {
			valid = true
		}
		if n := tg.irqs[id].Asserts(testIRQ); n != rounds {
			t.Errorf("guest %d asserts = %d, want %d", id, n, rounds)
		}
	}
	if !valid {
		t.Fatalf("peer = %d, not one of the writers", c.Peer())
	}
}

func TestProbeThroughManager(t *testing.T) {
	tg := newTestGuests(t, 1, 5)
	table, err := devemu.NewTable(Emulator)
	if err != nil {
		t.Fatal(err)
	}
	m := devemu.NewManager(table, devemu.Host{Guests: tg.m}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g1, _ := tg.m.Guest(1)

	node := &fdt.Node{
		Name: "gshmem@9040000",
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{Compatible}},
			"reg":        {U64: []uint64{0x9040000, 0x1000}},
			"interrupts": {U32: []uint32{testIRQ}},
		},
	}
	if _, err := m.Probe(g1, node); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	data := []byte{5, 0, 0, 0}
	if err := g1.Chipset().HandleMMIO(0x9040000, data, true); err != nil {
		t.Fatal(err)
	}
	if n := tg.irqs[5].Asserts(testIRQ); n != 1 {
		t.Fatalf("asserts = %d, want 1", n)
	}
}
