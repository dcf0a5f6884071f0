package guest

import (
	"errors"
	"testing"

	"github.com/tinyrange/devemu/internal/hv"
)

func TestManagerLookup(t *testing.T) {
	m := NewManager()
	a, err := New(1, "a", nil, 0x40000000, 0x1000000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, _ := New(5, "b", nil, 0x40000000, 0x1000000)

	if err := m.Add(b); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	if err := m.Add(a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := m.Add(a); !errors.Is(err, hv.ErrGuestExists) {
		t.Fatalf("duplicate Add err = %v", err)
	}

	if g, ok := m.Guest(5); !ok || g != b {
		t.Fatalf("Guest(5) = %v, %v", g, ok)
	}
	if _, ok := m.Guest(999); ok {
		t.Fatal("Guest(999) should not exist")
	}

	list := m.List()
	if len(list) != 2 || list[0] != a || list[1] != b {
		t.Fatalf("List = %v", list)
	}

	m.Remove(5)
	if _, ok := m.Guest(5); ok {
		t.Fatal("guest 5 still registered")
	}
}

func TestGuestLinesReachInterrupts(t *testing.T) {
	ic := NewInterrupts(1, nil)
	g, _ := New(1, "a", ic, 0, 0)

	line := g.Line(39)
	line.SetLevel(true)
	if !ic.Level(39) || ic.Asserts(39) != 1 {
		t.Fatalf("level=%v asserts=%d", ic.Level(39), ic.Asserts(39))
	}
	line.SetLevel(false)
	line.PulseInterrupt()
	if ic.Level(39) || ic.Asserts(39) != 2 {
		t.Fatalf("level=%v asserts=%d", ic.Level(39), ic.Asserts(39))
	}
	if g.Lines().Level(39) {
		t.Fatal("line set still reports high")
	}
}
