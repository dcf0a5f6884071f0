package devices

import (
	"testing"

	"github.com/tinyrange/devemu/internal/devices/gshmem"
	"github.com/tinyrange/devemu/internal/devices/pl011imx"
	"github.com/tinyrange/devemu/internal/devices/pl061"
)

func TestTable(t *testing.T) {
	table := Table()
	tests := []struct {
		compatible string
		emulator   string
		typ        string
	}{
		{pl061.Compatible, "pl061", "gpio"},
		{gshmem.Compatible, "gshmem", "misc"},
		{pl011imx.Compatible, "pl011_imx", "serial"},
	}
	for _, tt := range tests {
		emu, match, err := table.Lookup(tt.compatible)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", tt.compatible, err)
		}
		if emu.Name != tt.emulator || match.Type != tt.typ {
			t.Errorf("Lookup(%q) = %s/%s, want %s/%s", tt.compatible, emu.Name, match.Type, tt.emulator, tt.typ)
		}
	}
	if len(table.Emulators()) != 3 {
		t.Fatalf("emulators = %d", len(table.Emulators()))
	}
}
