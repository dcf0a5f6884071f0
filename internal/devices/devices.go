// Package devices holds the static table of guest device models.
package devices

import (
	"github.com/tinyrange/devemu/internal/devemu"
	"github.com/tinyrange/devemu/internal/devices/gshmem"
	"github.com/tinyrange/devemu/internal/devices/pl011imx"
	"github.com/tinyrange/devemu/internal/devices/pl061"
)

// Emulators lists every model, in table order.
func Emulators() []*devemu.Emulator {
	return []*devemu.Emulator{
		pl061.Emulator,
		gshmem.Emulator,
		pl011imx.Emulator,
	}
}

// Table returns the compatible-string table of all models.
func Table() *devemu.Table {
	t, err := devemu.NewTable(Emulators()...)
	if err != nil {
		panic(err)
	}
	return t
}
