package board

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tinyrange/devemu/internal/devemu"
	"github.com/tinyrange/devemu/internal/devices"
	"github.com/tinyrange/devemu/internal/fdt"
	"github.com/tinyrange/devemu/internal/hv"
)

const testBoard = `
host:
  uarts:
    - name: ttymxc1
      driver: imx
      base: 0x30890000
      enabled: true
    - name: ttymxc2
      driver: imx
      base: 0x308a0000
      enabled: false
    - name: ttyAMA0
      driver: pl011
      base: 0x9000000
      enabled: true
  keypads:
    - name: gpio-keys
guests:
  - id: 1
    name: linux
    ram: {base: 0x40000000, size: 0x10000000}
    devices:
      - name: gpio@9030000
        compatible: ["primecell,pl061-dummy"]
        reg: [0x9030000, 0x1000]
        interrupts: [39, 4]
      - name: serial@9000000
        compatible: ["pl011_imx"]
        reg: [0x9000000, 0x1000]
        properties:
          host_uart: ttymxc1
      - name: serial@9010000
        compatible: ["pl011_imx"]
        reg: [0x9010000, 0x1000]
        properties:
          host_uart: ttymxc2
  - id: 2
    name: rtos
    ram: {base: 0x40000000, size: 0x1000000}
    devices:
      - name: gshmem@9040000
        compatible: ["gshmem"]
        reg: [0x9040000, 0x1000]
        interrupts: [48]
      - name: serial@9000000
        compatible: ["pl011_imx"]
        reg: [0x9000000, 0x1000]
        properties:
          host_uart: ttyAMA0
`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func assemble(t *testing.T, out io.Writer) *Board {
	t.Helper()
	cfg, err := Parse([]byte(testBoard))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Assemble(cfg, devices.Table(), out, discard())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAssembleCollectsProbeErrors(t *testing.T) {
	b := assemble(t, nil)

	if len(b.Devices.Instances()) != 3 {
		t.Fatalf("instances = %d, want 3", len(b.Devices.Instances()))
	}
	if len(b.ProbeErrors) != 2 {
		t.Fatalf("probe errors = %v", b.ProbeErrors)
	}
	want := map[string]error{
		"serial@9010000": devemu.ErrHostNotEnabled,
		"serial@9000000": devemu.ErrWrongDriverKind,
	}
	for _, pe := range b.ProbeErrors {
		if !errors.Is(pe, want[pe.Device]) {
			t.Errorf("%s: err = %v, want %v", pe.Device, pe.Err, want[pe.Device])
		}
	}
	if _, ok := b.Devices.Instance(1, "serial@9000000"); !ok {
		t.Fatal("guest 1 serial bridge missing")
	}
	if _, ok := b.Devices.Instance(2, "serial@9000000"); ok {
		t.Fatal("guest 2 serial bridge bound to a pl011 host uart")
	}
	if b.ProbeError() == nil {
		t.Fatal("ProbeError() = nil")
	}
}

const testTrace = `
vcpus:
  - name: linux-cpu0
    guest: 1
    steps:
      - {op: write16, addr: 0x9030410, value: 0x00ff}
      - {op: key, device: gpio-keys, code: 30, value: 1}
      - {op: read8, addr: 0x9030004, expect: 1}
      - {op: read32, addr: 0x9030414, expect: 1}
      - {op: write32, addr: 0x903041c, value: 1}
      - {op: rx, device: ttymxc1, data: "ab"}
      - {op: read32, addr: 0x9000000, expect: 0x61}
      - {op: read32, addr: 0x9000000, expect: 0x62}
      - {op: read32, addr: 0x9000018, expect: 0x10}
      - {op: write8, addr: 0x9000000, value: 0x68}
      - {op: write8, addr: 0x9000000, value: 0x0a}
  - name: rtos-cpu0
    guest: 2
    steps:
      - {op: write32, addr: 0x9040000, value: 1}
      - {op: read32, addr: 0x9040000, expect: 1}
      - {op: write32, addr: 0x9040000, value: 999}
      - {op: read32, addr: 0x9040000, expect: 1}
`

func TestRunTrace(t *testing.T) {
	var out bytes.Buffer
	b := assemble(t, &out)

	tr, err := ParseTrace([]byte(testTrace))
	if err != nil {
		t.Fatalf("ParseTrace: %v", err)
	}
	if tr.Steps() != 15 {
		t.Fatalf("Steps() = %d", tr.Steps())
	}

	var steps atomic.Int64
	if err := b.RunTrace(context.Background(), tr, func() { steps.Add(1) }); err != nil {
		t.Fatalf("RunTrace: %v", err)
	}
	if steps.Load() != 15 {
		t.Fatalf("observed %d steps", steps.Load())
	}
	if out.String() != "h\n" {
		t.Fatalf("uart output = %q", out.String())
	}

	irqs, _ := b.Interrupts(1)
	if irqs.Level(39) {
		t.Fatal("gpio interrupt still asserted after clear")
	}
	if irqs.Asserts(39) != 1 {
		t.Fatalf("gpio asserts = %d, want 1", irqs.Asserts(39))
	}
	if irqs.Asserts(48) != 1 {
		t.Fatalf("gshmem asserts toward guest 1 = %d, want 1", irqs.Asserts(48))
	}
}

func TestRunTraceExpectMismatch(t *testing.T) {
	b := assemble(t, nil)
	tr, err := ParseTrace([]byte(`
vcpus:
  - guest: 1
    steps:
      - {op: read32, addr: 0x9030400, expect: 0xff}
`))
	if err != nil {
		t.Fatal(err)
	}
	err = b.RunTrace(context.Background(), tr, nil)
	if err == nil || !strings.Contains(err.Error(), "want 0xff") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunTraceUnknownGuest(t *testing.T) {
	b := assemble(t, nil)
	tr := &Trace{VCPUs: []VCPU{{Guest: 7, Steps: []Step{{Op: "read32", Addr: 0}}}}}
	if err := b.RunTrace(context.Background(), tr, nil); !errors.Is(err, hv.ErrGuestNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunTraceCancelled(t *testing.T) {
	b := assemble(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &Trace{VCPUs: []VCPU{{Guest: 1, Steps: []Step{{Op: "read32", Addr: 0x9030400}}}}}
	if err := b.RunTrace(ctx, tr, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func child(n fdt.Node, name string) *fdt.Node {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i]
		}
	}
	return nil
}

func TestDeviceTree(t *testing.T) {
	b := assemble(t, nil)
	root, err := b.DeviceTree(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Children) != 4 {
		t.Fatalf("children = %d, want memory + 3 devices", len(root.Children))
	}
	gpio := child(root, "gpio@9030000")
	if gpio == nil {
		t.Fatal("gpio node missing")
	}
	if irq, err := gpio.IRQ(0); err != nil || irq != 39 {
		t.Fatalf("gpio irq = %d, %v", irq, err)
	}

	blob, err := fdt.Build(root)
	if err != nil {
		t.Fatalf("fdt.Build: %v", err)
	}
	if binary.BigEndian.Uint32(blob) != 0xd00dfeed {
		t.Fatalf("bad magic 0x%x", binary.BigEndian.Uint32(blob))
	}

	if _, err := b.DeviceTree(9); !errors.Is(err, hv.ErrGuestNotFound) {
		t.Fatalf("err = %v", err)
	}
}

const blobBoard = `
host:
  uarts:
    - {name: ttymxc1, driver: imx, base: 0x30890000, enabled: true}
  keypads:
    - name: gpio-keys
guests:
  - id: 1
    ram: {base: 0x40000000, size: 0x10000000}
    device_tree: guest.dtb
`

func TestAssembleFromDeviceTreeBlob(t *testing.T) {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{1}},
			"#size-cells":    {U32: []uint32{1}},
		},
		Children: []fdt.Node{
			{Name: "chosen"},
			{
				Name: "gpio@9030000",
				Properties: map[string]fdt.Property{
					"compatible": {Strings: []string{"primecell,pl061-dummy", "arm,primecell"}},
					"reg":        {U32: []uint32{0x9030000, 0x1000}},
					"interrupts": {U32: []uint32{39, 4}},
				},
			},
			{
				Name: "serial@9000000",
				Properties: map[string]fdt.Property{
					"compatible": {Strings: []string{"pl011_imx"}},
					"reg":        {U32: []uint32{0x9000000, 0x1000}},
					"host_uart":  {Strings: []string{"ttymxc1"}},
				},
			},
		},
	}
	blob, err := fdt.Build(root)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "guest.dtb"), blob, 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "board.yaml")
	if err := os.WriteFile(path, []byte(blobBoard), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	b, err := Assemble(cfg, devices.Table(), &out, discard())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	defer b.Close()
	if err := b.ProbeError(); err != nil {
		t.Fatalf("probe: %v", err)
	}

	gpio, ok := b.Devices.Instance(1, "gpio@9030000")
	if !ok {
		t.Fatal("gpio not probed from blob")
	}
	if r := gpio.Region(); r.Address != 0x9030000 || r.Size != 0x1000 {
		t.Fatalf("gpio region = %v", r)
	}
	if irq, ok := gpio.IRQ(); !ok || irq != 39 {
		t.Fatalf("gpio irq = %d, %v", irq, ok)
	}
	if v, err := gpio.Read8(0xfe0); err != nil || v != 0x61 {
		t.Fatalf("periph id = 0x%x, %v", v, err)
	}

	serial, ok := b.Devices.Instance(1, "serial@9000000")
	if !ok {
		t.Fatal("serial bridge not probed from blob")
	}
	if err := serial.Write8(0, 'x'); err != nil {
		t.Fatal(err)
	}
	if out.String() != "x" {
		t.Fatalf("uart output = %q", out.String())
	}

	// The emitted tree carries the parsed nodes.
	tree, err := b.DeviceTree(1)
	if err != nil {
		t.Fatal(err)
	}
	if child(tree, "serial@9000000") == nil {
		t.Fatal("serial node missing from emitted tree")
	}
}

func TestAssembleRejectsBadBlob(t *testing.T) {
	cfg, err := Parse([]byte(blobBoard))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Guests[0].DeviceTree = filepath.Join(t.TempDir(), "garbage.dtb")
	if err := os.WriteFile(cfg.Guests[0].DeviceTree, []byte("not a blob"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Assemble(cfg, devices.Table(), nil, discard()); !errors.Is(err, fdt.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field": "guests: []\nbogus: 1\n",
		"bad driver":    "host:\n  uarts:\n    - {name: a, driver: 8250}\n",
		"duplicate id":  "guests:\n  - {id: 1, ram: {size: 1}}\n  - {id: 1, ram: {size: 1}}\n",
		"zero id":       "guests:\n  - {id: 0, ram: {size: 1}}\n",
		"bad reg":       "guests:\n  - id: 1\n    ram: {size: 1}\n    devices:\n      - {name: a, compatible: [x], reg: [1]}\n",
		"bad bus":       "host:\n  keypads:\n    - {name: k, bus: usb}\n",
	}
	for name, doc := range tests {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestResetBoard(t *testing.T) {
	b := assemble(t, nil)
	inst, _ := b.Devices.Instance(2, "gshmem@9040000")
	if err := inst.Write32(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	if v, _ := inst.Read32(0); v != 0 {
		t.Fatalf("peer after reset = %d", v)
	}
}

func TestTranscriptStripsEscapes(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTranscript(&buf)
	_, _ = tr.Write([]byte("\x1b[1;32mok\x1b[0m\r\nhal"))
	_, _ = tr.Write([]byte("f"))
	if buf.String() != "ok\n" {
		t.Fatalf("transcript = %q", buf.String())
	}
	if err := tr.Flush(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "ok\nhalf\n" {
		t.Fatalf("transcript = %q", buf.String())
	}
}

func TestLoadTestdata(t *testing.T) {
	cfg, err := Load("testdata/board.yaml")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	b, err := Assemble(cfg, devices.Table(), &out, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if err := b.ProbeError(); err != nil {
		t.Fatalf("probe: %v", err)
	}

	tr, err := LoadTrace("testdata/trace.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RunTrace(context.Background(), tr, nil); err != nil {
		t.Fatalf("RunTrace: %v", err)
	}
	if out.String() != "ok\n" {
		t.Fatalf("uart output = %q", out.String())
	}
	irqs, _ := b.Interrupts(1)
	if irqs.Asserts(48) != 1 || irqs.Asserts(39) != 1 {
		t.Fatalf("asserts: gshmem %d, gpio %d", irqs.Asserts(48), irqs.Asserts(39))
	}

	snap := b.Devices.Metrics()
	if snap.Probes != 4 || snap.Writes == 0 || snap.Reads == 0 {
		t.Fatalf("metrics = %+v", snap)
	}
}
