package board

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/devemu/internal/hv"
	"github.com/tinyrange/devemu/internal/input"
)

// Trace is a set of scripted vCPUs. Each vCPU runs on its own goroutine.
type Trace struct {
	VCPUs []VCPU `yaml:"vcpus"`
}

// VCPU is the access script of one virtual CPU of a guest.
type VCPU struct {
	Name  string `yaml:"name"`
	Guest uint32 `yaml:"guest"`
	Steps []Step `yaml:"steps"`
}

// Step is one guest access or host event.
//
//	read8|read16|read32    addr [expect]
//	write8|write16|write32 addr value
//	key                    device code value
//	rx                     device data
type Step struct {
	Op     string  `yaml:"op"`
	Addr   uint64  `yaml:"addr,omitempty"`
	Value  uint32  `yaml:"value,omitempty"`
	Expect *uint32 `yaml:"expect,omitempty"`

	Device string `yaml:"device,omitempty"`
	Code   uint16 `yaml:"code,omitempty"`
	Data   string `yaml:"data,omitempty"`
}

// ParseTrace decodes a trace file.
func ParseTrace(data []byte) (*Trace, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var tr Trace
	if err := dec.Decode(&tr); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing trace: %w", err)
	}
	for i, v := range tr.VCPUs {
		if v.Guest == 0 {
			return nil, fmt.Errorf("vcpus[%d]: missing guest", i)
		}
		for j, s := range v.Steps {
			if _, _, err := s.access(); err != nil && s.Op != "key" && s.Op != "rx" {
				return nil, fmt.Errorf("vcpus[%d].steps[%d]: %w", i, j, err)
			}
		}
	}
	return &tr, nil
}

// LoadTrace reads a trace file from path.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trace file: %w", err)
	}
	return ParseTrace(data)
}

// Steps returns the total number of steps across all vCPUs.
func (t *Trace) Steps() int {
	n := 0
	for _, v := range t.VCPUs {
		n += len(v.Steps)
	}
	return n
}

// access decodes a register access op into its size and direction.
func (s Step) access() (size int, write bool, err error) {
	switch s.Op {
	case "read8":
		return 1, false, nil
	case "read16":
		return 2, false, nil
	case "read32":
		return 4, false, nil
	case "write8":
		return 1, true, nil
	case "write16":
		return 2, true, nil
	case "write32":
		return 4, true, nil
	default:
		return 0, false, fmt.Errorf("unknown op %q", s.Op)
	}
}

// RunTrace executes tr against the board. onStep, if non-nil, is called
// after every completed step from the vCPU goroutines. The first failing
// vCPU cancels the others.
func (b *Board) RunTrace(ctx context.Context, tr *Trace, onStep func()) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, v := range tr.VCPUs {
		name := v.Name
		if name == "" {
			name = fmt.Sprintf("vcpu%d", i)
		}
		g.Go(func() error {
			return b.runVCPU(ctx, name, v, onStep)
		})
	}
	return g.Wait()
}

func (b *Board) runVCPU(ctx context.Context, name string, v VCPU, onStep func()) error {
	gst, ok := b.Guests.Guest(hv.GuestID(v.Guest))
	if !ok {
		return fmt.Errorf("%s: %w: %d", name, hv.ErrGuestNotFound, v.Guest)
	}
	for i, s := range v.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.step(gst.Chipset().HandleMMIO, s); err != nil {
			return fmt.Errorf("%s: step %d (%s): %w", name, i, s.Op, err)
		}
		if onStep != nil {
			onStep()
		}
	}
	return nil
}

func (b *Board) step(mmio func(addr uint64, data []byte, isWrite bool) error, s Step) error {
	switch s.Op {
	case "key":
		dev, ok := b.Keypad(s.Device)
		if !ok {
			return fmt.Errorf("unknown keypad %q", s.Device)
		}
		return b.Input.Report(dev, input.EV_KEY, s.Code, int32(s.Value))
	case "rx":
		port, ok := b.Port(s.Device)
		if !ok {
			return fmt.Errorf("unknown uart %q", s.Device)
		}
		if n := port.Receive([]byte(s.Data)); n != len(s.Data) {
			return fmt.Errorf("uart %q: dropped %d bytes", s.Device, len(s.Data)-n)
		}
		return nil
	}

	size, write, err := s.access()
	if err != nil {
		return err
	}
	var buf [4]byte
	if write {
		for i := 0; i < size; i++ {
			buf[i] = byte(s.Value >> (8 * i))
		}
		return mmio(s.Addr, buf[:size], true)
	}
	if err := mmio(s.Addr, buf[:size], false); err != nil {
		return err
	}
	var got uint32
	for i := 0; i < size; i++ {
		got |= uint32(buf[i]) << (8 * i)
	}
	if s.Expect != nil && got != *s.Expect {
		return fmt.Errorf("read 0x%x = 0x%x, want 0x%x", s.Addr, got, *s.Expect)
	}
	return nil
}
