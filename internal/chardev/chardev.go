// Package chardev is the host character-device registry.
package chardev

import (
	"fmt"
	"io"
	"sync"
)

// DriverKind tags which host driver implements a character device. Emulators
// that poke the underlying hardware check the kind before touching Priv.
type DriverKind uint8

const (
	KindUnknown DriverKind = iota
	KindIMXUART
	KindPL011UART
	KindConsole
)

func (k DriverKind) String() string {
	switch k {
	case KindIMXUART:
		return "imx-uart"
	case KindPL011UART:
		return "pl011-uart"
	case KindConsole:
		return "console"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Device is a named host character device.
type Device struct {
	Name string
	Kind DriverKind

	// ReadWriter is the byte-stream entry point of the driver.
	io.ReadWriter

	// Priv is driver private state; its type is defined by Kind.
	Priv any
}

// Registry maps names to character devices.
type Registry struct {
	mu   sync.RWMutex
	devs map[string]*Device
}

func NewRegistry() *Registry {
	return &Registry{devs: make(map[string]*Device)}
}

// Register adds dev under dev.Name.
func (r *Registry) Register(dev *Device) error {
	if dev == nil || dev.Name == "" {
		return fmt.Errorf("chardev: device must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devs[dev.Name]; ok {
		return fmt.Errorf("chardev: %q already registered", dev.Name)
	}
	r.devs[dev.Name] = dev
	return nil
}

// Unregister removes the named device.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devs, name)
}

// Find returns the named device.
func (r *Registry) Find(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devs[name]
	return dev, ok
}
