// Package input is the host input-event subsystem. Input devices report
// evdev-style events; handlers subscribe to event types and receive every
// matching event synchronously on the reporting goroutine.
package input

import (
	"errors"
	"fmt"
	"sync"
)

// Linux evdev event types
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02
	EV_ABS = 0x03
	EV_MSC = 0x04
	EV_SW  = 0x05
)

// Bus types carried in ID.BusType.
const (
	BusVirtual    = 0x06
	BusHost       = 0x19
	BusGPIOKeypad = 0x18
)

var (
	ErrDeviceNotRegistered  = errors.New("input: device not registered")
	ErrHandlerNotRegistered = errors.New("input: handler not registered")
)

// ID identifies the bus and model of an input device.
type ID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// Device is a source of input events.
type Device struct {
	Name string
	ID   ID

	evbit uint32
}

// NewDevice creates an input device reporting the given event types.
func NewDevice(name string, id ID, types ...uint16) *Device {
	d := &Device{Name: name, ID: id}
	for _, t := range types {
		d.evbit |= 1 << t
	}
	return d
}

// Supports reports whether the device emits events of type typ.
func (d *Device) Supports(typ uint16) bool {
	return typ < 32 && d.evbit&(1<<typ) != 0
}

// EventFunc receives one event. It runs on the reporting goroutine and must
// not register or unregister handlers.
type EventFunc func(dev *Device, typ, code uint16, value int32)

// Handler subscribes to events of the types set in its mask.
type Handler struct {
	Name  string
	Event EventFunc

	evbit uint32
}

// NewHandler creates a handler interested in the given event types.
func NewHandler(name string, fn EventFunc, types ...uint16) *Handler {
	h := &Handler{Name: name, Event: fn}
	for _, t := range types {
		h.evbit |= 1 << t
	}
	return h
}

func (h *Handler) wants(typ uint16) bool {
	return typ < 32 && h.evbit&(1<<typ) != 0
}

type handlerState struct {
	handler   *Handler
	connected bool
}

// Subsystem owns the registered devices and handlers.
type Subsystem struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	handlers []*handlerState
}

// NewSubsystem returns an empty input subsystem.
func NewSubsystem() *Subsystem {
	return &Subsystem{devices: make(map[string]*Device)}
}

// RegisterDevice adds an input device.
func (s *Subsystem) RegisterDevice(dev *Device) error {
	if dev == nil || dev.Name == "" {
		return fmt.Errorf("input: device must have a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[dev.Name]; ok {
		return fmt.Errorf("input: device %q already registered", dev.Name)
	}
	s.devices[dev.Name] = dev
	return nil
}

// UnregisterDevice removes an input device.
func (s *Subsystem) UnregisterDevice(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, name)
}

// Device returns the registered device with the given name.
func (s *Subsystem) Device(name string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[name]
	return dev, ok
}

// RegisterHandler adds a handler. It receives no events until connected.
func (s *Subsystem) RegisterHandler(h *Handler) error {
	if h == nil || h.Event == nil {
		return fmt.Errorf("input: handler has no event callback")
	}
	if h.Name == "" {
		return fmt.Errorf("input: handler must have a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.handlers {
		if st.handler == h || st.handler.Name == h.Name {
			return fmt.Errorf("input: handler %q already registered", h.Name)
		}
	}
	s.handlers = append(s.handlers, &handlerState{handler: h})
	return nil
}

// ConnectHandler starts event delivery to a registered handler.
func (s *Subsystem) ConnectHandler(h *Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.handlers {
		if st.handler == h {
			st.connected = true
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrHandlerNotRegistered, h.Name)
}

// UnregisterHandler stops delivery and forgets the handler. Events being
// delivered concurrently may still reach it.
func (s *Subsystem) UnregisterHandler(h *Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.handlers {
		if st.handler == h {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Handlers returns the number of registered handlers.
func (s *Subsystem) Handlers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Report delivers an event from dev to every connected handler that wants
// its type. Handlers are called without the subsystem lock held.
func (s *Subsystem) Report(dev *Device, typ, code uint16, value int32) error {
	s.mu.RLock()
	if registered, ok := s.devices[dev.Name]; !ok || registered != dev {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %q", ErrDeviceNotRegistered, dev.Name)
	}
	if !dev.Supports(typ) {
		s.mu.RUnlock()
		return fmt.Errorf("input: device %q does not report event type %d", dev.Name, typ)
	}
	var targets []*Handler
	for _, st := range s.handlers {
		if st.connected && st.handler.wants(typ) {
			targets = append(targets, st.handler)
		}
	}
	s.mu.RUnlock()

	for _, h := range targets {
		h.Event(dev, typ, code, value)
	}
	return nil
}
