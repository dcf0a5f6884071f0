// Package imx models the host i.MX UART driver: its register block, FIFOs and
// the character device it exports.
package imx

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/devemu/internal/chardev"
)

// Register offsets relative to the port base.
const (
	URXD0 = 0x00 // Receiver register
	URTX0 = 0x40 // Transmitter register
	UCR1  = 0x80 // Control register 1
	UCR2  = 0x84 // Control register 2
	UCR3  = 0x88 // Control register 3
	UCR4  = 0x8c // Control register 4
	UFCR  = 0x90 // FIFO control register
	USR1  = 0x94 // Status register 1
	USR2  = 0x98 // Status register 2
	UTS   = 0xb4 // Test register (i.MX21 layout)
)

const (
	UCR1_UARTEN = 1 << 0
	UCR1_RRDYEN = 1 << 9

	UCR2_SRST = 1 << 0
	UCR2_RXEN = 1 << 1
	UCR2_TXEN = 1 << 2

	URXD_CHARRDY = 1 << 15

	USR1_TRDY = 1 << 13
	USR1_RRDY = 1 << 9

	USR2_TXFE = 1 << 14
	USR2_TXDC = 1 << 3
	USR2_RDR  = 1 << 0

	UTS_TXEMPTY = 1 << 6
	UTS_RXEMPTY = 1 << 5
	UTS_TXFULL  = 1 << 4
	UTS_RXFULL  = 1 << 3
)

const fifoSize = 32

type fifo struct {
	buf   [fifoSize]byte
	head  int
	count int
}

func (f *fifo) push(b byte) bool {
	if f.count == fifoSize {
		return false
	}
	f.buf[(f.head+f.count)%fifoSize] = b
	f.count++
	return true
}

func (f *fifo) pop() (byte, bool) {
	if f.count == 0 {
		return 0, false
	}
	b := f.buf[f.head]
	f.head = (f.head + 1) % fifoSize
	f.count--
	return b, true
}

func (f *fifo) full() bool  { return f.count == fifoSize }
func (f *fifo) empty() bool { return f.count == 0 }

// Port is one i.MX UART as seen by its host driver. All register accesses
// are serialized by the port's own lock.
type Port struct {
	mu sync.Mutex

	base uint64
	out  io.Writer

	ucr1 uint32
	ucr2 uint32
	ucr3 uint32
	ucr4 uint32
	ufcr uint32

	rx fifo
	tx fifo

	flowStopped bool
	rxOverrun   uint64
}

// NewPort creates a disabled port at base whose transmitter writes to out.
func NewPort(base uint64, out io.Writer) *Port {
	if out == nil {
		out = io.Discard
	}
	return &Port{
		base: base,
		out:  out,
		ucr2: UCR2_SRST,
	}
}

// Enable performs the driver's startup sequence: UART, receiver and
// transmitter on, receive-ready interrupt enabled.
func (p *Port) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ucr1 |= UCR1_UARTEN | UCR1_RRDYEN
	p.ucr2 |= UCR2_RXEN | UCR2_TXEN
}

// Base returns the register base of the port, zero if unconfigured.
func (p *Port) Base() uint64 {
	return p.base
}

// ReadReg reads the register at off.
func (p *Port) ReadReg(off uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch off {
	case URXD0:
		b, ok := p.rx.pop()
		if !ok {
			return 0
		}
		return URXD_CHARRDY | uint32(b)
	case UCR1:
		return p.ucr1
	case UCR2:
		return p.ucr2
	case UCR3:
		return p.ucr3
	case UCR4:
		return p.ucr4
	case UFCR:
		return p.ufcr
	case USR1:
		var v uint32
		if !p.rx.empty() {
			v |= USR1_RRDY
		}
		if !p.tx.full() {
			v |= USR1_TRDY
		}
		return v
	case USR2:
		var v uint32
		if !p.rx.empty() {
			v |= USR2_RDR
		}
		if p.tx.empty() {
			v |= USR2_TXFE | USR2_TXDC
		}
		return v
	case UTS:
		return p.uts()
	default:
		return 0
	}
}

func (p *Port) uts() uint32 {
	var v uint32
	if p.rx.empty() {
		v |= UTS_RXEMPTY
	}
	if p.rx.full() {
		v |= UTS_RXFULL
	}
	if p.tx.empty() {
		v |= UTS_TXEMPTY
	}
	if p.tx.full() {
		v |= UTS_TXFULL
	}
	return v
}

// WriteReg writes the register at off.
func (p *Port) WriteReg(off uint32, value uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch off {
	case URTX0:
		if p.ucr1&UCR1_UARTEN == 0 || p.ucr2&UCR2_TXEN == 0 {
			return
		}
		// A full FIFO drops the byte, as the hardware does.
		p.tx.push(byte(value))
		p.drainLocked()
	case UCR1:
		p.ucr1 = value
	case UCR2:
		p.ucr2 = value
	case UCR3:
		p.ucr3 = value
	case UCR4:
		p.ucr4 = value
	case UFCR:
		p.ufcr = value
	}
}

// UpdateReg clears then sets bits of a control register under the port lock
// and returns the new value. Other offsets are not updated and return 0.
func (p *Port) UpdateReg(off, clearBits, setBits uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r *uint32
	switch off {
	case UCR1:
		r = &p.ucr1
	case UCR2:
		r = &p.ucr2
	case UCR3:
		r = &p.ucr3
	case UCR4:
		r = &p.ucr4
	case UFCR:
		r = &p.ufcr
	default:
		return 0
	}
	*r = *r&^clearBits | setBits
	return *r
}

// Receive feeds bytes arriving on the wire into the RX FIFO. Bytes that do
// not fit are counted as overruns and dropped.
func (p *Port) Receive(data []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ucr2&UCR2_RXEN == 0 {
		p.rxOverrun += uint64(len(data))
		return 0
	}
	n := 0
	for _, b := range data {
		if !p.rx.push(b) {
			p.rxOverrun += uint64(len(data) - n)
			break
		}
		n++
	}
	return n
}

// Overruns returns the number of received bytes dropped so far.
func (p *Port) Overruns() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rxOverrun
}

// SetFlowStopped holds (true) or releases (false) the transmitter, as a
// deasserted CTS would. Releasing drains any pending bytes.
func (p *Port) SetFlowStopped(stopped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flowStopped = stopped
	p.drainLocked()
}

func (p *Port) drainLocked() {
	if p.flowStopped {
		return
	}
	var buf [fifoSize]byte
	n := 0
	for {
		b, ok := p.tx.pop()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	if n > 0 {
		// Output errors are the host console's problem; the UART has shifted
		// the bytes out either way.
		_, _ = p.out.Write(buf[:n])
	}
}

// Read implements the driver's character-device read: it drains the RX FIFO
// without blocking.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(buf) {
		b, ok := p.rx.pop()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n, nil
}

// Write implements the driver's character-device write.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ucr1&UCR1_UARTEN == 0 {
		return 0, fmt.Errorf("imx-uart: port at 0x%x is not enabled", p.base)
	}
	for i, b := range buf {
		if !p.tx.push(b) {
			p.drainLocked()
			if !p.tx.push(b) {
				return i, io.ErrShortWrite
			}
		}
	}
	p.drainLocked()
	return len(buf), nil
}

// Chardev returns the character device exported by the driver for this port.
func (p *Port) Chardev(name string) *chardev.Device {
	return &chardev.Device{
		Name:       name,
		Kind:       chardev.KindIMXUART,
		ReadWriter: p,
		Priv:       p,
	}
}

var _ io.ReadWriter = (*Port)(nil)
