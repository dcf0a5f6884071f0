package imx

import (
	"bytes"
	"sync"
	"testing"

	"github.com/tinyrange/devemu/internal/chardev"
)

func TestPortDisabledByDefault(t *testing.T) {
	var out bytes.Buffer
	p := NewPort(0x02020000, &out)

	if p.ReadReg(UCR1)&UCR1_UARTEN != 0 {
		t.Fatal("port should start disabled")
	}
	p.WriteReg(URTX0, 'x')
	if out.Len() != 0 {
		t.Fatalf("disabled port transmitted %q", out.String())
	}
	if _, err := p.Write([]byte("x")); err == nil {
		t.Fatal("expected write on disabled port to fail")
	}
}

func TestPortTransmitAndReceive(t *testing.T) {
	var out bytes.Buffer
	p := NewPort(0x02020000, &out)
	p.Enable()

	if p.ReadReg(UCR1)&UCR1_RRDYEN == 0 {
		t.Fatal("Enable should set RRDYEN")
	}

	p.WriteReg(URTX0, 'h')
	p.WriteReg(URTX0, 'i')
	if out.String() != "hi" {
		t.Fatalf("out = %q, want %q", out.String(), "hi")
	}

	if p.ReadReg(UTS)&UTS_RXEMPTY == 0 {
		t.Fatal("RX should be empty")
	}
	if n := p.Receive([]byte("ok")); n != 2 {
		t.Fatalf("Receive = %d, want 2", n)
	}
	if p.ReadReg(USR2)&USR2_RDR == 0 {
		t.Fatal("RDR should be set with data pending")
	}
	if got := p.ReadReg(URXD0); got != URXD_CHARRDY|'o' {
		t.Fatalf("URXD0 = 0x%x", got)
	}
	if got := p.ReadReg(URXD0); got != URXD_CHARRDY|'k' {
		t.Fatalf("URXD0 = 0x%x", got)
	}
	if got := p.ReadReg(URXD0); got != 0 {
		t.Fatalf("URXD0 on empty FIFO = 0x%x", got)
	}
}

func TestPortFlowControl(t *testing.T) {
	var out bytes.Buffer
	p := NewPort(0x02020000, &out)
	p.Enable()
	p.SetFlowStopped(true)

	for i := 0; i < fifoSize; i++ {
		p.WriteReg(URTX0, uint32('a'+i%26))
	}
	if p.ReadReg(UTS)&UTS_TXFULL == 0 {
		t.Fatal("TX FIFO should be full while flow is stopped")
	}
	if out.Len() != 0 {
		t.Fatalf("transmitted %d bytes while stopped", out.Len())
	}

	p.SetFlowStopped(false)
	if out.Len() != fifoSize {
		t.Fatalf("drained %d bytes, want %d", out.Len(), fifoSize)
	}
	if p.ReadReg(UTS)&UTS_TXEMPTY == 0 {
		t.Fatal("TX FIFO should be empty after drain")
	}
}

func TestPortReceiveOverrun(t *testing.T) {
	p := NewPort(0x02020000, nil)
	p.Enable()

	data := bytes.Repeat([]byte{'z'}, fifoSize+3)
	if n := p.Receive(data); n != fifoSize {
		t.Fatalf("Receive = %d, want %d", n, fifoSize)
	}
	if p.Overruns() != 3 {
		t.Fatalf("Overruns = %d, want 3", p.Overruns())
	}
	if p.ReadReg(UTS)&UTS_RXFULL == 0 {
		t.Fatal("RXFULL should be set")
	}

	buf := make([]byte, 64)
	n, _ := p.Read(buf)
	if n != fifoSize {
		t.Fatalf("Read = %d, want %d", n, fifoSize)
	}
}

func TestPortChardev(t *testing.T) {
	p := NewPort(0x02020000, nil)
	dev := p.Chardev("uart1")
	if dev.Kind != chardev.KindIMXUART || dev.Priv != p || dev.Name != "uart1" {
		t.Fatalf("unexpected chardev %+v", dev)
	}
}

func TestPortUpdateRegIsAtomic(t *testing.T) {
	p := NewPort(0x02020000, nil)

	var wg sync.WaitGroup
	for bit := 16; bit < 32; bit++ {
		wg.Add(1)
		go func(bit int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p.UpdateReg(UCR3, 1<<bit, 0)
				p.UpdateReg(UCR3, 0, 1<<bit)
			}
		}(bit)
	}
	wg.Wait()

	if got := p.ReadReg(UCR3); got != 0xffff0000 {
		t.Fatalf("UCR3 = 0x%x, want 0xffff0000", got)
	}
	if got := p.UpdateReg(URXD0, 0, 1); got != 0 {
		t.Fatalf("UpdateReg(URXD0) = 0x%x, want 0", got)
	}
}
