//go:build !unix

package main

import (
	"bytes"
	"context"
	"os"

	"github.com/tinyrange/devemu/internal/hostuart/imx"
)

// pumpConsole feeds bytes typed on in into the port's receiver until ctx is
// done, in reaches EOF or the detach key is pressed. The blocked read is
// abandoned on cancellation.
func pumpConsole(ctx context.Context, in *os.File, port *imx.Port) error {
	type chunk struct {
		data []byte
		err  error
	}
	reads := make(chan chunk)
	go func() {
		for {
			buf := make([]byte, 64)
			n, err := in.Read(buf)
			select {
			case reads <- chunk{buf[:n], err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-reads:
			if i := bytes.IndexByte(c.data, detachKey); i >= 0 {
				port.Receive(c.data[:i])
				return nil
			}
			port.Receive(c.data)
			if c.err != nil {
				return nil
			}
		}
	}
}
