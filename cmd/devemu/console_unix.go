//go:build unix

package main

import (
	"bytes"
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/devemu/internal/hostuart/imx"
)

const pollTimeoutMs = 100

// pumpConsole feeds bytes typed on in into the port's receiver until ctx is
// done, in reaches EOF or the detach key is pressed.
func pumpConsole(ctx context.Context, in *os.File, port *imx.Port) error {
	fd := int(in.Fd())
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		n, err = unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		data := buf[:n]
		if i := bytes.IndexByte(data, detachKey); i >= 0 {
			port.Receive(data[:i])
			return nil
		}
		port.Receive(data)
	}
}
