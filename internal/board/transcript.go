package board

import (
	"bytes"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Transcript is an io.Writer that records host UART output one line at a
// time with ANSI escape sequences removed.
type Transcript struct {
	mu   sync.Mutex
	w    io.Writer
	line []byte
}

// NewTranscript returns a Transcript writing cleaned lines to w.
func NewTranscript(w io.Writer) *Transcript {
	return &Transcript{w: w}
}

func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.line = append(t.line, p...)
	for {
		i := bytes.IndexByte(t.line, '\n')
		if i < 0 {
			break
		}
		if err := t.emit(t.line[:i]); err != nil {
			return len(p), err
		}
		t.line = t.line[i+1:]
	}
	return len(p), nil
}

// Flush writes any unterminated trailing line.
func (t *Transcript) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.line) == 0 {
		return nil
	}
	err := t.emit(t.line)
	t.line = nil
	return err
}

func (t *Transcript) emit(line []byte) error {
	clean := ansi.Strip(string(bytes.TrimSuffix(line, []byte("\r"))))
	_, err := io.WriteString(t.w, clean+"\n")
	return err
}
