package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/devemu/internal/board"
	"github.com/tinyrange/devemu/internal/devices"
	"github.com/tinyrange/devemu/internal/fdt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "devemu: %v\n", err)
		os.Exit(1)
	}
}

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

// detachKey ends a console session (Ctrl-]).
const detachKey = 0x1d

func run() error {
	configPath := flag.String("config", "", "Board description (YAML)")
	tracePath := flag.String("trace", "", "Replay a guest access trace (YAML)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	dtbDir := flag.String("dtb-dir", "", "Write each guest's device tree blob to this directory")
	stats := flag.Bool("stats", false, "Print device access metrics as JSON on exit")
	progress := flag.Bool("progress", false, "Show trace progress")
	transcriptPath := flag.String("transcript", "", "Write host UART output with escape sequences removed to this file")
	consoleName := flag.String("console", "", "Attach the terminal to the receive side of the named host i.MX UART")
	timeout := flag.Duration("timeout", 0, "Stop after this long")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config board.yaml [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Assemble a board of emulated guest devices and drive it with access traces.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}

	raw := *consoleName != "" && term.IsTerminal(int(os.Stdin.Fd()))

	var logOut io.Writer = os.Stderr
	if raw {
		logOut = &fixCrlf{w: os.Stderr}
	}
	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})))

	cfg, err := board.Load(*configPath)
	if err != nil {
		return err
	}

	var uartOut io.Writer = os.Stdout
	if raw {
		uartOut = &fixCrlf{w: os.Stdout}
	}
	if *transcriptPath != "" {
		f, err := os.Create(*transcriptPath)
		if err != nil {
			return fmt.Errorf("create transcript: %w", err)
		}
		defer f.Close()

		transcript := board.NewTranscript(f)
		defer transcript.Flush()
		uartOut = io.MultiWriter(uartOut, transcript)
	}

	b, err := board.Assemble(cfg, devices.Table(), uartOut, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("devemu: teardown", "err", err)
		}
	}()
	slog.Info("devemu: board assembled",
		"guests", len(b.Guests.List()),
		"devices", len(b.Devices.Instances()),
		"failed", len(b.ProbeErrors),
	)

	if *dtbDir != "" {
		if err := writeDeviceTrees(b, *dtbDir); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	consoleDone := make(chan error, 1)
	consoleCtx, detach := context.WithCancel(ctx)
	defer detach()
	if *consoleName != "" {
		port, ok := b.Port(*consoleName)
		if !ok {
			return fmt.Errorf("-console: no host i.MX UART %q (have %v)", *consoleName, b.PortNames())
		}
		if raw {
			oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("enable raw mode: %w", err)
			}
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
		slog.Info("devemu: console attached, Ctrl-] to detach", "uart", *consoleName)
		go func() {
			consoleDone <- pumpConsole(consoleCtx, os.Stdin, port)
		}()
	} else {
		close(consoleDone)
	}

	if *tracePath != "" {
		tr, err := board.LoadTrace(*tracePath)
		if err != nil {
			return err
		}

		var onStep func()
		if *progress {
			bar := progressbar.Default(int64(tr.Steps()), "trace")
			defer bar.Finish()
			onStep = func() { _ = bar.Add(1) }
		}
		if err := b.RunTrace(ctx, tr, onStep); err != nil {
			return fmt.Errorf("trace: %w", err)
		}
	}

	if err := <-consoleDone; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("console: %w", err)
	}

	if *stats {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(b.Devices.Metrics()); err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
	}
	return nil
}

func writeDeviceTrees(b *board.Board, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dtb dir: %w", err)
	}
	for _, g := range b.Guests.List() {
		root, err := b.DeviceTree(g.ID())
		if err != nil {
			return err
		}
		blob, err := fdt.Build(root)
		if err != nil {
			return fmt.Errorf("build device tree for %s: %w", g, err)
		}
		path := filepath.Join(dir, g.Name()+".dtb")
		if err := os.WriteFile(path, blob, 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		slog.Debug("devemu: wrote device tree", "guest", g.Name(), "path", path, "size", len(blob))
	}
	return nil
}
