// Command legacypc boots a 16-bit PC BIOS image on KVM.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/legacypc/internal/hv/kvm"
	"github.com/tinyrange/legacypc/internal/machine"
	"github.com/tinyrange/legacypc/internal/timeslice"
	termwin "github.com/tinyrange/legacypc/internal/term"
)

const (
	exitSetup = 1
	exitFatal = 2

	// detachKey (Ctrl-]) stops the machine from a raw terminal.
	detachKey = 0x1d
)

type exitError struct {
	code int
	err  error
	// reported is set once diagnostics for err were already printed.
	reported bool
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.reported {
				os.Exit(exitErr.code)
			}
			fmt.Fprintf(os.Stderr, "legacypc: %v\n", exitErr.err)
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "legacypc: %v\n", err)
		os.Exit(exitSetup)
	}
}

// fixCrlf keeps log lines readable while the terminal is in raw mode.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

func run() error {
	configPath := flag.String("config", "", "Machine configuration file (YAML)")
	biosPath := flag.String("bios", "", "BIOS ROM image (overrides the config file)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	memoryKB := flag.Int("memory", 0, "Conventional memory in KiB, at most 640")
	noConsole := flag.Bool("no-console", false, "Do not mirror the guest screen on this terminal")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration and exit")
	profile := flag.Bool("profile", false, "Log where run loop time was spent when the machine stops")
	profileOut := flag.String("profile-out", "", "Write every run loop timeslice to this file")
	fd0 := flag.String("fd0", "", "Floppy image for drive 00h")
	fd1 := flag.String("fd1", "", "Floppy image for drive 01h")
	hd0 := flag.String("hd0", "", "Hard disk image for drive 80h")
	hd1 := flag.String("hd1", "", "Hard disk image for drive 81h")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [bios.rom]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a real-mode PC BIOS image under KVM.\n")
		fmt.Fprintf(os.Stderr, "Press Ctrl-] to stop the machine.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := machine.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = machine.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *biosPath == "" && flag.NArg() > 0 {
		*biosPath = flag.Arg(0)
	}
	if *biosPath != "" {
		cfg.BIOS = *biosPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *memoryKB != 0 {
		cfg.MemoryKB = *memoryKB
	}
	if *noConsole {
		cfg.Console = machine.ConsoleNone
	}
	for _, img := range []struct {
		flag string
		dst  *string
	}{{*fd0, &cfg.FD0}, {*fd1, &cfg.FD1}, {*hd0, &cfg.HD0}, {*hd1, &cfg.HD1}} {
		if img.flag != "" {
			*img.dst = img.flag
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *dumpConfig {
		return machine.WriteConfig(os.Stdout, cfg)
	}

	level, err := machine.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	stderr := &fixCrlf{w: os.Stderr}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	useConsole := cfg.Console == machine.ConsoleTerminal
	var serialOut io.Writer = os.Stdout
	if useConsole {
		// The screen owns stdout.
		serialOut = stderr
	}

	var slices *timeslice.Recorder
	if *profile || *profileOut != "" {
		slices = timeslice.NewRecorder()
	}
	if *profileOut != "" {
		f, err := os.Create(*profileOut)
		if err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		defer f.Close()
		if err := slices.Stream(f); err != nil {
			return err
		}
	}
	defer func() {
		if slices == nil {
			return
		}
		if err := slices.Close(); err != nil {
			slog.Warn("flush profile", "error", err)
		}
		slog.Info("timeslices", "summary", slices.Summary())
	}()

	m, err := machine.New(h, cfg,
		machine.WithLogger(slog.Default()),
		machine.WithSerialOutput(serialOut),
		machine.WithTimeslices(slices),
	)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if useConsole {
		var in io.Reader
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("enable raw mode: %w", err)
			}
			defer term.Restore(fd, oldState)
			in = os.Stdin
		}

		console := termwin.New(os.Stdout, m.Video(), m.Keyboard(),
			termwin.WithLogger(slog.Default().With("component", "console")),
			termwin.WithEscapeKey(detachKey, cancel),
		)
		g.Go(func() error { return console.Run(runCtx, in) })
	} else {
		// Without a screen, stdin is the COM1 line. The read may block past
		// shutdown, so it stays outside the group.
		go func() {
			if err := m.FeedSerial(runCtx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("serial input stopped", "error", err)
			}
		}()
	}

	slog.Debug("booting", "bios", cfg.BIOS, "memoryKB", cfg.MemoryKB)
	err = m.Run(runCtx)
	cancel()
	if err := g.Wait(); err != nil {
		slog.Warn("console stopped", "error", err)
	}

	switch {
	case err == nil:
		slog.Info("machine halted", "exits", m.Exits())
		return nil
	case errors.Is(err, context.Canceled):
		slog.Info("machine stopped", "exits", m.Exits())
		return nil
	}

	var fatal *machine.FatalError
	if errors.As(err, &fatal) {
		machine.WriteDiagnostics(stderr, m.VM(), err)
		return &exitError{code: exitFatal, err: err, reported: true}
	}
	return &exitError{code: exitFatal, err: fmt.Errorf("run: %w", err)}
}
