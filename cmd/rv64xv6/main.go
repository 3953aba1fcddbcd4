// Command rv64xv6 boots a kernel image under the RV64IMA hart in
// internal/riscv, wiring host stdin to the guest UART and driving the
// step loop until the guest halts or requests shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"rv64xv6/internal/config"
	"rv64xv6/internal/riscv"
)

// progressThreshold is the image size above which loading reports
// progress; small kernels and disk images load silently.
const progressThreshold = 1 << 20

func main() {
	if err := run(); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "rv64xv6: %v\n", err)
			os.Exit(2)
		}
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func run() error {
	ramSize := flag.Uint64("ram", riscv.RAMSize, "guest RAM size in bytes")
	configPath := flag.String("config", "", "path to a YAML config overlay")
	yieldAfter := flag.Int64("yield", 200000, "instructions executed per scheduling quantum")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-ram bytes] [-config path] <kernel image> [disk image]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 || len(args) > 2 {
		flag.Usage()
		return usageError{"expected a kernel image and an optional disk image"}
	}
	kernelPath := args[0]

	bases := riscv.MMIOBases{}
	size := *ramSize
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.RAMSize != 0 {
			size = cfg.RAMSize
		}
		bases = riscv.MMIOBases{
			CLINTBase: cfg.MMIO.CLINTBase,
			PLICBase:  cfg.MMIO.PLICBase,
			UARTBase:  cfg.MMIO.UARTBase,
			DiskBase:  cfg.MMIO.DiskBase,
			KBDBase:   cfg.MMIO.KBDBase,
		}
	}

	kernel, err := readImage(kernelPath, "kernel")
	if err != nil {
		return err
	}

	var diskImage []byte
	if len(args) == 2 {
		diskImage, err = readImage(args[1], "disk")
		if err != nil {
			return err
		}
	}

	machine := riscv.NewMachineWithBases(size, os.Stdout, diskImage, bases)
	if err := machine.LoadBytes(machine.MemoryBase(), kernel); err != nil {
		return fmt.Errorf("loading kernel image into RAM: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	restore := wireStdin(ctx, machine)
	defer restore()

	// No real GUI backend exists in this repository (out of core scope,
	// see SPEC_FULL.md §6), so nothing calls machine.Keyboard().PushScancode
	// here; the method exists so a future host window loop has a concrete
	// target, and tests exercise it directly.

	if err := machine.Run(ctx, *yieldAfter); err != nil {
		if errors.Is(err, riscv.ErrHalt) || errors.Is(err, context.Canceled) {
			return nil
		}
		if _, fatal := machine.LastFatal(); fatal {
			return fmt.Errorf("fatal trap: %w", err)
		}
		return err
	}
	return nil
}

// readImage loads a kernel or disk image from disk, reporting progress
// through progressbar for anything large enough to be worth watching.
func readImage(path, kind string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s image %s: %w", kind, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s image %s: %w", kind, path, err)
	}

	var r io.Reader = f
	if info.Size() > progressThreshold {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %s", kind))
		defer bar.Close()
		r = io.TeeReader(f, bar)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s image %s: %w", kind, path, err)
	}
	return data, nil
}

// wireStdin puts the terminal into raw mode (when it is one) and starts a
// goroutine feeding stdin bytes to the guest UART, per SPEC_FULL.md §5's
// stdin-reader host loop. It returns a restore func that undoes the raw
// mode switch; callers must call it before exiting.
//
// The reader goroutine is a bare goroutine, not an errgroup: os.Stdin.Read
// has no way to be woken by ctx.Done(), so there is nothing useful to join
// on at shutdown — the process exits out from under it instead, and the
// ctx check only short-circuits the loop once a read happens to return.
func wireStdin(ctx context.Context, machine *riscv.Machine) func() {
	fd := int(os.Stdin.Fd())
	restore := func() {}

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			slog.Warn("failed to put stdin in raw mode", "err", err)
		} else {
			restore = func() { term.Restore(fd, oldState) }
		}
	}

	go func() {
		buf := make([]byte, 1)
		for ctx.Err() == nil {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				machine.UART().EnqueueInput(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	return restore
}
