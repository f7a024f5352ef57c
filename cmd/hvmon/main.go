// Command hvmon boots one VM from a YAML config plus BIOS/kernel images,
// reporting load progress and attaching the calling terminal as vCPU 0's
// console.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/vm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hvmon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "VM config YAML path")
	biosPath := flag.String("bios", "", "BIOS image path")
	kernelPath := flag.String("kernel", "", "kernel image path")
	debugFile := flag.String("debug-file", "", "write debug trace stream to file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: hvmon -config <path> -bios <path> -kernel <path>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" || *biosPath == "" || *kernelPath == "" {
		flag.Usage()
		return fmt.Errorf("-config, -bios, and -kernel are required")
	}

	if *debugFile != "" {
		if err := debug.OpenFile(*debugFile); err != nil {
			return fmt.Errorf("open debug file: %w", err)
		}
		defer debug.Close()
	}

	cfg, err := vm.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bios, err := readWithProgress(*biosPath, "bios")
	if err != nil {
		return err
	}
	kernel, err := readWithProgress(*kernelPath, "kernel")
	if err != nil {
		return err
	}

	restore, err := enableRawConsole()
	if err != nil {
		return fmt.Errorf("enable raw console: %w", err)
	}
	defer restore()

	machine, err := vm.Create(cfg, bios, kernel, vm.WithPrimaryConsole(os.Stdout, os.Stdin))
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	defer machine.Close()

	if err := machine.Boot(); err != nil {
		return fmt.Errorf("boot VM: %w", err)
	}

	fmt.Fprintf(os.Stderr, "hvmon: booted VM %d with %d vCPU(s)\n", cfg.VMID, len(machine.VCpus))
	return nil
}

// readWithProgress reads path in full, reporting copy progress the same
// way the teacher's internal/cmd/benchmark reports iteration progress:
// a schollz/progressbar/v3 bar driven by an io.Copy.
func readWithProgress(path, label string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %s", label))
	defer bar.Close()

	var buf sliceWriter
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return buf.b, nil
}

type sliceWriter struct{ b []byte }

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

// enableRawConsole puts stdin into raw mode for the primary vCPU's
// console, mirroring the teacher's own term.IsTerminal/term.MakeRaw/
// term.Restore sequence around its serial-console frontend
// (internal/cmd/cc/main.go). It is a no-op when stdin is not a terminal.
func enableRawConsole() (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}
