// Command perch boots a modeled machine: build (or load) an initrd,
// construct the board, run the kernel and stream the console to the
// terminal.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
	"golang.org/x/term"

	"github.com/perchos/perch"
	"github.com/perchos/perch/internal/hw"
	"github.com/perchos/perch/internal/loader"
	"github.com/perchos/perch/internal/omar"
	"github.com/perchos/perch/internal/param"
)

const demoInit = "/bin/init"

// demoImage builds a minimal initrd with an init executable when the
// user supplied none.
func demoImage() ([]byte, error) {
	img := loader.MakeImage(0x400000, []loader.BuildSegment{
		{VAddr: 0x400000, Flags: loader.SegRX, Data: make([]byte, 4096)},
		{VAddr: 0x402000, Flags: loader.SegRW, Data: make([]byte, 1024)},
	})

	w := omar.NewWriter()
	if err := w.AddDir("bin", 0o755); err != nil {
		return nil, err
	}
	if err := w.AddFile("bin/init", 0o755, img); err != nil {
		return nil, err
	}
	return w.Finish(), nil
}

// bindDemoInit attaches a body to the demo init: greet through the
// write syscall, then exit cleanly.
func bindDemoInit(m *perch.Machine) {
	m.Loader.Bind(demoInit, func(cpu *hw.UserCPU) {
		msg := []byte("init: hello from user space\n")
		va := param.StackTop - param.StackLen
		cpu.Write(va, msg)
		cpu.Syscall(2, 1, va, uint64(len(msg)))
		cpu.Syscall(1, 0)
	})
}

func run() error {
	var (
		configPath  = flag.String("config", "", "machine description (YAML)")
		initrdPath  = flag.String("initrd", "", "initrd image (OMAR)")
		snapshot    = flag.Bool("snapshot", false, "print the rendered screen after the run")
		interactive = flag.Bool("i", false, "forward terminal input to the console")
		verbose     = flag.Bool("v", false, "kernel debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := perch.Config{Serial: os.Stdout}
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			return err
		}
	}

	usingDemo := false
	if *initrdPath != "" {
		img, err := os.ReadFile(*initrdPath)
		if err != nil {
			return err
		}
		cfg.Initrd = img
	} else {
		img, err := demoImage()
		if err != nil {
			return err
		}
		cfg.Initrd = img
		usingDemo = true
	}

	// Mirror the serial console into a terminal emulator so the
	// final screen can be rendered.
	var emu *vt.SafeEmulator
	if *snapshot {
		emu = vt.NewSafeEmulator(80, 25)
		cfg.Serial = io.MultiWriter(cfg.Serial, emu)
	}

	m, err := perch.NewMachine(cfg)
	if err != nil {
		return err
	}
	if usingDemo {
		bindDemoInit(m)
	}

	if *interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), old)
			go func() {
				buf := make([]byte, 64)
				for {
					n, err := os.Stdin.Read(buf)
					if err != nil {
						return
					}
					m.Console.PushInput(buf[:n])
				}
			}()
		}
	}

	if err := m.Boot(); err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	m.Run()

	if m.Rebooting() {
		fmt.Fprintln(os.Stdout, ansi.Style{}.Bold().Styled("machine requested reboot"))
	}
	if emu != nil {
		printScreen(emu)
	}
	return nil
}

// printScreen renders the emulator grid row by row.
func printScreen(emu *vt.SafeEmulator) {
	fmt.Println(ansi.Style{}.Faint().Styled("--- console screen ---"))
	for y := 0; y < 25; y++ {
		line := make([]byte, 0, 80)
		for x := 0; x < 80; x++ {
			content := " "
			if cell := emu.CellAt(x, y); cell != nil && cell.Content != "" {
				content = cell.Content
			}
			line = append(line, content...)
		}
		fmt.Println(string(line))
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "perch:", err)
		os.Exit(1)
	}
}
