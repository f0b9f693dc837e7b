// odinflash is a command-line client for the Odin firmware download
// protocol spoken by Samsung devices in download mode: upload or download
// the partition table, flash files to phone or modem storage, or dump raw
// chip contents.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"odinflash/internal/cli/ui"
	"odinflash/internal/config"
	"odinflash/internal/flash"
	"odinflash/internal/logging"
	"odinflash/internal/usb"
)

// CLI configuration flags
var (
	detect     = flag.Bool("detect", false, "check whether a supported device is attached")
	printInfo  = flag.Bool("print-info", false, "open a session and print the device type")
	sendPit    = flag.String("send-pit", "", "upload the given PIT file")
	receivePit = flag.String("receive-pit", "", "download the PIT into the given file")
	flashFile  = flag.String("flash", "", "upload the given file")
	dest       = flag.String("dest", "phone", "flash destination: phone or modem")
	fileID     = flag.Int("file-id", -1, "partition file identifier for phone uploads")
	dump       = flag.Bool("dump", false, "dump a raw chip region")
	chipType   = flag.Int("chip-type", 0, "chip type for -dump")
	chipID     = flag.Int("chip-id", 0, "chip id for -dump")
	out        = flag.String("out", "", "output file for -dump")
	reboot     = flag.Bool("reboot", false, "reboot the device when the session ends")
	verbose    = flag.Bool("verbose", false, "debug logging and descriptor dumps")
	delayMS    = flag.Int("delay", -1, "communication delay in ms after each packet")
	noTUI      = flag.Bool("no-tui", false, "plain console output instead of the TUI")
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitNoDevice = 2
)

// The port is the transport the protocol engine runs on.
var _ flash.Transport = (*usb.Port)(nil)

// portState shares the open port between the flow, the signal handler and
// the TUI teardown path, so interface release and kernel-driver
// reattachment always run before the process exits.
type portState struct {
	mu   sync.Mutex
	port *usb.Port
}

func (s *portState) Set(p *usb.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = p
}

// Close tears the port down once; later calls are no-ops.
func (s *portState) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
}

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, _ := config.LoadFlashConfig()
	if cfg.Verbose {
		*verbose = true
	}
	if cfg.DisableTUI {
		*noTUI = true
	}
	commDelay := time.Duration(cfg.CommDelay) * time.Millisecond
	if *delayMS >= 0 {
		commDelay = time.Duration(*delayMS) * time.Millisecond
	}

	logCfg := &logging.Config{Level: cfg.LogLevel, Output: cfg.LogOutput}
	if *verbose {
		logCfg.Level = "debug"
	}
	log, err := logging.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "odinflash: %v\n", err)
		return exitFailure
	}

	if *detect {
		if usb.Detect(log) {
			fmt.Println("Device detected")
			return exitOK
		}
		fmt.Println("Failed to detect compatible download-mode device")
		return exitNoDevice
	}

	action, runner, err := selectAction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "odinflash: %v\n", err)
		flag.Usage()
		return exitFailure
	}

	// Shared port state (accessible from all goroutines)
	state := &portState{}

	// Set up signal handler for clean shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	flow := func(progress func(int)) error {
		return runFlow(log, commDelay, state, runner, progress)
	}

	if *noTUI {
		// Release the device before dying on a signal; deferred
		// teardown never runs on signal exit.
		go func() {
			<-sigChan
			fmt.Fprintln(os.Stderr, "\nReceived shutdown signal.")
			state.Close()
			os.Exit(exitFailure)
		}()

		if err := flow(consoleProgress(os.Stdout)); err != nil {
			fmt.Fprintf(os.Stderr, "odinflash: %v\n", err)
			if errors.Is(err, usb.ErrNotDetected) {
				return exitNoDevice
			}
			return exitFailure
		}
		return exitOK
	}

	model := ui.NewModel(action)
	p := tea.NewProgram(model, tea.WithAltScreen())

	// A signal unwinds through the UI so the terminal is restored first.
	go func() {
		<-sigChan
		p.Quit()
	}()

	// Route protocol logging into the UI while it is up.
	log.SetOutput(uiLogWriter{p})

	done := make(chan error, 1)
	go func() {
		err := flow(func(percent int) {
			p.Send(ui.ProgressMsg{Percent: percent})
		})
		done <- err
		p.Send(ui.DoneMsg{Err: err})
	}()

	_, runErr := p.Run()
	log.SetOutput(os.Stderr)

	// If the UI was quit mid-flow, drop the port to abort outstanding
	// transfers, then join the flow so teardown has run before exit.
	var flowErr error
	select {
	case flowErr = <-done:
	default:
		state.Close()
		flowErr = <-done
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "odinflash: %v\n", runErr)
		return exitFailure
	}
	if flowErr != nil {
		fmt.Fprintf(os.Stderr, "odinflash: %v\n", flowErr)
		if errors.Is(flowErr, usb.ErrNotDetected) {
			return exitNoDevice
		}
		return exitFailure
	}
	return exitOK
}

// selectAction validates the flags and picks the single session operation
// to run.
func selectAction() (string, func(*flash.Client) error, error) {
	chosen := 0
	for _, set := range []bool{*printInfo, *sendPit != "", *receivePit != "", *flashFile != "", *dump} {
		if set {
			chosen++
		}
	}
	if chosen > 1 {
		return "", nil, fmt.Errorf("more than one action requested")
	}
	if chosen == 0 && !*reboot {
		return "", nil, fmt.Errorf("no action requested")
	}

	switch {
	case *printInfo:
		return "device info", func(c *flash.Client) error { return nil }, nil

	case *sendPit != "":
		path := *sendPit
		return "uploading PIT", func(c *flash.Client) error {
			pit, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return c.SendPIT(pit)
		}, nil

	case *receivePit != "":
		path := *receivePit
		return "downloading PIT", func(c *flash.Client) error {
			pit, err := c.ReceivePIT()
			if err != nil {
				return err
			}
			return os.WriteFile(path, pit, 0644)
		}, nil

	case *flashFile != "":
		path := *flashFile
		var destination flash.Destination
		switch *dest {
		case "phone":
			destination = flash.DestinationPhone
			if *fileID < 0 {
				return "", nil, fmt.Errorf("-dest phone requires -file-id")
			}
		case "modem":
			destination = flash.DestinationModem
			if *fileID >= 0 {
				return "", nil, fmt.Errorf("-dest modem does not take -file-id")
			}
		default:
			return "", nil, fmt.Errorf("unknown destination %q", *dest)
		}
		id := *fileID
		return "flashing " + path, func(c *flash.Client) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			return c.SendFile(f, info.Size(), destination, id)
		}, nil

	case *dump:
		if *out == "" {
			return "", nil, fmt.Errorf("-dump requires -out")
		}
		path := *out
		ct, ci := uint32(*chipType), uint32(*chipID)
		return "dumping chip", func(c *flash.Client) error {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return c.ReceiveDump(ct, ci, f)
		}, nil
	}

	// -reboot alone: open a session just to end it with a reboot.
	return "rebooting", func(c *flash.Client) error { return nil }, nil
}

// runFlow is the whole device conversation: open and claim, handshake,
// session, the chosen operation, session end, teardown. The opened port is
// published through state so the shutdown paths can drop it.
func runFlow(log *logging.Logger, commDelay time.Duration, state *portState, runner func(*flash.Client) error, progress func(int)) error {
	port, err := usb.Open(usb.Options{
		Log:       log,
		CommDelay: commDelay,
		Verbose:   *verbose,
	})
	if err != nil {
		return err
	}
	state.Set(port)
	defer state.Close()

	client := flash.NewClient(port, log)
	client.SetProgress(progress)

	if err := client.Initialize(); err != nil {
		return err
	}
	if err := client.BeginSession(); err != nil {
		return err
	}

	opErr := runner(client)

	// The session is ended even after a failed operation so the device is
	// left in a usable state.
	if err := client.EndSession(*reboot); err != nil && opErr == nil {
		opErr = err
	}
	return opErr
}

// consoleProgress renders integer percentages on one console line.
func consoleProgress(w io.Writer) func(int) {
	return func(percent int) {
		fmt.Fprintf(w, "\r%3d%%", percent)
		if percent >= 100 {
			fmt.Fprintln(w)
		}
	}
}

// uiLogWriter forwards log lines into the running UI.
type uiLogWriter struct {
	p *tea.Program
}

func (w uiLogWriter) Write(b []byte) (int, error) {
	w.p.Send(ui.AppendLogMsg{Log: string(b)})
	return len(b), nil
}
