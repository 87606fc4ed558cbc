package ui

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// defaultShutdownTimeout gives the model time to finish after a SignalCancelMsg
const defaultShutdownTimeout = 100 * time.Millisecond

// SignalCancelMsg is sent to the program when SIGINT or SIGTERM arrives
type SignalCancelMsg struct {
	Signal os.Signal
}

// SetupSignalHandling routes SIGINT and SIGTERM to p as a SignalCancelMsg so the model
// can abort cleanly. A second signal, or shutdownTimeout passing, exits the process.
// Call it before p.Run(); closing the returned channel marks a clean exit.
func SetupSignalHandling(p *tea.Program, shutdownTimeout time.Duration) chan<- struct{} {
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	tea.WithoutSignalHandler()(p)

	sigChan := make(chan os.Signal, 1)
	doneCh := make(chan struct{})
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)

		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-doneCh:
			return
		}
		p.Send(SignalCancelMsg{Signal: sig})

		timer := time.NewTimer(shutdownTimeout)
		defer timer.Stop()

		select {
		case <-sigChan:
			fmt.Fprintf(os.Stderr, "\nForce quitting...\n")
			os.Exit(130)
		case <-timer.C:
			fmt.Fprintf(os.Stderr, "\nTimeout waiting for the receiver, force quitting...\n")
			os.Exit(130)
		case <-doneCh:
		}
	}()
	return doneCh
}
