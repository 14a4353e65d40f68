package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hyperengineering/pulse"
)

const pulseFrameDelay = 90 * time.Millisecond

// pulseFrames draw a heartbeat trace.
var pulseFrames = []string{"▁", "▂", "▅", "█", "▅", "▂", "▁", "▁"}

// pulseSpinner animates while a sync context operation is in flight and
// shows the context's live connection status next to the message.
type pulseSpinner struct {
	w       io.Writer
	message string

	mu     sync.Mutex
	status pulse.ConnectionStatus
	width  int

	stop chan struct{}
	done sync.WaitGroup
}

func (s *pulseSpinner) setStatus(st pulse.ConnectionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *pulseSpinner) line(frame int) string {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	beat := lipgloss.NewStyle().Foreground(colorPrimary).Render(pulseFrames[frame%len(pulseFrames)])
	line := fmt.Sprintf("%s %s %s", beat, s.message, mutedStyle.Render("("+string(status)+")"))
	if w := lipgloss.Width(line); w > s.width {
		s.width = w
	}
	return line
}

func (s *pulseSpinner) run() {
	defer s.done.Done()
	ticker := time.NewTicker(pulseFrameDelay)
	defer ticker.Stop()
	for frame := 0; ; frame++ {
		fmt.Fprintf(s.w, "\r%s", s.line(frame))
		select {
		case <-s.stop:
			fmt.Fprint(s.w, "\r"+strings.Repeat(" ", s.width)+"\r")
			return
		case <-ticker.C:
		}
	}
}

// runWithSpinner runs operation against sc with a heartbeat spinner on w,
// usually stderr so JSON on stdout stays clean. Without a terminal it
// prints the message once.
func runWithSpinner(w io.Writer, sc *pulse.SyncContext, message string, operation func() error) error {
	if !isTTY() {
		fmt.Fprintf(w, "%s...\n", message)
		return operation()
	}

	s := &pulseSpinner{w: w, message: message, status: sc.Status(), stop: make(chan struct{})}
	unsubscribe := sc.OnStatus(s.setStatus)
	s.done.Add(1)
	go s.run()

	err := operation()

	unsubscribe()
	close(s.stop)
	s.done.Wait()
	return err
}
