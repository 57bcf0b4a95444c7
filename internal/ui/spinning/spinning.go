// Package spinning shows a spinning symbol on the terminal while a long operation (loading the data,
// evaluating) runs, and handles interruptions gracefully.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
	"k8s.io/klog/v2"
)

// Spinning display, created with New and stopped with Done.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

var (
	ThemeAscii = []rune(`|/-\`)
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")

	// Theme defaults to ThemeAscii, but it can be set to anything else.
	Theme = ThemeAscii

	// Period between updates of the symbol.
	Period = 250 * time.Millisecond
)

// SafeInterrupt captures SigInt (Ctrl+C) and SigTerm and calls onInterrupt, typically the cancel function of
// the training context.
// If the program hasn't exited after gracePeriod, it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), stopping training at the next batch... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset(os.Stdout)
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset(w io.Writer) {
	_, _ = fmt.Fprint(w, "\033[?25h\033[39;49;0m\n")
}

// New starts a spinning display, following the message, on a separate goroutine.
// It stops when Spinning.Done is called or the context is cancelled.
//
// If w is not a terminal, only the message is printed.
func New(ctx context.Context, w io.Writer, message string) *Spinning {
	s := &Spinning{}
	_, _ = fmt.Fprint(w, message)
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprintln(w)
		return s
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Period)
		defer ticker.Stop()
		_, _ = fmt.Fprint(w, "\033[?25l")                      // Hide cursor.
		defer func() { _, _ = fmt.Fprint(w, "\033[?25h\n") }() // Restore cursor.
		_, _ = fmt.Fprint(w, " ")
		for idx := 0; ; idx = (idx + 1) % len(Theme) {
			_, _ = fmt.Fprintf(w, "\b%c", Theme[idx])
			select {
			case <-ctx.Done():
				_, _ = fmt.Fprint(w, "\b ")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinning display and waits for it to finish.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
