package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a countdown while a bounded operation runs.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(w, "Scanning", 10*time.Second)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop is safe to call more than once.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	duration time.Duration

	once     sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCountdownProgressPrinter counts down from duration on w.
func NewCountdownProgressPrinter(w io.Writer, prefix string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins displaying progress in a background goroutine.
func (p *ProgressPrinter) Start() {
	p.once.Do(func() {
		start := time.Now()
		fmt.Fprintf(p.w, "\r%s...   ", p.prefix)
		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					// Round to the nearest second
					remaining := p.duration - time.Since(start)
					seconds := 0
					if remaining > 0 {
						seconds = int(remaining.Seconds() + 0.5)
					}
					fmt.Fprintf(p.w, "\r%s (%ds)   ", p.prefix, seconds)
				}
			}
		}()
	})
}

// Stop ends the display and clears the line.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		started := true
		p.once.Do(func() { started = false })
		if started {
			<-p.done
		}
		fmt.Fprint(p.w, clearLineSequence)
	})
}
