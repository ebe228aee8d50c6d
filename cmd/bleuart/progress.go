package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/srg/bleuart/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single status line updated with the current phase
// and either the elapsed or the remaining seconds.
//
//	p := NewProgressPrinter(os.Stdout, "Connecting to AA:BB", "Connecting", "Connected")
//	p.Start()
//	defer p.Stop()
//	run(ctx, p.Callback())
//
// A ProgressPrinter is single-use. Stop must be called to release the
// goroutine started by Start.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value
	stopPhases map[string]struct{}
	countdown  time.Duration // zero counts up
	enabled    bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	startTime time.Time
}

// NewProgressPrinter creates a printer that shows elapsed time. Setting one
// of stopPhases through Callback stops the printer.
func NewProgressPrinter(out io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		enabled:    isTerminal(out),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from d.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

// Start begins redrawing the status line. Output that is not a terminal gets
// no status line at all.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.startTime = time.Now()
		if !p.enabled {
			close(p.done)
			return
		}
		p.draw()
		groutine.Go(context.Background(), "progress", func(context.Context) { p.loop() })
	})
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if _, ok := p.stopPhases[p.phase.Load().(string)]; ok {
				return
			}
			p.draw()
		}
	}
}

func (p *ProgressPrinter) draw() {
	phase := p.phase.Load().(string)
	elapsed := time.Since(p.startTime)

	seconds := int(elapsed.Seconds())
	if p.countdown > 0 {
		// rounded to the nearest second, clamped at zero
		seconds = max(int((p.countdown-elapsed).Seconds()+0.5), 0)
	}

	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase callback for the scanner or the bridge. It is
// safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, ok := p.stopPhases[phase]; ok {
			p.Stop()
		}
	}
}

// Stop clears the status line. It is safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		p.startOnce.Do(func() { close(p.done) })
		close(p.stop)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}

// isTerminal reports whether v is a terminal; stdin and stdout are checked
// the same way.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
