package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current phase of a command with elapsed or
// remaining seconds on a single terminal line.
//
//	p := NewProgressPrinter(os.Stderr, "Inspecting", "Connecting", "Processing results")
//	p.Start()
//	defer p.Stop()
//	inspector.InspectDevice(ctx, in, id, nil, p.Callback(), fn)
//
// Output only happens when w is a terminal. A ProgressPrinter is single-use.
type ProgressPrinter struct {
	w          io.Writer
	enabled    bool
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	countdown  time.Duration // zero counts up

	startOnce sync.Once
	stopOnce  sync.Once
	started   time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter counts elapsed seconds. Entering any of stopPhases
// stops the printer.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:          w,
		enabled:    isTerminal(w),
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter counts down from d instead.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(w, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins redrawing in the background. Later calls do nothing.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.started = time.Now()
		if !p.enabled {
			close(p.done)
			return
		}
		p.draw(p.phase.Load().(string), 0)
		go p.loop()
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
			phase := p.phase.Load().(string)
			if _, ok := p.stopPhases[phase]; ok {
				return
			}
			p.draw(phase, p.seconds())
		}
	}
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.started)
	if p.countdown == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	// round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) draw(phase string, seconds int) {
	label := color.New(color.FgYellow).Sprint(phase)
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, label, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, label)
	}
}

// Callback returns a progress callback that records the phase and stops the
// printer on a stop phase. It is safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, ok := p.stopPhases[phase]; ok {
			p.Stop()
		}
	}
}

// Phase is the last phase reported.
func (p *ProgressPrinter) Phase() string { return p.phase.Load().(string) }

// Stop ends redrawing and clears the line. It is idempotent.
func (p *ProgressPrinter) Stop() {
	p.Start()
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
