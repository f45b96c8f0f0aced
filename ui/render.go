// Package ui renders run progress and results on the terminal, and
// optionally exports the same counters over Prometheus.
package ui

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/etnz/apt-mirror/mirror"
)

// Renderer polls the shared progress counters and drives a terminal
// progress bar. On non-TTY output it stays silent; the counters remain the
// single source of truth either way.
type Renderer struct {
	progress *mirror.Progress

	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	lastStep uint32
	stop     chan struct{}
	done     chan struct{}
	enabled  bool
}

// NewRenderer starts rendering the given progress on stderr. quiet
// suppresses the bar unconditionally.
func NewRenderer(p *mirror.Progress, quiet bool) *Renderer {
	r := &Renderer{
		progress: p,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		enabled:  !quiet && isatty.IsTerminal(os.Stderr.Fd()),
	}

	go r.loop()

	return r
}

// Refresh redraws immediately; drain loops call it between polls.
func (r *Renderer) Refresh() {
	r.update()
}

// Stop finishes the current bar and ends the render loop.
func (r *Renderer) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Renderer) loop() {
	defer close(r.done)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			r.finishBar()
			return
		case <-ticker.C:
			r.update()
		}
	}
}

func (r *Renderer) update() {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	step, total, name := r.progress.Step()
	if step == 0 {
		return
	}

	if step != r.lastStep {
		if r.bar != nil {
			r.bar.Finish()
		}
		r.bar = progressbar.NewOptions64(
			int64(r.progress.Files.Total()),
			progressbar.OptionSetDescription(fmt.Sprintf("[%d/%d] %s", step, total, name)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionShowCount(),
		)
		r.lastStep = step
	}

	r.bar.ChangeMax64(int64(r.progress.Files.Total()))
	r.bar.Set64(int64(r.progress.Files.Success() + r.progress.Files.Skipped() + r.progress.Files.Failed()))
}

func (r *Renderer) finishBar() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
}

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
)

// PrintResult writes the per-target outcome line.
func PrintResult(target string, result mirror.Result) {
	if result.Err() != nil {
		failColor.Fprintf(os.Stdout, "%s: %s\n", target, result)
		return
	}
	okColor.Fprintf(os.Stdout, "%s: %s\n", target, result)
}
