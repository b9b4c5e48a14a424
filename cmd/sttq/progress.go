package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// progressLog prints step-by-step progress for humans, with a spinner on a
// terminal. Structured logs go to the logger; this is the short summary on
// stdout.
type progressLog struct {
	w     io.Writer
	isTTY bool
	theme theme
	mu    sync.Mutex
}

func newProgressLog(w io.Writer, isTTY bool) *progressLog {
	return &progressLog{w: w, isTTY: isTTY, theme: newTheme()}
}

// Step prints a completed step with a checkmark.
func (p *progressLog) Step(format string, args ...any) {
	p.line(p.theme.ok.Render("✓"), fmt.Sprintf(format, args...))
}

// StepTimed prints a completed step with its duration.
func (p *progressLog) StepTimed(d time.Duration, format string, args ...any) {
	msg := fmt.Sprintf(format, args...) + " " + p.theme.muted.Render(fmt.Sprintf("(%s)", d.Round(time.Second)))
	p.line(p.theme.ok.Render("✓"), msg)
}

// Warn prints a step that finished with something to look at.
func (p *progressLog) Warn(format string, args ...any) {
	p.line(p.theme.warn.Render("!"), fmt.Sprintf(format, args...))
}

// Fail prints a failed step.
func (p *progressLog) Fail(format string, args ...any) {
	p.line(p.theme.fail.Render("✗"), fmt.Sprintf(format, args...))
}

// Info prints a plain line.
func (p *progressLog) Info(format string, args ...any) {
	p.line(" ", fmt.Sprintf(format, args...))
}

func (p *progressLog) line(mark, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", mark, msg)
}

// StartSpinner starts an animated spinner for a long-running step and
// returns the function that stops it and prints the final checkmark. On a
// non-terminal it prints the message once and the checkmark on stop.
func (p *progressLog) StartSpinner(msg string) func() {
	if !p.isTTY {
		p.Info("%s", msg)
		return func() { p.Step("%s", msg) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.mu.Lock()
				fmt.Fprintf(p.w, "\r%c %s", frames[i], msg)
				p.mu.Unlock()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			p.mu.Lock()
			fmt.Fprint(p.w, "\r")
			p.mu.Unlock()
			p.Step("%s", msg)
		})
	}
}
