package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/cyris-project/cyris/pkg/events"
)

// Reporter renders orchestrator notifications. It never decides control
// flow; it only displays what the workflow reports.
type Reporter interface {
	StartPhase(name string)
	Step(message string)
	ReportError(context string, logPath string)
	Finish(success bool, elapsed time.Duration)
}

// Auto picks the color reporter on an interactive terminal and the plain
// reporter otherwise.
func Auto(out io.Writer) Reporter {
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return NewColor(out)
	}
	return NewPlain(out)
}

// Plain is the default non-TTY reporter, emitting the legacy
// "* INFO: cyris:" message format.
type Plain struct {
	out io.Writer
}

// NewPlain creates a plain-text reporter.
func NewPlain(out io.Writer) *Plain {
	if out == nil {
		out = os.Stdout
	}
	return &Plain{out: out}
}

func (p *Plain) StartPhase(name string) {
	fmt.Fprintf(p.out, "* INFO: cyris: %s\n", name)
}

func (p *Plain) Step(message string) {
	fmt.Fprintf(p.out, "* INFO: cyris:   %s\n", message)
}

func (p *Plain) ReportError(context, logPath string) {
	fmt.Fprintf(p.out, "* ERROR: cyris: %s\n", context)
	if logPath != "" {
		fmt.Fprintf(p.out, "* ERROR: cyris: check the log file for details: %s\n", logPath)
	}
}

func (p *Plain) Finish(success bool, elapsed time.Duration) {
	result := "SUCCESS"
	if !success {
		result = "FAILURE"
	}
	fmt.Fprintf(p.out, "* INFO: cyris: Creation result: %s (took %.1fs)\n",
		result, elapsed.Seconds())
}

// Color is the interactive reporter: phase headers, checkmark steps and a
// colored summary line.
type Color struct {
	out   io.Writer
	phase string
	ok    *color.Color
	bad   *color.Color
	head  *color.Color
}

// NewColor creates the interactive reporter.
func NewColor(out io.Writer) *Color {
	if out == nil {
		out = os.Stdout
	}
	return &Color{
		out:  out,
		ok:   color.New(color.FgGreen),
		bad:  color.New(color.FgRed, color.Bold),
		head: color.New(color.FgCyan, color.Bold),
	}
}

func (c *Color) StartPhase(name string) {
	c.phase = name
	c.head.Fprintf(c.out, "==> %s\n", name)
}

func (c *Color) Step(message string) {
	fmt.Fprintf(c.out, "    %s %s\n", c.ok.Sprint("✓"), message)
}

func (c *Color) ReportError(context, logPath string) {
	c.bad.Fprintf(c.out, "    ✗ %s\n", context)
	if logPath != "" {
		fmt.Fprintf(c.out, "      log: %s\n", logPath)
	}
}

func (c *Color) Finish(success bool, elapsed time.Duration) {
	if success {
		c.ok.Fprintf(c.out, "Creation result: SUCCESS (took %.1fs)\n", elapsed.Seconds())
	} else {
		c.bad.Fprintf(c.out, "Creation result: FAILURE (took %.1fs)\n", elapsed.Seconds())
	}
}

// Attach subscribes the reporter to a broker and renders events until the
// subscription channel closes. Only event types the orchestrator does not
// also report directly are rendered here, so each message reaches the
// terminal exactly once. Runs until Unsubscribe or broker stop.
func Attach(r Reporter, b *events.Broker) func() {
	sub := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			switch ev.Type {
			case events.EventStep, events.EventTaskCompleted, events.EventImageBuilt:
				r.Step(ev.Message)
			case events.EventTaskFailed, events.EventGuestUnreachable:
				r.ReportError(ev.Message, ev.Metadata["log_path"])
			}
		}
	}()
	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}
