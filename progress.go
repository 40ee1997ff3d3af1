package gotransfer

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/docker/go-units"
	"golang.org/x/term"
)

// ProgressSink receives the cumulative number of bytes moved after every
// chunk. total is -1 when the size is not known in advance.
type ProgressSink interface {
	Progress(transferred, total int64)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(transferred, total int64)

func (f ProgressFunc) Progress(transferred, total int64) { f(transferred, total) }

type nopProgress struct{}

func (nopProgress) Progress(int64, int64) {}

// consoleProgress redraws one line on a terminal and prints every tenth
// of the transfer otherwise.
type consoleProgress struct {
	mu       sync.Mutex
	w        io.Writer
	label    string
	tty      bool
	lastStep int64
	finished bool
}

func newConsoleProgress(w io.Writer, label string) *consoleProgress {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &consoleProgress{w: w, label: label, tty: tty, lastStep: -1}
}

func (p *consoleProgress) Progress(transferred, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}

	if total <= 0 {
		if p.tty {
			fmt.Fprintf(p.w, "\r%s: %s", p.label, units.BytesSize(float64(transferred)))
		}
		return
	}

	pct := transferred * 100 / total
	if p.tty {
		fmt.Fprintf(p.w, "\r%s: %3d%% %s/%s", p.label, pct,
			units.BytesSize(float64(transferred)), units.BytesSize(float64(total)))
		if transferred >= total {
			fmt.Fprintln(p.w)
			p.finished = true
		}
		return
	}

	step := pct / 10
	if step == p.lastStep {
		return
	}
	p.lastStep = step
	fmt.Fprintf(p.w, "%s: %d%% (%s of %s)\n", p.label, pct,
		units.BytesSize(float64(transferred)), units.BytesSize(float64(total)))
	if transferred >= total {
		p.finished = true
	}
}

// countingWriter reports the running total to a sink on every write.
type countingWriter struct {
	w     io.Writer
	n     int64
	total int64
	sink  ProgressSink
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.n += int64(n)
		c.sink.Progress(c.n, c.total)
	}
	return n, err
}

// countingReader reports the running total to a sink on every read.
type countingReader struct {
	r     io.Reader
	n     int64
	total int64
	sink  ProgressSink
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.sink.Progress(c.n, c.total)
	}
	return n, err
}
