// Package ui renders scheduler output to the terminal: one prefixed,
// colored line stream per runnable, drained by a single goroutine so
// concurrent workers never interleave writes to the underlying
// terminal (spec §5: "output sink accessed under a single lock;
// workers enqueue output events, one rendering thread drains them").
//
// Grounded on turborepo's cli/internal/runcache/prefixed_writer.go (the
// line-prefixing writer) and its use of mitchellh/cli.ConcurrentUi as
// the underlying terminal abstraction.
package ui

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/mitchellh/cli"

	"github.com/qik-run/qik/internal/colorcache"
	"github.com/qik-run/qik/internal/sched"
)

type event struct {
	kind   eventKind
	slug   string
	data   []byte
	status sched.Status
	exit   int
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventWrite
	eventFinished
)

// TerminalSink is a sched.Sink that writes prefixed, colorized output
// through a mitchellh/cli.Ui, serialized through a single internal
// goroutine.
type TerminalSink struct {
	ui     cli.Ui
	colors *colorcache.ColorCache
	events chan event
	done   chan struct{}
}

// NewTerminalSink wraps out/err as a concurrent cli.Ui and starts the
// draining goroutine.
func NewTerminalSink(out, errOut io.Writer) *TerminalSink {
	s := &TerminalSink{
		ui: &cli.ConcurrentUi{
			Ui: &cli.BasicUi{Writer: out, ErrorWriter: errOut},
		},
		colors: colorcache.New(),
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *TerminalSink) Started(slug string) {
	s.events <- event{kind: eventStarted, slug: slug}
}

func (s *TerminalSink) Write(slug string, p []byte) {
	cp := make([]byte, len(p))
	copy(cp, p)
	s.events <- event{kind: eventWrite, slug: slug, data: cp}
}

func (s *TerminalSink) Finished(slug string, status sched.Status, exitCode int) {
	s.events <- event{kind: eventFinished, slug: slug, status: status, exit: exitCode}
}

// Close waits for all queued events to drain and stops the sink.
func (s *TerminalSink) Close() {
	close(s.events)
	<-s.done
}

func (s *TerminalSink) drain() {
	defer close(s.done)
	for ev := range s.events {
		prefix := s.colors.PrefixFor(ev.slug)
		switch ev.kind {
		case eventStarted:
			s.ui.Output(fmt.Sprintf("%s%s", prefix, color.New(color.Faint).Sprint("starting")))
		case eventWrite:
			writePrefixed(s.ui, prefix, ev.data)
		case eventFinished:
			s.ui.Output(fmt.Sprintf("%s%s (exit %d)", prefix, statusLabel(ev.status), ev.exit))
		}
	}
}

func statusLabel(s sched.Status) string {
	switch s {
	case sched.StatusSuccess:
		return color.GreenString("done")
	case sched.StatusFailure, sched.StatusUpstreamFailed:
		return color.RedString("failed")
	case sched.StatusSkipped:
		return color.YellowString("skipped")
	default:
		return string(s)
	}
}

// writePrefixed splits payload on newlines and prefixes each line,
// mirroring turborepo's prefixedWriter line-buffering behavior.
func writePrefixed(u cli.Ui, prefix string, payload []byte) {
	var buf bytes.Buffer
	newLine := true
	for _, b := range payload {
		if newLine {
			buf.WriteString(prefix)
			newLine = false
		}
		buf.WriteByte(b)
		if b == '\n' {
			newLine = true
		}
	}
	u.Output(buf.String())
}
