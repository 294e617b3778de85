package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"

	"github.com/qik-run/qik/internal/sched"
)

func TestWritePrefixedPrefixesEachLine(t *testing.T) {
	var buf bytes.Buffer
	u := &cli.BasicUi{Writer: &buf}

	writePrefixed(u, "build: ", []byte("line one\nline two\n"))

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "build: "))
	assert.Contains(t, out, "build: line one")
	assert.Contains(t, out, "build: line two")
}

func TestTerminalSinkEmitsStartedWriteAndFinished(t *testing.T) {
	var out bytes.Buffer
	sink := NewTerminalSink(&out, &out)

	sink.Started("build")
	sink.Write("build", []byte("compiling\n"))
	sink.Finished("build", sched.StatusSuccess, 0)
	sink.Close()

	text := out.String()
	assert.Contains(t, text, "build")
	assert.Contains(t, text, "compiling")
	assert.Contains(t, text, "exit 0")
}

func TestStatusLabelMapsTerminalStatuses(t *testing.T) {
	assert.Contains(t, statusLabel(sched.StatusSuccess), "done")
	assert.Contains(t, statusLabel(sched.StatusFailure), "failed")
	assert.Contains(t, statusLabel(sched.StatusSkipped), "skipped")
}
