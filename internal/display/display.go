// Package display carries user-facing messages to the locker's 20x4
// character LCD. Rendering stays outside this repository; the sink here just
// bounds and forwards lines.
package display

import (
	"strings"

	"github.com/qppd/parcel-box/internal/monitoring"
)

// Columns is the width of the character display.
const Columns = 20

// Rows is the number of display lines.
const Rows = 4

// Lines is one full screen of text.
type Lines [Rows]string

// Sink consumes display updates.
type Sink interface {
	Show(lines Lines)
}

// Message builds a screen from up to four lines, truncating each to the
// display width.
func Message(lines ...string) Lines {
	var out Lines
	for i := 0; i < len(lines) && i < Rows; i++ {
		line := lines[i]
		if len(line) > Columns {
			line = line[:Columns]
		}
		out[i] = line
	}
	return out
}

// LogSink writes display updates to the diagnostic log. Used when no LCD
// bridge is attached.
type LogSink struct{}

func (LogSink) Show(lines Lines) {
	parts := make([]string, 0, Rows)
	for _, l := range lines {
		if l != "" {
			parts = append(parts, l)
		}
	}
	monitoring.Logf("display: %s", strings.Join(parts, " / "))
}
