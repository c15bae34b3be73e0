/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package cli holds the terminal output helpers shared by the dataplane
commands.

COLORS:
=======
ANSI codes are applied through Colorize and the Printer methods, and are
dropped when NO_COLOR is set or stdout is not a terminal.

USAGE:
======

	cli.Success("Delivered %d messages", n)
	cli.KeyValue("Protocol", proto)
	cli.Table([]string{"ENDPOINT", "HOST"}, rows)
*/
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI codes for terminal output.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

// Icons prefixing status lines.
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconArrow   = "→"
)

var colorsEnabled = detectColors()

func detectColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := os.Stdout.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// SetColorsEnabled overrides terminal detection.
func SetColorsEnabled(enabled bool) {
	colorsEnabled = enabled
}

// Colorize wraps text in color when colors are enabled.
func Colorize(color, text string) string {
	if !colorsEnabled {
		return text
	}
	return color + text + Reset
}

// Printer writes status lines to Out and errors to Err.
type Printer struct {
	Out io.Writer
	Err io.Writer
}

var std = &Printer{Out: os.Stdout, Err: os.Stderr}

func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintln(p.Out, Colorize(Green, IconSuccess+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.Err, Colorize(Red, IconError+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Warning(format string, args ...interface{}) {
	fmt.Fprintln(p.Out, Colorize(Yellow, IconWarning+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Info(format string, args ...interface{}) {
	fmt.Fprintln(p.Out, Colorize(Cyan, IconInfo+" "+fmt.Sprintf(format, args...)))
}

// Hint prints a dimmed follow-up line.
func (p *Printer) Hint(format string, args ...interface{}) {
	fmt.Fprintln(p.Out, Colorize(Dim, "  "+IconArrow+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Header(text string) {
	fmt.Fprintln(p.Out, Colorize(Bold+Cyan, text))
}

func (p *Printer) KeyValue(key string, value interface{}) {
	fmt.Fprintf(p.Out, "  %s %v\n", Colorize(Dim, key+":"), value)
}

// Table writes rows under header with every column padded to its widest
// cell. Short rows are padded with empty cells.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			widths[i] = max(widths[i], len(r[i]))
		}
	}
	line := func(cells []string) string {
		var b strings.Builder
		for i, w := range widths {
			c := ""
			if i < len(cells) {
				c = cells[i]
			}
			if i == len(widths)-1 {
				b.WriteString(c)
				break
			}
			fmt.Fprintf(&b, "%-*s  ", w, c)
		}
		return "  " + strings.TrimRight(b.String(), " ")
	}
	fmt.Fprintln(p.Out, Colorize(Bold, line(header)))
	for _, r := range rows {
		fmt.Fprintln(p.Out, line(r))
	}
}

func Success(format string, args ...interface{}) { std.Success(format, args...) }
func Error(format string, args ...interface{})   { std.Error(format, args...) }
func Warning(format string, args ...interface{}) { std.Warning(format, args...) }
func Info(format string, args ...interface{})    { std.Info(format, args...) }
func Hint(format string, args ...interface{})    { std.Hint(format, args...) }
func Header(text string)                         { std.Header(text) }
func KeyValue(key string, value interface{})     { std.KeyValue(key, value) }
func Table(header []string, rows [][]string)     { std.Table(header, rows) }
