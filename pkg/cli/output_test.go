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

package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newPrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errb bytes.Buffer
	return &Printer{Out: &out, Err: &errb}, &out, &errb
}

func TestColorize(t *testing.T) {
	original := colorsEnabled
	defer SetColorsEnabled(original)

	SetColorsEnabled(true)
	if got := Colorize(Red, "x"); got != Red+"x"+Reset {
		t.Errorf("Expected colored text, got %q", got)
	}
	SetColorsEnabled(false)
	if got := Colorize(Red, "x"); got != "x" {
		t.Errorf("Expected plain text, got %q", got)
	}
}

func TestStatusLines(t *testing.T) {
	original := colorsEnabled
	defer SetColorsEnabled(original)
	SetColorsEnabled(false)

	tests := []struct {
		name   string
		print  func(p *Printer)
		stderr bool
		want   string
	}{
		{"success", func(p *Printer) { p.Success("sent %d", 3) }, false, IconSuccess + " sent 3\n"},
		{"error", func(p *Printer) { p.Error("failed: %s", "x") }, true, IconError + " failed: x\n"},
		{"warning", func(p *Printer) { p.Warning("slow") }, false, IconWarning + " slow\n"},
		{"info", func(p *Printer) { p.Info("scanning") }, false, IconInfo + " scanning\n"},
		{"hint", func(p *Printer) { p.Hint("retry") }, false, "  " + IconArrow + " retry\n"},
		{"keyvalue", func(p *Printer) { p.KeyValue("Protocol", "pio") }, false, "  Protocol: pio\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out, errb := newPrinter()
			tt.print(p)
			got := out.String()
			if tt.stderr {
				got = errb.String()
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTable(t *testing.T) {
	original := colorsEnabled
	defer SetColorsEnabled(original)
	SetColorsEnabled(false)

	p, out, _ := newPrinter()
	p.Table([]string{"NAME", "HOST"}, [][]string{
		{"ocpi-smb-pio:a", "10.0.0.1"},
		{"b"},
	})
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	want := []string{
		"  NAME            HOST",
		"  ocpi-smb-pio:a  10.0.0.1",
		"  b",
	}
	if len(lines) != len(want) {
		t.Fatalf("Expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("Line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}
