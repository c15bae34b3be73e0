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
Package banner prints the startup banner of the dataplane commands.

USAGE:
======

	banner.PrintTo(os.Stdout, "Dataplane Discover", "Endpoint discovery")
	banner.PrintWithConfigTo(os.Stdout, cfg)
*/
package banner

import (
	"fmt"
	"io"
	"strings"

	"code.cloudfoundry.org/bytefmt"

	"dataplane/internal/config"
)

const bannerText = `     _       _              _
  __| | __ _| |_ __ _ _ __ | | __ _ _ __   ___
 / _' |/ _' | __/ _' | '_ \| |/ _' | '_ \ / _ \
| (_| | (_| | || (_| | |_) | | (_| | | | |  __/
 \__,_|\__,_|\__\__,_| .__/|_|\__,_|_| |_|\___|
                     |_|
`

// ANSI escape codes for terminal text formatting.
const (
	AnsiGreen  = "\033[32m"
	AnsiYellow = "\033[33m"
	AnsiCyan   = "\033[36m"
	AnsiReset  = "\033[0m"
	AnsiBold   = "\033[1m"
	AnsiDim    = "\033[2m"
)

// Version information
const (
	Version   = "0.9.0"
	Copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
	License   = "Licensed under Apache License 2.0"
)

// GetBannerLines returns the banner as individual lines.
func GetBannerLines() []string {
	return strings.Split(strings.TrimRight(bannerText, "\n"), "\n")
}

// PrintTo writes the banner with a title line and a dimmed subtitle.
func PrintTo(w io.Writer, title, subtitle string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, AnsiCyan+AnsiBold)
	for _, line := range GetBannerLines() {
		fmt.Fprintln(w, "  "+line)
	}
	fmt.Fprintln(w, AnsiReset)
	fmt.Fprintln(w, AnsiGreen+AnsiBold+"  "+title+AnsiReset+" "+AnsiDim+"v"+Version+AnsiReset)
	if subtitle != "" {
		fmt.Fprintln(w, AnsiDim+"  "+subtitle+AnsiReset)
	}
	fmt.Fprintln(w)
}

// PrintWithConfigTo writes the banner followed by the effective
// configuration and a separator before log output starts.
func PrintWithConfigTo(w io.Writer, cfg *config.Config) {
	PrintTo(w, "Dataplane", "Container transport")

	fmt.Fprint(w, "  "+AnsiDim+"Config: "+AnsiReset)
	if cfg.ConfigFile != "" {
		fmt.Fprintln(w, AnsiYellow+cfg.ConfigFile+AnsiReset)
	} else {
		fmt.Fprintln(w, AnsiDim+"defaults + environment"+AnsiReset)
	}

	const width = 78
	printSectionHeader(w, "Transfer", width)
	printRow3(w,
		fmtKV("Protocol", AnsiGreen+cfg.Transfer.DefaultProtocol+AnsiReset),
		fmtKV("SMB", bytefmt.ByteSize(cfg.Transfer.SMBSize)),
		fmtKV("Log", cfg.LogLevel))
	printRow3(w,
		fmtKV("Mailboxes", fmt.Sprintf("%d-%d", cfg.Transfer.FirstMailbox, cfg.Transfer.MaxMailboxes-1)),
		fmtKV("Retries", fmt.Sprint(cfg.Transfer.RetryCount)),
		fmtKV("Poll", fmt.Sprintf("%dus", cfg.Poll.IntervalUs)))
	fmt.Fprintln(w)

	printSectionHeader(w, "Buffers", width)
	printRow3(w,
		fmtKV("Count", fmt.Sprint(cfg.Buffers.Count)),
		fmtKV("Length", bytefmt.ByteSize(uint64(cfg.Buffers.Length))),
		fmtKV("Roles", strings.Join(cfg.Buffers.RolePreference, ",")))
	printRow2(w,
		fmtEnabled("zero-copy", cfg.Buffers.ZeroCopy)+"  "+fmtEnabled("flag-is-meta", cfg.Buffers.FlagIsMeta),
		"")
	fmt.Fprintln(w)

	printSectionHeader(w, "Drivers", width)
	printRow2(w, fmtKV("PIO", cfg.PIO.ShmDir), fmtKV("DMA", dmaSummary(cfg.DMA)))
	printRow2(w,
		fmtKV("OFED", fmt.Sprintf("%s:%d (%s)", cfg.OFED.Device, cfg.OFED.Port, cfg.OFED.Backend)),
		fmtKV("UDP", fmt.Sprintf("%s:%d", cfg.Datagram.BindAddr, cfg.Datagram.Port)))
	fmt.Fprintln(w)

	printSectionHeader(w, "Endpoints", width)
	metrics := fmtEnabled("metrics", cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		metrics += " " + cfg.Metrics.Addr
	}
	discovery := fmtEnabled("discovery", cfg.Discovery.Enabled)
	if cfg.Discovery.Enabled {
		discovery += " " + cfg.Discovery.Service
	}
	printRow2(w, metrics, discovery)
	fmt.Fprintln(w)

	fmt.Fprintln(w, AnsiDim+"  "+Copyright+AnsiReset)
	fmt.Fprintln(w)
	printLogSeparator(w)
}

func dmaSummary(d config.DMAConfig) string {
	if d.Memory == "" {
		return AnsiDim + "not configured" + AnsiReset
	}
	return d.Memory
}

func printLogSeparator(w io.Writer) {
	const lineWidth = 78
	text := " LOGS START HERE "
	padding := max((lineWidth-len(text)-4)/2, 0)
	line := strings.Repeat("-", padding)
	fmt.Fprintf(w, "  %svv%s %s%s%s %svv%s\n",
		AnsiYellow, line, AnsiBold, text, AnsiReset+AnsiYellow, line, AnsiReset)
	fmt.Fprintln(w)
}

func printSectionHeader(w io.Writer, title string, width int) {
	rightPad := max(width-2-len(title)-4, 0)
	fmt.Fprintf(w, "  %s[ %s%s%s ]%s%s\n",
		AnsiDim+"--",
		AnsiReset+AnsiCyan+AnsiBold, title, AnsiReset+AnsiDim,
		strings.Repeat("-", rightPad),
		AnsiReset)
}

func fmtKV(key, value string) string {
	return fmt.Sprintf("%s%s:%s %s", AnsiDim, key, AnsiReset, value)
}

func fmtEnabled(name string, enabled bool) string {
	if enabled {
		return AnsiGreen + name + AnsiReset
	}
	return AnsiDim + name + AnsiReset
}

func printRow3(w io.Writer, col1, col2, col3 string) {
	fmt.Fprintf(w, "  %-32s %-26s %s\n", col1, col2, col3)
}

func printRow2(w io.Writer, col1, col2 string) {
	fmt.Fprintln(w, strings.TrimRight(fmt.Sprintf("  %-40s %s", col1, col2), " "))
}
