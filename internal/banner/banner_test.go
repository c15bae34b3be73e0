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

package banner

import (
	"bytes"
	"strings"
	"testing"

	"dataplane/internal/config"
)

func TestGetBannerLines(t *testing.T) {
	lines := GetBannerLines()
	if len(lines) == 0 {
		t.Error("Expected at least one line in banner")
	}
}

func TestPrintTo(t *testing.T) {
	var buf bytes.Buffer
	PrintTo(&buf, "Dataplane Discover", "Endpoint discovery")

	output := buf.String()
	for _, want := range []string{"Dataplane Discover", "Endpoint discovery", Version} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
}

func TestPrintWithConfigTo(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfigFile = "/etc/dataplane.json"
	cfg.Metrics.Enabled = true

	var buf bytes.Buffer
	PrintWithConfigTo(&buf, cfg)
	output := buf.String()
	for _, want := range []string{
		"/etc/dataplane.json",
		config.ProtocolPIO,
		"3M",
		"1-9",
		"4K",
		cfg.Metrics.Addr,
		"LOGS START HERE",
		Copyright,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
}

func TestCopyrightConstant(t *testing.T) {
	if !strings.Contains(Copyright, "Firefly") {
		t.Error("Expected copyright to contain 'Firefly'")
	}
	if !strings.Contains(License, "Apache") {
		t.Error("Expected license to contain 'Apache'")
	}
}
