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

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"dataplane/internal/config"
	"dataplane/internal/discovery"
)

func sample() []discovery.DiscoveredEndpoint {
	return []discovery.DiscoveredEndpoint{
		{Instance: "a", Name: "ocpi-smb-pio:x;1", Protocol: config.ProtocolPIO, Mailbox: 1, Host: "10.0.0.1", Port: 20400},
		{Instance: "b", Name: "ocpi-udp-rdma:y;2", Protocol: config.ProtocolDatagram, Mailbox: 2, Host: "10.0.0.2", Port: 7000},
	}
}

func TestFilter(t *testing.T) {
	if got := filter(sample(), ""); len(got) != 2 {
		t.Errorf("Expected no filtering, got %d", len(got))
	}
	got := filter(sample(), config.ProtocolDatagram)
	if len(got) != 1 || got[0].Instance != "b" {
		t.Errorf("Expected only the datagram endpoint, got %+v", got)
	}
}

func TestOutputQuiet(t *testing.T) {
	var buf bytes.Buffer
	outputQuiet(&buf, sample())
	if got := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(got) != 2 || got[1] != "ocpi-udp-rdma:y;2" {
		t.Errorf("Unexpected quiet output %q", buf.String())
	}
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	outputJSON(&buf, sample())
	var got []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Expected valid JSON, got %v", err)
	}
	if len(got) != 2 || got[0]["endpoint"] != "ocpi-smb-pio:x;1" || got[1]["mailbox"] != float64(2) {
		t.Errorf("Unexpected JSON %s", buf.String())
	}
}
