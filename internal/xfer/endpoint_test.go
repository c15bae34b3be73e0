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

package xfer

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEndPointStringRoundTrip(t *testing.T) {
	specs := []EndPointSpec{
		{Protocol: "ocpi-smb-pio", Info: "pioXfer1234", Size: 3145728, Mailbox: 1, MaxMailboxes: 10},
		{Protocol: "ocpi-dma-pio", Info: "3e000000.0.0", Size: 1 << 20, Mailbox: 9, MaxMailboxes: 10},
		{Protocol: "ocpi-ofed-rdma", Info: "ofed0:1:fe80000000000000.2c9030001e4f1:4:77:1234:7f0000001000", Size: 4096 * 16, Mailbox: 3, MaxMailboxes: 16},
		{Protocol: "ocpi-udp-rdma", Info: "127.0.0.1:40001", Size: 65536, Mailbox: 0, MaxMailboxes: 1},
		{Protocol: "odd", Info: "has;semi:and:colons", Size: 1, Mailbox: 2, MaxMailboxes: 3},
	}

	for _, s := range specs {
		s.UUID = uuid.New()
		name := s.String()
		t.Run(s.Protocol, func(t *testing.T) {
			got, err := ParseEndPoint(name)
			if err != nil {
				t.Fatalf("ParseEndPoint(%q) failed: %v", name, err)
			}
			if got != s {
				t.Errorf("Expected %+v, got %+v", s, got)
			}
			if got.String() != name {
				t.Errorf("Expected %q, got %q", name, got.String())
			}
		})
	}
}

func TestUUIDStringIsHyphenless(t *testing.T) {
	s := UUIDString(uuid.New())
	if len(s) != 32 || strings.Contains(s, "-") {
		t.Errorf("Expected 32 hex digits, got %q", s)
	}
}

func TestParseEndPointErrors(t *testing.T) {
	id := UUIDString(uuid.New())
	tests := []struct {
		name  string
		input string
	}{
		{"no protocol", ":info;" + id + ".1.1.2"},
		{"no colon", "pio;" + id + ".1.1.2"},
		{"no suffix", "pio:info"},
		{"missing max", "pio:info;" + id + ".1.1"},
		{"extra field", "pio:info;" + id + ".1.1.2.3"},
		{"short uuid", "pio:info;abcd.1.1.2"},
		{"hyphenated uuid", "pio:info;" + uuid.New().String() + ".1.1.2"},
		{"zero size", "pio:info;" + id + ".0.1.2"},
		{"bad size", "pio:info;" + id + ".x.1.2"},
		{"mailbox at max", "pio:info;" + id + ".1.2.2"},
		{"zero max", "pio:info;" + id + ".1.0.0"},
		{"mailbox overflow", "pio:info;" + id + ".1.70000.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEndPoint(tt.input); !errors.Is(err, ErrInvalidEndpoint) {
				t.Errorf("Expected ErrInvalidEndpoint for %q, got %v", tt.input, err)
			}
		})
	}
}

func TestSupportsProtocol(t *testing.T) {
	if !SupportsProtocol("ocpi-smb-pio", "ocpi-smb-pio:x;y") {
		t.Error("Expected protocol match")
	}
	if SupportsProtocol("ocpi-smb-pio", "ocpi-smb-pio-extra:x;y") {
		t.Error("Expected prefix without colon to be rejected")
	}
}
