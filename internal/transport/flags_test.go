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

package transport

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"dataplane/internal/xfer"
)

func TestPackXferMetaData(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
		opcode uint8
		eof    bool
		want   uint32
		trunc  bool
	}{
		{"empty", 0, 0, false, 0x80000000, false},
		{"message", 64, 7, false, 0x80000000 | 64<<10 | 7, false},
		{"eof", 1, 0xff, true, 0x80000000 | 1<<10 | 1<<9 | 0xff, false},
		{"max", MaxMetaLength, 3, false, 0x80000000 | MaxMetaLength<<10 | 3, false},
		{"clamped", MaxMetaLength + 1, 3, false, 0x80000000 | MaxMetaLength<<10 | 1<<8 | 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := PackXferMetaData(tt.length, tt.opcode, tt.eof)
			if w != tt.want {
				t.Fatalf("Expected %#08x, got %#08x", tt.want, w)
			}
			length, opcode, eof, trunc, ok := UnpackXferMetaData(w)
			if !ok {
				t.Fatal("Expected marker bit")
			}
			if want := min(tt.length, MaxMetaLength); length != want {
				t.Errorf("Expected length %d, got %d", want, length)
			}
			if opcode != tt.opcode || eof != tt.eof || trunc != tt.trunc {
				t.Errorf("Expected opcode %d eof %v trunc %v, got %d %v %v", tt.opcode, tt.eof, tt.trunc, opcode, eof, trunc)
			}
			if !FullFlag(w).IsFull() {
				t.Error("Expected a packed word to be a full flag")
			}
		})
	}

	if _, _, _, _, ok := UnpackXferMetaData(64 << 10); ok {
		t.Error("Expected a word without the marker bit to be rejected")
	}
}

func TestFlagValidity(t *testing.T) {
	fulls := []struct {
		f     FullFlag
		valid bool
		full  bool
	}{
		{FFEmpty, true, false},
		{FFFull, true, true},
		{FullFlag(PackXferMetaData(100, 1, true)), true, true},
		{5, false, false},
		{0x7fffffff, false, false},
	}
	for _, tt := range fulls {
		if tt.f.Valid() != tt.valid || tt.f.IsFull() != tt.full {
			t.Errorf("FullFlag %#08x: expected valid %v full %v", uint32(tt.f), tt.valid, tt.full)
		}
	}

	empties := []struct {
		f     EmptyFlag
		valid bool
		empty bool
	}{
		{EFEmpty, true, true},
		{EFFull, true, false},
		{1, false, false},
		{0xc0000000, false, false},
	}
	for _, tt := range empties {
		if tt.f.Valid() != tt.valid || tt.f.IsEmpty() != tt.empty {
			t.Errorf("EmptyFlag %#08x: expected valid %v empty %v", uint32(tt.f), tt.valid, tt.empty)
		}
	}
}

func TestMetaDataLayout(t *testing.T) {
	md := BufferMetaData{
		Timestamp:     11,
		Sequence:      42,
		SrcRank:       2,
		SrcTemporalID: 3,
		EndOfStream:   1,
		EndOfCircuit:  1,
		PartsSequence: 9,
	}
	md.Set(1500, 9, true)

	b := make([]byte, MetaDataSize)
	md.Encode(b)
	offsets := map[int]uint32{
		0:  md.XferMetaData,
		4:  1500,
		8:  9,
		12: 11,
		16: 1,
		24: 42,
		28: 2,
		32: 3,
		36: 1,
		52: 1,
		56: 9,
	}
	for off, want := range offsets {
		if got := binary.NativeEndian.Uint32(b[off:]); got != want {
			t.Errorf("Expected %d at offset %d, got %d", want, off, got)
		}
	}
	if got := DecodeMetaData(b); got != md {
		t.Errorf("Expected %+v, got %+v", md, got)
	}
	if got := xfer.LoadWord(b); got != md.XferMetaData {
		t.Errorf("Expected the packed word to load as a flag, got %#08x", got)
	}
}

func TestSetWordKeepsFieldsConsistent(t *testing.T) {
	var md BufferMetaData
	md.SetWord(PackXferMetaData(MaxMetaLength+10, 4, false))
	if !md.Consistent() {
		t.Fatalf("Expected consistent metadata, got %+v", md)
	}
	if md.Length != MaxMetaLength || md.Truncate != 1 || md.OpCode != 4 {
		t.Errorf("Unexpected fields %+v", md)
	}
	md.Length = 3
	if md.Consistent() {
		t.Error("Expected a changed length to break consistency")
	}
}

func TestInvariantErrorMessage(t *testing.T) {
	err := error(&InvariantError{Buffer: "circuit 1 port 2[0]", Slot: 3, Word: 5, Reason: "invalid full flag"})
	var ie *InvariantError
	if !errors.As(err, &ie) || !strings.Contains(err.Error(), "slot 3") {
		t.Errorf("Unexpected error %v", err)
	}
}
