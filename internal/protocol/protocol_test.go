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

package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestReadFrameHeader(t *testing.T) {
	valid := make([]byte, FrameHeaderSize)
	PutFrameHeader(valid, FrameHeader{DestID: 2, SrcID: 1, FrameSeq: 300, AckStart: 7, AckCount: 3, Flags: FlagAckOnly}, 0)

	tests := []struct {
		name    string
		input   func() []byte
		want    FrameHeader
		wantErr error
	}{
		{
			name:  "valid header",
			input: func() []byte { return valid },
			want:  FrameHeader{DestID: 2, SrcID: 1, FrameSeq: 300, AckStart: 7, AckCount: 3, Flags: FlagAckOnly},
		},
		{
			name: "invalid magic byte",
			input: func() []byte {
				b := append([]byte(nil), valid...)
				b[0] = 0x00
				return b
			},
			wantErr: ErrInvalidMagic,
		},
		{
			name: "invalid version",
			input: func() []byte {
				b := append([]byte(nil), valid...)
				b[1] = 0xFF
				return b
			},
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "short header",
			input:   func() []byte { return valid[:FrameHeaderSize-1] },
			wantErr: ErrTruncatedFrame,
		},
		{
			name: "too many messages",
			input: func() []byte {
				b := append([]byte(nil), valid...)
				b[12] = MaxMsgsPerFrame + 1
				return b
			},
			wantErr: ErrTooManyMessages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := ReadFrameHeader(tt.input())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadFrameHeader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ReadFrameHeader() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFrameWithMessages(t *testing.T) {
	f := &Frame{
		Header: FrameHeader{DestID: 3, SrcID: 1, FrameSeq: 9},
		Messages: []Msg{
			{Header: MsgHeader{TransactionID: 42, FlagAddr: 0x100, FlagValue: 0x80000000, NumMsgs: 2, MsgSeq: 0, DataAddr: 0x2000, Type: MsgData}, Data: []byte("hello")},
			{Header: MsgHeader{TransactionID: 42, FlagAddr: 0x100, FlagValue: 0x80000000, NumMsgs: 2, MsgSeq: 1, DataAddr: 0x3000, Type: MsgMetaData}, Data: bytes.Repeat([]byte{0xAB}, 16)},
		},
	}

	b, err := AppendFrame(nil, f)
	if err != nil {
		t.Fatalf("AppendFrame failed: %v", err)
	}
	want := FrameHeaderSize + MsgWireSize(5) + MsgWireSize(16)
	if len(b) != want {
		t.Fatalf("Expected %d bytes, got %d", want, len(b))
	}

	got, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if got.Header.Flags&FlagHasMessages == 0 {
		t.Error("Expected FlagHasMessages to be set")
	}
	if len(got.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(got.Messages))
	}
	if string(got.Messages[0].Data) != "hello" {
		t.Errorf("Expected data hello, got %q", got.Messages[0].Data)
	}
	if got.Messages[0].Header.NextMsg != 1 || got.Messages[1].Header.NextMsg != 0 {
		t.Error("Expected NextMsg chaining on all but the last message")
	}
	if got.Messages[1].Header.DataAddr != 0x3000 || got.Messages[1].Header.Type != MsgMetaData {
		t.Errorf("Unexpected second header: %+v", got.Messages[1].Header)
	}
	if got.Messages[1].Header.DataLen != 16 {
		t.Errorf("Expected DataLen 16, got %d", got.Messages[1].Header.DataLen)
	}
}

func TestAckOnlyFrame(t *testing.T) {
	b, err := AppendFrame(nil, &Frame{Header: FrameHeader{AckStart: 5, AckCount: 4, Flags: FlagAckOnly | FlagHasMessages}})
	if err != nil {
		t.Fatalf("AppendFrame failed: %v", err)
	}
	if len(b) != FrameHeaderSize {
		t.Errorf("Expected %d bytes, got %d", FrameHeaderSize, len(b))
	}
	f, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if f.Header.Flags != FlagAckOnly {
		t.Errorf("Expected only FlagAckOnly, got %#x", f.Header.Flags)
	}
	if len(f.Messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(f.Messages))
	}
}

func TestDecodeTruncatedMessage(t *testing.T) {
	b, _ := AppendFrame(nil, &Frame{Messages: []Msg{{Data: make([]byte, 64)}}})
	if _, err := DecodeFrame(b[:FrameHeaderSize+MsgHeaderSize+10]); !errors.Is(err, ErrTruncatedFrame) {
		t.Errorf("Expected ErrTruncatedFrame, got %v", err)
	}
}

func TestAppendFrameLimits(t *testing.T) {
	msgs := make([]Msg, MaxMsgsPerFrame+1)
	if _, err := AppendFrame(nil, &Frame{Messages: msgs}); !errors.Is(err, ErrTooManyMessages) {
		t.Errorf("Expected ErrTooManyMessages, got %v", err)
	}
	big := []Msg{{Data: make([]byte, MaxFrameSize)}}
	if _, err := AppendFrame(nil, &Frame{Messages: big}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSizes(t *testing.T) {
	tests := []struct {
		n, padded int
	}{
		{0, 0}, {1, 8}, {8, 8}, {9, 16}, {4, 8},
	}
	for _, tt := range tests {
		if got := PaddedLen(tt.n); got != tt.padded {
			t.Errorf("PaddedLen(%d) = %d, want %d", tt.n, got, tt.padded)
		}
	}
	if got := MaxDataPerMsg(1472); got != 1432 {
		t.Errorf("MaxDataPerMsg(1472) = %d, want 1432", got)
	}
	if got := MaxDataPerMsg(1472); FrameHeaderSize+MsgWireSize(got) > 1472 {
		t.Errorf("MaxDataPerMsg(1472) = %d overflows the frame", got)
	}
}

func TestEncoderDecoder(t *testing.T) {
	enc := NewEncoder(64)
	enc.WriteUint8(7)
	enc.WriteUint16(0xBEEF)
	enc.WriteUint32(0x51abac)
	enc.WriteUint64(1 << 40)
	enc.WriteString("ocpi-smb-pio:x;y")
	enc.WriteBytes([]byte{1, 2, 3})

	dec := NewDecoder(enc.Bytes())
	if v := dec.ReadUint8(); v != 7 {
		t.Errorf("Expected 7, got %d", v)
	}
	if v := dec.ReadUint16(); v != 0xBEEF {
		t.Errorf("Expected 0xBEEF, got %#x", v)
	}
	if v := dec.ReadUint32(); v != 0x51abac {
		t.Errorf("Expected 0x51abac, got %#x", v)
	}
	if v := dec.ReadUint64(); v != 1<<40 {
		t.Errorf("Expected 1<<40, got %d", v)
	}
	if s := dec.ReadString(); s != "ocpi-smb-pio:x;y" {
		t.Errorf("Unexpected string %q", s)
	}
	if b := dec.ReadBytes(); !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("Unexpected bytes %v", b)
	}
	if dec.Err() != nil || dec.Remaining() != 0 {
		t.Errorf("Expected clean end, err=%v remaining=%d", dec.Err(), dec.Remaining())
	}

	dec.ReadUint32()
	if !errors.Is(dec.Err(), ErrInvalidBinaryFormat) {
		t.Errorf("Expected ErrInvalidBinaryFormat after overrun, got %v", dec.Err())
	}
}
