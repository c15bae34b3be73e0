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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"dataplane/internal/protocol"
)

func TestCommsLayout(t *testing.T) {
	if CommsSizeFor(10) != 8+11*512 {
		t.Errorf("Expected %d, got %d", 8+11*512, CommsSizeFor(10))
	}
	if CommsSize != CommsSizeFor(10) {
		t.Errorf("Expected default block for 10 mailboxes, got %d", CommsSize)
	}
	if MailboxOffset(0) != 8 || MailboxOffset(3) != 8+3*512 {
		t.Errorf("Unexpected mailbox offsets %d %d", MailboxOffset(0), MailboxOffset(3))
	}
	if MaxMailboxPayload != 464 {
		t.Errorf("Expected 464 byte payload, got %d", MaxMailboxPayload)
	}
}

func TestMailboxRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)

	var seenFrom *EndPoint
	var seenCircuit uint32
	var seenReq MailboxRequest
	b.Comms().SetHandler(func(from *EndPoint, circuitID uint32, req MailboxRequest) (MailboxResponse, uint32) {
		seenFrom, seenCircuit, seenReq = from, circuitID, req
		return MailboxResponse{ReturnOffset: 0x4000, ReturnSize: 0x100, Payload: []byte("descriptor")}, CodeOK
	})

	ctx := context.Background()
	resp, err := a.Comms().Request(ctx, b, 42, InputOffsetsRequest{PortID: 3}, func() { b.Comms().Dispatch() })
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.ReturnOffset != 0x4000 || resp.ReturnSize != 0x100 {
		t.Errorf("Expected offset 0x4000 size 0x100, got %#x %#x", resp.ReturnOffset, resp.ReturnSize)
	}
	if !bytes.Equal(resp.Payload, []byte("descriptor")) {
		t.Errorf("Expected payload %q, got %q", "descriptor", resp.Payload)
	}
	if seenFrom != a {
		t.Errorf("Expected requester %s, got %v", a.Name(), seenFrom)
	}
	if seenCircuit != 42 {
		t.Errorf("Expected circuit 42, got %d", seenCircuit)
	}
	if r, ok := seenReq.(InputOffsetsRequest); !ok || r.PortID != 3 {
		t.Errorf("Expected InputOffsetsRequest{3}, got %#v", seenReq)
	}
	if a.Comms().SlotState(a.Mailbox) != SlotIdle {
		t.Error("Expected requester slot to be idle after the response")
	}

	// The responder retires its copy of the slot on the next dispatch.
	b.Comms().Dispatch()
	if b.Comms().SlotState(a.Mailbox) != SlotIdle {
		t.Errorf("Expected responder slot to be idle, got %d", b.Comms().SlotState(a.Mailbox))
	}

	// A second request reuses the cached templates.
	before := m.TemplateCount()
	if _, err := a.Comms().Request(ctx, b, 43, ShadowRstateOffsetRequest{PortID: 1}, func() { b.Comms().Dispatch() }); err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	if m.TemplateCount() != before {
		t.Errorf("Expected %d templates, got %d", before, m.TemplateCount())
	}
}

func TestMailboxRemoteError(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)
	b.Comms().SetHandler(func(*EndPoint, uint32, MailboxRequest) (MailboxResponse, uint32) {
		return MailboxResponse{}, CodeUnknownPort
	})

	_, err := a.Comms().Request(context.Background(), b, 1, ShadowRstateOffsetRequest{PortID: 9}, func() { b.Comms().Dispatch() })
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Expected RemoteError, got %v", err)
	}
	if remote.Code != CodeUnknownPort || remote.Type != ReqShadowRstateOffset {
		t.Errorf("Expected unknown port for shadow-rstate-offset, got %+v", remote)
	}
}

func TestMailboxLateReplyRejected(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)
	b.Comms().SetHandler(func(*EndPoint, uint32, MailboxRequest) (MailboxResponse, uint32) {
		return MailboxResponse{ReturnOffset: 0x100}, CodeOK
	})

	// Rewrite the answer as if it belonged to the slot's previous request.
	pump := func() {
		b.Comms().Dispatch()
		slot := a.Comms().slot(a.Mailbox)
		if LoadWord(slot) == SlotResponse {
			binary.LittleEndian.PutUint32(slot[slotCircuit:], 6)
		}
	}
	_, err := a.Comms().Request(context.Background(), b, 7, InputOffsetsRequest{PortID: 1}, pump)
	if !errors.Is(err, ErrCircuitMismatch) {
		t.Fatalf("Expected ErrCircuitMismatch, got %v", err)
	}
	if a.Comms().SlotState(a.Mailbox) != SlotIdle {
		t.Error("Expected requester slot to be idle after a rejected reply")
	}
}

func TestMailboxTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)

	_, err := a.Comms().Request(context.Background(), b, 1, InputOffsetsRequest{PortID: 0}, func() { b.Comms().Dispatch() })
	if !errors.Is(err, ErrMailboxTimeout) {
		t.Fatalf("Expected ErrMailboxTimeout, got %v", err)
	}
	if a.Comms().SlotState(a.Mailbox) != SlotIdle {
		t.Error("Expected slot to be released after a timeout")
	}
}

func TestMailboxContextCancelled(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Comms().Request(ctx, b, 1, InputOffsetsRequest{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestMailboxPayloadTooLarge(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	b := allocate(t, m)

	req := NewConnectionRequest{Descriptor: make([]byte, MaxMailboxPayload)}
	if _, err := a.Comms().Request(context.Background(), b, 1, req, nil); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDispatchClosed(t *testing.T) {
	m, _ := newTestManager(t)
	a := allocate(t, m)
	a.Comms().SetHandler(func(*EndPoint, uint32, MailboxRequest) (MailboxResponse, uint32) {
		return MailboxResponse{}, CodeOK
	})
	a.Comms().Close()
	if n := a.Comms().Dispatch(); n != 0 {
		t.Errorf("Expected closed mailbox to serve nothing, got %d", n)
	}
	if _, err := a.Comms().Request(context.Background(), a, 1, InputOffsetsRequest{}, nil); err == nil {
		t.Error("Expected request on closed mailbox to fail")
	}
}

func TestDecodeMailboxRequest(t *testing.T) {
	tests := []MailboxRequest{
		ShadowRstateOffsetRequest{PortID: 7},
		InputOffsetsRequest{PortID: 2},
		OutputControlOffsetRequest{PortID: 4, ShadowPortID: 5},
		NewConnectionRequest{Descriptor: []byte{1, 2, 3}},
		UpdateCircuitRequest{ReceiverPortID: 1, SenderPortID: 6, Descriptor: []byte("flow")},
	}
	for _, req := range tests {
		t.Run(req.Type().String(), func(t *testing.T) {
			payload := EncodeMailboxRequest("pio:x;y", req)
			from, got, err := DecodeMailboxRequest(req.Type(), payload)
			if err != nil {
				t.Fatalf("DecodeMailboxRequest failed: %v", err)
			}
			if from != "pio:x;y" {
				t.Errorf("Expected requester pio:x;y, got %q", from)
			}
			if got.Type() != req.Type() {
				t.Errorf("Expected %v, got %v", req.Type(), got.Type())
			}
			if len(payload) > 2 {
				if _, _, err := DecodeMailboxRequest(req.Type(), payload[:len(payload)-1]); err == nil {
					t.Error("Expected truncated payload to fail")
				}
			}
			if _, _, err := DecodeMailboxRequest(req.Type(), append(payload, 0)); !errors.Is(err, protocol.ErrInvalidBinaryFormat) {
				t.Errorf("Expected trailing bytes to fail, got %v", err)
			}
		})
	}
	if _, _, err := DecodeMailboxRequest(RequestType(99), nil); err == nil {
		t.Error("Expected unknown type to fail")
	}
}
