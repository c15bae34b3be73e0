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
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/metrics"
	"dataplane/internal/protocol"
)

// Mailbox block layout at offset 0 of every local endpoint. All fields are
// little-endian.
//
//	@0  upAndRunning u32
//	@4  pad          u32
//	@8  MailBox[maxMailboxes+1], MailBoxSize bytes each
//
// Mailbox slot:
//
//	@0  state        u32   SlotIdle, SlotRequest, SlotResponse
//	@4  type         u32
//	@8  circuitID    u32
//	@12 sender       u32   requester mailbox
//	@16 errorCode    u32
//	@24 returnOffset u64
//	@32 returnSize   u64
//	@40 payloadLen   u32
//	@48 payload      [MaxMailboxPayload]byte
const (
	UpAndRunningMarker uint32 = 0x51abac

	MailBoxSize       = 512
	MaxMailboxPayload = MailBoxSize - slotPayload

	commsHeader = 8

	slotState     = 0
	slotType      = 4
	slotCircuit   = 8
	slotSender    = 12
	slotErrorCode = 16
	slotRetOffset = 24
	slotRetSize   = 32
	slotPayLen    = 40
	slotPayload   = 48
)

// CommsSize is the mailbox block size for the default mailbox count.
var CommsSize = CommsSizeFor(config.MaxSystemSMBs)

// CommsSizeFor returns the mailbox block size for an endpoint with max
// mailboxes.
func CommsSizeFor(maxMailboxes uint16) uint64 {
	return commsHeader + uint64(maxMailboxes+1)*MailBoxSize
}

// MailboxOffset returns the offset of a mailbox slot in an endpoint.
func MailboxOffset(mailbox uint16) uint64 {
	return commsHeader + uint64(mailbox)*MailBoxSize
}

// Slot states.
const (
	SlotIdle uint32 = iota
	SlotRequest
	SlotResponse
)

// RequestType tags the mailbox request variants.
type RequestType uint32

const (
	ReqShadowRstateOffset RequestType = iota + 1
	ReqInputOffsets
	ReqOutputControlOffset
	ReqNewConnection
	ReqUpdateCircuit
)

func (t RequestType) String() string {
	switch t {
	case ReqShadowRstateOffset:
		return "shadow-rstate-offset"
	case ReqInputOffsets:
		return "input-offsets"
	case ReqOutputControlOffset:
		return "output-control-offset"
	case ReqNewConnection:
		return "new-connection"
	case ReqUpdateCircuit:
		return "update-circuit"
	default:
		return fmt.Sprintf("request(%d)", uint32(t))
	}
}

// MailboxRequest is one of the request variants below.
type MailboxRequest interface {
	Type() RequestType
	encode(e *protocol.Encoder)
}

// ShadowRstateOffsetRequest asks the producer where the consumer port's
// shadow empty flags live.
type ShadowRstateOffsetRequest struct {
	PortID uint32
}

// InputOffsetsRequest asks the consumer for the descriptor of an input port.
type InputOffsetsRequest struct {
	PortID uint32
}

// OutputControlOffsetRequest asks the producer for its port control block.
type OutputControlOffsetRequest struct {
	PortID       uint32
	ShadowPortID uint32
}

// NewConnectionRequest asks the consumer to create an input port for the
// described output. The response payload is the input port descriptor.
type NewConnectionRequest struct {
	Descriptor []byte
}

// UpdateCircuitRequest hands the consumer the producer's flow control
// descriptor.
type UpdateCircuitRequest struct {
	ReceiverPortID uint32
	SenderPortID   uint32
	Descriptor     []byte
}

func (ShadowRstateOffsetRequest) Type() RequestType  { return ReqShadowRstateOffset }
func (InputOffsetsRequest) Type() RequestType        { return ReqInputOffsets }
func (OutputControlOffsetRequest) Type() RequestType { return ReqOutputControlOffset }
func (NewConnectionRequest) Type() RequestType       { return ReqNewConnection }
func (UpdateCircuitRequest) Type() RequestType       { return ReqUpdateCircuit }

func (r ShadowRstateOffsetRequest) encode(e *protocol.Encoder) { e.WriteUint32(r.PortID) }
func (r InputOffsetsRequest) encode(e *protocol.Encoder)       { e.WriteUint32(r.PortID) }
func (r OutputControlOffsetRequest) encode(e *protocol.Encoder) {
	e.WriteUint32(r.PortID)
	e.WriteUint32(r.ShadowPortID)
}
func (r NewConnectionRequest) encode(e *protocol.Encoder) { e.WriteBytes(r.Descriptor) }
func (r UpdateCircuitRequest) encode(e *protocol.Encoder) {
	e.WriteUint32(r.ReceiverPortID)
	e.WriteUint32(r.SenderPortID)
	e.WriteBytes(r.Descriptor)
}

// EncodeMailboxRequest encodes the requester endpoint and the variant.
func EncodeMailboxRequest(requester string, req MailboxRequest) []byte {
	e := protocol.NewEncoder(64)
	e.WriteString(requester)
	req.encode(e)
	return e.Bytes()
}

// DecodeMailboxRequest decodes a payload written by EncodeMailboxRequest.
func DecodeMailboxRequest(t RequestType, payload []byte) (string, MailboxRequest, error) {
	d := protocol.NewDecoder(payload)
	requester := d.ReadString()
	var req MailboxRequest
	switch t {
	case ReqShadowRstateOffset:
		req = ShadowRstateOffsetRequest{PortID: d.ReadUint32()}
	case ReqInputOffsets:
		req = InputOffsetsRequest{PortID: d.ReadUint32()}
	case ReqOutputControlOffset:
		r := OutputControlOffsetRequest{PortID: d.ReadUint32()}
		r.ShadowPortID = d.ReadUint32()
		req = r
	case ReqNewConnection:
		req = NewConnectionRequest{Descriptor: append([]byte(nil), d.ReadBytes()...)}
	case ReqUpdateCircuit:
		r := UpdateCircuitRequest{ReceiverPortID: d.ReadUint32()}
		r.SenderPortID = d.ReadUint32()
		r.Descriptor = append([]byte(nil), d.ReadBytes()...)
		req = r
	default:
		return "", nil, fmt.Errorf("unknown mailbox request type %d", uint32(t))
	}
	if err := d.Err(); err != nil {
		return "", nil, err
	}
	if n := d.Remaining(); n != 0 {
		return "", nil, fmt.Errorf("%w: %d trailing bytes in %s request", protocol.ErrInvalidBinaryFormat, n, t)
	}
	return requester, req, nil
}

// MailboxResponse is what the responder writes back.
type MailboxResponse struct {
	ReturnOffset uint64
	ReturnSize   uint64
	Payload      []byte
}

// MailboxHandler serves one request from the endpoint named from. A nonzero
// code is returned to the requester as a RemoteError.
type MailboxHandler func(from *EndPoint, circuitID uint32, req MailboxRequest) (MailboxResponse, uint32)

type pendingReply struct {
	slot uint16
	req  Request
}

// Comms is the mailbox block of a local endpoint.
type Comms struct {
	ep    *EndPoint
	block []byte
	slots uint16

	reqMu sync.Mutex // one outbound request at a time

	mu        sync.Mutex
	handler   MailboxHandler
	peers     map[string]*EndPoint
	templates map[uuid.UUID]*Template
	replies   []pendingReply
	closed    bool

	logger *logging.Logger
}

func newComms(ep *EndPoint) (*Comms, error) {
	size := CommsSizeFor(ep.MaxMailboxes)
	block, err := ep.smem.Map(0, size)
	if err != nil {
		return nil, err
	}
	clear(block)
	c := &Comms{
		ep:        ep,
		block:     block,
		slots:     ep.MaxMailboxes + 1,
		peers:     make(map[string]*EndPoint),
		templates: make(map[uuid.UUID]*Template),
		logger:    logging.NewLogger("mailbox").With("endpoint", ep.Mailbox),
	}
	StoreWord(block, UpAndRunningMarker)
	return c, nil
}

// UpAndRunning reports whether the block carries the ready marker.
func (c *Comms) UpAndRunning() bool {
	return LoadWord(c.block) == UpAndRunningMarker
}

// SetHandler installs the request handler used by Dispatch.
func (c *Comms) SetHandler(h MailboxHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Comms) slot(mailbox uint16) []byte {
	off := MailboxOffset(mailbox)
	return c.block[off : off+MailBoxSize]
}

// SlotState returns the state word of a slot.
func (c *Comms) SlotState(mailbox uint16) uint32 {
	return LoadWord(c.slot(mailbox))
}

func casWord(b []byte, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&b[0])), old, new)
}

// template returns a cached template to target; the cache keeps one
// reference per target until Close.
func (c *Comms) template(target *EndPoint) (*Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.templateLocked(target)
}

func (c *Comms) templateLocked(target *EndPoint) (*Template, error) {
	if c.closed {
		return nil, ErrEndpointClosed
	}
	if t, ok := c.templates[target.UUID]; ok {
		return t, nil
	}
	t, err := c.ep.mgr.GetTemplate(c.ep, target)
	if err != nil {
		return nil, err
	}
	c.templates[target.UUID] = t
	return t, nil
}

// peer resolves a requester endpoint string, keeping a reference until
// Close.
func (c *Comms) peerLocked(name string) (*EndPoint, error) {
	if ep, ok := c.peers[name]; ok {
		return ep, nil
	}
	ep, err := c.ep.mgr.GetEndPoint(name, false, false, 0)
	if err != nil {
		return nil, err
	}
	c.peers[name] = ep
	return ep, nil
}

// copySlot sends slot bytes [4, n) and then the state word to the same
// slot of target.
func (c *Comms) copySlot(t *Template, mailbox uint16, n uint64) (Request, error) {
	off := MailboxOffset(mailbox)
	r := t.CreateRequest()
	if err := r.Copy(off+4, off+4, n-4, DataTransfer); err != nil {
		return nil, err
	}
	if err := r.Copy(off, off, 4, FlagTransfer); err != nil {
		return nil, err
	}
	if err := r.Post(); err != nil {
		return nil, err
	}
	return r, nil
}

// Request performs one mailbox round trip with target and returns the
// response. pump runs between polls so a responder in the same process can
// make progress; it may be nil.
func (c *Comms) Request(ctx context.Context, target *EndPoint, circuitID uint32, req MailboxRequest, pump func()) (*MailboxResponse, error) {
	mb := c.ep.Mailbox
	if mb >= c.slots || mb >= target.MaxMailboxes+1 {
		return nil, fmt.Errorf("%w: mailbox %d has no slot", ErrOutOfRange, mb)
	}
	payload := EncodeMailboxRequest(c.ep.name, req)
	if len(payload) > MaxMailboxPayload {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrPayloadTooLarge, len(payload), req.Type())
	}
	t, err := c.template(target)
	if err != nil {
		return nil, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	m := metrics.Get()
	m.MailboxRequests.Add(1)
	cfg := c.ep.mgr.cfg

	slot := c.slot(mb)
	le := binary.LittleEndian
	copy(slot[slotPayload:], payload)
	le.PutUint32(slot[slotType:], uint32(req.Type()))
	le.PutUint32(slot[slotCircuit:], circuitID)
	le.PutUint32(slot[slotSender:], uint32(mb))
	le.PutUint32(slot[slotErrorCode:], 0)
	le.PutUint64(slot[slotRetOffset:], 0)
	le.PutUint64(slot[slotRetSize:], 0)
	le.PutUint32(slot[slotPayLen:], uint32(len(payload)))
	StoreWord(slot, SlotRequest)

	c.logger.Debug("Sending mailbox request", "type", req.Type().String(), "circuit", circuitID, "target", target.Mailbox)

	xr, err := c.copySlot(t, mb, slotPayload+uint64(len(payload)))
	if err != nil {
		StoreWord(slot, SlotIdle)
		return nil, fmt.Errorf("send %s request: %w", req.Type(), err)
	}
	sent, err := PollUntil(ctx, cfg.Poll, cfg.RetryCount, pump, func() bool { return xr.Status() != Pending })
	if err == nil && (!sent || xr.Status() != CompleteSuccess) {
		err = fmt.Errorf("send %s request: %w", req.Type(), ErrRequestFailed)
	}
	if err != nil {
		StoreWord(slot, SlotIdle)
		return nil, err
	}

	answered, err := PollUntil(ctx, cfg.Poll, cfg.RetryCount, pump, func() bool { return LoadWord(slot) == SlotResponse })
	if err != nil {
		StoreWord(slot, SlotIdle)
		return nil, err
	}
	if !answered {
		StoreWord(slot, SlotIdle)
		m.MailboxTimeouts.Add(1)
		c.logger.Warn("Mailbox request timed out", "type", req.Type().String(), "circuit", circuitID,
			"target", target.Name(), "polls", cfg.RetryCount)
		return nil, fmt.Errorf("%w: %s to %s after %d polls", ErrMailboxTimeout, req.Type(), target.Name(), cfg.RetryCount)
	}

	defer StoreWord(slot, SlotIdle)
	if got := le.Uint32(slot[slotCircuit:]); got != circuitID {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrCircuitMismatch, circuitID, got)
	}
	if code := le.Uint32(slot[slotErrorCode:]); code != CodeOK {
		return nil, &RemoteError{Type: req.Type(), Code: code}
	}
	n := le.Uint32(slot[slotPayLen:])
	if n > MaxMailboxPayload {
		return nil, fmt.Errorf("%w: response claims %d bytes", ErrPayloadTooLarge, n)
	}
	return &MailboxResponse{
		ReturnOffset: le.Uint64(slot[slotRetOffset:]),
		ReturnSize:   le.Uint64(slot[slotRetSize:]),
		Payload:      append([]byte(nil), slot[slotPayload:slotPayload+n]...),
	}, nil
}

// Dispatch serves pending requests and retires finished replies. It never
// blocks on the network and returns the number of requests served.
func (c *Comms) Dispatch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	c.retireRepliesLocked()
	if c.handler == nil {
		return 0
	}

	served := 0
	le := binary.LittleEndian
	for mb := uint16(0); mb < c.slots; mb++ {
		if mb == c.ep.Mailbox {
			continue // our own outbound slot
		}
		slot := c.slot(mb)
		if LoadWord(slot) != SlotRequest {
			continue
		}
		served++

		t := RequestType(le.Uint32(slot[slotType:]))
		circuitID := le.Uint32(slot[slotCircuit:])
		n := le.Uint32(slot[slotPayLen:])
		if n > MaxMailboxPayload {
			c.logger.Warn("Dropping malformed mailbox request", "slot", mb, "len", n)
			StoreWord(slot, SlotIdle)
			continue
		}
		requester, req, err := DecodeMailboxRequest(t, slot[slotPayload:slotPayload+n])
		if err != nil {
			c.logger.Warn("Dropping undecodable mailbox request", "slot", mb, "error", err)
			StoreWord(slot, SlotIdle)
			continue
		}
		peer, err := c.peerLocked(requester)
		if err != nil {
			c.logger.Warn("Cannot reach mailbox requester", "slot", mb, "requester", requester, "error", err)
			StoreWord(slot, SlotIdle)
			continue
		}

		resp, code := c.handler(peer, circuitID, req)
		if len(resp.Payload) > MaxMailboxPayload {
			resp = MailboxResponse{}
			code = CodeInternal
		}
		c.logger.Debug("Served mailbox request", "type", t.String(), "circuit", circuitID, "from", mb, "code", code)

		// The circuit id is echoed so a requester can reject a late reply to
		// an earlier request that reused the slot.
		copy(slot[slotPayload:], resp.Payload)
		le.PutUint32(slot[slotCircuit:], circuitID)
		le.PutUint32(slot[slotErrorCode:], code)
		le.PutUint64(slot[slotRetOffset:], resp.ReturnOffset)
		le.PutUint64(slot[slotRetSize:], resp.ReturnSize)
		le.PutUint32(slot[slotPayLen:], uint32(len(resp.Payload)))
		StoreWord(slot, SlotResponse)

		tpl, err := c.templateLocked(peer)
		if err == nil {
			var xr Request
			xr, err = c.copySlot(tpl, mb, slotPayload+uint64(len(resp.Payload)))
			if err == nil {
				c.replies = append(c.replies, pendingReply{slot: mb, req: xr})
			}
		}
		if err != nil {
			c.logger.Error("Mailbox reply failed", "slot", mb, "requester", requester, "error", err)
			casWord(slot, SlotResponse, SlotIdle)
		}
	}
	c.retireRepliesLocked()
	return served
}

func (c *Comms) retireRepliesLocked() {
	kept := c.replies[:0]
	for _, r := range c.replies {
		if r.req.Status() == Pending {
			kept = append(kept, r)
			continue
		}
		// A new request may already have landed in the slot.
		casWord(c.slot(r.slot), SlotResponse, SlotIdle)
	}
	c.replies = kept
}

// Close releases the cached templates and peer endpoints. The templates
// hold references on the endpoint itself, so owners call Close before
// their final Release.
func (c *Comms) Close() {
	c.close()
}

func (c *Comms) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	templates := c.templates
	peers := c.peers
	c.templates = nil
	c.peers = nil
	c.replies = nil
	c.mu.Unlock()

	for _, t := range templates {
		t.Release()
	}
	for _, ep := range peers {
		ep.Release()
	}
}
