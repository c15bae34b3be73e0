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
	"fmt"

	"dataplane/internal/logging"
	"dataplane/internal/metrics"
	"dataplane/internal/xfer"
)

// ConnectState tracks the bootstrap of a port whose peer lives in another
// transport.
type ConnectState uint8

const (
	NotExternal ConnectState = iota
	WaitingForUpdate
	WaitingForShadowBuffer
	DefinitionComplete
)

var connectStateNames = [...]string{"NotExternal", "WaitingForUpdate", "WaitingForShadowBuffer", "DefinitionComplete"}

func (s ConnectState) String() string {
	if int(s) < len(connectStateNames) {
		return connectStateNames[s]
	}
	return fmt.Sprintf("ConnectState(%d)", s)
}

// PortSpec describes a port to create.
type PortSpec struct {
	EndPoint     *xfer.EndPoint // nil selects the transport's first local endpoint
	BufferCount  int            // zero uses the transport default
	BufferLength int            // zero uses the transport default
	Offer        RoleOffer
	CircuitID    uint32 // zero assigns one
	PortID       uint32 // remote input port to connect to, zero lets the peer create one
}

// PortSet is the ordered group of ports on one side of a circuit.
type PortSet struct {
	ports  []*Port
	output bool
	nBufs  int
	bufLen int
}

// Ports returns the ports in contributor order.
func (s *PortSet) Ports() []*Port { return s.ports }

// IsOutput reports whether the set produces.
func (s *PortSet) IsOutput() bool { return s.output }

// BufferCount returns the buffers per port.
func (s *PortSet) BufferCount() int { return s.nBufs }

// BufferLength returns the capacity of each buffer.
func (s *PortSet) BufferLength() int { return s.bufLen }

// Port is one end of a circuit. All methods are safe for concurrent use;
// they serialize on the circuit.
type Port struct {
	circuit *Circuit
	set     *PortSet
	id      uint32
	output  bool
	shadow  bool
	ordinal int
	ep      *xfer.EndPoint
	mailbox uint16
	offsets *portOffsets
	offer   RoleOffer
	options RoleOption
	role    Role
	state   ConnectState
	failed  error
	logger  *logging.Logger

	// output side
	outputs  []*OutputBuffer
	control  []byte
	targets  []*target
	nextOut  int
	nextFull int
	fanout   int
	seq      uint32
	bridge   bool

	// input side
	inputs    []*InputBuffer
	nextIn    int
	nextEmpty int
	feedback  *feedback
	pending   []xfer.Request
	puller    *puller
	eos       bool
	accepted  bool // created by a remote connection request
}

func (p *Port) String() string {
	if p.circuit == nil {
		return fmt.Sprintf("shadow port %d", p.id)
	}
	return fmt.Sprintf("circuit %d port %d", p.circuit.id, p.id)
}

// ID returns the port id, unique within the transport.
func (p *Port) ID() uint32 { return p.id }

// Circuit returns the owning circuit.
func (p *Port) Circuit() *Circuit { return p.circuit }

// PortSet returns the set the port belongs to.
func (p *Port) PortSet() *PortSet { return p.set }

// IsOutput reports whether the port produces.
func (p *Port) IsOutput() bool { return p.output }

// EndPoint returns the endpoint holding the port's buffers.
func (p *Port) EndPoint() *xfer.EndPoint { return p.ep }

// Role returns the negotiated role, NoRole before negotiation.
func (p *Port) Role() Role {
	p.circuit.mu.Lock()
	defer p.circuit.mu.Unlock()
	return p.role
}

// ConnectState returns the bootstrap state.
func (p *Port) ConnectState() ConnectState {
	p.circuit.mu.Lock()
	defer p.circuit.mu.Unlock()
	return p.state
}

// Err returns the error that failed the port, if any.
func (p *Port) Err() error {
	p.circuit.mu.Lock()
	defer p.circuit.mu.Unlock()
	return p.failed
}

// BufferCount returns the number of buffers.
func (p *Port) BufferCount() int { return p.offsets.n }

// BufferLength returns the capacity of each buffer.
func (p *Port) BufferLength() int { return int(p.offsets.bufLen) }

func (p *Port) ready() bool {
	return p.failed == nil && (p.state == NotExternal || p.state == DefinitionComplete) &&
		p.circuit.state != Closed
}

func (p *Port) fail(err error) {
	if p.failed != nil {
		return
	}
	p.failed = fmt.Errorf("%w: %v", ErrPortFailed, err)
	p.logger.Error("Port failed", "error", err)
}

func (p *Port) checkReady() error {
	switch {
	case p.circuit.state == Closed:
		return ErrCircuitClosed
	case p.failed != nil:
		return p.failed
	case p.state != NotExternal && p.state != DefinitionComplete:
		return fmt.Errorf("%w: %s is %s", ErrPortNotReady, p, p.state)
	}
	return nil
}

func newPort(c *Circuit, set *PortSet, id uint32, ep *xfer.EndPoint, o *portOffsets, offer RoleOption) *Port {
	p := &Port{
		circuit: c,
		set:     set,
		id:      id,
		output:  set.output,
		ordinal: len(set.ports),
		ep:      ep,
		mailbox: ep.Mailbox,
		offsets: o,
		options: offer,
		role:    NoRole,
	}
	p.logger = c.logger.With("port", id)
	set.ports = append(set.ports, p)
	return p
}

// mapBuffers creates the buffer objects over the allocated regions.
func (p *Port) mapBuffers() error {
	for i := 0; i < p.offsets.n; i++ {
		data, state, meta, err := p.offsets.mapBuffer(i)
		if err != nil {
			return err
		}
		b := Buffer{port: p, tid: i, data: data, state: state, meta: meta}
		if p.output {
			ob := &OutputBuffer{Buffer: b, timestamp: uint32(i)}
			ob.initState()
			p.outputs = append(p.outputs, ob)
		} else {
			ib := &InputBuffer{Buffer: b}
			ib.initState()
			p.inputs = append(p.inputs, ib)
		}
	}
	if p.output {
		ctl, err := p.ep.Smem().Map(p.offsets.control, controlSize)
		if err != nil {
			return err
		}
		clear(ctl)
		xfer.StoreWord(ctl[8:], uint32(p.offsets.n))
		p.control = ctl
	}
	return nil
}

// consumerDescriptor describes an input port to its producer.
func (p *Port) consumerDescriptor() Descriptor {
	o := p.offsets
	return Descriptor{
		Type:           ConsumerDescriptor,
		Role:           p.role,
		PeerRole:       NoRole,
		Offer:          p.offer,
		CircuitID:      p.circuit.id,
		PortID:         p.id,
		EndPoint:       p.ep.Name(),
		NBuffers:       uint32(o.n),
		DataBufferSize: uint32(o.bufLen),
		DataBase:       o.dataBase,
		DataPitch:      o.dataPitch,
		MetaDataBase:   o.metaBase,
		MetaDataPitch:  metaDataPitch,
		FullFlagBase:   o.stateBase,
		FullFlagPitch:  statePitch,
		FullFlagSize:   BufferStateSize,
		FullFlagValue:  uint32(FFFull),
	}
}

// producerDescriptor describes an output port to a consumer. A pushing
// producer names the shadow words of t; a passive one names its own
// buffers.
func (p *Port) producerDescriptor(t *target) Descriptor {
	o := p.offsets
	d := Descriptor{
		Type:           ProducerDescriptor,
		Role:           p.role,
		Offer:          p.offer,
		CircuitID:      p.circuit.id,
		PortID:         p.id,
		EndPoint:       p.ep.Name(),
		NBuffers:       uint32(o.n),
		DataBufferSize: uint32(o.bufLen),
		DataBase:       o.dataBase,
		DataPitch:      o.dataPitch,
		MetaDataBase:   o.metaBase,
		MetaDataPitch:  metaDataPitch,
		EmptyFlagSize:  BufferStateSize,
		EmptyFlagValue: uint32(EFEmpty),
		ControlBase:    o.control,
	}
	if t != nil {
		d.PeerRole = t.peerRole
		if !t.pull {
			d.EmptyFlagBase = t.shadowBase
			d.EmptyFlagPitch = BufferStateSize
			return d
		}
	}
	d.EmptyFlagBase = o.stateBase
	d.EmptyFlagPitch = statePitch
	return d
}

// GetNextEmptyOutputBuffer returns the next buffer to fill, or nil when it
// is still in flight. Sequence, rank and temporal id are filled in.
func (p *Port) GetNextEmptyOutputBuffer() *OutputBuffer {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	c.pumpLocked()
	return p.nextEmptyOutputLocked()
}

func (p *Port) nextEmptyOutputLocked() *OutputBuffer {
	if !p.output || !p.ready() {
		return nil
	}
	b := p.outputs[p.nextOut]
	if b.inUse || !b.IsEmpty() {
		return nil
	}
	b.inUse = true
	p.nextOut = (p.nextOut + 1) % len(p.outputs)

	md := BufferMetaData{
		Sequence:      p.seq,
		SrcRank:       uint32(p.ordinal),
		SrcTemporalID: uint32(b.tid),
		Timestamp:     b.timestamp,
	}
	md.Set(0, 0, false)
	b.SetMetaData(md)
	p.seq++
	b.timestamp += uint32(2 * len(p.outputs))
	return b
}

// HasEmptyOutputBuffer reports whether GetNextEmptyOutputBuffer would
// succeed.
func (p *Port) HasEmptyOutputBuffer() bool {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	c.pumpLocked()
	if !p.output || !p.ready() {
		return false
	}
	b := p.outputs[p.nextOut]
	return !b.inUse && b.IsEmpty()
}

// SendOutputBuffer sends length bytes of b. The buffer goes back to the
// port and must not be touched until it is handed out again.
func (p *Port) SendOutputBuffer(b *OutputBuffer, length int, opcode uint8, end bool) error {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if err := p.checkOwned(&b.Buffer); err != nil {
		return err
	}
	if length < 0 || length > len(b.data) {
		return fmt.Errorf("%w: %d bytes in a %d byte buffer", ErrBufferTooLarge, length, len(b.data))
	}
	md := b.MetaData()
	md.Set(uint32(length), opcode, end)
	b.SetMetaData(md)
	b.inUse = false
	return c.submitLocked(p, b)
}

// SendEndOfStream sends an empty end-of-stream message that also ends the
// circuit.
func (p *Port) SendEndOfStream() error {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if err := p.checkReady(); err != nil {
		return err
	}
	if !p.output {
		return fmt.Errorf("%w: %s is an input", ErrBufferNotAvailable, p)
	}
	b := p.nextEmptyOutputLocked()
	if b == nil {
		return fmt.Errorf("%w: no empty output buffer", ErrBufferNotAvailable)
	}
	md := b.MetaData()
	md.Set(0, 0, true)
	md.EndOfStream = 1
	md.EndOfCircuit = 1
	b.SetMetaData(md)
	b.inUse = false
	xfer.StoreWord(p.control[0:], 1)
	c.setStateLocked(Disconnecting)
	return c.submitLocked(p, b)
}

// SendZcopyInputBuffer forwards an input buffer the application holds to
// this output port. When both ports share an endpoint the data is sent
// straight from the input buffer and the input buffer is released once
// delivered; otherwise it is copied and released at once.
func (p *Port) SendZcopyInputBuffer(in *InputBuffer, length int, opcode uint8, end bool) error {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if err := p.checkReady(); err != nil {
		return err
	}
	if !p.output {
		return fmt.Errorf("%w: %s is an input", ErrNotZeroCopy, p)
	}
	if !in.inUse || in.port.output {
		return fmt.Errorf("%w: input buffer not held", ErrNotZeroCopy)
	}
	if length < 0 || length > len(in.Data()) || length > int(p.offsets.bufLen) {
		return fmt.Errorf("%w: %d bytes for %d byte buffers", ErrBufferTooLarge, length, p.offsets.bufLen)
	}
	b := p.nextEmptyOutputLocked()
	if b == nil {
		return fmt.Errorf("%w: no empty output buffer", ErrBufferNotAvailable)
	}
	md := b.MetaData()
	md.Set(uint32(length), opcode, end)
	b.SetMetaData(md)
	b.inUse = false

	if p.canForward(in) {
		b.forward = in
		metrics.Get().BuffersZeroCopy.Add(1)
	} else {
		copy(b.data, in.Data()[:length])
		c.deferRelease(in)
	}
	return c.submitLocked(p, b)
}

// canForward reports whether in can be the data source of this port's
// transfers: same endpoint, a pushing role and a real buffer.
func (p *Port) canForward(in *InputBuffer) bool {
	if in.zcopy != nil || in.shadow != nil || in.port.ep != p.ep || p.role != ActiveMessage {
		return false
	}
	for _, t := range p.targets {
		if t.tpl == nil {
			return false
		}
	}
	return len(p.targets) > 0
}

// GetNextFullInputBuffer returns the next message, or a nil buffer when
// none has arrived. data is sliced to the message length.
func (p *Port) GetNextFullInputBuffer() (b *InputBuffer, data []byte, opcode uint8, end bool) {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	c.pumpLocked()
	if p.output || !p.ready() {
		return nil, nil, 0, false
	}
	b = p.inputs[p.nextIn]
	if b.inUse || b.IsEmpty() {
		return nil, nil, 0, false
	}
	b.SetInUse(true)
	p.nextIn = (p.nextIn + 1) % len(p.inputs)
	metrics.Get().BuffersReceived.Add(1)

	md := b.md
	if md.EndOfStream != 0 {
		p.eos = true
	}
	if md.EndOfCircuit != 0 {
		c.setStateLocked(Disconnecting)
	}
	n := min(int(md.Length), len(b.Data()))
	return b, b.Data()[:n], uint8(md.OpCode), md.End != 0
}

// HasFullInputBuffer reports whether a message is waiting.
func (p *Port) HasFullInputBuffer() bool {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	c.pumpLocked()
	if p.output || !p.ready() {
		return false
	}
	b := p.inputs[p.nextIn]
	return !b.inUse && !b.IsEmpty()
}

// ReleaseInputBuffer hands a consumed buffer back and tells the producer
// it may be filled again.
func (p *Port) ReleaseInputBuffer(b *InputBuffer) error {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	return p.releaseInputLocked(b)
}

func (p *Port) releaseInputLocked(b *InputBuffer) error {
	if b.port != p || p.output {
		return fmt.Errorf("%w: buffer of %s released on %s", ErrBufferNotAvailable, b.port, p)
	}
	if !b.inUse {
		return fmt.Errorf("%w: buffer %d not held", ErrBufferNotAvailable, b.tid)
	}
	b.MarkBufferEmpty()
	b.DetachZeroCopy()
	b.inUse = false
	return p.circuit.consumeLocked(p, b)
}

// GetNextEmptyInputBuffer lets a bridge fill an input port that has no
// producer of its own. The buffer is delivered with SendInputBuffer.
func (p *Port) GetNextEmptyInputBuffer() *InputBuffer {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if p.output || !p.ready() || !p.bridge {
		return nil
	}
	b := p.inputs[p.nextEmpty]
	if b.inUse || !b.GetState().IsEmpty() {
		return nil
	}
	b.inUse = true
	p.nextEmpty = (p.nextEmpty + 1) % len(p.inputs)
	return b
}

// SendInputBuffer delivers a buffer obtained from GetNextEmptyInputBuffer
// to the port's consumer.
func (p *Port) SendInputBuffer(b *InputBuffer, length int, opcode uint8, end bool) error {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if err := p.checkOwned(&b.Buffer); err != nil {
		return err
	}
	if length < 0 || length > len(b.data) {
		return fmt.Errorf("%w: %d bytes in a %d byte buffer", ErrBufferTooLarge, length, len(b.data))
	}
	md := BufferMetaData{SrcRank: uint32(p.ordinal), SrcTemporalID: uint32(b.tid)}
	md.Set(uint32(length), opcode, end)
	md.Encode(b.record(0))
	b.inUse = false
	w := FFFull
	if p.options&FlagIsMeta != 0 {
		w = FullFlag(md.XferMetaData)
	}
	b.markFull(0, w)
	return nil
}

// GetNextFullOutputBuffer lets a bridge drain an output port that has no
// consumer of its own. The buffer is returned with ReleaseOutputBuffer.
func (p *Port) GetNextFullOutputBuffer() (b *OutputBuffer, data []byte, opcode uint8, end bool) {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if !p.output || !p.ready() || !p.bridge {
		return nil, nil, 0, false
	}
	b = p.outputs[p.nextFull]
	if b.full || !b.GetState().IsFull() {
		return nil, nil, 0, false
	}
	b.full = true
	p.nextFull = (p.nextFull + 1) % len(p.outputs)
	md := b.MetaData()
	n := min(int(md.Length), len(b.data))
	return b, b.data[:n], uint8(md.OpCode), md.End != 0
}

// ReleaseOutputBuffer returns a buffer taken with GetNextFullOutputBuffer
// to its producer.
func (p *Port) ReleaseOutputBuffer(b *OutputBuffer) error {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if b.port != p || !b.full {
		return fmt.Errorf("%w: output buffer %d not held", ErrBufferNotAvailable, b.tid)
	}
	b.full = false
	b.MarkBufferEmpty()
	return nil
}

// EOS reports whether end of stream was sent on an output port or
// received on an input port.
func (p *Port) EOS() bool {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	if p.output {
		return xfer.LoadWord(p.control[0:]) != 0
	}
	return p.eos
}

// SetFlowControlDescriptor completes an input port created with
// CreateInputPort once its producer's descriptor is known.
func (p *Port) SetFlowControlDescriptor(d Descriptor) error {
	c := p.circuit
	c.mu.Lock()
	defer c.unlock()
	return p.setFlowControlLocked(d)
}

func (p *Port) checkOwned(b *Buffer) error {
	if err := p.checkReady(); err != nil {
		return err
	}
	if b.port != p {
		return fmt.Errorf("%w: buffer of %s used on %s", ErrBufferNotAvailable, b.port, p)
	}
	if !b.inUse {
		return fmt.Errorf("%w: buffer %d not held", ErrBufferNotAvailable, b.tid)
	}
	return nil
}
