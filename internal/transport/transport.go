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
Package transport moves buffers between ports over the transfer drivers.

A circuit joins one output port to one or more input ports. Every port owns
a ring of buffers in a local endpoint. Each buffer has state words and
metadata records beside its data. A producer fills an output buffer and
sends it. The transfer controller copies data, metadata and finally the
full flag into the next consumer buffer. The consumer takes the message,
releases the buffer and copies an empty flag back into the producer's
shadow word for that buffer. The producer only writes a consumer buffer
whose shadow says it is empty.

ROLES:
======

	ActiveMessage / ActiveFlowControl   producer pushes, consumer writes flow control back
	Passive / ActiveOnly                producer marks buffers full, consumer pulls

Ports on one endpoint can share buffers (zero copy) instead of copying.

BOOTSTRAP:
==========

Ports in different transports are joined through the endpoint mailboxes:
the producer offers its port with a new-connection request, the consumer
negotiates roles and answers with its input descriptor, and the producer
completes the circuit with an update-circuit request carrying the offsets
of its shadow words.
*/
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/xfer"
)

// Options holds transport-wide port defaults.
type Options struct {
	BufferCount    int
	BufferLength   int
	ZeroCopy       bool
	FlagIsMeta     bool
	RolePreference RolePreference
	// OnConnect receives input ports created for remote producers once
	// they are ready.
	OnConnect func(*Port)
}

// DefaultOptions returns the options of the default configuration.
func DefaultOptions() Options {
	o, _ := OptionsFrom(config.DefaultConfig())
	return o
}

// OptionsFrom extracts the transport options from the process
// configuration.
func OptionsFrom(c *config.Config) (Options, error) {
	pref, err := ParseRolePreference(c.Buffers.RolePreference)
	if err != nil {
		return Options{}, err
	}
	return Options{
		BufferCount:    c.Buffers.Count,
		BufferLength:   c.Buffers.Length,
		ZeroCopy:       c.Buffers.ZeroCopy,
		FlagIsMeta:     c.Buffers.FlagIsMeta,
		RolePreference: pref,
	}, nil
}

// Transport owns the circuits of one process and serves the mailboxes of
// its local endpoints.
type Transport struct {
	mgr    *xfer.Manager
	opts   Options
	logger *logging.Logger

	mu          sync.Mutex
	locals      []*xfer.EndPoint
	circuits    map[uint32]*Circuit
	ports       map[uint32]*Port
	nextCircuit uint32
	closed      bool

	portSeq atomic.Uint32
}

// New creates a transport over mgr.
func New(mgr *xfer.Manager, opts Options) *Transport {
	def := DefaultOptions()
	if opts.BufferCount <= 0 {
		opts.BufferCount = def.BufferCount
	}
	if opts.BufferLength <= 0 {
		opts.BufferLength = def.BufferLength
	}
	if len(opts.RolePreference) == 0 {
		opts.RolePreference = DefaultRolePreference
	}
	return &Transport{
		mgr:         mgr,
		opts:        opts,
		logger:      logging.NewLogger("transport"),
		circuits:    make(map[uint32]*Circuit),
		ports:       make(map[uint32]*Port),
		nextCircuit: 1,
	}
}

// Manager returns the transfer manager.
func (t *Transport) Manager() *xfer.Manager { return t.mgr }

// AddLocalEndPoint allocates a local endpoint of protocol (the manager's
// default when empty) and serves its mailbox.
func (t *Transport) AddLocalEndPoint(protocol string) (*xfer.EndPoint, error) {
	ep, err := t.mgr.AllocateEndPoint(protocol, 0)
	if err != nil {
		return nil, err
	}
	ep.Comms().SetHandler(t.handler(ep))

	t.mu.Lock()
	t.locals = append(t.locals, ep)
	t.mu.Unlock()
	t.logger.Info("Added local endpoint", "endpoint", ep.Name())
	return ep, nil
}

// EndPoints returns the local endpoints.
func (t *Transport) EndPoints() []*xfer.EndPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*xfer.EndPoint(nil), t.locals...)
}

func (t *Transport) endpoint(ep *xfer.EndPoint) (*xfer.EndPoint, error) {
	if ep != nil {
		if !ep.Local || ep.Comms() == nil {
			return nil, fmt.Errorf("%w: %s is not local", xfer.ErrInvalidEndpoint, ep.Name())
		}
		return ep, nil
	}
	t.mu.Lock()
	if len(t.locals) > 0 {
		ep = t.locals[0]
	}
	t.mu.Unlock()
	if ep != nil {
		return ep, nil
	}
	return t.AddLocalEndPoint("")
}

// localFor returns a local endpoint that can talk to remote.
func (t *Transport) localFor(remote, preferred *xfer.EndPoint) (*xfer.EndPoint, error) {
	if preferred != nil {
		if preferred.Protocol != remote.Protocol {
			return nil, fmt.Errorf("%w: %s cannot reach %s", xfer.ErrInvalidEndpoint, preferred.Name(), remote.Name())
		}
		return t.endpoint(preferred)
	}
	t.mu.Lock()
	for _, ep := range t.locals {
		if ep.Protocol == remote.Protocol && ep.Mailbox != remote.Mailbox {
			t.mu.Unlock()
			return ep, nil
		}
	}
	t.mu.Unlock()
	return t.AddLocalEndPoint(remote.Protocol)
}

func (t *Transport) nextPortID() uint32 {
	return t.portSeq.Add(1)
}

// openCircuit registers a new circuit, using id when it is free.
func (t *Transport) openCircuit(id uint32) (*Circuit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrCircuitClosed
	}
	if id == 0 || t.circuits[id] != nil {
		for t.circuits[t.nextCircuit] != nil || t.nextCircuit == 0 {
			t.nextCircuit++
		}
		id = t.nextCircuit
		t.nextCircuit++
	}
	c := newCircuit(t, id)
	t.circuits[id] = c
	return c, nil
}

func (t *Transport) register(ports ...*Port) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range ports {
		t.ports[p.id] = p
	}
}

func (t *Transport) removeCircuit(c *Circuit, ports []*Port) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.circuits[c.id] == c {
		delete(t.circuits, c.id)
	}
	for _, p := range ports {
		if t.ports[p.id] == p {
			delete(t.ports, p.id)
		}
	}
}

// Circuit returns the circuit with the given id.
func (t *Transport) Circuit(id uint32) (*Circuit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.circuits[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCircuit, id)
	}
	return c, nil
}

func (t *Transport) port(id uint32) *Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ports[id]
}

// FailedPorts returns the ports whose transfers have failed.
func (t *Transport) FailedPorts() []*Port {
	t.mu.Lock()
	ports := make([]*Port, 0, len(t.ports))
	for _, p := range t.ports {
		ports = append(ports, p)
	}
	t.mu.Unlock()

	var failed []*Port
	for _, p := range ports {
		if p.Err() != nil {
			failed = append(failed, p)
		}
	}
	return failed
}

// CreateCircuit builds a circuit whose ports all live in this transport.
func (t *Transport) CreateCircuit(spec CircuitSpec) (*Circuit, error) {
	if spec.Output == nil && len(spec.Inputs) == 0 {
		return nil, fmt.Errorf("%w: circuit without ports", ErrInvalidDescriptor)
	}
	c, err := t.openCircuit(spec.ID)
	if err != nil {
		return nil, err
	}
	if err := t.buildCircuit(c, spec); err != nil {
		c.Close()
		return nil, err
	}
	var ports []*Port
	if out := c.Output(); out != nil {
		ports = append(ports, out)
	}
	t.register(append(ports, c.Inputs()...)...)
	c.logger.Info("Circuit created", "inputs", len(spec.Inputs), "output", spec.Output != nil)
	return c, nil
}

func (t *Transport) buildCircuit(c *Circuit, spec CircuitSpec) error {
	c.mu.Lock()
	defer c.unlock()

	var out *Port
	if spec.Output != nil {
		ep, err := t.endpoint(spec.Output.EndPoint)
		if err != nil {
			return err
		}
		if out, err = c.addPort(*spec.Output, ep, true); err != nil {
			return err
		}
		out.bridge = len(spec.Inputs) == 0
	}
	for _, ps := range spec.Inputs {
		ep, err := t.endpoint(ps.EndPoint)
		if err != nil {
			return err
		}
		in, err := c.addPort(ps, ep, false)
		if err != nil {
			return err
		}
		in.bridge = out == nil
	}
	if out != nil {
		for _, in := range c.Inputs() {
			if err := c.connectLocal(out, in); err != nil {
				return err
			}
		}
	}
	c.setStateLocked(Active)
	return nil
}

// CreateInputPort creates an input port for a producer in another
// transport. The returned descriptor goes to the producer's
// CreateOutputPort; the producer's answer completes the port through
// SetFlowControlDescriptor.
func (t *Transport) CreateInputPort(spec PortSpec) (*Port, Descriptor, error) {
	ep, err := t.endpoint(spec.EndPoint)
	if err != nil {
		return nil, Descriptor{}, err
	}
	c, err := t.openCircuit(spec.CircuitID)
	if err != nil {
		return nil, Descriptor{}, err
	}
	c.mu.Lock()
	p, err := c.addPort(spec, ep, false)
	if err != nil {
		c.unlock()
		c.Close()
		return nil, Descriptor{}, err
	}
	p.state = WaitingForUpdate
	d := p.consumerDescriptor()
	c.unlock()
	t.register(p)
	return p, d, nil
}

// CreateOutputPort creates an output port feeding the input port described
// by in. The returned descriptor tells the consumer where to write flow
// control.
func (t *Transport) CreateOutputPort(spec PortSpec, in Descriptor) (*Port, Descriptor, error) {
	return t.createOutput(spec, in, DefinitionComplete)
}

func (t *Transport) createOutput(spec PortSpec, in Descriptor, state ConnectState) (*Port, Descriptor, error) {
	if err := in.Validate(); err != nil {
		return nil, Descriptor{}, err
	}
	if in.Type != ConsumerDescriptor {
		return nil, Descriptor{}, fmt.Errorf("%w: %s descriptor for an output", ErrInvalidDescriptor, in.Type)
	}
	remote, err := t.mgr.GetEndPoint(in.EndPoint, false, false, 0)
	if err != nil {
		return nil, Descriptor{}, err
	}
	ep, err := t.localFor(remote, spec.EndPoint)
	if err != nil {
		remote.Release()
		return nil, Descriptor{}, err
	}
	length := spec.BufferLength
	if length <= 0 {
		length = t.opts.BufferLength
	}
	spec.BufferLength = min(length, int(in.DataBufferSize))
	id := spec.CircuitID
	if id == 0 {
		id = in.CircuitID
	}
	c, err := t.openCircuit(id)
	if err != nil {
		remote.Release()
		return nil, Descriptor{}, err
	}
	c.eps = append(c.eps, remote)

	p, d, err := c.buildOutput(spec, ep, remote, in, state)
	if err != nil {
		c.Close()
		return nil, Descriptor{}, err
	}
	t.register(p)
	return p, d, nil
}

func (c *Circuit) buildOutput(spec PortSpec, ep, remote *xfer.EndPoint, in Descriptor, state ConnectState) (*Port, Descriptor, error) {
	c.mu.Lock()
	defer c.unlock()

	p, err := c.addPort(spec, ep, true)
	if err != nil {
		return nil, Descriptor{}, err
	}
	outRole, inRole := in.PeerRole, in.Role
	if in.Role == NoRole {
		outRole, inRole, err = negotiate(p.offer, in.Offer, c.t.opts.RolePreference, mappable(remote))
		if err != nil {
			return nil, Descriptor{}, err
		}
	} else if _, _, err := NegotiateRoles(RoleOffer{Preferred: outRole, Options: MandatedRole},
		RoleOffer{Preferred: inRole, Options: MandatedRole}, nil); err != nil {
		return nil, Descriptor{}, err
	}
	p.role = outRole

	tg, err := newTarget(p, in, remote)
	if err != nil {
		return nil, Descriptor{}, err
	}
	tg.peerRole = inRole
	tg.pull = outRole == Passive
	if !tg.pull {
		if tg.tpl, err = c.template(ep, remote); err != nil {
			return nil, Descriptor{}, err
		}
	}
	p.targets = append(p.targets, tg)
	p.state = state
	if state == DefinitionComplete {
		c.setStateLocked(Active)
	}
	c.logger.Info("Output port created", "port", p.id, "consumer", in.EndPoint,
		"roles", outRole.String()+"/"+inRole.String())
	return p, p.producerDescriptor(tg), nil
}

func (p *Port) setFlowControlLocked(d Descriptor) error {
	if p.output || p.shadow {
		return fmt.Errorf("%w: %s is not an input", ErrInvalidDescriptor, p)
	}
	if p.state == DefinitionComplete || p.state == NotExternal {
		return fmt.Errorf("%w: %s is already connected", ErrInvalidDescriptor, p)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Type != ProducerDescriptor {
		return fmt.Errorf("%w: %s descriptor for flow control", ErrInvalidDescriptor, d.Type)
	}
	c := p.circuit
	remote, err := c.t.mgr.GetEndPoint(d.EndPoint, false, false, 0)
	if err != nil {
		return err
	}
	c.eps = append(c.eps, remote)

	switch d.PeerRole {
	case ActiveOnly:
		if p.puller, err = newPuller(remote, d); err != nil {
			return fmt.Errorf("%w: producer memory: %v", ErrNoCompatibleRole, err)
		}
	case ActiveFlowControl:
		tpl, err := c.template(p.ep, remote)
		if err != nil {
			return err
		}
		p.feedback = &feedback{tpl: tpl, base: d.EmptyFlagBase, pitch: d.EmptyFlagPitch}
	default:
		return fmt.Errorf("%w: input role %s", ErrNoCompatibleRole, d.PeerRole)
	}
	p.role = d.PeerRole
	p.options |= d.Offer.Options & FlagIsMeta
	p.state = DefinitionComplete
	c.setStateLocked(Active)
	p.logger.Info("Input port connected", "producer", d.EndPoint, "role", p.role.String())
	return nil
}

func mappable(ep *xfer.EndPoint) bool {
	_, err := ep.Smem().Map(0, BufferStateSize)
	return err == nil
}

// ConnectOutput creates an output port connected to a new input port in
// the transport that serves remoteEndpoint's mailbox. A nonzero
// spec.PortID connects to an input port that already exists there.
func (t *Transport) ConnectOutput(ctx context.Context, remoteEndpoint string, spec PortSpec) (*Port, error) {
	remote, err := t.mgr.GetEndPoint(remoteEndpoint, false, false, 0)
	if err != nil {
		return nil, err
	}
	defer remote.Release()
	ep, err := t.localFor(remote, spec.EndPoint)
	if err != nil {
		return nil, err
	}
	spec.EndPoint = ep

	n, length := spec.BufferCount, spec.BufferLength
	if n <= 0 {
		n = t.opts.BufferCount
	}
	if length <= 0 {
		length = t.opts.BufferLength
	}
	opts := spec.Offer.Options
	if t.opts.FlagIsMeta {
		opts |= FlagIsMeta
	}
	offer := Descriptor{
		Type:           ProducerDescriptor,
		Role:           NoRole,
		PeerRole:       NoRole,
		Offer:          RoleOffer{Preferred: spec.Offer.Preferred, Options: opts},
		CircuitID:      spec.CircuitID,
		PortID:         spec.PortID,
		EndPoint:       ep.Name(),
		NBuffers:       uint32(n),
		DataBufferSize: uint32(length),
	}
	comms := ep.Comms()
	pump := func() { t.Dispatch() }

	resp, err := comms.Request(ctx, remote, spec.CircuitID, xfer.NewConnectionRequest{Descriptor: offer.encode()}, pump)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", remoteEndpoint, err)
	}
	in, err := DecodeDescriptor(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", remoteEndpoint, err)
	}

	p, d, err := t.createOutput(spec, in, WaitingForShadowBuffer)
	if err != nil {
		return nil, err
	}
	_, err = comms.Request(ctx, remote, in.CircuitID, xfer.UpdateCircuitRequest{
		ReceiverPortID: in.PortID,
		SenderPortID:   p.id,
		Descriptor:     d.encode(),
	}, pump)
	if err != nil {
		p.circuit.Close()
		return nil, fmt.Errorf("update circuit %d at %s: %w", in.CircuitID, remoteEndpoint, err)
	}

	c := p.circuit
	c.mu.Lock()
	p.state = DefinitionComplete
	c.setStateLocked(Active)
	c.unlock()
	t.logger.Info("Output connected", "circuit", c.id, "remote", remoteEndpoint,
		"remote_circuit", in.CircuitID, "remote_port", in.PortID)
	return p, nil
}

// request sends one mailbox request to remoteEndpoint.
func (t *Transport) request(ctx context.Context, remoteEndpoint string, circuitID uint32, req xfer.MailboxRequest) (*xfer.MailboxResponse, error) {
	remote, err := t.mgr.GetEndPoint(remoteEndpoint, false, false, 0)
	if err != nil {
		return nil, err
	}
	defer remote.Release()
	ep, err := t.localFor(remote, nil)
	if err != nil {
		return nil, err
	}
	return ep.Comms().Request(ctx, remote, circuitID, req, func() { t.Dispatch() })
}

// QueryInputOffsets asks a remote transport for the descriptor of one of
// its input ports.
func (t *Transport) QueryInputOffsets(ctx context.Context, remoteEndpoint string, circuitID, portID uint32) (Descriptor, error) {
	resp, err := t.request(ctx, remoteEndpoint, circuitID, xfer.InputOffsetsRequest{PortID: portID})
	if err != nil {
		return Descriptor{}, err
	}
	return DecodeDescriptor(resp.Payload)
}

// QueryShadowStateOffset asks the producer owning output port portID where
// it keeps the shadow words of the requesting endpoint's consumer.
func (t *Transport) QueryShadowStateOffset(ctx context.Context, remoteEndpoint string, circuitID, portID uint32) (offset, size uint64, err error) {
	resp, err := t.request(ctx, remoteEndpoint, circuitID, xfer.ShadowRstateOffsetRequest{PortID: portID})
	if err != nil {
		return 0, 0, err
	}
	return resp.ReturnOffset, resp.ReturnSize, nil
}

// QueryOutputControlOffset asks for the control block of output port
// portID.
func (t *Transport) QueryOutputControlOffset(ctx context.Context, remoteEndpoint string, circuitID, portID, shadowPortID uint32) (offset, size uint64, err error) {
	resp, err := t.request(ctx, remoteEndpoint, circuitID, xfer.OutputControlOffsetRequest{PortID: portID, ShadowPortID: shadowPortID})
	if err != nil {
		return 0, 0, err
	}
	return resp.ReturnOffset, resp.ReturnSize, nil
}

// Dispatch serves mailbox requests and moves queued transfers along. It
// never blocks and returns the number of mailbox requests served.
func (t *Transport) Dispatch() int {
	t.mu.Lock()
	locals := append([]*xfer.EndPoint(nil), t.locals...)
	circuits := make([]*Circuit, 0, len(t.circuits))
	for _, c := range t.circuits {
		circuits = append(circuits, c)
	}
	t.mu.Unlock()

	served := 0
	for _, ep := range locals {
		served += ep.Comms().Dispatch()
	}
	for _, c := range circuits {
		c.mu.Lock()
		c.pumpLocked()
		c.unlock()
	}
	return served
}

// Close closes every circuit and releases the local endpoints.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	circuits := make([]*Circuit, 0, len(t.circuits))
	for _, c := range t.circuits {
		circuits = append(circuits, c)
	}
	locals := t.locals
	t.locals = nil
	t.mu.Unlock()

	for _, c := range circuits {
		c.Close()
	}
	for _, ep := range locals {
		ep.Comms().Close()
		ep.Release()
	}
	t.logger.Info("Transport closed", "circuits", len(circuits))
	return nil
}
