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
	"sync"

	"dataplane/internal/logging"
	"dataplane/internal/metrics"
	"dataplane/internal/xfer"
)

// CircuitState is the lifecycle of a circuit.
type CircuitState uint8

const (
	Open CircuitState = iota
	Active
	Disconnecting
	Closed
)

var circuitStateNames = [...]string{"Open", "Active", "Disconnecting", "Closed"}

func (s CircuitState) String() string {
	if int(s) < len(circuitStateNames) {
		return circuitStateNames[s]
	}
	return fmt.Sprintf("CircuitState(%d)", s)
}

// CircuitSpec describes a circuit whose ports all live in one transport.
// A nil Output leaves the inputs to be fed by a bridge; no Inputs leaves
// the output to be drained by one.
type CircuitSpec struct {
	ID     uint32
	Output *PortSpec
	Inputs []PortSpec
}

// Circuit connects one output port to one or more input ports.
type Circuit struct {
	t       *Transport
	id      uint32
	mu      sync.Mutex
	state   CircuitState
	outputs *PortSet
	inputs  *PortSet
	queue   []queued
	release []*InputBuffer
	eps     []*xfer.EndPoint  // remote endpoint references
	tpls    []*xfer.Template  // template references
	logger  *logging.Logger
}

func newCircuit(t *Transport, id uint32) *Circuit {
	metrics.Get().ActiveCircuits.Add(1)
	return &Circuit{
		t:      t,
		id:     id,
		logger: t.logger.With("circuit", id),
	}
}

// ID returns the circuit id.
func (c *Circuit) ID() uint32 { return c.id }

// State returns the lifecycle state.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Output returns the output port, nil when the circuit has none.
func (c *Circuit) Output() *Port {
	if c.outputs == nil || len(c.outputs.ports) == 0 {
		return nil
	}
	return c.outputs.ports[0]
}

// Inputs returns the input ports.
func (c *Circuit) Inputs() []*Port {
	if c.inputs == nil {
		return nil
	}
	return c.inputs.ports
}

// Input returns input port i.
func (c *Circuit) Input(i int) *Port {
	return c.inputs.ports[i]
}

func (c *Circuit) setStateLocked(s CircuitState) {
	if s <= c.state {
		return
	}
	c.logger.Debug("Circuit state changed", "from", c.state.String(), "to", s.String())
	c.state = s
}

// deferRelease queues an input buffer for release once the circuit lock
// is dropped; the buffer may belong to another circuit.
func (c *Circuit) deferRelease(in *InputBuffer) {
	c.release = append(c.release, in)
}

// unlock drops the circuit lock and releases deferred input buffers.
func (c *Circuit) unlock() {
	rel := c.release
	c.release = nil
	c.mu.Unlock()
	for _, in := range rel {
		if err := in.port.ReleaseInputBuffer(in); err != nil {
			c.logger.Warn("Releasing forwarded buffer failed", "error", err)
		}
	}
}

func (c *Circuit) template(from, to *xfer.EndPoint) (*xfer.Template, error) {
	tpl, err := c.t.mgr.GetTemplate(from, to)
	if err != nil {
		return nil, err
	}
	c.tpls = append(c.tpls, tpl)
	return tpl, nil
}

// addPort allocates a port and its buffers.
func (c *Circuit) addPort(spec PortSpec, ep *xfer.EndPoint, output bool) (*Port, error) {
	n, length := spec.BufferCount, spec.BufferLength
	if n <= 0 {
		n = c.t.opts.BufferCount
	}
	if length <= 0 {
		length = c.t.opts.BufferLength
	}
	set := &c.inputs
	if output {
		set = &c.outputs
	}
	if *set == nil {
		*set = &PortSet{output: output, nBufs: n, bufLen: length}
	}
	o, err := createPortOffsets(ep, n, uint64(length), output)
	if err != nil {
		return nil, fmt.Errorf("buffers for circuit %d: %w", c.id, err)
	}
	opts := spec.Offer.Options
	if c.t.opts.FlagIsMeta {
		opts |= FlagIsMeta
	}
	if c.t.opts.ZeroCopy {
		opts |= ZeroCopy
	}
	p := newPort(c, *set, c.t.nextPortID(), ep, o, opts)
	p.offer = RoleOffer{Preferred: spec.Offer.Preferred, Options: opts}
	if err := p.mapBuffers(); err != nil {
		o.free()
		return nil, err
	}
	return p, nil
}

// connectLocal wires an output to an input of the same transport.
func (c *Circuit) connectLocal(out, in *Port) error {
	// Pulling consumers would race for the producer's buffers.
	outRole, inRole, err := negotiate(out.offer, in.offer, c.t.opts.RolePreference, len(c.inputs.ports) == 1)
	if err != nil {
		return err
	}
	out.role, in.role = outRole, inRole
	in.options |= out.options & FlagIsMeta

	t, err := newTarget(out, in.consumerDescriptor(), in.ep)
	if err != nil {
		return err
	}
	t.local = in
	t.peerRole = inRole
	out.targets = append(out.targets, t)

	if outRole == Passive {
		t.pull = true
		in.puller, err = newPuller(out.ep, out.producerDescriptor(t))
		return err
	}
	t.zeroCopy = in.ep == out.ep && out.options&in.options&ZeroCopy != 0
	if !t.zeroCopy {
		if t.tpl, err = c.template(out.ep, in.ep); err != nil {
			return err
		}
	}
	tpl, err := c.template(in.ep, out.ep)
	if err != nil {
		return err
	}
	in.feedback = &feedback{tpl: tpl, base: t.shadowBase, pitch: BufferStateSize}
	c.logger.Debug("Connected ports", "output", out.id, "input", in.id,
		"roles", outRole.String()+"/"+inRole.String(), "zero_copy", t.zeroCopy)
	return nil
}

// Close releases the circuit's buffers, templates and endpoint references.
func (c *Circuit) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	c.queue = nil
	var ports []*Port
	if c.outputs != nil {
		ports = append(ports, c.outputs.ports...)
	}
	if c.inputs != nil {
		ports = append(ports, c.inputs.ports...)
	}
	for _, p := range ports {
		for _, b := range p.inputs {
			b.DetachZeroCopy()
		}
		p.offsets.free()
	}
	tpls, eps := c.tpls, c.eps
	c.tpls, c.eps, c.release = nil, nil, nil
	c.mu.Unlock()

	for _, tpl := range tpls {
		tpl.Release()
	}
	for _, ep := range eps {
		ep.Release()
	}
	c.t.removeCircuit(c, ports)
	metrics.Get().ActiveCircuits.Add(-1)
	c.logger.Info("Circuit closed")
	return nil
}
