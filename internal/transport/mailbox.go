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
	"dataplane/internal/xfer"
)

// handler serves the mailbox of one local endpoint.
func (t *Transport) handler(ep *xfer.EndPoint) xfer.MailboxHandler {
	return func(from *xfer.EndPoint, circuitID uint32, req xfer.MailboxRequest) (xfer.MailboxResponse, uint32) {
		switch r := req.(type) {
		case xfer.NewConnectionRequest:
			return t.acceptConnection(ep, from, circuitID, r)
		case xfer.UpdateCircuitRequest:
			return t.updateCircuit(circuitID, r)
		case xfer.InputOffsetsRequest:
			return t.inputOffsets(circuitID, r)
		case xfer.ShadowRstateOffsetRequest:
			return t.shadowStateOffset(from, circuitID, r)
		case xfer.OutputControlOffsetRequest:
			return t.outputControlOffset(circuitID, r)
		}
		return xfer.MailboxResponse{}, xfer.CodeBadRequest
	}
}

// lookup returns the port with id, checking its direction and circuit.
func (t *Transport) lookup(id, circuitID uint32, output bool) *Port {
	p := t.port(id)
	if p == nil || p.output != output || (circuitID != 0 && p.circuit.id != circuitID) {
		return nil
	}
	return p
}

// acceptConnection answers a producer's offer with an input descriptor,
// creating the input port unless the offer names one.
func (t *Transport) acceptConnection(ep, from *xfer.EndPoint, circuitID uint32, r xfer.NewConnectionRequest) (xfer.MailboxResponse, uint32) {
	offer, err := DecodeDescriptor(r.Descriptor)
	if err != nil || offer.Type != ProducerDescriptor {
		t.logger.Warn("Rejecting connection offer", "from", from.Name(), "error", err)
		return xfer.MailboxResponse{}, xfer.CodeBadRequest
	}

	var p *Port
	if offer.PortID != 0 {
		if p = t.lookup(offer.PortID, 0, false); p == nil || p.ep != ep {
			return xfer.MailboxResponse{}, xfer.CodeUnknownPort
		}
	} else {
		p, _, err = t.CreateInputPort(PortSpec{
			EndPoint:     ep,
			BufferLength: max(t.opts.BufferLength, int(offer.DataBufferSize)),
			CircuitID:    circuitID,
		})
		if err != nil {
			t.logger.Warn("Cannot create input port", "from", from.Name(), "error", err)
			return xfer.MailboxResponse{}, xfer.CodeNoResources
		}
		p.accepted = true
	}

	c := p.circuit
	c.mu.Lock()
	if p.state != WaitingForUpdate {
		c.unlock()
		return xfer.MailboxResponse{}, xfer.CodeBadRequest
	}
	outRole, inRole, err := negotiate(offer.Offer, p.offer, t.opts.RolePreference, mappable(from))
	if err != nil {
		c.unlock()
		t.logger.Warn("Role negotiation failed", "from", from.Name(), "error", err)
		if p.accepted {
			c.Close()
		}
		return xfer.MailboxResponse{}, xfer.CodeBadRequest
	}
	p.role = inRole
	d := p.consumerDescriptor()
	d.PeerRole = outRole
	c.unlock()

	t.logger.Debug("Accepted connection offer", "from", from.Name(), "circuit", c.id, "port", p.id,
		"roles", outRole.String()+"/"+inRole.String())
	return xfer.MailboxResponse{
		ReturnOffset: d.DataBase,
		ReturnSize:   uint64(d.NBuffers) * d.DataPitch,
		Payload:      d.encode(),
	}, xfer.CodeOK
}

func (t *Transport) updateCircuit(circuitID uint32, r xfer.UpdateCircuitRequest) (xfer.MailboxResponse, uint32) {
	p := t.lookup(r.ReceiverPortID, circuitID, false)
	if p == nil {
		return xfer.MailboxResponse{}, xfer.CodeUnknownPort
	}
	d, err := DecodeDescriptor(r.Descriptor)
	if err != nil {
		return xfer.MailboxResponse{}, xfer.CodeBadRequest
	}
	c := p.circuit
	c.mu.Lock()
	err = p.setFlowControlLocked(d)
	c.unlock()
	if err != nil {
		t.logger.Warn("Circuit update failed", "circuit", c.id, "port", p.id, "error", err)
		return xfer.MailboxResponse{}, xfer.CodeBadRequest
	}
	if p.accepted && t.opts.OnConnect != nil {
		t.opts.OnConnect(p)
	}
	return xfer.MailboxResponse{}, xfer.CodeOK
}

func (t *Transport) inputOffsets(circuitID uint32, r xfer.InputOffsetsRequest) (xfer.MailboxResponse, uint32) {
	p := t.lookup(r.PortID, circuitID, false)
	if p == nil {
		return xfer.MailboxResponse{}, xfer.CodeUnknownPort
	}
	p.circuit.mu.Lock()
	d := p.consumerDescriptor()
	p.circuit.unlock()
	return xfer.MailboxResponse{
		ReturnOffset: d.DataBase,
		ReturnSize:   uint64(d.NBuffers) * d.DataPitch,
		Payload:      d.encode(),
	}, xfer.CodeOK
}

func (t *Transport) shadowStateOffset(from *xfer.EndPoint, circuitID uint32, r xfer.ShadowRstateOffsetRequest) (xfer.MailboxResponse, uint32) {
	p := t.lookup(r.PortID, circuitID, true)
	if p == nil {
		return xfer.MailboxResponse{}, xfer.CodeUnknownPort
	}
	p.circuit.mu.Lock()
	defer p.circuit.unlock()
	for _, tg := range p.targets {
		if tg.remote.UUID == from.UUID && !tg.pull {
			return xfer.MailboxResponse{
				ReturnOffset: tg.shadowBase,
				ReturnSize:   uint64(len(tg.shadow.inputs)) * BufferStateSize,
			}, xfer.CodeOK
		}
	}
	return xfer.MailboxResponse{}, xfer.CodeUnknownPort
}

func (t *Transport) outputControlOffset(circuitID uint32, r xfer.OutputControlOffsetRequest) (xfer.MailboxResponse, uint32) {
	p := t.lookup(r.PortID, circuitID, true)
	if p == nil {
		return xfer.MailboxResponse{}, xfer.CodeUnknownPort
	}
	return xfer.MailboxResponse{ReturnOffset: p.offsets.control, ReturnSize: controlSize}, xfer.CodeOK
}
