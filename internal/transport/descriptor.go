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

	"dataplane/internal/protocol"
)

const descriptorVersion = 1

// DescriptorType tells which side of a connection a descriptor describes.
type DescriptorType uint8

const (
	ConsumerDescriptor DescriptorType = iota + 1
	ProducerDescriptor
)

func (t DescriptorType) String() string {
	switch t {
	case ConsumerDescriptor:
		return "consumer"
	case ProducerDescriptor:
		return "producer"
	default:
		return "unknown"
	}
}

// Descriptor carries everything a peer needs to move buffers to or from a
// port: the offer used for role negotiation and the offsets of the port's
// regions inside its endpoint.
//
// A consumer descriptor describes input buffers: the full flag fields name
// the slot words the producer sets. A producer descriptor describes the
// producer's side: when pushing, the empty flag fields name the shadow
// words the consumer writes back; when pulled, they name the output
// buffers' own state words.
type Descriptor struct {
	Type      DescriptorType
	Role      Role // negotiated role of the described port
	PeerRole  Role // negotiated role of the other side
	Offer     RoleOffer
	CircuitID uint32
	PortID    uint32
	EndPoint  string

	NBuffers       uint32
	DataBufferSize uint32
	DataBase       uint64
	DataPitch      uint64
	MetaDataBase   uint64
	MetaDataPitch  uint64

	FullFlagBase  uint64
	FullFlagPitch uint64
	FullFlagSize  uint32
	FullFlagValue uint32

	EmptyFlagBase  uint64
	EmptyFlagPitch uint64
	EmptyFlagSize  uint32
	EmptyFlagValue uint32

	ControlBase uint64 // output port control block, producer descriptors only
}

// MarshalBinary serializes the descriptor for a mailbox payload.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	return d.encode(), nil
}

// UnmarshalBinary parses and validates an encoded descriptor.
func (d *Descriptor) UnmarshalBinary(b []byte) error {
	v, err := DecodeDescriptor(b)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d *Descriptor) encode() []byte {
	e := protocol.NewEncoder(160 + len(d.EndPoint))
	e.WriteUint8(descriptorVersion)
	e.WriteUint8(uint8(d.Type))
	e.WriteUint8(uint8(d.Role))
	e.WriteUint8(uint8(d.PeerRole))
	e.WriteUint8(uint8(d.Offer.Preferred))
	e.WriteUint32(uint32(d.Offer.Options))
	e.WriteUint32(d.CircuitID)
	e.WriteUint32(d.PortID)
	e.WriteString(d.EndPoint)
	e.WriteUint32(d.NBuffers)
	e.WriteUint32(d.DataBufferSize)
	e.WriteUint64(d.DataBase)
	e.WriteUint64(d.DataPitch)
	e.WriteUint64(d.MetaDataBase)
	e.WriteUint64(d.MetaDataPitch)
	e.WriteUint64(d.FullFlagBase)
	e.WriteUint64(d.FullFlagPitch)
	e.WriteUint32(d.FullFlagSize)
	e.WriteUint32(d.FullFlagValue)
	e.WriteUint64(d.EmptyFlagBase)
	e.WriteUint64(d.EmptyFlagPitch)
	e.WriteUint32(d.EmptyFlagSize)
	e.WriteUint32(d.EmptyFlagValue)
	e.WriteUint64(d.ControlBase)
	return e.Bytes()
}

// DecodeDescriptor parses an encoded descriptor.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	var d Descriptor
	dec := protocol.NewDecoder(b)
	if v := dec.ReadUint8(); dec.Err() == nil && v != descriptorVersion {
		return d, fmt.Errorf("%w: version %d", ErrInvalidDescriptor, v)
	}
	d.Type = DescriptorType(dec.ReadUint8())
	d.Role = Role(dec.ReadUint8())
	d.PeerRole = Role(dec.ReadUint8())
	d.Offer.Preferred = Role(dec.ReadUint8())
	d.Offer.Options = RoleOption(dec.ReadUint32())
	d.CircuitID = dec.ReadUint32()
	d.PortID = dec.ReadUint32()
	d.EndPoint = dec.ReadString()
	d.NBuffers = dec.ReadUint32()
	d.DataBufferSize = dec.ReadUint32()
	d.DataBase = dec.ReadUint64()
	d.DataPitch = dec.ReadUint64()
	d.MetaDataBase = dec.ReadUint64()
	d.MetaDataPitch = dec.ReadUint64()
	d.FullFlagBase = dec.ReadUint64()
	d.FullFlagPitch = dec.ReadUint64()
	d.FullFlagSize = dec.ReadUint32()
	d.FullFlagValue = dec.ReadUint32()
	d.EmptyFlagBase = dec.ReadUint64()
	d.EmptyFlagPitch = dec.ReadUint64()
	d.EmptyFlagSize = dec.ReadUint32()
	d.EmptyFlagValue = dec.ReadUint32()
	d.ControlBase = dec.ReadUint64()
	if err := dec.Err(); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if n := dec.Remaining(); n != 0 {
		return d, fmt.Errorf("%w: %d trailing bytes", ErrInvalidDescriptor, n)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// Validate checks the fields a peer relies on.
func (d *Descriptor) Validate() error {
	switch {
	case d.Type != ConsumerDescriptor && d.Type != ProducerDescriptor:
		return fmt.Errorf("%w: type %d", ErrInvalidDescriptor, d.Type)
	case d.EndPoint == "":
		return fmt.Errorf("%w: no endpoint", ErrInvalidDescriptor)
	case d.NBuffers == 0:
		return fmt.Errorf("%w: no buffers", ErrInvalidDescriptor)
	case d.DataBufferSize > MaxMetaLength:
		return fmt.Errorf("%w: %d byte buffers", ErrInvalidDescriptor, d.DataBufferSize)
	case d.Type == ConsumerDescriptor && d.FullFlagSize != BufferStateSize && d.FullFlagSize != 0:
		return fmt.Errorf("%w: full flag size %d", ErrInvalidDescriptor, d.FullFlagSize)
	case d.EmptyFlagSize != BufferStateSize && d.EmptyFlagSize != 0:
		return fmt.Errorf("%w: empty flag size %d", ErrInvalidDescriptor, d.EmptyFlagSize)
	}
	return nil
}
