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
Package protocol defines the datagram transfer wire format.

PROTOCOL OVERVIEW:
==================
The datagram driver emulates remote DMA over UDP. A transfer request is
split into messages, each carrying a piece of data and the address it lands
at in the receiver's address space. Messages are packed into frames; frames
are acknowledged and retransmitted until acknowledged.

FRAME FORMAT:
=============
Every datagram is one frame, a fixed 16-byte header followed by zero or
more messages:

	+-------+-------+---------------+---------------+---------------+
	| Magic | Ver   | DestID        | SrcID         | FrameSeq      |
	+-------+-------+---------------+---------------+---------------+
	| AckStart      | AckCnt| Flags | MsgCnt| Reserved              |
	+---------------+-------+-------+-------+-----------------------+
	|                       Messages (MsgCnt)                       |
	+---------------------------------------------------------------+

- Magic (1 byte): 0xD6
- Version (1 byte): 0x01
- DestID, SrcID (2 bytes each): mailbox numbers of the receiving and
  sending endpoints
- FrameSeq (2 bytes): sender's frame sequence number
- AckStart, AckCnt: acknowledges frames AckStart..AckStart+AckCnt-1
- Flags: FlagHasMessages when MsgCnt > 0, FlagAckOnly for standalone acks

MESSAGE FORMAT:
===============
Each message is a 24-byte header followed by DataLen bytes, padded with
zeros to a multiple of 8:

	[4] TransactionID   [4] FlagAddr    [4] FlagValue
	[2] NumMsgs         [2] MsgSeq      [4] DataAddr
	[2] DataLen         [1] Type        [1] NextMsg

All messages of a transaction carry the same FlagAddr/FlagValue. The
receiver stores the flag only after every message of the transaction has
been written, which gives the data-before-flag ordering the transport
relies on. A transaction with FlagAddr == NoFlag has no flag.

Data and metadata messages are written on arrival. Flow control messages
are deferred writes: they are applied in order right after the flag, so a
transaction can carry more than one flag. A transaction with nothing but
its flag sends a single empty flow control message.

All integers are big-endian.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format constants.
const (
	// MagicByte identifies dataplane datagram frames.
	MagicByte byte = 0xD6

	// ProtocolVersion is the current frame format version.
	ProtocolVersion byte = 0x01

	// FrameHeaderSize is the fixed size of a frame header.
	FrameHeaderSize = 16

	// MsgHeaderSize is the fixed size of a message header.
	MsgHeaderSize = 24

	// MsgAlignment is the padding boundary for message data.
	MsgAlignment = 8

	// MaxMsgsPerFrame bounds the messages packed into one frame.
	MaxMsgsPerFrame = 10

	// MaxAckCount is the longest run of frames one header can acknowledge.
	MaxAckCount = 255

	// MaxFrameSize is the largest UDP payload.
	MaxFrameSize = 65507

	// NoFlag marks a transaction that has no completion flag.
	NoFlag uint32 = 0xFFFFFFFF
)

// Frame flags.
const (
	FlagHasMessages byte = 0x01
	FlagAckOnly     byte = 0x02
)

// MsgType identifies what a message carries.
type MsgType uint8

const (
	MsgData        MsgType = 0
	MsgMetaData    MsgType = 1
	MsgFlowControl MsgType = 2
	MsgDisconnect  MsgType = 3
)

func (t MsgType) String() string {
	switch t {
	case MsgData:
		return "data"
	case MsgMetaData:
		return "metadata"
	case MsgFlowControl:
		return "flowcontrol"
	case MsgDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

// FrameHeader precedes every datagram.
type FrameHeader struct {
	DestID   uint16
	SrcID    uint16
	FrameSeq uint16
	AckStart uint16
	AckCount uint8
	Flags    uint8
}

// MsgHeader describes one piece of a transaction.
type MsgHeader struct {
	TransactionID uint32
	FlagAddr      uint32
	FlagValue     uint32
	NumMsgs       uint16 // Messages in the transaction
	MsgSeq        uint16 // Position of this message in the transaction
	DataAddr      uint32
	DataLen       uint16
	Type          MsgType
	NextMsg       uint8 // Nonzero when another message follows in the frame
}

// Msg is a message header with its data.
type Msg struct {
	Header MsgHeader
	Data   []byte
}

// Frame is a decoded datagram.
type Frame struct {
	Header   FrameHeader
	Messages []Msg
}

// Protocol errors returned during frame parsing.
var (
	// ErrInvalidMagic indicates the datagram is not a dataplane frame.
	ErrInvalidMagic = errors.New("invalid magic byte")

	// ErrInvalidVersion indicates an unsupported frame version.
	ErrInvalidVersion = errors.New("invalid protocol version")

	// ErrFrameTooLarge indicates the encoded frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrTruncatedFrame indicates a frame shorter than its headers claim.
	ErrTruncatedFrame = errors.New("truncated frame")

	// ErrTooManyMessages indicates more than MaxMsgsPerFrame messages.
	ErrTooManyMessages = errors.New("too many messages in frame")
)

// PaddedLen rounds n up to MsgAlignment.
func PaddedLen(n int) int {
	return (n + MsgAlignment - 1) &^ (MsgAlignment - 1)
}

// MsgWireSize returns the encoded size of a message carrying n data bytes.
func MsgWireSize(n int) int {
	return MsgHeaderSize + PaddedLen(n)
}

// MaxDataPerMsg returns the largest data chunk that fits in one message of
// a frame limited to maxPayload bytes.
func MaxDataPerMsg(maxPayload int) int {
	n := maxPayload - FrameHeaderSize - MsgHeaderSize
	n &^= MsgAlignment - 1
	if n > 0xFFFF {
		n = 0xFFFF &^ (MsgAlignment - 1)
	}
	return n
}

// PutFrameHeader writes h into b, which must hold FrameHeaderSize bytes.
func PutFrameHeader(b []byte, h FrameHeader, msgCount int) {
	b[0] = MagicByte
	b[1] = ProtocolVersion
	binary.BigEndian.PutUint16(b[2:], h.DestID)
	binary.BigEndian.PutUint16(b[4:], h.SrcID)
	binary.BigEndian.PutUint16(b[6:], h.FrameSeq)
	binary.BigEndian.PutUint16(b[8:], h.AckStart)
	b[10] = h.AckCount
	b[11] = h.Flags
	b[12] = uint8(msgCount)
	b[13], b[14], b[15] = 0, 0, 0
}

// ReadFrameHeader parses and validates a frame header, returning the
// message count that follows it.
//
// VALIDATION:
// - Magic byte must match MagicByte
// - Version must match ProtocolVersion
// - Message count must not exceed MaxMsgsPerFrame
func ReadFrameHeader(b []byte) (FrameHeader, int, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, 0, ErrTruncatedFrame
	}
	if b[0] != MagicByte {
		return FrameHeader{}, 0, ErrInvalidMagic
	}
	if b[1] != ProtocolVersion {
		return FrameHeader{}, 0, ErrInvalidVersion
	}
	h := FrameHeader{
		DestID:   binary.BigEndian.Uint16(b[2:]),
		SrcID:    binary.BigEndian.Uint16(b[4:]),
		FrameSeq: binary.BigEndian.Uint16(b[6:]),
		AckStart: binary.BigEndian.Uint16(b[8:]),
		AckCount: b[10],
		Flags:    b[11],
	}
	n := int(b[12])
	if n > MaxMsgsPerFrame {
		return FrameHeader{}, 0, ErrTooManyMessages
	}
	return h, n, nil
}

// PutMsgHeader writes h into b, which must hold MsgHeaderSize bytes.
func PutMsgHeader(b []byte, h MsgHeader) {
	binary.BigEndian.PutUint32(b[0:], h.TransactionID)
	binary.BigEndian.PutUint32(b[4:], h.FlagAddr)
	binary.BigEndian.PutUint32(b[8:], h.FlagValue)
	binary.BigEndian.PutUint16(b[12:], h.NumMsgs)
	binary.BigEndian.PutUint16(b[14:], h.MsgSeq)
	binary.BigEndian.PutUint32(b[16:], h.DataAddr)
	binary.BigEndian.PutUint16(b[20:], h.DataLen)
	b[22] = byte(h.Type)
	b[23] = h.NextMsg
}

// ReadMsgHeader parses a message header.
func ReadMsgHeader(b []byte) (MsgHeader, error) {
	if len(b) < MsgHeaderSize {
		return MsgHeader{}, ErrTruncatedFrame
	}
	return MsgHeader{
		TransactionID: binary.BigEndian.Uint32(b[0:]),
		FlagAddr:      binary.BigEndian.Uint32(b[4:]),
		FlagValue:     binary.BigEndian.Uint32(b[8:]),
		NumMsgs:       binary.BigEndian.Uint16(b[12:]),
		MsgSeq:        binary.BigEndian.Uint16(b[14:]),
		DataAddr:      binary.BigEndian.Uint32(b[16:]),
		DataLen:       binary.BigEndian.Uint16(b[20:]),
		Type:          MsgType(b[22]),
		NextMsg:       b[23],
	}, nil
}

// AppendFrame encodes f onto dst. DataLen and NextMsg are derived from the
// messages, and FlagHasMessages is set when there are any.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if len(f.Messages) > MaxMsgsPerFrame {
		return dst, ErrTooManyMessages
	}
	size := FrameHeaderSize
	for i := range f.Messages {
		size += MsgWireSize(len(f.Messages[i].Data))
	}
	if size > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}

	h := f.Header
	if len(f.Messages) > 0 {
		h.Flags |= FlagHasMessages
	} else {
		h.Flags &^= FlagHasMessages
	}

	start := len(dst)
	dst = append(dst, make([]byte, size)...)
	b := dst[start:]
	PutFrameHeader(b, h, len(f.Messages))
	off := FrameHeaderSize
	for i := range f.Messages {
		m := &f.Messages[i]
		mh := m.Header
		mh.DataLen = uint16(len(m.Data))
		mh.NextMsg = 0
		if i < len(f.Messages)-1 {
			mh.NextMsg = 1
		}
		PutMsgHeader(b[off:], mh)
		off += MsgHeaderSize
		copy(b[off:], m.Data)
		off += PaddedLen(len(m.Data))
	}
	return dst, nil
}

// DecodeFrame parses a datagram. Message data aliases b.
func DecodeFrame(b []byte) (*Frame, error) {
	h, n, err := ReadFrameHeader(b)
	if err != nil {
		return nil, err
	}
	f := &Frame{Header: h}
	if n == 0 {
		return f, nil
	}
	f.Messages = make([]Msg, 0, n)
	off := FrameHeaderSize
	for i := 0; i < n; i++ {
		mh, err := ReadMsgHeader(b[off:])
		if err != nil {
			return nil, err
		}
		off += MsgHeaderSize
		end := off + int(mh.DataLen)
		if end > len(b) {
			return nil, fmt.Errorf("%w: message %d wants %d bytes", ErrTruncatedFrame, i, mh.DataLen)
		}
		f.Messages = append(f.Messages, Msg{Header: mh, Data: b[off:end]})
		off += PaddedLen(int(mh.DataLen))
		if off > len(b) && i < n-1 {
			return nil, ErrTruncatedFrame
		}
	}
	return f, nil
}
