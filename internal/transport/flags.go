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
	"fmt"
)

// Layout constants shared by every port.
const (
	MaxPContribs    = 8  // contributor slots per buffer
	BufferStateSize = 4  // bytes per state word
	BufAlignment    = 8  // alignment of every region
	MetaDataSize    = 64 // bytes per BufferMetaData record
	MaxMetaLength   = 1<<21 - 1

	statePitch    = 2 * MaxPContribs * BufferStateSize
	metaDataPitch = MaxPContribs * MetaDataSize
)

// FullFlag is the consumer-side state word of one contributor slot.
// FFEmpty is the only empty value; any word with the mask bit set is full,
// which lets a packed metadata word double as the flag.
type FullFlag uint32

// EmptyFlag is the producer-side state word of a buffer. It holds exactly
// one of EFEmpty and EFFull.
type EmptyFlag uint32

const (
	FFMask uint32 = 0x80000000
	EFMask uint32 = 0x80000000

	FFEmpty FullFlag = 0
	FFFull  FullFlag = 0x80000000

	EFEmpty EmptyFlag = 0x80000000
	EFFull  EmptyFlag = 0
)

func (f FullFlag) IsFull() bool  { return uint32(f)&FFMask != 0 }
func (f FullFlag) IsEmpty() bool { return f == FFEmpty }

// Valid reports whether the word is a legal full flag.
func (f FullFlag) Valid() bool { return f == FFEmpty || f.IsFull() }

func (f EmptyFlag) IsFull() bool  { return f == EFFull }
func (f EmptyFlag) IsEmpty() bool { return f == EFEmpty }

// Valid reports whether the word is a legal empty flag.
func (f EmptyFlag) Valid() bool { return f == EFEmpty || f == EFFull }

// InvariantError describes a corrupted or misused state word. Buffers
// panic with it: a broken flag means another party wrote memory it does
// not own and the circuit cannot be trusted.
type InvariantError struct {
	Buffer string
	Slot   int
	Word   uint32
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("buffer %s slot %d: %s (state %#08x)", e.Buffer, e.Slot, e.Reason, e.Word)
}

// Packed metadata word:
//
//	bit 31      always one, so the word is a valid full flag
//	bits 30..10 length
//	bit 9       end of file
//	bit 8       truncated
//	bits 7..0   opcode
const (
	metaOneBit   = 1 << 31
	metaLenShift = 10
	metaEOFBit   = 1 << 9
	metaTruncBit = 1 << 8
)

// PackXferMetaData packs a message description into one word. Lengths
// above MaxMetaLength are clamped and marked truncated.
func PackXferMetaData(length uint32, opcode uint8, eof bool) uint32 {
	w := uint32(metaOneBit) | uint32(opcode)
	if length > MaxMetaLength {
		length = MaxMetaLength
		w |= metaTruncBit
	}
	w |= length << metaLenShift
	if eof {
		w |= metaEOFBit
	}
	return w
}

// UnpackXferMetaData splits a packed word. ok is false when the word does
// not carry the marker bit.
func UnpackXferMetaData(w uint32) (length uint32, opcode uint8, eof, truncated, ok bool) {
	return (w >> metaLenShift) & MaxMetaLength, uint8(w), w&metaEOFBit != 0, w&metaTruncBit != 0, w&metaOneBit != 0
}

// BufferMetaData is the 64-byte record that travels with every buffer.
// XferMetaData always agrees with Length, OpCode, End and Truncate.
type BufferMetaData struct {
	XferMetaData  uint32
	Length        uint32
	OpCode        uint32
	Timestamp     uint32
	End           uint32
	Truncate      uint32
	Sequence      uint32
	SrcRank       uint32
	SrcTemporalID uint32
	EndOfStream   uint32
	EndOfWhole    uint32
	Broadcast     uint32
	MetaDataOnly  uint32
	EndOfCircuit  uint32
	PartsSequence uint32
	Reserved      uint32
}

// Set describes a message and repacks the word.
func (m *BufferMetaData) Set(length uint32, opcode uint8, eof bool) {
	m.SetWord(PackXferMetaData(length, opcode, eof))
}

// SetWord installs a packed word and the fields it encodes.
func (m *BufferMetaData) SetWord(w uint32) {
	length, opcode, eof, trunc, _ := UnpackXferMetaData(w)
	m.XferMetaData = w
	m.Length = length
	m.OpCode = uint32(opcode)
	m.End = boolWord(eof)
	m.Truncate = boolWord(trunc)
}

// Consistent reports whether the packed word agrees with the fields.
func (m *BufferMetaData) Consistent() bool {
	length, opcode, eof, trunc, ok := UnpackXferMetaData(m.XferMetaData)
	return ok && length == m.Length && uint32(opcode) == m.OpCode &&
		boolWord(eof) == m.End && boolWord(trunc) == m.Truncate
}

func (m *BufferMetaData) words() [16]*uint32 {
	return [16]*uint32{
		&m.XferMetaData, &m.Length, &m.OpCode, &m.Timestamp,
		&m.End, &m.Truncate, &m.Sequence, &m.SrcRank,
		&m.SrcTemporalID, &m.EndOfStream, &m.EndOfWhole, &m.Broadcast,
		&m.MetaDataOnly, &m.EndOfCircuit, &m.PartsSequence, &m.Reserved,
	}
}

// Encode writes the record into b, which must hold MetaDataSize bytes.
// The packed word goes last so a reader polling it never sees a stale
// record behind a fresh word.
func (m *BufferMetaData) Encode(b []byte) {
	ws := m.words()
	for i := 1; i < len(ws); i++ {
		binary.NativeEndian.PutUint32(b[4*i:], *ws[i])
	}
	binary.NativeEndian.PutUint32(b, *ws[0])
}

// DecodeMetaData reads a record written by Encode.
func DecodeMetaData(b []byte) BufferMetaData {
	var m BufferMetaData
	for i, w := range m.words() {
		*w = binary.NativeEndian.Uint32(b[4*i:])
	}
	return m
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
