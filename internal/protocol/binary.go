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
Binary payload encoding for mailbox requests and port descriptors.

Mailbox payloads travel inside a fixed 464 byte slot, so they use the same
compact length-prefixed encoding as frames:

	Strings:     [uint16 length][UTF-8 bytes]
	Byte slices: [uint32 length][raw bytes]
	Integers:    Big-endian encoding

The Decoder keeps the first error it hits and returns zero values after
that, so callers read a whole struct and check Err() once.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInvalidBinaryFormat = errors.New("invalid binary format")
	ErrBufferTooSmall      = errors.New("buffer too small")
)

// Encoder appends big-endian values to a reusable buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// WriteBytes writes a uint32 length prefix followed by data.
func (e *Encoder) WriteBytes(data []byte) {
	e.WriteUint32(uint32(len(data)))
	e.buf = append(e.buf, data...)
}

// WriteString writes a uint16 length prefix followed by s.
func (e *Encoder) WriteString(s string) {
	e.WriteUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// Decoder reads big-endian values written by Encoder.
type Decoder struct {
	data []byte
	off  int
	err  error
}

// NewDecoder creates a decoder over data. Slices it returns alias data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.off
}

func (d *Decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.data) {
		d.err = fmt.Errorf("%w: short %s at offset %d", ErrInvalidBinaryFormat, what, d.off)
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) ReadUint8() uint8 {
	b := d.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) ReadUint16() uint16 {
	b := d.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) ReadUint32() uint32 {
	b := d.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) ReadUint64() uint64 {
	b := d.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) ReadBytes() []byte {
	n := d.ReadUint32()
	return d.take(int(n), "bytes")
}

func (d *Decoder) ReadString() string {
	n := d.ReadUint16()
	return string(d.take(int(n), "string"))
}
