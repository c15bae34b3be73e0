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

	"dataplane/internal/xfer"
)

// Buffer is the part common to input and output buffers: a data region
// and the state words and metadata records that describe it.
type Buffer struct {
	port  *Port
	tid   int
	data  []byte
	state []byte // 2*MaxPContribs words
	meta  []byte // MaxPContribs records
	inUse bool
}

// Tid is the index of the buffer within its port.
func (b *Buffer) Tid() int { return b.tid }

// Length is the capacity of the data region.
func (b *Buffer) Length() int { return len(b.data) }

// InUse reports whether the application holds the buffer.
func (b *Buffer) InUse() bool { return b.inUse }

func (b *Buffer) word(w int) []byte {
	return b.state[w*BufferStateSize : (w+1)*BufferStateSize]
}

func (b *Buffer) record(c int) []byte {
	return b.meta[c*MetaDataSize : (c+1)*MetaDataSize]
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s[%d]", b.port, b.tid)
}

func (b *Buffer) violate(slot int, w uint32, reason string) {
	panic(&InvariantError{Buffer: b.String(), Slot: slot, Word: w, Reason: reason})
}

// InputBuffer is a consumer buffer. A real input buffer lives in the
// consumer's endpoint; a shadow is the producer's view of one, holding a
// single empty flag per producer mailbox in the producer's own endpoint.
type InputBuffer struct {
	Buffer
	shadow map[uint16][]byte
	zcopy  *OutputBuffer
	md     BufferMetaData
	warned bool
}

func (b *InputBuffer) initState() {
	for c := 0; c < MaxPContribs; c++ {
		xfer.StoreWord(b.word(c), uint32(FFEmpty))
		xfer.StoreWord(b.word(MaxPContribs+c), uint32(EFEmpty))
	}
}

// Data returns the data region, the upstream one while zero copy is
// attached.
func (b *InputBuffer) Data() []byte {
	if b.zcopy != nil {
		return b.zcopy.data
	}
	return b.data
}

// ShadowState returns the empty flag the consumer last wrote back for the
// producer with the given mailbox.
func (b *InputBuffer) ShadowState(mailbox uint16) EmptyFlag {
	w, ok := b.shadow[mailbox]
	if !ok {
		return EFEmpty
	}
	f := EmptyFlag(xfer.LoadWord(w))
	if !f.Valid() {
		b.violate(0, uint32(f), "invalid shadow empty flag")
	}
	return f
}

// fullSlot returns the lowest full contributor slot, or -1.
func (b *InputBuffer) fullSlot() (int, FullFlag) {
	found, state := -1, FFEmpty
	for c := 0; c < MaxPContribs; c++ {
		f := FullFlag(xfer.LoadWord(b.word(c)))
		if !f.Valid() {
			b.violate(c, uint32(f), "invalid full flag")
		}
		if !f.IsFull() {
			continue
		}
		if found >= 0 {
			if !b.warned {
				b.warned = true
				b.port.logger.Warn("More than one contributor slot full", "buffer", b.tid, "first", found, "also", c)
			}
			continue
		}
		found, state = c, f
	}
	return found, state
}

// GetState returns the consumer view of the buffer: a full flag, FFEmpty
// when no message is present.
func (b *InputBuffer) GetState() FullFlag {
	switch {
	case b.zcopy != nil:
		if b.zcopy.GetState().IsFull() {
			return FFFull
		}
		return FFEmpty
	case b.shadow != nil:
		if b.ShadowState(b.port.mailbox).IsFull() {
			return FFFull
		}
		return FFEmpty
	}
	_, f := b.fullSlot()
	return f
}

// IsEmpty reports whether no message is present. A port that pulls its
// data tries to fetch the next message first.
func (b *InputBuffer) IsEmpty() bool {
	if b.GetState().IsFull() {
		return false
	}
	if p := b.port.puller; p != nil && b.shadow == nil && b.zcopy == nil {
		return !p.pull(b)
	}
	return true
}

// MarkBufferFull marks the buffer full locally: slot 0 of a real buffer,
// the producer's empty flag of a shadow.
func (b *InputBuffer) MarkBufferFull() {
	b.markFull(0, FFFull)
}

func (b *InputBuffer) markFull(c int, f FullFlag) {
	if b.shadow != nil {
		w := b.shadow[b.port.mailbox]
		old := EmptyFlag(xfer.LoadWord(w))
		if !old.Valid() || old.IsFull() {
			b.violate(0, uint32(old), "shadow already full")
		}
		xfer.StoreWord(w, uint32(EFFull))
		return
	}
	old := FullFlag(xfer.LoadWord(b.word(c)))
	if !old.IsEmpty() {
		b.violate(c, uint32(old), "slot already full")
	}
	xfer.StoreWord(b.word(c), uint32(f))
}

// MarkBufferEmpty empties the buffer locally. A zero-copy buffer empties
// the upstream output buffer instead.
func (b *InputBuffer) MarkBufferEmpty() {
	switch {
	case b.zcopy != nil:
		b.zcopy.MarkBufferEmpty()
	case b.shadow != nil:
		w := b.shadow[b.port.mailbox]
		if f := EmptyFlag(xfer.LoadWord(w)); !f.Valid() {
			b.violate(0, uint32(f), "invalid shadow empty flag")
		}
		xfer.StoreWord(w, uint32(EFEmpty))
	default:
		for c := 0; c < MaxPContribs; c++ {
			if f := FullFlag(xfer.LoadWord(b.word(c))); !f.Valid() {
				b.violate(c, uint32(f), "invalid full flag")
			}
			xfer.StoreWord(b.word(c), uint32(FFEmpty))
		}
	}
}

// GetMetaData returns the metadata of the present message: the first full
// contributor, or the port's own slot when none is full.
func (b *InputBuffer) GetMetaData() BufferMetaData {
	if b.zcopy != nil {
		return b.zcopy.MetaData()
	}
	c, f := b.fullSlot()
	if c < 0 {
		c = b.port.ordinal
	}
	md := DecodeMetaData(b.record(c))
	if b.port.options&FlagIsMeta != 0 && f.IsFull() {
		md.SetWord(uint32(f))
	}
	return md
}

// SetInUse records that the application holds the buffer and caches its
// metadata.
func (b *InputBuffer) SetInUse(inUse bool) {
	b.inUse = inUse
	if inUse {
		b.md = b.GetMetaData()
	}
}

// MetaData returns the metadata cached when the buffer was taken.
func (b *InputBuffer) MetaData() BufferMetaData { return b.md }

// AttachZeroCopy makes the buffer a window onto out. The borrow is
// recorded on out, which stays unusable until the buffer is released.
func (b *InputBuffer) AttachZeroCopy(out *OutputBuffer) {
	if b.zcopy != nil {
		b.violate(0, 0, "zero copy already attached")
	}
	b.zcopy = out
	out.borrowers++
}

// DetachZeroCopy returns the buffer to its own memory.
func (b *InputBuffer) DetachZeroCopy() {
	if b.zcopy == nil {
		return
	}
	b.zcopy.borrowers--
	b.zcopy = nil
}

// ZeroCopy returns the attached upstream buffer, if any.
func (b *InputBuffer) ZeroCopy() *OutputBuffer { return b.zcopy }

// OutputBuffer is a producer buffer.
type OutputBuffer struct {
	Buffer
	pending   xfer.Request
	borrowers int
	forward   *InputBuffer // released once this buffer has been delivered
	queued    bool
	full      bool // handed to a bridge reader
	timestamp uint32
}

func (b *OutputBuffer) initState() {
	for c := 0; c < MaxPContribs; c++ {
		xfer.StoreWord(b.word(c), uint32(EFEmpty))
		xfer.StoreWord(b.word(MaxPContribs+c), uint32(FFFull))
	}
}

// Data returns the data region.
func (b *OutputBuffer) Data() []byte { return b.data }

// GetState returns the buffer's empty flag.
func (b *OutputBuffer) GetState() EmptyFlag {
	f := EmptyFlag(xfer.LoadWord(b.word(0)))
	if !f.Valid() {
		b.violate(0, uint32(f), "invalid empty flag")
	}
	return f
}

// MarkBufferFull claims the buffer for a message in flight.
func (b *OutputBuffer) MarkBufferFull() {
	if b.GetState().IsFull() {
		b.violate(0, uint32(EFFull), "buffer already full")
	}
	xfer.StoreWord(b.word(0), uint32(EFFull))
}

// MarkBufferEmpty makes the buffer reusable. An input buffer forwarded
// through it is handed back to its port for release.
func (b *OutputBuffer) MarkBufferEmpty() {
	b.GetState()
	xfer.StoreWord(b.word(0), uint32(EFEmpty))
	if in := b.forward; in != nil {
		b.forward = nil
		b.port.circuit.deferRelease(in)
	}
}

// IsEmpty reports whether the buffer can be reused. It retires the
// pending transfer: a successful one empties the buffer, a failed one
// fails the port and keeps the buffer.
func (b *OutputBuffer) IsEmpty() bool {
	if b.pending != nil {
		switch b.pending.Status() {
		case xfer.Pending:
			return false
		case xfer.CompleteFailure:
			b.port.fail(fmt.Errorf("%w: buffer %d", xfer.ErrRequestFailed, b.tid))
			return false
		}
		b.pending = nil
		b.MarkBufferEmpty()
	}
	if b.queued || b.full || b.borrowers > 0 {
		return false
	}
	return b.GetState().IsEmpty()
}

// MetaData returns the record of this port's contributor slot.
func (b *OutputBuffer) MetaData() BufferMetaData {
	return DecodeMetaData(b.record(b.port.ordinal))
}

// SetMetaData writes md into every contributor slot.
func (b *OutputBuffer) SetMetaData(md BufferMetaData) {
	for c := 0; c < MaxPContribs; c++ {
		md.Encode(b.record(c))
	}
}
