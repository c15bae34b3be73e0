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

	"dataplane/internal/metrics"
	"dataplane/internal/xfer"
)

// target is an output port's connection to one consumer port. The shadow
// port mirrors the consumer's buffers with one empty flag each, held in
// the producer's endpoint and written back by the consumer.
type target struct {
	shadow     *Port
	shadowBase uint64
	desc       Descriptor
	remote     *xfer.EndPoint
	tpl        *xfer.Template
	local      *Port
	next       int
	pull       bool
	zeroCopy   bool
	peerRole   Role
}

// newTarget allocates the shadow words for the consumer described by d.
func newTarget(p *Port, d Descriptor, remote *xfer.EndPoint) (*target, error) {
	n := int(d.NBuffers)
	base, err := p.offsets.alloc(uint64(n) * BufferStateSize)
	if err != nil {
		return nil, err
	}
	words, err := p.ep.Smem().Map(base, uint64(n)*BufferStateSize)
	if err != nil {
		return nil, err
	}
	sp := &Port{
		id:      d.PortID,
		shadow:  true,
		ep:      remote,
		mailbox: p.ep.Mailbox,
		role:    NoRole,
		logger:  p.logger,
	}
	for i := 0; i < n; i++ {
		w := words[i*BufferStateSize : (i+1)*BufferStateSize]
		xfer.StoreWord(w, uint32(EFEmpty))
		sp.inputs = append(sp.inputs, &InputBuffer{
			Buffer: Buffer{port: sp, tid: i},
			shadow: map[uint16][]byte{p.ep.Mailbox: w},
		})
	}
	return &target{shadow: sp, shadowBase: base, desc: d, remote: remote}, nil
}

// feedback is where an input port writes the empty flag of a released
// buffer in its producer's endpoint.
type feedback struct {
	tpl   *xfer.Template
	base  uint64
	pitch uint64
}

// puller fetches messages from a passive producer whose memory the
// consumer can map.
type puller struct {
	data       [][]byte
	meta       [][]byte
	flags      [][]byte
	flagIsMeta bool
	next       int
}

func newPuller(ep *xfer.EndPoint, d Descriptor) (*puller, error) {
	smem := ep.Smem()
	pl := &puller{flagIsMeta: d.Offer.Options&FlagIsMeta != 0}
	for j := uint64(0); j < uint64(d.NBuffers); j++ {
		data, err := smem.Map(d.DataBase+j*d.DataPitch, uint64(d.DataBufferSize))
		if err != nil {
			return nil, err
		}
		meta, err := smem.Map(d.MetaDataBase+j*d.MetaDataPitch, MetaDataSize)
		if err != nil {
			return nil, err
		}
		flag, err := smem.Map(d.EmptyFlagBase+j*d.EmptyFlagPitch, BufferStateSize)
		if err != nil {
			return nil, err
		}
		pl.data = append(pl.data, data)
		pl.meta = append(pl.meta, meta)
		pl.flags = append(pl.flags, flag)
	}
	return pl, nil
}

// pull moves the producer's next full buffer into b and hands the
// producer's buffer back. It reports whether a message arrived.
func (pl *puller) pull(b *InputBuffer) bool {
	j := pl.next
	if !EmptyFlag(xfer.LoadWord(pl.flags[j])).IsFull() {
		return false
	}
	md := DecodeMetaData(pl.meta[j])
	n := min(int(md.Length), len(pl.data[j]), len(b.data))
	copy(b.data, pl.data[j][:n])
	md.Encode(b.record(0))
	f := FFFull
	if pl.flagIsMeta {
		f = FullFlag(md.XferMetaData)
	}
	b.markFull(0, f)
	xfer.StoreWord(pl.flags[j], uint32(EFEmpty))
	pl.next = (j + 1) % len(pl.flags)
	return true
}

type queued struct {
	port *Port
	buf  *OutputBuffer
}

// submitLocked starts delivery of a filled output buffer, queueing it when
// the next consumer buffer is still busy. Queued buffers go out in order.
func (c *Circuit) submitLocked(p *Port, b *OutputBuffer) error {
	b.MarkBufferFull()
	metrics.Get().BuffersSent.Add(1)
	if p.role != ActiveMessage || len(p.targets) == 0 {
		return nil
	}
	if len(c.queue) == 0 {
		ok, err := c.startLocked(p, b)
		if ok || err != nil {
			return err
		}
	}
	b.queued = true
	c.queue = append(c.queue, queued{p, b})
	metrics.Get().TransfersQueued.Add(1)
	return nil
}

// canProduce reports whether the consumer buffer t fills next is empty
// from the producer's point of view.
func (t *target) canProduce() (int, bool) {
	i := t.next
	return i, t.shadow.inputs[i].IsEmpty()
}

// startLocked sends b to the next consumer in round-robin order. It
// reports false when that consumer has no empty buffer.
func (c *Circuit) startLocked(p *Port, b *OutputBuffer) (bool, error) {
	t := p.targets[p.fanout]
	i, ok := t.canProduce()
	if !ok {
		return false, nil
	}
	t.shadow.inputs[i].MarkBufferFull()
	t.next = (i + 1) % len(t.shadow.inputs)
	p.fanout = (p.fanout + 1) % len(p.targets)

	if t.zeroCopy {
		t.local.inputs[i].AttachZeroCopy(b)
		metrics.Get().BuffersZeroCopy.Add(1)
		return true, nil
	}
	req, err := p.pushRequest(b, t, i)
	if err != nil {
		p.fail(err)
		return true, err
	}
	b.pending = req
	return true, nil
}

// pushRequest posts data, metadata and flag for output buffer b into
// consumer buffer i as one group. The flag is written last.
func (p *Port) pushRequest(b *OutputBuffer, t *target, i int) (xfer.Request, error) {
	o, d, c := p.offsets, t.desc, uint64(p.ordinal)
	md := b.MetaData()
	n := min(uint64(md.Length), o.bufLen, uint64(d.DataBufferSize))
	dst := uint64(i)

	data := t.tpl.CreateRequest()
	if n > 0 {
		if err := data.Copy(o.dataOffset(b.tid), d.DataBase+dst*d.DataPitch, n, xfer.DataTransfer); err != nil {
			return nil, err
		}
	}
	meta := t.tpl.CreateRequest()
	if err := meta.Copy(o.recordOffset(b.tid, int(c)), d.MetaDataBase+dst*d.MetaDataPitch+c*MetaDataSize,
		MetaDataSize, xfer.MetaDataTransfer); err != nil {
		return nil, err
	}
	src := o.slotOffset(b.tid, MaxPContribs+int(c))
	if p.options&FlagIsMeta != 0 {
		src = o.recordOffset(b.tid, int(c))
	}
	flag := t.tpl.CreateRequest()
	if err := flag.Copy(src, d.FullFlagBase+dst*d.FullFlagPitch+c*BufferStateSize,
		BufferStateSize, xfer.FlagTransfer); err != nil {
		return nil, err
	}
	if err := data.Group(meta); err != nil {
		return nil, err
	}
	if err := data.Group(flag); err != nil {
		return nil, err
	}
	if in := b.forward; in != nil && n > 0 {
		if err := data.Modify([]uint64{in.port.offsets.dataOffset(in.tid)}, nil); err != nil {
			return nil, err
		}
	}
	if err := data.Post(); err != nil {
		return nil, fmt.Errorf("post buffer %d: %w", b.tid, err)
	}
	return data, nil
}

// consumeLocked tells the producer that input buffer b may be refilled by
// copying the constant empty flag into its shadow word.
func (c *Circuit) consumeLocked(p *Port, b *InputBuffer) error {
	fb := p.feedback
	if fb == nil {
		return nil
	}
	r := fb.tpl.CreateRequest()
	err := r.Copy(p.offsets.slotOffset(b.tid, MaxPContribs), fb.base+uint64(b.tid)*fb.pitch,
		BufferStateSize, xfer.FlagTransfer)
	if err == nil {
		err = r.Post()
	}
	if err != nil {
		p.fail(err)
		return err
	}
	p.pending = append(p.pending, r)
	return nil
}

// pumpLocked retries queued transfers and retires finished requests.
func (c *Circuit) pumpLocked() {
	if c.state == Closed {
		return
	}
	for len(c.queue) > 0 {
		q := c.queue[0]
		if q.port.failed == nil {
			ok, _ := c.startLocked(q.port, q.buf)
			if !ok {
				break
			}
		}
		q.buf.queued = false
		c.queue = c.queue[1:]
	}
	if c.outputs != nil {
		for _, p := range c.outputs.ports {
			for _, b := range p.outputs {
				if b.pending != nil {
					b.IsEmpty()
				}
			}
		}
	}
	if c.inputs != nil {
		for _, p := range c.inputs.ports {
			p.retireFeedback()
		}
	}
}

func (p *Port) retireFeedback() {
	kept := p.pending[:0]
	for _, r := range p.pending {
		switch r.Status() {
		case xfer.Pending:
			kept = append(kept, r)
		case xfer.CompleteFailure:
			p.fail(fmt.Errorf("%w: flow control", xfer.ErrRequestFailed))
		}
	}
	clear(p.pending[len(kept):])
	p.pending = kept
}
