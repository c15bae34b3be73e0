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

package datagram

import (
	"fmt"
	"net"
	"slices"
	"time"

	"golang.org/x/net/ipv4"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/metrics"
	"dataplane/internal/protocol"
	"dataplane/internal/xfer"
)

const (
	// frameWindow is the number of unacknowledged frames per peer. Frame
	// sequence numbers index the window modulo its size.
	frameWindow = 256

	// transactionHistory is how many completed transaction ids a peer
	// remembers to reject late retransmissions.
	transactionHistory = 512
)

type txTransaction struct {
	id     uint32
	req    *request
	gen    uint64
	frames int
	acked  int
	posted time.Time
}

type txFrame struct {
	seq     uint16
	msgs    []protocol.Msg
	sent    time.Time
	resends int
	tx      *txTransaction
}

type rxTransaction struct {
	numMsgs   uint16
	got       uint16
	seen      []bool
	flagAddr  uint32
	flagValue uint32
	deferred  []protocol.Msg
}

type seenFrame struct {
	seq   uint16
	valid bool
}

// peer is the state shared by both directions between a local endpoint and
// one remote mailbox.
type peer struct {
	mailbox uint16
	addr    *net.UDPAddr

	// send side
	nextSeq  uint16
	window   [frameWindow]*txFrame
	inFlight int
	backlog  []*txFrame
	failed   bool

	// receive side
	acks     []uint16
	ackSince time.Time
	seen     [frameWindow]seenFrame
	rx       map[uint32]*rxTransaction
	done     [transactionHistory]uint32
	doneNext int
	doneSet  map[uint32]struct{}
}

func (n *node) peerLocked(mailbox uint16, addr *net.UDPAddr) *peer {
	p, ok := n.peers[mailbox]
	if !ok {
		p = &peer{
			mailbox: mailbox,
			addr:    addr,
			rx:      make(map[uint32]*rxTransaction),
			doneSet: make(map[uint32]struct{}),
		}
		n.peers[mailbox] = p
	} else if p.addr == nil {
		p.addr = addr
	}
	return p
}

func (p *peer) queueAck(seq uint16, now time.Time) {
	if slices.Contains(p.acks, seq) {
		return
	}
	if len(p.acks) == 0 {
		p.ackSince = now
	}
	p.acks = append(p.acks, seq)
}

// takeAcks removes the lowest run of consecutive pending acks.
func (p *peer) takeAcks() (start uint16, count uint8) {
	if len(p.acks) == 0 {
		return 0, 0
	}
	slices.Sort(p.acks)
	start = p.acks[0]
	c := 1
	for c < len(p.acks) && c < protocol.MaxAckCount && p.acks[c] == start+uint16(c) {
		c++
	}
	p.acks = append(p.acks[:0], p.acks[c:]...)
	return start, uint8(c)
}

func (p *peer) isDone(id uint32) bool {
	_, ok := p.doneSet[id]
	return ok
}

func (p *peer) markDone(id uint32) {
	if old := p.done[p.doneNext]; old != 0 {
		delete(p.doneSet, old)
	}
	p.done[p.doneNext] = id
	p.doneSet[id] = struct{}{}
	p.doneNext = (p.doneNext + 1) % transactionHistory
}

// maxTransactionMsgs is the most messages one transaction header can count.
const maxTransactionMsgs = 0xFFFF

// messageCost returns how many messages a transfer adds to a transaction
// and whether it becomes the transaction flag carried in every header.
func messageCost(dst, n uint64, flags xfer.Flags, folded bool, chunk uint64) (int, bool) {
	if flags&xfer.FlagTransfer != 0 {
		if n == 4 && !folded && uint32(dst) != protocol.NoFlag {
			return 0, true
		}
		return 1, false
	}
	return int((n + chunk - 1) / chunk), false
}

// buildMessages cuts transfers into messages carrying copies of the source
// bytes. The first flag rides in the message headers; later flags become
// flow control messages.
func (n *node) buildMessages(ts []xfer.Transfer) ([]protocol.Msg, uint32, uint32, error) {
	flagAddr, flagValue := protocol.NoFlag, uint32(0)
	var msgs, deferred []protocol.Msg
	chunk := uint64(n.d.maxData)
	for _, t := range ts {
		if t.Dst+t.Len > 1<<32 {
			return nil, 0, 0, fmt.Errorf("destination %#x+%d is not addressable", t.Dst, t.Len)
		}
		src, err := n.mem.Map(t.Src, t.Len)
		if err != nil {
			return nil, 0, 0, err
		}
		if t.Flags&xfer.FlagTransfer != 0 {
			if t.Len == 4 && flagAddr == protocol.NoFlag && uint32(t.Dst) != protocol.NoFlag {
				flagAddr, flagValue = uint32(t.Dst), xfer.LoadWord(src)
				continue
			}
			if t.Len > chunk {
				return nil, 0, 0, fmt.Errorf("flag transfer of %d bytes", t.Len)
			}
			deferred = append(deferred, protocol.Msg{
				Header: protocol.MsgHeader{DataAddr: uint32(t.Dst), Type: protocol.MsgFlowControl},
				Data:   append([]byte(nil), src...),
			})
			continue
		}
		typ := protocol.MsgData
		if t.Flags&xfer.MetaDataTransfer != 0 {
			typ = protocol.MsgMetaData
		}
		for off := uint64(0); off < t.Len; off += chunk {
			end := min(off+chunk, t.Len)
			msgs = append(msgs, protocol.Msg{
				Header: protocol.MsgHeader{DataAddr: uint32(t.Dst + off), Type: typ},
				Data:   append([]byte(nil), src[off:end]...),
			})
		}
	}
	msgs = append(msgs, deferred...)
	if len(msgs) == 0 {
		msgs = append(msgs, protocol.Msg{Header: protocol.MsgHeader{Type: protocol.MsgFlowControl}})
	}
	if len(msgs) > maxTransactionMsgs {
		return nil, 0, 0, fmt.Errorf("%d messages in one transaction", len(msgs))
	}
	return msgs, flagAddr, flagValue, nil
}

// pack groups messages into frames bounded by the payload size.
func (n *node) pack(msgs []protocol.Msg) [][]protocol.Msg {
	var frames [][]protocol.Msg
	var cur []protocol.Msg
	size := protocol.FrameHeaderSize
	for _, m := range msgs {
		w := protocol.MsgWireSize(len(m.Data))
		if len(cur) > 0 && (len(cur) == protocol.MaxMsgsPerFrame || size+w > n.d.cfg.MaxPayload) {
			frames = append(frames, cur)
			cur, size = nil, protocol.FrameHeaderSize
		}
		cur = append(cur, m)
		size += w
	}
	if len(cur) > 0 {
		frames = append(frames, cur)
	}
	return frames
}

func outgoing(b []byte, addr *net.UDPAddr) ipv4.Message {
	return ipv4.Message{Buffers: [][]byte{b}, Addr: addr}
}

// encodeLocked encodes a data frame with any pending acks piggybacked.
func (n *node) encodeLocked(p *peer, f *txFrame) (ipv4.Message, bool) {
	h := protocol.FrameHeader{DestID: p.mailbox, SrcID: n.mailbox, FrameSeq: f.seq}
	h.AckStart, h.AckCount = p.takeAcks()
	b, err := protocol.AppendFrame(nil, &protocol.Frame{Header: h, Messages: f.msgs})
	if err != nil {
		n.logger.Error("Encoding frame failed", "seq", f.seq, "error", err)
		return ipv4.Message{}, false
	}
	return outgoing(b, p.addr), true
}

func (n *node) ackFrameLocked(p *peer) ipv4.Message {
	h := protocol.FrameHeader{DestID: p.mailbox, SrcID: n.mailbox, Flags: protocol.FlagAckOnly}
	h.AckStart, h.AckCount = p.takeAcks()
	b, _ := protocol.AppendFrame(nil, &protocol.Frame{Header: h})
	return outgoing(b, p.addr)
}

// pumpLocked moves backlogged frames into free window slots and encodes
// them for sending.
func (n *node) pumpLocked(p *peer, now time.Time) []ipv4.Message {
	var out []ipv4.Message
	for len(p.backlog) > 0 && !p.failed {
		slot := int(p.nextSeq % frameWindow)
		if p.window[slot] != nil {
			break
		}
		f := p.backlog[0]
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		f.seq = p.nextSeq
		p.nextSeq++
		f.sent = now
		p.window[slot] = f
		p.inFlight++
		if msg, ok := n.encodeLocked(p, f); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (n *node) handleFrameLocked(f *protocol.Frame, from *net.UDPAddr, now time.Time) []ipv4.Message {
	p := n.peerLocked(f.Header.SrcID, from)
	if f.Header.AckCount > 0 {
		n.ackLocked(p, f.Header.AckStart, f.Header.AckCount)
	}
	if len(f.Messages) > 0 {
		seq := f.Header.FrameSeq
		// Duplicates are acknowledged again since the first ack was lost.
		p.queueAck(seq, now)
		rec := &p.seen[seq%frameWindow]
		if rec.valid && rec.seq == seq {
			metrics.Get().FramesDuplicate.Add(1)
		} else {
			rec.seq, rec.valid = seq, true
			for i := range f.Messages {
				n.applyLocked(p, &f.Messages[i])
			}
		}
	}
	return n.pumpLocked(p, now)
}

func (n *node) ackLocked(p *peer, start uint16, count uint8) {
	m := metrics.Get()
	for i := 0; i < int(count); i++ {
		seq := start + uint16(i)
		slot := &p.window[seq%frameWindow]
		f := *slot
		if f == nil || f.seq != seq {
			continue
		}
		*slot = nil
		p.inFlight--
		tx := f.tx
		tx.acked++
		if tx.acked < tx.frames {
			continue
		}
		m.RecordCompletion(config.ProtocolDatagram, time.Since(tx.posted))
		if tx.req.gen == tx.gen && tx.req.status == xfer.Pending {
			tx.req.status = xfer.CompleteSuccess
		}
	}
}

// applyLocked writes one received message. The flag and deferred writes of
// a transaction are applied once all of its messages have arrived.
func (n *node) applyLocked(p *peer, msg *protocol.Msg) {
	h := msg.Header
	if p.isDone(h.TransactionID) {
		return
	}
	t := p.rx[h.TransactionID]
	if t == nil {
		if h.NumMsgs == 0 {
			return
		}
		t = &rxTransaction{
			numMsgs:   h.NumMsgs,
			seen:      make([]bool, h.NumMsgs),
			flagAddr:  h.FlagAddr,
			flagValue: h.FlagValue,
		}
		p.rx[h.TransactionID] = t
	}
	if h.MsgSeq >= t.numMsgs || t.seen[h.MsgSeq] {
		return
	}
	t.seen[h.MsgSeq] = true
	t.got++

	switch h.Type {
	case protocol.MsgData, protocol.MsgMetaData:
		n.writeLocked(h.DataAddr, msg.Data)
	case protocol.MsgFlowControl:
		if len(msg.Data) > 0 {
			t.deferred = append(t.deferred, protocol.Msg{Header: h, Data: append([]byte(nil), msg.Data...)})
		}
	default:
		n.logger.Debug("Ignoring message", "type", h.Type.String(), "transaction", h.TransactionID)
	}

	if t.got < t.numMsgs {
		return
	}
	if t.flagAddr != protocol.NoFlag {
		if dst, err := n.mem.Map(uint64(t.flagAddr), 4); err == nil {
			xfer.StoreWord(dst, t.flagValue)
		} else {
			n.logger.Warn("Dropping flag outside endpoint memory", "addr", logging.Hex(t.flagAddr))
		}
	}
	for _, d := range t.deferred {
		n.writeLocked(d.Header.DataAddr, d.Data)
	}
	delete(p.rx, h.TransactionID)
	p.markDone(h.TransactionID)
}

// writeLocked stores b at addr. Four-byte writes are atomic word stores so
// pollers never see a torn flag.
func (n *node) writeLocked(addr uint32, b []byte) {
	dst, err := n.mem.Map(uint64(addr), uint64(len(b)))
	if err != nil {
		n.logger.Warn("Dropping write outside endpoint memory", "addr", logging.Hex(addr), "len", len(b))
		return
	}
	if len(b) == 4 {
		xfer.StoreWord(dst, xfer.LoadWord(b))
		return
	}
	copy(dst, b)
}

// tick retransmits overdue frames and sends acks that waited long enough.
func (n *node) tick(now time.Time) []ipv4.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	m := metrics.Get()
	cfg := n.d.cfg
	var out []ipv4.Message
	for _, p := range n.peers {
		for i := 0; i < frameWindow && !p.failed; i++ {
			f := p.window[i]
			if f == nil || now.Sub(f.sent) < cfg.RetransmitTimeout() {
				continue
			}
			if f.resends >= cfg.MaxResends {
				m.ConnectionsFailed.Add(1)
				n.failPeerLocked(p, fmt.Sprintf("frame %d unacknowledged after %d resends", f.seq, f.resends))
				break
			}
			f.resends++
			f.sent = now
			m.FramesRetransmit.Add(1)
			if msg, ok := n.encodeLocked(p, f); ok {
				out = append(out, msg)
			}
		}
		if len(p.acks) > 0 && now.Sub(p.ackSince) >= cfg.AckInterval() {
			for len(p.acks) > 0 {
				out = append(out, n.ackFrameLocked(p))
			}
		}
	}
	return out
}

// failPeerLocked completes every pending request to p with a failure.
func (n *node) failPeerLocked(p *peer, reason string) {
	if p.failed {
		return
	}
	p.failed = true
	m := metrics.Get()
	failed := 0
	fail := func(f *txFrame) {
		if f.tx.req.gen == f.tx.gen && f.tx.req.status == xfer.Pending {
			f.tx.req.status = xfer.CompleteFailure
			m.RecordFailure(config.ProtocolDatagram)
			failed++
		}
	}
	for i := range p.window {
		if f := p.window[i]; f != nil {
			fail(f)
			p.window[i] = nil
		}
	}
	for _, f := range p.backlog {
		fail(f)
	}
	p.backlog = nil
	p.inFlight = 0
	if failed > 0 || !n.closed {
		n.logger.Error("Failing peer connection", "peer", p.mailbox, "addr", p.addr,
			"reason", reason, "requests", failed)
	}
}
